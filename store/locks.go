package store

import (
	"hash/fnv"
	"sync"
)

// KeyedMutex serializes mutations per entity id while letting distinct
// entities proceed in parallel. Stripes bound memory: two ids may share a
// stripe, which only costs unnecessary waiting, never lost exclusion.
type KeyedMutex struct {
	stripes []sync.Mutex
}

func NewKeyedMutex(stripes int) *KeyedMutex {
	if stripes <= 0 {
		stripes = 64
	}
	return &KeyedMutex{stripes: make([]sync.Mutex, stripes)}
}

// Lock acquires the stripe for key and returns its unlock func.
func (m *KeyedMutex) Lock(key string) func() {
	h := fnv.New32a()
	h.Write([]byte(key))
	mu := &m.stripes[h.Sum32()%uint32(len(m.stripes))]
	mu.Lock()
	return mu.Unlock
}
