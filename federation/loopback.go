package federation

import (
	"context"
	"sync"

	"roomcrypt/common"
	"roomcrypt/errs"
)

// Handlers are the server-side callbacks a Loopback node exposes.
type Handlers struct {
	Deliver   func(ctx context.Context, env *common.ToDeviceEnvelope) error
	QueryKeys func(ctx context.Context, req map[string][]string) (map[string]map[string]*common.PublicIdentity, error)
	Claim     func(ctx context.Context, userID, deviceID, algorithm string) (*common.ClaimedKey, error)
}

// Loopback routes transport calls to in-process handlers, one set per
// server name. Used by tests and single-process deployments.
type Loopback struct {
	mu    sync.RWMutex
	nodes map[string]Handlers
}

var _ Transport = (*Loopback)(nil)

func NewLoopback() *Loopback {
	return &Loopback{nodes: make(map[string]Handlers)}
}

func (l *Loopback) Register(server string, h Handlers) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nodes[server] = h
}

func (l *Loopback) handlers(server string) (Handlers, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	h, ok := l.nodes[server]
	if !ok {
		return Handlers{}, errs.NotFound("unknown server %s", server)
	}
	return h, nil
}

func (l *Loopback) DeliverToDevice(ctx context.Context, server string, env *common.ToDeviceEnvelope) error {
	h, err := l.handlers(server)
	if err != nil {
		return err
	}
	return h.Deliver(ctx, env)
}

func (l *Loopback) QueryKeys(ctx context.Context, server string, req map[string][]string) (map[string]map[string]*common.PublicIdentity, error) {
	h, err := l.handlers(server)
	if err != nil {
		return nil, err
	}
	return h.QueryKeys(ctx, req)
}

func (l *Loopback) ClaimOneTimeKey(ctx context.Context, server, userID, deviceID, algorithm string) (*common.ClaimedKey, error) {
	h, err := l.handlers(server)
	if err != nil {
		return nil, err
	}
	return h.Claim(ctx, userID, deviceID, algorithm)
}
