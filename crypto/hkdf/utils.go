package hkdf

import (
	"hash"
	"io"

	"golang.org/x/crypto/hkdf"

	"roomcrypt/configs"
	"roomcrypt/crypto"
)

// New32BytesKeyFromSecret derives a new 32-byte key from a secret using HKDF
func New32BytesKeyFromSecret(secret []byte) ([]byte, error) {
	hkdfReader := hkdf.New(crypto.DefaultHashFunc, secret, nil, configs.HKDFInfo)

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdfReader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// KDF fills buffer with key material derived from keyMaterial, salt and info.
func KDF(hash func() hash.Hash, keyMaterial []byte, salt []byte, info []byte, buffer []byte) (int, error) {
	hkdfReader := hkdf.New(hash, keyMaterial, salt, info)
	return io.ReadFull(hkdfReader, buffer)
}
