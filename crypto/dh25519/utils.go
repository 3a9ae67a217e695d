package dh25519

import (
	"errors"

	"roomcrypt/crypto/key_ed25519"
)

var (
	ErrInvalid = errors.New("invalid input")
)

// GetSharedSecret returns the Diffie-Hellman output of our scalar and the
// peer's point.
func GetSharedSecret(privKey key_ed25519.PrivateKey, pubKey key_ed25519.PublicKey) ([]byte, error) {
	if privKey == nil || pubKey == nil {
		return nil, ErrInvalid
	}
	privScalar, err := privKey.ToScalar()
	if err != nil {
		return nil, err
	}
	pubPoint, err := pubKey.ToPoint()
	if err != nil {
		return nil, err
	}
	secretPoint := key_ed25519.Suite.Point().Mul(privScalar, pubPoint)
	return secretPoint.MarshalBinary()
}
