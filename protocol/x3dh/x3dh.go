// Package x3dh derives a shared session secret from a multi-way
// Diffie-Hellman combination of identity, ephemeral and claimed prekeys.
//
// https://signal.org/docs/specifications/x3dh/
package x3dh

import (
	"roomcrypt/crypto/dh25519"
	"roomcrypt/crypto/hkdf"
	"roomcrypt/crypto/key_ed25519"
)

// RemoteBundle is the public key material claimed for the remote device.
// ClaimedKey is either a consumed one-time key or the device's fallback
// key; signature checks happen before the bundle reaches this package.
type RemoteBundle struct {
	IdentityKey key_ed25519.PublicKey
	ClaimedKey  key_ed25519.PublicKey
}

// LocalSecrets is the responder's private key material. ClaimedKey is the
// private half of whichever key the initiator claimed.
type LocalSecrets struct {
	IdentityKey key_ed25519.PrivateKey
	ClaimedKey  key_ed25519.PrivateKey
}

// InitiatorKeyAgreement generates an ephemeral key and computes the shared
// secret from three DH outputs. The ephemeral public key travels in the
// prekey message so the responder can re-derive the same secret.
func InitiatorKeyAgreement(remote *RemoteBundle, localIdentity key_ed25519.PrivateKey) (sharedKey []byte, ephPubKey key_ed25519.PublicKey, err error) {
	eph, err := key_ed25519.NewPair()
	if err != nil {
		return nil, nil, err
	}

	dh1, err := dh25519.GetSharedSecret(localIdentity, remote.ClaimedKey)
	if err != nil {
		return nil, nil, err
	}
	dh2, err := dh25519.GetSharedSecret(eph.Priv, remote.IdentityKey)
	if err != nil {
		return nil, nil, err
	}
	dh3, err := dh25519.GetSharedSecret(eph.Priv, remote.ClaimedKey)
	if err != nil {
		return nil, nil, err
	}

	sk := append(append(append([]byte{}, dh1...), dh2...), dh3...)
	sharedKey, err = hkdf.New32BytesKeyFromSecret(sk)
	if err != nil {
		return nil, nil, err
	}
	return sharedKey, eph.Pub, nil
}

// ResponderKeyAgreement re-derives the shared secret from the initiator's
// identity and ephemeral public keys. Deterministic: the same inputs
// always produce the same secret, which is what makes prekey replay
// idempotent.
func ResponderKeyAgreement(local *LocalSecrets, remoteIdentity, remoteEphemeral key_ed25519.PublicKey) ([]byte, error) {
	dh1, err := dh25519.GetSharedSecret(local.ClaimedKey, remoteIdentity)
	if err != nil {
		return nil, err
	}
	dh2, err := dh25519.GetSharedSecret(local.IdentityKey, remoteEphemeral)
	if err != nil {
		return nil, err
	}
	dh3, err := dh25519.GetSharedSecret(local.ClaimedKey, remoteEphemeral)
	if err != nil {
		return nil, err
	}

	sk := append(append(append([]byte{}, dh1...), dh2...), dh3...)
	return hkdf.New32BytesKeyFromSecret(sk)
}
