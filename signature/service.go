// Package signature canonicalizes and signs/verifies arbitrary JSON
// payloads with a device signing key. Every signature in roomcrypt (device
// keys, cross-signing chains, backup auth data) goes through this package
// so two implementations signing the same object produce the same bytes.
package signature

import (
	"roomcrypt/crypto/key_ed25519"
	"roomcrypt/crypto/signer_schnorr"
	"roomcrypt/errs"
)

// Signature carries the detached signature plus a reference to the key
// that produced it.
type Signature struct {
	KeyID     string `json:"key_id"`
	Signature []byte `json:"signature"`
}

// Sign canonicalizes payload and signs it with the given signing key.
func Sign(payload []byte, keyID string, priv key_ed25519.PrivateKey) (*Signature, error) {
	canon, err := Canonicalize(payload)
	if err != nil {
		return nil, err
	}
	sig, err := signer_schnorr.Sign(priv, canon)
	if err != nil {
		return nil, errs.Validation("signing failed: %v", err)
	}
	return &Signature{KeyID: keyID, Signature: sig}, nil
}

// Verify re-canonicalizes payload and checks sig against pub. It returns
// an error for the caller to branch on; malformed input is reported as a
// validation failure, never a panic.
func Verify(payload []byte, sig []byte, pub key_ed25519.PublicKey) error {
	canon, err := Canonicalize(payload)
	if err != nil {
		return err
	}
	if err := signer_schnorr.Verify(pub, canon, sig); err != nil {
		return errs.Validation("signature mismatch")
	}
	return nil
}
