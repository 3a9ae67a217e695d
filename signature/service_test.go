package signature

import (
	"testing"

	"github.com/stretchr/testify/require"

	"roomcrypt/crypto/key_ed25519"
)

func TestSignVerify(t *testing.T) {
	pair, err := key_ed25519.NewPair()
	require.NoError(t, err)

	payload := []byte(`{"user_id":"alice","key":"abc"}`)
	sig, err := Sign(payload, "DEVICE1", pair.Priv)
	require.NoError(t, err)
	require.Equal(t, "DEVICE1", sig.KeyID)

	require.NoError(t, Verify(payload, sig.Signature, pair.Pub))
}

func TestVerifyIgnoresKeyOrderAndSignatures(t *testing.T) {
	pair, err := key_ed25519.NewPair()
	require.NoError(t, err)

	signed := []byte(`{"key":"abc","user_id":"alice"}`)
	sig, err := Sign(signed, "DEVICE1", pair.Priv)
	require.NoError(t, err)

	// Reordered keys plus signatures/unsigned blocks canonicalize away.
	variant := []byte(`{"user_id":"alice","signatures":{"x":"y"},"unsigned":{"age":1},"key":"abc"}`)
	require.NoError(t, Verify(variant, sig.Signature, pair.Pub))
}

func TestVerifyFlippedByte(t *testing.T) {
	pair, err := key_ed25519.NewPair()
	require.NoError(t, err)

	payload := []byte(`{"user_id":"alice"}`)
	sig, err := Sign(payload, "DEVICE1", pair.Priv)
	require.NoError(t, err)

	bad := append([]byte{}, sig.Signature...)
	bad[0] ^= 0x01
	require.Error(t, Verify(payload, bad, pair.Pub))
}

func TestVerifyWrongKey(t *testing.T) {
	pair, err := key_ed25519.NewPair()
	require.NoError(t, err)
	other, err := key_ed25519.NewPair()
	require.NoError(t, err)

	payload := []byte(`{"user_id":"alice"}`)
	sig, err := Sign(payload, "DEVICE1", pair.Priv)
	require.NoError(t, err)
	require.Error(t, Verify(payload, sig.Signature, other.Pub))
}

func TestVerifyGarbageNeverPanics(t *testing.T) {
	pair, err := key_ed25519.NewPair()
	require.NoError(t, err)

	require.Error(t, Verify([]byte("not json"), []byte("sig"), pair.Pub))
	require.Error(t, Verify([]byte(`{"a":1}`), []byte{0x00, 0x01}, pair.Pub))
	require.Error(t, Verify([]byte(`{"a":1}`), nil, pair.Pub))
}
