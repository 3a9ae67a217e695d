package x3dh

import (
	"testing"

	"github.com/stretchr/testify/require"

	"roomcrypt/crypto/key_ed25519"
)

func TestKeyAgreement(t *testing.T) {
	aliceIdentity, err := key_ed25519.NewPair()
	require.NoError(t, err)
	bobIdentity, err := key_ed25519.NewPair()
	require.NoError(t, err)
	bobPrekey, err := key_ed25519.NewPair()
	require.NoError(t, err)

	shared, ephPub, err := InitiatorKeyAgreement(&RemoteBundle{
		IdentityKey: bobIdentity.Pub,
		ClaimedKey:  bobPrekey.Pub,
	}, aliceIdentity.Priv)
	require.NoError(t, err)
	require.Len(t, shared, 32)
	require.NotEmpty(t, ephPub)

	derived, err := ResponderKeyAgreement(&LocalSecrets{
		IdentityKey: bobIdentity.Priv,
		ClaimedKey:  bobPrekey.Priv,
	}, aliceIdentity.Pub, ephPub)
	require.NoError(t, err)
	require.Equal(t, shared, derived)
}

func TestResponderDeterministic(t *testing.T) {
	aliceIdentity, err := key_ed25519.NewPair()
	require.NoError(t, err)
	bobIdentity, err := key_ed25519.NewPair()
	require.NoError(t, err)
	bobPrekey, err := key_ed25519.NewPair()
	require.NoError(t, err)

	_, ephPub, err := InitiatorKeyAgreement(&RemoteBundle{
		IdentityKey: bobIdentity.Pub,
		ClaimedKey:  bobPrekey.Pub,
	}, aliceIdentity.Priv)
	require.NoError(t, err)

	local := &LocalSecrets{IdentityKey: bobIdentity.Priv, ClaimedKey: bobPrekey.Priv}
	first, err := ResponderKeyAgreement(local, aliceIdentity.Pub, ephPub)
	require.NoError(t, err)
	second, err := ResponderKeyAgreement(local, aliceIdentity.Pub, ephPub)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestWrongPrekeyDiverges(t *testing.T) {
	aliceIdentity, err := key_ed25519.NewPair()
	require.NoError(t, err)
	bobIdentity, err := key_ed25519.NewPair()
	require.NoError(t, err)
	bobPrekey, err := key_ed25519.NewPair()
	require.NoError(t, err)
	otherPrekey, err := key_ed25519.NewPair()
	require.NoError(t, err)

	shared, ephPub, err := InitiatorKeyAgreement(&RemoteBundle{
		IdentityKey: bobIdentity.Pub,
		ClaimedKey:  bobPrekey.Pub,
	}, aliceIdentity.Priv)
	require.NoError(t, err)

	derived, err := ResponderKeyAgreement(&LocalSecrets{
		IdentityKey: bobIdentity.Priv,
		ClaimedKey:  otherPrekey.Priv,
	}, aliceIdentity.Pub, ephPub)
	require.NoError(t, err)
	require.NotEqual(t, shared, derived)
}
