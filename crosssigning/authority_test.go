package crosssigning

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"roomcrypt/common"
	"roomcrypt/crypto/key_ed25519"
	"roomcrypt/errs"
	"roomcrypt/store"
)

func newTestAuthority(t *testing.T) *Authority {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return New(store.NewMemory(), logger)
}

func devicePub(t *testing.T, userID, deviceID string) *common.PublicIdentity {
	t.Helper()
	signing, err := key_ed25519.NewPair()
	require.NoError(t, err)
	agreement, err := key_ed25519.NewPair()
	require.NoError(t, err)
	return &common.PublicIdentity{
		UserID:       userID,
		DeviceID:     deviceID,
		SigningKey:   signing.Pub,
		AgreementKey: agreement.Pub,
	}
}

func TestUploadPinsFirstKeySet(t *testing.T) {
	a := newTestAuthority(t)
	ctx := context.Background()

	set, err := NewKeySet("alice")
	require.NoError(t, err)
	require.NoError(t, a.Upload(ctx, set, false))
	require.True(t, set.SelfAsserted)
	require.False(t, set.PinnedAt.IsZero())
}

func TestUploadRejectsBrokenHierarchy(t *testing.T) {
	a := newTestAuthority(t)
	ctx := context.Background()

	set, err := NewKeySet("alice")
	require.NoError(t, err)
	set.SelfSigningSig[0] ^= 0xff
	require.ErrorIs(t, a.Upload(ctx, set, false), errs.ErrValidation)
}

func TestReplacingMasterNeedsConfirmation(t *testing.T) {
	a := newTestAuthority(t)
	ctx := context.Background()

	first, err := NewKeySet("alice")
	require.NoError(t, err)
	require.NoError(t, a.Upload(ctx, first, false))

	second, err := NewKeySet("alice")
	require.NoError(t, err)
	require.ErrorIs(t, a.Upload(ctx, second, false), errs.ErrConflict)
	require.NoError(t, a.Upload(ctx, second, true))

	// Re-uploading the pinned set is not a replacement.
	require.NoError(t, a.Upload(ctx, second, false))
}

func TestDeviceTrustChain(t *testing.T) {
	a := newTestAuthority(t)
	ctx := context.Background()

	set, err := NewKeySet("alice")
	require.NoError(t, err)
	require.NoError(t, a.Upload(ctx, set, false))

	device := devicePub(t, "alice", "D1")
	sig, err := a.SignDevice(ctx, "alice", device)
	require.NoError(t, err)

	ok, err := a.VerifyDevice(ctx, "alice", device, sig)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestDeviceTrustBrokenLinkIsUntrustedNotError(t *testing.T) {
	a := newTestAuthority(t)
	ctx := context.Background()

	set, err := NewKeySet("alice")
	require.NoError(t, err)
	require.NoError(t, a.Upload(ctx, set, false))

	device := devicePub(t, "alice", "D1")
	sig, err := a.SignDevice(ctx, "alice", device)
	require.NoError(t, err)

	// One flipped byte anywhere in the chain means untrusted.
	bad := append([]byte{}, sig...)
	bad[0] ^= 0x01
	ok, err := a.VerifyDevice(ctx, "alice", device, bad)
	require.NoError(t, err)
	require.False(t, ok)

	// Unknown user is also untrusted, not an error.
	ok, err = a.VerifyDevice(ctx, "nobody", device, sig)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestUserTrust(t *testing.T) {
	a := newTestAuthority(t)
	ctx := context.Background()

	alice, err := NewKeySet("alice")
	require.NoError(t, err)
	require.NoError(t, a.Upload(ctx, alice, false))
	bob, err := NewKeySet("bob")
	require.NoError(t, err)
	require.NoError(t, a.Upload(ctx, bob, false))

	sig, err := a.SignUser(ctx, "alice", "bob")
	require.NoError(t, err)

	ok, err := a.VerifyUser(ctx, "alice", "bob", sig)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = a.VerifyUser(ctx, "bob", "alice", sig)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMarkVerifiedClearsTOFU(t *testing.T) {
	a := newTestAuthority(t)
	ctx := context.Background()

	set, err := NewKeySet("alice")
	require.NoError(t, err)
	require.NoError(t, a.Upload(ctx, set, false))

	fp1, err := a.MasterFingerprint(ctx, "alice")
	require.NoError(t, err)
	fp2, err := a.MasterFingerprint(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, fp1, fp2)

	require.NoError(t, a.MarkVerified(ctx, "alice"))
	st := a.store
	stored, err := st.GetCrossSigning(ctx, "alice")
	require.NoError(t, err)
	require.False(t, stored.SelfAsserted)
}
