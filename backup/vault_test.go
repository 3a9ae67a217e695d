package backup

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"roomcrypt/common"
	"roomcrypt/crypto/key_ed25519"
	"roomcrypt/errs"
	"roomcrypt/signature"
	"roomcrypt/store"
)

func newVault(t *testing.T) *Vault {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return New(store.NewMemory(), logger)
}

func newIdentity(t *testing.T, userID, deviceID string) *common.DeviceIdentity {
	t.Helper()
	signing, err := key_ed25519.NewPair()
	require.NoError(t, err)
	agreement, err := key_ed25519.NewPair()
	require.NoError(t, err)
	return &common.DeviceIdentity{
		UserID:       userID,
		DeviceID:     deviceID,
		SigningKey:   *signing,
		AgreementKey: *agreement,
	}
}

func createVersion(t *testing.T, v *Vault, id *common.DeviceIdentity) *common.BackupVersion {
	t.Helper()
	pub, err := key_ed25519.NewPair()
	require.NoError(t, err)
	bv, err := v.CreateVersion(context.Background(), id, AlgorithmCurve25519AES, pub.Pub, json.RawMessage(`{"salt":"abc"}`))
	require.NoError(t, err)
	return bv
}

func entry(version int64, roomID, sessionID string, blob []byte) *common.BackupEntry {
	return &common.BackupEntry{
		Version:   version,
		RoomID:    roomID,
		SessionID: sessionID,
		Blob:      blob,
	}
}

func TestCreateVersionMonotonic(t *testing.T) {
	v := newVault(t)
	id := newIdentity(t, "alice", "D1")

	first := createVersion(t, v, id)
	second := createVersion(t, v, id)
	require.Equal(t, int64(1), first.Version)
	require.Equal(t, int64(2), second.Version)

	// Auth data signature verifies against the creating device's key.
	payload, err := json.Marshal(map[string]any{
		"user_id":   id.UserID,
		"version":   second.Version,
		"auth_data": second.AuthData,
	})
	require.NoError(t, err)
	require.NoError(t, signature.Verify(payload, second.Signature, id.SigningKey.Pub))
}

func TestCreateVersionRejectsUnknownAlgorithm(t *testing.T) {
	v := newVault(t)
	id := newIdentity(t, "alice", "D1")
	pub, err := key_ed25519.NewPair()
	require.NoError(t, err)

	_, err = v.CreateVersion(context.Background(), id, "rot13", pub.Pub, nil)
	require.ErrorIs(t, err, errs.ErrValidation)
}

func TestGetVersionZeroReturnsLatest(t *testing.T) {
	v := newVault(t)
	ctx := context.Background()
	id := newIdentity(t, "alice", "D1")

	createVersion(t, v, id)
	second := createVersion(t, v, id)

	got, err := v.GetVersion(ctx, "alice", 0)
	require.NoError(t, err)
	require.Equal(t, second.Version, got.Version)

	got, err = v.GetVersion(ctx, "alice", 1)
	require.NoError(t, err)
	require.Equal(t, int64(1), got.Version)
}

func TestStaleVersionWriteConflicts(t *testing.T) {
	v := newVault(t)
	ctx := context.Background()
	id := newIdentity(t, "alice", "D1")

	createVersion(t, v, id)
	createVersion(t, v, id)

	_, _, err := v.PutEntry(ctx, "alice", entry(1, "room1", "s1", []byte("old")))
	require.ErrorIs(t, err, errs.ErrConflict)

	_, n, err := v.PutEntry(ctx, "alice", entry(2, "room1", "s1", []byte("new")))
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestEtagIsPureOverEntrySet(t *testing.T) {
	v := newVault(t)
	ctx := context.Background()
	id := newIdentity(t, "alice", "D1")
	createVersion(t, v, id)

	tag1, n, err := v.PutEntry(ctx, "alice", entry(1, "room1", "s1", []byte("blob")))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// Writing the identical entry again changes nothing.
	tag2, n, err := v.PutEntry(ctx, "alice", entry(1, "room1", "s1", []byte("blob")))
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, tag1, tag2)

	tag3, n, err := v.PutEntry(ctx, "alice", entry(1, "room1", "s2", []byte("other")))
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.NotEqual(t, tag1, tag3)

	_, tag4, err := v.ListEntries(ctx, "alice", 1)
	require.NoError(t, err)
	require.Equal(t, tag3, tag4)
}

func TestBetterEntryReplacesWorse(t *testing.T) {
	v := newVault(t)
	ctx := context.Background()
	id := newIdentity(t, "alice", "D1")
	createVersion(t, v, id)

	held := entry(1, "room1", "s1", []byte("late"))
	held.FirstMessageIndex = 10
	_, _, err := v.PutEntry(ctx, "alice", held)
	require.NoError(t, err)

	// Lower first message index wins.
	earlier := entry(1, "room1", "s1", []byte("early"))
	earlier.FirstMessageIndex = 3
	_, _, err = v.PutEntry(ctx, "alice", earlier)
	require.NoError(t, err)

	got, err := v.GetEntry(ctx, "alice", 1, "room1", "s1")
	require.NoError(t, err)
	require.Equal(t, []byte("early"), got.Blob)

	// A later, more-forwarded copy does not displace it.
	worse := entry(1, "room1", "s1", []byte("worse"))
	worse.FirstMessageIndex = 5
	worse.ForwardedCount = 2
	_, _, err = v.PutEntry(ctx, "alice", worse)
	require.NoError(t, err)

	got, err = v.GetEntry(ctx, "alice", 1, "room1", "s1")
	require.NoError(t, err)
	require.Equal(t, []byte("early"), got.Blob)

	// Verified beats everything else.
	verified := entry(1, "room1", "s1", []byte("verified"))
	verified.FirstMessageIndex = 7
	verified.Verified = true
	_, _, err = v.PutEntry(ctx, "alice", verified)
	require.NoError(t, err)

	got, err = v.GetEntry(ctx, "alice", 1, "room1", "s1")
	require.NoError(t, err)
	require.Equal(t, []byte("verified"), got.Blob)
}

func TestUpdateAuthDataResigns(t *testing.T) {
	v := newVault(t)
	ctx := context.Background()
	id := newIdentity(t, "alice", "D1")
	bv := createVersion(t, v, id)

	updated, err := v.UpdateAuthData(ctx, id, bv.Version, json.RawMessage(`{"salt":"def"}`))
	require.NoError(t, err)
	require.Equal(t, bv.Version, updated.Version)
	require.JSONEq(t, `{"salt":"def"}`, string(updated.AuthData))
	require.NotEqual(t, bv.Signature, updated.Signature)

	payload, err := json.Marshal(map[string]any{
		"user_id":   id.UserID,
		"version":   updated.Version,
		"auth_data": updated.AuthData,
	})
	require.NoError(t, err)
	require.NoError(t, signature.Verify(payload, updated.Signature, id.SigningKey.Pub))
}

func TestDeleteVersionRemovesEntries(t *testing.T) {
	v := newVault(t)
	ctx := context.Background()
	id := newIdentity(t, "alice", "D1")
	createVersion(t, v, id)

	_, _, err := v.PutEntry(ctx, "alice", entry(1, "room1", "s1", []byte("blob")))
	require.NoError(t, err)

	require.NoError(t, v.DeleteVersion(ctx, "alice", 1))

	_, err = v.GetVersion(ctx, "alice", 1)
	require.ErrorIs(t, err, errs.ErrNotFound)
	_, err = v.GetEntry(ctx, "alice", 1, "room1", "s1")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestCipherRoundTrip(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)
	require.Len(t, salt, SaltSize)

	c, err := NewCipher([]byte("correct horse battery"), salt)
	require.NoError(t, err)

	blob, err := c.Seal([]byte("session export"), "room1", "s1")
	require.NoError(t, err)

	plaintext, err := c.Open(blob, "room1", "s1")
	require.NoError(t, err)
	require.Equal(t, []byte("session export"), plaintext)

	// Wrong passphrase cannot open.
	wrong, err := NewCipher([]byte("incorrect horse"), salt)
	require.NoError(t, err)
	_, err = wrong.Open(blob, "room1", "s1")
	require.ErrorIs(t, err, errs.ErrCryptoFailure)

	// A blob is bound to its room and session.
	_, err = c.Open(blob, "room1", "s2")
	require.ErrorIs(t, err, errs.ErrCryptoFailure)

	_, err = c.Open([]byte("short"), "room1", "s1")
	require.ErrorIs(t, err, errs.ErrCryptoFailure)
}
