package secrets

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"roomcrypt/common"
	"roomcrypt/errs"
	"roomcrypt/federation"
	"roomcrypt/registry"
	"roomcrypt/signature"
	"roomcrypt/store"
)

type fixture struct {
	service  *Service
	identity *common.DeviceIdentity
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	st := store.NewMemory()
	reg := registry.New(st, federation.NewLoopback(), logger)
	id, err := reg.GenerateIdentity(context.Background(), "alice", "D1")
	require.NoError(t, err)
	return &fixture{
		service:  New(st, logger),
		identity: id,
	}
}

func TestRegisterKeySignsMetadata(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	auth := json.RawMessage(`{"iv":"abc","mac":"def"}`)

	key, err := f.service.RegisterKey(ctx, f.identity, "", AlgorithmAESHMACSHA2, auth)
	require.NoError(t, err)
	require.NotEmpty(t, key.KeyID)
	require.Equal(t, AlgorithmAESHMACSHA2, key.Algorithm)

	payload, err := json.Marshal(map[string]any{
		"user_id":   "alice",
		"key_id":    key.KeyID,
		"algorithm": key.Algorithm,
		"auth_data": key.AuthData,
	})
	require.NoError(t, err)
	require.NoError(t, signature.Verify(payload, key.Signature, f.identity.SigningKey.Pub))

	got, err := f.service.GetKey(ctx, "alice", key.KeyID)
	require.NoError(t, err)
	require.Equal(t, key.KeyID, got.KeyID)
}

func TestRegisterKeyRejectsUnknownAlgorithm(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.RegisterKey(context.Background(), f.identity, "", "pbkdf2", json.RawMessage(`{}`))
	require.ErrorIs(t, err, errs.ErrValidation)
}

func TestRegisterKeyTwiceConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	auth := json.RawMessage(`{"iv":"abc"}`)

	_, err := f.service.RegisterKey(ctx, f.identity, "k1", AlgorithmAESHMACSHA2, auth)
	require.NoError(t, err)
	_, err = f.service.RegisterKey(ctx, f.identity, "k1", AlgorithmAESHMACSHA2, auth)
	require.ErrorIs(t, err, errs.ErrConflict)
}

func TestPutSecretRequiresRegisteredKey(t *testing.T) {
	f := newFixture(t)
	err := f.service.PutSecret(context.Background(), "alice", "m.cross_signing.master", "nope", []byte("blob"))
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestSecretRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	key, err := f.service.RegisterKey(ctx, f.identity, "", AlgorithmAESHMACSHA2, json.RawMessage(`{"iv":"x"}`))
	require.NoError(t, err)

	require.NoError(t, f.service.PutSecret(ctx, "alice", "m.megolm_backup.v1", key.KeyID, []byte("ciphertext-1")))
	// Overwrite replaces.
	require.NoError(t, f.service.PutSecret(ctx, "alice", "m.megolm_backup.v1", key.KeyID, []byte("ciphertext-2")))

	sec, err := f.service.GetSecret(ctx, "alice", "m.megolm_backup.v1")
	require.NoError(t, err)
	require.Equal(t, []byte("ciphertext-2"), sec.Ciphertext)
	require.Equal(t, key.KeyID, sec.KeyID)

	batch, err := f.service.GetSecrets(ctx, "alice", []string{"m.megolm_backup.v1", "m.cross_signing.master"})
	require.NoError(t, err)
	require.NotNil(t, batch["m.megolm_backup.v1"])
	require.Nil(t, batch["m.cross_signing.master"])

	require.NoError(t, f.service.DeleteSecret(ctx, "alice", "m.megolm_backup.v1"))
	_, err = f.service.GetSecret(ctx, "alice", "m.megolm_backup.v1")
	require.ErrorIs(t, err, errs.ErrNotFound)
	err = f.service.DeleteSecret(ctx, "alice", "m.megolm_backup.v1")
	require.ErrorIs(t, err, errs.ErrNotFound)
}
