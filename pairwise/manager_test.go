package pairwise

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"roomcrypt/common"
	"roomcrypt/errs"
	"roomcrypt/federation"
	"roomcrypt/registry"
	"roomcrypt/store"
)

type fixture struct {
	manager  *Manager
	registry *registry.Registry
	store    store.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	st := store.NewMemory()
	loop := federation.NewLoopback()
	reg := registry.New(st, loop, logger)
	return &fixture{
		manager:  NewManager(st, reg, loop, logger),
		registry: reg,
		store:    st,
	}
}

func (f *fixture) addDevice(t *testing.T, userID, deviceID string, otks int) {
	t.Helper()
	ctx := context.Background()
	_, err := f.registry.GenerateIdentity(ctx, userID, deviceID)
	require.NoError(t, err)
	if otks > 0 {
		_, err = f.registry.GenerateOneTimeKeys(ctx, userID, deviceID, otks)
		require.NoError(t, err)
	}
}

func TestEstablishAndExchange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addDevice(t, "alice", "D1", 0)
	f.addDevice(t, "bob", "D2", 3)

	sessionID, msg, err := f.manager.EstablishOutbound(ctx, "alice", "D1", "bob", "D2", []byte("hello bob"))
	require.NoError(t, err)
	require.NotEmpty(t, sessionID)
	require.False(t, msg.ClaimedFallback)

	plaintext, err := f.manager.EstablishInbound(ctx, "bob", "D2", msg)
	require.NoError(t, err)
	require.Equal(t, []byte("hello bob"), plaintext)

	// Bob answers on the established session.
	reply, err := f.manager.Encrypt(ctx, "bob", "D2", sessionID, []byte("hello alice"))
	require.NoError(t, err)
	plaintext, err = f.manager.Decrypt(ctx, "alice", "D1", reply)
	require.NoError(t, err)
	require.Equal(t, []byte("hello alice"), plaintext)

	// And the conversation keeps flowing both ways.
	next, err := f.manager.Encrypt(ctx, "alice", "D1", sessionID, []byte("again"))
	require.NoError(t, err)
	plaintext, err = f.manager.Decrypt(ctx, "bob", "D2", next)
	require.NoError(t, err)
	require.Equal(t, []byte("again"), plaintext)
}

func TestPrekeyReplayIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addDevice(t, "alice", "D1", 0)
	f.addDevice(t, "bob", "D2", 2)

	_, msg, err := f.manager.EstablishOutbound(ctx, "alice", "D1", "bob", "D2", []byte("first"))
	require.NoError(t, err)

	_, err = f.manager.EstablishInbound(ctx, "bob", "D2", msg)
	require.NoError(t, err)

	// Transport redelivery of the same founding message.
	_, err = f.manager.EstablishInbound(ctx, "bob", "D2", msg)
	require.ErrorIs(t, err, ErrAlreadyEstablished)
}

func TestConflictingPrekeyMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addDevice(t, "alice", "D1", 0)
	f.addDevice(t, "bob", "D2", 2)

	_, msg, err := f.manager.EstablishOutbound(ctx, "alice", "D1", "bob", "D2", []byte("first"))
	require.NoError(t, err)
	_, err = f.manager.EstablishInbound(ctx, "bob", "D2", msg)
	require.NoError(t, err)

	// Same session id, different content: not a replay.
	forged := *msg
	forged.Ciphertext = append([]byte{}, msg.Ciphertext...)
	forged.Ciphertext[0] ^= 0xff
	_, err = f.manager.EstablishInbound(ctx, "bob", "D2", &forged)
	require.ErrorIs(t, err, errs.ErrConflict)
}

func TestConsumedOneTimeKeyRefusesNewSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addDevice(t, "alice", "D1", 0)
	f.addDevice(t, "bob", "D2", 2)

	_, msg, err := f.manager.EstablishOutbound(ctx, "alice", "D1", "bob", "D2", []byte("first"))
	require.NoError(t, err)
	_, err = f.manager.EstablishInbound(ctx, "bob", "D2", msg)
	require.NoError(t, err)

	// A different session id claiming the same, already-consumed one-time
	// key is neither a replay nor a conflict on the original session; the
	// key is simply gone.
	reused := *msg
	reused.SessionID = "not-" + msg.SessionID
	_, err = f.manager.EstablishInbound(ctx, "bob", "D2", &reused)
	require.ErrorIs(t, err, errs.ErrCryptoFailure)
}

func TestFallbackClaimEstablishes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addDevice(t, "alice", "D1", 0)
	f.addDevice(t, "bob", "D2", 0) // no one-time keys

	_, msg, err := f.manager.EstablishOutbound(ctx, "alice", "D1", "bob", "D2", []byte("via fallback"))
	require.NoError(t, err)
	require.True(t, msg.ClaimedFallback)

	plaintext, err := f.manager.EstablishInbound(ctx, "bob", "D2", msg)
	require.NoError(t, err)
	require.Equal(t, []byte("via fallback"), plaintext)
}

func TestFallbackResolvesOneRotationBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addDevice(t, "alice", "D1", 0)
	f.addDevice(t, "bob", "D2", 0)

	_, msg, err := f.manager.EstablishOutbound(ctx, "alice", "D1", "bob", "D2", []byte("pre-rotation"))
	require.NoError(t, err)
	require.True(t, msg.ClaimedFallback)

	// Bob rotates before the prekey message arrives.
	_, err = f.registry.RotateFallbackKey(ctx, "bob", "D2")
	require.NoError(t, err)

	plaintext, err := f.manager.EstablishInbound(ctx, "bob", "D2", msg)
	require.NoError(t, err)
	require.Equal(t, []byte("pre-rotation"), plaintext)
}

func TestTamperedMessageBreaksSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addDevice(t, "alice", "D1", 0)
	f.addDevice(t, "bob", "D2", 2)

	sessionID, msg, err := f.manager.EstablishOutbound(ctx, "alice", "D1", "bob", "D2", []byte("setup"))
	require.NoError(t, err)
	_, err = f.manager.EstablishInbound(ctx, "bob", "D2", msg)
	require.NoError(t, err)

	emsg, err := f.manager.Encrypt(ctx, "alice", "D1", sessionID, []byte("legit"))
	require.NoError(t, err)

	tampered := *emsg
	tampered.Ciphertext = append([]byte{}, emsg.Ciphertext...)
	tampered.Ciphertext[0] ^= 0xff
	_, err = f.manager.Decrypt(ctx, "bob", "D2", &tampered)
	require.ErrorIs(t, err, errs.ErrCryptoFailure)

	// The session is now broken on bob's side; even the untampered
	// original is refused until re-establishment.
	_, err = f.manager.Decrypt(ctx, "bob", "D2", emsg)
	require.ErrorIs(t, err, errs.ErrCryptoFailure)

	recs, err := f.manager.Sessions(ctx, "bob", "D2")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.True(t, recs[0].Broken)
}

func TestDeliverRoutesLocally(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	env := &common.ToDeviceEnvelope{
		Type:       common.EnvelopeEncrypted,
		DestUser:   "bob",
		DestDevice: "D2",
		Payload:    []byte(`{}`),
	}
	require.NoError(t, f.manager.Deliver(ctx, env))

	queued, err := f.store.DrainToDevice(ctx, "bob", "D2")
	require.NoError(t, err)
	require.Len(t, queued, 1)
	require.Equal(t, common.EnvelopeEncrypted, queued[0].Type)
}
