// Package pairwise manages double-ratchet 1:1 sessions between devices.
// Sessions are established from claimed prekeys, stepped strictly
// copy-on-write, and persisted as opaque state blobs only after a step
// fully succeeds.
package pairwise

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"roomcrypt/common"
	"roomcrypt/crypto/key_ed25519"
	"roomcrypt/crypto/sha256"
	"roomcrypt/errs"
	"roomcrypt/federation"
	"roomcrypt/protocol/doubleratchet"
	"roomcrypt/protocol/x3dh"
	"roomcrypt/registry"
	"roomcrypt/signature"
	"roomcrypt/store"
)

// ErrAlreadyEstablished reports an idempotent replay of a session's
// founding prekey message. Callers treat it as success.
var ErrAlreadyEstablished = errors.New("session already established")

type Manager struct {
	store     store.Store
	registry  *registry.Registry
	transport federation.Transport
	locks     *store.KeyedMutex
	logger    *logrus.Logger
}

func NewManager(st store.Store, reg *registry.Registry, transport federation.Transport, logger *logrus.Logger) *Manager {
	return &Manager{
		store:     st,
		registry:  reg,
		transport: transport,
		locks:     store.NewKeyedMutex(128),
		logger:    logger,
	}
}

// EstablishOutbound claims a prekey for the remote device, derives the
// session secret and returns the new session id plus the prekey message
// carrying the first ciphertext. The claimed one-time key is spent even if
// the caller abandons the result.
func (m *Manager) EstablishOutbound(ctx context.Context, localUser, localDevice, remoteUser, remoteDevice string, firstPlaintext []byte) (string, *common.PrekeyMessage, error) {
	local, err := m.registry.GetIdentity(ctx, localUser, localDevice)
	if err != nil {
		return "", nil, err
	}

	bundles, failures, err := m.registry.QueryKeys(ctx, map[string][]string{remoteUser: {remoteDevice}})
	if err != nil {
		return "", nil, err
	}
	remote := bundles[remoteUser][remoteDevice]
	if remote == nil {
		if len(failures) > 0 {
			return "", nil, errs.NotFound("remote device keys unavailable: %v", failures)
		}
		return "", nil, errs.NotFound("no identity for device %s", remoteDevice)
	}

	claimed, claimFailures, err := m.registry.ClaimBatch(ctx, map[string]map[string]string{
		remoteUser: {remoteDevice: registry.AlgorithmCurve25519},
	})
	if err != nil {
		return "", nil, err
	}
	key := claimed[remoteUser][remoteDevice]
	if key == nil {
		return "", nil, errs.Exhausted("no claimable key for device %s: %v", remoteDevice, claimFailures)
	}

	// The claimed key must be signed by the remote device signing key. The
	// owning server signed over the bare user name, without origin suffix.
	remoteName, _ := registry.SplitUser(remoteUser)
	payload, err := registry.KeyPayload(remoteName, remoteDevice, key.Key)
	if err != nil {
		return "", nil, err
	}
	if err := signature.Verify(payload, key.Signature, remote.SigningKey); err != nil {
		return "", nil, errs.Validation("claimed key signature invalid")
	}

	sk, ephPub, err := x3dh.InitiatorKeyAgreement(&x3dh.RemoteBundle{
		IdentityKey: remote.AgreementKey,
		ClaimedKey:  key.Key,
	}, local.AgreementKey.Priv)
	if err != nil {
		return "", nil, errs.CryptoFailure("key agreement failed: %v", err)
	}

	var rootKey doubleratchet.RatchetKey
	copy(rootKey[:], sk)
	ratchet, err := doubleratchet.InitAlice(rootKey, key.Key)
	if err != nil {
		return "", nil, errs.CryptoFailure("ratchet init failed: %v", err)
	}

	sessionID := uuid.NewString()
	ad := associatedData(local.AgreementKey.Pub, remote.AgreementKey)
	header, ciphertext, err := ratchet.Encrypt(firstPlaintext, ad, false)
	if err != nil {
		return "", nil, errs.CryptoFailure("first message encryption failed: %v", err)
	}

	msg := &common.PrekeyMessage{
		SessionID:       sessionID,
		SenderUser:      localUser,
		SenderDevice:    localDevice,
		SenderSigning:   local.SigningKey.Pub,
		SenderIdentity:  local.AgreementKey.Pub,
		EphemeralKey:    ephPub,
		ClaimedKeyID:    key.KeyID,
		ClaimedFallback: key.Fallback,
		Header:          *header,
		Ciphertext:      ciphertext,
	}

	if err := m.persist(ctx, &common.PairwiseSessionRecord{
		LocalUser:    localUser,
		LocalDevice:  localDevice,
		RemoteUser:   remoteUser,
		RemoteDevice: remoteDevice,
		SessionID:    sessionID,
		Seq:          1,
		PrekeyDigest: digest(msg),
	}, ratchet.CurrentState); err != nil {
		return "", nil, err
	}

	m.logger.WithFields(logrus.Fields{
		"local":   localUser + "/" + localDevice,
		"remote":  remoteUser + "/" + remoteDevice,
		"session": sessionID,
	}).Info("outbound pairwise session established")
	return sessionID, msg, nil
}

// EstablishInbound re-derives the session from a received prekey message
// and returns the first plaintext. Re-delivery of the exact message that
// created the session returns ErrAlreadyEstablished; a different prekey
// message under the same session id is a conflict.
func (m *Manager) EstablishInbound(ctx context.Context, localUser, localDevice string, msg *common.PrekeyMessage) ([]byte, error) {
	unlock := m.locks.Lock(sessionLockKey(localUser, localDevice, msg.SessionID))
	defer unlock()

	existing, err := m.store.GetPairwiseSession(ctx, localUser, localDevice, msg.SessionID)
	if err == nil {
		if msg.Header.N == 0 && msg.Header.Pn == 0 && bytes.Equal(existing.PrekeyDigest, digest(msg)) {
			return nil, ErrAlreadyEstablished
		}
		return nil, errs.Conflict("session %s exists with a different prekey message", msg.SessionID)
	}
	if !errors.Is(err, errs.ErrNotFound) {
		return nil, err
	}

	local, err := m.registry.GetIdentity(ctx, localUser, localDevice)
	if err != nil {
		return nil, err
	}

	claimedPair, err := m.resolveClaimedKey(ctx, localUser, localDevice, msg)
	if err != nil {
		return nil, err
	}

	sk, err := x3dh.ResponderKeyAgreement(&x3dh.LocalSecrets{
		IdentityKey: local.AgreementKey.Priv,
		ClaimedKey:  claimedPair.Priv,
	}, msg.SenderIdentity, msg.EphemeralKey)
	if err != nil {
		return nil, errs.CryptoFailure("key agreement failed: %v", err)
	}

	var rootKey doubleratchet.RatchetKey
	copy(rootKey[:], sk)
	ratchet := doubleratchet.InitBob(rootKey, *claimedPair)

	ad := associatedData(msg.SenderIdentity, local.AgreementKey.Pub)
	plaintext, err := ratchet.Decrypt(msg.Header, msg.Ciphertext, ad)
	if err != nil {
		return nil, errs.CryptoFailure("prekey message undecryptable")
	}

	if err := m.persist(ctx, &common.PairwiseSessionRecord{
		LocalUser:    localUser,
		LocalDevice:  localDevice,
		RemoteUser:   msg.SenderUser,
		RemoteDevice: msg.SenderDevice,
		SessionID:    msg.SessionID,
		Seq:          1,
		PrekeyDigest: digest(msg),
	}, ratchet.CurrentState); err != nil {
		return nil, err
	}

	m.logger.WithFields(logrus.Fields{
		"local":   localUser + "/" + localDevice,
		"remote":  msg.SenderUser + "/" + msg.SenderDevice,
		"session": msg.SessionID,
	}).Info("inbound pairwise session established")
	return plaintext, nil
}

// Encrypt steps the sending chain one position and returns the message.
// State is persisted only after the step succeeds; a persistence failure
// leaves the stored session unadvanced and the operation retryable.
func (m *Manager) Encrypt(ctx context.Context, localUser, localDevice, sessionID string, plaintext []byte) (*common.EncryptedMessage, error) {
	unlock := m.locks.Lock(sessionLockKey(localUser, localDevice, sessionID))
	defer unlock()

	rec, st, err := m.load(ctx, localUser, localDevice, sessionID)
	if err != nil {
		return nil, err
	}
	if rec.Broken {
		return nil, errs.CryptoFailure("session %s is broken and must be re-established", sessionID)
	}

	local, err := m.registry.GetIdentity(ctx, localUser, localDevice)
	if err != nil {
		return nil, err
	}
	remoteIdentity, err := m.remoteAgreementKey(ctx, rec)
	if err != nil {
		return nil, err
	}

	ratchet := doubleratchet.Resume(st)
	ad := associatedData(local.AgreementKey.Pub, remoteIdentity)
	header, ciphertext, err := ratchet.Encrypt(plaintext, ad, false)
	if err != nil {
		return nil, errs.CryptoFailure("encryption failed: %v", err)
	}

	rec.Seq++
	if err := m.persist(ctx, rec, ratchet.CurrentState); err != nil {
		return nil, err
	}
	return &common.EncryptedMessage{
		SessionID:  sessionID,
		Header:     *header,
		Ciphertext: ciphertext,
	}, nil
}

// Decrypt opens a message, tolerating reordering within the skip window.
// An integrity failure marks the session broken; it must be
// re-established, not retried.
func (m *Manager) Decrypt(ctx context.Context, localUser, localDevice string, msg *common.EncryptedMessage) ([]byte, error) {
	unlock := m.locks.Lock(sessionLockKey(localUser, localDevice, msg.SessionID))
	defer unlock()

	rec, st, err := m.load(ctx, localUser, localDevice, msg.SessionID)
	if err != nil {
		return nil, err
	}
	if rec.Broken {
		return nil, errs.CryptoFailure("session %s is broken and must be re-established", msg.SessionID)
	}

	local, err := m.registry.GetIdentity(ctx, localUser, localDevice)
	if err != nil {
		return nil, err
	}
	remoteIdentity, err := m.remoteAgreementKey(ctx, rec)
	if err != nil {
		return nil, err
	}

	ratchet := doubleratchet.Resume(st)
	ad := associatedData(remoteIdentity, local.AgreementKey.Pub)
	plaintext, err := ratchet.Decrypt(msg.Header, msg.Ciphertext, ad)
	if err != nil {
		if errors.Is(err, doubleratchet.ErrSkippingTooManyKeys) {
			return nil, errs.CryptoFailure("message counter outside skip window")
		}
		rec.Broken = true
		if perr := m.store.PutPairwiseSession(ctx, rec); perr != nil {
			m.logger.Warnf("failed to persist broken flag on session %s: %v", msg.SessionID, perr)
		}
		m.logger.WithField("session", msg.SessionID).Warn("pairwise message failed integrity check, session marked broken")
		return nil, errs.CryptoFailure("message undecryptable")
	}

	rec.Seq++
	if err := m.persist(ctx, rec, ratchet.CurrentState); err != nil {
		return nil, err
	}
	return plaintext, nil
}

// Sessions lists the stored session records for a device, state redacted.
func (m *Manager) Sessions(ctx context.Context, localUser, localDevice string) ([]*common.PairwiseSessionRecord, error) {
	recs, err := m.store.ListPairwiseSessions(ctx, localUser, localDevice)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		rec.State = nil
	}
	return recs, nil
}

// Deliver routes an envelope to a local queue or over federation.
func (m *Manager) Deliver(ctx context.Context, env *common.ToDeviceEnvelope) error {
	_, server := registry.SplitUser(env.DestUser)
	if server == "" {
		return m.store.QueueToDevice(ctx, env)
	}
	return m.transport.DeliverToDevice(ctx, server, env)
}

// resolveClaimedKey recovers the private half of the key the initiator
// claimed. One-time keys are consumed on first use; the fallback key is
// matched against the current key and one rotation back.
func (m *Manager) resolveClaimedKey(ctx context.Context, localUser, localDevice string, msg *common.PrekeyMessage) (*key_ed25519.Pair, error) {
	if msg.ClaimedFallback {
		fb, err := m.store.GetFallbackKey(ctx, localUser, localDevice)
		if err != nil {
			return nil, err
		}
		switch {
		case fb.KeyID == msg.ClaimedKeyID:
			return &fb.Key, nil
		case fb.PrevKeyID == msg.ClaimedKeyID && fb.PrevKey != nil:
			return fb.PrevKey, nil
		}
		return nil, errs.NotFound("claimed fallback key %s no longer resolvable", msg.ClaimedKeyID)
	}

	otk, err := m.store.TakeOneTimeKey(ctx, localUser, localDevice, msg.ClaimedKeyID)
	if err != nil {
		if errors.Is(err, errs.ErrConflict) {
			return nil, errs.CryptoFailure("claimed one-time key %s already consumed", msg.ClaimedKeyID)
		}
		return nil, err
	}
	return &otk.Key, nil
}

func (m *Manager) load(ctx context.Context, localUser, localDevice, sessionID string) (*common.PairwiseSessionRecord, *doubleratchet.State, error) {
	rec, err := m.store.GetPairwiseSession(ctx, localUser, localDevice, sessionID)
	if err != nil {
		return nil, nil, err
	}
	st, err := doubleratchet.UnmarshalState(rec.State)
	if err != nil {
		return nil, nil, errs.Persistence(err)
	}
	return rec, st, nil
}

func (m *Manager) persist(ctx context.Context, rec *common.PairwiseSessionRecord, st *doubleratchet.State) error {
	blob, err := st.Marshal()
	if err != nil {
		return errs.Persistence(err)
	}
	rec.State = blob
	return m.store.PutPairwiseSession(ctx, rec)
}

func (m *Manager) remoteAgreementKey(ctx context.Context, rec *common.PairwiseSessionRecord) (key_ed25519.PublicKey, error) {
	bundles, _, err := m.registry.QueryKeys(ctx, map[string][]string{rec.RemoteUser: {rec.RemoteDevice}})
	if err != nil {
		return nil, err
	}
	remote := bundles[rec.RemoteUser][rec.RemoteDevice]
	if remote == nil {
		return nil, errs.NotFound("no identity for device %s", rec.RemoteDevice)
	}
	return remote.AgreementKey, nil
}

func sessionLockKey(user, device, sessionID string) string {
	return "pairwise:" + user + "/" + device + "/" + sessionID
}

// associatedData binds a ciphertext to the two identity keys of the
// session, sender first.
func associatedData(senderIdentity, receiverIdentity key_ed25519.PublicKey) []byte {
	return append(append([]byte{}, senderIdentity...), receiverIdentity...)
}

func digest(msg *common.PrekeyMessage) []byte {
	data, _ := json.Marshal(msg)
	return sha256.Hash(data)
}
