// Package group manages hash-ratchet room sessions: one outbound chain per
// room that rotates on message count, age and membership shrink, and
// per-sender inbound chains delivered to members over pairwise-encrypted
// shares.
package group

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"roomcrypt/common"
	"roomcrypt/configs"
	"roomcrypt/errs"
	"roomcrypt/pairwise"
	"roomcrypt/protocol/megolm"
	"roomcrypt/store"
)

// GroupShare is the plaintext carried inside a share envelope: the chain
// state a recipient needs to decrypt from the export's index onward.
// Origin names the device that owns the outbound chain, which differs from
// the envelope sender when the share was forwarded.
type GroupShare struct {
	RoomID         string                `json:"room_id"`
	Origin         string                `json:"origin"`
	Export         *megolm.SessionExport `json:"session"`
	ForwardedCount int                   `json:"forwarded_count"`
}

// SharePayload is the envelope payload of a share: the pairwise-encrypted
// GroupShare, either on a fresh session or an existing one.
type SharePayload struct {
	Prekey    *common.PrekeyMessage    `json:"prekey,omitempty"`
	Encrypted *common.EncryptedMessage `json:"encrypted,omitempty"`
}

type Manager struct {
	store    store.Store
	pairwise *pairwise.Manager
	locks    *store.KeyedMutex
	logger   *logrus.Logger
}

func NewManager(st store.Store, pw *pairwise.Manager, logger *logrus.Logger) *Manager {
	return &Manager{
		store:    st,
		pairwise: pw,
		locks:    store.NewKeyedMutex(64),
		logger:   logger,
	}
}

// Encrypt encrypts a room message with the current outbound session,
// creating or rotating it first when a rotation trigger has fired. New
// members receive the current chain state; a rotation reshares a fresh
// session to everyone. Share delivery is best effort: per-recipient
// failures come back in the returned map, already-delivered shares stand,
// and a failed recipient is retried on the next Encrypt.
func (m *Manager) Encrypt(ctx context.Context, senderUser, senderDevice, roomID string, plaintext []byte, members []common.DeviceAddress) (*megolm.Message, map[string]string, error) {
	unlock := m.locks.Lock("group:" + roomID)
	defer unlock()

	var failures map[string]string
	rec, out, err := m.loadOutbound(ctx, roomID)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		rec, out, failures, err = m.rotateLocked(ctx, senderUser, senderDevice, roomID, members)
		if err != nil {
			return nil, nil, err
		}
	case err != nil:
		return nil, nil, err
	default:
		if reason := rotationReason(rec, out, members); reason != "" {
			m.logger.WithFields(logrus.Fields{"room": roomID, "reason": reason}).Info("rotating outbound group session")
			rec, out, failures, err = m.rotateLocked(ctx, senderUser, senderDevice, roomID, members)
			if err != nil {
				return nil, nil, err
			}
		} else if added := addedMembers(rec, members, senderUser, senderDevice); len(added) > 0 {
			// Joiners get the chain from the current index; nothing sent
			// before they joined is reachable from that anchor.
			failures, err = m.shareExport(ctx, senderUser, senderDevice, roomID, senderUser+"/"+senderDevice, out.Export(), 0, added)
			if err != nil {
				return nil, nil, err
			}
			rec.Members = sharedTo(members, failures)
		}
	}

	msg, err := out.Encrypt(plaintext)
	if err != nil {
		return nil, nil, errs.CryptoFailure("group encryption failed: %v", err)
	}

	rec.Seq++
	if err := m.persistOutbound(ctx, rec, out); err != nil {
		return nil, nil, err
	}
	return msg, failures, nil
}

// Decrypt opens a room message against the receiving device's stored
// inbound chain for the sending device and session. Indices below the
// share anchor fail megolm.ErrKeyTooOld.
func (m *Manager) Decrypt(ctx context.Context, receiverUser, receiverDevice, roomID, senderDevice string, msg *megolm.Message) ([]byte, error) {
	rec, err := m.store.GetGroupInbound(ctx, receiverUser+"/"+receiverDevice, roomID, senderDevice, msg.SessionID)
	if err != nil {
		return nil, err
	}
	inb, err := megolm.UnmarshalInbound(rec.State)
	if err != nil {
		return nil, errs.Persistence(err)
	}
	plaintext, err := inb.Decrypt(msg)
	if err != nil {
		if errors.Is(err, megolm.ErrKeyTooOld) {
			return nil, err
		}
		return nil, errs.CryptoFailure("group message undecryptable: %v", err)
	}
	return plaintext, nil
}

// IngestShare consumes a share envelope and installs the inbound chain. A
// replayed share, or one anchored later than what we already hold, is a
// no-op; the stored anchor never regresses.
func (m *Manager) IngestShare(ctx context.Context, localUser, localDevice string, env *common.ToDeviceEnvelope) error {
	var sp SharePayload
	if err := json.Unmarshal(env.Payload, &sp); err != nil {
		return errs.Validation("share payload undecodable: %v", err)
	}

	var (
		plaintext []byte
		err       error
	)
	switch {
	case sp.Prekey != nil:
		plaintext, err = m.pairwise.EstablishInbound(ctx, localUser, localDevice, sp.Prekey)
		if errors.Is(err, pairwise.ErrAlreadyEstablished) {
			return nil
		}
	case sp.Encrypted != nil:
		plaintext, err = m.pairwise.Decrypt(ctx, localUser, localDevice, sp.Encrypted)
	default:
		return errs.Validation("share payload carries no message")
	}
	if err != nil {
		return err
	}

	var share GroupShare
	if err := json.Unmarshal(plaintext, &share); err != nil {
		return errs.Validation("group share undecodable: %v", err)
	}
	if share.Export == nil {
		return errs.Validation("group share carries no session")
	}

	sender := share.Origin
	if sender == "" {
		sender = env.SenderUser + "/" + env.SenderDevice
	}
	receiver := localUser + "/" + localDevice
	existing, err := m.store.GetGroupInbound(ctx, receiver, share.RoomID, sender, share.Export.SessionID)
	if err == nil {
		held, herr := megolm.UnmarshalInbound(existing.State)
		if herr == nil && held.FirstKnownIndex <= share.Export.FirstKnownIndex {
			return nil
		}
	} else if !errors.Is(err, errs.ErrNotFound) {
		return err
	}

	inb := megolm.NewInbound(share.Export)
	blob, err := inb.Marshal()
	if err != nil {
		return errs.Persistence(err)
	}
	m.logger.WithFields(logrus.Fields{
		"room":     share.RoomID,
		"receiver": receiver,
		"sender":   sender,
		"session":  share.Export.SessionID,
		"anchor":   share.Export.FirstKnownIndex,
	}).Info("inbound group session installed")
	if err := m.store.PutGroupInbound(ctx, &common.GroupInboundRecord{
		Receiver:       receiver,
		RoomID:         share.RoomID,
		SenderDevice:   sender,
		SessionID:      share.Export.SessionID,
		State:          blob,
		ForwardedCount: share.ForwardedCount,
		Seq:            1,
	}); err != nil {
		return err
	}
	m.fulfillParked(ctx, localUser, localDevice, share.RoomID, sender, share.Export.SessionID)
	return nil
}

// ForwardShare re-shares an inbound chain onward. The forwarded export
// keeps our anchor, and the hop count goes up by one so receivers can
// weigh how far the material travelled.
func (m *Manager) ForwardShare(ctx context.Context, senderUser, senderDevice, roomID, origSender, sessionID string, rcpt common.DeviceAddress) error {
	rec, err := m.store.GetGroupInbound(ctx, senderUser+"/"+senderDevice, roomID, origSender, sessionID)
	if err != nil {
		return err
	}
	inb, err := megolm.UnmarshalInbound(rec.State)
	if err != nil {
		return errs.Persistence(err)
	}
	plaintext, err := shareBody(roomID, origSender, inb.Export(), rec.ForwardedCount+1)
	if err != nil {
		return err
	}
	return m.shareOne(ctx, senderUser, senderDevice, rcpt, plaintext)
}

// Key request actions carried in a room_key_request envelope.
const (
	KeyRequestActionRequest = "request"
	KeyRequestActionCancel  = "cancellation"
)

// KeyRequestPayload is the plaintext payload of a room_key_request
// envelope. Requests carry no secrets and travel in the clear; the answer
// is a pairwise-encrypted forwarded share.
type KeyRequestPayload struct {
	RequestID    string `json:"request_id"`
	Action       string `json:"action"`
	RoomID       string `json:"room_id,omitempty"`
	SenderDevice string `json:"sender_device,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
}

// RequestKey asks target for the inbound chain of a session this device
// missed. The returned request id cancels the request later.
func (m *Manager) RequestKey(ctx context.Context, requesterUser, requesterDevice, roomID, senderDevice, sessionID string, target common.DeviceAddress) (string, error) {
	requestID := uuid.NewString()
	if err := m.sendKeyRequest(ctx, requesterUser, requesterDevice, target, &KeyRequestPayload{
		RequestID:    requestID,
		Action:       KeyRequestActionRequest,
		RoomID:       roomID,
		SenderDevice: senderDevice,
		SessionID:    sessionID,
	}); err != nil {
		return "", err
	}
	return requestID, nil
}

// CancelKeyRequest withdraws an earlier key request before it is
// answered.
func (m *Manager) CancelKeyRequest(ctx context.Context, requesterUser, requesterDevice, requestID string, target common.DeviceAddress) error {
	return m.sendKeyRequest(ctx, requesterUser, requesterDevice, target, &KeyRequestPayload{
		RequestID: requestID,
		Action:    KeyRequestActionCancel,
	})
}

func (m *Manager) sendKeyRequest(ctx context.Context, requesterUser, requesterDevice string, target common.DeviceAddress, payload *KeyRequestPayload) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return errs.Validation("key request not marshalable: %v", err)
	}
	return m.pairwise.Deliver(ctx, &common.ToDeviceEnvelope{
		Type:         common.EnvelopeKeyRequest,
		SenderUser:   requesterUser,
		SenderDevice: requesterDevice,
		DestUser:     target.UserID,
		DestDevice:   target.DeviceID,
		Payload:      raw,
	})
}

// HandleKeyRequest consumes a room_key_request envelope on the holding
// device. A request this device can answer is answered immediately with a
// forwarded share; one it cannot is parked until the chain arrives. A
// cancellation drops the parked request, and cancelling something unknown
// is a no-op.
func (m *Manager) HandleKeyRequest(ctx context.Context, localUser, localDevice string, env *common.ToDeviceEnvelope) error {
	var req KeyRequestPayload
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return errs.Validation("key request undecodable: %v", err)
	}
	target := localUser + "/" + localDevice

	switch req.Action {
	case KeyRequestActionCancel:
		err := m.store.DeleteKeyRequest(ctx, target, req.RequestID)
		if errors.Is(err, errs.ErrNotFound) {
			return nil
		}
		return err
	case KeyRequestActionRequest:
	default:
		return errs.Validation("unknown key request action %q", req.Action)
	}

	rcpt := common.DeviceAddress{UserID: env.SenderUser, DeviceID: env.SenderDevice}
	err := m.ForwardShare(ctx, localUser, localDevice, req.RoomID, req.SenderDevice, req.SessionID, rcpt)
	if err == nil {
		return nil
	}
	if !errors.Is(err, errs.ErrNotFound) {
		return err
	}
	// We do not hold the chain yet; park the request until it arrives.
	return m.store.PutKeyRequest(ctx, &common.KeyRequestRecord{
		Target:        target,
		RequestID:     req.RequestID,
		RoomID:        req.RoomID,
		SenderDevice:  req.SenderDevice,
		SessionID:     req.SessionID,
		RequestUser:   env.SenderUser,
		RequestDevice: env.SenderDevice,
		CreatedAt:     time.Now().UTC(),
	})
}

// fulfillParked answers key requests that were waiting for this chain.
// Fulfillment is best effort; a failed forward keeps the request parked.
func (m *Manager) fulfillParked(ctx context.Context, localUser, localDevice, roomID, senderDevice, sessionID string) {
	target := localUser + "/" + localDevice
	parked, err := m.store.ListKeyRequests(ctx, target)
	if err != nil {
		m.logger.Warnf("parked key request listing failed: %v", err)
		return
	}
	for _, req := range parked {
		if req.RoomID != roomID || req.SenderDevice != senderDevice || req.SessionID != sessionID {
			continue
		}
		rcpt := common.DeviceAddress{UserID: req.RequestUser, DeviceID: req.RequestDevice}
		if err := m.ForwardShare(ctx, localUser, localDevice, roomID, senderDevice, sessionID, rcpt); err != nil {
			m.logger.Warnf("parked key request %s not fulfillable: %v", req.RequestID, err)
			continue
		}
		if err := m.store.DeleteKeyRequest(ctx, target, req.RequestID); err != nil && !errors.Is(err, errs.ErrNotFound) {
			m.logger.Warnf("parked key request %s cleanup failed: %v", req.RequestID, err)
		}
	}
}

// UpdateMembers records the room's membership. A shrink marks the session
// rotation-pending; the rotation itself happens on the next Encrypt so a
// removed member never sees a message sent after removal. Joiners are not
// recorded as holding the chain: they enter the shared-to set only once
// Encrypt has actually shared to them.
func (m *Manager) UpdateMembers(ctx context.Context, roomID string, members []common.DeviceAddress) error {
	unlock := m.locks.Lock("group:" + roomID)
	defer unlock()

	rec, err := m.store.GetGroupOutbound(ctx, roomID)
	if errors.Is(err, errs.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if removedMember(rec, members) {
		rec.Lifecycle = common.GroupSessionRotationPending
		m.logger.WithField("room", roomID).Info("membership shrank, outbound session pending rotation")
	}
	current := make(map[string]bool, len(members))
	for _, a := range members {
		current[a.String()] = true
	}
	held := make([]string, 0, len(rec.Members))
	for _, prev := range rec.Members {
		if current[prev] {
			held = append(held, prev)
		}
	}
	rec.Members = held
	return m.store.PutGroupOutbound(ctx, rec)
}

// ExpireOutbound expires the room's outbound session and purges its chain
// material.
func (m *Manager) ExpireOutbound(ctx context.Context, roomID string) error {
	unlock := m.locks.Lock("group:" + roomID)
	defer unlock()
	err := m.store.DeleteGroupOutbound(ctx, roomID)
	if errors.Is(err, errs.ErrNotFound) {
		return nil
	}
	return err
}

func (m *Manager) rotateLocked(ctx context.Context, senderUser, senderDevice, roomID string, members []common.DeviceAddress) (*common.GroupOutboundRecord, *megolm.Outbound, map[string]string, error) {
	out, err := megolm.NewOutbound(uuid.NewString())
	if err != nil {
		return nil, nil, nil, errs.CryptoFailure("session creation failed: %v", err)
	}

	recipients := make([]common.DeviceAddress, 0, len(members))
	for _, a := range members {
		if a.UserID == senderUser && a.DeviceID == senderDevice {
			continue
		}
		recipients = append(recipients, a)
	}
	failures, err := m.shareExport(ctx, senderUser, senderDevice, roomID, senderUser+"/"+senderDevice, out.Export(), 0, recipients)
	if err != nil {
		return nil, nil, nil, err
	}

	rec := &common.GroupOutboundRecord{
		RoomID:    roomID,
		SessionID: out.SessionID,
		Lifecycle: common.GroupSessionActive,
		Members:   sharedTo(members, failures),
		CreatedAt: time.Now().UTC(),
	}
	if err := m.persistOutbound(ctx, rec, out); err != nil {
		return nil, nil, nil, err
	}
	return rec, out, failures, nil
}

// shareExport fans the export out to recipients over pairwise sessions,
// bounded by the configured worker count. A recipient without an intact
// pairwise session gets one established with the share as first message.
// Delivery is best effort: one recipient failing never blocks the rest,
// and delivered shares are never rolled back. Failures come back keyed by
// device address; the error return is reserved for an unusable share body.
func (m *Manager) shareExport(ctx context.Context, senderUser, senderDevice, roomID, origin string, exp *megolm.SessionExport, forwarded int, recipients []common.DeviceAddress) (map[string]string, error) {
	failures := make(map[string]string)
	if len(recipients) == 0 {
		return failures, nil
	}
	plaintext, err := shareBody(roomID, origin, exp, forwarded)
	if err != nil {
		return nil, err
	}

	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		jobs = make(chan common.DeviceAddress)
	)
	workers := configs.ShareFanoutWorkers
	if workers > len(recipients) {
		workers = len(recipients)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rcpt := range jobs {
				if err := m.shareOne(ctx, senderUser, senderDevice, rcpt, plaintext); err != nil {
					mu.Lock()
					failures[rcpt.String()] = err.Error()
					mu.Unlock()
				}
			}
		}()
	}
	for _, rcpt := range recipients {
		jobs <- rcpt
	}
	close(jobs)
	wg.Wait()

	if len(failures) > 0 {
		m.logger.WithFields(logrus.Fields{"room": roomID, "failures": failures}).Warn("group session share partially failed")
	}
	return failures, nil
}

func shareBody(roomID, origin string, exp *megolm.SessionExport, forwarded int) ([]byte, error) {
	plaintext, err := json.Marshal(&GroupShare{
		RoomID:         roomID,
		Origin:         origin,
		Export:         exp,
		ForwardedCount: forwarded,
	})
	if err != nil {
		return nil, errs.Validation("group share not marshalable: %v", err)
	}
	return plaintext, nil
}

func (m *Manager) shareOne(ctx context.Context, senderUser, senderDevice string, rcpt common.DeviceAddress, plaintext []byte) error {
	var payload SharePayload

	sessions, err := m.store.ListPairwiseSessions(ctx, senderUser, senderDevice)
	if err != nil {
		return err
	}
	sessionID := ""
	for _, rec := range sessions {
		if rec.RemoteUser == rcpt.UserID && rec.RemoteDevice == rcpt.DeviceID && !rec.Broken {
			sessionID = rec.SessionID
			break
		}
	}

	if sessionID != "" {
		emsg, err := m.pairwise.Encrypt(ctx, senderUser, senderDevice, sessionID, plaintext)
		if err != nil {
			return err
		}
		payload.Encrypted = emsg
	} else {
		_, pmsg, err := m.pairwise.EstablishOutbound(ctx, senderUser, senderDevice, rcpt.UserID, rcpt.DeviceID, plaintext)
		if err != nil {
			return err
		}
		payload.Prekey = pmsg
	}

	raw, err := json.Marshal(&payload)
	if err != nil {
		return errs.Validation("share payload not marshalable: %v", err)
	}
	return m.pairwise.Deliver(ctx, &common.ToDeviceEnvelope{
		Type:         common.EnvelopeGroupShare,
		SenderUser:   senderUser,
		SenderDevice: senderDevice,
		DestUser:     rcpt.UserID,
		DestDevice:   rcpt.DeviceID,
		Payload:      raw,
	})
}

func (m *Manager) loadOutbound(ctx context.Context, roomID string) (*common.GroupOutboundRecord, *megolm.Outbound, error) {
	rec, err := m.store.GetGroupOutbound(ctx, roomID)
	if err != nil {
		return nil, nil, err
	}
	out, err := megolm.UnmarshalOutbound(rec.State)
	if err != nil {
		return nil, nil, errs.Persistence(err)
	}
	return rec, out, nil
}

func (m *Manager) persistOutbound(ctx context.Context, rec *common.GroupOutboundRecord, out *megolm.Outbound) error {
	blob, err := out.Marshal()
	if err != nil {
		return errs.Persistence(err)
	}
	rec.State = blob
	return m.store.PutGroupOutbound(ctx, rec)
}

func rotationReason(rec *common.GroupOutboundRecord, out *megolm.Outbound, members []common.DeviceAddress) string {
	switch {
	case rec.Lifecycle == common.GroupSessionRotationPending:
		return "rotation pending"
	case rec.Lifecycle == common.GroupSessionExpired,
		time.Since(rec.CreatedAt) > configs.GroupSessionTTL:
		return "session expired"
	case out.Index >= configs.GroupRotationMessages:
		return "message count"
	case time.Since(rec.CreatedAt) > configs.GroupRotationPeriod:
		return "session age"
	case removedMember(rec, members):
		return "membership shrank"
	}
	return ""
}

func removedMember(rec *common.GroupOutboundRecord, members []common.DeviceAddress) bool {
	current := make(map[string]bool, len(members))
	for _, a := range members {
		current[a.String()] = true
	}
	for _, prev := range rec.Members {
		if !current[prev] {
			return true
		}
	}
	return false
}

func addedMembers(rec *common.GroupOutboundRecord, members []common.DeviceAddress, senderUser, senderDevice string) []common.DeviceAddress {
	known := make(map[string]bool, len(rec.Members))
	for _, prev := range rec.Members {
		known[prev] = true
	}
	var added []common.DeviceAddress
	for _, a := range members {
		if a.UserID == senderUser && a.DeviceID == senderDevice {
			continue
		}
		if !known[a.String()] {
			added = append(added, a)
		}
	}
	return added
}

// sharedTo records which members now hold the chain. Failed recipients
// stay out of the set so the next Encrypt treats them as joiners and
// retries their share.
func sharedTo(members []common.DeviceAddress, failures map[string]string) []string {
	out := make([]string, 0, len(members))
	for _, a := range members {
		if _, failed := failures[a.String()]; failed {
			continue
		}
		out = append(out, a.String())
	}
	return out
}
