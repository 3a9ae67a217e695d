// Package common holds the persisted records and wire envelopes shared by
// the core components, the store adapters and the federation transport.
package common

import (
	"encoding/json"
	"time"

	"roomcrypt/crypto/key_ed25519"
	"roomcrypt/protocol/doubleratchet"
)

// DeviceIdentity is the immutable identity of one device: a signing key
// pair and a key-agreement pair. Only the display name ever changes.
type DeviceIdentity struct {
	UserID       string           `json:"user_id"`
	DeviceID     string           `json:"device_id"`
	DisplayName  string           `json:"display_name,omitempty"`
	SigningKey   key_ed25519.Pair `json:"signing_key"`
	AgreementKey key_ed25519.Pair `json:"agreement_key"`
	CreatedAt    time.Time        `json:"created_at"`
}

// PublicIdentity is the shareable half of a DeviceIdentity.
type PublicIdentity struct {
	UserID       string                `json:"user_id"`
	DeviceID     string                `json:"device_id"`
	DisplayName  string                `json:"display_name,omitempty"`
	SigningKey   key_ed25519.PublicKey `json:"signing_key"`
	AgreementKey key_ed25519.PublicKey `json:"agreement_key"`
	Signatures   map[string][]byte     `json:"signatures,omitempty"`
}

func (d *DeviceIdentity) Public() *PublicIdentity {
	return &PublicIdentity{
		UserID:       d.UserID,
		DeviceID:     d.DeviceID,
		DisplayName:  d.DisplayName,
		SigningKey:   d.SigningKey.Pub,
		AgreementKey: d.AgreementKey.Pub,
	}
}

// OneTimeKey is a single-use key-agreement key. Used flips to true when a
// claim hands the public half out; Consumed flips to true when the owning
// device takes the private half during inbound session establishment.
// Neither ever flips back.
type OneTimeKey struct {
	KeyID     string           `json:"key_id"`
	Algorithm string           `json:"algorithm"`
	Key       key_ed25519.Pair `json:"key"`
	Signature []byte           `json:"signature"`
	Used      bool             `json:"used"`
	Consumed  bool             `json:"consumed"`
}

// FallbackKey substitutes for one-time keys when the pool runs dry. It is
// served without being consumed and replaced only by explicit rotation.
type FallbackKey struct {
	KeyID     string           `json:"key_id"`
	Key       key_ed25519.Pair `json:"key"`
	Signature []byte           `json:"signature"`
	CreatedAt time.Time        `json:"created_at"`
	// PrevKeyID and PrevKey keep the rotated-out key resolvable until the
	// new one has been observed in an established session.
	PrevKeyID string            `json:"prev_key_id,omitempty"`
	PrevKey   *key_ed25519.Pair `json:"prev_key,omitempty"`
}

// ClaimedKey is the response to a claim: the public key plus whether the
// claim consumed a one-time key or fell back.
type ClaimedKey struct {
	KeyID     string                `json:"key_id"`
	Algorithm string                `json:"algorithm"`
	Key       key_ed25519.PublicKey `json:"key"`
	Signature []byte                `json:"signature"`
	// Fallback is true when the one-time pool was exhausted; the caller
	// should warn the owning device to upload more keys and rotate.
	Fallback bool `json:"fallback"`
}

// CrossSigningKeySet is the master/self-signing/user-signing hierarchy.
// SelfSigningSig and UserSigningSig are master-key signatures over the
// respective public keys. SelfAsserted records TOFU: true until the master
// key has been externally verified.
type CrossSigningKeySet struct {
	UserID         string           `json:"user_id"`
	Master         key_ed25519.Pair `json:"master"`
	SelfSigning    key_ed25519.Pair `json:"self_signing"`
	UserSigning    key_ed25519.Pair `json:"user_signing"`
	SelfSigningSig []byte           `json:"self_signing_sig"`
	UserSigningSig []byte           `json:"user_signing_sig"`
	SelfAsserted   bool             `json:"self_asserted"`
	PinnedAt       time.Time        `json:"pinned_at"`
}

// PairwiseSessionRecord wraps serialized double ratchet state with the
// bookkeeping needed for idempotent replay detection. State is opaque to
// the store and always replaced wholesale.
type PairwiseSessionRecord struct {
	LocalUser    string          `json:"local_user"`
	LocalDevice  string          `json:"local_device"`
	RemoteUser   string          `json:"remote_user"`
	RemoteDevice string          `json:"remote_device"`
	SessionID    string          `json:"session_id"`
	State        json.RawMessage `json:"state"`
	// Seq increases on every persisted step; replaying an older step is
	// detectable without touching key material.
	Seq uint64 `json:"seq"`
	// Broken marks a session that failed integrity checks; it must be
	// re-established, never stepped further.
	Broken bool `json:"broken"`
	// PrekeyDigest is the SHA-256 of the prekey message that created the
	// session; re-delivery of that exact message is idempotent.
	PrekeyDigest []byte `json:"prekey_digest,omitempty"`
}

// GroupSessionState is the outbound session lifecycle.
type GroupSessionState string

const (
	GroupSessionActive          GroupSessionState = "active"
	GroupSessionRotationPending GroupSessionState = "rotation_pending"
	GroupSessionExpired         GroupSessionState = "expired"
)

// GroupOutboundRecord carries serialized outbound hash-ratchet state plus
// rotation bookkeeping.
type GroupOutboundRecord struct {
	RoomID    string            `json:"room_id"`
	SessionID string            `json:"session_id"`
	State     json.RawMessage   `json:"state"`
	Lifecycle GroupSessionState `json:"lifecycle"`
	Members   []string          `json:"members"` // device addresses shared to
	CreatedAt time.Time         `json:"created_at"`
	Seq       uint64            `json:"seq"`
}

// GroupInboundRecord carries serialized inbound state for one
// (receiver, room, sender device, session) tuple. Each receiving device
// holds its own copy with its own anchor.
type GroupInboundRecord struct {
	Receiver     string          `json:"receiver"`
	RoomID       string          `json:"room_id"`
	SenderDevice string          `json:"sender_device"`
	SessionID    string          `json:"session_id"`
	State        json.RawMessage `json:"state"`
	// ForwardedCount tracks how many hops the chain state travelled before
	// reaching us.
	ForwardedCount int    `json:"forwarded_count"`
	Seq            uint64 `json:"seq"`
}

// BackupVersion is one user-scoped backup generation. Writes against any
// version below the latest are rejected.
type BackupVersion struct {
	UserID    string                `json:"user_id"`
	Version   int64                 `json:"version"`
	Algorithm string                `json:"algorithm"`
	PublicKey key_ed25519.PublicKey `json:"public_key"`
	AuthData  json.RawMessage       `json:"auth_data"`
	Signature []byte                `json:"signature"`
	CreatedAt time.Time             `json:"created_at"`
}

// BackupEntry stores one client-encrypted session blob.
type BackupEntry struct {
	Version           int64  `json:"version"`
	RoomID            string `json:"room_id"`
	SessionID         string `json:"session_id"`
	Blob              []byte `json:"blob"`
	FirstMessageIndex uint32 `json:"first_message_index"`
	ForwardedCount    int    `json:"forwarded_count"`
	Verified          bool   `json:"verified"`
}

// SecretStorageKey is the server-side record of a client-held secret
// storage key: metadata and auth data only, never the key itself. The
// auth data lets a client check a passphrase against the key without the
// server learning either.
type SecretStorageKey struct {
	UserID    string          `json:"user_id"`
	KeyID     string          `json:"key_id"`
	Algorithm string          `json:"algorithm"`
	AuthData  json.RawMessage `json:"auth_data"`
	Signature []byte          `json:"signature"`
	CreatedAt time.Time       `json:"created_at"`
}

// StoredSecret is one named, client-encrypted secret, referencing the
// secret storage key that encrypted it.
type StoredSecret struct {
	UserID     string `json:"user_id"`
	Name       string `json:"name"`
	KeyID      string `json:"key_id"`
	Ciphertext []byte `json:"ciphertext"`
}

// KeyRequestRecord is a room-key request the target device could not
// answer yet. It is fulfilled when the chain arrives, or dropped on
// cancellation.
type KeyRequestRecord struct {
	Target        string    `json:"target"`
	RequestID     string    `json:"request_id"`
	RoomID        string    `json:"room_id"`
	SenderDevice  string    `json:"sender_device"`
	SessionID     string    `json:"session_id"`
	RequestUser   string    `json:"request_user"`
	RequestDevice string    `json:"request_device"`
	CreatedAt     time.Time `json:"created_at"`
}

// DeviceAddress names one device, possibly on a remote server.
type DeviceAddress struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
	Server   string `json:"server,omitempty"` // empty means local
}

func (a DeviceAddress) String() string {
	return a.UserID + "/" + a.DeviceID
}

// Envelope types carried over the to-device transport.
const (
	EnvelopePrekey     = "prekey"
	EnvelopeEncrypted  = "encrypted"
	EnvelopeGroupShare = "group_share"
	EnvelopeKeyRequest = "room_key_request"
)

// ToDeviceEnvelope is the unit the transport delivers, at-least-once and
// possibly out of order.
type ToDeviceEnvelope struct {
	Type         string          `json:"type"`
	SenderUser   string          `json:"sender_user"`
	SenderDevice string          `json:"sender_device"`
	DestUser     string          `json:"dest_user"`
	DestDevice   string          `json:"dest_device"`
	Payload      json.RawMessage `json:"payload"`
}

// PrekeyMessage establishes a pairwise session: the initiator's identity
// and ephemeral public keys, the claimed key reference and the first
// ciphertext.
type PrekeyMessage struct {
	SessionID       string                `json:"session_id"`
	SenderUser      string                `json:"sender_user"`
	SenderDevice    string                `json:"sender_device"`
	SenderSigning   key_ed25519.PublicKey `json:"sender_signing"`
	SenderIdentity  key_ed25519.PublicKey `json:"sender_identity"`
	EphemeralKey    key_ed25519.PublicKey `json:"ephemeral_key"`
	ClaimedKeyID    string                `json:"claimed_key_id"`
	ClaimedFallback bool                  `json:"claimed_fallback"`
	Header          doubleratchet.Header  `json:"header"`
	Ciphertext      []byte                `json:"ciphertext"`
}

// EncryptedMessage is a regular pairwise double-ratchet message.
type EncryptedMessage struct {
	SessionID  string               `json:"session_id"`
	Header     doubleratchet.Header `json:"header"`
	Ciphertext []byte               `json:"ciphertext"`
}

// KeyQueryFailures maps origin server to the error that kept its keys out
// of a federated query response.
type KeyQueryFailures map[string]string
