// Package megolm implements the one-way group hash ratchet. A sender keeps
// an outbound session whose chain key steps forward once per message;
// receivers hold an inbound session anchored at the index where they
// joined, and can only ever derive forward from that anchor.
package megolm

import (
	hmac2 "crypto/hmac"
	"encoding/json"

	"roomcrypt/crypto"
	"roomcrypt/crypto/aes256"
	"roomcrypt/crypto/hkdf"
	"roomcrypt/crypto/hmac"
	"roomcrypt/crypto/key_ed25519"
	"roomcrypt/crypto/signer_schnorr"
)

type ChainKey [32]byte

var (
	hkdfSaltMessage = []byte("GroupMessageKey")

	chainStepMessage = []byte{0x01}
	chainStepAdvance = []byte{0x02}
)

// Message is one encrypted group payload. The signature covers the session
// id, index and ciphertext, binding the message to the sending session.
type Message struct {
	SessionID  string `json:"session_id"`
	Index      uint32 `json:"index"`
	Ciphertext []byte `json:"ciphertext"`
	Signature  []byte `json:"signature"`
}

// Outbound is the sender half. Index counts messages already sent; the
// chain key is the one that will encrypt message Index.
type Outbound struct {
	SessionID  string           `json:"session_id"`
	ChainKey   ChainKey         `json:"chain_key"`
	Index      uint32           `json:"index"`
	SigningKey key_ed25519.Pair `json:"signing_key"`
}

// Inbound is the receiver half, anchored at FirstKnownIndex. Indices below
// the anchor are unrecoverable by construction.
type Inbound struct {
	SessionID       string                `json:"session_id"`
	ChainKey        ChainKey              `json:"chain_key"`
	FirstKnownIndex uint32                `json:"first_known_index"`
	SigningPub      key_ed25519.PublicKey `json:"signing_pub"`
}

// SessionExport is the shareable chain state at a given index. A member
// joining now receives an export at the current index, not at zero.
type SessionExport struct {
	SessionID       string                `json:"session_id"`
	ChainKey        ChainKey              `json:"chain_key"`
	FirstKnownIndex uint32                `json:"first_known_index"`
	SigningPub      key_ed25519.PublicKey `json:"signing_pub"`
}

// NewOutbound creates a session with a random seed chain key at index 0.
func NewOutbound(sessionID string) (*Outbound, error) {
	seed, err := aes256.NewKey()
	if err != nil {
		return nil, err
	}
	signing, err := key_ed25519.NewPair()
	if err != nil {
		return nil, err
	}
	var ck ChainKey
	copy(ck[:], seed)
	return &Outbound{
		SessionID:  sessionID,
		ChainKey:   ck,
		Index:      0,
		SigningKey: *signing,
	}, nil
}

// Encrypt derives the message key for the current index, advances the
// chain one step and increments the index.
func (o *Outbound) Encrypt(plaintext []byte) (*Message, error) {
	mk := messageKey(o.ChainKey)
	ct, err := seal(mk, o.SessionID, o.Index, plaintext)
	if err != nil {
		return nil, err
	}

	sig, err := signer_schnorr.Sign(o.SigningKey.Priv, signedBody(o.SessionID, o.Index, ct))
	if err != nil {
		return nil, err
	}

	msg := &Message{
		SessionID:  o.SessionID,
		Index:      o.Index,
		Ciphertext: ct,
		Signature:  sig,
	}

	o.ChainKey = advance(o.ChainKey)
	o.Index++
	return msg, nil
}

// Export snapshots the chain at its current index for sharing.
func (o *Outbound) Export() *SessionExport {
	return &SessionExport{
		SessionID:       o.SessionID,
		ChainKey:        o.ChainKey,
		FirstKnownIndex: o.Index,
		SigningPub:      o.SigningKey.Pub,
	}
}

// NewInbound anchors a receiving session at the export's index.
func NewInbound(exp *SessionExport) *Inbound {
	return &Inbound{
		SessionID:       exp.SessionID,
		ChainKey:        exp.ChainKey,
		FirstKnownIndex: exp.FirstKnownIndex,
		SigningPub:      exp.SigningPub,
	}
}

// Decrypt opens a message at msg.Index. Indices below the anchor fail
// ErrKeyTooOld; later indices are reached by stepping a copy of the
// anchored chain forward, so the stored anchor never regresses.
func (i *Inbound) Decrypt(msg *Message) ([]byte, error) {
	if msg.Index < i.FirstKnownIndex {
		return nil, ErrKeyTooOld
	}
	if err := signer_schnorr.Verify(i.SigningPub, signedBody(msg.SessionID, msg.Index, msg.Ciphertext), msg.Signature); err != nil {
		return nil, ErrInvalidSignature
	}

	ck := i.ChainKey
	for idx := i.FirstKnownIndex; idx < msg.Index; idx++ {
		ck = advance(ck)
	}
	mk := messageKey(ck)
	return open(mk, msg.SessionID, msg.Index, msg.Ciphertext)
}

// Export re-exports the inbound chain for onward forwarding; the anchor is
// preserved so a forwarded copy cannot reach further back than we can.
func (i *Inbound) Export() *SessionExport {
	return &SessionExport{
		SessionID:       i.SessionID,
		ChainKey:        i.ChainKey,
		FirstKnownIndex: i.FirstKnownIndex,
		SigningPub:      i.SigningPub,
	}
}

func (o *Outbound) Marshal() ([]byte, error) { return json.Marshal(o) }
func (i *Inbound) Marshal() ([]byte, error)  { return json.Marshal(i) }

func UnmarshalOutbound(data []byte) (*Outbound, error) {
	var o Outbound
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func UnmarshalInbound(data []byte) (*Inbound, error) {
	var i Inbound
	if err := json.Unmarshal(data, &i); err != nil {
		return nil, err
	}
	return &i, nil
}

func advance(ck ChainKey) ChainKey {
	next := hmac.Hash(crypto.DefaultHashFunc, ck[:], chainStepAdvance)
	var out ChainKey
	copy(out[:], next)
	return out
}

func messageKey(ck ChainKey) [32]byte {
	mk := hmac.Hash(crypto.DefaultHashFunc, ck[:], chainStepMessage)
	var out [32]byte
	copy(out[:], mk)
	return out
}

func seal(mk [32]byte, sessionID string, index uint32, plaintext []byte) ([]byte, error) {
	encKey, authKey, iv, err := deriveCipher(mk)
	if err != nil {
		return nil, err
	}
	ct, err := aes256.Encrypt(plaintext, encKey, iv)
	if err != nil {
		return nil, err
	}
	tag := hmac.Hash(crypto.DefaultHashFunc, authKey[:], append(adBytes(sessionID, index), ct...))
	return append(ct, tag...), nil
}

func open(mk [32]byte, sessionID string, index uint32, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) <= crypto.HMACSHA256Size {
		return nil, ErrInvalidTag
	}
	encKey, authKey, iv, err := deriveCipher(mk)
	if err != nil {
		return nil, err
	}
	body := ciphertext[:len(ciphertext)-crypto.HMACSHA256Size]
	tag := hmac.Hash(crypto.DefaultHashFunc, authKey[:], append(adBytes(sessionID, index), body...))
	if !hmac2.Equal(tag, ciphertext[len(ciphertext)-crypto.HMACSHA256Size:]) {
		return nil, ErrInvalidTag
	}
	return aes256.Decrypt(body, encKey, iv)
}

func deriveCipher(mk [32]byte) (encKey [32]byte, authKey [32]byte, iv [16]byte, err error) {
	key := make([]byte, 80)
	n, err := hkdf.KDF(crypto.DefaultHashFunc, mk[:], nil, hkdfSaltMessage, key)
	if err != nil {
		return
	}
	if n != 80 {
		err = ErrInvalidTag
		return
	}
	copy(encKey[:], key[:32])
	copy(authKey[:], key[32:64])
	copy(iv[:], key[64:])
	return
}

func adBytes(sessionID string, index uint32) []byte {
	ad, _ := json.Marshal(struct {
		SessionID string `json:"session_id"`
		Index     uint32 `json:"index"`
	}{sessionID, index})
	return ad
}

func signedBody(sessionID string, index uint32, ct []byte) []byte {
	return append(adBytes(sessionID, index), ct...)
}
