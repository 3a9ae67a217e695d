package doubleratchet

import (
	"encoding/json"
	"fmt"

	"roomcrypt/crypto/key_ed25519"
)

type (
	MsgIndex   uint32
	MsgKey     [32]byte
	RatchetKey [32]byte
)

type Header struct {
	RatchetPub key_ed25519.PublicKey `json:"ratchet_pub"`
	// Pn is the number of messages in previous chain
	Pn MsgIndex `json:"pn"`
	// N is the message number
	N MsgIndex `json:"n"`
}

func UnmarshalHeader(data []byte) (*Header, error) {
	var h Header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func (h *Header) Equals(other *Header) bool {
	if h == nil || other == nil {
		return false
	}
	return h.RatchetPub.Equals(other.RatchetPub) && h.Pn == other.Pn && h.N == other.N
}

func (h *Header) Marshal() ([]byte, error) {
	return json.Marshal(h)
}

// State holds the ratchet variables from the double ratchet spec. It is
// replaced wholesale on every successful step and serialized as one opaque
// unit; partial-field updates would desynchronize the two chains.
type State struct {
	// Dhs is the DH ratchet key pair (the "sending" or "self" ratchet key)
	Dhs key_ed25519.Pair `json:"dhs"`
	// Dhr is the remote ratchet public key. Nil for the responder until the
	// first message arrives.
	Dhr key_ed25519.PublicKey `json:"dhr,omitempty"`
	// Rk is the 32-byte root key
	Rk RatchetKey `json:"rk"`
	// Cks and Ckr are the sending and receiving chain keys
	Cks *RatchetKey `json:"cks,omitempty"`
	Ckr *RatchetKey `json:"ckr,omitempty"`
	// Ns and Nr are message numbers for sending and receiving
	Ns MsgIndex `json:"ns"`
	Nr MsgIndex `json:"nr"`
	// Pn is the number of messages in the previous sending chain
	Pn MsgIndex `json:"pn"`
	// MkSkipped caches skipped-over message keys, indexed by ratchet public
	// key and message number
	MkSkipped map[string]*MsgKey `json:"mk_skipped,omitempty"`
}

// skippedKeyID indexes MkSkipped; a slice-typed public key cannot be a map
// key itself.
func skippedKeyID(pub key_ed25519.PublicKey, n MsgIndex) string {
	return fmt.Sprintf("%s:%d", pub.Hex(), n)
}

// clone deep-copies the state so a failed step never leaks mutations.
func (s *State) clone() *State {
	cp := *s
	cp.MkSkipped = make(map[string]*MsgKey, len(s.MkSkipped))
	for k, v := range s.MkSkipped {
		mk := *v
		cp.MkSkipped[k] = &mk
	}
	if s.Cks != nil {
		ck := *s.Cks
		cp.Cks = &ck
	}
	if s.Ckr != nil {
		ck := *s.Ckr
		cp.Ckr = &ck
	}
	return &cp
}

func (s *State) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

func UnmarshalState(data []byte) (*State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	if s.MkSkipped == nil {
		s.MkSkipped = make(map[string]*MsgKey)
	}
	return &s, nil
}
