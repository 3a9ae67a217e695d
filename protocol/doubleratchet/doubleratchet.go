// Package doubleratchet implements the pairwise double ratchet: a one-way
// symmetric chain ratchet with periodic Diffie-Hellman re-keying.
//
// https://signal.org/docs/specifications/doubleratchet/
package doubleratchet

import (
	"roomcrypt/configs"
	"roomcrypt/crypto/key_ed25519"
)

var (
	utils = newDoubleRatchetUtils()
)

type DoubleRatchet struct {
	CurrentState *State
}

func newDoubleRatchet(initState *State) *DoubleRatchet {
	if initState.MkSkipped == nil {
		initState.MkSkipped = make(map[string]*MsgKey)
	}
	return &DoubleRatchet{
		CurrentState: initState,
	}
}

// InitAlice initializes the ratchet for the initiator, who already knows
// the responder's ratchet public key.
func InitAlice(sk RatchetKey, bobDHPubKey key_ed25519.PublicKey) (*DoubleRatchet, error) {
	dhs, err := utils.generateDH()
	if err != nil {
		return nil, err
	}

	kdfRkInput, err := utils.dh(dhs.Priv, bobDHPubKey)
	if err != nil {
		return nil, err
	}
	rk, cks, err := utils.kdfRk(sk, *kdfRkInput)
	if err != nil {
		return nil, err
	}

	return newDoubleRatchet(&State{
		Dhs:       *dhs,
		Dhr:       bobDHPubKey,
		Rk:        *rk,
		Cks:       cks,
		MkSkipped: make(map[string]*MsgKey),
		// Ckr, Ns, Nr, Pn start at zero values
	}), nil
}

// InitBob initializes the ratchet for the responder, whose receiving chain
// is seeded by the initiator's first message.
func InitBob(sk RatchetKey, bobDHKeyPair key_ed25519.Pair) *DoubleRatchet {
	return newDoubleRatchet(&State{
		Dhs:       bobDHKeyPair,
		Rk:        sk,
		MkSkipped: make(map[string]*MsgKey),
	})
}

// Resume rebuilds a ratchet from persisted state.
func Resume(st *State) *DoubleRatchet {
	return newDoubleRatchet(st)
}

// Encrypt performs a symmetric-key ratchet step and encrypts plaintext
// with the resulting message key. The associated data is prepended to the
// header to form the AEAD associated data.
//
// If forwardDHRatchet is true a DH ratchet step runs first. Must not be
// set on the first message of a session.
func (dr *DoubleRatchet) Encrypt(plaintext []byte, associatedData []byte, forwardDHRatchet bool) (*Header, []byte, error) {
	var (
		mk  *MsgKey
		err error
	)
	newState := dr.CurrentState.clone()

	if forwardDHRatchet || newState.Cks == nil {
		if err := dhRatchetSendChain(newState); err != nil {
			return nil, nil, err
		}
	}

	newState.Cks, mk, err = utils.kdfCk(*newState.Cks)
	if err != nil {
		return nil, nil, err
	}

	header := Header{
		RatchetPub: newState.Dhs.Pub,
		Pn:         newState.Pn,
		N:          newState.Ns,
	}
	newState.Ns++

	ad, err := utils.concat(associatedData, header)
	if err != nil {
		return nil, nil, err
	}
	ciphertext, err := utils.encrypt(*mk, plaintext, ad)
	if err != nil {
		return nil, nil, err
	}

	dr.CurrentState = newState
	return &header, ciphertext, nil
}

// Decrypt opens a message, handling skipped keys and remote DH ratchet
// turns. State is mutated only when the whole step, MAC check included,
// succeeds; on any error the previous state is kept untouched.
func (dr *DoubleRatchet) Decrypt(header Header, ciphertext []byte, associatedData []byte) ([]byte, error) {
	var (
		newState = dr.CurrentState.clone()
		mk       *MsgKey
	)

	// 1. A skipped message key decrypts without advancing the chain.
	plaintext, hit, err := trySkippedMessageKeys(newState, &header, ciphertext, associatedData)
	if err != nil {
		return nil, err
	}
	if hit {
		dr.CurrentState = newState
		return plaintext, nil
	}

	// 2. A new remote ratchet key replaces the receiving chain after the
	// remainder of the old chain is cached.
	if newState.Dhr == nil {
		if err := dhRatchetReceiveChain(newState, &header); err != nil {
			return nil, err
		}
	} else if !header.RatchetPub.Equals(newState.Dhr) {
		if err := skipMessageKeys(newState, header.Pn); err != nil {
			return nil, err
		}
		if err := dhRatchetReceiveChain(newState, &header); err != nil {
			return nil, err
		}
	}

	// 3. Cache keys for any messages still in flight ahead of this one.
	if err := skipMessageKeys(newState, header.N); err != nil {
		return nil, err
	}

	if newState.Ckr == nil {
		return nil, ErrChainUninitialized
	}
	newState.Ckr, mk, err = utils.kdfCk(*newState.Ckr)
	if err != nil {
		return nil, err
	}
	newState.Nr++

	adHeader, err := utils.concat(associatedData, header)
	if err != nil {
		return nil, err
	}
	plaintext, err = utils.decrypt(*mk, ciphertext, adHeader)
	if err != nil {
		return nil, err
	}

	dr.CurrentState = newState
	return plaintext, nil
}

// MaxSkip bounds the number of message keys cached for a single chain.
func (dr *DoubleRatchet) MaxSkip() MsgIndex {
	return MsgIndex(configs.MaxSkippedMessageKeys)
}

func skipMessageKeys(newState *State, until MsgIndex) error {
	if newState.Nr+MsgIndex(configs.MaxSkippedMessageKeys) < until {
		return ErrSkippingTooManyKeys
	}

	if newState.Ckr != nil {
		for newState.Nr < until {
			var mk *MsgKey
			var err error
			newState.Ckr, mk, err = utils.kdfCk(*newState.Ckr)
			if err != nil {
				return err
			}
			newState.MkSkipped[skippedKeyID(newState.Dhr, newState.Nr)] = mk
			newState.Nr++
		}
	}
	return nil
}

func trySkippedMessageKeys(newState *State, header *Header, ciphertext, ad []byte) ([]byte, bool, error) {
	id := skippedKeyID(header.RatchetPub, header.N)
	mk, exists := newState.MkSkipped[id]
	if !exists {
		return nil, false, nil
	}
	adHeader, err := utils.concat(ad, *header)
	if err != nil {
		return nil, false, err
	}
	plaintext, err := utils.decrypt(*mk, ciphertext, adHeader)
	if err != nil {
		return nil, false, err
	}
	delete(newState.MkSkipped, id)
	return plaintext, true, nil
}

func dhRatchetReceiveChain(newState *State, header *Header) error {
	newState.Nr = 0
	newState.Dhr = header.RatchetPub

	dhOut, err := utils.dh(newState.Dhs.Priv, newState.Dhr)
	if err != nil {
		return err
	}

	rk, ckr, err := utils.kdfRk(newState.Rk, *dhOut)
	if err != nil {
		return err
	}
	newState.Rk = *rk
	newState.Ckr = ckr
	return nil
}

func dhRatchetSendChain(newState *State) error {
	newState.Pn = newState.Ns
	newState.Ns = 0

	dhs, err := utils.generateDH()
	if err != nil {
		return err
	}
	newState.Dhs = *dhs

	dhOut, err := utils.dh(newState.Dhs.Priv, newState.Dhr)
	if err != nil {
		return err
	}

	rk, cks, err := utils.kdfRk(newState.Rk, *dhOut)
	if err != nil {
		return err
	}
	newState.Rk = *rk
	newState.Cks = cks
	return nil
}
