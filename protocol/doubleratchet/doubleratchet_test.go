package doubleratchet

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"roomcrypt/crypto/key_ed25519"
)

type header struct {
	h  *Header
	ct []byte
}

func newSessionPair(t *testing.T) (*DoubleRatchet, *DoubleRatchet) {
	t.Helper()

	var sk RatchetKey
	_, err := rand.Read(sk[:])
	require.NoError(t, err)

	bobPair, err := key_ed25519.NewPair()
	require.NoError(t, err)

	alice, err := InitAlice(sk, bobPair.Pub)
	require.NoError(t, err)
	bob := InitBob(sk, *bobPair)
	return alice, bob
}

func TestConversation(t *testing.T) {
	alice, bob := newSessionPair(t)
	ad := []byte("alice->bob")

	for i := 0; i < 5; i++ {
		h, ct, err := alice.Encrypt([]byte("ping"), ad, false)
		require.NoError(t, err)
		pt, err := bob.Decrypt(*h, ct, ad)
		require.NoError(t, err)
		require.Equal(t, []byte("ping"), pt)

		h, ct, err = bob.Encrypt([]byte("pong"), ad, false)
		require.NoError(t, err)
		pt, err = alice.Decrypt(*h, ct, ad)
		require.NoError(t, err)
		require.Equal(t, []byte("pong"), pt)
	}
}

func TestDHRatchetTurn(t *testing.T) {
	alice, bob := newSessionPair(t)
	ad := []byte("ad")

	h1, ct1, err := alice.Encrypt([]byte("one"), ad, false)
	require.NoError(t, err)
	_, err = bob.Decrypt(*h1, ct1, ad)
	require.NoError(t, err)

	// Bob answers, forcing a fresh ratchet key on his side.
	h2, ct2, err := bob.Encrypt([]byte("two"), ad, true)
	require.NoError(t, err)
	require.False(t, h2.RatchetPub.Equals(h1.RatchetPub))
	pt, err := alice.Decrypt(*h2, ct2, ad)
	require.NoError(t, err)
	require.Equal(t, []byte("two"), pt)

	// Alice's next message rides the new root.
	h3, ct3, err := alice.Encrypt([]byte("three"), ad, true)
	require.NoError(t, err)
	pt, err = bob.Decrypt(*h3, ct3, ad)
	require.NoError(t, err)
	require.Equal(t, []byte("three"), pt)
}

func TestOutOfOrderDelivery(t *testing.T) {
	alice, bob := newSessionPair(t)
	ad := []byte("ad")

	var msgs []header
	for _, body := range []string{"m0", "m1", "m2"} {
		h, ct, err := alice.Encrypt([]byte(body), ad, false)
		require.NoError(t, err)
		msgs = append(msgs, header{h, ct})
	}

	// Last first: m0 and m1 keys get cached.
	pt, err := bob.Decrypt(*msgs[2].h, msgs[2].ct, ad)
	require.NoError(t, err)
	require.Equal(t, []byte("m2"), pt)
	require.Len(t, bob.CurrentState.MkSkipped, 2)

	pt, err = bob.Decrypt(*msgs[0].h, msgs[0].ct, ad)
	require.NoError(t, err)
	require.Equal(t, []byte("m0"), pt)

	pt, err = bob.Decrypt(*msgs[1].h, msgs[1].ct, ad)
	require.NoError(t, err)
	require.Equal(t, []byte("m1"), pt)
	require.Empty(t, bob.CurrentState.MkSkipped)
}

func TestReplayRejected(t *testing.T) {
	alice, bob := newSessionPair(t)
	ad := []byte("ad")

	h, ct, err := alice.Encrypt([]byte("once"), ad, false)
	require.NoError(t, err)
	_, err = bob.Decrypt(*h, ct, ad)
	require.NoError(t, err)

	// The message key is gone; a second delivery cannot decrypt.
	_, err = bob.Decrypt(*h, ct, ad)
	require.Error(t, err)
}

func TestTamperedCiphertextLeavesStateIntact(t *testing.T) {
	alice, bob := newSessionPair(t)
	ad := []byte("ad")

	h, ct, err := alice.Encrypt([]byte("intact"), ad, false)
	require.NoError(t, err)

	bad := append([]byte{}, ct...)
	bad[0] ^= 0xff
	_, err = bob.Decrypt(*h, bad, ad)
	require.ErrorIs(t, err, ErrInvalidTag)

	// The failed attempt must not have advanced the receiving chain.
	pt, err := bob.Decrypt(*h, ct, ad)
	require.NoError(t, err)
	require.Equal(t, []byte("intact"), pt)
}

func TestWrongAssociatedData(t *testing.T) {
	alice, bob := newSessionPair(t)

	h, ct, err := alice.Encrypt([]byte("bound"), []byte("right"), false)
	require.NoError(t, err)
	_, err = bob.Decrypt(*h, ct, []byte("wrong"))
	require.ErrorIs(t, err, ErrInvalidTag)
}

func TestSkipWindowBound(t *testing.T) {
	alice, bob := newSessionPair(t)
	ad := []byte("ad")

	// Walk the sender far past the window, keep only the last message.
	var last header
	for i := uint32(0); i < 2002; i++ {
		h, ct, err := alice.Encrypt([]byte("x"), ad, false)
		require.NoError(t, err)
		last = header{h, ct}
	}
	_, err := bob.Decrypt(*last.h, last.ct, ad)
	require.ErrorIs(t, err, ErrSkippingTooManyKeys)
}

func TestResumeFromPersistedState(t *testing.T) {
	alice, bob := newSessionPair(t)
	ad := []byte("ad")

	h, ct, err := alice.Encrypt([]byte("before"), ad, false)
	require.NoError(t, err)
	_, err = bob.Decrypt(*h, ct, ad)
	require.NoError(t, err)

	blob, err := bob.CurrentState.Marshal()
	require.NoError(t, err)
	st, err := UnmarshalState(blob)
	require.NoError(t, err)
	restored := Resume(st)

	h, ct, err = alice.Encrypt([]byte("after"), ad, false)
	require.NoError(t, err)
	pt, err := restored.Decrypt(*h, ct, ad)
	require.NoError(t, err)
	require.Equal(t, []byte("after"), pt)
}
