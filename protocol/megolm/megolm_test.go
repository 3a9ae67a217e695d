package megolm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptSequence(t *testing.T) {
	out, err := NewOutbound("s1")
	require.NoError(t, err)
	inb := NewInbound(out.Export())

	for i, body := range []string{"first", "second", "third"} {
		msg, err := out.Encrypt([]byte(body))
		require.NoError(t, err)
		require.Equal(t, uint32(i), msg.Index)

		pt, err := inb.Decrypt(msg)
		require.NoError(t, err)
		require.Equal(t, []byte(body), pt)
	}
}

func TestOutOfOrderWithinAnchor(t *testing.T) {
	out, err := NewOutbound("s1")
	require.NoError(t, err)
	inb := NewInbound(out.Export())

	var msgs []*Message
	for _, body := range []string{"a", "b", "c"} {
		msg, err := out.Encrypt([]byte(body))
		require.NoError(t, err)
		msgs = append(msgs, msg)
	}

	for _, i := range []int{2, 0, 1} {
		pt, err := inb.Decrypt(msgs[i])
		require.NoError(t, err)
		require.Equal(t, []byte{byte('a' + i)}, pt)
	}
}

func TestAnchorBoundary(t *testing.T) {
	out, err := NewOutbound("s1")
	require.NoError(t, err)

	// Two messages go out before the new member joins.
	early0, err := out.Encrypt([]byte("early0"))
	require.NoError(t, err)
	early1, err := out.Encrypt([]byte("early1"))
	require.NoError(t, err)

	joiner := NewInbound(out.Export())
	require.Equal(t, uint32(2), joiner.FirstKnownIndex)

	_, err = joiner.Decrypt(early0)
	require.ErrorIs(t, err, ErrKeyTooOld)
	_, err = joiner.Decrypt(early1)
	require.ErrorIs(t, err, ErrKeyTooOld)

	// The first message at or after the anchor decrypts.
	at, err := out.Encrypt([]byte("at-anchor"))
	require.NoError(t, err)
	pt, err := joiner.Decrypt(at)
	require.NoError(t, err)
	require.Equal(t, []byte("at-anchor"), pt)
}

func TestTamperedSignature(t *testing.T) {
	out, err := NewOutbound("s1")
	require.NoError(t, err)
	inb := NewInbound(out.Export())

	msg, err := out.Encrypt([]byte("signed"))
	require.NoError(t, err)
	msg.Signature[0] ^= 0xff
	_, err = inb.Decrypt(msg)
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestTamperedCiphertext(t *testing.T) {
	out, err := NewOutbound("s1")
	require.NoError(t, err)
	inb := NewInbound(out.Export())

	msg, err := out.Encrypt([]byte("sealed"))
	require.NoError(t, err)
	msg.Ciphertext[0] ^= 0xff
	_, err = inb.Decrypt(msg)
	// The signature covers the ciphertext, so it fails first.
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestForwardedExportKeepsAnchor(t *testing.T) {
	out, err := NewOutbound("s1")
	require.NoError(t, err)
	_, err = out.Encrypt([]byte("pre"))
	require.NoError(t, err)

	first := NewInbound(out.Export())
	forwarded := NewInbound(first.Export())
	require.Equal(t, first.FirstKnownIndex, forwarded.FirstKnownIndex)

	msg, err := out.Encrypt([]byte("post"))
	require.NoError(t, err)
	pt, err := forwarded.Decrypt(msg)
	require.NoError(t, err)
	require.Equal(t, []byte("post"), pt)
}

func TestPersistedInboundSurvivesRestart(t *testing.T) {
	out, err := NewOutbound("s1")
	require.NoError(t, err)
	inb := NewInbound(out.Export())

	blob, err := inb.Marshal()
	require.NoError(t, err)
	restored, err := UnmarshalInbound(blob)
	require.NoError(t, err)

	msg, err := out.Encrypt([]byte("durable"))
	require.NoError(t, err)
	pt, err := restored.Decrypt(msg)
	require.NoError(t, err)
	require.Equal(t, []byte("durable"), pt)
}
