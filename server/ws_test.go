package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"roomcrypt/common"
	"roomcrypt/store"
)

// flakyConn accepts a fixed number of writes, then fails.
type flakyConn struct {
	writesLeft int
	written    []any
}

func (c *flakyConn) SetWriteDeadline(time.Time) error { return nil }

func (c *flakyConn) WriteJSON(v any) error {
	if c.writesLeft <= 0 {
		return errors.New("broken pipe")
	}
	c.writesLeft--
	c.written = append(c.written, v)
	return nil
}

func TestWriteBatchRequeuesUndelivered(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	st := store.NewMemory()
	s := New(st, nil, nil, nil, nil, nil, nil, logger)

	envs := []*common.ToDeviceEnvelope{
		{Type: common.EnvelopeEncrypted, DestUser: "bob", DestDevice: "D2", Payload: []byte(`{"n":1}`)},
		{Type: common.EnvelopeGroupShare, DestUser: "bob", DestDevice: "D2", Payload: []byte(`{"n":2}`)},
		{Type: common.EnvelopeEncrypted, DestUser: "bob", DestDevice: "D2", Payload: []byte(`{"n":3}`)},
	}

	conn := &flakyConn{writesLeft: 1}
	log := logger.WithField("test", t.Name())
	require.False(t, s.writeBatch(log, conn, envs))
	require.Len(t, conn.written, 1)

	// The two envelopes behind the failed write went back on the queue
	// for the next connection.
	queued, err := st.DrainToDevice(context.Background(), "bob", "D2")
	require.NoError(t, err)
	require.Len(t, queued, 2)
	require.Equal(t, common.EnvelopeGroupShare, queued[0].Type)
	require.Equal(t, common.EnvelopeEncrypted, queued[1].Type)

	// A healthy connection drains the whole batch.
	conn = &flakyConn{writesLeft: len(queued)}
	require.True(t, s.writeBatch(log, conn, queued))
	require.Len(t, conn.written, 2)
}
