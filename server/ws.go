package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"roomcrypt/common"
)

const (
	syncPollInterval = time.Second
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = (pongWait * 9) / 10
)

// syncConn is the slice of *websocket.Conn the batch writer needs.
type syncConn interface {
	SetWriteDeadline(t time.Time) error
	WriteJSON(v any) error
}

// handleSync upgrades to a websocket and streams the device's to-device
// queue. Delivery is at-least-once: envelopes drained but not written are
// requeued, so a reconnect picks them up again.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	userID, deviceID := vars["user"], vars["device"]

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnf("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	log := s.logger.WithFields(logrus.Fields{"user": userID, "device": deviceID})
	log.Info("sync stream opened")

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	poll := time.NewTicker(syncPollInterval)
	defer poll.Stop()
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-done:
			log.Info("sync stream closed")
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-poll.C:
			envs, err := s.store.DrainToDevice(r.Context(), userID, deviceID)
			if err != nil {
				log.Warnf("to-device drain failed: %v", err)
				continue
			}
			if !s.writeBatch(log, conn, envs) {
				return
			}
		}
	}
}

// writeBatch sends drained envelopes in order. When a write fails the
// remainder is requeued and the stream reported unusable. The requeue
// runs on a fresh context: the request context is already dying with the
// connection.
func (s *Server) writeBatch(log *logrus.Entry, conn syncConn, envs []*common.ToDeviceEnvelope) bool {
	for i, env := range envs {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(env); err != nil {
			log.Warnf("sync write failed: %v", err)
			s.requeue(context.Background(), log, envs[i:])
			return false
		}
	}
	return true
}

func (s *Server) requeue(ctx context.Context, log *logrus.Entry, envs []*common.ToDeviceEnvelope) {
	for _, env := range envs {
		if err := s.store.QueueToDevice(ctx, env); err != nil {
			log.Warnf("requeue of %s envelope for %s/%s failed: %v", env.Type, env.DestUser, env.DestDevice, err)
		}
	}
}
