// Package server exposes the key management, session and backup surfaces
// over HTTP, plus the to-device sync stream over websocket. The same
// router also serves the federation endpoints other servers call.
package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"roomcrypt/backup"
	"roomcrypt/crosssigning"
	"roomcrypt/errs"
	"roomcrypt/group"
	"roomcrypt/pairwise"
	"roomcrypt/registry"
	"roomcrypt/secrets"
	"roomcrypt/store"
)

type Server struct {
	store    store.Store
	registry *registry.Registry
	signing  *crosssigning.Authority
	pairwise *pairwise.Manager
	group    *group.Manager
	vault    *backup.Vault
	secrets  *secrets.Service
	upgrader websocket.Upgrader
	logger   *logrus.Logger
}

func New(st store.Store, reg *registry.Registry, signing *crosssigning.Authority, pw *pairwise.Manager, grp *group.Manager, vault *backup.Vault, sec *secrets.Service, logger *logrus.Logger) *Server {
	return &Server{
		store:    st,
		registry: reg,
		signing:  signing,
		pairwise: pw,
		group:    grp,
		vault:    vault,
		secrets:  sec,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger: logger,
	}
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	// Device keys
	r.HandleFunc("/keys/device/{user}/{device}", s.handleCreateDevice).Methods(http.MethodPost)
	r.HandleFunc("/keys/device/{user}/{device}", s.handleDeleteDevice).Methods(http.MethodDelete)
	r.HandleFunc("/keys/upload/{user}/{device}", s.handleUploadKeys).Methods(http.MethodPost)
	r.HandleFunc("/keys/fallback/{user}/{device}", s.handleRotateFallback).Methods(http.MethodPost)
	r.HandleFunc("/keys/query", s.handleQueryKeys).Methods(http.MethodPost)
	r.HandleFunc("/keys/claim", s.handleClaimKeys).Methods(http.MethodPost)

	// Cross-signing
	r.HandleFunc("/keys/signatures/upload", s.handleUploadSignatures).Methods(http.MethodPost)
	r.HandleFunc("/keys/fingerprint/{user}", s.handleFingerprint).Methods(http.MethodGet)

	// Pairwise sessions
	r.HandleFunc("/sessions/establish", s.handleEstablishSession).Methods(http.MethodPost)
	r.HandleFunc("/sessions/encrypt", s.handleSessionEncrypt).Methods(http.MethodPost)
	r.HandleFunc("/sessions/decrypt", s.handleSessionDecrypt).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{user}/{device}", s.handleListSessions).Methods(http.MethodGet)

	// Group sessions
	r.HandleFunc("/rooms/{room}/send", s.handleRoomSend).Methods(http.MethodPost)
	r.HandleFunc("/rooms/{room}/receive", s.handleRoomReceive).Methods(http.MethodPost)
	r.HandleFunc("/rooms/{room}/members", s.handleRoomMembers).Methods(http.MethodPost)
	r.HandleFunc("/rooms/{room}/keys/request", s.handleKeyRequest).Methods(http.MethodPost)
	r.HandleFunc("/rooms/{room}/keys/cancel", s.handleKeyRequestCancel).Methods(http.MethodPost)

	// Key backup
	r.HandleFunc("/room_keys/version", s.handleCreateBackupVersion).Methods(http.MethodPost)
	r.HandleFunc("/room_keys/version/{version}", s.handleGetBackupVersion).Methods(http.MethodGet)
	r.HandleFunc("/room_keys/version/{version}", s.handleUpdateBackupVersion).Methods(http.MethodPut)
	r.HandleFunc("/room_keys/version/{version}", s.handleDeleteBackupVersion).Methods(http.MethodDelete)
	r.HandleFunc("/room_keys/keys/{room}/{session}", s.handlePutBackupEntry).Methods(http.MethodPut)
	r.HandleFunc("/room_keys/keys/{room}/{session}", s.handleGetBackupEntry).Methods(http.MethodGet)
	r.HandleFunc("/room_keys/keys", s.handleListBackupEntries).Methods(http.MethodGet)

	// Secret storage. The keys routes go first so "keys" never binds as a
	// secret name.
	r.HandleFunc("/secrets/{user}/keys", s.handleRegisterSecretKey).Methods(http.MethodPost)
	r.HandleFunc("/secrets/{user}/keys/{key}", s.handleGetSecretKey).Methods(http.MethodGet)
	r.HandleFunc("/secrets/{user}/{name}", s.handlePutSecret).Methods(http.MethodPut)
	r.HandleFunc("/secrets/{user}/{name}", s.handleGetSecret).Methods(http.MethodGet)
	r.HandleFunc("/secrets/{user}/{name}", s.handleDeleteSecret).Methods(http.MethodDelete)

	// Federation surface, called by peer servers.
	r.HandleFunc("/federation/send", s.handleFederationSend).Methods(http.MethodPost)
	r.HandleFunc("/federation/keys/query", s.handleFederationQuery).Methods(http.MethodPost)
	r.HandleFunc("/federation/keys/claim", s.handleFederationClaim).Methods(http.MethodPost)

	// To-device stream
	r.HandleFunc("/sync/{user}/{device}", s.handleSync).Methods(http.MethodGet)

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		v = struct{}{}
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warnf("response encoding failed: %v", err)
	}
}

// writeError maps the error taxonomy onto HTTP statuses. Persistence
// details never leave the server.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := err.Error()
	switch {
	case errors.Is(err, errs.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, errs.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, errs.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, errs.ErrExhausted):
		status = http.StatusGone
	case errors.Is(err, errs.ErrCryptoFailure):
		status = http.StatusUnprocessableEntity
	default:
		msg = "internal error"
		s.logger.Errorf("request failed: %v", err)
	}
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, errs.Validation("request body undecodable: %v", err))
		return false
	}
	return true
}
