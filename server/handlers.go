package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"roomcrypt/backup"
	"roomcrypt/common"
	"roomcrypt/crypto/key_ed25519"
	"roomcrypt/errs"
	"roomcrypt/pairwise"
	"roomcrypt/protocol/megolm"
	"roomcrypt/registry"
)

func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, err := s.registry.GenerateIdentity(r.Context(), vars["user"], vars["device"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, id.Public())
}

func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.registry.DeleteDevice(r.Context(), vars["user"], vars["device"]); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleUploadKeys(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req struct {
		Count int                 `json:"count"`
		Keys  []common.OneTimeKey `json:"keys"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	var (
		counts map[string]int
		err    error
	)
	if req.Count > 0 {
		counts, err = s.registry.GenerateOneTimeKeys(r.Context(), vars["user"], vars["device"], req.Count)
	} else {
		counts, err = s.registry.PublishOneTimeKeys(r.Context(), vars["user"], vars["device"], req.Keys)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"one_time_key_counts": counts})
}

func (s *Server) handleRotateFallback(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	fb, err := s.registry.RotateFallbackKey(r.Context(), vars["user"], vars["device"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"key_id":      fb.KeyID,
		"key":         fb.Key.Pub,
		"signature":   fb.Signature,
		"prev_key_id": fb.PrevKeyID,
	})
}

func (s *Server) handleQueryKeys(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceKeys map[string][]string `json:"device_keys"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	bundles, failures, err := s.registry.QueryKeys(r.Context(), req.DeviceKeys)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"device_keys": bundles,
		"failures":    failures,
	})
}

func (s *Server) handleClaimKeys(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OneTimeKeys map[string]map[string]string `json:"one_time_keys"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	claimed, failures, err := s.registry.ClaimBatch(r.Context(), req.OneTimeKeys)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"one_time_keys": claimed,
		"failures":      failures,
	})
}

func (s *Server) handleUploadSignatures(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Keys           common.CrossSigningKeySet `json:"keys"`
		ConfirmReplace bool                      `json:"confirm_replace"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.signing.Upload(r.Context(), &req.Keys, req.ConfirmReplace); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleFingerprint(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	fp, err := s.signing.MasterFingerprint(r.Context(), vars["user"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"fingerprint": fp})
}

func (s *Server) handleEstablishSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LocalUser    string `json:"local_user"`
		LocalDevice  string `json:"local_device"`
		RemoteUser   string `json:"remote_user"`
		RemoteDevice string `json:"remote_device"`
		Plaintext    []byte `json:"plaintext"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	sessionID, msg, err := s.pairwise.EstablishOutbound(r.Context(), req.LocalUser, req.LocalDevice, req.RemoteUser, req.RemoteDevice, req.Plaintext)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"session_id":     sessionID,
		"prekey_message": msg,
	})
}

func (s *Server) handleSessionEncrypt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LocalUser   string `json:"local_user"`
		LocalDevice string `json:"local_device"`
		SessionID   string `json:"session_id"`
		Plaintext   []byte `json:"plaintext"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	msg, err := s.pairwise.Encrypt(r.Context(), req.LocalUser, req.LocalDevice, req.SessionID, req.Plaintext)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleSessionDecrypt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LocalUser   string                   `json:"local_user"`
		LocalDevice string                   `json:"local_device"`
		Prekey      *common.PrekeyMessage    `json:"prekey,omitempty"`
		Encrypted   *common.EncryptedMessage `json:"encrypted,omitempty"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	var (
		plaintext []byte
		err       error
	)
	switch {
	case req.Prekey != nil:
		plaintext, err = s.pairwise.EstablishInbound(r.Context(), req.LocalUser, req.LocalDevice, req.Prekey)
		if errors.Is(err, pairwise.ErrAlreadyEstablished) {
			s.writeJSON(w, http.StatusOK, map[string]any{"already_established": true})
			return
		}
	case req.Encrypted != nil:
		plaintext, err = s.pairwise.Decrypt(r.Context(), req.LocalUser, req.LocalDevice, req.Encrypted)
	default:
		err = errs.Validation("request carries no message")
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"plaintext": plaintext})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	recs, err := s.pairwise.Sessions(r.Context(), vars["user"], vars["device"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sessions": recs})
}

func (s *Server) handleRoomSend(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req struct {
		SenderUser   string                 `json:"sender_user"`
		SenderDevice string                 `json:"sender_device"`
		Plaintext    []byte                 `json:"plaintext"`
		Members      []common.DeviceAddress `json:"members"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	msg, failures, err := s.group.Encrypt(r.Context(), req.SenderUser, req.SenderDevice, vars["room"], req.Plaintext, req.Members)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"message":  msg,
		"failures": failures,
	})
}

func (s *Server) handleKeyRequest(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req struct {
		RequesterUser   string               `json:"requester_user"`
		RequesterDevice string               `json:"requester_device"`
		SenderDevice    string               `json:"sender_device"`
		SessionID       string               `json:"session_id"`
		Target          common.DeviceAddress `json:"target"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	requestID, err := s.group.RequestKey(r.Context(), req.RequesterUser, req.RequesterDevice, vars["room"], req.SenderDevice, req.SessionID, req.Target)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"request_id": requestID})
}

func (s *Server) handleKeyRequestCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RequesterUser   string               `json:"requester_user"`
		RequesterDevice string               `json:"requester_device"`
		RequestID       string               `json:"request_id"`
		Target          common.DeviceAddress `json:"target"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.group.CancelKeyRequest(r.Context(), req.RequesterUser, req.RequesterDevice, req.RequestID, req.Target); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleRoomReceive(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req struct {
		ReceiverUser   string         `json:"receiver_user"`
		ReceiverDevice string         `json:"receiver_device"`
		SenderDevice   string         `json:"sender_device"`
		Message        megolm.Message `json:"message"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	plaintext, err := s.group.Decrypt(r.Context(), req.ReceiverUser, req.ReceiverDevice, vars["room"], req.SenderDevice, &req.Message)
	if err != nil {
		if errors.Is(err, megolm.ErrKeyTooOld) {
			s.writeError(w, errs.CryptoFailure("message predates session share"))
			return
		}
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"plaintext": plaintext})
}

func (s *Server) handleRoomMembers(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req struct {
		Members []common.DeviceAddress `json:"members"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.group.UpdateMembers(r.Context(), vars["room"], req.Members); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleCreateBackupVersion(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID    string                `json:"user_id"`
		DeviceID  string                `json:"device_id"`
		Algorithm string                `json:"algorithm"`
		PublicKey key_ed25519.PublicKey `json:"public_key"`
		AuthData  json.RawMessage       `json:"auth_data"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	id, err := s.registry.GetIdentity(r.Context(), req.UserID, req.DeviceID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	algorithm := req.Algorithm
	if algorithm == "" {
		algorithm = backup.AlgorithmCurve25519AES
	}
	bv, err := s.vault.CreateVersion(r.Context(), id, algorithm, req.PublicKey, req.AuthData)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, bv)
}

func (s *Server) handleGetBackupVersion(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	version, ok := s.parseVersion(w, r)
	if !ok {
		return
	}
	bv, err := s.vault.GetVersion(r.Context(), userID, version)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, bv)
}

func (s *Server) handleUpdateBackupVersion(w http.ResponseWriter, r *http.Request) {
	version, ok := s.parseVersion(w, r)
	if !ok {
		return
	}
	var req struct {
		UserID   string          `json:"user_id"`
		DeviceID string          `json:"device_id"`
		AuthData json.RawMessage `json:"auth_data"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	id, err := s.registry.GetIdentity(r.Context(), req.UserID, req.DeviceID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	bv, err := s.vault.UpdateAuthData(r.Context(), id, version, req.AuthData)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, bv)
}

func (s *Server) handleDeleteBackupVersion(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	version, ok := s.parseVersion(w, r)
	if !ok {
		return
	}
	if err := s.vault.DeleteVersion(r.Context(), userID, version); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handlePutBackupEntry(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req struct {
		UserID string             `json:"user_id"`
		Entry  common.BackupEntry `json:"entry"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	req.Entry.RoomID = vars["room"]
	req.Entry.SessionID = vars["session"]
	etag, count, err := s.vault.PutEntry(r.Context(), req.UserID, &req.Entry)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"etag": etag, "count": count})
}

func (s *Server) handleGetBackupEntry(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	userID := r.URL.Query().Get("user_id")
	version, err := strconv.ParseInt(r.URL.Query().Get("version"), 10, 64)
	if err != nil {
		s.writeError(w, errs.Validation("invalid version"))
		return
	}
	entry, err := s.vault.GetEntry(r.Context(), userID, version, vars["room"], vars["session"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleListBackupEntries(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	version, err := strconv.ParseInt(r.URL.Query().Get("version"), 10, 64)
	if err != nil {
		s.writeError(w, errs.Validation("invalid version"))
		return
	}
	entries, etag, err := s.vault.ListEntries(r.Context(), userID, version)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"etag":    etag,
		"count":   len(entries),
	})
}

func (s *Server) handleRegisterSecretKey(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req struct {
		DeviceID  string          `json:"device_id"`
		KeyID     string          `json:"key_id"`
		Algorithm string          `json:"algorithm"`
		AuthData  json.RawMessage `json:"auth_data"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	id, err := s.registry.GetIdentity(r.Context(), vars["user"], req.DeviceID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	key, err := s.secrets.RegisterKey(r.Context(), id, req.KeyID, req.Algorithm, req.AuthData)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, key)
}

func (s *Server) handleGetSecretKey(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	key, err := s.secrets.GetKey(r.Context(), vars["user"], vars["key"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, key)
}

func (s *Server) handlePutSecret(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req struct {
		KeyID      string `json:"key_id"`
		Ciphertext []byte `json:"ciphertext"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.secrets.PutSecret(r.Context(), vars["user"], vars["name"], req.KeyID, req.Ciphertext); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleGetSecret(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	sec, err := s.secrets.GetSecret(r.Context(), vars["user"], vars["name"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sec)
}

func (s *Server) handleDeleteSecret(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.secrets.DeleteSecret(r.Context(), vars["user"], vars["name"]); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleFederationSend(w http.ResponseWriter, r *http.Request) {
	var env common.ToDeviceEnvelope
	if !s.decode(w, r, &env) {
		return
	}
	if err := s.store.QueueToDevice(r.Context(), &env); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleFederationQuery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceKeys map[string][]string `json:"device_keys"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	// Strip origin suffixes so the lookup hits local storage.
	local := make(map[string][]string, len(req.DeviceKeys))
	for userID, devices := range req.DeviceKeys {
		name, _ := registry.SplitUser(userID)
		local[name] = devices
	}
	bundles, _, err := s.registry.QueryKeys(r.Context(), local)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"device_keys": bundles})
}

func (s *Server) handleFederationClaim(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID    string `json:"user_id"`
		DeviceID  string `json:"device_id"`
		Algorithm string `json:"algorithm"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	name, _ := registry.SplitUser(req.UserID)
	key, err := s.registry.ClaimOneTimeKey(r.Context(), name, req.DeviceID, req.Algorithm)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, key)
}

func (s *Server) parseVersion(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := mux.Vars(r)["version"]
	if raw == "latest" {
		return 0, true
	}
	version, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		s.writeError(w, errs.Validation("invalid version %q", raw))
		return 0, false
	}
	return version, true
}
