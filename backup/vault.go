// Package backup implements versioned encrypted key backup. Blobs are
// opaque to the vault: clients encrypt session material before upload and
// the server only orders, merges and fingerprints the entry set.
package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"roomcrypt/common"
	"roomcrypt/crypto/key_ed25519"
	"roomcrypt/errs"
	"roomcrypt/signature"
	"roomcrypt/store"
)

// AlgorithmCurve25519AES is the only backup algorithm currently accepted.
const AlgorithmCurve25519AES = "curve25519-aes-sha2"

type Vault struct {
	store  store.Store
	locks  *store.KeyedMutex
	logger *logrus.Logger
}

func New(st store.Store, logger *logrus.Logger) *Vault {
	return &Vault{
		store:  st,
		locks:  store.NewKeyedMutex(32),
		logger: logger,
	}
}

// CreateVersion allocates the next backup version for a user. The auth
// data is signed with the creating device's signing key so other devices
// can decide whether to trust the backup before writing to it.
func (v *Vault) CreateVersion(ctx context.Context, id *common.DeviceIdentity, algorithm string, publicKey key_ed25519.PublicKey, authData json.RawMessage) (*common.BackupVersion, error) {
	if algorithm != AlgorithmCurve25519AES {
		return nil, errs.Validation("unsupported backup algorithm %q", algorithm)
	}
	unlock := v.locks.Lock("backup:" + id.UserID)
	defer unlock()

	version, err := v.store.NextBackupVersion(ctx, id.UserID)
	if err != nil {
		return nil, err
	}
	sig, err := signAuthData(id, version, authData)
	if err != nil {
		return nil, err
	}

	bv := &common.BackupVersion{
		UserID:    id.UserID,
		Version:   version,
		Algorithm: algorithm,
		PublicKey: publicKey,
		AuthData:  authData,
		Signature: sig,
		CreatedAt: time.Now().UTC(),
	}
	if err := v.store.PutBackupVersion(ctx, bv); err != nil {
		return nil, err
	}
	v.logger.WithFields(logrus.Fields{"user": id.UserID, "version": version}).Info("backup version created")
	return bv, nil
}

// UpdateAuthData replaces the auth data of an existing version in place,
// re-signing it. The version number and algorithm never change.
func (v *Vault) UpdateAuthData(ctx context.Context, id *common.DeviceIdentity, version int64, authData json.RawMessage) (*common.BackupVersion, error) {
	unlock := v.locks.Lock("backup:" + id.UserID)
	defer unlock()

	bv, err := v.store.GetBackupVersion(ctx, id.UserID, version)
	if err != nil {
		return nil, err
	}
	sig, err := signAuthData(id, version, authData)
	if err != nil {
		return nil, err
	}
	bv.AuthData = authData
	bv.Signature = sig
	if err := v.store.PutBackupVersion(ctx, bv); err != nil {
		return nil, err
	}
	return bv, nil
}

// GetVersion returns one version, or the latest when version is 0.
func (v *Vault) GetVersion(ctx context.Context, userID string, version int64) (*common.BackupVersion, error) {
	if version == 0 {
		return v.store.LatestBackupVersion(ctx, userID)
	}
	return v.store.GetBackupVersion(ctx, userID, version)
}

// DeleteVersion revokes a version and all its entries. Deleting the latest
// version leaves the backup without a writable target until a new version
// is created.
func (v *Vault) DeleteVersion(ctx context.Context, userID string, version int64) error {
	unlock := v.locks.Lock("backup:" + userID)
	defer unlock()
	if err := v.store.DeleteBackupVersion(ctx, userID, version); err != nil {
		return err
	}
	v.logger.WithFields(logrus.Fields{"user": userID, "version": version}).Info("backup version deleted")
	return nil
}

// PutEntry writes one entry into the latest version. A write against any
// older version is a conflict: the client must fetch the current version
// and re-encrypt for it. An existing entry for the same session is only
// replaced by a better one. Returns the new etag and entry count.
func (v *Vault) PutEntry(ctx context.Context, userID string, e *common.BackupEntry) (string, int, error) {
	unlock := v.locks.Lock("backup:" + userID)
	defer unlock()

	latest, err := v.store.LatestBackupVersion(ctx, userID)
	if err != nil {
		return "", 0, err
	}
	if e.Version != latest.Version {
		return "", 0, errs.Conflict("backup version %d is stale, latest is %d", e.Version, latest.Version)
	}

	existing, err := v.store.GetBackupEntry(ctx, userID, e.Version, e.RoomID, e.SessionID)
	switch {
	case err == nil:
		if !better(e, existing) {
			return v.state(ctx, userID, e.Version)
		}
	case errors.Is(err, errs.ErrNotFound):
	default:
		return "", 0, err
	}

	if err := v.store.PutBackupEntry(ctx, userID, e); err != nil {
		return "", 0, err
	}
	return v.state(ctx, userID, e.Version)
}

// GetEntry returns one stored entry.
func (v *Vault) GetEntry(ctx context.Context, userID string, version int64, roomID, sessionID string) (*common.BackupEntry, error) {
	return v.store.GetBackupEntry(ctx, userID, version, roomID, sessionID)
}

// ListEntries returns all entries of a version together with the etag over
// the set.
func (v *Vault) ListEntries(ctx context.Context, userID string, version int64) ([]*common.BackupEntry, string, error) {
	entries, err := v.store.ListBackupEntries(ctx, userID, version)
	if err != nil {
		return nil, "", err
	}
	return entries, etag(entries), nil
}

// state recomputes etag and count over the full entry set. The etag is a
// pure function of the set, so writing an identical entry twice yields the
// same etag.
func (v *Vault) state(ctx context.Context, userID string, version int64) (string, int, error) {
	entries, err := v.store.ListBackupEntries(ctx, userID, version)
	if err != nil {
		return "", 0, err
	}
	return etag(entries), len(entries), nil
}

// better decides whether a candidate entry should replace the held one:
// verified beats unverified, then a lower first message index, then fewer
// forwarding hops.
func better(candidate, held *common.BackupEntry) bool {
	if candidate.Verified != held.Verified {
		return candidate.Verified
	}
	if candidate.FirstMessageIndex != held.FirstMessageIndex {
		return candidate.FirstMessageIndex < held.FirstMessageIndex
	}
	return candidate.ForwardedCount < held.ForwardedCount
}

func etag(entries []*common.BackupEntry) string {
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		blob := sha256.Sum256(e.Blob)
		lines = append(lines, e.RoomID+"\x00"+e.SessionID+"\x00"+hex.EncodeToString(blob[:]))
	}
	sort.Strings(lines)

	h := sha256.New()
	for _, line := range lines {
		h.Write([]byte(line))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func signAuthData(id *common.DeviceIdentity, version int64, authData json.RawMessage) ([]byte, error) {
	payload, err := json.Marshal(map[string]any{
		"user_id":   id.UserID,
		"version":   version,
		"auth_data": authData,
	})
	if err != nil {
		return nil, errs.Validation("auth data not marshalable: %v", err)
	}
	sig, err := signature.Sign(payload, id.DeviceID, id.SigningKey.Priv)
	if err != nil {
		return nil, err
	}
	return sig.Signature, nil
}
