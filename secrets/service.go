// Package secrets stores client-encrypted account secrets server-side:
// cross-signing seeds, backup recovery keys and the like. The server only
// ever sees key metadata and opaque ciphertext; encryption happens on the
// device, the same split the key backup vault uses.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"roomcrypt/common"
	"roomcrypt/errs"
	"roomcrypt/signature"
	"roomcrypt/store"
)

// AlgorithmAESHMACSHA2 is the only registered secret storage algorithm:
// AES-CTR ciphertext with an HMAC-SHA-256 tag, derived client-side.
const AlgorithmAESHMACSHA2 = "aes-hmac-sha2"

type Service struct {
	store  store.Store
	logger *logrus.Logger
}

func New(st store.Store, logger *logrus.Logger) *Service {
	return &Service{store: st, logger: logger}
}

// RegisterKey records a secret storage key's metadata, signed by the
// registering device so the user's other devices can trust the auth data
// before deriving against it. The key itself never reaches the server.
func (s *Service) RegisterKey(ctx context.Context, id *common.DeviceIdentity, keyID, algorithm string, authData json.RawMessage) (*common.SecretStorageKey, error) {
	if algorithm != AlgorithmAESHMACSHA2 {
		return nil, errs.Validation("unsupported secret storage algorithm %q", algorithm)
	}
	if len(authData) == 0 {
		return nil, errs.Validation("secret storage key carries no auth data")
	}
	if keyID == "" {
		keyID = uuid.NewString()
	}

	payload, err := json.Marshal(map[string]any{
		"user_id":   id.UserID,
		"key_id":    keyID,
		"algorithm": algorithm,
		"auth_data": authData,
	})
	if err != nil {
		return nil, errs.Validation("key metadata not marshalable: %v", err)
	}
	sig, err := signature.Sign(payload, id.DeviceID, id.SigningKey.Priv)
	if err != nil {
		return nil, err
	}

	key := &common.SecretStorageKey{
		UserID:    id.UserID,
		KeyID:     keyID,
		Algorithm: algorithm,
		AuthData:  authData,
		Signature: sig.Signature,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.PutSecretKey(ctx, key); err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{"user": id.UserID, "key": keyID}).Info("secret storage key registered")
	return key, nil
}

func (s *Service) GetKey(ctx context.Context, userID, keyID string) (*common.SecretStorageKey, error) {
	return s.store.GetSecretKey(ctx, userID, keyID)
}

// PutSecret stores a client-encrypted secret under a registered key.
// Overwriting an existing name replaces it; secrets carry no versioning.
func (s *Service) PutSecret(ctx context.Context, userID, name, keyID string, ciphertext []byte) error {
	if name == "" {
		return errs.Validation("secret name empty")
	}
	if len(ciphertext) == 0 {
		return errs.Validation("secret %s carries no ciphertext", name)
	}
	if _, err := s.store.GetSecretKey(ctx, userID, keyID); err != nil {
		return err
	}
	return s.store.PutSecret(ctx, &common.StoredSecret{
		UserID:     userID,
		Name:       name,
		KeyID:      keyID,
		Ciphertext: ciphertext,
	})
}

func (s *Service) GetSecret(ctx context.Context, userID, name string) (*common.StoredSecret, error) {
	return s.store.GetSecret(ctx, userID, name)
}

// GetSecrets resolves a batch of names; a missing name maps to nil rather
// than failing the batch.
func (s *Service) GetSecrets(ctx context.Context, userID string, names []string) (map[string]*common.StoredSecret, error) {
	out := make(map[string]*common.StoredSecret, len(names))
	for _, name := range names {
		sec, err := s.store.GetSecret(ctx, userID, name)
		if err != nil {
			if errors.Is(err, errs.ErrNotFound) {
				out[name] = nil
				continue
			}
			return nil, err
		}
		out[name] = sec
	}
	return out, nil
}

func (s *Service) DeleteSecret(ctx context.Context, userID, name string) error {
	return s.store.DeleteSecret(ctx, userID, name)
}
