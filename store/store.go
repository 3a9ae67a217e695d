// Package store defines the persistence collaborator injected into every
// core component, plus the redis and in-memory adapters. Cryptographic
// state blobs are persisted as atomically-replaced opaque units.
package store

import (
	"context"

	"roomcrypt/common"
)

// Store is the persistence collaborator. Adapters report domain conditions
// with errs kinds (ErrNotFound, ErrConflict, ErrExhausted) and wrap
// everything else in ErrPersistence.
type Store interface {
	// Device identities

	// PutDeviceIdentity creates an identity; a second create for the same
	// device is a conflict.
	PutDeviceIdentity(ctx context.Context, id *common.DeviceIdentity) error
	GetDeviceIdentity(ctx context.Context, userID, deviceID string) (*common.DeviceIdentity, error)
	ListDeviceIDs(ctx context.Context, userID string) ([]string, error)
	// SetDeviceDisplayName is the only mutable identity field.
	SetDeviceDisplayName(ctx context.Context, userID, deviceID, name string) error
	// DeleteDevice removes the identity and cascades one-time keys,
	// fallback key and pairwise sessions.
	DeleteDevice(ctx context.Context, userID, deviceID string) error

	// One-time keys

	// AddOneTimeKeys inserts unused keys; a duplicate key id is a conflict
	// and rejects the whole batch.
	AddOneTimeKeys(ctx context.Context, userID, deviceID string, keys []common.OneTimeKey) error
	// ClaimOneTimeKey atomically selects and marks exactly one unused key
	// as used. Exactly one of N concurrent claimants wins any given key.
	// Returns ErrExhausted when no unused key remains.
	ClaimOneTimeKey(ctx context.Context, userID, deviceID, algorithm string) (*common.OneTimeKey, error)
	// TakeOneTimeKey marks the identified key used and returns it (with the
	// private half) for inbound session establishment. A key already used
	// is a conflict.
	TakeOneTimeKey(ctx context.Context, userID, deviceID, keyID string) (*common.OneTimeKey, error)
	CountOneTimeKeys(ctx context.Context, userID, deviceID string) (map[string]int, error)

	PutFallbackKey(ctx context.Context, userID, deviceID string, key *common.FallbackKey) error
	GetFallbackKey(ctx context.Context, userID, deviceID string) (*common.FallbackKey, error)

	// Cross-signing

	PutCrossSigning(ctx context.Context, set *common.CrossSigningKeySet) error
	GetCrossSigning(ctx context.Context, userID string) (*common.CrossSigningKeySet, error)

	// Pairwise sessions

	PutPairwiseSession(ctx context.Context, rec *common.PairwiseSessionRecord) error
	GetPairwiseSession(ctx context.Context, localUser, localDevice, sessionID string) (*common.PairwiseSessionRecord, error)
	ListPairwiseSessions(ctx context.Context, localUser, localDevice string) ([]*common.PairwiseSessionRecord, error)

	// Group sessions

	PutGroupOutbound(ctx context.Context, rec *common.GroupOutboundRecord) error
	GetGroupOutbound(ctx context.Context, roomID string) (*common.GroupOutboundRecord, error)
	// DeleteGroupOutbound purges chain material outright.
	DeleteGroupOutbound(ctx context.Context, roomID string) error

	PutGroupInbound(ctx context.Context, rec *common.GroupInboundRecord) error
	GetGroupInbound(ctx context.Context, receiver, roomID, senderDevice, sessionID string) (*common.GroupInboundRecord, error)

	// Key backup

	// NextBackupVersion allocates a monotonically increasing version.
	NextBackupVersion(ctx context.Context, userID string) (int64, error)
	PutBackupVersion(ctx context.Context, v *common.BackupVersion) error
	GetBackupVersion(ctx context.Context, userID string, version int64) (*common.BackupVersion, error)
	LatestBackupVersion(ctx context.Context, userID string) (*common.BackupVersion, error)
	// DeleteBackupVersion revokes the version and all its entries.
	DeleteBackupVersion(ctx context.Context, userID string, version int64) error

	PutBackupEntry(ctx context.Context, userID string, e *common.BackupEntry) error
	GetBackupEntry(ctx context.Context, userID string, version int64, roomID, sessionID string) (*common.BackupEntry, error)
	ListBackupEntries(ctx context.Context, userID string, version int64) ([]*common.BackupEntry, error)

	// Secret storage

	// PutSecretKey registers secret-storage key metadata; re-registering
	// a key id is a conflict.
	PutSecretKey(ctx context.Context, key *common.SecretStorageKey) error
	GetSecretKey(ctx context.Context, userID, keyID string) (*common.SecretStorageKey, error)

	PutSecret(ctx context.Context, s *common.StoredSecret) error
	GetSecret(ctx context.Context, userID, name string) (*common.StoredSecret, error)
	DeleteSecret(ctx context.Context, userID, name string) error

	// Room-key requests parked on the holding device

	PutKeyRequest(ctx context.Context, rec *common.KeyRequestRecord) error
	DeleteKeyRequest(ctx context.Context, target, requestID string) error
	ListKeyRequests(ctx context.Context, target string) ([]*common.KeyRequestRecord, error)

	// To-device queues

	QueueToDevice(ctx context.Context, env *common.ToDeviceEnvelope) error
	DrainToDevice(ctx context.Context, userID, deviceID string) ([]*common.ToDeviceEnvelope, error)
}
