package configs

import (
	"os"
	"time"

	"github.com/joho/godotenv"
)

var (
	HKDFInfo = []byte("roomcrypt")

	ServerAddress = "localhost:8080"
	RedisAddress  = "localhost:6379"

	KeysPath     = "/keys"
	RoomKeysPath = "/room_keys"
	SyncPath     = "/sync"

	// Redis keys

	DeviceIdentityKey  = "device:identity:%s:%s"
	DeviceListKey      = "device:list:%s"
	OneTimeKeyPoolKey  = "device:otk:%s:%s"
	FallbackKeyKey     = "device:fallback:%s:%s"
	CrossSigningKey    = "xsign:%s"
	PairwiseSessionKey = "session:pairwise:%s:%s:%s"
	GroupOutboundKey   = "session:group:out:%s:%s"
	GroupInboundKey    = "session:group:in:%s:%s:%s:%s"
	BackupVersionKey   = "backup:version:%s:%d"
	BackupLatestKey    = "backup:latest:%s"
	BackupEntryKey     = "backup:entry:%s:%d:%s:%s"
	BackupEntrySetKey  = "backup:entries:%s:%d"
	SecretKeySetKey    = "secret:keys:%s"
	SecretItemSetKey   = "secret:items:%s"
	KeyRequestSetKey   = "keyreq:%s"
	ToDeviceQueueKey   = "todevice:%s:%s"
)

var (
	// MaxSkippedMessageKeys bounds the pairwise skip window; messages whose
	// counter falls further behind are treated as replayed.
	MaxSkippedMessageKeys uint32 = 2000

	// GroupRotationMessages and GroupRotationPeriod trigger outbound group
	// session rotation; membership shrink always does.
	GroupRotationMessages uint32 = 100
	GroupRotationPeriod          = 7 * 24 * time.Hour

	// GroupSessionTTL expires an outbound session outright; chain material
	// is purged at that point.
	GroupSessionTTL = 14 * 24 * time.Hour

	// ShareFanoutWorkers caps concurrent pairwise deliveries per Share call.
	ShareFanoutWorkers = 8

	FederationTimeout = 10 * time.Second
)

// Argon2id parameters for the backup passphrase KDF.
var (
	BackupKDFTime    uint32 = 1
	BackupKDFMemory  uint32 = 64 * 1024
	BackupKDFThreads uint8  = 4
)

// Load reads overrides from the environment, preferring a local .env file
// when present.
func Load() {
	_ = godotenv.Load()

	if v := os.Getenv("ROOMCRYPT_SERVER_ADDR"); v != "" {
		ServerAddress = v
	}
	if v := os.Getenv("ROOMCRYPT_REDIS_ADDR"); v != "" {
		RedisAddress = v
	}
	if v := os.Getenv("ROOMCRYPT_FEDERATION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			FederationTimeout = d
		}
	}
	if v := os.Getenv("ROOMCRYPT_GROUP_ROTATION_PERIOD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			GroupRotationPeriod = d
		}
	}
}
