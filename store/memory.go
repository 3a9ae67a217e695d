package store

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"

	"roomcrypt/common"
	"roomcrypt/errs"
)

// Memory is the in-process adapter used by tests and single-node setups.
// One mutex guards everything, so the claim path is naturally a single
// conditional update.
type Memory struct {
	mu sync.Mutex

	devices      map[string]*common.DeviceIdentity   // user/device
	oneTimeKeys  map[string][]*common.OneTimeKey     // user/device
	fallbackKeys map[string]*common.FallbackKey      // user/device
	crossSigning map[string]*common.CrossSigningKeySet
	pairwise     map[string]*common.PairwiseSessionRecord // user/device/session
	groupOut     map[string]*common.GroupOutboundRecord   // room
	groupIn      map[string]*common.GroupInboundRecord    // receiver/room/sender/session
	backupSeq    map[string]int64
	backups      map[string]*common.BackupVersion // user/version
	entries      map[string]*common.BackupEntry   // user/version/room/session
	secretKeys   map[string]*common.SecretStorageKey // user/key
	secrets      map[string]*common.StoredSecret     // user/name
	keyRequests  map[string]*common.KeyRequestRecord // target/request
	toDevice     map[string][]*common.ToDeviceEnvelope
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		devices:      make(map[string]*common.DeviceIdentity),
		oneTimeKeys:  make(map[string][]*common.OneTimeKey),
		fallbackKeys: make(map[string]*common.FallbackKey),
		crossSigning: make(map[string]*common.CrossSigningKeySet),
		pairwise:     make(map[string]*common.PairwiseSessionRecord),
		groupOut:     make(map[string]*common.GroupOutboundRecord),
		groupIn:      make(map[string]*common.GroupInboundRecord),
		backupSeq:    make(map[string]int64),
		backups:      make(map[string]*common.BackupVersion),
		entries:      make(map[string]*common.BackupEntry),
		secretKeys:   make(map[string]*common.SecretStorageKey),
		secrets:      make(map[string]*common.StoredSecret),
		keyRequests:  make(map[string]*common.KeyRequestRecord),
		toDevice:     make(map[string][]*common.ToDeviceEnvelope),
	}
}

func dk(parts ...string) string { return strings.Join(parts, "\x00") }

func (m *Memory) PutDeviceIdentity(_ context.Context, id *common.DeviceIdentity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := dk(id.UserID, id.DeviceID)
	if _, ok := m.devices[key]; ok {
		return errs.Conflict("device %s already has an identity", id.DeviceID)
	}
	cp := *id
	m.devices[key] = &cp
	return nil
}

func (m *Memory) GetDeviceIdentity(_ context.Context, userID, deviceID string) (*common.DeviceIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.devices[dk(userID, deviceID)]
	if !ok {
		return nil, errs.NotFound("no identity for device %s", deviceID)
	}
	cp := *id
	return &cp, nil
}

func (m *Memory) ListDeviceIDs(_ context.Context, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, id := range m.devices {
		if id.UserID == userID {
			out = append(out, id.DeviceID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) SetDeviceDisplayName(_ context.Context, userID, deviceID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.devices[dk(userID, deviceID)]
	if !ok {
		return errs.NotFound("no identity for device %s", deviceID)
	}
	id.DisplayName = name
	return nil
}

func (m *Memory) DeleteDevice(_ context.Context, userID, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := dk(userID, deviceID)
	if _, ok := m.devices[key]; !ok {
		return errs.NotFound("no identity for device %s", deviceID)
	}
	delete(m.devices, key)
	delete(m.oneTimeKeys, key)
	delete(m.fallbackKeys, key)
	for k, rec := range m.pairwise {
		if rec.LocalUser == userID && rec.LocalDevice == deviceID {
			delete(m.pairwise, k)
		}
	}
	return nil
}

func (m *Memory) AddOneTimeKeys(_ context.Context, userID, deviceID string, keys []common.OneTimeKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pool := m.oneTimeKeys[dk(userID, deviceID)]
	existing := make(map[string]bool, len(pool))
	for _, k := range pool {
		existing[k.KeyID] = true
	}
	for _, k := range keys {
		if existing[k.KeyID] {
			return errs.Conflict("one-time key id %s already uploaded", k.KeyID)
		}
		existing[k.KeyID] = true
	}
	for _, k := range keys {
		cp := k
		pool = append(pool, &cp)
	}
	m.oneTimeKeys[dk(userID, deviceID)] = pool
	return nil
}

func (m *Memory) ClaimOneTimeKey(_ context.Context, userID, deviceID, algorithm string) (*common.OneTimeKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.oneTimeKeys[dk(userID, deviceID)] {
		if !k.Used && (algorithm == "" || k.Algorithm == algorithm) {
			k.Used = true
			cp := *k
			return &cp, nil
		}
	}
	return nil, errs.Exhausted("no unused one-time keys for device %s", deviceID)
}

func (m *Memory) TakeOneTimeKey(_ context.Context, userID, deviceID, keyID string) (*common.OneTimeKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.oneTimeKeys[dk(userID, deviceID)] {
		if k.KeyID == keyID {
			if k.Consumed {
				return nil, errs.Conflict("one-time key %s already consumed", keyID)
			}
			k.Used = true
			k.Consumed = true
			cp := *k
			return &cp, nil
		}
	}
	return nil, errs.NotFound("one-time key %s unknown", keyID)
}

func (m *Memory) CountOneTimeKeys(_ context.Context, userID, deviceID string) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[string]int)
	for _, k := range m.oneTimeKeys[dk(userID, deviceID)] {
		if !k.Used {
			counts[k.Algorithm]++
		}
	}
	return counts, nil
}

func (m *Memory) PutFallbackKey(_ context.Context, userID, deviceID string, key *common.FallbackKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *key
	m.fallbackKeys[dk(userID, deviceID)] = &cp
	return nil
}

func (m *Memory) GetFallbackKey(_ context.Context, userID, deviceID string) (*common.FallbackKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.fallbackKeys[dk(userID, deviceID)]
	if !ok {
		return nil, errs.NotFound("no fallback key for device %s", deviceID)
	}
	cp := *k
	return &cp, nil
}

func (m *Memory) PutCrossSigning(_ context.Context, set *common.CrossSigningKeySet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *set
	m.crossSigning[set.UserID] = &cp
	return nil
}

func (m *Memory) GetCrossSigning(_ context.Context, userID string) (*common.CrossSigningKeySet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.crossSigning[userID]
	if !ok {
		return nil, errs.NotFound("no cross-signing keys for user %s", userID)
	}
	cp := *set
	return &cp, nil
}

func (m *Memory) PutPairwiseSession(_ context.Context, rec *common.PairwiseSessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.pairwise[dk(rec.LocalUser, rec.LocalDevice, rec.SessionID)] = &cp
	return nil
}

func (m *Memory) GetPairwiseSession(_ context.Context, localUser, localDevice, sessionID string) (*common.PairwiseSessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.pairwise[dk(localUser, localDevice, sessionID)]
	if !ok {
		return nil, errs.NotFound("no session %s", sessionID)
	}
	cp := *rec
	return &cp, nil
}

func (m *Memory) ListPairwiseSessions(_ context.Context, localUser, localDevice string) ([]*common.PairwiseSessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*common.PairwiseSessionRecord
	for _, rec := range m.pairwise {
		if rec.LocalUser == localUser && rec.LocalDevice == localDevice {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) PutGroupOutbound(_ context.Context, rec *common.GroupOutboundRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.groupOut[rec.RoomID] = &cp
	return nil
}

func (m *Memory) GetGroupOutbound(_ context.Context, roomID string) (*common.GroupOutboundRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.groupOut[roomID]
	if !ok {
		return nil, errs.NotFound("no outbound group session for room %s", roomID)
	}
	cp := *rec
	return &cp, nil
}

func (m *Memory) DeleteGroupOutbound(_ context.Context, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.groupOut, roomID)
	return nil
}

func (m *Memory) PutGroupInbound(_ context.Context, rec *common.GroupInboundRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.groupIn[dk(rec.Receiver, rec.RoomID, rec.SenderDevice, rec.SessionID)] = &cp
	return nil
}

func (m *Memory) GetGroupInbound(_ context.Context, receiver, roomID, senderDevice, sessionID string) (*common.GroupInboundRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.groupIn[dk(receiver, roomID, senderDevice, sessionID)]
	if !ok {
		return nil, errs.NotFound("no inbound group session %s", sessionID)
	}
	cp := *rec
	return &cp, nil
}

func (m *Memory) NextBackupVersion(_ context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backupSeq[userID]++
	return m.backupSeq[userID], nil
}

func (m *Memory) PutBackupVersion(_ context.Context, v *common.BackupVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *v
	m.backups[dk(v.UserID, versionKey(v.Version))] = &cp
	return nil
}

func (m *Memory) GetBackupVersion(_ context.Context, userID string, version int64) (*common.BackupVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.backups[dk(userID, versionKey(version))]
	if !ok {
		return nil, errs.NotFound("backup version %d unknown", version)
	}
	cp := *v
	return &cp, nil
}

func (m *Memory) LatestBackupVersion(_ context.Context, userID string) (*common.BackupVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *common.BackupVersion
	for _, v := range m.backups {
		if v.UserID == userID && (latest == nil || v.Version > latest.Version) {
			latest = v
		}
	}
	if latest == nil {
		return nil, errs.NotFound("no backup for user %s", userID)
	}
	cp := *latest
	return &cp, nil
}

func (m *Memory) DeleteBackupVersion(_ context.Context, userID string, version int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := dk(userID, versionKey(version))
	if _, ok := m.backups[key]; !ok {
		return errs.NotFound("backup version %d unknown", version)
	}
	delete(m.backups, key)
	for k, e := range m.entries {
		if e.Version == version && strings.HasPrefix(k, userID+"\x00") {
			delete(m.entries, k)
		}
	}
	return nil
}

func (m *Memory) PutBackupEntry(_ context.Context, userID string, e *common.BackupEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.entries[dk(userID, versionKey(e.Version), e.RoomID, e.SessionID)] = &cp
	return nil
}

func (m *Memory) GetBackupEntry(_ context.Context, userID string, version int64, roomID, sessionID string) (*common.BackupEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[dk(userID, versionKey(version), roomID, sessionID)]
	if !ok {
		return nil, errs.NotFound("no backup entry for session %s", sessionID)
	}
	cp := *e
	return &cp, nil
}

func (m *Memory) ListBackupEntries(_ context.Context, userID string, version int64) ([]*common.BackupEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := dk(userID, versionKey(version)) + "\x00"
	var keys []string
	for k := range m.entries {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]*common.BackupEntry, 0, len(keys))
	for _, k := range keys {
		cp := *m.entries[k]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) PutSecretKey(_ context.Context, key *common.SecretStorageKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := dk(key.UserID, key.KeyID)
	if _, ok := m.secretKeys[k]; ok {
		return errs.Conflict("secret storage key %s already registered", key.KeyID)
	}
	cp := *key
	m.secretKeys[k] = &cp
	return nil
}

func (m *Memory) GetSecretKey(_ context.Context, userID, keyID string) (*common.SecretStorageKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.secretKeys[dk(userID, keyID)]
	if !ok {
		return nil, errs.NotFound("no secret storage key %s", keyID)
	}
	cp := *key
	return &cp, nil
}

func (m *Memory) PutSecret(_ context.Context, s *common.StoredSecret) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.secrets[dk(s.UserID, s.Name)] = &cp
	return nil
}

func (m *Memory) GetSecret(_ context.Context, userID, name string) (*common.StoredSecret, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.secrets[dk(userID, name)]
	if !ok {
		return nil, errs.NotFound("no secret named %s", name)
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) DeleteSecret(_ context.Context, userID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := dk(userID, name)
	if _, ok := m.secrets[key]; !ok {
		return errs.NotFound("no secret named %s", name)
	}
	delete(m.secrets, key)
	return nil
}

func (m *Memory) PutKeyRequest(_ context.Context, rec *common.KeyRequestRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.keyRequests[dk(rec.Target, rec.RequestID)] = &cp
	return nil
}

func (m *Memory) DeleteKeyRequest(_ context.Context, target, requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := dk(target, requestID)
	if _, ok := m.keyRequests[key]; !ok {
		return errs.NotFound("no key request %s", requestID)
	}
	delete(m.keyRequests, key)
	return nil
}

func (m *Memory) ListKeyRequests(_ context.Context, target string) ([]*common.KeyRequestRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*common.KeyRequestRecord
	for _, rec := range m.keyRequests {
		if rec.Target == target {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) QueueToDevice(_ context.Context, env *common.ToDeviceEnvelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *env
	key := dk(env.DestUser, env.DestDevice)
	m.toDevice[key] = append(m.toDevice[key], &cp)
	return nil
}

func (m *Memory) DrainToDevice(_ context.Context, userID, deviceID string) ([]*common.ToDeviceEnvelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := dk(userID, deviceID)
	out := m.toDevice[key]
	delete(m.toDevice, key)
	return out, nil
}

func versionKey(v int64) string {
	return strconv.FormatInt(v, 10)
}
