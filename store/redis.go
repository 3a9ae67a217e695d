package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"roomcrypt/common"
	"roomcrypt/configs"
	"roomcrypt/errs"
)

// Redis persists every record as a JSON blob under a format-string key.
// Blobs are written with a single SET, so each cryptographic state unit is
// replaced atomically. One-time key claiming relies on SPOP/SREM being
// atomic: exactly one claimant removes any given id from the unused set.
type Redis struct {
	client *redis.Client
}

var _ Store = (*Redis)(nil)

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// addOneTimeKeysScript rejects the whole batch when any key id already
// exists, otherwise inserts all blobs and registers the ids as unused.
var addOneTimeKeysScript = redis.NewScript(`
local pool = KEYS[1]
for i = 1, #ARGV, 3 do
    if redis.call('HEXISTS', pool, ARGV[i]) == 1 then
        return ARGV[i]
    end
end
for i = 1, #ARGV, 3 do
    redis.call('HSET', pool, ARGV[i], ARGV[i+2])
    redis.call('SADD', pool .. ':unused:' .. ARGV[i+1], ARGV[i])
    redis.call('SADD', pool .. ':algs', ARGV[i+1])
end
return ''
`)

func (r *Redis) poolKey(userID, deviceID string) string {
	return fmt.Sprintf(configs.OneTimeKeyPoolKey, userID, deviceID)
}

func (r *Redis) PutDeviceIdentity(ctx context.Context, id *common.DeviceIdentity) error {
	data, err := json.Marshal(id)
	if err != nil {
		return errs.Persistence(err)
	}
	key := fmt.Sprintf(configs.DeviceIdentityKey, id.UserID, id.DeviceID)
	ok, err := r.client.SetNX(ctx, key, data, 0).Result()
	if err != nil {
		return errs.Persistence(err)
	}
	if !ok {
		return errs.Conflict("device %s already has an identity", id.DeviceID)
	}
	if err := r.client.SAdd(ctx, fmt.Sprintf(configs.DeviceListKey, id.UserID), id.DeviceID).Err(); err != nil {
		return errs.Persistence(err)
	}
	return nil
}

func (r *Redis) GetDeviceIdentity(ctx context.Context, userID, deviceID string) (*common.DeviceIdentity, error) {
	var id common.DeviceIdentity
	if err := r.getJSON(ctx, fmt.Sprintf(configs.DeviceIdentityKey, userID, deviceID), &id, "no identity for device "+deviceID); err != nil {
		return nil, err
	}
	return &id, nil
}

func (r *Redis) ListDeviceIDs(ctx context.Context, userID string) ([]string, error) {
	ids, err := r.client.SMembers(ctx, fmt.Sprintf(configs.DeviceListKey, userID)).Result()
	if err != nil {
		return nil, errs.Persistence(err)
	}
	return ids, nil
}

func (r *Redis) SetDeviceDisplayName(ctx context.Context, userID, deviceID, name string) error {
	id, err := r.GetDeviceIdentity(ctx, userID, deviceID)
	if err != nil {
		return err
	}
	id.DisplayName = name
	data, err := json.Marshal(id)
	if err != nil {
		return errs.Persistence(err)
	}
	if err := r.client.Set(ctx, fmt.Sprintf(configs.DeviceIdentityKey, userID, deviceID), data, 0).Err(); err != nil {
		return errs.Persistence(err)
	}
	return nil
}

func (r *Redis) DeleteDevice(ctx context.Context, userID, deviceID string) error {
	key := fmt.Sprintf(configs.DeviceIdentityKey, userID, deviceID)
	n, err := r.client.Del(ctx, key).Result()
	if err != nil {
		return errs.Persistence(err)
	}
	if n == 0 {
		return errs.NotFound("no identity for device %s", deviceID)
	}

	pool := r.poolKey(userID, deviceID)
	algs, _ := r.client.SMembers(ctx, pool+":algs").Result()
	del := []string{pool, pool + ":algs", fmt.Sprintf(configs.FallbackKeyKey, userID, deviceID)}
	for _, alg := range algs {
		del = append(del, pool+":unused:"+alg)
	}
	sessions, _ := r.client.SMembers(ctx, r.sessionIndexKey(userID, deviceID)).Result()
	for _, sid := range sessions {
		del = append(del, fmt.Sprintf(configs.PairwiseSessionKey, userID, deviceID, sid))
	}
	del = append(del, r.sessionIndexKey(userID, deviceID))
	if err := r.client.Del(ctx, del...).Err(); err != nil {
		return errs.Persistence(err)
	}
	if err := r.client.SRem(ctx, fmt.Sprintf(configs.DeviceListKey, userID), deviceID).Err(); err != nil {
		return errs.Persistence(err)
	}
	return nil
}

func (r *Redis) AddOneTimeKeys(ctx context.Context, userID, deviceID string, keys []common.OneTimeKey) error {
	args := make([]any, 0, len(keys)*3)
	for _, k := range keys {
		blob, err := json.Marshal(k)
		if err != nil {
			return errs.Persistence(err)
		}
		args = append(args, k.KeyID, k.Algorithm, string(blob))
	}
	dup, err := addOneTimeKeysScript.Run(ctx, r.client, []string{r.poolKey(userID, deviceID)}, args...).Text()
	if err != nil {
		return errs.Persistence(err)
	}
	if dup != "" {
		return errs.Conflict("one-time key id %s already uploaded", dup)
	}
	return nil
}

func (r *Redis) ClaimOneTimeKey(ctx context.Context, userID, deviceID, algorithm string) (*common.OneTimeKey, error) {
	pool := r.poolKey(userID, deviceID)
	algorithms := []string{algorithm}
	if algorithm == "" {
		var err error
		algorithms, err = r.client.SMembers(ctx, pool+":algs").Result()
		if err != nil {
			return nil, errs.Persistence(err)
		}
	}
	for _, alg := range algorithms {
		// SPOP is the single conditional update: only one of N concurrent
		// claimants receives any given id.
		id, err := r.client.SPop(ctx, pool+":unused:"+alg).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, errs.Persistence(err)
		}
		return r.markUsed(ctx, pool, id)
	}
	return nil, errs.Exhausted("no unused one-time keys for device %s", deviceID)
}

// takeOneTimeKeyScript consumes the private half exactly once. A key that
// was claimed (left the unused set) but not yet consumed is still takeable;
// a second take is a conflict.
var takeOneTimeKeyScript = redis.NewScript(`
local pool = KEYS[1]
local blob = redis.call('HGET', pool, ARGV[1])
if not blob then
    return ''
end
local k = cjson.decode(blob)
if k.consumed then
    return 'consumed'
end
k.used = true
k.consumed = true
local out = cjson.encode(k)
redis.call('HSET', pool, ARGV[1], out)
redis.call('SREM', pool .. ':unused:' .. k.algorithm, ARGV[1])
return out
`)

func (r *Redis) TakeOneTimeKey(ctx context.Context, userID, deviceID, keyID string) (*common.OneTimeKey, error) {
	res, err := takeOneTimeKeyScript.Run(ctx, r.client, []string{r.poolKey(userID, deviceID)}, keyID).Text()
	if err != nil {
		return nil, errs.Persistence(err)
	}
	switch res {
	case "":
		return nil, errs.NotFound("one-time key %s unknown", keyID)
	case "consumed":
		return nil, errs.Conflict("one-time key %s already consumed", keyID)
	}
	var k common.OneTimeKey
	if err := json.Unmarshal([]byte(res), &k); err != nil {
		return nil, errs.Persistence(err)
	}
	return &k, nil
}

func (r *Redis) markUsed(ctx context.Context, pool, keyID string) (*common.OneTimeKey, error) {
	blob, err := r.client.HGet(ctx, pool, keyID).Result()
	if err != nil {
		return nil, errs.Persistence(err)
	}
	var k common.OneTimeKey
	if err := json.Unmarshal([]byte(blob), &k); err != nil {
		return nil, errs.Persistence(err)
	}
	k.Used = true
	data, err := json.Marshal(&k)
	if err != nil {
		return nil, errs.Persistence(err)
	}
	if err := r.client.HSet(ctx, pool, keyID, data).Err(); err != nil {
		return nil, errs.Persistence(err)
	}
	return &k, nil
}

func (r *Redis) CountOneTimeKeys(ctx context.Context, userID, deviceID string) (map[string]int, error) {
	pool := r.poolKey(userID, deviceID)
	algs, err := r.client.SMembers(ctx, pool+":algs").Result()
	if err != nil {
		return nil, errs.Persistence(err)
	}
	counts := make(map[string]int, len(algs))
	for _, alg := range algs {
		n, err := r.client.SCard(ctx, pool+":unused:"+alg).Result()
		if err != nil {
			return nil, errs.Persistence(err)
		}
		if n > 0 {
			counts[alg] = int(n)
		}
	}
	return counts, nil
}

func (r *Redis) PutFallbackKey(ctx context.Context, userID, deviceID string, key *common.FallbackKey) error {
	return r.putJSON(ctx, fmt.Sprintf(configs.FallbackKeyKey, userID, deviceID), key)
}

func (r *Redis) GetFallbackKey(ctx context.Context, userID, deviceID string) (*common.FallbackKey, error) {
	var k common.FallbackKey
	if err := r.getJSON(ctx, fmt.Sprintf(configs.FallbackKeyKey, userID, deviceID), &k, "no fallback key for device "+deviceID); err != nil {
		return nil, err
	}
	return &k, nil
}

func (r *Redis) PutCrossSigning(ctx context.Context, set *common.CrossSigningKeySet) error {
	return r.putJSON(ctx, fmt.Sprintf(configs.CrossSigningKey, set.UserID), set)
}

func (r *Redis) GetCrossSigning(ctx context.Context, userID string) (*common.CrossSigningKeySet, error) {
	var set common.CrossSigningKeySet
	if err := r.getJSON(ctx, fmt.Sprintf(configs.CrossSigningKey, userID), &set, "no cross-signing keys for user "+userID); err != nil {
		return nil, err
	}
	return &set, nil
}

func (r *Redis) sessionIndexKey(userID, deviceID string) string {
	return fmt.Sprintf(configs.PairwiseSessionKey, userID, deviceID, "_index")
}

func (r *Redis) PutPairwiseSession(ctx context.Context, rec *common.PairwiseSessionRecord) error {
	if err := r.putJSON(ctx, fmt.Sprintf(configs.PairwiseSessionKey, rec.LocalUser, rec.LocalDevice, rec.SessionID), rec); err != nil {
		return err
	}
	if err := r.client.SAdd(ctx, r.sessionIndexKey(rec.LocalUser, rec.LocalDevice), rec.SessionID).Err(); err != nil {
		return errs.Persistence(err)
	}
	return nil
}

func (r *Redis) GetPairwiseSession(ctx context.Context, localUser, localDevice, sessionID string) (*common.PairwiseSessionRecord, error) {
	var rec common.PairwiseSessionRecord
	if err := r.getJSON(ctx, fmt.Sprintf(configs.PairwiseSessionKey, localUser, localDevice, sessionID), &rec, "no session "+sessionID); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *Redis) ListPairwiseSessions(ctx context.Context, localUser, localDevice string) ([]*common.PairwiseSessionRecord, error) {
	ids, err := r.client.SMembers(ctx, r.sessionIndexKey(localUser, localDevice)).Result()
	if err != nil {
		return nil, errs.Persistence(err)
	}
	out := make([]*common.PairwiseSessionRecord, 0, len(ids))
	for _, sid := range ids {
		rec, err := r.GetPairwiseSession(ctx, localUser, localDevice, sid)
		if errors.Is(err, errs.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *Redis) PutGroupOutbound(ctx context.Context, rec *common.GroupOutboundRecord) error {
	return r.putJSON(ctx, fmt.Sprintf(configs.GroupOutboundKey, rec.RoomID, "current"), rec)
}

func (r *Redis) GetGroupOutbound(ctx context.Context, roomID string) (*common.GroupOutboundRecord, error) {
	var rec common.GroupOutboundRecord
	if err := r.getJSON(ctx, fmt.Sprintf(configs.GroupOutboundKey, roomID, "current"), &rec, "no outbound group session for room "+roomID); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *Redis) DeleteGroupOutbound(ctx context.Context, roomID string) error {
	if err := r.client.Del(ctx, fmt.Sprintf(configs.GroupOutboundKey, roomID, "current")).Err(); err != nil {
		return errs.Persistence(err)
	}
	return nil
}

func (r *Redis) PutGroupInbound(ctx context.Context, rec *common.GroupInboundRecord) error {
	return r.putJSON(ctx, fmt.Sprintf(configs.GroupInboundKey, rec.Receiver, rec.RoomID, rec.SenderDevice, rec.SessionID), rec)
}

func (r *Redis) GetGroupInbound(ctx context.Context, receiver, roomID, senderDevice, sessionID string) (*common.GroupInboundRecord, error) {
	var rec common.GroupInboundRecord
	if err := r.getJSON(ctx, fmt.Sprintf(configs.GroupInboundKey, receiver, roomID, senderDevice, sessionID), &rec, "no inbound group session "+sessionID); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *Redis) NextBackupVersion(ctx context.Context, userID string) (int64, error) {
	v, err := r.client.Incr(ctx, "backup:seq:"+userID).Result()
	if err != nil {
		return 0, errs.Persistence(err)
	}
	return v, nil
}

func (r *Redis) PutBackupVersion(ctx context.Context, v *common.BackupVersion) error {
	if err := r.putJSON(ctx, fmt.Sprintf(configs.BackupVersionKey, v.UserID, v.Version), v); err != nil {
		return err
	}
	if err := r.client.ZAdd(ctx, fmt.Sprintf(configs.BackupLatestKey, v.UserID), redis.Z{
		Score:  float64(v.Version),
		Member: strconv.FormatInt(v.Version, 10),
	}).Err(); err != nil {
		return errs.Persistence(err)
	}
	return nil
}

func (r *Redis) GetBackupVersion(ctx context.Context, userID string, version int64) (*common.BackupVersion, error) {
	var v common.BackupVersion
	if err := r.getJSON(ctx, fmt.Sprintf(configs.BackupVersionKey, userID, version), &v, fmt.Sprintf("backup version %d unknown", version)); err != nil {
		return nil, err
	}
	return &v, nil
}

func (r *Redis) LatestBackupVersion(ctx context.Context, userID string) (*common.BackupVersion, error) {
	members, err := r.client.ZRevRange(ctx, fmt.Sprintf(configs.BackupLatestKey, userID), 0, 0).Result()
	if err != nil {
		return nil, errs.Persistence(err)
	}
	if len(members) == 0 {
		return nil, errs.NotFound("no backup for user %s", userID)
	}
	version, err := strconv.ParseInt(members[0], 10, 64)
	if err != nil {
		return nil, errs.Persistence(err)
	}
	return r.GetBackupVersion(ctx, userID, version)
}

func (r *Redis) DeleteBackupVersion(ctx context.Context, userID string, version int64) error {
	n, err := r.client.Del(ctx, fmt.Sprintf(configs.BackupVersionKey, userID, version)).Result()
	if err != nil {
		return errs.Persistence(err)
	}
	if n == 0 {
		return errs.NotFound("backup version %d unknown", version)
	}
	if err := r.client.ZRem(ctx, fmt.Sprintf(configs.BackupLatestKey, userID), strconv.FormatInt(version, 10)).Err(); err != nil {
		return errs.Persistence(err)
	}
	if err := r.client.Del(ctx, fmt.Sprintf(configs.BackupEntrySetKey, userID, version)).Err(); err != nil {
		return errs.Persistence(err)
	}
	return nil
}

func (r *Redis) PutBackupEntry(ctx context.Context, userID string, e *common.BackupEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return errs.Persistence(err)
	}
	field := e.RoomID + "\x00" + e.SessionID
	if err := r.client.HSet(ctx, fmt.Sprintf(configs.BackupEntrySetKey, userID, e.Version), field, data).Err(); err != nil {
		return errs.Persistence(err)
	}
	return nil
}

func (r *Redis) GetBackupEntry(ctx context.Context, userID string, version int64, roomID, sessionID string) (*common.BackupEntry, error) {
	blob, err := r.client.HGet(ctx, fmt.Sprintf(configs.BackupEntrySetKey, userID, version), roomID+"\x00"+sessionID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, errs.NotFound("no backup entry for session %s", sessionID)
	}
	if err != nil {
		return nil, errs.Persistence(err)
	}
	var e common.BackupEntry
	if err := json.Unmarshal([]byte(blob), &e); err != nil {
		return nil, errs.Persistence(err)
	}
	return &e, nil
}

func (r *Redis) ListBackupEntries(ctx context.Context, userID string, version int64) ([]*common.BackupEntry, error) {
	fields, err := r.client.HGetAll(ctx, fmt.Sprintf(configs.BackupEntrySetKey, userID, version)).Result()
	if err != nil {
		return nil, errs.Persistence(err)
	}
	out := make([]*common.BackupEntry, 0, len(fields))
	for _, blob := range fields {
		var e common.BackupEntry
		if err := json.Unmarshal([]byte(blob), &e); err != nil {
			return nil, errs.Persistence(err)
		}
		out = append(out, &e)
	}
	return out, nil
}

func (r *Redis) PutSecretKey(ctx context.Context, key *common.SecretStorageKey) error {
	data, err := json.Marshal(key)
	if err != nil {
		return errs.Persistence(err)
	}
	ok, err := r.client.HSetNX(ctx, fmt.Sprintf(configs.SecretKeySetKey, key.UserID), key.KeyID, data).Result()
	if err != nil {
		return errs.Persistence(err)
	}
	if !ok {
		return errs.Conflict("secret storage key %s already registered", key.KeyID)
	}
	return nil
}

func (r *Redis) GetSecretKey(ctx context.Context, userID, keyID string) (*common.SecretStorageKey, error) {
	blob, err := r.client.HGet(ctx, fmt.Sprintf(configs.SecretKeySetKey, userID), keyID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, errs.NotFound("no secret storage key %s", keyID)
	}
	if err != nil {
		return nil, errs.Persistence(err)
	}
	var key common.SecretStorageKey
	if err := json.Unmarshal([]byte(blob), &key); err != nil {
		return nil, errs.Persistence(err)
	}
	return &key, nil
}

func (r *Redis) PutSecret(ctx context.Context, s *common.StoredSecret) error {
	data, err := json.Marshal(s)
	if err != nil {
		return errs.Persistence(err)
	}
	if err := r.client.HSet(ctx, fmt.Sprintf(configs.SecretItemSetKey, s.UserID), s.Name, data).Err(); err != nil {
		return errs.Persistence(err)
	}
	return nil
}

func (r *Redis) GetSecret(ctx context.Context, userID, name string) (*common.StoredSecret, error) {
	blob, err := r.client.HGet(ctx, fmt.Sprintf(configs.SecretItemSetKey, userID), name).Result()
	if errors.Is(err, redis.Nil) {
		return nil, errs.NotFound("no secret named %s", name)
	}
	if err != nil {
		return nil, errs.Persistence(err)
	}
	var s common.StoredSecret
	if err := json.Unmarshal([]byte(blob), &s); err != nil {
		return nil, errs.Persistence(err)
	}
	return &s, nil
}

func (r *Redis) DeleteSecret(ctx context.Context, userID, name string) error {
	n, err := r.client.HDel(ctx, fmt.Sprintf(configs.SecretItemSetKey, userID), name).Result()
	if err != nil {
		return errs.Persistence(err)
	}
	if n == 0 {
		return errs.NotFound("no secret named %s", name)
	}
	return nil
}

func (r *Redis) PutKeyRequest(ctx context.Context, rec *common.KeyRequestRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errs.Persistence(err)
	}
	if err := r.client.HSet(ctx, fmt.Sprintf(configs.KeyRequestSetKey, rec.Target), rec.RequestID, data).Err(); err != nil {
		return errs.Persistence(err)
	}
	return nil
}

func (r *Redis) DeleteKeyRequest(ctx context.Context, target, requestID string) error {
	n, err := r.client.HDel(ctx, fmt.Sprintf(configs.KeyRequestSetKey, target), requestID).Result()
	if err != nil {
		return errs.Persistence(err)
	}
	if n == 0 {
		return errs.NotFound("no key request %s", requestID)
	}
	return nil
}

func (r *Redis) ListKeyRequests(ctx context.Context, target string) ([]*common.KeyRequestRecord, error) {
	fields, err := r.client.HGetAll(ctx, fmt.Sprintf(configs.KeyRequestSetKey, target)).Result()
	if err != nil {
		return nil, errs.Persistence(err)
	}
	out := make([]*common.KeyRequestRecord, 0, len(fields))
	for _, blob := range fields {
		var rec common.KeyRequestRecord
		if err := json.Unmarshal([]byte(blob), &rec); err != nil {
			return nil, errs.Persistence(err)
		}
		out = append(out, &rec)
	}
	return out, nil
}

func (r *Redis) QueueToDevice(ctx context.Context, env *common.ToDeviceEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return errs.Persistence(err)
	}
	key := fmt.Sprintf(configs.ToDeviceQueueKey, env.DestUser, env.DestDevice)
	if err := r.client.RPush(ctx, key, data).Err(); err != nil {
		return errs.Persistence(err)
	}
	return nil
}

func (r *Redis) DrainToDevice(ctx context.Context, userID, deviceID string) ([]*common.ToDeviceEnvelope, error) {
	key := fmt.Sprintf(configs.ToDeviceQueueKey, userID, deviceID)
	var cmd *redis.StringSliceCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		cmd = pipe.LRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, errs.Persistence(err)
	}
	raw := cmd.Val()
	out := make([]*common.ToDeviceEnvelope, 0, len(raw))
	for _, blob := range raw {
		var env common.ToDeviceEnvelope
		if err := json.Unmarshal([]byte(blob), &env); err != nil {
			return nil, errs.Persistence(err)
		}
		out = append(out, &env)
	}
	return out, nil
}

func (r *Redis) putJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errs.Persistence(err)
	}
	if err := r.client.Set(ctx, key, data, 0).Err(); err != nil {
		return errs.Persistence(err)
	}
	return nil
}

func (r *Redis) getJSON(ctx context.Context, key string, v any, notFoundMsg string) error {
	blob, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return errs.NotFound("%s", notFoundMsg)
	}
	if err != nil {
		return errs.Persistence(err)
	}
	if err := json.Unmarshal([]byte(blob), v); err != nil {
		return errs.Persistence(err)
	}
	return nil
}
