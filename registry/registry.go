// Package registry owns per-device identity keys, one-time keys and
// fallback keys, and answers batched key queries across federation.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"roomcrypt/common"
	"roomcrypt/configs"
	"roomcrypt/crypto/key_ed25519"
	"roomcrypt/errs"
	"roomcrypt/federation"
	"roomcrypt/signature"
	"roomcrypt/store"
)

// AlgorithmCurve25519 is the only key-agreement algorithm currently
// registered; the claim surface carries the identifier so variants can be
// added without changing callers.
const AlgorithmCurve25519 = "curve25519"

type Registry struct {
	store     store.Store
	transport federation.Transport
	locks     *store.KeyedMutex
	logger    *logrus.Logger
}

func New(st store.Store, transport federation.Transport, logger *logrus.Logger) *Registry {
	return &Registry{
		store:     st,
		transport: transport,
		locks:     store.NewKeyedMutex(64),
		logger:    logger,
	}
}

// SplitUser separates "name@server" into name and origin server; an empty
// server means the user is local.
func SplitUser(userID string) (name, server string) {
	if i := strings.LastIndex(userID, "@"); i >= 0 {
		return userID[:i], userID[i+1:]
	}
	return userID, ""
}

// GenerateIdentity creates the immutable identity key pairs for a device.
// A device that already has one is a conflict; identities are never
// silently regenerated.
func (r *Registry) GenerateIdentity(ctx context.Context, userID, deviceID string) (*common.DeviceIdentity, error) {
	unlock := r.locks.Lock("device:" + userID + "/" + deviceID)
	defer unlock()

	signing, err := key_ed25519.NewPair()
	if err != nil {
		return nil, errs.Validation("key generation failed: %v", err)
	}
	agreement, err := key_ed25519.NewPair()
	if err != nil {
		return nil, errs.Validation("key generation failed: %v", err)
	}

	id := &common.DeviceIdentity{
		UserID:       userID,
		DeviceID:     deviceID,
		SigningKey:   *signing,
		AgreementKey: *agreement,
		CreatedAt:    time.Now().UTC(),
	}
	if err := r.store.PutDeviceIdentity(ctx, id); err != nil {
		return nil, err
	}

	// Seed the fallback key alongside the identity so claims can always
	// fall back.
	if _, err := r.rotateFallbackLocked(ctx, id, nil); err != nil {
		return nil, err
	}

	r.logger.WithFields(logrus.Fields{"user": userID, "device": deviceID}).Info("device identity generated")
	return id, nil
}

// DeleteDevice destroys the identity and cascades session and key
// deletion.
func (r *Registry) DeleteDevice(ctx context.Context, userID, deviceID string) error {
	unlock := r.locks.Lock("device:" + userID + "/" + deviceID)
	defer unlock()
	return r.store.DeleteDevice(ctx, userID, deviceID)
}

// GenerateOneTimeKeys creates and publishes n signed one-time keys,
// returning the remaining unused counts per algorithm.
func (r *Registry) GenerateOneTimeKeys(ctx context.Context, userID, deviceID string, n int) (map[string]int, error) {
	id, err := r.store.GetDeviceIdentity(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}
	keys := make([]common.OneTimeKey, 0, n)
	for i := 0; i < n; i++ {
		pair, err := key_ed25519.NewPair()
		if err != nil {
			return nil, errs.Validation("key generation failed: %v", err)
		}
		sig, err := signKeyPayload(id, pair.Pub)
		if err != nil {
			return nil, err
		}
		keys = append(keys, common.OneTimeKey{
			KeyID:     uuid.NewString(),
			Algorithm: AlgorithmCurve25519,
			Key:       *pair,
			Signature: sig,
		})
	}
	return r.PublishOneTimeKeys(ctx, userID, deviceID, keys)
}

// PublishOneTimeKeys inserts a batch of unused keys. Duplicate key ids are
// rejected, never overwritten.
func (r *Registry) PublishOneTimeKeys(ctx context.Context, userID, deviceID string, keys []common.OneTimeKey) (map[string]int, error) {
	unlock := r.locks.Lock("otk:" + userID + "/" + deviceID)
	defer unlock()

	if len(keys) == 0 {
		return r.store.CountOneTimeKeys(ctx, userID, deviceID)
	}
	for _, k := range keys {
		if k.KeyID == "" || len(k.Key.Pub) == 0 {
			return nil, errs.Validation("one-time key missing id or public key")
		}
	}
	if err := r.store.AddOneTimeKeys(ctx, userID, deviceID, keys); err != nil {
		return nil, err
	}
	return r.store.CountOneTimeKeys(ctx, userID, deviceID)
}

// ClaimOneTimeKey hands out exactly one unused key, or the fallback key
// when the pool is exhausted. The fallback response is flagged so the
// caller can warn the owning device to rotate and replenish.
func (r *Registry) ClaimOneTimeKey(ctx context.Context, userID, deviceID, algorithm string) (*common.ClaimedKey, error) {
	key, err := r.store.ClaimOneTimeKey(ctx, userID, deviceID, algorithm)
	if err == nil {
		return &common.ClaimedKey{
			KeyID:     key.KeyID,
			Algorithm: key.Algorithm,
			Key:       key.Key.Pub,
			Signature: key.Signature,
		}, nil
	}
	if !errors.Is(err, errs.ErrExhausted) {
		return nil, err
	}

	fb, fbErr := r.store.GetFallbackKey(ctx, userID, deviceID)
	if fbErr != nil {
		// No fallback either; surface the exhaustion.
		return nil, err
	}
	r.logger.WithFields(logrus.Fields{"user": userID, "device": deviceID}).Warn("one-time key pool exhausted, serving fallback key")
	return &common.ClaimedKey{
		KeyID:     fb.KeyID,
		Algorithm: AlgorithmCurve25519,
		Key:       fb.Key.Pub,
		Signature: fb.Signature,
		Fallback:  true,
	}, nil
}

// RotateFallbackKey replaces the fallback key; the previous one stays
// resolvable under its key id until the rotation is observed.
func (r *Registry) RotateFallbackKey(ctx context.Context, userID, deviceID string) (*common.FallbackKey, error) {
	unlock := r.locks.Lock("device:" + userID + "/" + deviceID)
	defer unlock()

	id, err := r.store.GetDeviceIdentity(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}
	prev, err := r.store.GetFallbackKey(ctx, userID, deviceID)
	if err != nil {
		prev = nil
	}
	return r.rotateFallbackLocked(ctx, id, prev)
}

func (r *Registry) rotateFallbackLocked(ctx context.Context, id *common.DeviceIdentity, prev *common.FallbackKey) (*common.FallbackKey, error) {
	pair, err := key_ed25519.NewPair()
	if err != nil {
		return nil, errs.Validation("key generation failed: %v", err)
	}
	sig, err := signKeyPayload(id, pair.Pub)
	if err != nil {
		return nil, err
	}
	fb := &common.FallbackKey{
		KeyID:     uuid.NewString(),
		Key:       *pair,
		Signature: sig,
		CreatedAt: time.Now().UTC(),
	}
	if prev != nil {
		fb.PrevKeyID = prev.KeyID
		fb.PrevKey = &prev.Key
	}
	if err := r.store.PutFallbackKey(ctx, id.UserID, id.DeviceID, fb); err != nil {
		return nil, err
	}
	return fb, nil
}

// GetIdentity returns the full identity, private halves included. Core
// components only; the API surface uses QueryKeys.
func (r *Registry) GetIdentity(ctx context.Context, userID, deviceID string) (*common.DeviceIdentity, error) {
	return r.store.GetDeviceIdentity(ctx, userID, deviceID)
}

// QueryKeys resolves identity bundles for a user→devices map. Remote users
// are delegated to their origin server; a failing server contributes an
// entry in failures instead of failing the whole call.
func (r *Registry) QueryKeys(ctx context.Context, requests map[string][]string) (map[string]map[string]*common.PublicIdentity, common.KeyQueryFailures, error) {
	results := make(map[string]map[string]*common.PublicIdentity)
	failures := make(common.KeyQueryFailures)

	remote := make(map[string]map[string][]string) // server → user → devices
	for userID, devices := range requests {
		_, server := SplitUser(userID)
		if server == "" {
			bundle, err := r.queryLocal(ctx, userID, devices)
			if err != nil {
				return nil, nil, err
			}
			results[userID] = bundle
			continue
		}
		if remote[server] == nil {
			remote[server] = make(map[string][]string)
		}
		remote[server][userID] = devices
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for server, req := range remote {
		wg.Add(1)
		go func(server string, req map[string][]string) {
			defer wg.Done()
			// Peer servers key their responses by bare user name; re-key
			// the bundles under the ids this call asked for.
			byName := make(map[string]string, len(req))
			for userID := range req {
				name, _ := SplitUser(userID)
				byName[name] = userID
			}
			callCtx, cancel := context.WithTimeout(ctx, configs.FederationTimeout)
			defer cancel()
			bundles, err := r.transport.QueryKeys(callCtx, server, req)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				r.logger.WithField("server", server).Warnf("federated key query failed: %v", err)
				failures[server] = err.Error()
				return
			}
			for userID, devices := range bundles {
				if full, ok := byName[userID]; ok {
					userID = full
				}
				results[userID] = devices
			}
		}(server, req)
	}
	wg.Wait()

	return results, failures, nil
}

func (r *Registry) queryLocal(ctx context.Context, userID string, devices []string) (map[string]*common.PublicIdentity, error) {
	if len(devices) == 0 {
		all, err := r.store.ListDeviceIDs(ctx, userID)
		if err != nil {
			return nil, err
		}
		devices = all
	}
	out := make(map[string]*common.PublicIdentity, len(devices))
	for _, deviceID := range devices {
		id, err := r.store.GetDeviceIdentity(ctx, userID, deviceID)
		if errors.Is(err, errs.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		pub := id.Public()
		sig, err := signKeyPayload(id, pub.AgreementKey)
		if err != nil {
			return nil, err
		}
		pub.Signatures = map[string][]byte{id.DeviceID: sig}
		out[deviceID] = pub
	}
	return out, nil
}

// ClaimBatch claims keys for many devices at once, possibly across
// servers. Per-server failures are collected; successes stand.
func (r *Registry) ClaimBatch(ctx context.Context, requests map[string]map[string]string) (map[string]map[string]*common.ClaimedKey, common.KeyQueryFailures, error) {
	claimed := make(map[string]map[string]*common.ClaimedKey)
	failures := make(common.KeyQueryFailures)

	for userID, deviceAlgs := range requests {
		_, server := SplitUser(userID)
		for deviceID, algorithm := range deviceAlgs {
			var (
				key *common.ClaimedKey
				err error
			)
			if server == "" {
				key, err = r.ClaimOneTimeKey(ctx, userID, deviceID, algorithm)
			} else {
				callCtx, cancel := context.WithTimeout(ctx, configs.FederationTimeout)
				key, err = r.transport.ClaimOneTimeKey(callCtx, server, userID, deviceID, algorithm)
				cancel()
			}
			if err != nil {
				if server != "" {
					failures[server] = err.Error()
					continue
				}
				return nil, nil, err
			}
			if claimed[userID] == nil {
				claimed[userID] = make(map[string]*common.ClaimedKey)
			}
			claimed[userID][deviceID] = key
		}
	}
	return claimed, failures, nil
}

// KeyPayload is the canonical byte form a published key is signed over.
// Verifiers rebuild it from the claimed key and the owning device.
func KeyPayload(userID, deviceID string, pub key_ed25519.PublicKey) ([]byte, error) {
	payload, err := json.Marshal(map[string]any{
		"user_id":   userID,
		"device_id": deviceID,
		"key":       pub,
	})
	if err != nil {
		return nil, errs.Validation("key payload not marshalable: %v", err)
	}
	return payload, nil
}

// signKeyPayload self-signs a published key with the device signing key.
func signKeyPayload(id *common.DeviceIdentity, pub key_ed25519.PublicKey) ([]byte, error) {
	payload, err := KeyPayload(id.UserID, id.DeviceID, pub)
	if err != nil {
		return nil, err
	}
	sig, err := signature.Sign(payload, id.DeviceID, id.SigningKey.Priv)
	if err != nil {
		return nil, err
	}
	return sig.Signature, nil
}
