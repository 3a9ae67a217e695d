// Package crosssigning maintains the master/self-signing/user-signing key
// hierarchy. The master key is the trust root: pinned on first observation
// (TOFU) and replaced only with an explicit caller confirmation. Device
// trust is the two-hop chain master → self-signing → device.
package crosssigning

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"roomcrypt/common"
	"roomcrypt/crypto/key_ed25519"
	"roomcrypt/errs"
	"roomcrypt/protocol/fingerprint"
	"roomcrypt/signature"
	"roomcrypt/store"
)

// Usage tags distinguish the signed payloads of the three key roles. The
// master key's self-signature is an explicit tagged root, not a recursive
// chain, so verification terminates by construction.
const (
	usageMaster      = "master"
	usageSelfSigning = "self_signing"
	usageUserSigning = "user_signing"
)

type Authority struct {
	store  store.Store
	locks  *store.KeyedMutex
	logger *logrus.Logger
}

func New(st store.Store, logger *logrus.Logger) *Authority {
	return &Authority{
		store:  st,
		locks:  store.NewKeyedMutex(32),
		logger: logger,
	}
}

// NewKeySet generates a full hierarchy for a user, with the subordinate
// keys signed by the master key.
func NewKeySet(userID string) (*common.CrossSigningKeySet, error) {
	master, err := key_ed25519.NewPair()
	if err != nil {
		return nil, errs.Validation("key generation failed: %v", err)
	}
	selfSigning, err := key_ed25519.NewPair()
	if err != nil {
		return nil, errs.Validation("key generation failed: %v", err)
	}
	userSigning, err := key_ed25519.NewPair()
	if err != nil {
		return nil, errs.Validation("key generation failed: %v", err)
	}

	set := &common.CrossSigningKeySet{
		UserID:       userID,
		Master:       *master,
		SelfSigning:  *selfSigning,
		UserSigning:  *userSigning,
		SelfAsserted: true,
	}
	if set.SelfSigningSig, err = signKey(master.Priv, userID, usageSelfSigning, selfSigning.Pub); err != nil {
		return nil, err
	}
	if set.UserSigningSig, err = signKey(master.Priv, userID, usageUserSigning, userSigning.Pub); err != nil {
		return nil, err
	}
	return set, nil
}

// Upload validates and pins a key set. The self-signing and user-signing
// keys must carry signatures verifiable against the provided master key.
// Replacing a previously pinned master requires confirmReplace; the
// decision is the caller's capability, never taken here.
func (a *Authority) Upload(ctx context.Context, set *common.CrossSigningKeySet, confirmReplace bool) error {
	unlock := a.locks.Lock("xsign:" + set.UserID)
	defer unlock()

	if err := verifyKey(set.Master.Pub, set.UserID, usageSelfSigning, set.SelfSigning.Pub, set.SelfSigningSig); err != nil {
		return errs.Validation("self-signing key not signed by master")
	}
	if err := verifyKey(set.Master.Pub, set.UserID, usageUserSigning, set.UserSigning.Pub, set.UserSigningSig); err != nil {
		return errs.Validation("user-signing key not signed by master")
	}

	existing, err := a.store.GetCrossSigning(ctx, set.UserID)
	switch {
	case err == nil:
		if !existing.Master.Pub.Equals(set.Master.Pub) && !confirmReplace {
			return errs.Conflict("master key already pinned for user %s", set.UserID)
		}
	case errors.Is(err, errs.ErrNotFound):
		// First observation: pin.
	default:
		return err
	}

	set.SelfAsserted = true
	set.PinnedAt = time.Now().UTC()
	if err := a.store.PutCrossSigning(ctx, set); err != nil {
		return err
	}
	a.logger.WithField("user", set.UserID).Info("cross-signing keys pinned")
	return nil
}

// SignDevice signs a device's public identity with the user's self-signing
// key.
func (a *Authority) SignDevice(ctx context.Context, userID string, device *common.PublicIdentity) ([]byte, error) {
	set, err := a.store.GetCrossSigning(ctx, userID)
	if err != nil {
		return nil, err
	}
	payload, err := devicePayload(device)
	if err != nil {
		return nil, err
	}
	sig, err := signature.Sign(payload, usageSelfSigning, set.SelfSigning.Priv)
	if err != nil {
		return nil, err
	}
	return sig.Signature, nil
}

// VerifyDevice walks the two-hop chain: device signed by self-signing,
// self-signing signed by master. A broken link means untrusted, not a hard
// error; only store failures surface as errors.
func (a *Authority) VerifyDevice(ctx context.Context, userID string, device *common.PublicIdentity, deviceSig []byte) (bool, error) {
	set, err := a.store.GetCrossSigning(ctx, userID)
	if errors.Is(err, errs.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if err := verifyKey(set.Master.Pub, userID, usageSelfSigning, set.SelfSigning.Pub, set.SelfSigningSig); err != nil {
		return false, nil
	}
	payload, err := devicePayload(device)
	if err != nil {
		return false, err
	}
	if err := signature.Verify(payload, deviceSig, set.SelfSigning.Pub); err != nil {
		return false, nil
	}
	return true, nil
}

// SignUser signs another user's master key with our user-signing key.
func (a *Authority) SignUser(ctx context.Context, signerUserID, targetUserID string) ([]byte, error) {
	signer, err := a.store.GetCrossSigning(ctx, signerUserID)
	if err != nil {
		return nil, err
	}
	target, err := a.store.GetCrossSigning(ctx, targetUserID)
	if err != nil {
		return nil, err
	}
	return signKey(signer.UserSigning.Priv, targetUserID, usageMaster, target.Master.Pub)
}

// VerifyUser checks that sig is signerUser's user-signing statement over
// targetUser's pinned master key.
func (a *Authority) VerifyUser(ctx context.Context, signerUserID, targetUserID string, sig []byte) (bool, error) {
	signer, err := a.store.GetCrossSigning(ctx, signerUserID)
	if errors.Is(err, errs.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	target, err := a.store.GetCrossSigning(ctx, targetUserID)
	if errors.Is(err, errs.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := verifyKey(signer.UserSigning.Pub, targetUserID, usageMaster, target.Master.Pub, sig); err != nil {
		return false, nil
	}
	return true, nil
}

// MarkVerified clears the TOFU flag after an external verification (for
// example a fingerprint comparison).
func (a *Authority) MarkVerified(ctx context.Context, userID string) error {
	unlock := a.locks.Lock("xsign:" + userID)
	defer unlock()
	set, err := a.store.GetCrossSigning(ctx, userID)
	if err != nil {
		return err
	}
	set.SelfAsserted = false
	return a.store.PutCrossSigning(ctx, set)
}

// MasterFingerprint renders the pinned master key as comparison digits.
func (a *Authority) MasterFingerprint(ctx context.Context, userID string) (*[30]int, error) {
	set, err := a.store.GetCrossSigning(ctx, userID)
	if err != nil {
		return nil, err
	}
	return fingerprint.Fingerprint(set.Master.Pub, []byte(userID))
}

func keyPayload(userID, usage string, pub key_ed25519.PublicKey) ([]byte, error) {
	payload, err := json.Marshal(map[string]any{
		"user_id": userID,
		"usage":   []string{usage},
		"key":     pub,
	})
	if err != nil {
		return nil, errs.Validation("key payload not marshalable: %v", err)
	}
	return payload, nil
}

func devicePayload(device *common.PublicIdentity) ([]byte, error) {
	payload, err := json.Marshal(device)
	if err != nil {
		return nil, errs.Validation("device payload not marshalable: %v", err)
	}
	return payload, nil
}

func signKey(priv key_ed25519.PrivateKey, userID, usage string, pub key_ed25519.PublicKey) ([]byte, error) {
	payload, err := keyPayload(userID, usage, pub)
	if err != nil {
		return nil, err
	}
	sig, err := signature.Sign(payload, usage, priv)
	if err != nil {
		return nil, err
	}
	return sig.Signature, nil
}

func verifyKey(masterOrSigner key_ed25519.PublicKey, userID, usage string, pub key_ed25519.PublicKey, sig []byte) error {
	payload, err := keyPayload(userID, usage, pub)
	if err != nil {
		return err
	}
	return signature.Verify(payload, sig, masterOrSigner)
}
