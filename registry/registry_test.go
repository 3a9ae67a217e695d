package registry

import (
	"context"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"roomcrypt/common"
	"roomcrypt/errs"
	"roomcrypt/federation"
	"roomcrypt/signature"
	"roomcrypt/store"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return New(store.NewMemory(), federation.NewLoopback(), logger)
}

func TestGenerateIdentityConflict(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	id, err := reg.GenerateIdentity(ctx, "alice", "D1")
	require.NoError(t, err)
	require.NotEmpty(t, id.SigningKey.Pub)
	require.NotEmpty(t, id.AgreementKey.Pub)

	_, err = reg.GenerateIdentity(ctx, "alice", "D1")
	require.ErrorIs(t, err, errs.ErrConflict)
}

func TestOneTimeKeyCounts(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.GenerateIdentity(ctx, "alice", "D1")
	require.NoError(t, err)

	counts, err := reg.GenerateOneTimeKeys(ctx, "alice", "D1", 5)
	require.NoError(t, err)
	require.Equal(t, 5, counts[AlgorithmCurve25519])

	_, err = reg.ClaimOneTimeKey(ctx, "alice", "D1", AlgorithmCurve25519)
	require.NoError(t, err)
	counts, err = reg.PublishOneTimeKeys(ctx, "alice", "D1", nil)
	require.NoError(t, err)
	require.Equal(t, 4, counts[AlgorithmCurve25519])
}

func TestDuplicateKeyIDRejectsBatch(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	id, err := reg.GenerateIdentity(ctx, "alice", "D1")
	require.NoError(t, err)

	keys := []common.OneTimeKey{
		{KeyID: "k1", Algorithm: AlgorithmCurve25519, Key: id.AgreementKey},
		{KeyID: "k1", Algorithm: AlgorithmCurve25519, Key: id.AgreementKey},
	}
	_, err = reg.PublishOneTimeKeys(ctx, "alice", "D1", keys)
	require.ErrorIs(t, err, errs.ErrConflict)

	counts, err := reg.PublishOneTimeKeys(ctx, "alice", "D1", nil)
	require.NoError(t, err)
	require.Zero(t, counts[AlgorithmCurve25519])
}

func TestConcurrentClaimsWinDistinctKeys(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.GenerateIdentity(ctx, "alice", "D1")
	require.NoError(t, err)
	_, err = reg.GenerateOneTimeKeys(ctx, "alice", "D1", 8)
	require.NoError(t, err)

	var (
		mu        sync.Mutex
		got       = make(map[string]int)
		fallbacks int
		claimErrs []error
		wg        sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key, err := reg.ClaimOneTimeKey(ctx, "alice", "D1", AlgorithmCurve25519)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				claimErrs = append(claimErrs, err)
				return
			}
			if key.Fallback {
				fallbacks++
				return
			}
			got[key.KeyID]++
		}()
	}
	wg.Wait()

	require.Empty(t, claimErrs)
	require.Zero(t, fallbacks)
	require.Len(t, got, 8)
	for id, n := range got {
		require.Equal(t, 1, n, "key %s claimed more than once", id)
	}
}

func TestClaimFallsBackWhenExhausted(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.GenerateIdentity(ctx, "alice", "D1")
	require.NoError(t, err)

	// No one-time keys uploaded at all.
	key, err := reg.ClaimOneTimeKey(ctx, "alice", "D1", AlgorithmCurve25519)
	require.NoError(t, err)
	require.True(t, key.Fallback)

	// The fallback is served repeatedly, never consumed.
	again, err := reg.ClaimOneTimeKey(ctx, "alice", "D1", AlgorithmCurve25519)
	require.NoError(t, err)
	require.Equal(t, key.KeyID, again.KeyID)
}

func TestRotateFallbackKeepsPrevious(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.GenerateIdentity(ctx, "alice", "D1")
	require.NoError(t, err)

	first, err := reg.ClaimOneTimeKey(ctx, "alice", "D1", AlgorithmCurve25519)
	require.NoError(t, err)

	rotated, err := reg.RotateFallbackKey(ctx, "alice", "D1")
	require.NoError(t, err)
	require.NotEqual(t, first.KeyID, rotated.KeyID)
	require.Equal(t, first.KeyID, rotated.PrevKeyID)
	require.NotNil(t, rotated.PrevKey)
}

func TestQueryKeysSignaturesVerify(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	id, err := reg.GenerateIdentity(ctx, "alice", "D1")
	require.NoError(t, err)

	bundles, failures, err := reg.QueryKeys(ctx, map[string][]string{"alice": nil})
	require.NoError(t, err)
	require.Empty(t, failures)

	pub := bundles["alice"]["D1"]
	require.NotNil(t, pub)
	payload, err := KeyPayload("alice", "D1", pub.AgreementKey)
	require.NoError(t, err)
	require.NoError(t, signature.Verify(payload, pub.Signatures["D1"], id.SigningKey.Pub))
}

func TestFederatedQueryCollectsFailures(t *testing.T) {
	loop := federation.NewLoopback()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	local := New(store.NewMemory(), loop, logger)
	remoteReg := New(store.NewMemory(), loop, logger)
	ctx := context.Background()

	_, err := remoteReg.GenerateIdentity(ctx, "bob", "D9")
	require.NoError(t, err)
	// The serving side answers under bare user names, the way the real
	// federation endpoint does after stripping origin suffixes.
	loop.Register("remote.example", federation.Handlers{
		QueryKeys: func(ctx context.Context, req map[string][]string) (map[string]map[string]*common.PublicIdentity, error) {
			out := make(map[string]map[string]*common.PublicIdentity)
			for userID, devices := range req {
				name, _ := SplitUser(userID)
				bundles, _, err := remoteReg.QueryKeys(ctx, map[string][]string{name: devices})
				if err != nil {
					return nil, err
				}
				out[name] = bundles[name]
			}
			return out, nil
		},
	})

	bundles, failures, err := local.QueryKeys(ctx, map[string][]string{
		"bob@remote.example": {"D9"},
		"carol@down.example": {"D1"},
	})
	require.NoError(t, err)

	// Results come back under the id the caller asked for, not the bare
	// name the remote answered with.
	require.NotNil(t, bundles["bob@remote.example"]["D9"])
	require.NotContains(t, bundles, "bob")
	require.Contains(t, failures, "down.example")
}
