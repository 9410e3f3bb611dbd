package credential

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KeremKalyoncu/medresolve/internal/store"
	"github.com/KeremKalyoncu/medresolve/internal/testutil"
	"github.com/KeremKalyoncu/medresolve/internal/types"
)

type fixture struct {
	pool  *Pool
	repo  *store.CredentialRepository
	clock *testutil.Clock
}

func newFixture(t *testing.T, probers map[types.Platform]Prober) *fixture {
	repo := store.NewCredentialRepository(testutil.NewTestDB(t))
	clock := testutil.NewClock()
	pool := NewPool(repo, probers, Config{
		Cooldown:        map[types.Platform]time.Duration{types.PlatformInstagram: 60 * time.Minute},
		DefaultCooldown: 30 * time.Minute,
	}, testutil.Logger())
	pool.now = clock.Now
	return &fixture{pool: pool, repo: repo, clock: clock}
}

func (f *fixture) add(t *testing.T, c *types.Credential) {
	require.NoError(t, f.repo.Create(context.Background(), c))
}

func TestAcquireLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.add(t, &types.Credential{ID: "a", Platform: types.PlatformTikTok, Secret: "a"})
	f.add(t, &types.Credential{ID: "b", Platform: types.PlatformTikTok, Secret: "b"})

	first, err := f.pool.Acquire(ctx, types.PlatformTikTok, "")
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	second, err := f.pool.Acquire(ctx, types.PlatformTikTok, "")
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	third, err := f.pool.Acquire(ctx, types.PlatformTikTok, "")
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, first.ID, third.ID)
}

func TestAcquireNoneAvailable(t *testing.T) {
	f := newFixture(t, nil)
	f.add(t, &types.Credential{ID: "off", Platform: types.PlatformWeibo, Secret: "x", Status: types.StatusDisabled})
	f.add(t, &types.Credential{ID: "dead", Platform: types.PlatformWeibo, Secret: "x", Status: types.StatusExpired})

	cred, err := f.pool.Acquire(context.Background(), types.PlatformWeibo, "")
	require.NoError(t, err)
	assert.Nil(t, cred)
}

func TestCooldownBoundaries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.add(t, &types.Credential{ID: "c", Platform: types.PlatformTwitter, Secret: "auth_token=1"})

	cred, err := f.pool.Acquire(ctx, types.PlatformTwitter, "")
	require.NoError(t, err)
	require.NotNil(t, cred)

	require.NoError(t, f.pool.ReportOutcome(ctx, cred, types.OutcomeRateLimited, "HTTP 429"))

	got, err := f.repo.Get(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCooldown, got.Status)
	assert.Equal(t, int64(1), got.ErrorCount)
	require.NotNil(t, got.CooldownUntil)
	assert.Equal(t, f.clock.Now().Add(30*time.Minute).UnixMilli(), got.CooldownUntil.UnixMilli())

	f.clock.Advance(30*time.Minute - time.Second)
	cred, err = f.pool.Acquire(ctx, types.PlatformTwitter, "")
	require.NoError(t, err)
	assert.Nil(t, cred, "still cooling down one second before the deadline")

	f.clock.Advance(2 * time.Second)
	cred, err = f.pool.Acquire(ctx, types.PlatformTwitter, "")
	require.NoError(t, err)
	require.NotNil(t, cred)
	assert.Equal(t, "c", cred.ID)
}

func TestPlatformCooldownOverride(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.add(t, &types.Credential{ID: "ig", Platform: types.PlatformInstagram, Secret: "sessionid=1"})

	cred, err := f.pool.Acquire(ctx, types.PlatformInstagram, "")
	require.NoError(t, err)
	require.NoError(t, f.pool.ReportOutcome(ctx, cred, types.OutcomeRateLimited, "429"))

	got, err := f.repo.Get(ctx, "ig")
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().Add(time.Hour).UnixMilli(), got.CooldownUntil.UnixMilli())
}

func TestConcurrentRateLimitCountedOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.add(t, &types.Credential{ID: "shared", Platform: types.PlatformTikTok, Secret: "s"})
	cred, err := f.pool.Acquire(ctx, types.PlatformTikTok, "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.pool.ReportOutcome(ctx, cred, types.OutcomeRateLimited, "429")
		}()
	}
	wg.Wait()

	got, err := f.repo.Get(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCooldown, got.Status)
	assert.Equal(t, int64(1), got.ErrorCount)
}

func TestHourlyQuota(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.add(t, &types.Credential{ID: "q", Platform: types.PlatformFacebook, Secret: "c_user=1", MaxUsesPerHour: 3})

	start := f.clock.Now()
	for i := 0; i < 3; i++ {
		cred, err := f.pool.Acquire(ctx, types.PlatformFacebook, "")
		require.NoError(t, err)
		require.NotNil(t, cred, "use %d should be allowed", i+1)
		f.clock.Advance(5 * time.Minute)
	}

	cred, err := f.pool.Acquire(ctx, types.PlatformFacebook, "")
	require.NoError(t, err)
	assert.Nil(t, cred, "quota exhausted within the hour")

	// The first use leaves the trailing hour
	f.clock.Advance(start.Add(time.Hour + time.Second).Sub(f.clock.Now()))
	cred, err = f.pool.Acquire(ctx, types.PlatformFacebook, "")
	require.NoError(t, err)
	assert.NotNil(t, cred)
}

func TestDefaultQuotaAppliesToUnlimitedCredentials(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.pool.cfg.DefaultMaxUsesPerHour = 1
	f.add(t, &types.Credential{ID: "d", Platform: types.PlatformWeibo, Secret: "SUB=1"})

	cred, err := f.pool.Acquire(ctx, types.PlatformWeibo, "")
	require.NoError(t, err)
	require.NotNil(t, cred)

	cred, err = f.pool.Acquire(ctx, types.PlatformWeibo, "")
	require.NoError(t, err)
	assert.Nil(t, cred)
}

func TestConcurrentAcquireRespectsQuota(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.add(t, &types.Credential{ID: "q", Platform: types.PlatformTikTok, Secret: "s", MaxUsesPerHour: 2})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cred, err := f.pool.Acquire(ctx, types.PlatformTikTok, "")
			if err == nil && cred != nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 2, granted)
}

func TestTierSeparation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.add(t, &types.Credential{ID: "pub", Platform: types.PlatformInstagram, Secret: "p"})
	f.add(t, &types.Credential{ID: "alice", Platform: types.PlatformInstagram, Tier: types.TierPrivate, OwnerID: "alice", Secret: "a"})

	cred, err := f.pool.Acquire(ctx, types.PlatformInstagram, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", cred.ID)

	cred, err = f.pool.Acquire(ctx, types.PlatformInstagram, "bob")
	require.NoError(t, err)
	assert.Equal(t, "pub", cred.ID)

	for i := 0; i < 3; i++ {
		cred, err = f.pool.Acquire(ctx, types.PlatformInstagram, "")
		require.NoError(t, err)
		assert.Equal(t, "pub", cred.ID, "anonymous requests never see private credentials")
	}
}

func TestOutcomes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.add(t, &types.Credential{ID: "c", Platform: types.PlatformWeibo, Secret: "SUB=1"})
	cred := &types.Credential{ID: "c", Platform: types.PlatformWeibo}

	require.NoError(t, f.pool.ReportOutcome(ctx, cred, types.OutcomeSuccess, ""))
	require.NoError(t, f.pool.ReportOutcome(ctx, cred, types.OutcomeOtherError, "parse failure"))

	got, err := f.repo.Get(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, types.StatusHealthy, got.Status)
	assert.Equal(t, int64(1), got.UseCount)
	assert.Equal(t, int64(1), got.SuccessCount)
	assert.Equal(t, int64(1), got.ErrorCount)
	assert.Equal(t, "parse failure", got.LastError)

	require.NoError(t, f.pool.ReportOutcome(ctx, cred, types.OutcomeExpired, "login wall"))
	got, err = f.repo.Get(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, types.StatusExpired, got.Status)
	assert.Equal(t, int64(2), got.ErrorCount)

	// Expired is terminal until an operator refreshes it
	f.clock.Advance(24 * time.Hour)
	next, err := f.pool.Acquire(ctx, types.PlatformWeibo, "")
	require.NoError(t, err)
	assert.Nil(t, next)
}

type stubProber struct {
	err   error
	calls int
}

func (s *stubProber) Probe(context.Context, *types.Credential) error {
	s.calls++
	return s.err
}

func TestProbeDoesNotMutateCounters(t *testing.T) {
	ctx := context.Background()
	good := &stubProber{}
	bad := &stubProber{err: errors.New("login required")}
	f := newFixture(t, map[types.Platform]Prober{types.PlatformTikTok: good, types.PlatformWeibo: bad})
	f.add(t, &types.Credential{ID: "t", Platform: types.PlatformTikTok, Secret: "sessionid=1"})
	f.add(t, &types.Credential{ID: "w", Platform: types.PlatformWeibo, Secret: "SUB=1"})

	ok, err := f.pool.Test(ctx, "t")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.pool.Test(ctx, "w")
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := f.repo.Get(ctx, "w")
	require.NoError(t, err)
	assert.Equal(t, types.StatusHealthy, got.Status)
	assert.Zero(t, got.ErrorCount)
	assert.Zero(t, got.UseCount)
	assert.Nil(t, got.LastUsedAt)

	_, err = f.pool.Test(ctx, "missing")
	assert.ErrorIs(t, err, ErrUnknownCredential)
}
