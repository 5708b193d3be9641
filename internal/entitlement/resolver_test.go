package entitlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePlatform struct {
	ent   *PlatformEntitlement
	err   error
	calls int
}

func (f *fakePlatform) CurrentEntitlement() (*PlatformEntitlement, error) {
	f.calls++
	return f.ent, f.err
}

type fakeBackend struct {
	status *BackendStatus
	err    error
	delay  time.Duration

	mu    sync.Mutex
	calls int
}

func (f *fakeBackend) Status(ctx context.Context, accessToken string) (*BackendStatus, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.status, nil
}

func (f *fakeBackend) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeLegacy struct {
	row   *BackendStatus
	err   error
	calls int
}

func (f *fakeLegacy) Fetch(ctx context.Context, accessToken string) (*BackendStatus, error) {
	f.calls++
	return f.row, f.err
}

type recordingObserver struct {
	mu       sync.Mutex
	sources  []Source
	statuses []SubscriptionStatus
	fallback []bool
}

func (o *recordingObserver) ResolutionCompleted(source Source, status SubscriptionStatus, fallback bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sources = append(o.sources, source)
	o.statuses = append(o.statuses, status)
	o.fallback = append(o.fallback, fallback)
}

func newTestResolver(env Environment, platform PlatformReader, backend BackendClient, legacy LegacySource, store FactsStore, obs ...Observer) *Resolver {
	return NewResolver(ResolverConfig{
		Environment: env,
		Platform:    platform,
		Backend:     backend,
		Legacy:      legacy,
		Store:       store,
		Observers:   obs,
	})
}

func futureEnd() *time.Time {
	t := time.Now().Add(20 * 24 * time.Hour)
	return &t
}

func TestResolve_UserAbsent(t *testing.T) {
	backend := &fakeBackend{}
	r := newTestResolver(EnvProduction, &fakePlatform{}, backend, nil, &memStore{})

	status := r.Resolve(context.Background(), false, "token")

	assert.False(t, status.Active)
	assert.Zero(t, backend.callCount(), "no I/O without a user")
}

func TestResolve_SandboxPlatformActive(t *testing.T) {
	end := futureEnd()
	platform := &fakePlatform{ent: &PlatformEntitlement{Active: true, WillRenew: true, ExpiresAt: end}}
	paid := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	backend := &fakeBackend{status: &BackendStatus{Active: true, LastPaymentAt: &paid, AutoRenew: true, CurrentPeriodEnd: end}}
	store := &memStore{}
	obs := &recordingObserver{}
	r := newTestResolver(EnvLocal, platform, backend, nil, store, obs)

	status := r.Resolve(context.Background(), true, "token")

	assert.True(t, status.Active)
	assert.Equal(t, *end, *status.PeriodEnd)
	require.NotNil(t, status.LastPayment)
	assert.Equal(t, paid, *status.LastPayment)
	assert.Equal(t, []Source{SourcePlatform}, obs.sources)
	assert.Equal(t, []bool{false}, obs.fallback)
	assert.Equal(t, 1, store.saves)
}

func TestResolve_SandboxPlatformActiveBackendDown(t *testing.T) {
	end := futureEnd()
	platform := &fakePlatform{ent: &PlatformEntitlement{Active: true, WillRenew: true, ExpiresAt: end}}
	backend := &fakeBackend{err: errors.New("connection refused")}
	r := newTestResolver(EnvPreprod, platform, backend, nil, &memStore{})

	status := r.Resolve(context.Background(), true, "token")

	assert.True(t, status.Active, "backend failure must not block a positive platform verdict")
	assert.Nil(t, status.LastPayment)
}

func TestResolve_SandboxPlatformInactiveBackendActive(t *testing.T) {
	end := futureEnd()
	platform := &fakePlatform{ent: nil}
	backend := &fakeBackend{status: &BackendStatus{Active: true, CurrentPeriodEnd: end, AutoRenew: true}}
	obs := &recordingObserver{}
	r := newTestResolver(EnvLocal, platform, backend, nil, &memStore{}, obs)

	status := r.Resolve(context.Background(), true, "token")

	assert.True(t, status.Active)
	assert.Equal(t, []Source{SourceBackend}, obs.sources)
}

func TestResolve_ProductionBackendActiveAuthoritative(t *testing.T) {
	end := futureEnd()
	// Platform disagrees but an active backend verdict always wins.
	platform := &fakePlatform{ent: &PlatformEntitlement{Active: false}}
	backend := &fakeBackend{status: &BackendStatus{Active: true, CurrentPeriodEnd: end, AutoRenew: true}}
	obs := &recordingObserver{}
	r := newTestResolver(EnvProduction, platform, backend, nil, &memStore{}, obs)

	status := r.Resolve(context.Background(), true, "token")

	assert.True(t, status.Active)
	assert.Equal(t, []Source{SourceBackend}, obs.sources)
	assert.Zero(t, platform.calls, "active backend verdict needs no platform check")
}

func TestResolve_ProductionPlatformOverridesInactiveBackend(t *testing.T) {
	end := futureEnd()
	paid := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	platform := &fakePlatform{ent: &PlatformEntitlement{Active: true, WillRenew: true, ExpiresAt: end}}
	backend := &fakeBackend{status: &BackendStatus{Active: false, Status: "expired", LastPaymentAt: &paid}}
	obs := &recordingObserver{}
	r := newTestResolver(EnvProduction, platform, backend, nil, &memStore{}, obs)

	status := r.Resolve(context.Background(), true, "token")

	assert.True(t, status.Active, "fresh platform renewal overrides stale backend row")
	assert.Equal(t, []Source{SourcePlatform}, obs.sources)
	assert.Equal(t, []bool{true}, obs.fallback)
}

func TestResolve_ProductionBothInactive(t *testing.T) {
	platform := &fakePlatform{ent: &PlatformEntitlement{Active: false}}
	backend := &fakeBackend{status: &BackendStatus{Active: false, Status: "expired"}}
	obs := &recordingObserver{}
	r := newTestResolver(EnvProduction, platform, backend, nil, &memStore{}, obs)

	status := r.Resolve(context.Background(), true, "token")

	assert.False(t, status.Active)
	assert.Equal(t, []Source{SourceBackend}, obs.sources)
	assert.Equal(t, []bool{false}, obs.fallback)
}

func TestResolve_ProductionBackendDownPlatformActive(t *testing.T) {
	end := futureEnd()
	platform := &fakePlatform{ent: &PlatformEntitlement{Active: true, WillRenew: true, ExpiresAt: end}}
	backend := &fakeBackend{err: errors.New("timeout")}
	obs := &recordingObserver{}
	r := newTestResolver(EnvProduction, platform, backend, nil, &memStore{}, obs)

	status := r.Resolve(context.Background(), true, "token")

	assert.True(t, status.Active)
	assert.Equal(t, []Source{SourcePlatform}, obs.sources)
	assert.Equal(t, []bool{true}, obs.fallback)
}

func TestResolve_ProductionBackendDownLegacyRow(t *testing.T) {
	end := futureEnd()
	platform := &fakePlatform{ent: nil}
	backend := &fakeBackend{err: errors.New("connection refused")}
	legacy := &fakeLegacy{row: &BackendStatus{Active: true, CurrentPeriodEnd: end, AutoRenew: true}}
	obs := &recordingObserver{}
	r := newTestResolver(EnvProduction, platform, backend, legacy, &memStore{}, obs)

	status := r.Resolve(context.Background(), true, "token")

	assert.True(t, status.Active)
	assert.Equal(t, []Source{SourceLegacy}, obs.sources)
	assert.Equal(t, 1, legacy.calls)
}

func TestResolve_AllSourcesDownFallsBackToCache(t *testing.T) {
	end := futureEnd()
	platform := &fakePlatform{err: errors.New("ledger unreadable")}
	backend := &fakeBackend{err: errors.New("connection refused")}
	legacy := &fakeLegacy{err: errors.New("connection refused")}
	store := &memStore{facts: CachedFacts{PeriodEnd: end, AutoRenew: true}}
	obs := &recordingObserver{}
	r := newTestResolver(EnvProduction, platform, backend, legacy, store, obs)

	status := r.Resolve(context.Background(), true, "token")

	assert.True(t, status.Active, "cached unexpired facts keep access during an outage")
	assert.Equal(t, []Source{SourceCache}, obs.sources)
	assert.Equal(t, []bool{true}, obs.fallback)
}

func TestResolve_AllSourcesDownAppliesBoundedExtension(t *testing.T) {
	expired := time.Now().Add(-2 * time.Hour)
	platform := &fakePlatform{}
	backend := &fakeBackend{err: errors.New("connection refused")}
	store := &memStore{facts: CachedFacts{PeriodEnd: &expired, AutoRenew: true}}
	r := newTestResolver(EnvProduction, platform, backend, nil, store)

	status := r.Resolve(context.Background(), true, "token")

	assert.True(t, status.Active)
	require.NotNil(t, status.PeriodEnd)
	assert.Equal(t, expired.AddDate(0, 1, 0), *status.PeriodEnd)
}

func TestResolve_NoTokenSkipsNetworkSources(t *testing.T) {
	backend := &fakeBackend{status: &BackendStatus{Active: true}}
	legacy := &fakeLegacy{}
	r := newTestResolver(EnvProduction, &fakePlatform{}, backend, legacy, &memStore{})

	status := r.Resolve(context.Background(), true, "")

	assert.False(t, status.Active)
	assert.Zero(t, backend.callCount())
	assert.Zero(t, legacy.calls)
}

func TestResolve_ConcurrentCallsCoalesce(t *testing.T) {
	end := futureEnd()
	backend := &fakeBackend{
		status: &BackendStatus{Active: true, CurrentPeriodEnd: end, AutoRenew: true},
		delay:  50 * time.Millisecond,
	}
	store := &memStore{}
	r := newTestResolver(EnvProduction, &fakePlatform{}, backend, nil, store)

	const callers = 8
	var wg sync.WaitGroup
	results := make([]SubscriptionStatus, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.Resolve(context.Background(), true, "token")
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, backend.callCount(), "concurrent callers must share one resolution")
	for _, got := range results {
		assert.True(t, got.Active)
	}
	assert.Equal(t, 1, store.saves)
}

func TestPersist_DiscardsStaleSequence(t *testing.T) {
	store := &memStore{}
	r := newTestResolver(EnvProduction, &fakePlatform{}, &fakeBackend{}, nil, store)

	newEnd := futureEnd()
	r.persist(5, SubscriptionStatus{Active: true, PeriodEnd: newEnd, AutoRenew: true})
	r.persist(3, SubscriptionStatus{Active: false})

	assert.Equal(t, 1, store.saves)
	require.NotNil(t, store.facts.PeriodEnd)
	assert.Equal(t, *newEnd, *store.facts.PeriodEnd)
}
