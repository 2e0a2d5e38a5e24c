package scraper

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Seany5691/smart-cost-calculator-hosted-sub012/config"
	"github.com/Seany5691/smart-cost-calculator-hosted-sub012/models"
	"github.com/Seany5691/smart-cost-calculator-hosted-sub012/services"
	"github.com/Seany5691/smart-cost-calculator-hosted-sub012/storage"
)

// fakeClient satisfies Client without a browser. Behaviour is scripted per
// test through the fetch and lookup hooks; calls are recorded for asserts.
type fakeClient struct {
	mu      sync.Mutex
	fetch   func(industry, town string) ([]models.Business, error)
	lookup  func(phone string) (*models.LookupResult, error)
	fetches []string
	lookups []string
	closes  int
}

func (f *fakeClient) FetchBusinesses(_ context.Context, industry, town string) ([]models.Business, error) {
	f.mu.Lock()
	f.fetches = append(f.fetches, industry+"/"+town)
	fn := f.fetch
	f.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(industry, town)
}

func (f *fakeClient) LookupProvider(_ context.Context, phone string) (*models.LookupResult, error) {
	f.mu.Lock()
	f.lookups = append(f.lookups, phone)
	fn := f.lookup
	f.mu.Unlock()
	if fn == nil {
		return &models.LookupResult{PhoneNumber: phone, Provider: "Vodacom", Confidence: 100}, nil
	}
	return fn(phone)
}

func (f *fakeClient) Close() {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
}

func (f *fakeClient) fetchCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fetches...)
}

func (f *fakeClient) lookupCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lookups...)
}

func (f *fakeClient) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

func sessionGrid() models.SessionConfig {
	return models.SessionConfig{
		Towns:      []string{"Worcester", "Paarl", "Ceres"},
		Industries: []string{"plumbers", "electricians"},
	}
}

// scraperTestConfig keeps pauses near zero so batch tests run fast.
func scraperTestConfig() *config.ScraperConfig {
	return &config.ScraperConfig{
		MinBatchSize:      3,
		MaxBatchSize:      5,
		LookupDelay:       time.Millisecond,
		BatchDelayMin:     time.Millisecond,
		BatchDelayMax:     2 * time.Millisecond,
		HeartbeatInterval: 50 * time.Millisecond,
	}
}

func testPhones(n int) []string {
	phones := make([]string, n)
	for i := range phones {
		phones[i] = fmt.Sprintf("08212345%02d", i)
	}
	return phones
}

type lookupFixture struct {
	st      storage.Store
	cache   *services.CacheService
	retry   *services.RetryService
	metrics *services.MetricsService
	sessID  uuid.UUID
}

func newLookupFixture(t *testing.T) *lookupFixture {
	t.Helper()
	st, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "lookup.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck

	metrics := services.NewMetricsService(st)
	fx := &lookupFixture{
		st:      st,
		cache:   services.NewCacheService(st),
		retry:   services.NewRetryService(st, metrics),
		metrics: metrics,
	}
	sess := &models.ScrapeSession{
		ID:      uuid.New(),
		OwnerID: "user-1",
		Name:    "lookup test",
		Config:  sessionGrid(),
		Status:  models.SessionStatusRunning,
	}
	require.NoError(t, st.CreateSession(context.Background(), sess))
	fx.sessID = sess.ID
	return fx
}

func (fx *lookupFixture) coordinator(fake *fakeClient) *LookupCoordinator {
	return NewLookupCoordinator(func() Client { return fake }, fx.cache, fx.retry, fx.metrics, scraperTestConfig())
}

// --- Cache partition ---

func TestLookup_CacheFirstPartition(t *testing.T) {
	fx := newLookupFixture(t)
	fake := &fakeClient{}
	coord := fx.coordinator(fake)
	ctx := context.Background()

	require.NoError(t, fx.cache.Put(ctx, "0821234500", "MTN", 100))

	results, stats, err := coord.Resolve(ctx, fx.sessID, testPhones(3), NewBatchSizer(3, 5))
	require.NoError(t, err)

	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.CacheHits)
	assert.Equal(t, 2, stats.Resolved)
	assert.Equal(t, "MTN", results["0821234500"])
	assert.Equal(t, "Vodacom", results["0821234501"])
	assert.Len(t, fake.lookupCalls(), 2)
}

func TestLookup_AllCachedSkipsBrowser(t *testing.T) {
	fx := newLookupFixture(t)
	fake := &fakeClient{}
	coord := fx.coordinator(fake)
	ctx := context.Background()

	phones := testPhones(3)
	for _, p := range phones {
		require.NoError(t, fx.cache.Put(ctx, p, "Telkom", 100))
	}

	results, stats, err := coord.Resolve(ctx, fx.sessID, phones, NewBatchSizer(3, 5))
	require.NoError(t, err)

	assert.Equal(t, 3, stats.CacheHits)
	assert.Len(t, results, 3)
	assert.Zero(t, fake.closeCount(), "no browser should be opened")
	assert.Empty(t, fake.lookupCalls())
}

func TestLookup_SuccessCachesResult(t *testing.T) {
	fx := newLookupFixture(t)
	fake := &fakeClient{}
	coord := fx.coordinator(fake)
	ctx := context.Background()

	_, _, err := coord.Resolve(ctx, fx.sessID, []string{"0821234500"}, NewBatchSizer(3, 5))
	require.NoError(t, err)

	entry, err := fx.cache.Get(ctx, "0821234500")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "Vodacom", entry.Provider)
}

// --- Batch sizing ---

func TestLookup_BatchesFollowSizer(t *testing.T) {
	fx := newLookupFixture(t)
	fake := &fakeClient{}
	coord := fx.coordinator(fake)

	results, stats, err := coord.Resolve(context.Background(), fx.sessID, testPhones(12), NewBatchSizer(3, 5))
	require.NoError(t, err)

	assert.Equal(t, 12, stats.Resolved)
	assert.Len(t, results, 12)
	assert.Len(t, fake.lookupCalls(), 12)
	// 12 misses at batch size 5 means three browsers: 5 + 5 + 2.
	assert.Equal(t, 3, fake.closeCount())
}

func TestLookup_SuccessStreakGrowsBatch(t *testing.T) {
	fx := newLookupFixture(t)
	fake := &fakeClient{}
	coord := fx.coordinator(fake)

	sizer := NewBatchSizerFromState(3, 5, models.BatchState{Size: 3})
	_, stats, err := coord.Resolve(context.Background(), fx.sessID, testPhones(12), sizer)
	require.NoError(t, err)

	assert.Equal(t, 12, stats.Resolved)
	// Three clean batches of 3 earn a bump to 4 for the remainder.
	assert.Equal(t, 4, fake.closeCount())
	assert.Equal(t, 4, sizer.Size())
}

func TestLookup_FailuresShrinkBatchAndPushRetries(t *testing.T) {
	fx := newLookupFixture(t)
	fake := &fakeClient{
		lookup: func(phone string) (*models.LookupResult, error) {
			return nil, errors.New("lookup timed out")
		},
	}
	coord := fx.coordinator(fake)
	ctx := context.Background()

	sizer := NewBatchSizer(1, 2)
	results, stats, err := coord.Resolve(ctx, fx.sessID, testPhones(4), sizer)
	require.NoError(t, err)

	assert.Empty(t, results)
	assert.Equal(t, 4, stats.Failed)
	assert.Equal(t, 4, stats.Pushed)
	assert.Equal(t, 1, sizer.Size(), "two failed batches shrink the size")

	pending, err := fx.st.GetPendingRetryItems(ctx, fx.sessID)
	require.NoError(t, err)
	assert.Len(t, pending, 4)
}

func TestLookup_FullBatchesBoundBrowserUse(t *testing.T) {
	fx := newLookupFixture(t)
	fake := &fakeClient{}
	coord := fx.coordinator(fake)

	results, stats, err := coord.Resolve(context.Background(), fx.sessID, testPhones(35), NewBatchSizer(3, 5))
	require.NoError(t, err)

	assert.Equal(t, 35, stats.Resolved)
	assert.Len(t, results, 35)
	// 35 cold numbers at batch size 5 cost seven browsers, not 35.
	assert.Equal(t, 7, fake.closeCount())
}

func TestLookup_SecondPassServedFromCache(t *testing.T) {
	fx := newLookupFixture(t)
	fake := &fakeClient{}
	coord := fx.coordinator(fake)
	ctx := context.Background()
	phones := testPhones(10)

	_, first, err := coord.Resolve(ctx, fx.sessID, phones, NewBatchSizer(3, 5))
	require.NoError(t, err)
	assert.Equal(t, 10, first.Resolved)
	assert.Len(t, fake.lookupCalls(), 10)

	results, second, err := coord.Resolve(ctx, fx.sessID, phones, NewBatchSizer(3, 5))
	require.NoError(t, err)
	assert.Equal(t, 10, second.CacheHits)
	assert.Zero(t, second.Resolved)
	assert.Len(t, results, 10)
	assert.Len(t, fake.lookupCalls(), 10, "second pass must not touch the browser")
}

// --- Stop handling ---

func TestLookup_StopAbandonsRemainingBatches(t *testing.T) {
	fx := newLookupFixture(t)
	fake := &fakeClient{}
	coord := fx.coordinator(fake)

	var stopped bool
	fake.lookup = func(phone string) (*models.LookupResult, error) {
		stopped = true
		return &models.LookupResult{PhoneNumber: phone, Provider: "MTN", Confidence: 100}, nil
	}
	coord.SetStopCheck(func(context.Context) (bool, error) { return stopped, nil })

	results, stats, err := coord.Resolve(context.Background(), fx.sessID, testPhones(15), NewBatchSizer(3, 5))
	require.NoError(t, err)

	// The in-flight batch finishes; the other two never open a browser.
	assert.Len(t, fake.lookupCalls(), 5)
	assert.Equal(t, 1, fake.closeCount())
	assert.Equal(t, 5, stats.Resolved)
	assert.Len(t, results, 5)
}

// --- Block handling ---

func TestLookup_BlockAbandonsBatch(t *testing.T) {
	fx := newLookupFixture(t)
	var calls int
	fake := &fakeClient{}
	fake.lookup = func(phone string) (*models.LookupResult, error) {
		calls++
		if calls == 1 {
			return nil, fmt.Errorf("lookup %s: %w", phone, ErrBlocked)
		}
		return &models.LookupResult{PhoneNumber: phone, Provider: "MTN", Confidence: 100}, nil
	}
	coord := fx.coordinator(fake)
	ctx := context.Background()

	sizer := NewBatchSizer(3, 5)
	results, stats, err := coord.Resolve(ctx, fx.sessID, testPhones(5), sizer)
	require.NoError(t, err)

	// First number hits the block page and the rest of that batch is
	// abandoned; a fresh browser finishes the remaining four.
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Pushed)
	assert.Equal(t, 4, stats.Resolved)
	assert.Len(t, results, 4)
	assert.Equal(t, 2, fake.closeCount())

	pending, err := fx.st.GetPendingRetryItems(ctx, fx.sessID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.RetryKindLookup, pending[0].Kind)
}
