package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Seany5691/smart-cost-calculator-hosted-sub012/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	return st
}

func seedSession(t *testing.T, st *SQLiteStore, status models.SessionStatus) *models.ScrapeSession {
	t.Helper()
	sess := &models.ScrapeSession{
		ID:      uuid.New(),
		OwnerID: "user-1",
		Name:    "plumbers sweep",
		Config: models.SessionConfig{
			Towns:      []string{"Worcester", "Paarl"},
			Industries: []string{"plumbers"},
			Concurrency: models.ConcurrencySettings{
				MinBatchSize: 3,
				MaxBatchSize: 5,
			},
		},
		Status: status,
	}
	require.NoError(t, st.CreateSession(context.Background(), sess))
	return sess
}

func seedEntry(t *testing.T, st *SQLiteStore, sess *models.ScrapeSession) *models.QueueEntry {
	t.Helper()
	entry := &models.QueueEntry{
		ID:        uuid.New(),
		OwnerID:   sess.OwnerID,
		SessionID: sess.ID,
		Config:    sess.Config,
	}
	require.NoError(t, st.EnqueueEntry(context.Background(), entry))
	return entry
}

// --- Sessions ---

func TestSQLite_Session_CreateAndGet(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sess := seedSession(t, st, models.SessionStatusRunning)

	got, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, models.SessionStatusRunning, got.Status)
	assert.Equal(t, []string{"Worcester", "Paarl"}, got.Config.Towns)
	assert.Nil(t, got.HeartbeatAt)
	assert.Nil(t, got.FinishedAt)
}

func TestSQLite_Session_GetMissing(t *testing.T) {
	st := newTestStore(t)

	got, err := st.GetSession(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLite_Session_TerminalStatusSetsFinishedAt(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sess := seedSession(t, st, models.SessionStatusRunning)
	require.NoError(t, st.UpdateSessionStatus(ctx, sess.ID, models.SessionStatusCompleted))

	got, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCompleted, got.Status)
	require.NotNil(t, got.FinishedAt)

	// A second terminal transition must not move finished_at.
	first := *got.FinishedAt
	require.NoError(t, st.UpdateSessionStatus(ctx, sess.ID, models.SessionStatusError))
	got, err = st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, first, *got.FinishedAt)
}

func TestSQLite_Session_ProgressRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sess := seedSession(t, st, models.SessionStatusRunning)
	state := models.SessionState{IndustryIndex: 0, TownIndex: 1, CompletedTowns: []string{"Worcester"}}
	summary := models.SessionSummary{BusinessesFound: 12, LookupsDone: 9, CacheHits: 3}
	require.NoError(t, st.UpdateSessionProgress(ctx, sess.ID, 50, state, summary))

	got, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 50, got.Progress)
	assert.Equal(t, 1, got.State.TownIndex)
	assert.Equal(t, []string{"Worcester"}, got.State.CompletedTowns)
	assert.Equal(t, 12, got.Summary.BusinessesFound)
}

func TestSQLite_Session_MarkStaleNeedsHeartbeat(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	stale := seedSession(t, st, models.SessionStatusRunning)
	require.NoError(t, st.TouchSessionHeartbeat(ctx, stale.ID, now.Add(-15*time.Minute)))

	fresh := seedSession(t, st, models.SessionStatusRunning)
	require.NoError(t, st.TouchSessionHeartbeat(ctx, fresh.ID, now.Add(-1*time.Minute)))

	// Queued sessions carry no heartbeat yet and must be left alone.
	queued := seedSession(t, st, models.SessionStatusRunning)

	paused := seedSession(t, st, models.SessionStatusPaused)
	require.NoError(t, st.TouchSessionHeartbeat(ctx, paused.ID, now.Add(-15*time.Minute)))

	ids, err := st.MarkStaleSessionsError(ctx, now.Add(-10*time.Minute))
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, stale.ID, ids[0])

	got, err := st.GetSession(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusError, got.Status)

	for _, id := range []uuid.UUID{fresh.ID, queued.ID} {
		got, err := st.GetSession(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.SessionStatusRunning, got.Status)
	}
	got, err = st.GetSession(ctx, paused.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusPaused, got.Status)
}

func TestSQLite_Session_AvgDuration(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	avg, err := st.GetAvgSessionDuration(ctx)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), avg)

	base := time.Now().UTC().Add(-1 * time.Hour)
	for _, mins := range []int{10, 20} {
		sess := seedSession(t, st, models.SessionStatusRunning)
		require.NoError(t, st.MarkSessionStarted(ctx, sess.ID, base))
		_, err := st.db.ExecContext(ctx, `
			UPDATE scrape_sessions SET status = ?, finished_at = ? WHERE id = ?`,
			models.SessionStatusCompleted, base.Add(time.Duration(mins)*time.Minute), sess.ID)
		require.NoError(t, err)
	}

	avg, err = st.GetAvgSessionDuration(ctx)
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, avg)
}

func TestSQLite_Session_ListByOwner(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	seedSession(t, st, models.SessionStatusRunning)
	other := &models.ScrapeSession{
		ID:      uuid.New(),
		OwnerID: "user-2",
		Config:  models.SessionConfig{Towns: []string{"Ceres"}, Industries: []string{"electricians"}},
		Status:  models.SessionStatusCompleted,
	}
	require.NoError(t, st.CreateSession(ctx, other))

	mine, err := st.ListSessions(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "user-1", mine[0].OwnerID)

	all, err := st.ListSessions(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

// --- Admission queue ---

func TestSQLite_Queue_EnqueueAssignsDensePositions(t *testing.T) {
	st := newTestStore(t)

	a := seedEntry(t, st, seedSession(t, st, models.SessionStatusRunning))
	b := seedEntry(t, st, seedSession(t, st, models.SessionStatusRunning))
	c := seedEntry(t, st, seedSession(t, st, models.SessionStatusRunning))

	assert.Equal(t, 1, a.Position)
	assert.Equal(t, 2, b.Position)
	assert.Equal(t, 3, c.Position)
	assert.Equal(t, models.QueueStatusQueued, a.Status)
}

func TestSQLite_Queue_DequeueClaimsAndCompacts(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	a := seedEntry(t, st, seedSession(t, st, models.SessionStatusRunning))
	b := seedEntry(t, st, seedSession(t, st, models.SessionStatusRunning))
	c := seedEntry(t, st, seedSession(t, st, models.SessionStatusRunning))

	claimed, err := st.DequeueNextEntry(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, a.ID, claimed.ID)
	assert.Equal(t, models.QueueStatusProcessing, claimed.Status)
	assert.Equal(t, 0, claimed.Position)
	require.NotNil(t, claimed.StartedAt)

	// The two waiting entries slide up to positions 1 and 2.
	gotB, err := st.GetQueueEntry(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, gotB.Position)
	gotC, err := st.GetQueueEntry(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, gotC.Position)
}

func TestSQLite_Queue_DequeueWhileProcessingReturnsNil(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	seedEntry(t, st, seedSession(t, st, models.SessionStatusRunning))
	seedEntry(t, st, seedSession(t, st, models.SessionStatusRunning))

	first, err := st.DequeueNextEntry(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := st.DequeueNextEntry(ctx)
	require.NoError(t, err)
	assert.Nil(t, second)

	require.NoError(t, st.CompleteQueueEntry(ctx, first.ID))

	second, err = st.DequeueNextEntry(ctx)
	require.NoError(t, err)
	require.NotNil(t, second)
}

func TestSQLite_Queue_DequeueEmpty(t *testing.T) {
	st := newTestStore(t)

	entry, err := st.DequeueNextEntry(context.Background())
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestSQLite_Queue_CancelQueuedCompacts(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	a := seedEntry(t, st, seedSession(t, st, models.SessionStatusRunning))
	b := seedEntry(t, st, seedSession(t, st, models.SessionStatusRunning))
	c := seedEntry(t, st, seedSession(t, st, models.SessionStatusRunning))

	require.NoError(t, st.CancelQueueEntry(ctx, b.ID))

	gotA, err := st.GetQueueEntry(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, gotA.Position)

	gotB, err := st.GetQueueEntry(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusCancelled, gotB.Status)
	require.NotNil(t, gotB.CompletedAt)

	gotC, err := st.GetQueueEntry(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, gotC.Position)
}

func TestSQLite_Queue_CompleteProcessingEntry(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	seedEntry(t, st, seedSession(t, st, models.SessionStatusRunning))
	b := seedEntry(t, st, seedSession(t, st, models.SessionStatusRunning))

	claimed, err := st.DequeueNextEntry(ctx)
	require.NoError(t, err)
	require.NoError(t, st.CompleteQueueEntry(ctx, claimed.ID))

	got, err := st.GetQueueEntry(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusCompleted, got.Status)

	// Completing the processing slot must not disturb waiting positions.
	gotB, err := st.GetQueueEntry(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, gotB.Position)
}

func TestSQLite_Queue_CancelStaleProcessingNeedsTerminalSession(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	deadSess := seedSession(t, st, models.SessionStatusError)
	healthySess := seedSession(t, st, models.SessionStatusRunning)

	old := time.Now().UTC().Add(-30 * time.Minute)
	for _, sess := range []*models.ScrapeSession{deadSess, healthySess} {
		entry := seedEntry(t, st, sess)
		_, err := st.db.ExecContext(ctx, `
			UPDATE queue_entries SET status = ?, position = 0, started_at = ? WHERE id = ?`,
			models.QueueStatusProcessing, old, entry.ID)
		require.NoError(t, err)
	}

	n, err := st.CancelStaleProcessing(ctx, time.Now().UTC().Add(-10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	deadEntry, err := st.GetQueueEntryBySession(ctx, deadSess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusCancelled, deadEntry.Status)

	// A long-running but healthy session keeps its slot.
	healthyEntry, err := st.GetQueueEntryBySession(ctx, healthySess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusProcessing, healthyEntry.Status)
}

func TestSQLite_Queue_CancelExpiredQueuedStopsSessions(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	oldSess := seedSession(t, st, models.SessionStatusRunning)
	oldEntry := &models.QueueEntry{
		ID:        uuid.New(),
		OwnerID:   oldSess.OwnerID,
		SessionID: oldSess.ID,
		Config:    oldSess.Config,
		CreatedAt: time.Now().UTC().Add(-3 * time.Hour),
	}
	require.NoError(t, st.EnqueueEntry(ctx, oldEntry))

	freshSess := seedSession(t, st, models.SessionStatusRunning)
	freshEntry := seedEntry(t, st, freshSess)
	assert.Equal(t, 2, freshEntry.Position)

	n, err := st.CancelExpiredQueued(ctx, time.Now().UTC().Add(-2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	gotOld, err := st.GetQueueEntry(ctx, oldEntry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusCancelled, gotOld.Status)

	gotSess, err := st.GetSession(ctx, oldSess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusStopped, gotSess.Status)

	// The survivor is renumbered to the front of the line.
	gotFresh, err := st.GetQueueEntry(ctx, freshEntry.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, gotFresh.Position)
	assert.Equal(t, models.QueueStatusQueued, gotFresh.Status)
}

// --- Checkpoints ---

func TestSQLite_Checkpoint_SaveAndLoad(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sess := seedSession(t, st, models.SessionStatusRunning)
	cp := &models.Checkpoint{
		SessionID:       sess.ID,
		CurrentIndustry: "plumbers",
		CurrentTown:     "Worcester",
		ProcessedCount:  42,
		RetrySnapshot:   json.RawMessage(`[]`),
		BatchState:      json.RawMessage(`{"size":4}`),
	}
	require.NoError(t, st.SaveCheckpoint(ctx, cp))

	got, err := st.LoadCheckpoint(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Worcester", got.CurrentTown)
	assert.Equal(t, 42, got.ProcessedCount)
	assert.JSONEq(t, `{"size":4}`, string(got.BatchState))
}

func TestSQLite_Checkpoint_UpsertKeepsSingleRow(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sess := seedSession(t, st, models.SessionStatusRunning)
	for i := 1; i <= 3; i++ {
		cp := &models.Checkpoint{
			SessionID:       sess.ID,
			CurrentIndustry: "plumbers",
			CurrentTown:     "Paarl",
			ProcessedCount:  i * 10,
		}
		require.NoError(t, st.SaveCheckpoint(ctx, cp))
	}

	var count int
	require.NoError(t, st.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM checkpoints WHERE session_id = ?`, sess.ID).Scan(&count))
	assert.Equal(t, 1, count)

	got, err := st.LoadCheckpoint(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 30, got.ProcessedCount)
}

func TestSQLite_Checkpoint_MissingReturnsNil(t *testing.T) {
	st := newTestStore(t)

	got, err := st.LoadCheckpoint(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLite_Checkpoint_DeletedWithSession(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sess := seedSession(t, st, models.SessionStatusRunning)
	require.NoError(t, st.SaveCheckpoint(ctx, &models.Checkpoint{SessionID: sess.ID, CurrentTown: "Worcester"}))
	require.NoError(t, st.DeleteSession(ctx, sess.ID))

	got, err := st.LoadCheckpoint(ctx, sess.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

// --- Retry queue ---

func TestSQLite_Retry_CreateAndDue(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, st, models.SessionStatusRunning)
	now := time.Now().UTC()

	due := &models.RetryItem{
		ID:          uuid.New(),
		SessionID:   sess.ID,
		Kind:        models.RetryKindLookup,
		Payload:     json.RawMessage(`{"phone_number":"0821234567"}`),
		Attempts:    1,
		NextRetryAt: now.Add(-time.Second),
	}
	future := &models.RetryItem{
		ID:          uuid.New(),
		SessionID:   sess.ID,
		Kind:        models.RetryKindNavigation,
		Payload:     json.RawMessage(`{"industry":"plumbers","town":"Paarl"}`),
		Attempts:    1,
		NextRetryAt: now.Add(time.Hour),
	}
	require.NoError(t, st.CreateRetryItem(ctx, due))
	require.NoError(t, st.CreateRetryItem(ctx, future))

	items, err := st.GetDueRetryItems(ctx, sess.ID, now, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, due.ID, items[0].ID)
	assert.Equal(t, models.RetryKindLookup, items[0].Kind)

	pending, err := st.GetPendingRetryItems(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestSQLite_Retry_UpdateAndDelete(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, st, models.SessionStatusRunning)

	item := &models.RetryItem{
		ID:          uuid.New(),
		SessionID:   sess.ID,
		Kind:        models.RetryKindExtraction,
		Attempts:    1,
		NextRetryAt: time.Now().UTC(),
	}
	require.NoError(t, st.CreateRetryItem(ctx, item))

	item.Attempts = 2
	item.NextRetryAt = time.Now().UTC().Add(2 * time.Second)
	require.NoError(t, st.UpdateRetryItem(ctx, item))

	items, err := st.GetPendingRetryItems(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 2, items[0].Attempts)

	require.NoError(t, st.DeleteRetryItem(ctx, item.ID))
	items, err = st.GetPendingRetryItems(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestSQLite_Retry_RestoreIgnoresDuplicate(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, st, models.SessionStatusRunning)

	item := &models.RetryItem{
		ID:          uuid.New(),
		SessionID:   sess.ID,
		Kind:        models.RetryKindLookup,
		Attempts:    2,
		NextRetryAt: time.Now().UTC(),
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, st.CreateRetryItem(ctx, item))
	require.NoError(t, st.RestoreRetryItem(ctx, item))

	items, err := st.GetPendingRetryItems(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

// --- Provider cache ---

func TestSQLite_Cache_MissingReturnsNil(t *testing.T) {
	st := newTestStore(t)

	got, err := st.GetCacheEntry(context.Background(), "0829999999")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLite_Cache_UpsertOverwrites(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	first := &models.ProviderCacheEntry{
		PhoneNumber: "0821234567",
		Provider:    "Vodacom",
		Confidence:  80,
		LastChecked: time.Now().UTC().Add(-40 * 24 * time.Hour),
	}
	require.NoError(t, st.UpsertCacheEntry(ctx, first))

	second := &models.ProviderCacheEntry{
		PhoneNumber: "0821234567",
		Provider:    "MTN",
		Confidence:  95,
		LastChecked: time.Now().UTC(),
	}
	require.NoError(t, st.UpsertCacheEntry(ctx, second))

	got, err := st.GetCacheEntry(ctx, "0821234567")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "MTN", got.Provider)
	assert.Equal(t, 95, got.Confidence)
	assert.WithinDuration(t, second.LastChecked, got.LastChecked, time.Second)
}

// --- Metrics ---

func TestSQLite_Metrics_RecordAndFilter(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, st, models.SessionStatusRunning)

	lookup := &models.MetricRecord{
		SessionID: sess.ID,
		Type:      models.MetricTypeLookup,
		Name:      "provider_lookup",
		Value:     1240,
		Success:   true,
	}
	require.NoError(t, st.RecordMetric(ctx, lookup))
	assert.NotZero(t, lookup.ID)

	nav := &models.MetricRecord{
		SessionID: sess.ID,
		Type:      models.MetricTypeNavigation,
		Name:      "results_page",
		Value:     3100,
		Success:   false,
	}
	require.NoError(t, st.RecordMetric(ctx, nav))

	lookups, err := st.GetMetricsForSession(ctx, sess.ID, models.MetricTypeLookup)
	require.NoError(t, err)
	require.Len(t, lookups, 1)
	assert.Equal(t, "provider_lookup", lookups[0].Name)

	all, err := st.GetMetricsForSession(ctx, sess.ID, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSQLite_Metrics_LookupSuccessRate(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, st, models.SessionStatusRunning)
	since := time.Now().UTC().Add(-time.Hour)

	// No data means no evidence of trouble.
	rate, err := st.GetLookupSuccessRate(ctx, sess.ID, since)
	require.NoError(t, err)
	assert.Equal(t, 1.0, rate)

	for _, ok := range []bool{true, true, true, false} {
		require.NoError(t, st.RecordMetric(ctx, &models.MetricRecord{
			SessionID: sess.ID,
			Type:      models.MetricTypeLookup,
			Name:      "provider_lookup",
			Success:   ok,
		}))
	}

	rate, err = st.GetLookupSuccessRate(ctx, sess.ID, since)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, rate, 0.001)
}

// --- Businesses ---

func TestSQLite_Business_CreateListUpdate(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, st, models.SessionStatusRunning)

	b := &models.Business{
		ID:        uuid.New(),
		SessionID: sess.ID,
		Name:      "Worcester Plumbing Co",
		Phone:     "0821234567",
		Town:      "Worcester",
		Category:  "plumbers",
	}
	require.NoError(t, st.CreateBusiness(ctx, b))

	require.NoError(t, st.UpdateBusinessProvider(ctx, sess.ID, "0821234567", "Telkom"))

	list, err := st.GetBusinessesForSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Worcester Plumbing Co", list[0].Name)
	assert.Equal(t, "Telkom", list[0].Provider)
}
