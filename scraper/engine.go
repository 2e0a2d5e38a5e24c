package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/Seany5691/smart-cost-calculator-hosted-sub012/config"
	"github.com/Seany5691/smart-cost-calculator-hosted-sub012/models"
	"github.com/Seany5691/smart-cost-calculator-hosted-sub012/services"
	"github.com/Seany5691/smart-cost-calculator-hosted-sub012/storage"
)

const (
	// pauseCheckInterval is how often a parked session re-reads its status.
	pauseCheckInterval = 5 * time.Second

	// drainPollInterval is the wait between drain passes while retry items
	// are pending but none are due yet.
	drainPollInterval = 500 * time.Millisecond

	// drainBatchLimit caps how many due items one drain pass claims.
	drainBatchLimit = 20
)

// Engine executes one scrape session end to end: the directory crawl over
// every (industry, town) pair, provider lookups, deferred retries, progress
// checkpoints, and the final status write. The admission queue guarantees at
// most one Run is active per deployment.
type Engine struct {
	store    storage.Store
	sessions *services.SessionService
	queue    *services.QueueService
	retry    *services.RetryService
	cache    *services.CacheService
	metrics  *services.MetricsService
	cfg      *config.ScraperConfig
	factory  Factory
	log      *zap.Logger
}

func NewEngine(
	store storage.Store,
	sessions *services.SessionService,
	queue *services.QueueService,
	retry *services.RetryService,
	cache *services.CacheService,
	metrics *services.MetricsService,
	cfg *config.ScraperConfig,
) *Engine {
	return &Engine{
		store:    store,
		sessions: sessions,
		queue:    queue,
		retry:    retry,
		cache:    cache,
		metrics:  metrics,
		cfg:      cfg,
		log:      zap.L().With(zap.String("component", "engine")),
	}
}

// SetClientFactory overrides the browser client factory. When unset the
// engine builds a Playwright factory per session so the session's
// concurrency overrides take effect.
func (e *Engine) SetClientFactory(f Factory) {
	e.factory = f
}

// sessionRun carries the mutable state of one Run invocation.
type sessionRun struct {
	sess        *models.ScrapeSession
	coordinator *LookupCoordinator
	factory     Factory
	sizer       *BatchSizer
	summary     models.SessionSummary
	state       models.SessionState
	seen        map[string]bool
	processed   int
}

// Run drives the session behind a claimed queue entry to a terminal status.
// If the context is cancelled mid-session the entry keeps the processing
// slot and the session stays running; the scheduler resumes it from its
// checkpoint on the next boot.
func (e *Engine) Run(ctx context.Context, entry *models.QueueEntry) error {
	sess, err := e.store.GetSession(ctx, entry.SessionID)
	if err != nil {
		return err
	}
	if sess == nil || sess.Status.Terminal() {
		// Nothing left to run; release the slot so the queue moves on.
		return e.store.CancelQueueEntry(ctx, entry.ID)
	}

	log := e.log.With(zap.String("session_id", sess.ID.String()))

	// 1. Stamp the start (or refresh the heartbeat on a resumed session).
	startedAt := time.Now().UTC()
	if sess.StartedAt == nil {
		if err := e.sessions.Start(ctx, sess.ID); err != nil {
			return err
		}
	} else {
		startedAt = *sess.StartedAt
		if err := e.sessions.Heartbeat(ctx, sess.ID); err != nil {
			return err
		}
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go e.heartbeatLoop(hbCtx, sess.ID)

	// 2. Restore checkpoint state if this session ran before.
	run := &sessionRun{sess: sess}
	startIndustry, startTown, err := e.restore(ctx, run)
	if err != nil {
		return err
	}

	scfg := e.sessionConfig(sess)
	run.factory = e.factory
	if run.factory == nil {
		run.factory = NewFactory(scfg)
	}
	run.coordinator = NewLookupCoordinator(run.factory, e.cache, e.retry, e.metrics, scfg)
	run.coordinator.SetStopCheck(func(ctx context.Context) (bool, error) {
		return e.stopRequested(ctx, sess.ID)
	})

	log.Info("session running",
		zap.Int("industries", len(sess.Config.Industries)),
		zap.Int("towns", len(sess.Config.Towns)),
		zap.Int("batch_size", run.sizer.Size()))

	// 3. Crawl, then drain deferred retries.
	outcome, runErr := e.runSession(ctx, run, startIndustry, startTown)
	if runErr != nil && ctx.Err() != nil {
		log.Info("interrupted, session will resume from checkpoint",
			zap.Int("pairs_processed", run.processed))
		return runErr
	}
	if runErr != nil {
		run.summary.ErrorCount++
		outcome = models.SessionStatusError
		log.Error("session failed", zap.Error(runErr))
	}

	// 4. Terminal status, final summary, queue slot release.
	e.finalize(ctx, run, entry, outcome, startedAt)
	return runErr
}

// runSession walks the (industry, town) grid from the given cursor. It
// returns the terminal status the session should land on, or an error when
// persistence fails and the outcome is undecidable.
func (e *Engine) runSession(ctx context.Context, run *sessionRun, startIndustry, startTown int) (models.SessionStatus, error) {
	industries := run.sess.Config.Industries
	towns := run.sess.Config.Towns

	for i := startIndustry; i < len(industries); i++ {
		first := 0
		if i == startIndustry {
			first = startTown
		}
		for t := first; t < len(towns); t++ {
			status, err := e.observeStatus(ctx, run.sess.ID)
			if err != nil {
				return "", err
			}
			if status != models.SessionStatusRunning {
				return status, nil
			}

			industry, town := industries[i], towns[t]
			if err := e.processTown(ctx, run, industry, town); err != nil {
				return "", err
			}

			run.processed++
			run.state.IndustryIndex = i
			run.state.TownIndex = t
			run.state.CompletedTowns = append(run.state.CompletedTowns, industry+"/"+town)
			progress := progressPercent(run.sess.Config, run.processed)
			if err := e.sessions.Progress(ctx, run.sess.ID, progress, run.state, run.summary); err != nil {
				e.log.Warn("progress update failed", zap.Error(err))
			}
			if err := e.checkpoint(ctx, run, industry, town); err != nil {
				// A session that cannot persist its cursor must not keep
				// burning work it cannot resume.
				return "", eris.Wrap(err, "engine: write checkpoint")
			}
		}
	}

	status, err := e.drainRetries(ctx, run)
	if err != nil {
		return "", err
	}
	if status != models.SessionStatusRunning {
		return status, nil
	}
	return models.SessionStatusCompleted, nil
}

// processTown crawls one directory pair and resolves providers for the new
// numbers it found. Crawl failures are deferred to the retry queue rather
// than failing the session.
func (e *Engine) processTown(ctx context.Context, run *sessionRun, industry, town string) error {
	log := e.log.With(zap.String("industry", industry), zap.String("town", town))

	client := run.factory()
	navStart := time.Now()
	businesses, fetchErr := client.FetchBusinesses(ctx, industry, town)
	client.Close()
	if err := e.metrics.RecordDuration(ctx, run.sess.ID, models.MetricTypeNavigation, "directory_search", navStart, fetchErr == nil); err != nil {
		log.Warn("metric write failed", zap.Error(err))
	}
	if fetchErr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		run.summary.ErrorCount++
		kind := models.RetryKindNavigation
		var payload any = models.NavigationPayload{Industry: industry, Town: town}
		if errors.Is(fetchErr, ErrExtraction) {
			kind = models.RetryKindExtraction
			payload = models.ExtractionPayload{Industry: industry, Town: town}
		}
		if _, err := e.retry.Push(ctx, run.sess.ID, kind, payload); err != nil {
			return err
		}
		run.summary.RetriesPushed++
		log.Warn("directory crawl failed, queued for retry", zap.Error(fetchErr))
		return nil
	}

	found, err := e.persistAndResolve(ctx, run, industry, town, businesses)
	if err != nil {
		return err
	}
	e.recordMemory(ctx, run.sess.ID)
	log.Info("town done", zap.Int("businesses", found))
	return nil
}

// persistAndResolve stores listings not seen earlier in the session and
// pushes their numbers through the lookup pipeline. It returns how many new
// businesses this page contributed.
func (e *Engine) persistAndResolve(ctx context.Context, run *sessionRun, industry, town string, businesses []models.Business) (int, error) {
	var phones []string
	for i := range businesses {
		b := businesses[i]
		if b.Phone == "" || run.seen[b.Phone] {
			continue
		}
		run.seen[b.Phone] = true
		b.ID = uuid.New()
		b.SessionID = run.sess.ID
		if err := e.store.CreateBusiness(ctx, &b); err != nil {
			return 0, eris.Wrap(err, "engine: persist business")
		}
		phones = append(phones, b.Phone)
	}
	run.summary.BusinessesFound += len(phones)
	if err := e.metrics.Record(ctx, run.sess.ID, models.MetricTypeExtraction, "businesses_extracted", float64(len(phones)), true,
		map[string]any{"industry": industry, "town": town}); err != nil {
		e.log.Warn("metric write failed", zap.Error(err))
	}
	if len(phones) == 0 {
		return 0, nil
	}

	results, stats, err := run.coordinator.Resolve(ctx, run.sess.ID, phones, run.sizer)
	if err != nil {
		return 0, err
	}
	for phone, provider := range results {
		if err := e.store.UpdateBusinessProvider(ctx, run.sess.ID, phone, provider); err != nil {
			return 0, eris.Wrap(err, "engine: apply provider")
		}
	}
	run.summary.LookupsDone += stats.Resolved + stats.Failed
	run.summary.CacheHits += stats.CacheHits
	run.summary.RetriesPushed += stats.Pushed
	run.summary.ErrorCount += stats.Failed
	return len(phones), nil
}

// drainRetries replays deferred work after the crawl finishes. Lookups are
// replayed one at a time on a single browser; navigation and extraction
// items re-crawl their pair and feed new numbers back through the normal
// lookup path. Items keep their backoff schedule, so the drain waits for
// stragglers instead of hammering them early.
func (e *Engine) drainRetries(ctx context.Context, run *sessionRun) (models.SessionStatus, error) {
	pending, err := e.store.GetPendingRetryItems(ctx, run.sess.ID)
	if err != nil {
		return "", err
	}
	if len(pending) == 0 {
		return models.SessionStatusRunning, nil
	}
	e.log.Info("draining retry queue", zap.Int("pending", len(pending)))

	client := run.factory()
	defer client.Close()

	for {
		status, err := e.observeStatus(ctx, run.sess.ID)
		if err != nil {
			return "", err
		}
		if status != models.SessionStatusRunning {
			return status, nil
		}

		items, err := e.retry.Due(ctx, run.sess.ID, drainBatchLimit)
		if err != nil {
			return "", err
		}
		if len(items) == 0 {
			pending, err := e.store.GetPendingRetryItems(ctx, run.sess.ID)
			if err != nil {
				return "", err
			}
			if len(pending) == 0 {
				return models.SessionStatusRunning, nil
			}
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(drainPollInterval):
			}
			continue
		}

		for i := range items {
			if err := e.replayItem(ctx, client, run, &items[i]); err != nil {
				return "", err
			}
		}
	}
}

// replayItem retries one deferred unit of work and settles its fate: delete
// on success, reschedule (or drop) on failure.
func (e *Engine) replayItem(ctx context.Context, client Client, run *sessionRun, item *models.RetryItem) error {
	switch item.Kind {
	case models.RetryKindLookup:
		var p models.LookupPayload
		if err := json.Unmarshal(item.Payload, &p); err != nil {
			e.log.Warn("dropping retry item with bad payload", zap.String("id", item.ID.String()), zap.Error(err))
			return e.store.DeleteRetryItem(ctx, item.ID)
		}
		start := time.Now()
		res, err := client.LookupProvider(ctx, p.PhoneNumber)
		if merr := e.metrics.RecordDuration(ctx, run.sess.ID, models.MetricTypeLookup, "provider_lookup_retry", start, err == nil); merr != nil {
			e.log.Warn("metric write failed", zap.Error(merr))
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			run.summary.ErrorCount++
			return e.retry.MarkFailed(ctx, item)
		}
		if err := e.cache.Put(ctx, p.PhoneNumber, res.Provider, res.Confidence); err != nil {
			e.log.Warn("cache write failed", zap.Error(err))
		}
		if err := e.store.UpdateBusinessProvider(ctx, run.sess.ID, p.PhoneNumber, res.Provider); err != nil {
			return eris.Wrap(err, "engine: apply provider")
		}
		run.summary.LookupsDone++
		return e.retry.MarkSucceeded(ctx, item)

	case models.RetryKindNavigation, models.RetryKindExtraction:
		industry, town, err := pairFromPayload(item)
		if err != nil {
			e.log.Warn("dropping retry item with bad payload", zap.String("id", item.ID.String()), zap.Error(err))
			return e.store.DeleteRetryItem(ctx, item.ID)
		}
		businesses, err := client.FetchBusinesses(ctx, industry, town)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			run.summary.ErrorCount++
			return e.retry.MarkFailed(ctx, item)
		}
		if _, err := e.persistAndResolve(ctx, run, industry, town, businesses); err != nil {
			return err
		}
		return e.retry.MarkSucceeded(ctx, item)

	default:
		e.log.Warn("dropping retry item with unknown kind", zap.String("kind", string(item.Kind)))
		return e.store.DeleteRetryItem(ctx, item.ID)
	}
}

// pairFromPayload pulls the (industry, town) pair out of a navigation or
// extraction payload.
func pairFromPayload(item *models.RetryItem) (string, string, error) {
	if item.Kind == models.RetryKindExtraction {
		var p models.ExtractionPayload
		if err := json.Unmarshal(item.Payload, &p); err != nil {
			return "", "", err
		}
		return p.Industry, p.Town, nil
	}
	var p models.NavigationPayload
	if err := json.Unmarshal(item.Payload, &p); err != nil {
		return "", "", err
	}
	return p.Industry, p.Town, nil
}

// stopRequested reports whether the session was stopped (or deleted) out
// from under the run. Lookup loops poll this between batches so a stop
// releases the browser without finishing the town.
func (e *Engine) stopRequested(ctx context.Context, sessionID uuid.UUID) (bool, error) {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return sess == nil || sess.Status == models.SessionStatusStopped, nil
}

// observeStatus reads the session status, parking as long as the session is
// paused. The heartbeat goroutine keeps ticking while parked, so the reaper
// leaves the session alone.
func (e *Engine) observeStatus(ctx context.Context, sessionID uuid.UUID) (models.SessionStatus, error) {
	parked := false
	for {
		sess, err := e.store.GetSession(ctx, sessionID)
		if err != nil {
			return "", err
		}
		if sess == nil {
			// Deleted out from under us; treat as a stop.
			return models.SessionStatusStopped, nil
		}
		if sess.Status != models.SessionStatusPaused {
			if parked {
				e.log.Info("session unparked", zap.String("status", string(sess.Status)))
			}
			return sess.Status, nil
		}
		if !parked {
			e.log.Info("session paused, parking")
			parked = true
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(pauseCheckInterval):
		}
	}
}

// restore loads the checkpoint and rebuilds the run's in-memory state: the
// grid cursor, the dedupe set, the adaptive batch sizer, and any retry items
// the snapshot preserved. A session without a checkpoint starts fresh.
func (e *Engine) restore(ctx context.Context, run *sessionRun) (int, int, error) {
	minSize, maxSize := e.batchBounds(run.sess)
	run.summary = run.sess.Summary
	run.state = run.sess.State
	run.seen = map[string]bool{}

	cp, err := e.store.LoadCheckpoint(ctx, run.sess.ID)
	if err != nil {
		return 0, 0, err
	}
	if cp == nil {
		run.sizer = NewBatchSizer(minSize, maxSize)
		return 0, 0, nil
	}

	existing, err := e.store.GetBusinessesForSession(ctx, run.sess.ID)
	if err != nil {
		return 0, 0, err
	}
	for i := range existing {
		run.seen[existing[i].Phone] = true
	}

	var bs models.BatchState
	if len(cp.BatchState) > 0 {
		if err := json.Unmarshal(cp.BatchState, &bs); err != nil {
			e.log.Warn("checkpoint batch state unreadable, starting at defaults", zap.Error(err))
			bs = models.BatchState{}
		}
	}
	run.sizer = NewBatchSizerFromState(minSize, maxSize, bs)

	restored, err := e.retry.Restore(ctx, cp.RetrySnapshot)
	if err != nil {
		return 0, 0, err
	}
	run.processed = cp.ProcessedCount

	startIndustry, startTown := cursorAfter(run.sess.Config, cp.CurrentIndustry, cp.CurrentTown)
	e.log.Info("resuming from checkpoint",
		zap.String("session_id", run.sess.ID.String()),
		zap.String("last_industry", cp.CurrentIndustry),
		zap.String("last_town", cp.CurrentTown),
		zap.Int("retry_items_restored", restored))
	return startIndustry, startTown, nil
}

// cursorAfter maps the last completed (industry, town) pair back onto the
// config's iteration order and returns the next pair's indexes. Unknown
// names restart from the beginning; a finished final pair lands past the
// end, which the grid loops treat as done.
func cursorAfter(cfg models.SessionConfig, industry, town string) (int, int) {
	i := indexOf(cfg.Industries, industry)
	t := indexOf(cfg.Towns, town)
	if i < 0 || t < 0 {
		return 0, 0
	}
	t++
	if t >= len(cfg.Towns) {
		i++
		t = 0
	}
	return i, t
}

func indexOf(list []string, v string) int {
	for i, s := range list {
		if s == v {
			return i
		}
	}
	return -1
}

// checkpoint persists the resume cursor plus the retry snapshot and batch
// sizer state in one upsert.
func (e *Engine) checkpoint(ctx context.Context, run *sessionRun, industry, town string) error {
	snapshot, err := e.retry.Snapshot(ctx, run.sess.ID)
	if err != nil {
		return err
	}
	state, err := json.Marshal(run.sizer.Snapshot())
	if err != nil {
		return eris.Wrap(err, "engine: marshal batch state")
	}
	return e.store.SaveCheckpoint(ctx, &models.Checkpoint{
		SessionID:       run.sess.ID,
		CurrentIndustry: industry,
		CurrentTown:     town,
		ProcessedCount:  run.processed,
		RetrySnapshot:   snapshot,
		BatchState:      state,
	})
}

// finalize writes the terminal status and summary, then releases the queue
// slot so the next entry can start.
func (e *Engine) finalize(ctx context.Context, run *sessionRun, entry *models.QueueEntry, outcome models.SessionStatus, startedAt time.Time) {
	run.summary.DurationSec = int64(time.Since(startedAt).Seconds())
	progress := progressPercent(run.sess.Config, run.processed)
	if outcome == models.SessionStatusCompleted {
		progress = 100
	}
	if err := e.sessions.Progress(ctx, run.sess.ID, progress, run.state, run.summary); err != nil {
		e.log.Warn("final progress write failed", zap.Error(err))
	}
	if err := e.sessions.Finish(ctx, run.sess.ID, outcome); err != nil {
		e.log.Warn("final status write failed", zap.Error(err))
	}

	var qErr error
	if outcome == models.SessionStatusCompleted {
		qErr = e.queue.Complete(ctx, entry.ID)
	} else {
		qErr = e.store.CancelQueueEntry(ctx, entry.ID)
	}
	if qErr != nil {
		e.log.Warn("queue slot release failed", zap.Error(qErr))
	}

	e.log.Info("session finished",
		zap.String("session_id", run.sess.ID.String()),
		zap.String("status", string(outcome)),
		zap.Int("businesses", run.summary.BusinessesFound),
		zap.Int("lookups", run.summary.LookupsDone),
		zap.Int("cache_hits", run.summary.CacheHits),
		zap.Int("retries_pushed", run.summary.RetriesPushed),
		zap.Int("errors", run.summary.ErrorCount),
		zap.Int64("duration_sec", run.summary.DurationSec))
}

func progressPercent(cfg models.SessionConfig, processed int) int {
	total := len(cfg.Industries) * len(cfg.Towns)
	if total == 0 {
		return 100
	}
	pct := processed * 100 / total
	if pct > 100 {
		pct = 100
	}
	return pct
}

// heartbeatLoop stamps liveness while the session runs so the reaper can
// tell a working session from a dead one.
func (e *Engine) heartbeatLoop(ctx context.Context, sessionID uuid.UUID) {
	interval := e.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.sessions.Heartbeat(ctx, sessionID); err != nil {
				e.log.Warn("heartbeat write failed", zap.Error(err))
			}
		}
	}
}

// sessionConfig copies the engine defaults and applies the session's
// concurrency overrides.
func (e *Engine) sessionConfig(sess *models.ScrapeSession) *config.ScraperConfig {
	scfg := *e.cfg
	cc := sess.Config.Concurrency
	if cc.MinBatchSize > 0 && cc.MaxBatchSize >= cc.MinBatchSize {
		scfg.MinBatchSize = cc.MinBatchSize
		scfg.MaxBatchSize = cc.MaxBatchSize
	}
	if cc.LookupDelayMs > 0 {
		scfg.LookupDelay = time.Duration(cc.LookupDelayMs) * time.Millisecond
	}
	if cc.BatchDelayMinSec > 0 {
		scfg.BatchDelayMin = time.Duration(cc.BatchDelayMinSec) * time.Second
	}
	if cc.BatchDelayMaxSec > 0 {
		scfg.BatchDelayMax = time.Duration(cc.BatchDelayMaxSec) * time.Second
	}
	if cc.DetectBlocking {
		scfg.DetectBlocking = true
	}
	return &scfg
}

func (e *Engine) batchBounds(sess *models.ScrapeSession) (int, int) {
	minSize, maxSize := e.cfg.MinBatchSize, e.cfg.MaxBatchSize
	cc := sess.Config.Concurrency
	if cc.MinBatchSize > 0 && cc.MaxBatchSize >= cc.MinBatchSize {
		minSize, maxSize = cc.MinBatchSize, cc.MaxBatchSize
	}
	return minSize, maxSize
}

func (e *Engine) recordMemory(ctx context.Context, sessionID uuid.UUID) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	heapMB := float64(ms.HeapAlloc) / (1 << 20)
	if err := e.metrics.Record(ctx, sessionID, models.MetricTypeMemory, "heap_alloc_mb", heapMB, true, nil); err != nil {
		e.log.Warn("metric write failed", zap.Error(err))
	}
}
