package scraper

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Seany5691/smart-cost-calculator-hosted-sub012/config"
	"github.com/Seany5691/smart-cost-calculator-hosted-sub012/models"
	"github.com/Seany5691/smart-cost-calculator-hosted-sub012/services"
)

// LookupCoordinator resolves providers for a set of phone numbers. The
// cache is consulted first; misses run sequentially in adaptive batches
// with one fresh browser per batch and a randomized pause between batches.
type LookupCoordinator struct {
	factory Factory
	cache   *services.CacheService
	retry   *services.RetryService
	metrics *services.MetricsService
	cfg     *config.ScraperConfig
	stop    StopCheck
	log     *zap.Logger
}

// StopCheck reports whether the session has been asked to stop. A stopping
// session abandons its remaining batches so the browser is released without
// finishing the town.
type StopCheck func(ctx context.Context) (bool, error)

func NewLookupCoordinator(factory Factory, cache *services.CacheService, retry *services.RetryService, metrics *services.MetricsService, cfg *config.ScraperConfig) *LookupCoordinator {
	return &LookupCoordinator{
		factory: factory,
		cache:   cache,
		retry:   retry,
		metrics: metrics,
		cfg:     cfg,
		log:     zap.L().With(zap.String("component", "lookup")),
	}
}

// SetStopCheck installs the hook Resolve polls between batches.
func (l *LookupCoordinator) SetStopCheck(f StopCheck) {
	l.stop = f
}

// LookupStats summarizes one Resolve pass.
type LookupStats struct {
	Total     int
	CacheHits int
	Resolved  int
	Failed    int
	Pushed    int
}

// Resolve maps each phone number to its provider. Failed lookups land on
// the retry queue and are absent from the result map until a later drain
// recovers them.
func (l *LookupCoordinator) Resolve(ctx context.Context, sessionID uuid.UUID, phones []string, sizer *BatchSizer) (map[string]string, LookupStats, error) {
	results := make(map[string]string, len(phones))
	stats := LookupStats{Total: len(phones)}

	// 1. Serve what the cache already knows.
	var misses []string
	for _, phone := range phones {
		entry, err := l.cache.Get(ctx, phone)
		if err != nil {
			return results, stats, err
		}
		if entry != nil {
			results[phone] = entry.Provider
			stats.CacheHits++
			continue
		}
		misses = append(misses, phone)
	}
	l.log.Info("cache partition done",
		zap.Int("total", stats.Total),
		zap.Int("hits", stats.CacheHits),
		zap.Int("misses", len(misses)))
	if len(misses) == 0 {
		return results, stats, nil
	}

	// 2. Work the misses in batches sized by the sizer.
	for start := 0; start < len(misses); {
		if err := ctx.Err(); err != nil {
			return results, stats, err
		}
		if l.stop != nil {
			stopped, err := l.stop(ctx)
			if err != nil {
				return results, stats, err
			}
			if stopped {
				l.log.Info("stop requested, abandoning remaining batches",
					zap.Int("remaining", len(misses)-start))
				return results, stats, nil
			}
		}

		end := start + sizer.Size()
		if end > len(misses) {
			end = len(misses)
		}
		batch := misses[start:end]

		consumed, failures := l.runBatch(ctx, sessionID, batch, results, &stats)
		if failures == 0 {
			sizer.OnSuccess()
		} else {
			sizer.OnFailure()
		}

		start += consumed
		if start < len(misses) {
			l.batchPause(ctx)
		}
	}

	return results, stats, nil
}

// runBatch opens one browser for the batch and runs lookups sequentially.
// A block signal abandons the rest of the batch so the unattempted numbers
// get a fresh browser next round. Returns how many numbers were consumed
// and how many of those failed.
func (l *LookupCoordinator) runBatch(ctx context.Context, sessionID uuid.UUID, batch []string, results map[string]string, stats *LookupStats) (int, int) {
	client := l.factory()
	defer client.Close()

	failures := 0
	for i, phone := range batch {
		if ctx.Err() != nil {
			return i, failures
		}

		started := time.Now()
		res, err := client.LookupProvider(ctx, phone)
		if err != nil {
			failures++
			stats.Failed++
			if merr := l.metrics.RecordDuration(ctx, sessionID, models.MetricTypeLookup, "provider_lookup", started, false); merr != nil {
				l.log.Warn("failed to record lookup metric", zap.Error(merr))
			}
			if _, perr := l.retry.Push(ctx, sessionID, models.RetryKindLookup, models.LookupPayload{PhoneNumber: phone}); perr != nil {
				l.log.Warn("failed to push lookup retry",
					zap.String("phone_number", phone), zap.Error(perr))
			} else {
				stats.Pushed++
			}
			if errors.Is(err, ErrBlocked) {
				l.log.Warn("abandoning batch after block signal",
					zap.Int("attempted", i+1), zap.Int("batch_size", len(batch)))
				return i + 1, failures
			}
			continue
		}

		results[phone] = res.Provider
		stats.Resolved++
		if merr := l.metrics.RecordDuration(ctx, sessionID, models.MetricTypeLookup, "provider_lookup", started, true); merr != nil {
			l.log.Warn("failed to record lookup metric", zap.Error(merr))
		}
		if cerr := l.cache.Put(ctx, phone, res.Provider, res.Confidence); cerr != nil {
			l.log.Warn("failed to cache lookup result",
				zap.String("phone_number", phone), zap.Error(cerr))
		}
	}
	return len(batch), failures
}

// batchPause sleeps a randomized interval between batches.
func (l *LookupCoordinator) batchPause(ctx context.Context) {
	d := l.cfg.BatchDelayMin
	if span := l.cfg.BatchDelayMax - l.cfg.BatchDelayMin; span > 0 {
		d += time.Duration(rand.Int63n(int64(span)))
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
