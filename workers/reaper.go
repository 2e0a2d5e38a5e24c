package workers

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Seany5691/smart-cost-calculator-hosted-sub012/config"
	"github.com/Seany5691/smart-cost-calculator-hosted-sub012/storage"
)

// ReaperWorker sweeps for sessions and queue entries that stopped making
// progress: running sessions whose heartbeat went silent, processing entries
// whose session already died, and queued entries nobody will ever run.
type ReaperWorker struct {
	store     storage.Store
	cfg       config.ReaperConfig
	triggerCh chan struct{}
	log       *zap.Logger
}

func NewReaperWorker(store storage.Store, cfg config.ReaperConfig) *ReaperWorker {
	return &ReaperWorker{
		store:     store,
		cfg:       cfg,
		triggerCh: make(chan struct{}, 1),
		log:       zap.L().With(zap.String("component", "reaper")),
	}
}

// Trigger causes a sweep on the next loop iteration without waiting for the
// ticker.
func (w *ReaperWorker) Trigger() {
	select {
	case w.triggerCh <- struct{}{}:
	default:
	}
}

// Run sweeps on the configured interval until the context ends.
func (w *ReaperWorker) Run(ctx context.Context) {
	interval := w.cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.log.Info("reaper started",
		zap.Duration("interval", interval),
		zap.Duration("heartbeat_timeout", w.cfg.HeartbeatTimeout),
		zap.Duration("processing_timeout", w.cfg.ProcessingTimeout),
		zap.Duration("queued_timeout", w.cfg.QueuedTimeout))

	for {
		select {
		case <-ctx.Done():
			w.log.Info("reaper stopping")
			return
		case <-ticker.C:
			w.Sweep(ctx)
		case <-w.triggerCh:
			w.Sweep(ctx)
		}
	}
}

// Sweep runs the three passes once. Each pass is independent; a failure in
// one does not block the others.
func (w *ReaperWorker) Sweep(ctx context.Context) {
	now := time.Now().UTC()

	// 1. Running sessions that stopped heartbeating are dead workers.
	reaped, err := w.store.MarkStaleSessionsError(ctx, now.Add(-w.cfg.HeartbeatTimeout))
	if err != nil {
		w.log.Error("stale session sweep failed", zap.Error(err))
	} else if len(reaped) > 0 {
		ids := make([]string, len(reaped))
		for i, id := range reaped {
			ids[i] = id.String()
		}
		w.log.Warn("marked stale sessions as errored", zap.Strings("session_ids", ids))
	}

	// 2. Processing entries whose session reached a terminal status are
	// wedged slots; cancelling them lets the next queued entry start.
	cancelled, err := w.store.CancelStaleProcessing(ctx, now.Add(-w.cfg.ProcessingTimeout))
	if err != nil {
		w.log.Error("stale processing sweep failed", zap.Error(err))
	} else if cancelled > 0 {
		w.log.Warn("cancelled wedged processing entries", zap.Int64("count", cancelled))
	}

	// 3. Entries queued for longer than anyone would wait.
	expired, err := w.store.CancelExpiredQueued(ctx, now.Add(-w.cfg.QueuedTimeout))
	if err != nil {
		w.log.Error("expired queue sweep failed", zap.Error(err))
	} else if expired > 0 {
		w.log.Warn("cancelled expired queue entries", zap.Int64("count", expired))
	}
}
