package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/Seany5691/smart-cost-calculator-hosted-sub012/config"
	"github.com/Seany5691/smart-cost-calculator-hosted-sub012/models"
	"github.com/Seany5691/smart-cost-calculator-hosted-sub012/scraper"
	"github.com/Seany5691/smart-cost-calculator-hosted-sub012/services"
	"github.com/Seany5691/smart-cost-calculator-hosted-sub012/storage"
)

// Triggerable allows workers to be nudged outside their tick.
type Triggerable interface {
	Trigger()
}

// Scheduler drives the admission queue: it claims the next entry whenever
// the single processing slot is free and hands it to the engine. An optional
// cron expression submits recurring sweeps of the configured targets.
type Scheduler struct {
	cfg    *config.Config
	engine *scraper.Engine
	queue  *services.QueueService
	store  storage.Store
	cron   *cron.Cron
	stopCh chan struct{}
	log    *zap.Logger

	reaper   Triggerable
	exporter Triggerable
}

func New(cfg *config.Config, engine *scraper.Engine, queue *services.QueueService, store storage.Store) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		engine: engine,
		queue:  queue,
		store:  store,
		cron:   cron.New(),
		stopCh: make(chan struct{}),
		log:    zap.L().With(zap.String("component", "scheduler")),
	}
}

// SetWorkers registers background workers for nudging: the exporter fires
// right after a session completes instead of waiting for its tick.
func (s *Scheduler) SetWorkers(reaper, exporter Triggerable) {
	s.reaper = reaper
	s.exporter = exporter
}

func (s *Scheduler) Start(ctx context.Context) error {
	go s.pollQueue(ctx)

	if s.cfg.Scheduler.Cron != "" {
		s.log.Info("scheduled sweeps enabled", zap.String("cron", s.cfg.Scheduler.Cron))
		_, err := s.cron.AddFunc(s.cfg.Scheduler.Cron, func() {
			s.submitScheduled(ctx)
		})
		if err != nil {
			return eris.Wrap(err, "scheduler: invalid cron expression")
		}
		s.cron.Start()
	}
	return nil
}

func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
	close(s.stopCh)
}

// pollQueue is the single consumer of the admission queue. Before taking new
// work it picks up an entry the previous process left mid-flight, so a
// restarted daemon resumes instead of leaving the slot wedged until the
// reaper clears it.
func (s *Scheduler) pollQueue(ctx context.Context) {
	if entry, err := s.store.GetProcessingEntry(ctx); err != nil {
		s.log.Error("processing entry check failed", zap.Error(err))
	} else if entry != nil {
		s.log.Info("resuming interrupted session",
			zap.String("session_id", entry.SessionID.String()))
		s.runEntry(ctx, entry)
	}

	interval := s.cfg.Scheduler.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			entry, err := s.queue.DequeueNext(ctx)
			if err != nil {
				s.log.Error("dequeue failed", zap.Error(err))
				continue
			}
			if entry == nil {
				continue
			}
			s.runEntry(ctx, entry)
		}
	}
}

func (s *Scheduler) runEntry(ctx context.Context, entry *models.QueueEntry) {
	if err := s.engine.Run(ctx, entry); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.log.Error("session run failed",
			zap.String("session_id", entry.SessionID.String()), zap.Error(err))
	}
	if s.exporter != nil {
		s.exporter.Trigger()
	}
}

// submitScheduled enqueues a sweep over the configured default targets.
func (s *Scheduler) submitScheduled(ctx context.Context) {
	if len(s.cfg.Targets.Towns) == 0 || len(s.cfg.Targets.Industries) == 0 {
		s.log.Warn("scheduled sweep skipped, no targets configured")
		return
	}
	entry, err := s.queue.Enqueue(ctx, "scheduler",
		"scheduled sweep "+time.Now().Format("2006-01-02 15:04"),
		models.SessionConfig{
			Towns:      s.cfg.Targets.Towns,
			Industries: s.cfg.Targets.Industries,
		})
	if err != nil {
		s.log.Error("scheduled sweep submission failed", zap.Error(err))
		return
	}
	s.log.Info("scheduled sweep submitted",
		zap.String("session_id", entry.SessionID.String()),
		zap.Int("position", entry.Position))
}

// TriggerNow submits an immediate sweep of the configured targets, queued
// behind whatever is already waiting.
func (s *Scheduler) TriggerNow(ctx context.Context) (*models.QueueEntry, error) {
	if len(s.cfg.Targets.Towns) == 0 || len(s.cfg.Targets.Industries) == 0 {
		return nil, eris.New("scheduler: no targets configured")
	}
	return s.queue.Enqueue(ctx, "scheduler", "manual sweep", models.SessionConfig{
		Towns:      s.cfg.Targets.Towns,
		Industries: s.cfg.Targets.Industries,
	})
}
