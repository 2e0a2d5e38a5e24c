package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/Seany5691/smart-cost-calculator-hosted-sub012/models"
	"github.com/Seany5691/smart-cost-calculator-hosted-sub012/storage"
)

// defaultSessionDuration seeds the wait estimate until enough sessions
// have completed to compute a real average.
const defaultSessionDuration = 15 * time.Minute

// QueueService admits scrape requests into a single-slot processing queue.
// Only one session runs at a time; the rest wait in dense positions 1..N.
type QueueService struct {
	store storage.Store
	log   *zap.Logger
}

func NewQueueService(store storage.Store) *QueueService {
	return &QueueService{
		store: store,
		log:   zap.L().With(zap.String("component", "queue")),
	}
}

// Enqueue validates the request, creates its session record and appends an
// entry at the tail of the queue. The session exists from submission so the
// CRM can show it immediately; its heartbeat stays empty until a worker
// claims the entry.
func (q *QueueService) Enqueue(ctx context.Context, ownerID, name string, cfg models.SessionConfig) (*models.QueueEntry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sess := &models.ScrapeSession{
		ID:      uuid.New(),
		OwnerID: ownerID,
		Name:    name,
		Config:  cfg,
		Status:  models.SessionStatusRunning,
	}
	if err := q.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}

	entry := &models.QueueEntry{
		ID:        uuid.New(),
		OwnerID:   ownerID,
		SessionID: sess.ID,
		Config:    cfg,
	}
	if err := q.store.EnqueueEntry(ctx, entry); err != nil {
		// The session was never admitted; stop it so it doesn't sit in
		// running with no heartbeat, invisible to the reaper.
		if serr := q.store.UpdateSessionStatus(ctx, sess.ID, models.SessionStatusStopped); serr != nil {
			q.log.Warn("failed to stop unadmitted session",
				zap.String("session_id", sess.ID.String()), zap.Error(serr))
		}
		return nil, err
	}

	entry.EstimatedWaitMinutes = q.estimateWait(ctx, entry.Position)
	if err := q.store.SetQueueEntryWait(ctx, entry.ID, entry.EstimatedWaitMinutes); err != nil {
		q.log.Warn("failed to persist wait estimate", zap.Error(err))
	}

	q.log.Info("enqueued session",
		zap.String("session_id", sess.ID.String()),
		zap.Int("position", entry.Position),
		zap.Int("estimated_wait_minutes", entry.EstimatedWaitMinutes))
	return entry, nil
}

// DequeueNext claims the head of the queue if the processing slot is free.
// Returns nil when the slot is taken or nothing waits.
func (q *QueueService) DequeueNext(ctx context.Context) (*models.QueueEntry, error) {
	entry, err := q.store.DequeueNextEntry(ctx)
	if err != nil || entry == nil {
		return nil, err
	}
	q.log.Info("claimed queue entry",
		zap.String("entry_id", entry.ID.String()),
		zap.String("session_id", entry.SessionID.String()))
	return entry, nil
}

// Complete releases the processing slot after a session finishes.
func (q *QueueService) Complete(ctx context.Context, entryID uuid.UUID) error {
	return q.store.CompleteQueueEntry(ctx, entryID)
}

// Cancel withdraws an entry and stops its session. Later entries slide up
// to keep positions dense.
func (q *QueueService) Cancel(ctx context.Context, entryID uuid.UUID) error {
	entry, err := q.store.GetQueueEntry(ctx, entryID)
	if err != nil {
		return err
	}
	if entry == nil {
		return eris.Errorf("queue entry %s not found", entryID)
	}
	if entry.Status == models.QueueStatusCompleted || entry.Status == models.QueueStatusCancelled {
		return nil
	}

	if err := q.store.CancelQueueEntry(ctx, entryID); err != nil {
		return err
	}

	sess, err := q.store.GetSession(ctx, entry.SessionID)
	if err != nil {
		return err
	}
	if sess != nil && !sess.Status.Terminal() {
		if err := q.store.UpdateSessionStatus(ctx, sess.ID, models.SessionStatusStopped); err != nil {
			return err
		}
	}

	q.log.Info("cancelled queue entry",
		zap.String("entry_id", entryID.String()),
		zap.String("session_id", entry.SessionID.String()))
	return nil
}

// Position reports where a session's entry stands and a live wait estimate.
// Position 0 means the session holds the processing slot.
func (q *QueueService) Position(ctx context.Context, sessionID uuid.UUID) (*models.QueueEntry, error) {
	entry, err := q.store.GetQueueEntryBySession(ctx, sessionID)
	if err != nil || entry == nil {
		return nil, err
	}
	if entry.Status == models.QueueStatusQueued {
		entry.EstimatedWaitMinutes = q.estimateWait(ctx, entry.Position)
	} else {
		entry.EstimatedWaitMinutes = 0
	}
	return entry, nil
}

// estimateWait projects the wait from the average duration of completed
// sessions. The head of the line waits zero.
func (q *QueueService) estimateWait(ctx context.Context, position int) int {
	if position <= 1 {
		return 0
	}
	avg, err := q.store.GetAvgSessionDuration(ctx)
	if err != nil {
		q.log.Warn("failed to read average session duration", zap.Error(err))
		avg = 0
	}
	if avg <= 0 {
		avg = defaultSessionDuration
	}
	return int(avg.Minutes() * float64(position-1))
}
