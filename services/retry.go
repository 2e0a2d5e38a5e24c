package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/Seany5691/smart-cost-calculator-hosted-sub012/models"
	"github.com/Seany5691/smart-cost-calculator-hosted-sub012/storage"
)

// RetryService owns the per-session queue of failed operations. Items are
// scheduled with exponential backoff and dropped after the attempt budget
// runs out.
type RetryService struct {
	store   storage.Store
	metrics *MetricsService
	log     *zap.Logger
}

func NewRetryService(store storage.Store, metrics *MetricsService) *RetryService {
	return &RetryService{
		store:   store,
		metrics: metrics,
		log:     zap.L().With(zap.String("component", "retry")),
	}
}

// Backoff returns the wait before the given attempt runs. The first
// attempt waits one second and every further attempt doubles it.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Second << uint(attempt-1)
}

// Push records a fresh failure for later retry. The operation has already
// failed once, so the item starts at attempt 1.
func (s *RetryService) Push(ctx context.Context, sessionID uuid.UUID, kind models.RetryKind, payload any) (*models.RetryItem, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, eris.Wrap(err, "retry: marshal payload")
	}

	item := &models.RetryItem{
		ID:          uuid.New(),
		SessionID:   sessionID,
		Kind:        kind,
		Payload:     body,
		Attempts:    1,
		NextRetryAt: time.Now().UTC().Add(Backoff(1)),
	}
	if err := s.store.CreateRetryItem(ctx, item); err != nil {
		return nil, err
	}

	s.log.Debug("pushed retry item",
		zap.String("session_id", sessionID.String()),
		zap.String("kind", string(kind)))
	return item, nil
}

// Due returns items whose backoff has elapsed.
func (s *RetryService) Due(ctx context.Context, sessionID uuid.UUID, limit int) ([]models.RetryItem, error) {
	return s.store.GetDueRetryItems(ctx, sessionID, time.Now().UTC(), limit)
}

// MarkFailed bumps the attempt counter and reschedules, or drops the item
// once its budget is spent. Dropped items leave a failed metric behind and
// are flagged for operator attention.
func (s *RetryService) MarkFailed(ctx context.Context, item *models.RetryItem) error {
	item.Attempts++
	if item.Attempts > models.MaxRetryAttempts {
		if err := s.store.DeleteRetryItem(ctx, item.ID); err != nil {
			return err
		}
		if err := s.metrics.Record(ctx, item.SessionID, models.MetricType(item.Kind),
			"retry_exhausted", float64(item.Attempts-1), false,
			map[string]any{"payload": json.RawMessage(item.Payload)}); err != nil {
			s.log.Warn("failed to record drop metric", zap.Error(err))
		}
		s.log.Error("retry budget exhausted, dropping item",
			zap.String("session_id", item.SessionID.String()),
			zap.String("kind", string(item.Kind)),
			zap.Int("attempts", item.Attempts-1))
		return nil
	}

	item.NextRetryAt = time.Now().UTC().Add(Backoff(item.Attempts))
	return s.store.UpdateRetryItem(ctx, item)
}

// MarkSucceeded removes a recovered item from the queue.
func (s *RetryService) MarkSucceeded(ctx context.Context, item *models.RetryItem) error {
	return s.store.DeleteRetryItem(ctx, item.ID)
}

// Snapshot serializes the session's pending items for the checkpoint row.
func (s *RetryService) Snapshot(ctx context.Context, sessionID uuid.UUID) (json.RawMessage, error) {
	items, err := s.store.GetPendingRetryItems(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []models.RetryItem{}
	}
	body, err := json.Marshal(items)
	if err != nil {
		return nil, eris.Wrap(err, "retry: marshal snapshot")
	}
	return body, nil
}

// Restore re-inserts snapshotted items after a resume. Items that survived
// in the table keep their stored state; the snapshot only fills gaps.
func (s *RetryService) Restore(ctx context.Context, snapshot json.RawMessage) (int, error) {
	if len(snapshot) == 0 {
		return 0, nil
	}
	var items []models.RetryItem
	if err := json.Unmarshal(snapshot, &items); err != nil {
		return 0, eris.Wrap(err, "retry: unmarshal snapshot")
	}
	for i := range items {
		if err := s.store.RestoreRetryItem(ctx, &items[i]); err != nil {
			return 0, err
		}
	}
	return len(items), nil
}
