package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/Seany5691/smart-cost-calculator-hosted-sub012/models"
	"github.com/Seany5691/smart-cost-calculator-hosted-sub012/storage"
)

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrInvalidTransition = errors.New("invalid session status transition")
)

// SessionService exposes session state to the CRM and guards status
// transitions. Terminal states never move again; running and paused swap
// freely.
type SessionService struct {
	store storage.Store
	log   *zap.Logger
}

func NewSessionService(store storage.Store) *SessionService {
	return &SessionService{
		store: store,
		log:   zap.L().With(zap.String("component", "session")),
	}
}

func (s *SessionService) Get(ctx context.Context, id uuid.UUID) (*models.ScrapeSession, error) {
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

func (s *SessionService) List(ctx context.Context, ownerID string, limit int) ([]models.ScrapeSession, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListSessions(ctx, ownerID, limit)
}

// Pause suspends a running session. The engine notices at its next
// checkpoint and parks until resumed.
func (s *SessionService) Pause(ctx context.Context, id uuid.UUID) error {
	return s.transition(ctx, id, models.SessionStatusPaused)
}

// Resume reactivates a paused session.
func (s *SessionService) Resume(ctx context.Context, id uuid.UUID) error {
	return s.transition(ctx, id, models.SessionStatusRunning)
}

// Stop ends a session for good and withdraws its queue entry.
func (s *SessionService) Stop(ctx context.Context, id uuid.UUID) error {
	if err := s.transition(ctx, id, models.SessionStatusStopped); err != nil {
		return err
	}

	entry, err := s.store.GetQueueEntryBySession(ctx, id)
	if err != nil {
		return err
	}
	if entry != nil && (entry.Status == models.QueueStatusQueued || entry.Status == models.QueueStatusProcessing) {
		if err := s.store.CancelQueueEntry(ctx, entry.ID); err != nil {
			return err
		}
	}
	return nil
}

func (s *SessionService) transition(ctx context.Context, id uuid.UUID, target models.SessionStatus) error {
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if sess == nil {
		return ErrSessionNotFound
	}
	if !sess.Status.CanTransition(target) {
		return eris.Wrapf(ErrInvalidTransition, "%s -> %s", sess.Status, target)
	}
	if err := s.store.UpdateSessionStatus(ctx, id, target); err != nil {
		return err
	}
	s.log.Info("session status changed",
		zap.String("session_id", id.String()),
		zap.String("from", string(sess.Status)),
		zap.String("to", string(target)))
	return nil
}

// Heartbeat stamps liveness. The reaper treats a running session with a
// heartbeat older than its threshold as dead.
func (s *SessionService) Heartbeat(ctx context.Context, id uuid.UUID) error {
	return s.store.TouchSessionHeartbeat(ctx, id, time.Now().UTC())
}

// Start stamps the session when a worker claims it off the queue.
func (s *SessionService) Start(ctx context.Context, id uuid.UUID) error {
	return s.store.MarkSessionStarted(ctx, id, time.Now().UTC())
}

// Progress persists counters and the resume cursor.
func (s *SessionService) Progress(ctx context.Context, id uuid.UUID, progress int, state models.SessionState, summary models.SessionSummary) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	return s.store.UpdateSessionProgress(ctx, id, progress, state, summary)
}

// Finish moves the session to a terminal status and records the outcome.
func (s *SessionService) Finish(ctx context.Context, id uuid.UUID, status models.SessionStatus) error {
	if !status.Terminal() {
		return eris.Wrapf(ErrInvalidTransition, "finish with non-terminal %s", status)
	}
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if sess == nil {
		return ErrSessionNotFound
	}
	if sess.Status.Terminal() {
		return nil
	}
	return s.store.UpdateSessionStatus(ctx, id, status)
}
