package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Seany5691/smart-cost-calculator-hosted-sub012/models"
)

// Store is the persistence interface shared by the Postgres and SQLite
// backends. Methods that move queue positions run inside a transaction so
// the dense-position sequence survives concurrent writers and crashes.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, s *models.ScrapeSession) error
	GetSession(ctx context.Context, id uuid.UUID) (*models.ScrapeSession, error)
	ListSessions(ctx context.Context, ownerID string, limit int) ([]models.ScrapeSession, error)
	UpdateSessionStatus(ctx context.Context, id uuid.UUID, status models.SessionStatus) error
	UpdateSessionProgress(ctx context.Context, id uuid.UUID, progress int, state models.SessionState, summary models.SessionSummary) error
	MarkSessionStarted(ctx context.Context, id uuid.UUID, t time.Time) error
	TouchSessionHeartbeat(ctx context.Context, id uuid.UUID, t time.Time) error
	DeleteSession(ctx context.Context, id uuid.UUID) error
	MarkStaleSessionsError(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error)
	GetAvgSessionDuration(ctx context.Context) (time.Duration, error)
	GetUnexportedSessions(ctx context.Context, limit int) ([]models.ScrapeSession, error)
	SetSessionExportKey(ctx context.Context, id uuid.UUID, key string) error

	// Admission queue
	EnqueueEntry(ctx context.Context, e *models.QueueEntry) error
	DequeueNextEntry(ctx context.Context) (*models.QueueEntry, error)
	CompleteQueueEntry(ctx context.Context, id uuid.UUID) error
	CancelQueueEntry(ctx context.Context, id uuid.UUID) error
	GetQueueEntry(ctx context.Context, id uuid.UUID) (*models.QueueEntry, error)
	GetQueueEntryBySession(ctx context.Context, sessionID uuid.UUID) (*models.QueueEntry, error)
	GetProcessingEntry(ctx context.Context) (*models.QueueEntry, error)
	SetQueueEntryWait(ctx context.Context, id uuid.UUID, minutes int) error
	CancelStaleProcessing(ctx context.Context, cutoff time.Time) (int64, error)
	CancelExpiredQueued(ctx context.Context, cutoff time.Time) (int64, error)

	// Checkpoints
	SaveCheckpoint(ctx context.Context, cp *models.Checkpoint) error
	LoadCheckpoint(ctx context.Context, sessionID uuid.UUID) (*models.Checkpoint, error)

	// Retry queue
	CreateRetryItem(ctx context.Context, item *models.RetryItem) error
	RestoreRetryItem(ctx context.Context, item *models.RetryItem) error
	GetDueRetryItems(ctx context.Context, sessionID uuid.UUID, now time.Time, limit int) ([]models.RetryItem, error)
	GetPendingRetryItems(ctx context.Context, sessionID uuid.UUID) ([]models.RetryItem, error)
	UpdateRetryItem(ctx context.Context, item *models.RetryItem) error
	DeleteRetryItem(ctx context.Context, id uuid.UUID) error

	// Provider cache
	GetCacheEntry(ctx context.Context, phoneNumber string) (*models.ProviderCacheEntry, error)
	UpsertCacheEntry(ctx context.Context, e *models.ProviderCacheEntry) error

	// Metrics
	RecordMetric(ctx context.Context, m *models.MetricRecord) error
	GetMetricsForSession(ctx context.Context, sessionID uuid.UUID, mtype models.MetricType) ([]models.MetricRecord, error)
	GetLookupSuccessRate(ctx context.Context, sessionID uuid.UUID, since time.Time) (float64, error)

	// Businesses
	CreateBusiness(ctx context.Context, b *models.Business) error
	GetBusinessesForSession(ctx context.Context, sessionID uuid.UUID) ([]models.Business, error)
	UpdateBusinessProvider(ctx context.Context, sessionID uuid.UUID, phone, provider string) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
