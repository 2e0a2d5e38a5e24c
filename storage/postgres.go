package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/Seany5691/smart-cost-calculator-hosted-sub012/models"
)

// PostgresStore implements Store on a pgx connection pool. This is the
// production backend; the surrounding CRM reads the same tables.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS scrape_sessions (
		id UUID PRIMARY KEY,
		owner_id TEXT NOT NULL,
		name TEXT,
		config JSONB NOT NULL,
		status TEXT NOT NULL,
		progress INT DEFAULT 0,
		state JSONB,
		summary JSONB,
		heartbeat_at TIMESTAMPTZ,
		started_at TIMESTAMPTZ,
		finished_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS checkpoints (
		session_id UUID PRIMARY KEY REFERENCES scrape_sessions(id) ON DELETE CASCADE,
		current_industry TEXT,
		current_town TEXT,
		processed_count INT DEFAULT 0,
		retry_snapshot JSONB,
		batch_state JSONB,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS retry_items (
		id UUID PRIMARY KEY,
		session_id UUID NOT NULL REFERENCES scrape_sessions(id) ON DELETE CASCADE,
		kind TEXT NOT NULL,
		payload JSONB,
		attempts INT DEFAULT 1,
		next_retry_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS queue_entries (
		id UUID PRIMARY KEY,
		owner_id TEXT NOT NULL,
		session_id UUID NOT NULL REFERENCES scrape_sessions(id) ON DELETE CASCADE,
		config JSONB NOT NULL,
		status TEXT NOT NULL,
		position INT NOT NULL,
		estimated_wait_minutes INT DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS provider_cache (
		phone_number TEXT PRIMARY KEY,
		provider TEXT NOT NULL,
		confidence INT DEFAULT 0,
		last_checked TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS metric_records (
		id BIGSERIAL PRIMARY KEY,
		session_id UUID NOT NULL,
		type TEXT NOT NULL,
		name TEXT,
		value DOUBLE PRECISION DEFAULT 0,
		success BOOLEAN DEFAULT TRUE,
		metadata JSONB,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS businesses (
		id UUID PRIMARY KEY,
		session_id UUID NOT NULL REFERENCES scrape_sessions(id) ON DELETE CASCADE,
		name TEXT,
		phone TEXT,
		provider TEXT,
		address TEXT,
		town TEXT,
		category TEXT,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_status ON scrape_sessions(status, heartbeat_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_owner ON scrape_sessions(owner_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_queue_status_position ON queue_entries(status, position);
	CREATE INDEX IF NOT EXISTS idx_queue_session ON queue_entries(session_id);
	CREATE INDEX IF NOT EXISTS idx_retry_due ON retry_items(session_id, next_retry_at);
	CREATE INDEX IF NOT EXISTS idx_metrics_session ON metric_records(session_id, type, created_at);
	CREATE INDEX IF NOT EXISTS idx_businesses_session ON businesses(session_id);
	`
	_, err := s.pool.Exec(ctx, schema)
	return eris.Wrap(err, "postgres: migrate")
}

// =============================================================================
// Sessions
// =============================================================================

func (s *PostgresStore) CreateSession(ctx context.Context, sess *models.ScrapeSession) error {
	config, err := json.Marshal(sess.Config)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal session config")
	}
	state, _ := json.Marshal(sess.State)
	summary, _ := json.Marshal(sess.Summary)

	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now

	_, err = s.pool.Exec(ctx, `
		INSERT INTO scrape_sessions (id, owner_id, name, config, status, progress, state, summary,
			heartbeat_at, started_at, finished_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		sess.ID, sess.OwnerID, sess.Name, config, sess.Status, sess.Progress, state, summary,
		sess.HeartbeatAt, sess.StartedAt, sess.FinishedAt, sess.CreatedAt, sess.UpdatedAt)
	return eris.Wrap(err, "postgres: insert session")
}

const sessionColumns = `id, owner_id, name, config, status, progress, state, summary,
	heartbeat_at, started_at, finished_at, created_at, updated_at`

func (s *PostgresStore) GetSession(ctx context.Context, id uuid.UUID) (*models.ScrapeSession, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+` FROM scrape_sessions WHERE id = $1`, id)

	sess, err := scanSessionPg(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get session")
	}
	return sess, nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, ownerID string, limit int) ([]models.ScrapeSession, error) {
	var rows pgx.Rows
	var err error
	if ownerID != "" {
		rows, err = s.pool.Query(ctx, `
			SELECT `+sessionColumns+` FROM scrape_sessions
			WHERE owner_id = $1 ORDER BY created_at DESC LIMIT $2`, ownerID, limit)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT `+sessionColumns+` FROM scrape_sessions
			ORDER BY created_at DESC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sessions")
	}
	defer rows.Close()

	var sessions []models.ScrapeSession
	for rows.Next() {
		sess, err := scanSessionPg(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan session")
		}
		sessions = append(sessions, *sess)
	}
	return sessions, eris.Wrap(rows.Err(), "postgres: list sessions iterate")
}

// GetUnexportedSessions lists completed sessions whose summary has no export
// key yet.
func (s *PostgresStore) GetUnexportedSessions(ctx context.Context, limit int) ([]models.ScrapeSession, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+sessionColumns+` FROM scrape_sessions
		WHERE status = $1 AND COALESCE(summary->>'export_key', '') = ''
		ORDER BY finished_at ASC LIMIT $2`, models.SessionStatusCompleted, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list unexported sessions")
	}
	defer rows.Close()

	var sessions []models.ScrapeSession
	for rows.Next() {
		sess, err := scanSessionPg(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan session")
		}
		sessions = append(sessions, *sess)
	}
	return sessions, eris.Wrap(rows.Err(), "postgres: list unexported iterate")
}

// SetSessionExportKey stamps the summary with the object key the export
// landed on.
func (s *PostgresStore) SetSessionExportKey(ctx context.Context, id uuid.UUID, key string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE scrape_sessions
		SET summary = jsonb_set(COALESCE(summary, '{}'::jsonb), '{export_key}', to_jsonb($2::text)),
			updated_at = now()
		WHERE id = $1`, id, key)
	return eris.Wrap(err, "postgres: set export key")
}

func (s *PostgresStore) UpdateSessionStatus(ctx context.Context, id uuid.UUID, status models.SessionStatus) error {
	now := time.Now().UTC()
	var err error
	if status.Terminal() {
		_, err = s.pool.Exec(ctx, `
			UPDATE scrape_sessions SET status = $2, finished_at = COALESCE(finished_at, $3), updated_at = $3
			WHERE id = $1`, id, status, now)
	} else {
		_, err = s.pool.Exec(ctx, `
			UPDATE scrape_sessions SET status = $2, updated_at = $3 WHERE id = $1`, id, status, now)
	}
	return eris.Wrapf(err, "postgres: update session status %s", id)
}

func (s *PostgresStore) UpdateSessionProgress(ctx context.Context, id uuid.UUID, progress int, state models.SessionState, summary models.SessionSummary) error {
	stateJSON, _ := json.Marshal(state)
	summaryJSON, _ := json.Marshal(summary)
	_, err := s.pool.Exec(ctx, `
		UPDATE scrape_sessions SET progress = $2, state = $3, summary = $4, updated_at = $5
		WHERE id = $1`, id, progress, stateJSON, summaryJSON, time.Now().UTC())
	return eris.Wrapf(err, "postgres: update session progress %s", id)
}

func (s *PostgresStore) MarkSessionStarted(ctx context.Context, id uuid.UUID, t time.Time) error {
	t = t.UTC()
	_, err := s.pool.Exec(ctx, `
		UPDATE scrape_sessions SET started_at = COALESCE(started_at, $2), heartbeat_at = $2, updated_at = $2
		WHERE id = $1`, id, t)
	return eris.Wrapf(err, "postgres: mark session started %s", id)
}

func (s *PostgresStore) TouchSessionHeartbeat(ctx context.Context, id uuid.UUID, t time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE scrape_sessions SET heartbeat_at = $2 WHERE id = $1`, id, t.UTC())
	return eris.Wrapf(err, "postgres: touch heartbeat %s", id)
}

func (s *PostgresStore) DeleteSession(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM scrape_sessions WHERE id = $1`, id)
	return eris.Wrapf(err, "postgres: delete session %s", id)
}

func (s *PostgresStore) MarkStaleSessionsError(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	now := time.Now().UTC()
	rows, err := s.pool.Query(ctx, `
		UPDATE scrape_sessions SET status = $1, finished_at = COALESCE(finished_at, $2), updated_at = $2
		WHERE status = $3 AND heartbeat_at IS NOT NULL AND heartbeat_at < $4
		RETURNING id`,
		models.SessionStatusError, now, models.SessionStatusRunning, cutoff.UTC())
	if err != nil {
		return nil, eris.Wrap(err, "postgres: mark stale sessions")
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan stale session id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "postgres: iterate stale sessions")
}

func (s *PostgresStore) GetAvgSessionDuration(ctx context.Context) (time.Duration, error) {
	var seconds float64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(AVG(EXTRACT(EPOCH FROM (finished_at - started_at))), 0)
		FROM scrape_sessions
		WHERE status = $1 AND started_at IS NOT NULL AND finished_at IS NOT NULL`,
		models.SessionStatusCompleted).Scan(&seconds)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: avg session duration")
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

type pgScanner interface {
	Scan(dest ...any) error
}

func scanSessionPg(row pgScanner) (*models.ScrapeSession, error) {
	var sess models.ScrapeSession
	var config, state, summary []byte
	err := row.Scan(&sess.ID, &sess.OwnerID, &sess.Name, &config, &sess.Status, &sess.Progress,
		&state, &summary, &sess.HeartbeatAt, &sess.StartedAt, &sess.FinishedAt,
		&sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(config, &sess.Config); err != nil {
		return nil, err
	}
	if len(state) > 0 {
		if err := json.Unmarshal(state, &sess.State); err != nil {
			return nil, err
		}
	}
	if len(summary) > 0 {
		if err := json.Unmarshal(summary, &sess.Summary); err != nil {
			return nil, err
		}
	}
	return &sess, nil
}

// =============================================================================
// Admission queue
// =============================================================================

const queueColumns = `id, owner_id, session_id, config, status, position, estimated_wait_minutes,
	created_at, started_at, completed_at`

func (s *PostgresStore) EnqueueEntry(ctx context.Context, e *models.QueueEntry) error {
	config, err := json.Marshal(e.Config)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal entry config")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin enqueue")
	}
	defer tx.Rollback(ctx)

	var maxPos int
	if err := tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(position), 0) FROM queue_entries WHERE status IN ($1, $2)`,
		models.QueueStatusQueued, models.QueueStatusProcessing).Scan(&maxPos); err != nil {
		return eris.Wrap(err, "postgres: read max position")
	}
	e.Position = maxPos + 1
	e.Status = models.QueueStatusQueued
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO queue_entries (id, owner_id, session_id, config, status, position,
			estimated_wait_minutes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.OwnerID, e.SessionID, config, e.Status, e.Position,
		e.EstimatedWaitMinutes, e.CreatedAt); err != nil {
		return eris.Wrap(err, "postgres: insert queue entry")
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit enqueue")
}

func (s *PostgresStore) DequeueNextEntry(ctx context.Context) (*models.QueueEntry, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin dequeue")
	}
	defer tx.Rollback(ctx)

	var busy int
	if err := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM queue_entries WHERE status = $1`,
		models.QueueStatusProcessing).Scan(&busy); err != nil {
		return nil, eris.Wrap(err, "postgres: count processing")
	}
	if busy > 0 {
		return nil, nil
	}

	row := tx.QueryRow(ctx, `
		SELECT `+queueColumns+` FROM queue_entries
		WHERE status = $1 ORDER BY position LIMIT 1 FOR UPDATE`,
		models.QueueStatusQueued)
	entry, err := scanQueueEntryPg(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan next entry")
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `
		UPDATE queue_entries SET status = $2, position = 0, started_at = $3 WHERE id = $1`,
		entry.ID, models.QueueStatusProcessing, now); err != nil {
		return nil, eris.Wrap(err, "postgres: claim entry")
	}
	if _, err := tx.Exec(ctx, `
		UPDATE queue_entries SET position = position - 1 WHERE status = $1 AND position > $2`,
		models.QueueStatusQueued, entry.Position); err != nil {
		return nil, eris.Wrap(err, "postgres: compact positions")
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit dequeue")
	}

	entry.Status = models.QueueStatusProcessing
	entry.Position = 0
	entry.StartedAt = &now
	return entry, nil
}

func (s *PostgresStore) CompleteQueueEntry(ctx context.Context, id uuid.UUID) error {
	return s.finishQueueEntry(ctx, id, models.QueueStatusCompleted)
}

func (s *PostgresStore) CancelQueueEntry(ctx context.Context, id uuid.UUID) error {
	return s.finishQueueEntry(ctx, id, models.QueueStatusCancelled)
}

func (s *PostgresStore) finishQueueEntry(ctx context.Context, id uuid.UUID, status models.QueueStatus) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin finish entry")
	}
	defer tx.Rollback(ctx)

	var prevStatus models.QueueStatus
	var position int
	err = tx.QueryRow(ctx, `
		SELECT status, position FROM queue_entries WHERE id = $1 FOR UPDATE`, id).Scan(&prevStatus, &position)
	if err == pgx.ErrNoRows {
		return eris.Errorf("queue entry %s not found", id)
	}
	if err != nil {
		return eris.Wrap(err, "postgres: read entry for finish")
	}

	if _, err := tx.Exec(ctx, `
		UPDATE queue_entries SET status = $2, position = 0, completed_at = $3 WHERE id = $1`,
		id, status, time.Now().UTC()); err != nil {
		return eris.Wrap(err, "postgres: finish entry")
	}
	if prevStatus == models.QueueStatusQueued {
		if _, err := tx.Exec(ctx, `
			UPDATE queue_entries SET position = position - 1 WHERE status = $1 AND position > $2`,
			models.QueueStatusQueued, position); err != nil {
			return eris.Wrap(err, "postgres: compact positions")
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit finish entry")
}

func (s *PostgresStore) GetQueueEntry(ctx context.Context, id uuid.UUID) (*models.QueueEntry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+queueColumns+` FROM queue_entries WHERE id = $1`, id)
	entry, err := scanQueueEntryPg(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get queue entry")
	}
	return entry, nil
}

func (s *PostgresStore) SetQueueEntryWait(ctx context.Context, id uuid.UUID, minutes int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE queue_entries SET estimated_wait_minutes = $2 WHERE id = $1`, id, minutes)
	return eris.Wrapf(err, "postgres: set entry wait %s", id)
}

func (s *PostgresStore) GetQueueEntryBySession(ctx context.Context, sessionID uuid.UUID) (*models.QueueEntry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+queueColumns+` FROM queue_entries
		WHERE session_id = $1 ORDER BY created_at DESC LIMIT 1`, sessionID)
	entry, err := scanQueueEntryPg(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get entry by session")
	}
	return entry, nil
}

// GetProcessingEntry returns the entry currently holding the processing
// slot, if any. The scheduler uses it at startup to resume an interrupted
// session instead of claiming a new one.
func (s *PostgresStore) GetProcessingEntry(ctx context.Context) (*models.QueueEntry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+queueColumns+` FROM queue_entries
		WHERE status = $1 LIMIT 1`, models.QueueStatusProcessing)
	entry, err := scanQueueEntryPg(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get processing entry")
	}
	return entry, nil
}

func (s *PostgresStore) CancelStaleProcessing(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE queue_entries SET status = $1, position = 0, completed_at = $2
		WHERE status = $3 AND started_at IS NOT NULL AND started_at < $4
		AND session_id IN (SELECT id FROM scrape_sessions WHERE status IN ($5, $6, $7))`,
		models.QueueStatusCancelled, time.Now().UTC(),
		models.QueueStatusProcessing, cutoff.UTC(),
		models.SessionStatusStopped, models.SessionStatusCompleted, models.SessionStatusError)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: cancel stale processing")
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) CancelExpiredQueued(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: begin expire sweep")
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	rows, err := tx.Query(ctx, `
		UPDATE queue_entries SET status = $1, position = 0, completed_at = $2
		WHERE status = $3 AND created_at < $4
		RETURNING session_id`,
		models.QueueStatusCancelled, now, models.QueueStatusQueued, cutoff.UTC())
	if err != nil {
		return 0, eris.Wrap(err, "postgres: cancel expired queued")
	}
	var sessionIDs []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, eris.Wrap(err, "postgres: scan expired session id")
		}
		sessionIDs = append(sessionIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, eris.Wrap(err, "postgres: iterate expired entries")
	}
	if len(sessionIDs) == 0 {
		return 0, nil
	}

	for _, id := range sessionIDs {
		if _, err := tx.Exec(ctx, `
			UPDATE scrape_sessions SET status = $2, finished_at = COALESCE(finished_at, $3), updated_at = $3
			WHERE id = $1 AND status NOT IN ($4, $5, $6)`,
			id, models.SessionStatusStopped, now,
			models.SessionStatusStopped, models.SessionStatusCompleted, models.SessionStatusError); err != nil {
			return 0, eris.Wrap(err, "postgres: stop abandoned session")
		}
	}

	// Renumber the surviving queued entries 1..N.
	if _, err := tx.Exec(ctx, `
		WITH ranked AS (
			SELECT id, ROW_NUMBER() OVER (ORDER BY position) AS rn
			FROM queue_entries WHERE status = $1
		)
		UPDATE queue_entries SET position = ranked.rn
		FROM ranked WHERE queue_entries.id = ranked.id`,
		models.QueueStatusQueued); err != nil {
		return 0, eris.Wrap(err, "postgres: resequence queued")
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "postgres: commit expire sweep")
	}
	return int64(len(sessionIDs)), nil
}

func scanQueueEntryPg(row pgScanner) (*models.QueueEntry, error) {
	var e models.QueueEntry
	var config []byte
	err := row.Scan(&e.ID, &e.OwnerID, &e.SessionID, &config, &e.Status, &e.Position,
		&e.EstimatedWaitMinutes, &e.CreatedAt, &e.StartedAt, &e.CompletedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(config, &e.Config); err != nil {
		return nil, err
	}
	return &e, nil
}

// =============================================================================
// Checkpoints
// =============================================================================

func (s *PostgresStore) SaveCheckpoint(ctx context.Context, cp *models.Checkpoint) error {
	cp.UpdatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO checkpoints (session_id, current_industry, current_town, processed_count,
			retry_snapshot, batch_state, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (session_id) DO UPDATE SET
			current_industry = EXCLUDED.current_industry,
			current_town = EXCLUDED.current_town,
			processed_count = EXCLUDED.processed_count,
			retry_snapshot = EXCLUDED.retry_snapshot,
			batch_state = EXCLUDED.batch_state,
			updated_at = EXCLUDED.updated_at`,
		cp.SessionID, cp.CurrentIndustry, cp.CurrentTown, cp.ProcessedCount,
		[]byte(cp.RetrySnapshot), []byte(cp.BatchState), cp.UpdatedAt)
	return eris.Wrapf(err, "postgres: save checkpoint %s", cp.SessionID)
}

func (s *PostgresStore) LoadCheckpoint(ctx context.Context, sessionID uuid.UUID) (*models.Checkpoint, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT session_id, current_industry, current_town, processed_count,
			retry_snapshot, batch_state, updated_at
		FROM checkpoints WHERE session_id = $1`, sessionID)

	var cp models.Checkpoint
	err := row.Scan(&cp.SessionID, &cp.CurrentIndustry, &cp.CurrentTown, &cp.ProcessedCount,
		&cp.RetrySnapshot, &cp.BatchState, &cp.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: load checkpoint %s", sessionID)
	}
	return &cp, nil
}

// =============================================================================
// Retry queue
// =============================================================================

const retryColumns = `id, session_id, kind, payload, attempts, next_retry_at, created_at`

func (s *PostgresStore) CreateRetryItem(ctx context.Context, item *models.RetryItem) error {
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO retry_items (id, session_id, kind, payload, attempts, next_retry_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		item.ID, item.SessionID, item.Kind, []byte(item.Payload), item.Attempts,
		item.NextRetryAt.UTC(), item.CreatedAt)
	return eris.Wrap(err, "postgres: insert retry item")
}

func (s *PostgresStore) RestoreRetryItem(ctx context.Context, item *models.RetryItem) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO retry_items (id, session_id, kind, payload, attempts, next_retry_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		item.ID, item.SessionID, item.Kind, []byte(item.Payload), item.Attempts,
		item.NextRetryAt.UTC(), item.CreatedAt.UTC())
	return eris.Wrap(err, "postgres: restore retry item")
}

func (s *PostgresStore) GetDueRetryItems(ctx context.Context, sessionID uuid.UUID, now time.Time, limit int) ([]models.RetryItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+retryColumns+` FROM retry_items
		WHERE session_id = $1 AND next_retry_at <= $2
		ORDER BY next_retry_at ASC LIMIT $3`, sessionID, now.UTC(), limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query due retry items")
	}
	return collectRetryItems(rows)
}

func (s *PostgresStore) GetPendingRetryItems(ctx context.Context, sessionID uuid.UUID) ([]models.RetryItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+retryColumns+` FROM retry_items
		WHERE session_id = $1 ORDER BY next_retry_at ASC`, sessionID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query pending retry items")
	}
	return collectRetryItems(rows)
}

func collectRetryItems(rows pgx.Rows) ([]models.RetryItem, error) {
	defer rows.Close()
	var items []models.RetryItem
	for rows.Next() {
		var item models.RetryItem
		if err := rows.Scan(&item.ID, &item.SessionID, &item.Kind, &item.Payload,
			&item.Attempts, &item.NextRetryAt, &item.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan retry item")
		}
		items = append(items, item)
	}
	return items, eris.Wrap(rows.Err(), "postgres: iterate retry items")
}

func (s *PostgresStore) UpdateRetryItem(ctx context.Context, item *models.RetryItem) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE retry_items SET attempts = $2, next_retry_at = $3 WHERE id = $1`,
		item.ID, item.Attempts, item.NextRetryAt.UTC())
	return eris.Wrapf(err, "postgres: update retry item %s", item.ID)
}

func (s *PostgresStore) DeleteRetryItem(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM retry_items WHERE id = $1`, id)
	return eris.Wrapf(err, "postgres: delete retry item %s", id)
}

// =============================================================================
// Provider cache
// =============================================================================

func (s *PostgresStore) GetCacheEntry(ctx context.Context, phoneNumber string) (*models.ProviderCacheEntry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT phone_number, provider, confidence, last_checked
		FROM provider_cache WHERE phone_number = $1`, phoneNumber)

	var e models.ProviderCacheEntry
	err := row.Scan(&e.PhoneNumber, &e.Provider, &e.Confidence, &e.LastChecked)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get cache entry")
	}
	return &e, nil
}

func (s *PostgresStore) UpsertCacheEntry(ctx context.Context, e *models.ProviderCacheEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO provider_cache (phone_number, provider, confidence, last_checked)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (phone_number) DO UPDATE SET
			provider = EXCLUDED.provider,
			confidence = EXCLUDED.confidence,
			last_checked = EXCLUDED.last_checked`,
		e.PhoneNumber, e.Provider, e.Confidence, e.LastChecked.UTC())
	return eris.Wrap(err, "postgres: upsert cache entry")
}

// =============================================================================
// Metrics
// =============================================================================

func (s *PostgresStore) RecordMetric(ctx context.Context, m *models.MetricRecord) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO metric_records (session_id, type, name, value, success, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		m.SessionID, m.Type, m.Name, m.Value, m.Success, []byte(m.Metadata), m.CreatedAt).Scan(&m.ID)
	return eris.Wrap(err, "postgres: insert metric")
}

func (s *PostgresStore) GetMetricsForSession(ctx context.Context, sessionID uuid.UUID, mtype models.MetricType) ([]models.MetricRecord, error) {
	var rows pgx.Rows
	var err error
	if mtype != "" {
		rows, err = s.pool.Query(ctx, `
			SELECT id, session_id, type, name, value, success, metadata, created_at
			FROM metric_records WHERE session_id = $1 AND type = $2 ORDER BY created_at`,
			sessionID, mtype)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT id, session_id, type, name, value, success, metadata, created_at
			FROM metric_records WHERE session_id = $1 ORDER BY created_at`, sessionID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query metrics")
	}
	defer rows.Close()

	var records []models.MetricRecord
	for rows.Next() {
		var m models.MetricRecord
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Type, &m.Name, &m.Value,
			&m.Success, &m.Metadata, &m.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan metric")
		}
		records = append(records, m)
	}
	return records, eris.Wrap(rows.Err(), "postgres: iterate metrics")
}

func (s *PostgresStore) GetLookupSuccessRate(ctx context.Context, sessionID uuid.UUID, since time.Time) (float64, error) {
	var rate float64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(AVG(CASE WHEN success THEN 1.0 ELSE 0.0 END), 1.0)
		FROM metric_records
		WHERE session_id = $1 AND type = $2 AND created_at >= $3`,
		sessionID, models.MetricTypeLookup, since.UTC()).Scan(&rate)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: lookup success rate")
	}
	return rate, nil
}

// =============================================================================
// Businesses
// =============================================================================

func (s *PostgresStore) CreateBusiness(ctx context.Context, b *models.Business) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO businesses (id, session_id, name, phone, provider, address, town, category, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		b.ID, b.SessionID, b.Name, b.Phone, b.Provider, b.Address, b.Town, b.Category, b.CreatedAt)
	return eris.Wrap(err, "postgres: insert business")
}

func (s *PostgresStore) GetBusinessesForSession(ctx context.Context, sessionID uuid.UUID) ([]models.Business, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, name, phone, provider, address, town, category, created_at
		FROM businesses WHERE session_id = $1 ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query businesses")
	}
	defer rows.Close()

	var businesses []models.Business
	for rows.Next() {
		var b models.Business
		if err := rows.Scan(&b.ID, &b.SessionID, &b.Name, &b.Phone, &b.Provider,
			&b.Address, &b.Town, &b.Category, &b.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan business")
		}
		businesses = append(businesses, b)
	}
	return businesses, eris.Wrap(rows.Err(), "postgres: iterate businesses")
}

func (s *PostgresStore) UpdateBusinessProvider(ctx context.Context, sessionID uuid.UUID, phone, provider string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE businesses SET provider = $3 WHERE session_id = $1 AND phone = $2`,
		sessionID, phone, provider)
	return eris.Wrap(err, "postgres: update business provider")
}
