package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rotisserie/eris"

	"github.com/Seany5691/smart-cost-calculator-hosted-sub012/models"
)

// SQLiteStore implements Store on a single-file database. Suited to
// single-host deployments and the test suite.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}

	store := &SQLiteStore{db: db}
	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS scrape_sessions (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		name TEXT,
		config JSON NOT NULL,
		status TEXT NOT NULL,
		progress INTEGER DEFAULT 0,
		state JSON,
		summary JSON,
		heartbeat_at DATETIME,
		started_at DATETIME,
		finished_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS checkpoints (
		session_id TEXT PRIMARY KEY REFERENCES scrape_sessions(id) ON DELETE CASCADE,
		current_industry TEXT,
		current_town TEXT,
		processed_count INTEGER DEFAULT 0,
		retry_snapshot JSON,
		batch_state JSON,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS retry_items (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES scrape_sessions(id) ON DELETE CASCADE,
		kind TEXT NOT NULL,
		payload JSON,
		attempts INTEGER DEFAULT 1,
		next_retry_at DATETIME NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS queue_entries (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		session_id TEXT NOT NULL REFERENCES scrape_sessions(id) ON DELETE CASCADE,
		config JSON NOT NULL,
		status TEXT NOT NULL,
		position INTEGER NOT NULL,
		estimated_wait_minutes INTEGER DEFAULT 0,
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS provider_cache (
		phone_number TEXT PRIMARY KEY,
		provider TEXT NOT NULL,
		confidence INTEGER DEFAULT 0,
		last_checked DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS metric_records (
		id INTEGER PRIMARY KEY,
		session_id TEXT NOT NULL,
		type TEXT NOT NULL,
		name TEXT,
		value REAL DEFAULT 0,
		success BOOLEAN DEFAULT TRUE,
		metadata JSON,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS businesses (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES scrape_sessions(id) ON DELETE CASCADE,
		name TEXT,
		phone TEXT,
		provider TEXT,
		address TEXT,
		town TEXT,
		category TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_status ON scrape_sessions(status, heartbeat_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_owner ON scrape_sessions(owner_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_queue_status_position ON queue_entries(status, position);
	CREATE INDEX IF NOT EXISTS idx_queue_session ON queue_entries(session_id);
	CREATE INDEX IF NOT EXISTS idx_retry_due ON retry_items(session_id, next_retry_at);
	CREATE INDEX IF NOT EXISTS idx_metrics_session ON metric_records(session_id, type, created_at);
	CREATE INDEX IF NOT EXISTS idx_businesses_session ON businesses(session_id);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return eris.Wrap(err, "sqlite: migrate")
}

// =============================================================================
// Sessions
// =============================================================================

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *models.ScrapeSession) error {
	config, err := json.Marshal(sess.Config)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal session config")
	}
	state, _ := json.Marshal(sess.State)
	summary, _ := json.Marshal(sess.Summary)

	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scrape_sessions (id, owner_id, name, config, status, progress, state, summary,
			heartbeat_at, started_at, finished_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.OwnerID, sess.Name, config, sess.Status, sess.Progress, state, summary,
		sess.HeartbeatAt, sess.StartedAt, sess.FinishedAt, sess.CreatedAt, sess.UpdatedAt)
	return eris.Wrap(err, "sqlite: insert session")
}

func (s *SQLiteStore) GetSession(ctx context.Context, id uuid.UUID) (*models.ScrapeSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, name, config, status, progress, state, summary,
			heartbeat_at, started_at, finished_at, created_at, updated_at
		FROM scrape_sessions WHERE id = ?`, id)

	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get session")
	}
	return sess, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, ownerID string, limit int) ([]models.ScrapeSession, error) {
	query := `
		SELECT id, owner_id, name, config, status, progress, state, summary,
			heartbeat_at, started_at, finished_at, created_at, updated_at
		FROM scrape_sessions`
	args := []interface{}{}
	if ownerID != "" {
		query += " WHERE owner_id = ?"
		args = append(args, ownerID)
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sessions")
	}
	defer rows.Close()

	var sessions []models.ScrapeSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan session")
		}
		sessions = append(sessions, *sess)
	}
	return sessions, eris.Wrap(rows.Err(), "sqlite: list sessions iterate")
}

// GetUnexportedSessions lists completed sessions whose summary has no export
// key yet.
func (s *SQLiteStore) GetUnexportedSessions(ctx context.Context, limit int) ([]models.ScrapeSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, name, config, status, progress, state, summary,
			heartbeat_at, started_at, finished_at, created_at, updated_at
		FROM scrape_sessions
		WHERE status = ?
			AND COALESCE(json_extract(summary, '$.export_key'), '') = ''
		ORDER BY finished_at ASC LIMIT ?`, models.SessionStatusCompleted, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list unexported sessions")
	}
	defer rows.Close()

	var sessions []models.ScrapeSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan session")
		}
		sessions = append(sessions, *sess)
	}
	return sessions, eris.Wrap(rows.Err(), "sqlite: list unexported iterate")
}

// SetSessionExportKey stamps the summary with the object key the export
// landed on.
func (s *SQLiteStore) SetSessionExportKey(ctx context.Context, id uuid.UUID, key string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scrape_sessions
		SET summary = json_set(COALESCE(summary, '{}'), '$.export_key', ?), updated_at = ?
		WHERE id = ?`, key, time.Now().UTC(), id)
	return eris.Wrap(err, "sqlite: set export key")
}

func (s *SQLiteStore) UpdateSessionStatus(ctx context.Context, id uuid.UUID, status models.SessionStatus) error {
	now := time.Now().UTC()
	var err error
	if status.Terminal() {
		_, err = s.db.ExecContext(ctx, `
			UPDATE scrape_sessions SET status = ?, finished_at = COALESCE(finished_at, ?), updated_at = ?
			WHERE id = ?`, status, now, now, id)
	} else {
		_, err = s.db.ExecContext(ctx, `
			UPDATE scrape_sessions SET status = ?, updated_at = ? WHERE id = ?`, status, now, id)
	}
	return eris.Wrapf(err, "sqlite: update session status %s", id)
}

func (s *SQLiteStore) UpdateSessionProgress(ctx context.Context, id uuid.UUID, progress int, state models.SessionState, summary models.SessionSummary) error {
	stateJSON, _ := json.Marshal(state)
	summaryJSON, _ := json.Marshal(summary)
	_, err := s.db.ExecContext(ctx, `
		UPDATE scrape_sessions SET progress = ?, state = ?, summary = ?, updated_at = ?
		WHERE id = ?`, progress, stateJSON, summaryJSON, time.Now().UTC(), id)
	return eris.Wrapf(err, "sqlite: update session progress %s", id)
}

func (s *SQLiteStore) MarkSessionStarted(ctx context.Context, id uuid.UUID, t time.Time) error {
	t = t.UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE scrape_sessions SET started_at = COALESCE(started_at, ?), heartbeat_at = ?, updated_at = ?
		WHERE id = ?`, t, t, t, id)
	return eris.Wrapf(err, "sqlite: mark session started %s", id)
}

func (s *SQLiteStore) TouchSessionHeartbeat(ctx context.Context, id uuid.UUID, t time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scrape_sessions SET heartbeat_at = ? WHERE id = ?`, t.UTC(), id)
	return eris.Wrapf(err, "sqlite: touch heartbeat %s", id)
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM scrape_sessions WHERE id = ?`, id)
	return eris.Wrapf(err, "sqlite: delete session %s", id)
}

func (s *SQLiteStore) MarkStaleSessionsError(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin stale sweep")
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM scrape_sessions
		WHERE status = ? AND heartbeat_at IS NOT NULL AND heartbeat_at < ?`,
		models.SessionStatusRunning, cutoff.UTC())
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: select stale sessions")
	}
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "sqlite: scan stale session")
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate stale sessions")
	}

	now := time.Now().UTC()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `
			UPDATE scrape_sessions SET status = ?, finished_at = COALESCE(finished_at, ?), updated_at = ?
			WHERE id = ?`, models.SessionStatusError, now, now, id); err != nil {
			return nil, eris.Wrapf(err, "sqlite: mark stale session %s", id)
		}
	}
	return ids, eris.Wrap(tx.Commit(), "sqlite: commit stale sweep")
}

func (s *SQLiteStore) GetAvgSessionDuration(ctx context.Context) (time.Duration, error) {
	var seconds float64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(AVG(strftime('%s', finished_at) - strftime('%s', started_at)), 0)
		FROM scrape_sessions
		WHERE status = ? AND started_at IS NOT NULL AND finished_at IS NOT NULL`,
		models.SessionStatusCompleted).Scan(&seconds)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: avg session duration")
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*models.ScrapeSession, error) {
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

func (s *SQLiteStore) EnqueueEntry(ctx context.Context, e *models.QueueEntry) error {
	config, err := json.Marshal(e.Config)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal entry config")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin enqueue")
	}
	defer tx.Rollback()

	var maxPos int
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(position), 0) FROM queue_entries WHERE status IN (?, ?)`,
		models.QueueStatusQueued, models.QueueStatusProcessing).Scan(&maxPos); err != nil {
		return eris.Wrap(err, "sqlite: read max position")
	}
	e.Position = maxPos + 1
	e.Status = models.QueueStatusQueued
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO queue_entries (id, owner_id, session_id, config, status, position,
			estimated_wait_minutes, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL)`,
		e.ID, e.OwnerID, e.SessionID, config, e.Status, e.Position,
		e.EstimatedWaitMinutes, e.CreatedAt); err != nil {
		return eris.Wrap(err, "sqlite: insert queue entry")
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit enqueue")
}

func (s *SQLiteStore) DequeueNextEntry(ctx context.Context) (*models.QueueEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin dequeue")
	}
	defer tx.Rollback()

	var busy int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM queue_entries WHERE status = ?`,
		models.QueueStatusProcessing).Scan(&busy); err != nil {
		return nil, eris.Wrap(err, "sqlite: count processing")
	}
	if busy > 0 {
		return nil, nil
	}

	row := tx.QueryRowContext(ctx, `
		SELECT id, owner_id, session_id, config, status, position, estimated_wait_minutes,
			created_at, started_at, completed_at
		FROM queue_entries WHERE status = ? ORDER BY position LIMIT 1`,
		models.QueueStatusQueued)
	entry, err := scanQueueEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan next entry")
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE queue_entries SET status = ?, position = 0, started_at = ? WHERE id = ?`,
		models.QueueStatusProcessing, now, entry.ID); err != nil {
		return nil, eris.Wrap(err, "sqlite: claim entry")
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE queue_entries SET position = position - 1 WHERE status = ? AND position > ?`,
		models.QueueStatusQueued, entry.Position); err != nil {
		return nil, eris.Wrap(err, "sqlite: compact positions")
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit dequeue")
	}

	entry.Status = models.QueueStatusProcessing
	entry.Position = 0
	entry.StartedAt = &now
	return entry, nil
}

func (s *SQLiteStore) CompleteQueueEntry(ctx context.Context, id uuid.UUID) error {
	return s.finishQueueEntry(ctx, id, models.QueueStatusCompleted)
}

func (s *SQLiteStore) CancelQueueEntry(ctx context.Context, id uuid.UUID) error {
	return s.finishQueueEntry(ctx, id, models.QueueStatusCancelled)
}

func (s *SQLiteStore) finishQueueEntry(ctx context.Context, id uuid.UUID, status models.QueueStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin finish entry")
	}
	defer tx.Rollback()

	var prevStatus models.QueueStatus
	var position int
	err = tx.QueryRowContext(ctx, `
		SELECT status, position FROM queue_entries WHERE id = ?`, id).Scan(&prevStatus, &position)
	if err == sql.ErrNoRows {
		return eris.Errorf("queue entry %s not found", id)
	}
	if err != nil {
		return eris.Wrap(err, "sqlite: read entry for finish")
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE queue_entries SET status = ?, position = 0, completed_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id); err != nil {
		return eris.Wrap(err, "sqlite: finish entry")
	}
	if prevStatus == models.QueueStatusQueued {
		if _, err := tx.ExecContext(ctx, `
			UPDATE queue_entries SET position = position - 1 WHERE status = ? AND position > ?`,
			models.QueueStatusQueued, position); err != nil {
			return eris.Wrap(err, "sqlite: compact positions")
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit finish entry")
}

func (s *SQLiteStore) GetQueueEntry(ctx context.Context, id uuid.UUID) (*models.QueueEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, session_id, config, status, position, estimated_wait_minutes,
			created_at, started_at, completed_at
		FROM queue_entries WHERE id = ?`, id)
	entry, err := scanQueueEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get queue entry")
	}
	return entry, nil
}

func (s *SQLiteStore) SetQueueEntryWait(ctx context.Context, id uuid.UUID, minutes int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE queue_entries SET estimated_wait_minutes = ? WHERE id = ?`, minutes, id)
	return eris.Wrapf(err, "sqlite: set entry wait %s", id)
}

func (s *SQLiteStore) GetQueueEntryBySession(ctx context.Context, sessionID uuid.UUID) (*models.QueueEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, session_id, config, status, position, estimated_wait_minutes,
			created_at, started_at, completed_at
		FROM queue_entries WHERE session_id = ? ORDER BY created_at DESC LIMIT 1`, sessionID)
	entry, err := scanQueueEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get entry by session")
	}
	return entry, nil
}

// GetProcessingEntry returns the entry currently holding the processing
// slot, if any. The scheduler uses it at startup to resume an interrupted
// session instead of claiming a new one.
func (s *SQLiteStore) GetProcessingEntry(ctx context.Context) (*models.QueueEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, session_id, config, status, position, estimated_wait_minutes,
			created_at, started_at, completed_at
		FROM queue_entries WHERE status = ? LIMIT 1`, models.QueueStatusProcessing)
	entry, err := scanQueueEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get processing entry")
	}
	return entry, nil
}

func (s *SQLiteStore) CancelStaleProcessing(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE queue_entries SET status = ?, position = 0, completed_at = ?
		WHERE status = ? AND started_at IS NOT NULL AND started_at < ?
		AND session_id IN (SELECT id FROM scrape_sessions WHERE status IN (?, ?, ?))`,
		models.QueueStatusCancelled, time.Now().UTC(),
		models.QueueStatusProcessing, cutoff.UTC(),
		models.SessionStatusStopped, models.SessionStatusCompleted, models.SessionStatusError)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: cancel stale processing")
	}
	return result.RowsAffected()
}

func (s *SQLiteStore) CancelExpiredQueued(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin expire sweep")
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, session_id FROM queue_entries WHERE status = ? AND created_at < ?`,
		models.QueueStatusQueued, cutoff.UTC())
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: select expired queued")
	}
	type expired struct{ entryID, sessionID uuid.UUID }
	var victims []expired
	for rows.Next() {
		var v expired
		if err := rows.Scan(&v.entryID, &v.sessionID); err != nil {
			rows.Close()
			return 0, eris.Wrap(err, "sqlite: scan expired entry")
		}
		victims = append(victims, v)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, eris.Wrap(err, "sqlite: iterate expired entries")
	}
	if len(victims) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	for _, v := range victims {
		if _, err := tx.ExecContext(ctx, `
			UPDATE queue_entries SET status = ?, position = 0, completed_at = ? WHERE id = ?`,
			models.QueueStatusCancelled, now, v.entryID); err != nil {
			return 0, eris.Wrap(err, "sqlite: cancel expired entry")
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE scrape_sessions SET status = ?, finished_at = COALESCE(finished_at, ?), updated_at = ?
			WHERE id = ? AND status NOT IN (?, ?, ?)`,
			models.SessionStatusStopped, now, now, v.sessionID,
			models.SessionStatusStopped, models.SessionStatusCompleted, models.SessionStatusError); err != nil {
			return 0, eris.Wrap(err, "sqlite: stop abandoned session")
		}
	}
	if err := resequenceQueued(ctx, tx); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit expire sweep")
	}
	return int64(len(victims)), nil
}

// resequenceQueued renumbers queued entries 1..N after a bulk removal.
func resequenceQueued(ctx context.Context, tx *sql.Tx) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM queue_entries WHERE status = ? ORDER BY position`,
		models.QueueStatusQueued)
	if err != nil {
		return eris.Wrap(err, "sqlite: select queued for resequence")
	}
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return eris.Wrap(err, "sqlite: scan queued id")
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return eris.Wrap(err, "sqlite: iterate queued ids")
	}
	for i, id := range ids {
		if _, err := tx.ExecContext(ctx, `
			UPDATE queue_entries SET position = ? WHERE id = ?`, i+1, id); err != nil {
			return eris.Wrap(err, "sqlite: resequence entry")
		}
	}
	return nil
}

func scanQueueEntry(row rowScanner) (*models.QueueEntry, error) {
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

func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, cp *models.Checkpoint) error {
	cp.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (session_id, current_industry, current_town, processed_count,
			retry_snapshot, batch_state, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			current_industry = excluded.current_industry,
			current_town = excluded.current_town,
			processed_count = excluded.processed_count,
			retry_snapshot = excluded.retry_snapshot,
			batch_state = excluded.batch_state,
			updated_at = excluded.updated_at`,
		cp.SessionID, cp.CurrentIndustry, cp.CurrentTown, cp.ProcessedCount,
		[]byte(cp.RetrySnapshot), []byte(cp.BatchState), cp.UpdatedAt)
	return eris.Wrapf(err, "sqlite: save checkpoint %s", cp.SessionID)
}

func (s *SQLiteStore) LoadCheckpoint(ctx context.Context, sessionID uuid.UUID) (*models.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, current_industry, current_town, processed_count,
			retry_snapshot, batch_state, updated_at
		FROM checkpoints WHERE session_id = ?`, sessionID)

	var cp models.Checkpoint
	var snapshot, batchState []byte
	err := row.Scan(&cp.SessionID, &cp.CurrentIndustry, &cp.CurrentTown, &cp.ProcessedCount,
		&snapshot, &batchState, &cp.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: load checkpoint %s", sessionID)
	}
	cp.RetrySnapshot = snapshot
	cp.BatchState = batchState
	return &cp, nil
}

// =============================================================================
// Retry queue
// =============================================================================

func (s *SQLiteStore) CreateRetryItem(ctx context.Context, item *models.RetryItem) error {
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO retry_items (id, session_id, kind, payload, attempts, next_retry_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.SessionID, item.Kind, []byte(item.Payload), item.Attempts,
		item.NextRetryAt.UTC(), item.CreatedAt)
	return eris.Wrap(err, "sqlite: insert retry item")
}

func (s *SQLiteStore) RestoreRetryItem(ctx context.Context, item *models.RetryItem) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO retry_items (id, session_id, kind, payload, attempts, next_retry_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.SessionID, item.Kind, []byte(item.Payload), item.Attempts,
		item.NextRetryAt.UTC(), item.CreatedAt.UTC())
	return eris.Wrap(err, "sqlite: restore retry item")
}

func (s *SQLiteStore) GetDueRetryItems(ctx context.Context, sessionID uuid.UUID, now time.Time, limit int) ([]models.RetryItem, error) {
	return s.queryRetryItems(ctx, `
		SELECT id, session_id, kind, payload, attempts, next_retry_at, created_at
		FROM retry_items WHERE session_id = ? AND next_retry_at <= ?
		ORDER BY next_retry_at ASC LIMIT ?`, sessionID, now.UTC(), limit)
}

func (s *SQLiteStore) GetPendingRetryItems(ctx context.Context, sessionID uuid.UUID) ([]models.RetryItem, error) {
	return s.queryRetryItems(ctx, `
		SELECT id, session_id, kind, payload, attempts, next_retry_at, created_at
		FROM retry_items WHERE session_id = ? ORDER BY next_retry_at ASC`, sessionID)
}

func (s *SQLiteStore) queryRetryItems(ctx context.Context, query string, args ...interface{}) ([]models.RetryItem, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query retry items")
	}
	defer rows.Close()

	var items []models.RetryItem
	for rows.Next() {
		var item models.RetryItem
		var payload []byte
		if err := rows.Scan(&item.ID, &item.SessionID, &item.Kind, &payload,
			&item.Attempts, &item.NextRetryAt, &item.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan retry item")
		}
		item.Payload = payload
		items = append(items, item)
	}
	return items, eris.Wrap(rows.Err(), "sqlite: iterate retry items")
}

func (s *SQLiteStore) UpdateRetryItem(ctx context.Context, item *models.RetryItem) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE retry_items SET attempts = ?, next_retry_at = ? WHERE id = ?`,
		item.Attempts, item.NextRetryAt.UTC(), item.ID)
	return eris.Wrapf(err, "sqlite: update retry item %s", item.ID)
}

func (s *SQLiteStore) DeleteRetryItem(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM retry_items WHERE id = ?`, id)
	return eris.Wrapf(err, "sqlite: delete retry item %s", id)
}

// =============================================================================
// Provider cache
// =============================================================================

func (s *SQLiteStore) GetCacheEntry(ctx context.Context, phoneNumber string) (*models.ProviderCacheEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT phone_number, provider, confidence, last_checked
		FROM provider_cache WHERE phone_number = ?`, phoneNumber)

	var e models.ProviderCacheEntry
	err := row.Scan(&e.PhoneNumber, &e.Provider, &e.Confidence, &e.LastChecked)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get cache entry")
	}
	return &e, nil
}

func (s *SQLiteStore) UpsertCacheEntry(ctx context.Context, e *models.ProviderCacheEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provider_cache (phone_number, provider, confidence, last_checked)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(phone_number) DO UPDATE SET
			provider = excluded.provider,
			confidence = excluded.confidence,
			last_checked = excluded.last_checked`,
		e.PhoneNumber, e.Provider, e.Confidence, e.LastChecked.UTC())
	return eris.Wrap(err, "sqlite: upsert cache entry")
}

// =============================================================================
// Metrics
// =============================================================================

func (s *SQLiteStore) RecordMetric(ctx context.Context, m *models.MetricRecord) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO metric_records (session_id, type, name, value, success, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.SessionID, m.Type, m.Name, m.Value, m.Success, []byte(m.Metadata), m.CreatedAt)
	if err != nil {
		return eris.Wrap(err, "sqlite: insert metric")
	}
	m.ID, _ = result.LastInsertId()
	return nil
}

func (s *SQLiteStore) GetMetricsForSession(ctx context.Context, sessionID uuid.UUID, mtype models.MetricType) ([]models.MetricRecord, error) {
	query := `
		SELECT id, session_id, type, name, value, success, metadata, created_at
		FROM metric_records WHERE session_id = ?`
	args := []interface{}{sessionID}
	if mtype != "" {
		query += " AND type = ?"
		args = append(args, mtype)
	}
	query += " ORDER BY created_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query metrics")
	}
	defer rows.Close()

	var records []models.MetricRecord
	for rows.Next() {
		var m models.MetricRecord
		var metadata []byte
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Type, &m.Name, &m.Value,
			&m.Success, &metadata, &m.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan metric")
		}
		m.Metadata = metadata
		records = append(records, m)
	}
	return records, eris.Wrap(rows.Err(), "sqlite: iterate metrics")
}

func (s *SQLiteStore) GetLookupSuccessRate(ctx context.Context, sessionID uuid.UUID, since time.Time) (float64, error) {
	var rate float64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(AVG(CASE WHEN success THEN 1.0 ELSE 0.0 END), 1.0)
		FROM metric_records
		WHERE session_id = ? AND type = ? AND created_at >= ?`,
		sessionID, models.MetricTypeLookup, since.UTC()).Scan(&rate)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: lookup success rate")
	}
	return rate, nil
}

// =============================================================================
// Businesses
// =============================================================================

func (s *SQLiteStore) CreateBusiness(ctx context.Context, b *models.Business) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO businesses (id, session_id, name, phone, provider, address, town, category, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.SessionID, b.Name, b.Phone, b.Provider, b.Address, b.Town, b.Category, b.CreatedAt)
	return eris.Wrap(err, "sqlite: insert business")
}

func (s *SQLiteStore) GetBusinessesForSession(ctx context.Context, sessionID uuid.UUID) ([]models.Business, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, name, phone, provider, address, town, category, created_at
		FROM businesses WHERE session_id = ? ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query businesses")
	}
	defer rows.Close()

	var businesses []models.Business
	for rows.Next() {
		var b models.Business
		if err := rows.Scan(&b.ID, &b.SessionID, &b.Name, &b.Phone, &b.Provider,
			&b.Address, &b.Town, &b.Category, &b.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan business")
		}
		businesses = append(businesses, b)
	}
	return businesses, eris.Wrap(rows.Err(), "sqlite: iterate businesses")
}

func (s *SQLiteStore) UpdateBusinessProvider(ctx context.Context, sessionID uuid.UUID, phone, provider string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE businesses SET provider = ? WHERE session_id = ? AND phone = ?`,
		provider, sessionID, phone)
	return eris.Wrap(err, "sqlite: update business provider")
}
