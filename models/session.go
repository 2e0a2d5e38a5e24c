package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

type SessionStatus string

const (
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusPaused    SessionStatus = "paused"
	SessionStatusStopped   SessionStatus = "stopped"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusError     SessionStatus = "error"
)

// Terminal reports whether no further transitions are allowed from s.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionStatusStopped, SessionStatusCompleted, SessionStatusError:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is a legal status
// change. Running and paused flip back and forth; everything else is one-way.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	if s == next {
		return false
	}
	switch s {
	case SessionStatusRunning:
		return next == SessionStatusPaused || next.Terminal()
	case SessionStatusPaused:
		return next == SessionStatusRunning || next.Terminal()
	}
	return false
}

// ScrapeSession is one long-running scrape job spanning many town/industry
// pairs. Created when the owner submits a request; the row is never deleted
// automatically.
type ScrapeSession struct {
	ID          uuid.UUID      `json:"id" db:"id"`
	OwnerID     string         `json:"owner_id" db:"owner_id"`
	Name        string         `json:"name" db:"name"`
	Config      SessionConfig  `json:"config" db:"config"`
	Status      SessionStatus  `json:"status" db:"status"`
	Progress    int            `json:"progress" db:"progress"`
	State       SessionState   `json:"state" db:"state"`
	Summary     SessionSummary `json:"summary" db:"summary"`
	HeartbeatAt *time.Time     `json:"heartbeat_at" db:"heartbeat_at"`
	StartedAt   *time.Time     `json:"started_at" db:"started_at"`
	FinishedAt  *time.Time     `json:"finished_at" db:"finished_at"`
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at" db:"updated_at"`
}

// SessionConfig is the owner-submitted job description.
type SessionConfig struct {
	Towns       []string            `json:"towns" yaml:"towns"`
	Industries  []string            `json:"industries" yaml:"industries"`
	Concurrency ConcurrencySettings `json:"concurrency" yaml:"concurrency"`
}

// ConcurrencySettings holds the per-session lookup pacing knobs. Zero values
// fall back to the engine defaults.
type ConcurrencySettings struct {
	MinBatchSize     int  `json:"min_batch_size" yaml:"min_batch_size"`
	MaxBatchSize     int  `json:"max_batch_size" yaml:"max_batch_size"`
	DetectBlocking   bool `json:"detect_blocking" yaml:"detect_blocking"`
	LookupDelayMs    int  `json:"lookup_delay_ms" yaml:"lookup_delay_ms"`
	BatchDelayMinSec int  `json:"batch_delay_min_sec" yaml:"batch_delay_min_sec"`
	BatchDelayMaxSec int  `json:"batch_delay_max_sec" yaml:"batch_delay_max_sec"`
}

var (
	ErrNoTowns      = errors.New("config: at least one town required")
	ErrNoIndustries = errors.New("config: at least one industry required")
	ErrBatchBounds  = errors.New("config: batch size bounds out of range")
)

// Validate rejects malformed configs at submission time.
func (c SessionConfig) Validate() error {
	if len(c.Towns) == 0 {
		return ErrNoTowns
	}
	if len(c.Industries) == 0 {
		return ErrNoIndustries
	}
	cc := c.Concurrency
	if cc.MinBatchSize != 0 || cc.MaxBatchSize != 0 {
		if cc.MinBatchSize < 1 || cc.MaxBatchSize < cc.MinBatchSize {
			return ErrBatchBounds
		}
	}
	return nil
}

// SessionState is the resumable cursor over the config's (industry, town)
// iteration order.
type SessionState struct {
	IndustryIndex  int      `json:"industry_index"`
	TownIndex      int      `json:"town_index"`
	CompletedTowns []string `json:"completed_towns"`
}

// SessionSummary accumulates totals for owner-facing progress reporting.
type SessionSummary struct {
	BusinessesFound int    `json:"businesses_found"`
	LookupsDone     int    `json:"lookups_done"`
	CacheHits       int    `json:"cache_hits"`
	RetriesPushed   int    `json:"retries_pushed"`
	ErrorCount      int    `json:"error_count"`
	DurationSec     int64  `json:"duration_sec"`
	ExportKey       string `json:"export_key,omitempty"`
}
