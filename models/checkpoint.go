package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Checkpoint is the durable resume cursor for a session. Exactly one row per
// session; all fields are written together in a single upsert so a resumed
// loop never sees progress ahead of what actually persisted.
type Checkpoint struct {
	SessionID       uuid.UUID       `json:"session_id" db:"session_id"`
	CurrentIndustry string          `json:"current_industry" db:"current_industry"`
	CurrentTown     string          `json:"current_town" db:"current_town"`
	ProcessedCount  int             `json:"processed_count" db:"processed_count"`
	RetrySnapshot   json.RawMessage `json:"retry_snapshot" db:"retry_snapshot"`
	BatchState      json.RawMessage `json:"batch_state" db:"batch_state"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// BatchState captures the adaptive sizer between runs so a resumed session
// does not restart at full batch size against a surface that was pushing back.
type BatchState struct {
	Size                 int `json:"size"`
	ConsecutiveFailures  int `json:"consecutive_failures"`
	ConsecutiveSuccesses int `json:"consecutive_successes"`
}
