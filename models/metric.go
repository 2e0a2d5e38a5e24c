package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type MetricType string

const (
	MetricTypeNavigation MetricType = "navigation"
	MetricTypeExtraction MetricType = "extraction"
	MetricTypeLookup     MetricType = "lookup"
	MetricTypeMemory     MetricType = "memory"
)

// MetricRecord is an immutable, append-only fact about one session event.
// The core never updates or deletes these; retention is handled elsewhere.
type MetricRecord struct {
	ID        int64           `json:"id" db:"id"`
	SessionID uuid.UUID       `json:"session_id" db:"session_id"`
	Type      MetricType      `json:"type" db:"type"`
	Name      string          `json:"name" db:"name"`
	Value     float64         `json:"value" db:"value"`
	Success   bool            `json:"success" db:"success"`
	Metadata  json.RawMessage `json:"metadata" db:"metadata"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}
