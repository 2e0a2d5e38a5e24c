package models

import (
	"time"

	"github.com/google/uuid"
)

type QueueStatus string

const (
	QueueStatusQueued     QueueStatus = "queued"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusCompleted  QueueStatus = "completed"
	QueueStatusCancelled  QueueStatus = "cancelled"
)

// QueueEntry is a session's place in the global admission queue. Positions
// among queued entries form a dense 1..N sequence; the single processing
// entry sits at position 0 after it leaves the line.
type QueueEntry struct {
	ID                   uuid.UUID     `json:"id" db:"id"`
	OwnerID              string        `json:"owner_id" db:"owner_id"`
	SessionID            uuid.UUID     `json:"session_id" db:"session_id"`
	Config               SessionConfig `json:"config" db:"config"`
	Status               QueueStatus   `json:"status" db:"status"`
	Position             int           `json:"position" db:"position"`
	EstimatedWaitMinutes int           `json:"estimated_wait_minutes" db:"estimated_wait_minutes"`
	CreatedAt            time.Time     `json:"created_at" db:"created_at"`
	StartedAt            *time.Time    `json:"started_at" db:"started_at"`
	CompletedAt          *time.Time    `json:"completed_at" db:"completed_at"`
}
