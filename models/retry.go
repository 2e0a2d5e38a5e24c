package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type RetryKind string

const (
	RetryKindNavigation RetryKind = "navigation"
	RetryKindLookup     RetryKind = "lookup"
	RetryKindExtraction RetryKind = "extraction"
)

// MaxRetryAttempts bounds how many failures a retry item may accumulate.
// The original failed attempt counts as the first; three scheduled retries
// follow, and the failure after that drops the item.
const MaxRetryAttempts = 3

// RetryItem is one deferred unit of work awaiting its backoff window.
type RetryItem struct {
	ID          uuid.UUID       `json:"id" db:"id"`
	SessionID   uuid.UUID       `json:"session_id" db:"session_id"`
	Kind        RetryKind       `json:"kind" db:"kind"`
	Payload     json.RawMessage `json:"payload" db:"payload"`
	Attempts    int             `json:"attempts" db:"attempts"`
	NextRetryAt time.Time       `json:"next_retry_at" db:"next_retry_at"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// LookupPayload is the payload carried by lookup-kind retry items.
type LookupPayload struct {
	PhoneNumber string `json:"phone_number"`
}

// NavigationPayload is the payload carried by navigation-kind retry items.
type NavigationPayload struct {
	Industry string `json:"industry"`
	Town     string `json:"town"`
}

// ExtractionPayload is the payload carried by extraction-kind retry items.
type ExtractionPayload struct {
	Industry string `json:"industry"`
	Town     string `json:"town"`
	PageURL  string `json:"page_url"`
}
