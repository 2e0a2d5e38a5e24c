package models

import (
	"time"

	"github.com/google/uuid"
)

// Business is one discovered listing, owned by its session and deleted with
// it (cascade).
type Business struct {
	ID        uuid.UUID `json:"id" db:"id"`
	SessionID uuid.UUID `json:"session_id" db:"session_id"`
	Name      string    `json:"name" db:"name"`
	Phone     string    `json:"phone" db:"phone"`
	Provider  string    `json:"provider" db:"provider"`
	Address   string    `json:"address" db:"address"`
	Town      string    `json:"town" db:"town"`
	Category  string    `json:"category" db:"category"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// LookupResult is the outcome of one phone-to-provider resolution.
type LookupResult struct {
	PhoneNumber string `json:"phone_number"`
	Provider    string `json:"provider"`
	Confidence  int    `json:"confidence"`
	FromCache   bool   `json:"from_cache"`
}
