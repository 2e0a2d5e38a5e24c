package models

import "time"

// ProviderCacheTTL is how long a resolved provider is trusted before a
// number must be re-verified. Provider assignments change rarely.
const ProviderCacheTTL = 30 * 24 * time.Hour

// ProviderCacheEntry memoizes one phone-to-provider resolution.
type ProviderCacheEntry struct {
	PhoneNumber string    `json:"phone_number" db:"phone_number"`
	Provider    string    `json:"provider" db:"provider"`
	Confidence  int       `json:"confidence" db:"confidence"`
	LastChecked time.Time `json:"last_checked" db:"last_checked"`
}

// Fresh reports whether the entry may still be served at the given time.
// Expired entries are misses, never stale reads.
func (e ProviderCacheEntry) Fresh(now time.Time) bool {
	return now.Sub(e.LastChecked) < ProviderCacheTTL
}
