package services

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Seany5691/smart-cost-calculator-hosted-sub012/models"
	"github.com/Seany5691/smart-cost-calculator-hosted-sub012/storage"
)

// CacheService fronts the provider cache. Entries older than the TTL are
// treated as misses so the caller re-runs the lookup and refreshes the row.
type CacheService struct {
	store storage.Store
	ttl   time.Duration
	log   *zap.Logger
}

func NewCacheService(store storage.Store) *CacheService {
	return &CacheService{
		store: store,
		ttl:   models.ProviderCacheTTL,
		log:   zap.L().With(zap.String("component", "provider_cache")),
	}
}

// Get returns a fresh entry or nil on miss. Expired rows stay in place
// until the next Put overwrites them.
func (s *CacheService) Get(ctx context.Context, phoneNumber string) (*models.ProviderCacheEntry, error) {
	entry, err := s.store.GetCacheEntry(ctx, phoneNumber)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, nil
	}
	if !entry.Fresh(time.Now().UTC()) {
		s.log.Debug("cache entry expired", zap.String("phone_number", phoneNumber))
		return nil, nil
	}
	return entry, nil
}

// Put records a lookup result, stamped now.
func (s *CacheService) Put(ctx context.Context, phoneNumber, provider string, confidence int) error {
	return s.store.UpsertCacheEntry(ctx, &models.ProviderCacheEntry{
		PhoneNumber: phoneNumber,
		Provider:    provider,
		Confidence:  confidence,
		LastChecked: time.Now().UTC(),
	})
}
