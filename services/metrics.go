package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/Seany5691/smart-cost-calculator-hosted-sub012/models"
	"github.com/Seany5691/smart-cost-calculator-hosted-sub012/storage"
)

// MetricsService appends performance samples for later analysis. Records
// are never updated in place.
type MetricsService struct {
	store storage.Store
	log   *zap.Logger
}

func NewMetricsService(store storage.Store) *MetricsService {
	return &MetricsService{
		store: store,
		log:   zap.L().With(zap.String("component", "metrics")),
	}
}

// Record appends one sample. Metadata is optional context for debugging,
// stored as JSON.
func (s *MetricsService) Record(ctx context.Context, sessionID uuid.UUID, mtype models.MetricType, name string, value float64, success bool, metadata map[string]any) error {
	var body json.RawMessage
	if metadata != nil {
		b, err := json.Marshal(metadata)
		if err != nil {
			return eris.Wrap(err, "metrics: marshal metadata")
		}
		body = b
	}
	return s.store.RecordMetric(ctx, &models.MetricRecord{
		SessionID: sessionID,
		Type:      mtype,
		Name:      name,
		Value:     value,
		Success:   success,
		Metadata:  body,
	})
}

// RecordDuration stores the elapsed time of an operation in milliseconds.
func (s *MetricsService) RecordDuration(ctx context.Context, sessionID uuid.UUID, mtype models.MetricType, name string, started time.Time, success bool) error {
	elapsed := float64(time.Since(started).Milliseconds())
	return s.Record(ctx, sessionID, mtype, name, elapsed, success, nil)
}

// ForSession returns recorded samples, optionally filtered by type.
func (s *MetricsService) ForSession(ctx context.Context, sessionID uuid.UUID, mtype models.MetricType) ([]models.MetricRecord, error) {
	return s.store.GetMetricsForSession(ctx, sessionID, mtype)
}

// LookupSuccessRate reports the fraction of lookups that succeeded inside
// the window. With no samples it reports 1.0.
func (s *MetricsService) LookupSuccessRate(ctx context.Context, sessionID uuid.UUID, window time.Duration) (float64, error) {
	since := time.Now().UTC().Add(-window)
	return s.store.GetLookupSuccessRate(ctx, sessionID, since)
}
