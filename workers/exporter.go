package workers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/Seany5691/smart-cost-calculator-hosted-sub012/models"
	"github.com/Seany5691/smart-cost-calculator-hosted-sub012/storage"
)

const exportBatchSize = 5

// ExportWorker ships the results of completed sessions to object storage as
// JSON documents. A session is exported exactly once; the object key is
// stamped into its summary so the CRM can hand out download links.
type ExportWorker struct {
	store     storage.Store
	uploader  storage.Uploader
	triggerCh chan struct{}
	log       *zap.Logger
}

func NewExportWorker(store storage.Store, uploader storage.Uploader) *ExportWorker {
	return &ExportWorker{
		store:     store,
		uploader:  uploader,
		triggerCh: make(chan struct{}, 1),
		log:       zap.L().With(zap.String("component", "exporter")),
	}
}

// Trigger causes an export pass on the next loop iteration without waiting
// for the ticker.
func (w *ExportWorker) Trigger() {
	select {
	case w.triggerCh <- struct{}{}:
	default:
	}
}

// Run scans for unexported sessions on the given interval until the context
// ends.
func (w *ExportWorker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("exporter stopping")
			return
		case <-ticker.C:
			w.processBatch(ctx)
		case <-w.triggerCh:
			w.processBatch(ctx)
		}
	}
}

func (w *ExportWorker) processBatch(ctx context.Context) {
	sessions, err := w.store.GetUnexportedSessions(ctx, exportBatchSize)
	if err != nil {
		w.log.Error("unexported session scan failed", zap.Error(err))
		return
	}
	for i := range sessions {
		if err := w.Export(ctx, &sessions[i]); err != nil {
			w.log.Error("export failed",
				zap.String("session_id", sessions[i].ID.String()), zap.Error(err))
		}
	}
}

// exportDocument is the JSON shape written to object storage.
type exportDocument struct {
	SessionID  uuid.UUID             `json:"session_id"`
	Name       string                `json:"name"`
	OwnerID    string                `json:"owner_id"`
	ExportedAt time.Time             `json:"exported_at"`
	Summary    models.SessionSummary `json:"summary"`
	Businesses []models.Business     `json:"businesses"`
}

// Export writes one session's businesses to object storage and records the
// key. Upload failures leave the session unexported so a later pass retries.
func (w *ExportWorker) Export(ctx context.Context, sess *models.ScrapeSession) error {
	businesses, err := w.store.GetBusinessesForSession(ctx, sess.ID)
	if err != nil {
		return err
	}

	doc := exportDocument{
		SessionID:  sess.ID,
		Name:       sess.Name,
		OwnerID:    sess.OwnerID,
		ExportedAt: time.Now().UTC(),
		Summary:    sess.Summary,
		Businesses: businesses,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return eris.Wrap(err, "exporter: marshal document")
	}

	key := fmt.Sprintf("exports/%s.json", sess.ID)
	if err := w.uploader.Upload(ctx, key, bytes.NewReader(data), "application/json"); err != nil {
		return eris.Wrapf(err, "exporter: upload %s", key)
	}
	if err := w.store.SetSessionExportKey(ctx, sess.ID, key); err != nil {
		return err
	}

	w.log.Info("session exported",
		zap.String("session_id", sess.ID.String()),
		zap.String("key", key),
		zap.Int("businesses", len(businesses)),
		zap.Int("bytes", len(data)))
	return nil
}
