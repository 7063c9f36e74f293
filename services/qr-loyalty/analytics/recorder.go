// Package analytics records scan events and, optionally, streams them to
// Kafka for downstream reporting.
package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"qrloyalty/observability/logging"
	"qrloyalty/services/qr-loyalty/models"
)

// Event types.
const (
	EventScan = "scan"
)

// Event is one analytics observation against a QR code.
type Event struct {
	ID         uuid.UUID              `json:"id"`
	QRCodeID   uuid.UUID              `json:"qrCodeId"`
	MerchantID string                 `json:"merchantId"`
	Type       string                 `json:"type"`
	CustomerID string                 `json:"customerId,omitempty"`
	UserAgent  string                 `json:"userAgent,omitempty"`
	Referrer   string                 `json:"referrer,omitempty"`
	Meta       map[string]interface{} `json:"meta,omitempty"`
	At         time.Time              `json:"at"`
}

// Publisher forwards events to an external stream.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// DefaultPublishTimeout bounds a single publish on the scan path.
const DefaultPublishTimeout = 2 * time.Second

// Recorder persists events. The publisher is optional and its failures are
// logged, never returned.
type Recorder struct {
	db             *gorm.DB
	publisher      Publisher
	publishTimeout time.Duration
	now            func() time.Time
	logger         *slog.Logger
}

// NewRecorder constructs a recorder. publisher may be nil.
func NewRecorder(db *gorm.DB, publisher Publisher, logger *slog.Logger) *Recorder {
	return &Recorder{
		db:             db,
		publisher:      publisher,
		publishTimeout: DefaultPublishTimeout,
		now:            time.Now,
		logger:         logging.Component(logger, "analytics"),
	}
}

// WithPublishTimeout overrides how long a publish may hold the caller.
func (r *Recorder) WithPublishTimeout(d time.Duration) *Recorder {
	if d > 0 {
		r.publishTimeout = d
	}
	return r
}

// WithClock overrides the time source.
func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	if now != nil {
		r.now = now
	}
	return r
}

// RecordScan stores a scan event and increments the code's scan counter in
// one transaction.
func (r *Recorder) RecordScan(ctx context.Context, ev Event) error {
	ev.Type = EventScan
	return r.record(ctx, ev, true)
}

// RecordEvent stores a supplementary event such as a click or purchase.
func (r *Recorder) RecordEvent(ctx context.Context, ev Event) error {
	if ev.Type == "" {
		ev.Type = "interaction"
	}
	return r.record(ctx, ev, false)
}

func (r *Recorder) record(ctx context.Context, ev Event, count bool) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.At.IsZero() {
		ev.At = r.now().UTC()
	}
	row := models.ScanEvent{
		ID:         ev.ID,
		QRCodeID:   ev.QRCodeID,
		MerchantID: ev.MerchantID,
		EventType:  ev.Type,
		CustomerID: ev.CustomerID,
		UserAgent:  ev.UserAgent,
		Referrer:   ev.Referrer,
		CreatedAt:  ev.At,
	}
	if len(ev.Meta) > 0 {
		meta, err := json.Marshal(ev.Meta)
		if err != nil {
			return fmt.Errorf("analytics: encode meta: %w", err)
		}
		row.Meta = datatypes.JSON(meta)
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		if !count {
			return nil
		}
		return tx.Model(&models.QRCode{}).
			Where("id = ?", ev.QRCodeID).
			UpdateColumn("scan_count", gorm.Expr("scan_count + ?", 1)).Error
	})
	if err != nil {
		return fmt.Errorf("analytics: record %s: %w", ev.Type, err)
	}
	r.publish(ctx, ev)
	return nil
}

func (r *Recorder) publish(ctx context.Context, ev Event) {
	if r.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, r.publishTimeout)
	defer cancel()
	if err := r.publisher.Publish(ctx, ev); err != nil {
		r.logger.Warn("scan event publish failed",
			slog.String("qr_id", ev.QRCodeID.String()),
			slog.String("event_type", ev.Type),
			slog.String("error", err.Error()))
	}
}
