// Package usage keeps the append-only ledger of granted downloads.
package usage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/dlgate/app/models"
)

var (
	// ErrDuplicateRequestID is returned when the request id is already recorded.
	// Callers treat it as success.
	ErrDuplicateRequestID = errors.New("duplicate request id")
	ErrNotFound           = errors.New("usage record not found")
)

// Metadata describes the granted request.
type Metadata struct {
	RecordedAt             time.Time `json:"recordedAt"`
	WasFreeTierConsumption bool      `json:"wasFreeTierConsumption"`
	SizeOrWeight           int64     `json:"sizeOrWeight"`
	ResourceKey            string    `json:"resourceKey"`
}

// Recorder appends usage records. Rows are never updated.
type Recorder struct {
	db  *gorm.DB
	now func() time.Time
}

func NewRecorder(db *gorm.DB) *Recorder {
	return &Recorder{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Record writes one usage record, idempotent on requestID.
func (r *Recorder) Record(ctx context.Context, subscriberID, requestID string, md Metadata) error {
	subscriberID = strings.TrimSpace(subscriberID)
	requestID = strings.TrimSpace(requestID)
	if subscriberID == "" || requestID == "" {
		return errors.New("subscriber_id and request_id are required")
	}
	recordedAt := md.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = r.now()
	}

	rec := &models.UsageRecord{
		SubscriberID:           subscriberID,
		RequestID:              requestID,
		RecordedAt:             recordedAt.UTC(),
		WasFreeTierConsumption: md.WasFreeTierConsumption,
		SizeOrWeight:           md.SizeOrWeight,
		ResourceKey:            md.ResourceKey,
	}
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "request_id"}},
		DoNothing: true,
	}).Create(rec)
	if tx.Error != nil {
		return fmt.Errorf("record usage: %w", tx.Error)
	}
	if tx.RowsAffected == 0 {
		return ErrDuplicateRequestID
	}
	return nil
}

// FindByRequestID returns the record written for requestID or ErrNotFound.
func (r *Recorder) FindByRequestID(ctx context.Context, requestID string) (*models.UsageRecord, error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return nil, ErrNotFound
	}
	var rec models.UsageRecord
	err := r.db.WithContext(ctx).Where("request_id = ?", requestID).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find usage: %w", err)
	}
	return &rec, nil
}

// ListBySubscriber returns the most recent records of a subscriber, newest first.
func (r *Recorder) ListBySubscriber(ctx context.Context, subscriberID string, limit int) ([]models.UsageRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []models.UsageRecord
	err := r.db.WithContext(ctx).
		Where("subscriber_id = ?", strings.TrimSpace(subscriberID)).
		Order("recorded_at DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}
