package billing

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/dlgate/app/models"
)

// Ledger stores the processing outcome of each verified delivery.
type Ledger interface {
	RecordDelivery(ctx context.Context, event *models.BillingWebhookEvent) error
	FindDelivery(ctx context.Context, provider, providerEventID string) (*models.BillingWebhookEvent, error)
}

type gormLedger struct {
	db *gorm.DB
}

// NewLedger creates a delivery ledger backed by GORM.
func NewLedger(db *gorm.DB) Ledger {
	return &gormLedger{db: db}
}

// RecordDelivery inserts the delivery or, for a redelivery of the same
// provider event, overwrites the outcome and bumps the attempt counter.
func (r *gormLedger) RecordDelivery(ctx context.Context, event *models.BillingWebhookEvent) error {
	now := time.Now().UTC()
	event.Provider = strings.ToLower(strings.TrimSpace(event.Provider))
	event.ProcessedAt = &now
	if event.Attempts == 0 {
		event.Attempts = 1
	}

	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoUpdates: clause.Assignments(map[string]any{
			"event_type":       event.EventType,
			"sequence":         event.Sequence,
			"subscriber_id":    event.SubscriberID,
			"outcome":          event.Outcome,
			"processing_error": event.ProcessingError,
			"attempts":         gorm.Expr("billing_webhook_events.attempts + 1"),
			"processed_at":     now,
			"updated_at":       now,
		}),
	}).Create(event).Error
}

func (r *gormLedger) FindDelivery(ctx context.Context, provider, providerEventID string) (*models.BillingWebhookEvent, error) {
	var event models.BillingWebhookEvent
	err := r.db.WithContext(ctx).
		Where("provider = ? AND provider_event_id = ?", strings.ToLower(strings.TrimSpace(provider)), strings.TrimSpace(providerEventID)).
		First(&event).Error
	if err != nil {
		return nil, err
	}
	return &event, nil
}
