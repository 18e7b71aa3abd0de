package entitlements

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/dlgate/app/models"
	"github.com/ManuelReschke/dlgate/internal/pkg/metrics"
)

const (
	defaultMaxAttempts = 5
	conflictBackoff    = 10 * time.Millisecond
)

// GormStore is the durable Store backed by GORM.
type GormStore struct {
	db          *gorm.DB
	maxAttempts int
	now         func() time.Time
	logger      zerolog.Logger
	metrics     *metrics.Collector
}

type StoreOption func(*GormStore)

// WithMaxAttempts bounds the optimistic retries of ApplyBillingTransition.
func WithMaxAttempts(n int) StoreOption {
	return func(s *GormStore) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

func WithClock(now func() time.Time) StoreOption {
	return func(s *GormStore) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(logger zerolog.Logger) StoreOption {
	return func(s *GormStore) { s.logger = logger }
}

func WithMetrics(c *metrics.Collector) StoreOption {
	return func(s *GormStore) { s.metrics = c }
}

// NewGormStore creates a store on top of a GORM handle.
func NewGormStore(db *gorm.DB, opts ...StoreOption) *GormStore {
	s := &GormStore{
		db:          db,
		maxAttempts: defaultMaxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "entitlement_store").Logger()
	return s
}

func (s *GormStore) Get(ctx context.Context, subscriberID string) (*models.Subscriber, error) {
	return s.first(s.db.WithContext(ctx), "subscriber_id = ?", strings.TrimSpace(subscriberID))
}

func (s *GormStore) GetByBillingReference(ctx context.Context, billingReferenceID string) (*models.Subscriber, error) {
	ref := strings.TrimSpace(billingReferenceID)
	if ref == "" {
		return nil, ErrNotFound
	}
	return s.first(s.db.WithContext(ctx), "billing_reference_id = ?", ref)
}

// Provision creates the record in the free state if it does not exist yet.
func (s *GormStore) Provision(ctx context.Context, subscriberID string) (*models.Subscriber, error) {
	id := strings.TrimSpace(subscriberID)
	if id == "" {
		return nil, errors.New("subscriber_id is required")
	}

	rec := &models.Subscriber{
		SubscriberID:       id,
		SubscriptionStatus: models.SubscriptionStatusFree,
	}
	tx := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "subscriber_id"}},
		DoNothing: true,
	}).Create(rec)
	if tx.Error != nil {
		return nil, fmt.Errorf("provision subscriber: %w", tx.Error)
	}
	if tx.RowsAffected > 0 {
		s.logger.Info().Str("subscriber_id", id).Msg("subscriber provisioned")
	}
	return s.Get(ctx, id)
}

// AttachBillingReference links the billing provider's customer id. The link is
// set once; re-attaching the same reference is a no-op.
func (s *GormStore) AttachBillingReference(ctx context.Context, subscriberID, billingReferenceID string) (*models.Subscriber, error) {
	id := strings.TrimSpace(subscriberID)
	ref := strings.TrimSpace(billingReferenceID)
	if id == "" || ref == "" {
		return nil, errors.New("subscriber_id and billing_reference_id are required")
	}

	res := s.db.WithContext(ctx).
		Model(&models.Subscriber{}).
		Where("subscriber_id = ? AND (billing_reference_id IS NULL OR billing_reference_id = ?)", id, ref).
		Updates(map[string]any{
			"billing_reference_id": ref,
			"updated_at":           s.now(),
		})
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return nil, fmt.Errorf("%w: %s", ErrBillingReferenceConflict, ref)
		}
		return nil, fmt.Errorf("attach billing reference: %w", res.Error)
	}

	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.BillingReference() != ref {
		return nil, fmt.Errorf("%w: subscriber %s is linked to another reference", ErrBillingReferenceConflict, id)
	}
	return rec, nil
}

// ApplyBillingTransition applies t if sequence is newer than the stored
// LastEventSequence. The write is conditional on the sequence that was read,
// so concurrent deliveries for the same subscriber cannot interleave; a lost
// race is retried up to maxAttempts times.
func (s *GormStore) ApplyBillingTransition(ctx context.Context, subscriberID string, t Transition, sequence int64) (ApplyResult, error) {
	if err := t.Validate(); err != nil {
		return ApplyResult{}, err
	}
	id := strings.TrimSpace(subscriberID)

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		current, err := s.Get(ctx, id)
		if err != nil {
			return ApplyResult{}, err
		}
		if sequence <= current.LastEventSequence {
			return ApplyResult{Record: *current}, nil
		}

		now := s.now()
		next := t.Apply(*current, now)
		next.LastEventSequence = sequence

		updates := map[string]any{
			"subscription_status":         next.SubscriptionStatus,
			"active_billing_agreement_id": next.ActiveBillingAgreementID,
			"last_event_sequence":         sequence,
			"updated_at":                  now,
		}
		if next.CancelAt != nil {
			updates["cancel_at"] = *next.CancelAt
		} else {
			updates["cancel_at"] = gorm.Expr("NULL")
		}
		if t.ResetsQuota() {
			updates["quota_counter"] = 0
		}

		res := s.db.WithContext(ctx).
			Model(&models.Subscriber{}).
			Where("subscriber_id = ? AND last_event_sequence = ?", id, current.LastEventSequence).
			Updates(updates)
		if res.Error != nil {
			return ApplyResult{}, fmt.Errorf("apply billing transition: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			s.logger.Info().
				Str("subscriber_id", id).
				Str("from", current.SubscriptionStatus).
				Str("to", next.SubscriptionStatus).
				Int64("sequence", sequence).
				Msg("billing transition applied")
			return ApplyResult{Record: next, Applied: true}, nil
		}

		s.metrics.ObserveStoreConflict()
		s.logger.Debug().
			Str("subscriber_id", id).
			Int("attempt", attempt).
			Msg("optimistic update lost race, retrying")

		select {
		case <-ctx.Done():
			return ApplyResult{}, ctx.Err()
		case <-time.After(time.Duration(attempt) * conflictBackoff):
		}
	}

	return ApplyResult{}, fmt.Errorf("%w: subscriber %s after %d attempts", ErrTransientConflict, id, s.maxAttempts)
}

// TryConsumeQuota performs the conditional increment and reads the resulting
// counter in the same transaction. The row lock taken by the UPDATE is held
// until commit, so the post-increment value belongs to this consumer.
func (s *GormStore) TryConsumeQuota(ctx context.Context, subscriberID string, allowance int) (ConsumeResult, error) {
	id := strings.TrimSpace(subscriberID)
	var out ConsumeResult

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Subscriber{}).
			Where("subscriber_id = ? AND subscription_status IN ? AND quota_counter < ?", id, models.MeteredStatuses, allowance).
			Updates(map[string]any{
				"quota_counter": gorm.Expr("quota_counter + ?", 1),
				"updated_at":    s.now(),
			})
		if res.Error != nil {
			return fmt.Errorf("consume quota: %w", res.Error)
		}

		rec, err := s.first(tx, "subscriber_id = ?", id)
		if err != nil {
			return err
		}

		out.Status = rec.SubscriptionStatus
		out.Counter = rec.QuotaCounter
		switch {
		case res.RowsAffected == 1:
			out.Granted = true
			out.Metered = true
			out.Remaining = Remaining(allowance, rec.QuotaCounter)
		case !rec.IsMetered():
			out.Granted = true
			out.Remaining = Unlimited
		default:
			out.Metered = true
			out.Remaining = Remaining(allowance, rec.QuotaCounter)
		}
		return nil
	})
	if err != nil {
		return ConsumeResult{}, err
	}
	return out, nil
}

func (s *GormStore) first(db *gorm.DB, query string, args ...any) (*models.Subscriber, error) {
	var rec models.Subscriber
	if err := db.Where(query, args...).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}
