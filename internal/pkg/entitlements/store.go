package entitlements

import (
	"context"

	"github.com/ManuelReschke/dlgate/app/models"
)

// Store owns the canonical Subscriber records. Every mutation is a single-key
// atomic operation; no caller may rely on in-process locking.
type Store interface {
	Get(ctx context.Context, subscriberID string) (*models.Subscriber, error)
	GetByBillingReference(ctx context.Context, billingReferenceID string) (*models.Subscriber, error)
	Provision(ctx context.Context, subscriberID string) (*models.Subscriber, error)
	AttachBillingReference(ctx context.Context, subscriberID, billingReferenceID string) (*models.Subscriber, error)
	ApplyBillingTransition(ctx context.Context, subscriberID string, t Transition, sequence int64) (ApplyResult, error)
	TryConsumeQuota(ctx context.Context, subscriberID string, allowance int) (ConsumeResult, error)
}

// Reader is the read-only subset used for pre-flight checks.
type Reader interface {
	Get(ctx context.Context, subscriberID string) (*models.Subscriber, error)
}

// ApplyResult is the outcome of ApplyBillingTransition. Applied is false when
// the event sequence was equal to or older than the stored one.
type ApplyResult struct {
	Record  models.Subscriber
	Applied bool
}

// ConsumeResult is the outcome of TryConsumeQuota, computed in one atomic step.
type ConsumeResult struct {
	Granted   bool
	Metered   bool
	Remaining int
	Counter   int
	Status    string
}
