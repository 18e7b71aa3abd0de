package entitlements

import (
	"errors"
	"strings"
	"time"

	"github.com/ManuelReschke/dlgate/app/models"
)

// DefaultFreeAllowance is the number of downloads granted to metered subscribers.
const DefaultFreeAllowance = 3

// Unlimited is reported as the remaining count for entitled subscribers.
const Unlimited = -1

var (
	ErrNotFound                 = errors.New("subscriber not found")
	ErrTransientConflict        = errors.New("transient store conflict")
	ErrBillingReferenceConflict = errors.New("billing reference already linked")
	ErrInvalidTransition        = errors.New("invalid billing transition")
)

type TransitionKind string

const (
	TransitionActivate TransitionKind = "activate"
	TransitionCancel   TransitionKind = "cancel"
)

// Transition is a billing-driven change of a subscriber's subscription fields.
// Only the webhook ingestor produces transitions.
type Transition struct {
	Kind        TransitionKind
	AgreementID string
	CancelAt    *time.Time
}

// Activate moves a subscriber onto the given billing agreement. A cancelAt in
// the future schedules the cancellation and yields the canceling status.
func Activate(agreementID string, cancelAt *time.Time) Transition {
	return Transition{
		Kind:        TransitionActivate,
		AgreementID: strings.TrimSpace(agreementID),
		CancelAt:    cancelAt,
	}
}

// Cancel ends the subscription and restarts the free allowance.
func Cancel() Transition {
	return Transition{Kind: TransitionCancel}
}

// Validate checks that the transition can be applied.
func (t Transition) Validate() error {
	switch t.Kind {
	case TransitionActivate:
		if t.AgreementID == "" {
			return errors.New("invalid billing transition: activate requires an agreement id")
		}
		return nil
	case TransitionCancel:
		return nil
	default:
		return ErrInvalidTransition
	}
}

// ResetsQuota reports whether applying the transition resets the quota counter.
func (t Transition) ResetsQuota() bool {
	return t.Kind == TransitionCancel
}

// Apply returns rec with the transition applied at now. LastEventSequence is
// left to the caller.
func (t Transition) Apply(rec models.Subscriber, now time.Time) models.Subscriber {
	switch t.Kind {
	case TransitionActivate:
		rec.ActiveBillingAgreementID = t.AgreementID
		if t.CancelAt != nil && t.CancelAt.After(now) {
			cancelAt := t.CancelAt.UTC()
			rec.SubscriptionStatus = models.SubscriptionStatusCanceling
			rec.CancelAt = &cancelAt
		} else {
			rec.SubscriptionStatus = models.SubscriptionStatusActive
			rec.CancelAt = nil
		}
	case TransitionCancel:
		rec.SubscriptionStatus = models.SubscriptionStatusCanceled
		rec.ActiveBillingAgreementID = ""
		rec.CancelAt = nil
		rec.QuotaCounter = 0
	}
	rec.UpdatedAt = now
	return rec
}

// Remaining returns the free downloads left for a counter under allowance.
func Remaining(allowance, counter int) int {
	if r := allowance - counter; r > 0 {
		return r
	}
	return 0
}
