package billing

import (
	"errors"
	"time"
)

var (
	ErrInvalidSignature  = errors.New("invalid webhook signature")
	ErrMalformedPayload  = errors.New("malformed webhook payload")
	ErrUnknownSubscriber = errors.New("unknown subscriber")
)

// IsRejection reports whether err is a terminal rejection of a delivery. Any
// other error is transient and the provider is expected to redeliver.
func IsRejection(err error) bool {
	return errors.Is(err, ErrInvalidSignature) ||
		errors.Is(err, ErrMalformedPayload) ||
		errors.Is(err, ErrUnknownSubscriber)
}

// EventKind is the provider-neutral classification of a billing event.
type EventKind string

const (
	EventSubscriptionUpserted EventKind = "subscription_upserted"
	EventSubscriptionEnded    EventKind = "subscription_ended"
	EventPaymentFailed        EventKind = "payment_failed"
	EventUnknown              EventKind = "unknown"
)

// Event is a verified billing event normalized from the provider payload.
// Sequence orders events per subscriber; equal or older values are replays.
// For Stripe it is built by SequenceFor.
type Event struct {
	ID                 string
	Type               string
	Kind               EventKind
	Sequence           int64
	BillingReferenceID string
	AgreementID        string
	ProviderStatus     string
	CancelAt           *time.Time
	InvoiceID          string
}

// Receipt describes how a delivery was handled. Outcome is one of the
// models.WebhookOutcome* values.
type Receipt struct {
	EventID      string    `json:"eventId"`
	EventType    string    `json:"eventType"`
	Kind         EventKind `json:"kind"`
	SubscriberID string    `json:"subscriberId,omitempty"`
	Status       string    `json:"subscriptionStatus,omitempty"`
	Outcome      string    `json:"outcome"`
}
