package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// Stripe event types handled by the ingestor.
const (
	StripeSubscriptionCreated  = "customer.subscription.created"
	StripeSubscriptionUpdated  = "customer.subscription.updated"
	StripeSubscriptionResumed  = "customer.subscription.resumed"
	StripeSubscriptionDeleted  = "customer.subscription.deleted"
	StripeInvoicePaymentFailed = "invoice.payment_failed"
)

// HandledStripeEventTypes is the set requested during reconciliation.
var HandledStripeEventTypes = []string{
	StripeSubscriptionCreated,
	StripeSubscriptionUpdated,
	StripeSubscriptionResumed,
	StripeSubscriptionDeleted,
	StripeInvoicePaymentFailed,
}

// SequenceScale leaves room below one second of Stripe's created timestamp
// for the lifecycle rank of the event type.
const SequenceScale = 10

// lifecycleRank orders events of the same subscription that Stripe created in
// the same second: created before updated before deleted.
func lifecycleRank(eventType string) int64 {
	switch eventType {
	case StripeSubscriptionCreated:
		return 1
	case StripeSubscriptionUpdated, StripeSubscriptionResumed:
		return 2
	case StripeSubscriptionDeleted:
		return 3
	default:
		return 0
	}
}

// SequenceFor builds the per-subscriber ordering marker of a Stripe event.
func SequenceFor(created int64, eventType string) int64 {
	return created*SequenceScale + lifecycleRank(eventType)
}

// Verifier checks Stripe-Signature headers against the endpoint secret.
type Verifier struct {
	secret    string
	tolerance time.Duration
}

// NewVerifier creates a verifier. A zero tolerance uses stripe-go's default.
func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &Verifier{secret: strings.TrimSpace(secret), tolerance: tolerance}
}

// Verify authenticates payload and decodes it into a Stripe event.
func (v *Verifier) Verify(payload []byte, signatureHeader string) (*stripe.Event, error) {
	if v == nil || v.secret == "" {
		return nil, fmt.Errorf("%w: webhook secret not configured", ErrInvalidSignature)
	}
	if strings.TrimSpace(signatureHeader) == "" {
		return nil, fmt.Errorf("%w: missing signature header", ErrInvalidSignature)
	}

	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		switch {
		case errors.Is(err, webhook.ErrNotSigned),
			errors.Is(err, webhook.ErrInvalidHeader),
			errors.Is(err, webhook.ErrNoValidSignature),
			errors.Is(err, webhook.ErrTooOld):
			return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		default:
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
	}
	return &event, nil
}

type stripeSubscription struct {
	ID       string          `json:"id"`
	Customer json.RawMessage `json:"customer"`
	Status   string          `json:"status"`
	CancelAt int64           `json:"cancel_at"`
}

type stripeInvoice struct {
	ID       string          `json:"id"`
	Customer json.RawMessage `json:"customer"`
}

// FromStripeEvent normalizes a Stripe event. Unhandled types yield
// EventUnknown without inspecting the payload.
func FromStripeEvent(ev *stripe.Event) (Event, error) {
	if ev == nil {
		return Event{}, fmt.Errorf("%w: nil event", ErrMalformedPayload)
	}
	out := Event{
		ID:       ev.ID,
		Type:     string(ev.Type),
		Kind:     EventUnknown,
		Sequence: SequenceFor(ev.Created, string(ev.Type)),
	}
	if out.ID == "" {
		return Event{}, fmt.Errorf("%w: missing event id", ErrMalformedPayload)
	}

	switch out.Type {
	case StripeSubscriptionCreated, StripeSubscriptionUpdated, StripeSubscriptionResumed, StripeSubscriptionDeleted:
		var sub stripeSubscription
		if err := decodeObject(ev, &sub); err != nil {
			return Event{}, err
		}
		customer, err := customerID(sub.Customer)
		if err != nil {
			return Event{}, err
		}
		out.BillingReferenceID = customer
		out.AgreementID = sub.ID
		out.ProviderStatus = sub.Status
		if sub.CancelAt > 0 {
			t := time.Unix(sub.CancelAt, 0).UTC()
			out.CancelAt = &t
		}
		out.Kind = EventSubscriptionUpserted
		if out.Type == StripeSubscriptionDeleted {
			out.Kind = EventSubscriptionEnded
		}
	case StripeInvoicePaymentFailed:
		var inv stripeInvoice
		if err := decodeObject(ev, &inv); err != nil {
			return Event{}, err
		}
		customer, err := customerID(inv.Customer)
		if err != nil {
			return Event{}, err
		}
		out.BillingReferenceID = customer
		out.InvoiceID = inv.ID
		out.Kind = EventPaymentFailed
	}

	if out.Kind != EventUnknown && out.BillingReferenceID == "" {
		return Event{}, fmt.Errorf("%w: event %s has no customer", ErrMalformedPayload, out.ID)
	}
	return out, nil
}

func decodeObject(ev *stripe.Event, dst any) error {
	if ev.Data == nil || len(ev.Data.Raw) == 0 {
		return fmt.Errorf("%w: event %s has no data object", ErrMalformedPayload, ev.ID)
	}
	if err := json.Unmarshal(ev.Data.Raw, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return nil
}

// customerID accepts both the plain id and an expanded customer object.
func customerID(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return strings.TrimSpace(id), nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", fmt.Errorf("%w: customer: %v", ErrMalformedPayload, err)
	}
	return strings.TrimSpace(obj.ID), nil
}

// IsActiveEquivalent reports whether a provider subscription status entitles
// the subscriber.
func IsActiveEquivalent(providerStatus string) bool {
	switch stripe.SubscriptionStatus(strings.ToLower(strings.TrimSpace(providerStatus))) {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing, stripe.SubscriptionStatusPastDue:
		return true
	default:
		return false
	}
}
