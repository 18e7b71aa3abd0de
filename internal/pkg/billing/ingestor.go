package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ManuelReschke/dlgate/app/models"
	"github.com/ManuelReschke/dlgate/internal/pkg/entitlements"
	"github.com/ManuelReschke/dlgate/internal/pkg/metrics"
)

// Ingestor turns verified billing events into entitlement transitions. It is
// the only writer of the subscription fields of a Subscriber record.
type Ingestor struct {
	verifier *Verifier
	store    entitlements.Store
	ledger   Ledger
	logger   zerolog.Logger
	metrics  *metrics.Collector
}

// NewIngestor wires an ingestor. ledger and collector may be nil.
func NewIngestor(verifier *Verifier, store entitlements.Store, ledger Ledger, logger zerolog.Logger, collector *metrics.Collector) *Ingestor {
	return &Ingestor{
		verifier: verifier,
		store:    store,
		ledger:   ledger,
		logger:   logger.With().Str("component", "billing_ingestor").Logger(),
		metrics:  collector,
	}
}

// Ingest authenticates and applies one webhook delivery. Rejections are
// reported through errors matching IsRejection; any other error is transient.
func (i *Ingestor) Ingest(ctx context.Context, payload []byte, signatureHeader string) (*Receipt, error) {
	raw, err := i.verifier.Verify(payload, signatureHeader)
	if err != nil {
		kind := "unverified"
		if errors.Is(err, ErrMalformedPayload) {
			kind = "malformed"
		}
		i.metrics.ObserveWebhook(kind, models.WebhookOutcomeRejected)
		i.logger.Warn().Err(err).Int("payload_bytes", len(payload)).Msg("billing webhook rejected")
		return nil, err
	}

	event, err := FromStripeEvent(raw)
	if err != nil {
		i.metrics.ObserveWebhook("malformed", models.WebhookOutcomeRejected)
		i.logger.Warn().Err(err).Str("event_id", raw.ID).Str("event_type", string(raw.Type)).Msg("billing webhook payload could not be decoded")
		if raw.ID != "" {
			i.record(ctx, Event{ID: raw.ID, Type: string(raw.Type), Sequence: SequenceFor(raw.Created, string(raw.Type))}, "", models.WebhookOutcomeRejected, err)
		}
		return nil, err
	}
	return i.Apply(ctx, event)
}

// Apply maps an authenticated event onto the subscriber's record. It is also
// used to replay events fetched from the provider during reconciliation.
func (i *Ingestor) Apply(ctx context.Context, event Event) (*Receipt, error) {
	receipt := &Receipt{EventID: event.ID, EventType: event.Type, Kind: event.Kind}
	log := i.logger.With().
		Str("event_id", event.ID).
		Str("event_type", event.Type).
		Int64("sequence", event.Sequence).
		Logger()

	if event.Kind == EventUnknown || event.Kind == "" {
		log.Debug().Msg("ignoring unhandled billing event type")
		return i.finish(ctx, event, receipt, models.WebhookOutcomeIgnored, nil)
	}

	sub, err := i.store.GetByBillingReference(ctx, event.BillingReferenceID)
	if err != nil {
		if errors.Is(err, entitlements.ErrNotFound) {
			err = fmt.Errorf("%w: billing reference %s", ErrUnknownSubscriber, event.BillingReferenceID)
			log.Warn().Err(err).Msg("billing event for unknown subscriber")
			return i.finish(ctx, event, receipt, models.WebhookOutcomeRejected, err)
		}
		return i.finish(ctx, event, receipt, models.WebhookOutcomeFailed, fmt.Errorf("resolve subscriber: %w", err))
	}
	receipt.SubscriberID = sub.SubscriberID
	receipt.Status = sub.SubscriptionStatus
	log = log.With().Str("subscriber_id", sub.SubscriberID).Logger()

	var transition entitlements.Transition
	switch event.Kind {
	case EventPaymentFailed:
		i.metrics.ObservePaymentFailure()
		log.Error().
			Str("billing_reference_id", event.BillingReferenceID).
			Str("invoice_id", event.InvoiceID).
			Str("subscription_status", sub.SubscriptionStatus).
			Msg("payment failed for subscriber")
		return i.finish(ctx, event, receipt, models.WebhookOutcomeIgnored, nil)
	case EventSubscriptionUpserted:
		if !IsActiveEquivalent(event.ProviderStatus) {
			log.Info().Str("provider_status", event.ProviderStatus).Msg("subscription status does not change entitlement")
			return i.finish(ctx, event, receipt, models.WebhookOutcomeIgnored, nil)
		}
		transition = entitlements.Activate(event.AgreementID, event.CancelAt)
	case EventSubscriptionEnded:
		transition = entitlements.Cancel()
	}

	res, err := i.store.ApplyBillingTransition(ctx, sub.SubscriberID, transition, event.Sequence)
	if err != nil {
		log.Error().Err(err).Msg("billing transition failed")
		return i.finish(ctx, event, receipt, models.WebhookOutcomeFailed, err)
	}
	receipt.Status = res.Record.SubscriptionStatus
	if !res.Applied {
		log.Info().Int64("stored_sequence", res.Record.LastEventSequence).Msg("stale or duplicate billing event")
		return i.finish(ctx, event, receipt, models.WebhookOutcomeDuplicate, nil)
	}
	return i.finish(ctx, event, receipt, models.WebhookOutcomeApplied, nil)
}

func (i *Ingestor) finish(ctx context.Context, event Event, receipt *Receipt, outcome string, err error) (*Receipt, error) {
	receipt.Outcome = outcome
	i.metrics.ObserveWebhook(string(receipt.Kind), outcome)
	i.record(ctx, event, receipt.SubscriberID, outcome, err)
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

func (i *Ingestor) record(ctx context.Context, event Event, subscriberID, outcome string, procErr error) {
	if i.ledger == nil || event.ID == "" {
		return
	}
	row := &models.BillingWebhookEvent{
		Provider:        models.BillingProviderStripe,
		ProviderEventID: event.ID,
		EventType:       event.Type,
		Sequence:        event.Sequence,
		SubscriberID:    subscriberID,
		Outcome:         outcome,
	}
	if procErr != nil {
		row.ProcessingError = procErr.Error()
	}
	if err := i.ledger.RecordDelivery(context.WithoutCancel(ctx), row); err != nil {
		i.logger.Warn().Err(err).Str("event_id", event.ID).Msg("failed to record billing delivery")
	}
}
