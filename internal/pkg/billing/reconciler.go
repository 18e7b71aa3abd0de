package billing

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuelReschke/dlgate/app/models"
	"github.com/ManuelReschke/dlgate/internal/pkg/metrics"
)

// DefaultReconcileWindow bounds how far back events are replayed.
const DefaultReconcileWindow = 72 * time.Hour

// EventSource lists billing events from the provider.
type EventSource interface {
	EventsSince(ctx context.Context, since time.Time, types []string) ([]Event, error)
}

// ReconcileReport summarizes one replay run.
type ReconcileReport struct {
	Fetched    int
	Applied    int
	Duplicates int
	Ignored    int
	Rejected   int
	Failed     int
}

// Reconciler replays recent provider events through the ingestor so that
// deliveries lost upstream are eventually applied.
type Reconciler struct {
	source   EventSource
	ingestor *Ingestor
	window   time.Duration
	now      func() time.Time
	logger   zerolog.Logger
	metrics  *metrics.Collector
}

func NewReconciler(source EventSource, ingestor *Ingestor, window time.Duration, logger zerolog.Logger, collector *metrics.Collector) *Reconciler {
	if window <= 0 {
		window = DefaultReconcileWindow
	}
	return &Reconciler{
		source:   source,
		ingestor: ingestor,
		window:   window,
		now:      time.Now,
		logger:   logger.With().Str("component", "billing_reconciler").Logger(),
		metrics:  collector,
	}
}

// Run replays every handled event inside the window. Rejections are counted
// and skipped; transient failures are collected and returned together.
func (r *Reconciler) Run(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	since := r.now().Add(-r.window)

	events, err := r.source.EventsSince(ctx, since, HandledStripeEventTypes)
	if err != nil {
		if errors.Is(err, ErrGatewayNotConfigured) {
			r.metrics.ObserveReconcile(metrics.ReconcileNotConfigured, 0)
			return report, err
		}
		r.metrics.ObserveReconcile(metrics.ReconcileFailed, 0)
		r.logger.Error().Err(err).Msg("listing billing events failed")
		return report, err
	}
	report.Fetched = len(events)

	var errs []error
	for _, ev := range events {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		receipt, err := r.ingestor.Apply(ctx, ev)
		switch {
		case err != nil && IsRejection(err):
			report.Rejected++
		case err != nil:
			report.Failed++
			errs = append(errs, err)
		case receipt.Outcome == models.WebhookOutcomeApplied:
			report.Applied++
		case receipt.Outcome == models.WebhookOutcomeDuplicate:
			report.Duplicates++
		default:
			report.Ignored++
		}
	}

	result := metrics.ReconcileSucceeded
	if len(errs) > 0 {
		result = metrics.ReconcileFailed
	}
	r.metrics.ObserveReconcile(result, report.Applied)
	r.logger.Info().
		Int("fetched", report.Fetched).
		Int("applied", report.Applied).
		Int("duplicates", report.Duplicates).
		Int("ignored", report.Ignored).
		Int("rejected", report.Rejected).
		Int("failed", report.Failed).
		Msg("billing reconciliation finished")

	return report, errors.Join(errs...)
}
