// Package metrics provides Prometheus collectors for the entitlement engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dlgate"

// Quota decision outcomes.
const (
	QuotaGrantedUnlimited  = "granted_unlimited"
	QuotaGrantedMetered    = "granted_metered"
	QuotaDeniedExceeded    = "denied_quota_exceeded"
	QuotaDeniedUnknown     = "denied_unknown_subscriber"
	QuotaError             = "error"
	UsageWritten           = "written"
	UsageDuplicate         = "duplicate"
	UsageDeferred          = "deferred"
	UsageDropped           = "dropped"
	ReconcileSucceeded     = "succeeded"
	ReconcileFailed        = "failed"
	ReconcileNotConfigured = "not_configured"
)

// Collector holds all Prometheus metrics of the service. A nil *Collector is
// valid and records nothing.
type Collector struct {
	Registry *prometheus.Registry

	QuotaDecisions  *prometheus.CounterVec
	WebhookEvents   *prometheus.CounterVec
	PaymentFailures prometheus.Counter
	StoreConflicts  prometheus.Counter
	UsageRecords    *prometheus.CounterVec
	ReconcileRuns   *prometheus.CounterVec
	ReplayedEvents  prometheus.Counter
}

// New creates a collector backed by its own registry.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Collector{
		Registry: reg,
		QuotaDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "quota_decisions_total",
				Help:      "Quota arbiter decisions by outcome",
			},
			[]string{"operation", "outcome"},
		),
		WebhookEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "billing_webhook_events_total",
				Help:      "Billing webhook deliveries by event kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		PaymentFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "billing_payment_failures_total",
				Help:      "Payment failed events received from the billing provider",
			},
		),
		StoreConflicts: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "entitlement_store_conflicts_total",
				Help:      "Optimistic update conflicts on subscriber records",
			},
		),
		UsageRecords: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "usage_records_total",
				Help:      "Usage ledger writes by result",
			},
			[]string{"result"},
		),
		ReconcileRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "billing_reconcile_runs_total",
				Help:      "Billing reconciliation runs by result",
			},
			[]string{"result"},
		),
		ReplayedEvents: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "billing_replayed_events_total",
				Help:      "Billing events replayed by reconciliation",
			},
		),
	}
}

// ObserveQuota counts one arbiter decision.
func (c *Collector) ObserveQuota(operation, outcome string) {
	if c == nil {
		return
	}
	c.QuotaDecisions.WithLabelValues(operation, outcome).Inc()
}

// ObserveWebhook counts one webhook delivery.
func (c *Collector) ObserveWebhook(kind, outcome string) {
	if c == nil {
		return
	}
	c.WebhookEvents.WithLabelValues(kind, outcome).Inc()
}

// ObservePaymentFailure counts one payment failed event.
func (c *Collector) ObservePaymentFailure() {
	if c == nil {
		return
	}
	c.PaymentFailures.Inc()
}

// ObserveStoreConflict counts one optimistic update conflict.
func (c *Collector) ObserveStoreConflict() {
	if c == nil {
		return
	}
	c.StoreConflicts.Inc()
}

// ObserveUsage counts one usage ledger write result.
func (c *Collector) ObserveUsage(result string) {
	if c == nil {
		return
	}
	c.UsageRecords.WithLabelValues(result).Inc()
}

// ObserveReconcile counts one reconciliation run and the events it replayed.
func (c *Collector) ObserveReconcile(result string, replayed int) {
	if c == nil {
		return
	}
	c.ReconcileRuns.WithLabelValues(result).Inc()
	if replayed > 0 {
		c.ReplayedEvents.Add(float64(replayed))
	}
}
