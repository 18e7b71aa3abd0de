// Package quota decides whether a subscriber may release a download.
package quota

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuelReschke/dlgate/app/models"
	"github.com/ManuelReschke/dlgate/internal/pkg/entitlements"
	"github.com/ManuelReschke/dlgate/internal/pkg/metrics"
)

// DefaultTimeout bounds a single decision.
const DefaultTimeout = 2 * time.Second

// Reason explains a denied Permit.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonUnknownSubscriber Reason = "unknown_subscriber"
	ReasonQuotaExceeded     Reason = "quota_exceeded"
)

const (
	opConsume = "check_and_consume"
	opPeek    = "peek"
)

// Permit is the outcome of a quota decision. Remaining is entitlements.Unlimited
// for subscribers that are not metered.
type Permit struct {
	Granted   bool
	Remaining int
	Reason    Reason
	Status    string
	Metered   bool
}

// NeedsUpgrade reports whether the subscriber has to subscribe to continue.
func (p Permit) NeedsUpgrade() bool {
	return p.Reason == ReasonQuotaExceeded
}

// Arbiter makes grant/deny decisions against the entitlement store. System
// failures are returned as errors, never as denials.
type Arbiter struct {
	store     entitlements.Store
	reader    entitlements.Reader
	allowance int
	timeout   time.Duration
	logger    zerolog.Logger
	metrics   *metrics.Collector
}

type Option func(*Arbiter)

// WithAllowance sets the free-tier allowance.
func WithAllowance(n int) Option {
	return func(a *Arbiter) {
		if n > 0 {
			a.allowance = n
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(a *Arbiter) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithReader routes Peek through a different read path, usually a cache.
func WithReader(r entitlements.Reader) Option {
	return func(a *Arbiter) {
		if r != nil {
			a.reader = r
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(a *Arbiter) { a.logger = logger }
}

func WithMetrics(c *metrics.Collector) Option {
	return func(a *Arbiter) { a.metrics = c }
}

func NewArbiter(store entitlements.Store, opts ...Option) *Arbiter {
	a := &Arbiter{
		store:     store,
		reader:    store,
		allowance: entitlements.DefaultFreeAllowance,
		timeout:   DefaultTimeout,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With().Str("component", "quota_arbiter").Logger()
	return a
}

// Allowance returns the configured free-tier allowance.
func (a *Arbiter) Allowance() int {
	return a.allowance
}

// CheckAndConsume is the authoritative decision. A metered grant consumes one
// unit of quota in the same atomic store operation that checks it.
func (a *Arbiter) CheckAndConsume(ctx context.Context, subscriberID string) (Permit, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	res, err := a.store.TryConsumeQuota(ctx, subscriberID, a.allowance)
	if err != nil {
		if errors.Is(err, entitlements.ErrNotFound) {
			return a.deny(opConsume, Permit{Reason: ReasonUnknownSubscriber}), nil
		}
		a.metrics.ObserveQuota(opConsume, metrics.QuotaError)
		a.logger.Error().Err(err).Str("subscriber_id", subscriberID).Msg("quota consume failed")
		return Permit{}, err
	}

	p := Permit{
		Granted:   res.Granted,
		Remaining: res.Remaining,
		Status:    res.Status,
		Metered:   res.Metered,
	}
	if !res.Granted {
		p.Reason = ReasonQuotaExceeded
		return a.deny(opConsume, p), nil
	}
	a.grant(opConsume, p)
	return p, nil
}

// Peek reports the decision CheckAndConsume would make right now without
// consuming anything. It can race with concurrent consumers and must not be
// used for enforcement.
func (a *Arbiter) Peek(ctx context.Context, subscriberID string) (Permit, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	rec, err := a.reader.Get(ctx, subscriberID)
	if err != nil {
		if errors.Is(err, entitlements.ErrNotFound) {
			return a.deny(opPeek, Permit{Reason: ReasonUnknownSubscriber}), nil
		}
		a.metrics.ObserveQuota(opPeek, metrics.QuotaError)
		return Permit{}, err
	}

	p := a.decide(rec)
	if !p.Granted {
		return a.deny(opPeek, p), nil
	}
	a.grant(opPeek, p)
	return p, nil
}

func (a *Arbiter) decide(rec *models.Subscriber) Permit {
	p := Permit{Status: rec.SubscriptionStatus}
	if !rec.IsMetered() {
		p.Granted = true
		p.Remaining = entitlements.Unlimited
		return p
	}
	p.Metered = true
	p.Remaining = entitlements.Remaining(a.allowance, rec.QuotaCounter)
	p.Granted = p.Remaining > 0
	if !p.Granted {
		p.Reason = ReasonQuotaExceeded
	}
	return p
}

func (a *Arbiter) grant(op string, p Permit) {
	outcome := metrics.QuotaGrantedUnlimited
	if p.Metered {
		outcome = metrics.QuotaGrantedMetered
	}
	a.metrics.ObserveQuota(op, outcome)
}

func (a *Arbiter) deny(op string, p Permit) Permit {
	outcome := metrics.QuotaDeniedExceeded
	if p.Reason == ReasonUnknownSubscriber {
		outcome = metrics.QuotaDeniedUnknown
	}
	a.metrics.ObserveQuota(op, outcome)
	return p
}

