package billing

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v82"
)

// ErrGatewayNotConfigured is returned when no Stripe API key is set.
var ErrGatewayNotConfigured = errors.New("billing gateway not configured")

// Gateway is the read-only Stripe API client used to replay events. The
// underlying client is built on first use and shared afterwards.
type Gateway struct {
	secretKey string
	logger    zerolog.Logger

	once sync.Once
	api  *stripe.Client
}

func NewGateway(secretKey string, logger zerolog.Logger) *Gateway {
	return &Gateway{
		secretKey: strings.TrimSpace(secretKey),
		logger:    logger.With().Str("component", "billing_gateway").Logger(),
	}
}

// Configured reports whether an API key is available.
func (g *Gateway) Configured() bool {
	return g != nil && g.secretKey != ""
}

func (g *Gateway) client() *stripe.Client {
	g.once.Do(func() {
		g.api = stripe.NewClient(g.secretKey)
		g.logger.Debug().Msg("stripe api client initialized")
	})
	return g.api
}

// EventsSince lists handled events created after since, oldest first.
// Events that cannot be normalized are skipped.
func (g *Gateway) EventsSince(ctx context.Context, since time.Time, types []string) ([]Event, error) {
	if !g.Configured() {
		return nil, ErrGatewayNotConfigured
	}

	params := &stripe.EventListParams{
		CreatedRange: &stripe.RangeQueryParams{GreaterThan: since.Unix()},
		Types:        stripe.StringSlice(types),
	}
	params.Limit = stripe.Int64(100)

	var events []Event
	for raw, err := range g.client().V1Events.List(ctx, params) {
		if err != nil {
			return nil, err
		}
		ev, err := FromStripeEvent(raw)
		if err != nil {
			g.logger.Warn().Err(err).Str("event_id", raw.ID).Msg("skipping undecodable stripe event")
			continue
		}
		events = append(events, ev)
	}

	sort.SliceStable(events, func(a, b int) bool { return events[a].Sequence < events[b].Sequence })
	return events, nil
}
