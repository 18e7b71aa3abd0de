package controllers

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/ManuelReschke/dlgate/internal/pkg/billing"
)

// WebhookIngestor is implemented by billing.Ingestor.
type WebhookIngestor interface {
	Ingest(ctx context.Context, payload []byte, signatureHeader string) (*billing.Receipt, error)
}

type BillingController struct {
	ingestor WebhookIngestor
	timeout  time.Duration
	logger   zerolog.Logger
}

func NewBillingController(ingestor WebhookIngestor, timeout time.Duration, logger zerolog.Logger) *BillingController {
	return &BillingController{
		ingestor: ingestor,
		timeout:  timeout,
		logger:   logger.With().Str("component", "billing_controller").Logger(),
	}
}

// HandleStripeWebhook answers 200 for accepted deliveries, 400 for terminal
// rejections and 503 for anything the provider should redeliver.
func (ctl *BillingController) HandleStripeWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)
	signature := strings.TrimSpace(c.Get("Stripe-Signature"))

	ctx, cancel := requestContext(c, ctl.timeout)
	defer cancel()

	receipt, err := ctl.ingestor.Ingest(ctx, rawBody, signature)
	if err != nil {
		switch {
		case errors.Is(err, billing.ErrInvalidSignature):
			return jsonError(c, fiber.StatusBadRequest, "invalid_signature", "Invalid webhook signature")
		case errors.Is(err, billing.ErrUnknownSubscriber):
			return jsonError(c, fiber.StatusBadRequest, "unknown_subscriber", "No subscriber is linked to this billing reference")
		case errors.Is(err, billing.ErrMalformedPayload):
			return jsonError(c, fiber.StatusBadRequest, "malformed_payload", "Webhook payload could not be decoded")
		}
		ctl.logger.Error().Err(err).Str("ip", c.IP()).Msg("billing webhook processing failed")
		return unavailable(c, "Webhook could not be processed, retry later")
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"received": true,
		"outcome":  receipt.Outcome,
		"eventId":  receipt.EventID,
	})
}
