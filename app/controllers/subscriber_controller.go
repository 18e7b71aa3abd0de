package controllers

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/ManuelReschke/dlgate/app/models"
	"github.com/ManuelReschke/dlgate/internal/pkg/entitlements"
	"github.com/ManuelReschke/dlgate/internal/pkg/usercontext"
)

// UsageLister is implemented by usage.Recorder.
type UsageLister interface {
	ListBySubscriber(ctx context.Context, subscriberID string, limit int) ([]models.UsageRecord, error)
}

type ProvisionRequest struct {
	SubscriberID       string `json:"subscriberId" validate:"required,max=191"`
	BillingReferenceID string `json:"billingReferenceId" validate:"omitempty,max=191"`
}

// SubscriberController serves the internal provisioning API used by the
// account service.
type SubscriberController struct {
	store   entitlements.Store
	usage   UsageLister
	timeout time.Duration
	logger  zerolog.Logger
}

func NewSubscriberController(store entitlements.Store, usage UsageLister, timeout time.Duration, logger zerolog.Logger) *SubscriberController {
	return &SubscriberController{
		store:   store,
		usage:   usage,
		timeout: timeout,
		logger:  logger.With().Str("component", "subscriber_controller").Logger(),
	}
}

// HandleProvision creates the subscriber record and links the billing
// reference when given. Both steps are idempotent.
func (ctl *SubscriberController) HandleProvision(c *fiber.Ctx) error {
	if !usercontext.IsService(c) {
		return jsonError(c, fiber.StatusUnauthorized, "unauthorized", "Service token required")
	}

	var req ProvisionRequest
	if err := parseAndValidate(c, &req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "Invalid provisioning request")
	}

	ctx, cancel := requestContext(c, ctl.timeout)
	defer cancel()

	rec, err := ctl.store.Provision(ctx, req.SubscriberID)
	if err != nil {
		ctl.logger.Error().Err(err).Str("subscriber_id", req.SubscriberID).Msg("provisioning failed")
		return unavailable(c, "Subscriber could not be provisioned")
	}

	if ref := strings.TrimSpace(req.BillingReferenceID); ref != "" {
		rec, err = ctl.store.AttachBillingReference(ctx, req.SubscriberID, ref)
		if err != nil {
			if errors.Is(err, entitlements.ErrBillingReferenceConflict) {
				ctl.logger.Warn().Err(err).Str("subscriber_id", req.SubscriberID).Msg("billing reference conflict")
				return jsonError(c, fiber.StatusConflict, "billing_reference_conflict", "Billing reference is already linked differently")
			}
			ctl.logger.Error().Err(err).Str("subscriber_id", req.SubscriberID).Msg("linking billing reference failed")
			return unavailable(c, "Billing reference could not be linked")
		}
	}

	return c.Status(fiber.StatusCreated).JSON(rec)
}

// HandleGetSubscriber returns the record together with its latest usage.
func (ctl *SubscriberController) HandleGetSubscriber(c *fiber.Ctx) error {
	if !usercontext.IsService(c) {
		return jsonError(c, fiber.StatusUnauthorized, "unauthorized", "Service token required")
	}

	id := strings.TrimSpace(c.Params("id"))
	if id == "" {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "subscriber id missing")
	}

	ctx, cancel := requestContext(c, ctl.timeout)
	defer cancel()

	rec, err := ctl.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, entitlements.ErrNotFound) {
			return jsonError(c, fiber.StatusNotFound, "not_found", "Subscriber not found")
		}
		return unavailable(c, "Subscriber could not be loaded")
	}

	recent := []models.UsageRecord{}
	if ctl.usage != nil {
		list, err := ctl.usage.ListBySubscriber(ctx, id, c.QueryInt("limit", 20))
		if err != nil {
			ctl.logger.Warn().Err(err).Str("subscriber_id", id).Msg("loading usage failed")
		} else {
			recent = list
		}
	}

	return c.JSON(fiber.Map{
		"subscriber":  rec,
		"recentUsage": recent,
	})
}
