package controllers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ManuelReschke/dlgate/app/models"
	"github.com/ManuelReschke/dlgate/internal/pkg/metrics"
	"github.com/ManuelReschke/dlgate/internal/pkg/quota"
	"github.com/ManuelReschke/dlgate/internal/pkg/s3download"
	"github.com/ManuelReschke/dlgate/internal/pkg/usage"
	"github.com/ManuelReschke/dlgate/internal/pkg/usercontext"
)

// QuotaArbiter is implemented by quota.Arbiter.
type QuotaArbiter interface {
	CheckAndConsume(ctx context.Context, subscriberID string) (quota.Permit, error)
	Peek(ctx context.Context, subscriberID string) (quota.Permit, error)
}

// UsageRecorder is implemented by usage.Deferred.
type UsageRecorder interface {
	RecordOrDefer(ctx context.Context, subscriberID, requestID string, md usage.Metadata) string
	FindByRequestID(ctx context.Context, requestID string) (*models.UsageRecord, error)
}

// Releaser hands out the actual download. Implemented by s3download.Client.
type Releaser interface {
	Exists(ctx context.Context, key string) (bool, error)
	PresignGet(ctx context.Context, key string) (s3download.Link, error)
}

type DownloadRequest struct {
	ResourceKey  string `json:"resourceKey" validate:"required,max=512"`
	RequestID    string `json:"requestId" validate:"omitempty,max=191"`
	SizeOrWeight int64  `json:"sizeOrWeight" validate:"min=0"`
}

type QuotaResponse struct {
	CanDownload        bool   `json:"canDownload"`
	Remaining          int    `json:"remaining"`
	NeedsUpgrade       bool   `json:"needsUpgrade"`
	SubscriptionStatus string `json:"subscriptionStatus"`
}

type DownloadResponse struct {
	RequestID          string     `json:"requestId"`
	Remaining          int        `json:"remaining"`
	SubscriptionStatus string     `json:"subscriptionStatus"`
	DownloadURL        string     `json:"downloadUrl,omitempty"`
	ExpiresAt          *time.Time `json:"expiresAt,omitempty"`
	Usage              string     `json:"usage"`
}

type DownloadController struct {
	arbiter  QuotaArbiter
	usage    UsageRecorder
	releaser Releaser
	timeout  time.Duration
	logger   zerolog.Logger
}

// NewDownloadController wires the download endpoints. releaser may be nil when
// object storage is disabled; grants then carry no URL.
func NewDownloadController(arbiter QuotaArbiter, recorder UsageRecorder, releaser Releaser, timeout time.Duration, logger zerolog.Logger) *DownloadController {
	return &DownloadController{
		arbiter:  arbiter,
		usage:    recorder,
		releaser: releaser,
		timeout:  timeout,
		logger:   logger.With().Str("component", "download_controller").Logger(),
	}
}

// HandleGetQuota is the pre-flight check. It never consumes quota.
func (ctl *DownloadController) HandleGetQuota(c *fiber.Ctx) error {
	subscriberID := usercontext.GetSubscriberID(c)
	ctx, cancel := requestContext(c, ctl.timeout)
	defer cancel()

	permit, err := ctl.arbiter.Peek(ctx, subscriberID)
	if err != nil {
		ctl.logger.Error().Err(err).Str("subscriber_id", subscriberID).Msg("quota check failed")
		return unavailable(c, "Quota could not be determined, retry later")
	}
	if permit.Reason == quota.ReasonUnknownSubscriber {
		return jsonError(c, fiber.StatusNotFound, "unknown_subscriber", "Subscriber not found")
	}

	return c.JSON(QuotaResponse{
		CanDownload:        permit.Granted,
		Remaining:          permit.Remaining,
		NeedsUpgrade:       permit.NeedsUpgrade(),
		SubscriptionStatus: permit.Status,
	})
}

// HandleCreateDownload makes the authoritative decision and releases the resource.
func (ctl *DownloadController) HandleCreateDownload(c *fiber.Ctx) error {
	subscriberID := usercontext.GetSubscriberID(c)

	var req DownloadRequest
	if err := parseAndValidate(c, &req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "Invalid download request")
	}
	key, err := s3download.CleanKey(req.ResourceKey)
	if err != nil {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "Invalid resource key")
	}
	retryable := req.RequestID != ""
	if !retryable {
		req.RequestID = uuid.NewString()
	}
	log := ctl.logger.With().Str("subscriber_id", subscriberID).Str("request_id", req.RequestID).Str("resource_key", key).Logger()

	ctx, cancel := requestContext(c, ctl.timeout)
	defer cancel()

	// A client-supplied request id that was already granted is answered again
	// without touching the quota counter.
	if retryable {
		prior, err := ctl.usage.FindByRequestID(ctx, req.RequestID)
		switch {
		case err == nil:
			return ctl.replayGrant(ctx, c, log, subscriberID, key, prior)
		case !errors.Is(err, usage.ErrNotFound):
			log.Error().Err(err).Msg("request id lookup failed")
			return unavailable(c, "Download could not be checked, retry later")
		}
	}

	// Resolve the link before consuming so nothing can fail after the grant.
	var link *s3download.Link
	if ctl.releaser != nil {
		exists, err := ctl.releaser.Exists(ctx, key)
		if err != nil {
			log.Error().Err(err).Msg("resource lookup failed")
			return unavailable(c, "Resource could not be checked, retry later")
		}
		if !exists {
			return jsonError(c, fiber.StatusNotFound, "resource_not_found", "Resource not found")
		}
		l, err := ctl.releaser.PresignGet(ctx, key)
		if err != nil {
			log.Error().Err(err).Msg("presigning failed")
			return unavailable(c, "Download link could not be created, retry later")
		}
		link = &l
	}

	permit, err := ctl.arbiter.CheckAndConsume(ctx, subscriberID)
	if err != nil {
		log.Error().Err(err).Msg("quota consume failed")
		return unavailable(c, "Quota could not be determined, retry later")
	}
	switch permit.Reason {
	case quota.ReasonUnknownSubscriber:
		return jsonError(c, fiber.StatusNotFound, "unknown_subscriber", "Subscriber not found")
	case quota.ReasonQuotaExceeded:
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error":              "quota_exceeded",
			"message":            "Free download allowance exhausted",
			"needsUpgrade":       true,
			"remaining":          0,
			"subscriptionStatus": permit.Status,
		})
	}

	result := ctl.usage.RecordOrDefer(ctx, subscriberID, req.RequestID, usage.Metadata{
		RecordedAt:             time.Now().UTC(),
		WasFreeTierConsumption: permit.Metered,
		SizeOrWeight:           req.SizeOrWeight,
		ResourceKey:            key,
	})

	resp := DownloadResponse{
		RequestID:          req.RequestID,
		Remaining:          permit.Remaining,
		SubscriptionStatus: permit.Status,
		Usage:              result,
	}
	if link != nil {
		resp.DownloadURL = link.URL
		resp.ExpiresAt = &link.ExpiresAt
	}
	log.Info().Bool("metered", permit.Metered).Int("remaining", permit.Remaining).Msg("download released")
	return c.Status(fiber.StatusOK).JSON(resp)
}

func (ctl *DownloadController) replayGrant(ctx context.Context, c *fiber.Ctx, log zerolog.Logger, subscriberID, key string, prior *models.UsageRecord) error {
	if prior.SubscriberID != subscriberID || prior.ResourceKey != key {
		log.Warn().Str("recorded_subscriber_id", prior.SubscriberID).Msg("request id reused for a different download")
		return jsonError(c, fiber.StatusConflict, "request_id_conflict", "Request id was already used for another download")
	}

	permit, err := ctl.arbiter.Peek(ctx, subscriberID)
	if err != nil {
		log.Error().Err(err).Msg("quota check failed")
		return unavailable(c, "Quota could not be determined, retry later")
	}

	resp := DownloadResponse{
		RequestID:          prior.RequestID,
		Remaining:          permit.Remaining,
		SubscriptionStatus: permit.Status,
		Usage:              metrics.UsageDuplicate,
	}
	if ctl.releaser != nil {
		link, err := ctl.releaser.PresignGet(ctx, key)
		if err != nil {
			log.Error().Err(err).Msg("presigning failed")
			return unavailable(c, "Download link could not be created, retry later")
		}
		resp.DownloadURL = link.URL
		resp.ExpiresAt = &link.ExpiresAt
	}
	log.Info().Msg("download request replayed")
	return c.Status(fiber.StatusOK).JSON(resp)
}
