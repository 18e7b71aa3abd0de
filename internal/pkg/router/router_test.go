package router

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/dlgate/app/controllers"
	"github.com/ManuelReschke/dlgate/internal/pkg/billing"
	"github.com/ManuelReschke/dlgate/internal/pkg/database/dbtest"
	"github.com/ManuelReschke/dlgate/internal/pkg/entitlements"
	"github.com/ManuelReschke/dlgate/internal/pkg/metrics"
	"github.com/ManuelReschke/dlgate/internal/pkg/quota"
	"github.com/ManuelReschke/dlgate/internal/pkg/usage"
)

func newTestApp(t *testing.T, rateLimit int) (*fiber.App, *entitlements.GormStore) {
	t.Helper()
	db := dbtest.Open(t)
	log := zerolog.Nop()
	collector := metrics.New()

	store := entitlements.NewGormStore(db)
	recorder := usage.NewRecorder(db)
	arbiter := quota.NewArbiter(store, quota.WithMetrics(collector))
	ingestor := billing.NewIngestor(billing.NewVerifier("whsec_router", 0), store, billing.NewLedger(db), log, collector)

	app := fiber.New()
	InstallRouter(app, Dependencies{
		Downloads:        controllers.NewDownloadController(arbiter, usage.NewDeferred(recorder, nil, log, collector), nil, time.Second, log),
		Billing:          controllers.NewBillingController(ingestor, time.Second, log),
		Subscribers:      controllers.NewSubscriberController(store, recorder, time.Second, log),
		DB:               db,
		Metrics:          collector,
		Logger:           log,
		SubscriberHeader: "X-Subscriber-ID",
		InternalAPIKey:   "svc-token",
		RateLimitMax:     rateLimit,
		RateLimitWindow:  time.Minute,
	})
	return app, store
}

func TestHealthzWithoutCacheIsDegradedButOK(t *testing.T) {
	app, _ := newTestApp(t, 0)

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/healthz", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "ok", body.Checks["database"])
	assert.Equal(t, "degraded", body.Checks["cache"])
}

func TestMetricsEndpointExposesQuotaDecisions(t *testing.T) {
	app, store := newTestApp(t, 0)
	_, err := store.Provision(context.Background(), "u1")
	require.NoError(t, err)

	req := httptest.NewRequest(fiber.MethodGet, "/api/v1/quota", nil)
	req.Header.Set("X-Subscriber-ID", "u1")
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(fiber.MethodGet, "/metrics", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "dlgate_quota_decisions_total")
}

func TestApiRequiresSubscriber(t *testing.T) {
	app, _ := newTestApp(t, 0)

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/api/v1/ping", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestApiRateLimitPerSubscriber(t *testing.T) {
	app, _ := newTestApp(t, 2)

	get := func(subscriber string) int {
		req := httptest.NewRequest(fiber.MethodGet, "/api/v1/ping", nil)
		req.Header.Set("X-Subscriber-ID", subscriber)
		resp, err := app.Test(req)
		require.NoError(t, err)
		return resp.StatusCode
	}

	assert.Equal(t, fiber.StatusOK, get("u1"))
	assert.Equal(t, fiber.StatusOK, get("u1"))
	assert.Equal(t, fiber.StatusTooManyRequests, get("u1"))
	assert.Equal(t, fiber.StatusOK, get("u2"))
}

func TestInternalRoutesNeedServiceToken(t *testing.T) {
	app, _ := newTestApp(t, 0)

	body := `{"subscriberId":"u9"}`
	req := httptest.NewRequest(fiber.MethodPost, "/internal/subscribers", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	req = httptest.NewRequest(fiber.MethodPost, "/internal/subscribers", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer svc-token")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusCreated, resp.StatusCode)
}

func TestWebhookRouteRejectsUnsignedPayload(t *testing.T) {
	app, _ := newTestApp(t, 0)

	req := httptest.NewRequest(fiber.MethodPost, "/webhooks/billing", strings.NewReader(`{"id":"evt_1"}`))
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

type downPinger struct{}

func (downPinger) Ping(context.Context) error { return errors.New("bucket gone") }

func TestHealthzFailsWhenObjectStorageDown(t *testing.T) {
	app := fiber.New()
	InstallRouter(app, Dependencies{
		DB:      dbtest.Open(t),
		Objects: downPinger{},
		Logger:  zerolog.Nop(),
	})

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/healthz", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
}
