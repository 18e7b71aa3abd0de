package apiv1

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/dlgate/app/controllers"
	"github.com/ManuelReschke/dlgate/internal/pkg/database/dbtest"
	"github.com/ManuelReschke/dlgate/internal/pkg/entitlements"
	"github.com/ManuelReschke/dlgate/internal/pkg/middleware"
	"github.com/ManuelReschke/dlgate/internal/pkg/quota"
	"github.com/ManuelReschke/dlgate/internal/pkg/usage"
)

func newApp(t *testing.T) (*fiber.App, *entitlements.GormStore) {
	t.Helper()
	db := dbtest.Open(t)
	store := entitlements.NewGormStore(db)
	recorder := usage.NewRecorder(db)
	downloads := controllers.NewDownloadController(
		quota.NewArbiter(store, quota.WithAllowance(3)),
		usage.NewDeferred(recorder, nil, zerolog.Nop(), nil),
		nil,
		time.Second,
		zerolog.Nop(),
	)

	app := fiber.New()
	v1 := app.Group("/api/v1", middleware.SubscriberContextMiddleware("X-Subscriber-ID"), middleware.RequireSubscriber)
	RegisterHandlers(v1, NewAPIServer(downloads))
	return app, store
}

func TestGetPing(t *testing.T) {
	app, _ := newApp(t)
	req := httptest.NewRequest(fiber.MethodGet, "/api/v1/ping", nil)
	req.Header.Set("X-Subscriber-ID", "u1")

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	var body Pong
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "pong", body.Ping)
}

func TestQuotaAndDownloadRoutes(t *testing.T) {
	app, store := newApp(t)
	_, err := store.Provision(context.Background(), "u1")
	require.NoError(t, err)

	req := httptest.NewRequest(fiber.MethodPost, "/api/v1/downloads", strings.NewReader(`{"resourceKey":"a.zip","requestId":"r1"}`))
	req.Header.Set("X-Subscriber-ID", "u1")
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var dl controllers.DownloadResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&dl))
	assert.Equal(t, 2, dl.Remaining)
	assert.Empty(t, dl.DownloadURL, "no releaser configured")

	req = httptest.NewRequest(fiber.MethodGet, "/api/v1/quota", nil)
	req.Header.Set("X-Subscriber-ID", "u1")
	resp, err = app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var q controllers.QuotaResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&q))
	assert.True(t, q.CanDownload)
	assert.Equal(t, 2, q.Remaining)
}
