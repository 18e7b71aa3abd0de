package controllers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/ManuelReschke/dlgate/app/models"
	"github.com/ManuelReschke/dlgate/internal/pkg/billing"
	"github.com/ManuelReschke/dlgate/internal/pkg/database/dbtest"
	"github.com/ManuelReschke/dlgate/internal/pkg/entitlements"
	"github.com/ManuelReschke/dlgate/internal/pkg/middleware"
	"github.com/ManuelReschke/dlgate/internal/pkg/quota"
	"github.com/ManuelReschke/dlgate/internal/pkg/s3download"
	"github.com/ManuelReschke/dlgate/internal/pkg/usage"
)

const testSecret = "whsec_controller_test"

type fakeReleaser struct {
	missing map[string]bool
	err     error
}

func (f *fakeReleaser) Exists(_ context.Context, key string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return !f.missing[key], nil
}

func (f *fakeReleaser) PresignGet(_ context.Context, key string) (s3download.Link, error) {
	return s3download.Link{URL: "https://downloads.test/" + key + "?sig=1", ExpiresAt: time.Now().Add(time.Minute)}, nil
}

type testServer struct {
	app      *fiber.App
	store    *entitlements.GormStore
	recorder *usage.Recorder
	releaser *fakeReleaser
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db := dbtest.Open(t)
	log := zerolog.Nop()

	store := entitlements.NewGormStore(db)
	recorder := usage.NewRecorder(db)
	releaser := &fakeReleaser{missing: map[string]bool{}}
	arbiter := quota.NewArbiter(store, quota.WithAllowance(3))
	ingestor := billing.NewIngestor(billing.NewVerifier(testSecret, 0), store, billing.NewLedger(db), log, nil)

	downloads := NewDownloadController(arbiter, usage.NewDeferred(recorder, nil, log, nil), releaser, time.Second, log)
	billingCtl := NewBillingController(ingestor, time.Second, log)
	subscribers := NewSubscriberController(store, recorder, time.Second, log)

	app := fiber.New()
	app.Post("/webhooks/billing", billingCtl.HandleStripeWebhook)
	api := app.Group("/api/v1", middleware.SubscriberContextMiddleware("X-Subscriber-ID"), middleware.RequireSubscriber)
	api.Get("/quota", downloads.HandleGetQuota)
	api.Post("/downloads", downloads.HandleCreateDownload)
	internal := app.Group("/internal", middleware.ServiceTokenMiddleware("svc", log))
	internal.Post("/subscribers", subscribers.HandleProvision)
	internal.Get("/subscribers/:id", subscribers.HandleGetSubscriber)

	return &testServer{app: app, store: store, recorder: recorder, releaser: releaser}
}

func (s *testServer) do(t *testing.T, req *http.Request) (int, map[string]any) {
	t.Helper()
	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func (s *testServer) provision(t *testing.T, id, ref string) {
	t.Helper()
	body := fmt.Sprintf(`{"subscriberId":%q,"billingReferenceId":%q}`, id, ref)
	req := httptest.NewRequest(fiber.MethodPost, "/internal/subscribers", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", "svc")
	status, _ := s.do(t, req)
	require.Equal(t, fiber.StatusCreated, status)
}

func apiRequest(method, path, subscriber, body string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if subscriber != "" {
		req.Header.Set("X-Subscriber-ID", subscriber)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

func webhookRequest(payload string) *http.Request {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    testSecret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	req := httptest.NewRequest(fiber.MethodPost, "/webhooks/billing", bytes.NewReader(signed.Payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func subscriptionEvent(id, eventType string, created int64, customer, status string) string {
	return fmt.Sprintf(`{"id":%q,"object":"event","type":%q,"created":%d,"data":{"object":{"id":"sub_1","object":"subscription","customer":%q,"status":%q}}}`,
		id, eventType, created, customer, status)
}

func TestDownloadFlowUntilQuotaExceeded(t *testing.T) {
	s := newTestServer(t)
	s.provision(t, "u1", "")

	status, body := s.do(t, apiRequest(fiber.MethodGet, "/api/v1/quota", "u1", ""))
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["canDownload"])
	assert.Equal(t, float64(3), body["remaining"])
	assert.Equal(t, false, body["needsUpgrade"])
	assert.Equal(t, models.SubscriptionStatusFree, body["subscriptionStatus"])

	for i, want := range []float64{2, 1, 0} {
		status, body := s.do(t, apiRequest(fiber.MethodPost, "/api/v1/downloads", "u1",
			fmt.Sprintf(`{"resourceKey":"builds/app.zip","requestId":"req-%d","sizeOrWeight":10}`, i)))
		require.Equal(t, fiber.StatusOK, status, body)
		assert.Equal(t, want, body["remaining"])
		assert.Equal(t, "https://downloads.test/builds/app.zip?sig=1", body["downloadUrl"])
		assert.Equal(t, fmt.Sprintf("req-%d", i), body["requestId"])
		assert.Equal(t, "written", body["usage"])
	}

	status, body = s.do(t, apiRequest(fiber.MethodPost, "/api/v1/downloads", "u1", `{"resourceKey":"builds/app.zip"}`))
	assert.Equal(t, fiber.StatusForbidden, status)
	assert.Equal(t, "quota_exceeded", body["error"])
	assert.Equal(t, true, body["needsUpgrade"])

	status, body = s.do(t, apiRequest(fiber.MethodGet, "/api/v1/quota", "u1", ""))
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, false, body["canDownload"])
	assert.Equal(t, true, body["needsUpgrade"])

	records, err := s.recorder.ListBySubscriber(context.Background(), "u1", 10)
	require.NoError(t, err)
	assert.Len(t, records, 3)
	for _, rec := range records {
		assert.True(t, rec.WasFreeTierConsumption)
	}
}

func TestDownloadRetryWithSameRequestIDConsumesOnce(t *testing.T) {
	s := newTestServer(t)
	s.provision(t, "u1", "")
	s.provision(t, "u2", "")
	ctx := context.Background()

	status, body := s.do(t, apiRequest(fiber.MethodPost, "/api/v1/downloads", "u1", `{"resourceKey":"a.zip","requestId":"req-1"}`))
	require.Equal(t, fiber.StatusOK, status, body)
	assert.Equal(t, float64(2), body["remaining"])
	assert.Equal(t, "written", body["usage"])

	status, body = s.do(t, apiRequest(fiber.MethodPost, "/api/v1/downloads", "u1", `{"resourceKey":"a.zip","requestId":"req-1"}`))
	require.Equal(t, fiber.StatusOK, status, body)
	assert.Equal(t, float64(2), body["remaining"])
	assert.Equal(t, "duplicate", body["usage"])
	assert.Equal(t, "req-1", body["requestId"])
	assert.Equal(t, "https://downloads.test/a.zip?sig=1", body["downloadUrl"])

	rec, err := s.store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.QuotaCounter)
	records, err := s.recorder.ListBySubscriber(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Len(t, records, 1)

	status, body = s.do(t, apiRequest(fiber.MethodPost, "/api/v1/downloads", "u1", `{"resourceKey":"b.zip","requestId":"req-1"}`))
	assert.Equal(t, fiber.StatusConflict, status)
	assert.Equal(t, "request_id_conflict", body["error"])

	status, body = s.do(t, apiRequest(fiber.MethodPost, "/api/v1/downloads", "u2", `{"resourceKey":"a.zip","requestId":"req-1"}`))
	assert.Equal(t, fiber.StatusConflict, status)
	assert.Equal(t, "request_id_conflict", body["error"])

	rec, err = s.store.Get(ctx, "u2")
	require.NoError(t, err)
	assert.Zero(t, rec.QuotaCounter)
	rec, err = s.store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.QuotaCounter)
}

func TestDownloadValidation(t *testing.T) {
	s := newTestServer(t)
	s.provision(t, "u1", "")

	status, _ := s.do(t, apiRequest(fiber.MethodPost, "/api/v1/downloads", "", `{"resourceKey":"a.zip"}`))
	assert.Equal(t, fiber.StatusUnauthorized, status)

	status, body := s.do(t, apiRequest(fiber.MethodPost, "/api/v1/downloads", "u1", `{"sizeOrWeight":1}`))
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "bad_request", body["error"])

	status, _ = s.do(t, apiRequest(fiber.MethodPost, "/api/v1/downloads", "u1", `{"resourceKey":"../../etc/passwd"}`))
	assert.Equal(t, fiber.StatusBadRequest, status)

	s.releaser.missing["gone.zip"] = true
	status, body = s.do(t, apiRequest(fiber.MethodPost, "/api/v1/downloads", "u1", `{"resourceKey":"gone.zip"}`))
	assert.Equal(t, fiber.StatusNotFound, status)
	assert.Equal(t, "resource_not_found", body["error"])

	rec, err := s.store.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Zero(t, rec.QuotaCounter, "rejected requests never consume quota")
}

func TestDownloadUnknownSubscriberAndUnavailable(t *testing.T) {
	s := newTestServer(t)

	status, body := s.do(t, apiRequest(fiber.MethodPost, "/api/v1/downloads", "ghost", `{"resourceKey":"a.zip"}`))
	assert.Equal(t, fiber.StatusNotFound, status)
	assert.Equal(t, "unknown_subscriber", body["error"])

	status, _ = s.do(t, apiRequest(fiber.MethodGet, "/api/v1/quota", "ghost", ""))
	assert.Equal(t, fiber.StatusNotFound, status)

	s.provision(t, "u1", "")
	s.releaser.err = errors.New("s3 timeout")
	status, body = s.do(t, apiRequest(fiber.MethodPost, "/api/v1/downloads", "u1", `{"resourceKey":"a.zip"}`))
	assert.Equal(t, fiber.StatusServiceUnavailable, status)
	assert.Equal(t, "unavailable", body["error"])
	assert.Equal(t, true, body["retryable"])
}

func TestWebhookActivatesAndDeletedResets(t *testing.T) {
	s := newTestServer(t)
	s.provision(t, "u1", "cus_1")

	status, body := s.do(t, webhookRequest(subscriptionEvent("evt_1", billing.StripeSubscriptionCreated, 5, "cus_1", "active")))
	require.Equal(t, fiber.StatusOK, status, body)
	assert.Equal(t, models.WebhookOutcomeApplied, body["outcome"])

	status, body = s.do(t, webhookRequest(subscriptionEvent("evt_1", billing.StripeSubscriptionCreated, 5, "cus_1", "active")))
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, models.WebhookOutcomeDuplicate, body["outcome"])

	for i := 0; i < 5; i++ {
		status, body := s.do(t, apiRequest(fiber.MethodPost, "/api/v1/downloads", "u1", `{"resourceKey":"a.zip"}`))
		require.Equal(t, fiber.StatusOK, status)
		assert.Equal(t, float64(entitlements.Unlimited), body["remaining"])
		assert.Equal(t, models.SubscriptionStatusActive, body["subscriptionStatus"])
	}

	status, _ = s.do(t, webhookRequest(subscriptionEvent("evt_2", billing.StripeSubscriptionDeleted, 9, "cus_1", "canceled")))
	require.Equal(t, fiber.StatusOK, status)

	status, body = s.do(t, apiRequest(fiber.MethodPost, "/api/v1/downloads", "u1", `{"resourceKey":"a.zip"}`))
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, float64(2), body["remaining"])
	assert.Equal(t, models.SubscriptionStatusCanceled, body["subscriptionStatus"])
}

func TestWebhookRejections(t *testing.T) {
	s := newTestServer(t)
	s.provision(t, "u1", "cus_1")

	req := httptest.NewRequest(fiber.MethodPost, "/webhooks/billing", bytes.NewBufferString(subscriptionEvent("evt_1", billing.StripeSubscriptionCreated, 5, "cus_1", "active")))
	req.Header.Set("Stripe-Signature", "t=1,v1=bad")
	status, body := s.do(t, req)
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "invalid_signature", body["error"])

	status, body = s.do(t, webhookRequest(subscriptionEvent("evt_2", billing.StripeSubscriptionCreated, 5, "cus_unknown", "active")))
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "unknown_subscriber", body["error"])

	status, body = s.do(t, webhookRequest(`{"id":"evt_3","type":`))
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "malformed_payload", body["error"])

	status, body = s.do(t, webhookRequest(`{"id":"evt_4","object":"event","type":"product.created","created":1,"data":{"object":{"id":"prod_1"}}}`))
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, models.WebhookOutcomeIgnored, body["outcome"])
}

type failingIngestor struct{}

func (failingIngestor) Ingest(context.Context, []byte, string) (*billing.Receipt, error) {
	return nil, fmt.Errorf("apply: %w", entitlements.ErrTransientConflict)
}

func TestWebhookTransientFailureIs503(t *testing.T) {
	app := fiber.New()
	app.Post("/webhooks/billing", NewBillingController(failingIngestor{}, time.Second, zerolog.Nop()).HandleStripeWebhook)

	resp, err := app.Test(webhookRequest(`{}`))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
}

func TestProvisioningAPI(t *testing.T) {
	s := newTestServer(t)
	s.provision(t, "u1", "cus_1")
	s.provision(t, "u1", "cus_1")

	req := httptest.NewRequest(fiber.MethodPost, "/internal/subscribers", bytes.NewBufferString(`{"subscriberId":"u1","billingReferenceId":"cus_2"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", "svc")
	status, body := s.do(t, req)
	assert.Equal(t, fiber.StatusConflict, status)
	assert.Equal(t, "billing_reference_conflict", body["error"])

	req = httptest.NewRequest(fiber.MethodPost, "/internal/subscribers", bytes.NewBufferString(`{}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", "svc")
	status, _ = s.do(t, req)
	assert.Equal(t, fiber.StatusBadRequest, status)

	req = httptest.NewRequest(fiber.MethodGet, "/internal/subscribers/u1", nil)
	req.Header.Set("Authorization", "Bearer svc")
	status, body = s.do(t, req)
	require.Equal(t, fiber.StatusOK, status)
	sub, ok := body["subscriber"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "cus_1", sub["billing_reference_id"])
	assert.Equal(t, models.SubscriptionStatusFree, sub["subscription_status"])

	req = httptest.NewRequest(fiber.MethodGet, "/internal/subscribers/nobody", nil)
	req.Header.Set("X-API-Key", "svc")
	status, _ = s.do(t, req)
	assert.Equal(t, fiber.StatusNotFound, status)

	req = httptest.NewRequest(fiber.MethodGet, "/internal/subscribers/u1", nil)
	status, _ = s.do(t, req)
	assert.Equal(t, fiber.StatusUnauthorized, status)
}

func TestSubscriberRoutesRequireServiceIdentity(t *testing.T) {
	ctl := NewSubscriberController(nil, nil, time.Second, zerolog.Nop())
	app := fiber.New()
	app.Post("/subscribers", ctl.HandleProvision)
	app.Get("/subscribers/:id", ctl.HandleGetSubscriber)

	resp, err := app.Test(httptest.NewRequest(fiber.MethodPost, "/subscribers", bytes.NewBufferString(`{"subscriberId":"u1"}`)))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(fiber.MethodGet, "/subscribers/u1", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}
