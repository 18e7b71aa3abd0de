package constants

// Route constants
const (
	APIRoute            = "/api"
	APIV1Path           = "/v1"
	BillingWebhookRoute = "/webhooks/billing"
	InternalRoute       = "/internal"
	HealthRoute         = "/healthz"
	MetricsRoute        = "/metrics"

	// Swagger UI is served below DocsBasePath + DocsPath
	DocsBasePath = "/docs/api/"
	DocsPath     = "v1"
	OpenAPIFile  = "./public/docs/v1/openapi.yml"
)
