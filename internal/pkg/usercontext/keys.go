package usercontext

// Shared Locals keys used across controllers and middlewares
const (
	KeyContext      = "SUBSCRIBER_CONTEXT"
	KeySubscriberID = "subscriber_id"
	KeyService      = "internal_service"
)
