package billing

import "errors"

// Configuration errors, returned by provider constructors and session builders
var (
	ErrProviderNotConfigured = errors.New("billing: provider is missing credentials or a manager")
	ErrTierNotConfigured     = errors.New("billing: no price is mapped to this tier")
)

// Webhook errors. Handlers map them to 401 and 400; ErrProjectIDMissing is not a
// failure, the event belongs to something other than a project and is ignored.
var (
	ErrInvalidWebhookSignature = errors.New("billing: webhook signature does not verify")
	ErrInvalidWebhookPayload   = errors.New("billing: webhook payload is malformed")
	ErrProjectIDMissing        = errors.New("billing: no project_id in event, subscription or customer metadata")
)

// Provider API errors
var (
	ErrProviderAPIError = errors.New("billing: provider API call failed")
	ErrCustomerNotFound = errors.New("billing: no provider customer for project")
)
