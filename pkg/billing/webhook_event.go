package billing

import (
	"time"

	"github.com/mihaimyh/goentitle/pkg/entitle"
)

// WebhookEvent describes a project change applied from a webhook.
// It is passed to the WebhookCallback after storage has been updated.
type WebhookEvent struct {
	// ProjectID is the project the event was applied to
	ProjectID string

	// PreviousTier is the tier before the webhook update
	PreviousTier entitle.Tier

	// NewTier is the tier after the webhook update
	NewTier entitle.Tier

	// CycleReset is true when the event started a new billing cycle and zeroed the counters
	CycleReset bool

	// Provider is the billing provider name ("stripe")
	Provider string

	// EventType is the provider-specific event type
	// Stripe: "customer.subscription.created", "invoice.paid", etc.
	EventType string

	// EventTimestamp is when the event occurred (from provider)
	EventTimestamp time.Time

	// Metadata contains provider-specific additional data (subscription metadata for Stripe)
	Metadata map[string]string
}
