package billing

import (
	"context"
	"net/http"

	"github.com/mihaimyh/goentitle/pkg/entitle"
)

// Config defines the standard configuration all providers should accept
type Config struct {
	// Manager is the entitlement Manager whose projects are moved between tiers
	Manager *entitle.Manager

	// TierMapping maps provider price/product IDs to catalog tiers.
	// For example: map[string]entitle.Tier{"price_growth_monthly": entitle.TierGrowth}
	// Unknown IDs map to the lowest tier of the catalog.
	TierMapping map[string]entitle.Tier

	// WebhookSecret is used to verify incoming webhook requests
	WebhookSecret string

	// APIKey is used for outbound API calls to the billing provider (e.g. SyncProject).
	APIKey string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	HTTPClient *http.Client

	// Metrics is an optional metrics collector for tracking billing provider operations.
	// If nil, metrics will be silently ignored (no-op).
	// Use billing/metrics/prometheus.DefaultMetrics(namespace) for Prometheus metrics.
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger entitle.Logger

	// WebhookCallback is invoked after a webhook event changed a project.
	// A non-nil error makes the webhook respond 500 so the provider retries.
	WebhookCallback func(context.Context, WebhookEvent) error
}
