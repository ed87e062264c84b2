package billing

import (
	"context"
	"net/http"

	"github.com/mihaimyh/goentitle/pkg/entitle"
)

// Provider is the interface a billing backend implements to move projects between tiers.
type Provider interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that processes real-time events.
	// The implementation handles validation, parsing, and Manager updates internally.
	WebhookHandler() http.Handler

	// SyncProject forces a synchronization of the project's tier from the provider.
	// This is used for "Restore Purchases" or nightly reconciliation jobs.
	// Returns the detected tier and any error.
	SyncProject(ctx context.Context, projectID string) (entitle.Tier, error)
}
