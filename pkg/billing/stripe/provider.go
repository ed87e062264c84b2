// Package stripe moves projects between tiers from Stripe subscriptions and resets
// their usage when a subscription invoice is paid.
package stripe

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/entitle"
)

const (
	providerName       = "stripe"
	defaultHTTPTimeout = 10 * time.Second
	maxWebhookBody     = 256 * 1024

	// projectIDKey is the metadata key linking Stripe objects to a project
	projectIDKey = "project_id"

	subscriptionStatusActive   = "active"
	subscriptionStatusTrialing = "trialing"
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config // Base config (Manager, TierMapping, etc.)

	// Stripe-specific
	StripeAPIKey        string
	StripeWebhookSecret string

	// CustomerIDResolver maps a project to its Stripe customer (optional).
	// If nil, SyncProject falls back to the Stripe Search API.
	CustomerIDResolver func(context.Context, string) (string, error)

	// APIBaseURL overrides the Stripe API endpoint, e.g. for stripe-mock
	APIBaseURL string
}

// Provider implements the billing.Provider interface for Stripe
type Provider struct {
	manager            *entitle.Manager
	catalog            *entitle.Catalog
	config             Config
	tierMapping        map[string]entitle.Tier // Price/Product ID -> Tier
	webhookSecret      string
	stripeClient       *stripe.Client
	customerIDResolver func(context.Context, string) (string, error)
	metrics            billing.Metrics
	logger             entitle.Logger
}

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	if config.Manager == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	apiKey := strings.TrimSpace(config.StripeAPIKey)
	if apiKey == "" {
		apiKey = strings.TrimSpace(config.APIKey)
	}
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	backendConfig := &stripe.BackendConfig{HTTPClient: httpClient}
	if config.APIBaseURL != "" {
		backendConfig.URL = stripe.String(config.APIBaseURL)
	}
	backends := stripe.NewBackendsWithConfig(backendConfig)
	stripeClient := stripe.NewClient(apiKey, stripe.WithBackends(backends))

	webhookSecret := strings.TrimSpace(config.StripeWebhookSecret)
	if webhookSecret == "" {
		webhookSecret = strings.TrimSpace(config.WebhookSecret)
	}

	catalog := config.Manager.Catalog()
	tierMapping := make(map[string]entitle.Tier, len(config.TierMapping))
	for k, v := range config.TierMapping {
		if !catalog.Has(v) {
			return nil, billing.ErrTierNotConfigured
		}
		tierMapping[strings.ToLower(strings.TrimSpace(k))] = v
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	logger := config.Logger
	if logger == nil {
		logger = &entitle.NoopLogger{}
	}

	return &Provider{
		manager:            config.Manager,
		catalog:            catalog,
		config:             config,
		tierMapping:        tierMapping,
		webhookSecret:      webhookSecret,
		stripeClient:       stripeClient,
		customerIDResolver: config.CustomerIDResolver,
		metrics:            metrics,
		logger:             logger,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return http.HandlerFunc(p.handleWebhook)
}

// SyncProject synchronizes a project's tier from its active Stripe subscriptions
func (p *Provider) SyncProject(ctx context.Context, projectID string) (entitle.Tier, error) {
	return p.syncProjectFromAPI(ctx, projectID)
}

// DefaultTier returns the tier projects fall back to without a paid subscription
func (p *Provider) DefaultTier() entitle.Tier {
	return p.catalog.Lowest()
}

// MapPriceToTier maps a Stripe Price ID or Product ID to a catalog tier.
// Unknown IDs report false.
func (p *Provider) MapPriceToTier(priceID string) (entitle.Tier, bool) {
	if priceID == "" {
		return "", false
	}
	tier, ok := p.tierMapping[strings.ToLower(strings.TrimSpace(priceID))]
	return tier, ok
}

// tierForItems picks the highest-ranked mapped tier among subscription items
func (p *Provider) tierForItems(items *stripe.SubscriptionItemList) (entitle.Tier, bool) {
	if items == nil {
		return "", false
	}

	var best entitle.Tier
	bestRank := -1
	for _, item := range items.Data {
		if item == nil || item.Price == nil {
			continue
		}
		tier, ok := p.MapPriceToTier(item.Price.ID)
		if !ok && item.Price.Product != nil {
			tier, ok = p.MapPriceToTier(item.Price.Product.ID)
		}
		if !ok {
			continue
		}
		if rank := p.catalog.Rank(tier); rank > bestRank {
			best, bestRank = tier, rank
		}
	}
	return best, bestRank >= 0
}

// tierForSubscription returns the tier a subscription entitles to.
// Subscriptions that are not active or trialing entitle to the lowest tier.
func (p *Provider) tierForSubscription(sub *stripe.Subscription) entitle.Tier {
	switch sub.Status {
	case subscriptionStatusActive, subscriptionStatusTrialing:
	default:
		return p.DefaultTier()
	}
	if tier, ok := p.tierForItems(sub.Items); ok {
		return tier
	}
	return p.DefaultTier()
}
