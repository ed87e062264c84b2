package stripe

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/entitle"
)

// CheckoutURL creates a Stripe Checkout Session that upgrades projectID to tier and
// returns its URL. The subscription carries project_id metadata for the webhook.
func (p *Provider) CheckoutURL(ctx context.Context, projectID string, tier entitle.Tier, successURL, cancelURL string) (string, error) {
	startTime := time.Now()

	priceID := p.priceIDForTier(tier)
	if priceID == "" {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "tier_not_found")
		return "", fmt.Errorf("%w: %s", billing.ErrTierNotConfigured, tier)
	}

	// Only a missing customer is tolerated; any other failure could create a duplicate customer
	customerID, err := p.resolveCustomerID(ctx, projectID)
	if err != nil && !errors.Is(err, billing.ErrCustomerNotFound) {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "customer_resolution_failed")
		return "", fmt.Errorf("failed to resolve customer: %w", err)
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(successURL),
		CancelURL:  stripe.String(cancelURL),
	}
	params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{}
	params.SubscriptionData.AddMetadata(projectIDKey, projectID)

	if customerID != "" {
		params.Customer = stripe.String(customerID)
	} else {
		params.ClientReferenceID = stripe.String(projectID)
		params.CustomerCreation = stripe.String("always")
	}

	session, err := p.stripeClient.V1CheckoutSessions.Create(ctx, params)
	p.metrics.RecordAPICallDuration(providerName, "/checkout/sessions", time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "error")
		return "", fmt.Errorf("%w: failed to create checkout session: %v", billing.ErrProviderAPIError, err)
	}
	p.metrics.RecordAPICall(providerName, "/checkout/sessions", "success")
	return session.URL, nil
}

// PortalURL creates a Stripe Customer Portal Session where the owner manages or
// cancels the project's subscription
func (p *Provider) PortalURL(ctx context.Context, projectID, returnURL string) (string, error) {
	startTime := time.Now()

	customerID, err := p.resolveCustomerID(ctx, projectID)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/billing_portal/sessions", "customer_not_found")
		return "", fmt.Errorf("%w: %s", billing.ErrCustomerNotFound, projectID)
	}

	params := &stripe.BillingPortalSessionCreateParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}

	session, err := p.stripeClient.V1BillingPortalSessions.Create(ctx, params)
	p.metrics.RecordAPICallDuration(providerName, "/billing_portal/sessions", time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/billing_portal/sessions", "error")
		return "", fmt.Errorf("%w: failed to create portal session: %v", billing.ErrProviderAPIError, err)
	}
	p.metrics.RecordAPICall(providerName, "/billing_portal/sessions", "success")
	return session.URL, nil
}

// priceIDForTier returns the configured price for tier, as written in TierMapping.
// When several prices map to one tier the lexically first wins.
func (p *Provider) priceIDForTier(tier entitle.Tier) string {
	prices := make([]string, 0, len(p.config.TierMapping))
	for priceID, mapped := range p.config.TierMapping {
		if mapped == tier {
			prices = append(prices, priceID)
		}
	}
	if len(prices) == 0 {
		return ""
	}
	sort.Strings(prices)
	return prices[0]
}
