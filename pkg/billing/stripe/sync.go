package stripe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/entitle"
)

// syncProjectFromAPI recomputes a project's tier from the Stripe API
func (p *Provider) syncProjectFromAPI(ctx context.Context, projectID string) (entitle.Tier, error) {
	startTime := time.Now()
	tier, err := p.syncProject(ctx, projectID)

	status := "success"
	if err != nil {
		status = "error"
	}
	p.metrics.RecordProjectSync(providerName, status)
	p.metrics.RecordProjectSyncDuration(providerName, time.Since(startTime))
	return tier, err
}

func (p *Provider) syncProject(ctx context.Context, projectID string) (entitle.Tier, error) {
	project, err := p.manager.GetProject(ctx, projectID)
	if err != nil {
		return "", err
	}

	tier := p.DefaultTier()
	customerID, err := p.resolveCustomerID(ctx, projectID)
	switch {
	case errors.Is(err, billing.ErrCustomerNotFound):
		// No customer means no paid subscription
	case err != nil:
		return "", err
	default:
		tier, err = p.tierForCustomer(ctx, customerID)
		if err != nil {
			return "", err
		}
	}

	previousTier := p.catalog.Resolve(project.SubscriptionTier)
	if _, err := p.manager.ChangeTier(ctx, projectID, tier); err != nil {
		return "", fmt.Errorf("failed to change tier: %w", err)
	}
	if previousTier != tier {
		p.metrics.RecordTierChange(providerName, string(previousTier), string(tier))
	}
	return tier, nil
}

// tierForCustomer returns the highest tier among the customer's live subscriptions
func (p *Provider) tierForCustomer(ctx context.Context, customerID string) (entitle.Tier, error) {
	startTime := time.Now()
	params := &stripe.SubscriptionListParams{}
	params.Customer = stripe.String(customerID)

	best := p.DefaultTier()
	for sub, err := range p.stripeClient.V1Subscriptions.List(ctx, params) {
		if err != nil {
			p.metrics.RecordAPICall(providerName, "/subscriptions/list", "error")
			return "", fmt.Errorf("%w: failed to list subscriptions: %v", billing.ErrProviderAPIError, err)
		}
		if tier := p.tierForSubscription(sub); p.catalog.Rank(tier) > p.catalog.Rank(best) {
			best = tier
		}
	}

	p.metrics.RecordAPICall(providerName, "/subscriptions/list", "200")
	p.metrics.RecordAPICallDuration(providerName, "/subscriptions/list", time.Since(startTime))
	return best, nil
}

// resolveCustomerID finds the Stripe customer of a project. Uses CustomerIDResolver
// when configured, otherwise the Search API over customer metadata.
func (p *Provider) resolveCustomerID(ctx context.Context, projectID string) (string, error) {
	if p.customerIDResolver != nil {
		customerID, err := p.customerIDResolver(ctx, projectID)
		if err == nil && customerID != "" {
			return customerID, nil
		}
		if err != nil {
			p.logger.Warn("customer resolver failed, falling back to search",
				entitle.Field{Key: "project_id", Value: projectID},
				entitle.Field{Key: "error", Value: err.Error()},
			)
		}
	}
	return p.searchCustomerByMetadata(ctx, projectID)
}

// searchCustomerByMetadata searches for a customer by metadata using Stripe Search API
func (p *Provider) searchCustomerByMetadata(ctx context.Context, projectID string) (string, error) {
	p.metrics.RecordAPICall(providerName, "/customers/search", "slow_path")

	params := &stripe.CustomerSearchParams{}
	params.Query = fmt.Sprintf("metadata['%s']:'%s'", projectIDKey, projectID)

	for cust, err := range p.stripeClient.V1Customers.Search(ctx, params) {
		if err != nil {
			return "", fmt.Errorf("%w: customer search: %v", billing.ErrProviderAPIError, err)
		}
		// Search can return partial matches
		if cust.Metadata[projectIDKey] == projectID {
			return cust.ID, nil
		}
	}
	return "", billing.ErrCustomerNotFound
}
