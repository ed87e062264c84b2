package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/billing/internal"
	"github.com/mihaimyh/goentitle/pkg/entitle"
)

const (
	outcomeApplied = "applied"
	outcomeIgnored = "ignored"
)

// handleWebhook processes incoming Stripe webhook events
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if p.webhookSecret == "" {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	event, err := p.verifyEvent(w, r)
	if err != nil {
		status, reason := webhookRejection(err)
		p.logger.Warn("stripe webhook rejected", entitle.Field{Key: "error", Value: err.Error()})
		http.Error(w, http.StatusText(status), status)
		p.metrics.RecordWebhookError(providerName, reason)
		return
	}

	eventType := string(event.Type)
	if eventType == "" {
		eventType = "unknown"
	}

	outcome, err := p.processWebhookEvent(r.Context(), &event)
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
	if err != nil {
		p.logger.Error("stripe webhook failed",
			entitle.Field{Key: "event_id", Value: event.ID},
			entitle.Field{Key: "event_type", Value: eventType},
			entitle.Field{Key: "error", Value: err.Error()},
		)
		status, _ := webhookRejection(err)
		http.Error(w, "failed to process webhook", status)
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.metrics.RecordWebhookError(providerName, "processing_error")
		return
	}

	p.metrics.RecordWebhookEvent(providerName, eventType, outcome)
	_ = internal.WriteJSON(w, http.StatusOK, map[string]string{"status": outcome})
}

// verifyEvent reads the body and checks the Stripe-Signature header
func (p *Provider) verifyEvent(w http.ResponseWriter, r *http.Request) (stripe.Event, error) {
	body, err := internal.ReadBodyStrict(w, r, maxWebhookBody)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			return stripe.Event{}, err
		}
		return stripe.Event{}, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}

	event, err := stripe.ConstructEvent(body, r.Header.Get("Stripe-Signature"), p.webhookSecret)
	if err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookSignature, err)
	}
	return event, nil
}

// webhookRejection maps a webhook error to its status and error metric reason
func webhookRejection(err error) (int, string) {
	switch {
	case errors.Is(err, internal.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge, "payload_too_large"
	case errors.Is(err, billing.ErrInvalidWebhookSignature):
		return http.StatusUnauthorized, "auth_failed"
	case errors.Is(err, billing.ErrInvalidWebhookPayload):
		return http.StatusBadRequest, "invalid_payload"
	default:
		return http.StatusInternalServerError, "processing_error"
	}
}

// processWebhookEvent applies one verified event. Events older than the project's
// last change are ignored, so retries and out-of-order deliveries are harmless.
func (p *Provider) processWebhookEvent(ctx context.Context, event *stripe.Event) (string, error) {
	if event.Data == nil {
		return "", fmt.Errorf("%w: event %s has no data", billing.ErrInvalidWebhookPayload, event.ID)
	}
	eventTimestamp := time.Unix(event.Created, 0).UTC()

	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated":
		return p.handleSubscriptionChanged(ctx, event, eventTimestamp, false)
	case "customer.subscription.deleted":
		return p.handleSubscriptionChanged(ctx, event, eventTimestamp, true)
	case "invoice.paid":
		return p.handleInvoicePaid(ctx, event, eventTimestamp)
	case "invoice.payment_failed":
		// The subscription stays active until Stripe cancels it
		p.logger.Warn("stripe invoice payment failed", entitle.Field{Key: "event_id", Value: event.ID})
		return outcomeIgnored, nil
	default:
		return outcomeIgnored, nil
	}
}

// handleSubscriptionChanged moves the project to the tier the subscription pays for.
// A deleted subscription drops the project to the lowest tier.
func (p *Provider) handleSubscriptionChanged(
	ctx context.Context, event *stripe.Event, eventTimestamp time.Time, deleted bool,
) (string, error) {
	var subscription stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &subscription); err != nil {
		return "", fmt.Errorf("%w: subscription: %v", billing.ErrInvalidWebhookPayload, err)
	}

	projectID, err := p.projectIDFromSubscription(ctx, &subscription)
	if errors.Is(err, billing.ErrProjectIDMissing) {
		p.logger.Warn("stripe subscription without project",
			entitle.Field{Key: "subscription_id", Value: subscription.ID},
		)
		return outcomeIgnored, nil
	}
	if err != nil {
		return "", err
	}

	tier := p.DefaultTier()
	if !deleted {
		tier = p.tierForSubscription(&subscription)
	}

	project, err := p.manager.GetProject(ctx, projectID)
	if errors.Is(err, entitle.ErrProjectNotFound) {
		p.logger.Warn("stripe subscription for unknown project",
			entitle.Field{Key: "project_id", Value: projectID},
			entitle.Field{Key: "subscription_id", Value: subscription.ID},
		)
		return outcomeIgnored, nil
	}
	if err != nil {
		return "", err
	}

	// Timestamp-based idempotency: only apply events newer than the last change
	if !eventTimestamp.After(project.UpdatedAt) {
		return outcomeIgnored, nil
	}

	previousTier := p.catalog.Resolve(project.SubscriptionTier)
	if project.SubscriptionTier == tier {
		return outcomeIgnored, nil
	}

	if _, err := p.manager.ChangeTierAt(ctx, projectID, tier, eventTimestamp); err != nil {
		return "", fmt.Errorf("failed to change tier: %w", err)
	}
	if previousTier != tier {
		p.metrics.RecordTierChange(providerName, string(previousTier), string(tier))
	}

	return outcomeApplied, p.notify(ctx, billing.WebhookEvent{
		ProjectID:      projectID,
		PreviousTier:   previousTier,
		NewTier:        tier,
		Provider:       providerName,
		EventType:      string(event.Type),
		EventTimestamp: eventTimestamp,
		Metadata:       subscription.Metadata,
	})
}

// invoicePayload holds the invoice fields needed to find the project. Older API
// versions carry subscription_details at the top level, newer ones under parent.
type invoicePayload struct {
	ID                  string               `json:"id"`
	Metadata            map[string]string    `json:"metadata"`
	Subscription        json.RawMessage      `json:"subscription"`
	SubscriptionDetails *subscriptionDetails `json:"subscription_details"`
	Parent              *struct {
		SubscriptionDetails *subscriptionDetails `json:"subscription_details"`
	} `json:"parent"`
}

type subscriptionDetails struct {
	Metadata     map[string]string `json:"metadata"`
	Subscription json.RawMessage   `json:"subscription"`
}

// handleInvoicePaid starts a fresh usage cycle for the project. Rollover is
// idempotent per cycle, so redelivered invoices do not reset twice.
func (p *Provider) handleInvoicePaid(ctx context.Context, event *stripe.Event, eventTimestamp time.Time) (string, error) {
	var invoice invoicePayload
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return "", fmt.Errorf("%w: invoice: %v", billing.ErrInvalidWebhookPayload, err)
	}

	projectID, err := p.projectIDFromInvoice(ctx, &invoice)
	if errors.Is(err, billing.ErrProjectIDMissing) {
		// Not a project subscription invoice
		p.logger.Debug("stripe invoice without project", entitle.Field{Key: "invoice_id", Value: invoice.ID})
		return outcomeIgnored, nil
	}
	if err != nil {
		return "", err
	}

	project, err := p.manager.GetProject(ctx, projectID)
	if errors.Is(err, entitle.ErrProjectNotFound) {
		p.logger.Warn("stripe invoice for unknown project",
			entitle.Field{Key: "project_id", Value: projectID},
			entitle.Field{Key: "invoice_id", Value: invoice.ID},
		)
		return outcomeIgnored, nil
	}
	if err != nil {
		return "", err
	}

	_, reset, err := p.manager.Rollover(ctx, projectID, eventTimestamp)
	if err != nil {
		return "", fmt.Errorf("failed to roll over usage: %w", err)
	}
	if !reset {
		return outcomeIgnored, nil
	}
	p.metrics.RecordCycleRollover(providerName)

	tier := p.catalog.Resolve(project.SubscriptionTier)
	return outcomeApplied, p.notify(ctx, billing.WebhookEvent{
		ProjectID:      projectID,
		PreviousTier:   tier,
		NewTier:        tier,
		CycleReset:     true,
		Provider:       providerName,
		EventType:      string(event.Type),
		EventTimestamp: eventTimestamp,
		Metadata:       invoice.Metadata,
	})
}

// projectIDFromInvoice finds the project of an invoice, fetching its subscription
// when the invoice itself carries no project_id
func (p *Provider) projectIDFromInvoice(ctx context.Context, invoice *invoicePayload) (string, error) {
	projectID, subscriptionID := invoice.references()
	if projectID != "" {
		return projectID, nil
	}
	if subscriptionID == "" {
		return "", fmt.Errorf("%w: invoice %s", billing.ErrProjectIDMissing, invoice.ID)
	}

	sub, err := p.stripeClient.V1Subscriptions.Retrieve(ctx, subscriptionID, nil)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/subscriptions/retrieve", "error")
		return "", fmt.Errorf("%w: failed to fetch subscription: %v", billing.ErrProviderAPIError, err)
	}
	p.metrics.RecordAPICall(providerName, "/subscriptions/retrieve", "200")
	if projectID = sub.Metadata[projectIDKey]; projectID == "" {
		return "", fmt.Errorf("%w: subscription %s", billing.ErrProjectIDMissing, subscriptionID)
	}
	return projectID, nil
}

// references returns the project ID from invoice or subscription metadata and the
// subscription ID the invoice was issued for
func (inv invoicePayload) references() (projectID, subscriptionID string) {
	details := []*subscriptionDetails{inv.SubscriptionDetails}
	if inv.Parent != nil {
		details = append(details, inv.Parent.SubscriptionDetails)
	}

	projectID = inv.Metadata[projectIDKey]
	subscriptionID = objectID(inv.Subscription)
	for _, d := range details {
		if d == nil {
			continue
		}
		if projectID == "" {
			projectID = d.Metadata[projectIDKey]
		}
		if subscriptionID == "" {
			subscriptionID = objectID(d.Subscription)
		}
	}
	return projectID, subscriptionID
}

// objectID reads an expandable Stripe field: either an ID string or an object with "id"
func objectID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}

// projectIDFromSubscription reads project_id from subscription metadata, falling back
// to the customer's metadata. ErrProjectIDMissing means neither carries one.
func (p *Provider) projectIDFromSubscription(ctx context.Context, sub *stripe.Subscription) (string, error) {
	if projectID := sub.Metadata[projectIDKey]; projectID != "" {
		return projectID, nil
	}
	if sub.Customer == nil || sub.Customer.ID == "" {
		return "", fmt.Errorf("%w: subscription %s", billing.ErrProjectIDMissing, sub.ID)
	}
	if projectID := sub.Customer.Metadata[projectIDKey]; projectID != "" {
		return projectID, nil
	}

	cust, err := p.stripeClient.V1Customers.Retrieve(ctx, sub.Customer.ID, nil)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/customers/retrieve", "error")
		return "", fmt.Errorf("%w: failed to fetch customer: %v", billing.ErrProviderAPIError, err)
	}
	p.metrics.RecordAPICall(providerName, "/customers/retrieve", "200")
	if projectID := cust.Metadata[projectIDKey]; projectID != "" {
		return projectID, nil
	}
	return "", fmt.Errorf("%w: customer %s", billing.ErrProjectIDMissing, sub.Customer.ID)
}

func (p *Provider) notify(ctx context.Context, event billing.WebhookEvent) error {
	if p.config.WebhookCallback == nil {
		return nil
	}
	if err := p.config.WebhookCallback(ctx, event); err != nil {
		return fmt.Errorf("webhook callback: %w", err)
	}
	return nil
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
