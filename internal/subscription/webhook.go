package subscription

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	stripesub "github.com/stripe/stripe-go/v78/subscription"
	"github.com/stripe/stripe-go/v78/webhook"

	"mcpgate/internal/domain"
)

// HandleWebhook verifies and applies one Stripe event. Only a signature
// failure is an error to the caller; every later failure is logged and
// swallowed so the endpoint answers 200 and Stripe's redelivery decides the
// retry. The event id is recorded only after successful application, which
// both makes replays no-ops and keeps failed events eligible for redelivery.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	event, err := webhook.ConstructEvent(payload, signature, s.webhookKey)
	if err != nil {
		s.metrics.WebhookEvents.WithLabelValues("unknown", "rejected").Inc()
		return domain.NewError(domain.CodeValidationError, "invalid webhook signature")
	}

	seen, err := s.store.Subscriptions.WebhookEventSeen(ctx, event.ID)
	if err != nil {
		s.logger.Error("checking stripe event", "event_id", event.ID, "error", err)
		s.metrics.WebhookEvents.WithLabelValues(string(event.Type), "error").Inc()
		return nil
	}
	if seen {
		s.logger.Info("skipping replayed stripe event", "event_id", event.ID, "type", event.Type)
		s.metrics.WebhookEvents.WithLabelValues(string(event.Type), "duplicate").Inc()
		return nil
	}

	if !strings.HasPrefix(string(event.Type), "customer.subscription.") {
		s.recordEvent(ctx, event.ID, string(event.Type))
		s.metrics.WebhookEvents.WithLabelValues(string(event.Type), "ignored").Inc()
		return nil
	}

	var delivered stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &delivered); err != nil {
		s.logger.Error("malformed subscription payload", "event_id", event.ID, "error", err)
		s.metrics.WebhookEvents.WithLabelValues(string(event.Type), "rejected").Inc()
		return nil
	}

	// events race; fetch the current state rather than trusting the payload
	sub, err := stripesub.Get(delivered.ID, nil)
	if err != nil {
		s.logger.Error("fetching subscription from stripe",
			"stripe_subscription_id", delivered.ID, "event_id", event.ID, "error", err)
		s.metrics.WebhookEvents.WithLabelValues(string(event.Type), "error").Inc()
		return nil
	}

	if err := s.applySubscriptionState(ctx, sub); err != nil {
		s.logger.Error("applying subscription state",
			"stripe_subscription_id", sub.ID, "event_id", event.ID, "error", err)
		s.metrics.WebhookEvents.WithLabelValues(string(event.Type), "error").Inc()
		return nil
	}
	s.recordEvent(ctx, event.ID, string(event.Type))
	s.metrics.WebhookEvents.WithLabelValues(string(event.Type), "applied").Inc()
	return nil
}

// recordEvent marks the event applied; losing the write only risks one
// redundant, idempotent replay.
func (s *Service) recordEvent(ctx context.Context, eventID, eventType string) {
	if _, err := s.store.Subscriptions.RecordWebhookEvent(ctx, eventID, eventType); err != nil {
		s.logger.Error("recording stripe event", "event_id", eventID, "error", err)
	}
}

// applySubscriptionState reconciles the stored subscription row with the
// Stripe state machine. Terminal states delete the row, putting the org back
// on the free plan; transient states are left alone.
func (s *Service) applySubscriptionState(ctx context.Context, sub *stripe.Subscription) error {
	switch sub.Status {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusPastDue:
		return s.upsertFromStripe(ctx, sub)

	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncompleteExpired:
		s.logger.Info("removing subscription", "stripe_subscription_id", sub.ID, "status", sub.Status)
		return s.store.Subscriptions.DeleteSubscriptionByStripeID(ctx, sub.ID)

	case stripe.SubscriptionStatusIncomplete:
		// first payment still pending, nothing to store yet
		return nil

	default:
		// unpaid, paused and trialing are not sold states on this platform
		s.logger.Error("subscription in unsupported state",
			"stripe_subscription_id", sub.ID, "status", sub.Status)
		return nil
	}
}

func (s *Service) upsertFromStripe(ctx context.Context, sub *stripe.Subscription) error {
	if sub.Customer == nil || len(sub.Items.Data) == 0 {
		return domain.NewError(domain.CodeValidationError,
			"subscription %s has no customer or items", sub.ID)
	}
	item := sub.Items.Data[0]

	orgID, err := s.store.Subscriptions.FindOrgByStripeCustomer(ctx, sub.Customer.ID)
	if err != nil {
		return notFoundAs(err, domain.CodeValidationError,
			"no organization for stripe customer %s", sub.Customer.ID)
	}
	plan, err := s.store.Subscriptions.GetPlanByStripePriceID(ctx, item.Price.ID)
	if err != nil {
		return notFoundAs(err, domain.CodeValidationError,
			"no plan for stripe price %s", item.Price.ID)
	}

	row := &domain.OrganizationSubscription{
		OrganizationID:           orgID,
		PlanID:                   plan.ID,
		SeatCount:                int(item.Quantity),
		StripeCustomerID:         sub.Customer.ID,
		StripeSubscriptionID:     sub.ID,
		StripeSubscriptionItemID: item.ID,
		Status:                   string(sub.Status),
		CurrentPeriodStart:       time.Unix(sub.CurrentPeriodStart, 0).UTC(),
		CurrentPeriodEnd:         time.Unix(sub.CurrentPeriodEnd, 0).UTC(),
		CancelAtPeriodEnd:        sub.CancelAtPeriodEnd,
	}
	if err := s.store.Subscriptions.UpsertSubscription(ctx, row); err != nil {
		return err
	}
	s.logger.Info("subscription updated",
		"organization_id", orgID,
		"plan", plan.PlanCode,
		"seats", row.SeatCount,
		"status", row.Status)
	return nil
}
