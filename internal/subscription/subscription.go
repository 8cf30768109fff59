// Package subscription handles billing: plan catalog, Stripe checkout and
// lifecycle webhooks, and entitlement resolution for the control plane.
package subscription

import (
	"context"
	"errors"
	"log/slog"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/checkout/session"
	"github.com/stripe/stripe-go/v78/customer"
	stripesub "github.com/stripe/stripe-go/v78/subscription"

	"mcpgate/internal/config"
	"mcpgate/internal/domain"
	"mcpgate/internal/rbac"
	"mcpgate/internal/storage/postgres"
	"mcpgate/internal/telemetry"
)

// Service drives the billing lifecycle against Stripe
type Service struct {
	store       *postgres.Store
	acl         *rbac.Resolver
	logger      *slog.Logger
	metrics     *telemetry.Metrics
	webhookKey  string
	frontendURL string
}

func NewService(store *postgres.Store, acl *rbac.Resolver, logger *slog.Logger, metrics *telemetry.Metrics, cfg *config.StripeConfig, frontendURL string) *Service {
	stripe.Key = cfg.SecretKey
	return &Service{
		store:       store,
		acl:         acl,
		logger:      logger,
		metrics:     metrics,
		webhookKey:  cfg.WebhookSecret,
		frontendURL: frontendURL,
	}
}

// ListPlans returns purchasable plans, free plan included
func (s *Service) ListPlans(ctx context.Context) ([]domain.SubscriptionPlan, error) {
	return s.store.Subscriptions.ListPublicPlans(ctx)
}

// GetSubscription returns the org's subscription, or nil when on the free plan
func (s *Service) GetSubscription(ctx context.Context, p rbac.Principal) (*domain.OrganizationSubscription, error) {
	if err := s.acl.Check(p, domain.ActionOrganizationSubscription, orgResource(p.OrganizationID)); err != nil {
		return nil, err
	}
	sub, err := s.store.Subscriptions.GetSubscriptionByOrg(ctx, p.OrganizationID)
	if err != nil {
		if ignoreNotFound(err) == nil {
			return nil, nil
		}
		return nil, err
	}
	return sub, nil
}

// CheckoutInput requests a new paid subscription
type CheckoutInput struct {
	PlanCode  string `json:"plan_code"`
	SeatCount int    `json:"seat_count"`
}

// Checkout validates the requested plan and seats and returns a Stripe
// checkout URL. The subscription row is written only by the webhook once
// payment completes.
func (s *Service) Checkout(ctx context.Context, p rbac.Principal, in CheckoutInput) (string, error) {
	if err := s.acl.Check(p, domain.ActionOrganizationSubscription, orgResource(p.OrganizationID)); err != nil {
		return "", err
	}
	plan, err := s.validatePlanRequest(ctx, p.OrganizationID, in.PlanCode, in.SeatCount)
	if err != nil {
		return "", err
	}
	if plan.IsFree {
		return "", domain.NewError(domain.CodeRequestedSubscriptionInvalid,
			"the free plan does not require checkout")
	}

	if sub, err := s.store.Subscriptions.GetSubscriptionByOrg(ctx, p.OrganizationID); err == nil && sub != nil {
		return "", domain.NewError(domain.CodeRequestedSubscriptionInvalid,
			"organization already has an active subscription, update it instead")
	} else if ignoreNotFound(err) != nil {
		return "", err
	}

	customerID, err := s.ensureStripeCustomer(ctx, p)
	if err != nil {
		return "", err
	}

	params := &stripe.CheckoutSessionParams{
		Mode:     stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer: stripe.String(customerID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Price:    stripe.String(*plan.StripePriceID),
			Quantity: stripe.Int64(int64(in.SeatCount)),
		}},
		SuccessURL: stripe.String(s.frontendURL + "/settings/billing?checkout=success"),
		CancelURL:  stripe.String(s.frontendURL + "/settings/billing?checkout=canceled"),
	}
	sess, err := session.New(params)
	if err != nil {
		return "", domain.NewError(domain.CodeStripeOperationError, "creating checkout session: %v", err)
	}
	return sess.URL, nil
}

// UpdateInput changes the plan or seat count of an active subscription
type UpdateInput struct {
	PlanCode  string `json:"plan_code,omitempty"`
	SeatCount int    `json:"seat_count"`
}

// Update changes seats or plan in place, invoicing prorations immediately.
// The stored row is refreshed by the resulting webhook.
func (s *Service) Update(ctx context.Context, p rbac.Principal, in UpdateInput) error {
	if err := s.acl.Check(p, domain.ActionOrganizationSubscription, orgResource(p.OrganizationID)); err != nil {
		return err
	}
	sub, err := s.store.Subscriptions.GetSubscriptionByOrg(ctx, p.OrganizationID)
	if err != nil {
		return notFoundAs(err, domain.CodeRequestedSubscriptionInvalid,
			"organization has no active subscription")
	}

	planCode := in.PlanCode
	if planCode == "" {
		plan, err := s.store.Subscriptions.GetPlanByID(ctx, sub.PlanID)
		if err != nil {
			return err
		}
		planCode = plan.PlanCode
	}
	plan, err := s.validatePlanRequest(ctx, p.OrganizationID, planCode, in.SeatCount)
	if err != nil {
		return err
	}
	if plan.IsFree {
		return domain.NewError(domain.CodeRequestedSubscriptionInvalid,
			"downgrade to the free plan by canceling the subscription")
	}

	params := &stripe.SubscriptionParams{
		ProrationBehavior: stripe.String("always_invoice"),
		CancelAtPeriodEnd: stripe.Bool(false),
		Items: []*stripe.SubscriptionItemsParams{{
			ID:       stripe.String(sub.StripeSubscriptionItemID),
			Price:    stripe.String(*plan.StripePriceID),
			Quantity: stripe.Int64(int64(in.SeatCount)),
		}},
	}
	if _, err := stripesub.Update(sub.StripeSubscriptionID, params); err != nil {
		return domain.NewError(domain.CodeStripeOperationError, "updating subscription: %v", err)
	}
	return nil
}

// Change moves the organization onto the requested plan and seat count. With
// no subscription on file it opens a checkout session and returns its URL;
// otherwise the active subscription is updated in place and the URL is empty.
func (s *Service) Change(ctx context.Context, p rbac.Principal, in CheckoutInput) (string, error) {
	_, err := s.store.Subscriptions.GetSubscriptionByOrg(ctx, p.OrganizationID)
	if err != nil {
		if ignoreNotFound(err) != nil {
			return "", err
		}
		return s.Checkout(ctx, p, in)
	}
	return "", s.Update(ctx, p, UpdateInput{PlanCode: in.PlanCode, SeatCount: in.SeatCount})
}

// Cancel schedules cancellation at the end of the paid period
func (s *Service) Cancel(ctx context.Context, p rbac.Principal) error {
	if err := s.acl.Check(p, domain.ActionOrganizationSubscription, orgResource(p.OrganizationID)); err != nil {
		return err
	}
	sub, err := s.store.Subscriptions.GetSubscriptionByOrg(ctx, p.OrganizationID)
	if err != nil {
		return notFoundAs(err, domain.CodeRequestedSubscriptionInvalid,
			"organization has no active subscription")
	}

	params := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(true)}
	if _, err := stripesub.Update(sub.StripeSubscriptionID, params); err != nil {
		return domain.NewError(domain.CodeStripeOperationError, "canceling subscription: %v", err)
	}
	return nil
}

// validatePlanRequest checks the plan is purchasable and that the seat
// count fits both the plan's bounds and the organization's current
// footprint: member count and custom server count.
func (s *Service) validatePlanRequest(ctx context.Context, orgID, planCode string, seatCount int) (*domain.SubscriptionPlan, error) {
	plan, err := s.store.Subscriptions.GetPlanByCode(ctx, planCode)
	if err != nil {
		return nil, notFoundAs(err, domain.CodePlanNotAvailable, "plan %s not found", planCode)
	}
	if !plan.IsPublic || plan.ArchivedAt != nil {
		return nil, domain.NewError(domain.CodePlanNotAvailable, "plan %s is not available", planCode)
	}
	if !plan.IsFree && plan.StripePriceID == nil {
		return nil, domain.NewError(domain.CodePlanNotAvailable, "plan %s is not purchasable", planCode)
	}

	members, err := s.store.Orgs.CountMembers(ctx, orgID)
	if err != nil {
		return nil, err
	}
	customServers, err := s.store.Servers.CountCustomServers(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if err := planFits(plan, seatCount, members, customServers); err != nil {
		return nil, err
	}
	return plan, nil
}

// planFits checks the requested seats against the plan's bounds and the
// organization's existing footprint.
func planFits(plan *domain.SubscriptionPlan, seatCount, members, customServers int) error {
	if seatCount < plan.MinSeats || seatCount > plan.MaxSeats {
		return domain.NewError(domain.CodeRequestedSubscriptionInvalid,
			"plan %s requires between %d and %d seats", plan.PlanCode, plan.MinSeats, plan.MaxSeats)
	}
	if members > seatCount {
		return domain.NewError(domain.CodeRequestedSubscriptionInvalid,
			"organization has %d members, requested only %d seats", members, seatCount)
	}
	if plan.MaxCustomMCPServers != nil && customServers > *plan.MaxCustomMCPServers {
		return domain.NewError(domain.CodeRequestedSubscriptionInvalid,
			"organization has %d custom MCP servers, plan %s allows %d",
			customServers, plan.PlanCode, *plan.MaxCustomMCPServers)
	}
	return nil
}

// ensureStripeCustomer returns the org's Stripe customer, creating one lazily
func (s *Service) ensureStripeCustomer(ctx context.Context, p rbac.Principal) (string, error) {
	if id, err := s.store.Subscriptions.GetStripeCustomerID(ctx, p.OrganizationID); err == nil && id != "" {
		return id, nil
	} else if ignoreNotFound(err) != nil {
		return "", err
	}

	org, err := s.store.Orgs.GetOrganization(ctx, p.OrganizationID)
	if err != nil {
		return "", err
	}
	cust, err := customer.New(&stripe.CustomerParams{
		Name: stripe.String(org.Name),
		Metadata: map[string]string{
			"organization_id": org.ID,
		},
	})
	if err != nil {
		return "", domain.NewError(domain.CodeStripeOperationError, "creating customer: %v", err)
	}
	if err := s.store.Subscriptions.SetStripeCustomerID(ctx, org.ID, cust.ID); err != nil {
		return "", err
	}
	return cust.ID, nil
}

func orgResource(orgID string) *rbac.Resource {
	return &rbac.Resource{
		Type:           domain.ResourceOrganization,
		OrganizationID: &orgID,
	}
}

func notFoundAs(err error, code domain.ErrorCode, format string, args ...any) error {
	if errors.Is(err, postgres.ErrNotFound) {
		return domain.NewError(code, format, args...)
	}
	return err
}

// ignoreNotFound maps the store's miss sentinel to nil
func ignoreNotFound(err error) error {
	if errors.Is(err, postgres.ErrNotFound) {
		return nil
	}
	return err
}
