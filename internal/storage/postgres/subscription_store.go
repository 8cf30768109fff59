package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mcpgate/internal/domain"
)

// SubscriptionStore persists plans, billing state and entitlement overrides
type SubscriptionStore struct {
	q querier
}

// ============================================================================
// Plans
// ============================================================================

const planColumns = `id, plan_code, display_name, is_free, is_public, stripe_price_id,
	min_seats, max_seats, max_custom_mcp_servers, log_retention_days, archived_at`

func (s *SubscriptionStore) GetPlanByID(ctx context.Context, id string) (*domain.SubscriptionPlan, error) {
	return s.getPlan(ctx, `WHERE id = $1`, id)
}

func (s *SubscriptionStore) GetPlanByCode(ctx context.Context, code string) (*domain.SubscriptionPlan, error) {
	return s.getPlan(ctx, `WHERE plan_code = $1`, code)
}

// GetPlanByStripePriceID maps a Stripe price back to its plan, archived
// plans included so webhook replays keep resolving.
func (s *SubscriptionStore) GetPlanByStripePriceID(ctx context.Context, priceID string) (*domain.SubscriptionPlan, error) {
	return s.getPlan(ctx, `WHERE stripe_price_id = $1`, priceID)
}

// GetFreePlan returns the platform's default plan
func (s *SubscriptionStore) GetFreePlan(ctx context.Context) (*domain.SubscriptionPlan, error) {
	return s.getPlan(ctx, `WHERE is_free = TRUE AND archived_at IS NULL ORDER BY plan_code LIMIT 1`)
}

func (s *SubscriptionStore) getPlan(ctx context.Context, where string, args ...any) (*domain.SubscriptionPlan, error) {
	p := &domain.SubscriptionPlan{}
	err := s.q.QueryRowContext(ctx,
		`SELECT `+planColumns+` FROM subscription_plans `+where, args...).Scan(
		&p.ID, &p.PlanCode, &p.DisplayName, &p.IsFree, &p.IsPublic, &p.StripePriceID,
		&p.MinSeats, &p.MaxSeats, &p.MaxCustomMCPServers, &p.LogRetentionDays, &p.ArchivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying plan: %w", err)
	}
	return p, nil
}

// ListPublicPlans returns purchasable plans for display
func (s *SubscriptionStore) ListPublicPlans(ctx context.Context) ([]domain.SubscriptionPlan, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+planColumns+` FROM subscription_plans
		WHERE is_public = TRUE AND archived_at IS NULL ORDER BY min_seats, plan_code`)
	if err != nil {
		return nil, fmt.Errorf("querying plans: %w", err)
	}
	defer rows.Close()

	var out []domain.SubscriptionPlan
	for rows.Next() {
		var p domain.SubscriptionPlan
		if err := rows.Scan(
			&p.ID, &p.PlanCode, &p.DisplayName, &p.IsFree, &p.IsPublic, &p.StripePriceID,
			&p.MinSeats, &p.MaxSeats, &p.MaxCustomMCPServers, &p.LogRetentionDays, &p.ArchivedAt); err != nil {
			return nil, fmt.Errorf("scanning plan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertPlan seeds or updates a plan by code, used at startup
func (s *SubscriptionStore) UpsertPlan(ctx context.Context, p *domain.SubscriptionPlan) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO subscription_plans
			(id, plan_code, display_name, is_free, is_public, stripe_price_id,
			 min_seats, max_seats, max_custom_mcp_servers, log_retention_days, archived_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (plan_code) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			is_free = EXCLUDED.is_free,
			is_public = EXCLUDED.is_public,
			stripe_price_id = EXCLUDED.stripe_price_id,
			min_seats = EXCLUDED.min_seats,
			max_seats = EXCLUDED.max_seats,
			max_custom_mcp_servers = EXCLUDED.max_custom_mcp_servers,
			log_retention_days = EXCLUDED.log_retention_days,
			archived_at = EXCLUDED.archived_at`,
		p.ID, p.PlanCode, p.DisplayName, p.IsFree, p.IsPublic, p.StripePriceID,
		p.MinSeats, p.MaxSeats, p.MaxCustomMCPServers, p.LogRetentionDays, p.ArchivedAt)
	if err != nil {
		return fmt.Errorf("upserting plan: %w", err)
	}
	return nil
}

// ============================================================================
// Organization Subscriptions
// ============================================================================

const subscriptionColumns = `id, organization_id, plan_id, seat_count,
	stripe_customer_id, stripe_subscription_id, stripe_subscription_item_id, status,
	current_period_start, current_period_end, cancel_at_period_end, created_at, updated_at`

func (s *SubscriptionStore) GetSubscriptionByOrg(ctx context.Context, orgID string) (*domain.OrganizationSubscription, error) {
	return s.getSubscription(ctx, `WHERE organization_id = $1`, orgID)
}

func (s *SubscriptionStore) GetSubscriptionByStripeID(ctx context.Context, stripeSubscriptionID string) (*domain.OrganizationSubscription, error) {
	return s.getSubscription(ctx, `WHERE stripe_subscription_id = $1`, stripeSubscriptionID)
}

func (s *SubscriptionStore) getSubscription(ctx context.Context, where string, args ...any) (*domain.OrganizationSubscription, error) {
	sub := &domain.OrganizationSubscription{}
	err := s.q.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM organization_subscriptions `+where, args...).Scan(
		&sub.ID, &sub.OrganizationID, &sub.PlanID, &sub.SeatCount,
		&sub.StripeCustomerID, &sub.StripeSubscriptionID, &sub.StripeSubscriptionItemID, &sub.Status,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.CancelAtPeriodEnd,
		&sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying subscription: %w", err)
	}
	return sub, nil
}

// UpsertSubscription writes the at-most-one billing row per organization.
// Webhook redelivery and checkout races both land here, so the upsert keys
// on organization_id.
func (s *SubscriptionStore) UpsertSubscription(ctx context.Context, sub *domain.OrganizationSubscription) error {
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	now := time.Now()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO organization_subscriptions
			(id, organization_id, plan_id, seat_count, stripe_customer_id,
			 stripe_subscription_id, stripe_subscription_item_id, status,
			 current_period_start, current_period_end, cancel_at_period_end, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (organization_id) DO UPDATE SET
			plan_id = EXCLUDED.plan_id,
			seat_count = EXCLUDED.seat_count,
			stripe_customer_id = EXCLUDED.stripe_customer_id,
			stripe_subscription_id = EXCLUDED.stripe_subscription_id,
			stripe_subscription_item_id = EXCLUDED.stripe_subscription_item_id,
			status = EXCLUDED.status,
			current_period_start = EXCLUDED.current_period_start,
			current_period_end = EXCLUDED.current_period_end,
			cancel_at_period_end = EXCLUDED.cancel_at_period_end,
			updated_at = EXCLUDED.updated_at`,
		sub.ID, sub.OrganizationID, sub.PlanID, sub.SeatCount, sub.StripeCustomerID,
		sub.StripeSubscriptionID, sub.StripeSubscriptionItemID, sub.Status,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd,
		sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upserting subscription: %w", err)
	}
	return nil
}

// DeleteSubscriptionByStripeID drops the billing row, returning the org to
// the free plan.
func (s *SubscriptionStore) DeleteSubscriptionByStripeID(ctx context.Context, stripeSubscriptionID string) error {
	_, err := s.q.ExecContext(ctx, `
		DELETE FROM organization_subscriptions WHERE stripe_subscription_id = $1`,
		stripeSubscriptionID)
	if err != nil {
		return fmt.Errorf("deleting subscription: %w", err)
	}
	return nil
}

// ============================================================================
// Entitlement Overrides
// ============================================================================

func (s *SubscriptionStore) GetOverride(ctx context.Context, orgID string) (*domain.OrganizationEntitlementOverride, error) {
	o := &domain.OrganizationEntitlementOverride{}
	err := s.q.QueryRowContext(ctx, `
		SELECT organization_id, seat_count, max_custom_mcp_servers, log_retention_days, expires_at
		FROM organization_entitlement_overrides WHERE organization_id = $1`, orgID).Scan(
		&o.OrganizationID, &o.SeatCount, &o.MaxCustomMCPServers, &o.LogRetentionDays, &o.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying entitlement override: %w", err)
	}
	return o, nil
}

func (s *SubscriptionStore) UpsertOverride(ctx context.Context, o *domain.OrganizationEntitlementOverride) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO organization_entitlement_overrides
			(organization_id, seat_count, max_custom_mcp_servers, log_retention_days, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (organization_id) DO UPDATE SET
			seat_count = EXCLUDED.seat_count,
			max_custom_mcp_servers = EXCLUDED.max_custom_mcp_servers,
			log_retention_days = EXCLUDED.log_retention_days,
			expires_at = EXCLUDED.expires_at`,
		o.OrganizationID, o.SeatCount, o.MaxCustomMCPServers, o.LogRetentionDays, o.ExpiresAt)
	if err != nil {
		return fmt.Errorf("upserting entitlement override: %w", err)
	}
	return nil
}

func (s *SubscriptionStore) DeleteOverride(ctx context.Context, orgID string) error {
	_, err := s.q.ExecContext(ctx, `
		DELETE FROM organization_entitlement_overrides WHERE organization_id = $1`, orgID)
	if err != nil {
		return fmt.Errorf("deleting entitlement override: %w", err)
	}
	return nil
}

// ============================================================================
// Stripe Bookkeeping
// ============================================================================

// RecordWebhookEvent inserts the event id, returning false when the event
// was already processed. This makes webhook application idempotent.
func (s *SubscriptionStore) RecordWebhookEvent(ctx context.Context, stripeEventID, eventType string) (bool, error) {
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO stripe_webhook_events (id, stripe_event_id, event_type, received_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (stripe_event_id) DO NOTHING`,
		uuid.New().String(), stripeEventID, eventType)
	if err != nil {
		return false, fmt.Errorf("recording webhook event: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// WebhookEventSeen reports whether the event id was already applied
func (s *SubscriptionStore) WebhookEventSeen(ctx context.Context, stripeEventID string) (bool, error) {
	var seen bool
	err := s.q.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM stripe_webhook_events WHERE stripe_event_id = $1)`,
		stripeEventID).Scan(&seen)
	if err != nil {
		return false, fmt.Errorf("checking webhook event: %w", err)
	}
	return seen, nil
}

// GetStripeCustomerID returns the org's Stripe customer mapping
func (s *SubscriptionStore) GetStripeCustomerID(ctx context.Context, orgID string) (string, error) {
	var id string
	err := s.q.QueryRowContext(ctx, `
		SELECT stripe_customer_id FROM stripe_customers WHERE organization_id = $1`, orgID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying stripe customer: %w", err)
	}
	return id, nil
}

// SetStripeCustomerID persists the org-to-customer mapping once
func (s *SubscriptionStore) SetStripeCustomerID(ctx context.Context, orgID, customerID string) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO stripe_customers (organization_id, stripe_customer_id)
		VALUES ($1, $2)
		ON CONFLICT (organization_id) DO UPDATE SET stripe_customer_id = EXCLUDED.stripe_customer_id`,
		orgID, customerID)
	if err != nil {
		return fmt.Errorf("setting stripe customer: %w", err)
	}
	return nil
}

// FindOrgByStripeCustomer reverse-maps a Stripe customer to the organization
func (s *SubscriptionStore) FindOrgByStripeCustomer(ctx context.Context, customerID string) (string, error) {
	var orgID string
	err := s.q.QueryRowContext(ctx, `
		SELECT organization_id FROM stripe_customers WHERE stripe_customer_id = $1`, customerID).Scan(&orgID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying stripe customer mapping: %w", err)
	}
	return orgID, nil
}
