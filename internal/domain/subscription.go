package domain

import (
	"time"
)

// =============================================================================
// Plans & Subscriptions
// =============================================================================

// SubscriptionPlan is a purchasable (or free) plan. Nil caps mean unlimited.
type SubscriptionPlan struct {
	ID                  string     `json:"id"`
	PlanCode            string     `json:"plan_code"` // unique
	DisplayName         string     `json:"display_name"`
	IsFree              bool       `json:"is_free"`
	IsPublic            bool       `json:"is_public"`
	StripePriceID       *string    `json:"stripe_price_id,omitempty"` // required for paid plans
	MinSeats            int        `json:"min_seats"`
	MaxSeats            int        `json:"max_seats"`
	MaxCustomMCPServers *int       `json:"max_custom_mcp_servers,omitempty"`
	LogRetentionDays    *int       `json:"log_retention_days,omitempty"`
	ArchivedAt          *time.Time `json:"archived_at,omitempty"`
}

// OrganizationSubscription is the at-most-one billing row per organization.
// Absence means the org is on the free plan.
type OrganizationSubscription struct {
	ID                       string    `json:"id"`
	OrganizationID           string    `json:"organization_id"`
	PlanID                   string    `json:"plan_id"`
	SeatCount                int       `json:"seat_count"`
	StripeCustomerID         string    `json:"stripe_customer_id"`
	StripeSubscriptionID     string    `json:"stripe_subscription_id"`
	StripeSubscriptionItemID string    `json:"stripe_subscription_item_id"`
	Status                   string    `json:"status"`
	CurrentPeriodStart       time.Time `json:"current_period_start"`
	CurrentPeriodEnd         time.Time `json:"current_period_end"`
	CancelAtPeriodEnd        bool      `json:"cancel_at_period_end"`
	CreatedAt                time.Time `json:"created_at"`
	UpdatedAt                time.Time `json:"updated_at"`
}

// OrganizationEntitlementOverride raises or lowers individual entitlement
// fields until ExpiresAt. Nil fields leave the plan value in effect.
type OrganizationEntitlementOverride struct {
	OrganizationID      string     `json:"organization_id"`
	SeatCount           *int       `json:"seat_count,omitempty"`
	MaxCustomMCPServers *int       `json:"max_custom_mcp_servers,omitempty"`
	LogRetentionDays    *int       `json:"log_retention_days,omitempty"`
	ExpiresAt           *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the override has lapsed at the given time
func (o *OrganizationEntitlementOverride) Expired(now time.Time) bool {
	return o.ExpiresAt != nil && o.ExpiresAt.Before(now)
}

// Entitlement is the resolved numeric caps enforced by the control plane:
// plan fields overridden field-wise by a non-expired override.
type Entitlement struct {
	PlanCode            string `json:"plan_code"`
	SeatCount           int    `json:"seat_count"`
	MaxCustomMCPServers *int   `json:"max_custom_mcp_servers,omitempty"`
	LogRetentionDays    *int   `json:"log_retention_days,omitempty"`
}

// StripeWebhookEvent records a processed Stripe event id. The unique index on
// StripeEventID makes webhook application idempotent under redelivery.
type StripeWebhookEvent struct {
	ID            string    `json:"id"`
	StripeEventID string    `json:"stripe_event_id"`
	EventType     string    `json:"event_type"`
	ReceivedAt    time.Time `json:"received_at"`
}
