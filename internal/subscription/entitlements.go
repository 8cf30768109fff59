package subscription

import (
	"context"
	"time"

	"mcpgate/internal/domain"
)

// Resolve computes the organization's effective entitlement: the subscribed
// plan (free plan when no subscription row exists) overridden field-wise by
// a non-expired entitlement override.
func (s *Service) Resolve(ctx context.Context, orgID string) (*domain.Entitlement, error) {
	plan, seatCount, err := s.effectivePlan(ctx, orgID)
	if err != nil {
		return nil, err
	}

	ent := &domain.Entitlement{
		PlanCode:            plan.PlanCode,
		SeatCount:           seatCount,
		MaxCustomMCPServers: plan.MaxCustomMCPServers,
		LogRetentionDays:    plan.LogRetentionDays,
	}

	override, err := s.store.Subscriptions.GetOverride(ctx, orgID)
	if err != nil {
		if ignoreNotFound(err) != nil {
			return nil, err
		}
		return ent, nil
	}
	if override.Expired(time.Now()) {
		return ent, nil
	}

	if override.SeatCount != nil {
		ent.SeatCount = *override.SeatCount
	}
	if override.MaxCustomMCPServers != nil {
		ent.MaxCustomMCPServers = override.MaxCustomMCPServers
	}
	if override.LogRetentionDays != nil {
		ent.LogRetentionDays = override.LogRetentionDays
	}
	return ent, nil
}

func (s *Service) effectivePlan(ctx context.Context, orgID string) (*domain.SubscriptionPlan, int, error) {
	sub, err := s.store.Subscriptions.GetSubscriptionByOrg(ctx, orgID)
	if err != nil {
		if ignoreNotFound(err) != nil {
			return nil, 0, err
		}
		free, err := s.store.Subscriptions.GetFreePlan(ctx)
		if err != nil {
			return nil, 0, err
		}
		return free, freeSeatCount(free), nil
	}

	plan, err := s.store.Subscriptions.GetPlanByID(ctx, sub.PlanID)
	if err != nil {
		return nil, 0, err
	}
	return plan, sub.SeatCount, nil
}

// freeSeatCount snaps organizations without a subscription row to the free
// plan's full seat allowance, not its minimum.
func freeSeatCount(free *domain.SubscriptionPlan) int {
	return free.MaxSeats
}
