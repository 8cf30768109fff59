// Package reaper prunes dependent records when access is narrowed: deleted
// configurations fall out of bundles, users who lose team access lose their
// individual accounts and stale bundles, removed members lose everything.
//
// The decision functions are pure; Apply runs the resulting plan inside the
// caller's transaction.
package reaper

import (
	"context"

	"mcpgate/internal/domain"
	"mcpgate/internal/rbac"
	"mcpgate/internal/storage/postgres"
)

// Plan is the set of prunes one reconciliation decided on
type Plan struct {
	// bundle id -> pruned configuration id list; empty list deletes the bundle
	BundleUpdates map[string][]string
	DeleteBundles []string

	DeleteAccountIDs []string

	// user id -> configuration ids the user lost access to
	DeleteUserAccounts map[string][]string

	// bundles whose sessions must be tombstoned (removed or key-bearing)
	InvalidateSessionBundles []string
}

func newPlan() *Plan {
	return &Plan{
		BundleUpdates:      make(map[string][]string),
		DeleteUserAccounts: make(map[string][]string),
	}
}

// Empty reports whether the plan contains no work
func (p *Plan) Empty() bool {
	return len(p.BundleUpdates) == 0 && len(p.DeleteBundles) == 0 &&
		len(p.DeleteAccountIDs) == 0 && len(p.DeleteUserAccounts) == 0 &&
		len(p.InvalidateSessionBundles) == 0
}

// =============================================================================
// Decision Functions
// =============================================================================

// OnConfigurationDeleted prunes the configuration out of every referencing
// bundle. A bundle left empty is deleted and its sessions invalidated.
// Connected accounts on the configuration cascade at the database level.
func OnConfigurationDeleted(configurationID string, referencing []domain.MCPServerBundle) *Plan {
	p := newPlan()
	for _, b := range referencing {
		remaining := removeID(b.MCPServerConfigurationIDs, configurationID)
		if len(remaining) == 0 {
			p.DeleteBundles = append(p.DeleteBundles, b.ID)
			p.InvalidateSessionBundles = append(p.InvalidateSessionBundles, b.ID)
		} else {
			p.BundleUpdates[b.ID] = remaining
			p.InvalidateSessionBundles = append(p.InvalidateSessionBundles, b.ID)
		}
	}
	return p
}

// OnAllowedTeamsChanged reconciles after a configuration's allowed_teams
// shrank or a team was deleted: every org member who can no longer reach the
// configuration loses their individual account on it, and their bundles
// referencing it are pruned.
//
// memberTeams maps user id to the team ids they hold; memberBundles lists
// each affected user's bundles.
func OnAllowedTeamsChanged(cfg *domain.MCPServerConfiguration, memberTeams map[string][]string, accounts []domain.ConnectedAccount, memberBundles []domain.MCPServerBundle) *Plan {
	p := newPlan()

	inaccessible := make(map[string]bool)
	for userID, teams := range memberTeams {
		if !rbac.ConfigurationAccessible(teams, cfg.AllowedTeams) {
			inaccessible[userID] = true
		}
	}

	for _, a := range accounts {
		if a.Ownership == domain.OwnershipIndividual && a.UserID != nil && inaccessible[*a.UserID] {
			p.DeleteAccountIDs = append(p.DeleteAccountIDs, a.ID)
		}
	}

	for _, b := range memberBundles {
		if !inaccessible[b.UserID] || !containsID(b.MCPServerConfigurationIDs, cfg.ID) {
			continue
		}
		remaining := removeID(b.MCPServerConfigurationIDs, cfg.ID)
		if len(remaining) == 0 {
			p.DeleteBundles = append(p.DeleteBundles, b.ID)
		} else {
			p.BundleUpdates[b.ID] = remaining
		}
		p.InvalidateSessionBundles = append(p.InvalidateSessionBundles, b.ID)
	}
	return p
}

// OnTeamMembershipRevoked reconciles one user's access after they left a
// team: configurations now out of reach lose the user's individual account,
// and the user's bundles are pruned accordingly.
func OnTeamMembershipRevoked(userID string, remainingTeams []string, configurations []domain.MCPServerConfiguration, userBundles []domain.MCPServerBundle) *Plan {
	p := newPlan()

	lost := make(map[string]bool)
	for _, cfg := range configurations {
		if !rbac.ConfigurationAccessible(remainingTeams, cfg.AllowedTeams) {
			lost[cfg.ID] = true
		}
	}
	if len(lost) == 0 {
		return p
	}

	var lostIDs []string
	for id := range lost {
		lostIDs = append(lostIDs, id)
	}
	p.DeleteUserAccounts[userID] = lostIDs

	for _, b := range userBundles {
		remaining := b.MCPServerConfigurationIDs[:0:0]
		changed := false
		for _, id := range b.MCPServerConfigurationIDs {
			if lost[id] {
				changed = true
				continue
			}
			remaining = append(remaining, id)
		}
		if !changed {
			continue
		}
		if len(remaining) == 0 {
			p.DeleteBundles = append(p.DeleteBundles, b.ID)
		} else {
			p.BundleUpdates[b.ID] = remaining
		}
		p.InvalidateSessionBundles = append(p.InvalidateSessionBundles, b.ID)
	}
	return p
}

// =============================================================================
// Application
// =============================================================================

// Apply executes a plan against the transaction-bound store
func Apply(ctx context.Context, tx *postgres.Store, p *Plan) error {
	for bundleID, remaining := range p.BundleUpdates {
		b, err := tx.Configs.GetBundle(ctx, bundleID)
		if err != nil {
			return err
		}
		b.MCPServerConfigurationIDs = remaining
		if err := tx.Configs.UpdateBundle(ctx, b); err != nil {
			return err
		}
	}
	for _, bundleID := range p.DeleteBundles {
		if err := tx.Configs.DeleteBundle(ctx, bundleID); err != nil {
			return err
		}
	}
	for _, accountID := range p.DeleteAccountIDs {
		if err := tx.Configs.DeleteConnectedAccount(ctx, accountID); err != nil {
			return err
		}
	}
	for userID, configurationIDs := range p.DeleteUserAccounts {
		if err := tx.Configs.DeleteAccountsForUserOnConfigurations(ctx, userID, configurationIDs); err != nil {
			return err
		}
	}
	for _, bundleID := range p.InvalidateSessionBundles {
		if err := tx.Sessions.DeleteSessionsForBundle(ctx, bundleID); err != nil {
			return err
		}
	}
	return nil
}

func removeID(ids []string, target string) []string {
	out := ids[:0:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

func containsID(ids []string, target string) bool {
	for _, id := range ids {
		if id == target {
			return true
		}
	}
	return false
}
