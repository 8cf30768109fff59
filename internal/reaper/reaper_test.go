package reaper

import (
	"reflect"
	"sort"
	"testing"

	"mcpgate/internal/domain"
)

func strPtr(s string) *string { return &s }

func bundle(id, userID string, configurationIDs ...string) domain.MCPServerBundle {
	return domain.MCPServerBundle{ID: id, UserID: userID, MCPServerConfigurationIDs: configurationIDs}
}

func TestOnConfigurationDeleted(t *testing.T) {
	referencing := []domain.MCPServerBundle{
		bundle("b1", "u1", "cfg1", "cfg2"), // keeps cfg2
		bundle("b2", "u2", "cfg1"),         // left empty, deleted
	}

	p := OnConfigurationDeleted("cfg1", referencing)

	if got := p.BundleUpdates["b1"]; !reflect.DeepEqual(got, []string{"cfg2"}) {
		t.Errorf("BundleUpdates[b1] = %v, want [cfg2]", got)
	}
	if !reflect.DeepEqual(p.DeleteBundles, []string{"b2"}) {
		t.Errorf("DeleteBundles = %v, want [b2]", p.DeleteBundles)
	}

	// both bundles lose their live sessions
	sessions := append([]string(nil), p.InvalidateSessionBundles...)
	sort.Strings(sessions)
	if !reflect.DeepEqual(sessions, []string{"b1", "b2"}) {
		t.Errorf("InvalidateSessionBundles = %v, want [b1 b2]", sessions)
	}
}

func TestOnConfigurationDeletedNoReferences(t *testing.T) {
	p := OnConfigurationDeleted("cfg1", nil)
	if !p.Empty() {
		t.Errorf("plan not empty: %+v", p)
	}
}

func TestOnAllowedTeamsChanged(t *testing.T) {
	cfg := &domain.MCPServerConfiguration{ID: "cfg1", AllowedTeams: []string{"team-a"}}

	memberTeams := map[string][]string{
		"keeps": {"team-a", "team-b"},
		"loses": {"team-b"},
	}
	accounts := []domain.ConnectedAccount{
		{ID: "acc-keeps", Ownership: domain.OwnershipIndividual, UserID: strPtr("keeps")},
		{ID: "acc-loses", Ownership: domain.OwnershipIndividual, UserID: strPtr("loses")},
		{ID: "acc-shared", Ownership: domain.OwnershipShared},
	}
	memberBundles := []domain.MCPServerBundle{
		bundle("b-keeps", "keeps", "cfg1"),
		bundle("b-loses", "loses", "cfg1"),
		bundle("b-loses-mixed", "loses", "cfg1", "cfg2"),
		bundle("b-unrelated", "loses", "cfg2"),
	}

	p := OnAllowedTeamsChanged(cfg, memberTeams, accounts, memberBundles)

	if !reflect.DeepEqual(p.DeleteAccountIDs, []string{"acc-loses"}) {
		t.Errorf("DeleteAccountIDs = %v, want [acc-loses]", p.DeleteAccountIDs)
	}
	if !reflect.DeepEqual(p.DeleteBundles, []string{"b-loses"}) {
		t.Errorf("DeleteBundles = %v, want [b-loses]", p.DeleteBundles)
	}
	if got := p.BundleUpdates["b-loses-mixed"]; !reflect.DeepEqual(got, []string{"cfg2"}) {
		t.Errorf("BundleUpdates[b-loses-mixed] = %v, want [cfg2]", got)
	}
	if len(p.InvalidateSessionBundles) != 2 {
		t.Errorf("InvalidateSessionBundles = %v, want two entries", p.InvalidateSessionBundles)
	}
	for _, id := range p.InvalidateSessionBundles {
		if id == "b-keeps" || id == "b-unrelated" {
			t.Errorf("unaffected bundle %s invalidated", id)
		}
	}
}

func TestOnAllowedTeamsChangedSharedAccountsSurvive(t *testing.T) {
	cfg := &domain.MCPServerConfiguration{ID: "cfg1", AllowedTeams: []string{"team-a"}}
	accounts := []domain.ConnectedAccount{
		{ID: "acc-shared", Ownership: domain.OwnershipShared},
		{ID: "acc-operational", Ownership: domain.OwnershipOperational},
	}

	p := OnAllowedTeamsChanged(cfg, map[string][]string{"u1": {}}, accounts, nil)
	if len(p.DeleteAccountIDs) != 0 {
		t.Errorf("shared accounts deleted: %v", p.DeleteAccountIDs)
	}
}

func TestOnTeamMembershipRevoked(t *testing.T) {
	configurations := []domain.MCPServerConfiguration{
		{ID: "cfg-lost", AllowedTeams: []string{"team-gone"}},
		{ID: "cfg-kept", AllowedTeams: []string{"team-stays"}},
	}
	userBundles := []domain.MCPServerBundle{
		bundle("b1", "u1", "cfg-lost"),             // deleted
		bundle("b2", "u1", "cfg-lost", "cfg-kept"), // pruned
		bundle("b3", "u1", "cfg-kept"),             // untouched
	}

	p := OnTeamMembershipRevoked("u1", []string{"team-stays"}, configurations, userBundles)

	if !reflect.DeepEqual(p.DeleteUserAccounts["u1"], []string{"cfg-lost"}) {
		t.Errorf("DeleteUserAccounts = %v, want [cfg-lost]", p.DeleteUserAccounts["u1"])
	}
	if !reflect.DeepEqual(p.DeleteBundles, []string{"b1"}) {
		t.Errorf("DeleteBundles = %v, want [b1]", p.DeleteBundles)
	}
	if got := p.BundleUpdates["b2"]; !reflect.DeepEqual(got, []string{"cfg-kept"}) {
		t.Errorf("BundleUpdates[b2] = %v, want [cfg-kept]", got)
	}
	sessions := append([]string(nil), p.InvalidateSessionBundles...)
	sort.Strings(sessions)
	if !reflect.DeepEqual(sessions, []string{"b1", "b2"}) {
		t.Errorf("InvalidateSessionBundles = %v, want [b1 b2]", sessions)
	}
}

func TestOnTeamMembershipRevokedNothingLost(t *testing.T) {
	configurations := []domain.MCPServerConfiguration{
		{ID: "cfg1", AllowedTeams: []string{"team-a"}},
	}
	p := OnTeamMembershipRevoked("u1", []string{"team-a"}, configurations, []domain.MCPServerBundle{
		bundle("b1", "u1", "cfg1"),
	})
	if !p.Empty() {
		t.Errorf("plan not empty: %+v", p)
	}
}
