package rbac

import (
	"testing"

	"mcpgate/internal/domain"
)

func mustResolver(t *testing.T) *Resolver {
	t.Helper()
	r, err := Load(DefaultACL())
	if err != nil {
		t.Fatalf("Load(DefaultACL()) error: %v", err)
	}
	return r
}

func orgPtr(s string) *string { return &s }

func TestLoadRejectsDuplicateActions(t *testing.T) {
	acl := ACL{
		domain.RoleMember: {
			{Action: domain.ActionBundleList},
			{Action: domain.ActionBundleList},
		},
	}
	if _, err := Load(acl); err == nil {
		t.Fatal("Load accepted a duplicate action declaration")
	}
}

func TestCheckDefaultACL(t *testing.T) {
	r := mustResolver(t)

	admin := Principal{UserID: "u1", OrganizationID: "org1", Role: domain.RoleAdmin}
	member := Principal{UserID: "u2", OrganizationID: "org1", Role: domain.RoleMember, TeamIDs: []string{"team-a"}}

	tests := []struct {
		name      string
		principal Principal
		action    domain.Action
		resource  *Resource
		allowed   bool
	}{
		{
			name:      "admin reads public server",
			principal: admin,
			action:    domain.ActionMCPServerRead,
			resource:  &Resource{Type: domain.ResourceMCPServer, IsPublic: true},
			allowed:   true,
		},
		{
			name:      "admin reads own org server",
			principal: admin,
			action:    domain.ActionMCPServerRead,
			resource:  &Resource{Type: domain.ResourceMCPServer, OrganizationID: orgPtr("org1")},
			allowed:   true,
		},
		{
			name:      "admin cannot read another org's server",
			principal: admin,
			action:    domain.ActionMCPServerRead,
			resource:  &Resource{Type: domain.ResourceMCPServer, OrganizationID: orgPtr("org2")},
			allowed:   false,
		},
		{
			name:      "admin cannot update a public server",
			principal: admin,
			action:    domain.ActionMCPServerUpdate,
			resource:  &Resource{Type: domain.ResourceMCPServer, IsPublic: true},
			allowed:   false,
		},
		{
			name:      "member cannot create servers",
			principal: member,
			action:    domain.ActionMCPServerCreate,
			resource:  nil,
			allowed:   false,
		},
		{
			name:      "member bundles require team access to the configuration",
			principal: member,
			action:    domain.ActionConfigurationCreateBundleOn,
			resource: &Resource{
				Type:           domain.ResourceConfiguration,
				OrganizationID: orgPtr("org1"),
				AllowedTeams:   []string{"team-a", "team-b"},
			},
			allowed: true,
		},
		{
			name:      "member blocked without team overlap",
			principal: member,
			action:    domain.ActionConfigurationCreateBundleOn,
			resource: &Resource{
				Type:           domain.ResourceConfiguration,
				OrganizationID: orgPtr("org1"),
				AllowedTeams:   []string{"team-b"},
			},
			allowed: false,
		},
		{
			name:      "admin creates shared account without team membership",
			principal: admin,
			action:    domain.ActionConfigurationCreateAccountOn,
			resource: &Resource{
				Type:                      domain.ResourceConfiguration,
				OrganizationID:            orgPtr("org1"),
				ConnectedAccountOwnership: domain.OwnershipShared,
			},
			allowed: true,
		},
		{
			name:      "admin needs team access for individual accounts",
			principal: admin,
			action:    domain.ActionConfigurationCreateAccountOn,
			resource: &Resource{
				Type:                      domain.ResourceConfiguration,
				OrganizationID:            orgPtr("org1"),
				ConnectedAccountOwnership: domain.OwnershipIndividual,
				AllowedTeams:              []string{"team-a"},
			},
			allowed: false,
		},
		{
			name:      "member cannot manage the subscription",
			principal: member,
			action:    domain.ActionOrganizationSubscription,
			resource:  &Resource{Type: domain.ResourceOrganization, OrganizationID: orgPtr("org1")},
			allowed:   false,
		},
		{
			name:      "admin manages the subscription",
			principal: admin,
			action:    domain.ActionOrganizationSubscription,
			resource:  &Resource{Type: domain.ResourceOrganization, OrganizationID: orgPtr("org1")},
			allowed:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Check(tt.principal, tt.action, tt.resource)
			if tt.allowed && err != nil {
				t.Errorf("Check denied: %v", err)
			}
			if !tt.allowed && err == nil {
				t.Error("Check allowed, want denial")
			}
		})
	}
}

func TestCheckNilResourceGrantsDeclaredAction(t *testing.T) {
	r := mustResolver(t)
	member := Principal{UserID: "u2", OrganizationID: "org1", Role: domain.RoleMember}

	// a nil resource only asks whether the action is granted at all
	if err := r.Check(member, domain.ActionBundleList, nil); err != nil {
		t.Errorf("member denied bundle list with nil resource: %v", err)
	}
	if err := r.Check(member, domain.ActionTeamCreate, nil); err == nil {
		t.Error("member allowed team create")
	}
}

func TestIntersects(t *testing.T) {
	tests := []struct {
		name string
		a, b []string
		want bool
	}{
		{name: "shared element", a: []string{"x", "y"}, b: []string{"y"}, want: true},
		{name: "disjoint", a: []string{"x"}, b: []string{"y"}, want: false},
		{name: "empty left", a: nil, b: []string{"y"}, want: false},
		{name: "empty right", a: []string{"x"}, b: nil, want: false},
		{name: "both empty", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Intersects(tt.a, tt.b); got != tt.want {
				t.Errorf("Intersects(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestConfigurationAccessible(t *testing.T) {
	if ConfigurationAccessible(nil, []string{"team-a"}) {
		t.Error("user with no teams can reach a team-gated configuration")
	}
	if ConfigurationAccessible([]string{"team-a"}, nil) {
		t.Error("configuration with no allowed teams is reachable")
	}
	if !ConfigurationAccessible([]string{"team-a"}, []string{"team-a", "team-b"}) {
		t.Error("overlapping teams denied")
	}
}
