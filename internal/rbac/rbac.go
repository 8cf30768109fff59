// Package rbac evaluates (principal, action, resource) tuples against a
// declarative per-role ACL.
package rbac

import (
	"fmt"

	"mcpgate/internal/domain"
)

// Principal is the acting caller: user, acting org/role, and team memberships
type Principal struct {
	UserID         string
	OrganizationID string
	Role           domain.OrganizationRole
	TeamIDs        []string
}

// Resource carries the attributes criteria are evaluated against. The caller
// resolves these from the store before the check; evaluation itself is pure.
type Resource struct {
	Type           domain.ResourceType
	OrganizationID *string // nil for public MCP servers
	IsPublic       bool
	OwnerUserID    string // connected account / bundle owner

	// connected accounts
	Ownership domain.ConnectedAccountOwnership

	// configurations
	ConnectedAccountOwnership domain.ConnectedAccountOwnership
	AllowedTeams              []string
}

// ACL declares permissions per role
type ACL map[domain.OrganizationRole][]domain.Permission

// Resolver answers permission checks against a loaded ACL
type Resolver struct {
	permissions map[domain.OrganizationRole]map[domain.Action]domain.Permission
}

// Load validates an ACL and builds a resolver. Duplicate action
// declarations within one role are rejected.
func Load(acl ACL) (*Resolver, error) {
	r := &Resolver{permissions: make(map[domain.OrganizationRole]map[domain.Action]domain.Permission)}
	for role, perms := range acl {
		byAction := make(map[domain.Action]domain.Permission, len(perms))
		for _, p := range perms {
			if _, dup := byAction[p.Action]; dup {
				return nil, fmt.Errorf("duplicate action %q declared for role %q", p.Action, role)
			}
			byAction[p.Action] = p
		}
		r.permissions[role] = byAction
	}
	return r, nil
}

// Check returns nil when the principal may perform action on the resource.
// A nil resource checks only that the action is granted at all.
func (r *Resolver) Check(p Principal, action domain.Action, res *Resource) error {
	perm, ok := r.permissions[p.Role][action]
	if !ok {
		return domain.NewError(domain.CodeNotPermitted, "action %s not permitted", action)
	}

	if len(perm.Criteria) == 0 || res == nil {
		return nil
	}

	// criteria are OR'd; any match grants
	for _, c := range perm.Criteria {
		if r.matches(p, c, res) {
			return nil
		}
	}
	return domain.NewError(domain.CodeNotPermitted, "resource not accessible for action %s", action)
}

// matches evaluates one criterion: an AND of its non-nil predicates
func (r *Resolver) matches(p Principal, c domain.ResourceCriterion, res *Resource) bool {
	if c.ResourceScope != nil {
		switch *c.ResourceScope {
		case domain.ScopeAny:
			// matches everything
		case domain.ScopeSameOrg:
			if !sameOrg(p, res) {
				return false
			}
		case domain.ScopeSameOrgSelf:
			if !sameOrg(p, res) || res.OwnerUserID != p.UserID {
				return false
			}
		case domain.ScopeSameOrgAllowedTeam:
			if !sameOrg(p, res) || !Intersects(p.TeamIDs, res.AllowedTeams) {
				return false
			}
		default:
			return false
		}
	}
	if c.IsPublic != nil && res.IsPublic != *c.IsPublic {
		return false
	}
	if c.ConnectedAccountOwnership != nil && res.ConnectedAccountOwnership != *c.ConnectedAccountOwnership {
		return false
	}
	if c.Ownership != nil && res.Ownership != *c.Ownership {
		return false
	}
	return true
}

func sameOrg(p Principal, res *Resource) bool {
	return res.OrganizationID != nil && *res.OrganizationID == p.OrganizationID
}

// Intersects reports whether the two id sets share any element
func Intersects(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, id := range a {
		set[id] = struct{}{}
	}
	for _, id := range b {
		if _, ok := set[id]; ok {
			return true
		}
	}
	return false
}

// ConfigurationAccessible reports whether a user with the given team
// memberships may use a configuration: the sets must intersect. This is the
// accessibility rule the reaper re-evaluates after team or allow-list edits.
func ConfigurationAccessible(userTeams, allowedTeams []string) bool {
	return Intersects(userTeams, allowedTeams)
}
