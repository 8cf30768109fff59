package registry

import (
	"context"

	"mcpgate/internal/domain"
	"mcpgate/internal/rbac"
	"mcpgate/internal/reaper"
	"mcpgate/internal/storage/postgres"
)

// CreateConfigurationInput is the configuration payload
type CreateConfigurationInput struct {
	MCPServerID               string                           `json:"mcp_server_id"`
	Name                      string                           `json:"name"`
	Description               string                           `json:"description"`
	AuthType                  domain.AuthType                  `json:"auth_type"`
	ConnectedAccountOwnership domain.ConnectedAccountOwnership `json:"connected_account_ownership"`
	AllToolsEnabled           bool                             `json:"all_tools_enabled"`
	EnabledTools              []string                         `json:"enabled_tools"`
	AllowedTeams              []string                         `json:"allowed_teams"`
}

// CreateConfiguration wires a server into the principal's organization.
// The auth type must be one the server declares; at most one operational
// configuration may exist per server.
func (s *Service) CreateConfiguration(ctx context.Context, p rbac.Principal, in CreateConfigurationInput) (*domain.MCPServerConfiguration, error) {
	srv, err := s.store.Servers.GetServer(ctx, in.MCPServerID)
	if err != nil {
		return nil, notFoundAs(err, domain.CodeMCPServerNotFound, "mcp server %s not found", in.MCPServerID)
	}
	if err := s.acl.Check(p, domain.ActionMCPServerCreateConfigOn, serverResource(srv)); err != nil {
		return nil, err
	}

	if _, ok := srv.FindAuthConfig(in.AuthType); !ok {
		return nil, domain.NewError(domain.CodeInvalidAuthType,
			"server %s does not support auth type %s", srv.CanonicalName, in.AuthType)
	}
	switch in.ConnectedAccountOwnership {
	case domain.OwnershipIndividual, domain.OwnershipShared, domain.OwnershipOperational:
	default:
		return nil, domain.NewError(domain.CodeValidationError,
			"unknown ownership %q", in.ConnectedAccountOwnership)
	}
	if in.Name == "" {
		return nil, domain.NewError(domain.CodeValidationError, "name is required")
	}

	cfg := &domain.MCPServerConfiguration{
		OrganizationID:            p.OrganizationID,
		MCPServerID:               srv.ID,
		Name:                      in.Name,
		Description:               in.Description,
		AuthType:                  in.AuthType,
		ConnectedAccountOwnership: in.ConnectedAccountOwnership,
		AllToolsEnabled:           in.AllToolsEnabled,
		EnabledTools:              in.EnabledTools,
		AllowedTeams:              in.AllowedTeams,
	}
	if err := s.validateToolSelection(ctx, cfg); err != nil {
		return nil, err
	}
	if err := s.validateAllowedTeams(ctx, p.OrganizationID, cfg.AllowedTeams); err != nil {
		return nil, err
	}

	if err := s.store.Configs.CreateConfiguration(ctx, cfg); err != nil {
		if postgres.IsUniqueViolation(err) {
			return nil, domain.NewError(domain.CodeValidationError,
				"server %s already has an operational configuration", srv.CanonicalName)
		}
		return nil, err
	}
	return cfg, nil
}

// validateToolSelection enforces that an explicit enabled_tools list names
// tools of the configured server, and that all_tools_enabled excludes one.
func (s *Service) validateToolSelection(ctx context.Context, cfg *domain.MCPServerConfiguration) error {
	if cfg.AllToolsEnabled {
		if len(cfg.EnabledTools) > 0 {
			return domain.NewError(domain.CodeValidationError,
				"enabled_tools must be empty when all_tools_enabled is set")
		}
		return nil
	}

	tools, err := s.store.Servers.ListToolsByIDs(ctx, cfg.EnabledTools)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(tools))
	for _, t := range tools {
		if t.MCPServerID != cfg.MCPServerID {
			return domain.NewError(domain.CodeValidationError,
				"tool %s does not belong to the configured server", t.ID)
		}
		known[t.ID] = true
	}
	for _, id := range cfg.EnabledTools {
		if !known[id] {
			return domain.NewError(domain.CodeValidationError, "unknown tool id %s", id)
		}
	}
	return nil
}

func (s *Service) validateAllowedTeams(ctx context.Context, orgID string, teamIDs []string) error {
	if len(teamIDs) == 0 {
		return nil
	}
	teams, err := s.store.Orgs.ListTeams(ctx, orgID)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(teams))
	for _, t := range teams {
		known[t.ID] = true
	}
	for _, id := range teamIDs {
		if !known[id] {
			return domain.NewError(domain.CodeTeamNotFound, "team %s not found in organization", id)
		}
	}
	return nil
}

// GetConfiguration returns one configuration the principal may read
func (s *Service) GetConfiguration(ctx context.Context, p rbac.Principal, id string) (*domain.MCPServerConfiguration, error) {
	cfg, err := s.store.Configs.GetConfiguration(ctx, id)
	if err != nil {
		return nil, notFoundAs(err, domain.CodeConfigurationNotFound, "configuration %s not found", id)
	}
	if err := s.acl.Check(p, domain.ActionConfigurationRead, configurationResource(cfg)); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ListConfigurations lists configurations visible to the principal. Members
// only see configurations their teams are allowed on.
func (s *Service) ListConfigurations(ctx context.Context, p rbac.Principal, serverID string) ([]domain.MCPServerConfiguration, error) {
	if err := s.acl.Check(p, domain.ActionConfigurationList, nil); err != nil {
		return nil, err
	}
	all, err := s.store.Configs.ListConfigurations(ctx, p.OrganizationID, serverID)
	if err != nil {
		return nil, err
	}

	out := all[:0:0]
	for i := range all {
		if s.acl.Check(p, domain.ActionConfigurationList, configurationResource(&all[i])) == nil {
			out = append(out, all[i])
		}
	}
	return out, nil
}

// UpdateConfigurationInput carries mutable configuration fields
type UpdateConfigurationInput struct {
	Name            *string  `json:"name,omitempty"`
	Description     *string  `json:"description,omitempty"`
	AllToolsEnabled *bool    `json:"all_tools_enabled,omitempty"`
	EnabledTools    []string `json:"enabled_tools,omitempty"`
	AllowedTeams    []string `json:"allowed_teams,omitempty"`
}

// UpdateConfiguration modifies a configuration. Narrowing allowed_teams
// reconciles dependents: members who lose access also lose their individual
// accounts and have their bundles pruned.
func (s *Service) UpdateConfiguration(ctx context.Context, p rbac.Principal, id string, in UpdateConfigurationInput) (*domain.MCPServerConfiguration, error) {
	cfg, err := s.store.Configs.GetConfiguration(ctx, id)
	if err != nil {
		return nil, notFoundAs(err, domain.CodeConfigurationNotFound, "configuration %s not found", id)
	}
	if err := s.acl.Check(p, domain.ActionConfigurationUpdate, configurationResource(cfg)); err != nil {
		return nil, err
	}

	if in.Name != nil {
		cfg.Name = *in.Name
	}
	if in.Description != nil {
		cfg.Description = *in.Description
	}
	if in.AllToolsEnabled != nil {
		cfg.AllToolsEnabled = *in.AllToolsEnabled
	}
	if in.EnabledTools != nil {
		cfg.EnabledTools = in.EnabledTools
	}
	teamsChanged := in.AllowedTeams != nil
	if teamsChanged {
		cfg.AllowedTeams = in.AllowedTeams
	}

	if err := s.validateToolSelection(ctx, cfg); err != nil {
		return nil, err
	}
	if err := s.validateAllowedTeams(ctx, p.OrganizationID, cfg.AllowedTeams); err != nil {
		return nil, err
	}

	err = s.store.WithTx(ctx, func(tx *postgres.Store) error {
		if err := tx.Configs.UpdateConfiguration(ctx, cfg); err != nil {
			return err
		}
		if !teamsChanged {
			return nil
		}
		plan, err := s.teamAccessPlan(ctx, tx, cfg)
		if err != nil {
			return err
		}
		return reaper.Apply(ctx, tx, plan)
	})
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// teamAccessPlan gathers the inputs for the allowed-teams reconciliation
func (s *Service) teamAccessPlan(ctx context.Context, tx *postgres.Store, cfg *domain.MCPServerConfiguration) (*reaper.Plan, error) {
	members, err := tx.Orgs.ListMemberships(ctx, cfg.OrganizationID)
	if err != nil {
		return nil, err
	}

	memberTeams := make(map[string][]string, len(members))
	var memberBundles []domain.MCPServerBundle
	for _, m := range members {
		if m.Role == domain.RoleAdmin {
			continue // admins retain access regardless of teams
		}
		teams, err := tx.Orgs.ListUserTeamIDs(ctx, cfg.OrganizationID, m.UserID)
		if err != nil {
			return nil, err
		}
		memberTeams[m.UserID] = teams

		bundles, err := tx.Configs.ListBundles(ctx, cfg.OrganizationID, m.UserID)
		if err != nil {
			return nil, err
		}
		memberBundles = append(memberBundles, bundles...)
	}

	accounts, err := tx.Configs.ListConnectedAccounts(ctx, cfg.OrganizationID, cfg.ID, "")
	if err != nil {
		return nil, err
	}
	return reaper.OnAllowedTeamsChanged(cfg, memberTeams, accounts, memberBundles), nil
}

// DeleteConfiguration removes a configuration and reconciles dependents
func (s *Service) DeleteConfiguration(ctx context.Context, p rbac.Principal, id string) error {
	cfg, err := s.store.Configs.GetConfiguration(ctx, id)
	if err != nil {
		return notFoundAs(err, domain.CodeConfigurationNotFound, "configuration %s not found", id)
	}
	if err := s.acl.Check(p, domain.ActionConfigurationDelete, configurationResource(cfg)); err != nil {
		return err
	}

	return s.store.WithTx(ctx, func(tx *postgres.Store) error {
		referencing, err := tx.Configs.ListBundlesReferencing(ctx, cfg.ID)
		if err != nil {
			return err
		}
		if err := reaper.Apply(ctx, tx, reaper.OnConfigurationDeleted(cfg.ID, referencing)); err != nil {
			return err
		}
		// connected accounts cascade at the database level
		return tx.Configs.DeleteConfiguration(ctx, cfg.ID)
	})
}
