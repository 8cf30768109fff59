package registry

import (
	"context"

	"mcpgate/internal/domain"
	"mcpgate/internal/rbac"
	"mcpgate/internal/storage/postgres"
	"mcpgate/internal/token"
)

// CreateBundleInput groups configurations under one gateway key
type CreateBundleInput struct {
	Name                      string   `json:"name"`
	Description               string   `json:"description"`
	MCPServerConfigurationIDs []string `json:"mcp_server_configuration_ids"`
}

// CreateBundle creates a bundle owned by the principal. Every referenced
// configuration must be reachable by the principal's teams; duplicate ids are
// dropped while keeping first-occurrence order.
func (s *Service) CreateBundle(ctx context.Context, p rbac.Principal, in CreateBundleInput) (*domain.MCPServerBundle, error) {
	if in.Name == "" {
		return nil, domain.NewError(domain.CodeValidationError, "name is required")
	}
	configurationIDs, err := s.resolveBundleConfigurations(ctx, p, in.MCPServerConfigurationIDs)
	if err != nil {
		return nil, err
	}

	key, err := token.GenerateAlphanumeric(domain.BundleKeyLength, token.AlphanumericPool)
	if err != nil {
		return nil, err
	}
	bundle := &domain.MCPServerBundle{
		OrganizationID:            p.OrganizationID,
		UserID:                    p.UserID,
		Name:                      in.Name,
		Description:               in.Description,
		BundleKey:                 key,
		MCPServerConfigurationIDs: configurationIDs,
	}
	if err := s.store.Configs.CreateBundle(ctx, bundle); err != nil {
		return nil, err
	}
	return bundle, nil
}

// resolveBundleConfigurations de-duplicates the id list and checks each
// configuration exists in the org and admits the principal.
func (s *Service) resolveBundleConfigurations(ctx context.Context, p rbac.Principal, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, domain.NewError(domain.CodeValidationError,
			"at least one configuration is required")
	}

	seen := make(map[string]bool, len(ids))
	deduped := ids[:0:0]
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		deduped = append(deduped, id)
	}

	for _, id := range deduped {
		cfg, err := s.store.Configs.GetConfiguration(ctx, id)
		if err != nil {
			return nil, notFoundAs(err, domain.CodeConfigurationNotFound,
				"configuration %s not found", id)
		}
		if cfg.OrganizationID != p.OrganizationID {
			return nil, domain.NewError(domain.CodeConfigurationNotFound,
				"configuration %s not found", id)
		}
		if err := s.acl.Check(p, domain.ActionConfigurationCreateBundleOn, configurationResource(cfg)); err != nil {
			return nil, err
		}
	}
	return deduped, nil
}

// GetBundle returns one bundle the principal may read
func (s *Service) GetBundle(ctx context.Context, p rbac.Principal, id string) (*domain.MCPServerBundle, error) {
	bundle, err := s.store.Configs.GetBundle(ctx, id)
	if err != nil {
		return nil, notFoundAs(err, domain.CodeBundleNotFound, "bundle %s not found", id)
	}
	if bundle.OrganizationID != p.OrganizationID {
		return nil, domain.NewError(domain.CodeBundleNotFound, "bundle %s not found", id)
	}
	if err := s.acl.Check(p, domain.ActionBundleRead, bundleResource(bundle)); err != nil {
		return nil, err
	}
	return bundle, nil
}

// ListBundles lists the principal's visible bundles. Members see only their
// own; admins see the whole organization's.
func (s *Service) ListBundles(ctx context.Context, p rbac.Principal) ([]domain.MCPServerBundle, error) {
	if err := s.acl.Check(p, domain.ActionBundleList, nil); err != nil {
		return nil, err
	}
	userFilter := ""
	if p.Role == domain.RoleMember {
		userFilter = p.UserID
	}
	return s.store.Configs.ListBundles(ctx, p.OrganizationID, userFilter)
}

// UpdateBundleInput carries mutable bundle fields
type UpdateBundleInput struct {
	Name                      *string  `json:"name,omitempty"`
	Description               *string  `json:"description,omitempty"`
	MCPServerConfigurationIDs []string `json:"mcp_server_configuration_ids,omitempty"`
}

// UpdateBundle modifies a bundle. Changing the configuration list invalidates
// the bundle's live gateway sessions.
func (s *Service) UpdateBundle(ctx context.Context, p rbac.Principal, id string, in UpdateBundleInput) (*domain.MCPServerBundle, error) {
	bundle, err := s.GetBundle(ctx, p, id)
	if err != nil {
		return nil, err
	}
	if err := s.acl.Check(p, domain.ActionBundleUpdate, bundleResource(bundle)); err != nil {
		return nil, err
	}

	if in.Name != nil {
		bundle.Name = *in.Name
	}
	if in.Description != nil {
		bundle.Description = *in.Description
	}
	configurationsChanged := in.MCPServerConfigurationIDs != nil
	if configurationsChanged {
		configurationIDs, err := s.resolveBundleConfigurations(ctx, p, in.MCPServerConfigurationIDs)
		if err != nil {
			return nil, err
		}
		bundle.MCPServerConfigurationIDs = configurationIDs
	}

	err = s.store.WithTx(ctx, func(tx *postgres.Store) error {
		if err := tx.Configs.UpdateBundle(ctx, bundle); err != nil {
			return err
		}
		if configurationsChanged {
			return tx.Sessions.DeleteSessionsForBundle(ctx, bundle.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return bundle, nil
}

// DeleteBundle removes a bundle and tombstones its sessions
func (s *Service) DeleteBundle(ctx context.Context, p rbac.Principal, id string) error {
	bundle, err := s.GetBundle(ctx, p, id)
	if err != nil {
		return err
	}
	if err := s.acl.Check(p, domain.ActionBundleDelete, bundleResource(bundle)); err != nil {
		return err
	}

	return s.store.WithTx(ctx, func(tx *postgres.Store) error {
		if err := tx.Sessions.DeleteSessionsForBundle(ctx, bundle.ID); err != nil {
			return err
		}
		return tx.Configs.DeleteBundle(ctx, bundle.ID)
	})
}
