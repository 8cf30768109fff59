package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"mcpgate/internal/crypto"
	"mcpgate/internal/domain"
)

// ConfigStore persists server configurations, connected accounts and
// bundles. Connected-account credentials are encrypted at rest.
type ConfigStore struct {
	q   querier
	enc *crypto.EncryptionService
}

// ============================================================================
// MCP Server Configurations
// ============================================================================

const configurationColumns = `id, organization_id, mcp_server_id, name, description, auth_type,
	connected_account_ownership, all_tools_enabled, enabled_tools, allowed_teams, created_at, updated_at`

func (s *ConfigStore) CreateConfiguration(ctx context.Context, c *domain.MCPServerConfiguration) error {
	c.ID = uuid.New().String()
	now := time.Now()
	c.CreatedAt = now
	c.UpdatedAt = now

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO mcp_server_configurations
			(id, organization_id, mcp_server_id, name, description, auth_type,
			 connected_account_ownership, all_tools_enabled, enabled_tools, allowed_teams,
			 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		c.ID, c.OrganizationID, c.MCPServerID, c.Name, c.Description, c.AuthType,
		c.ConnectedAccountOwnership, c.AllToolsEnabled, pq.Array(c.EnabledTools),
		pq.Array(c.AllowedTeams), c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting configuration: %w", err)
	}
	return nil
}

func (s *ConfigStore) GetConfiguration(ctx context.Context, id string) (*domain.MCPServerConfiguration, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+configurationColumns+` FROM mcp_server_configurations WHERE id = $1`, id)
	c, err := scanConfiguration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying configuration: %w", err)
	}
	return c, nil
}

func scanConfiguration(row rowScanner) (*domain.MCPServerConfiguration, error) {
	c := &domain.MCPServerConfiguration{}
	err := row.Scan(
		&c.ID, &c.OrganizationID, &c.MCPServerID, &c.Name, &c.Description, &c.AuthType,
		&c.ConnectedAccountOwnership, &c.AllToolsEnabled, pq.Array(&c.EnabledTools),
		pq.Array(&c.AllowedTeams), &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ListConfigurations returns an organization's configurations, optionally
// filtered to one server.
func (s *ConfigStore) ListConfigurations(ctx context.Context, orgID string, serverID string) ([]domain.MCPServerConfiguration, error) {
	query := `SELECT ` + configurationColumns + ` FROM mcp_server_configurations WHERE organization_id = $1`
	args := []any{orgID}
	if serverID != "" {
		query += ` AND mcp_server_id = $2`
		args = append(args, serverID)
	}
	query += ` ORDER BY created_at`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying configurations: %w", err)
	}
	defer rows.Close()
	return collectConfigurations(rows)
}

// ListConfigurationsByServer returns every configuration on a server across
// organizations, used by the delete cascade.
func (s *ConfigStore) ListConfigurationsByServer(ctx context.Context, serverID string) ([]domain.MCPServerConfiguration, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+configurationColumns+` FROM mcp_server_configurations
		WHERE mcp_server_id = $1 ORDER BY created_at`, serverID)
	if err != nil {
		return nil, fmt.Errorf("querying configurations: %w", err)
	}
	defer rows.Close()
	return collectConfigurations(rows)
}

func (s *ConfigStore) ListConfigurationsByIDs(ctx context.Context, ids []string) ([]domain.MCPServerConfiguration, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+configurationColumns+` FROM mcp_server_configurations
		WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("querying configurations: %w", err)
	}
	defer rows.Close()
	return collectConfigurations(rows)
}

// GetOperationalConfiguration returns the server's operational
// configuration if one exists.
func (s *ConfigStore) GetOperationalConfiguration(ctx context.Context, serverID string) (*domain.MCPServerConfiguration, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT `+configurationColumns+` FROM mcp_server_configurations
		WHERE mcp_server_id = $1 AND connected_account_ownership = $2`,
		serverID, domain.OwnershipOperational)
	c, err := scanConfiguration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying operational configuration: %w", err)
	}
	return c, nil
}

func collectConfigurations(rows *sql.Rows) ([]domain.MCPServerConfiguration, error) {
	var out []domain.MCPServerConfiguration
	for rows.Next() {
		c, err := scanConfiguration(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning configuration: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *ConfigStore) UpdateConfiguration(ctx context.Context, c *domain.MCPServerConfiguration) error {
	c.UpdatedAt = time.Now()
	_, err := s.q.ExecContext(ctx, `
		UPDATE mcp_server_configurations
		SET name = $2, description = $3, all_tools_enabled = $4, enabled_tools = $5,
		    allowed_teams = $6, updated_at = $7
		WHERE id = $1`,
		c.ID, c.Name, c.Description, c.AllToolsEnabled, pq.Array(c.EnabledTools),
		pq.Array(c.AllowedTeams), c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("updating configuration: %w", err)
	}
	return nil
}

func (s *ConfigStore) DeleteConfiguration(ctx context.Context, id string) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM mcp_server_configurations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting configuration: %w", err)
	}
	return nil
}

// ============================================================================
// Connected Accounts
// ============================================================================

func (s *ConfigStore) CreateConnectedAccount(ctx context.Context, a *domain.ConnectedAccount) error {
	a.ID = uuid.New().String()
	now := time.Now()
	a.CreatedAt = now
	a.UpdatedAt = now

	ciphertext, err := s.enc.EncryptJSON(a.AuthCredentials)
	if err != nil {
		return fmt.Errorf("encrypting credentials: %w", err)
	}

	_, err = s.q.ExecContext(ctx, `
		INSERT INTO connected_accounts
			(id, user_id, mcp_server_configuration_id, ownership, auth_credentials, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.UserID, a.MCPServerConfigurationID, a.Ownership, ciphertext, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting connected account: %w", err)
	}
	return nil
}

// UpsertConnectedAccount replaces the existing account for the same
// (user, configuration) or singleton slot, so re-connecting overwrites
// stale credentials.
func (s *ConfigStore) UpsertConnectedAccount(ctx context.Context, a *domain.ConnectedAccount) error {
	switch a.Ownership {
	case domain.OwnershipIndividual:
		if a.UserID != nil {
			existing, err := s.GetAccountForUser(ctx, *a.UserID, a.MCPServerConfigurationID)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			if existing != nil {
				return s.UpdateAccountCredentials(ctx, existing.ID, a.AuthCredentials)
			}
		}
	default:
		existing, err := s.GetSingletonAccount(ctx, a.MCPServerConfigurationID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if existing != nil {
			return s.UpdateAccountCredentials(ctx, existing.ID, a.AuthCredentials)
		}
	}
	return s.CreateConnectedAccount(ctx, a)
}

const accountColumns = `id, user_id, mcp_server_configuration_id, ownership, auth_credentials, created_at, updated_at`

func (s *ConfigStore) GetConnectedAccount(ctx context.Context, id string) (*domain.ConnectedAccount, error) {
	return s.getAccount(ctx, `WHERE id = $1`, id)
}

// GetAccountForUser returns the user's individual account on a configuration
func (s *ConfigStore) GetAccountForUser(ctx context.Context, userID, configurationID string) (*domain.ConnectedAccount, error) {
	return s.getAccount(ctx,
		`WHERE user_id = $1 AND mcp_server_configuration_id = $2`, userID, configurationID)
}

// GetSingletonAccount returns the shared or operational account of a
// configuration; the partial-unique index guarantees at most one.
func (s *ConfigStore) GetSingletonAccount(ctx context.Context, configurationID string) (*domain.ConnectedAccount, error) {
	return s.getAccount(ctx,
		`WHERE mcp_server_configuration_id = $1 AND ownership IN ('shared', 'operational')`,
		configurationID)
}

func (s *ConfigStore) getAccount(ctx context.Context, where string, args ...any) (*domain.ConnectedAccount, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM connected_accounts `+where, args...)
	a, err := s.scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying connected account: %w", err)
	}
	return a, nil
}

// GetConnectedAccountForUpdate locks the account row for the duration of the
// surrounding transaction. Used to serialize OAuth2 refreshes on shared and
// operational accounts.
func (s *ConfigStore) GetConnectedAccountForUpdate(ctx context.Context, id string) (*domain.ConnectedAccount, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM connected_accounts WHERE id = $1 FOR UPDATE`, id)
	a, err := s.scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("locking connected account: %w", err)
	}
	return a, nil
}

func (s *ConfigStore) scanAccount(row rowScanner) (*domain.ConnectedAccount, error) {
	a := &domain.ConnectedAccount{}
	var ciphertext string
	err := row.Scan(&a.ID, &a.UserID, &a.MCPServerConfigurationID, &a.Ownership,
		&ciphertext, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := s.enc.DecryptJSON(ciphertext, &a.AuthCredentials); err != nil {
		return nil, fmt.Errorf("decrypting credentials: %w", err)
	}
	return a, nil
}

// ListConnectedAccounts returns accounts visible within one organization,
// optionally filtered by configuration or owning user. Credentials are
// decrypted but callers must never serialize them.
func (s *ConfigStore) ListConnectedAccounts(ctx context.Context, orgID, configurationID, userID string) ([]domain.ConnectedAccount, error) {
	query := `
		SELECT ca.id, ca.user_id, ca.mcp_server_configuration_id, ca.ownership,
		       ca.auth_credentials, ca.created_at, ca.updated_at
		FROM connected_accounts ca
		JOIN mcp_server_configurations c ON c.id = ca.mcp_server_configuration_id
		WHERE c.organization_id = $1`
	args := []any{orgID}
	if configurationID != "" {
		args = append(args, configurationID)
		query += fmt.Sprintf(` AND ca.mcp_server_configuration_id = $%d`, len(args))
	}
	if userID != "" {
		args = append(args, userID)
		query += fmt.Sprintf(` AND ca.user_id = $%d`, len(args))
	}
	query += ` ORDER BY ca.created_at`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying connected accounts: %w", err)
	}
	defer rows.Close()

	var out []domain.ConnectedAccount
	for rows.Next() {
		a, err := s.scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning connected account: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// UpdateAccountCredentials re-encrypts and stores fresh credentials
func (s *ConfigStore) UpdateAccountCredentials(ctx context.Context, id string, creds domain.AuthCredentials) error {
	ciphertext, err := s.enc.EncryptJSON(creds)
	if err != nil {
		return fmt.Errorf("encrypting credentials: %w", err)
	}
	_, err = s.q.ExecContext(ctx, `
		UPDATE connected_accounts SET auth_credentials = $2, updated_at = NOW() WHERE id = $1`,
		id, ciphertext)
	if err != nil {
		return fmt.Errorf("updating credentials: %w", err)
	}
	return nil
}

func (s *ConfigStore) DeleteConnectedAccount(ctx context.Context, id string) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM connected_accounts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting connected account: %w", err)
	}
	return nil
}

// DeleteAccountsForUserInOrg drops the user's individual accounts within one
// organization, part of member-removal and access-revocation cleanup.
func (s *ConfigStore) DeleteAccountsForUserInOrg(ctx context.Context, orgID, userID string) error {
	_, err := s.q.ExecContext(ctx, `
		DELETE FROM connected_accounts ca
		USING mcp_server_configurations c
		WHERE ca.mcp_server_configuration_id = c.id
		  AND c.organization_id = $1 AND ca.user_id = $2`, orgID, userID)
	if err != nil {
		return fmt.Errorf("deleting user accounts: %w", err)
	}
	return nil
}

// DeleteAccountsForUserOnConfigurations drops the user's individual accounts
// on specific configurations they lost access to.
func (s *ConfigStore) DeleteAccountsForUserOnConfigurations(ctx context.Context, userID string, configurationIDs []string) error {
	if len(configurationIDs) == 0 {
		return nil
	}
	_, err := s.q.ExecContext(ctx, `
		DELETE FROM connected_accounts
		WHERE user_id = $1 AND mcp_server_configuration_id = ANY($2)`,
		userID, pq.Array(configurationIDs))
	if err != nil {
		return fmt.Errorf("deleting user accounts: %w", err)
	}
	return nil
}

// ============================================================================
// Bundles
// ============================================================================

const bundleColumns = `id, organization_id, user_id, name, description, bundle_key,
	mcp_server_configuration_ids, created_at, updated_at`

func (s *ConfigStore) CreateBundle(ctx context.Context, b *domain.MCPServerBundle) error {
	b.ID = uuid.New().String()
	now := time.Now()
	b.CreatedAt = now
	b.UpdatedAt = now

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO mcp_server_bundles
			(id, organization_id, user_id, name, description, bundle_key,
			 mcp_server_configuration_ids, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		b.ID, b.OrganizationID, b.UserID, b.Name, b.Description, b.BundleKey,
		pq.Array(b.MCPServerConfigurationIDs), b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting bundle: %w", err)
	}
	return nil
}

func (s *ConfigStore) GetBundle(ctx context.Context, id string) (*domain.MCPServerBundle, error) {
	return s.getBundle(ctx, `WHERE id = $1`, id)
}

func (s *ConfigStore) GetBundleByKey(ctx context.Context, key string) (*domain.MCPServerBundle, error) {
	return s.getBundle(ctx, `WHERE bundle_key = $1`, key)
}

func (s *ConfigStore) getBundle(ctx context.Context, where string, args ...any) (*domain.MCPServerBundle, error) {
	b := &domain.MCPServerBundle{}
	err := s.q.QueryRowContext(ctx,
		`SELECT `+bundleColumns+` FROM mcp_server_bundles `+where, args...).Scan(
		&b.ID, &b.OrganizationID, &b.UserID, &b.Name, &b.Description, &b.BundleKey,
		pq.Array(&b.MCPServerConfigurationIDs), &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying bundle: %w", err)
	}
	return b, nil
}

// ListBundles returns an organization's bundles, optionally restricted to
// one owner.
func (s *ConfigStore) ListBundles(ctx context.Context, orgID, userID string) ([]domain.MCPServerBundle, error) {
	query := `SELECT ` + bundleColumns + ` FROM mcp_server_bundles WHERE organization_id = $1`
	args := []any{orgID}
	if userID != "" {
		query += ` AND user_id = $2`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying bundles: %w", err)
	}
	defer rows.Close()
	return collectBundles(rows)
}

// ListBundlesReferencing returns bundles whose configuration list contains
// the given configuration id, for reaper pruning.
func (s *ConfigStore) ListBundlesReferencing(ctx context.Context, configurationID string) ([]domain.MCPServerBundle, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+bundleColumns+` FROM mcp_server_bundles
		WHERE $1 = ANY(mcp_server_configuration_ids)`, configurationID)
	if err != nil {
		return nil, fmt.Errorf("querying referencing bundles: %w", err)
	}
	defer rows.Close()
	return collectBundles(rows)
}

// ListBundlesOwnedBy returns every bundle a user owns within one organization
func (s *ConfigStore) ListBundlesOwnedBy(ctx context.Context, orgID, userID string) ([]domain.MCPServerBundle, error) {
	return s.ListBundles(ctx, orgID, userID)
}

func collectBundles(rows *sql.Rows) ([]domain.MCPServerBundle, error) {
	var out []domain.MCPServerBundle
	for rows.Next() {
		var b domain.MCPServerBundle
		if err := rows.Scan(
			&b.ID, &b.OrganizationID, &b.UserID, &b.Name, &b.Description, &b.BundleKey,
			pq.Array(&b.MCPServerConfigurationIDs), &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning bundle: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *ConfigStore) UpdateBundle(ctx context.Context, b *domain.MCPServerBundle) error {
	b.UpdatedAt = time.Now()
	_, err := s.q.ExecContext(ctx, `
		UPDATE mcp_server_bundles
		SET name = $2, description = $3, mcp_server_configuration_ids = $4, updated_at = $5
		WHERE id = $1`,
		b.ID, b.Name, b.Description, pq.Array(b.MCPServerConfigurationIDs), b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("updating bundle: %w", err)
	}
	return nil
}

func (s *ConfigStore) DeleteBundle(ctx context.Context, id string) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM mcp_server_bundles WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting bundle: %w", err)
	}
	return nil
}

// DeleteBundlesOwnedBy drops every bundle a user owns within one organization
func (s *ConfigStore) DeleteBundlesOwnedBy(ctx context.Context, orgID, userID string) error {
	_, err := s.q.ExecContext(ctx, `
		DELETE FROM mcp_server_bundles WHERE organization_id = $1 AND user_id = $2`,
		orgID, userID)
	if err != nil {
		return fmt.Errorf("deleting user bundles: %w", err)
	}
	return nil
}
