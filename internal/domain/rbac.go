package domain

// =============================================================================
// RBAC Types
// =============================================================================

// Action is a control-plane operation gated by the ACL
type Action string

const (
	ActionMCPServerList            Action = "mcp_server:list"
	ActionMCPServerRead            Action = "mcp_server:read"
	ActionMCPServerCreate          Action = "mcp_server:create"
	ActionMCPServerUpdate          Action = "mcp_server:update"
	ActionMCPServerDelete          Action = "mcp_server:delete"
	ActionMCPServerRefreshTools    Action = "mcp_server:refresh_tools"
	ActionMCPServerOAuth2Discovery Action = "mcp_server:oauth2_discovery"
	ActionMCPServerOAuth2DCR       Action = "mcp_server:oauth2_dcr"
	ActionMCPServerCreateConfigOn  Action = "mcp_server:create_configuration_on"

	ActionConfigurationList            Action = "mcp_server_configuration:list"
	ActionConfigurationRead            Action = "mcp_server_configuration:read"
	ActionConfigurationUpdate          Action = "mcp_server_configuration:update"
	ActionConfigurationDelete          Action = "mcp_server_configuration:delete"
	ActionConfigurationCreateBundleOn  Action = "mcp_server_configuration:create_bundle_on"
	ActionConfigurationCreateAccountOn Action = "mcp_server_configuration:create_connected_account_on"

	ActionBundleList   Action = "mcp_server_bundle:list"
	ActionBundleRead   Action = "mcp_server_bundle:read"
	ActionBundleUpdate Action = "mcp_server_bundle:update"
	ActionBundleDelete Action = "mcp_server_bundle:delete"

	ActionConnectedAccountCreate Action = "connected_account:create"
	ActionConnectedAccountList   Action = "connected_account:list"
	ActionConnectedAccountDelete Action = "connected_account:delete"

	ActionTeamList         Action = "team:list"
	ActionTeamCreate       Action = "team:create"
	ActionTeamUpdate       Action = "team:update"
	ActionTeamDelete       Action = "team:delete"
	ActionTeamAddMember    Action = "team:add_member"
	ActionTeamRemoveMember Action = "team:remove_member"

	ActionOrganizationRead         Action = "organization:read"
	ActionOrganizationUpdate       Action = "organization:update"
	ActionOrganizationInvite       Action = "organization:invite"
	ActionOrganizationRemoveMember Action = "organization:remove_member"
	ActionOrganizationSubscription Action = "organization:manage_subscription"

	ActionLogsRead Action = "logs:read"
)

// ResourceType identifies what kind of resource a permission applies to
type ResourceType string

const (
	ResourceMCPServer        ResourceType = "mcp_server"
	ResourceConfiguration    ResourceType = "mcp_server_configuration"
	ResourceBundle           ResourceType = "mcp_server_bundle"
	ResourceConnectedAccount ResourceType = "connected_account"
	ResourceTeam             ResourceType = "team"
	ResourceOrganization     ResourceType = "organization"
)

// ResourceScope narrows which resource instances a criterion matches
type ResourceScope string

const (
	ScopeSameOrg            ResourceScope = "same_org"
	ScopeSameOrgSelf        ResourceScope = "same_org:self"
	ScopeSameOrgAllowedTeam ResourceScope = "same_org:allowed_team"
	ScopeAny                ResourceScope = "any"
)

// ResourceCriterion is an AND of its non-nil predicates. A permission's
// criteria list is evaluated OR: satisfying any one criterion grants.
type ResourceCriterion struct {
	ResourceScope             *ResourceScope             `json:"resource_scope,omitempty"`
	IsPublic                  *bool                      `json:"is_public,omitempty"`
	ConnectedAccountOwnership *ConnectedAccountOwnership `json:"connected_account_ownership,omitempty"`
	Ownership                 *ConnectedAccountOwnership `json:"ownership,omitempty"`
}

// Permission grants one action, optionally narrowed to resource criteria
type Permission struct {
	Action       Action              `json:"action"`
	ResourceType ResourceType        `json:"resource_type,omitempty"`
	Criteria     []ResourceCriterion `json:"allowed_resource_criteria,omitempty"`
}
