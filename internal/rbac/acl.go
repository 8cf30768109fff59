package rbac

import (
	"mcpgate/internal/domain"
)

func scope(s domain.ResourceScope) *domain.ResourceScope { return &s }

func ownership(o domain.ConnectedAccountOwnership) *domain.ConnectedAccountOwnership { return &o }

func boolPtr(b bool) *bool { return &b }

// publicOrSameOrg matches platform servers and the caller's custom servers
var publicOrSameOrg = []domain.ResourceCriterion{
	{IsPublic: boolPtr(true)},
	{ResourceScope: scope(domain.ScopeSameOrg)},
}

var sameOrgOnly = []domain.ResourceCriterion{
	{ResourceScope: scope(domain.ScopeSameOrg)},
}

var selfOnly = []domain.ResourceCriterion{
	{ResourceScope: scope(domain.ScopeSameOrgSelf)},
}

// DefaultACL is the platform's built-in permission set for the two roles.
func DefaultACL() ACL {
	return ACL{
		domain.RoleAdmin: {
			{Action: domain.ActionMCPServerList, ResourceType: domain.ResourceMCPServer, Criteria: publicOrSameOrg},
			{Action: domain.ActionMCPServerRead, ResourceType: domain.ResourceMCPServer, Criteria: publicOrSameOrg},
			{Action: domain.ActionMCPServerCreate, ResourceType: domain.ResourceMCPServer},
			{Action: domain.ActionMCPServerUpdate, ResourceType: domain.ResourceMCPServer, Criteria: sameOrgOnly},
			{Action: domain.ActionMCPServerDelete, ResourceType: domain.ResourceMCPServer, Criteria: sameOrgOnly},
			{Action: domain.ActionMCPServerRefreshTools, ResourceType: domain.ResourceMCPServer, Criteria: publicOrSameOrg},
			{Action: domain.ActionMCPServerOAuth2Discovery, ResourceType: domain.ResourceMCPServer, Criteria: publicOrSameOrg},
			{Action: domain.ActionMCPServerOAuth2DCR, ResourceType: domain.ResourceMCPServer, Criteria: publicOrSameOrg},
			{Action: domain.ActionMCPServerCreateConfigOn, ResourceType: domain.ResourceMCPServer, Criteria: publicOrSameOrg},

			{Action: domain.ActionConfigurationList, ResourceType: domain.ResourceConfiguration, Criteria: sameOrgOnly},
			{Action: domain.ActionConfigurationRead, ResourceType: domain.ResourceConfiguration, Criteria: sameOrgOnly},
			{Action: domain.ActionConfigurationUpdate, ResourceType: domain.ResourceConfiguration, Criteria: sameOrgOnly},
			{Action: domain.ActionConfigurationDelete, ResourceType: domain.ResourceConfiguration, Criteria: sameOrgOnly},
			{Action: domain.ActionConfigurationCreateBundleOn, ResourceType: domain.ResourceConfiguration, Criteria: []domain.ResourceCriterion{
				{ResourceScope: scope(domain.ScopeSameOrgAllowedTeam)},
			}},
			{Action: domain.ActionConfigurationCreateAccountOn, ResourceType: domain.ResourceConfiguration, Criteria: []domain.ResourceCriterion{
				{ResourceScope: scope(domain.ScopeSameOrg), ConnectedAccountOwnership: ownership(domain.OwnershipShared)},
				{ResourceScope: scope(domain.ScopeSameOrg), ConnectedAccountOwnership: ownership(domain.OwnershipOperational)},
				{ResourceScope: scope(domain.ScopeSameOrgAllowedTeam), ConnectedAccountOwnership: ownership(domain.OwnershipIndividual)},
			}},

			{Action: domain.ActionBundleList, ResourceType: domain.ResourceBundle, Criteria: sameOrgOnly},
			{Action: domain.ActionBundleRead, ResourceType: domain.ResourceBundle, Criteria: sameOrgOnly},
			{Action: domain.ActionBundleUpdate, ResourceType: domain.ResourceBundle, Criteria: selfOnly},
			{Action: domain.ActionBundleDelete, ResourceType: domain.ResourceBundle, Criteria: sameOrgOnly},

			{Action: domain.ActionConnectedAccountCreate, ResourceType: domain.ResourceConnectedAccount, Criteria: sameOrgOnly},
			{Action: domain.ActionConnectedAccountList, ResourceType: domain.ResourceConnectedAccount, Criteria: sameOrgOnly},
			{Action: domain.ActionConnectedAccountDelete, ResourceType: domain.ResourceConnectedAccount, Criteria: sameOrgOnly},

			{Action: domain.ActionTeamList, ResourceType: domain.ResourceTeam, Criteria: sameOrgOnly},
			{Action: domain.ActionTeamCreate, ResourceType: domain.ResourceTeam},
			{Action: domain.ActionTeamUpdate, ResourceType: domain.ResourceTeam, Criteria: sameOrgOnly},
			{Action: domain.ActionTeamDelete, ResourceType: domain.ResourceTeam, Criteria: sameOrgOnly},
			{Action: domain.ActionTeamAddMember, ResourceType: domain.ResourceTeam, Criteria: sameOrgOnly},
			{Action: domain.ActionTeamRemoveMember, ResourceType: domain.ResourceTeam, Criteria: sameOrgOnly},

			{Action: domain.ActionOrganizationRead, ResourceType: domain.ResourceOrganization, Criteria: sameOrgOnly},
			{Action: domain.ActionOrganizationUpdate, ResourceType: domain.ResourceOrganization, Criteria: sameOrgOnly},
			{Action: domain.ActionOrganizationInvite, ResourceType: domain.ResourceOrganization, Criteria: sameOrgOnly},
			{Action: domain.ActionOrganizationRemoveMember, ResourceType: domain.ResourceOrganization, Criteria: sameOrgOnly},
			{Action: domain.ActionOrganizationSubscription, ResourceType: domain.ResourceOrganization, Criteria: sameOrgOnly},

			{Action: domain.ActionLogsRead, Criteria: sameOrgOnly},
		},

		domain.RoleMember: {
			{Action: domain.ActionMCPServerList, ResourceType: domain.ResourceMCPServer, Criteria: publicOrSameOrg},
			{Action: domain.ActionMCPServerRead, ResourceType: domain.ResourceMCPServer, Criteria: publicOrSameOrg},

			{Action: domain.ActionConfigurationList, ResourceType: domain.ResourceConfiguration, Criteria: []domain.ResourceCriterion{
				{ResourceScope: scope(domain.ScopeSameOrgAllowedTeam)},
			}},
			{Action: domain.ActionConfigurationRead, ResourceType: domain.ResourceConfiguration, Criteria: []domain.ResourceCriterion{
				{ResourceScope: scope(domain.ScopeSameOrgAllowedTeam)},
			}},
			{Action: domain.ActionConfigurationCreateBundleOn, ResourceType: domain.ResourceConfiguration, Criteria: []domain.ResourceCriterion{
				{ResourceScope: scope(domain.ScopeSameOrgAllowedTeam)},
			}},
			{Action: domain.ActionConfigurationCreateAccountOn, ResourceType: domain.ResourceConfiguration, Criteria: []domain.ResourceCriterion{
				{ResourceScope: scope(domain.ScopeSameOrgAllowedTeam), ConnectedAccountOwnership: ownership(domain.OwnershipIndividual)},
			}},

			{Action: domain.ActionBundleList, ResourceType: domain.ResourceBundle, Criteria: selfOnly},
			{Action: domain.ActionBundleRead, ResourceType: domain.ResourceBundle, Criteria: selfOnly},
			{Action: domain.ActionBundleUpdate, ResourceType: domain.ResourceBundle, Criteria: selfOnly},
			{Action: domain.ActionBundleDelete, ResourceType: domain.ResourceBundle, Criteria: selfOnly},

			{Action: domain.ActionConnectedAccountCreate, ResourceType: domain.ResourceConnectedAccount, Criteria: []domain.ResourceCriterion{
				{ResourceScope: scope(domain.ScopeSameOrgAllowedTeam), Ownership: ownership(domain.OwnershipIndividual)},
			}},
			{Action: domain.ActionConnectedAccountList, ResourceType: domain.ResourceConnectedAccount, Criteria: []domain.ResourceCriterion{
				{ResourceScope: scope(domain.ScopeSameOrgSelf), Ownership: ownership(domain.OwnershipIndividual)},
			}},
			{Action: domain.ActionConnectedAccountDelete, ResourceType: domain.ResourceConnectedAccount, Criteria: []domain.ResourceCriterion{
				{ResourceScope: scope(domain.ScopeSameOrgSelf), Ownership: ownership(domain.OwnershipIndividual)},
			}},

			{Action: domain.ActionTeamList, ResourceType: domain.ResourceTeam, Criteria: sameOrgOnly},
			{Action: domain.ActionOrganizationRead, ResourceType: domain.ResourceOrganization, Criteria: sameOrgOnly},

			{Action: domain.ActionLogsRead, Criteria: selfOnly},
		},
	}
}
