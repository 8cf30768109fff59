package http

import (
	"net/http"

	"mcpgate/internal/domain"
	"mcpgate/internal/org"
	"mcpgate/internal/rbac"
)

func (s *Server) handleCreateOrganization(w http.ResponseWriter, r *http.Request, identity *domain.Identity) {
	var in struct {
		Name string `json:"name"`
	}
	if err := s.decodeJSON(w, r, &in); err != nil {
		s.writeError(w, err)
		return
	}
	created, err := s.orgs.CreateOrganization(r.Context(), identity, in.Name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetOrganization(w http.ResponseWriter, r *http.Request, p rbac.Principal) {
	o, err := s.orgs.GetOrganization(r.Context(), p)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleUpdateOrganization(w http.ResponseWriter, r *http.Request, p rbac.Principal) {
	var in struct {
		Name string `json:"name"`
	}
	if err := s.decodeJSON(w, r, &in); err != nil {
		s.writeError(w, err)
		return
	}
	o, err := s.orgs.UpdateOrganization(r.Context(), p, in.Name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleListMembers(w http.ResponseWriter, r *http.Request, p rbac.Principal) {
	members, err := s.orgs.ListMembers(r.Context(), p)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"members": members})
}

func (s *Server) handleUpdateMemberRole(w http.ResponseWriter, r *http.Request, p rbac.Principal) {
	var in struct {
		Role domain.OrganizationRole `json:"role"`
	}
	if err := s.decodeJSON(w, r, &in); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.orgs.UpdateMemberRole(r.Context(), p, r.PathValue("user_id"), in.Role); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request, p rbac.Principal) {
	if err := s.orgs.RemoveMember(r.Context(), p, r.PathValue("user_id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// Invitations
// =============================================================================

func (s *Server) handleInvite(w http.ResponseWriter, r *http.Request, p rbac.Principal) {
	var in org.InviteInput
	if err := s.decodeJSON(w, r, &in); err != nil {
		s.writeError(w, err)
		return
	}
	inv, err := s.orgs.Invite(r.Context(), p, in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, inv)
}

func (s *Server) handleListInvitations(w http.ResponseWriter, r *http.Request, p rbac.Principal) {
	invitations, err := s.orgs.ListInvitations(r.Context(), p)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"invitations": invitations})
}

func (s *Server) handleRevokeInvitation(w http.ResponseWriter, r *http.Request, p rbac.Principal) {
	if err := s.orgs.RevokeInvitation(r.Context(), p, r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAcceptInvitation(w http.ResponseWriter, r *http.Request, identity *domain.Identity) {
	var in struct {
		Token string `json:"token"`
	}
	if err := s.decodeJSON(w, r, &in); err != nil {
		s.writeError(w, err)
		return
	}
	joined, err := s.orgs.AcceptInvitation(r.Context(), identity, in.Token)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, joined)
}

// =============================================================================
// Teams
// =============================================================================

func (s *Server) handleCreateTeam(w http.ResponseWriter, r *http.Request, p rbac.Principal) {
	var in org.CreateTeamInput
	if err := s.decodeJSON(w, r, &in); err != nil {
		s.writeError(w, err)
		return
	}
	team, err := s.orgs.CreateTeam(r.Context(), p, in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, team)
}

func (s *Server) handleListTeams(w http.ResponseWriter, r *http.Request, p rbac.Principal) {
	teams, err := s.orgs.ListTeams(r.Context(), p)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"teams": teams})
}

func (s *Server) handleUpdateTeam(w http.ResponseWriter, r *http.Request, p rbac.Principal) {
	var in org.UpdateTeamInput
	if err := s.decodeJSON(w, r, &in); err != nil {
		s.writeError(w, err)
		return
	}
	team, err := s.orgs.UpdateTeam(r.Context(), p, r.PathValue("id"), in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, team)
}

func (s *Server) handleDeleteTeam(w http.ResponseWriter, r *http.Request, p rbac.Principal) {
	if err := s.orgs.DeleteTeam(r.Context(), p, r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListTeamMembers(w http.ResponseWriter, r *http.Request, p rbac.Principal) {
	members, err := s.orgs.ListTeamMembers(r.Context(), p, r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"members": members})
}

func (s *Server) handleAddTeamMember(w http.ResponseWriter, r *http.Request, p rbac.Principal) {
	if err := s.orgs.AddTeamMember(r.Context(), p, r.PathValue("id"), r.PathValue("user_id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveTeamMember(w http.ResponseWriter, r *http.Request, p rbac.Principal) {
	if err := s.orgs.RemoveTeamMember(r.Context(), p, r.PathValue("id"), r.PathValue("user_id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
