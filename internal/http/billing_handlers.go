package http

import (
	"net/http"

	"mcpgate/internal/domain"
	"mcpgate/internal/rbac"
	"mcpgate/internal/subscription"
)

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request, _ *domain.Identity) {
	plans, err := s.billing.ListPlans(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"plans": plans})
}

// checkOrgPath rejects billing calls aimed at an organization the caller is
// not acting in
func checkOrgPath(r *http.Request, p rbac.Principal) error {
	if orgID := r.PathValue("id"); orgID != p.OrganizationID {
		return domain.NewError(domain.CodeNotPermitted,
			"not acting in organization %s", orgID)
	}
	return nil
}

func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request, p rbac.Principal) {
	if err := checkOrgPath(r, p); err != nil {
		s.writeError(w, err)
		return
	}
	sub, err := s.billing.GetSubscription(r.Context(), p)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if sub == nil {
		// free tier, nothing purchased
		s.writeJSON(w, http.StatusOK, map[string]any{"subscription": nil})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"subscription": sub})
}

// handleChangeSubscription moves the organization onto the requested plan and
// seats. Without an existing subscription the response carries the Stripe
// checkout URL; with one the change is applied in place and the URL is empty.
func (s *Server) handleChangeSubscription(w http.ResponseWriter, r *http.Request, p rbac.Principal) {
	if err := checkOrgPath(r, p); err != nil {
		s.writeError(w, err)
		return
	}
	var in subscription.CheckoutInput
	if err := s.decodeJSON(w, r, &in); err != nil {
		s.writeError(w, err)
		return
	}
	checkoutURL, err := s.billing.Change(r.Context(), p, in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if checkoutURL != "" {
		s.writeJSON(w, http.StatusOK, map[string]string{"checkout_url": checkoutURL})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancelSubscription(w http.ResponseWriter, r *http.Request, p rbac.Principal) {
	if err := checkOrgPath(r, p); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.billing.Cancel(r.Context(), p); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStripeWebhook verifies the signature itself, so the route is
// unauthenticated.
func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := s.readBody(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.billing.HandleWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
