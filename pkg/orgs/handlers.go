package orgs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/wardenhq/warden/pkg/authz"
	"github.com/wardenhq/warden/pkg/identity"
)

// Handlers exposes organization and membership management over HTTP.
type Handlers struct {
	service  *Service
	resolver *authz.Resolver
	logger   *logrus.Logger
}

// NewHandlers creates organization HTTP handlers.
func NewHandlers(service *Service, resolver *authz.Resolver, logger *logrus.Logger) *Handlers {
	return &Handlers{service: service, resolver: resolver, logger: logger}
}

// RegisterRoutes registers organization routes.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/orgs", h.CreateOrganization).Methods("POST")
	router.HandleFunc("/orgs/{org_id}", h.GetOrganization).Methods("GET")
	router.HandleFunc("/orgs/{org_id}/settings", h.UpdateSettings).Methods("PUT")
	router.HandleFunc("/orgs/{org_id}/members", h.ListMembers).Methods("GET")
	router.HandleFunc("/orgs/{org_id}/members", h.InviteMember).Methods("POST")
	router.HandleFunc("/orgs/{org_id}/members/{principal_id}/role", h.UpdateMemberRole).Methods("PUT")
	router.HandleFunc("/orgs/{org_id}/members/{principal_id}/suspend", h.SuspendMember).Methods("POST")
	router.HandleFunc("/orgs/{org_id}/members/{principal_id}/reinstate", h.ReinstateMember).Methods("POST")
	router.HandleFunc("/orgs/{org_id}/members/{principal_id}", h.RemoveMember).Methods("DELETE")
	router.HandleFunc("/invitations/{token}/accept", h.AcceptInvitation).Methods("POST")
}

// CreateOrganization creates a tenant. Any authenticated principal may
// create one; they become its owner.
func (h *Handlers) CreateOrganization(w http.ResponseWriter, r *http.Request) {
	principal, ok := identity.FromContext(r.Context())
	if !ok {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	var req CreateOrgRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}

	org, err := h.service.CreateOrganization(r.Context(), req, principal.ID, principal.Email)
	if err != nil {
		h.logger.WithError(err).Error("organization create failed")
		http.Error(w, "request failed", http.StatusInternalServerError)
		return
	}

	h.logger.WithFields(logrus.Fields{
		"organization_id": org.ID,
		"slug":            org.Slug,
		"actor":           principal.ID,
	}).Info("organization created")

	w.WriteHeader(http.StatusCreated)
	writeJSON(w, org)
}

// GetOrganization returns an organization the caller can read.
func (h *Handlers) GetOrganization(w http.ResponseWriter, r *http.Request) {
	orgID, _, ok := h.authorize(w, r, authz.ResourceOrganization, authz.ActionRead)
	if !ok {
		return
	}

	org, err := h.service.GetOrganization(r.Context(), orgID)
	if err != nil {
		h.writeError(w, err, "organization get failed")
		return
	}

	writeJSON(w, org)
}

// UpdateSettings replaces the organization's settings document.
func (h *Handlers) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	orgID, principal, ok := h.authorize(w, r, authz.ResourceOrganization, authz.ActionUpdate)
	if !ok {
		return
	}

	var settings map[string]any
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.service.UpdateSettings(r.Context(), orgID, settings, principal.ID); err != nil {
		h.writeError(w, err, "settings update failed")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListMembers lists memberships, invitations included.
func (h *Handlers) ListMembers(w http.ResponseWriter, r *http.Request) {
	orgID, _, ok := h.authorize(w, r, authz.ResourceUser, authz.ActionRead)
	if !ok {
		return
	}

	members, err := h.service.ListMembers(r.Context(), orgID)
	if err != nil {
		h.writeError(w, err, "member list failed")
		return
	}

	writeJSON(w, members)
}

// InviteMember creates an invited membership.
func (h *Handlers) InviteMember(w http.ResponseWriter, r *http.Request) {
	orgID, principal, ok := h.authorize(w, r, authz.ResourceUser, authz.ActionCreate)
	if !ok {
		return
	}

	var req InviteMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	m, err := h.service.InviteMember(r.Context(), orgID, req, principal.ID)
	if err != nil {
		h.writeError(w, err, "member invite failed")
		return
	}

	w.WriteHeader(http.StatusCreated)
	writeJSON(w, m)
}

// AcceptInvitation binds the authenticated principal to an invitation.
func (h *Handlers) AcceptInvitation(w http.ResponseWriter, r *http.Request) {
	principal, ok := identity.FromContext(r.Context())
	if !ok {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	token := mux.Vars(r)["token"]
	m, err := h.service.AcceptInvitation(r.Context(), token, principal.ID, principal.Email)
	if err != nil {
		if authz.IsNotFound(err) {
			http.Error(w, "invitation not found", http.StatusNotFound)
			return
		}
		h.logger.WithError(err).Error("invitation accept failed")
		http.Error(w, "request failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, m)
}

// UpdateMemberRole changes a member's role.
func (h *Handlers) UpdateMemberRole(w http.ResponseWriter, r *http.Request) {
	orgID, principal, ok := h.authorize(w, r, authz.ResourceUser, authz.ActionUpdate)
	if !ok {
		return
	}

	var req UpdateMemberRoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	target := mux.Vars(r)["principal_id"]
	if err := h.service.UpdateMemberRole(r.Context(), orgID, target, req.RoleID, principal.ID); err != nil {
		h.writeError(w, err, "member role update failed")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// SuspendMember suspends an active membership.
func (h *Handlers) SuspendMember(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, (*Service).SuspendMember, "member suspend failed")
}

// ReinstateMember reactivates a suspended membership.
func (h *Handlers) ReinstateMember(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, (*Service).ReinstateMember, "member reinstate failed")
}

// RemoveMember deletes a membership.
func (h *Handlers) RemoveMember(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, (*Service).RemoveMember, "member remove failed")
}

func (h *Handlers) setStatus(w http.ResponseWriter, r *http.Request, op func(*Service, context.Context, int64, string, string) error, logMsg string) {
	orgID, principal, ok := h.authorize(w, r, authz.ResourceUser, authz.ActionUpdate)
	if !ok {
		return
	}

	target := mux.Vars(r)["principal_id"]
	if err := op(h.service, r.Context(), orgID, target, principal.ID); err != nil {
		h.writeError(w, err, logMsg)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// authorize extracts the org and principal and resolves the required
// permission. Denies and resolver failures both read as 403.
func (h *Handlers) authorize(w http.ResponseWriter, r *http.Request, resource authz.Resource, action authz.Action) (int64, *identity.Principal, bool) {
	principal, ok := identity.FromContext(r.Context())
	if !ok {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return 0, nil, false
	}

	orgID, err := strconv.ParseInt(mux.Vars(r)["org_id"], 10, 64)
	if err != nil {
		http.Error(w, "not permitted", http.StatusForbidden)
		return 0, nil, false
	}

	decision, _ := h.resolver.Resolve(r.Context(), authz.Query{
		PrincipalID:    principal.ID,
		OrganizationID: orgID,
		Resource:       resource,
		Action:         action,
	})
	if !decision.Allow {
		http.Error(w, "not permitted", http.StatusForbidden)
		return 0, nil, false
	}

	return orgID, principal, true
}

func (h *Handlers) writeError(w http.ResponseWriter, err error, logMsg string) {
	if authz.IsNotFound(err) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if errors.Is(err, authz.ErrMutationFailed) {
		h.logger.WithError(err).Error(logMsg)
		http.Error(w, "request failed", http.StatusInternalServerError)
		return
	}
	h.logger.WithError(err).Warn(logMsg)
	http.Error(w, err.Error(), http.StatusBadRequest)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
