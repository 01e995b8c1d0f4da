package authz

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/wardenhq/warden/pkg/identity"
)

// Handlers exposes resolution, role management, and override management
// over HTTP.
type Handlers struct {
	resolver *Resolver
	store    *SQLStore
	logger   *logrus.Logger
}

// NewHandlers creates authorization HTTP handlers.
func NewHandlers(resolver *Resolver, store *SQLStore, logger *logrus.Logger) *Handlers {
	return &Handlers{resolver: resolver, store: store, logger: logger}
}

// RegisterRoutes registers resolution, role, and override routes.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/authz/resolve", h.Resolve).Methods("POST")

	router.HandleFunc("/orgs/{org_id}/roles", h.ListRoles).Methods("GET")
	router.HandleFunc("/orgs/{org_id}/roles", h.CreateRole).Methods("POST")
	router.HandleFunc("/orgs/{org_id}/roles/{role_id}", h.UpdateRole).Methods("PUT")
	router.HandleFunc("/orgs/{org_id}/roles/{role_id}", h.DeleteRole).Methods("DELETE")

	for path, resource := range map[string]Resource{
		"agents":       ResourceAgent,
		"data-sources": ResourceDataSource,
	} {
		resource := resource
		router.HandleFunc("/orgs/{org_id}/"+path+"/{slug}/overrides", h.listOverrides(resource)).Methods("GET")
		router.HandleFunc("/orgs/{org_id}/"+path+"/{slug}/overrides", h.createOverride(resource)).Methods("POST")
		router.HandleFunc("/orgs/{org_id}/"+path+"/{slug}/overrides/{override_id}", h.updateOverride(resource)).Methods("PUT")
		router.HandleFunc("/orgs/{org_id}/"+path+"/{slug}/overrides/{override_id}", h.deleteOverride(resource)).Methods("DELETE")
	}
}

// resolveRequest is the wire shape of a resolution query. The principal
// is taken from the caller's identity unless the caller may act for
// others.
type resolveRequest struct {
	PrincipalID    string         `json:"principal_id,omitempty"`
	OrganizationID int64          `json:"organization_id"`
	Resource       Resource       `json:"resource"`
	Action         Action         `json:"action"`
	ResourceID     *string        `json:"resource_id,omitempty"`
	Attributes     map[string]any `json:"attributes,omitempty"`
}

// Resolve answers one authorization query. Querying on behalf of another
// principal requires manage on the synthetic resource "*". Store
// failures surface as a deny with HTTP 200; availability problems are an
// operator concern, not a caller one.
func (h *Handlers) Resolve(w http.ResponseWriter, r *http.Request) {
	principal, ok := identity.FromContext(r.Context())
	if !ok {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	subject := principal.ID
	if req.PrincipalID != "" && req.PrincipalID != principal.ID {
		if !h.allows(r, principal.ID, req.OrganizationID, ResourceAny, ActionManage) {
			http.Error(w, "not permitted", http.StatusForbidden)
			return
		}
		subject = req.PrincipalID
	}

	decision, err := h.resolver.Resolve(r.Context(), Query{
		PrincipalID:    subject,
		OrganizationID: req.OrganizationID,
		Resource:       req.Resource,
		Action:         req.Action,
		ResourceID:     req.ResourceID,
		Attributes:     req.Attributes,
	})
	if err != nil {
		h.logger.WithError(err).Error("resolve degraded")
	}

	writeJSON(w, decision)
}

// ListRoles lists the roles visible to an organization, system roles
// included.
func (h *Handlers) ListRoles(w http.ResponseWriter, r *http.Request) {
	orgID, _, ok := h.authorize(w, r, ResourceRole, ActionRead)
	if !ok {
		return
	}

	roles, err := h.store.ListRoles(r.Context(), orgID)
	if err != nil {
		h.writeError(w, err, "role list failed")
		return
	}

	writeJSON(w, roles)
}

// CreateRole creates a custom role in the organization.
func (h *Handlers) CreateRole(w http.ResponseWriter, r *http.Request) {
	orgID, principal, ok := h.authorize(w, r, ResourceRole, ActionCreate)
	if !ok {
		return
	}

	var role Role
	if err := json.NewDecoder(r.Body).Decode(&role); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	role.OrganizationID = &orgID
	role.IsSystem = false

	if err := h.store.CreateRole(r.Context(), &role, principal.ID); err != nil {
		h.writeError(w, err, "role create failed")
		return
	}

	w.WriteHeader(http.StatusCreated)
	writeJSON(w, role)
}

// UpdateRole replaces a custom role's name, description, and rules.
func (h *Handlers) UpdateRole(w http.ResponseWriter, r *http.Request) {
	orgID, principal, ok := h.authorize(w, r, ResourceRole, ActionUpdate)
	if !ok {
		return
	}

	roleID, err := strconv.ParseInt(mux.Vars(r)["role_id"], 10, 64)
	if err != nil {
		http.Error(w, "invalid role id", http.StatusBadRequest)
		return
	}

	var role Role
	if err := json.NewDecoder(r.Body).Decode(&role); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	role.ID = roleID
	role.OrganizationID = &orgID

	if err := h.store.UpdateRole(r.Context(), &role, principal.ID); err != nil {
		h.writeError(w, err, "role update failed")
		return
	}

	writeJSON(w, role)
}

// DeleteRole removes a custom role.
func (h *Handlers) DeleteRole(w http.ResponseWriter, r *http.Request) {
	_, principal, ok := h.authorize(w, r, ResourceRole, ActionDelete)
	if !ok {
		return
	}

	roleID, err := strconv.ParseInt(mux.Vars(r)["role_id"], 10, 64)
	if err != nil {
		http.Error(w, "invalid role id", http.StatusBadRequest)
		return
	}

	if err := h.store.DeleteRole(r.Context(), roleID, principal.ID); err != nil {
		h.writeError(w, err, "role delete failed")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// overrideRequest is the wire shape of an override write.
type overrideRequest struct {
	Scope OverrideScope `json:"scope"`
	Rules RuleSet       `json:"rules"`
}

func (h *Handlers) listOverrides(resource Resource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orgID, _, ok := h.authorize(w, r, resource, ActionManage)
		if !ok {
			return
		}

		instance, err := h.store.GetInstance(r.Context(), orgID, resource, mux.Vars(r)["slug"])
		if err != nil {
			h.writeError(w, err, "override list failed")
			return
		}

		overrides, err := h.store.ListOverrides(r.Context(), resource, instance.ID)
		if err != nil {
			h.writeError(w, err, "override list failed")
			return
		}

		writeJSON(w, overrides)
	}
}

func (h *Handlers) createOverride(resource Resource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orgID, principal, ok := h.authorize(w, r, resource, ActionManage)
		if !ok {
			return
		}

		var req overrideRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			if errors.Is(err, ErrInvalidOverride) {
				http.Error(w, "scope must name exactly one role or principal", http.StatusBadRequest)
				return
			}
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		instance, err := h.store.GetInstance(r.Context(), orgID, resource, mux.Vars(r)["slug"])
		if err != nil {
			h.writeError(w, err, "override create failed")
			return
		}

		o := &Override{
			Resource:   resource,
			InstanceID: instance.ID,
			Scope:      req.Scope,
			Rules:      req.Rules,
		}
		if err := h.store.CreateOverride(r.Context(), o, principal.ID, orgID); err != nil {
			h.writeError(w, err, "override create failed")
			return
		}

		w.WriteHeader(http.StatusCreated)
		writeJSON(w, o)
	}
}

func (h *Handlers) updateOverride(resource Resource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orgID, principal, ok := h.authorize(w, r, resource, ActionManage)
		if !ok {
			return
		}

		overrideID, err := strconv.ParseInt(mux.Vars(r)["override_id"], 10, 64)
		if err != nil {
			http.Error(w, "invalid override id", http.StatusBadRequest)
			return
		}

		var req overrideRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		o, err := h.store.UpdateOverride(r.Context(), resource, overrideID, req.Rules, principal.ID, orgID)
		if err != nil {
			h.writeError(w, err, "override update failed")
			return
		}

		writeJSON(w, o)
	}
}

func (h *Handlers) deleteOverride(resource Resource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orgID, principal, ok := h.authorize(w, r, resource, ActionManage)
		if !ok {
			return
		}

		overrideID, err := strconv.ParseInt(mux.Vars(r)["override_id"], 10, 64)
		if err != nil {
			http.Error(w, "invalid override id", http.StatusBadRequest)
			return
		}

		if err := h.store.DeleteOverride(r.Context(), resource, overrideID, principal.ID, orgID); err != nil {
			h.writeError(w, err, "override delete failed")
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *Handlers) authorize(w http.ResponseWriter, r *http.Request, resource Resource, action Action) (int64, *identity.Principal, bool) {
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

	if !h.allows(r, principal.ID, orgID, resource, action) {
		http.Error(w, "not permitted", http.StatusForbidden)
		return 0, nil, false
	}

	return orgID, principal, true
}

func (h *Handlers) allows(r *http.Request, principalID string, orgID int64, resource Resource, action Action) bool {
	decision, _ := h.resolver.Resolve(r.Context(), Query{
		PrincipalID:    principalID,
		OrganizationID: orgID,
		Resource:       resource,
		Action:         action,
	})
	return decision.Allow
}

func (h *Handlers) writeError(w http.ResponseWriter, err error, logMsg string) {
	switch {
	case IsNotFound(err):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, ErrInvalidOverride):
		http.Error(w, "scope must name exactly one role or principal", http.StatusBadRequest)
	case errors.Is(err, ErrImmutableRole):
		http.Error(w, "system roles are immutable", http.StatusForbidden)
	case errors.Is(err, ErrMutationFailed):
		h.logger.WithError(err).Error(logMsg)
		http.Error(w, "request failed", http.StatusInternalServerError)
	default:
		h.logger.WithError(err).Warn(logMsg)
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
