package registry

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/wardenhq/warden/pkg/authz"
	"github.com/wardenhq/warden/pkg/identity"
)

// Handlers exposes the agent and data-source registries over HTTP.
type Handlers struct {
	service  *Service
	resolver *authz.Resolver
	logger   *logrus.Logger
}

// NewHandlers creates registry HTTP handlers.
func NewHandlers(service *Service, resolver *authz.Resolver, logger *logrus.Logger) *Handlers {
	return &Handlers{service: service, resolver: resolver, logger: logger}
}

// RegisterRoutes registers agent and data-source routes.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	for path, resource := range map[string]authz.Resource{
		"agents":       authz.ResourceAgent,
		"data-sources": authz.ResourceDataSource,
	} {
		resource := resource
		router.HandleFunc("/orgs/{org_id}/"+path, h.list(resource)).Methods("GET")
		router.HandleFunc("/orgs/{org_id}/"+path, h.create(resource)).Methods("POST")
		router.HandleFunc("/orgs/{org_id}/"+path+"/{slug}", h.get(resource)).Methods("GET")
		router.HandleFunc("/orgs/{org_id}/"+path+"/{slug}", h.update(resource)).Methods("PUT")
		router.HandleFunc("/orgs/{org_id}/"+path+"/{slug}", h.delete(resource)).Methods("DELETE")
	}
}

// list returns the catalog for one kind, narrowed by the caller's
// viewing context (?team=...&topic=...). The visibility filter runs
// after the resolver has allowed the read; it only shapes the listing.
func (h *Handlers) list(resource authz.Resource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orgID, _, ok := h.authorize(w, r, resource, authz.ActionRead, "")
		if !ok {
			return
		}

		instances, err := h.service.List(r.Context(), resource, orgID)
		if err != nil {
			h.writeError(w, err, "registry list failed")
			return
		}

		q := r.URL.Query()
		instances = FilterForContext(instances, q.Get("team"), q.Get("topic"))

		writeJSON(w, instances)
	}
}

func (h *Handlers) create(resource authz.Resource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orgID, principal, ok := h.authorize(w, r, resource, authz.ActionCreate, "")
		if !ok {
			return
		}

		var req CreateInstanceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		inst, err := h.service.Create(r.Context(), resource, orgID, req, principal.ID)
		if err != nil {
			h.writeError(w, err, "registry create failed")
			return
		}

		h.logger.WithFields(logrus.Fields{
			"resource":        string(resource),
			"slug":            inst.Slug,
			"organization_id": orgID,
			"actor":           principal.ID,
		}).Info("instance registered")

		w.WriteHeader(http.StatusCreated)
		writeJSON(w, inst)
	}
}

func (h *Handlers) get(resource authz.Resource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slug := mux.Vars(r)["slug"]
		orgID, _, ok := h.authorize(w, r, resource, authz.ActionRead, slug)
		if !ok {
			return
		}

		inst, err := h.service.Get(r.Context(), resource, orgID, slug)
		if err != nil {
			h.writeError(w, err, "registry get failed")
			return
		}

		writeJSON(w, inst)
	}
}

func (h *Handlers) update(resource authz.Resource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slug := mux.Vars(r)["slug"]
		orgID, principal, ok := h.authorize(w, r, resource, authz.ActionUpdate, "")
		if !ok {
			return
		}

		var req UpdateInstanceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		inst, err := h.service.Update(r.Context(), resource, orgID, slug, req, principal.ID)
		if err != nil {
			h.writeError(w, err, "registry update failed")
			return
		}

		writeJSON(w, inst)
	}
}

func (h *Handlers) delete(resource authz.Resource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slug := mux.Vars(r)["slug"]
		orgID, principal, ok := h.authorize(w, r, resource, authz.ActionDelete, "")
		if !ok {
			return
		}

		if err := h.service.Delete(r.Context(), resource, orgID, slug, principal.ID); err != nil {
			h.writeError(w, err, "registry delete failed")
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

// authorize resolves the required permission. A non-empty slug resolves
// against the specific instance so overrides apply to reads.
func (h *Handlers) authorize(w http.ResponseWriter, r *http.Request, resource authz.Resource, action authz.Action, slug string) (int64, *identity.Principal, bool) {
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

	query := authz.Query{
		PrincipalID:    principal.ID,
		OrganizationID: orgID,
		Resource:       resource,
		Action:         action,
	}
	if slug != "" {
		query.ResourceID = &slug
	}

	decision, _ := h.resolver.Resolve(r.Context(), query)
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
