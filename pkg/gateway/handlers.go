package gateway

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/wardenhq/warden/pkg/authz"
	"github.com/wardenhq/warden/pkg/identity"
	"github.com/wardenhq/warden/pkg/registry"
)

// Handlers exposes the invocation path: resolve first, forward only on
// Allow. A missing or inactive instance and a plain deny are the same
// 403 to the caller.
type Handlers struct {
	forwarder *Forwarder
	resolver  *authz.Resolver
	registry  *registry.Service
	logger    *logrus.Logger
}

// NewHandlers creates gateway HTTP handlers.
func NewHandlers(forwarder *Forwarder, resolver *authz.Resolver, reg *registry.Service, logger *logrus.Logger) *Handlers {
	return &Handlers{forwarder: forwarder, resolver: resolver, registry: reg, logger: logger}
}

// RegisterRoutes registers invocation routes.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/orgs/{org_id}/agents/{slug}/invoke", h.invoke(authz.ResourceAgent, authz.ActionUse)).Methods("POST")
	router.HandleFunc("/orgs/{org_id}/data-sources/{slug}/query", h.invoke(authz.ResourceDataSource, authz.ActionRead)).Methods("POST")
}

func (h *Handlers) invoke(resource authz.Resource, action authz.Action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, ok := identity.FromContext(r.Context())
		if !ok {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}

		orgID, err := strconv.ParseInt(mux.Vars(r)["org_id"], 10, 64)
		if err != nil {
			http.Error(w, "not permitted", http.StatusForbidden)
			return
		}
		slug := mux.Vars(r)["slug"]

		decision, _ := h.resolver.Resolve(r.Context(), authz.Query{
			PrincipalID:    principal.ID,
			OrganizationID: orgID,
			Resource:       resource,
			Action:         action,
			ResourceID:     &slug,
		})
		if !decision.Allow {
			http.Error(w, "not permitted", http.StatusForbidden)
			return
		}

		inst, err := h.registry.Get(r.Context(), resource, orgID, slug)
		if err != nil {
			http.Error(w, "not permitted", http.StatusForbidden)
			return
		}
		endpoint, _ := inst.Config["endpoint"].(string)
		if endpoint == "" {
			h.logger.WithFields(logrus.Fields{
				"resource": string(resource),
				"slug":     slug,
			}).Warn("instance has no endpoint configured")
			http.Error(w, "upstream not configured", http.StatusBadGateway)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxResponseBytes))
		if err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		resp, err := h.forwarder.Forward(r.Context(), http.MethodPost, endpoint, forwardHeaders(r.Header), body)
		if err != nil {
			http.Error(w, "upstream unavailable", http.StatusBadGateway)
			return
		}

		for k, vs := range resp.Header {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		w.WriteHeader(resp.StatusCode)
		w.Write(resp.Body) //nolint:errcheck
	}
}

// forwardHeaders keeps the content headers and drops the caller's
// credentials; the upstream trusts the gateway, not the end user.
func forwardHeaders(in http.Header) http.Header {
	out := http.Header{}
	for _, k := range []string{"Content-Type", "Accept", "X-Request-Id"} {
		if v := in.Get(k); v != "" {
			out.Set(k, v)
		}
	}
	return out
}
