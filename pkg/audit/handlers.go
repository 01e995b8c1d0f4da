package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/wardenhq/warden/pkg/identity"
)

// GateFunc answers whether a principal may read the audit log of an
// organization. Wired to a resolve(principal, org, "*", "manage") call in
// the composition root so this package stays free of a resolver import.
type GateFunc func(ctx context.Context, principalID string, organizationID int64) bool

// Handlers exposes read access to the audit log.
type Handlers struct {
	store  *Store
	gate   GateFunc
	logger *logrus.Logger
}

// NewHandlers creates audit HTTP handlers.
func NewHandlers(store *Store, gate GateFunc, logger *logrus.Logger) *Handlers {
	return &Handlers{store: store, gate: gate, logger: logger}
}

// RegisterRoutes registers audit routes.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/orgs/{org_id}/audit", h.Search).Methods("GET")
	router.HandleFunc("/orgs/{org_id}/audit/stats", h.GetStats).Methods("GET")
	router.HandleFunc("/orgs/{org_id}/audit/export", h.Export).Methods("GET")
}

// Search lists audit entries for an organization.
func (h *Handlers) Search(w http.ResponseWriter, r *http.Request) {
	orgID, principal, ok := h.authorize(w, r)
	if !ok {
		return
	}

	filter := parseFilter(r)
	filter.OrganizationID = &orgID

	entries, err := h.store.Search(r.Context(), filter)
	if err != nil {
		h.logger.WithError(err).Error("audit search failed")
		http.Error(w, "request failed", http.StatusInternalServerError)
		return
	}

	h.logger.WithFields(logrus.Fields{
		"actor":           principal.ID,
		"organization_id": orgID,
		"results":         len(entries),
	}).Debug("audit log searched")

	writeJSON(w, entries)
}

// GetStats summarizes audit volume for an organization.
func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	orgID, _, ok := h.authorize(w, r)
	if !ok {
		return
	}

	since, until := parseWindow(r)
	stats, err := h.store.GetStats(r.Context(), &orgID, since, until)
	if err != nil {
		h.logger.WithError(err).Error("audit stats failed")
		http.Error(w, "request failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, stats)
}

// Export streams audit entries in the requested format.
func (h *Handlers) Export(w http.ResponseWriter, r *http.Request) {
	orgID, _, ok := h.authorize(w, r)
	if !ok {
		return
	}

	format := ExportFormat(r.URL.Query().Get("format"))
	switch format {
	case ExportFormatCSV, ExportFormatNDJSON, ExportFormatJSON:
	default:
		format = ExportFormatJSON
	}

	filter := parseFilter(r)
	filter.OrganizationID = &orgID

	data, err := h.store.Export(r.Context(), filter, format)
	if err != nil {
		h.logger.WithError(err).Error("audit export failed")
		http.Error(w, "request failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", contentTypeFor(format))
	w.WriteHeader(http.StatusOK)
	w.Write(data) //nolint:errcheck
}

// authorize extracts the org and principal and applies the manage gate.
// Failures are uniformly 403 with no detail.
func (h *Handlers) authorize(w http.ResponseWriter, r *http.Request) (int64, *identity.Principal, bool) {
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

	if !h.gate(r.Context(), principal.ID, orgID) {
		http.Error(w, "not permitted", http.StatusForbidden)
		return 0, nil, false
	}

	return orgID, principal, true
}

func parseFilter(r *http.Request) SearchFilter {
	q := r.URL.Query()
	filter := SearchFilter{
		ActorID:      q.Get("actor_id"),
		Action:       Action(q.Get("action")),
		ResourceType: q.Get("resource_type"),
		ResourceID:   q.Get("resource_id"),
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil {
		filter.Limit = limit
	}
	if offset, err := strconv.Atoi(q.Get("offset")); err == nil {
		filter.Offset = offset
	}
	filter.Since, filter.Until = parseWindow(r)
	return filter
}

func parseWindow(r *http.Request) (since, until *time.Time) {
	q := r.URL.Query()
	if t, err := time.Parse(time.RFC3339, q.Get("since")); err == nil {
		since = &t
	}
	if t, err := time.Parse(time.RFC3339, q.Get("until")); err == nil {
		until = &t
	}
	return since, until
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
