package allowlist

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/wardenhq/warden/pkg/identity"
)

// Handlers serves capability snapshots. A principal can only fetch their
// own; an empty snapshot is what a non-member sees, so there is nothing
// to gate here.
type Handlers struct {
	cache  *Cache
	logger *logrus.Logger
}

// NewHandlers creates allow-list HTTP handlers.
func NewHandlers(cache *Cache, logger *logrus.Logger) *Handlers {
	return &Handlers{cache: cache, logger: logger}
}

// RegisterRoutes registers the snapshot route.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/orgs/{org_id}/allowlist", h.GetSnapshot).Methods("GET")
}

// GetSnapshot returns the caller's capability snapshot.
func (h *Handlers) GetSnapshot(w http.ResponseWriter, r *http.Request) {
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

	snap, err := h.cache.Get(r.Context(), orgID, principal.ID)
	if err != nil {
		h.logger.WithError(err).Error("snapshot fetch failed")
		http.Error(w, "request failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap) //nolint:errcheck
}
