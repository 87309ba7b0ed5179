// ABOUTME: HTTP API: health probes and the synchronous presence queries
// ABOUTME: the backend uses for UI state.

package hub

import (
	"encoding/json"
	"net/http"
	"strings"
)

// handleHealth reports liveness.
func (h *Hub) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"connections": h.registry.ConnectionCount(),
	})
}

// handleReady reports readiness. The hub is ready once it is serving; a
// failing audit store would have prevented startup.
func (h *Hub) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// handleOnlineList returns every connected identity.
func (h *Hub) handleOnlineList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ids := h.registry.OnlineIdentities()
	if ids == nil {
		ids = []string{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"online": ids,
		"count":  len(ids),
	})
}

// handleOnlineQuery answers "is identity X online" for a single identity.
func (h *Hub) handleOnlineQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	identityID := strings.TrimPrefix(r.URL.Path, "/api/online/")
	if identityID == "" || strings.Contains(identityID, "/") {
		http.Error(w, "bad identity id", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"identity_id": identityID,
		"online":      h.registry.IsOnline(identityID),
		"connections": len(h.registry.Lookup(identityID)),
	})
}
