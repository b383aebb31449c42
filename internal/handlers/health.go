package handlers

import (
	"net/http"

	"github.com/pliu/alumnichat/internal/broadcast"
)

// HealthHandler answers liveness probes. When the fabric can count members
// it also reports how many sessions this process holds.
type HealthHandler struct {
	Fabric broadcast.Fabric
	Group  string
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if counter, ok := h.Fabric.(broadcast.Counter); ok && h.Group != "" {
		if n, err := counter.Members(r.Context(), h.Group); err == nil {
			body["local_sessions"] = n
		} else {
			body["status"] = "degraded"
			writeJSON(w, http.StatusServiceUnavailable, body)
			return
		}
	}
	writeJSON(w, http.StatusOK, body)
}
