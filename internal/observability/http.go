package observability

import (
	"encoding/json"
	"net/http"
)

// Handler serves the saga metrics snapshot as JSON. Snapshots are computed
// per request and must not be cached by intermediaries.
func Handler(metrics *Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snap := metrics.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(snap)
	})
}
