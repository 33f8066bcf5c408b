// Package web provides the JSON stats and health-check HTTP handlers that
// sit alongside the SOCKS5 listener, per spec.md §6's external interface.
package web

import (
	"encoding/json"
	"net/http"

	"github.com/stanxii/ferrous-socks/internal/stats"
)

// SnapshotFunc returns the current stats snapshot.
type SnapshotFunc func() stats.Snapshot

// SnapshotHandler returns the full stats snapshot as JSON, matching the
// shape spec.md §6 requires (counters plus the live sessions map).
func SnapshotHandler(getSnapshot SnapshotFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		snap := getSnapshot()
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(snap); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

// HealthzHandler returns 200 as long as the server process is up. Unlike a
// periodic-scan system, a SOCKS5 proxy has no "last completed run" to go
// stale — liveness is simply whether this handler can run at all.
func HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok")) //nolint:errcheck // best-effort response body
	}
}
