package metrics

import (
	"encoding/json"
	"net/http"
	"time"
)

// Status reports the health of a long-running freeze or thaw worker.
type Status struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}

var version = "dev"

// SetVersion sets the version reported by HealthHandler.
func SetVersion(v string) { version = v }

// HealthHandler reports liveness for the freeze/thaw worker's optional
// --metrics-addr HTTP endpoint.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := Status{Status: "alive", Timestamp: time.Now(), Version: version}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(status)
	}
}

// ReadinessHandler reports readiness, consulting remoteHealthCheck (a
// lightweight remote reachability probe, e.g. HEAD on the bucket) when
// one is supplied.
func ReadinessHandler(remoteHealthCheck func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := Status{Status: "ready", Timestamp: time.Now(), Version: version}
		if remoteHealthCheck != nil {
			if err := remoteHealthCheck(); err != nil {
				status.Status = "not_ready"
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusServiceUnavailable)
				json.NewEncoder(w).Encode(status)
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(status)
	}
}
