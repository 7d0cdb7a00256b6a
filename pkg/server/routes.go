package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dd0wney/cluso-ha/pkg/health"
	"github.com/dd0wney/cluso-ha/pkg/metrics"
)

// Routes are the endpoints mounted by NewMux. Nil fields leave their
// paths unmounted.
type Routes struct {
	Health  *health.HealthChecker
	Metrics *metrics.Registry
	// Status returns the document served on /status.
	Status func() any
	// StartedAt feeds the uptime gauge refreshed on each scrape.
	StartedAt time.Time
}

// NewMux builds the operator mux:
//
//	/health  full health report
//	/ready   readiness probe
//	/live    liveness probe
//	/metrics Prometheus exposition
//	/status  JSON instance status
func NewMux(r Routes) *http.ServeMux {
	mux := http.NewServeMux()

	if r.Health != nil {
		mux.Handle("GET /health", r.Health.HTTPHandler())
		mux.Handle("GET /ready", r.Health.ReadinessHandler())
		mux.Handle("GET /live", r.Health.LivenessHandler())
	}

	if r.Metrics != nil {
		exposition := promhttp.HandlerFor(r.Metrics.GetPrometheusRegistry(), promhttp.HandlerOpts{})
		started := r.StartedAt
		if started.IsZero() {
			started = time.Now()
		}
		mux.Handle("GET /metrics", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			r.Metrics.UpdateSystemMetrics(started)
			exposition.ServeHTTP(w, req)
		}))
	}

	if r.Status != nil {
		mux.Handle("GET /status", statusHandler(r.Status))
	}
	return mux
}

func statusHandler(status func() any) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(status()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}
