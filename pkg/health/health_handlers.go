package health

import (
	"encoding/json"
	"net/http"
)

// HTTPHandler serves the full report. Degraded instances still answer 200
// so a pending slave is not restarted by its supervisor.
func (hc *HealthChecker) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeResponse(w, hc.Check(), true)
	}
}

// ReadinessHandler answers 200 only when every readiness check is healthy.
func (hc *HealthChecker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeResponse(w, hc.CheckReadiness(), false)
	}
}

// LivenessHandler answers 200 only when every liveness check is healthy.
func (hc *HealthChecker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeResponse(w, hc.CheckLiveness(), false)
	}
}

func writeResponse(w http.ResponseWriter, response Response, degradedOK bool) {
	code := http.StatusServiceUnavailable
	switch response.Status {
	case StatusHealthy:
		code = http.StatusOK
	case StatusDegraded:
		if degradedOK {
			code = http.StatusOK
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(response)
}
