package health

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Status is the outcome of a check or of a whole report.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// severity orders statuses so the worst one wins a report.
func (s Status) severity() int {
	switch s {
	case StatusUnhealthy:
		return 2
	case StatusDegraded:
		return 1
	default:
		return 0
	}
}

// Check is the result of one named check.
type Check struct {
	Name        string         `json:"name"`
	Status      Status         `json:"status"`
	Message     string         `json:"message,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	LastChecked time.Time      `json:"last_checked"`
	Duration    time.Duration  `json:"duration_ns"`
}

// CheckFunc runs a check.
type CheckFunc func() Check

// Summary identifies the instance a report is about.
type Summary struct {
	Role   string `json:"role"`
	Master int    `json:"master"`
}

// HealthChecker runs the registered checks of an HA instance. Full,
// readiness and liveness reports each have their own set.
type HealthChecker struct {
	mu          sync.RWMutex
	checks      map[string]CheckFunc
	readyChecks map[string]CheckFunc
	liveChecks  map[string]CheckFunc
	summary     func() Summary

	clock     clock.Clock
	startTime time.Time
}

// Response is a health report.
type Response struct {
	Status    Status           `json:"status"`
	Instance  *Summary         `json:"instance,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	Checks    map[string]Check `json:"checks"`
	Uptime    time.Duration    `json:"uptime_ns"`
}
