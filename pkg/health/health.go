package health

import (
	"github.com/benbjohnson/clock"
)

// NewHealthChecker creates a new health checker
func NewHealthChecker() *HealthChecker {
	return NewHealthCheckerWithClock(clock.New())
}

// NewHealthCheckerWithClock creates a health checker that reads time from clk
func NewHealthCheckerWithClock(clk clock.Clock) *HealthChecker {
	return &HealthChecker{
		checks:      make(map[string]CheckFunc),
		readyChecks: make(map[string]CheckFunc),
		liveChecks:  make(map[string]CheckFunc),
		clock:       clk,
		startTime:   clk.Now(),
	}
}

// RegisterCheck registers a health check
func (hc *HealthChecker) RegisterCheck(name string, check CheckFunc) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[name] = check
}

// RegisterReadinessCheck registers a readiness check
func (hc *HealthChecker) RegisterReadinessCheck(name string, check CheckFunc) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.readyChecks[name] = check
}

// RegisterLivenessCheck registers a liveness check
func (hc *HealthChecker) RegisterLivenessCheck(name string, check CheckFunc) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.liveChecks[name] = check
}

// SetSummary sets the instance summary attached to every report.
func (hc *HealthChecker) SetSummary(fn func() Summary) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.summary = fn
}

// Check performs all health checks
func (hc *HealthChecker) Check() Response {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	return hc.performChecks(hc.checks)
}

// CheckReadiness performs readiness checks
func (hc *HealthChecker) CheckReadiness() Response {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	return hc.performChecks(hc.readyChecks)
}

// CheckLiveness performs liveness checks
func (hc *HealthChecker) CheckLiveness() Response {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	return hc.performChecks(hc.liveChecks)
}

func (hc *HealthChecker) performChecks(checksMap map[string]CheckFunc) Response {
	now := hc.clock.Now()
	response := Response{
		Status:    StatusHealthy,
		Timestamp: now,
		Checks:    make(map[string]Check),
		Uptime:    now.Sub(hc.startTime),
	}

	if hc.summary != nil {
		summary := hc.summary()
		response.Instance = &summary
	}

	for name, checkFunc := range checksMap {
		start := hc.clock.Now()
		check := checkFunc()
		check.Duration = hc.clock.Since(start)
		check.LastChecked = start
		if check.Name == "" {
			check.Name = name
		}

		response.Checks[name] = check

		if check.Status.severity() > response.Status.severity() {
			response.Status = check.Status
		}
	}

	return response
}
