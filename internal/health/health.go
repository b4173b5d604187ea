// Package health tracks per-component status for the /healthz endpoint.
package health

import (
	"sync"
	"time"

	"github.com/gemforge/terminal-agent/internal/logging"
)

var log = logging.L("health")

// Status represents the health status of a component.
type Status string

const (
	Healthy   Status = "healthy"
	Degraded  Status = "degraded"
	Unhealthy Status = "unhealthy"
	Unknown   Status = "unknown"
)

// IsValid reports whether s is one of the defined statuses.
func (s Status) IsValid() bool {
	switch s {
	case Healthy, Degraded, Unhealthy, Unknown:
		return true
	}
	return false
}

// Component names used by the agent.
const (
	ComponentServer    = "server"
	ComponentHeartbeat = "heartbeat"
	ComponentConfig    = "config"
	ComponentBrowser   = "browser"
	ComponentUpdate    = "update"
	ComponentStore     = "store"
)

// UnhealthyAfter is the number of consecutive failures after which Observe
// marks a component unhealthy rather than degraded.
const UnhealthyAfter = 3

// Check stores the latest health result for a named component.
type Check struct {
	Name      string    `json:"name" yaml:"name"`
	Status    Status    `json:"status" yaml:"status"`
	Message   string    `json:"message,omitempty" yaml:"message,omitempty"`
	Failures  int       `json:"failures,omitempty" yaml:"failures,omitempty"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"updatedAt"`
}

// Monitor tracks health checks for multiple components.
type Monitor struct {
	mu     sync.RWMutex
	checks map[string]Check
	now    func() time.Time
}

// NewMonitor creates a new health monitor.
func NewMonitor() *Monitor {
	return &Monitor{
		checks: make(map[string]Check),
		now:    time.Now,
	}
}

// Update records the health status for a named component. Unknown status
// values are coerced to Unhealthy.
func (m *Monitor) Update(name string, status Status, message string) {
	if !status.IsValid() {
		status = Unhealthy
	}

	m.mu.Lock()
	prev := m.checks[name]
	failures := 0
	if status != Healthy {
		failures = prev.Failures + 1
	}
	m.checks[name] = Check{
		Name:      name,
		Status:    status,
		Message:   message,
		Failures:  failures,
		UpdatedAt: m.now(),
	}
	m.mu.Unlock()

	if status != Healthy && prev.Status != status {
		log.Warn("health check degraded", logging.KeyComponent, name, "status", string(status), "message", message)
	} else if status == Healthy && prev.Status != "" && prev.Status != Healthy {
		log.Info("health check recovered", logging.KeyComponent, name)
	}
}

// Observe records the outcome of one operation: nil marks the component
// healthy, an error degrades it, and UnhealthyAfter consecutive errors mark
// it unhealthy.
func (m *Monitor) Observe(name string, err error) {
	if err == nil {
		m.Update(name, Healthy, "")
		return
	}
	m.mu.RLock()
	failures := m.checks[name].Failures + 1
	m.mu.RUnlock()

	status := Degraded
	if failures >= UnhealthyAfter {
		status = Unhealthy
	}
	m.Update(name, status, err.Error())
}

// Get returns the health check for a named component.
func (m *Monitor) Get(name string) (Check, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.checks[name]
	return c, ok
}

// Overall returns the worst status across all registered checks, or Unknown
// when nothing has reported yet.
func (m *Monitor) Overall() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.overallLocked()
}

func (m *Monitor) overallLocked() Status {
	if len(m.checks) == 0 {
		return Unknown
	}
	worst := Healthy
	for _, c := range m.checks {
		if worse(c.Status, worst) {
			worst = c.Status
		}
	}
	return worst
}

// All returns a snapshot of all current health checks.
func (m *Monitor) All() []Check {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]Check, 0, len(m.checks))
	for _, c := range m.checks {
		result = append(result, c)
	}
	return result
}

// Summary returns the overall status and per-component statuses, taken
// under one lock.
func (m *Monitor) Summary() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	components := make(map[string]string, len(m.checks))
	for _, c := range m.checks {
		components[c.Name] = string(c.Status)
	}
	return map[string]any{
		"status":     string(m.overallLocked()),
		"components": components,
	}
}

func worse(a, b Status) bool {
	return statusRank(a) > statusRank(b)
}

func statusRank(s Status) int {
	switch s {
	case Healthy:
		return 0
	case Degraded:
		return 1
	case Unhealthy:
		return 2
	case Unknown:
		return 3
	default:
		return 0
	}
}
