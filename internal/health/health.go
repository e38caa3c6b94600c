// Package health aggregates component health for the status API
package health

import (
	"sort"
	"sync"
	"time"
)

// Overall status values
const (
	StatusOK        = "ok"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Status represents overall system health
type Status struct {
	Status        string           `json:"status"` // ok, degraded, unhealthy
	Version       string           `json:"version"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Components    map[string]Check `json:"components"`
}

// Check represents a component health check
type Check struct {
	Healthy   bool      `json:"healthy"`
	Critical  bool      `json:"critical"`
	Message   string    `json:"message,omitempty"`
	LastCheck time.Time `json:"last_check"`
}

// Probe reports a component's health when the status is read
type Probe func() (healthy bool, message string)

type probe struct {
	fn       Probe
	critical bool
}

// Checker tracks health of system components. A failing critical
// component makes the whole system unhealthy; any other failure degrades it.
type Checker struct {
	mu         sync.RWMutex
	version    string
	startTime  time.Time
	components map[string]Check
	probes     map[string]probe
}

// NewChecker creates a new health checker
func NewChecker(version string) *Checker {
	return &Checker{
		version:    version,
		startTime:  time.Now(),
		components: make(map[string]Check),
		probes:     make(map[string]probe),
	}
}

// Register adds a probe evaluated on every status read
func (c *Checker) Register(name string, critical bool, fn Probe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes[name] = probe{fn: fn, critical: critical}
}

// SetComponent updates a pushed component status
func (c *Checker) SetComponent(name string, healthy bool, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.components[name] = Check{
		Healthy:   healthy,
		Message:   message,
		LastCheck: time.Now(),
	}
}

// GetStatus runs the probes and returns the overall health status
func (c *Checker) GetStatus() Status {
	c.mu.RLock()
	components := make(map[string]Check, len(c.components)+len(c.probes))
	for k, v := range c.components {
		components[k] = v
	}
	probes := make(map[string]probe, len(c.probes))
	for k, v := range c.probes {
		probes[k] = v
	}
	c.mu.RUnlock()

	// Probes run outside the lock; they may take component locks
	now := time.Now()
	for name, p := range probes {
		healthy, msg := p.fn()
		components[name] = Check{
			Healthy:   healthy,
			Critical:  p.critical,
			Message:   msg,
			LastCheck: now,
		}
	}

	return Status{
		Status:        overall(components),
		Version:       c.version,
		UptimeSeconds: int64(time.Since(c.startTime).Seconds()),
		Components:    components,
	}
}

func overall(components map[string]Check) string {
	status := StatusOK
	for _, check := range components {
		if check.Healthy {
			continue
		}
		if check.Critical {
			return StatusUnhealthy
		}
		status = StatusDegraded
	}
	return status
}

// IsHealthy returns true if all components are healthy
func (c *Checker) IsHealthy() bool {
	return c.GetStatus().Status == StatusOK
}

// Failing returns the names of unhealthy components, sorted
func (c *Checker) Failing() []string {
	var names []string
	for name, check := range c.GetStatus().Components {
		if !check.Healthy {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
