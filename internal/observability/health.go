package observability

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ComponentStatus is the health of one component.
type ComponentStatus string

const (
	StatusHealthy   ComponentStatus = "healthy"
	StatusDegraded  ComponentStatus = "degraded"
	StatusUnhealthy ComponentStatus = "unhealthy"
)

// HealthCheck reports the health of one component.
type HealthCheck func(ctx context.Context) ComponentHealth

// ComponentHealth is one check result.
type ComponentHealth struct {
	Name        string          `json:"name"`
	Status      ComponentStatus `json:"status"`
	Message     string          `json:"message,omitempty"`
	LastChecked time.Time       `json:"last_checked"`
	Latency     time.Duration   `json:"latency_ms"`
}

// SystemHealth aggregates every component; the worst status wins.
type SystemHealth struct {
	Status     ComponentStatus            `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  time.Time                  `json:"ts"`
	Uptime     time.Duration              `json:"uptime"`
}

// HealthMonitor runs registered checks on demand and logs status changes.
type HealthMonitor struct {
	mu        sync.RWMutex
	checks    map[string]HealthCheck
	results   map[string]ComponentHealth
	startTime time.Time
	timeout   time.Duration
}

// NewHealthMonitor creates a monitor. Each check gets timeout.
func NewHealthMonitor(timeout time.Duration) *HealthMonitor {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthMonitor{
		checks:    make(map[string]HealthCheck),
		results:   make(map[string]ComponentHealth),
		startTime: time.Now(),
		timeout:   timeout,
	}
}

// Register adds a named check.
func (m *HealthMonitor) Register(name string, check HealthCheck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// Check runs every check and returns the aggregate.
func (m *HealthMonitor) Check(ctx context.Context) SystemHealth {
	m.mu.RLock()
	names := make([]string, 0, len(m.checks))
	for name := range m.checks {
		names = append(names, name)
	}
	checks := make(map[string]HealthCheck, len(m.checks))
	for name, fn := range m.checks {
		checks[name] = fn
	}
	m.mu.RUnlock()
	sort.Strings(names)

	results := make(map[string]ComponentHealth, len(checks))
	for _, name := range names {
		cctx, cancel := context.WithTimeout(ctx, m.timeout)
		start := time.Now()
		h := checks[name](cctx)
		cancel()
		h.Name = name
		h.LastChecked = time.Now()
		h.Latency = time.Since(start)
		results[name] = h
	}

	m.mu.Lock()
	prev := m.results
	m.results = results
	m.mu.Unlock()

	for name, cur := range results {
		if old, ok := prev[name]; ok && old.Status != cur.Status {
			log.Warn().
				Str("component", name).
				Str("from", string(old.Status)).
				Str("to", string(cur.Status)).
				Str("message", cur.Message).
				Msg("health: status changed")
		}
	}
	return m.snapshot(results)
}

// ComponentStatus returns the last result for name.
func (m *HealthMonitor) ComponentStatus(name string) (ComponentHealth, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.results[name]
	return h, ok
}

func (m *HealthMonitor) snapshot(results map[string]ComponentHealth) SystemHealth {
	worst := StatusHealthy
	for _, h := range results {
		if severity(h.Status) > severity(worst) {
			worst = h.Status
		}
	}
	return SystemHealth{
		Status:     worst,
		Components: results,
		Timestamp:  time.Now(),
		Uptime:     time.Since(m.startTime),
	}
}

func severity(s ComponentStatus) int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	case StatusUnhealthy:
		return 2
	}
	return -1
}

// ---------------------------------------------------------------------------
// Checks
// ---------------------------------------------------------------------------

// FeedCheck is unhealthy while the feed is disconnected.
func FeedCheck(connected func() bool) HealthCheck {
	return func(context.Context) ComponentHealth {
		if connected() {
			return ComponentHealth{Status: StatusHealthy}
		}
		return ComponentHealth{Status: StatusUnhealthy, Message: "feed disconnected"}
	}
}

// PingCheck is degraded when ping fails. Used for the Solana RPC.
func PingCheck(ping func(ctx context.Context) error) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		if err := ping(ctx); err != nil {
			return ComponentHealth{Status: StatusDegraded, Message: err.Error()}
		}
		return ComponentHealth{Status: StatusHealthy}
	}
}

// FreshnessCheck is degraded once updatedAt is older than maxAge, and
// unhealthy when it was never set.
func FreshnessCheck(updatedAt func() time.Time, maxAge time.Duration) HealthCheck {
	return func(context.Context) ComponentHealth {
		at := updatedAt()
		switch {
		case at.IsZero():
			return ComponentHealth{Status: StatusUnhealthy, Message: "never updated"}
		case time.Since(at) > maxAge:
			return ComponentHealth{Status: StatusDegraded, Message: "stale since " + at.Format(time.RFC3339)}
		}
		return ComponentHealth{Status: StatusHealthy}
	}
}
