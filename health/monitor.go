package health

import (
	"fmt"
	"sync"
	"time"
)

// Reporter produces the current health status of a component on demand.
type Reporter func() Status

// Monitor aggregates component reporters and per-stream activity into a
// single system status. Streams that have not produced a sample within the
// staleness threshold degrade the overall status.
type Monitor struct {
	mu                 sync.RWMutex
	reporters          map[string]Reporter
	lastActivity       map[string]time.Time
	stalenessThreshold time.Duration
	now                func() time.Time
}

// NewMonitor creates a monitor. Streams with no activity for longer than
// stalenessThreshold report degraded; zero disables staleness tracking.
func NewMonitor(stalenessThreshold time.Duration) *Monitor {
	return &Monitor{
		reporters:          make(map[string]Reporter),
		lastActivity:       make(map[string]time.Time),
		stalenessThreshold: stalenessThreshold,
		now:                time.Now,
	}
}

// Register adds or replaces a component reporter.
func (m *Monitor) Register(name string, r Reporter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reporters[name] = r
}

// Unregister removes a component reporter.
func (m *Monitor) Unregister(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reporters, name)
}

// MarkActivity records that the named stream produced a sample.
func (m *Monitor) MarkActivity(stream string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastActivity[stream] = m.now()
}

// ClearActivity stops tracking the named stream.
func (m *Monitor) ClearActivity(stream string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lastActivity, stream)
}

// IsStale reports whether the named stream has exceeded the staleness
// threshold. Unknown streams are stale.
func (m *Monitor) IsStale(stream string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.stalenessThreshold <= 0 {
		return false
	}
	last, ok := m.lastActivity[stream]
	if !ok {
		return true
	}
	return m.now().Sub(last) > m.stalenessThreshold
}

// Check returns the aggregated system status. The overall status is
// unhealthy if any component is unhealthy, degraded if any component is
// degraded or any tracked stream is stale, healthy otherwise.
func (m *Monitor) Check() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	overall := Healthy("system", "all components healthy")

	for name, report := range m.reporters {
		sub := report()
		if sub.Component == "" {
			sub.Component = name
		}
		overall = overall.WithSubStatus(sub)
		switch {
		case sub.IsUnhealthy():
			overall.Healthy = false
			overall.Status = "unhealthy"
			overall.Message = fmt.Sprintf("component %s unhealthy", name)
		case sub.IsDegraded() && !overall.IsUnhealthy():
			overall.Healthy = false
			overall.Status = "degraded"
			overall.Message = fmt.Sprintf("component %s degraded", name)
		}
	}

	if m.stalenessThreshold > 0 {
		now := m.now()
		for stream, last := range m.lastActivity {
			if now.Sub(last) > m.stalenessThreshold {
				sub := Degraded(stream, fmt.Sprintf("no samples for %s", now.Sub(last).Round(time.Millisecond)))
				overall = overall.WithSubStatus(sub)
				if !overall.IsUnhealthy() {
					overall.Healthy = false
					overall.Status = "degraded"
					overall.Message = fmt.Sprintf("stream %s stale", stream)
				}
			}
		}
	}

	overall.Timestamp = m.now()
	return overall
}
