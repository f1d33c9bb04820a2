package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatus_Predicates(t *testing.T) {
	assert.True(t, Healthy("a", "ok").IsHealthy())
	assert.True(t, Degraded("a", "slow").IsDegraded())
	assert.True(t, Unhealthy("a", "down").IsUnhealthy())
	assert.False(t, Degraded("a", "slow").Healthy)
}

func TestStatus_WithSubStatus(t *testing.T) {
	base := Healthy("system", "ok")
	withSub := base.WithSubStatus(Healthy("recorder", "ok"))

	assert.Len(t, withSub.SubStatuses, 1)
	assert.Empty(t, base.SubStatuses, "original must not be mutated")
}

func TestMonitor_CheckAllHealthy(t *testing.T) {
	m := NewMonitor(0)
	m.Register("recorder", func() Status { return Healthy("recorder", "ok") })
	m.Register("bridge", func() Status { return Healthy("bridge", "ok") })

	status := m.Check()
	assert.True(t, status.IsHealthy())
	assert.Len(t, status.SubStatuses, 2)
}

func TestMonitor_UnhealthyComponentWins(t *testing.T) {
	m := NewMonitor(0)
	m.Register("recorder", func() Status { return Degraded("recorder", "slow disk") })
	m.Register("bridge", func() Status { return Unhealthy("bridge", "downstream gone") })

	status := m.Check()
	assert.True(t, status.IsUnhealthy())
	assert.False(t, status.Healthy)
}

func TestMonitor_StreamStaleness(t *testing.T) {
	m := NewMonitor(100 * time.Millisecond)

	current := time.Now()
	m.now = func() time.Time { return current }

	m.MarkActivity("EI_Stream")
	assert.False(t, m.IsStale("EI_Stream"))

	current = current.Add(200 * time.Millisecond)
	assert.True(t, m.IsStale("EI_Stream"))

	status := m.Check()
	assert.True(t, status.IsDegraded())

	// Fresh activity clears the staleness.
	m.MarkActivity("EI_Stream")
	assert.False(t, m.IsStale("EI_Stream"))
	assert.True(t, m.Check().IsHealthy())
}

func TestMonitor_UnknownStreamIsStale(t *testing.T) {
	m := NewMonitor(time.Second)
	assert.True(t, m.IsStale("never_seen"))

	disabled := NewMonitor(0)
	assert.False(t, disabled.IsStale("never_seen"))
}

func TestMonitor_Unregister(t *testing.T) {
	m := NewMonitor(0)
	m.Register("recorder", func() Status { return Unhealthy("recorder", "down") })
	m.Unregister("recorder")

	assert.True(t, m.Check().IsHealthy())
}
