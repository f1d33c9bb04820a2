package metric

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRegistry(t *testing.T) {
	registry := NewMetricsRegistry()
	require.NotNil(t, registry)
	require.NotNil(t, registry.Metrics)
	require.NotNil(t, registry.PrometheusRegistry())

	// Core metrics are gatherable without error
	_, err := registry.PrometheusRegistry().Gather()
	assert.NoError(t, err)
}

func TestRegisterCounter(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_counter_total",
		Help: "test counter",
	})

	err := registry.RegisterCounter("bridge", "test_counter", counter)
	require.NoError(t, err)

	// Duplicate registration is rejected
	err = registry.RegisterCounter("bridge", "test_counter", counter)
	assert.Error(t, err)
}

func TestRegisterGauge(t *testing.T) {
	registry := NewMetricsRegistry()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "test_gauge",
		Help: "test gauge",
	})

	err := registry.RegisterGauge("recorder", "test_gauge", gauge)
	require.NoError(t, err)
}

func TestUnregister(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_unregister_total",
		Help: "test counter",
	})

	require.NoError(t, registry.RegisterCounter("bridge", "test_unregister", counter))
	assert.True(t, registry.Unregister("bridge", "test_unregister"))
	assert.False(t, registry.Unregister("bridge", "test_unregister"))

	// Re-registration after unregister succeeds
	assert.NoError(t, registry.RegisterCounter("bridge", "test_unregister", counter))
}

func TestCoreMetricsUsable(t *testing.T) {
	registry := NewMetricsRegistry()
	m := registry.CoreMetrics()

	m.SamplesReceived.WithLabelValues("EI-Ratio").Inc()
	m.SamplesPersisted.WithLabelValues("EI-Ratio").Add(10)
	m.StaleTransitions.WithLabelValues("EI-Ratio", "stale").Inc()
	m.SamplesDropped.Add(3)
	m.SessionActive.Set(1)

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
