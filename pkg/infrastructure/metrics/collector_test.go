package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoOpCollector(t *testing.T) {
	collector := NewNoOpCollector()

	// None of these should panic.
	collector.IncrementCounter("steps_total", "outcome", "succeeded")
	collector.RecordHistogram("step_duration_seconds", 0.5)
	collector.RecordGauge("cache_entries", 10)

	timer := collector.StartTimer("test")
	time.Sleep(time.Millisecond)
	elapsed := timer.Stop()
	assert.Greater(t, elapsed, 0.0)
}

func TestPrometheusCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := NewPrometheusCollectorWithRegisterer(reg)

	collector.IncrementCounter("warmup_steps_total", "outcome", "succeeded")
	collector.IncrementCounter("warmup_steps_total", "outcome", "succeeded")
	collector.IncrementCounter("warmup_steps_total", "outcome", "failed")
	collector.RecordHistogram("warmup_step_duration_seconds", 0.25, "outcome", "succeeded")
	collector.RecordGauge("backend_cache_entries", 12)

	families, err := reg.Gather()
	require.NoError(t, err)

	byName := make(map[string]bool)
	for _, f := range families {
		byName[f.GetName()] = true
	}
	assert.True(t, byName["warmup_steps_total"])
	assert.True(t, byName["warmup_step_duration_seconds"])
	assert.True(t, byName["backend_cache_entries"])
}

func TestParseLabelPairs(t *testing.T) {
	names, values := parseLabelPairs([]string{"a", "1", "b", "2"})
	assert.Equal(t, []string{"a", "b"}, names)
	assert.Equal(t, []string{"1", "2"}, values)

	// Odd trailing label is dropped.
	names, values = parseLabelPairs([]string{"a", "1", "dangling"})
	assert.Equal(t, []string{"a"}, names)
	assert.Equal(t, []string{"1"}, values)
}
