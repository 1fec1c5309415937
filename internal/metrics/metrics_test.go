package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestIncAndSet(t *testing.T) {
	m := New()
	m.Inc("processed_messages")
	m.Inc("processed_messages")
	m.Set("configured_active_subscriptions", 3)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.Counter("processed_messages")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.Gauge("configured_active_subscriptions")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Inc("x")
		m.Set("y", 1)
		m.ObserveHookCall(true, 0.1)
	})
}
