package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.Ping(ResultSuccess)
	m.Ping(ResultFailure)
	m.Ping(ResultFailure)
	m.Join(ResultCollision)
	m.Join(ResultSuccess)
	m.Ping(ResultCollision)
	m.Probe(3)
	m.Probe(0)
	m.SetContacts(7, 2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Pings.WithLabelValues(ResultFailure)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Pings.WithLabelValues(ResultCollision)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Collisions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Ready))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Probes))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.Contacts.WithLabelValues("active")))
}

func TestDoubleRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	assert.Error(t, err)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Ping(ResultSuccess)
		m.Join(ResultCollision)
		m.Probe(1)
		m.Discover(1)
		m.Push(1)
		m.ModeChange("ACTIVE")
		m.SetContacts(1, 1)
	})
}
