package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveInference(t *testing.T) {
	m, err := New()
	require.NoError(t, err)

	m.ObserveInference(20*time.Millisecond, map[string]int{"Ship": 2, "Truck": 1}, nil)
	m.ObserveInference(30*time.Millisecond, map[string]int{"Ship": 1}, nil)
	m.ObserveInference(time.Millisecond, nil, errors.New("boom"))

	assert.Equal(t, 3.0, testutil.ToFloat64(m.Detections.WithLabelValues("Ship")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Detections.WithLabelValues("Truck")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.InferenceErrors))
	assert.Equal(t, 1, testutil.CollectAndCount(m.InferenceDuration))
}

func TestObserveRequest(t *testing.T) {
	m, err := New()
	require.NoError(t, err)

	m.ObserveRequest("/api/v1/detections", 200)
	m.ObserveRequest("/api/v1/detections", 200)
	m.ObserveRequest("/api/v1/detections", 400)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Requests.WithLabelValues("/api/v1/detections", "200")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.Requests))

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["satdet_http_requests_total"])
	assert.True(t, names["go_goroutines"])
}
