package repository

import (
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readGauge(t *testing.T, metrics *repositoryMetrics) (float64, float64) {
	t.Helper()

	weightMetric := &dto.Metric{}
	require.NoError(t, metrics.totalWeight.Write(weightMetric))

	entriesMetric := &dto.Metric{}
	require.NoError(t, metrics.entries.Write(entriesMetric))

	return weightMetric.GetGauge().GetValue(), entriesMetric.GetGauge().GetValue()
}

func TestGaugesOfRepositoriesSharingName(t *testing.T) {
	first := newTestRepository(t, nil, nil)
	second := newTestRepository(t, nil, nil)
	require.Equal(t, first.GetName(), second.GetName())

	now := time.Now()
	require.True(t, first.Add(1, &testResource{key: 1}, 3, now))
	require.True(t, second.Add(1, &testResource{key: 1}, 5, now))
	require.True(t, second.Add(2, &testResource{key: 2}, 2, now))

	weight, entries := readGauge(t, first.metrics)
	assert.Equal(t, float64(10), weight)
	assert.Equal(t, float64(3), entries)

	assert.True(t, second.Remove(1))

	weight, entries = readGauge(t, first.metrics)
	assert.Equal(t, float64(5), weight)
	assert.Equal(t, float64(2), entries)

	first.RemoveAll()
	second.RemoveAll()

	weight, entries = readGauge(t, second.metrics)
	assert.Equal(t, float64(0), weight)
	assert.Equal(t, float64(0), entries)
}
