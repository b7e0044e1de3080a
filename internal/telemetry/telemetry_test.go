package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorSummary(t *testing.T) {
	c := NewCollector(true)
	c.Timer("incant_step_duration", 100*time.Millisecond, nil)
	c.Timer("incant_step_duration", 300*time.Millisecond, nil)
	c.Counter("incant_backend_calls", 1, map[string]string{"op": "create"})

	sum := c.Summary()
	require.Len(t, sum, 2)
	assert.Equal(t, "incant_backend_calls", sum[0].Name)
	assert.Equal(t, 1.0, sum[0].Sum)
	assert.Equal(t, "incant_step_duration", sum[1].Name)
	assert.Equal(t, 2, sum[1].Count)
	assert.Equal(t, 400.0, sum[1].Sum)
	assert.Equal(t, 300.0, sum[1].Max)
}

func TestDisabledAndNilCollector(t *testing.T) {
	c := NewCollector(false)
	c.Counter("x", 1, nil)
	assert.Empty(t, c.GetMetrics())

	var nilc *Collector
	nilc.Timer("x", time.Second, nil)
	assert.Empty(t, nilc.Summary())
}
