package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.CacheHit("deribit")
		m.ConnectorCall("deribit", 0.2)
		m.SetDegraded("deribit", true)
		m.UpdateDropped("status")
	})
}

func TestCollectorsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.CacheHit("deribit")
	m.CacheHit("deribit")
	m.CacheMiss("bitfinex")
	m.FetchError("bitfinex", "exhausted")
	m.Dropped("deribit", "stale")
	m.SetDegraded("bitfinex", true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.CacheHits.WithLabelValues("deribit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheMisses.WithLabelValues("bitfinex")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FetchErrors.WithLabelValues("bitfinex", "exhausted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RecordsDropped.WithLabelValues("deribit", "stale")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.VenueDegraded.WithLabelValues("bitfinex")))

	m.SetDegraded("bitfinex", false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.VenueDegraded.WithLabelValues("bitfinex")))
}
