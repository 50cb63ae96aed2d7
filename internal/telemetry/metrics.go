package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for the pipeline. A nil *Metrics is valid and
// records nothing, so components can be built without instrumentation in tests.
type Metrics struct {
	CacheHits      *prometheus.CounterVec
	CacheMisses    *prometheus.CounterVec
	ConnectorCalls *prometheus.CounterVec
	Retries        *prometheus.CounterVec
	FetchErrors    *prometheus.CounterVec
	FetchDuration  *prometheus.HistogramVec

	RecordsIngested *prometheus.CounterVec
	RecordsDropped  *prometheus.CounterVec

	AlertsEmitted  *prometheus.CounterVec
	UpdatesDropped *prometheus.CounterVec
	VenueDegraded  *prometheus.GaugeVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quantumdesk_cache_hits_total",
			Help: "Fetch layer cache hits by venue",
		}, []string{"venue"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quantumdesk_cache_misses_total",
			Help: "Fetch layer cache misses by venue",
		}, []string{"venue"}),
		ConnectorCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quantumdesk_connector_calls_total",
			Help: "Underlying connector calls by venue",
		}, []string{"venue"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quantumdesk_fetch_retries_total",
			Help: "Transient failures retried by venue",
		}, []string{"venue"}),
		FetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quantumdesk_fetch_errors_total",
			Help: "Fetch errors surfaced by venue and kind",
		}, []string{"venue", "kind"}),
		FetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quantumdesk_fetch_duration_seconds",
			Help:    "Duration of connector calls",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"venue"}),
		RecordsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quantumdesk_records_ingested_total",
			Help: "Records accepted by the metrics engine",
		}, []string{"venue"}),
		RecordsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quantumdesk_records_dropped_total",
			Help: "Records dropped by reason",
		}, []string{"venue", "reason"}),
		AlertsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quantumdesk_alerts_emitted_total",
			Help: "Alert events emitted by rule",
		}, []string{"rule"}),
		UpdatesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quantumdesk_updates_dropped_total",
			Help: "Updates dropped because a subscriber buffer was full",
		}, []string{"subscriber"}),
		VenueDegraded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "quantumdesk_venue_degraded",
			Help: "1 while a venue is degraded",
		}, []string{"venue"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.CacheHits, m.CacheMisses, m.ConnectorCalls, m.Retries, m.FetchErrors, m.FetchDuration,
			m.RecordsIngested, m.RecordsDropped, m.AlertsEmitted, m.UpdatesDropped, m.VenueDegraded,
		)
	}
	return m
}

func (m *Metrics) CacheHit(venue string) {
	if m != nil {
		m.CacheHits.WithLabelValues(venue).Inc()
	}
}

func (m *Metrics) CacheMiss(venue string) {
	if m != nil {
		m.CacheMisses.WithLabelValues(venue).Inc()
	}
}

func (m *Metrics) ConnectorCall(venue string, seconds float64) {
	if m != nil {
		m.ConnectorCalls.WithLabelValues(venue).Inc()
		m.FetchDuration.WithLabelValues(venue).Observe(seconds)
	}
}

func (m *Metrics) Retry(venue string) {
	if m != nil {
		m.Retries.WithLabelValues(venue).Inc()
	}
}

func (m *Metrics) FetchError(venue, kind string) {
	if m != nil {
		m.FetchErrors.WithLabelValues(venue, kind).Inc()
	}
}

func (m *Metrics) Ingested(venue string) {
	if m != nil {
		m.RecordsIngested.WithLabelValues(venue).Inc()
	}
}

func (m *Metrics) Dropped(venue, reason string) {
	if m != nil {
		m.RecordsDropped.WithLabelValues(venue, reason).Inc()
	}
}

func (m *Metrics) AlertEmitted(rule string) {
	if m != nil {
		m.AlertsEmitted.WithLabelValues(rule).Inc()
	}
}

func (m *Metrics) UpdateDropped(subscriber string) {
	if m != nil {
		m.UpdatesDropped.WithLabelValues(subscriber).Inc()
	}
}

func (m *Metrics) SetDegraded(venue string, degraded bool) {
	if m == nil {
		return
	}
	v := 0.0
	if degraded {
		v = 1
	}
	m.VenueDegraded.WithLabelValues(venue).Set(v)
}
