package chronodb

import "github.com/prometheus/client_golang/prometheus"

// metrics holds the engine's prometheus instruments. A nil *metrics (the
// zero value is never constructed directly; use newMetrics) is never
// handed out, so callers never need a nil check.
type metrics struct {
	memoryPoints   prometheus.Gauge
	flushRuns      prometheus.Counter
	flushErrors    prometheus.Counter
	archiveRuns    prometheus.Counter
	archiveErrors  prometheus.Counter
	engineHealthy  prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		memoryPoints: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chronodb",
			Name:      "memory_points_total",
			Help:      "Points currently buffered in the memory tier across all series.",
		}),
		flushRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chronodb",
			Name:      "flush_runs_total",
			Help:      "Flush task iterations completed, successful or not.",
		}),
		flushErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chronodb",
			Name:      "flush_errors_total",
			Help:      "Flush task iterations that returned an error for at least one series.",
		}),
		archiveRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chronodb",
			Name:      "archive_runs_total",
			Help:      "Archive task iterations completed, successful or not.",
		}),
		archiveErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chronodb",
			Name:      "archive_errors_total",
			Help:      "Archive task iterations that returned an error for at least one series.",
		}),
		engineHealthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chronodb",
			Name:      "engine_healthy",
			Help:      "1 while the engine is open and accepting writes, 0 after shutdown begins.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.memoryPoints,
			m.flushRuns,
			m.flushErrors,
			m.archiveRuns,
			m.archiveErrors,
			m.engineHealthy,
		)
	}

	m.engineHealthy.Set(1)

	return m
}

func (m *metrics) observeFlush(err error) {
	m.flushRuns.Inc()
	if err != nil {
		m.flushErrors.Inc()
	}
}

func (m *metrics) observeArchive(err error) {
	m.archiveRuns.Inc()
	if err != nil {
		m.archiveErrors.Inc()
	}
}
