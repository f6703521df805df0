package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics of the auditor.
type Metrics struct {
	reg prometheus.Registerer

	// PublishedUnderreplicatedLedgers counts publishes since the start of
	// the latest bookie audit cycle, including those made by ledger checks
	// run since; it is reset at the start of every bookie audit cycle.
	PublishedUnderreplicatedLedgers prometheus.Gauge

	// Audit loop metrics
	BookieAuditsTotal *prometheus.CounterVec
	LedgerChecksTotal *prometheus.CounterVec
	CheckDuration     prometheus.Histogram
	LostBookies       prometheus.Gauge
}

// NewMetrics creates and registers the auditor metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Metrics{
		reg: reg,

		PublishedUnderreplicatedLedgers: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "auditor_published_underreplicated_ledgers",
				Help: "Ledgers published as under-replicated since the start of the latest bookie audit cycle",
			},
		),

		BookieAuditsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "auditor_bookie_audits_total",
				Help: "Total number of bookie audit cycles",
			},
			[]string{"result"},
		),

		LedgerChecksTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "auditor_ledger_checks_total",
				Help: "Total number of full ledger check cycles",
			},
			[]string{"result"},
		),

		CheckDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "auditor_ledger_check_duration_seconds",
				Help:    "Duration of full ledger check cycles",
				Buckets: prometheus.ExponentialBuckets(1, 4, 10),
			},
		),

		LostBookies: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "auditor_lost_bookies",
				Help: "Bookies judged failed by the last bookie audit cycle",
			},
		),
	}
}

// RegisterUnderreplicatedLedgers registers the snapshot-size gauge. The
// sampler must be safe to call from any goroutine and return 0 before the
// first snapshot.
func (m *Metrics) RegisterUnderreplicatedLedgers(sample func() float64) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "auditor_underreplicated_ledgers",
			Help: "Ledgers currently pending re-replication, from the last snapshot",
		},
		sample,
	))
}

// RecordBookieAudit records the outcome of one bookie audit cycle.
func (m *Metrics) RecordBookieAudit(result string) {
	m.BookieAuditsTotal.WithLabelValues(result).Inc()
}

// RecordLedgerCheck records the outcome and duration of one check cycle.
func (m *Metrics) RecordLedgerCheck(result string, seconds float64) {
	m.LedgerChecksTotal.WithLabelValues(result).Inc()
	m.CheckDuration.Observe(seconds)
}
