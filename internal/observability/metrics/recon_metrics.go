package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ReconMetrics captures reconciliation engine health signals.
type ReconMetrics struct {
	runsStarted    prometheus.Counter
	runsFinished   *prometheus.CounterVec
	runDuration    prometheus.Histogram
	pairsProcessed prometheus.Counter
	pairFailures   *prometheus.CounterVec
	leakValue      prometheus.Histogram
}

var (
	reconMetricsOnce sync.Once
	reconMetrics     *ReconMetrics
)

// Recon returns the singleton reconciliation metrics registry.
func Recon() *ReconMetrics {
	reconMetricsOnce.Do(func() {
		reconMetrics = newReconMetrics(prometheus.DefaultRegisterer)
	})
	return reconMetrics
}

// ResetReconMetricsForTest resets the recon metrics singleton for tests.
func ResetReconMetricsForTest() {
	reconMetricsOnce = sync.Once{}
	reconMetrics = nil
}

func newReconMetrics(registerer prometheus.Registerer) *ReconMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := metricFactory{registerer: registerer}

	return &ReconMetrics{
		runsStarted: factory.counter(prometheus.CounterOpts{
			Name: "recoup_recon_runs_started_total",
			Help: "Reconciliation runs started.",
		}),
		runsFinished: factory.counterVec(prometheus.CounterOpts{
			Name: "recoup_recon_runs_finished_total",
			Help: "Reconciliation runs finished by terminal status.",
		}, []string{"status"}),
		runDuration: factory.histogram(prometheus.HistogramOpts{
			Name:    "recoup_recon_run_duration_seconds",
			Help:    "Wall time of reconciliation runs.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		pairsProcessed: factory.counter(prometheus.CounterOpts{
			Name: "recoup_recon_pairs_processed_total",
			Help: "Account/product pairs evaluated.",
		}),
		pairFailures: factory.counterVec(prometheus.CounterOpts{
			Name: "recoup_recon_pair_failures_total",
			Help: "Pair-level failures by reason.",
		}, []string{"reason"}),
		leakValue: factory.histogram(prometheus.HistogramOpts{
			Name:    "recoup_recon_leak_value",
			Help:    "Leak value of emitted results, in currency units.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}),
	}
}

func (m *ReconMetrics) IncRunStarted() {
	if m == nil {
		return
	}
	m.runsStarted.Inc()
}

func (m *ReconMetrics) IncRunFinished(status string) {
	if m == nil {
		return
	}
	m.runsFinished.WithLabelValues(status).Inc()
}

func (m *ReconMetrics) ObserveRunDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.runDuration.Observe(d.Seconds())
}

func (m *ReconMetrics) IncPairProcessed() {
	if m == nil {
		return
	}
	m.pairsProcessed.Inc()
}

func (m *ReconMetrics) IncPairFailure(reason string) {
	if m == nil {
		return
	}
	m.pairFailures.WithLabelValues(reason).Inc()
}

func (m *ReconMetrics) ObserveLeakValue(value float64) {
	if m == nil {
		return
	}
	m.leakValue.Observe(value)
}

// metricFactory tolerates duplicate registration so tests can rebuild the
// singleton against the default registerer.
type metricFactory struct {
	registerer prometheus.Registerer
}

func (f metricFactory) counter(opts prometheus.CounterOpts) prometheus.Counter {
	c := prometheus.NewCounter(opts)
	f.register(c)
	return c
}

func (f metricFactory) counterVec(opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(opts, labels)
	f.register(c)
	return c
}

func (f metricFactory) histogram(opts prometheus.HistogramOpts) prometheus.Histogram {
	h := prometheus.NewHistogram(opts)
	f.register(h)
	return h
}

func (f metricFactory) histogramVec(opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	h := prometheus.NewHistogramVec(opts, labels)
	f.register(h)
	return h
}

func (f metricFactory) gauge(opts prometheus.GaugeOpts) prometheus.Gauge {
	g := prometheus.NewGauge(opts)
	f.register(g)
	return g
}

func (f metricFactory) register(c prometheus.Collector) {
	if err := f.registerer.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			panic(err)
		}
	}
}
