package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Collectors holds the event counters the supervisor and API increment.
// Gauges derived from the tables live in Exporter instead, so scrapes see
// stored truth rather than in-process approximations.
type Collectors struct {
	Spawns        prometheus.Counter
	Terminations  *prometheus.CounterVec
	Reaps         prometheus.Counter
	Dispatches    *prometheus.CounterVec
	LockConflicts prometheus.Counter
}

// NewCollectors builds and registers the event counters.
func NewCollectors(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		Spawns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "factory_worker_spawns_total",
			Help: "Worker containers spawned.",
		}),
		Terminations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "factory_worker_terminations_total",
			Help: "Worker terminal transitions by final status.",
		}, []string{"status"}),
		Reaps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "factory_worker_reaps_total",
			Help: "Workers killed for stale heartbeats.",
		}),
		Dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "factory_dispatches_total",
			Help: "Supervisor dispatch attempts by outcome.",
		}, []string{"outcome"}),
		LockConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "factory_lock_conflicts_total",
			Help: "Lock requests that found at least one path held elsewhere.",
		}),
	}
	reg.MustRegister(c.Spawns, c.Terminations, c.Reaps, c.Dispatches, c.LockConflicts)
	return c
}

// Exporter exposes the FactoryMetrics rollup as Prometheus gauges, reading
// the tables on every scrape.
type Exporter struct {
	agg    *Aggregator
	logger *zap.Logger

	activeWorkers   *prometheus.Desc
	queuedItems     *prometheus.Desc
	completedToday  *prometheus.Desc
	failedToday     *prometheus.Desc
	iterationsToday *prometheus.Desc
	dailyBudget     *prometheus.Desc
}

// NewExporter builds the gauge exporter over the aggregator.
func NewExporter(agg *Aggregator, logger *zap.Logger) *Exporter {
	return &Exporter{
		agg:    agg,
		logger: logger.Named("metrics"),
		activeWorkers: prometheus.NewDesc("factory_active_workers",
			"Workers currently holding a fleet slot.", nil, nil),
		queuedItems: prometheus.NewDesc("factory_queued_items",
			"Work items waiting for dispatch.", nil, nil),
		completedToday: prometheus.NewDesc("factory_items_completed_today",
			"Work items completed since UTC midnight.", nil, nil),
		failedToday: prometheus.NewDesc("factory_items_failed_today",
			"Work items failed since UTC midnight.", nil, nil),
		iterationsToday: prometheus.NewDesc("factory_iterations_today",
			"Agent iterations charged against today's budget.", nil, nil),
		dailyBudget: prometheus.NewDesc("factory_daily_iteration_budget",
			"Configured daily iteration budget.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- e.activeWorkers
	ch <- e.queuedItems
	ch <- e.completedToday
	ch <- e.failedToday
	ch <- e.iterationsToday
	ch <- e.dailyBudget
}

// Collect implements prometheus.Collector. A failed rollup drops the scrape's
// gauges rather than failing the whole exposition.
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	m, err := e.agg.Collect(ctx)
	if err != nil {
		e.logger.Warn("metrics scrape failed", zap.Error(err))
		return
	}

	ch <- prometheus.MustNewConstMetric(e.activeWorkers, prometheus.GaugeValue, float64(m.ActiveWorkers))
	ch <- prometheus.MustNewConstMetric(e.queuedItems, prometheus.GaugeValue, float64(m.QueuedItems))
	ch <- prometheus.MustNewConstMetric(e.completedToday, prometheus.GaugeValue, float64(m.CompletedToday))
	ch <- prometheus.MustNewConstMetric(e.failedToday, prometheus.GaugeValue, float64(m.FailedToday))
	ch <- prometheus.MustNewConstMetric(e.iterationsToday, prometheus.GaugeValue, float64(m.IterationsToday))
	ch <- prometheus.MustNewConstMetric(e.dailyBudget, prometheus.GaugeValue, float64(m.DailyBudget))
}
