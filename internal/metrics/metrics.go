// Package metrics exposes Prometheus instruments for the trading loop:
//
//	swing_cycle_duration_seconds            time spent in one evaluation cycle
//	swing_cycles_total{result}              cycles run, skipped or failed
//	swing_decisions_total{action}           non-NONE decisions taken
//	swing_script_outcomes_total{outcome}    per-script terminal outcome of a cycle
//	swing_threshold_fetches_total{result}   reference price lookups (hit|miss|empty|error)
//	swing_orders_total{side,result}         dispatcher outcomes
//	swing_broker_errors_total{method}       broker call failures
//	swing_dispatch_queue_depth              queued order requests
//
// All methods are nil-safe so components can run without instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	gatherer prometheus.Gatherer

	cycleDuration  prometheus.Histogram
	cycles         *prometheus.CounterVec
	decisions      *prometheus.CounterVec
	scriptOutcomes *prometheus.CounterVec
	thresholdFetch *prometheus.CounterVec
	orders         *prometheus.CounterVec
	brokerErrors   *prometheus.CounterVec
	dispatchQueue  prometheus.Gauge
}

// New registers the instruments on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		gatherer: reg,
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "swing_cycle_duration_seconds",
			Help:    "Duration of one evaluation cycle",
			Buckets: prometheus.DefBuckets,
		}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "swing_cycles_total",
			Help: "Evaluation cycles by result",
		}, []string{"result"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "swing_decisions_total",
			Help: "Decisions taken",
		}, []string{"action"}),
		scriptOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "swing_script_outcomes_total",
			Help: "Per-script outcome of an evaluation pass",
		}, []string{"outcome"}),
		thresholdFetch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "swing_threshold_fetches_total",
			Help: "Reference price lookups by result",
		}, []string{"result"}),
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "swing_orders_total",
			Help: "Order dispatch outcomes",
		}, []string{"side", "result"}),
		brokerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "swing_broker_errors_total",
			Help: "Broker call failures",
		}, []string{"method"}),
		dispatchQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "swing_dispatch_queue_depth",
			Help: "Order requests waiting for a dispatcher worker",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.cycleDuration, m.cycles, m.decisions, m.scriptOutcomes,
		m.thresholdFetch, m.orders, m.brokerErrors, m.dispatchQueue,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveCycle(d time.Duration, result string) {
	if m == nil {
		return
	}
	m.cycleDuration.Observe(d.Seconds())
	m.cycles.WithLabelValues(result).Inc()
}

func (m *Metrics) Decision(action string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(action).Inc()
}

func (m *Metrics) ScriptOutcome(outcome string) {
	if m == nil {
		return
	}
	m.scriptOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ThresholdFetch(result string) {
	if m == nil {
		return
	}
	m.thresholdFetch.WithLabelValues(result).Inc()
}

func (m *Metrics) Order(side, result string) {
	if m == nil {
		return
	}
	m.orders.WithLabelValues(side, result).Inc()
}

func (m *Metrics) BrokerError(method string) {
	if m == nil {
		return
	}
	m.brokerErrors.WithLabelValues(method).Inc()
}

func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.dispatchQueue.Set(float64(n))
}
