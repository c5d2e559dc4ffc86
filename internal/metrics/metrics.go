// Package metrics exposes broker activity as Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmylchreest/captcha-broker/internal/challenge"
	"github.com/jmylchreest/captcha-broker/internal/selection"
	"github.com/jmylchreest/captcha-broker/internal/solver"
	"github.com/jmylchreest/captcha-broker/internal/worker"
)

const namespace = "captcha_broker"

// SolveBuckets span a fast provider response to the polling ceiling.
var SolveBuckets = []float64{1, 2, 5, 10, 15, 20, 30, 45, 60, 90, 120, 180}

// Metrics holds every collector on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	solves          *prometheus.CounterVec
	solveDuration   *prometheus.HistogramVec
	attempts        *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	balance         *prometheus.GaugeVec
	balanceErrors   *prometheus.CounterVec
}

// New creates the collectors and registers them together with the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		solves: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "solves_total",
				Help:      "Solve requests by captcha type and result.",
			},
			[]string{"type", "result"},
		),
		solveDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "solve_duration_seconds",
				Help:      "End-to-end solve latency including fallbacks.",
				Buckets:   SolveBuckets,
			},
			[]string{"type"},
		),
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_attempts_total",
				Help:      "Provider attempts by provider, captcha type and error kind.",
			},
			[]string{"provider", "type", "kind"},
		),
		attemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_attempt_duration_seconds",
				Help:      "Latency of a single provider attempt including retries.",
				Buckets:   SolveBuckets,
			},
			[]string{"provider"},
		),
		balance: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "provider_balance",
				Help:      "Last fetched account balance.",
			},
			[]string{"provider"},
		),
		balanceErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_balance_errors_total",
				Help:      "Failed balance refreshes.",
			},
			[]string{"provider"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.solves,
		m.solveDuration,
		m.attempts,
		m.attemptDuration,
		m.balance,
		m.balanceErrors,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func result(err error) string {
	if err == nil {
		return "success"
	}
	return "failure"
}

// ObserveSolve records a finished solve.
func (m *Metrics) ObserveSolve(t challenge.Type, err error, d time.Duration) {
	m.solves.WithLabelValues(string(t), result(err)).Inc()
	m.solveDuration.WithLabelValues(string(t)).Observe(d.Seconds())
}

// ObserveAttempt records one provider attempt.
func (m *Metrics) ObserveAttempt(providerID string, t challenge.Type, err error, d time.Duration) {
	kind := "none"
	if err != nil {
		kind = solver.KindOf(err).String()
	}
	m.attempts.WithLabelValues(providerID, string(t), kind).Inc()
	m.attemptDuration.WithLabelValues(providerID).Observe(d.Seconds())
}

// ObserveBalance records a balance refresh outcome. It matches
// provider.BalanceObserver.
func (m *Metrics) ObserveBalance(providerID string, balance float64, err error) {
	if err != nil {
		m.balanceErrors.WithLabelValues(providerID).Inc()
		return
	}
	m.balance.WithLabelValues(providerID).Set(balance)
}

// RegisterPool exports the pool and load detector state as gauges read on scrape.
func (m *Metrics) RegisterPool(p *worker.Pool) {
	gauge := func(name, help string, fn func(worker.PoolStats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      name,
			Help:      help,
		}, func() float64 { return fn(p.Stats()) })
	}
	m.registry.MustRegister(
		gauge("size", "Configured worker count.", func(s worker.PoolStats) float64 { return float64(s.Size) }),
		gauge("active", "Tasks currently running.", func(s worker.PoolStats) float64 { return float64(s.Active) }),
		gauge("queued", "Tasks waiting in the queue.", func(s worker.PoolStats) float64 { return float64(s.Queued) }),
		gauge("rejected", "Tasks rejected at admission since start.", func(s worker.PoolStats) float64 { return float64(s.Rejected) }),
		gauge("load_window_requests", "Requests in the current load window.", func(s worker.PoolStats) float64 { return float64(s.LoadCount) }),
		gauge("high_load", "1 when the load window exceeds the threshold.", func(s worker.PoolStats) float64 {
			if s.HighLoad {
				return 1
			}
			return 0
		}),
	)
}

// breakerCollector reads breaker state on every scrape.
type breakerCollector struct {
	selector *selection.Selector
	open     *prometheus.Desc
	failures *prometheus.Desc
}

func (c *breakerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.open
	ch <- c.failures
}

func (c *breakerCollector) Collect(ch chan<- prometheus.Metric) {
	for _, b := range c.selector.Breakers() {
		open := 0.0
		if b.Open {
			open = 1
		}
		ch <- prometheus.MustNewConstMetric(c.open, prometheus.GaugeValue, open, b.ID)
		ch <- prometheus.MustNewConstMetric(c.failures, prometheus.GaugeValue, float64(b.ConsecutiveFailures), b.ID)
	}
}

// RegisterBreakers exports circuit breaker state per provider.
func (m *Metrics) RegisterBreakers(s *selection.Selector) {
	m.registry.MustRegister(&breakerCollector{
		selector: s,
		open: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "breaker", "open"),
			"1 when the provider's circuit is open.",
			[]string{"provider"}, nil,
		),
		failures: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "breaker", "consecutive_failures"),
			"Current failure streak.",
			[]string{"provider"}, nil,
		),
	})
}
