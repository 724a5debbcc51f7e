package supervisor

import (
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/restartpolicy"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetricsCollector implements MetricsCollector with Prometheus
// metrics on a private registry.
type PrometheusMetricsCollector struct {
	stateTransitions *prometheus.CounterVec
	exits            *prometheus.CounterVec
	restarts         *prometheus.CounterVec
	restartDelay     *prometheus.HistogramVec
	memoryRSS        *prometheus.GaugeVec

	registry *prometheus.Registry
}

func NewPrometheusMetricsCollector(namespace string) *PrometheusMetricsCollector {
	if namespace == "" {
		namespace = "hsu_supervisor"
	}

	pmc := &PrometheusMetricsCollector{
		registry: prometheus.NewRegistry(),
	}

	pmc.stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "app_state_transitions_total",
			Help:      "Total number of app lifecycle state transitions",
		},
		[]string{"app", "from_state", "to_state"},
	)

	pmc.exits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "app_exits_total",
			Help:      "Total number of app instance exits by reason",
		},
		[]string{"app", "reason"},
	)

	pmc.restarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "app_restarts_total",
			Help:      "Total number of scheduled app restarts",
		},
		[]string{"app", "reason"},
	)

	pmc.restartDelay = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "app_restart_delay_seconds",
			Help:      "Delay applied before restarting an app",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 15, 30, 60},
		},
		[]string{"app"},
	)

	pmc.memoryRSS = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "app_memory_rss_bytes",
			Help:      "Last sampled resident set size of the app",
		},
		[]string{"app"},
	)

	pmc.registry.MustRegister(
		pmc.stateTransitions,
		pmc.exits,
		pmc.restarts,
		pmc.restartDelay,
		pmc.memoryRSS,
	)

	return pmc
}

func (pmc *PrometheusMetricsCollector) StateTransition(app string, from, to State) {
	pmc.stateTransitions.WithLabelValues(app, from.String(), to.String()).Inc()
}

func (pmc *PrometheusMetricsCollector) Exit(app string, reason restartpolicy.ExitReason) {
	pmc.exits.WithLabelValues(app, string(reason)).Inc()
}

func (pmc *PrometheusMetricsCollector) Restart(app string, reason restartpolicy.ExitReason, delay time.Duration) {
	pmc.restarts.WithLabelValues(app, string(reason)).Inc()
	pmc.restartDelay.WithLabelValues(app).Observe(delay.Seconds())
}

func (pmc *PrometheusMetricsCollector) MemorySample(app string, rssBytes int64) {
	pmc.memoryRSS.WithLabelValues(app).Set(float64(rssBytes))
}

// Registry returns the Prometheus registry for HTTP handler setup
func (pmc *PrometheusMetricsCollector) Registry() *prometheus.Registry {
	return pmc.registry
}

var _ MetricsCollector = (*PrometheusMetricsCollector)(nil)
