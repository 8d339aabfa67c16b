package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hermes",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "hermes",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	agentExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hermes",
			Subsystem: "agent",
			Name:      "executions_total",
			Help:      "Agent script executions by mode and outcome.",
		},
		[]string{"mode", "outcome"},
	)
	agentDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "hermes",
			Subsystem: "agent",
			Name:      "execution_duration_seconds",
			Help:      "Agent script wall-clock duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		},
		[]string{"mode"},
	)
	workerJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hermes",
			Subsystem: "worker",
			Name:      "jobs_total",
			Help:      "Jobs handled by orchestrator workers by terminal status.",
		},
		[]string{"status"},
	)
	workerQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "hermes",
			Subsystem: "worker",
			Name:      "queue_depth",
			Help:      "Jobs ready or leased in the worker queue.",
		},
	)
	busPublishes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hermes",
			Subsystem: "bus",
			Name:      "publish_total",
			Help:      "Broadcast publish attempts by result.",
		},
		[]string{"event", "result"},
	)
	busFanout = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hermes",
			Subsystem: "bus",
			Name:      "fanout_total",
			Help:      "Hub deliveries to room members by result.",
		},
		[]string{"result"},
	)
	busPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "hermes",
			Subsystem: "bus",
			Name:      "peers",
			Help:      "Websocket peers currently attached to the hub.",
		},
	)
	busReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hermes",
			Subsystem: "bus",
			Name:      "reconnects_total",
			Help:      "Broadcast client reconnect attempts.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			agentExecutions,
			agentDuration,
			workerJobs,
			workerQueueDepth,
			busPublishes,
			busFanout,
			busPeers,
			busReconnects,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordAgentExecution(mode, outcome string, duration time.Duration) {
	RegisterMetrics()
	agentExecutions.WithLabelValues(mode, outcome).Inc()
	agentDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

func RecordWorkerJob(status string) {
	RegisterMetrics()
	workerJobs.WithLabelValues(status).Inc()
}

func SetWorkerQueueDepth(n int) {
	RegisterMetrics()
	workerQueueDepth.Set(float64(n))
}

func RecordBusPublish(event string, delivered bool) {
	RegisterMetrics()
	result := "dropped"
	if delivered {
		result = "sent"
	}
	busPublishes.WithLabelValues(event, result).Inc()
}

// RecordBusLost counts a publish that was accepted but never written.
func RecordBusLost(event string) {
	RegisterMetrics()
	busPublishes.WithLabelValues(event, "lost").Inc()
}

func RecordBusReconnect() {
	RegisterMetrics()
	busReconnects.Inc()
}

func RecordHubFanout(delivered, dropped int) {
	RegisterMetrics()
	if delivered > 0 {
		busFanout.WithLabelValues("delivered").Add(float64(delivered))
	}
	if dropped > 0 {
		busFanout.WithLabelValues("dropped").Add(float64(dropped))
	}
}

func SetHubPeers(n int) {
	RegisterMetrics()
	busPeers.Set(float64(n))
}
