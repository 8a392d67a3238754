package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/notifyhub/realtime-gateway/internal/domain"
	"github.com/notifyhub/realtime-gateway/internal/realtime"
	"github.com/notifyhub/realtime-gateway/internal/worker"
)

// Metrics groups all Prometheus instruments used across the application.
// Registered once at startup via New(); passed by pointer wherever needed.
type Metrics struct {
	ConnectionsActive prometheus.Gauge
	UsersConnected    prometheus.Gauge
	Evictions         prometheus.Counter
	SocketSendFailed  prometheus.Counter
	AuthAttempts      *prometheus.CounterVec

	QueueDepth       prometheus.Gauge
	JobsProcessed    prometheus.Counter
	JobsAbandoned    prometheus.Counter
	JobLatency       prometheus.Histogram
	Deliveries       *prometheus.CounterVec
	DeliveryFailures *prometheus.CounterVec
}

// New registers all instruments with the given Prometheus registerer.
// A custom registry keeps tests isolated from global state.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ws_connections_active",
			Help: "Current number of open WebSocket connections, authenticated or not.",
		}),
		UsersConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ws_users_connected",
			Help: "Current number of users with at least one authenticated connection.",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ws_evictions_total",
			Help: "Connections closed because their user exceeded the connection cap.",
		}),
		SocketSendFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ws_send_failures_total",
			Help: "Socket writes that failed or timed out during fan-out.",
		}),
		AuthAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ws_auth_attempts_total",
			Help: "Auth frames processed, by result.",
		}, []string{"result"}),

		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_queue_depth",
			Help: "Current number of jobs waiting in the dispatch queue.",
		}),
		JobsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_jobs_processed_total",
			Help: "Jobs taken off the dispatch queue and processed.",
		}),
		JobsAbandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_jobs_abandoned_total",
			Help: "Buffered jobs dropped because shutdown ran out of time.",
		}),
		JobLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dispatch_job_seconds",
			Help:    "Latency from enqueue to the end of processing.",
			Buckets: prometheus.DefBuckets,
		}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_deliveries_total",
			Help: "Successful deliveries, by channel.",
		}, []string{"channel"}),
		DeliveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_delivery_failures_total",
			Help: "Failed dispatch steps, by stage.",
		}, []string{"stage"}),
	}

	reg.MustRegister(
		m.ConnectionsActive,
		m.UsersConnected,
		m.Evictions,
		m.SocketSendFailed,
		m.AuthAttempts,
		m.QueueDepth,
		m.JobsProcessed,
		m.JobsAbandoned,
		m.JobLatency,
		m.Deliveries,
		m.DeliveryFailures,
	)

	return m
}

// RegistryHooks returns the callbacks expected by realtime.NewRegistry.
func (m *Metrics) RegistryHooks() realtime.Hooks {
	return realtime.Hooks{
		OnEvicted:    m.Evictions.Inc,
		OnSendFailed: m.SocketSendFailed.Inc,
		OnAuth: func(ok bool) {
			result := "failure"
			if ok {
				result = "success"
			}
			m.AuthAttempts.WithLabelValues(result).Inc()
		},
	}
}

// WorkerHooks returns the callbacks expected by worker.NewDispatcher.
// Centralises the prometheus calls so the worker package stays import-free.
func (m *Metrics) WorkerHooks() worker.MetricHooks {
	return worker.MetricHooks{
		OnProcessed: func(latency time.Duration) {
			m.JobsProcessed.Inc()
			m.JobLatency.Observe(latency.Seconds())
		},
		OnDelivered: func(ch domain.Channel, n int) {
			m.Deliveries.WithLabelValues(string(ch)).Add(float64(n))
		},
		OnFailed: func(stage worker.Stage) {
			m.DeliveryFailures.WithLabelValues(string(stage)).Inc()
		},
		OnAbandoned: func(n int) {
			m.JobsAbandoned.Add(float64(n))
		},
	}
}

// SetGauges records a point-in-time snapshot from the stats sampler.
func (m *Metrics) SetGauges(s worker.Snapshot) {
	m.ConnectionsActive.Set(float64(s.Connections))
	m.UsersConnected.Set(float64(s.Users))
	m.QueueDepth.Set(float64(s.QueueDepth))
}
