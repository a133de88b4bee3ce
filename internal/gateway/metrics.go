package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the gateway-domain collectors on a private registry,
// shared by every listening port's /metrics endpoint.
type Metrics struct {
	Registry *prometheus.Registry

	SessionsActive     prometheus.Gauge
	SessionsTotal      prometheus.Counter
	SessionEvictions   prometheus.Counter
	SlowConsumerCloses prometheus.Counter

	FramesOut         prometheus.Counter
	DispatchDelivered prometheus.Counter
	DispatchMissed    prometheus.Counter
	DispatchDropped   prometheus.Counter

	BrokerMessages  *prometheus.CounterVec
	DirectoryErrors prometheus.Counter
}

// NewMetrics creates and registers the gateway collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_sessions_active",
			Help: "Currently registered sessions on this node",
		}),
		SessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_sessions_total",
			Help: "Sessions accepted since start",
		}),
		SessionEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_session_evictions_total",
			Help: "Sessions displaced by a newer login of the same user",
		}),
		SlowConsumerCloses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_slow_consumer_closes_total",
			Help: "Sessions closed because the outbound queue was full",
		}),
		FramesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_frames_out_total",
			Help: "Binary frames written to clients",
		}),
		DispatchDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_dispatch_delivered_total",
			Help: "Broker message recipients enqueued locally",
		}),
		DispatchMissed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_dispatch_missed_total",
			Help: "Broker message recipients not connected to this node",
		}),
		DispatchDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_dispatch_dropped_total",
			Help: "Broker message recipients lost to a full outbound queue",
		}),
		BrokerMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_broker_messages_total",
			Help: "Broker deliveries by outcome",
		}, []string{"result"}),
		DirectoryErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_directory_errors_total",
			Help: "Failed directory put/del operations",
		}),
	}

	m.Registry.MustRegister(
		m.SessionsActive,
		m.SessionsTotal,
		m.SessionEvictions,
		m.SlowConsumerCloses,
		m.FramesOut,
		m.DispatchDelivered,
		m.DispatchMissed,
		m.DispatchDropped,
		m.BrokerMessages,
		m.DirectoryErrors,
	)
	return m
}
