package router

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rmacdonaldsmith/meshrouter/pkg/routingtable"
)

const metricsNamespace = "meshrouter"

type metrics struct {
	routed      *prometheus.CounterVec
	transitions *prometheus.CounterVec
	retries     prometheus.Counter
	pending     prometheus.Gauge
	tableSize   prometheus.GaugeFunc
}

func newMetrics(table routingtable.RoutingTable) *metrics {
	return &metrics{
		routed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "router",
			Name:      "routed_messages_total",
			Help:      "Messages accepted for routing, by message type.",
		}, []string{"type"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "router",
			Name:      "message_transitions_total",
			Help:      "Message state transitions, by state.",
		}, []string{"state"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "router",
			Name:      "retries_total",
			Help:      "Delivery attempts rescheduled after a transient failure.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "router",
			Name:      "pending_deliveries",
			Help:      "Messages queued, in flight or waiting for a retry.",
		}),
		tableSize: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "routing_table",
			Name:      "entries",
			Help:      "Participants known to the routing table.",
		}, func() float64 { return float64(table.Len()) }),
	}
}

func (m *metrics) register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.routed, m.transitions, m.retries, m.pending, m.tableSize} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
