package alerting

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors. They are registered on
// an injected registerer so isolated engines in tests do not collide.
type Metrics struct {
	EventsTotal       prometheus.Counter
	DuplicatesTotal   prometheus.Counter
	SuppressedTotal   prometheus.Counter
	InstancesCreated  prometheus.Counter
	ActionsTotal      *prometheus.CounterVec
	ActionDelay       prometheus.Histogram
	ActiveInstances   prometheus.Gauge
	IngestQueueDepth  prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pulseguard",
			Name:      "events_total",
			Help:      "Device events accepted by the engine.",
		}),
		DuplicatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pulseguard",
			Name:      "duplicate_events_total",
			Help:      "Alerting events merged into an existing instance.",
		}),
		SuppressedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pulseguard",
			Name:      "suppressed_events_total",
			Help:      "Alerting events blocked by a post-processing cool-down.",
		}),
		InstancesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pulseguard",
			Name:      "instances_created_total",
			Help:      "Alert instances created.",
		}),
		ActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulseguard",
			Name:      "actions_total",
			Help:      "Auto-processing actions executed, by action and outcome.",
		}, []string{"action", "outcome"}),
		ActionDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pulseguard",
			Name:      "action_delay_seconds",
			Help:      "Delay between instance creation and action execution.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		ActiveInstances: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pulseguard",
			Name:      "active_instances",
			Help:      "Instances currently in a non-terminal state.",
		}),
		IngestQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pulseguard",
			Name:      "ingest_queue_depth",
			Help:      "Events waiting in shard queues.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.EventsTotal, m.DuplicatesTotal, m.SuppressedTotal,
			m.InstancesCreated, m.ActionsTotal, m.ActionDelay,
			m.ActiveInstances, m.IngestQueueDepth,
		)
	}

	return m
}
