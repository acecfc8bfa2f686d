package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds all metric instances for stageflow components.
type Registry struct {
	// Queue metrics
	QueueDepth         *prometheus.GaugeVec
	QueueEnqueued      *prometheus.CounterVec
	QueueDequeued      *prometheus.CounterVec
	QueueClosed        *prometheus.GaugeVec
	BackpressureEvents *prometheus.CounterVec

	// Stage metrics
	StageItemsIn        *prometheus.CounterVec
	StageItemsCompleted *prometheus.CounterVec
	StageItemsOut       *prometheus.CounterVec
	StageErrors         *prometheus.CounterVec
	StageReplicasActive *prometheus.GaugeVec
	StageItemDuration   *prometheus.HistogramVec

	// Throttle metrics
	ThrottleGranted  *prometheus.CounterVec
	ThrottleTimeouts *prometheus.CounterVec
	ThrottleWaitTime *prometheus.HistogramVec
	ThrottleInUse    *prometheus.GaugeVec
}

// NewRegistry creates a new metrics registry with the given Prometheus registerer.
func NewRegistry(reg prometheus.Registerer) *Registry {
	return newRegistry(reg, "stageflow")
}

func newRegistry(reg prometheus.Registerer, namespace string) *Registry {
	factory := promauto.With(reg)
	queueLabels := []string{"workflow", "queue"}
	stageLabels := []string{"workflow", "stage"}

	return &Registry{
		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "queue",
				Name:      "depth",
				Help:      "Number of items currently buffered in the queue",
			},
			queueLabels,
		),

		QueueEnqueued: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "queue",
				Name:      "enqueued_total",
				Help:      "Total number of items accepted by the queue",
			},
			queueLabels,
		),

		QueueDequeued: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "queue",
				Name:      "dequeued_total",
				Help:      "Total number of items removed from the queue",
			},
			queueLabels,
		),

		QueueClosed: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "queue",
				Name:      "closed",
				Help:      "1 once the queue has been closed",
			},
			queueLabels,
		),

		BackpressureEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "queue",
				Name:      "backpressure_events_total",
				Help:      "Number of enqueues that had to wait for capacity",
			},
			queueLabels,
		),

		StageItemsIn: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "stage",
				Name:      "items_in_total",
				Help:      "Items pulled from the stage input queue",
			},
			stageLabels,
		),

		StageItemsCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "stage",
				Name:      "items_completed_total",
				Help:      "Items whose processing finished, successfully or not",
			},
			stageLabels,
		),

		StageItemsOut: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "stage",
				Name:      "items_out_total",
				Help:      "Items emitted to the stage output queue",
			},
			stageLabels,
		),

		StageErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "stage",
				Name:      "errors_total",
				Help:      "Items whose transformation failed",
			},
			stageLabels,
		),

		StageReplicasActive: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "stage",
				Name:      "replicas_active",
				Help:      "Replicas currently running their loop",
			},
			stageLabels,
		),

		StageItemDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "stage",
				Name:      "item_duration_seconds",
				Help:      "Time spent transforming one item",
				Buckets:   prometheus.DefBuckets,
			},
			stageLabels,
		),

		ThrottleGranted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "throttle",
				Name:      "granted_total",
				Help:      "Slots handed out by the throttle",
			},
			[]string{"throttle"},
		),

		ThrottleTimeouts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "throttle",
				Name:      "timeouts_total",
				Help:      "Slot requests that gave up before a slot freed",
			},
			[]string{"throttle"},
		),

		ThrottleWaitTime: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "throttle",
				Name:      "wait_duration_seconds",
				Help:      "Time spent waiting for a throttle slot",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"throttle"},
		),

		ThrottleInUse: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "throttle",
				Name:      "slots_in_use",
				Help:      "Slots currently occupied in the sliding window",
			},
			[]string{"throttle"},
		),
	}
}
