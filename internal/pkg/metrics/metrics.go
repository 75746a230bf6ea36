// internal/pkg/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "order_saga"

var (
	// EventsTotal 按事件类型和处理结果统计 (applied / discarded / duplicate / failed)
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_total",
		Help:      "Saga events handled, by type and outcome.",
	}, []string{"event", "outcome"})

	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transitions_total",
		Help:      "State transitions applied.",
	}, []string{"from", "to"})

	CommandsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commands_published_total",
		Help:      "Outbound commands published to collaborators.",
	}, []string{"type"})

	TimeoutsFiredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "timeouts_fired_total",
		Help:      "Stage deadlines that elapsed without a result.",
	}, []string{"stage"})

	DeliveryRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "delivery_retries_total",
		Help:      "Local redelivery attempts of consumed messages.",
	}, []string{"topic"})

	DeadLettersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dead_letters_total",
		Help:      "Messages moved to a dead-letter topic.",
	}, []string{"topic"})

	OutboxRelayedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "outbox_relayed_total",
		Help:      "Commands re-published by the outbox relay.",
	})

	HandleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "handle_duration_seconds",
		Help:      "Time spent handling one saga event.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event"})

	ArmedTimers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "armed_timers",
		Help:      "Deadlines currently armed by the local timeout supervisor.",
	})
)
