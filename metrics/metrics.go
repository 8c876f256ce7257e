// Package metrics holds the Prometheus instrumentation for the
// supervisor. One Metrics value is constructed at startup and handed to
// the components that feed it; nothing registers into a global
// registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pms"

// Metrics is the full set of supervisor metrics.
type Metrics struct {
	PollsTotal   *prometheus.CounterVec
	PollErrors   *prometheus.CounterVec
	PollDuration *prometheus.HistogramVec

	PublishSuccess prometheus.Counter
	PublishFailure prometheus.Counter
	PublishDropped prometheus.Counter
	PublishLatency prometheus.Histogram
	QueueDepth     prometheus.Gauge

	Transitions   *prometheus.CounterVec
	SOCPercent    prometheus.Gauge
	Recoveries    prometheus.Counter
	CommandsTotal *prometheus.CounterVec
}

// New builds the metric set and registers it with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PollsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_polls_total",
			Help:      "Completed device polls, by device and outcome.",
		}, []string{"device", "outcome"}),
		PollErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "modbus_errors_total",
			Help:      "Modbus transport and protocol errors, by device.",
		}, []string{"device"}),
		PollDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "device_poll_duration_seconds",
			Help:      "Wall time of one full register sweep.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		}, []string{"device"}),

		PublishSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mqtt_publish_success_total",
			Help:      "Messages accepted by the broker.",
		}),
		PublishFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mqtt_publish_failure_total",
			Help:      "Messages that failed to publish, including while disconnected.",
		}),
		PublishDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mqtt_publish_dropped_total",
			Help:      "Messages dropped by the publish queue (full or stale).",
		}),
		PublishLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "mqtt_publish_latency_seconds",
			Help:      "Broker round trip of one publish.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mqtt_publish_queue_depth",
			Help:      "Messages waiting in the publish queue.",
		}),

		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "automode_transitions_total",
			Help:      "State machine transitions, by origin, target and trigger.",
		}, []string{"from", "to", "trigger"}),
		SOCPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "battery_soc_percent",
			Help:      "Last battery state of charge seen by the SOC monitor.",
		}),
		Recoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bms_recoveries_total",
			Help:      "Completed BMS communication recovery scripts.",
		}),
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Inbound MQTT commands, by kind and outcome.",
		}, []string{"kind", "outcome"}),
	}

	reg.MustRegister(
		m.PollsTotal, m.PollErrors, m.PollDuration,
		m.PublishSuccess, m.PublishFailure, m.PublishDropped,
		m.PublishLatency, m.QueueDepth,
		m.Transitions, m.SOCPercent, m.Recoveries, m.CommandsTotal,
	)
	return m
}

// Nop builds a metric set backed by a private registry, for tests and
// for components constructed without instrumentation.
func Nop() *Metrics {
	return New(prometheus.NewRegistry())
}

// Outcome labels for the counter vecs.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)
