package runtime

import (
	"live-hub/domain/session"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "livehub"

// Metrics holds the prometheus collectors of the pipeline.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	submitted       *prometheus.CounterVec
	outcomes        *prometheus.CounterVec
	staleCompletion *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
	queueWait       prometheus.Histogram
	backlog         prometheus.Gauge
	sessions        prometheus.Gauge
	published       prometheus.Counter
	dropped         prometheus.Counter
	processCPU      prometheus.Gauge
	processRAM      prometheus.Gauge
	channelLength   *prometheus.GaugeVec
	channelCapacity *prometheus.GaugeVec
}

// NewMetrics builds the collectors and registers them when reg is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "dispatcher", Name: "actions_submitted_total",
			Help: "Actions handed to the dispatcher.",
		}, []string{"type"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "dispatcher", Name: "actions_retired_total",
			Help: "Actions retired from the in-flight slot, by outcome.",
		}, []string{"type", "outcome"}),
		staleCompletion: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "dispatcher", Name: "stale_completions_total",
			Help: "Handler completions discarded because the action had been preempted.",
		}, []string{"type"}),
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace, Subsystem: "dispatcher", Name: "handler_duration_seconds",
			Help:    "Time spent in action handlers, preempted ones included.",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),
		queueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace, Subsystem: "dispatcher", Name: "queue_wait_seconds",
			Help:    "Time between submission and firing.",
			Buckets: prometheus.DefBuckets,
		}),
		backlog: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Subsystem: "dispatcher", Name: "backlog",
			Help: "Actions waiting for the in-flight slot.",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Subsystem: "registry", Name: "sessions",
			Help: "Connected sessions.",
		}),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "registry", Name: "deliveries_total",
			Help: "Events handed to subscriber connections.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "registry", Name: "deliveries_dropped_total",
			Help: "Events dropped by closed or saturated connections.",
		}),
		processCPU: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Subsystem: "process", Name: "cpu_percent",
			Help: "CPU usage of the server process.",
		}),
		processRAM: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Subsystem: "process", Name: "memory_percent",
			Help: "Memory usage of the server process.",
		}),
		channelLength: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Subsystem: "channel", Name: "length",
			Help: "Items waiting in an internal channel.",
		}, []string{"name"}),
		channelCapacity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Subsystem: "channel", Name: "capacity",
			Help: "Buffer size of an internal channel.",
		}, []string{"name"}),
	}
	if reg != nil {
		reg.MustRegister(m.submitted, m.outcomes, m.staleCompletion, m.handlerDuration,
			m.queueWait, m.backlog, m.sessions, m.published, m.dropped, m.processCPU, m.processRAM,
			m.channelLength, m.channelCapacity)
	}
	return m
}

func (m *Metrics) Submitted(actionType string) {
	if m == nil {
		return
	}
	m.submitted.WithLabelValues(actionType).Inc()
}

func (m *Metrics) Retired(actionType string, outcome session.Outcome) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(actionType, outcome.String()).Inc()
}

func (m *Metrics) StaleCompletion(actionType string) {
	if m == nil {
		return
	}
	m.staleCompletion.WithLabelValues(actionType).Inc()
}

func (m *Metrics) HandlerDuration(actionType string, d time.Duration) {
	if m == nil {
		return
	}
	m.handlerDuration.WithLabelValues(actionType).Observe(d.Seconds())
}

func (m *Metrics) QueueWait(d time.Duration) {
	if m == nil {
		return
	}
	m.queueWait.Observe(d.Seconds())
}

func (m *Metrics) Backlog(n int) {
	if m == nil {
		return
	}
	m.backlog.Set(float64(n))
}

func (m *Metrics) Sessions(n int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(n))
}

func (m *Metrics) Delivered(n int) {
	if m == nil {
		return
	}
	m.published.Add(float64(n))
}

func (m *Metrics) Dropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

func (m *Metrics) Process(cpu float64, ram float32) {
	if m == nil {
		return
	}
	m.processCPU.Set(cpu)
	m.processRAM.Set(float64(ram))
}

func (m *Metrics) ChannelUsage(name string, length, capacity int) {
	if m == nil {
		return
	}
	m.channelLength.WithLabelValues(name).Set(float64(length))
	m.channelCapacity.WithLabelValues(name).Set(float64(capacity))
}
