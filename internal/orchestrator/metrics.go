package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for pool activity. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	dispatched  *prometheus.CounterVec
	outcomes    *prometheus.CounterVec
	corrections prometheus.Counter
	duration    *prometheus.HistogramVec
	busySlots   prometheus.Gauge
	agents      prometheus.Gauge
	dropped     prometheus.Counter
}

// NewMetrics constructs Metrics registered with reg. Tests should pass a
// fresh prometheus.NewRegistry(); registration errors panic.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskforge",
			Subsystem: "pool",
			Name:      "tasks_dispatched_total",
			Help:      "Tasks claimed by a pool slot, by worker kind.",
		}, []string{"kind"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskforge",
			Subsystem: "pool",
			Name:      "task_outcomes_total",
			Help:      "Finished executions by resulting task status.",
		}, []string{"status"}),
		corrections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taskforge",
			Subsystem: "pool",
			Name:      "correction_attempts_total",
			Help:      "Self-correction rounds across all executions.",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "taskforge",
			Subsystem: "pool",
			Name:      "execution_duration_seconds",
			Help:      "Wall time of one task execution.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"status"}),
		busySlots: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskforge",
			Subsystem: "pool",
			Name:      "busy_slots",
			Help:      "Pool slots currently running a task.",
		}),
		agents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskforge",
			Subsystem: "pool",
			Name:      "agents",
			Help:      "Agents currently registered in the pool.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taskforge",
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Event deliveries dropped on full subscriber buffers.",
		}),
	}
	reg.MustRegister(m.dispatched, m.outcomes, m.corrections, m.duration, m.busySlots, m.agents, m.dropped)
	return m
}

func (m *Metrics) taskDispatched(kind string) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(kind).Inc()
}

func (m *Metrics) executionFinished(status string, corrections int, d time.Duration) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(status).Inc()
	m.duration.WithLabelValues(status).Observe(d.Seconds())
	if corrections > 0 {
		m.corrections.Add(float64(corrections))
	}
}

func (m *Metrics) setBusy(n int) {
	if m == nil {
		return
	}
	m.busySlots.Set(float64(n))
}

func (m *Metrics) setAgents(n int) {
	if m == nil {
		return
	}
	m.agents.Set(float64(n))
}

// EventDropped counts one dropped event delivery. It fits events.WithDropHook.
func (m *Metrics) EventDropped(topic string) {
	if m == nil {
		return
	}
	m.dropped.Inc()
}
