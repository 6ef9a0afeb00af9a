package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kirillkom/scanmate-sync/internal/core/domain"
)

var engineStates = []domain.EngineState{domain.EngineIdle, domain.EngineRunning, domain.EngineError}

// SyncMetrics observes the sync engine, the remote breakers and registry
// mutations.
type SyncMetrics struct {
	service string

	taskTotal      *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec
	taskInFlight   prometheus.Gauge
	queueDepth     prometheus.Gauge
	engineState    *prometheus.GaugeVec
	breakerState   *prometheus.GaugeVec
	documentEvents *prometheus.CounterVec
}

func NewSyncMetrics(service string, registry prometheus.Registerer) *SyncMetrics {
	constLabels := prometheus.Labels{"service": service}

	taskTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "task_process_total",
			Help:      "Total processed sync tasks by kind and status.",
		},
		[]string{"service", "kind", "status"},
	)
	taskDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "task_process_duration_seconds",
			Help:      "Sync task duration in seconds by kind and status.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"service", "kind", "status"},
	)
	taskInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "sync",
			Name:        "task_in_flight",
			Help:        "Number of sync tasks being processed (0 or 1).",
			ConstLabels: constLabels,
		},
	)
	queueDepth := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "sync",
			Name:        "queue_depth",
			Help:        "Number of pending and in-flight sync tasks.",
			ConstLabels: constLabels,
		},
	)
	engineState := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "sync",
			Name:        "engine_state",
			Help:        "1 for the current sync engine state, 0 otherwise.",
			ConstLabels: constLabels,
		},
		[]string{"state"},
	)
	breakerState := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "remote",
			Name:        "breaker_open",
			Help:        "1 while the circuit breaker of a remote operation is not closed.",
			ConstLabels: constLabels,
		},
		[]string{"operation"},
	)
	documentEvents := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "document_events_total",
			Help:      "Total registry mutations by event type.",
		},
		[]string{"service", "type"},
	)

	registry.MustRegister(taskTotal, taskDuration, taskInFlight, queueDepth, engineState, breakerState, documentEvents)

	m := &SyncMetrics{
		service:        service,
		taskTotal:      taskTotal,
		taskDuration:   taskDuration,
		taskInFlight:   taskInFlight,
		queueDepth:     queueDepth,
		engineState:    engineState,
		breakerState:   breakerState,
		documentEvents: documentEvents,
	}
	m.ObserveEngineState(domain.EngineIdle)
	return m
}

func (m *SyncMetrics) StartTask() {
	m.taskInFlight.Inc()
}

func (m *SyncMetrics) FinishTask(kind domain.TaskKind, duration time.Duration, err error) {
	m.taskInFlight.Dec()

	status := "success"
	if err != nil {
		status = "error"
	}
	m.taskTotal.WithLabelValues(m.service, string(kind), status).Inc()
	m.taskDuration.WithLabelValues(m.service, string(kind), status).Observe(duration.Seconds())
}

func (m *SyncMetrics) ObserveQueueDepth(depth int) {
	m.queueDepth.Set(float64(depth))
}

func (m *SyncMetrics) ObserveEngineState(state domain.EngineState) {
	for _, s := range engineStates {
		value := 0.0
		if s == state {
			value = 1
		}
		m.engineState.WithLabelValues(string(s)).Set(value)
	}
}

// ObserveBreaker records a breaker transition; open and half-open both count
// as not closed.
func (m *SyncMetrics) ObserveBreaker(operation string, closed bool) {
	value := 1.0
	if closed {
		value = 0
	}
	m.breakerState.WithLabelValues(operation).Set(value)
}

func (m *SyncMetrics) ObserveDocumentEvent(event domain.DocumentEvent) {
	m.documentEvents.WithLabelValues(m.service, string(event.Type)).Inc()
}
