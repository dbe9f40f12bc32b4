// Package metrics exports runtime measurements to Prometheus and serves
// them, together with health and status pages, over HTTP.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ikvm/Microservice/internal/masterjob"
	"github.com/ikvm/Microservice/internal/task/engine"
)

const namespace = "microservice"

// Metrics implements the engine, transport, command and master job
// observer interfaces on a private registry.
type Metrics struct {
	reg *prometheus.Registry

	tasksAdmitted   *prometheus.CounterVec
	tasksFinished   *prometheus.CounterVec
	taskDuration    *prometheus.HistogramVec
	queueDelay      prometheus.Histogram
	slotsActive     prometheus.Gauge
	slotsPending    prometheus.Gauge
	slotsAvailable  prometheus.Gauge
	sendsTotal      *prometheus.CounterVec
	sendAttempts    prometheus.Histogram
	sendDuration    *prometheus.HistogramVec
	dispatchTotal   *prometheus.CounterVec
	dispatchSeconds prometheus.Histogram
	dispatchActive  prometheus.Gauge
	masterState     *prometheus.GaugeVec
	masterActive    *prometheus.GaugeVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		tasksAdmitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tasks", Name: "admitted_total",
			Help: "Tasks admitted into execution, by kind and lane.",
		}, []string{"kind", "lane"}),
		tasksFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tasks", Name: "finished_total",
			Help: "Tasks finished, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		taskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "tasks", Name: "duration_seconds",
			Help:    "Task execution time.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"kind"}),
		queueDelay: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "tasks", Name: "queue_delay_seconds",
			Help:    "Time between submit and admission.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		slotsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "slots", Name: "active", Help: "Tasks currently executing.",
		}),
		slotsPending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "slots", Name: "pending", Help: "Tasks waiting for a slot.",
		}),
		slotsAvailable: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "slots", Name: "available", Help: "Free normal slots minus backlog.",
		}),
		sendsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transport", Name: "sends_total",
			Help: "Outbound messages, by channel and outcome.",
		}, []string{"channel", "outcome"}),
		sendAttempts: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "transport", Name: "send_attempts",
			Help:    "Attempts per outbound message.",
			Buckets: []float64{1, 2, 3, 5, 8},
		}),
		sendDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "transport", Name: "send_duration_seconds",
			Help:    "Time to deliver or give up on an outbound message.",
			Buckets: prometheus.DefBuckets,
		}, []string{"channel"}),
		dispatchTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "commands", Name: "dispatch_total",
			Help: "Command dispatches, by outcome.",
		}, []string{"outcome"}),
		dispatchSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "commands", Name: "dispatch_seconds",
			Help:    "Command handler execution time.",
			Buckets: prometheus.DefBuckets,
		}),
		dispatchActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "commands", Name: "active", Help: "Handlers currently executing.",
		}),
		masterState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "masterjob", Name: "state",
			Help: "1 for the current negotiation state of each job.",
		}, []string{"job", "state"}),
		masterActive: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "masterjob", Name: "active",
			Help: "1 while this instance is the active master for the job.",
		}, []string{"job"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) TaskAdmitted(kind engine.Kind, lane engine.Lane, queueDelay time.Duration) {
	m.tasksAdmitted.WithLabelValues(kind.String(), lane.String()).Inc()
	m.queueDelay.Observe(queueDelay.Seconds())
}

func (m *Metrics) TaskFinished(kind engine.Kind, outcome string, dur time.Duration) {
	m.tasksFinished.WithLabelValues(kind.String(), outcome).Inc()
	m.taskDuration.WithLabelValues(kind.String()).Observe(dur.Seconds())
}

func (m *Metrics) SlotsChanged(active, pending, available int) {
	m.slotsActive.Set(float64(active))
	m.slotsPending.Set(float64(pending))
	m.slotsAvailable.Set(float64(available))
}

func (m *Metrics) ObserveSend(channel, outcome string, attempts int, dur time.Duration) {
	m.sendsTotal.WithLabelValues(channel, outcome).Inc()
	if attempts > 0 {
		m.sendAttempts.Observe(float64(attempts))
	}
	m.sendDuration.WithLabelValues(channel).Observe(dur.Seconds())
}

// ObserveDispatch keeps the registration key out of labels; keys can be
// unbounded when partial registrations are used.
func (m *Metrics) ObserveDispatch(_ string, outcome string, dur time.Duration) {
	m.dispatchTotal.WithLabelValues(outcome).Inc()
	m.dispatchSeconds.Observe(dur.Seconds())
}

func (m *Metrics) SetActive(n int64) { m.dispatchActive.Set(float64(n)) }

func (m *Metrics) ObserveMasterState(job, state string, active bool) {
	for s := masterjob.VerifyingComms; s <= masterjob.Active; s++ {
		v := 0.0
		if s.String() == state {
			v = 1
		}
		m.masterState.WithLabelValues(job, s.String()).Set(v)
	}
	v := 0.0
	if active {
		v = 1
	}
	m.masterActive.WithLabelValues(job).Set(v)
}
