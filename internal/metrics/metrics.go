// Package metrics exposes Prometheus collectors for evaluation sessions.
package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics reports session, step and agent-call activity. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	sessionsActive  prometheus.Gauge
	sessions        *prometheus.CounterVec
	steps           *prometheus.CounterVec
	sessionDuration prometheus.Histogram
	agentRetries    *prometheus.CounterVec
}

var (
	defaultOnce sync.Once
	shared      *Metrics
)

// Default returns the instance registered with the global registry.
func Default() *Metrics {
	defaultOnce.Do(func() {
		shared = MustNew(prometheus.DefaultRegisterer)
	})
	return shared
}

// MustNew registers the collectors with reg and panics on a registration
// conflict other than an identical collector already being present.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "deskeval",
			Subsystem: "session",
			Name:      "active",
			Help:      "Sessions currently acquiring or running.",
		}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deskeval",
			Subsystem: "session",
			Name:      "completed_total",
			Help:      "Completed sessions by termination reason.",
		}, []string{"reason"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deskeval",
			Subsystem: "session",
			Name:      "steps_total",
			Help:      "Steps taken by outcome.",
		}, []string{"outcome"}),
		sessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "deskeval",
			Subsystem: "session",
			Name:      "duration_seconds",
			Help:      "Wall time of completed sessions.",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200, 2400},
		}),
		agentRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deskeval",
			Subsystem: "agent",
			Name:      "retries_total",
			Help:      "Agent calls retried, by operation.",
		}, []string{"op"}),
	}

	m.sessionsActive = register(reg, m.sessionsActive)
	m.sessions = register(reg, m.sessions)
	m.steps = register(reg, m.steps)
	m.sessionDuration = register(reg, m.sessionDuration)
	m.agentRetries = register(reg, m.agentRetries)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// SessionStarted marks a session as active.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
}

// SessionFinished records a completed session.
func (m *Metrics) SessionFinished(reason string, d time.Duration) {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
	m.sessions.WithLabelValues(reason).Inc()
	m.sessionDuration.Observe(d.Seconds())
}

// StepTaken counts one step with the given outcome.
func (m *Metrics) StepTaken(outcome string) {
	if m == nil {
		return
	}
	m.steps.WithLabelValues(outcome).Inc()
}

// AgentRetry counts one retried agent call.
func (m *Metrics) AgentRetry(op string) {
	if m == nil {
		return
	}
	m.agentRetries.WithLabelValues(op).Inc()
}
