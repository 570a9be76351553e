package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := MustNew(reg)

	m.SessionStarted()
	m.StepTaken("Executed")
	m.StepTaken("Executed")
	m.AgentRetry("act")
	m.SessionFinished("StepLimit", 3*time.Second)

	assert.Equal(t, 0.0, testutil.ToFloat64(m.sessionsActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.steps.WithLabelValues("Executed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessions.WithLabelValues("StepLimit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.agentRetries.WithLabelValues("act")))
}

func TestMustNewReusesRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := MustNew(reg)
	b := MustNew(reg)
	a.StepTaken("EnvError")
	assert.Equal(t, 1.0, testutil.ToFloat64(b.steps.WithLabelValues("EnvError")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SessionStarted()
		m.StepTaken("Executed")
		m.SessionFinished("AgentDone", time.Second)
		m.AgentRetry("reset")
	})
}
