package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spachava753/deskeval/internal/artifact"
	"github.com/spachava753/deskeval/internal/models"
)

type recordingEvaluator struct {
	mu     sync.Mutex
	tasks  []models.TaskDescriptor
	limits []models.Limits
	block  chan struct{}
	active atomic.Int32
	peak   atomic.Int32
}

func (e *recordingEvaluator) factory(req ActRequest) Evaluator {
	return evalFunc(func(ctx context.Context, task models.TaskDescriptor) models.SessionResult {
		n := e.active.Add(1)
		defer e.active.Add(-1)
		for {
			p := e.peak.Load()
			if n <= p || e.peak.CompareAndSwap(p, n) {
				break
			}
		}
		e.mu.Lock()
		e.tasks = append(e.tasks, task)
		e.limits = append(e.limits, req.ApplyLimits(models.Limits{MaxSteps: 30, MaxSeconds: 300}))
		e.mu.Unlock()
		if e.block != nil {
			<-e.block
		}
		return models.SessionResult{
			TaskID:            task.ID(),
			Domain:            task.Domain,
			ExampleID:         task.ExampleID,
			Success:           true,
			Reward:            1,
			StepsTaken:        2,
			TerminationReason: models.TerminationAgentDone,
		}
	})
}

type evalFunc func(ctx context.Context, task models.TaskDescriptor) models.SessionResult

func (f evalFunc) Run(ctx context.Context, task models.TaskDescriptor) models.SessionResult {
	return f(ctx, task)
}

func boolPtr(b bool) *bool { return &b }

func newTestServer(cfg models.ServerConfig, ev *recordingEvaluator) *Server {
	return New(ev.factory, Options{
		Config:   cfg,
		Card:     Card{Name: "deskeval", Version: "1.2.3", Protocol: "a2a/0.1"},
		Health:   map[string]any{"backend": "http"},
		Gatherer: prometheus.NewRegistry(),
		Logger:   zerolog.Nop(),
	})
}

func do(t *testing.T, h http.Handler, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func detail(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["detail"]
}

func TestAuth(t *testing.T) {
	s := newTestServer(models.ServerConfig{Token: "sekrit"}, &recordingEvaluator{})
	h := s.Handler()

	tests := []struct {
		name   string
		target string
		header map[string]string
		status int
	}{
		{name: "no token", target: "/card", status: http.StatusUnauthorized},
		{name: "x-auth-token", target: "/card", header: map[string]string{"X-Auth-Token": "sekrit"}, status: http.StatusOK},
		{name: "bearer", target: "/card", header: map[string]string{"Authorization": "Bearer sekrit"}, status: http.StatusOK},
		{name: "wrong bearer", target: "/card", header: map[string]string{"Authorization": "Bearer nope"}, status: http.StatusUnauthorized},
		{name: "query", target: "/card?token=sekrit", status: http.StatusOK},
		{name: "path token", target: "/t/sekrit/card", status: http.StatusOK},
		{name: "wrong path token", target: "/t/nope/card", status: http.StatusUnauthorized},
		{name: "well-known", target: "/.well-known/agent-card.json", header: map[string]string{"X-Auth-Token": "sekrit"}, status: http.StatusOK},
		{name: "well-known path token", target: "/t/sekrit/.well-known/agent-card.json", status: http.StatusOK},
		{name: "health is open", target: "/health", status: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, http.MethodGet, tt.target, "", tt.header)
			assert.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusUnauthorized {
				assert.Equal(t, ErrUnauthorized, detail(t, w))
			}
		})
	}
}

func TestAuthRequiredWithoutServerToken(t *testing.T) {
	s := newTestServer(models.ServerConfig{}, &recordingEvaluator{})
	w := do(t, s.Handler(), http.MethodGet, "/card", "", map[string]string{"X-Auth-Token": "anything"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, ErrTokenMissing, detail(t, w))
}

func TestAuthDisabled(t *testing.T) {
	s := newTestServer(models.ServerConfig{RequireAuth: boolPtr(false)}, &recordingEvaluator{})
	w := do(t, s.Handler(), http.MethodPost, "/reset", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"reset":"ok"}`, w.Body.String())

	w = do(t, s.Handler(), http.MethodGet, "/health", "", nil)
	assert.JSONEq(t, `{"ok":true,"auth":"off","backend":"http"}`, w.Body.String())
}

func TestCard(t *testing.T) {
	s := newTestServer(models.ServerConfig{RequireAuth: boolPtr(false)}, &recordingEvaluator{})
	w := do(t, s.Handler(), http.MethodGet, "/card", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var card Card
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &card))
	assert.Equal(t, "1.2.3", card.Version)
}

func TestAct(t *testing.T) {
	ev := &recordingEvaluator{}
	s := newTestServer(models.ServerConfig{Token: "sekrit"}, ev)

	body := `{"task_id":"chrome__abc","instruction":"open settings","limits":{"max_steps":5},"osworld":{"region":"us-east-1","task_config":{"id":"abc"}}}`
	w := do(t, s.Handler(), http.MethodPost, "/t/sekrit/act", body, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var result models.SessionResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, "chrome__abc", result.TaskID)
	assert.Equal(t, models.TerminationAgentDone, result.TerminationReason)

	require.Len(t, ev.tasks, 1)
	assert.Equal(t, "chrome", ev.tasks[0].Domain)
	assert.Equal(t, "abc", ev.tasks[0].ExampleID)
	assert.JSONEq(t, `{"id":"abc"}`, string(ev.tasks[0].Config))
	assert.Equal(t, 5, ev.limits[0].MaxSteps)
	assert.Equal(t, 300.0, ev.limits[0].MaxSeconds)
}

func TestActRequestHeader(t *testing.T) {
	base := artifact.RunHeader{Provider: "docker", OSType: "ubuntu", Screen: "1920x1080", AgentVersion: "1.0"}
	base.EnvSignature = artifact.EnvSignature(base.Provider, base.Region, base.Screen, base.AgentVersion)

	var req ActRequest
	require.NoError(t, json.Unmarshal([]byte(`{"task_id":"os__1","seed":7,"osworld":{"provider_name":"aws","region":"eu-west-1","screen_width":1280,"screen_height":720}}`), &req))
	h := req.ApplyHeader(base)

	assert.Equal(t, "docker", h.Provider)
	assert.Equal(t, "aws", h.DesktopProvider)
	assert.Equal(t, "ubuntu", h.OSType, "unset fields keep the configured value")
	assert.Equal(t, "eu-west-1", h.Region)
	assert.Equal(t, "1280x720", h.Screen)
	require.NotNil(t, h.Seed)
	assert.EqualValues(t, 7, *h.Seed)
	assert.Equal(t, artifact.EnvSignature("docker", "eu-west-1", "1280x720", "1.0"), h.EnvSignature)
	assert.NotEqual(t, base.EnvSignature, h.EnvSignature)

	assert.Equal(t, base, ActRequest{}.ApplyHeader(base))
}

func TestActAssignsTaskID(t *testing.T) {
	ev := &recordingEvaluator{}
	s := newTestServer(models.ServerConfig{RequireAuth: boolPtr(false)}, ev)

	w := do(t, s.Handler(), http.MethodPost, "/act", `{"instruction":""}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, ev.tasks, 1)
	assert.Equal(t, "adhoc", ev.tasks[0].Domain)
	assert.NotEmpty(t, ev.tasks[0].ExampleID)
	assert.Equal(t, "Follow the instruction.", ev.tasks[0].Instruction)
}

func TestActRejectsBadJSON(t *testing.T) {
	s := newTestServer(models.ServerConfig{RequireAuth: boolPtr(false)}, &recordingEvaluator{})
	w := do(t, s.Handler(), http.MethodPost, "/act", `{"task_id":`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestActConcurrencyBounded(t *testing.T) {
	ev := &recordingEvaluator{block: make(chan struct{})}
	s := newTestServer(models.ServerConfig{RequireAuth: boolPtr(false), MaxConcurrent: 2}, ev)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	var wg sync.WaitGroup
	for range 4 {
		wg.Go(func() {
			resp, err := http.Post(srv.URL+"/act", "application/json", strings.NewReader(`{"task_id":"os__x"}`))
			if assert.NoError(t, err) {
				resp.Body.Close()
			}
		})
	}

	require.Eventually(t, func() bool { return ev.active.Load() == 2 }, 2*time.Second, 10*time.Millisecond)
	// the other two wait on the semaphore
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 2, ev.active.Load())

	close(ev.block)
	wg.Wait()
	assert.EqualValues(t, 2, ev.peak.Load())
	assert.Len(t, ev.tasks, 4)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "deskeval_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	s := New((&recordingEvaluator{}).factory, Options{Gatherer: reg, Logger: zerolog.Nop()})
	w := do(t, s.Handler(), http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "deskeval_test_total 1")
}

func TestStartStopsOnCancel(t *testing.T) {
	s := newTestServer(models.ServerConfig{Addr: "127.0.0.1:0", RequireAuth: boolPtr(false)}, &recordingEvaluator{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx, time.Second) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}
