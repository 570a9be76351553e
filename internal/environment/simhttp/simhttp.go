// Package simhttp leases desktops from a simulator exposing a small HTTP API:
// POST /reset, POST /step and POST /close, all JSON.
package simhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/spachava753/deskeval/internal/environment"
	"github.com/spachava753/deskeval/internal/models"
)

// Options configures an Adapter.
type Options struct {
	BaseURL        string
	Screen         environment.Screen
	StepTimeout    time.Duration
	AcquireTimeout time.Duration
	HTTPClient     *http.Client
	Logger         zerolog.Logger
}

// Adapter talks to one simulator endpoint. Each Acquire opens a new
// simulator session.
type Adapter struct {
	opts Options
	http *http.Client
	log  zerolog.Logger
}

// New creates an Adapter.
func New(opts Options) *Adapter {
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Adapter{
		opts: opts,
		http: httpClient,
		log:  opts.Logger.With().Str("component", "simhttp").Str("sim_url", opts.BaseURL).Logger(),
	}
}

func (a *Adapter) Name() string {
	return "http"
}

type resetRequest struct {
	TaskID     string             `json:"task_id"`
	TaskConfig json.RawMessage    `json:"task_config"`
	Screen     environment.Screen `json:"screen"`
}

type resetResponse struct {
	SessionID   string                      `json:"session_id"`
	Observation environment.WireObservation `json:"observation"`
}

type stepRequest struct {
	SessionID string        `json:"session_id"`
	Action    models.Action `json:"action"`
}

type stepResponse struct {
	Observation environment.WireObservation `json:"observation"`
	Reward      float64                     `json:"reward"`
	Done        bool                        `json:"done"`
}

type closeRequest struct {
	SessionID string `json:"session_id"`
}

// Acquire resets a fresh simulator session to the task.
func (a *Adapter) Acquire(ctx context.Context, task models.TaskDescriptor) (environment.Lease, models.Observation, error) {
	cfg := task.Config
	if len(cfg) == 0 {
		cfg = json.RawMessage("{}")
	}
	var resp resetResponse
	err := a.post(ctx, "/reset", a.opts.AcquireTimeout, resetRequest{
		TaskID:     task.ID(),
		TaskConfig: cfg,
		Screen:     a.opts.Screen,
	}, &resp)
	if err != nil {
		return nil, models.Observation{}, &environment.AdapterError{Op: "acquire", Err: err}
	}
	if resp.SessionID == "" {
		return nil, models.Observation{}, &environment.AdapterError{Op: "acquire", Err: fmt.Errorf("simulator returned no session id")}
	}

	obs, err := resp.Observation.Decode(0, a.opts.Screen)
	if err != nil {
		// The simulator holds a session we cannot use.
		a.close(resp.SessionID)
		return nil, models.Observation{}, &environment.AdapterError{Op: "acquire", Err: err}
	}

	a.log.Debug().Str("task_id", task.ID()).Str("session_id", resp.SessionID).Msg("simulator session opened")
	return &lease{adapter: a, sessionID: resp.SessionID}, obs, nil
}

func (a *Adapter) close(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.post(ctx, "/close", 0, closeRequest{SessionID: sessionID}, nil); err != nil {
		a.log.Warn().Err(err).Str("session_id", sessionID).Msg("failed to close simulator session")
	}
}

func (a *Adapter) post(ctx context.Context, path string, timeout time.Duration, in, out any) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.opts.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling simulator %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("simulator %s returned status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding simulator %s response: %w", path, err)
	}
	return nil
}

type lease struct {
	adapter   *Adapter
	sessionID string

	mu       sync.Mutex
	step     int
	released bool
}

func (l *lease) ID() string {
	return l.sessionID
}

func (l *lease) Step(ctx context.Context, action models.Action) (environment.StepResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return environment.StepResult{}, &environment.AdapterError{Op: "step", Err: environment.ErrReleased}
	}

	var resp stepResponse
	err := l.adapter.post(ctx, "/step", l.adapter.opts.StepTimeout, stepRequest{SessionID: l.sessionID, Action: action}, &resp)
	if err != nil {
		return environment.StepResult{}, &environment.AdapterError{Op: "step", Err: err}
	}
	l.step++
	obs, err := resp.Observation.Decode(l.step, l.adapter.opts.Screen)
	if err != nil {
		return environment.StepResult{}, &environment.AdapterError{Op: "step", Err: err}
	}
	return environment.StepResult{Observation: obs, Reward: resp.Reward, Done: resp.Done}, nil
}

func (l *lease) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return environment.ErrReleased
	}
	l.released = true
	if err := l.adapter.post(ctx, "/close", l.adapter.opts.StepTimeout, closeRequest{SessionID: l.sessionID}, nil); err != nil {
		return &environment.AdapterError{Op: "release", Err: err}
	}
	return nil
}
