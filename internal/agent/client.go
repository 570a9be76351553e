// Package agent talks to the remote agent under evaluation over HTTP.
package agent

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/spachava753/deskeval/internal/models"
)

// maxResponseBytes bounds how much of a reply body is read.
const maxResponseBytes = 8 << 20

// Options configures a Client.
type Options struct {
	BaseURL        string
	Token          string
	UsePathToken   bool
	RequestTimeout time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	HTTPClient     *http.Client
	Logger         zerolog.Logger
	// OnRetry is called before every retry of an operation.
	OnRetry func(op string)
}

// Client is the HTTP client for one remote agent. It is safe for concurrent
// use; sessions share one Client.
type Client struct {
	opts Options
	http *http.Client
	log  zerolog.Logger
}

// NewClient creates a client, filling in defaults for unset options.
func NewClient(opts Options) *Client {
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 120 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = opts.InitialBackoff
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		opts: opts,
		http: httpClient,
		log:  opts.Logger.With().Str("component", "agent_client").Str("agent_url", opts.BaseURL).Logger(),
	}
}

// Card is the agent's capability and identity document.
type Card struct {
	Name    string         `json:"name"`
	Version string         `json:"version"`
	Raw     map[string]any `json:"-"`
}

// ActRequest is the per-step input to NextAction.
type ActRequest struct {
	Instruction string
	Observation models.Observation
	Tools       []string
	Step        int
}

type wireObservation struct {
	ScreenshotB64 *string `json:"screenshot_b64"`
	A11yTree      *string `json:"a11y_tree"`
	Width         *int    `json:"width"`
	Height        *int    `json:"height"`
}

type wireActRequest struct {
	Instruction string          `json:"instruction"`
	Observation wireObservation `json:"observation"`
	Tools       []string        `json:"tools"`
	Step        int             `json:"step"`
}

// FetchCard retrieves the capability card. Agents that only publish the
// well-known card document are supported as a fallback.
func (c *Client) FetchCard(ctx context.Context) (*Card, error) {
	body, err := c.do(ctx, "card", http.MethodGet, "/card", nil)
	if ce, ok := AsClientError(err); ok && ce.StatusCode == http.StatusNotFound {
		c.log.Debug().Msg("card endpoint missing, trying well-known card")
		body, err = c.do(ctx, "card", http.MethodGet, "/.well-known/agent-card.json", nil)
	}
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &ClientError{Kind: KindBadResponse, Op: "card", Attempts: 1, Err: fmt.Errorf("decoding card: %w", err)}
	}
	card := &Card{Raw: raw}
	if v, ok := raw["name"].(string); ok {
		card.Name = v
	}
	if v, ok := raw["version"].(string); ok {
		card.Version = v
	}
	return card, nil
}

// ResetAgent tells the agent a new task is starting. Safe to retry.
func (c *Client) ResetAgent(ctx context.Context, taskID string) error {
	payload, err := json.Marshal(map[string]string{"task_id": taskID})
	if err != nil {
		return fmt.Errorf("encoding reset request: %w", err)
	}
	_, err = c.do(ctx, "reset", http.MethodPost, "/reset", payload)
	return err
}

// NextAction asks the agent for its next action and returns the raw reply
// body. Validation is left to the action codec.
func (c *Client) NextAction(ctx context.Context, req ActRequest) ([]byte, error) {
	tools := req.Tools
	if tools == nil {
		tools = []string{}
	}
	payload, err := json.Marshal(wireActRequest{
		Instruction: req.Instruction,
		Observation: encodeObservation(req.Observation),
		Tools:       tools,
		Step:        req.Step,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding act request: %w", err)
	}
	return c.do(ctx, "act", http.MethodPost, "/act", payload)
}

func encodeObservation(obs models.Observation) wireObservation {
	var w wireObservation
	if len(obs.Screenshot) > 0 {
		s := base64.StdEncoding.EncodeToString(obs.Screenshot)
		w.ScreenshotB64 = &s
	}
	w.A11yTree = obs.A11yTree
	if obs.Width > 0 {
		width := obs.Width
		w.Width = &width
	}
	if obs.Height > 0 {
		height := obs.Height
		w.Height = &height
	}
	return w
}

// URL returns the full URL for path, including the path token when enabled.
func (c *Client) URL(path string) string {
	if c.opts.UsePathToken && c.opts.Token != "" {
		return c.opts.BaseURL + "/t/" + c.opts.Token + path
	}
	return c.opts.BaseURL + path
}

// do performs one logical operation with bounded retries. Each attempt has
// its own timeout; backoff doubles up to MaxBackoff.
func (c *Client) do(ctx context.Context, op, method, path string, payload []byte) ([]byte, error) {
	var (
		attempts int
		lastErr  *ClientError
	)
	operation := func() ([]byte, error) {
		attempts++
		body, err := c.attempt(ctx, method, path, payload)
		if err == nil {
			return body, nil
		}
		err.Op = op
		err.Attempts = attempts
		lastErr = err
		// The caller's context is gone; retrying cannot help.
		if ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	notify := func(err error, next time.Duration) {
		c.log.Debug().
			Str("op", op).
			Int("attempt", attempts).
			Dur("backoff", next).
			Err(lastErr.Err).
			Msg("agent call failed, retrying")
		if c.opts.OnRetry != nil {
			c.opts.OnRetry(op)
		}
	}

	body, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(&backoff.ExponentialBackOff{
			InitialInterval: c.opts.InitialBackoff,
			Multiplier:      2,
			MaxInterval:     c.opts.MaxBackoff,
		}),
		backoff.WithMaxTries(uint(c.opts.MaxAttempts)),
		backoff.WithNotify(notify),
	)
	if err != nil {
		// Retry reports a cancelled wait as the context error; the last
		// attempt's error says more.
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, err
	}
	return body, nil
}

func (c *Client) attempt(ctx context.Context, method, path string, payload []byte) ([]byte, *ClientError) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(attemptCtx, method, c.URL(path), body)
	if err != nil {
		return nil, &ClientError{Kind: KindUnreachable, Err: fmt.Errorf("creating request: %w", err)}
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.opts.Token != "" && !c.opts.UsePathToken {
		req.Header.Set("X-Auth-Token", c.opts.Token)
		req.Header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &ClientError{Kind: classifyTransportError(attemptCtx, err), Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, &ClientError{Kind: classifyTransportError(attemptCtx, err), Err: fmt.Errorf("reading response body: %w", err)}
	}
	if len(data) > maxResponseBytes {
		return nil, &ClientError{Kind: KindBadResponse, StatusCode: resp.StatusCode, Err: fmt.Errorf("response body exceeded %d bytes", maxResponseBytes)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := strings.TrimSpace(string(data))
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return nil, &ClientError{Kind: KindBadResponse, StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected status: %s", snippet)}
	}

	return data, nil
}

func classifyTransportError(ctx context.Context, err error) ErrorKind {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindUnreachable
}
