// Package session runs one task end to end against the agent and a leased
// desktop, enforcing step and wall-clock limits.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/spachava753/deskeval/internal/action"
	"github.com/spachava753/deskeval/internal/agent"
	"github.com/spachava753/deskeval/internal/artifact"
	"github.com/spachava753/deskeval/internal/environment"
	"github.com/spachava753/deskeval/internal/metrics"
	"github.com/spachava753/deskeval/internal/models"
)

// releaseTimeout bounds Release, which runs even after cancellation.
const releaseTimeout = 2 * time.Minute

// AgentClient is the part of the agent client a session uses.
type AgentClient interface {
	ResetAgent(ctx context.Context, taskID string) error
	NextAction(ctx context.Context, req agent.ActRequest) ([]byte, error)
}

// Recorder opens per-session artifact writers.
type Recorder interface {
	BeginSession(header artifact.RunHeader) (artifact.Writer, error)
}

// Options configures a Controller.
type Options struct {
	Limits   models.Limits
	Tools    []string
	Policies *Policies
	// Header carries the provider, display and agent fields copied into
	// every session's run header.
	Header  artifact.RunHeader
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

// Controller runs sessions. It holds no per-session state, so one
// Controller may run many sessions concurrently; each Run owns its lease,
// trace and writer exclusively.
type Controller struct {
	agent    AgentClient
	env      environment.Adapter
	codec    *action.Codec
	recorder Recorder
	opts     Options
	log      zerolog.Logger
	now      func() time.Time
}

// NewController creates a Controller.
func NewController(client AgentClient, env environment.Adapter, recorder Recorder, opts Options) *Controller {
	if opts.Limits.MaxSteps <= 0 {
		opts.Limits.MaxSteps = 30
	}
	return &Controller{
		agent:    client,
		env:      env,
		codec:    action.NewCodec(opts.Limits.MaxCodeLength),
		recorder: recorder,
		opts:     opts,
		log:      opts.Logger.With().Str("component", "session").Logger(),
		now:      time.Now,
	}
}

// run is the state of one session.
type run struct {
	c      *Controller
	task   models.TaskDescriptor
	log    zerolog.Logger
	writer artifact.Writer
	start  time.Time
	end    time.Time

	records     []models.StepRecord
	totalReward float64
	lastReward  float64
	envDone     bool
	incomplete  bool
	lastFailure models.FailureType
	message     string
}

// outcome is how the loop ended.
type outcome struct {
	reason  models.TerminationReason
	failure models.FailureType
	message string
}

// Run evaluates one task and always returns a result. Cancelling ctx makes
// the session release its desktop and finish early with TimeLimit.
func (c *Controller) Run(ctx context.Context, task models.TaskDescriptor) models.SessionResult {
	r := &run{
		c:     c,
		task:  task,
		log:   c.log.With().Str("task_id", task.ID()).Logger(),
		start: c.now(),
	}
	c.opts.Metrics.SessionStarted()

	header := c.opts.Header
	header.TaskID = task.ID()
	header.Domain = task.Domain
	header.ExampleID = task.ExampleID
	header.Instruction = task.Instruction
	header.Limits = c.opts.Limits
	header.StartedAt = r.start.UTC()
	writer, err := c.recorder.BeginSession(header)
	if err != nil {
		r.log.Warn().Err(err).Msg("artifact recorder unavailable, continuing without artifacts")
		writer = artifact.Discard
		r.incomplete = true
	}
	r.writer = writer

	sessCtx := ctx
	if lim := c.opts.Limits; lim.MaxSeconds > 0 {
		var cancel context.CancelFunc
		sessCtx, cancel = context.WithTimeout(ctx, seconds(lim.MaxSeconds+lim.GraceSeconds))
		defer cancel()
	}

	out := r.execute(ctx, sessCtx)
	if r.end.IsZero() {
		r.end = c.now()
	}
	return r.finish(out)
}

// execute covers Acquiring and Running. The lease, once acquired, is
// released before execute returns.
func (r *run) execute(parent, ctx context.Context) outcome {
	c := r.c
	if err := c.agent.ResetAgent(ctx, r.task.ID()); err != nil {
		r.log.Warn().Err(err).Msg("agent reset failed, continuing")
	}

	r.log.Debug().Msg("acquiring environment")
	lease, obs, err := c.env.Acquire(ctx, r.task)
	if err != nil {
		r.end = c.now()
		if out, ok := r.interrupted(parent); ok {
			out.message = err.Error()
			return out
		}
		return outcome{reason: models.TerminationEnvFatal, failure: models.FailureEnvSetup, message: err.Error()}
	}
	defer r.release(parent, lease)

	out := r.loop(parent, ctx, lease, obs)
	r.end = c.now()
	return out
}

func (r *run) release(parent context.Context, lease environment.Lease) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), releaseTimeout)
	defer cancel()
	if err := lease.Release(ctx); err != nil {
		r.log.Warn().Err(err).Str("lease", lease.ID()).Msg("failed to release environment")
		return
	}
	r.log.Debug().Str("lease", lease.ID()).Msg("environment released")
}

func (r *run) loop(parent, ctx context.Context, lease environment.Lease, obs models.Observation) outcome {
	c := r.c
	maxSteps := c.opts.Limits.MaxSteps

	for step := 0; ; step++ {
		if out, ok := r.interrupted(parent); ok {
			return out
		}

		rec := models.StepRecord{Step: step, Timestamp: c.now().UTC(), Outcome: models.OutcomeExecuted}
		frame := obs.Screenshot
		stepLog := r.log.With().Int("step", step).Logger()

		raw, err := c.agent.NextAction(ctx, agent.ActRequest{
			Instruction: r.task.Instruction,
			Observation: obs,
			Tools:       c.opts.Tools,
			Step:        step,
		})
		var act models.Action
		switch {
		case err != nil:
			if out, ok := r.interrupted(parent); ok {
				return out
			}
			act = models.WaitAction(0)
			rec.Outcome, r.lastFailure = classifyAgentError(err)
			rec.Error = err.Error()
			stepLog.Warn().Err(err).Msg("agent call failed, substituting wait")
		default:
			act, err = c.codec.Normalize(raw)
			if err != nil {
				act = models.WaitAction(0)
				rec.Outcome = models.OutcomeAgentError
				rec.Error = err.Error()
				r.lastFailure = models.FailureCodecError
				stepLog.Warn().Err(err).Msg("rejected agent reply, substituting wait")
			}
		}
		rec.Action = act

		if act.Is(models.SignalDone) {
			r.append(rec, frame)
			return outcome{reason: models.TerminationAgentDone}
		}
		if act.Is(models.SignalFail) {
			r.append(rec, frame)
			return outcome{reason: models.TerminationAgentFail}
		}

		stepLog.Debug().Stringer("action", act).Msg("executing action")
		res, err := lease.Step(ctx, act)
		if err != nil {
			if out, ok := r.interrupted(parent); ok {
				return out
			}
			rec.Outcome = models.OutcomeEnvError
			rec.Error = err.Error()
			r.append(rec, frame)
			stepLog.Error().Err(err).Msg("environment step failed")
			return outcome{reason: models.TerminationEnvFatal, failure: models.FailureEnvStep, message: err.Error()}
		}

		rec.Reward = res.Reward
		rec.Done = res.Done
		r.totalReward += res.Reward
		r.lastReward = res.Reward
		r.append(rec, frame)
		obs = res.Observation

		if res.Done {
			r.envDone = true
			return outcome{reason: models.TerminationAgentDone}
		}
		if step >= maxSteps-1 {
			return outcome{reason: models.TerminationStepLimit, failure: r.lastFailure}
		}
		if r.overTime() {
			return outcome{reason: models.TerminationTimeLimit, failure: r.lastFailure}
		}
	}
}

// interrupted reports whether the session must stop now: the batch was
// cancelled, or the wall-clock budget is spent.
func (r *run) interrupted(parent context.Context) (outcome, bool) {
	if parent.Err() != nil {
		return outcome{reason: models.TerminationTimeLimit, failure: models.FailureCancelled, message: "batch cancelled"}, true
	}
	if r.overTime() {
		return outcome{reason: models.TerminationTimeLimit, failure: r.lastFailure}, true
	}
	return outcome{}, false
}

func (r *run) overTime() bool {
	budget := r.c.opts.Limits.MaxSeconds
	return budget > 0 && r.c.now().Sub(r.start).Seconds() > budget
}

func (r *run) append(rec models.StepRecord, frame []byte) {
	stored, err := r.writer.AppendStep(rec, frame)
	if err != nil {
		r.log.Warn().Err(err).Int("step", rec.Step).Msg("failed to persist step")
		r.incomplete = true
	}
	r.records = append(r.records, stored)
	r.c.opts.Metrics.StepTaken(string(rec.Outcome))
}

// finish builds the result, then hands it to the recorder.
func (r *run) finish(out outcome) models.SessionResult {
	c := r.c
	hdr := c.opts.Header

	result := models.SessionResult{
		TaskID:            r.task.ID(),
		Domain:            r.task.Domain,
		ExampleID:         r.task.ExampleID,
		Reward:            r.totalReward,
		StepsTaken:        len(r.records),
		WallTimeSeconds:   r.end.Sub(r.start).Seconds(),
		TerminationReason: out.reason,
		StartedAt:         r.start.UTC(),
		EndedAt:           r.end.UTC(),
		Details: models.SessionDetails{
			FailureType:  out.failure,
			Message:      out.message,
			AgentVersion: hdr.AgentVersion,
			EnvSignature: hdr.EnvSignature,
			Provider:     hdr.Provider,
			Seed:         hdr.Seed,
			Limits:       c.opts.Limits,
		},
	}
	if out.reason == models.TerminationAgentDone {
		result.Success = c.opts.Policies.For(r.task.Domain).Success(Evidence{
			TotalReward: r.totalReward,
			LastReward:  r.lastReward,
			EnvDone:     r.envDone,
			Steps:       len(r.records),
		})
	}

	// result.json must carry the same completeness mark as the returned
	// result; only a failed Finalize can change it afterwards.
	r.markIncomplete(&result)
	path, err := r.writer.Finalize(result)
	if err != nil {
		r.log.Warn().Err(err).Msg("failed to finalize artifacts")
		r.incomplete = true
		r.markIncomplete(&result)
	}
	if path == "" {
		path = r.writer.Dir()
	}
	result.ArtifactsPath = path

	c.opts.Metrics.SessionFinished(string(out.reason), r.end.Sub(r.start))
	ev := r.log.Info()
	if out.reason == models.TerminationEnvFatal {
		ev = r.log.Error()
	}
	ev.Str("reason", string(out.reason)).
		Bool("success", result.Success).
		Float64("reward", result.Reward).
		Int("steps", result.StepsTaken).
		Float64("wall_time_sec", result.WallTimeSeconds).
		Msg("session finished")
	return result
}

func (r *run) markIncomplete(result *models.SessionResult) {
	result.ArtifactsIncomplete = r.incomplete
	if r.incomplete && result.Details.FailureType == "" {
		result.Details.FailureType = models.FailureRecorder
	}
}

func classifyAgentError(err error) (models.StepOutcome, models.FailureType) {
	if ce, ok := agent.AsClientError(err); ok && ce.Kind == agent.KindTimeout {
		return models.OutcomeAgentTimeout, models.FailureAgentTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.OutcomeAgentTimeout, models.FailureAgentTimeout
	}
	return models.OutcomeAgentError, models.FailureAgentError
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
