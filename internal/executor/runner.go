package executor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/spachava753/deskeval/internal/models"
)

// SessionRunner runs one task to completion. *session.Controller
// satisfies it.
type SessionRunner interface {
	Run(ctx context.Context, task models.TaskDescriptor) models.SessionResult
}

// Runner drives selected tasks through sessions with bounded concurrency.
type Runner struct {
	sessions    SessionRunner
	concurrency int
	log         zerolog.Logger
}

// NewRunner creates a Runner running at most concurrency sessions at once.
func NewRunner(sessions SessionRunner, concurrency int, log zerolog.Logger) *Runner {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Runner{
		sessions:    sessions,
		concurrency: concurrency,
		log:         log.With().Str("component", "runner").Logger(),
	}
}

// accumulator is the only state shared between session workers.
type accumulator struct {
	mu      sync.Mutex
	results []models.SessionResult
	done    []bool
}

func (a *accumulator) add(i int, res models.SessionResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.results[i] = res
	a.done[i] = true
}

// Run executes every selected task and returns exactly one result per task,
// in selection order. Tasks not dispatched because ctx was cancelled get a
// TimeLimit result marked cancelled. A session that panics is recorded as
// EnvFatal and the batch continues.
func (r *Runner) Run(ctx context.Context, tasks []models.SelectedTask) []models.SessionResult {
	acc := &accumulator{
		results: make([]models.SessionResult, len(tasks)),
		done:    make([]bool, len(tasks)),
	}

	var g errgroup.Group
	g.SetLimit(min(r.concurrency, max(len(tasks), 1)))

	for i, st := range tasks {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			// g.Go may have blocked on the limit until after cancellation.
			if ctx.Err() != nil {
				return nil
			}
			acc.add(i, r.runOne(ctx, st.Task))
			return nil
		})
	}
	_ = g.Wait()

	skipped := 0
	for i, st := range tasks {
		if !acc.done[i] {
			acc.results[i] = cancelledResult(st.Task)
			skipped++
		}
	}
	if skipped > 0 {
		r.log.Warn().Int("skipped", skipped).Msg("batch cancelled before all tasks were dispatched")
	}
	return acc.results
}

func (r *Runner) runOne(ctx context.Context, task models.TaskDescriptor) (res models.SessionResult) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			r.log.Error().
				Str("task_id", task.ID()).
				Interface("panic", p).
				Str("stack", string(debug.Stack())).
				Msg("session panicked")
			end := time.Now()
			res = models.SessionResult{
				TaskID:            task.ID(),
				Domain:            task.Domain,
				ExampleID:         task.ExampleID,
				TerminationReason: models.TerminationEnvFatal,
				WallTimeSeconds:   end.Sub(start).Seconds(),
				StartedAt:         start.UTC(),
				EndedAt:           end.UTC(),
				Details: models.SessionDetails{
					FailureType: models.FailureInternal,
					Message:     fmt.Sprintf("panic: %v", p),
				},
			}
		}
	}()
	return r.sessions.Run(ctx, task)
}

func cancelledResult(task models.TaskDescriptor) models.SessionResult {
	now := time.Now().UTC()
	return models.SessionResult{
		TaskID:            task.ID(),
		Domain:            task.Domain,
		ExampleID:         task.ExampleID,
		TerminationReason: models.TerminationTimeLimit,
		StartedAt:         now,
		EndedAt:           now,
		Details: models.SessionDetails{
			FailureType: models.FailureCancelled,
			Message:     "not started: batch cancelled",
		},
	}
}
