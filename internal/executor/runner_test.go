package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spachava753/deskeval/internal/models"
)

type fakeSessions struct {
	mu        sync.Mutex
	active    int
	maxActive int
	run       func(ctx context.Context, task models.TaskDescriptor) models.SessionResult
}

func (f *fakeSessions) Run(ctx context.Context, task models.TaskDescriptor) models.SessionResult {
	f.mu.Lock()
	f.active++
	f.maxActive = max(f.maxActive, f.active)
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()
	return f.run(ctx, task)
}

func selectedTasks(n int) []models.SelectedTask {
	out := make([]models.SelectedTask, n)
	for i := range out {
		out[i] = models.SelectedTask{Index: i * 2, Task: models.TaskDescriptor{Domain: "os", ExampleID: fmt.Sprintf("t%d", i)}}
	}
	return out
}

func okResult(task models.TaskDescriptor) models.SessionResult {
	return models.SessionResult{TaskID: task.ID(), TerminationReason: models.TerminationAgentDone, Success: true, Reward: 1, StepsTaken: 1}
}

func TestRunnerOneResultPerTaskInOrder(t *testing.T) {
	fs := &fakeSessions{run: func(ctx context.Context, task models.TaskDescriptor) models.SessionResult {
		// Finish out of submission order.
		if task.ExampleID == "t0" {
			time.Sleep(20 * time.Millisecond)
		}
		if task.ExampleID == "t3" {
			panic("adapter blew up")
		}
		return okResult(task)
	}}
	tasks := selectedTasks(8)

	results := NewRunner(fs, 3, zerolog.Nop()).Run(context.Background(), tasks)

	require.Len(t, results, 8)
	for i, r := range results {
		assert.Equal(t, tasks[i].Task.ID(), r.TaskID)
	}
	assert.Equal(t, models.TerminationEnvFatal, results[3].TerminationReason)
	assert.Equal(t, models.FailureInternal, results[3].Details.FailureType)
	assert.Contains(t, results[3].Details.Message, "adapter blew up")
	assert.Equal(t, models.TerminationAgentDone, results[4].TerminationReason)
	assert.LessOrEqual(t, fs.maxActive, 3)
}

func TestRunnerConcurrencyCap(t *testing.T) {
	var running atomic.Int32
	var peak atomic.Int32
	fs := &fakeSessions{run: func(ctx context.Context, task models.TaskDescriptor) models.SessionResult {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		return okResult(task)
	}}

	results := NewRunner(fs, 2, zerolog.Nop()).Run(context.Background(), selectedTasks(10))
	assert.Len(t, results, 10)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestRunnerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fs := &fakeSessions{run: func(ctx context.Context, task models.TaskDescriptor) models.SessionResult {
		if task.ExampleID == "t1" {
			cancel()
		}
		return okResult(task)
	}}

	results := NewRunner(fs, 1, zerolog.Nop()).Run(ctx, selectedTasks(5))

	require.Len(t, results, 5)
	assert.Equal(t, models.TerminationAgentDone, results[0].TerminationReason)
	last := results[4]
	assert.Equal(t, "os__t4", last.TaskID)
	assert.Equal(t, models.TerminationTimeLimit, last.TerminationReason)
	assert.Equal(t, models.FailureCancelled, last.Details.FailureType)
	assert.Zero(t, last.StepsTaken)

	summary := Summarize("r", selectedTasks(5), results, time.Now(), time.Now())
	assert.True(t, summary.Cancelled)
	assert.GreaterOrEqual(t, summary.Produced(), 2)
	assert.Less(t, summary.Produced(), 5)
}

func TestRunnerSkipsTaskQueuedBehindCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var runs atomic.Int32
	fs := &fakeSessions{run: func(ctx context.Context, task models.TaskDescriptor) models.SessionResult {
		runs.Add(1)
		// t1 is already waiting for this slot when the batch is cancelled.
		cancel()
		return okResult(task)
	}}

	results := NewRunner(fs, 1, zerolog.Nop()).Run(ctx, selectedTasks(3))

	require.Len(t, results, 3)
	assert.EqualValues(t, 1, runs.Load())
	assert.Equal(t, models.TerminationAgentDone, results[0].TerminationReason)
	for _, r := range results[1:] {
		assert.Equal(t, models.FailureCancelled, r.Details.FailureType)
		assert.Empty(t, r.ArtifactsPath)
	}
	summary := Summarize("r", selectedTasks(3), results, time.Now(), time.Now())
	assert.Equal(t, 1, summary.Produced())
}

func TestSummarize(t *testing.T) {
	tasks := selectedTasks(3)
	results := []models.SessionResult{
		okResult(tasks[0].Task),
		{TaskID: tasks[1].Task.ID(), TerminationReason: models.TerminationStepLimit, WallTimeSeconds: 2},
		{TaskID: tasks[2].Task.ID(), TerminationReason: models.TerminationEnvFatal, WallTimeSeconds: 1},
	}
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	s := Summarize("run-1", tasks, results, start, start.Add(10*time.Second))

	assert.Equal(t, 3, s.TotalTasks)
	assert.Equal(t, 1, s.Succeeded)
	assert.InDelta(t, 1.0/3, s.SuccessRate, 1e-9)
	assert.Equal(t, 1, s.CountsByReason[models.TerminationStepLimit])
	assert.Equal(t, 0, s.CountsByReason[models.TerminationAgentFail])
	assert.Equal(t, 10.0, s.TotalWallTimeSeconds)
	assert.Equal(t, 3.0, s.SessionSeconds)
	assert.Equal(t, 4, s.Index[2].Index)
	assert.Equal(t, 3, s.Produced())
	assert.False(t, s.Cancelled)
}
