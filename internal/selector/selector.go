// Package selector picks the ordered list of tasks a batch runs.
package selector

import (
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/spachava753/deskeval/internal/models"
)

// Mode is a selection mode.
type Mode string

const (
	ModeAll     Mode = "all"
	ModeSmall   Mode = "small" // same as all; kept for existing job files
	ModeDomain  Mode = "domain"
	ModeSingle  Mode = "single"
	ModeRandom  Mode = "random"
	ModeIndices Mode = "indices"
)

// SelectorError is a bad slice or mode argument. It is raised before any
// session starts.
type SelectorError struct {
	Reason string
}

func (e *SelectorError) Error() string {
	return "task selection: " + e.Reason
}

func errorf(format string, args ...any) error {
	return &SelectorError{Reason: fmt.Sprintf(format, args...)}
}

// Selection is a mode with its arguments and the pre-filters.
type Selection struct {
	Mode      Mode
	Domain    string
	ExampleID string
	K         int
	Seed      int64
	Indices   []int

	NoExternalDrive bool
	NoProxy         bool
}

// FromConfig converts the job's selection block. For single mode the
// example may be given as "domain/example_id".
func FromConfig(cfg models.SelectionConfig) Selection {
	sel := Selection{
		Mode:            Mode(strings.ToLower(cfg.Mode)),
		Domain:          cfg.Domain,
		ExampleID:       cfg.Example,
		K:               cfg.K,
		Seed:            cfg.Seed,
		Indices:         cfg.Indices,
		NoExternalDrive: cfg.NoExternalDrive,
		NoProxy:         cfg.NoProxy,
	}
	if domain, id, ok := strings.Cut(cfg.Example, "/"); ok {
		sel.Domain, sel.ExampleID = domain, id
	}
	return sel
}

// Filter drops tasks excluded by the pre-filters and numbers the rest by
// their position in the filtered, flattened slice.
func Filter(tasks []models.TaskDescriptor, sel Selection) []models.SelectedTask {
	out := make([]models.SelectedTask, 0, len(tasks))
	for _, t := range tasks {
		if sel.NoExternalDrive && t.RequiresExternalDrive {
			continue
		}
		if sel.NoProxy && t.RequiresProxy {
			continue
		}
		out = append(out, models.SelectedTask{Index: len(out), Task: t})
	}
	return out
}

// Select applies the pre-filters, then the mode. The result is a pure
// function of its inputs.
func Select(tasks []models.TaskDescriptor, sel Selection) ([]models.SelectedTask, error) {
	pool := Filter(tasks, sel)

	switch sel.Mode {
	case ModeAll, ModeSmall, "":
		return pool, nil

	case ModeDomain:
		if sel.Domain == "" {
			return nil, errorf("mode domain requires a domain")
		}
		var out []models.SelectedTask
		for _, st := range pool {
			if st.Task.Domain == sel.Domain {
				out = append(out, st)
			}
		}
		if len(out) == 0 {
			return nil, errorf("domain %q has no tasks in the slice", sel.Domain)
		}
		return out, nil

	case ModeSingle:
		if sel.Domain == "" || sel.ExampleID == "" {
			return nil, errorf("mode single requires domain and example id")
		}
		for _, st := range pool {
			if st.Task.Domain == sel.Domain && st.Task.ExampleID == sel.ExampleID {
				return []models.SelectedTask{st}, nil
			}
		}
		return nil, errorf("task %s/%s not found in the slice", sel.Domain, sel.ExampleID)

	case ModeRandom:
		if sel.K <= 0 {
			return nil, errorf("mode random requires k > 0, got %d", sel.K)
		}
		if len(pool) == 0 {
			return nil, errorf("no tasks remain after filters")
		}
		return sample(pool, sel.K, sel.Seed), nil

	case ModeIndices:
		if len(sel.Indices) == 0 {
			return nil, errorf("mode indices requires at least one index")
		}
		seen := make(map[int]bool, len(sel.Indices))
		out := make([]models.SelectedTask, 0, len(sel.Indices))
		for _, idx := range sel.Indices {
			if idx < 0 || idx >= len(pool) {
				return nil, errorf("index %d out of range 0..%d", idx, len(pool)-1)
			}
			if seen[idx] {
				return nil, errorf("duplicate index %d", idx)
			}
			seen[idx] = true
			out = append(out, pool[idx])
		}
		return out, nil
	}

	return nil, errorf("unknown mode %q", sel.Mode)
}

// sample draws k tasks without replacement with a partial Fisher-Yates
// shuffle driven by a PCG seeded from seed, so equal inputs always give the
// same ordered sample.
func sample(pool []models.SelectedTask, k int, seed int64) []models.SelectedTask {
	k = min(k, len(pool))
	idx := make([]int, len(pool))
	for i := range idx {
		idx[i] = i
	}
	rng := rand.New(rand.NewPCG(uint64(seed), 0))
	out := make([]models.SelectedTask, k)
	for i := 0; i < k; i++ {
		j := i + rng.IntN(len(idx)-i)
		idx[i], idx[j] = idx[j], idx[i]
		out[i] = pool[idx[i]]
	}
	return out
}
