package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/spachava753/deskeval/internal/models"
)

// DefaultInstruction is used when an example has no instruction.
const DefaultInstruction = "Follow the instruction."

// Loader reads example configurations from
// <root>/examples/<domain>/<id>.json.
type Loader struct {
	root        string
	concurrency int
	cache       *lru.Cache[string, models.TaskDescriptor]
	log         zerolog.Logger
}

// NewLoader creates a Loader that keeps up to cacheSize parsed examples.
func NewLoader(root string, cacheSize int, log zerolog.Logger) (*Loader, error) {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	cache, err := lru.New[string, models.TaskDescriptor](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating example cache: %w", err)
	}
	return &Loader{
		root:        root,
		concurrency: 8,
		cache:       cache,
		log:         log.With().Str("component", "catalog").Logger(),
	}, nil
}

// Root returns the catalog root directory.
func (l *Loader) Root() string {
	return l.root
}

// Slice loads a slice by name from the catalog root.
func (l *Loader) Slice(ctx context.Context, name string) (models.Slice, error) {
	return LoadSlice(ctx, l.root, name)
}

// Tasks loads every example of the slice, in catalog order. Any missing or
// malformed example fails the whole load.
func (l *Loader) Tasks(ctx context.Context, slice models.Slice) ([]models.TaskDescriptor, error) {
	refs := slice.Refs()
	tasks := make([]models.TaskDescriptor, len(refs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(l.concurrency)
	for i, ref := range refs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			t, err := l.Example(ref.Domain, ref.ExampleID)
			if err != nil {
				return err
			}
			tasks[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	l.log.Debug().Str("slice", slice.Name).Int("tasks", len(tasks)).Msg("slice examples loaded")
	return tasks, nil
}

// Example loads one example configuration.
func (l *Loader) Example(domain, exampleID string) (models.TaskDescriptor, error) {
	key := domain + "/" + exampleID
	if t, ok := l.cache.Get(key); ok {
		return t, nil
	}

	p := filepath.Join(l.root, "examples", domain, exampleID+".json")
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return models.TaskDescriptor{}, fmt.Errorf("example %s/%s not found at %s", domain, exampleID, p)
		}
		return models.TaskDescriptor{}, fmt.Errorf("reading example %s: %w", p, err)
	}

	t, err := ParseExample(domain, exampleID, data)
	if err != nil {
		return models.TaskDescriptor{}, fmt.Errorf("example %s: %w", p, err)
	}
	l.cache.Add(key, t)
	return t, nil
}

// ParseExample builds a TaskDescriptor from raw example JSON.
func ParseExample(domain, exampleID string, data []byte) (models.TaskDescriptor, error) {
	var cfg map[string]any
	if err := json.Unmarshal(data, &cfg); err != nil {
		return models.TaskDescriptor{}, fmt.Errorf("parsing example JSON: %w", err)
	}

	instruction, _ := cfg["instruction"].(string)
	if instruction == "" {
		instruction = DefaultInstruction
	}

	return models.TaskDescriptor{
		Domain:                domain,
		ExampleID:             exampleID,
		Instruction:           instruction,
		Config:                json.RawMessage(data),
		RequiresExternalDrive: RequiresExternalDrive(domain, cfg),
		RequiresProxy:         RequiresProxy(cfg),
	}, nil
}
