// Package artifact persists per-session evaluation artifacts.
//
// Layout of one session directory:
//
//	header.json          run header, written at session start
//	frames/step_NNN.png  observation the agent saw at step NNN
//	trace.jsonl          one StepRecord per line, synced after every append
//	result.json          the SessionResult
//	manifest.json        index of the above; written last, marks completeness
package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/spachava753/deskeval/internal/models"
)

const (
	headerFile   = "header.json"
	traceFile    = "trace.jsonl"
	resultFile   = "result.json"
	manifestFile = "manifest.json"
	framesDir    = "frames"
	latestLink   = "latest"
)

// RecorderError is an artifact write failure.
type RecorderError struct {
	Op   string
	Path string
	Err  error
}

func (e *RecorderError) Error() string {
	return fmt.Sprintf("artifact %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *RecorderError) Unwrap() error {
	return e.Err
}

// RunHeader is the task, provider and display metadata of one session.
type RunHeader struct {
	TaskID          string        `json:"task_id"`
	Domain          string        `json:"domain"`
	ExampleID       string        `json:"example_id"`
	Instruction     string        `json:"instruction"`
	Provider        string        `json:"provider"`
	// DesktopProvider is the provider a served request asked for.
	DesktopProvider string        `json:"desktop_provider,omitempty"`
	OSType          string        `json:"os_type,omitempty"`
	Region          string        `json:"region,omitempty"`
	Screen          string        `json:"screen"`
	AgentURL        string        `json:"agent_url,omitempty"`
	AgentVersion    string        `json:"agent_version,omitempty"`
	Seed            *int64        `json:"seed,omitempty"`
	EnvSignature    string        `json:"env_signature"`
	Limits          models.Limits `json:"limits"`
	StartedAt       time.Time     `json:"started_at"`
}

// Manifest indexes a completed session directory.
type Manifest struct {
	TaskID     string   `json:"task_id"`
	RunDir     string   `json:"run_dir"`
	HeaderJSON string   `json:"header_json"`
	ResultJSON string   `json:"result_json"`
	TraceJSONL string   `json:"trace_jsonl"`
	Frames     []string `json:"frames"`
	Steps      int      `json:"steps"`
	StartedAt  string   `json:"started_at"`
	FinishedAt string   `json:"finished_at"`
}

// Writer receives the artifacts of one session. A Writer is owned by a single
// session and is not shared.
type Writer interface {
	// Dir returns the session directory, or "" when nothing is persisted.
	Dir() string

	// AppendStep persists the frame (when non-empty) and appends the record
	// to the trace. The returned record carries the stored frame path.
	AppendStep(rec models.StepRecord, frame []byte) (models.StepRecord, error)

	// Finalize writes the result and then the manifest, and returns the
	// session directory.
	Finalize(result models.SessionResult) (string, error)
}

// Recorder creates session directories under a root directory.
type Recorder struct {
	root string
	log  zerolog.Logger
}

// NewRecorder creates a Recorder rooted at root.
func NewRecorder(root string, log zerolog.Logger) *Recorder {
	return &Recorder{root: root, log: log.With().Str("component", "recorder").Logger()}
}

// Root returns the directory session directories are created in.
func (r *Recorder) Root() string {
	return r.root
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// SafeName makes s usable as a single path element.
func SafeName(s string) string {
	s = unsafeChars.ReplaceAllString(s, "-")
	if len(s) > 120 {
		s = s[:120]
	}
	if s == "" || s == "." || s == ".." {
		s = "task"
	}
	return s
}

// BeginSession creates the session directory, writes the header and opens
// the trace for appending.
func (r *Recorder) BeginSession(header RunHeader) (Writer, error) {
	if header.StartedAt.IsZero() {
		header.StartedAt = time.Now().UTC()
	}
	name := fmt.Sprintf("%s-%s-%s", SafeName(header.TaskID), header.StartedAt.UTC().Format("20060102T150405Z"), uuid.NewString()[:8])
	dir := filepath.Join(r.root, name)

	if err := os.MkdirAll(filepath.Join(dir, framesDir), 0755); err != nil {
		return nil, &RecorderError{Op: "begin", Path: dir, Err: err}
	}
	if err := writeJSONAtomic(filepath.Join(dir, headerFile), header); err != nil {
		return nil, &RecorderError{Op: "begin", Path: filepath.Join(dir, headerFile), Err: err}
	}
	trace, err := os.OpenFile(filepath.Join(dir, traceFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, &RecorderError{Op: "begin", Path: filepath.Join(dir, traceFile), Err: err}
	}

	r.log.Debug().Str("task_id", header.TaskID).Str("dir", dir).Msg("session artifacts started")
	return &sessionWriter{
		recorder: r,
		dir:      dir,
		taskID:   header.TaskID,
		started:  header.StartedAt,
		trace:    trace,
	}, nil
}

type sessionWriter struct {
	recorder *Recorder
	dir      string
	taskID   string
	started  time.Time

	mu        sync.Mutex
	trace     *os.File
	frames    []string
	steps     int
	finalized bool
}

func (w *sessionWriter) Dir() string {
	return w.dir
}

func (w *sessionWriter) AppendStep(rec models.StepRecord, frame []byte) (models.StepRecord, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finalized {
		return rec, &RecorderError{Op: "append", Path: w.dir, Err: errors.New("session already finalized")}
	}

	var frameErr error
	if len(frame) > 0 {
		rel := filepath.Join(framesDir, fmt.Sprintf("step_%03d.png", rec.Step))
		if err := os.WriteFile(filepath.Join(w.dir, rel), frame, 0644); err != nil {
			frameErr = &RecorderError{Op: "append", Path: filepath.Join(w.dir, rel), Err: err}
		} else {
			rec.FramePath = filepath.ToSlash(rel)
			w.frames = append(w.frames, rec.FramePath)
		}
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return rec, &RecorderError{Op: "append", Path: w.trace.Name(), Err: err}
	}
	line = append(line, '\n')
	if _, err := w.trace.Write(line); err != nil {
		return rec, &RecorderError{Op: "append", Path: w.trace.Name(), Err: err}
	}
	if err := w.trace.Sync(); err != nil {
		return rec, &RecorderError{Op: "append", Path: w.trace.Name(), Err: err}
	}
	w.steps++
	return rec, frameErr
}

func (w *sessionWriter) Finalize(result models.SessionResult) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finalized {
		return w.dir, &RecorderError{Op: "finalize", Path: w.dir, Err: errors.New("session already finalized")}
	}
	w.finalized = true

	if err := w.trace.Close(); err != nil {
		return w.dir, &RecorderError{Op: "finalize", Path: w.trace.Name(), Err: err}
	}

	result.ArtifactsPath = w.dir
	if err := writeJSONAtomic(filepath.Join(w.dir, resultFile), result); err != nil {
		return w.dir, &RecorderError{Op: "finalize", Path: filepath.Join(w.dir, resultFile), Err: err}
	}

	frames := w.frames
	if frames == nil {
		frames = []string{}
	}
	manifest := Manifest{
		TaskID:     w.taskID,
		RunDir:     w.dir,
		HeaderJSON: headerFile,
		ResultJSON: resultFile,
		TraceJSONL: traceFile,
		Frames:     frames,
		Steps:      w.steps,
		StartedAt:  w.started.UTC().Format(time.RFC3339),
		FinishedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := writeJSONAtomic(filepath.Join(w.dir, manifestFile), manifest); err != nil {
		return w.dir, &RecorderError{Op: "finalize", Path: filepath.Join(w.dir, manifestFile), Err: err}
	}

	w.recorder.updateLatest(w.dir)
	return w.dir, nil
}

// updateLatest points root/latest at dir. Concurrent sessions race on the
// link; the loser's error is only logged.
func (r *Recorder) updateLatest(dir string) {
	link := filepath.Join(r.root, latestLink)
	tmp := fmt.Sprintf("%s.%s", link, uuid.NewString()[:8])
	if err := os.Symlink(filepath.Base(dir), tmp); err != nil {
		r.log.Debug().Err(err).Msg("could not create latest symlink")
		return
	}
	if err := os.Rename(tmp, link); err != nil {
		os.Remove(tmp)
		r.log.Debug().Err(err).Msg("could not update latest symlink")
	}
}

// IsComplete reports whether dir holds a finalized session.
func IsComplete(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, manifestFile))
	return err == nil
}

// ReadTrace loads the step records of a session directory. A trailing
// partial line, as left by a crash mid-write, is ignored.
func ReadTrace(dir string) ([]models.StepRecord, error) {
	data, err := os.ReadFile(filepath.Join(dir, traceFile))
	if err != nil {
		return nil, fmt.Errorf("reading trace: %w", err)
	}
	var records []models.StepRecord
	for _, line := range splitLines(data) {
		var rec models.StepRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			break
		}
		records = append(records, rec)
	}
	return records, nil
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				lines = append(lines, data[start:i])
			}
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}

// writeJSONAtomic writes v as indented JSON via a temp file and rename.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Discard is a Writer that persists nothing. Sessions fall back to it when
// their directory cannot be created.
var Discard Writer = discardWriter{}

type discardWriter struct{}

func (discardWriter) Dir() string { return "" }

func (discardWriter) AppendStep(rec models.StepRecord, frame []byte) (models.StepRecord, error) {
	return rec, nil
}

func (discardWriter) Finalize(result models.SessionResult) (string, error) { return "", nil }
