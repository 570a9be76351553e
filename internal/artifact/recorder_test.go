package artifact

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spachava753/deskeval/internal/models"
)

func TestSafeName(t *testing.T) {
	assert.Equal(t, "chrome__abc-def", SafeName("chrome__abc/def"))
	assert.Equal(t, "a-b", SafeName("a  ::  b"))
	assert.Equal(t, "task", SafeName(".."))
	assert.Len(t, SafeName(strings.Repeat("x", 300)), 120)
}

func TestSessionLifecycle(t *testing.T) {
	root := t.TempDir()
	rec := NewRecorder(root, zerolog.Nop())

	w, err := rec.BeginSession(RunHeader{TaskID: "os__1", Domain: "os", ExampleID: "1", Screen: "1920x1080"})
	require.NoError(t, err)
	dir := w.Dir()
	assert.FileExists(t, filepath.Join(dir, "header.json"))
	assert.False(t, IsComplete(dir))

	stored, err := w.AppendStep(models.StepRecord{Step: 0, Action: models.WaitAction(0), Outcome: models.OutcomeExecuted}, []byte("png0"))
	require.NoError(t, err)
	assert.Equal(t, "frames/step_000.png", stored.FramePath)

	_, err = w.AppendStep(models.StepRecord{Step: 1, Action: models.WaitAction(0), Outcome: models.OutcomeAgentError, Error: "boom"}, nil)
	require.NoError(t, err)

	// Steps are durable before finalize.
	records, err := ReadTrace(dir)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "frames/step_000.png", records[0].FramePath)
	assert.Equal(t, "boom", records[1].Error)

	path, err := w.Finalize(models.SessionResult{TaskID: "os__1", StepsTaken: 2, TerminationReason: models.TerminationStepLimit})
	require.NoError(t, err)
	assert.Equal(t, dir, path)
	assert.True(t, IsComplete(dir))

	var result models.SessionResult
	data, err := os.ReadFile(filepath.Join(dir, "result.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &result))
	assert.Equal(t, dir, result.ArtifactsPath)

	var manifest Manifest
	data, err = os.ReadFile(filepath.Join(dir, "manifest.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &manifest))
	assert.Equal(t, []string{"frames/step_000.png"}, manifest.Frames)
	assert.Equal(t, 2, manifest.Steps)
	_, err = time.Parse(time.RFC3339, manifest.FinishedAt)
	assert.NoError(t, err)

	target, err := os.Readlink(filepath.Join(root, "latest"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Base(dir), target)

	_, err = w.AppendStep(models.StepRecord{Step: 2}, nil)
	var re *RecorderError
	assert.ErrorAs(t, err, &re)
}

func TestReadTraceIgnoresTornLine(t *testing.T) {
	dir := t.TempDir()
	content := `{"step":0,"outcome":"Executed"}` + "\n" + `{"step":1,"outc`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "trace.jsonl"), []byte(content), 0644))

	records, err := ReadTrace(dir)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 0, records[0].Step)
}

func TestBeginSessionFailure(t *testing.T) {
	root := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(root, []byte("x"), 0644))

	_, err := NewRecorder(root, zerolog.Nop()).BeginSession(RunHeader{TaskID: "t"})
	var re *RecorderError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "begin", re.Op)
}

func TestEnvSignatureStable(t *testing.T) {
	a := EnvSignature("docker", "us-east-1", "1920x1080", "1.0")
	assert.Equal(t, a, EnvSignature("docker", "us-east-1", "1920x1080", "1.0"))
	assert.NotEqual(t, a, EnvSignature("modal", "us-east-1", "1920x1080", "1.0"))
	assert.Len(t, a, 64)
}
