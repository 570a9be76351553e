package executor

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spachava753/deskeval/internal/models"
)

// Summarize aggregates results into a RunSummary. results and selected
// must be in the same order.
func Summarize(runName string, selected []models.SelectedTask, results []models.SessionResult, started, ended time.Time) *models.RunSummary {
	s := &models.RunSummary{
		RunName:        runName,
		TotalTasks:     len(results),
		CountsByReason: make(map[models.TerminationReason]int, len(models.TerminationReasons)),
		StartedAt:      started.UTC(),
		EndedAt:        ended.UTC(),
		Index:          make([]models.IndexEntry, 0, len(selected)),
		Results:        results,
	}
	for _, reason := range models.TerminationReasons {
		s.CountsByReason[reason] = 0
	}

	var rewardSum float64
	for i, r := range results {
		s.CountsByReason[r.TerminationReason]++
		if r.Success {
			s.Succeeded++
		}
		rewardSum += r.Reward
		s.SessionSeconds += r.WallTimeSeconds
		if r.Details.FailureType == models.FailureCancelled {
			s.Cancelled = true
		}
		entry := models.IndexEntry{Position: i, TaskID: r.TaskID, Index: -1}
		if i < len(selected) {
			entry.Index = selected[i].Index
		}
		s.Index = append(s.Index, entry)
	}
	if n := len(results); n > 0 {
		s.SuccessRate = float64(s.Succeeded) / float64(n)
		s.MeanReward = rewardSum / float64(n)
	}
	s.TotalWallTimeSeconds = s.EndedAt.Sub(s.StartedAt).Seconds()
	return s
}

// WriteSummaryJSON writes the RunSummary as summary.json.
func WriteSummaryJSON(dir string, s *models.RunSummary) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling summary: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "summary.json"), data, 0644); err != nil {
		return fmt.Errorf("writing summary: %w", err)
	}
	return nil
}

// WriteSummaryCSV writes one row per task in selection order.
func WriteSummaryCSV(dir string, s *models.RunSummary) error {
	rows := [][]string{{
		"position", "task_id", "domain", "example_id", "success", "reward", "steps",
		"wall_time_sec", "termination_reason", "failure_type", "artifacts_incomplete", "artifacts_path",
	}}
	for i, r := range s.Results {
		rows = append(rows, []string{
			strconv.Itoa(i),
			r.TaskID,
			r.Domain,
			r.ExampleID,
			strconv.FormatBool(r.Success),
			strconv.FormatFloat(r.Reward, 'f', -1, 64),
			strconv.Itoa(r.StepsTaken),
			strconv.FormatFloat(r.WallTimeSeconds, 'f', 3, 64),
			string(r.TerminationReason),
			string(r.Details.FailureType),
			strconv.FormatBool(r.ArtifactsIncomplete),
			r.ArtifactsPath,
		})
	}
	return writeCSV(filepath.Join(dir, "summary.csv"), rows)
}

// WriteIndexMap writes the filtered slice, position by position, so
// indices and random selections can be audited later.
func WriteIndexMap(dir string, pool []models.SelectedTask) error {
	rows := [][]string{{"index", "domain", "example_id", "task_id"}}
	for _, st := range pool {
		rows = append(rows, []string{strconv.Itoa(st.Index), st.Task.Domain, st.Task.ExampleID, st.Task.ID()})
	}
	return writeCSV(filepath.Join(dir, "index_map.csv"), rows)
}

// WriteSelection writes selection position to slice index and task id.
func WriteSelection(dir string, selected []models.SelectedTask) error {
	rows := [][]string{{"position", "index", "task_id"}}
	for i, st := range selected {
		rows = append(rows, []string{strconv.Itoa(i), strconv.Itoa(st.Index), st.Task.ID()})
	}
	return writeCSV(filepath.Join(dir, "selection.csv"), rows)
}

func writeCSV(path string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Base(path), err)
	}
	w := csv.NewWriter(f)
	if err := w.WriteAll(rows); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}
