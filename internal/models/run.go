package models

import "time"

// IndexEntry maps a selection position to the task that ran there.
type IndexEntry struct {
	Position int    `json:"position"`
	Index    int    `json:"slice_index"`
	TaskID   string `json:"task_id"`
}

// RunSummary contains aggregate results across all sessions of a batch.
type RunSummary struct {
	RunName              string                    `json:"run_name"`
	Slice                string                    `json:"slice"`
	Mode                 string                    `json:"mode"`
	AgentVersion         string                    `json:"agent_version"`
	Cancelled            bool                      `json:"cancelled"`
	TotalTasks           int                       `json:"total_tasks"`
	Succeeded            int                       `json:"succeeded"`
	SuccessRate          float64                   `json:"success_rate"`
	MeanReward           float64                   `json:"mean_reward"`
	TotalWallTimeSeconds float64                   `json:"total_wall_time_sec"`
	SessionSeconds       float64                   `json:"session_seconds"`
	CountsByReason       map[TerminationReason]int `json:"counts_by_reason"`
	StartedAt            time.Time                 `json:"started_at"`
	EndedAt              time.Time                 `json:"ended_at"`
	Index                []IndexEntry              `json:"index"`
	Results              []SessionResult           `json:"results"`
}

// Produced reports how many results came from sessions that actually ran,
// as opposed to tasks skipped by a batch cancellation before dispatch.
func (s *RunSummary) Produced() int {
	n := 0
	for _, r := range s.Results {
		if r.Details.FailureType == FailureCancelled && r.StepsTaken == 0 && r.ArtifactsPath == "" {
			continue
		}
		n++
	}
	return n
}
