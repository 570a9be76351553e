package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/fatih/color"

	"github.com/spachava753/deskeval/internal/models"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func reasonColor(r models.TerminationReason) func(a ...any) string {
	switch r {
	case models.TerminationAgentDone:
		return green
	case models.TerminationEnvFatal:
		return red
	case models.TerminationAgentFail:
		return gray
	default:
		return yellow
	}
}

// printSummary writes a per-task table followed by batch totals.
func printSummary(w io.Writer, s *models.RunSummary, dir string) {
	fmt.Fprintf(w, "\n%s %s (slice %s, mode %s, agent %s)\n\n", bold("Run"), s.RunName, s.Slice, s.Mode, s.AgentVersion)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tTASK\tRESULT\tREWARD\tSTEPS\tTIME\tREASON")
	for i, r := range s.Results {
		result := red("fail")
		if r.Success {
			result = green("ok")
		}
		reason := string(r.TerminationReason)
		if ft := r.Details.FailureType; ft != "" {
			reason += " (" + string(ft) + ")"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%.2f\t%d\t%.1fs\t%s\n",
			i, r.TaskID, result, r.Reward, r.StepsTaken, r.WallTimeSeconds, reasonColor(r.TerminationReason)(reason))
	}
	_ = tw.Flush()

	fmt.Fprintf(w, "\nTasks: %d  Succeeded: %s  Success rate: %.2f%%  Mean reward: %.4f\n",
		s.TotalTasks, green(s.Succeeded), s.SuccessRate*100, s.MeanReward)
	for _, reason := range models.TerminationReasons {
		if n := s.CountsByReason[reason]; n > 0 {
			fmt.Fprintf(w, "  %s: %d\n", reasonColor(reason)(string(reason)), n)
		}
	}
	fmt.Fprintf(w, "Duration: %.2fs\n", s.TotalWallTimeSeconds)
	if s.Cancelled {
		fmt.Fprintln(w, yellow("Batch was cancelled before every task ran."))
	}
	if dir != "" {
		fmt.Fprintf(w, "Results: %s\n", dir)
	}
}
