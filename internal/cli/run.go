package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/spachava753/deskeval/internal/executor"
	"github.com/spachava753/deskeval/internal/metrics"
)

func newRunCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [job.yaml]",
		Short: "Run a batch of tasks against the agent",
		Long: `Run selects tasks from a slice, runs one session per task and writes
summary.json, summary.csv, index_map.csv and selection.csv under <runs_dir>/<name>.

Settings come from the optional job file, overridden by DESKEVAL_* environment
variables (DESKEVAL_AGENT_TOKEN, DESKEVAL_SELECTION_SEED, ...) and then by flags.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := bindFlags(a.v, cmd.Flags()); err != nil {
				return err
			}
			var path string
			if len(args) == 1 {
				path = args[0]
			}
			cfg, err := loadConfig(a.v, path)
			if err != nil {
				return &ExitError{Code: 2, Err: err}
			}

			summary, dir, err := executor.RunJob(cmd.Context(), cfg, metrics.Default(), a.log())
			if summary == nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), summary, dir)
			if err != nil {
				logger := a.log()
				logger.Error().Err(err).Msg("batch artifacts incomplete")
			}
			if summary.Produced() == 0 {
				return &ExitError{Code: 1, Err: errors.New("no session produced a result")}
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.String("name", "", "run name (default: start time)")
	f.String("runs-dir", "", "directory holding run directories")
	f.Int("concurrency", 0, "sessions run in parallel")
	f.String("agent-url", "", "agent base URL")
	f.String("agent-token", "", "agent auth token")
	f.String("agent-version", "", "agent version recorded in results (default: from the agent card)")
	f.Bool("path-token", false, "send the agent token as a /t/<token> path prefix")
	f.String("env-type", "", "environment backend (http|docker|modal|apple)")
	f.String("env-url", "", "simulator URL for the http backend")
	f.String("image", "", "desktop image for container backends")
	f.String("region", "", "environment region")
	f.String("catalog", "", "catalog root directory")
	f.String("slice", "", "slice name, file or URL")
	f.String("mode", "", "selection mode (all|small|domain|single|random|indices)")
	f.String("domain", "", "domain for domain mode")
	f.String("example", "", "example id (or domain/id) for single mode")
	f.Int("k", 0, "sample size for random mode")
	f.Int64("seed", 0, "seed for random mode")
	f.String("indices", "", "comma separated positions for indices mode")
	f.Bool("no-external-drive", false, "skip tasks that need a cloud drive")
	f.Bool("no-proxy", false, "skip tasks that need the network proxy")
	f.Int("max-steps", 0, "step limit per session")
	f.Float64("max-seconds", 0, "wall-clock limit per session")
	return cmd
}
