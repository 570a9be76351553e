// Package cli provides the deskeval command-line interface.
package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/spachava753/deskeval/internal/logging"
)

// BuildInfo is set at build time via ldflags.
type BuildInfo struct {
	Version string
	Commit  string
}

// ExitError carries a process exit code out of a command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExitCode maps a command error to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return 1
}

// app is the state shared by all commands of one invocation.
type app struct {
	v    *viper.Viper
	info BuildInfo

	mu     sync.Mutex
	logger *logging.Logger
}

func (a *app) log() zerolog.Logger {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.logger == nil {
		return zerolog.Nop()
	}
	return a.logger.Logger
}

func newRootCmd(info BuildInfo) *cobra.Command {
	a := &app{v: newViper(), info: info}

	cmd := &cobra.Command{
		Use:   "deskeval",
		Short: "Evaluate desktop-automation agents against simulated desktops",
		Long: `deskeval runs batches of desktop tasks against an agent reachable over HTTP,
recording a frame and trace line per step and a summary per batch.`,
		Version: formatVersion(info),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := bindFlags(a.v, cmd.Root().PersistentFlags()); err != nil {
				return fmt.Errorf("failed to bind flags: %w", err)
			}
			l, err := logging.New(logging.Options{
				Level: a.v.GetString("log_level"),
				File:  a.v.GetString("log_file"),
				JSON:  a.v.GetBool("json_logs"),
			})
			if err != nil {
				return err
			}
			a.mu.Lock()
			a.logger = l
			a.mu.Unlock()
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			a.mu.Lock()
			defer a.mu.Unlock()
			if a.logger != nil {
				_ = a.logger.Close()
			}
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := cmd.PersistentFlags()
	pf.String("log-level", "info", "log level (debug|info|warn|error)")
	pf.String("log-file", "", "also write JSON logs to this file, rotated")
	pf.Bool("json-logs", false, "force JSON log output on a terminal")

	cmd.AddCommand(newRunCmd(a), newServeCmd(a), newProbeCmd(a))
	return cmd
}

func formatVersion(info BuildInfo) string {
	if info.Version == "" {
		info.Version = "dev"
	}
	if info.Commit == "" {
		info.Commit = "none"
	}
	return fmt.Sprintf("%s (commit: %s)", info.Version, info.Commit)
}

// newViper returns a viper instance reading DESKEVAL_* variables, with
// dotted keys mapped to underscores (agent.url -> DESKEVAL_AGENT_URL).
func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("DESKEVAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Execute runs the root command.
func Execute(ctx context.Context, info BuildInfo) error {
	return newRootCmd(info).ExecuteContext(ctx)
}
