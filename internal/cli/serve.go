package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/spachava753/deskeval/internal/artifact"
	"github.com/spachava753/deskeval/internal/environment"
	"github.com/spachava753/deskeval/internal/executor"
	"github.com/spachava753/deskeval/internal/metrics"
	"github.com/spachava753/deskeval/internal/server"
	"github.com/spachava753/deskeval/internal/session"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve [job.yaml]",
		Short: "Serve the evaluator over HTTP",
		Long: `Serve exposes /card, /reset and /act. Each /act request runs one session
against the configured agent and environment and returns its result. The
same routes are available under /t/<token>/ for clients that cannot set
headers.`,
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
			log := a.log()
			ctx := cmd.Context()

			m := metrics.Default()
			adapter, closeAdapter, err := executor.NewAdapter(cfg.Environment, log)
			if err != nil {
				return fmt.Errorf("creating environment adapter: %w", err)
			}
			defer func() {
				if err := closeAdapter(context.WithoutCancel(ctx)); err != nil {
					log.Warn().Err(err).Msg("failed to close environment provider")
				}
			}()

			client := executor.NewAgentClient(cfg.Agent, m, log)
			policies, err := session.NewPolicies(cfg.Success)
			if err != nil {
				return &ExitError{Code: 2, Err: err}
			}
			agentVersion := (&executor.Job{Config: cfg, Agent: client, Logger: log}).AgentVersion(ctx)
			screen := environment.Screen{Width: cfg.Environment.ScreenWidth, Height: cfg.Environment.ScreenHeight}
			base := artifact.RunHeader{
				Provider:     adapter.Name(),
				OSType:       cfg.Environment.OSType,
				Region:       cfg.Environment.Region,
				Screen:       screen.String(),
				AgentURL:     cfg.Agent.URL,
				AgentVersion: agentVersion,
				EnvSignature: artifact.EnvSignature(adapter.Name(), cfg.Environment.Region, screen.String(), agentVersion),
			}
			recorder := artifact.NewRecorder(filepath.Join(cfg.RunsDir, "served"), log)

			factory := func(req server.ActRequest) server.Evaluator {
				return session.NewController(client, adapter, recorder, session.Options{
					Limits:   req.ApplyLimits(cfg.Limits.ToLimits()),
					Tools:    cfg.Agent.Tools,
					Policies: policies,
					Header:   req.ApplyHeader(base),
					Metrics:  m,
					Logger:   log,
				})
			}

			srv := server.New(factory, server.Options{
				Config: cfg.Server,
				Card: server.Card{
					Name:     "deskeval",
					Version:  versionOr(a.info.Version, executor.DefaultAgentVersion),
					Protocol: "a2a/0.1",
					Tools:    cfg.Agent.Tools,
					TaskSets: []string{"test_small", "test_all", "verified_small", "verified_all"},
					Backend:  adapter.Name(),
				},
				Health: map[string]any{
					"backend":   adapter.Name(),
					"region":    regionOr(cfg.Environment.Region),
					"agent_url": cfg.Agent.URL,
				},
				Logger: log,
			})
			return srv.Start(ctx, 30*time.Second)
		},
	}

	f := cmd.Flags()
	f.String("addr", "", "listen address")
	f.String("server-token", "", "token callers must present")
	f.Bool("require-auth", true, "reject requests without the server token")
	f.Int("max-concurrent", 0, "sessions /act runs at once")
	f.String("runs-dir", "", "directory holding served session artifacts")
	f.String("agent-url", "", "agent base URL")
	f.String("agent-token", "", "agent auth token")
	f.String("agent-version", "", "agent version recorded in results")
	f.Bool("path-token", false, "send the agent token as a /t/<token> path prefix")
	f.String("env-type", "", "environment backend (http|docker|modal|apple)")
	f.String("env-url", "", "simulator URL for the http backend")
	f.String("image", "", "desktop image for container backends")
	f.String("region", "", "environment region")
	f.Int("max-steps", 0, "default step limit per session")
	f.Float64("max-seconds", 0, "default wall-clock limit per session")
	return cmd
}

func versionOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func regionOr(r string) string {
	if r == "" {
		return "<unset>"
	}
	return r
}
