package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/spachava753/deskeval/internal/executor"
	"github.com/spachava753/deskeval/internal/models"
)

func newProbeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Fetch and print the agent's capability card",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := bindFlags(a.v, cmd.Flags()); err != nil {
				return err
			}
			cfg := models.AgentConfig{
				URL:               a.v.GetString("agent.url"),
				Token:             a.v.GetString("agent.token"),
				UsePathToken:      a.v.GetBool("agent.use_path_token"),
				MaxAttempts:       1,
				RequestTimeoutSec: 30,
			}
			if cfg.URL == "" {
				return &ExitError{Code: 2, Err: fmt.Errorf("agent URL is required (--agent-url or DESKEVAL_AGENT_URL)")}
			}

			client := executor.NewAgentClient(cfg, nil, a.log())
			card, err := client.FetchCard(cmd.Context())
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(card.Raw, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}

	f := cmd.Flags()
	f.String("agent-url", "", "agent base URL")
	f.String("agent-token", "", "agent auth token")
	f.Bool("path-token", false, "send the token as a /t/<token> path prefix")
	return cmd
}
