package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/KafClaw/synapse/internal/agents"
	"github.com/KafClaw/synapse/internal/engine"
)

var (
	agentID           string
	agentName         string
	agentType         string
	agentCapabilities []string
	agentVersion      string
	agentArchitecture string
	agentStatusFilter string
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Register and inspect agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var agentRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a new agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			a, err := e.RegisterAgent(ctx, agents.RegisterInput{
				ID:           agentID,
				Name:         agentName,
				Type:         agentType,
				Capabilities: agentCapabilities,
				Version:      agentVersion,
				Architecture: agentArchitecture,
			})
			if err != nil {
				return err
			}
			return emit(cmd, a, func(w io.Writer) {
				fmt.Fprintf(w, "Registered agent %s (%s)\n", a.ID, a.Name)
			})
		})
	},
}

var agentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			list, err := e.Agents().List(ctx, agents.ListFilter{Status: agents.Status(agentStatusFilter), Type: agentType})
			if err != nil {
				return err
			}
			return emit(cmd, list, func(w io.Writer) {
				if len(list) == 0 {
					fmt.Fprintln(w, "No agents registered.")
					return
				}
				for _, a := range list {
					fmt.Fprintf(w, "%-36s  %-20s  %-10s  score=%.2f  caps=%s\n",
						a.ID, a.Name, a.Status, a.PerformanceScore, strings.Join(a.Capabilities, ","))
				}
			})
		})
	},
}

var agentStatusCmd = &cobra.Command{
	Use:   "status AGENT_ID [STATUS]",
	Short: "Show an agent, or move it to STATUS",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			var (
				a   *agents.Agent
				err error
			)
			if len(args) == 2 {
				a, err = e.UpdateAgentStatus(ctx, args[0], agents.Status(args[1]))
			} else {
				a, err = e.Agents().Get(ctx, args[0])
			}
			if err != nil {
				return err
			}
			rels, err := e.Agents().ListRelationships(ctx, a.ID)
			if err != nil {
				return err
			}
			payload := map[string]any{"agent": a, "relationships": rels}
			return emit(cmd, payload, func(w io.Writer) {
				fmt.Fprintf(w, "Agent:   %s (%s)\n", a.ID, a.Name)
				fmt.Fprintf(w, "Status:  %s\n", a.Status)
				fmt.Fprintf(w, "Score:   %.2f\n", a.PerformanceScore)
				for _, r := range rels {
					fmt.Fprintf(w, "  %s -> %s  %s  strength=%.2f\n", r.PrimaryAgentID, r.SecondaryAgentID, r.Kind, r.Strength)
				}
			})
		})
	},
}

func init() {
	agentRegisterCmd.Flags().StringVar(&agentID, "id", "", "Agent ID (generated when empty)")
	agentRegisterCmd.Flags().StringVar(&agentName, "name", "", "Agent name")
	agentRegisterCmd.Flags().StringVar(&agentType, "type", "", "Agent type")
	agentRegisterCmd.Flags().StringSliceVar(&agentCapabilities, "capabilities", nil, "Comma-separated capabilities")
	agentRegisterCmd.Flags().StringVar(&agentVersion, "version", "", "Agent version")
	agentRegisterCmd.Flags().StringVar(&agentArchitecture, "architecture", "", "Agent architecture")

	agentListCmd.Flags().StringVar(&agentStatusFilter, "status", "", "Status filter")
	agentListCmd.Flags().StringVar(&agentType, "type", "", "Type filter")

	agentCmd.AddCommand(agentRegisterCmd, agentListCmd, agentStatusCmd)
	rootCmd.AddCommand(agentCmd)
}
