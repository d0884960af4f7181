package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/synapse/internal/analytics"
	"github.com/KafClaw/synapse/internal/config"
	"github.com/KafClaw/synapse/internal/engine"
	"github.com/KafClaw/synapse/internal/sysconfig"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		return emit(cmd, map[string]string{"version": version}, func(w io.Writer) {
			printHeader(w, "Synapse Version")
			fmt.Fprintf(w, "Version: %s\n", version)
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show system health",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := config.ConfigPath()
		_, statErr := os.Stat(path)
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			health, err := e.GetSystemHealth(ctx)
			if err != nil {
				return err
			}
			payload := map[string]any{
				"version":  version,
				"config":   path,
				"health":   health,
				"settings": e.Settings(),
			}
			return emit(cmd, payload, func(w io.Writer) {
				printStatus(w, path, statErr == nil, health, e.Settings(), e.HasEmbedder())
			})
		})
	},
}

func printStatus(w io.Writer, path string, found bool, h *analytics.SystemHealth, s sysconfig.Settings, embedder bool) {
	printHeader(w, "Synapse Status")
	fmt.Fprintf(w, "Version:   %s (system %s)\n", version, s.SystemVersion)
	fmt.Fprintf(w, "Config:    %s %s\n", check(found), path)
	fmt.Fprintf(w, "Embedder:  %s\n", check(embedder))
	verdict := h.Status
	switch h.Status {
	case analytics.HealthHealthy:
		verdict = color.GreenString(h.Status)
	case analytics.HealthDegraded:
		verdict = color.YellowString(h.Status)
	case analytics.HealthCritical:
		verdict = color.RedString(h.Status)
	}
	fmt.Fprintf(w, "Health:    %s\n", verdict)
	fmt.Fprintf(w, "Agents:    %d total, %d active (avg score %.2f)\n", h.TotalAgents, h.ActiveAgents, h.AvgActivePerformance)
	fmt.Fprintf(w, "Tasks:     %d pending, %d running, failure rate %.1f%%\n", h.PendingTasks, h.RunningTasks, h.FailureRate*100)
	fmt.Fprintf(w, "Knowledge: %d entries\n", h.KnowledgeEntries)
	fmt.Fprintf(w, "Memory:    %d banks, %d entries, %d near quota\n", h.MemoryBanks, h.MemoryEntries, h.BanksNearQuota)
	fmt.Fprintf(w, "Pending:   %d recommendations, %d unprocessed feedback\n", h.PendingRecommendations, h.UnprocessedFeedback)
}
