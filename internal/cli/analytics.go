package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/KafClaw/synapse/internal/analytics"
	"github.com/KafClaw/synapse/internal/engine"
)

var (
	recStatus      string
	recMaxPriority int
	recGenerate    bool
	progressDomain string
)

var analyticsCmd = &cobra.Command{
	Use:   "analytics",
	Short: "Performance views, rollups and recommendations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var analyticsSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Agent performance summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			rows, err := e.GetAgentPerformanceSummary(ctx)
			if err != nil {
				return err
			}
			return emit(cmd, rows, func(w io.Writer) {
				printHeader(w, "Agent Performance")
				for _, r := range rows {
					fmt.Fprintf(w, "%-20s  %-10s  score=%.2f  ok=%d fail=%d  success=%.0f%%  avg=%.0fms\n",
						r.Name, r.Status, r.PerformanceScore, r.Completed, r.Failed, r.SuccessRate*100, r.AvgDurationMs)
				}
			})
		})
	},
}

var analyticsCollabCmd = &cobra.Command{
	Use:   "collab",
	Short: "Recompute collaboration strengths",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			pairs, err := e.RecomputeCollaboration(ctx)
			if err != nil {
				return err
			}
			return emit(cmd, pairs, func(w io.Writer) {
				if len(pairs) == 0 {
					fmt.Fprintln(w, "No collaborating pairs.")
					return
				}
				for _, p := range pairs {
					fmt.Fprintf(w, "%s <-> %s  shared=%d ok=%d strength=%.2f\n", p.AgentA, p.AgentB, p.SharedTasks, p.Successes, p.Strength)
				}
			})
		})
	},
}

var analyticsRollupCmd = &cobra.Command{
	Use:   "rollup",
	Short: "Aggregate raw metrics into windows",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			results, err := e.RollupAnalytics(ctx)
			if err != nil {
				return err
			}
			return emit(cmd, results, func(w io.Writer) {
				for _, r := range results {
					fmt.Fprintf(w, "%-6s  %-5s  buckets=%d pruned=%d\n", r.Window, r.Kind, r.Buckets, r.Pruned)
				}
			})
		})
	},
}

var analyticsRecommendCmd = &cobra.Command{
	Use:   "recommend",
	Short: "List recommendations, or generate new ones with --generate",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			var (
				recs []analytics.Recommendation
				err  error
			)
			if recGenerate {
				recs, err = e.GenerateRecommendations(ctx)
			} else {
				recs, err = e.Analytics().ListRecommendations(ctx, analytics.RecStatus(recStatus), recMaxPriority)
			}
			if err != nil {
				return err
			}
			return emit(cmd, recs, func(w io.Writer) {
				if len(recs) == 0 {
					fmt.Fprintln(w, "No recommendations.")
					return
				}
				for _, r := range recs {
					fmt.Fprintf(w, "p%d  %-11s  %-24s  %s\n", r.Priority, r.Status, r.Kind, r.Text)
				}
			})
		})
	},
}

var analyticsProgressCmd = &cobra.Command{
	Use:   "progress",
	Short: "Learning progress by domain",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			rows, err := e.GetLearningProgress(ctx, progressDomain)
			if err != nil {
				return err
			}
			return emit(cmd, rows, func(w io.Writer) {
				for _, r := range rows {
					fmt.Fprintf(w, "%-20s  agents=%d events=%d applied=%d  skill=%.2f impact=%.2f\n",
						r.Domain, r.Agents, r.Events, r.AppliedEvents, r.AvgSkill, r.AvgImpact)
				}
			})
		})
	},
}

func init() {
	analyticsRecommendCmd.Flags().StringVar(&recStatus, "status", "", "Status filter")
	analyticsRecommendCmd.Flags().IntVar(&recMaxPriority, "max-priority", 0, "Only priorities up to this value")
	analyticsRecommendCmd.Flags().BoolVar(&recGenerate, "generate", false, "Evaluate rules and store new recommendations")
	analyticsProgressCmd.Flags().StringVar(&progressDomain, "domain", "", "Restrict to one domain")

	analyticsCmd.AddCommand(analyticsSummaryCmd, analyticsCollabCmd, analyticsRollupCmd, analyticsRecommendCmd, analyticsProgressCmd)
	rootCmd.AddCommand(analyticsCmd)
}
