package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/KafClaw/synapse/internal/engine"
	"github.com/KafClaw/synapse/internal/learning"
)

var (
	learnKind       string
	learnDomain     string
	learnSource     string
	learnTarget     string
	learnTask       string
	learnContext    string
	learnPayload    string
	learnConfidence float64
	learnImpact     float64
)

var learningCmd = &cobra.Command{
	Use:   "learning",
	Short: "Record and inspect learning events",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var learningRecordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record a learning event",
	RunE: func(cmd *cobra.Command, args []string) error {
		evCtx, err := rawJSON("context", learnContext)
		if err != nil {
			return err
		}
		payload, err := rawJSON("payload", learnPayload)
		if err != nil {
			return err
		}
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			ev, err := e.RecordLearningEvent(ctx, learning.EventInput{
				Kind:          learnKind,
				Domain:        learnDomain,
				SourceAgentID: learnSource,
				TargetAgentID: learnTarget,
				TaskID:        learnTask,
				Context:       evCtx,
				Payload:       payload,
				Confidence:    learnConfidence,
				Impact:        learnImpact,
			})
			if err != nil {
				return err
			}
			return emit(cmd, ev, func(w io.Writer) {
				fmt.Fprintf(w, "Recorded %s event %s in %s\n", ev.Kind, ev.ID, ev.Domain)
			})
		})
	},
}

var learningProgressCmd = &cobra.Command{
	Use:   "progress AGENT_ID",
	Short: "Show an agent's per-domain progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			rows, err := e.Learning().Progress(ctx, args[0])
			if err != nil {
				return err
			}
			return emit(cmd, rows, func(w io.Writer) {
				if len(rows) == 0 {
					fmt.Fprintln(w, "No learning progress.")
					return
				}
				for _, p := range rows {
					fmt.Fprintf(w, "%-20s  skill=%.3f events=%d velocity=%.3f\n", p.Domain, p.SkillLevel, p.EventsCount, p.Velocity)
				}
			})
		})
	},
}

func init() {
	f := learningRecordCmd.Flags()
	f.StringVar(&learnKind, "kind", learning.KindSuccessPattern, "success_pattern, failure_analysis, optimization or knowledge_transfer")
	f.StringVar(&learnDomain, "domain", "", "Learning domain (defaults to kind)")
	f.StringVar(&learnSource, "source", "", "Source agent ID")
	f.StringVar(&learnTarget, "target", "", "Target agent ID")
	f.StringVar(&learnTask, "task", "", "Related task ID")
	f.StringVar(&learnContext, "context", "", "Context as JSON")
	f.StringVar(&learnPayload, "payload", "", "Payload as JSON")
	f.Float64Var(&learnConfidence, "confidence", 0.5, "Confidence in [0, 1]")
	f.Float64Var(&learnImpact, "impact", 0.5, "Impact in [0, 1]")

	learningCmd.AddCommand(learningRecordCmd, learningProgressCmd)
	rootCmd.AddCommand(learningCmd)
}
