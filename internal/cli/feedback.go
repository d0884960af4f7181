package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/KafClaw/synapse/internal/engine"
	"github.com/KafClaw/synapse/internal/feedback"
)

var (
	fbKind       string
	fbSourceKind string
	fbSourceID   string
	fbTarget     string
	fbContent    string
	fbSentiment  float64
	fbActionable bool
	actKind      string
	actTarget    string
	actDesc      string
	actChanges   string
	actFeedback  string
	actRisk      string
	actImpl      string
	actPlan      string
	actCapture   bool
	actStatus    string
)

var feedbackCmd = &cobra.Command{
	Use:   "feedback",
	Short: "Feedback intake and improvement actions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var feedbackSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a feedback event",
	RunE: func(cmd *cobra.Command, args []string) error {
		content, err := rawJSON("content", fbContent)
		if err != nil {
			content = jsonString(fbContent)
		}
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			fb, err := e.SubmitFeedback(ctx, feedback.FeedbackInput{
				Kind:            fbKind,
				SourceKind:      fbSourceKind,
				SourceID:        fbSourceID,
				TargetComponent: fbTarget,
				Content:         content,
				Sentiment:       fbSentiment,
				Actionable:      fbActionable,
			})
			if err != nil {
				return err
			}
			return emit(cmd, fb, func(w io.Writer) {
				fmt.Fprintf(w, "Recorded feedback %s (sentiment %.2f)\n", fb.ID, fb.Sentiment)
			})
		})
	},
}

var feedbackProposeCmd = &cobra.Command{
	Use:   "propose",
	Short: "Propose an improvement action",
	RunE: func(cmd *cobra.Command, args []string) error {
		impl, err := rawJSON("implementation", actImpl)
		if err != nil {
			return err
		}
		var changes map[string]any
		if actChanges != "" {
			if err := json.Unmarshal([]byte(actChanges), &changes); err != nil {
				return fmt.Errorf("--changes must be a JSON object: %w", err)
			}
		}
		expected, err := optionalFloat(cmd, "expected")
		if err != nil {
			return err
		}
		plan, err := parsePlan(actPlan)
		if err != nil {
			return err
		}
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			a, err := e.ProposeAction(ctx, feedback.ActionInput{
				Kind:                actKind,
				TargetComponent:     actTarget,
				Description:         actDesc,
				Implementation:      impl,
				ConfigChanges:       changes,
				FeedbackID:          actFeedback,
				ExpectedImprovement: expected,
				Risk:                actRisk,
				RollbackPlan:        plan,
			})
			if err != nil {
				return err
			}
			return printAction(cmd, a)
		})
	},
}

var feedbackRollbackCmd = &cobra.Command{
	Use:   "rollback ACTION_ID",
	Short: "Set a planned action's rollback plan from --plan, or --capture the current config",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		plan, err := parsePlan(actPlan)
		if err != nil {
			return err
		}
		if plan == nil && !actCapture {
			return fmt.Errorf("--plan or --capture is required")
		}
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			var a *feedback.Action
			if actCapture {
				a, err = e.Feedback().CaptureRollback(ctx, args[0])
			} else {
				a, err = e.Feedback().SetRollbackPlan(ctx, args[0], plan)
			}
			if err != nil {
				return err
			}
			return printAction(cmd, a)
		})
	},
}

var feedbackImplementCmd = &cobra.Command{
	Use:   "implement ACTION_ID",
	Short: "Start implementing a planned action",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			a, err := e.ImplementAction(ctx, args[0])
			if err != nil {
				return err
			}
			return printAction(cmd, a)
		})
	},
}

var feedbackCompleteCmd = &cobra.Command{
	Use:   "complete ACTION_ID",
	Short: "Complete an action with its measured improvement",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		actual, err := cmd.Flags().GetFloat64("actual")
		if err != nil {
			return err
		}
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			a, err := e.CompleteAction(ctx, args[0], actual)
			if err != nil {
				return err
			}
			return printAction(cmd, a)
		})
	},
}

var feedbackRevertCmd = &cobra.Command{
	Use:   "revert ACTION_ID",
	Short: "Revert an action by replaying its rollback plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			a, err := e.RevertAction(ctx, args[0])
			if err != nil {
				return err
			}
			return printAction(cmd, a)
		})
	},
}

var feedbackActionsCmd = &cobra.Command{
	Use:   "actions",
	Short: "List improvement actions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			list, err := e.Feedback().ListActions(ctx, feedback.ActionStatus(actStatus))
			if err != nil {
				return err
			}
			return emit(cmd, list, func(w io.Writer) {
				if len(list) == 0 {
					fmt.Fprintln(w, "No improvement actions.")
					return
				}
				for _, a := range list {
					fmt.Fprintf(w, "%-36s  %-12s  %-6s  %-20s  %s\n", a.ID, a.Status, a.Risk, a.TargetComponent, a.Description)
				}
			})
		})
	},
}

func printAction(cmd *cobra.Command, a *feedback.Action) error {
	return emit(cmd, a, func(w io.Writer) {
		fmt.Fprintf(w, "Action %s is %s\n", a.ID, a.Status)
		if a.RollbackPlan != nil {
			for k, v := range a.RollbackPlan.ConfigRestore {
				fmt.Fprintf(w, "  restore %s = %v\n", k, v)
			}
		}
	})
}

func parsePlan(s string) (*feedback.RollbackPlan, error) {
	if s == "" {
		return nil, nil
	}
	var p feedback.RollbackPlan
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return nil, fmt.Errorf("--plan must be a JSON rollback plan: %w", err)
	}
	return &p, nil
}

func init() {
	s := feedbackSubmitCmd.Flags()
	s.StringVar(&fbKind, "kind", "", "Feedback kind")
	s.StringVar(&fbSourceKind, "source-kind", "", "Source kind (user, agent, system)")
	s.StringVar(&fbSourceID, "source-id", "", "Source ID")
	s.StringVar(&fbTarget, "target", "", "Target component")
	s.StringVar(&fbContent, "content", "", "Content as JSON or plain text")
	s.Float64Var(&fbSentiment, "sentiment", 0, "Sentiment in [-1, 1]")
	s.BoolVar(&fbActionable, "actionable", false, "Mark as actionable")

	p := feedbackProposeCmd.Flags()
	p.StringVar(&actKind, "kind", "", "Action kind")
	p.StringVar(&actTarget, "target", "", "Target component")
	p.StringVar(&actDesc, "description", "", "Description")
	p.StringVar(&actImpl, "implementation", "", "Implementation details as JSON")
	p.StringVar(&actChanges, "changes", "", "Configuration changes as a JSON object")
	p.StringVar(&actFeedback, "feedback", "", "Feedback ID this action answers")
	p.StringVar(&actRisk, "risk", "", "low, medium or high")
	p.StringVar(&actPlan, "plan", "", "Rollback plan as JSON")
	p.Float64("expected", 0, "Expected improvement in [-1, 1]")

	feedbackRollbackCmd.Flags().StringVar(&actPlan, "plan", "", "Rollback plan as JSON")
	feedbackRollbackCmd.Flags().BoolVar(&actCapture, "capture", false, "Snapshot the current values of the changed keys")

	feedbackCompleteCmd.Flags().Float64("actual", 0, "Measured improvement in [-1, 1]")
	feedbackActionsCmd.Flags().StringVar(&actStatus, "status", "", "Status filter")

	feedbackCmd.AddCommand(feedbackSubmitCmd, feedbackProposeCmd, feedbackRollbackCmd, feedbackImplementCmd,
		feedbackCompleteCmd, feedbackRevertCmd, feedbackActionsCmd)
	rootCmd.AddCommand(feedbackCmd)
}
