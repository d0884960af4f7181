package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/KafClaw/synapse/internal/engine"
	"github.com/KafClaw/synapse/internal/ledger"
)

var (
	taskID          string
	taskKey         string
	taskDescription string
	taskType        string
	taskPriority    int
	taskAgent       string
	taskParent      string
	taskParams      string
	taskComplexity  float64
	taskDepKind     string
	taskResult      string
	taskError       string
	taskApprove     bool
	taskStatus      string
	taskStepAdd     string
	taskStepStatus  string
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Task ledger utilities",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var taskCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a pending task",
	RunE: func(cmd *cobra.Command, args []string) error {
		params, err := rawJSON("params", taskParams)
		if err != nil {
			return err
		}
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			t, err := e.CreateTask(ctx, ledger.CreateTaskInput{
				ID:              taskID,
				Key:             taskKey,
				Description:     taskDescription,
				Type:            taskType,
				Priority:        taskPriority,
				AssignedAgentID: taskAgent,
				ParentTaskID:    taskParent,
				Parameters:      params,
				Complexity:      taskComplexity,
			})
			if err != nil {
				return err
			}
			return emit(cmd, t, func(w io.Writer) {
				fmt.Fprintf(w, "Created task %s (key %s, priority %d)\n", t.ID, t.Key, t.Priority)
			})
		})
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			tasks, err := e.Ledger().ListTasks(ctx, ledger.ListFilter{Status: ledger.Status(taskStatus), AgentID: taskAgent})
			if err != nil {
				return err
			}
			return emit(cmd, tasks, func(w io.Writer) {
				if len(tasks) == 0 {
					fmt.Fprintln(w, "No tasks.")
					return
				}
				for _, t := range tasks {
					fmt.Fprintf(w, "%-36s  %-10s  p%-2d  %s\n", t.ID, t.Status, t.Priority, t.Description)
				}
			})
		})
	},
}

var taskAssignCmd = &cobra.Command{
	Use:   "assign TASK_ID AGENT_ID",
	Short: "Assign a task to an agent",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			t, err := e.AssignTask(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			return emit(cmd, t, func(w io.Writer) {
				fmt.Fprintf(w, "Task %s assigned to %s\n", t.ID, t.AssignedAgentID)
			})
		})
	},
}

var taskDependCmd = &cobra.Command{
	Use:   "depend TASK_ID DEPENDS_ON_ID",
	Short: "Add a dependency edge",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			d, err := e.AddTaskDependency(ctx, args[0], args[1], ledger.DependencyKind(taskDepKind))
			if err != nil {
				return err
			}
			return emit(cmd, d, func(w io.Writer) {
				fmt.Fprintf(w, "%s depends on %s (%s)\n", d.TaskID, d.DependsOnTaskID, d.Kind)
			})
		})
	},
}

var taskTransitionCmd = &cobra.Command{
	Use:   "transition TASK_ID STATUS",
	Short: "Move a task to running, completed, failed or cancelled",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := rawJSON("result", taskResult)
		if err != nil {
			return err
		}
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			t, err := e.TransitionTask(ctx, args[0], ledger.Status(args[1]), ledger.TransitionOptions{
				Result:            result,
				ErrorMessage:      taskError,
				ConditionApproved: taskApprove,
			})
			if err != nil {
				return err
			}
			return emit(cmd, t, func(w io.Writer) {
				fmt.Fprintf(w, "Task %s is %s\n", t.ID, t.Status)
			})
		})
	},
}

var taskStepsCmd = &cobra.Command{
	Use:   "steps TASK_ID",
	Short: "List a task's execution steps, or record one with --add",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			if taskStepAdd != "" {
				s, err := e.RecordExecutionStep(ctx, ledger.StepInput{
					TaskID:      args[0],
					Description: taskStepAdd,
					AgentID:     taskAgent,
					Status:      ledger.StepStatus(taskStepStatus),
				})
				if err != nil {
					return err
				}
				return emit(cmd, s, func(w io.Writer) {
					fmt.Fprintf(w, "Recorded step %d of %s\n", s.StepNumber, s.TaskID)
				})
			}
			steps, err := e.Ledger().ListSteps(ctx, args[0])
			if err != nil {
				return err
			}
			return emit(cmd, steps, func(w io.Writer) {
				if len(steps) == 0 {
					fmt.Fprintln(w, "No steps recorded.")
					return
				}
				for _, s := range steps {
					fmt.Fprintf(w, "  %d. [%s] %s (agent %s, %dms)\n", s.StepNumber, s.Status, s.Description, s.AgentID, s.ExecutionTimeMs)
				}
			})
		})
	},
}

var taskReadyCmd = &cobra.Command{
	Use:   "ready TASK_ID",
	Short: "Check whether a task could start now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			r, err := e.Ledger().CheckReadiness(ctx, args[0])
			if err != nil {
				return err
			}
			return emit(cmd, r, func(w io.Writer) {
				fmt.Fprintf(w, "Task %s ready: %s\n", r.TaskID, check(r.Ready))
				for _, b := range r.Blocking {
					fmt.Fprintf(w, "  blocked by %s (%s, %s): %s\n", b.DependsOnTaskID, b.Kind, b.Status, b.Reason)
				}
			})
		})
	},
}

func init() {
	f := taskCreateCmd.Flags()
	f.StringVar(&taskID, "id", "", "Task ID (generated when empty)")
	f.StringVar(&taskKey, "key", "", "Unique task key")
	f.StringVar(&taskDescription, "description", "", "Task description")
	f.StringVar(&taskType, "type", "", "Task type")
	f.IntVar(&taskPriority, "priority", 0, "Priority 1 (urgent) to 10")
	f.StringVar(&taskAgent, "agent", "", "Assigned agent ID")
	f.StringVar(&taskParent, "parent", "", "Parent task ID")
	f.StringVar(&taskParams, "params", "", "Parameters as JSON")
	f.Float64Var(&taskComplexity, "complexity", 0, "Complexity in [0, 1]")

	taskListCmd.Flags().StringVar(&taskStatus, "status", "", "Status filter")
	taskListCmd.Flags().StringVar(&taskAgent, "agent", "", "Assigned agent filter")

	taskDependCmd.Flags().StringVar(&taskDepKind, "kind", string(ledger.DepSequential), "sequential, parallel or conditional")

	taskTransitionCmd.Flags().StringVar(&taskResult, "result", "", "Result as JSON")
	taskTransitionCmd.Flags().StringVar(&taskError, "error", "", "Error message for failed tasks")
	taskTransitionCmd.Flags().BoolVar(&taskApprove, "approve", false, "Approve conditional dependencies")

	taskStepsCmd.Flags().StringVar(&taskStepAdd, "add", "", "Record a new step with this description")
	taskStepsCmd.Flags().StringVar(&taskAgent, "agent", "", "Agent executing the new step")
	taskStepsCmd.Flags().StringVar(&taskStepStatus, "status", "", "Status of the new step")

	taskCmd.AddCommand(taskCreateCmd, taskListCmd, taskAssignCmd, taskDependCmd, taskTransitionCmd, taskStepsCmd, taskReadyCmd)
	rootCmd.AddCommand(taskCmd)
}
