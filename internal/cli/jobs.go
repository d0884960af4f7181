package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/KafClaw/synapse/internal/config"
	"github.com/KafClaw/synapse/internal/engine"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Background job status and manual runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show registered jobs and their last recorded run",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			records, err := e.Store().ListScheduledJobs(ctx)
			if err != nil {
				return err
			}
			type row struct {
				Name       string     `json:"name"`
				Cron       string     `json:"cron"`
				Category   string     `json:"category"`
				LastStatus string     `json:"last_status,omitempty"`
				LastError  string     `json:"last_error,omitempty"`
				LastRunAt  *time.Time `json:"last_run_at,omitempty"`
				RunCount   int        `json:"run_count"`
			}
			var rows []row
			for _, j := range e.Jobs() {
				r := row{Name: j.Name, Cron: j.Cron.String(), Category: string(j.Category)}
				for _, rec := range records {
					if rec.JobName == j.Name {
						r.LastStatus, r.LastError, r.LastRunAt, r.RunCount = rec.LastStatus, rec.LastError, rec.LastRunAt, rec.RunCount
					}
				}
				rows = append(rows, r)
			}
			return emit(cmd, rows, func(w io.Writer) {
				for _, r := range rows {
					last := "never"
					if r.LastRunAt != nil {
						last = r.LastRunAt.Local().Format(time.DateTime)
					}
					fmt.Fprintf(w, "%-24s  %-14s  %-8s  runs=%-4d  %-20s  %s\n", r.Name, r.Cron, r.Category, r.RunCount, r.LastStatus, last)
				}
			})
		})
	},
}

var jobsRunCmd = &cobra.Command{
	Use:   "run NAME",
	Short: "Run one background job now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			lockPath, err := cfg.LockPath()
			if err != nil {
				return err
			}
			sched := newScheduler(cfg, lockPath, e)
			start := time.Now()
			if err := sched.RunNowWait(ctx, args[0]); err != nil {
				return err
			}
			took := time.Since(start)
			return emit(cmd, map[string]any{"job": args[0], "duration_ms": took.Milliseconds()}, func(w io.Writer) {
				fmt.Fprintf(w, "%s completed in %s\n", args[0], took.Round(time.Millisecond))
			})
		})
	},
}

func init() {
	jobsCmd.AddCommand(jobsListCmd, jobsRunCmd)
	rootCmd.AddCommand(jobsCmd)
}
