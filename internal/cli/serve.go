package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/KafClaw/synapse/internal/config"
	"github.com/KafClaw/synapse/internal/engine"
	"github.com/KafClaw/synapse/internal/ingest"
	"github.com/KafClaw/synapse/internal/scheduler"
)

var serveSignalNotify = signal.Notify
var serveSignalStop = signal.Stop

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and the ingestion consumer until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd)
	},
}

func runServe(cmd *cobra.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e, err := engine.FromConfig(ctx, cfg)
	if err != nil {
		return err
	}
	defer e.Close()

	sigChan := make(chan os.Signal, 1)
	serveSignalNotify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer serveSignalStop(sigChan)

	out := cmd.OutOrStdout()
	printHeader(out, "Synapse Engine")

	var wg sync.WaitGroup
	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		lockPath, err := cfg.LockPath()
		if err != nil {
			return err
		}
		sched = newScheduler(cfg, lockPath, e)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("Scheduler stopped", "error", err)
			}
		}()
		fmt.Fprintf(out, "Scheduler started (%d jobs)\n", len(sched.Jobs()))
	}

	var router *ingest.Router
	if cfg.Kafka.Enabled {
		consumer := ingest.NewKafkaConsumer(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, cfg.Kafka.IngestTopics)
		router = ingest.NewRouter(e, consumer)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := router.Run(ctx); err != nil {
				slog.Error("Ingest router stopped", "error", err)
			}
		}()
		fmt.Fprintf(out, "Ingesting from %s\n", strings.Join(cfg.Kafka.IngestTopics, ", "))
	}

	select {
	case sig := <-sigChan:
		slog.Info("Shutting down", "signal", sig.String())
	case <-cmd.Context().Done():
	}
	cancel()
	wg.Wait()
	if sched != nil {
		sched.Wait()
	}
	if router != nil {
		st := router.Stats()
		fmt.Fprintf(out, "Ingested %d messages (%d rejected)\n", st.Accepted, st.Rejected)
	}
	return nil
}

func newScheduler(cfg *config.Config, lockPath string, e *engine.Engine) *scheduler.Scheduler {
	sched := scheduler.New(scheduler.Config{
		TickInterval:   cfg.Scheduler.TickInterval,
		MaxConcHeavy:   cfg.Scheduler.MaxConcHeavy,
		MaxConcDefault: cfg.Scheduler.MaxConcDefault,
		LockPath:       lockPath,
	}, e.Store())
	for _, job := range e.Jobs() {
		sched.Register(job)
	}
	return sched
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
