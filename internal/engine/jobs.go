package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/KafClaw/synapse/internal/analytics"
	"github.com/KafClaw/synapse/internal/events"
	"github.com/KafClaw/synapse/internal/scheduler"
	"github.com/KafClaw/synapse/internal/sharedmem"
)

// Scheduled job names.
const (
	JobCollaboration     = "collaboration-recompute"
	JobRetentionSweep    = "retention-sweep"
	JobAnalyticsRollup   = "analytics-rollup"
	JobPerformance       = "performance-recompute"
	JobRecommendations   = "recommendations"
	JobConfigReload      = "config-reload"
	JobEmbeddingBackfill = "embedding-backfill"
)

// indexLogRetention bounds how long knowledge index changes stay replayable.
// A process that falls further behind rebuilds its index from scratch.
const indexLogRetention = 24 * time.Hour

// rollupKinds are computed for every configured rollup window.
var rollupKinds = []analytics.AggKind{analytics.AggAvg, analytics.AggCount}

// RecomputeCollaboration rebuilds pair strengths over the configured window.
func (e *Engine) RecomputeCollaboration(ctx context.Context) ([]analytics.PairCollaboration, error) {
	return e.analytics.RecomputeCollaboration(ctx, e.opts.CollaborationWindow, e.now())
}

// SweepBank applies one bank's retention policy.
func (e *Engine) SweepBank(ctx context.Context, bank string) (*sharedmem.SweepResult, error) {
	return e.memory.Sweep(ctx, bank)
}

// SweepAllBanks applies every bank's retention policy, then drops access log
// rows older than the access log retention and compacts the knowledge
// index log.
func (e *Engine) SweepAllBanks(ctx context.Context) ([]sharedmem.SweepResult, error) {
	results, err := e.memory.SweepAll(ctx)
	if err != nil {
		return results, err
	}
	purged, err := e.memory.PurgeAccessLog(ctx, e.opts.AccessLogRetention)
	if err != nil {
		return results, err
	}
	if purged > 0 {
		slog.Info("Memory access log purged", "rows", purged)
	}
	compacted, err := e.knowledge.CompactIndexLog(ctx, e.now().Add(-indexLogRetention))
	if err != nil {
		return results, err
	}
	if compacted > 0 {
		slog.Debug("Knowledge index log compacted", "rows", compacted)
	}
	return results, nil
}

// RollupAnalytics aggregates raw metrics into every configured window.
func (e *Engine) RollupAnalytics(ctx context.Context) ([]analytics.RollupResult, error) {
	now := e.now()
	var out []analytics.RollupResult
	for _, w := range e.opts.RollupWindows {
		for _, k := range rollupKinds {
			if err := ctx.Err(); err != nil {
				return out, err
			}
			res, err := e.analytics.Rollup(ctx, w, k, now)
			if err != nil {
				return out, fmt.Errorf("rollup %s/%s: %w", w, k, err)
			}
			out = append(out, *res)
		}
	}
	return out, nil
}

// RecomputePerformance refreshes every agent's performance score.
func (e *Engine) RecomputePerformance(ctx context.Context) (int, error) {
	return e.analytics.RecomputePerformanceScores(ctx)
}

// GenerateRecommendations evaluates the recommendation rules and publishes
// each new recommendation.
func (e *Engine) GenerateRecommendations(ctx context.Context) ([]analytics.Recommendation, error) {
	recs, err := e.analytics.GenerateRecommendations(ctx, e.now())
	if err != nil {
		return nil, err
	}
	for _, r := range recs {
		e.publish(ctx, events.TypeRecommendationCreated, r.ID, r)
	}
	return recs, nil
}

// BackfillEmbeddings embeds knowledge entries stored without a vector, in
// batches, until none are left or ctx is cancelled.
func (e *Engine) BackfillEmbeddings(ctx context.Context) (int, error) {
	if e.embedder == nil {
		return 0, nil
	}
	done := 0
	for {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		missing, err := e.knowledge.MissingEmbeddings(ctx, backfillBatch)
		if err != nil {
			return done, err
		}
		if len(missing) == 0 {
			return done, nil
		}
		texts := make([]string, len(missing))
		for i, m := range missing {
			texts[i] = strings.TrimSpace(m.Title + "\n" + m.Content)
		}
		vecs, err := e.embedder.Embed(ctx, texts)
		if err != nil {
			return done, fmt.Errorf("embed knowledge batch: %w", err)
		}
		if len(vecs) != len(missing) {
			return done, fmt.Errorf("embedder returned %d vectors for %d entries", len(vecs), len(missing))
		}
		for i, m := range missing {
			if err := e.knowledge.SetEmbedding(ctx, m.ID, vecs[i]); err != nil {
				return done, fmt.Errorf("store embedding for %s: %w", m.ID, err)
			}
			done++
		}
		slog.Debug("Knowledge embeddings backfilled", "batch", len(missing), "total", done)
	}
}

// ReloadConfig re-reads the persisted system configuration.
func (e *Engine) ReloadConfig(ctx context.Context) error {
	_, err := e.config.Reload(ctx)
	return err
}

// Jobs returns the scheduler definitions for every derived-data job.
func (e *Engine) Jobs() []*scheduler.Job {
	logged := func(name string, fn func(ctx context.Context) (int, error)) func(ctx context.Context) error {
		return func(ctx context.Context) error {
			n, err := fn(ctx)
			if err != nil {
				return err
			}
			slog.Info("Engine job finished", "job", name, "items", n)
			return nil
		}
	}

	jobs := []*scheduler.Job{
		scheduler.MustJob(JobCollaboration, "@hourly", scheduler.CategoryHeavy,
			logged(JobCollaboration, func(ctx context.Context) (int, error) {
				pairs, err := e.RecomputeCollaboration(ctx)
				return len(pairs), err
			})),
		scheduler.MustJob(JobRetentionSweep, "*/10 * * * *", scheduler.CategoryDefault,
			logged(JobRetentionSweep, func(ctx context.Context) (int, error) {
				results, err := e.SweepAllBanks(ctx)
				removed := 0
				for _, r := range results {
					removed += len(r.Removed)
				}
				return removed, err
			})),
		scheduler.MustJob(JobAnalyticsRollup, "*/5 * * * *", scheduler.CategoryHeavy,
			logged(JobAnalyticsRollup, func(ctx context.Context) (int, error) {
				results, err := e.RollupAnalytics(ctx)
				buckets := 0
				for _, r := range results {
					buckets += r.Buckets
				}
				return buckets, err
			})),
		scheduler.MustJob(JobPerformance, "@hourly", scheduler.CategoryHeavy,
			logged(JobPerformance, e.RecomputePerformance)),
		scheduler.MustJob(JobConfigReload, "* * * * *", scheduler.CategoryDefault, e.ReloadConfig),
	}

	recs := scheduler.MustJob(JobRecommendations, "@hourly", scheduler.CategoryDefault,
		logged(JobRecommendations, func(ctx context.Context) (int, error) {
			out, err := e.GenerateRecommendations(ctx)
			return len(out), err
		}))
	recs.Enabled = func() bool { return e.config.Current().AutoOptimization }
	jobs = append(jobs, recs)

	if e.embedder != nil {
		jobs = append(jobs, scheduler.MustJob(JobEmbeddingBackfill, "*/5 * * * *", scheduler.CategoryDefault,
			logged(JobEmbeddingBackfill, e.BackfillEmbeddings)))
	}
	return jobs
}
