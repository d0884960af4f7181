package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/KafClaw/synapse/internal/agents"
	"github.com/KafClaw/synapse/internal/learning"
	"github.com/KafClaw/synapse/internal/notify"
	"github.com/KafClaw/synapse/internal/store"
)

// DefaultRetentionDays applies when no retention source is configured.
const DefaultRetentionDays = 90

// Engine computes derived data over the shared database.
type Engine struct {
	db        *sql.DB
	agents    *agents.Registry
	learning  *learning.Recorder
	notifier  notify.Notifier
	retention func() int
	now       func() time.Time
}

// New creates an analytics engine. A nil notifier discards notifications.
func New(db *sql.DB, reg *agents.Registry, rec *learning.Recorder, n notify.Notifier) *Engine {
	if n == nil {
		n = notify.Nop{}
	}
	return &Engine{
		db:        db,
		agents:    reg,
		learning:  rec,
		notifier:  n,
		retention: func() int { return DefaultRetentionDays },
		now:       time.Now,
	}
}

// SetRetentionDays sets the source of the raw-metric retention horizon.
func (e *Engine) SetRetentionDays(fn func() int) { e.retention = fn }

// SetClock replaces the time source.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// RecordMetric stores one raw fact.
func (e *Engine) RecordMetric(ctx context.Context, in MetricInput) (*Metric, error) {
	in.Category = strings.TrimSpace(in.Category)
	in.Name = strings.TrimSpace(in.Name)
	if in.Category == "" || in.Name == "" {
		return nil, store.Validationf("metric category and name are required")
	}
	if math.IsNaN(in.Value) || math.IsInf(in.Value, 0) {
		return nil, store.Validationf("metric value must be finite")
	}
	meta, err := store.JSONText(in.Metadata, "{}")
	if err != nil {
		return nil, err
	}
	if in.RecordedAt.IsZero() {
		in.RecordedAt = e.now()
	}
	res, err := e.db.ExecContext(ctx, `INSERT INTO analytics_metrics (category, name, value, unit, aggregation_window,
		metadata, recorded_at) VALUES (?, ?, ?, ?, 'raw', ?, ?)`,
		in.Category, in.Name, in.Value, in.Unit, meta, store.FormatTime(in.RecordedAt))
	if err != nil {
		return nil, fmt.Errorf("record metric: %w", err)
	}
	id, _ := res.LastInsertId()
	return &Metric{
		ID: id, Category: in.Category, Name: in.Name, Value: in.Value, Unit: in.Unit,
		Window: WindowRaw, Metadata: store.RawJSON(meta), RecordedAt: in.RecordedAt.UTC(),
	}, nil
}

type bucketKey struct {
	category string
	name     string
	unit     string
	start    time.Time
}

type bucketAgg struct {
	sum, min, max float64
	count         int
}

func (b *bucketAgg) add(v float64) {
	if b.count == 0 || v < b.min {
		b.min = v
	}
	if b.count == 0 || v > b.max {
		b.max = v
	}
	b.sum += v
	b.count++
}

func (b *bucketAgg) value(kind AggKind) float64 {
	switch kind {
	case AggSum:
		return b.sum
	case AggMin:
		return b.min
	case AggMax:
		return b.max
	case AggCount:
		return float64(b.count)
	}
	return b.sum / float64(b.count)
}

// Rollup aggregates raw facts into complete buckets of the given window.
// Buckets already rolled are left as they are, so repeated runs are
// idempotent. Raw facts older than the retention horizon are pruned after
// they have been aggregated.
func (e *Engine) Rollup(ctx context.Context, window Window, kind AggKind, now time.Time) (*RollupResult, error) {
	width := window.Duration()
	if width == 0 {
		return nil, store.Validationf("unknown rollup window %q", window)
	}
	if !kind.Valid() {
		return nil, store.Validationf("unknown aggregation kind %q", kind)
	}
	res := &RollupResult{Window: window, Kind: kind}
	// Only buckets that ended at or before now are complete.
	cutoff := now.UTC().Truncate(width)

	err := store.WithTx(ctx, e.db, func(tx *sql.Tx) error {
		res.Buckets = 0
		rows, err := tx.QueryContext(ctx, `SELECT category, name, unit, value, recorded_at FROM analytics_metrics
			WHERE aggregation_window = 'raw' AND recorded_at < ?`, store.FormatTime(cutoff))
		if err != nil {
			return fmt.Errorf("select raw metrics: %w", err)
		}
		buckets := map[bucketKey]*bucketAgg{}
		for rows.Next() {
			var k bucketKey
			var v float64
			var at string
			if err := rows.Scan(&k.category, &k.name, &k.unit, &v, &at); err != nil {
				rows.Close()
				return err
			}
			k.start = store.ParseTime(at).Truncate(width)
			agg := buckets[k]
			if agg == nil {
				agg = &bucketAgg{}
				buckets[k] = agg
			}
			agg.add(v)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		keys := make([]bucketKey, 0, len(buckets))
		for k := range buckets {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			if !keys[i].start.Equal(keys[j].start) {
				return keys[i].start.Before(keys[j].start)
			}
			if keys[i].category != keys[j].category {
				return keys[i].category < keys[j].category
			}
			return keys[i].name < keys[j].name
		})
		for _, k := range keys {
			agg := buckets[k]
			meta := fmt.Sprintf(`{"samples":%d}`, agg.count)
			r, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO analytics_metrics (category, name, value, unit,
				aggregation_window, aggregation_kind, bucket_start, metadata, recorded_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				k.category, k.name, agg.value(kind), k.unit, string(window), string(kind),
				store.FormatTime(k.start), meta, store.FormatTime(k.start.Add(width)))
			if err != nil {
				return fmt.Errorf("insert rollup: %w", err)
			}
			if n, _ := r.RowsAffected(); n > 0 {
				res.Buckets++
			}
		}

		days := e.retention()
		if days <= 0 {
			days = DefaultRetentionDays
		}
		horizon := now.UTC().Add(-time.Duration(days) * 24 * time.Hour)
		pr, err := tx.ExecContext(ctx, `DELETE FROM analytics_metrics WHERE aggregation_window = 'raw' AND recorded_at < ?`,
			store.FormatTime(horizon))
		if err != nil {
			return fmt.Errorf("prune raw metrics: %w", err)
		}
		res.Pruned, _ = pr.RowsAffected()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if res.Buckets > 0 || res.Pruned > 0 {
		slog.Info("Analytics rollup", "window", window, "kind", kind, "buckets", res.Buckets, "pruned", res.Pruned)
	}
	return res, nil
}

// ListMetrics returns metrics in recorded order.
func (e *Engine) ListMetrics(ctx context.Context, f MetricFilter) ([]Metric, error) {
	var where []string
	var args []any
	if f.Category != "" {
		where = append(where, "category = ?")
		args = append(args, f.Category)
	}
	if f.Name != "" {
		where = append(where, "name = ?")
		args = append(args, f.Name)
	}
	if f.Window != "" {
		where = append(where, "aggregation_window = ?")
		args = append(args, string(f.Window))
	}
	if f.Kind != "" {
		where = append(where, "aggregation_kind = ?")
		args = append(args, string(f.Kind))
	}
	if !f.Since.IsZero() {
		where = append(where, "recorded_at >= ?")
		args = append(args, store.FormatTime(f.Since))
	}
	if !f.Until.IsZero() {
		where = append(where, "recorded_at < ?")
		args = append(args, store.FormatTime(f.Until))
	}
	query := `SELECT id, category, name, value, unit, aggregation_window, aggregation_kind, bucket_start, metadata,
		recorded_at FROM analytics_metrics`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY recorded_at ASC, id ASC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list metrics: %w", err)
	}
	defer rows.Close()
	var out []Metric
	for rows.Next() {
		var m Metric
		var window, kind, meta, at string
		var bucket sql.NullString
		if err := rows.Scan(&m.ID, &m.Category, &m.Name, &m.Value, &m.Unit, &window, &kind, &bucket, &meta, &at); err != nil {
			return nil, err
		}
		m.Window = Window(window)
		m.Kind = AggKind(kind)
		m.BucketStart = store.TimePtr(bucket)
		m.Metadata = store.RawJSON(meta)
		m.RecordedAt = store.ParseTime(at)
		out = append(out, m)
	}
	return out, rows.Err()
}
