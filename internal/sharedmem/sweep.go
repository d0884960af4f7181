package sharedmem

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/KafClaw/synapse/internal/store"
)

// sweepSelected runs between candidate selection and removal.
var sweepSelected = func(bankID string) {}

// Sweep applies a bank's retention policy once. Each removal commits on its
// own, so a cancelled sweep leaves the bank consistent and a second sweep
// picks up where the first stopped. Sweeping twice removes nothing new.
func (m *Manager) Sweep(ctx context.Context, bankName string) (*SweepResult, error) {
	b, err := m.GetBank(ctx, bankName)
	if err != nil {
		return nil, err
	}
	now := m.now()
	res := &SweepResult{Bank: b.Name, Retention: b.Retention}

	// Each case re-checks its selection predicate at removal time, so an
	// entry rewritten or read in between is left alone.
	var candidates []victim
	reason := ""
	ts := store.FormatTime(now)
	switch {
	case b.expired(now) && b.Retention != RetentionPermanent:
		reason = "bank_expired"
		candidates, err = m.sweepCandidates(ctx, `WHERE bank_id = ? ORDER BY id`, b.ID)
	case b.Retention == RetentionTimeBased:
		reason = "expired"
		candidates, err = m.sweepCandidates(ctx, `WHERE bank_id = ? AND expires_at IS NOT NULL AND expires_at <= ?
			ORDER BY expires_at, id`, b.ID, ts)
		for i := range candidates {
			candidates[i].guard = ` AND expires_at IS NOT NULL AND expires_at <= ?`
			candidates[i].guardArgs = []any{ts}
		}
	case b.Retention == RetentionUsage:
		if b.CurrentSizeBytes <= b.MaxSizeBytes {
			return res, nil
		}
		reason = "evicted"
		candidates, err = m.sweepCandidates(ctx, `WHERE bank_id = ? ORDER BY last_accessed ASC, created_at ASC, id ASC`, b.ID)
		for i := range candidates {
			candidates[i].guard = ` AND last_accessed <= ?`
			candidates[i].guardArgs = []any{candidates[i].lastAccessed}
		}
	default:
		return res, nil
	}
	if err != nil {
		return nil, err
	}
	sweepSelected(b.ID)

	over := b.CurrentSizeBytes - b.MaxSizeBytes
	logCtx := evictionContext(reason, "")
	for _, v := range candidates {
		if reason == "evicted" && res.FreedBytes >= over {
			break
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		var removed bool
		var size int64
		err := store.WithTx(ctx, m.db, func(tx *sql.Tx) (err error) {
			removed, size, err = removeEntry(ctx, tx, b.ID, v, logCtx, now)
			return err
		})
		if err != nil {
			return res, fmt.Errorf("sweep %s: %w", b.Name, err)
		}
		if !removed {
			continue
		}
		res.Removed = append(res.Removed, v.key)
		res.FreedBytes += size
	}
	if len(res.Removed) > 0 {
		slog.Info("Memory bank swept", "bank", b.Name, "reason", reason, "removed", len(res.Removed), "freed_bytes", res.FreedBytes)
	}
	return res, nil
}

// SweepAll sweeps every bank and joins the per-bank errors.
func (m *Manager) SweepAll(ctx context.Context) ([]SweepResult, error) {
	banks, err := m.ListBanks(ctx)
	if err != nil {
		return nil, err
	}
	var out []SweepResult
	var errs []error
	for _, b := range banks {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		res, err := m.Sweep(ctx, b.ID)
		if err != nil {
			errs = append(errs, err)
		}
		if res != nil {
			out = append(out, *res)
		}
	}
	return out, errors.Join(errs...)
}

// PurgeAccessLog drops access log rows older than the horizon.
func (m *Manager) PurgeAccessLog(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := store.FormatTime(m.now().Add(-olderThan))
	res, err := m.db.ExecContext(ctx, `DELETE FROM memory_access_log WHERE accessed_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge access log: %w", err)
	}
	return res.RowsAffected()
}

func (m *Manager) sweepCandidates(ctx context.Context, clause string, args ...any) ([]victim, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT id, entry_key, size_bytes, last_accessed FROM memory_entries `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("select sweep candidates: %w", err)
	}
	defer rows.Close()
	var out []victim
	for rows.Next() {
		var v victim
		if err := rows.Scan(&v.id, &v.key, &v.size, &v.lastAccessed); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func sortHits(hits []SearchHit) {
	sort.SliceStable(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		if a.Relevance != b.Relevance {
			return a.Relevance > b.Relevance
		}
		return a.Key < b.Key
	})
}
