package knowledge

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/KafClaw/synapse/internal/store"
)

// The knowledge_index_log table is filled by triggers on knowledge_entries,
// so it records embedding changes made by every process sharing the
// database. Each Base replays rows past its mark into its own index before
// answering a query.

// logTimeLayout matches the strftime format of knowledge_index_log.changed_at.
const logTimeLayout = "2006-01-02T15:04:05.000Z"

// syncIndex applies embedding changes committed since the last sync. When
// the rows it has not seen were already compacted away, the index is
// rebuilt from knowledge_entries instead.
func (b *Base) syncIndex(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var lo, hi sql.NullInt64
	if err := b.db.QueryRowContext(ctx, `SELECT MIN(seq), MAX(seq) FROM knowledge_index_log`).Scan(&lo, &hi); err != nil {
		return fmt.Errorf("read index log: %w", err)
	}
	if !hi.Valid || hi.Int64 <= b.mark {
		return nil
	}
	if lo.Int64 > b.mark+1 {
		_, err := b.rebuildLocked(ctx)
		return err
	}

	rows, err := b.db.QueryContext(ctx, `SELECT l.entry_id, k.embedding
		FROM (SELECT DISTINCT entry_id FROM knowledge_index_log WHERE seq > ? AND seq <= ?) l
		LEFT JOIN knowledge_entries k ON k.id = l.entry_id`, b.mark, hi.Int64)
	if err != nil {
		return fmt.Errorf("read index changes: %w", err)
	}
	type change struct {
		id  string
		vec []float32
	}
	var changes []change
	for rows.Next() {
		var c change
		var blob []byte
		if err := rows.Scan(&c.id, &blob); err != nil {
			rows.Close()
			return err
		}
		c.vec = decodeIndexable(blob, b.dimension)
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, c := range changes {
		if err := b.applyLocked(ctx, c.id, c.vec); err != nil {
			return err
		}
	}
	b.mark = hi.Int64
	if len(changes) > 0 {
		slog.Debug("Knowledge index synced", "changes", len(changes), "mark", b.mark)
	}
	return nil
}

// rebuildLocked loads every stored embedding into the index and drops index
// entries that no longer exist. The mark is read first so changes committed
// during the load are replayed by the next sync.
func (b *Base) rebuildLocked(ctx context.Context) (int, error) {
	var hi sql.NullInt64
	if err := b.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM knowledge_index_log`).Scan(&hi); err != nil {
		return 0, fmt.Errorf("read index log: %w", err)
	}

	rows, err := b.db.QueryContext(ctx, `SELECT id, embedding FROM knowledge_entries WHERE embedding IS NOT NULL`)
	if err != nil {
		return 0, fmt.Errorf("load embeddings: %w", err)
	}
	vecs := make(map[string][]float32)
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			rows.Close()
			return 0, err
		}
		if vec := decodeIndexable(blob, b.dimension); vec != nil {
			vecs[id] = vec
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	for id := range b.indexed {
		if _, ok := vecs[id]; !ok {
			if err := b.applyLocked(ctx, id, nil); err != nil {
				return 0, err
			}
		}
	}
	for id, vec := range vecs {
		if err := b.applyLocked(ctx, id, vec); err != nil {
			return 0, err
		}
	}
	b.mark = hi.Int64
	return len(vecs), nil
}

// applyLocked puts vec into the index under id, or removes id when vec is nil.
func (b *Base) applyLocked(ctx context.Context, id string, vec []float32) error {
	if vec == nil {
		if _, ok := b.indexed[id]; !ok {
			return nil
		}
		if err := b.index.Remove(ctx, id); err != nil {
			return fmt.Errorf("unindex %s: %w", id, err)
		}
		delete(b.indexed, id)
		return nil
	}
	if err := b.index.Add(ctx, id, vec); err != nil {
		return fmt.Errorf("index %s: %w", id, err)
	}
	b.indexed[id] = struct{}{}
	return nil
}

// indexNow applies one change made by this process without waiting for the
// next sync. A failure is logged; the change stays in the log and the next
// sync retries it.
func (b *Base) indexNow(ctx context.Context, id string, vec []float32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.applyLocked(ctx, id, vec); err != nil {
		slog.Warn("Knowledge index update deferred", "entry", id, "error", err)
	}
}

// CompactIndexLog deletes index log rows recorded before cutoff. The newest
// row is always kept so the sequence never restarts. A process whose mark
// falls behind the compacted range rebuilds its index on the next query.
func (b *Base) CompactIndexLog(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := b.db.ExecContext(ctx, `DELETE FROM knowledge_index_log
		WHERE changed_at < ? AND seq < (SELECT MAX(seq) FROM knowledge_index_log)`,
		cutoff.UTC().Format(logTimeLayout))
	if err != nil {
		return 0, fmt.Errorf("compact index log: %w", err)
	}
	return res.RowsAffected()
}

// decodeIndexable returns the stored vector when it can be indexed. Zero
// vectors have no direction and are kept out of the index.
func decodeIndexable(blob []byte, dimension int) []float32 {
	if blob == nil {
		return nil
	}
	vec := store.DecodeVector(blob)
	if len(vec) != dimension || isZero(vec) {
		return nil
	}
	return vec
}
