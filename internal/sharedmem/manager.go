package sharedmem

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/KafClaw/synapse/internal/agents"
	"github.com/KafClaw/synapse/internal/store"
)

// Manager owns memory banks, their entries and the access log.
type Manager struct {
	db     *sql.DB
	agents *agents.Registry
	now    func() time.Time
}

// NewManager creates a Manager on the shared database.
func NewManager(db *sql.DB, reg *agents.Registry) *Manager {
	return &Manager{db: db, agents: reg, now: time.Now}
}

// SetClock replaces the time source used for access stamps and expiry.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

const bankColumns = `id, name, kind, access_level, retention_policy, max_size_bytes, current_size_bytes,
	owner_agent_id, expires_at, created_at`

// CreateBank creates a bank with a unique name.
func (m *Manager) CreateBank(ctx context.Context, in BankInput) (*Bank, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return nil, store.Validationf("bank name is required")
	}
	if in.Kind == "" {
		in.Kind = BankGlobal
	}
	if in.AccessLevel == "" {
		in.AccessLevel = AccessPublic
	}
	if in.Retention == "" {
		in.Retention = RetentionPermanent
	}
	if !in.Kind.Valid() {
		return nil, store.Validationf("unknown bank kind %q", in.Kind)
	}
	if !in.AccessLevel.Valid() {
		return nil, store.Validationf("unknown access level %q", in.AccessLevel)
	}
	if !in.Retention.Valid() {
		return nil, store.Validationf("unknown retention policy %q", in.Retention)
	}
	if in.MaxSizeMB == 0 {
		in.MaxSizeMB = DefaultQuotaMB
	}
	if in.MaxSizeMB < 0 || math.IsNaN(in.MaxSizeMB) || math.IsInf(in.MaxSizeMB, 0) {
		return nil, store.Validationf("bank quota must be a positive number of MB")
	}
	if in.AccessLevel != AccessPublic && in.OwnerAgentID == "" {
		return nil, store.Validationf("%s banks need an owner agent", in.AccessLevel)
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	maxBytes := int64(in.MaxSizeMB * float64(MB))

	err := store.WithTx(ctx, m.db, func(tx *sql.Tx) error {
		if in.OwnerAgentID != "" {
			if err := m.agents.EnsureExists(ctx, tx, in.OwnerAgentID); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO memory_banks (id, name, kind, access_level, retention_policy,
			max_size_bytes, current_size_bytes, owner_agent_id, expires_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
			in.ID, in.Name, string(in.Kind), string(in.AccessLevel), string(in.Retention), maxBytes,
			store.NullString(in.OwnerAgentID), store.NullTime(in.ExpiresAt), store.FormatTime(m.now()))
		if err != nil {
			if store.IsUniqueViolation(err) {
				return store.Conflictf("memory bank %s already exists", in.Name)
			}
			return fmt.Errorf("create bank: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("Memory bank created", "bank", in.Name, "retention", in.Retention, "quota_mb", in.MaxSizeMB)
	return m.GetBank(ctx, in.Name)
}

// Grant lets agentID use a restricted bank.
func (m *Manager) Grant(ctx context.Context, bankName, agentID string) error {
	return store.WithTx(ctx, m.db, func(tx *sql.Tx) error {
		b, err := loadBank(ctx, tx, bankName)
		if err != nil {
			return err
		}
		if err := m.agents.EnsureExists(ctx, tx, agentID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO memory_bank_grants (bank_id, agent_id, created_at) VALUES (?, ?, ?)`,
			b.ID, agentID, store.FormatTime(m.now()))
		if err != nil {
			return fmt.Errorf("grant bank access: %w", err)
		}
		return nil
	})
}

// GetBank looks a bank up by name or id.
func (m *Manager) GetBank(ctx context.Context, nameOrID string) (*Bank, error) {
	return loadBank(ctx, m.db, nameOrID)
}

// ListBanks returns every bank ordered by name.
func (m *Manager) ListBanks(ctx context.Context) ([]Bank, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT `+bankColumns+` FROM memory_banks ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list banks: %w", err)
	}
	defer rows.Close()
	var out []Bank
	for rows.Next() {
		b, err := scanBank(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// Write upserts (bank, key); the last committed write wins. On a usage-based
// bank least-recently-accessed entries are evicted until the write fits.
// Other policies reject writes that would exceed the quota.
func (m *Manager) Write(ctx context.Context, in WriteInput) (*WriteResult, error) {
	start := m.now()
	in.Key = strings.TrimSpace(in.Key)
	if in.Key == "" {
		return nil, store.Validationf("memory entry key is required")
	}
	if in.Kind == "" {
		in.Kind = EntryExperience
	}
	if !validEntryKind(in.Kind) {
		return nil, store.Validationf("unknown memory entry kind %q", in.Kind)
	}
	if err := store.CheckUnit("relevance", in.Relevance); err != nil {
		return nil, err
	}
	if in.SizeBytes < 0 {
		return nil, store.Validationf("declared size must be >= 0")
	}
	content, err := store.JSONText(in.Content, "{}")
	if err != nil {
		return nil, err
	}
	logCtx, err := store.JSONText(in.Context, "{}")
	if err != nil {
		return nil, err
	}
	size := in.SizeBytes
	if size == 0 {
		size = int64(len(content) + 4*len(in.Embedding))
	}
	expires := in.ExpiresAt
	if expires == nil && in.TTL > 0 {
		t := start.Add(in.TTL)
		expires = &t
	}
	var blob any
	if len(in.Embedding) > 0 {
		blob = store.EncodeVector(in.Embedding)
	}

	res := &WriteResult{}
	var entryID string
	err = store.WithTx(ctx, m.db, func(tx *sql.Tx) error {
		res.Evicted = nil
		b, err := loadBank(ctx, tx, in.Bank)
		if err != nil {
			return err
		}
		if b.expired(start) {
			return store.Validationf("memory bank %s expired", b.Name)
		}
		if err := m.checkAccess(ctx, tx, b, in.AgentID); err != nil {
			return err
		}
		if in.AgentID != "" {
			if err := m.agents.EnsureExists(ctx, tx, in.AgentID); err != nil {
				return err
			}
		}

		var oldSize int64
		err = tx.QueryRowContext(ctx, `SELECT id, size_bytes FROM memory_entries WHERE bank_id = ? AND entry_key = ?`,
			b.ID, in.Key).Scan(&entryID, &oldSize)
		exists := err == nil
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("lookup entry: %w", err)
		}
		delta := size - oldSize

		var freed int64
		if b.CurrentSizeBytes+delta > b.MaxSizeBytes {
			if b.Retention != RetentionUsage || size > b.MaxSizeBytes {
				return store.QuotaExceededf("entry of %d bytes does not fit bank %s (%d of %d bytes used)",
					size, b.Name, b.CurrentSizeBytes, b.MaxSizeBytes)
			}
			need := b.CurrentSizeBytes + delta - b.MaxSizeBytes
			victims, err := lruVictims(ctx, tx, b.ID, in.Key, need)
			if err != nil {
				return err
			}
			for _, v := range victims {
				removed, size, err := removeEntry(ctx, tx, b.ID, v, evictionContext("evicted", in.Key), start)
				if err != nil {
					return err
				}
				if removed {
					freed += size
					res.Evicted = append(res.Evicted, v.key)
				}
			}
			if freed < need {
				return store.QuotaExceededf("bank %s cannot free %d bytes", b.Name, need)
			}
		}

		ts := store.FormatTime(start)
		kind := AccessWrite
		if exists {
			kind = AccessUpdate
			_, err = tx.ExecContext(ctx, `UPDATE memory_entries SET kind = ?, content = ?, embedding = ?, size_bytes = ?,
				relevance = ?, last_accessed = ?, expires_at = ? WHERE id = ?`,
				in.Kind, content, blob, size, in.Relevance, ts, store.NullTime(expires), entryID)
		} else {
			entryID = uuid.NewString()
			_, err = tx.ExecContext(ctx, `INSERT INTO memory_entries (id, bank_id, entry_key, kind, content, embedding,
				size_bytes, created_by_agent_id, relevance, last_accessed, created_at, expires_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				entryID, b.ID, in.Key, in.Kind, content, blob, size, store.NullString(in.AgentID), in.Relevance,
				ts, ts, store.NullTime(expires))
		}
		if err != nil {
			return fmt.Errorf("write entry: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE memory_banks SET current_size_bytes = current_size_bytes + ? WHERE id = ?`,
			delta, b.ID); err != nil {
			return fmt.Errorf("adjust bank size: %w", err)
		}
		res.Created = !exists
		return logAccess(ctx, tx, entryID, b.ID, in.Key, in.AgentID, kind, logCtx, m.now().Sub(start), start)
	})
	if err != nil {
		return nil, err
	}
	if len(res.Evicted) > 0 {
		slog.Info("Memory entries evicted", "bank", in.Bank, "count", len(res.Evicted), "for_key", in.Key)
	}
	entry, err := m.getEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	res.Entry = entry
	return res, nil
}

// Read returns the current value of (bank, key). Expired entries of a
// time-based bank are not found. The read is counted and logged.
func (m *Manager) Read(ctx context.Context, bankName, key, agentID string) (*Entry, error) {
	start := m.now()
	var entryID string
	err := store.WithTx(ctx, m.db, func(tx *sql.Tx) error {
		b, err := loadBank(ctx, tx, bankName)
		if err != nil {
			return err
		}
		if err := m.checkAccess(ctx, tx, b, agentID); err != nil {
			return err
		}
		var expires sql.NullString
		err = tx.QueryRowContext(ctx, `SELECT id, expires_at FROM memory_entries WHERE bank_id = ? AND entry_key = ?`,
			b.ID, key).Scan(&entryID, &expires)
		if errors.Is(err, sql.ErrNoRows) {
			return store.NotFoundf("memory entry %s/%s", b.Name, key)
		}
		if err != nil {
			return fmt.Errorf("lookup entry: %w", err)
		}
		if b.Retention == RetentionTimeBased {
			if exp := store.TimePtr(expires); exp != nil && !exp.After(start) {
				return store.NotFoundf("memory entry %s/%s expired", b.Name, key)
			}
		}
		ts := store.FormatTime(start)
		if _, err := tx.ExecContext(ctx, `UPDATE memory_entries SET access_count = access_count + 1, last_accessed = ?
			WHERE id = ?`, ts, entryID); err != nil {
			return fmt.Errorf("record read: %w", err)
		}
		return logAccess(ctx, tx, entryID, b.ID, key, agentID, AccessRead, "{}", m.now().Sub(start), start)
	})
	if err != nil {
		return nil, err
	}
	return m.getEntry(ctx, entryID)
}

// Delete removes (bank, key) and releases its size.
func (m *Manager) Delete(ctx context.Context, bankName, key, agentID string) error {
	start := m.now()
	return store.WithTx(ctx, m.db, func(tx *sql.Tx) error {
		b, err := loadBank(ctx, tx, bankName)
		if err != nil {
			return err
		}
		if err := m.checkAccess(ctx, tx, b, agentID); err != nil {
			return err
		}
		var v victim
		err = tx.QueryRowContext(ctx, `SELECT id, entry_key, size_bytes FROM memory_entries WHERE bank_id = ? AND entry_key = ?`,
			b.ID, key).Scan(&v.id, &v.key, &v.size)
		if errors.Is(err, sql.ErrNoRows) {
			return store.NotFoundf("memory entry %s/%s", b.Name, key)
		}
		if err != nil {
			return fmt.Errorf("lookup entry: %w", err)
		}
		v.agentID = agentID
		_, _, err = removeEntry(ctx, tx, b.ID, v, "{}", start)
		return err
	})
}

// Search ranks a bank's embedded entries by cosine similarity to vec.
// Returned entries are counted and logged as reads.
func (m *Manager) Search(ctx context.Context, bankName, agentID string, vec []float32, threshold float64, limit int) ([]SearchHit, error) {
	if len(vec) == 0 {
		return nil, store.Validationf("query embedding is required")
	}
	if limit <= 0 {
		limit = 10
	}
	start := m.now()
	var hits []SearchHit
	err := store.WithTx(ctx, m.db, func(tx *sql.Tx) error {
		hits = nil
		b, err := loadBank(ctx, tx, bankName)
		if err != nil {
			return err
		}
		if err := m.checkAccess(ctx, tx, b, agentID); err != nil {
			return err
		}
		entries, err := queryEntries(ctx, tx, `WHERE bank_id = ? AND embedding IS NOT NULL`, b.ID)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if b.Retention == RetentionTimeBased && e.ExpiresAt != nil && !e.ExpiresAt.After(start) {
				continue
			}
			if len(e.Embedding) != len(vec) {
				continue
			}
			if sim := store.CosineSimilarity(vec, e.Embedding); sim > threshold {
				hits = append(hits, SearchHit{Entry: e, Similarity: sim})
			}
		}
		sortHits(hits)
		if len(hits) > limit {
			hits = hits[:limit]
		}
		ts := store.FormatTime(start)
		for i := range hits {
			if _, err := tx.ExecContext(ctx, `UPDATE memory_entries SET access_count = access_count + 1, last_accessed = ?
				WHERE id = ?`, ts, hits[i].ID); err != nil {
				return fmt.Errorf("record search read: %w", err)
			}
			searchCtx := fmt.Sprintf(`{"search":true,"similarity":%g}`, hits[i].Similarity)
			if err := logAccess(ctx, tx, hits[i].ID, b.ID, hits[i].Key, agentID, AccessRead, searchCtx, 0, start); err != nil {
				return err
			}
			hits[i].AccessCount++
			hits[i].LastAccessed = start.UTC()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return hits, nil
}

// AccessLog returns the log rows for (bank, key) in arrival order.
// An empty key returns the whole bank's log.
func (m *Manager) AccessLog(ctx context.Context, bankName, key string) ([]Access, error) {
	b, err := loadBank(ctx, m.db, bankName)
	if err != nil {
		return nil, err
	}
	query := `SELECT id, entry_id, bank_id, entry_key, agent_id, access_kind, context, duration_ms, accessed_at
		FROM memory_access_log WHERE bank_id = ?`
	args := []any{b.ID}
	if key != "" {
		query += ` AND entry_key = ?`
		args = append(args, key)
	}
	query += ` ORDER BY id ASC`
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("access log: %w", err)
	}
	defer rows.Close()
	var out []Access
	for rows.Next() {
		var a Access
		var agent sql.NullString
		var kind, ctxText, at string
		if err := rows.Scan(&a.ID, &a.EntryID, &a.BankID, &a.Key, &agent, &kind, &ctxText, &a.DurationMs, &at); err != nil {
			return nil, err
		}
		a.AgentID = agent.String
		a.Kind = AccessKind(kind)
		a.Context = store.RawJSON(ctxText)
		a.AccessedAt = store.ParseTime(at)
		out = append(out, a)
	}
	return out, rows.Err()
}

// BankStats summarises a bank's contents and usage.
func (m *Manager) BankStats(ctx context.Context, bankName string) (*Stats, error) {
	b, err := loadBank(ctx, m.db, bankName)
	if err != nil {
		return nil, err
	}
	s := &Stats{Bank: b.Name, CurrentSizeBytes: b.CurrentSizeBytes, MaxSizeBytes: b.MaxSizeBytes}
	now := store.FormatTime(m.now())
	err = m.db.QueryRowContext(ctx, `SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN expires_at IS NULL OR expires_at > ? THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(relevance), 0),
			COALESCE(SUM(access_count), 0)
		FROM memory_entries WHERE bank_id = ?`, now, b.ID).Scan(&s.Entries, &s.ActiveEntries, &s.AvgRelevance, &s.TotalAccesses)
	if err != nil {
		return nil, fmt.Errorf("bank stats: %w", err)
	}
	if b.MaxSizeBytes > 0 {
		s.Utilization = float64(b.CurrentSizeBytes) / float64(b.MaxSizeBytes)
	}
	return s, nil
}

// ListEntries returns a bank's entries by key without touching access state.
func (m *Manager) ListEntries(ctx context.Context, bankName string) ([]Entry, error) {
	b, err := loadBank(ctx, m.db, bankName)
	if err != nil {
		return nil, err
	}
	return queryEntries(ctx, m.db, `WHERE bank_id = ? ORDER BY entry_key`, b.ID)
}

func (m *Manager) checkAccess(ctx context.Context, q store.Querier, b *Bank, agentID string) error {
	switch b.AccessLevel {
	case AccessPublic:
		return nil
	case AccessPrivate:
		if agentID != "" && agentID == b.OwnerAgentID {
			return nil
		}
	case AccessRestricted:
		if agentID == "" {
			break
		}
		if agentID == b.OwnerAgentID {
			return nil
		}
		var one int
		err := q.QueryRowContext(ctx, `SELECT 1 FROM memory_bank_grants WHERE bank_id = ? AND agent_id = ?`, b.ID, agentID).Scan(&one)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check grant: %w", err)
		}
	}
	return accessDenied(b.Name, agentID)
}

func (m *Manager) getEntry(ctx context.Context, id string) (*Entry, error) {
	entries, err := queryEntries(ctx, m.db, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, store.NotFoundf("memory entry %s", id)
	}
	return &entries[0], nil
}

type victim struct {
	id           string
	key          string
	size         int64
	lastAccessed string
	agentID      string
	// guard is an extra WHERE predicate the row must still satisfy when it
	// is removed in a later transaction than the one that selected it.
	guard     string
	guardArgs []any
}

// lruVictims picks least-recently-accessed entries, skipping exceptKey,
// until at least need bytes are covered.
func lruVictims(ctx context.Context, tx *sql.Tx, bankID, exceptKey string, need int64) ([]victim, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id, entry_key, size_bytes FROM memory_entries
		WHERE bank_id = ? AND entry_key != ?
		ORDER BY last_accessed ASC, created_at ASC, id ASC`, bankID, exceptKey)
	if err != nil {
		return nil, fmt.Errorf("select eviction candidates: %w", err)
	}
	defer rows.Close()
	var out []victim
	var covered int64
	for covered < need && rows.Next() {
		var v victim
		if err := rows.Scan(&v.id, &v.key, &v.size); err != nil {
			return nil, err
		}
		out = append(out, v)
		covered += v.size
	}
	return out, rows.Err()
}

// removeEntry deletes one entry if it still satisfies v.guard, releases the
// size it holds now and logs the delete. It reports whether a row was removed
// and how many bytes were released.
func removeEntry(ctx context.Context, tx *sql.Tx, bankID string, v victim, logCtx string, at time.Time) (bool, int64, error) {
	var size int64
	args := append([]any{v.id}, v.guardArgs...)
	err := tx.QueryRowContext(ctx, `SELECT size_bytes FROM memory_entries WHERE id = ?`+v.guard, args...).Scan(&size)
	if errors.Is(err, sql.ErrNoRows) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("lookup entry: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_entries WHERE id = ?`, v.id); err != nil {
		return false, 0, fmt.Errorf("delete entry: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE memory_banks SET current_size_bytes = current_size_bytes - ? WHERE id = ?`,
		size, bankID); err != nil {
		return false, 0, fmt.Errorf("release bank size: %w", err)
	}
	if err := logAccess(ctx, tx, v.id, bankID, v.key, v.agentID, AccessDelete, logCtx, 0, at); err != nil {
		return false, 0, err
	}
	return true, size, nil
}

func evictionContext(reason, forKey string) string {
	b, _ := json.Marshal(map[string]string{"reason": reason, "for_key": forKey})
	return string(b)
}

func logAccess(ctx context.Context, tx *sql.Tx, entryID, bankID, key, agentID string, kind AccessKind,
	logCtx string, d time.Duration, at time.Time) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO memory_access_log (entry_id, bank_id, entry_key, agent_id, access_kind,
		context, duration_ms, accessed_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entryID, bankID, key, store.NullString(agentID), string(kind), logCtx, d.Milliseconds(), store.FormatTime(at))
	if err != nil {
		return fmt.Errorf("log access: %w", err)
	}
	return nil
}

func loadBank(ctx context.Context, q store.Querier, nameOrID string) (*Bank, error) {
	b, err := scanBank(q.QueryRowContext(ctx, `SELECT `+bankColumns+` FROM memory_banks WHERE name = ? OR id = ?
		ORDER BY CASE WHEN name = ? THEN 0 ELSE 1 END LIMIT 1`, nameOrID, nameOrID, nameOrID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NotFoundf("memory bank %s", nameOrID)
	}
	if err != nil {
		return nil, fmt.Errorf("load bank: %w", err)
	}
	return b, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBank(s scanner) (*Bank, error) {
	var b Bank
	var kind, access, retention, created string
	var owner, expires sql.NullString
	if err := s.Scan(&b.ID, &b.Name, &kind, &access, &retention, &b.MaxSizeBytes, &b.CurrentSizeBytes,
		&owner, &expires, &created); err != nil {
		return nil, err
	}
	b.Kind = BankKind(kind)
	b.AccessLevel = AccessLevel(access)
	b.Retention = Retention(retention)
	b.OwnerAgentID = owner.String
	b.ExpiresAt = store.TimePtr(expires)
	b.CreatedAt = store.ParseTime(created)
	return &b, nil
}

const entryColumns = `id, bank_id, entry_key, kind, content, embedding, size_bytes, created_by_agent_id,
	access_count, relevance, last_accessed, created_at, expires_at`

func queryEntries(ctx context.Context, q store.Querier, clause string, args ...any) ([]Entry, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+entryColumns+` FROM memory_entries `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		var content, last, created string
		var blob []byte
		var creator, expires sql.NullString
		if err := rows.Scan(&e.ID, &e.BankID, &e.Key, &e.Kind, &content, &blob, &e.SizeBytes, &creator,
			&e.AccessCount, &e.Relevance, &last, &created, &expires); err != nil {
			return nil, err
		}
		e.Content = store.RawJSON(content)
		e.Embedding = store.DecodeVector(blob)
		e.CreatedByAgentID = creator.String
		e.LastAccessed = store.ParseTime(last)
		e.CreatedAt = store.ParseTime(created)
		e.ExpiresAt = store.TimePtr(expires)
		out = append(out, e)
	}
	return out, rows.Err()
}
