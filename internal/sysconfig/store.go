// Package sysconfig persists the engine's typed runtime configuration and
// serves it as immutable Settings snapshots.
package sysconfig

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/KafClaw/synapse/internal/store"
)

// DefaultCacheTTL bounds how long a point read may be served from cache.
const DefaultCacheTTL = 5 * time.Second

// Entry is one stored configuration value.
type Entry struct {
	Key         string    `json:"key"`
	Value       any       `json:"value"`
	Type        ValueType `json:"value_type"`
	Description string    `json:"description,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store reads and writes the system_config table. Point reads go through a
// short-lived cache; every write invalidates the key.
type Store struct {
	db    *sql.DB
	cache *ristretto.Cache
	ttl   time.Duration
	now   func() time.Time
}

// NewStore creates a Store. A ttl <= 0 uses DefaultCacheTTL.
func NewStore(db *sql.DB, ttl time.Duration) (*Store, error) {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1 << 10,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create config cache: %w", err)
	}
	return &Store{db: db, cache: cache, ttl: ttl, now: time.Now}, nil
}

// Close releases the cache.
func (s *Store) Close() {
	s.cache.Close()
}

// Get returns one entry.
func (s *Store) Get(ctx context.Context, key string) (*Entry, error) {
	if v, ok := s.cache.Get(key); ok {
		e := v.(Entry)
		return &e, nil
	}
	var text, typ, desc, updated string
	err := s.db.QueryRowContext(ctx, `SELECT value, value_type, description, updated_at FROM system_config WHERE key = ?`,
		key).Scan(&text, &typ, &desc, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NotFoundf("config key %s", key)
	}
	if err != nil {
		return nil, fmt.Errorf("get config %s: %w", key, err)
	}
	value, err := decode(text)
	if err != nil {
		return nil, err
	}
	e := Entry{Key: key, Value: value, Type: ValueType(typ), Description: desc, UpdatedAt: store.ParseTime(updated)}
	s.cache.SetWithTTL(key, e, int64(len(text)+len(key)), s.ttl)
	// Flush the set buffer so a later Del cannot be overtaken by this Set.
	s.cache.Wait()
	return &e, nil
}

// Set writes a value. A blank description keeps the existing one.
func (s *Store) Set(ctx context.Context, key string, value any, description string) (*Entry, error) {
	if err := s.set(ctx, s.db, key, value, description); err != nil {
		return nil, err
	}
	return s.Get(ctx, key)
}

func (s *Store) set(ctx context.Context, q store.Querier, key string, value any, description string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return store.Validationf("config key is required")
	}
	if err := validateKnown(key, value); err != nil {
		return err
	}
	text, typ, err := encode(value)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `INSERT INTO system_config (key, value, value_type, description, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, value_type = excluded.value_type,
			description = CASE WHEN excluded.description = '' THEN system_config.description ELSE excluded.description END,
			updated_at = excluded.updated_at`,
		key, text, string(typ), description, store.FormatTime(s.now()))
	if err != nil {
		return fmt.Errorf("set config %s: %w", key, err)
	}
	s.cache.Del(key)
	return nil
}

// Delete removes a key.
func (s *Store) Delete(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM system_config WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete config %s: %w", key, err)
	}
	s.cache.Del(key)
	if n, _ := res.RowsAffected(); n == 0 {
		return store.NotFoundf("config key %s", key)
	}
	return nil
}

// All returns every entry ordered by key, bypassing the cache.
func (s *Store) All(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value, value_type, description, updated_at FROM system_config ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list config: %w", err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		var text, typ, updated string
		if err := rows.Scan(&e.Key, &text, &typ, &e.Description, &updated); err != nil {
			return nil, err
		}
		if e.Value, err = decode(text); err != nil {
			return nil, fmt.Errorf("config %s: %w", e.Key, err)
		}
		e.Type = ValueType(typ)
		e.UpdatedAt = store.ParseTime(updated)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Snapshot returns the current value of each key; missing keys map to nil.
func (s *Store) Snapshot(ctx context.Context, keys []string) (map[string]any, error) {
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		e, err := s.Get(ctx, k)
		switch {
		case errors.Is(err, store.ErrNotFound):
			out[k] = nil
		case err != nil:
			return nil, err
		default:
			out[k] = e.Value
		}
	}
	return out, nil
}

// Apply writes every value in one transaction; nil values delete their key.
func (s *Store) Apply(ctx context.Context, values map[string]any) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	err := store.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, k := range keys {
			if values[k] == nil {
				if _, err := tx.ExecContext(ctx, `DELETE FROM system_config WHERE key = ?`, k); err != nil {
					return fmt.Errorf("delete config %s: %w", k, err)
				}
				continue
			}
			if err := s.set(ctx, tx, k, values[k], ""); err != nil {
				return err
			}
		}
		return nil
	})
	for _, k := range keys {
		s.cache.Del(k)
	}
	if err != nil {
		return err
	}
	slog.Info("Configuration applied", "keys", strings.Join(keys, ","))
	return nil
}
