package sysconfig

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/KafClaw/synapse/internal/store"
)

// Recognised keys.
const (
	KeySystemVersion              = "system_version"
	KeyMaxConcurrentTasks         = "max_concurrent_tasks"
	KeyLearningEnabled            = "learning_enabled"
	KeyAnalyticsRetentionDays     = "analytics_retention_days"
	KeyDefaultSimilarityThreshold = "default_similarity_threshold"
	KeyAutoOptimization           = "auto_optimization"
)

// Settings is an immutable snapshot of the recognised keys.
type Settings struct {
	SystemVersion              string  `json:"system_version" yaml:"system_version"`
	MaxConcurrentTasks         int     `json:"max_concurrent_tasks" yaml:"max_concurrent_tasks"`
	LearningEnabled            bool    `json:"learning_enabled" yaml:"learning_enabled"`
	AnalyticsRetentionDays     int     `json:"analytics_retention_days" yaml:"analytics_retention_days"`
	DefaultSimilarityThreshold float64 `json:"default_similarity_threshold" yaml:"default_similarity_threshold"`
	AutoOptimization           bool    `json:"auto_optimization" yaml:"auto_optimization"`
}

// DefaultSettings are seeded on first load.
func DefaultSettings() Settings {
	return Settings{
		SystemVersion:              "2.0.0",
		MaxConcurrentTasks:         5,
		LearningEnabled:            true,
		AnalyticsRetentionDays:     90,
		DefaultSimilarityThreshold: 0.8,
		AutoOptimization:           false,
	}
}

var descriptions = map[string]string{
	KeySystemVersion:              "Version of the running engine schema and logic",
	KeyMaxConcurrentTasks:         "Maximum number of tasks in running state; 0 disables the limit",
	KeyLearningEnabled:            "Whether learning events update agent learning progress",
	KeyAnalyticsRetentionDays:     "Days raw analytics metrics are kept before pruning",
	KeyDefaultSimilarityThreshold: "Similarity threshold used when a knowledge query gives none",
	KeyAutoOptimization:           "Whether the scheduler generates optimisation recommendations",
}

func (s Settings) values() map[string]any {
	return map[string]any{
		KeySystemVersion:              s.SystemVersion,
		KeyMaxConcurrentTasks:         s.MaxConcurrentTasks,
		KeyLearningEnabled:            s.LearningEnabled,
		KeyAnalyticsRetentionDays:     s.AnalyticsRetentionDays,
		KeyDefaultSimilarityThreshold: s.DefaultSimilarityThreshold,
		KeyAutoOptimization:           s.AutoOptimization,
	}
}

// validateKnown type- and range-checks values of recognised keys.
func validateKnown(key string, v any) error {
	switch key {
	case KeySystemVersion:
		if s, ok := v.(string); !ok || s == "" {
			return store.Validationf("%s must be a non-empty string", key)
		}
	case KeyLearningEnabled, KeyAutoOptimization:
		if _, ok := v.(bool); !ok {
			return store.Validationf("%s must be a boolean", key)
		}
	case KeyMaxConcurrentTasks, KeyAnalyticsRetentionDays:
		f, ok := number(v)
		if !ok || f < 0 || f != math.Trunc(f) {
			return store.Validationf("%s must be a non-negative integer", key)
		}
	case KeyDefaultSimilarityThreshold:
		f, ok := number(v)
		if !ok {
			return store.Validationf("%s must be a number", key)
		}
		return store.CheckRange(key, f, -1, 1)
	}
	return nil
}

func number(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}

// Manager owns the configuration lifecycle: Load seeds defaults and reads
// the table, Current serves the latest snapshot, Reload re-reads it.
type Manager struct {
	store *Store
	mu    sync.RWMutex
	cur   Settings
}

// NewManager wraps s. Current returns defaults until Load succeeds.
func NewManager(s *Store) *Manager {
	return &Manager{store: s, cur: DefaultSettings()}
}

// Store exposes the underlying key/value store.
func (m *Manager) Store() *Store { return m.store }

// Load seeds any missing recognised key with its default, then reads.
func (m *Manager) Load(ctx context.Context) (Settings, error) {
	defaults := DefaultSettings().values()
	for _, key := range []string{KeySystemVersion, KeyMaxConcurrentTasks, KeyLearningEnabled,
		KeyAnalyticsRetentionDays, KeyDefaultSimilarityThreshold, KeyAutoOptimization} {
		_, err := m.store.Get(ctx, key)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return Settings{}, err
		}
		if _, err := m.store.Set(ctx, key, defaults[key], descriptions[key]); err != nil {
			return Settings{}, fmt.Errorf("seed %s: %w", key, err)
		}
		slog.Info("Configuration default seeded", "key", key, "value", defaults[key])
	}
	return m.Reload(ctx)
}

// Reload re-reads every recognised key into a fresh snapshot.
func (m *Manager) Reload(ctx context.Context) (Settings, error) {
	entries, err := m.store.All(ctx)
	if err != nil {
		return Settings{}, err
	}
	s := DefaultSettings()
	for _, e := range entries {
		switch e.Key {
		case KeySystemVersion:
			if v, ok := e.Value.(string); ok {
				s.SystemVersion = v
			}
		case KeyMaxConcurrentTasks:
			if v, ok := e.Value.(float64); ok {
				s.MaxConcurrentTasks = int(v)
			}
		case KeyLearningEnabled:
			if v, ok := e.Value.(bool); ok {
				s.LearningEnabled = v
			}
		case KeyAnalyticsRetentionDays:
			if v, ok := e.Value.(float64); ok {
				s.AnalyticsRetentionDays = int(v)
			}
		case KeyDefaultSimilarityThreshold:
			if v, ok := e.Value.(float64); ok {
				s.DefaultSimilarityThreshold = v
			}
		case KeyAutoOptimization:
			if v, ok := e.Value.(bool); ok {
				s.AutoOptimization = v
			}
		}
	}
	m.mu.Lock()
	changed := m.cur != s
	m.cur = s
	m.mu.Unlock()
	if changed {
		slog.Debug("Configuration reloaded", "version", s.SystemVersion, "max_concurrent_tasks", s.MaxConcurrentTasks)
	}
	return s, nil
}

// Current returns the latest snapshot.
func (m *Manager) Current() Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

// Snapshot implements the feedback config applier.
func (m *Manager) Snapshot(ctx context.Context, keys []string) (map[string]any, error) {
	return m.store.Snapshot(ctx, keys)
}

// Apply writes values and reloads the snapshot.
func (m *Manager) Apply(ctx context.Context, values map[string]any) error {
	if err := m.store.Apply(ctx, values); err != nil {
		return err
	}
	_, err := m.Reload(ctx)
	return err
}

// Set writes one value and reloads the snapshot.
func (m *Manager) Set(ctx context.Context, key string, value any) (*Entry, error) {
	e, err := m.store.Set(ctx, key, value, descriptions[key])
	if err != nil {
		return nil, err
	}
	if _, err := m.Reload(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// ImportYAML applies a YAML mapping of keys to values, then reloads.
func (m *Manager) ImportYAML(ctx context.Context, r io.Reader) (int, error) {
	var doc map[string]any
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, nil
		}
		return 0, store.Validationf("config yaml: %v", err)
	}
	values := make(map[string]any, len(doc))
	for k, v := range doc {
		if v == nil {
			return 0, store.Validationf("config yaml: %s has no value", k)
		}
		values[k] = normalize(v)
	}
	if err := m.Apply(ctx, values); err != nil {
		return 0, err
	}
	return len(values), nil
}

// Close releases resources.
func (m *Manager) Close() {
	m.store.Close()
}
