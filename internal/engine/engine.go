// Package engine wires every service over one shared store and exposes the
// ingestion API, the query API and the derived-data jobs.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/KafClaw/synapse/internal/agents"
	"github.com/KafClaw/synapse/internal/analytics"
	"github.com/KafClaw/synapse/internal/embed"
	"github.com/KafClaw/synapse/internal/events"
	"github.com/KafClaw/synapse/internal/feedback"
	"github.com/KafClaw/synapse/internal/knowledge"
	"github.com/KafClaw/synapse/internal/learning"
	"github.com/KafClaw/synapse/internal/ledger"
	"github.com/KafClaw/synapse/internal/notify"
	"github.com/KafClaw/synapse/internal/sharedmem"
	"github.com/KafClaw/synapse/internal/store"
	"github.com/KafClaw/synapse/internal/sysconfig"
)

// Options configures an Engine. Only Store is required.
type Options struct {
	Store     *store.Store
	Dimension int
	// Index defaults to an exact in-memory index.
	Index     knowledge.Index
	Notifier  notify.Notifier
	Publisher events.Publisher
	// Embedder fills in missing knowledge embeddings; nil disables backfill.
	Embedder embed.Embedder

	GlobalBankName      string
	GlobalBankMaxMB     float64
	AccessLogRetention  time.Duration
	CollaborationWindow time.Duration
	RollupWindows       []analytics.Window
	ConfigCacheTTL      time.Duration
}

// Defaults applied by New.
const (
	DefaultDimension           = 384
	DefaultCollaborationWindow = 30 * 24 * time.Hour
	DefaultAccessLogRetention  = 30 * 24 * time.Hour
	backfillBatch              = 64
)

// Engine is the facade over the shared store.
type Engine struct {
	opts      Options
	store     *store.Store
	agents    *agents.Registry
	ledger    *ledger.Ledger
	learning  *learning.Recorder
	knowledge *knowledge.Base
	memory    *sharedmem.Manager
	analytics *analytics.Engine
	feedback  *feedback.Loop
	config    *sysconfig.Manager
	publisher events.Publisher
	embedder  embed.Embedder
	now       func() time.Time
	ownsStore bool
}

// New builds every service, seeds persisted configuration and the global
// memory bank, and warms the knowledge index.
func New(ctx context.Context, opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	if opts.Dimension <= 0 {
		opts.Dimension = DefaultDimension
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}
	if opts.Publisher == nil {
		opts.Publisher = events.NopPublisher{}
	}
	if opts.CollaborationWindow <= 0 {
		opts.CollaborationWindow = DefaultCollaborationWindow
	}
	if opts.AccessLogRetention <= 0 {
		opts.AccessLogRetention = DefaultAccessLogRetention
	}
	if len(opts.RollupWindows) == 0 {
		opts.RollupWindows = []analytics.Window{analytics.WindowHour, analytics.WindowDay}
	}
	for _, w := range opts.RollupWindows {
		if w.Duration() == 0 {
			return nil, store.Validationf("unknown rollup window %q", w)
		}
	}
	if opts.Embedder != nil && opts.Embedder.Dimensions() != opts.Dimension {
		return nil, store.DimensionMismatch(opts.Dimension, opts.Embedder.Dimensions())
	}

	db := opts.Store.DB()
	cfgStore, err := sysconfig.NewStore(db, opts.ConfigCacheTTL)
	if err != nil {
		return nil, fmt.Errorf("open system config: %w", err)
	}
	cfg := sysconfig.NewManager(cfgStore)
	if _, err := cfg.Load(ctx); err != nil {
		cfg.Close()
		return nil, fmt.Errorf("load system config: %w", err)
	}

	reg := agents.NewRegistry(db)
	kb, err := knowledge.Open(ctx, db, reg, opts.Dimension, opts.Index)
	if err != nil {
		cfg.Close()
		return nil, err
	}
	rec := learning.NewRecorder(db, reg)

	e := &Engine{
		opts:      opts,
		store:     opts.Store,
		agents:    reg,
		ledger:    ledger.New(db, reg),
		learning:  rec,
		knowledge: kb,
		memory:    sharedmem.NewManager(db, reg),
		analytics: analytics.New(db, reg, rec, opts.Notifier),
		feedback:  feedback.New(db, cfg, opts.Notifier),
		config:    cfg,
		publisher: opts.Publisher,
		embedder:  opts.Embedder,
		now:       time.Now,
	}
	e.ledger.SetConcurrencyLimit(func() int { return cfg.Current().MaxConcurrentTasks })
	e.learning.SetEnabled(func() bool { return cfg.Current().LearningEnabled })
	e.analytics.SetRetentionDays(func() int { return cfg.Current().AnalyticsRetentionDays })

	if err := e.ensureGlobalBank(ctx); err != nil {
		cfg.Close()
		return nil, err
	}
	slog.Info("Engine ready", "dimension", kb.Dimension(), "indexed", kb.IndexLen(),
		"embedder", opts.Embedder != nil, "global_bank", opts.GlobalBankName)
	return e, nil
}

func (e *Engine) ensureGlobalBank(ctx context.Context) error {
	if e.opts.GlobalBankName == "" {
		return nil
	}
	_, err := e.memory.GetBank(ctx, e.opts.GlobalBankName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	_, err = e.memory.CreateBank(ctx, sharedmem.BankInput{
		Name:        e.opts.GlobalBankName,
		Kind:        sharedmem.BankGlobal,
		AccessLevel: sharedmem.AccessPublic,
		Retention:   sharedmem.RetentionPermanent,
		MaxSizeMB:   e.opts.GlobalBankMaxMB,
	})
	if errors.Is(err, store.ErrConflict) {
		return nil
	}
	return err
}

// Close flushes the publisher and releases the config cache. The store is
// closed only when the engine opened it.
func (e *Engine) Close() error {
	e.config.Close()
	err := e.publisher.Close()
	if e.ownsStore {
		err = errors.Join(err, e.store.Close())
	}
	return err
}

// Service accessors for callers that need the full domain API.

func (e *Engine) Store() *store.Store { return e.store }
func (e *Engine) Agents() *agents.Registry { return e.agents }
func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }
func (e *Engine) Learning() *learning.Recorder { return e.learning }
func (e *Engine) Knowledge() *knowledge.Base { return e.knowledge }
func (e *Engine) Memory() *sharedmem.Manager { return e.memory }
func (e *Engine) Analytics() *analytics.Engine { return e.analytics }
func (e *Engine) Feedback() *feedback.Loop { return e.feedback }
func (e *Engine) Config() *sysconfig.Manager { return e.config }
func (e *Engine) Settings() sysconfig.Settings { return e.config.Current() }
func (e *Engine) HasEmbedder() bool { return e.embedder != nil }
func (e *Engine) Publisher() events.Publisher { return e.publisher }
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// publish emits ev after a committed write. Failures are logged only.
func (e *Engine) publish(ctx context.Context, typ, subject string, payload any) {
	if err := e.publisher.Publish(ctx, events.New(typ, subject, payload)); err != nil {
		slog.Warn("Event publish failed", "type", typ, "subject", subject, "error", err)
	}
}
