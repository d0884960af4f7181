package engine

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/KafClaw/synapse/internal/analytics"
	"github.com/KafClaw/synapse/internal/config"
	"github.com/KafClaw/synapse/internal/embed"
	"github.com/KafClaw/synapse/internal/events"
	"github.com/KafClaw/synapse/internal/knowledge"
	"github.com/KafClaw/synapse/internal/notify"
	"github.com/KafClaw/synapse/internal/store"
)

// FromConfig opens the store named by cfg and builds an Engine with the
// configured index, embedder, notifier and publisher. Close releases the
// store as well.
func FromConfig(ctx context.Context, cfg *config.Config) (*Engine, error) {
	path, err := cfg.StorePath()
	if err != nil {
		return nil, err
	}
	if err := config.EnsureDir(filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.Open(ctx, store.Options{
		Driver:        cfg.Store.Driver,
		Path:          path,
		BusyTimeoutMs: cfg.Store.BusyTimeoutMs,
	})
	if err != nil {
		return nil, err
	}

	opts, err := optionsFromConfig(cfg)
	if err != nil {
		st.Close()
		return nil, err
	}
	opts.Store = st
	e, err := New(ctx, opts)
	if err != nil {
		opts.Publisher.Close()
		st.Close()
		return nil, err
	}
	e.ownsStore = true
	return e, nil
}

func optionsFromConfig(cfg *config.Config) (Options, error) {
	opts := Options{
		Dimension:           cfg.Vector.Dimension,
		GlobalBankName:      cfg.Memory.GlobalBankName,
		GlobalBankMaxMB:     cfg.Memory.GlobalBankMaxMB,
		AccessLogRetention:  cfg.Memory.AccessLogRetention,
		CollaborationWindow: cfg.Analytics.CollaborationWindow,
		Notifier:            notify.Nop{},
		Publisher:           events.NopPublisher{},
	}
	for _, w := range cfg.Analytics.RollupWindows {
		opts.RollupWindows = append(opts.RollupWindows, analytics.Window(w))
	}

	if cfg.Vector.Index == "chromem" {
		idx, err := knowledge.NewChromemIndex("knowledge")
		if err != nil {
			return opts, fmt.Errorf("create chromem index: %w", err)
		}
		opts.Index = idx
	}

	switch cfg.Embedder.Provider {
	case "hash":
		opts.Embedder = embed.NewHash(cfg.Vector.Dimension)
	case "openai":
		emb, err := embed.NewOpenAI(embed.OpenAIConfig{
			APIKey:     cfg.Embedder.APIKey,
			APIBase:    cfg.Embedder.APIBase,
			Model:      cfg.Embedder.Model,
			Dimensions: cfg.Vector.Dimension,
		})
		if err != nil {
			return opts, fmt.Errorf("create openai embedder: %w", err)
		}
		opts.Embedder = emb
	}

	if cfg.Notify.Enabled() {
		n, err := notify.NewSlack(notify.SlackConfig{
			BotToken:   cfg.Notify.SlackBotToken,
			Channel:    cfg.Notify.SlackChannel,
			APIBase:    cfg.Notify.SlackAPIBase,
			WebhookURL: cfg.Notify.SlackWebhookURL,
		}, nil)
		if err != nil {
			return opts, fmt.Errorf("create slack notifier: %w", err)
		}
		opts.Notifier = n
	}

	if cfg.Kafka.Enabled && cfg.Kafka.EventTopic != "" {
		p, err := events.NewKafkaPublisher(events.KafkaConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.EventTopic,
		})
		if err != nil {
			return opts, fmt.Errorf("create event publisher: %w", err)
		}
		opts.Publisher = p
	}
	return opts, nil
}
