// Package config provides process configuration types and loading for synapse.
package config

import (
	"path/filepath"
	"strings"
	"time"
)

// Config is the root configuration struct.
// Top-level groups: Paths, Store, Vector, Memory, Analytics, Scheduler,
// Kafka, Notify, Embedder.
type Config struct {
	Paths     PathsConfig     `json:"paths"`
	Store     StoreConfig     `json:"store"`
	Vector    VectorConfig    `json:"vector"`
	Memory    MemoryConfig    `json:"memory"`
	Analytics AnalyticsConfig `json:"analytics"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Kafka     KafkaConfig     `json:"kafka"`
	Notify    NotifyConfig    `json:"notify"`
	Embedder  EmbedderConfig  `json:"embedder"`
}

// ---------------------------------------------------------------------------
// Paths – filesystem locations
// ---------------------------------------------------------------------------

// PathsConfig groups filesystem path settings.
type PathsConfig struct {
	DataDir string `json:"dataDir" envconfig:"DATA_DIR"`
}

// ---------------------------------------------------------------------------
// Store – the engine database
// ---------------------------------------------------------------------------

// StoreConfig selects the SQLite driver and file.
type StoreConfig struct {
	// Driver is "sqlite" (pure Go) or "sqlite3" (cgo).
	Driver        string `json:"driver" envconfig:"DRIVER"`
	Path          string `json:"path" envconfig:"FILE"`
	BusyTimeoutMs int    `json:"busyTimeoutMs" envconfig:"BUSY_TIMEOUT_MS"`
}

// ---------------------------------------------------------------------------
// Vector – knowledge index
// ---------------------------------------------------------------------------

// VectorConfig fixes the embedding dimension and chooses the index.
type VectorConfig struct {
	Dimension int `json:"dimension" envconfig:"DIMENSION"`
	// Index is "exact" or "chromem".
	Index string `json:"index" envconfig:"INDEX"`
}

// ---------------------------------------------------------------------------
// Memory – shared memory banks
// ---------------------------------------------------------------------------

// MemoryConfig seeds the default banks and access log retention.
type MemoryConfig struct {
	GlobalBankName     string        `json:"globalBankName" envconfig:"GLOBAL_BANK_NAME"`
	GlobalBankMaxMB    float64       `json:"globalBankMaxMB" envconfig:"GLOBAL_BANK_MAX_MB"`
	AccessLogRetention time.Duration `json:"accessLogRetention" envconfig:"ACCESS_LOG_RETENTION"`
}

// ---------------------------------------------------------------------------
// Analytics
// ---------------------------------------------------------------------------

// AnalyticsConfig controls derived analytics.
type AnalyticsConfig struct {
	CollaborationWindow time.Duration `json:"collaborationWindow" envconfig:"COLLABORATION_WINDOW"`
	RollupWindows       []string      `json:"rollupWindows" envconfig:"ROLLUP_WINDOWS"`
}

// ---------------------------------------------------------------------------
// Scheduler
// ---------------------------------------------------------------------------

// SchedulerConfig contains settings for the derived-data scheduler.
type SchedulerConfig struct {
	Enabled        bool          `json:"enabled" envconfig:"ENABLED"`
	TickInterval   time.Duration `json:"tickInterval" envconfig:"TICK_INTERVAL"`
	MaxConcHeavy   int           `json:"maxConcHeavy" envconfig:"MAX_CONC_HEAVY"`
	MaxConcDefault int           `json:"maxConcDefault" envconfig:"MAX_CONC_DEFAULT"`
}

// ---------------------------------------------------------------------------
// Kafka – event bus and ingestion
// ---------------------------------------------------------------------------

// KafkaConfig configures the event publisher and the ingestion consumer.
type KafkaConfig struct {
	Enabled       bool     `json:"enabled" envconfig:"ENABLED"`
	Brokers       string   `json:"brokers" envconfig:"BROKERS"`
	ConsumerGroup string   `json:"consumerGroup" envconfig:"CONSUMER_GROUP"`
	IngestTopics  []string `json:"ingestTopics" envconfig:"INGEST_TOPICS"`
	EventTopic    string   `json:"eventTopic" envconfig:"EVENT_TOPIC"`
}

// ---------------------------------------------------------------------------
// Notify – operator notifications
// ---------------------------------------------------------------------------

// NotifyConfig configures Slack notifications. Empty disables them.
type NotifyConfig struct {
	SlackWebhookURL string `json:"slackWebhookUrl" envconfig:"SLACK_WEBHOOK_URL"`
	SlackBotToken   string `json:"slackBotToken" envconfig:"SLACK_BOT_TOKEN"`
	SlackChannel    string `json:"slackChannel" envconfig:"SLACK_CHANNEL"`
	SlackAPIBase    string `json:"slackApiBase,omitempty" envconfig:"SLACK_API_BASE"`
}

// Enabled reports whether any Slack destination is configured.
func (n NotifyConfig) Enabled() bool {
	return strings.TrimSpace(n.SlackWebhookURL) != "" || strings.TrimSpace(n.SlackBotToken) != ""
}

// ---------------------------------------------------------------------------
// Embedder – embedding computation
// ---------------------------------------------------------------------------

// EmbedderConfig chooses how missing knowledge embeddings are computed.
type EmbedderConfig struct {
	// Provider is "none", "hash" or "openai".
	Provider string `json:"provider" envconfig:"PROVIDER"`
	APIKey   string `json:"apiKey,omitempty" envconfig:"API_KEY"`
	APIBase  string `json:"apiBase,omitempty" envconfig:"API_BASE"`
	Model    string `json:"model,omitempty" envconfig:"MODEL"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			DataDir: "~/.synapse",
		},
		Store: StoreConfig{
			Driver:        "sqlite",
			BusyTimeoutMs: 5000,
		},
		Vector: VectorConfig{
			Dimension: 384,
			Index:     "exact",
		},
		Memory: MemoryConfig{
			GlobalBankName:     "global",
			GlobalBankMaxMB:    1024,
			AccessLogRetention: 30 * 24 * time.Hour,
		},
		Analytics: AnalyticsConfig{
			CollaborationWindow: 30 * 24 * time.Hour,
			RollupWindows:       []string{"hour", "day"},
		},
		Scheduler: SchedulerConfig{
			Enabled:        true,
			TickInterval:   60 * time.Second,
			MaxConcHeavy:   1,
			MaxConcDefault: 2,
		},
		Kafka: KafkaConfig{
			ConsumerGroup: "synapse",
			IngestTopics:  []string{"synapse.ingest"},
			EventTopic:    "synapse.events",
		},
		Embedder: EmbedderConfig{
			Provider: "none",
		},
	}
}

// StorePath returns the database file, defaulting to DataDir/synapse.db.
func (c *Config) StorePath() (string, error) {
	if p := strings.TrimSpace(c.Store.Path); p != "" {
		return expandHome(p)
	}
	dir, err := expandHome(c.Paths.DataDir)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "synapse.db"), nil
}

// LockPath returns the scheduler lock file under DataDir.
func (c *Config) LockPath() (string, error) {
	dir, err := expandHome(c.Paths.DataDir)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "scheduler.lock"), nil
}
