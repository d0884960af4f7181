package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func isolate(t *testing.T) string {
	t.Helper()
	tmp := t.TempDir()
	t.Setenv("HOME", tmp)
	t.Setenv("SYNAPSE_HOME", "")
	t.Setenv("SYNAPSE_CONFIG", "")
	t.Setenv("SYNAPSE_ENV_FILE", "")
	return tmp
}

func writeConfig(t *testing.T, home, body string) string {
	t.Helper()
	dir := filepath.Join(home, ConfigDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	path := filepath.Join(dir, ConfigFile)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Store.Driver != "sqlite" {
		t.Errorf("expected default driver sqlite, got %s", cfg.Store.Driver)
	}
	if cfg.Vector.Index != "exact" {
		t.Errorf("expected default index exact, got %s", cfg.Vector.Index)
	}
	if cfg.Memory.GlobalBankMaxMB != 1024 {
		t.Errorf("expected global bank 1024 MB, got %v", cfg.Memory.GlobalBankMaxMB)
	}
	if cfg.Scheduler.TickInterval != 60*time.Second {
		t.Errorf("expected tick 60s, got %v", cfg.Scheduler.TickInterval)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadDefaults(t *testing.T) {
	home := isolate(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	path, err := cfg.StorePath()
	if err != nil {
		t.Fatalf("store path: %v", err)
	}
	if want := filepath.Join(home, ".synapse", "synapse.db"); path != want {
		t.Errorf("expected store path %s, got %s", want, path)
	}
}

func TestLoadFromFileWithEnvOverride(t *testing.T) {
	home := isolate(t)
	writeConfig(t, home, `{
		"store": {"driver": "sqlite3"},
		"vector": {"dimension": 8, "index": "chromem"},
		"kafka": {"brokers": "${TEST_SYNAPSE_BROKERS}"}
	}`)
	t.Setenv("TEST_SYNAPSE_BROKERS", "k1:9092")
	t.Setenv("SYNAPSE_VECTOR_DIMENSION", "16")
	t.Setenv("SYNAPSE_KAFKA_INGEST_TOPICS", "a,b")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Store.Driver != "sqlite3" {
		t.Errorf("expected driver from file, got %s", cfg.Store.Driver)
	}
	if cfg.Vector.Dimension != 16 {
		t.Errorf("expected env to win for dimension, got %d", cfg.Vector.Dimension)
	}
	if cfg.Vector.Index != "chromem" {
		t.Errorf("expected index chromem, got %s", cfg.Vector.Index)
	}
	if cfg.Kafka.Brokers != "k1:9092" {
		t.Errorf("expected substituted brokers, got %s", cfg.Kafka.Brokers)
	}
	if len(cfg.Kafka.IngestTopics) != 2 || cfg.Kafka.IngestTopics[1] != "b" {
		t.Errorf("expected ingest topics [a b], got %v", cfg.Kafka.IngestTopics)
	}
}

func TestLoadIncludes(t *testing.T) {
	home := isolate(t)
	dir := filepath.Join(home, ConfigDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "base.json"), []byte(`{"memory": {"globalBankName": "shared", "globalBankMaxMB": 64}}`), 0o600); err != nil {
		t.Fatalf("write include: %v", err)
	}
	writeConfig(t, home, `{"$include": "base.json", "memory": {"globalBankMaxMB": 128}}`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Memory.GlobalBankName != "shared" {
		t.Errorf("expected included bank name, got %s", cfg.Memory.GlobalBankName)
	}
	if cfg.Memory.GlobalBankMaxMB != 128 {
		t.Errorf("expected outer file to win, got %v", cfg.Memory.GlobalBankMaxMB)
	}
}

func TestLoadIncludeCycle(t *testing.T) {
	home := isolate(t)
	dir := filepath.Join(home, ConfigDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "a.json"), []byte(`{"$include": "config.json"}`), 0o600); err != nil {
		t.Fatalf("write include: %v", err)
	}
	writeConfig(t, home, `{"$include": ["a.json"]}`)

	if _, err := Load(); err == nil {
		t.Fatal("expected include cycle error")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	home := isolate(t)
	writeConfig(t, home, `{"vector": {"index": "faiss"}}`)
	if _, err := Load(); err == nil {
		t.Fatal("expected validation error for unknown index")
	}

	writeConfig(t, home, `{"kafka": {"enabled": true}}`)
	if _, err := Load(); err == nil {
		t.Fatal("expected validation error for kafka without brokers")
	}

	writeConfig(t, home, `{"store":`)
	if _, err := Load(); err == nil {
		t.Fatal("expected JSON error, got nil")
	}
}

func TestSaveAndConfigPathOverride(t *testing.T) {
	home := isolate(t)
	explicit := filepath.Join(home, "elsewhere", "synapse.json")
	t.Setenv("SYNAPSE_CONFIG", explicit)

	cfg := DefaultConfig()
	cfg.Vector.Dimension = 32
	if err := Save(cfg); err != nil {
		t.Fatalf("save config: %v", err)
	}
	loaded, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if loaded.Vector.Dimension != 32 {
		t.Errorf("expected saved dimension 32, got %d", loaded.Vector.Dimension)
	}
}

func TestSubstituteEnvValuesLeavesUnknownToken(t *testing.T) {
	input := map[string]any{
		"value": "${NOT_SET_VAR}",
	}
	out := substituteEnvValues(input).(map[string]any)
	if out["value"] != "${NOT_SET_VAR}" {
		t.Fatalf("expected unknown env token unchanged, got %v", out["value"])
	}
}
