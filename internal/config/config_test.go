package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.APIPort != 8776 {
		t.Errorf("APIPort = %d, want 8776", cfg.APIPort)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if !cfg.KeepPartial {
		t.Error("KeepPartial = false, want true")
	}
	if cfg.IdleTimeoutSecs != 300 {
		t.Errorf("IdleTimeoutSecs = %d, want 300", cfg.IdleTimeoutSecs)
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.APIPort != 8776 {
		t.Errorf("APIPort = %d, want default 8776", cfg.APIPort)
	}
	if cfg.DBPath == "" {
		t.Error("DBPath is empty, want a default location")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
db_path = "/data/sessions.db"
api_port = 9000
api_secret = "s3cret"
log_level = "debug"
provider_priority = ["cursor", "vscode"]
bucket_millis = 30000
keep_partial = false
idle_timeout_secs = 120
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DBPath != "/data/sessions.db" {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, "/data/sessions.db")
	}
	if cfg.APIPort != 9000 {
		t.Errorf("APIPort = %d, want 9000", cfg.APIPort)
	}
	if cfg.APISecret != "s3cret" {
		t.Errorf("APISecret = %q, want %q", cfg.APISecret, "s3cret")
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if len(cfg.ProviderPriority) != 2 || cfg.ProviderPriority[0] != "cursor" {
		t.Errorf("ProviderPriority = %v, want [cursor vscode]", cfg.ProviderPriority)
	}
	if cfg.BucketMillis != 30000 {
		t.Errorf("BucketMillis = %d, want 30000", cfg.BucketMillis)
	}
	if cfg.KeepPartial {
		t.Error("KeepPartial = true, want false")
	}
	if cfg.FlushThreshold != 50 {
		t.Errorf("FlushThreshold = %d, want default 50 when file omits it", cfg.FlushThreshold)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("api_port = 9000\nlog_level = \"debug\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("CHATHARVEST_API_PORT", "7000")
	t.Setenv("CHATHARVEST_DB", "/env/db.sqlite")
	t.Setenv("CHATHARVEST_PROVIDER_PRIORITY", "vscode,cursor")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.APIPort != 7000 {
		t.Errorf("APIPort = %d, want env value 7000", cfg.APIPort)
	}
	if cfg.DBPath != "/env/db.sqlite" {
		t.Errorf("DBPath = %q, want env value", cfg.DBPath)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want file value %q", cfg.LogLevel, "debug")
	}
	if len(cfg.ProviderPriority) != 2 || cfg.ProviderPriority[0] != "vscode" {
		t.Errorf("ProviderPriority = %v, want [vscode cursor]", cfg.ProviderPriority)
	}
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("api_port = [not toml"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() error = nil, want parse error")
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := Config{IdleTimeoutSecs: 90, FlushIntervalSecs: 5, WatchDebounceSecs: 3}
	if got := cfg.IdleTimeout(); got != 90*time.Second {
		t.Errorf("IdleTimeout() = %v, want 90s", got)
	}
	if got := cfg.FlushInterval(); got != 5*time.Second {
		t.Errorf("FlushInterval() = %v, want 5s", got)
	}
	if got := cfg.WatchDebounce(); got != 3*time.Second {
		t.Errorf("WatchDebounce() = %v, want 3s", got)
	}
}
