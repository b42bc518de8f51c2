package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLoad_MissingConfigFallsBackToDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := Load(filepath.Join(home, "does-not-exist.toml"))
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	want := Default()
	want.DatabasePath = filepath.Join(home, ".local/share/chatcache/cache.db")
	want.SpoolDir = filepath.Join(home, ".local/share/chatcache/spool")
	if diff := cmp.Diff(want, *cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
	if cfg.Online() {
		t.Error("Online() = true without a base URL")
	}
}

func TestLoad_ParsesTOML(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(`
database_path = "~/chat/cache.db"
user_id = "alice"

[api]
base_url = "https://chat.example.com"
timeout = "3s"

[typing]
stop_delay = "2s"

[daemon]
full_sync_interval = "1m"
`), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.DatabasePath != filepath.Join(home, "chat/cache.db") {
		t.Errorf("DatabasePath = %q", cfg.DatabasePath)
	}
	if !cfg.Online() || cfg.API.Timeout != 3*time.Second {
		t.Errorf("API = %+v", cfg.API)
	}
	if cfg.Typing.StopDelay != 2*time.Second || cfg.Typing.StartThrottle != 5*time.Second {
		t.Errorf("Typing = %+v, want stop 2s and default throttle", cfg.Typing)
	}
	if cfg.Daemon.FullSyncInterval != time.Minute {
		t.Errorf("FullSyncInterval = %v, want 1m", cfg.Daemon.FullSyncInterval)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("CHATCACHE_DATABASE_PATH", filepath.Join(home, "env.db"))
	t.Setenv("CHATCACHE_DASHBOARD_PORT", "9001")
	t.Setenv("CHATCACHE_LOG_LEVEL", "debug")

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("database_path: /tmp/file.db\nlog:\n  level: warn\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.DatabasePath != filepath.Join(home, "env.db") {
		t.Errorf("DatabasePath = %q, want env value", cfg.DatabasePath)
	}
	if cfg.Dashboard.Port != 9001 {
		t.Errorf("Dashboard.Port = %d, want 9001", cfg.Dashboard.Port)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug", cfg.Log.Level)
	}
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	tests := []struct {
		name    string
		content string
	}{
		{"bad toml", "database_path = "},
		{"api without user", "[api]\nbase_url = \"https://chat.example.com\"\n"},
		{"bad port", "[dashboard]\nport = 70000\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			if err := os.WriteFile(path, []byte(tt.content), 0o600); err != nil {
				t.Fatalf("WriteFile: %v", err)
			}
			if _, err := Load(path); err == nil {
				t.Error("Load() succeeded, want error")
			}
		})
	}
}

func TestWriteDefault(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	path := filepath.Join(t.TempDir(), "sub", "config.toml")
	written, err := WriteDefault(path, false)
	if err != nil {
		t.Fatalf("WriteDefault() failed: %v", err)
	}
	if written != path {
		t.Errorf("WriteDefault() = %q, want %q", written, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), `stop_delay = "5s"`) {
		t.Errorf("durations not written as strings:\n%s", data)
	}

	if _, err := WriteDefault(path, false); err == nil {
		t.Error("WriteDefault() overwrote an existing file")
	}
	if _, err := WriteDefault(path, true); err != nil {
		t.Errorf("WriteDefault(force) failed: %v", err)
	}

	// The written file loads back to the defaults.
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Daemon.DebounceInterval != 100*time.Millisecond || cfg.Dashboard.Port != 8080 {
		t.Errorf("round trip lost values: %+v", cfg)
	}
}
