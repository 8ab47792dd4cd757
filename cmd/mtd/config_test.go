package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tinytelemetry/mtd/internal/model"
	"github.com/tinytelemetry/mtd/internal/state"
)

func isolateEnv(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_RUNTIME_DIR", filepath.Join(home, "run"))
	return home
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	home := isolateEnv(t)

	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.UpdateInterval != model.DefaultUpdateInterval {
		t.Errorf("UpdateInterval = %s, want %s", cfg.UpdateInterval, model.DefaultUpdateInterval)
	}
	if cfg.ShutdownTimeout != model.DefaultShutdownTimeout {
		t.Errorf("ShutdownTimeout = %s", cfg.ShutdownTimeout)
	}
	if cfg.StoreBackend != state.KindFile || cfg.LogLevel != "info" || cfg.LogFormat != "console" {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if !cfg.APIEnabled || cfg.APIAddr != model.DefaultAPIAddr {
		t.Errorf("api defaults: enabled=%v addr=%q", cfg.APIEnabled, cfg.APIAddr)
	}
	if cfg.SocketPath != filepath.Join(home, "run", "mtd", "mtd.sock") {
		t.Errorf("SocketPath = %q", cfg.SocketPath)
	}
	if cfg.RedisChannelPrefix != "mtd." || cfg.BackupKeepLast != defaultBackupKeepLast || cfg.BackupInterval != defaultBackupInterval {
		t.Errorf("redis/backup defaults: %+v", cfg)
	}
	if cfg.ConfigPath != "" {
		t.Errorf("ConfigPath = %q, want empty", cfg.ConfigPath)
	}
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "store_location") {
		t.Errorf("Validate() = %v, want store_location error", err)
	}
}

func TestLoadConfig_TOMLFile(t *testing.T) {
	home := isolateEnv(t)
	path := writeFile(t, home, "mtd.toml", `
store_location = "~/state/mtd.json"
update_interval = 5
shutdown_timeout = "2s"
api_enabled = false

[plugins.web]
plugin = "nginx"
log_file = "/var/log/nginx/other.log"

[plugins.proc]
plugin = "runtime"
`)

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.StoreLocation != filepath.Join(home, "state", "mtd.json") {
		t.Errorf("StoreLocation = %q", cfg.StoreLocation)
	}
	if cfg.UpdateInterval != 5*time.Second {
		t.Errorf("UpdateInterval = %s, want 5s", cfg.UpdateInterval)
	}
	if cfg.ShutdownTimeout != 2*time.Second {
		t.Errorf("ShutdownTimeout = %s, want 2s", cfg.ShutdownTimeout)
	}
	if cfg.APIEnabled {
		t.Error("APIEnabled should be false")
	}
	if cfg.Plugins["web"]["plugin"] != "nginx" || cfg.Plugins["web"]["log_file"] != "/var/log/nginx/other.log" {
		t.Errorf("plugins = %v", cfg.Plugins)
	}
	if cfg.Plugins["proc"]["plugin"] != "runtime" {
		t.Errorf("proc plugin entry missing: %v", cfg.Plugins)
	}
	if cfg.ConfigPath != path {
		t.Errorf("ConfigPath = %q, want %q", cfg.ConfigPath, path)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadConfig_YAMLDurationString(t *testing.T) {
	home := isolateEnv(t)
	path := writeFile(t, home, "mtd.yaml", "store_location: /tmp/s.yaml\nupdate_interval: 1m30s\n")

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.UpdateInterval != 90*time.Second {
		t.Errorf("UpdateInterval = %s, want 1m30s", cfg.UpdateInterval)
	}
}

func TestLoadConfig_DefaultFileLocation(t *testing.T) {
	home := isolateEnv(t)
	dir := filepath.Join(home, ".config", "mtd")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := writeFile(t, dir, "config.toml", `store_location = "/tmp/x.json"`)

	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.StoreLocation != "/tmp/x.json" || cfg.ConfigPath != path {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	isolateEnv(t)
	t.Setenv("MTD_STORE_LOCATION", "/tmp/env.json")
	t.Setenv("MTD_UPDATE_INTERVAL", "7")
	t.Setenv("MTD_LOG_LEVEL", "debug")

	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.StoreLocation != "/tmp/env.json" || cfg.UpdateInterval != 7*time.Second || cfg.LogLevel != "debug" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	home := isolateEnv(t)

	if _, err := loadConfig(filepath.Join(home, "missing.toml")); err == nil {
		t.Error("expected error for explicit missing file")
	}

	bad := writeFile(t, home, "bad.toml", "store_location = [unterminated")
	if _, err := loadConfig(bad); err == nil {
		t.Error("expected error for malformed file")
	}

	badDuration := writeFile(t, home, "dur.toml", `update_interval = "soon"`)
	if _, err := loadConfig(badDuration); err == nil {
		t.Error("expected error for invalid duration")
	}
}

func TestValidate(t *testing.T) {
	valid := appConfig{
		StoreLocation:  "/tmp/state.json",
		StoreBackend:   state.KindFile,
		UpdateInterval: time.Second,
		LogLevel:       "info",
		LogFormat:      "console",
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid config: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*appConfig)
		want   string
	}{
		{name: "no location", mutate: func(c *appConfig) { c.StoreLocation = " " }, want: "store_location"},
		{name: "zero interval", mutate: func(c *appConfig) { c.UpdateInterval = 0 }, want: "update_interval"},
		{name: "negative timeout", mutate: func(c *appConfig) { c.ShutdownTimeout = -time.Second }, want: "shutdown_timeout"},
		{name: "backend", mutate: func(c *appConfig) { c.StoreBackend = "sqlite" }, want: "store_backend"},
		{name: "format", mutate: func(c *appConfig) { c.StoreFormat = "xml" }, want: "store_format"},
		{name: "log level", mutate: func(c *appConfig) { c.LogLevel = "loud" }, want: "log_level"},
		{name: "log format", mutate: func(c *appConfig) { c.LogFormat = "logfmt" }, want: "log_format"},
		{name: "backup dir", mutate: func(c *appConfig) { c.BackupEnabled = true }, want: "backup_local_dir"},
		{name: "bucket creds", mutate: func(c *appConfig) { c.BackupBucketURL = "s3://b/p" }, want: "backup_s3_access_key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() = %v, want error mentioning %q", err, tt.want)
			}
		})
	}
}
