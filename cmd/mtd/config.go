package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"github.com/tinytelemetry/mtd/internal/model"
	"github.com/tinytelemetry/mtd/internal/plugin"
	"github.com/tinytelemetry/mtd/internal/socketrpc"
	"github.com/tinytelemetry/mtd/internal/state"
	"go.uber.org/zap/zapcore"
)

const (
	defaultBackupInterval = 6 * time.Hour
	defaultBackupKeepLast = 24
	defaultRedisAddr      = "127.0.0.1:6379"
)

// appConfig is the runtime configuration of the daemon binary.
type appConfig struct {
	StoreLocation   string        `mapstructure:"store_location"`
	StoreFormat     string        `mapstructure:"store_format"`
	StoreBackend    string        `mapstructure:"store_backend"`
	UpdateInterval  time.Duration `mapstructure:"update_interval"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	APIEnabled    bool   `mapstructure:"api_enabled"`
	APIAddr       string `mapstructure:"api_addr"`
	SocketEnabled bool   `mapstructure:"socket_enabled"`
	SocketPath    string `mapstructure:"socket_path"`

	RedisEnabled       bool   `mapstructure:"redis_enabled"`
	RedisAddr          string `mapstructure:"redis_addr"`
	RedisPassword      string `mapstructure:"redis_password"`
	RedisChannelPrefix string `mapstructure:"redis_channel_prefix"`

	BackupEnabled        bool          `mapstructure:"backup_enabled"`
	BackupInterval       time.Duration `mapstructure:"backup_interval"`
	BackupLocalDir       string        `mapstructure:"backup_local_dir"`
	BackupKeepLast       int           `mapstructure:"backup_keep_last"`
	BackupBucketURL      string        `mapstructure:"backup_bucket_url"`
	BackupS3Endpoint     string        `mapstructure:"backup_s3_endpoint"`
	BackupS3Region       string        `mapstructure:"backup_s3_region"`
	BackupS3AccessKey    string        `mapstructure:"backup_s3_access_key"`
	BackupS3SecretKey    string        `mapstructure:"backup_s3_secret_key"`
	BackupS3SessionToken string        `mapstructure:"backup_s3_session_token"`
	BackupS3UseSSL       bool          `mapstructure:"backup_s3_use_ssl"`

	Plugins map[string]map[string]any `mapstructure:"plugins"`

	ConfigPath string `mapstructure:"-"` // not from config file
}

func loadConfig(configPath string) (appConfig, error) {
	var cfg appConfig

	home, err := os.UserHomeDir()
	if err != nil {
		return cfg, fmt.Errorf("finding home directory: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("MTD")
	v.AutomaticEnv()

	v.SetDefault("store_location", "")
	v.SetDefault("store_format", "")
	v.SetDefault("store_backend", state.KindFile)
	v.SetDefault("update_interval", int(model.DefaultUpdateInterval/time.Second))
	v.SetDefault("shutdown_timeout", model.DefaultShutdownTimeout.String())
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
	v.SetDefault("api_enabled", true)
	v.SetDefault("api_addr", model.DefaultAPIAddr)
	v.SetDefault("socket_enabled", true)
	v.SetDefault("socket_path", socketrpc.DefaultSocketPath())
	v.SetDefault("redis_enabled", false)
	v.SetDefault("redis_addr", defaultRedisAddr)
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_channel_prefix", model.DefaultChannelPrefix)
	v.SetDefault("backup_enabled", false)
	v.SetDefault("backup_interval", defaultBackupInterval.String())
	v.SetDefault("backup_local_dir", "")
	v.SetDefault("backup_keep_last", defaultBackupKeepLast)
	v.SetDefault("backup_bucket_url", "")
	v.SetDefault("backup_s3_endpoint", "")
	v.SetDefault("backup_s3_region", "")
	v.SetDefault("backup_s3_access_key", "")
	v.SetDefault("backup_s3_secret_key", "")
	v.SetDefault("backup_s3_session_token", "")
	v.SetDefault("backup_s3_use_ssl", true)
	v.SetDefault("plugins", map[string]any{})

	explicit := configPath != ""
	if !explicit {
		configPath = filepath.Join(home, ".config", "mtd", "config.toml")
	}
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		missing := errors.As(err, &notFound) || os.IsNotExist(err)
		if explicit || !missing {
			return cfg, err
		}
	} else {
		cfg.ConfigPath = v.ConfigFileUsed()
	}

	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		plugin.DurationHook(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return cfg, err
	}

	cfg.StoreLocation = expandHome(cfg.StoreLocation, home)
	cfg.SocketPath = expandHome(cfg.SocketPath, home)
	cfg.BackupLocalDir = expandHome(cfg.BackupLocalDir, home)

	return cfg, nil
}

// Validate rejects configurations the daemon cannot start with.
func (c appConfig) Validate() error {
	if strings.TrimSpace(c.StoreLocation) == "" {
		return errors.New("store_location is required")
	}
	if c.UpdateInterval <= 0 {
		return fmt.Errorf("update_interval must be positive, got %s", c.UpdateInterval)
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdown_timeout must not be negative, got %s", c.ShutdownTimeout)
	}
	switch c.StoreBackend {
	case state.KindFile, state.KindDuckDB:
	default:
		return fmt.Errorf("unknown store_backend %q (want %s or %s)", c.StoreBackend, state.KindFile, state.KindDuckDB)
	}
	switch c.StoreFormat {
	case "", state.FormatJSON, state.FormatYAML:
	default:
		return fmt.Errorf("unknown store_format %q (want %s or %s)", c.StoreFormat, state.FormatJSON, state.FormatYAML)
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("unknown log_format %q (want console or json)", c.LogFormat)
	}
	if c.BackupEnabled && strings.TrimSpace(c.BackupLocalDir) == "" {
		return errors.New("backup_local_dir is required when backup_enabled is set")
	}
	if c.BackupBucketURL != "" && (c.BackupS3AccessKey == "" || c.BackupS3SecretKey == "") {
		return errors.New("backup_bucket_url requires backup_s3_access_key and backup_s3_secret_key")
	}
	return nil
}

func expandHome(path, home string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
