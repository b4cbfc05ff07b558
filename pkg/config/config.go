// Package config loads fimwatch settings from defaults, an optional config
// file, FIMWATCH_* environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. FIMWATCH_STORE_DRIVER.
const EnvPrefix = "FIMWATCH"

type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

type BackupConfig struct {
	Root      string        `mapstructure:"root"`
	Retention time.Duration `mapstructure:"retention"`
	Cooldown  time.Duration `mapstructure:"cooldown"`
}

type HashConfig struct {
	Algorithm   string        `mapstructure:"algorithm"`
	MaxFileSize int64         `mapstructure:"max_file_size"`
	Timeout     time.Duration `mapstructure:"timeout"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`
}

type DedupConfig struct {
	Window time.Duration `mapstructure:"window"`
}

type PoolConfig struct {
	Size int `mapstructure:"size"`
}

type BaselineConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type WatchConfig struct {
	Exclude   []string `mapstructure:"exclude"`
	Recursive bool     `mapstructure:"recursive"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	// File enables rotated file logging when set.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type PortConfig struct {
	Port int `mapstructure:"port"`
}

// Config is the complete runtime configuration.
type Config struct {
	DataDir      string         `mapstructure:"data_dir"`
	Store        StoreConfig    `mapstructure:"store"`
	Backup       BackupConfig   `mapstructure:"backup"`
	Hash         HashConfig     `mapstructure:"hash"`
	Dedup        DedupConfig    `mapstructure:"dedup"`
	Pool         PoolConfig     `mapstructure:"pool"`
	Baseline     BaselineConfig `mapstructure:"baseline"`
	Watch        WatchConfig    `mapstructure:"watch"`
	ScanInterval time.Duration  `mapstructure:"scan_interval"`
	Log          LogConfig      `mapstructure:"log"`
	Admin        PortConfig     `mapstructure:"admin"`
	Monitor      PortConfig     `mapstructure:"monitor"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DataDir: "data",
		Store:   StoreConfig{Driver: "bolt"},
		Backup: BackupConfig{
			Retention: 30 * 24 * time.Hour,
			Cooldown:  5 * time.Second,
		},
		Hash: HashConfig{
			Algorithm: "sha256",
			Timeout:   10 * time.Second,
			CacheTTL:  5 * time.Second,
		},
		Dedup:    DedupConfig{Window: 500 * time.Millisecond},
		Baseline: BaselineConfig{Timeout: 30 * time.Second},
		Watch:    WatchConfig{Recursive: true},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Admin:   PortConfig{Port: 9001},
		Monitor: PortConfig{Port: 9002},
	}
}

// SetDefaults registers every default with v so that environment variables
// can override nested keys.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("backup.root", d.Backup.Root)
	v.SetDefault("backup.retention", d.Backup.Retention)
	v.SetDefault("backup.cooldown", d.Backup.Cooldown)
	v.SetDefault("hash.algorithm", d.Hash.Algorithm)
	v.SetDefault("hash.max_file_size", d.Hash.MaxFileSize)
	v.SetDefault("hash.timeout", d.Hash.Timeout)
	v.SetDefault("hash.cache_ttl", d.Hash.CacheTTL)
	v.SetDefault("dedup.window", d.Dedup.Window)
	v.SetDefault("pool.size", d.Pool.Size)
	v.SetDefault("baseline.timeout", d.Baseline.Timeout)
	v.SetDefault("watch.exclude", d.Watch.Exclude)
	v.SetDefault("watch.recursive", d.Watch.Recursive)
	v.SetDefault("scan_interval", d.ScanInterval)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("admin.port", d.Admin.Port)
	v.SetDefault("monitor.port", d.Monitor.Port)
}

// Load reads configuration into v and decodes it. file may be empty, in
// which case only defaults, environment and any flags already bound to v
// apply.
func Load(v *viper.Viper, file string) (Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	cfg.resolvePaths()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// resolvePaths places unset store and backup locations under the data
// directory.
func (c *Config) resolvePaths() {
	if c.Store.Path == "" {
		name := "fimwatch.db"
		if c.Store.Driver == "sqlite" {
			name = "fimwatch.sqlite"
		}
		c.Store.Path = filepath.Join(c.DataDir, name)
	}
	if c.Backup.Root == "" {
		c.Backup.Root = filepath.Join(c.DataDir, "backups")
	}
}

// Validate checks the configuration for values the engine cannot run with.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data directory cannot be empty")
	}
	switch c.Store.Driver {
	case "bolt", "sqlite", "memory":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	switch c.Hash.Algorithm {
	case "sha256", "sha1", "sha512", "md5":
	default:
		return fmt.Errorf("unsupported hash algorithm %q", c.Hash.Algorithm)
	}
	if c.Hash.MaxFileSize < 0 {
		return errors.New("hash max file size cannot be negative")
	}
	if c.Hash.Timeout <= 0 {
		return errors.New("hash timeout must be positive")
	}
	if c.Baseline.Timeout <= 0 {
		return errors.New("baseline timeout must be positive")
	}
	if c.Backup.Retention <= 0 {
		return errors.New("backup retention must be positive")
	}
	if c.Pool.Size < 0 {
		return errors.New("pool size cannot be negative")
	}
	if c.ScanInterval < 0 {
		return errors.New("scan interval cannot be negative")
	}
	if c.Admin.Port <= 0 {
		return errors.New("admin port must be positive")
	}
	if c.Monitor.Port <= 0 {
		return errors.New("monitor port must be positive")
	}
	if c.Admin.Port == c.Monitor.Port {
		return errors.New("admin and monitor ports must differ")
	}
	return nil
}
