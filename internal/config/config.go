package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk and environment-derived configuration for one
// gateway process: its own identity, where to find the metadata
// service, and the cache/mount/log/durability knobs layered on top.
type Config struct {
	Gateway GatewayConfig `yaml:"gateway"`
	MS      MSConfig      `yaml:"ms"`
	Cache   CacheConfig   `yaml:"cache"`
	Mount   MountConfig   `yaml:"mount"`
	Log     LogConfig     `yaml:"log"`
	WAL     WALConfig     `yaml:"wal"`
}

// GatewayConfig identifies this gateway to the rest of the fabric.
// PrivateKeyPath points at a file holding a raw ed25519 seed; it is
// read at startup, never inlined into the config file itself.
type GatewayConfig struct {
	ID             int64         `yaml:"id"`
	PrivateKeyPath string        `yaml:"private_key_path"`
	ListenAddr     string        `yaml:"listen_addr"`
	BlockSize      int64         `yaml:"block_size"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
}

// MSConfig points this gateway at its metadata service.
type MSConfig struct {
	Addr string `yaml:"addr"`
}

// CacheConfig mirrors blockcache.Config's soft/hard write-back limits
// plus the on-disk root the cache stages dirty blocks under.
type CacheConfig struct {
	Root      string `yaml:"root"`
	SoftLimit int    `yaml:"soft_limit"`
	HardLimit int    `yaml:"hard_limit"`
}

type MountConfig struct {
	DefaultPath string `yaml:"default_path"`
	AllowOther  bool   `yaml:"allow_other"`
}

type LogConfig struct {
	Level   string `yaml:"level"`
	File    string `yaml:"file"`
	MSStats bool   `yaml:"ms_stats"`
}

// WALConfig points at the walstore database this gateway uses to
// resume in-flight replication and vacuum attempts after a restart.
type WALConfig struct {
	Path string `yaml:"path"`
}

func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			ListenAddr:  ":7940",
			BlockSize:   4 * 1024 * 1024,
			DialTimeout: 10 * time.Second,
		},
		Cache: CacheConfig{
			SoftLimit: 10000,
			HardLimit: 12000,
		},
		Mount: MountConfig{
			DefaultPath: "",
			AllowOther:  false,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load loads configuration using the real environment.
func Load() (*Config, error) {
	return LoadWithEnv(os.Getenv)
}

// LoadWithEnv loads configuration using the provided environment lookup function.
// This allows tests to provide isolated environment values.
func LoadWithEnv(getenv func(string) string) (*Config, error) {
	cfg := DefaultConfig()

	// Try to load from config file
	configPath := getConfigPathWithEnv(getenv)
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Environment variables override the config file.
	if addr := getenv("UG_MS_ADDR"); addr != "" {
		cfg.MS.Addr = addr
	}
	if id := getenv("UG_GATEWAY_ID"); id != "" {
		parsed, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid UG_GATEWAY_ID %q: %w", id, err)
		}
		cfg.Gateway.ID = parsed
	}
	if keyPath := getenv("UG_GATEWAY_PRIVATE_KEY_PATH"); keyPath != "" {
		cfg.Gateway.PrivateKeyPath = keyPath
	}
	if addr := getenv("UG_GATEWAY_LISTEN_ADDR"); addr != "" {
		cfg.Gateway.ListenAddr = addr
	}

	return cfg, nil
}

func getConfigPath() string {
	return getConfigPathWithEnv(os.Getenv)
}

func getConfigPathWithEnv(getenv func(string) string) string {
	// Check XDG_CONFIG_HOME first
	if xdgConfig := getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "ug", "config.yaml")
	}

	// Fall back to ~/.config
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "ug", "config.yaml")
}
