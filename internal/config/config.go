// Package config loads daemon configuration from an optional YAML file with
// PACKSYNC_* environment overrides on top.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the sync core. Durations are YAML strings
// parsed by time.ParseDuration ("30s", "5m").
type Config struct {
	DeviceName string `yaml:"device_name"` // display name; defaults to hostname
	DataDir    string `yaml:"data_dir"`    // identity cache, roster cache, store db
	ListenAddr string `yaml:"listen_addr"` // websocket sync listener
	LogFormat  string `yaml:"log_format"`  // "json" (default) or "text"
	LogLevel   string `yaml:"log_level"`   // "debug", "info" (default), "warn", "error"

	Discovery DiscoveryConfig `yaml:"discovery"`
	Transport TransportConfig `yaml:"transport"`
	Batch     BatchConfig     `yaml:"batch"`
}

// DiscoveryConfig tunes presence broadcasting and the peer roster.
type DiscoveryConfig struct {
	MulticastAddr    string        `yaml:"multicast_addr"` // UDP group for announce/signaling
	AnnounceInterval time.Duration `yaml:"announce_interval"`
	StaleThreshold   time.Duration `yaml:"stale_threshold"`
	EnableMDNS       bool          `yaml:"enable_mdns"` // register/browse _packsync._tcp as well
	MDNSService      string        `yaml:"mdns_service"`
}

// TransportConfig tunes the per-peer connection state machine.
type TransportConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	BackoffBase       time.Duration `yaml:"backoff_base"`
	BackoffCap        time.Duration `yaml:"backoff_cap"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ProtocolErrLimit  int           `yaml:"protocol_err_limit"` // malformed messages tolerated per connection
}

// BatchConfig tunes outgoing change debouncing.
type BatchConfig struct {
	Debounce time.Duration `yaml:"debounce"`
	MaxWait  time.Duration `yaml:"max_wait"`
}

// Default returns the configuration documented in the README.
func Default() Config {
	return Config{
		DataDir:    "./data",
		ListenAddr: ":7430",
		LogFormat:  "json",
		LogLevel:   "info",
		Discovery: DiscoveryConfig{
			MulticastAddr:    "239.77.83.1:7431",
			AnnounceInterval: 30 * time.Second,
			StaleThreshold:   60 * time.Second,
			EnableMDNS:       false,
			MDNSService:      "_packsync._tcp",
		},
		Transport: TransportConfig{
			HeartbeatInterval: 15 * time.Second,
			BackoffBase:       5 * time.Second,
			BackoffCap:        30 * time.Second,
			MaxReconnects:     3,
			ProtocolErrLimit:  10,
		},
		Batch: BatchConfig{
			Debounce: 10 * time.Second,
			MaxWait:  30 * time.Second,
		},
	}
}

// Load reads path (if non-empty and present) over the defaults, then applies
// environment overrides. A missing file is not an error; a malformed one is.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setDur := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				*dst = d
			}
		}
	}

	setStr("PACKSYNC_DEVICE_NAME", &cfg.DeviceName)
	setStr("PACKSYNC_DATA_DIR", &cfg.DataDir)
	setStr("PACKSYNC_LISTEN_ADDR", &cfg.ListenAddr)
	setStr("PACKSYNC_LOG_FORMAT", &cfg.LogFormat)
	setStr("PACKSYNC_LOG_LEVEL", &cfg.LogLevel)
	setStr("PACKSYNC_MULTICAST_ADDR", &cfg.Discovery.MulticastAddr)
	setDur("PACKSYNC_ANNOUNCE_INTERVAL", &cfg.Discovery.AnnounceInterval)
	setDur("PACKSYNC_STALE_THRESHOLD", &cfg.Discovery.StaleThreshold)
	setDur("PACKSYNC_HEARTBEAT_INTERVAL", &cfg.Transport.HeartbeatInterval)
	setDur("PACKSYNC_BATCH_DEBOUNCE", &cfg.Batch.Debounce)
	setDur("PACKSYNC_BATCH_MAX_WAIT", &cfg.Batch.MaxWait)

	if v := os.Getenv("PACKSYNC_ENABLE_MDNS"); v != "" {
		cfg.Discovery.EnableMDNS = v == "true" || v == "1"
	}
	if v := os.Getenv("PACKSYNC_MAX_RECONNECTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Transport.MaxReconnects = n
		}
	}
}

func (c Config) validate() error {
	if c.Discovery.StaleThreshold < c.Discovery.AnnounceInterval {
		return fmt.Errorf("stale_threshold %s must not be below announce_interval %s",
			c.Discovery.StaleThreshold, c.Discovery.AnnounceInterval)
	}
	if c.Batch.MaxWait < c.Batch.Debounce {
		return fmt.Errorf("batch max_wait %s must not be below debounce %s",
			c.Batch.MaxWait, c.Batch.Debounce)
	}
	if c.Transport.MaxReconnects < 0 {
		return fmt.Errorf("max_reconnects must not be negative")
	}
	return nil
}
