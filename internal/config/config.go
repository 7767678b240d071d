// Package config loads node configuration from an optional YAML file and
// environment-variable overrides read through small getenv helpers,
// collected into a validated struct instead of ad-hoc scattered lookups.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Backoff configures the client's retry backoff curve.
type Backoff struct {
	Base   time.Duration `yaml:"base"`
	Cap    time.Duration `yaml:"cap"`
	Jitter float64       `yaml:"jitter"`
}

// Config is the full set of options named by the core's configuration
// surface, plus the binding-surface fields (listen addresses, store
// connection strings) needed to actually start a node.
type Config struct {
	ListenAddress      string `yaml:"listen_address"`
	AdvertiseAddress   string `yaml:"advertise_address"`
	AdminListenAddress string `yaml:"admin_listen_address"`

	MembershipDSN string `yaml:"membership_dsn"`
	PlacementDSN  string `yaml:"placement_dsn"`
	StateDSN      string `yaml:"state_dsn"`

	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	ProbeInterval       time.Duration `yaml:"probe_interval"`
	ProbeFanout         int           `yaml:"probe_fanout"`
	FailureThreshold    int           `yaml:"failure_threshold"`
	FailureWindow       time.Duration `yaml:"failure_window"`
	MailboxCapacity     int           `yaml:"mailbox_capacity"`
	IdleTTL             time.Duration `yaml:"idle_ttl"`
	ConnectionPoolSize  int           `yaml:"connection_pool_size"`
	ClientRetryBudget   int           `yaml:"client_retry_budget"`
	ClientRedirectBudget int          `yaml:"client_redirect_budget"`
	ClientBackoff       Backoff       `yaml:"client_backoff"`
	PlacementCacheSize  int           `yaml:"placement_cache_size"`

	LogLevel string `yaml:"log_level"`
}

// Default returns a Config populated with the defaults named in the
// configuration surface.
func Default() Config {
	return Config{
		ListenAddress:        ":7700",
		AdminListenAddress:   ":7701",
		HeartbeatInterval:    time.Second,
		ProbeInterval:        5 * time.Second,
		ProbeFanout:          3,
		FailureThreshold:     3,
		FailureWindow:        30 * time.Second,
		MailboxCapacity:      64,
		ConnectionPoolSize:   8,
		ClientRetryBudget:    5,
		ClientRedirectBudget: 3,
		ClientBackoff:        Backoff{Base: 50 * time.Millisecond, Cap: 5 * time.Second, Jitter: 0.2},
		PlacementCacheSize:   4096,
		LogLevel:             "info",
	}
}

// Load reads path (if non-empty) as YAML over the defaults, then applies
// environment-variable overrides, then validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := getenv("LISTEN_ADDRESS", ""); v != "" {
		cfg.ListenAddress = v
	}
	if v := getenv("ADVERTISE_ADDRESS", ""); v != "" {
		cfg.AdvertiseAddress = v
	}
	if v := getenv("ADMIN_LISTEN_ADDRESS", ""); v != "" {
		cfg.AdminListenAddress = v
	}
	if v := getenv("MEMBERSHIP_DSN", ""); v != "" {
		cfg.MembershipDSN = v
	}
	if v := getenv("PLACEMENT_DSN", ""); v != "" {
		cfg.PlacementDSN = v
	}
	if v := getenv("STATE_DSN", ""); v != "" {
		cfg.StateDSN = v
	}
	if v := getenv("LOG_LEVEL", ""); v != "" {
		cfg.LogLevel = v
	}
	if v := getenvDuration("HEARTBEAT_INTERVAL"); v > 0 {
		cfg.HeartbeatInterval = v
	}
	if v := getenvDuration("PROBE_INTERVAL"); v > 0 {
		cfg.ProbeInterval = v
	}
	if v := getenvInt("PROBE_FANOUT"); v > 0 {
		cfg.ProbeFanout = v
	}
	if v := getenvInt("FAILURE_THRESHOLD"); v > 0 {
		cfg.FailureThreshold = v
	}
}

// Validate checks that every option is within an acceptable range.
func (c Config) Validate() error {
	if c.ListenAddress == "" {
		return fmt.Errorf("config: listen_address must not be empty")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("config: heartbeat_interval must be positive")
	}
	if c.ProbeInterval <= 0 {
		return fmt.Errorf("config: probe_interval must be positive")
	}
	if c.ProbeFanout <= 0 {
		return fmt.Errorf("config: probe_fanout must be positive")
	}
	if c.FailureThreshold <= 0 {
		return fmt.Errorf("config: failure_threshold must be positive")
	}
	if c.FailureWindow <= 0 {
		return fmt.Errorf("config: failure_window must be positive")
	}
	if c.MailboxCapacity <= 0 {
		return fmt.Errorf("config: mailbox_capacity must be positive")
	}
	if c.ConnectionPoolSize <= 0 {
		return fmt.Errorf("config: connection_pool_size must be positive")
	}
	if c.ClientRetryBudget < 0 {
		return fmt.Errorf("config: client_retry_budget must not be negative")
	}
	if c.ClientRedirectBudget < 0 {
		return fmt.Errorf("config: client_redirect_budget must not be negative")
	}
	return nil
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getenvInt(key string) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func getenvDuration(key string) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}
