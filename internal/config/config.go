// Package config loads the pcdsync YAML configuration file.
package config

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/10yihang/pcdsync/internal/admin"
	"github.com/10yihang/pcdsync/internal/coordinator"
	"github.com/10yihang/pcdsync/internal/keeper"
	"github.com/10yihang/pcdsync/internal/pcd"
	"github.com/10yihang/pcdsync/internal/store"
	"gopkg.in/yaml.v2"
)

// Proof service modes.
const (
	ProofModeHTTP  = "http"
	ProofModeLocal = "local"
)

type Config struct {
	Keeper       KeeperConfig       `yaml:"keeper"`
	ProofService ProofServiceConfig `yaml:"proof_service"`
	Store        StoreConfig        `yaml:"store"`
	PCD          PCDConfig          `yaml:"pcd"`
	Admin        AdminConfig        `yaml:"admin"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Coordinator  CoordinatorConfig  `yaml:"coordinator"`
}

type KeeperConfig struct {
	Enabled              bool          `yaml:"enabled"`
	URL                  string        `yaml:"url"`
	EventTypes           []string      `yaml:"event_types"`
	// MaxReconnectAttempts of 0 disables reconnecting.
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	ReconnectInterval    time.Duration `yaml:"reconnect_interval"`
	SyncTimeout          time.Duration `yaml:"sync_timeout"`
	StatusTimeout        time.Duration `yaml:"status_timeout"`
	MaxEvents            int           `yaml:"max_events"`
	PollInterval         time.Duration `yaml:"poll_interval"`
	PingInterval         time.Duration `yaml:"ping_interval"`
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
	AuthToken            string        `yaml:"auth_token"`
}

type ProofServiceConfig struct {
	Mode    string        `yaml:"mode"`
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
	// LocalKey keys the in-process prover.
	LocalKey        string            `yaml:"local_key"`
	VerifyCacheSize int               `yaml:"verify_cache_size"`
	Headers         map[string]string `yaml:"headers"`
}

type StoreConfig struct {
	Kind    string `yaml:"kind"`
	DataDir string `yaml:"data_dir"`
}

type PCDConfig struct {
	StorageKey      string `yaml:"storage_key"`
	PrevProofPolicy string `yaml:"prev_proof_policy"`
}

type AdminConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Addr           string        `yaml:"addr"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type CoordinatorConfig struct {
	SpoolDir         string        `yaml:"spool_dir"`
	VerifyAfterApply bool          `yaml:"verify_after_apply"`
	ApplyTimeout     time.Duration `yaml:"apply_timeout"`
}

// Default returns a configuration with every value set.
func Default() *Config {
	kc := keeper.DefaultConfig()
	ac := admin.DefaultConfig()
	cc := coordinator.DefaultConfig()
	return &Config{
		Keeper: KeeperConfig{
			Enabled:              true,
			URL:                  kc.URL,
			MaxReconnectAttempts: kc.MaxReconnectAttempts,
			ReconnectInterval:    kc.ReconnectInterval,
			SyncTimeout:          kc.SyncTimeout,
			StatusTimeout:        kc.StatusTimeout,
			MaxEvents:            kc.MaxEvents,
			PollInterval:         30 * time.Second,
			PingInterval:         30 * time.Second,
			HandshakeTimeout:     kc.HandshakeTimeout,
		},
		ProofService: ProofServiceConfig{
			Mode:            ProofModeHTTP,
			URL:             "http://127.0.0.1:3000",
			Timeout:         2 * time.Minute,
			VerifyCacheSize: 256,
		},
		Store: StoreConfig{
			Kind:    store.KindFile,
			DataDir: "./data",
		},
		PCD: PCDConfig{
			StorageKey:      pcd.DefaultStorageKey,
			PrevProofPolicy: string(pcd.PrevProofWarn),
		},
		Admin: AdminConfig{
			Enabled:        false,
			Addr:           ac.Addr,
			CommandTimeout: ac.CommandTimeout,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9121",
		},
		Coordinator: CoordinatorConfig{
			SpoolDir:     "./data/deltas",
			ApplyTimeout: cc.ApplyTimeout,
		},
	}
}

// Load reads path over the defaults. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the components cannot run with.
func (c *Config) Validate() error {
	if c.Keeper.Enabled && c.Keeper.URL == "" {
		return fmt.Errorf("keeper.url is required when the keeper is enabled")
	}
	if c.Keeper.MaxReconnectAttempts < 0 {
		return fmt.Errorf("keeper.max_reconnect_attempts must be >= 0")
	}
	if c.Keeper.MaxEvents <= 0 {
		return fmt.Errorf("keeper.max_events must be > 0")
	}
	for _, d := range []struct {
		key string
		d   time.Duration
	}{
		{"keeper.reconnect_interval", c.Keeper.ReconnectInterval},
		{"keeper.sync_timeout", c.Keeper.SyncTimeout},
		{"keeper.status_timeout", c.Keeper.StatusTimeout},
	} {
		if d.d <= 0 {
			return fmt.Errorf("%s must be positive", d.key)
		}
	}
	if c.Keeper.PollInterval < 0 || c.Keeper.PingInterval < 0 {
		return fmt.Errorf("keeper poll and ping intervals must be >= 0")
	}

	switch c.ProofService.Mode {
	case ProofModeHTTP:
		if c.ProofService.URL == "" {
			return fmt.Errorf("proof_service.url is required in http mode")
		}
	case ProofModeLocal:
		if c.ProofService.LocalKey == "" {
			return fmt.Errorf("proof_service.local_key is required in local mode")
		}
		if len(c.ProofService.LocalKey) > 64 {
			return fmt.Errorf("proof_service.local_key must be at most 64 bytes")
		}
	default:
		return fmt.Errorf("unknown proof_service.mode %q", c.ProofService.Mode)
	}
	if c.ProofService.VerifyCacheSize < 0 {
		return fmt.Errorf("proof_service.verify_cache_size must be >= 0")
	}

	switch c.Store.Kind {
	case store.KindMemory:
	case store.KindFile, store.KindBadger, store.KindBolt:
		if c.Store.DataDir == "" {
			return fmt.Errorf("store.data_dir is required for %s store", c.Store.Kind)
		}
	default:
		return fmt.Errorf("unknown store.kind %q", c.Store.Kind)
	}

	if _, err := pcd.ParsePrevProofPolicy(c.PCD.PrevProofPolicy); err != nil {
		return err
	}
	if c.Admin.Enabled && c.Admin.Addr == "" {
		return fmt.Errorf("admin.addr is required when admin is enabled")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
	}
	return nil
}

// KeeperClient returns the keeper client configuration.
func (c *Config) KeeperClient() *keeper.Config {
	attempts := c.Keeper.MaxReconnectAttempts
	if attempts == 0 {
		attempts = keeper.NoReconnect
	}
	kc := &keeper.Config{
		URL:                  c.Keeper.URL,
		MaxReconnectAttempts: attempts,
		ReconnectInterval:    c.Keeper.ReconnectInterval,
		SyncTimeout:          c.Keeper.SyncTimeout,
		StatusTimeout:        c.Keeper.StatusTimeout,
		MaxEvents:            c.Keeper.MaxEvents,
		PollInterval:         c.Keeper.PollInterval,
		PingInterval:         c.Keeper.PingInterval,
		HandshakeTimeout:     c.Keeper.HandshakeTimeout,
	}
	for _, t := range c.Keeper.EventTypes {
		kc.EventTypes = append(kc.EventTypes, keeper.EventType(t))
	}
	if c.Keeper.AuthToken != "" {
		kc.Header = http.Header{"Authorization": []string{"Bearer " + c.Keeper.AuthToken}}
	}
	return kc
}

// Machine returns the state machine configuration. Validate must have
// passed.
func (c *Config) Machine() *pcd.Config {
	policy, _ := pcd.ParsePrevProofPolicy(c.PCD.PrevProofPolicy)
	return &pcd.Config{
		StorageKey:      c.PCD.StorageKey,
		PrevProofPolicy: policy,
	}
}

func (c *Config) AdminServer() *admin.Config {
	return &admin.Config{
		Addr:           c.Admin.Addr,
		CommandTimeout: c.Admin.CommandTimeout,
	}
}

func (c *Config) CoordinatorConfig() *coordinator.Config {
	return &coordinator.Config{
		VerifyAfterApply: c.Coordinator.VerifyAfterApply,
		ApplyTimeout:     c.Coordinator.ApplyTimeout,
	}
}
