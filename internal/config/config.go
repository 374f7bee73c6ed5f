// Package config provides centralized configuration for chainwatch.
// ALL chain parameters (genesis hash, decimals, SS58 prefix, finality
// depth, default RPC endpoint) MUST be defined here; no hardcoded chain
// values should exist elsewhere in the codebase.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ChainParams holds the network-specific parameters for one configured
// chain (§3's Chain type, plus operational defaults).
type ChainParams struct {
	GenesisHash   string `yaml:"genesis_hash"`
	Decimals      uint8  `yaml:"decimals"`
	SS58Prefix    uint16 `yaml:"ss58_prefix"`
	FinalityDepth uint64 `yaml:"finality_depth"`
	RPCEndpoint   string `yaml:"rpc_endpoint"`
}

// SupportedChains contains the built-in defaults for every chain shipped
// out of the box. A config file's Chains map overrides these per-key.
var SupportedChains = map[string]ChainParams{
	"kusama": {
		GenesisHash:   "0xb0a8d493285c2df73290dfb7e61f870f17b41801197a149ca93654499ea3dafe",
		Decimals:      12,
		SS58Prefix:    2,
		FinalityDepth: 16,
		RPCEndpoint:   "wss://kusama-rpc.polkadot.io",
	},
	"polkadot": {
		GenesisHash:   "0x91b171bb158e2d3848fa23a9f1c25182fb8e20313b2c1eb49219da7a70ce90c3",
		Decimals:      10,
		SS58Prefix:    0,
		FinalityDepth: 16,
		RPCEndpoint:   "wss://rpc.polkadot.io",
	},
}

// RetryConfig holds the fetch retry/backoff knobs of §4.4.
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
}

// DefaultRetryConfig returns the §4.4 defaults: up to 5 retries, 500ms base,
// 30s cap, full jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 5,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   30 * time.Second,
	}
}

// IndexerConfig holds the range-slicer/fetcher-pool/heartbeat knobs of §4.4.
type IndexerConfig struct {
	WindowSize        int           `yaml:"window_size"`         // default 256
	FetchParallelism  int           `yaml:"fetch_parallelism"`   // default 8
	HeartbeatBlocks   uint64        `yaml:"heartbeat_blocks"`    // default 64
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`  // default 5s
	WriterQueueDepth  int           `yaml:"writer_queue_depth"`  // default 1024
	Retry             RetryConfig   `yaml:"retry"`
}

// DefaultIndexerConfig returns the §4.4 defaults.
func DefaultIndexerConfig() IndexerConfig {
	return IndexerConfig{
		WindowSize:        256,
		FetchParallelism:  8,
		HeartbeatBlocks:   64,
		HeartbeatInterval: 5 * time.Second,
		WriterQueueDepth:  1024,
		Retry:             DefaultRetryConfig(),
	}
}

// RPCConfig holds the chain client's connection pool/rate-limit knobs of
// §4.1 and §5.
type RPCConfig struct {
	PoolSize      int           `yaml:"pool_size"`      // default 16
	RateLimitRPS  float64       `yaml:"rate_limit_rps"` // token bucket rate
	RateBurst     int           `yaml:"rate_burst"`
	RequestTimeout time.Duration `yaml:"request_timeout"` // default 15s
}

// DefaultRPCConfig returns the §4.1/§5 defaults.
func DefaultRPCConfig() RPCConfig {
	return RPCConfig{
		PoolSize:       16,
		RateLimitRPS:   32,
		RateBurst:      64,
		RequestTimeout: 15 * time.Second,
	}
}

// Config is the top-level, YAML-backed configuration loaded at startup and
// overridden by CLI flags (see cmd/chainwatchd).
type Config struct {
	Listen            string                  `yaml:"listen"`
	DBPath            string                  `yaml:"db"`
	Chains            map[string]ChainParams  `yaml:"chains"`
	Indexer           IndexerConfig           `yaml:"indexer"`
	RPC               RPCConfig               `yaml:"rpc"`
	LogLevel          string                  `yaml:"log_level"`
	ShutdownDeadline  time.Duration           `yaml:"shutdown_deadline"` // default 10s
}

// DefaultConfig returns a Config seeded with SupportedChains and the §4/§5
// operational defaults.
func DefaultConfig() *Config {
	chains := make(map[string]ChainParams, len(SupportedChains))
	for k, v := range SupportedChains {
		chains[k] = v
	}

	return &Config{
		Listen:           "127.0.0.1:8080",
		DBPath:           "~/.chainwatch/chainwatch.db",
		Chains:           chains,
		Indexer:          DefaultIndexerConfig(),
		RPC:              DefaultRPCConfig(),
		LogLevel:         "info",
		ShutdownDeadline: 10 * time.Second,
	}
}

// ConfigFileName is the default config file name within a data directory.
const ConfigFileName = "config.yaml"

// Load reads configuration from <dataDir>/config.yaml, creating it with
// defaults if absent.
func Load(dataDir string) (*Config, error) {
	expanded := expandPath(dataDir)
	path := filepath.Join(expanded, ConfigFileName)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := cfg.Save(path); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to path.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# chainwatch configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// ChainParams looks up the effective parameters for a configured chain ID.
func (c *Config) ChainParams(chainID string) (ChainParams, bool) {
	p, ok := c.Chains[chainID]
	return p, ok
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
