// Configuration management for consensusd
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all daemon configuration
type Config struct {
	Network     string            `mapstructure:"network"`
	API         APIConfig         `mapstructure:"api"`
	Gossip      GossipConfig      `mapstructure:"gossip"`
	Miner       MinerConfig       `mapstructure:"miner"`
	Consensus   ConsensusConfig   `mapstructure:"consensus"`
	Chainstore  ChainstoreConfig  `mapstructure:"chainstore"`
	Archive     ArchiveConfig     `mapstructure:"archive"`
	RateLimiter RateLimiterConfig `mapstructure:"rate_limiter"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

// APIConfig for the operator REST/websocket API server
type APIConfig struct {
	Port           int           `mapstructure:"port"`
	Host           string        `mapstructure:"host"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	MaxRequestSize int64         `mapstructure:"max_request_size"`
	EnableCORS     bool          `mapstructure:"enable_cors"`
	TrustedProxies []string      `mapstructure:"trusted_proxies"`
}

// GossipConfig for the libp2p GossipSub/Kademlia proposal transport
type GossipConfig struct {
	ListenAddrs         []string `mapstructure:"listen_addrs"`
	BootstrapPeers      []string `mapstructure:"bootstrap_peers"`
	TopicName           string   `mapstructure:"topic_name"`
	BroadcastIntervalMs int      `mapstructure:"broadcast_interval_ms"`
	PeerScoringEnabled  bool     `mapstructure:"peer_scoring_enabled"`
	QuarantineThreshold int      `mapstructure:"quarantine_threshold"`
}

// MinerConfig for the length-framed RandomX miner-process RPC
type MinerConfig struct {
	Endpoints      []string      `mapstructure:"endpoints"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	RewardAddress  string        `mapstructure:"reward_address"`
}

// ConsensusConfig for the consensus loop / ingest / confirmation gate
type ConsensusConfig struct {
	ConfirmationDepth  uint32 `mapstructure:"confirmation_depth"`
	OrphanTTLSeconds   int    `mapstructure:"orphan_ttl_seconds"`
	EpochLengthBlocks  uint32 `mapstructure:"epoch_length_blocks"`
	InitialTargetHex   string `mapstructure:"initial_target_hex"`
}

// ChainstoreConfig for the canonical-chain SQLite persistence layer
type ChainstoreConfig struct {
	Path string `mapstructure:"path"`
}

// ArchiveConfig for optional content-addressed block mirroring
type ArchiveConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Nodes      []string      `mapstructure:"nodes"`
	PinQuorum  string        `mapstructure:"pin_quorum"` // e.g., "2/3"
	PinTimeout time.Duration `mapstructure:"pin_timeout"`
	QueueSize  int           `mapstructure:"queue_size"`
}

// RateLimiterConfig for request rate limiting
type RateLimiterConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	IPLimit         int           `mapstructure:"ip_limit"`
	IPWindow        time.Duration `mapstructure:"ip_window"`
	PeerIDLimit     int           `mapstructure:"peer_id_limit"`
	PeerIDWindow    time.Duration `mapstructure:"peer_id_window"`
	GlobalLimit     int           `mapstructure:"global_limit"`
	GlobalWindow    time.Duration `mapstructure:"global_window"`
	BurstMultiplier float64       `mapstructure:"burst_multiplier"`
}

// MetricsConfig for Prometheus metrics
type MetricsConfig struct {
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
	Enabled bool   `mapstructure:"enabled"`
}

// DefaultConfig returns the daemon's built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Network: "mainnet",
		API: APIConfig{
			Port:           12346,
			Host:           "0.0.0.0",
			ReadTimeout:    10 * time.Second,
			WriteTimeout:   10 * time.Second,
			MaxRequestSize: 10 * 1024 * 1024,
			EnableCORS:     true,
			TrustedProxies: []string{},
		},
		Gossip: GossipConfig{
			ListenAddrs:         []string{"/ip4/0.0.0.0/tcp/5000"},
			BootstrapPeers:      []string{},
			TopicName:           "consensusd/blocks/v1",
			BroadcastIntervalMs: 30000,
			PeerScoringEnabled:  true,
			QuarantineThreshold: 10,
		},
		Miner: MinerConfig{
			Endpoints:     []string{"127.0.0.1:7800"},
			DialTimeout:   5 * time.Second,
			RewardAddress: "",
		},
		Consensus: ConsensusConfig{
			ConfirmationDepth: 6,
			OrphanTTLSeconds:  300,
			EpochLengthBlocks: 2048,
			InitialTargetHex:  "00000000ffff0000000000000000000000000000000000000000000000000000",
		},
		Chainstore: ChainstoreConfig{
			Path: "./data/chain.db",
		},
		Archive: ArchiveConfig{
			Enabled:    false,
			Nodes:      []string{"localhost:5001"},
			PinQuorum:  "2/3",
			PinTimeout: 30 * time.Second,
			QueueSize:  256,
		},
		RateLimiter: RateLimiterConfig{
			Enabled:         true,
			IPLimit:         100,
			IPWindow:        time.Minute,
			PeerIDLimit:     200,
			PeerIDWindow:    time.Minute,
			GlobalLimit:     10000,
			GlobalWindow:    time.Minute,
			BurstMultiplier: 1.5,
		},
		Metrics: MetricsConfig{
			Port:    9090,
			Path:    "/metrics",
			Enabled: true,
		},
	}
}

// LoadConfig loads configuration from file or returns defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	switch c.Network {
	case "mainnet", "testnet", "localnet":
	default:
		return fmt.Errorf("invalid network: %q (must be mainnet, testnet, or localnet)", c.Network)
	}
	if c.API.Port < 1 || c.API.Port > 65535 {
		return fmt.Errorf("invalid API port: %d", c.API.Port)
	}
	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("invalid metrics port: %d", c.Metrics.Port)
	}
	if c.Consensus.ConfirmationDepth < 1 {
		return fmt.Errorf("confirmation_depth must be >= 1")
	}
	if len(c.Miner.Endpoints) == 0 {
		return fmt.Errorf("at least one miner endpoint is required")
	}
	if c.Archive.Enabled && len(c.Archive.Nodes) == 0 {
		return fmt.Errorf("archive.enabled requires at least one node")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("network", "mainnet")
	v.SetDefault("api.port", 12346)
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("gossip.topic_name", "consensusd/blocks/v1")
	v.SetDefault("consensus.confirmation_depth", 6)
	v.SetDefault("consensus.orphan_ttl_seconds", 300)
	v.SetDefault("archive.pin_quorum", "2/3")
	v.SetDefault("rate_limiter.enabled", true)
	v.SetDefault("metrics.enabled", true)
}
