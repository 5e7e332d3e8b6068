package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	telemetry "ilpconnector/observability/otel"
)

// Duration wraps time.Duration so config files can use strings like "30s".
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText parses durations in TOML files and environment values.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the runtime configuration of the connector.
type Config struct {
	Env       string            `yaml:"env" toml:"env"`
	Listen    string            `yaml:"listen" toml:"listen"`
	Node      NodeConfig        `yaml:"node" toml:"node"`
	Storage   StorageConfig     `yaml:"storage" toml:"storage"`
	Registry  RegistryConfig    `yaml:"registry" toml:"registry"`
	Routing   RoutingConfig     `yaml:"routing" toml:"routing"`
	Pipeline  PipelineConfig    `yaml:"pipeline" toml:"pipeline"`
	Auth      AuthConfig        `yaml:"auth" toml:"auth"`
	Telemetry TelemetryConfig   `yaml:"telemetry" toml:"telemetry"`
	Logging   LoggingConfig     `yaml:"logging" toml:"logging"`
	Accounts  []AccountConfig   `yaml:"accounts" toml:"accounts"`
	Liquidity []LiquidityConfig `yaml:"liquidity" toml:"liquidity"`
	Peers     []PeerConfig      `yaml:"peers" toml:"peers"`
}

// NodeConfig names this connector on the network.
type NodeConfig struct {
	Address    string `yaml:"address" toml:"address"`
	AssetCode  string `yaml:"asset_code" toml:"asset_code"`
	AssetScale uint8  `yaml:"asset_scale" toml:"asset_scale"`
	// RoutingSecret keys the auth value of locally originated routes.
	RoutingSecret string `yaml:"routing_secret" toml:"routing_secret"`
}

// StorageConfig selects the ledger journal backend: memory, leveldb or bolt.
type StorageConfig struct {
	Backend string `yaml:"backend" toml:"backend"`
	Path    string `yaml:"path" toml:"path"`
}

// RegistryConfig selects the peer registry: memory, sqlite or postgres.
type RegistryConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	DSN    string `yaml:"dsn" toml:"dsn"`
}

type RoutingConfig struct {
	BroadcastInterval    Duration `yaml:"broadcast_interval" toml:"broadcast_interval"`
	MinBroadcastInterval Duration `yaml:"min_broadcast_interval" toml:"min_broadcast_interval"`
	MaxEpochsPerUpdate   uint32   `yaml:"max_epochs_per_update" toml:"max_epochs_per_update"`
	HoldDownTime         Duration `yaml:"hold_down_time" toml:"hold_down_time"`
	UpdateTimeout        Duration `yaml:"update_timeout" toml:"update_timeout"`
	LivenessInterval     Duration `yaml:"liveness_interval" toml:"liveness_interval"`
	ResyncTimeout        Duration `yaml:"resync_timeout" toml:"resync_timeout"`
}

type PipelineConfig struct {
	ExpiryMargin Duration `yaml:"expiry_margin" toml:"expiry_margin"`
	MaxHoldTime  Duration `yaml:"max_hold_time" toml:"max_hold_time"`
}

type AuthConfig struct {
	JWTSecret string   `yaml:"jwt_secret" toml:"jwt_secret"`
	Issuer    string   `yaml:"issuer" toml:"issuer"`
	ClockSkew Duration `yaml:"clock_skew" toml:"clock_skew"`
}

type TelemetryConfig struct {
	Endpoint    string            `yaml:"endpoint" toml:"endpoint"`
	Insecure    bool              `yaml:"insecure" toml:"insecure"`
	Headers     map[string]string `yaml:"headers" toml:"headers"`
	Traces      bool              `yaml:"traces" toml:"traces"`
	Metrics     bool              `yaml:"metrics" toml:"metrics"`
	SampleRatio float64           `yaml:"sample_ratio" toml:"sample_ratio"`
}

type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

// AccountConfig is a ledger account created at startup if it does not exist.
// Amounts are decimal strings in the asset's smallest unit.
type AccountConfig struct {
	ID             string   `yaml:"id" toml:"id"`
	AssetCode      string   `yaml:"asset_code" toml:"asset_code"`
	AssetScale     uint8    `yaml:"asset_scale" toml:"asset_scale"`
	MinBalance     string   `yaml:"min_balance" toml:"min_balance"`
	MaxBalance     string   `yaml:"max_balance" toml:"max_balance"`
	IncomingTokens []string `yaml:"incoming_tokens" toml:"incoming_tokens"`
	Deposit        string   `yaml:"deposit" toml:"deposit"`
}

// LiquidityConfig funds an asset's liquidity pool at startup.
type LiquidityConfig struct {
	AssetCode  string `yaml:"asset_code" toml:"asset_code"`
	AssetScale uint8  `yaml:"asset_scale" toml:"asset_scale"`
	Amount     string `yaml:"amount" toml:"amount"`
}

// PeerConfig is a statically configured peer. Its ledger account must be
// listed under accounts with the same id.
type PeerConfig struct {
	ID              string            `yaml:"id" toml:"id"`
	Relation        string            `yaml:"relation" toml:"relation"`
	Prefixes        []string          `yaml:"prefixes" toml:"prefixes"`
	Endpoint        string            `yaml:"endpoint" toml:"endpoint"`
	OutgoingToken   string            `yaml:"outgoing_token" toml:"outgoing_token"`
	MaxPacketAmount uint64            `yaml:"max_packet_amount" toml:"max_packet_amount"`
	RateLimit       *RateLimitConfig  `yaml:"rate_limit" toml:"rate_limit"`
	Throughput      *ThroughputConfig `yaml:"throughput" toml:"throughput"`
}

type RateLimitConfig struct {
	Capacity     int      `yaml:"capacity" toml:"capacity"`
	RefillPeriod Duration `yaml:"refill_period" toml:"refill_period"`
	RefillCount  int      `yaml:"refill_count" toml:"refill_count"`
}

type ThroughputConfig struct {
	Amount uint64   `yaml:"amount" toml:"amount"`
	Period Duration `yaml:"period" toml:"period"`
}

// Load reads a YAML or TOML file, chosen by extension, applies environment
// overrides and defaults, and validates the result. An empty path yields the
// defaults plus environment overrides.
func Load(path string) (Config, error) {
	var cfg Config
	if path = strings.TrimSpace(path); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".toml":
			if _, err := toml.Decode(string(data), &cfg); err != nil {
				return Config{}, fmt.Errorf("decode config: %w", err)
			}
		case ".yaml", ".yml", "":
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("decode config: %w", err)
			}
		default:
			return Config{}, fmt.Errorf("unsupported config format %q", filepath.Ext(path))
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("ILP_ENV", &cfg.Env)
	str("ILP_ADDRESS", &cfg.Node.Address)
	str("ILP_LISTEN", &cfg.Listen)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.Telemetry.Endpoint)
	if v, ok := lookup("OTEL_EXPORTER_OTLP_INSECURE"); ok && strings.TrimSpace(v) != "" {
		parsed, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parse OTEL_EXPORTER_OTLP_INSECURE: %w", err)
		}
		cfg.Telemetry.Insecure = parsed
	}
	if v, ok := lookup("OTEL_EXPORTER_OTLP_HEADERS"); ok && strings.TrimSpace(v) != "" {
		if cfg.Telemetry.Headers == nil {
			cfg.Telemetry.Headers = make(map[string]string)
		}
		for key, value := range telemetry.ParseHeaders(v) {
			cfg.Telemetry.Headers[key] = value
		}
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	if cfg.Listen == "" {
		cfg.Listen = ":7768"
	}
	if cfg.Node.AssetCode == "" {
		cfg.Node.AssetCode = "USD"
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "memory"
	}
	if cfg.Registry.Driver == "" {
		cfg.Registry.Driver = "memory"
	}
	r := &cfg.Routing
	setDuration(&r.BroadcastInterval, 30*time.Second)
	setDuration(&r.MinBroadcastInterval, time.Second)
	setDuration(&r.HoldDownTime, 45*time.Minute)
	setDuration(&r.UpdateTimeout, 10*time.Second)
	setDuration(&r.LivenessInterval, 20*time.Second)
	setDuration(&r.ResyncTimeout, 60*time.Second)
	if r.MaxEpochsPerUpdate == 0 {
		r.MaxEpochsPerUpdate = 50
	}
	setDuration(&cfg.Pipeline.ExpiryMargin, time.Second)
	setDuration(&cfg.Pipeline.MaxHoldTime, 30*time.Second)
	setDuration(&cfg.Auth.ClockSkew, time.Minute)
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.File != "" && cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	for i := range cfg.Accounts {
		if cfg.Accounts[i].AssetCode == "" {
			cfg.Accounts[i].AssetCode = cfg.Node.AssetCode
			cfg.Accounts[i].AssetScale = cfg.Node.AssetScale
		}
	}
}

func setDuration(d *Duration, def time.Duration) {
	if d.Duration <= 0 {
		d.Duration = def
	}
}
