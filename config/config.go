package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Arbflow   AppConfig       `yaml:"arbflow"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Feed      FeedConfig      `yaml:"feed"`
	Book      BookConfig      `yaml:"book"`
	Detector  DetectorConfig  `yaml:"detector"`
	Simulator SimulatorConfig `yaml:"simulator"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ChannelsConfig struct {
	RawBuffer         int `yaml:"raw_buffer"`
	OpportunityBuffer int `yaml:"opportunity_buffer"`
	TradeBuffer       int `yaml:"trade_buffer"`
	DispatchDepth     int `yaml:"dispatch_depth"`
}

type FeedConfig struct {
	NormalizerWorkers    int           `yaml:"normalizer_workers"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	ViolationLimit       int           `yaml:"violation_limit"`
	ViolationWindow      time.Duration `yaml:"violation_window"`
	Binance              VenueConfig   `yaml:"binance"`
	Coinbase             VenueConfig   `yaml:"coinbase"`
	Okx                  VenueConfig   `yaml:"okx"`
}

type VenueConfig struct {
	Enabled       bool          `yaml:"enabled"`
	URL           string        `yaml:"url"`
	Symbols       []string      `yaml:"symbols"`
	SnapshotDepth int           `yaml:"snapshot_depth"`
	RequireAuth   bool          `yaml:"require_auth"`
	MinReconnect  time.Duration `yaml:"min_reconnect"`
	MaxReconnect  time.Duration `yaml:"max_reconnect"`
	SubscribeRPS  float64       `yaml:"subscribe_rps"`
	BurstSize     int           `yaml:"burst_size"`
}

type BookConfig struct {
	Depth int `yaml:"depth"`
}

type DetectorConfig struct {
	AbsMinProfit      float64              `yaml:"abs_min_profit"`
	RelMinProfit      float64              `yaml:"rel_min_profit"`
	MaxQuoteAge       time.Duration        `yaml:"max_quote_age"`
	LatencyPenaltyBps float64              `yaml:"latency_penalty_bps"`
	Fees              map[string]FeeConfig `yaml:"fees"`
}

type FeeConfig struct {
	Mode string  `yaml:"mode"` // "relative" or "absolute"
	Rate float64 `yaml:"rate"`
}

type SimulatorConfig struct {
	MaxPositionSize  float64       `yaml:"max_position_size"`
	MaxVenueExposure float64       `yaml:"max_venue_exposure"`
	SlippageBps      float64       `yaml:"slippage_bps"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Prefix          string        `yaml:"prefix"`
	Endpoint        string        `yaml:"endpoint"`
	PathStyle       bool          `yaml:"path_style"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	BatchSize       int           `yaml:"batch_size"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
}

type LoggingConfig struct {
	Level   string `yaml:"level"`
	Format  string `yaml:"format"`
	Output  string `yaml:"output"`
	MaxAge  int    `yaml:"max_age"`
	Metrics bool   `yaml:"metrics"`
	Region  string `yaml:"region"`
}

// LoadConfig reads, decodes and validates the configuration file. Validation
// failures are fatal to the caller: no connection may be attempted with a
// broken configuration.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&config)

	// Override S3 settings from environment variables if available
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Channels.RawBuffer == 0 {
		cfg.Channels.RawBuffer = 1000
	}
	if cfg.Channels.OpportunityBuffer == 0 {
		cfg.Channels.OpportunityBuffer = 100
	}
	if cfg.Channels.TradeBuffer == 0 {
		cfg.Channels.TradeBuffer = 100
	}
	if cfg.Channels.DispatchDepth == 0 {
		cfg.Channels.DispatchDepth = 256
	}
	if cfg.Feed.NormalizerWorkers == 0 {
		cfg.Feed.NormalizerWorkers = 2
	}
	if cfg.Feed.MaxReconnectAttempts == 0 {
		cfg.Feed.MaxReconnectAttempts = 20
	}
	if cfg.Feed.ConnectTimeout == 0 {
		cfg.Feed.ConnectTimeout = 10 * time.Second
	}
	if cfg.Feed.ViolationLimit == 0 {
		cfg.Feed.ViolationLimit = 25
	}
	if cfg.Feed.ViolationWindow == 0 {
		cfg.Feed.ViolationWindow = time.Minute
	}
	if cfg.Book.Depth == 0 {
		cfg.Book.Depth = 10
	}
	if cfg.Simulator.MaxPositionSize == 0 {
		cfg.Simulator.MaxPositionSize = 1
	}
	if cfg.Storage.S3.BatchSize == 0 {
		cfg.Storage.S3.BatchSize = 100
	}
	if cfg.Storage.S3.FlushInterval == 0 {
		cfg.Storage.S3.FlushInterval = time.Minute
	}
}

// Venues returns the per-venue configuration keyed by canonical venue name.
// Only enabled venues are included.
func (c *Config) Venues() map[string]VenueConfig {
	all := map[string]VenueConfig{
		"binance":  c.Feed.Binance,
		"coinbase": c.Feed.Coinbase,
		"okx":      c.Feed.Okx,
	}
	enabled := make(map[string]VenueConfig)
	for name, vc := range all {
		if vc.Enabled {
			enabled[name] = vc
		}
	}
	return enabled
}

func validateConfig(cfg *Config) error {
	if cfg.Arbflow.Name == "" {
		return fmt.Errorf("arbflow.name is required")
	}
	if cfg.Arbflow.Version == "" {
		return fmt.Errorf("arbflow.version is required")
	}

	if cfg.Channels.RawBuffer <= 0 {
		return fmt.Errorf("channels.raw_buffer must be greater than 0")
	}
	if cfg.Channels.DispatchDepth <= 0 {
		return fmt.Errorf("channels.dispatch_depth must be greater than 0")
	}

	venues := cfg.Venues()
	if len(venues) == 0 {
		return fmt.Errorf("at least one venue must be enabled")
	}
	for name, vc := range venues {
		if len(vc.Symbols) == 0 {
			return fmt.Errorf("feed.%s.symbols must not be empty", name)
		}
		if vc.MinReconnect < 0 || vc.MaxReconnect < 0 {
			return fmt.Errorf("feed.%s reconnect delays must not be negative", name)
		}
		if vc.MaxReconnect > 0 && vc.MinReconnect > vc.MaxReconnect {
			return fmt.Errorf("feed.%s.min_reconnect exceeds max_reconnect", name)
		}
		if vc.SubscribeRPS < 0 {
			return fmt.Errorf("feed.%s.subscribe_rps must not be negative", name)
		}
		if vc.RequireAuth {
			if _, err := VenueCredentials(name); err != nil {
				return err
			}
		}
	}

	if cfg.Detector.AbsMinProfit < 0 {
		return fmt.Errorf("detector.abs_min_profit must not be negative")
	}
	if cfg.Detector.RelMinProfit < 0 {
		return fmt.Errorf("detector.rel_min_profit must not be negative")
	}
	if cfg.Detector.MaxQuoteAge < 0 {
		return fmt.Errorf("detector.max_quote_age must not be negative")
	}
	if cfg.Detector.LatencyPenaltyBps < 0 {
		return fmt.Errorf("detector.latency_penalty_bps must not be negative")
	}
	for venue, fee := range cfg.Detector.Fees {
		switch fee.Mode {
		case "", "relative", "absolute":
		default:
			return fmt.Errorf("detector.fees.%s.mode '%s' is invalid", venue, fee.Mode)
		}
		if fee.Rate < 0 {
			return fmt.Errorf("detector.fees.%s.rate must not be negative", venue)
		}
	}

	if cfg.Simulator.MaxPositionSize <= 0 {
		return fmt.Errorf("simulator.max_position_size must be greater than 0")
	}
	if cfg.Simulator.MaxVenueExposure < 0 {
		return fmt.Errorf("simulator.max_venue_exposure must not be negative")
	}
	if cfg.Simulator.SlippageBps < 0 {
		return fmt.Errorf("simulator.slippage_bps must not be negative")
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
