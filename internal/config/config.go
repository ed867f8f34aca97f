// Package config loads the trader configuration from a YAML file with
// ARB_-prefixed environment overrides. Credentials are usually injected
// through the environment so the file can be committed without secrets.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"crossarb-trader/internal/model"
)

// VenueCredentials is one venue's credential block. Key/Secret sign REST
// calls; APIKey plus the ed25519 PEM pair authenticates the trading
// WebSocket where the venue supports session logon.
type VenueCredentials struct {
	Key        string `mapstructure:"key"`
	Secret     string `mapstructure:"secret"`
	APIKey     string `mapstructure:"api_key"`
	PrivateKey string `mapstructure:"private_key"`
	PublicKey  string `mapstructure:"public_key"`
}

// ToSecret converts the block into the model type the venues consume.
func (c VenueCredentials) ToSecret() model.Secret {
	return model.Secret{
		Key:        c.Key,
		Secret:     c.Secret,
		APIKey:     c.APIKey,
		PrivateKey: c.PrivateKey,
		PublicKey:  c.PublicKey,
	}
}

// Config is the full runtime configuration.
type Config struct {
	Quote            string           `mapstructure:"quote"`
	SymbolRange      []int            `mapstructure:"symbol_rang"`
	SymbolsBlacklist []string         `mapstructure:"symbols_blacklist"`
	Spread           float64          `mapstructure:"spread"`
	MaxDelay         int64            `mapstructure:"max_delay"`
	Leverage         int              `mapstructure:"leverage"`
	PosRate          float64          `mapstructure:"pos_rate"`
	ReserveMargin    float64          `mapstructure:"reserve_margin"`
	BBOVolumeRate    float64          `mapstructure:"bbo_volume_rate"`
	MinNominal       float64          `mapstructure:"min_nominal"`
	WSAPIConns       int              `mapstructure:"ws_api_conns"`
	CacheDir         string           `mapstructure:"cache_dir"`
	MetricsAddr      string           `mapstructure:"metrics_addr"`
	RedisAddr        string           `mapstructure:"redis_addr"`
	LogLevel         string           `mapstructure:"log_level"`
	Master           VenueCredentials `mapstructure:"master"`
	Slave            VenueCredentials `mapstructure:"slave"`
}

// Load reads path, applies environment overrides, and validates.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ARB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Nested credential keys need explicit binds for env-only setups.
	for _, side := range []string{"master", "slave"} {
		for _, field := range []string{"key", "secret", "api_key", "private_key", "public_key"} {
			if err := v.BindEnv(side + "." + field); err != nil {
				return nil, fmt.Errorf("bind env %s.%s: %w", side, field, err)
			}
		}
	}

	v.SetDefault("quote", "USDT")
	v.SetDefault("spread", 0.001)
	v.SetDefault("max_delay", 300)
	v.SetDefault("leverage", 10)
	v.SetDefault("pos_rate", 0.8)
	v.SetDefault("reserve_margin", 0.1)
	v.SetDefault("bbo_volume_rate", 0.5)
	v.SetDefault("min_nominal", 5)
	v.SetDefault("ws_api_conns", 5)
	v.SetDefault("cache_dir", "./cache")
	v.SetDefault("metrics_addr", ":9095")
	v.SetDefault("log_level", "info")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the trading parameters for values that would silently
// disable or distort the strategy.
func (c *Config) Validate() error {
	if c.Quote == "" {
		return fmt.Errorf("quote must be set")
	}
	if c.Spread <= 0 {
		return fmt.Errorf("spread must be positive, got %v", c.Spread)
	}
	if c.MaxDelay <= 0 {
		return fmt.Errorf("max_delay must be positive, got %v", c.MaxDelay)
	}
	if c.PosRate <= 0 || c.PosRate > 1 {
		return fmt.Errorf("pos_rate must be in (0, 1], got %v", c.PosRate)
	}
	if c.ReserveMargin < 0 {
		return fmt.Errorf("reserve_margin must not be negative, got %v", c.ReserveMargin)
	}
	if c.BBOVolumeRate <= 0 || c.BBOVolumeRate > 1 {
		return fmt.Errorf("bbo_volume_rate must be in (0, 1], got %v", c.BBOVolumeRate)
	}
	if c.Leverage < 1 {
		return fmt.Errorf("leverage must be at least 1, got %d", c.Leverage)
	}
	if c.WSAPIConns < 1 {
		return fmt.Errorf("ws_api_conns must be at least 1, got %d", c.WSAPIConns)
	}
	if len(c.SymbolRange) != 0 && len(c.SymbolRange) != 2 {
		return fmt.Errorf("symbol_rang needs exactly two entries, got %d", len(c.SymbolRange))
	}
	if c.Master.Key == "" || c.Master.Secret == "" {
		return fmt.Errorf("master key/secret must be set")
	}
	if c.Slave.Key == "" || c.Slave.Secret == "" {
		return fmt.Errorf("slave key/secret must be set")
	}
	return nil
}
