// Package config loads the service configuration from defaults, an optional
// YAML file, a .env file and LEDGER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/holiman/uint256"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/atmx/lending-ledger/internal/fixedpoint"
	"github.com/atmx/lending-ledger/internal/liquidation"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("config: invalid")

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Risk     RiskConfig     `mapstructure:"risk"`
	Oracle   OracleConfig   `mapstructure:"oracle"`
	Caps     CapsConfig     `mapstructure:"caps"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

type RedisConfig struct {
	URL string        `mapstructure:"url"`
	TTL time.Duration `mapstructure:"ttl"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// RiskConfig holds the liquidation defaults for markets created without
// explicit risk parameters. Ratios are decimal strings ("0.5").
type RiskConfig struct {
	CloseFactor          string        `mapstructure:"close_factor"`
	LiquidationIncentive string        `mapstructure:"liquidation_incentive"`
	MaxPriceAge          time.Duration `mapstructure:"max_price_age"`
}

type OracleConfig struct {
	RefreshAttempts  int     `mapstructure:"refresh_attempts"`
	RefreshPerSecond float64 `mapstructure:"refresh_per_second"`
}

type CapsConfig struct {
	MaxUtilization string `mapstructure:"max_utilization"`
}

// Load reads configuration. An empty configPath searches the default
// locations; a missing config file is not an error.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("error reading .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/lending-ledger")
	}

	v.SetEnvPrefix("LEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 5*time.Second)

	// Empty URLs select the in-memory store and disable the cache.
	v.SetDefault("database.url", "")
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.ttl", 30*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")

	v.SetDefault("risk.close_factor", "0.5")
	v.SetDefault("risk.liquidation_incentive", "1.05")
	v.SetDefault("risk.max_price_age", time.Minute)

	v.SetDefault("oracle.refresh_attempts", 3)
	v.SetDefault("oracle.refresh_per_second", 5.0)

	v.SetDefault("caps.max_utilization", "1")
}

// Validate checks ranges that the rest of the service relies on.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server.port %d", ErrInvalidConfig, c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("%w: server.shutdown_timeout must be positive", ErrInvalidConfig)
	}
	if c.Risk.MaxPriceAge <= 0 {
		return fmt.Errorf("%w: risk.max_price_age must be positive", ErrInvalidConfig)
	}
	if c.Redis.URL != "" && c.Redis.TTL <= 0 {
		return fmt.Errorf("%w: redis.ttl must be positive", ErrInvalidConfig)
	}
	if c.Oracle.RefreshAttempts < 1 {
		return fmt.Errorf("%w: oracle.refresh_attempts must be at least 1", ErrInvalidConfig)
	}
	if c.Oracle.RefreshPerSecond < 0 {
		return fmt.Errorf("%w: oracle.refresh_per_second is negative", ErrInvalidConfig)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("%w: logging.format %q", ErrInvalidConfig, c.Logging.Format)
	}

	policy, err := c.Policy()
	if err != nil {
		return err
	}
	if err := policy.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	maxUtil, err := c.MaxUtilizationWAD()
	if err != nil {
		return err
	}
	if maxUtil.IsZero() || maxUtil.Gt(fixedpoint.WAD()) {
		return fmt.Errorf("%w: caps.max_utilization %s not in (0, 1]", ErrInvalidConfig, c.Caps.MaxUtilization)
	}
	return nil
}

// Policy converts the risk ratios to a WAD liquidation policy.
func (c *Config) Policy() (liquidation.Policy, error) {
	var p liquidation.Policy
	cf, err := parseRatio("risk.close_factor", c.Risk.CloseFactor)
	if err != nil {
		return p, err
	}
	inc, err := parseRatio("risk.liquidation_incentive", c.Risk.LiquidationIncentive)
	if err != nil {
		return p, err
	}
	p.CloseFactor.Set(cf)
	p.Incentive.Set(inc)
	return p, nil
}

// MaxUtilizationWAD returns caps.max_utilization in WAD.
func (c *Config) MaxUtilizationWAD() (*uint256.Int, error) {
	return parseRatio("caps.max_utilization", c.Caps.MaxUtilization)
}

func parseRatio(key, s string) (*uint256.Int, error) {
	v, err := fixedpoint.ParseWAD(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %s %q: %w", ErrInvalidConfig, key, s, err)
	}
	return v, nil
}
