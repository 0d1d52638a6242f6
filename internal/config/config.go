// Package config loads the daemon configuration: a YAML file with
// TALOS_-prefixed environment overrides, in the viper way. Every knob
// has a default, so an empty file plus a database URL is a valid
// deployment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full talosd configuration.
type Config struct {
	DatabaseURL string `mapstructure:"database_url"`

	HTTP struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"http"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	Worker struct {
		// Count is the job concurrency. Negative selects one per CPU.
		Count      int           `mapstructure:"count"`
		JobTimeout time.Duration `mapstructure:"job_timeout"`
	} `mapstructure:"worker"`

	Agents struct {
		BaseURL string        `mapstructure:"base_url"`
		APIKey  string        `mapstructure:"api_key"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"agents"`

	Documents struct {
		BaseURL string        `mapstructure:"base_url"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"documents"`

	Prices struct {
		BaseURL string        `mapstructure:"base_url"`
		APIKey  string        `mapstructure:"api_key"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"prices"`

	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
		Queue    string `mapstructure:"queue"`
	} `mapstructure:"redis"`

	Params struct {
		// Regime and Anomaly point at optional YAML overrides for the
		// model parameters. Empty uses the built-in defaults.
		Regime  string `mapstructure:"regime"`
		Anomaly string `mapstructure:"anomaly"`
	} `mapstructure:"params"`

	Scan struct {
		// Enabled turns on the recurring price_watch_scan schedule.
		Enabled    bool          `mapstructure:"enabled"`
		Every      time.Duration `mapstructure:"every"`
		OrgID      string        `mapstructure:"org_id"`
		RunOnStart bool          `mapstructure:"run_on_start"`
		// Watches is the scan input: one vendor/product pair per entry,
		// "vendorId/productId[:annualVolume]".
		Watches []string `mapstructure:"watches"`
	} `mapstructure:"scan"`
}

// Load reads the configuration. path names an explicit file; empty
// searches config.yaml in the working directory and /etc/talosd.
// Environment variables override file values with a TALOS_ prefix and
// underscores for nesting (TALOS_HTTP_ADDR, TALOS_REDIS_ADDR).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/talosd")
	}

	v.SetEnvPrefix("TALOS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine when not named explicitly; env and
		// defaults carry the rest.
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("worker.count", -1)
	v.SetDefault("worker.job_timeout", 30*time.Minute)
	v.SetDefault("agents.timeout", 2*time.Minute)
	v.SetDefault("documents.timeout", 30*time.Second)
	v.SetDefault("prices.timeout", 1*time.Minute)
	v.SetDefault("redis.queue", "talos:notifications")
	v.SetDefault("scan.every", 24*time.Hour)
}

// Validate reports configuration a process cannot start with.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("config: database_url is required")
	}
	if c.Scan.Enabled {
		if c.Scan.Every <= 0 {
			return errors.New("config: scan.every must be positive")
		}
		if len(c.Scan.Watches) == 0 {
			return errors.New("config: scan enabled with no watches")
		}
	}
	return nil
}
