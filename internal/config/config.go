package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/punchamoorthee/settleops/internal/escrow"
	"github.com/punchamoorthee/settleops/internal/keeper"
	"github.com/punchamoorthee/settleops/internal/pool"
)

type Config struct {
	Server struct {
		Port string `yaml:"port" env:"SERVER_PORT"`
		Env  string `yaml:"environment" env:"ENVIRONMENT"`
	} `yaml:"server"`
	Database struct {
		// Source is a Postgres DSN. Empty keeps custody in memory.
		Source string `yaml:"source" env:"DB_SOURCE"`
	} `yaml:"database"`
	Admin  string       `yaml:"admin" env:"SETTLE_ADMIN"`
	Escrow EscrowConfig `yaml:"escrow" envPrefix:"SETTLE_ESCROW_"`
	Pool   PoolConfig   `yaml:"pool" envPrefix:"SETTLE_POOL_"`
	Keeper struct {
		Enabled  *bool  `yaml:"enabled" env:"SETTLE_KEEPER_ENABLED"`
		Schedule string `yaml:"schedule" env:"SETTLE_KEEPER_SCHEDULE"`
	} `yaml:"keeper"`
	Audit struct {
		SQLitePath   string   `yaml:"sqlite_path" env:"SETTLE_AUDIT_SQLITE_PATH"`
		KafkaBrokers []string `yaml:"kafka_brokers" env:"SETTLE_KAFKA_BROKERS" envSeparator:","`
		KafkaTopic   string   `yaml:"kafka_topic" env:"SETTLE_KAFKA_TOPIC"`
	} `yaml:"audit"`
	Log struct {
		Level  string `yaml:"level" env:"LOG_LEVEL"`
		Format string `yaml:"format" env:"LOG_FORMAT"`
	} `yaml:"log"`
}

type EscrowConfig struct {
	FeeBps       *uint32  `yaml:"fee_bps" env:"FEE_BPS"`
	FeeRecipient string   `yaml:"fee_recipient" env:"FEE_RECIPIENT"`
	Mediators    []string `yaml:"mediators" env:"MEDIATORS" envSeparator:","`
}

type PoolConfig struct {
	FeeBps       *uint32 `yaml:"fee_bps" env:"FEE_BPS"`
	FeeRecipient string  `yaml:"fee_recipient" env:"FEE_RECIPIENT"`
}

// Load reads the YAML file at path when it exists, applies environment
// overrides and fills defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.Env == "" {
		c.Server.Env = "development"
	}
	if c.Escrow.FeeBps == nil {
		bps := uint32(escrow.DefaultFeeBps)
		c.Escrow.FeeBps = &bps
	}
	if c.Pool.FeeBps == nil {
		bps := uint32(pool.DefaultFeeBps)
		c.Pool.FeeBps = &bps
	}
	if c.Escrow.FeeRecipient == "" {
		c.Escrow.FeeRecipient = c.Admin
	}
	if c.Pool.FeeRecipient == "" {
		c.Pool.FeeRecipient = c.Admin
	}
	if c.Keeper.Enabled == nil {
		on := true
		c.Keeper.Enabled = &on
	}
	if c.Keeper.Schedule == "" {
		c.Keeper.Schedule = keeper.DefaultSchedule
	}
	if c.Audit.KafkaTopic == "" {
		c.Audit.KafkaTopic = "settleops.audit"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
		if c.Server.Env == "development" {
			c.Log.Format = "text"
		}
	}
}

// Validate checks that all required fields are set and consistent.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Admin) == "" {
		errs = append(errs, errors.New("admin is required"))
	}
	if n, err := strconv.Atoi(c.Server.Port); err != nil || n <= 0 || n > 65535 {
		errs = append(errs, fmt.Errorf("server.port %q is not a valid port", c.Server.Port))
	}
	if c.Escrow.FeeBps != nil && *c.Escrow.FeeBps > escrow.MaxFeeBps {
		errs = append(errs, fmt.Errorf("escrow.fee_bps %d exceeds %d", *c.Escrow.FeeBps, escrow.MaxFeeBps))
	}
	if c.Pool.FeeBps != nil && *c.Pool.FeeBps > pool.MaxFeeBps {
		errs = append(errs, fmt.Errorf("pool.fee_bps %d exceeds %d", *c.Pool.FeeBps, pool.MaxFeeBps))
	}
	if len(c.Audit.KafkaBrokers) > 0 && c.Audit.KafkaTopic == "" {
		errs = append(errs, errors.New("audit.kafka_topic is required with kafka brokers"))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Errorf("log.format %q must be json or text", c.Log.Format))
	}
	return errors.Join(errs...)
}

// SlogLevel parses Log.Level.
func (c *Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", c.Log.Level, err)
	}
	return lvl, nil
}

// KeeperEnabled reports whether the collection keeper should run.
func (c *Config) KeeperEnabled() bool {
	return c.Keeper.Enabled == nil || *c.Keeper.Enabled
}
