// Package config loads service configuration from a TOML file with
// environment overrides. Environment always wins so deployments can keep one
// base file per environment and inject secrets separately.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the full runtime configuration for the escrow service.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	Environment   string `toml:"Environment"`

	DatabaseURL string `toml:"DatabaseURL"`

	SettlementRPCURL  string `toml:"SettlementRPCURL"`
	SettlementRPCAuth string `toml:"SettlementRPCAuth"`
	CustodyWallet     string `toml:"CustodyWallet"`

	VaultSecret string `toml:"VaultSecret"`
	JWTSecret   string `toml:"JWTSecret"`
	OpsSecret   string `toml:"OpsSecret"`

	RedisURL string `toml:"RedisURL"`

	EscrowTTLHours       int  `toml:"EscrowTTLHours"`
	SweepIntervalMinutes int  `toml:"SweepIntervalMinutes"`
	SweepEnabled         bool `toml:"SweepEnabled"`

	LogFile       string `toml:"LogFile"`
	LogMaxSizeMB  int    `toml:"LogMaxSizeMB"`
	LogMaxBackups int    `toml:"LogMaxBackups"`
}

// Load reads the TOML file at path (when it exists) and applies environment
// overrides. A missing file is not an error; env-only deployments are
// supported.
func Load(path string) (*Config, error) {
	cfg := defaults()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("config: decode %s: %w", path, err)
			}
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		ListenAddress:        ":8080",
		Environment:          "dev",
		EscrowTTLHours:       24,
		SweepIntervalMinutes: 5,
		SweepEnabled:         true,
		LogMaxSizeMB:         100,
		LogMaxBackups:        5,
	}
}

func (c *Config) applyEnv() {
	setString(&c.ListenAddress, "AGORA_LISTEN_ADDRESS")
	setString(&c.Environment, "AGORA_ENV")
	setString(&c.DatabaseURL, "AGORA_DB_URL")
	setString(&c.SettlementRPCURL, "AGORA_SETTLEMENT_RPC_URL")
	setString(&c.SettlementRPCAuth, "AGORA_SETTLEMENT_RPC_AUTH")
	setString(&c.CustodyWallet, "AGORA_CUSTODY_WALLET")
	setString(&c.VaultSecret, "AGORA_VAULT_SECRET")
	setString(&c.JWTSecret, "AGORA_JWT_SECRET")
	setString(&c.OpsSecret, "AGORA_OPS_SECRET")
	setString(&c.RedisURL, "AGORA_REDIS_URL")
	setString(&c.LogFile, "AGORA_LOG_FILE")
	setInt(&c.EscrowTTLHours, "AGORA_ESCROW_TTL_HOURS")
	setInt(&c.SweepIntervalMinutes, "AGORA_SWEEP_INTERVAL_MINUTES")
	setBool(&c.SweepEnabled, "AGORA_SWEEP_ENABLED")
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("config: DatabaseURL (AGORA_DB_URL) is required")
	}
	if strings.TrimSpace(c.SettlementRPCURL) == "" {
		return fmt.Errorf("config: SettlementRPCURL (AGORA_SETTLEMENT_RPC_URL) is required")
	}
	if strings.TrimSpace(c.CustodyWallet) == "" {
		return fmt.Errorf("config: CustodyWallet (AGORA_CUSTODY_WALLET) is required")
	}
	if strings.TrimSpace(c.VaultSecret) == "" {
		return fmt.Errorf("config: VaultSecret (AGORA_VAULT_SECRET) is required")
	}
	if c.EscrowTTLHours <= 0 {
		return fmt.Errorf("config: EscrowTTLHours must be positive")
	}
	if c.SweepIntervalMinutes <= 0 {
		return fmt.Errorf("config: SweepIntervalMinutes must be positive")
	}
	return nil
}

// EscrowTTL returns the default escrow lifetime.
func (c *Config) EscrowTTL() time.Duration {
	return time.Duration(c.EscrowTTLHours) * time.Hour
}

// SweepInterval returns the sweeper cadence.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMinutes) * time.Minute
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*dst = parsed
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			*dst = parsed
		}
	}
}
