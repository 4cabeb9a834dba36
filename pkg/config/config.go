// Package config loads surebetd configuration from TOML and the
// environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/phenomenon0/surebet/pkg/eth"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

// Config is the daemon configuration.
type Config struct {
	General  GeneralConfig  `toml:"general"`
	Chain    ChainConfig    `toml:"chain"`
	Reader   ReaderConfig   `toml:"reader"`
	Dispatch DispatchConfig `toml:"dispatch"`
	Server   ServerConfig   `toml:"server"`
	Relay    RelayConfig    `toml:"relay"`
	Paper    PaperConfig    `toml:"paper"`
}

type GeneralConfig struct {
	Env         string `toml:"env" validate:"required"`
	LogLevel    string `toml:"log_level" validate:"omitempty,oneof=debug info warn error"`
	JournalPath string `toml:"journal_path"`
}

type ChainConfig struct {
	RPCURL          string `toml:"rpc_url" validate:"required_without=Paper"`
	ChainID         int64  `toml:"chain_id" validate:"gt=0"`
	ContractAddress string `toml:"contract_address" validate:"omitempty,eth_addr"`
	PrivateKey      string `toml:"private_key"`
	Account         string `toml:"account" validate:"omitempty,eth_addr"`
	Paper           bool   `toml:"-"`
}

type ReaderConfig struct {
	RateLimit      float64  `toml:"rate_limit" validate:"gt=0"`
	Burst          int      `toml:"burst" validate:"gt=0"`
	CallTimeout    Duration `toml:"call_timeout"`
	Concurrency    int      `toml:"concurrency" validate:"gt=0,lte=64"`
	RefreshEvery   Duration `toml:"refresh_every"`
	ReceiptTimeout Duration `toml:"receipt_timeout"`
}

type DispatchConfig struct {
	ErrorDismissDelay Duration `toml:"error_dismiss_delay"`
	FeeBasisPoints    uint64   `toml:"fee_basis_points" validate:"lte=10000"`
}

type ServerConfig struct {
	Addr           string   `toml:"addr" validate:"required"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

type RelayConfig struct {
	RedisAddr    string   `toml:"redis_addr"`
	RedisChannel string   `toml:"redis_channel"`
	SnapshotTTL  Duration `toml:"snapshot_ttl"`
	KafkaBrokers []string `toml:"kafka_brokers"`
	KafkaTopic   string   `toml:"kafka_topic"`
}

type PaperConfig struct {
	Enabled bool `toml:"enabled"`
	// Seed creates a few demo bets on startup.
	Seed bool `toml:"seed"`
}

// Duration wraps time.Duration for TOML unmarshaling.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the configuration for the Mantle Sepolia deployment.
func Default() *Config {
	return &Config{
		General: GeneralConfig{
			Env:         "local",
			LogLevel:    "info",
			JournalPath: "./data/surebet.db",
		},
		Chain: ChainConfig{
			RPCURL:  eth.DefaultRPCURL,
			ChainID: eth.DefaultChainID,
		},
		Reader: ReaderConfig{
			RateLimit:      20,
			Burst:          10,
			CallTimeout:    Duration{10 * time.Second},
			Concurrency:    8,
			RefreshEvery:   Duration{30 * time.Second},
			ReceiptTimeout: Duration{2 * time.Minute},
		},
		Dispatch: DispatchConfig{
			ErrorDismissDelay: Duration{5 * time.Second},
			FeeBasisPoints:    300,
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
		Relay: RelayConfig{
			SnapshotTTL: Duration{10 * time.Minute},
			KafkaTopic:  "surebet.actions",
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from SUREBET_* environment variables.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}

	set := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set("SUREBET_ENV", &c.General.Env)
	set("SUREBET_LOG_LEVEL", &c.General.LogLevel)
	set("SUREBET_JOURNAL_PATH", &c.General.JournalPath)
	set("SUREBET_RPC_URL", &c.Chain.RPCURL)
	set("SUREBET_CONTRACT_ADDRESS", &c.Chain.ContractAddress)
	set("SUREBET_PRIVATE_KEY", &c.Chain.PrivateKey)
	set("SUREBET_ACCOUNT", &c.Chain.Account)
	set("SUREBET_ADDR", &c.Server.Addr)
	set("SUREBET_REDIS_ADDR", &c.Relay.RedisAddr)

	if v := getenv("SUREBET_CHAIN_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("SUREBET_CHAIN_ID: %w", err)
		}
		c.Chain.ChainID = id
	}
	if v := getenv("SUREBET_KAFKA_BROKERS"); v != "" {
		c.Relay.KafkaBrokers = strings.Split(v, ",")
	}
	if v := getenv("SUREBET_PAPER"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("SUREBET_PAPER: %w", err)
		}
		c.Paper.Enabled = b
	}
	return nil
}

var validate = validator.New()

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	c.Chain.Paper = c.Paper.Enabled
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if !c.Paper.Enabled && c.Chain.ContractAddress == "" {
		return fmt.Errorf("invalid config: chain.contract_address is required unless paper mode is enabled")
	}
	if c.Chain.PrivateKey != "" && c.Chain.Account != "" {
		return fmt.Errorf("invalid config: set chain.private_key or chain.account, not both")
	}
	return nil
}
