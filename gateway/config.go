package gateway

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config is the gateway configuration, read from the environment.
type Config struct {
	Port           int    `env:"GATEWAY_PORT" envDefault:"8090"`
	MetricsPort    int    `env:"METRICS_PORT" envDefault:"9101"`
	LogLevel       string `env:"LOG_LEVEL" envDefault:"info"`
	AuthToken      string `env:"GATEWAY_AUTH_TOKEN"`
	AllowedOrigins string `env:"ALLOWED_ORIGINS" envDefault:"http://localhost:3000"`

	NodeURL       string `env:"NODE_RPC_URL" envDefault:"http://localhost:8545"`
	NodeAuthToken string `env:"NODE_RPC_TOKEN"`
	ChainID       string `env:"CHAIN_ID,required"`
	TxFee         uint64 `env:"TX_FEE" envDefault:"1"`

	PlayerKeystore  string `env:"PLAYER_KEYSTORE,required"`
	PlayerPassword  string `env:"PLAYER_PASSWORD"`
	SponsorKeystore string `env:"SPONSOR_KEYSTORE"`
	SponsorPassword string `env:"SPONSOR_PASSWORD"`
	Sponsored       bool   `env:"SPONSORED" envDefault:"true"`

	SettlementTimeout time.Duration `env:"SETTLEMENT_TIMEOUT" envDefault:"60s"`
	RecheckDelay      time.Duration `env:"RECHECK_DELAY" envDefault:"10s"`
	PollInterval      time.Duration `env:"RECEIPT_POLL_INTERVAL" envDefault:"500ms"`
	KeeperInterval    time.Duration `env:"KEEPER_INTERVAL" envDefault:"1h"`
	OpTTL             time.Duration `env:"OP_TTL" envDefault:"1h"`

	// An empty RedisAddr disables the profile cache.
	RedisAddr       string        `env:"REDIS_ADDR"`
	RedisPassword   string        `env:"REDIS_PASSWORD"`
	RedisMaxRetries uint64        `env:"REDIS_MAX_RETRIES" envDefault:"5"`
	ProfileTTL      time.Duration `env:"PROFILE_TTL" envDefault:"720h"`
}

// LoadConfig reads a .env file when present, then the environment.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logrus.Debugf("no .env file loaded: %v", err)
	} else {
		logrus.Info("loaded environment from .env")
	}
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config from environment: %w", err)
	}
	return cfg, nil
}

// Validate checks ranges the environment parser cannot.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid GATEWAY_PORT: %d", c.Port)
	}
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("invalid METRICS_PORT: %d", c.MetricsPort)
	}
	if c.SettlementTimeout <= 0 {
		return fmt.Errorf("SETTLEMENT_TIMEOUT must be positive")
	}
	if c.OpTTL < 0 {
		return fmt.Errorf("OP_TTL must not be negative")
	}
	if c.KeeperInterval < time.Minute {
		return fmt.Errorf("KEEPER_INTERVAL must be at least 1m, got %s", c.KeeperInterval)
	}
	if c.SponsorKeystore == "" && c.Sponsored {
		logrus.Warn("SPONSORED is set without SPONSOR_KEYSTORE; sponsored submissions will be refused")
	}
	return nil
}
