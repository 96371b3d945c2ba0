// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// Config holds all service settings.
type Config struct {
	Port      string
	Env       string // development, staging, production
	LogLevel  string
	LogFormat string // text or json

	// Storage. Empty DatabaseURL runs on in-memory stores.
	DatabaseURL string
	RedisURL    string

	// KafkaBrokers receives settlement events when set.
	KafkaBrokers []string
	KafkaTopic   string

	OTLPEndpoint string

	// HTTP edge.
	CORSOrigins     []string
	ReadsPerMinute  int
	WritesPerMinute int
	ShutdownDrain   time.Duration
	AdminSecret     string // guards /v1/admin

	// Chain. Without RPCURL and OperatorKey the simulated chain is used.
	RPCURL            string
	ChainID           int64
	OperatorKey       string
	BondTokenContract string

	ChainSubmitTimeout  time.Duration
	ChainSubmitAttempts int
	ReconcileInterval   time.Duration
	ReconcileAlertAfter time.Duration
}

const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "text"
	DefaultKafkaTopic          = "bond-market.settlements"
	DefaultChainID             = 84532
	DefaultChainSubmitTimeout  = 45 * time.Second
	DefaultChainSubmitAttempts = 3
	DefaultReconcileInterval   = time.Minute
	DefaultReconcileAlertAfter = 15 * time.Minute
	DefaultReadsPerMinute      = 600
	DefaultWritesPerMinute     = 60
	DefaultShutdownDrain       = 5 * time.Second
)

// Load reads the environment, loading a .env file first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisURL:            os.Getenv("REDIS_URL"),
		KafkaBrokers:        splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:          getEnv("KAFKA_TOPIC", DefaultKafkaTopic),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		CORSOrigins:         splitList(os.Getenv("CORS_ORIGINS")),
		ReadsPerMinute:      int(getEnvInt64("RATE_LIMIT_READS_PER_MINUTE", DefaultReadsPerMinute)),
		WritesPerMinute:     int(getEnvInt64("RATE_LIMIT_WRITES_PER_MINUTE", DefaultWritesPerMinute)),
		ShutdownDrain:       getEnvDuration("SHUTDOWN_DRAIN", DefaultShutdownDrain),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		RPCURL:              os.Getenv("RPC_URL"),
		ChainID:             getEnvInt64("CHAIN_ID", DefaultChainID),
		OperatorKey:         strings.TrimPrefix(os.Getenv("OPERATOR_PRIVATE_KEY"), "0x"),
		BondTokenContract:   os.Getenv("BOND_TOKEN_CONTRACT"),
		ChainSubmitTimeout:  getEnvDuration("CHAIN_SUBMIT_TIMEOUT", DefaultChainSubmitTimeout),
		ChainSubmitAttempts: int(getEnvInt64("CHAIN_SUBMIT_ATTEMPTS", DefaultChainSubmitAttempts)),
		ReconcileInterval:   getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		ReconcileAlertAfter: getEnvDuration("RECONCILE_ALERT_AFTER", DefaultReconcileAlertAfter),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field requirements.
func (c *Config) Validate() error {
	if c.UsesRealChain() {
		if len(c.OperatorKey) != 64 {
			return fmt.Errorf("OPERATOR_PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
		if !common.IsHexAddress(c.BondTokenContract) {
			return fmt.Errorf("BOND_TOKEN_CONTRACT must be a hex address when RPC_URL is set")
		}
	} else if c.IsProduction() {
		return fmt.Errorf("RPC_URL and OPERATOR_PRIVATE_KEY are required in production")
	}
	if c.ChainSubmitTimeout <= 0 {
		return fmt.Errorf("CHAIN_SUBMIT_TIMEOUT must be positive")
	}
	if c.ChainSubmitAttempts < 1 {
		return fmt.Errorf("CHAIN_SUBMIT_ATTEMPTS must be at least 1")
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must be positive")
	}
	return nil
}

// UsesRealChain reports whether a chain endpoint and operator key are set.
func (c *Config) UsesRealChain() bool {
	return c.RPCURL != "" && c.OperatorKey != ""
}

func (c *Config) IsDevelopment() bool { return c.Env == "development" }
func (c *Config) IsProduction() bool  { return c.Env == "production" }

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
