// Package config provides configuration management for the deposit custody service.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Chains    ChainsConfig
	Tron      TronConfig
	Custody   CustodyConfig
	Jobs      JobsConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port string
	Host string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres PostgresConfig
	Redis    RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	SSLMode        string
	MaxConnections int
}

// URL returns the connection URL used by pgx and golang-migrate.
func (p PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Database, p.SSLMode)
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// ChainsConfig holds EVM chain configuration
type ChainsConfig struct {
	Enabled []string
	Chains  map[string]ChainConfig
}

// ChainConfig holds configuration for a specific EVM chain
type ChainConfig struct {
	RPCPrimary     string
	RPCSecondary   string
	ScanWindow     uint64 // number of recent blocks inspected per scan
	RequestTimeout time.Duration
}

// TronConfig holds Tron endpoints. The gRPC node is tried before the HTTP APIs.
type TronConfig struct {
	Enabled        bool
	GRPCURL        string
	HTTPURL        string
	APIKey         string
	RequestTimeout time.Duration
}

// CustodyConfig holds key material. ENCRYPTION_KEY protects every custodial
// private key at rest; whoever holds it can move user funds.
type CustodyConfig struct {
	EncryptionKey        string
	MasterPrivateKeyEVM  string
	MasterPrivateKeyTron string
	CronSecret           string
}

// JobsConfig holds reconciliation and sweep settings
type JobsConfig struct {
	ReconcileSchedule string
	SweepSchedule     string
	JobTimeout        time.Duration
	MinDepositUSD     float64 // transfers worth less are never credited
	SweepDustUSD      float64 // balances at or below are not swept
	MinWithdrawalUSD  float64
	GasTopUpEVM       string  // native coin amount sent to a deposit wallet lacking gas
	GasTopUpTRX       float64 // TRX sent to a Tron deposit wallet lacking energy/bandwidth
	FundingMarkerTTL  time.Duration
	SweepBackoff      time.Duration
	SweepConfirmWait  time.Duration // how long a Tron sweep is awaited before its baseline is lowered
	PriceCacheTTL     time.Duration
}

// AuthConfig holds bearer token verification settings
type AuthConfig struct {
	JWTSecret string
}

// RateLimitConfig holds API rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "custody"),
				User:           getEnv("POSTGRES_USER", "custody"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				SSLMode:        getEnv("POSTGRES_SSLMODE", "disable"),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 50),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
			},
		},
		Tron: TronConfig{
			Enabled:        getEnvAsBool("TRON_ENABLED", true),
			GRPCURL:        getEnv("TRON_GRPC_URL", "grpc.trongrid.io:50051"),
			HTTPURL:        getEnv("TRON_HTTP_URL", "https://api.trongrid.io"),
			APIKey:         getEnv("TRON_PRO_API_KEY", ""),
			RequestTimeout: getEnvAsDuration("TRON_REQUEST_TIMEOUT", 15*time.Second),
		},
		Custody: CustodyConfig{
			EncryptionKey:        getEnv("ENCRYPTION_KEY", ""),
			MasterPrivateKeyEVM:  getEnv("MASTER_PRIVATE_KEY_EVM", ""),
			MasterPrivateKeyTron: getEnv("MASTER_PRIVATE_KEY_TRON", ""),
			CronSecret:           getEnv("CRON_SECRET", ""),
		},
		Jobs: JobsConfig{
			ReconcileSchedule: getEnv("RECONCILE_SCHEDULE", "@every 2m"),
			SweepSchedule:     getEnv("SWEEP_SCHEDULE", "@hourly"),
			JobTimeout:        getEnvAsDuration("JOB_TIMEOUT", 10*time.Minute),
			MinDepositUSD:     getEnvAsFloat("MIN_DEPOSIT_USD", 0.01),
			SweepDustUSD:      getEnvAsFloat("SWEEP_DUST_USD", 0.01),
			MinWithdrawalUSD:  getEnvAsFloat("MIN_WITHDRAWAL_USD", 10),
			GasTopUpEVM:       getEnv("GAS_TOPUP_EVM", "0.0005"),
			GasTopUpTRX:       getEnvAsFloat("GAS_TOPUP_TRX", 15),
			FundingMarkerTTL:  getEnvAsDuration("FUNDING_MARKER_TTL", 30*time.Minute),
			SweepBackoff:      getEnvAsDuration("SWEEP_BACKOFF", 2*time.Second),
			SweepConfirmWait:  getEnvAsDuration("SWEEP_CONFIRM_WAIT", time.Minute),
			PriceCacheTTL:     getEnvAsDuration("PRICE_CACHE_TTL", 5*time.Minute),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvAsFloat("RATE_LIMIT_RPS", 10),
			Burst:             getEnvAsInt("RATE_LIMIT_BURST", 20),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	config.Chains = loadChainConfigs()

	return config, nil
}

// Validate reports configuration that would make the service unsafe to start.
func (c *Config) Validate() error {
	var missing []string
	if len(c.Custody.EncryptionKey) < 32 {
		missing = append(missing, "ENCRYPTION_KEY (at least 32 characters)")
	}
	if c.Custody.CronSecret == "" {
		missing = append(missing, "CRON_SECRET")
	}
	if c.Auth.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

// loadChainConfigs loads EVM chain configurations
func loadChainConfigs() ChainsConfig {
	enabledChains := strings.Split(getEnv("ENABLED_CHAINS", "ethereum,bsc"), ",")

	enabled := make([]string, 0, len(enabledChains))
	chains := make(map[string]ChainConfig)
	for _, chain := range enabledChains {
		chain = strings.TrimSpace(chain)
		if chain == "" {
			continue
		}
		enabled = append(enabled, chain)

		prefix := strings.ToUpper(chain)
		chains[chain] = ChainConfig{
			RPCPrimary:     getEnv(prefix+"_RPC_PRIMARY", ""),
			RPCSecondary:   getEnv(prefix+"_RPC_SECONDARY", ""),
			ScanWindow:     uint64(getEnvAsInt(prefix+"_SCAN_WINDOW", 20)),
			RequestTimeout: getEnvAsDuration(prefix+"_REQUEST_TIMEOUT", 15*time.Second),
		}
	}

	return ChainsConfig{
		Enabled: enabled,
		Chains:  chains,
	}
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
