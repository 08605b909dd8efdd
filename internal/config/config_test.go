package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("POSTGRES_HOST", "testhost")
	t.Setenv("FUNDING_MARKER_TTL", "45m")
	t.Setenv("SWEEP_CONFIRM_WAIT", "90s")
	t.Setenv("MIN_WITHDRAWAL_USD", "25")
	t.Setenv("ENABLED_CHAINS", "ethereum, bsc ,")
	t.Setenv("BSC_RPC_PRIMARY", "https://bsc-dataseed.binance.org")
	t.Setenv("BSC_SCAN_WINDOW", "40")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "testhost", cfg.Database.Postgres.Host)
	assert.Equal(t, 45*time.Minute, cfg.Jobs.FundingMarkerTTL)
	assert.Equal(t, 90*time.Second, cfg.Jobs.SweepConfirmWait)
	assert.Equal(t, 25.0, cfg.Jobs.MinWithdrawalUSD)
	assert.Equal(t, 0.01, cfg.Jobs.MinDepositUSD)

	assert.Equal(t, []string{"ethereum", "bsc"}, cfg.Chains.Enabled)
	assert.Equal(t, "https://bsc-dataseed.binance.org", cfg.Chains.Chains["bsc"].RPCPrimary)
	assert.Equal(t, uint64(40), cfg.Chains.Chains["bsc"].ScanWindow)
	assert.Equal(t, uint64(20), cfg.Chains.Chains["ethereum"].ScanWindow)
}

func TestConfig_Validate(t *testing.T) {
	cfg := &Config{}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ENCRYPTION_KEY")
	assert.Contains(t, err.Error(), "CRON_SECRET")

	cfg.Custody.EncryptionKey = "0123456789abcdef0123456789abcdef"
	cfg.Custody.CronSecret = "cron"
	cfg.Auth.JWTSecret = "jwt"
	assert.NoError(t, cfg.Validate())
}

func TestPostgresConfig_URL(t *testing.T) {
	p := PostgresConfig{Host: "db", Port: "5432", Database: "custody", User: "u", Password: "p", SSLMode: "disable"}
	assert.Equal(t, "postgres://u:p@db:5432/custody?sslmode=disable", p.URL())
}

func TestGetEnvHelpers(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		wantInt  int
		wantF    float64
		wantBool bool
	}{
		{"unset uses defaults", "", 7, 1.5, true},
		{"garbage uses defaults", "abc", 7, 1.5, true},
		{"numeric", "3", 3, 3, true},
		{"false", "false", 7, 1.5, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CFG_TEST_VALUE", tt.envValue)
			assert.Equal(t, tt.wantInt, getEnvAsInt("CFG_TEST_VALUE", 7))
			assert.Equal(t, tt.wantF, getEnvAsFloat("CFG_TEST_VALUE", 1.5))
			assert.Equal(t, tt.wantBool, getEnvAsBool("CFG_TEST_VALUE", true))
		})
	}
}
