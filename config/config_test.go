package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, DriverSQLite, cfg.StoreDriver)
	assert.Equal(t, "INR", cfg.Currency)
	assert.Equal(t, int64(10000), cfg.MinWithdrawal)
	assert.Equal(t, 24*time.Hour, cfg.PendingTTL)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
}

func TestLoad_EnvOverridesFlags(t *testing.T) {
	// GIVEN: a flag and an env var for the same setting
	t.Setenv("RUN_ADDRESS", ":9090")
	t.Setenv("MIN_WITHDRAWAL_MINOR", "50000")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("STORE_DRIVER", "POSTGRES")

	// WHEN
	cfg, err := Load([]string{"-addr", ":7070", "-min-withdrawal", "20000"})

	// THEN: the environment wins
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, int64(50000), cfg.MinWithdrawal)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.Equal(t, DriverPostgres, cfg.StoreDriver)
}

func TestLoad_BadIntegerEnv(t *testing.T) {
	t.Setenv("MIN_WITHDRAWAL_MINOR", "ten")
	_, err := Load(nil)
	assert.ErrorContains(t, err, "MIN_WITHDRAWAL_MINOR")
}

func TestValidate(t *testing.T) {
	valid := Config{
		StoreDriver:          DriverSQLite,
		SQLitePath:           ":memory:",
		JWTSecret:            "x",
		GatewayKeyID:         "k",
		GatewayKeySecret:     "s",
		GatewayWebhookSecret: "w",
		Currency:             "INR",
		MinWithdrawal:        10000,
		MaxTopUp:             1,
	}
	require.NoError(t, valid.Validate())

	bad := valid
	bad.StoreDriver = "mysql"
	bad.JWTSecret = ""
	err := bad.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "unknown store driver")
	assert.ErrorContains(t, err, "JWT_SECRET")

	pg := valid
	pg.StoreDriver = DriverPostgres
	assert.ErrorContains(t, pg.Validate(), "DATABASE_URI")
}
