package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearConfigEnv zera as variáveis lidas por applyEnv; vazio equivale a ausente.
func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"SERVICE_NAME", "PORT", "APP_ENV", "STORE_DRIVER", "DATABASE_URL", "MONGO_URI", "MONGO_DATABASE",
		"LEDGER_BACKEND", "LEDGER_DATA_DIR", "LEDGER_GATEWAY_URL", "LEDGER_GATEWAY_API_KEY", "LEDGER_SIGNER",
		"REDIS_ADDR", "REDIS_PASSWORD", "ORDERS_SERVICE_URL", "AUTH_SERVICE_URL", "IPFS_API_URL",
		"DTM_SERVER", "SERVICE_URL", "LEDGER_BLOCK_INTERVAL", "LEDGER_CONFIRM_TIMEOUT",
		"REDEMPTION_TIMEOUT", "ORPHAN_CLAIM_AGE", "LEDGER_CONFIRMATIONS",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadConfig_DefaultsWithoutFile(t *testing.T) {
	clearConfigEnv(t)

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))

	require.NoError(t, err)
	if diff := cmp.Diff(defaultConfig(), cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadConfig_FileThenEnv(t *testing.T) {
	// Arrange
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
service:
  name: reviews-eu
  port: "9090"
store:
  driver: postgres
  postgres_dsn: postgres://root:pass@db:5432/sdc?sslmode=disable
ledger:
  backend: gateway
  gateway_url: http://gateway:8545
  confirmations: 3
  confirm_timeout: 45s
redemption:
  timeout: 3m
reconciler:
  orphan_claim_age: 15m
  retry_schedule: "*/10 * * * * *"
`), 0o600))
	clearConfigEnv(t)
	t.Setenv("PORT", "7070")
	t.Setenv("LEDGER_CONFIRMATIONS", "6")
	t.Setenv("REDIS_ADDR", "redis:6379")

	// Act
	cfg, err := LoadConfig(path)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "reviews-eu", cfg.Service.Name)
	assert.Equal(t, "7070", cfg.Service.Port)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "gateway", cfg.Ledger.Backend)
	assert.Equal(t, uint64(6), cfg.Ledger.Confirmations)
	assert.Equal(t, 45*time.Second, cfg.Ledger.ConfirmTimeout)
	assert.Equal(t, 3*time.Minute, cfg.Redemption.Timeout)
	assert.Equal(t, 15*time.Minute, cfg.Reconciler.OrphanClaimAge)
	assert.Equal(t, "*/10 * * * * *", cfg.Reconciler.RetrySchedule)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	// campos ausentes do arquivo mantêm o padrão
	assert.Equal(t, "30 */5 * * * *", cfg.Reconciler.OrphanSchedule)
	assert.Equal(t, 5*time.Second, cfg.Orders.Timeout)
}

func TestLoadConfig_InvalidEnvDuration(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("REDEMPTION_TIMEOUT", "soon")

	_, err := LoadConfig("")

	assert.ErrorContains(t, err, "REDEMPTION_TIMEOUT")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = "postgres" }, "postgres_dsn"},
		{"mongo without uri", func(c *Config) { c.Store.Driver = "mongo" }, "mongo_uri"},
		{"unknown driver", func(c *Config) { c.Store.Driver = "sqlite" }, "unknown store driver"},
		{"gateway without url", func(c *Config) { c.Ledger.Backend = "gateway" }, "gateway_url"},
		{"zero confirmations", func(c *Config) { c.Ledger.Confirmations = 0 }, "confirmations"},
		{"redemption shorter than confirmation", func(c *Config) { c.Redemption.Timeout = 10 * time.Second }, "redemption.timeout"},
		{"orphan age shorter than redemption", func(c *Config) { c.Reconciler.OrphanClaimAge = time.Minute }, "orphan_claim_age"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()

			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestNewReconciliationCron_RejectsBadSchedule(t *testing.T) {
	cfg := defaultConfig()
	cfg.Reconciler.OrphanSchedule = "every five minutes"

	_, err := NewReconciliationCron(nil, cfg)

	assert.ErrorContains(t, err, "release_orphaned_claims")
}

func TestNewReconciliationCron_RegistersJobs(t *testing.T) {
	cfg := defaultConfig()
	cfg.Reconciler.ReconcileSchedule = ""

	c, err := NewReconciliationCron(nil, cfg)

	require.NoError(t, err)
	assert.Len(t, c.Entries(), 2)
}
