package config

import (
	"fmt"
	"testing"
	"time"

	"github.com/freelancesl/escrow-pay/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "file:config-test?mode=memory&cache=shared")
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("JWT_SECRET", "jwt")
	t.Setenv("CALLBACK_SECRET", "cb")
}

func TestLoadConfig_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "10", cfg.PlatformFeePercentage.String())
	assert.Equal(t, 10*time.Second, cfg.InitiateTimeout)
	assert.Equal(t, "mock", cfg.DefaultProvider)
	assert.Equal(t, ProviderKindMock, cfg.Providers["mock"].Kind)
}

func TestLoadConfig_ProviderCredentials(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PAYMENT_PROVIDERS", "orange, africell")
	t.Setenv("DEFAULT_PROVIDER", "orange")
	t.Setenv("ORANGE_API_URL", "https://api.orange.test")
	t.Setenv("ORANGE_API_KEY", "secret")
	t.Setenv("ORANGE_MERCHANT_ID", "m-1")
	t.Setenv("AFRICELL_API_URL", "https://api.africell.test")
	t.Setenv("AFRICELL_API_KEY", "other")
	t.Setenv("INITIATE_TIMEOUT", "3s")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	require.Len(t, cfg.Providers, 2)
	orange := cfg.Providers["orange"]
	assert.Equal(t, ProviderKindMobileMoney, orange.Kind)
	assert.Equal(t, "https://api.orange.test", orange.APIURL)
	assert.Equal(t, "m-1", orange.MerchantID)
	assert.Equal(t, 3*time.Second, cfg.InitiateTimeout)
}

func TestLoadConfig_MissingProviderFailsFast(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PAYMENT_PROVIDERS", "qcell")
	t.Setenv("DEFAULT_PROVIDER", "qcell")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "QCELL_API_URL")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "Unknown default provider", mutate: func(c *Config) { c.DefaultProvider = "orange" }, wantErr: "default provider"},
		{name: "Missing JWT secret", mutate: func(c *Config) { c.JWTSecret = "" }, wantErr: "JWT_SECRET"},
		{name: "Zero outbox interval", mutate: func(c *Config) { c.OutboxInterval = 0 }, wantErr: "OUTBOX_INTERVAL"},
		{name: "Negative reconcile interval", mutate: func(c *Config) { c.ReconcileInterval = -time.Minute }, wantErr: "RECONCILE_INTERVAL"},
		{name: "Zero release timeout", mutate: func(c *Config) { c.ReleaseTimeout = 0 }, wantErr: "RELEASE_TIMEOUT"},
		{name: "Stellar without escrow", mutate: func(c *Config) {
			c.Providers["stellar"] = ProviderCredentials{ID: "stellar", Kind: ProviderKindStellar}
		}, wantErr: "STELLAR_ESCROW_ACCOUNT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			cfg, err := LoadConfig()
			require.NoError(t, err)

			tt.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestInitDB_SQLite(t *testing.T) {
	db, err := InitDB(&Config{DBDriver: "sqlite", DatabaseURL: "file:initdb-test?mode=memory&cache=shared"})
	require.NoError(t, err)

	assert.True(t, db.Migrator().HasTable("transactions"))
	assert.True(t, db.Migrator().HasTable("outbox_messages"))
	assert.True(t, db.Migrator().HasIndex("transactions", "idx_transactions_payer_status"))
}

type capturedLog struct{ lines []string }

func (c *capturedLog) Printf(format string, args ...interface{}) {
	c.lines = append(c.lines, fmt.Sprintf(format, args...))
}

func TestGormLogger_QuietOnRecordNotFound(t *testing.T) {
	out := &capturedLog{}
	db, err := gorm.Open(sqlite.Open("file:gormlog-test?mode=memory&cache=shared"), &gorm.Config{Logger: newGormLogger(out)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Job{}))

	var job models.Job
	err = db.First(&job, 42).Error
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
	assert.Empty(t, out.lines)

	require.Error(t, db.Exec("SELECT * FROM no_such_table").Error)
	assert.NotEmpty(t, out.lines)
}
