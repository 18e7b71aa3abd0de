package database

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/dlgate/app/models"
)

func TestConfigDSN(t *testing.T) {
	mysqlCfg := Config{Driver: DriverMySQL, User: "dl", Password: "pw", Host: "db", Port: "3306", Name: "dlgate"}
	assert.Equal(t, "dl:pw@tcp(db:3306)/dlgate?charset=utf8mb4&parseTime=True&loc=UTC", mysqlCfg.DSN())

	pgCfg := Config{Driver: DriverPostgres, User: "dl", Password: "pw", Host: "db", Port: "5432", Name: "dlgate"}
	assert.Contains(t, pgCfg.DSN(), "host=db")
	assert.Contains(t, pgCfg.DSN(), "dbname=dlgate")

	liteCfg := Config{Driver: DriverSQLite, Name: "/tmp/x.db"}
	assert.Equal(t, "/tmp/x.db", liteCfg.DSN())
}

func TestOpenSQLiteMigratesTables(t *testing.T) {
	db, err := Open(Config{
		Driver:       DriverSQLite,
		Name:         filepath.Join(t.TempDir(), "setup.db"),
		MaxOpenConns: 1,
		MaxRetries:   1,
		Silent:       true,
	}, zerolog.Nop())
	require.NoError(t, err)

	for _, model := range []any{&models.Subscriber{}, &models.UsageRecord{}, &models.BillingWebhookEvent{}} {
		assert.True(t, db.Migrator().HasTable(model))
	}
}
