// Package dbtest opens throwaway SQLite databases for package tests.
package dbtest

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/ManuelReschke/dlgate/internal/pkg/database"
)

// Open returns a migrated database in t.TempDir(). A single connection
// serializes writers the way a row lock would on MySQL.
func Open(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := database.Open(database.Config{
		Driver:       database.DriverSQLite,
		Name:         filepath.Join(t.TempDir(), "dlgate_test.db"),
		MaxOpenConns: 1,
		MaxRetries:   1,
		Silent:       true,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}
