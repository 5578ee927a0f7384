// Package dbtest opens throwaway databases for tests. Each call gets its own
// SQLite file with the production migrations applied.
package dbtest

import (
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"transit-analytics/internal/db"
)

func Open(t testing.TB) *gorm.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "transit.db")
	opts := db.Options("test")
	opts.Logger = gormlogger.Discard

	database, err := gorm.Open(sqlite.Open(path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"), opts)
	require.NoError(t, err)

	sqlDB, err := database.DB()
	require.NoError(t, err)
	// SQLite has a single writer. One connection keeps concurrent test
	// transactions queued instead of failing with SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	require.NoError(t, db.Migrate(database))
	return database
}
