// Package dbtest opens migrated databases for tests.
package dbtest

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"nudge-backend/config"
	"nudge-backend/conn"
	"nudge-backend/migrations"
	"nudge-backend/subscriptions"
)

// Open returns a migrated SQLite database in t's temp dir, closed on cleanup.
func Open(t testing.TB) *sql.DB {
	t.Helper()
	ctx := context.Background()
	db, err := conn.NewSQLite(ctx, filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, migrations.Migrate(ctx, db, "sqlite"))
	return db
}

// Store returns a Repository over a fresh database.
func Store(t testing.TB) *subscriptions.Repository {
	t.Helper()
	return subscriptions.NewRepository(Open(t), subscriptions.SQLite)
}

// MySQLStore returns a Repository over a throwaway MySQL database, or skips
// t when TEST_MYSQL_HOST is unset. The database is dropped on cleanup.
func MySQLStore(t testing.TB) *subscriptions.Repository {
	t.Helper()
	host := os.Getenv("TEST_MYSQL_HOST")
	if host == "" {
		t.Skip("TEST_MYSQL_HOST not set")
	}
	cfg := config.Database{
		Driver:   "mysql",
		Host:     host,
		Port:     envOr("TEST_MYSQL_PORT", "3306"),
		User:     envOr("TEST_MYSQL_USER", "root"),
		Password: os.Getenv("TEST_MYSQL_PASSWORD"),
		Name:     "nudge_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
	}
	ctx := context.Background()
	db, err := conn.NewMySQL(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = db.Exec("DROP DATABASE `" + cfg.Name + "`")
		db.Close()
	})
	require.NoError(t, migrations.Migrate(ctx, db, "mysql"))
	return subscriptions.NewRepository(db, subscriptions.MySQL)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
