package conn

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"nudge-backend/config"
)

// Open connects to the configured database and returns the handle with its
// database/sql driver name.
func Open(ctx context.Context, cfg config.Database) (*sql.DB, string, error) {
	switch cfg.Driver {
	case "mysql":
		db, err := NewMySQL(ctx, cfg)
		return db, "mysql", err
	case "sqlite", "sqlite3", "":
		db, err := NewSQLite(ctx, cfg.SQLitePath)
		return db, "sqlite", err
	}
	return nil, "", fmt.Errorf("conn: unsupported DB_DRIVER %q", cfg.Driver)
}

func mysqlConfig(cfg config.Database, dbName string) *mysql.Config {
	mc := mysql.NewConfig()
	mc.User = cfg.User
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(cfg.Host, cfg.Port)
	mc.DBName = dbName
	mc.ParseTime = true
	// Conditional UPDATEs report matched rows, not changed rows.
	mc.ClientFoundRows = true
	return mc
}

// NewMySQL opens a MySQL connection, creating the database first if it does
// not exist yet.
func NewMySQL(ctx context.Context, cfg config.Database) (*sql.DB, error) {
	adminDB, err := sql.Open("mysql", mysqlConfig(cfg, "").FormatDSN())
	if err != nil {
		return nil, err
	}
	if err := adminDB.PingContext(ctx); err != nil {
		adminDB.Close()
		return nil, err
	}
	if _, err := adminDB.ExecContext(ctx, "CREATE DATABASE IF NOT EXISTS `"+cfg.Name+"` DEFAULT CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci"); err != nil {
		adminDB.Close()
		return nil, err
	}
	adminDB.Close()

	db, err := sql.Open("mysql", mysqlConfig(cfg, cfg.Name).FormatDSN())
	if err != nil {
		return nil, err
	}
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// NewSQLite opens a file-backed SQLite database in WAL mode. The pool is
// pinned to one connection so writers queue instead of failing with SQLITE_BUSY.
func NewSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("conn: create sqlite dir: %w", err)
		}
	}
	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("conn: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("conn: ping sqlite: %w", err)
	}
	return db, nil
}
