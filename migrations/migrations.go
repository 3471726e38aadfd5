package migrations

import (
	"context"
	"database/sql"
	"fmt"
)

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS subscriptions (
		user_id VARCHAR(64) NOT NULL PRIMARY KEY,
		tier VARCHAR(20) NOT NULL DEFAULT 'free',
		status VARCHAR(20) NOT NULL DEFAULT 'active',
		credits_remaining INT NOT NULL DEFAULT 0,
		external_ref VARCHAR(191) NULL,
		renews_at BIGINT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		INDEX idx_subscriptions_external_ref (external_ref),
		CONSTRAINT chk_subscriptions_credits CHECK (credits_remaining >= 0)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;`,
	`CREATE TABLE IF NOT EXISTS weekly_usage_counters (
		user_id VARCHAR(64) NOT NULL PRIMARY KEY,
		action_count INT NOT NULL DEFAULT 0,
		window_start BIGINT NOT NULL
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;`,
	`CREATE TABLE IF NOT EXISTS processed_events (
		event_id VARCHAR(191) NOT NULL PRIMARY KEY,
		event_type VARCHAR(100) NOT NULL DEFAULT '',
		outcome VARCHAR(255) NOT NULL DEFAULT '',
		processed_at BIGINT NOT NULL
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;`,
	`CREATE TABLE IF NOT EXISTS daily_check_ins (
		id VARCHAR(36) NOT NULL PRIMARY KEY,
		user_id VARCHAR(64) NOT NULL,
		check_in_day CHAR(10) NOT NULL,
		mood VARCHAR(50) NOT NULL DEFAULT '',
		message TEXT NOT NULL,
		motivation TEXT NOT NULL,
		audio_url VARCHAR(512) NULL,
		created_at BIGINT NOT NULL,
		UNIQUE KEY ux_daily_check_ins_user_day (user_id, check_in_day)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;`,
	`CREATE TABLE IF NOT EXISTS reservations (
		id VARCHAR(36) NOT NULL PRIMARY KEY,
		user_id VARCHAR(64) NOT NULL,
		kind VARCHAR(10) NOT NULL,
		state VARCHAR(10) NOT NULL,
		window_start BIGINT NULL,
		ref VARCHAR(64) NULL,
		job_id VARCHAR(191) NULL,
		media_url VARCHAR(512) NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		INDEX idx_reservations_state_created (state, created_at),
		INDEX idx_reservations_user (user_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;`,
	`CREATE TABLE IF NOT EXISTS purchases (
		item_id VARCHAR(191) NOT NULL PRIMARY KEY,
		user_id VARCHAR(64) NOT NULL,
		external_ref VARCHAR(191) NOT NULL DEFAULT '',
		fulfilled_at BIGINT NOT NULL
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;`,
	`CREATE TABLE IF NOT EXISTS user_preferences (
		user_id VARCHAR(64) NOT NULL PRIMARY KEY,
		daily_quotes_enabled BOOLEAN NOT NULL DEFAULT FALSE,
		audio_nudges_enabled BOOLEAN NOT NULL DEFAULT FALSE,
		quote_schedule_hour INT NOT NULL DEFAULT 10,
		updated_at BIGINT NOT NULL,
		CONSTRAINT chk_user_preferences_hour CHECK (quote_schedule_hour BETWEEN 0 AND 23)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS subscriptions (
		user_id TEXT PRIMARY KEY,
		tier TEXT NOT NULL DEFAULT 'free',
		status TEXT NOT NULL DEFAULT 'active',
		credits_remaining INTEGER NOT NULL DEFAULT 0 CHECK (credits_remaining >= 0),
		external_ref TEXT,
		renews_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_subscriptions_external_ref ON subscriptions(external_ref)`,
	`CREATE TABLE IF NOT EXISTS weekly_usage_counters (
		user_id TEXT PRIMARY KEY,
		action_count INTEGER NOT NULL DEFAULT 0,
		window_start INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS processed_events (
		event_id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL DEFAULT '',
		processed_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS daily_check_ins (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		check_in_day TEXT NOT NULL,
		mood TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL,
		motivation TEXT NOT NULL,
		audio_url TEXT,
		created_at INTEGER NOT NULL,
		UNIQUE (user_id, check_in_day)
	)`,
	`CREATE TABLE IF NOT EXISTS reservations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		state TEXT NOT NULL,
		window_start INTEGER,
		ref TEXT,
		job_id TEXT,
		media_url TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_reservations_state_created ON reservations(state, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_reservations_user ON reservations(user_id)`,
	`CREATE TABLE IF NOT EXISTS purchases (
		item_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		external_ref TEXT NOT NULL DEFAULT '',
		fulfilled_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS user_preferences (
		user_id TEXT PRIMARY KEY,
		daily_quotes_enabled INTEGER NOT NULL DEFAULT 0,
		audio_nudges_enabled INTEGER NOT NULL DEFAULT 0,
		quote_schedule_hour INTEGER NOT NULL DEFAULT 10 CHECK (quote_schedule_hour BETWEEN 0 AND 23),
		updated_at INTEGER NOT NULL
	)`,
}

// Migrate creates the ledger tables if they do not exist.
func Migrate(ctx context.Context, db *sql.DB, driver string) error {
	if db == nil {
		return fmt.Errorf("db is not initialized")
	}
	var schema []string
	switch driver {
	case "mysql":
		schema = mysqlSchema
	case "sqlite", "sqlite3":
		schema = sqliteSchema
	default:
		return fmt.Errorf("migrations: unsupported driver %q", driver)
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
