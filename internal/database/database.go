package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"

	"hakanai/internal/config"
)

// Dialect names the SQL flavour a *sql.DB speaks
type Dialect string

const (
	MySQL  Dialect = "mysql"
	SQLite Dialect = "sqlite3"
)

// Init opens the relational database selected by cfg.StoreBackend and
// creates the schema when missing.
func Init(ctx context.Context, cfg config.Config, log *slog.Logger) (*sql.DB, Dialect, error) {
	var (
		db      *sql.DB
		dialect Dialect
		err     error
	)

	switch cfg.StoreBackend {
	case "mysql":
		dialect = MySQL
		db, err = sql.Open("mysql", cfg.MySQLDSN())
	case "sqlite":
		dialect = SQLite
		db, err = OpenSQLite(cfg.SQLitePath)
	default:
		return nil, "", fmt.Errorf("store backend %q is not relational", cfg.StoreBackend)
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to open database: %w", err)
	}

	// 接続テスト
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, "", fmt.Errorf("failed to ping database: %w", err)
	}

	if err := Migrate(ctx, db, dialect); err != nil {
		db.Close()
		return nil, "", err
	}

	log.Info("✅ Database connection established", "dialect", dialect)
	return db, dialect, nil
}

// OpenSQLite opens a sqlite file with WAL and an immediate transaction lock,
// so concurrent writers queue on busy_timeout instead of failing.
func OpenSQLite(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(time.Hour)
	return db, nil
}

// Migrate creates the users and messages tables for the given dialect.
func Migrate(ctx context.Context, db *sql.DB, dialect Dialect) error {
	var statements []string
	switch dialect {
	case MySQL:
		statements = mysqlSchema
	case SQLite:
		statements = sqliteSchema
	default:
		return fmt.Errorf("unknown dialect %q", dialect)
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sender_id INTEGER NOT NULL,
		receiver_id INTEGER NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL DEFAULT 'text',
		attachment_ref TEXT,
		created_at INTEGER NOT NULL,
		seen_at INTEGER,
		is_seen BOOLEAN NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(sender_id, receiver_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_seen ON messages(is_seen, seen_at)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uniq_messages_attachment_ref ON messages(attachment_ref)`,
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		username VARCHAR(191) NOT NULL,
		UNIQUE KEY uniq_users_username (username)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	`CREATE TABLE IF NOT EXISTS messages (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		sender_id BIGINT NOT NULL,
		receiver_id BIGINT NOT NULL,
		content TEXT NOT NULL,
		kind VARCHAR(16) NOT NULL DEFAULT 'text',
		attachment_ref VARCHAR(191) NULL,
		created_at BIGINT NOT NULL,
		seen_at BIGINT NULL,
		is_seen BOOLEAN NOT NULL DEFAULT FALSE,
		INDEX idx_messages_pair (sender_id, receiver_id, created_at),
		INDEX idx_messages_seen (is_seen, seen_at),
		UNIQUE KEY uniq_messages_attachment_ref (attachment_ref)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
}
