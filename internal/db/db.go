package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned when a row does not exist
	ErrNotFound = errors.New("not found")
	// ErrRecordFinalized is returned when writing to a record that already left pending
	ErrRecordFinalized = errors.New("record already finalized")
)

// DB wraps the SQLite database connection
type DB struct {
	conn *sql.DB
	now  func() time.Time
}

// New creates a new database connection
func New(dbPath string) (*DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	// Background workers write concurrently; WAL plus a busy timeout lets
	// them queue on SQLite's lock instead of failing with SQLITE_BUSY.
	conn, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{conn: conn, now: func() time.Time { return time.Now().UTC() }}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		jwt_sub TEXT UNIQUE,
		alias TEXT NOT NULL UNIQUE,
		email TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL DEFAULT '',
		authorization TEXT NOT NULL DEFAULT '',
		jwt_exp TEXT NOT NULL DEFAULT '0',
		token_expiring_notified INTEGER NOT NULL DEFAULT 0,
		token_expired_notified INTEGER NOT NULL DEFAULT 0,
		role TEXT NOT NULL DEFAULT 'user',
		is_approved INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS check_in_tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		payload_config TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		cron_expression TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_check_in_tasks_user_id ON check_in_tasks(user_id);

	CREATE TABLE IF NOT EXISTS check_in_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		response_text TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		location TEXT NOT NULL DEFAULT '{}',
		trigger_type TEXT NOT NULL DEFAULT 'manual',
		check_in_time DATETIME NOT NULL,
		finished_at DATETIME,
		FOREIGN KEY (task_id) REFERENCES check_in_tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_check_in_records_task_id ON check_in_records(task_id);
	CREATE INDEX IF NOT EXISTS idx_check_in_records_check_in_time ON check_in_records(check_in_time);

	CREATE TABLE IF NOT EXISTS task_templates (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		payload_config TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// GetSetting retrieves a setting value
func (db *DB) GetSetting(key string) (string, error) {
	var value string
	err := db.conn.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// SetSetting sets a setting value
func (db *DB) SetSetting(key, value string) error {
	_, err := db.conn.Exec("INSERT OR REPLACE INTO settings (key, value) VALUES (?, ?)", key, value)
	return err
}

// Setting keys for the admin notification webhooks
const (
	SettingDiscordWebhook = "discord_webhook"
	SettingSlackWebhook   = "slack_webhook"
)

// AdminWebhooks returns the configured Discord and Slack webhook URLs, empty when unset
func (db *DB) AdminWebhooks() (discord, slack string) {
	discord, _ = db.GetSetting(SettingDiscordWebhook)
	slack, _ = db.GetSetting(SettingSlackWebhook)
	return discord, slack
}

// nullString maps "" to SQL NULL so that UNIQUE columns allow many empties
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
