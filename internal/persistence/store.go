package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/basket/go-minder/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "mind-v1-2026-08-task-scheduler"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1
)

// Well-known settings keys.
const (
	SettingConfidenceDailyLimit = "confidence_daily_limit"
	SettingConfidenceBatchHour  = "confidence_batch_hour"
	SettingBriefingHour         = "briefing_hour"
	SettingDigestHour           = "digest_hour"
	SettingWhitelist            = "whitelist"
	SettingUserPreferences      = "user_preferences"
)

var (
	// ErrInvalidTransition is returned when a task state change is not a
	// legal edge of the lifecycle state machine. The task is unchanged.
	ErrInvalidTransition = errors.New("invalid task transition")

	// ErrTaskNotFound is returned when the referenced task does not exist.
	ErrTaskNotFound = errors.New("task not found")
)

type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".minder", "minder.db")
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter. maxRetries=5 gives ~3s total wait on top of
// the driver's busy_timeout (5s).
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration tx: %w", err)
		}
		return nil
	}

	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			type TEXT NOT NULL CHECK(type IN ('task', 'promise_mine', 'promise_incoming')),
			description TEXT NOT NULL,
			who TEXT,
			deadline DATETIME,
			status TEXT NOT NULL DEFAULT 'active' CHECK(status IN ('active', 'done', 'cancelled', 'overdue')),
			confidence INTEGER NOT NULL DEFAULT 100 CHECK(confidence BETWEEN 0 AND 100),
			source_msg_id INTEGER,
			chat_id INTEGER,
			sender_id INTEGER,
			sender_name TEXT,
			account TEXT,
			created_at DATETIME NOT NULL,
			completed_at DATETIME,
			remind_at DATETIME,
			reminder_sent INTEGER NOT NULL DEFAULT 0,
			recurrence TEXT NOT NULL DEFAULT 'none' CHECK(recurrence IN ('none', 'daily', 'weekly', 'monthly')),
			track_completion INTEGER NOT NULL DEFAULT 0,
			check_interval_days INTEGER NOT NULL DEFAULT 3,
			last_checked_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS deadline_notifications (
			task_id INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			notif_date TEXT NOT NULL,
			count INTEGER NOT NULL DEFAULT 1,
			PRIMARY KEY (task_id, notif_date)
		);`,
		`CREATE TABLE IF NOT EXISTS confidence_queue (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			message_id INTEGER,
			chat_id INTEGER,
			sender_name TEXT,
			text_preview TEXT,
			predicted_type TEXT,
			confidence INTEGER NOT NULL DEFAULT 0,
			is_urgent INTEGER NOT NULL DEFAULT 0,
			resolved INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS classification_feedback (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			message_id INTEGER,
			predicted_type TEXT,
			predicted_confidence INTEGER,
			actual_type TEXT,
			user_reason TEXT,
			context TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS conversation_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			role TEXT NOT NULL CHECK(role IN ('user', 'assistant')),
			content TEXT NOT NULL,
			tool_calls TEXT,
			tool_results TEXT,
			tokens_used INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS api_costs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			method TEXT NOT NULL,
			model TEXT NOT NULL,
			tokens_in INTEGER NOT NULL DEFAULT 0,
			tokens_out INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS health_checks (
			module TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			error TEXT,
			timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			platform_msg_id INTEGER NOT NULL,
			chat_id INTEGER NOT NULL,
			chat_title TEXT,
			sender_id INTEGER,
			sender_name TEXT,
			text TEXT,
			media_type TEXT,
			timestamp DATETIME NOT NULL,
			processed INTEGER NOT NULL DEFAULT 0,
			UNIQUE(platform_msg_id, chat_id)
		);`,
		`CREATE TABLE IF NOT EXISTS contacts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			platform_id INTEGER UNIQUE,
			name TEXT,
			phone TEXT,
			chat_type TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_tracked ON tasks(last_checked_at)
			WHERE track_completion = 1 AND status = 'active';`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_reminders ON tasks(remind_at)
			WHERE remind_at IS NOT NULL AND reminder_sent = 0 AND status = 'active';`,
		`CREATE INDEX IF NOT EXISTS idx_confidence_queue_resolved ON confidence_queue(resolved);`,
		`CREATE INDEX IF NOT EXISTS idx_conversation_created ON conversation_history(created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_api_costs_created ON api_costs(created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_processed ON messages(processed) WHERE processed = 0;`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	// Seed defaults so the first daily passes have working limits and hours.
	seedSettings := []struct{ key, value string }{
		{SettingConfidenceDailyLimit, "10"},
		{SettingConfidenceBatchHour, "16"},
		{SettingBriefingHour, "8"},
		{SettingDigestHour, "20"},
	}
	for _, kv := range seedSettings {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO settings (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO NOTHING;
		`, kv.key, kv.value); err != nil {
			return fmt.Errorf("seed setting %q: %w", kv.key, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum, applied_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(version) DO NOTHING;
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("record schema migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// SchemaVersion reports the highest applied migration version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

func (s *Store) SettingSet(ctx context.Context, key, val string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO settings (key, value, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=CURRENT_TIMESTAMP;
		`, key, val)
		if err != nil {
			return fmt.Errorf("setting set: %w", err)
		}
		return nil
	})
}

// SettingGet retrieves a setting value. Returns empty string if key not found.
func (s *Store) SettingGet(ctx context.Context, key string) (string, error) {
	var val sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?;`, key).Scan(&val)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("setting get: %w", err)
	}
	return val.String, nil
}

// SettingInt retrieves an integer setting, falling back to def when the key
// is missing or not a number.
func (s *Store) SettingInt(ctx context.Context, key string, def int) (int, error) {
	raw, err := s.SettingGet(ctx, key)
	if err != nil {
		return def, err
	}
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return def, nil
	}
	return n, nil
}

// Whitelist returns the sender IDs allowed past the channel gate, parsed
// from the whitelist setting (a JSON array of IDs). A missing or malformed
// setting yields nil, which callers treat as owner-only.
func (s *Store) Whitelist(ctx context.Context) ([]int64, error) {
	raw, err := s.SettingGet(ctx, SettingWhitelist)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var ids []int64
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("whitelist setting: %w", err)
	}
	return ids, nil
}

// Heartbeat upserts the per-module health row.
func (s *Store) Heartbeat(ctx context.Context, module, status string, moduleErr error) error {
	errText := ""
	if moduleErr != nil {
		errText = moduleErr.Error()
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO health_checks (module, status, error, timestamp)
			VALUES (?, ?, NULLIF(?, ''), CURRENT_TIMESTAMP)
			ON CONFLICT(module) DO UPDATE SET
				status=excluded.status, error=excluded.error, timestamp=CURRENT_TIMESTAMP;
		`, module, status, errText)
		if err != nil {
			return fmt.Errorf("heartbeat upsert: %w", err)
		}
		return nil
	})
}

// HealthStatus reads back a module's heartbeat row. Returns empty status when
// the module has never checked in.
func (s *Store) HealthStatus(ctx context.Context, module string) (status string, lastErr string, err error) {
	var e sql.NullString
	row := s.db.QueryRowContext(ctx, `SELECT status, error FROM health_checks WHERE module = ?;`, module)
	if err := row.Scan(&status, &e); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", "", nil
		}
		return "", "", fmt.Errorf("read health row: %w", err)
	}
	return status, e.String, nil
}
