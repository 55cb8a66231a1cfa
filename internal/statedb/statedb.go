package statedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tchow-twistedxcom/opencode-bridge/internal/completion"
)

// SchemaVersion tracks the current database schema version.
// Bump this when adding migrations.
const SchemaVersion = 1

// Metadata keys.
const (
	metaSchemaVersion  = "schema_version"
	metaTelegramOffset = "telegram_offset"
	metaLegacyImported = "legacy_imported"
)

// StateDB wraps the SQLite database holding the bridge's small amount of
// durable state: the Telegram update offset, the delivery journal, and the
// heartbeats used to elect which process polls Telegram.
// Multiple OS processes can safely read/write via WAL mode + busy timeout.
type StateDB struct {
	db  *sql.DB
	pid int
}

// DeliveryRow is one finished verification pass.
type DeliveryRow struct {
	ID           int64
	SessionID    string
	Title        string
	Outcome      string
	Fingerprint  string
	AssistantKey string
	RetryCount   int
	Detail       string
	CreatedAt    time.Time
}

// Open creates or opens a SQLite database at dbPath with WAL mode and busy timeout.
func Open(dbPath string) (*StateDB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("statedb: mkdir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("statedb: open: %w", err)
	}

	// PRAGMAs are per connection; a single connection keeps them in force and
	// queues in-process writers on the pool instead of on SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	// WAL mode: allows concurrent readers while writing
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: wal mode: %w", err)
	}

	// Busy timeout: wait up to 5s if another process holds a lock
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: busy timeout: %w", err)
	}

	return &StateDB{db: db, pid: os.Getpid()}, nil
}

// Close checkpoints WAL and closes the database.
func (s *StateDB) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// DB returns the underlying sql.DB for advanced use cases (e.g., testing).
func (s *StateDB) DB() *sql.DB {
	return s.db
}

// Migrate creates tables if they don't exist and runs any pending migrations.
func (s *StateDB) Migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("statedb: begin migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("statedb: create metadata: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS deliveries (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id    TEXT NOT NULL,
			title         TEXT NOT NULL DEFAULT '',
			outcome       TEXT NOT NULL,
			fingerprint   TEXT NOT NULL DEFAULT '',
			assistant_key TEXT NOT NULL DEFAULT '',
			retry_count   INTEGER NOT NULL DEFAULT 0,
			detail        TEXT NOT NULL DEFAULT '',
			created_at    INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("statedb: create deliveries: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE INDEX IF NOT EXISTS idx_deliveries_session
			ON deliveries (session_id, created_at)
	`); err != nil {
		return fmt.Errorf("statedb: create deliveries index: %w", err)
	}

	// instance heartbeats
	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS instance_heartbeats (
			pid        INTEGER PRIMARY KEY,
			started    INTEGER NOT NULL,
			heartbeat  INTEGER NOT NULL,
			is_primary INTEGER NOT NULL DEFAULT 0
		)
	`); err != nil {
		return fmt.Errorf("statedb: create heartbeats: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)
	`, metaSchemaVersion, strconv.Itoa(SchemaVersion)); err != nil {
		return fmt.Errorf("statedb: set schema version: %w", err)
	}

	return tx.Commit()
}

// --- Telegram offset ---

// TelegramOffset returns the last processed Telegram update id (0 if none).
func (s *StateDB) TelegramOffset() (int64, error) {
	val, err := s.GetMeta(metaTelegramOffset)
	if err != nil || val == "" {
		return 0, err
	}
	offset, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("statedb: parse telegram offset %q: %w", val, err)
	}
	return offset, nil
}

// SetTelegramOffset stores the last processed Telegram update id. The stored
// value never decreases.
func (s *StateDB) SetTelegramOffset(offset int64) error {
	_, err := s.db.Exec(`
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
		WHERE CAST(metadata.value AS INTEGER) < CAST(excluded.value AS INTEGER)
	`, metaTelegramOffset, strconv.FormatInt(offset, 10))
	if err != nil {
		return fmt.Errorf("statedb: set telegram offset: %w", err)
	}
	return nil
}

// --- Delivery journal ---

// RecordOutcome appends a verification outcome to the delivery journal.
func (s *StateDB) RecordOutcome(ctx context.Context, rec completion.OutcomeRecord) error {
	at := rec.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deliveries (
			session_id, title, outcome, fingerprint, assistant_key,
			retry_count, detail, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.SessionID, rec.Title, string(rec.Outcome), rec.Fingerprint, rec.AssistantKey,
		rec.RetryCount, rec.Detail, at.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("statedb: record outcome: %w", err)
	}
	return nil
}

// RecentDeliveries returns up to limit journal rows, newest first. An empty
// sessionID returns rows for every session.
func (s *StateDB) RecentDeliveries(ctx context.Context, sessionID string, limit int) ([]DeliveryRow, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, session_id, title, outcome, fingerprint, assistant_key,
			retry_count, detail, created_at
		FROM deliveries`
	args := []any{}
	if sessionID != "" {
		query += " WHERE session_id = ?"
		args = append(args, sessionID)
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("statedb: query deliveries: %w", err)
	}
	defer rows.Close()

	var out []DeliveryRow
	for rows.Next() {
		var r DeliveryRow
		var createdAt int64
		if err := rows.Scan(
			&r.ID, &r.SessionID, &r.Title, &r.Outcome, &r.Fingerprint, &r.AssistantKey,
			&r.RetryCount, &r.Detail, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("statedb: scan delivery: %w", err)
		}
		r.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// PruneDeliveries deletes journal rows older than maxAge. Returns rows removed.
func (s *StateDB) PruneDeliveries(maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	res, err := s.db.Exec("DELETE FROM deliveries WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("statedb: prune deliveries: %w", err)
	}
	return res.RowsAffected()
}

// --- Heartbeat ---

// RegisterInstance records this process as a running bridge.
func (s *StateDB) RegisterInstance(isPrimary bool) error {
	now := time.Now().Unix()
	primary := 0
	if isPrimary {
		primary = 1
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO instance_heartbeats (pid, started, heartbeat, is_primary)
		VALUES (?, ?, ?, ?)
	`, s.pid, now, now, primary)
	return err
}

// Heartbeat updates the heartbeat timestamp for this process.
func (s *StateDB) Heartbeat() error {
	_, err := s.db.Exec(
		"UPDATE instance_heartbeats SET heartbeat = ? WHERE pid = ?",
		time.Now().Unix(), s.pid,
	)
	return err
}

// UnregisterInstance removes this process from the heartbeat table.
func (s *StateDB) UnregisterInstance() error {
	_, err := s.db.Exec("DELETE FROM instance_heartbeats WHERE pid = ?", s.pid)
	return err
}

// CleanDeadInstances removes heartbeat entries that haven't been updated within timeout.
func (s *StateDB) CleanDeadInstances(timeout time.Duration) error {
	cutoff := time.Now().Add(-timeout).Unix()
	_, err := s.db.Exec("DELETE FROM instance_heartbeats WHERE heartbeat < ?", cutoff)
	return err
}

// AliveInstanceCount returns how many bridge processes have fresh heartbeats.
func (s *StateDB) AliveInstanceCount() (int, error) {
	var count int
	cutoff := time.Now().Add(-30 * time.Second).Unix()
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM instance_heartbeats WHERE heartbeat >= ?", cutoff,
	).Scan(&count)
	return count, err
}

// --- Primary Election ---

// ElectPrimary attempts to make this instance the primary. Only the primary
// long-polls Telegram, since two pollers would race on the update offset.
// Returns true if this instance is now (or already was) the primary.
func (s *StateDB) ElectPrimary(timeout time.Duration) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("statedb: begin elect: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cutoff := time.Now().Add(-timeout).Unix()

	if _, err := tx.Exec(
		"UPDATE instance_heartbeats SET is_primary = 0 WHERE heartbeat < ? AND is_primary = 1",
		cutoff,
	); err != nil {
		return false, fmt.Errorf("statedb: clear stale primary: %w", err)
	}

	var existingPID int
	err = tx.QueryRow(
		"SELECT pid FROM instance_heartbeats WHERE is_primary = 1 AND heartbeat >= ? LIMIT 1",
		cutoff,
	).Scan(&existingPID)

	if err == nil {
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("statedb: commit elect: %w", err)
		}
		return existingPID == s.pid, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("statedb: query primary: %w", err)
	}

	// No alive primary exists: claim it
	if _, err := tx.Exec(
		"UPDATE instance_heartbeats SET is_primary = 1 WHERE pid = ?",
		s.pid,
	); err != nil {
		return false, fmt.Errorf("statedb: claim primary: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("statedb: commit elect: %w", err)
	}
	return true, nil
}

// ResignPrimary clears the is_primary flag for this process.
func (s *StateDB) ResignPrimary() error {
	_, err := s.db.Exec(
		"UPDATE instance_heartbeats SET is_primary = 0 WHERE pid = ?",
		s.pid,
	)
	return err
}

// --- Metadata ---

// SetMeta sets a key-value pair in the metadata table.
func (s *StateDB) SetMeta(key, value string) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)",
		key, value,
	)
	return err
}

// GetMeta gets a value from the metadata table. Returns "" if not found.
func (s *StateDB) GetMeta(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}
