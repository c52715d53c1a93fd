// Package store provides storage backends for the conversation engine.
//
// This file implements the SQLite-backed durable store.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/souschef-sms/souschef/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) GetContext(key models.ConversationKey) (*models.ConversationContext, error) {
	row := s.db.QueryRow(
		`SELECT household_id, member_id, channel, flow_name, state, flow_data, version, dirty, updated_at, expires_at
		 FROM conversation_contexts WHERE context_key = ?`, key.String())
	c, err := scanContextRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetContext failed", "error", err, "key", key.String())
		return nil, fmt.Errorf("get context %s failed: %w", key.String(), err)
	}
	return c, nil
}

func (s *SQLiteStore) UpsertContext(c *models.ConversationContext) error {
	flowData, err := json.Marshal(c.FlowData)
	if err != nil {
		return fmt.Errorf("marshal flow data failed: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO conversation_contexts (context_key, household_id, member_id, channel, flow_name, state, flow_data, version, dirty, updated_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(context_key) DO UPDATE SET
		   flow_name = excluded.flow_name,
		   state = excluded.state,
		   flow_data = excluded.flow_data,
		   version = excluded.version,
		   dirty = excluded.dirty,
		   updated_at = excluded.updated_at,
		   expires_at = excluded.expires_at
		 WHERE excluded.version >= conversation_contexts.version`,
		c.Key.String(), c.Key.HouseholdID, c.Key.MemberID, string(c.Key.Channel),
		c.FlowName, string(c.State), string(flowData), c.Version, boolToInt(c.Dirty), c.UpdatedAt, nullableTime(c.ExpiresAt),
	)
	if err != nil {
		slog.Error("SQLiteStore UpsertContext failed", "error", err, "key", c.Key.String())
		return fmt.Errorf("upsert context %s failed: %w", c.Key.String(), err)
	}
	return nil
}

func (s *SQLiteStore) DeleteContext(key models.ConversationKey) error {
	_, err := s.db.Exec(`DELETE FROM conversation_contexts WHERE context_key = ?`, key.String())
	if err != nil {
		slog.Error("SQLiteStore DeleteContext failed", "error", err, "key", key.String())
		return fmt.Errorf("delete context %s failed: %w", key.String(), err)
	}
	return nil
}

func (s *SQLiteStore) ListExpiredContexts(now time.Time, limit int) ([]*models.ConversationContext, error) {
	rows, err := s.db.Query(
		`SELECT household_id, member_id, channel, flow_name, state, flow_data, version, dirty, updated_at, expires_at
		 FROM conversation_contexts WHERE expires_at IS NOT NULL AND expires_at < ? LIMIT ?`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired contexts failed: %w", err)
	}
	defer rows.Close()
	return collectContexts(rows)
}

func (s *SQLiteStore) MarkContextDirty(key models.ConversationKey) error {
	_, err := s.db.Exec(`UPDATE conversation_contexts SET dirty = 1 WHERE context_key = ?`, key.String())
	if err != nil {
		return fmt.Errorf("mark context dirty failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListDirtyContexts() ([]*models.ConversationContext, error) {
	rows, err := s.db.Query(
		`SELECT household_id, member_id, channel, flow_name, state, flow_data, version, dirty, updated_at, expires_at
		 FROM conversation_contexts WHERE dirty = 1`)
	if err != nil {
		return nil, fmt.Errorf("list dirty contexts failed: %w", err)
	}
	defer rows.Close()
	return collectContexts(rows)
}

func (s *SQLiteStore) InsertSaga(e *models.SagaExecution) error {
	steps, err := json.Marshal(e.Steps)
	if err != nil {
		return fmt.Errorf("marshal saga steps failed: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO saga_executions (id, correlation_id, steps, cursor, status, last_error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.CorrelationID, string(steps), e.Cursor, string(e.Status), e.LastError, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore InsertSaga failed", "error", err, "id", e.ID)
		return fmt.Errorf("insert saga %s failed: %w", e.ID, err)
	}
	return nil
}

func (s *SQLiteStore) UpdateSaga(e *models.SagaExecution) error {
	steps, err := json.Marshal(e.Steps)
	if err != nil {
		return fmt.Errorf("marshal saga steps failed: %w", err)
	}
	res, err := s.db.Exec(
		`UPDATE saga_executions SET steps = ?, cursor = ?, status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(steps), e.Cursor, string(e.Status), e.LastError, e.UpdatedAt, e.ID,
	)
	if err != nil {
		slog.Error("SQLiteStore UpdateSaga failed", "error", err, "id", e.ID)
		return fmt.Errorf("update saga %s failed: %w", e.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrSagaNotFound
	}
	return nil
}

func (s *SQLiteStore) GetSaga(id string) (*models.SagaExecution, error) {
	row := s.db.QueryRow(
		`SELECT id, correlation_id, steps, cursor, status, last_error, created_at, updated_at FROM saga_executions WHERE id = ?`, id)
	e, err := scanSagaRow(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrSagaNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get saga %s failed: %w", id, err)
	}
	return e, nil
}

func (s *SQLiteStore) ListSagasByStatus(status models.SagaStatus) ([]*models.SagaExecution, error) {
	rows, err := s.db.Query(
		`SELECT id, correlation_id, steps, cursor, status, last_error, created_at, updated_at
		 FROM saga_executions WHERE status = ? ORDER BY created_at`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list sagas by status failed: %w", err)
	}
	defer rows.Close()
	return collectSagas(rows)
}

func (s *SQLiteStore) ReserveKey(key string, now, expiresAt time.Time) (bool, string, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, "", fmt.Errorf("reserve key begin failed: %w", err)
	}
	defer tx.Rollback()

	// Reclaim an expired reservation before attempting the insert.
	if _, err := tx.Exec(`DELETE FROM idempotency_keys WHERE dedup_key = ? AND expires_at <= ?`, key, now); err != nil {
		return false, "", fmt.Errorf("reserve key purge failed: %w", err)
	}

	res, err := tx.Exec(
		`INSERT OR IGNORE INTO idempotency_keys (dedup_key, first_seen_at, expires_at) VALUES (?, ?, ?)`,
		key, now, expiresAt,
	)
	if err != nil {
		return false, "", fmt.Errorf("reserve key insert failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, "", fmt.Errorf("reserve key rows affected failed: %w", err)
	}
	if n == 1 {
		if err := tx.Commit(); err != nil {
			return false, "", fmt.Errorf("reserve key commit failed: %w", err)
		}
		return true, "", nil
	}

	var fingerprint string
	if err := tx.QueryRow(`SELECT result_fingerprint FROM idempotency_keys WHERE dedup_key = ?`, key).Scan(&fingerprint); err != nil {
		return false, "", fmt.Errorf("reserve key fingerprint lookup failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, "", fmt.Errorf("reserve key commit failed: %w", err)
	}
	return false, fingerprint, nil
}

func (s *SQLiteStore) RecordFingerprint(key, fingerprint string) error {
	_, err := s.db.Exec(`UPDATE idempotency_keys SET result_fingerprint = ? WHERE dedup_key = ?`, fingerprint, key)
	if err != nil {
		return fmt.Errorf("record fingerprint failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PurgeExpiredKeys(now time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM idempotency_keys WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("purge expired keys failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) IncrWithCeiling(subject string, channel models.ChannelClass, day string, ceiling int, windowExpiresAt time.Time) (int, bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, false, fmt.Errorf("rate incr begin failed: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT OR IGNORE INTO rate_counters (subject_key, channel, day, count, window_expires_at) VALUES (?, ?, ?, 0, ?)`,
		subject, string(channel), day, windowExpiresAt,
	); err != nil {
		return 0, false, fmt.Errorf("rate incr seed failed: %w", err)
	}

	res, err := tx.Exec(
		`UPDATE rate_counters SET count = count + 1 WHERE subject_key = ? AND channel = ? AND day = ? AND count < ?`,
		subject, string(channel), day, ceiling,
	)
	if err != nil {
		return 0, false, fmt.Errorf("rate incr update failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("rate incr rows affected failed: %w", err)
	}

	var count int
	if err := tx.QueryRow(
		`SELECT count FROM rate_counters WHERE subject_key = ? AND channel = ? AND day = ?`,
		subject, string(channel), day,
	).Scan(&count); err != nil {
		return 0, false, fmt.Errorf("rate incr count lookup failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("rate incr commit failed: %w", err)
	}
	return count, n == 1, nil
}

func (s *SQLiteStore) GetRateCount(subject string, channel models.ChannelClass, day string) (int, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT count FROM rate_counters WHERE subject_key = ? AND channel = ? AND day = ?`,
		subject, string(channel), day,
	).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get rate count failed: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) SetOptedOut(subject string, optedOut bool, at time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO subject_eligibility (subject_key, opted_out, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(subject_key) DO UPDATE SET opted_out = excluded.opted_out, updated_at = excluded.updated_at`,
		subject, boolToInt(optedOut), at,
	)
	if err != nil {
		return fmt.Errorf("set opted out failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) IsOptedOut(subject string) (bool, error) {
	var optedOut int
	err := s.db.QueryRow(`SELECT opted_out FROM subject_eligibility WHERE subject_key = ?`, subject).Scan(&optedOut)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("eligibility lookup failed: %w", err)
	}
	return optedOut == 1, nil
}

func (s *SQLiteStore) AppendAuditEvent(e models.AuditEvent) error {
	_, err := s.db.Exec(
		`INSERT INTO audit_events (subject_key, kind, detail, created_at) VALUES (?, ?, ?, ?)`,
		e.SubjectKey, string(e.Kind), e.Detail, e.CreatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore AppendAuditEvent failed", "error", err, "subject", e.SubjectKey, "kind", e.Kind)
		return fmt.Errorf("append audit event failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListAuditEvents(subject string, since time.Time) ([]models.AuditEvent, error) {
	rows, err := s.db.Query(
		`SELECT id, subject_key, kind, detail, created_at FROM audit_events
		 WHERE subject_key = ? AND created_at >= ? ORDER BY created_at, id`, subject, since)
	if err != nil {
		return nil, fmt.Errorf("list audit events failed: %w", err)
	}
	defer rows.Close()

	var events []models.AuditEvent
	for rows.Next() {
		var e models.AuditEvent
		var kind string
		if err := rows.Scan(&e.ID, &e.SubjectKey, &kind, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit event failed: %w", err)
		}
		e.Kind = models.AuditKind(kind)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events failed: %w", err)
	}
	return events, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
