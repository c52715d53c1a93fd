// Package store provides storage backends for the conversation engine.
//
// This file implements the PostgreSQL-backed durable store.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	_ "github.com/lib/pq"
	"github.com/souschef-sms/souschef/internal/models"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	// Configure connection pool for better performance
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) GetContext(key models.ConversationKey) (*models.ConversationContext, error) {
	row := s.db.QueryRow(
		`SELECT household_id, member_id, channel, flow_name, state, flow_data, version, dirty::int, updated_at, expires_at
		 FROM conversation_contexts WHERE context_key = $1`, key.String())
	c, err := scanContextRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetContext failed", "error", err, "key", key.String())
		return nil, fmt.Errorf("get context %s failed: %w", key.String(), err)
	}
	return c, nil
}

func (s *PostgresStore) UpsertContext(c *models.ConversationContext) error {
	flowData, err := json.Marshal(c.FlowData)
	if err != nil {
		return fmt.Errorf("marshal flow data failed: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO conversation_contexts (context_key, household_id, member_id, channel, flow_name, state, flow_data, version, dirty, updated_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (context_key) DO UPDATE SET
		   flow_name = EXCLUDED.flow_name,
		   state = EXCLUDED.state,
		   flow_data = EXCLUDED.flow_data,
		   version = EXCLUDED.version,
		   dirty = EXCLUDED.dirty,
		   updated_at = EXCLUDED.updated_at,
		   expires_at = EXCLUDED.expires_at
		 WHERE EXCLUDED.version >= conversation_contexts.version`,
		c.Key.String(), c.Key.HouseholdID, c.Key.MemberID, string(c.Key.Channel),
		c.FlowName, string(c.State), string(flowData), c.Version, c.Dirty, c.UpdatedAt, nullableTime(c.ExpiresAt),
	)
	if err != nil {
		slog.Error("PostgresStore UpsertContext failed", "error", err, "key", c.Key.String())
		return fmt.Errorf("upsert context %s failed: %w", c.Key.String(), err)
	}
	return nil
}

func (s *PostgresStore) DeleteContext(key models.ConversationKey) error {
	_, err := s.db.Exec(`DELETE FROM conversation_contexts WHERE context_key = $1`, key.String())
	if err != nil {
		slog.Error("PostgresStore DeleteContext failed", "error", err, "key", key.String())
		return fmt.Errorf("delete context %s failed: %w", key.String(), err)
	}
	return nil
}

func (s *PostgresStore) ListExpiredContexts(now time.Time, limit int) ([]*models.ConversationContext, error) {
	rows, err := s.db.Query(
		`SELECT household_id, member_id, channel, flow_name, state, flow_data, version, dirty::int, updated_at, expires_at
		 FROM conversation_contexts WHERE expires_at IS NOT NULL AND expires_at < $1 LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired contexts failed: %w", err)
	}
	defer rows.Close()
	return collectContexts(rows)
}

func (s *PostgresStore) MarkContextDirty(key models.ConversationKey) error {
	_, err := s.db.Exec(`UPDATE conversation_contexts SET dirty = TRUE WHERE context_key = $1`, key.String())
	if err != nil {
		return fmt.Errorf("mark context dirty failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListDirtyContexts() ([]*models.ConversationContext, error) {
	rows, err := s.db.Query(
		`SELECT household_id, member_id, channel, flow_name, state, flow_data, version, dirty::int, updated_at, expires_at
		 FROM conversation_contexts WHERE dirty`)
	if err != nil {
		return nil, fmt.Errorf("list dirty contexts failed: %w", err)
	}
	defer rows.Close()
	return collectContexts(rows)
}

func (s *PostgresStore) InsertSaga(e *models.SagaExecution) error {
	steps, err := json.Marshal(e.Steps)
	if err != nil {
		return fmt.Errorf("marshal saga steps failed: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO saga_executions (id, correlation_id, steps, cursor, status, last_error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.CorrelationID, string(steps), e.Cursor, string(e.Status), e.LastError, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore InsertSaga failed", "error", err, "id", e.ID)
		return fmt.Errorf("insert saga %s failed: %w", e.ID, err)
	}
	return nil
}

func (s *PostgresStore) UpdateSaga(e *models.SagaExecution) error {
	steps, err := json.Marshal(e.Steps)
	if err != nil {
		return fmt.Errorf("marshal saga steps failed: %w", err)
	}
	res, err := s.db.Exec(
		`UPDATE saga_executions SET steps = $1, cursor = $2, status = $3, last_error = $4, updated_at = $5 WHERE id = $6`,
		string(steps), e.Cursor, string(e.Status), e.LastError, e.UpdatedAt, e.ID,
	)
	if err != nil {
		slog.Error("PostgresStore UpdateSaga failed", "error", err, "id", e.ID)
		return fmt.Errorf("update saga %s failed: %w", e.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrSagaNotFound
	}
	return nil
}

func (s *PostgresStore) GetSaga(id string) (*models.SagaExecution, error) {
	row := s.db.QueryRow(
		`SELECT id, correlation_id, steps, cursor, status, last_error, created_at, updated_at FROM saga_executions WHERE id = $1`, id)
	e, err := scanSagaRow(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrSagaNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get saga %s failed: %w", id, err)
	}
	return e, nil
}

func (s *PostgresStore) ListSagasByStatus(status models.SagaStatus) ([]*models.SagaExecution, error) {
	rows, err := s.db.Query(
		`SELECT id, correlation_id, steps, cursor, status, last_error, created_at, updated_at
		 FROM saga_executions WHERE status = $1 ORDER BY created_at`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list sagas by status failed: %w", err)
	}
	defer rows.Close()
	return collectSagas(rows)
}

func (s *PostgresStore) ReserveKey(key string, now, expiresAt time.Time) (bool, string, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, "", fmt.Errorf("reserve key begin failed: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM idempotency_keys WHERE dedup_key = $1 AND expires_at <= $2`, key, now); err != nil {
		return false, "", fmt.Errorf("reserve key purge failed: %w", err)
	}

	res, err := tx.Exec(
		`INSERT INTO idempotency_keys (dedup_key, first_seen_at, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (dedup_key) DO NOTHING`,
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
	if err := tx.QueryRow(`SELECT result_fingerprint FROM idempotency_keys WHERE dedup_key = $1`, key).Scan(&fingerprint); err != nil {
		return false, "", fmt.Errorf("reserve key fingerprint lookup failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, "", fmt.Errorf("reserve key commit failed: %w", err)
	}
	return false, fingerprint, nil
}

func (s *PostgresStore) RecordFingerprint(key, fingerprint string) error {
	_, err := s.db.Exec(`UPDATE idempotency_keys SET result_fingerprint = $1 WHERE dedup_key = $2`, fingerprint, key)
	if err != nil {
		return fmt.Errorf("record fingerprint failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) PurgeExpiredKeys(now time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM idempotency_keys WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("purge expired keys failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *PostgresStore) IncrWithCeiling(subject string, channel models.ChannelClass, day string, ceiling int, windowExpiresAt time.Time) (int, bool, error) {
	if ceiling <= 0 {
		cur, err := s.GetRateCount(subject, channel, day)
		return cur, false, err
	}
	// Single statement: seed or increment only while below the ceiling;
	// no row comes back when the window is already full.
	var count int
	err := s.db.QueryRow(
		`INSERT INTO rate_counters (subject_key, channel, day, count, window_expires_at)
		 VALUES ($1, $2, $3, 1, $4)
		 ON CONFLICT (subject_key, channel, day) DO UPDATE
		   SET count = rate_counters.count + 1
		   WHERE rate_counters.count < $5
		 RETURNING count`,
		subject, string(channel), day, windowExpiresAt, ceiling,
	).Scan(&count)
	if err == sql.ErrNoRows {
		cur, gerr := s.GetRateCount(subject, channel, day)
		if gerr != nil {
			return 0, false, gerr
		}
		return cur, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("rate incr failed: %w", err)
	}
	return count, true, nil
}

func (s *PostgresStore) GetRateCount(subject string, channel models.ChannelClass, day string) (int, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT count FROM rate_counters WHERE subject_key = $1 AND channel = $2 AND day = $3`,
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

func (s *PostgresStore) SetOptedOut(subject string, optedOut bool, at time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO subject_eligibility (subject_key, opted_out, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (subject_key) DO UPDATE SET opted_out = EXCLUDED.opted_out, updated_at = EXCLUDED.updated_at`,
		subject, optedOut, at,
	)
	if err != nil {
		return fmt.Errorf("set opted out failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsOptedOut(subject string) (bool, error) {
	var optedOut bool
	err := s.db.QueryRow(`SELECT opted_out FROM subject_eligibility WHERE subject_key = $1`, subject).Scan(&optedOut)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("eligibility lookup failed: %w", err)
	}
	return optedOut, nil
}

func (s *PostgresStore) AppendAuditEvent(e models.AuditEvent) error {
	_, err := s.db.Exec(
		`INSERT INTO audit_events (subject_key, kind, detail, created_at) VALUES ($1, $2, $3, $4)`,
		e.SubjectKey, string(e.Kind), e.Detail, e.CreatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore AppendAuditEvent failed", "error", err, "subject", e.SubjectKey, "kind", e.Kind)
		return fmt.Errorf("append audit event failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAuditEvents(subject string, since time.Time) ([]models.AuditEvent, error) {
	rows, err := s.db.Query(
		`SELECT id, subject_key, kind, detail, created_at FROM audit_events
		 WHERE subject_key = $1 AND created_at >= $2 ORDER BY created_at, id`, subject, since)
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
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
