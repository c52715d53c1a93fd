// Package store provides storage backends for the conversation engine.
//
// The durable store is split into focused repositories: conversation
// contexts, saga executions, idempotency keys, rate-limit counters, and
// the append-only audit log. Backends: in-memory (tests, hot cache
// sibling), SQLite, and PostgreSQL.
package store

import (
	"time"

	"github.com/souschef-sms/souschef/internal/models"
)

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithDSN sets the database DSN (file path for SQLite, connection string
// for Postgres).
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// ContextRepo persists conversation contexts. The hybrid state store is
// the only writer; it owns version arbitration, so durable writes are
// latest-wins guarded by version (an older snapshot never overwrites a
// newer one).
type ContextRepo interface {
	// GetContext returns the context for key, or nil if none exists.
	GetContext(key models.ConversationKey) (*models.ConversationContext, error)

	// UpsertContext writes a context snapshot. A stored row with a higher
	// version is left untouched.
	UpsertContext(c *models.ConversationContext) error

	// DeleteContext removes the context for key. Deleting a missing
	// context is not an error.
	DeleteContext(key models.ConversationKey) error

	// ListExpiredContexts returns up to limit contexts whose expires_at
	// has passed, for the abandonment sweep.
	ListExpiredContexts(now time.Time, limit int) ([]*models.ConversationContext, error)

	// MarkContextDirty flags a context whose durable flush exhausted
	// retries, surfacing it for operator reconciliation.
	MarkContextDirty(key models.ConversationKey) error

	// ListDirtyContexts returns contexts flagged dirty.
	ListDirtyContexts() ([]*models.ConversationContext, error)
}

// SagaRepo persists saga execution records. Terminal records are
// immutable and retained for audit.
type SagaRepo interface {
	// InsertSaga creates a new execution record.
	InsertSaga(e *models.SagaExecution) error

	// UpdateSaga rewrites the steps, cursor, and status of an execution.
	UpdateSaga(e *models.SagaExecution) error

	// GetSaga returns the execution by id, or models.ErrSagaNotFound.
	GetSaga(id string) (*models.SagaExecution, error)

	// ListSagasByStatus returns executions with the given status.
	ListSagasByStatus(status models.SagaStatus) ([]*models.SagaExecution, error)
}

// DedupRepo provides atomic read-or-insert for idempotency keys.
type DedupRepo interface {
	// ReserveKey atomically records key as seen. Returns reserved=true on
	// first occurrence within the retention window; on a repeat it returns
	// reserved=false and the previously recorded outcome fingerprint.
	ReserveKey(key string, now, expiresAt time.Time) (reserved bool, fingerprint string, err error)

	// RecordFingerprint stores the processing outcome fingerprint for a
	// previously reserved key.
	RecordFingerprint(key, fingerprint string) error

	// PurgeExpiredKeys removes keys past their retention window.
	PurgeExpiredKeys(now time.Time) (int, error)
}

// RateRepo provides atomic fixed-window counters and subject eligibility.
type RateRepo interface {
	// IncrWithCeiling atomically increments the counter for
	// (subject, channel, day) unless the increment would exceed ceiling,
	// in which case the count is left unchanged and allowed=false is
	// returned. The returned count is the value after the call.
	IncrWithCeiling(subject string, channel models.ChannelClass, day string, ceiling int, windowExpiresAt time.Time) (count int, allowed bool, err error)

	// GetRateCount returns the current count for (subject, channel, day).
	GetRateCount(subject string, channel models.ChannelClass, day string) (int, error)

	// SetOptedOut records subject messaging eligibility.
	SetOptedOut(subject string, optedOut bool, at time.Time) error

	// IsOptedOut reports whether subject has opted out. Unknown subjects
	// are eligible.
	IsOptedOut(subject string) (bool, error)
}

// AuditRepo is the append-only compliance log.
type AuditRepo interface {
	// AppendAuditEvent appends one event. Events are never updated or
	// deleted.
	AppendAuditEvent(e models.AuditEvent) error

	// ListAuditEvents returns events for subject since the given time,
	// ordered by timestamp.
	ListAuditEvents(subject string, since time.Time) ([]models.AuditEvent, error)
}

// Store is the composite durable store used by the engine.
type Store interface {
	ContextRepo
	SagaRepo
	DedupRepo
	RateRepo
	AuditRepo

	// Close releases backend resources.
	Close() error
}
