// Package scheduler runs the engine's periodic maintenance jobs.
//
// Jobs are registered with cron expressions. The two built-in concerns
// are idempotency-key retention and reconciliation of conversation
// contexts whose durable flush previously exhausted its retries.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Default cron expressions for the built-in maintenance jobs.
const (
	// DefaultPurgeSchedule runs idempotency-key purging nightly.
	DefaultPurgeSchedule = "30 4 * * *"
	// DefaultReconcileSchedule retries dirty-context flushes every
	// five minutes.
	DefaultReconcileSchedule = "*/5 * * * *"
)

// KeyPurger removes idempotency keys past their retention window.
type KeyPurger interface {
	PurgeExpiredKeys(now time.Time) (int, error)
}

// DirtyFlusher re-attempts durable writes for contexts flagged dirty.
type DirtyFlusher interface {
	FlushDirty(ctx context.Context) int
}

// Scheduler provides cron-based maintenance job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler using the standard
// five-field expression format.
func NewScheduler() *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// RegisterPurge schedules removal of expired idempotency keys.
func (s *Scheduler) RegisterPurge(expr string, purger KeyPurger) error {
	return s.AddJob(expr, func() {
		n, err := purger.PurgeExpiredKeys(time.Now())
		if err != nil {
			slog.Error("Scheduler: idempotency key purge failed", "error", err)
			return
		}
		slog.Info("Scheduler: idempotency keys purged", "count", n)
	})
}

// RegisterReconcile schedules dirty-context flush retries.
func (s *Scheduler) RegisterReconcile(expr string, flusher DirtyFlusher) error {
	return s.AddJob(expr, func() {
		if n := flusher.FlushDirty(context.Background()); n > 0 {
			slog.Info("Scheduler: dirty contexts reconciled", "count", n)
		}
	})
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}
