// Package ratelimit implements the compliance-driven messaging limiter.
//
// One fixed-window counter exists per subject per channel class per UTC
// calendar day, with distinct ceilings per class. The limiter also owns
// subject eligibility: opt-outs take effect before the next outbound
// attempt is evaluated, enforced here rather than by callers.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/souschef-sms/souschef/internal/models"
	"github.com/souschef-sms/souschef/internal/store"
)

// Reference ceilings per channel class.
const (
	DefaultIndividualCeiling = 10
	DefaultBroadcastCeiling  = 5
)

// Policy configures ceilings and broadcast subject scoping.
type Policy struct {
	// Ceilings maps channel class to messages per day.
	Ceilings map[models.ChannelClass]int
	// BroadcastPerHousehold counts broadcast traffic against the
	// household rather than each member address. The source material is
	// ambiguous here, so it is configuration, not an assumption.
	BroadcastPerHousehold bool
}

// DefaultPolicy returns the reference policy: 10/day individual,
// 5/day broadcast, broadcast counted per household.
func DefaultPolicy() Policy {
	return Policy{
		Ceilings: map[models.ChannelClass]int{
			models.ChannelIndividual: DefaultIndividualCeiling,
			models.ChannelBroadcast:  DefaultBroadcastCeiling,
		},
		BroadcastPerHousehold: true,
	}
}

// Decision is the outcome of a consume attempt.
type Decision struct {
	Allowed bool
	// RetryAfter is how long until the window resets, when not allowed.
	RetryAfter time.Duration
}

// Limiter enforces per-subject daily ceilings and opt-out eligibility.
type Limiter struct {
	rate   store.RateRepo
	audit  store.AuditRepo
	policy Policy
	now    func() time.Time
}

// NewLimiter creates a limiter over the rate and audit repositories.
func NewLimiter(rate store.RateRepo, audit store.AuditRepo, policy Policy) *Limiter {
	if policy.Ceilings == nil {
		policy = DefaultPolicy()
	}
	return &Limiter{rate: rate, audit: audit, policy: policy, now: time.Now}
}

// TryConsume atomically consumes one send credit for the subject and
// channel class. Opted-out subjects are always denied. When the ceiling
// is reached the counter is left unchanged, an audit-adjacent event is
// recorded, and RetryAfter reports the time until the window resets.
func (l *Limiter) TryConsume(ctx context.Context, subject string, class models.ChannelClass) (Decision, error) {
	optedOut, err := l.rate.IsOptedOut(subject)
	if err != nil {
		slog.Error("Limiter.TryConsume: eligibility lookup failed", "error", err, "subject", subject)
		return Decision{}, fmt.Errorf("eligibility lookup for %s failed: %w", subject, err)
	}
	if optedOut {
		slog.Info("Limiter.TryConsume: subject opted out, denying", "subject", subject, "class", class)
		return Decision{Allowed: false}, nil
	}

	ceiling, ok := l.policy.Ceilings[class]
	if !ok {
		return Decision{}, fmt.Errorf("no ceiling configured for channel class %q", class)
	}

	now := l.now().UTC()
	day := now.Format("2006-01-02")
	windowEnd := now.Truncate(24 * time.Hour).Add(24 * time.Hour)

	count, allowed, err := l.rate.IncrWithCeiling(subject, class, day, ceiling, windowEnd)
	if err != nil {
		slog.Error("Limiter.TryConsume: increment failed", "error", err, "subject", subject, "class", class)
		return Decision{}, fmt.Errorf("rate increment for %s failed: %w", subject, err)
	}
	if !allowed {
		slog.Info("Limiter.TryConsume: ceiling reached", "subject", subject, "class", class, "count", count, "ceiling", ceiling)
		if auditErr := l.audit.AppendAuditEvent(models.AuditEvent{
			SubjectKey: subject,
			Kind:       models.AuditRateLimited,
			Detail:     fmt.Sprintf("class=%s count=%d ceiling=%d", class, count, ceiling),
			CreatedAt:  now,
		}); auditErr != nil {
			slog.Error("Limiter.TryConsume: audit append failed", "error", auditErr, "subject", subject)
		}
		return Decision{Allowed: false, RetryAfter: windowEnd.Sub(now)}, nil
	}

	slog.Debug("Limiter.TryConsume: consumed", "subject", subject, "class", class, "count", count, "ceiling", ceiling)
	return Decision{Allowed: true}, nil
}

// RecordOptOut marks the subject ineligible and appends an audit event.
// Eligibility flips synchronously, before this call returns.
func (l *Limiter) RecordOptOut(ctx context.Context, subject string) error {
	now := l.now()
	if err := l.rate.SetOptedOut(subject, true, now); err != nil {
		slog.Error("Limiter.RecordOptOut: eligibility update failed", "error", err, "subject", subject)
		return fmt.Errorf("record opt-out for %s failed: %w", subject, err)
	}
	if err := l.audit.AppendAuditEvent(models.AuditEvent{
		SubjectKey: subject,
		Kind:       models.AuditOptedOut,
		CreatedAt:  now,
	}); err != nil {
		slog.Error("Limiter.RecordOptOut: audit append failed", "error", err, "subject", subject)
		return fmt.Errorf("audit opt-out for %s failed: %w", subject, err)
	}
	slog.Info("Limiter.RecordOptOut: subject opted out", "subject", subject)
	return nil
}

// RecordOptIn restores subject eligibility and appends an audit event.
func (l *Limiter) RecordOptIn(ctx context.Context, subject string) error {
	now := l.now()
	if err := l.rate.SetOptedOut(subject, false, now); err != nil {
		slog.Error("Limiter.RecordOptIn: eligibility update failed", "error", err, "subject", subject)
		return fmt.Errorf("record opt-in for %s failed: %w", subject, err)
	}
	if err := l.audit.AppendAuditEvent(models.AuditEvent{
		SubjectKey: subject,
		Kind:       models.AuditOptedIn,
		CreatedAt:  now,
	}); err != nil {
		slog.Error("Limiter.RecordOptIn: audit append failed", "error", err, "subject", subject)
		return fmt.Errorf("audit opt-in for %s failed: %w", subject, err)
	}
	slog.Info("Limiter.RecordOptIn: subject opted in", "subject", subject)
	return nil
}

// IsOptedOut reports current subject eligibility.
func (l *Limiter) IsOptedOut(ctx context.Context, subject string) (bool, error) {
	return l.rate.IsOptedOut(subject)
}
