// Package dedup implements the inbound idempotency guard.
//
// The guard admits each deduplication key at most once within a retention
// window. If the backing store is unreachable it fails closed: the event
// is treated as a duplicate, because re-running a saga with external side
// effects (AI billing, sent SMS) is worse than dropping one message.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/souschef-sms/souschef/internal/models"
	"github.com/souschef-sms/souschef/internal/store"
)

// DefaultTTL is the reference retention window for idempotency keys.
const DefaultTTL = 24 * time.Hour

// hashBucket is the coarse timestamp bucket used when no provider
// message id is available.
const hashBucket = 5 * time.Minute

// Decision is the result of admitting a key.
type Decision struct {
	// Accepted is true on first occurrence within the TTL window.
	Accepted bool
	// Fingerprint is the previously recorded outcome for a duplicate,
	// when available.
	Fingerprint string
}

// Guard is the idempotency guard over a DedupRepo.
type Guard struct {
	repo store.DedupRepo
	ttl  time.Duration
	now  func() time.Time
}

// NewGuard creates a guard with the given retention TTL. A non-positive
// ttl selects DefaultTTL.
func NewGuard(repo store.DedupRepo, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Guard{repo: repo, ttl: ttl, now: time.Now}
}

// Admit atomically records key as seen. The first call within the TTL
// window returns Accepted; repeats return the recorded outcome
// fingerprint. A store error fails closed and reports the key as not
// accepted alongside the error.
func (g *Guard) Admit(ctx context.Context, key string) (Decision, error) {
	now := g.now()
	reserved, fingerprint, err := g.repo.ReserveKey(key, now, now.Add(g.ttl))
	if err != nil {
		slog.Error("Guard.Admit: store unreachable, failing closed", "error", err, "key", key)
		return Decision{Accepted: false}, fmt.Errorf("idempotency store unavailable: %w", err)
	}
	if !reserved {
		slog.Info("Guard.Admit: duplicate key", "key", key)
		return Decision{Accepted: false, Fingerprint: fingerprint}, nil
	}
	slog.Debug("Guard.Admit: key accepted", "key", key)
	return Decision{Accepted: true}, nil
}

// RecordOutcome stores the processing outcome fingerprint for an admitted
// key, so later duplicates can report what happened the first time.
func (g *Guard) RecordOutcome(ctx context.Context, key, fingerprint string) error {
	if err := g.repo.RecordFingerprint(key, fingerprint); err != nil {
		slog.Error("Guard.RecordOutcome: record failed", "error", err, "key", key)
		return fmt.Errorf("record outcome for %s failed: %w", key, err)
	}
	return nil
}

// Purge removes expired keys. Intended for a periodic maintenance loop.
func (g *Guard) Purge(ctx context.Context) (int, error) {
	n, err := g.repo.PurgeExpiredKeys(g.now())
	if err != nil {
		return 0, fmt.Errorf("purge expired keys failed: %w", err)
	}
	if n > 0 {
		slog.Debug("Guard.Purge: removed expired keys", "count", n)
	}
	return n, nil
}

// KeyFor derives the deduplication key for an inbound message: the
// provider message id when present, otherwise a stable hash of sender,
// content, and a coarse timestamp bucket.
func KeyFor(msg models.InboundMessage) string {
	if msg.ProviderMessageID != "" {
		return msg.ProviderMessageID
	}
	bucket := msg.ReceivedAt.UTC().Truncate(hashBucket).Unix()
	h := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%d", msg.SenderAddress, msg.Body, bucket))
	return hex.EncodeToString(h[:])
}
