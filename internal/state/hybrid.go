// Package state implements the hybrid hot/cold conversation state store.
//
// Reads prefer an in-process cache and fall back to the durable store on
// a miss. Writes are compare-and-swap on the context version, applied to
// the cache synchronously and flushed to the durable store by a bounded
// background worker, so a write is visible to subsequent loads
// immediately while durability may lag by a bounded interval.
package state

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/souschef-sms/souschef/internal/models"
	"github.com/souschef-sms/souschef/internal/store"
)

// Configuration defaults for the hybrid store.
const (
	// DefaultFlushQueueSize bounds the background flush queue.
	DefaultFlushQueueSize = 256
	// DefaultFlushMaxRetries is how many times a durable write is retried
	// before the context is flagged dirty.
	DefaultFlushMaxRetries = 5
	// DefaultFlushBackoff is the initial retry delay; it doubles per attempt.
	DefaultFlushBackoff = 200 * time.Millisecond
)

// HybridStore is the engine's conversation state store.
type HybridStore struct {
	durable store.ContextRepo

	mu    sync.Mutex
	cache map[string]*models.ConversationContext
	dirty map[string]struct{}
	// gens counts deletions per key. A queued flush carries the
	// generation it was enqueued under; Delete bumps it, so stale
	// flushes cannot resurrect a deleted context in the durable store.
	gens map[string]uint64

	flushQ     chan flushRequest
	wg         sync.WaitGroup
	closeOnce  sync.Once
	maxRetries int
	backoff    time.Duration
}

// flushRequest is one queued durable write plus the delete generation
// it belongs to.
type flushRequest struct {
	c   *models.ConversationContext
	gen uint64
}

// Opts holds configuration options for the hybrid store.
type Opts struct {
	QueueSize  int
	MaxRetries int
	Backoff    time.Duration
}

// Option defines a configuration option for the hybrid store.
type Option func(*Opts)

// WithQueueSize sets the flush queue bound.
func WithQueueSize(n int) Option {
	return func(o *Opts) { o.QueueSize = n }
}

// WithFlushRetries sets the durable-write retry bound.
func WithFlushRetries(n int) Option {
	return func(o *Opts) { o.MaxRetries = n }
}

// WithFlushBackoff sets the initial durable-write retry delay.
func WithFlushBackoff(d time.Duration) Option {
	return func(o *Opts) { o.Backoff = d }
}

// NewHybridStore creates a hybrid store over the durable context repo and
// starts the background flush worker.
func NewHybridStore(durable store.ContextRepo, opts ...Option) *HybridStore {
	cfg := Opts{
		QueueSize:  DefaultFlushQueueSize,
		MaxRetries: DefaultFlushMaxRetries,
		Backoff:    DefaultFlushBackoff,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	hs := &HybridStore{
		durable:    durable,
		cache:      make(map[string]*models.ConversationContext),
		dirty:      make(map[string]struct{}),
		gens:       make(map[string]uint64),
		flushQ:     make(chan flushRequest, cfg.QueueSize),
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.Backoff,
	}
	hs.wg.Add(1)
	go hs.flushWorker()
	slog.Debug("HybridStore created", "queueSize", cfg.QueueSize, "maxRetries", cfg.MaxRetries)
	return hs
}

// Load returns the context for key, or nil if none exists. Cache misses
// fall back to the durable store and repopulate the cache.
func (hs *HybridStore) Load(ctx context.Context, key models.ConversationKey) (*models.ConversationContext, error) {
	k := key.String()
	hs.mu.Lock()
	if c, ok := hs.cache[k]; ok {
		hs.mu.Unlock()
		return c.Clone(), nil
	}
	hs.mu.Unlock()

	c, err := hs.durable.GetContext(key)
	if err != nil {
		slog.Error("HybridStore.Load: durable read failed", "error", err, "key", k)
		return nil, fmt.Errorf("load context %s failed: %w", k, err)
	}
	if c == nil {
		return nil, nil
	}

	hs.mu.Lock()
	// Another goroutine may have populated (or advanced) the entry while
	// the durable read was in flight; the cache copy wins.
	if cached, ok := hs.cache[k]; ok {
		c = cached
	} else {
		hs.cache[k] = c.Clone()
	}
	hs.mu.Unlock()

	slog.Debug("HybridStore.Load: repopulated cache from durable store", "key", k, "version", c.Version)
	return c.Clone(), nil
}

// Save applies a compare-and-swap write: expectedVersion must equal the
// current stored version (0 for a context that does not yet exist). On
// success the stored version becomes expectedVersion+1, the cache is
// updated synchronously, and a durable flush is queued. A mismatch
// returns models.ErrVersionConflict and changes nothing.
func (hs *HybridStore) Save(ctx context.Context, c *models.ConversationContext, expectedVersion int64) error {
	if err := c.Key.Validate(); err != nil {
		return err
	}
	k := c.Key.String()

	hs.mu.Lock()
	current, ok := hs.cache[k]
	if !ok {
		// Cold start: consult the durable store under the lock so two
		// concurrent first writers cannot both pass the check.
		durableCur, err := hs.durable.GetContext(c.Key)
		if err != nil {
			hs.mu.Unlock()
			slog.Error("HybridStore.Save: durable read failed", "error", err, "key", k)
			return fmt.Errorf("save context %s failed: %w", k, err)
		}
		if durableCur != nil {
			hs.cache[k] = durableCur
			current = durableCur
			ok = true
		}
	}

	var currentVersion int64
	if ok {
		currentVersion = current.Version
	}
	if currentVersion != expectedVersion {
		hs.mu.Unlock()
		slog.Debug("HybridStore.Save: version conflict", "key", k, "expected", expectedVersion, "current", currentVersion)
		return models.ErrVersionConflict
	}

	snapshot := c.Clone()
	snapshot.Version = expectedVersion + 1
	snapshot.UpdatedAt = time.Now()
	snapshot.Dirty = false
	hs.cache[k] = snapshot
	delete(hs.dirty, k)
	gen := hs.gens[k]
	c.Version = snapshot.Version
	c.UpdatedAt = snapshot.UpdatedAt
	hs.mu.Unlock()

	hs.enqueueFlush(flushRequest{c: snapshot.Clone(), gen: gen})
	slog.Debug("HybridStore.Save: saved", "key", k, "version", snapshot.Version, "state", snapshot.State)
	return nil
}

// Delete removes the context from the cache and the durable store, and
// invalidates any flush still queued for the key.
func (hs *HybridStore) Delete(ctx context.Context, key models.ConversationKey) error {
	k := key.String()
	hs.mu.Lock()
	delete(hs.cache, k)
	delete(hs.dirty, k)
	hs.gens[k]++
	hs.mu.Unlock()

	if err := hs.durable.DeleteContext(key); err != nil {
		slog.Error("HybridStore.Delete: durable delete failed", "error", err, "key", k)
		return fmt.Errorf("delete context %s failed: %w", k, err)
	}
	slog.Debug("HybridStore.Delete: deleted", "key", k)
	return nil
}

// Evict drops a key from the hot cache without touching the durable
// store. Used after a sweep handles a context discovered durably.
func (hs *HybridStore) Evict(key models.ConversationKey) {
	hs.mu.Lock()
	delete(hs.cache, key.String())
	hs.mu.Unlock()
}

// DirtyKeys returns the keys whose durable flush exhausted retries and
// which await operator reconciliation.
func (hs *HybridStore) DirtyKeys() []string {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	keys := make([]string, 0, len(hs.dirty))
	for k := range hs.dirty {
		keys = append(keys, k)
	}
	return keys
}

// FlushDirty re-attempts the durable write for contexts whose flush
// exhausted its retries. It returns how many were reconciled. Dirty
// keys with no cached copy are left flagged for operator inspection.
func (hs *HybridStore) FlushDirty(ctx context.Context) int {
	hs.mu.Lock()
	pending := make([]*models.ConversationContext, 0, len(hs.dirty))
	for k := range hs.dirty {
		if c, ok := hs.cache[k]; ok {
			pending = append(pending, c.Clone())
		}
	}
	hs.mu.Unlock()

	flushed := 0
	for _, c := range pending {
		c.Dirty = false
		if err := hs.durable.UpsertContext(c); err != nil {
			slog.Error("HybridStore.FlushDirty: durable write failed", "error", err, "key", c.Key.String())
			continue
		}
		k := c.Key.String()
		hs.mu.Lock()
		delete(hs.dirty, k)
		if cached, ok := hs.cache[k]; ok && cached.Version == c.Version {
			cached.Dirty = false
		}
		hs.mu.Unlock()
		flushed++
	}
	return flushed
}

// Close stops accepting flushes and drains the queue.
func (hs *HybridStore) Close() error {
	hs.closeOnce.Do(func() {
		close(hs.flushQ)
	})
	hs.wg.Wait()
	return nil
}

func (hs *HybridStore) enqueueFlush(req flushRequest) {
	select {
	case hs.flushQ <- req:
	default:
		// Queue full: write through synchronously rather than drop, so
		// durability lag stays bounded under load.
		slog.Warn("HybridStore.enqueueFlush: flush queue full, writing synchronously", "key", req.c.Key.String())
		hs.flushOne(req)
	}
}

func (hs *HybridStore) flushWorker() {
	defer hs.wg.Done()
	for req := range hs.flushQ {
		hs.flushOne(req)
	}
}

// flushStale reports whether the key was deleted after the request was
// enqueued.
func (hs *HybridStore) flushStale(k string, gen uint64) bool {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return hs.gens[k] != gen
}

func (hs *HybridStore) flushOne(req flushRequest) {
	c := req.c
	k := c.Key.String()
	delay := hs.backoff
	var err error
	for attempt := 0; attempt <= hs.maxRetries; attempt++ {
		if hs.flushStale(k, req.gen) {
			slog.Debug("HybridStore.flushOne: flush superseded by delete", "key", k, "version", c.Version)
			return
		}
		if err = hs.durable.UpsertContext(c); err == nil {
			// Deleted while the write was in flight: undo it so the
			// durable store does not resurrect a finished conversation.
			if hs.flushStale(k, req.gen) {
				if delErr := hs.durable.DeleteContext(c.Key); delErr != nil {
					slog.Error("HybridStore.flushOne: undo of superseded flush failed", "error", delErr, "key", k)
				}
			}
			return
		}
		slog.Error("HybridStore.flushOne: durable write failed", "error", err, "key", k, "attempt", attempt+1)
		if attempt < hs.maxRetries {
			time.Sleep(delay)
			delay *= 2
		}
	}

	// Retries exhausted: flag the context dirty so an operator can
	// reconcile, rather than losing the write silently.
	hs.mu.Lock()
	if hs.gens[k] != req.gen {
		hs.mu.Unlock()
		return
	}
	if cached, ok := hs.cache[k]; ok {
		cached.Dirty = true
	}
	hs.dirty[k] = struct{}{}
	hs.mu.Unlock()
	if markErr := hs.durable.MarkContextDirty(c.Key); markErr != nil {
		slog.Error("HybridStore.flushOne: mark dirty failed", "error", markErr, "key", k)
	}
	slog.Error("HybridStore.flushOne: flush retries exhausted, context flagged dirty", "key", k, "version", c.Version, "error", err)
}
