package state

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/souschef-sms/souschef/internal/models"
	"github.com/souschef-sms/souschef/internal/store"
)

func testKey() models.ConversationKey {
	return models.ConversationKey{HouseholdID: "h1", MemberID: "m1", Channel: models.ChannelIndividual}
}

func testContext() *models.ConversationContext {
	return &models.ConversationContext{
		Key:      testKey(),
		FlowName: "recipe-capture",
		State:    "awaiting_photo",
		FlowData: map[string]string{},
	}
}

// failingRepo wraps an in-memory repo and fails upserts on demand.
type failingRepo struct {
	*store.InMemoryStore
	mu         sync.Mutex
	failUpsert bool
	upserts    int
}

func (f *failingRepo) UpsertContext(c *models.ConversationContext) error {
	f.mu.Lock()
	f.upserts++
	fail := f.failUpsert
	f.mu.Unlock()
	if fail {
		return errors.New("durable store down")
	}
	return f.InMemoryStore.UpsertContext(c)
}

func TestSaveAndLoad(t *testing.T) {
	durable := store.NewInMemoryStore()
	hs := NewHybridStore(durable)
	defer hs.Close()
	ctx := context.Background()

	c := testContext()
	if err := hs.Save(ctx, c, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Version != 1 {
		t.Errorf("expected version 1 after first save, got %d", c.Version)
	}

	got, err := hs.Load(ctx, testKey())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || got.Version != 1 || got.State != "awaiting_photo" {
		t.Errorf("load returned wrong context: %+v", got)
	}

	// Mutating the loaded copy must not alias the cache.
	got.FlowData["x"] = "y"
	again, err := hs.Load(ctx, testKey())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := again.FlowData["x"]; ok {
		t.Error("loaded context aliases the cached copy")
	}
}

func TestSaveVersionConflict(t *testing.T) {
	hs := NewHybridStore(store.NewInMemoryStore())
	defer hs.Close()
	ctx := context.Background()

	if err := hs.Save(ctx, testContext(), 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := hs.Save(ctx, testContext(), 0)
	if !errors.Is(err, models.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	// The conflicting write must not have advanced anything.
	got, err := hs.Load(ctx, testKey())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Version != 1 {
		t.Errorf("conflicting save changed version: %d", got.Version)
	}
}

func TestConcurrentWritersExactlyOneWins(t *testing.T) {
	hs := NewHybridStore(store.NewInMemoryStore())
	defer hs.Close()
	ctx := context.Background()

	if err := hs.Save(ctx, testContext(), 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	const writers = 8
	var wg sync.WaitGroup
	results := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := testContext()
			c.State = "awaiting_confirm"
			results[i] = hs.Save(ctx, c, 1)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
		} else if !errors.Is(err, models.ErrVersionConflict) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("expected exactly one winning writer, got %d", wins)
	}

	got, err := hs.Load(ctx, testKey())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Version != 2 {
		t.Errorf("expected version 2 after one winning write, got %d", got.Version)
	}
}

func TestColdStartConsultsDurable(t *testing.T) {
	durable := store.NewInMemoryStore()
	seed := testContext()
	seed.Version = 4
	if err := durable.UpsertContext(seed); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	hs := NewHybridStore(durable)
	defer hs.Close()

	// With an empty cache, a first-writer claim must lose to the durable row.
	err := hs.Save(context.Background(), testContext(), 0)
	if !errors.Is(err, models.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict on cold start, got %v", err)
	}
	if err := hs.Save(context.Background(), testContext(), 4); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestFlushReachesDurable(t *testing.T) {
	durable := store.NewInMemoryStore()
	hs := NewHybridStore(durable)

	if err := hs.Save(context.Background(), testContext(), 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Close drains the flush queue.
	if err := hs.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := durable.GetContext(testKey())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || got.Version != 1 {
		t.Errorf("durable store missing flushed context: %+v", got)
	}
}

func TestFlushExhaustionFlagsDirty(t *testing.T) {
	repo := &failingRepo{InMemoryStore: store.NewInMemoryStore(), failUpsert: true}
	hs := NewHybridStore(repo, WithFlushRetries(1), WithFlushBackoff(time.Millisecond))

	if err := hs.Save(context.Background(), testContext(), 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := hs.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	keys := hs.DirtyKeys()
	if len(keys) != 1 || keys[0] != testKey().String() {
		t.Errorf("expected the failed key flagged dirty, got %v", keys)
	}
	// The cached copy still serves reads while dirty.
	got, err := hs.Load(context.Background(), testKey())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || !got.Dirty {
		t.Errorf("cached context should survive and be marked dirty: %+v", got)
	}
}

// gatedRepo stalls upserts until the gate opens so tests can order
// deletes against in-flight and queued flushes.
type gatedRepo struct {
	*store.InMemoryStore
	enter chan struct{}
	gate  chan struct{}

	mu       sync.Mutex
	upserted []string
}

func (g *gatedRepo) UpsertContext(c *models.ConversationContext) error {
	g.enter <- struct{}{}
	<-g.gate
	g.mu.Lock()
	g.upserted = append(g.upserted, c.Key.String())
	g.mu.Unlock()
	return g.InMemoryStore.UpsertContext(c)
}

func (g *gatedRepo) sawUpsert(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, k := range g.upserted {
		if k == key {
			return true
		}
	}
	return false
}

func TestDeleteSupersedesInFlightFlush(t *testing.T) {
	repo := &gatedRepo{InMemoryStore: store.NewInMemoryStore(), enter: make(chan struct{}, 2), gate: make(chan struct{})}
	hs := NewHybridStore(repo)
	ctx := context.Background()

	c := testContext()
	c.State = "completed"
	if err := hs.Save(ctx, c, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	<-repo.enter // flush worker is mid-upsert

	// Terminal cleanup deletes while the durable write is in flight.
	if err := hs.Delete(ctx, testKey()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	close(repo.gate)
	if err := hs.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	durable, err := repo.InMemoryStore.GetContext(testKey())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if durable != nil {
		t.Errorf("deleted context resurrected in durable store: state=%s version=%d", durable.State, durable.Version)
	}
	got, err := hs.Load(ctx, testKey())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("deleted context still loadable: %+v", got)
	}
}

func TestDeleteCancelsQueuedFlush(t *testing.T) {
	repo := &gatedRepo{InMemoryStore: store.NewInMemoryStore(), enter: make(chan struct{}, 2), gate: make(chan struct{})}
	hs := NewHybridStore(repo)
	ctx := context.Background()

	// Occupy the flush worker with an unrelated key so the next flush
	// stays queued.
	other := testContext()
	other.Key.MemberID = "m2"
	if err := hs.Save(ctx, other, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	<-repo.enter

	c := testContext()
	if err := hs.Save(ctx, c, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := hs.Delete(ctx, testKey()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	close(repo.gate)
	if err := hs.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if repo.sawUpsert(testKey().String()) {
		t.Errorf("queued flush for a deleted key should be skipped")
	}
	durable, err := repo.InMemoryStore.GetContext(testKey())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if durable != nil {
		t.Errorf("deleted context resurrected in durable store: %+v", durable)
	}
	// The unrelated key's flush still lands.
	if kept, err := repo.InMemoryStore.GetContext(other.Key); err != nil || kept == nil {
		t.Errorf("unrelated context should survive: %+v err=%v", kept, err)
	}
}

func TestSaveAfterDeleteFlushesAgain(t *testing.T) {
	durable := store.NewInMemoryStore()
	hs := NewHybridStore(durable)
	ctx := context.Background()

	if err := hs.Save(ctx, testContext(), 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := hs.Delete(ctx, testKey()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// A fresh conversation on the same key flushes under the new
	// generation.
	if err := hs.Save(ctx, testContext(), 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := hs.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := durable.GetContext(testKey())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || got.Version != 1 {
		t.Errorf("new context after delete should be durable at version 1: %+v", got)
	}
}

func TestFlushDirtyReconciles(t *testing.T) {
	repo := &failingRepo{InMemoryStore: store.NewInMemoryStore(), failUpsert: true}
	hs := NewHybridStore(repo, WithFlushRetries(1), WithFlushBackoff(time.Millisecond))
	ctx := context.Background()

	if err := hs.Save(ctx, testContext(), 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := hs.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(hs.DirtyKeys()) != 1 {
		t.Fatalf("expected one dirty key, got %v", hs.DirtyKeys())
	}

	// Reconcile fails while the durable store is still down.
	if n := hs.FlushDirty(ctx); n != 0 {
		t.Errorf("expected no reconciliation while the store is down, got %d", n)
	}

	repo.mu.Lock()
	repo.failUpsert = false
	repo.mu.Unlock()

	if n := hs.FlushDirty(ctx); n != 1 {
		t.Fatalf("expected one reconciled context, got %d", n)
	}
	if keys := hs.DirtyKeys(); len(keys) != 0 {
		t.Errorf("expected no dirty keys after reconcile, got %v", keys)
	}
	durable, err := repo.InMemoryStore.GetContext(testKey())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if durable == nil || durable.Version != 1 || durable.Dirty {
		t.Errorf("durable copy not reconciled: %+v", durable)
	}
}
