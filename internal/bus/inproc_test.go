package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestPerKeyOrdering(t *testing.T) {
	b := NewInProcBus()
	ctx := context.Background()

	var mu sync.Mutex
	seen := make(map[string][]int)
	b.Subscribe("t.ordered", func(ctx context.Context, evt Event) error {
		mu.Lock()
		seen[evt.Key] = append(seen[evt.Key], evt.Payload.(int))
		mu.Unlock()
		return nil
	})

	const perKey = 50
	keys := []string{"k1", "k2", "k3"}
	for i := 0; i < perKey; i++ {
		for _, k := range keys {
			if err := b.Emit(ctx, Event{Topic: "t.ordered", Key: k, Payload: i}); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		}
	}
	if err := b.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, k := range keys {
		got := seen[k]
		if len(got) != perKey {
			t.Fatalf("key %s: expected %d events, got %d", k, perKey, len(got))
		}
		for i, v := range got {
			if v != i {
				t.Fatalf("key %s: out of order at %d: %v", k, i, got)
			}
		}
	}
}

func TestRetryThenDeadLetter(t *testing.T) {
	b := NewInProcBus(WithMaxAttempts(2), WithRetryDelay(time.Millisecond))
	ctx := context.Background()

	attempts := 0
	b.Subscribe("t.fail", func(ctx context.Context, evt Event) error {
		attempts++
		return errors.New("handler down")
	})

	if err := b.Emit(ctx, Event{Topic: "t.fail", Key: "k", Payload: "p"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if attempts != 2 {
		t.Errorf("expected 2 delivery attempts, got %d", attempts)
	}
	dls := b.DeadLetters()
	if len(dls) != 1 {
		t.Fatalf("expected one dead letter, got %d", len(dls))
	}
	if dls[0].Event.Topic != "t.fail" || dls[0].Attempts != 2 {
		t.Errorf("dead letter wrong: %+v", dls[0])
	}
}

func TestRetrySucceeds(t *testing.T) {
	b := NewInProcBus(WithMaxAttempts(3), WithRetryDelay(time.Millisecond))

	attempts := 0
	b.Subscribe("t.flaky", func(ctx context.Context, evt Event) error {
		attempts++
		if attempts < 2 {
			return errors.New("transient")
		}
		return nil
	})

	if err := b.Emit(context.Background(), Event{Topic: "t.flaky", Key: "k"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
	if len(b.DeadLetters()) != 0 {
		t.Error("recovered delivery should not dead-letter")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewInProcBus()
	delivered := 0
	var mu sync.Mutex
	unsub := b.Subscribe("t.once", func(ctx context.Context, evt Event) error {
		mu.Lock()
		delivered++
		mu.Unlock()
		return nil
	})

	if err := b.Emit(context.Background(), Event{Topic: "t.once", Key: "k"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Drain before unsubscribing so the first event is counted.
	time.Sleep(50 * time.Millisecond)
	unsub()
	if err := b.Emit(context.Background(), Event{Topic: "t.once", Key: "k"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if delivered != 1 {
		t.Errorf("expected one delivery, got %d", delivered)
	}
}

func TestEmitAfterClose(t *testing.T) {
	b := NewInProcBus()
	if err := b.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := b.Emit(context.Background(), Event{Topic: "t", Key: "k"})
	if !errors.Is(err, ErrBusClosed) {
		t.Fatalf("expected ErrBusClosed, got %v", err)
	}
}

func TestConcurrentEmitAndClose(t *testing.T) {
	for i := 0; i < 50; i++ {
		b := NewInProcBus()
		b.Subscribe("t.race", func(ctx context.Context, evt Event) error { return nil })

		var wg sync.WaitGroup
		for g := 0; g < 4; g++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				for j := 0; ; j++ {
					err := b.Emit(context.Background(), Event{Topic: "t.race", Key: fmt.Sprintf("k%d-%d", n, j)})
					if err != nil {
						if !errors.Is(err, ErrBusClosed) {
							t.Errorf("unexpected error: %v", err)
						}
						return
					}
				}
			}(g)
		}

		// Closing while emitters are in flight must shut them down
		// cleanly, never panic on a closed shard channel.
		if err := b.Close(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		wg.Wait()
	}
}

func TestDistinctKeysProgressIndependently(t *testing.T) {
	b := NewInProcBus(WithShardCount(8))
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	release := make(chan struct{})
	b.Subscribe("t.mixed", func(ctx context.Context, evt Event) error {
		if evt.Key == "slow" {
			<-release
		}
		wg.Done()
		return nil
	})

	if err := b.Emit(ctx, Event{Topic: "t.mixed", Key: "slow"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// A key on another shard should not wait for the slow one.
	fastKey := ""
	for i := 0; i < 64; i++ {
		k := fmt.Sprintf("fast-%d", i)
		if b.shardFor(k) != b.shardFor("slow") {
			fastKey = k
			break
		}
	}
	if fastKey == "" {
		t.Fatal("could not find a key on a different shard")
	}

	done := make(chan struct{})
	b.Subscribe("t.probe", func(ctx context.Context, evt Event) error {
		close(done)
		return nil
	})
	if err := b.Emit(ctx, Event{Topic: "t.probe", Key: fastKey}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("event on an independent shard was blocked")
	}
	close(release)
	wg.Wait()
	b.Close()
}
