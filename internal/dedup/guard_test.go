package dedup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/souschef-sms/souschef/internal/models"
	"github.com/souschef-sms/souschef/internal/store"
)

type brokenRepo struct{}

func (brokenRepo) ReserveKey(key string, now, expiresAt time.Time) (bool, string, error) {
	return false, "", errors.New("store down")
}
func (brokenRepo) RecordFingerprint(key, fingerprint string) error { return errors.New("store down") }
func (brokenRepo) PurgeExpiredKeys(now time.Time) (int, error)     { return 0, errors.New("store down") }

func TestAdmitOncePerKey(t *testing.T) {
	g := NewGuard(store.NewInMemoryStore(), time.Hour)
	ctx := context.Background()

	first, err := g.Admit(ctx, "msg-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !first.Accepted {
		t.Error("first admit should be accepted")
	}
	if err := g.RecordOutcome(ctx, "msg-1", "fp-abc"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	second, err := g.Admit(ctx, "msg-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Accepted {
		t.Error("duplicate admit should be rejected")
	}
	if second.Fingerprint != "fp-abc" {
		t.Errorf("duplicate should carry the recorded fingerprint, got %q", second.Fingerprint)
	}
}

func TestAdmitAfterExpiry(t *testing.T) {
	g := NewGuard(store.NewInMemoryStore(), time.Hour)
	now := time.Now()
	g.now = func() time.Time { return now }
	ctx := context.Background()

	if d, err := g.Admit(ctx, "msg-1"); err != nil || !d.Accepted {
		t.Fatalf("first admit: accepted=%v err=%v", d.Accepted, err)
	}

	// Two hours later the retention window has passed.
	g.now = func() time.Time { return now.Add(2 * time.Hour) }
	d, err := g.Admit(ctx, "msg-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.Accepted {
		t.Error("admit past the retention window should be accepted")
	}
}

func TestAdmitFailsClosed(t *testing.T) {
	g := NewGuard(brokenRepo{}, time.Hour)
	d, err := g.Admit(context.Background(), "msg-1")
	if err == nil {
		t.Fatal("expected an error when the store is down")
	}
	if d.Accepted {
		t.Error("a store failure must not admit the message")
	}
}

func TestKeyFor(t *testing.T) {
	received := time.Date(2026, 9, 1, 12, 2, 30, 0, time.UTC)

	withID := models.InboundMessage{ProviderMessageID: "SM123", SenderAddress: "+15550001", Body: "hi", ReceivedAt: received}
	if got := KeyFor(withID); got != "SM123" {
		t.Errorf("provider id should win, got %q", got)
	}

	a := models.InboundMessage{SenderAddress: "+15550001", Body: "hi", ReceivedAt: received}
	b := models.InboundMessage{SenderAddress: "+15550001", Body: "hi", ReceivedAt: received.Add(time.Minute)}
	if KeyFor(a) != KeyFor(b) {
		t.Error("same sender and body within the bucket should share a key")
	}

	c := models.InboundMessage{SenderAddress: "+15550001", Body: "hi", ReceivedAt: received.Add(10 * time.Minute)}
	if KeyFor(a) == KeyFor(c) {
		t.Error("different buckets should produce different keys")
	}

	d := models.InboundMessage{SenderAddress: "+15550002", Body: "hi", ReceivedAt: received}
	if KeyFor(a) == KeyFor(d) {
		t.Error("different senders should produce different keys")
	}
}
