package store

import (
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/souschef-sms/souschef/internal/models"
)

func testKey(member string) models.ConversationKey {
	return models.ConversationKey{HouseholdID: "h1", MemberID: member, Channel: models.ChannelIndividual}
}

func runStoreSuite(t *testing.T, s Store) {
	t.Helper()

	// Context round trip.
	key := testKey("m1")
	c := &models.ConversationContext{
		Key:       key,
		FlowName:  "recipe-capture",
		State:     "awaiting_photo",
		FlowData:  map[string]string{"k": "v"},
		Version:   1,
		UpdatedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := s.UpsertContext(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := s.GetContext(key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || got.FlowName != "recipe-capture" || got.Version != 1 || got.FlowData["k"] != "v" {
		t.Errorf("context not stored or retrieved correctly: %+v", got)
	}

	// A stale snapshot never overwrites a newer row.
	newer := c.Clone()
	newer.Version = 3
	newer.State = "awaiting_confirm"
	if err := s.UpsertContext(newer); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stale := c.Clone()
	stale.Version = 2
	stale.State = "awaiting_photo"
	if err := s.UpsertContext(stale); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err = s.GetContext(key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Version != 3 || got.State != "awaiting_confirm" {
		t.Errorf("stale snapshot overwrote newer row: %+v", got)
	}

	// Expired listing and delete.
	expired := &models.ConversationContext{
		Key:       testKey("m2"),
		FlowName:  "pantry-query",
		State:     "awaiting_query",
		Version:   1,
		UpdatedAt: time.Now(),
		ExpiresAt: time.Now().Add(-time.Minute),
	}
	if err := s.UpsertContext(expired); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	list, err := s.ListExpiredContexts(time.Now(), 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(list) != 1 || list[0].Key.MemberID != "m2" {
		t.Errorf("expected one expired context, got %d", len(list))
	}
	if err := s.DeleteContext(expired.Key); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.DeleteContext(expired.Key); err != nil {
		t.Errorf("deleting a missing context should not error: %v", err)
	}

	// Dirty flagging.
	if err := s.MarkContextDirty(key); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	dirty, err := s.ListDirtyContexts()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(dirty) != 1 || !dirty[0].Dirty {
		t.Errorf("expected one dirty context, got %d", len(dirty))
	}

	// Saga round trip.
	now := time.Now()
	exec := &models.SagaExecution{
		ID:            "saga-1",
		CorrelationID: "corr-1",
		Steps: []models.SagaStep{
			{Name: "upload", ForwardName: "upload", CompensateName: "undo-upload"},
		},
		Cursor:    -1,
		Status:    models.SagaRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.InsertSaga(exec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	exec.Status = models.SagaCommitted
	exec.Cursor = 0
	if err := s.UpdateSaga(exec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	gotSaga, err := s.GetSaga("saga-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotSaga.Status != models.SagaCommitted || gotSaga.Cursor != 0 || len(gotSaga.Steps) != 1 {
		t.Errorf("saga not stored or retrieved correctly: %+v", gotSaga)
	}
	if _, err := s.GetSaga("nope"); err != models.ErrSagaNotFound {
		t.Errorf("expected ErrSagaNotFound, got %v", err)
	}
	byStatus, err := s.ListSagasByStatus(models.SagaCommitted)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(byStatus) != 1 {
		t.Errorf("expected one committed saga, got %d", len(byStatus))
	}

	// Idempotency keys.
	reserved, _, err := s.ReserveKey("msg-1", now, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reserved {
		t.Error("first reservation should succeed")
	}
	if err := s.RecordFingerprint("msg-1", "fp-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	reserved, fp, err := s.ReserveKey("msg-1", now.Add(time.Minute), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reserved || fp != "fp-1" {
		t.Errorf("repeat reservation should report the fingerprint, got reserved=%v fp=%q", reserved, fp)
	}
	// Past the window the key is reclaimable.
	reserved, _, err = s.ReserveKey("msg-1", now.Add(2*time.Hour), now.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reserved {
		t.Error("expired key should be reclaimable")
	}
	if _, err := s.PurgeExpiredKeys(now.Add(4 * time.Hour)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Rate counters stop exactly at the ceiling.
	day := "2026-09-01"
	windowEnd := now.Add(24 * time.Hour)
	for i := 1; i <= 3; i++ {
		count, allowed, err := s.IncrWithCeiling("sub-1", models.ChannelIndividual, day, 3, windowEnd)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !allowed || count != i {
			t.Errorf("increment %d: allowed=%v count=%d", i, allowed, count)
		}
	}
	count, allowed, err := s.IncrWithCeiling("sub-1", models.ChannelIndividual, day, 3, windowEnd)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed || count != 3 {
		t.Errorf("over-ceiling increment should be denied without counting: allowed=%v count=%d", allowed, count)
	}
	stored, err := s.GetRateCount("sub-1", models.ChannelIndividual, day)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stored != 3 {
		t.Errorf("expected stored count 3, got %d", stored)
	}

	// Eligibility.
	if err := s.SetOptedOut("sub-1", true, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out, err := s.IsOptedOut("sub-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out {
		t.Error("subject should be opted out")
	}
	out, err = s.IsOptedOut("unknown")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out {
		t.Error("unknown subjects should be eligible")
	}

	// Audit log.
	if err := s.AppendAuditEvent(models.AuditEvent{SubjectKey: "sub-1", Kind: models.AuditOptedOut, CreatedAt: now}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	events, err := s.ListAuditEvents("sub-1", now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 || events[0].Kind != models.AuditOptedOut {
		t.Errorf("audit event not stored or retrieved correctly: %+v", events)
	}
}

func TestInMemoryStore(t *testing.T) {
	runStoreSuite(t, NewInMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "souschef.db")
	s, err := NewSQLiteStore(WithDSN(dbPath))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Close()
	runStoreSuite(t, s)
}

func TestPostgresStore(t *testing.T) {
	// Requires a running PostgreSQL instance. Set DATABASE_URL to run.
	connStr := getenvOrSkip(t, "DATABASE_URL")
	s, err := NewPostgresStore(WithDSN(connStr))
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	defer s.Close()
	for _, table := range []string{"conversation_contexts", "saga_executions", "idempotency_keys", "rate_counters", "subject_eligibility", "audit_events"} {
		s.db.Exec("DELETE FROM " + table)
	}
	runStoreSuite(t, s)
}

func getenvOrSkip(t *testing.T, key string) string {
	v := ""
	if val, ok := syscall.Getenv(key); ok {
		v = val
	}
	if v == "" {
		t.Skipf("env %s not set", key)
	}
	return v
}
