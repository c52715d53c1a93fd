package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/souschef-sms/souschef/internal/models"
	"github.com/souschef-sms/souschef/internal/store"
)

func seedSaga(t *testing.T, st *store.InMemoryStore, id string, status models.SagaStatus) {
	t.Helper()
	err := st.InsertSaga(&models.SagaExecution{
		ID:            id,
		CorrelationID: "corr-" + id,
		Cursor:        0,
		Status:        status,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRecoverSagasEscalatesInterrupted(t *testing.T) {
	st := store.NewInMemoryStore()
	seedSaga(t, st, "s1", models.SagaRunning)
	seedSaga(t, st, "s2", models.SagaCompensating)
	seedSaga(t, st, "s3", models.SagaCommitted)

	var alerted []string
	n, err := RecoverSagas(context.Background(), st, func(exec *models.SagaExecution) {
		alerted = append(alerted, exec.ID)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 escalated sagas, got %d", n)
	}
	if len(alerted) != 2 {
		t.Errorf("expected 2 alerts, got %v", alerted)
	}

	for _, id := range []string{"s1", "s2"} {
		exec, err := st.GetSaga(id)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if exec.Status != models.SagaFailedUncompensated {
			t.Errorf("saga %s status = %s, want %s", id, exec.Status, models.SagaFailedUncompensated)
		}
		if exec.LastError == "" {
			t.Errorf("saga %s should record why it was escalated", id)
		}
	}

	// Terminal records are untouched.
	exec, err := st.GetSaga("s3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exec.Status != models.SagaCommitted {
		t.Errorf("committed saga should be untouched, got %s", exec.Status)
	}
}

func TestRecoverSagasNothingToDo(t *testing.T) {
	st := store.NewInMemoryStore()
	seedSaga(t, st, "s1", models.SagaCommitted)

	n, err := RecoverSagas(context.Background(), st, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 {
		t.Errorf("expected no escalations, got %d", n)
	}
}

func TestRecoverSagasHonorsCancellation(t *testing.T) {
	st := store.NewInMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := RecoverSagas(ctx, st, nil); err == nil {
		t.Errorf("expected a context error")
	}
}
