// Package recovery handles saga executions interrupted by a restart.
//
// A saga found in a non-terminal status at startup was cut off
// mid-flight: the process died between a durable step frame and the
// next forward or compensating call. Step functions live in memory
// only, so the interrupted work cannot be replayed. Recovery marks
// such records failed-uncompensated and raises the alert path, the
// same escalation used when compensation fails at runtime.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/souschef-sms/souschef/internal/models"
	"github.com/souschef-sms/souschef/internal/store"
)

// AlertFunc escalates an execution that needs manual reconciliation.
type AlertFunc func(exec *models.SagaExecution)

// RecoverSagas scans for executions interrupted by a previous shutdown
// and escalates them. It returns how many were escalated.
func RecoverSagas(ctx context.Context, repo store.SagaRepo, alert AlertFunc) (int, error) {
	recovered := 0
	for _, status := range []models.SagaStatus{models.SagaRunning, models.SagaCompensating} {
		if err := ctx.Err(); err != nil {
			return recovered, err
		}
		execs, err := repo.ListSagasByStatus(status)
		if err != nil {
			return recovered, fmt.Errorf("list %s sagas failed: %w", status, err)
		}
		for _, exec := range execs {
			exec.Status = models.SagaFailedUncompensated
			exec.LastError = fmt.Sprintf("interrupted by restart while %s", status)
			exec.UpdatedAt = time.Now()
			if err := repo.UpdateSaga(exec); err != nil {
				return recovered, fmt.Errorf("mark saga %s failed: %w", exec.ID, err)
			}
			slog.Error("RecoverSagas: interrupted saga escalated", "saga_id", exec.ID, "correlation_id", exec.CorrelationID, "was", status, "cursor", exec.Cursor)
			if alert != nil {
				alert(exec)
			}
			recovered++
		}
	}
	if recovered > 0 {
		slog.Info("RecoverSagas: startup recovery complete", "escalated", recovered)
	}
	return recovered, nil
}
