// Package saga provides the multi-step workflow orchestrator.
//
// A saga executes forward steps strictly in order, durably recording
// each completed step (and its compensation frame) before the next
// forward step runs. On a forward failure, accumulated compensations
// run in strict reverse order. Compensations are expected to be
// idempotent and best-effort: a compensation failure marks the saga
// failed-uncompensated and surfaces to an operator rather than
// retrying forever.
package saga

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/souschef-sms/souschef/internal/models"
	"github.com/souschef-sms/souschef/internal/store"
)

// DefaultStepTimeout bounds one step invocation when the step does not
// set its own. Exceeding it is treated as a step failure.
const DefaultStepTimeout = 30 * time.Second

// StepFunc executes a forward action or a compensation. It receives the
// execution record so steps can read earlier step outputs.
type StepFunc func(ctx context.Context, exec *models.SagaExecution) (output string, err error)

// Step describes one saga step. Compensate may be nil for steps with
// nothing to undo. Policy overrides the orchestrator default for steps
// that must not be retried here (e.g. AI extraction).
type Step struct {
	Name       string
	Forward    StepFunc
	Compensate StepFunc
	Timeout    time.Duration
	Policy     *CallPolicy
}

// AlertFunc is called when a saga ends failed-uncompensated. It must
// make the failure operator-visible; it is never silently dropped.
type AlertFunc func(exec *models.SagaExecution)

// Orchestrator runs sagas against a SagaRepo.
type Orchestrator struct {
	repo        store.SagaRepo
	policy      *CallPolicy
	stepTimeout time.Duration
	alert       AlertFunc
	now         func() time.Time
}

// NewOrchestrator creates an orchestrator. The alert function receives
// failed-uncompensated executions; a nil alert only logs.
func NewOrchestrator(repo store.SagaRepo, policy *CallPolicy, alert AlertFunc) *Orchestrator {
	if policy == nil {
		policy = NewCallPolicy("saga")
	}
	return &Orchestrator{
		repo:        repo,
		policy:      policy,
		stepTimeout: DefaultStepTimeout,
		alert:       alert,
		now:         time.Now,
	}
}

// Run executes the steps in order and returns the terminal execution
// record. The returned error is nil only for a committed saga.
//
// Cancellation applies only before the first forward step starts; after
// that, failure-driven compensation is the sole unwind path.
func (o *Orchestrator) Run(ctx context.Context, steps []Step, correlationID string) (*models.SagaExecution, error) {
	now := o.now()
	exec := &models.SagaExecution{
		ID:            uuid.NewString(),
		CorrelationID: correlationID,
		Steps:         make([]models.SagaStep, len(steps)),
		Cursor:        -1,
		Status:        models.SagaRunning,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for i, st := range steps {
		exec.Steps[i] = models.SagaStep{
			Name:           st.Name,
			ForwardName:    st.Name,
			CompensateName: compensationName(st),
		}
	}
	if err := o.repo.InsertSaga(exec); err != nil {
		return nil, fmt.Errorf("persist saga failed: %w", err)
	}
	slog.Info("Orchestrator.Run: saga started", "id", exec.ID, "correlationID", correlationID, "steps", len(steps))

	for i, st := range steps {
		if i == 0 {
			if err := ctx.Err(); err != nil {
				// Cancelled before any effect. The record says so
				// explicitly: no step ran, no compensation executed.
				exec.Status = models.SagaCompensated
				exec.LastError = fmt.Sprintf("cancelled before first step, nothing ran or was compensated: %v", err)
				o.persist(exec)
				slog.Info("Orchestrator.Run: saga cancelled before first step", "id", exec.ID)
				return exec, fmt.Errorf("saga cancelled before start: %w", err)
			}
		}

		output, err := o.runForward(ctx, exec, st)
		if err != nil {
			exec.LastError = fmt.Sprintf("step %s: %v", st.Name, err)
			slog.Error("Orchestrator.Run: forward step failed", "id", exec.ID, "step", st.Name, "error", err)
			o.compensate(ctx, exec, steps, i-1)
			return exec, fmt.Errorf("saga step %s failed: %w", st.Name, err)
		}

		completedAt := o.now()
		exec.Steps[i].OutputJSON = output
		exec.Steps[i].CompletedAt = &completedAt
		exec.Cursor = i
		// The compensation frame must be durable before the next forward
		// step runs. If it cannot be recorded, undo what just happened.
		if err := o.persistStrict(exec); err != nil {
			exec.LastError = fmt.Sprintf("persist after step %s: %v", st.Name, err)
			slog.Error("Orchestrator.Run: persist after step failed", "id", exec.ID, "step", st.Name, "error", err)
			o.compensate(ctx, exec, steps, i)
			return exec, fmt.Errorf("saga persistence after step %s failed: %w", st.Name, err)
		}
		slog.Debug("Orchestrator.Run: step completed", "id", exec.ID, "step", st.Name, "cursor", i)
	}

	exec.Status = models.SagaCommitted
	o.persist(exec)
	slog.Info("Orchestrator.Run: saga committed", "id", exec.ID, "correlationID", correlationID)
	return exec, nil
}

func (o *Orchestrator) runForward(ctx context.Context, exec *models.SagaExecution, st Step) (string, error) {
	timeout := st.Timeout
	if timeout <= 0 {
		timeout = o.stepTimeout
	}
	policy := st.Policy
	if policy == nil {
		policy = o.policy
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var output string
	err := policy.Do(stepCtx, func() error {
		out, callErr := st.Forward(stepCtx, exec)
		if callErr != nil {
			return callErr
		}
		output = out
		return nil
	})
	return output, err
}

// compensate invokes compensations for steps [0..from] in strict reverse
// order. A compensation failure stops the unwind and marks the saga
// failed-uncompensated, bounding execution time.
func (o *Orchestrator) compensate(ctx context.Context, exec *models.SagaExecution, steps []Step, from int) {
	exec.Status = models.SagaCompensating
	o.persist(exec)

	for i := from; i >= 0; i-- {
		st := steps[i]
		if st.Compensate == nil {
			continue
		}
		timeout := st.Timeout
		if timeout <= 0 {
			timeout = o.stepTimeout
		}
		// Compensations run on a fresh timeout detached from the possibly
		// failed request context.
		compCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		_, err := st.Compensate(compCtx, exec)
		cancel()
		if err != nil {
			exec.Status = models.SagaFailedUncompensated
			exec.LastError = fmt.Sprintf("compensation %s: %v (after: %s)", st.Name, err, exec.LastError)
			o.persist(exec)
			slog.Error("Orchestrator.compensate: compensation failed, saga failed-uncompensated",
				"id", exec.ID, "step", st.Name, "error", err)
			if o.alert != nil {
				o.alert(exec)
			}
			return
		}
		compensatedAt := o.now()
		exec.Steps[i].CompensatedAt = &compensatedAt
		o.persist(exec)
		slog.Info("Orchestrator.compensate: step compensated", "id", exec.ID, "step", st.Name)
	}

	exec.Status = models.SagaCompensated
	o.persist(exec)
	slog.Info("Orchestrator.compensate: saga fully compensated", "id", exec.ID)
}

// persist writes the execution record, logging (not failing) on error.
// Used on the unwind path where the saga outcome is already decided.
func (o *Orchestrator) persist(exec *models.SagaExecution) {
	exec.UpdatedAt = o.now()
	if err := o.repo.UpdateSaga(exec); err != nil {
		slog.Error("Orchestrator.persist: update failed", "error", err, "id", exec.ID, "status", exec.Status)
	}
}

// persistStrict writes the execution record and propagates failure.
// Used between forward steps where durability gates progress.
func (o *Orchestrator) persistStrict(exec *models.SagaExecution) error {
	exec.UpdatedAt = o.now()
	return o.repo.UpdateSaga(exec)
}

func compensationName(st Step) string {
	if st.Compensate == nil {
		return ""
	}
	return "undo-" + st.Name
}
