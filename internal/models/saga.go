// Package models defines saga execution records for multi-step workflows.
package models

import "time"

// SagaStatus represents the lifecycle state of a saga execution.
type SagaStatus string

const (
	SagaRunning             SagaStatus = "running"
	SagaCommitted           SagaStatus = "committed"
	SagaCompensating        SagaStatus = "compensating"
	SagaCompensated         SagaStatus = "compensated"
	SagaFailedUncompensated SagaStatus = "failed-uncompensated"
)

// Terminal reports whether the status is final. Terminal records are
// immutable and retained for audit.
func (s SagaStatus) Terminal() bool {
	switch s {
	case SagaCommitted, SagaCompensated, SagaFailedUncompensated:
		return true
	default:
		return false
	}
}

// SagaStep is one recorded step descriptor within a SagaExecution.
// The compensation frame (CompensateName) is durably recorded before
// the next forward step runs, so a crash mid-saga leaves enough
// information to resume compensation.
type SagaStep struct {
	Name           string     `json:"name"`
	ForwardName    string     `json:"forward_name"`
	CompensateName string     `json:"compensate_name,omitempty"`
	OutputJSON     string     `json:"output_json,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	CompensatedAt  *time.Time `json:"compensated_at,omitempty"`
}

// SagaExecution is the durable record of one saga instance.
type SagaExecution struct {
	ID            string     `json:"id"`
	CorrelationID string     `json:"correlation_id"`
	Steps         []SagaStep `json:"steps"`
	// Cursor is the index of the last completed forward step, -1 if none.
	Cursor    int        `json:"cursor"`
	Status    SagaStatus `json:"status"`
	LastError string     `json:"last_error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// StepOutput returns the recorded output of the named step, if completed.
func (e *SagaExecution) StepOutput(name string) (string, bool) {
	for _, st := range e.Steps {
		if st.Name == name && st.CompletedAt != nil {
			return st.OutputJSON, true
		}
	}
	return "", false
}
