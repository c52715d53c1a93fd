package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/souschef-sms/souschef/internal/models"
)

// boolToInt converts a bool to the 0/1 integer form stored in SQL.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// nullableTime returns nil for zero times so the column stores NULL.
func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

// rowScanner abstracts sql.Row and sql.Rows for the scan helpers.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanContext(sc rowScanner) (*models.ConversationContext, error) {
	var c models.ConversationContext
	var channel, state, flowData string
	var dirty int
	var expiresAt sql.NullTime
	err := sc.Scan(
		&c.Key.HouseholdID, &c.Key.MemberID, &channel, &c.FlowName, &state,
		&flowData, &c.Version, &dirty, &c.UpdatedAt, &expiresAt,
	)
	if err != nil {
		return nil, err
	}
	c.Key.Channel = models.ChannelClass(channel)
	c.State = models.StateType(state)
	c.Dirty = dirty == 1
	if expiresAt.Valid {
		c.ExpiresAt = expiresAt.Time
	}
	if flowData != "" && flowData != "{}" && flowData != "null" {
		if err := json.Unmarshal([]byte(flowData), &c.FlowData); err != nil {
			return nil, fmt.Errorf("unmarshal flow data failed: %w", err)
		}
	}
	return &c, nil
}

// scanContextRow scans a ConversationContext from a single sql.Row.
func scanContextRow(row *sql.Row) (*models.ConversationContext, error) {
	return scanContext(row)
}

// collectContexts scans all remaining rows into contexts.
func collectContexts(rows *sql.Rows) ([]*models.ConversationContext, error) {
	var out []*models.ConversationContext
	for rows.Next() {
		c, err := scanContext(rows)
		if err != nil {
			return nil, fmt.Errorf("scan context row failed: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate context rows failed: %w", err)
	}
	return out, nil
}

func scanSaga(sc rowScanner) (*models.SagaExecution, error) {
	var e models.SagaExecution
	var steps, status string
	err := sc.Scan(&e.ID, &e.CorrelationID, &steps, &e.Cursor, &status, &e.LastError, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.Status = models.SagaStatus(status)
	if steps != "" && steps != "null" {
		if err := json.Unmarshal([]byte(steps), &e.Steps); err != nil {
			return nil, fmt.Errorf("unmarshal saga steps failed: %w", err)
		}
	}
	return &e, nil
}

// scanSagaRow scans a SagaExecution from a single sql.Row.
func scanSagaRow(row *sql.Row) (*models.SagaExecution, error) {
	return scanSaga(row)
}

// collectSagas scans all remaining rows into saga executions.
func collectSagas(rows *sql.Rows) ([]*models.SagaExecution, error) {
	var out []*models.SagaExecution
	for rows.Next() {
		e, err := scanSaga(rows)
		if err != nil {
			return nil, fmt.Errorf("scan saga row failed: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate saga rows failed: %w", err)
	}
	return out, nil
}
