package flows

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/souschef-sms/souschef/internal/fsm"
	"github.com/souschef-sms/souschef/internal/genai"
	"github.com/souschef-sms/souschef/internal/models"
)

// Pantry flow states.
const (
	PantryFlowName = "pantry-query"

	StateAwaitingQuery models.StateType = "awaiting_query"
)

const dataKeyLastQuery = "last_query"

// PantryStore answers what a household has on hand.
type PantryStore interface {
	ListPantry(ctx context.Context, householdID string) ([]string, error)
	UpdatePantry(ctx context.Context, householdID, updateJSON string) error
}

// PantryDeps are the collaborators the pantry flow needs.
type PantryDeps struct {
	Extractor genai.Extractor
	Pantry    PantryStore
}

// NewPantryFlow builds the pantry query flow definition. A single
// exchange: the user asks what they have or reports what they bought,
// the flow answers and completes.
func NewPantryFlow(deps PantryDeps) *fsm.FlowDefinition {
	return &fsm.FlowDefinition{
		Name:    PantryFlowName,
		Initial: StateAwaitingQuery,
		TTL:     15 * time.Minute,
		Select: func(msg models.InboundMessage) bool {
			return strings.HasPrefix(msg.NormalizedBody(), "pantry")
		},
		Classify: func(msg models.InboundMessage) models.MessageClass {
			if msg.HasMedia() {
				return models.MessageClassMedia
			}
			return models.MessageClassText
		},
		Transitions: map[fsm.TransitionKey]fsm.Handler{
			{State: StateAwaitingQuery, Class: models.MessageClassText}: deps.handleQuery,
		},
	}
}

func (d PantryDeps) handleQuery(ctx context.Context, fc *fsm.FlowContext, msg models.InboundMessage) (fsm.Result, error) {
	body := msg.NormalizedBody()
	fc.Data[dataKeyLastQuery] = body

	reply := ""
	switch {
	case body == "pantry" || body == "pantry list":
		items, err := d.Pantry.ListPantry(ctx, fc.Key.HouseholdID)
		if err != nil {
			return fsm.Result{}, err
		}
		if len(items) == 0 {
			reply = "Your pantry is empty. Text PANTRY ADD followed by what you bought."
		} else {
			reply = "On hand: " + strings.Join(items, ", ")
		}
	default:
		// Free-form updates go through AI parsing into a structured
		// pantry delta before being applied.
		result, err := d.Extractor.Extract(ctx, strings.TrimPrefix(body, "pantry"), genai.OperationPantryParse)
		if err != nil {
			slog.Error("Pantry flow: parse failed", "error", err, "key", fc.Key.String())
			return fsm.Result{}, err
		}
		if err := d.Pantry.UpdatePantry(ctx, fc.Key.HouseholdID, result.StructuredResult); err != nil {
			return fsm.Result{}, err
		}
		reply = "Got it, pantry updated: " + summarizeDelta(result.StructuredResult)
	}

	return fsm.Result{
		Next: models.StateCompleted,
		Intents: []models.OutboundIntent{{
			TargetAddress: replyTarget(fc.Key, msg),
			Channel:       fc.Key.Channel,
			Body:          reply,
		}},
	}, nil
}

// pantryDelta is the structured shape the AI parser produces for a
// free-form pantry update.
type pantryDelta struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
}

func parseDelta(deltaJSON string) (pantryDelta, error) {
	var parsed pantryDelta
	err := json.Unmarshal([]byte(deltaJSON), &parsed)
	return parsed, err
}

// summarizeDelta renders a short human summary of a parsed pantry
// update, falling back to a generic phrase on malformed JSON.
func summarizeDelta(deltaJSON string) string {
	parsed, err := parseDelta(deltaJSON)
	if err != nil {
		return "changes saved"
	}
	parts := make([]string, 0, 2)
	if len(parsed.Added) > 0 {
		parts = append(parts, "added "+strings.Join(parsed.Added, ", "))
	}
	if len(parsed.Removed) > 0 {
		parts = append(parts, "removed "+strings.Join(parsed.Removed, ", "))
	}
	if len(parts) == 0 {
		return "changes saved"
	}
	return strings.Join(parts, "; ")
}
