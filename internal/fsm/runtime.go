// Package fsm implements the state-machine runtime that drives
// multi-turn conversations.
//
// Flows declare an explicit transition table keyed by (state, message
// class) pairs. Dispatch loads the conversation context, classifies the
// inbound message, runs the matching handler, and persists the result
// with a compare-and-swap version check, retrying from a fresh load on
// conflict up to a small bound. Unregistered pairs route to the error
// pseudo-state with a fallback reply instead of failing the dispatcher.
package fsm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/souschef-sms/souschef/internal/models"
	"github.com/souschef-sms/souschef/internal/state"
	"github.com/souschef-sms/souschef/internal/store"
)

// Runtime defaults.
const (
	// DefaultConflictRetries bounds re-dispatch on version conflicts.
	DefaultConflictRetries = 3
	// DefaultFlowTTL is the abandonment timeout for flows that do not set
	// their own.
	DefaultFlowTTL = 30 * time.Minute
	// DefaultSweepLimit caps contexts handled per sweep pass.
	DefaultSweepLimit = 100
	// FallbackReply is sent when no transition matches the inbound message.
	FallbackReply = "Sorry, I didn't understand that. Text HELP for what I can do."
)

// TransitionKey identifies one row of a flow's transition table.
type TransitionKey struct {
	State models.StateType
	Class models.MessageClass
}

// FlowContext is the mutable view a handler gets of the conversation.
type FlowContext struct {
	Key   models.ConversationKey
	State models.StateType
	Data  map[string]string
}

// Result is what a handler returns: the target state and zero or more
// outbound intents.
type Result struct {
	Next    models.StateType
	Intents []models.OutboundIntent
}

// Handler runs one transition. It may read and write FlowContext.Data
// and launch sagas through captured dependencies.
type Handler func(ctx context.Context, fc *FlowContext, msg models.InboundMessage) (Result, error)

// FlowDefinition declares one flow: its transition graph, message
// classifier, and selection predicate for starting on a fresh context.
type FlowDefinition struct {
	Name        string
	Initial     models.StateType
	TTL         time.Duration
	Classify    func(msg models.InboundMessage) models.MessageClass
	Select      func(msg models.InboundMessage) bool
	Transitions map[TransitionKey]Handler
}

func (d *FlowDefinition) validate() error {
	if d.Name == "" {
		return fmt.Errorf("flow definition missing name")
	}
	if d.Initial == "" {
		return fmt.Errorf("flow %s missing initial state", d.Name)
	}
	if d.Classify == nil {
		return fmt.Errorf("flow %s missing classifier", d.Name)
	}
	if len(d.Transitions) == 0 {
		return fmt.Errorf("flow %s has no transitions", d.Name)
	}
	return nil
}

// Runtime dispatches inbound messages against registered flows.
type Runtime struct {
	flows  map[string]*FlowDefinition
	order  []string
	states *state.HybridStore

	conflictRetries int
	now             func() time.Time
}

// NewRuntime creates a runtime over the hybrid state store.
func NewRuntime(states *state.HybridStore) *Runtime {
	return &Runtime{
		flows:           make(map[string]*FlowDefinition),
		states:          states,
		conflictRetries: DefaultConflictRetries,
		now:             time.Now,
	}
}

// Register adds a flow definition. Registration order is the flow
// selection order for fresh contexts.
func (r *Runtime) Register(def *FlowDefinition) error {
	if err := def.validate(); err != nil {
		return err
	}
	if _, exists := r.flows[def.Name]; exists {
		return fmt.Errorf("flow %s already registered", def.Name)
	}
	if def.TTL <= 0 {
		def.TTL = DefaultFlowTTL
	}
	r.flows[def.Name] = def
	r.order = append(r.order, def.Name)
	slog.Info("Runtime.Register: flow registered", "flow", def.Name, "transitions", len(def.Transitions))
	return nil
}

// Dispatch processes one inbound message for the addressing key and
// returns the outbound intents to deliver. On a version conflict the
// classification and handler are re-run from a fresh load, bounded by
// the conflict retry limit, after which models.ErrContention surfaces.
func (r *Runtime) Dispatch(ctx context.Context, key models.ConversationKey, msg models.InboundMessage) ([]models.OutboundIntent, error) {
	for attempt := 0; attempt <= r.conflictRetries; attempt++ {
		intents, err := r.dispatchOnce(ctx, key, msg)
		if errors.Is(err, models.ErrVersionConflict) {
			slog.Debug("Runtime.Dispatch: version conflict, retrying", "key", key.String(), "attempt", attempt+1)
			continue
		}
		return intents, err
	}
	slog.Error("Runtime.Dispatch: conflict retries exhausted", "key", key.String())
	return nil, models.ErrContention
}

func (r *Runtime) dispatchOnce(ctx context.Context, key models.ConversationKey, msg models.InboundMessage) ([]models.OutboundIntent, error) {
	cctx, err := r.states.Load(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("dispatch load failed: %w", err)
	}

	if cctx == nil || cctx.FlowName == "" {
		def := r.selectFlow(msg)
		if def == nil {
			slog.Debug("Runtime.dispatchOnce: no flow selected", "key", key.String())
			return []models.OutboundIntent{r.fallbackIntent(key, msg)}, nil
		}
		cctx = &models.ConversationContext{
			Key:       key,
			FlowName:  def.Name,
			State:     def.Initial,
			FlowData:  make(map[string]string),
			Version:   0,
			ExpiresAt: r.now().Add(def.TTL),
		}
		slog.Info("Runtime.dispatchOnce: starting flow", "key", key.String(), "flow", def.Name)
	}

	def, ok := r.flows[cctx.FlowName]
	if !ok {
		// Context references a flow this build no longer registers.
		slog.Error("Runtime.dispatchOnce: unknown flow on context", "key", key.String(), "flow", cctx.FlowName)
		return r.finishInError(ctx, key, cctx, msg)
	}

	readVersion := cctx.Version
	class := def.Classify(msg)
	handler, ok := def.Transitions[TransitionKey{State: cctx.State, Class: class}]
	if !ok {
		slog.Info("Runtime.dispatchOnce: unregistered transition", "key", key.String(), "flow", def.Name, "state", cctx.State, "class", class)
		return r.finishInError(ctx, key, cctx, msg)
	}

	fc := &FlowContext{Key: key, State: cctx.State, Data: cctx.FlowData}
	if fc.Data == nil {
		fc.Data = make(map[string]string)
	}
	result, err := handler(ctx, fc, msg)
	if err != nil {
		slog.Error("Runtime.dispatchOnce: handler failed", "error", err, "key", key.String(), "flow", def.Name, "state", cctx.State, "class", class)
		return r.finishInError(ctx, key, cctx, msg)
	}
	if result.Next == "" {
		result.Next = cctx.State
	}

	cctx.State = result.Next
	cctx.FlowData = fc.Data
	cctx.ExpiresAt = r.now().Add(def.TTL)
	if err := r.states.Save(ctx, cctx, readVersion); err != nil {
		return nil, err
	}

	if result.Next.Terminal() {
		if err := r.states.Delete(ctx, key); err != nil {
			slog.Error("Runtime.dispatchOnce: terminal cleanup failed", "error", err, "key", key.String())
		}
		slog.Info("Runtime.dispatchOnce: flow finished", "key", key.String(), "flow", def.Name, "state", result.Next)
	}
	return result.Intents, nil
}

// finishInError routes the conversation to the error pseudo-state and
// returns the fallback intent. The error state is terminal, so the next
// message starts fresh rather than wedging the conversation.
func (r *Runtime) finishInError(ctx context.Context, key models.ConversationKey, cctx *models.ConversationContext, msg models.InboundMessage) ([]models.OutboundIntent, error) {
	readVersion := cctx.Version
	cctx.State = models.StateError
	if err := r.states.Save(ctx, cctx, readVersion); err != nil {
		if errors.Is(err, models.ErrVersionConflict) {
			return nil, err
		}
		slog.Error("Runtime.finishInError: save failed", "error", err, "key", key.String())
	}
	if err := r.states.Delete(ctx, key); err != nil {
		slog.Error("Runtime.finishInError: cleanup failed", "error", err, "key", key.String())
	}
	return []models.OutboundIntent{r.fallbackIntent(key, msg)}, nil
}

func (r *Runtime) fallbackIntent(key models.ConversationKey, msg models.InboundMessage) models.OutboundIntent {
	target := msg.SenderAddress
	if key.Channel == models.ChannelBroadcast && msg.GroupID != "" {
		target = msg.GroupID
	}
	return models.OutboundIntent{
		TargetAddress: target,
		Channel:       key.Channel,
		Body:          FallbackReply,
	}
}

func (r *Runtime) selectFlow(msg models.InboundMessage) *FlowDefinition {
	for _, name := range r.order {
		def := r.flows[name]
		if def.Select != nil && def.Select(msg) {
			return def
		}
	}
	return nil
}

// SweepExpired transitions contexts whose expiry has passed into the
// abandoned state and removes them, reporting each through onAbandoned.
// This is the only way a flow ends without an explicit terminal
// transition, preventing orphaned state accumulation.
func (r *Runtime) SweepExpired(ctx context.Context, durable store.ContextRepo, onAbandoned func(cctx *models.ConversationContext)) (int, error) {
	expired, err := durable.ListExpiredContexts(r.now(), DefaultSweepLimit)
	if err != nil {
		return 0, fmt.Errorf("sweep list failed: %w", err)
	}
	swept := 0
	for _, cctx := range expired {
		cctx.State = models.StateAbandoned
		if err := r.states.Delete(ctx, cctx.Key); err != nil {
			slog.Error("Runtime.SweepExpired: delete failed", "error", err, "key", cctx.Key.String())
			continue
		}
		r.states.Evict(cctx.Key)
		swept++
		slog.Info("Runtime.SweepExpired: context abandoned", "key", cctx.Key.String(), "flow", cctx.FlowName)
		if onAbandoned != nil {
			onAbandoned(cctx)
		}
	}
	return swept, nil
}

// RunSweeper runs SweepExpired on the given interval until the context
// is cancelled.
func (r *Runtime) RunSweeper(ctx context.Context, durable store.ContextRepo, interval time.Duration, onAbandoned func(cctx *models.ConversationContext)) {
	slog.Info("Runtime.RunSweeper: starting sweep loop", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("Runtime.RunSweeper: stopping")
			return
		case <-ticker.C:
			if _, err := r.SweepExpired(ctx, durable, onAbandoned); err != nil {
				slog.Error("Runtime.RunSweeper: sweep failed", "error", err)
			}
		}
	}
}
