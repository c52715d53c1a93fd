// Package router implements the conversation router: the engine's
// entry point for inbound events and its emission point for outbound
// events.
//
// Route resolves the addressing key, deduplicates, handles consent
// keywords, dispatches to the state-machine runtime, and then admits
// each resulting outbound intent through the rate limiter before
// emitting it on the event bus. Inbound processing is never rate
// limited; only resulting sends are.
package router

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/souschef-sms/souschef/internal/bus"
	"github.com/souschef-sms/souschef/internal/dedup"
	"github.com/souschef-sms/souschef/internal/models"
	"github.com/souschef-sms/souschef/internal/ratelimit"
)

// Dispatcher is the state-machine runtime surface the router needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, key models.ConversationKey, msg models.InboundMessage) ([]models.OutboundIntent, error)
}

// Resolver maps provider addresses to household/member identity. The
// identity directory is an external collaborator; tests use a fake.
type Resolver interface {
	// ResolveMember returns the household and member for an individual
	// sender address.
	ResolveMember(ctx context.Context, address string) (householdID, memberID string, err error)

	// ResolveHousehold returns the household for a group thread id.
	ResolveHousehold(ctx context.Context, groupID string) (householdID string, err error)
}

// Router wires the engine components. All dependencies are explicit
// constructor arguments; there are no package-level singletons.
type Router struct {
	guard    *dedup.Guard
	limiter  *ratelimit.Limiter
	runtime  Dispatcher
	bus      bus.Bus
	resolver Resolver
}

// New creates a router.
func New(guard *dedup.Guard, limiter *ratelimit.Limiter, runtime Dispatcher, b bus.Bus, resolver Resolver) *Router {
	return &Router{
		guard:    guard,
		limiter:  limiter,
		runtime:  runtime,
		bus:      b,
		resolver: resolver,
	}
}

// Route processes one inbound message end to end.
func (r *Router) Route(ctx context.Context, msg models.InboundMessage) error {
	key, err := r.addressKey(ctx, msg)
	if err != nil {
		slog.Error("Router.Route: address resolution failed", "error", err, "sender", msg.SenderAddress)
		return fmt.Errorf("resolve address failed: %w", err)
	}

	dedupKey := dedup.KeyFor(msg)
	decision, err := r.guard.Admit(ctx, dedupKey)
	if err != nil {
		// Guard failed closed: do not risk double execution.
		slog.Error("Router.Route: idempotency guard unavailable, dropping", "error", err, "key", key.String())
		return err
	}
	if !decision.Accepted {
		slog.Info("Router.Route: duplicate message, skipping", "key", key.String(), "dedupKey", dedupKey, "fingerprint", decision.Fingerprint)
		return nil
	}

	if err := r.bus.Emit(ctx, bus.Event{Topic: bus.TopicInboundReceived, Key: key.String(), Payload: msg}); err != nil {
		slog.Error("Router.Route: inbound event emit failed", "error", err, "key", key.String())
	}

	// Consent keywords are handled ahead of any flow: opt-out must take
	// effect before the next outbound attempt is evaluated.
	subject := r.subjectFor(key, msg.SenderAddress)
	switch ratelimit.ClassifyKeyword(msg.Body) {
	case ratelimit.KeywordOptOut:
		if err := r.limiter.RecordOptOut(ctx, subject); err != nil {
			return err
		}
		return r.finish(ctx, dedupKey, nil)
	case ratelimit.KeywordOptIn:
		if err := r.limiter.RecordOptIn(ctx, subject); err != nil {
			return err
		}
		welcome := models.OutboundIntent{
			TargetAddress: msg.SenderAddress,
			Channel:       key.Channel,
			Body:          "Welcome back! Text a recipe photo or ask about your pantry.",
		}
		r.deliver(ctx, key, welcome)
		return r.finish(ctx, dedupKey, []models.OutboundIntent{welcome})
	}

	intents, err := r.runtime.Dispatch(ctx, key, msg)
	if err != nil {
		if errors.Is(err, models.ErrContention) {
			slog.Error("Router.Route: dispatch contention", "key", key.String())
			return err
		}
		slog.Error("Router.Route: dispatch failed", "error", err, "key", key.String())
		return fmt.Errorf("dispatch failed: %w", err)
	}

	for _, intent := range intents {
		r.deliver(ctx, key, intent)
	}
	return r.finish(ctx, dedupKey, intents)
}

// HandleReceipt consumes an asynchronous delivery status report. It is
// bookkeeping only and never gates rate limiting.
func (r *Router) HandleReceipt(ctx context.Context, receipt models.DeliveryReceipt) {
	slog.Debug("Router.HandleReceipt", "providerMessageID", receipt.ProviderMessageID, "status", receipt.Status)
	if err := r.bus.Emit(ctx, bus.Event{Topic: bus.TopicDeliveryReceipt, Key: receipt.TargetAddress, Payload: receipt}); err != nil {
		slog.Error("Router.HandleReceipt: emit failed", "error", err)
	}
}

// deliver admits one outbound intent through the rate limiter and emits
// it, or suppresses it with an operator-visible event.
func (r *Router) deliver(ctx context.Context, key models.ConversationKey, intent models.OutboundIntent) {
	if err := intent.Validate(); err != nil {
		slog.Error("Router.deliver: invalid intent", "error", err, "key", key.String())
		return
	}

	subject := r.subjectFor(key, intent.TargetAddress)
	decision, err := r.limiter.TryConsume(ctx, subject, intent.Channel)
	if err != nil {
		// Fail closed: an unverifiable ceiling must not become an
		// unbounded send path.
		slog.Error("Router.deliver: limiter unavailable, suppressing", "error", err, "subject", subject)
		return
	}
	if !decision.Allowed {
		slog.Info("Router.deliver: send suppressed", "subject", subject, "channel", intent.Channel, "retryAfter", decision.RetryAfter)
		if err := r.bus.Emit(ctx, bus.Event{Topic: bus.TopicOutboundSuppressed, Key: key.String(), Payload: intent}); err != nil {
			slog.Error("Router.deliver: suppression event emit failed", "error", err)
		}
		return
	}

	if err := r.bus.Emit(ctx, bus.Event{Topic: bus.TopicOutboundSend, Key: key.String(), Payload: intent}); err != nil {
		slog.Error("Router.deliver: send event emit failed", "error", err, "key", key.String())
	}
}

// finish records the processing outcome fingerprint so duplicates can
// report it.
func (r *Router) finish(ctx context.Context, dedupKey string, intents []models.OutboundIntent) error {
	if err := r.guard.RecordOutcome(ctx, dedupKey, fingerprint(intents)); err != nil {
		slog.Error("Router.finish: record outcome failed", "error", err, "dedupKey", dedupKey)
	}
	return nil
}

// addressKey resolves the conversation addressing key: group-addressed
// messages map to a household-scoped broadcast key with no member,
// member-addressed messages to an individual key.
func (r *Router) addressKey(ctx context.Context, msg models.InboundMessage) (models.ConversationKey, error) {
	if msg.GroupID != "" {
		householdID, err := r.resolver.ResolveHousehold(ctx, msg.GroupID)
		if err != nil {
			return models.ConversationKey{}, err
		}
		return models.ConversationKey{HouseholdID: householdID, Channel: models.ChannelBroadcast}, nil
	}
	householdID, memberID, err := r.resolver.ResolveMember(ctx, msg.SenderAddress)
	if err != nil {
		return models.ConversationKey{}, err
	}
	return models.ConversationKey{HouseholdID: householdID, MemberID: memberID, Channel: models.ChannelIndividual}, nil
}

// subjectFor picks the rate-limit subject: broadcast traffic counts
// against the household, individual traffic against the address.
func (r *Router) subjectFor(key models.ConversationKey, address string) string {
	if key.Channel == models.ChannelBroadcast {
		return key.HouseholdID
	}
	return address
}

// fingerprint summarizes a processing outcome for duplicate reporting.
func fingerprint(intents []models.OutboundIntent) string {
	h := sha256.New()
	for _, intent := range intents {
		fmt.Fprintf(h, "%s|%s|%s\n", intent.TargetAddress, intent.Channel, intent.Body)
	}
	return hex.EncodeToString(h.Sum(nil))
}
