// Package models defines the core data structures for the SousChef
// conversation orchestration engine.
//
// It includes conversation addressing and context types, inbound/outbound
// message contracts, and shared error variables used across modules.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ChannelClass classifies an addressing target for compliance purposes.
// Individual and broadcast traffic carry distinct daily ceilings.
type ChannelClass string

const (
	// ChannelIndividual addresses a single household member.
	ChannelIndividual ChannelClass = "individual"
	// ChannelBroadcast addresses a whole household (group thread).
	ChannelBroadcast ChannelClass = "broadcast"
)

// IsValidChannelClass checks if the given channel class is supported.
func IsValidChannelClass(c ChannelClass) bool {
	switch c {
	case ChannelIndividual, ChannelBroadcast:
		return true
	default:
		return false
	}
}

// Error variables for better error handling and testability
var (
	ErrDuplicateMessage = errors.New("message already processed")
	ErrVersionConflict  = errors.New("conversation context version conflict")
	ErrContention       = errors.New("conversation context contention: retries exhausted")
	ErrRateLimited      = errors.New("outbound message rate limited")
	ErrOptedOut         = errors.New("subject has opted out")
	ErrContextNotFound  = errors.New("conversation context not found")
	ErrSagaNotFound     = errors.New("saga execution not found")
	ErrEmptyRecipient   = errors.New("recipient cannot be empty")
)

// ConversationKey addresses exactly one conversation context: a household,
// an optional member, and a channel class. Group-addressed traffic resolves
// to a household-scoped key with an empty MemberID.
type ConversationKey struct {
	HouseholdID string       `json:"household_id"`
	MemberID    string       `json:"member_id,omitempty"`
	Channel     ChannelClass `json:"channel"`
}

// String returns the canonical composite form used as a storage key.
func (k ConversationKey) String() string {
	return fmt.Sprintf("%s|%s|%s", k.HouseholdID, k.MemberID, k.Channel)
}

// Validate checks the key has a household and a supported channel class.
func (k ConversationKey) Validate() error {
	if k.HouseholdID == "" {
		return fmt.Errorf("conversation key missing household id")
	}
	if !IsValidChannelClass(k.Channel) {
		return fmt.Errorf("conversation key has invalid channel class %q", k.Channel)
	}
	return nil
}

// StateType represents a state within a flow's transition graph.
// Flows define their own states; the pseudo-states below are shared.
type StateType string

const (
	// StateCompleted marks a flow that finished normally.
	StateCompleted StateType = "completed"
	// StateAbandoned marks a flow ended by the expiry sweep.
	StateAbandoned StateType = "abandoned"
	// StateError is the pseudo-state entered on an unregistered transition.
	StateError StateType = "error"
)

// Terminal reports whether the state ends a flow.
func (s StateType) Terminal() bool {
	return s == StateCompleted || s == StateAbandoned || s == StateError
}

// MessageClass is the classification of an inbound message used to select
// a transition handler. Flows supply their own classifier.
type MessageClass string

const (
	MessageClassText    MessageClass = "text"
	MessageClassMedia   MessageClass = "media"
	MessageClassConfirm MessageClass = "confirm"
	MessageClassDecline MessageClass = "decline"
	MessageClassUnknown MessageClass = "unknown"
)

// ConversationContext is the durable state of one conversation. It is
// mutated only through the state store's compare-and-swap save.
type ConversationContext struct {
	Key       ConversationKey   `json:"key"`
	FlowName  string            `json:"flow_name,omitempty"`
	State     StateType         `json:"state"`
	FlowData  map[string]string `json:"flow_data,omitempty"`
	Version   int64             `json:"version"`
	Dirty     bool              `json:"dirty,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// Clone returns a deep copy so callers can mutate FlowData without
// aliasing the cached copy.
func (c *ConversationContext) Clone() *ConversationContext {
	if c == nil {
		return nil
	}
	cp := *c
	if c.FlowData != nil {
		cp.FlowData = make(map[string]string, len(c.FlowData))
		for k, v := range c.FlowData {
			cp.FlowData[k] = v
		}
	}
	return &cp
}

// InboundMessage is the provider-agnostic inbound event contract.
type InboundMessage struct {
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	SenderAddress     string    `json:"sender_address"`
	RecipientAddress  string    `json:"recipient_address"`
	GroupID           string    `json:"group_id,omitempty"` // set for group-addressed messages
	Body              string    `json:"body"`
	MediaRefs         []string  `json:"media_refs,omitempty"`
	ReceivedAt        time.Time `json:"received_at"`
}

// HasMedia reports whether the message carried any media attachments.
func (m InboundMessage) HasMedia() bool {
	return len(m.MediaRefs) > 0
}

// NormalizedBody returns the body trimmed and lowercased for keyword matching.
func (m InboundMessage) NormalizedBody() string {
	return strings.ToLower(strings.TrimSpace(m.Body))
}

// OutboundIntent is a request to deliver one message, produced by flow
// handlers and admitted (or suppressed) by the rate limiter before emission.
type OutboundIntent struct {
	TargetAddress string       `json:"target_address"`
	Channel       ChannelClass `json:"channel"`
	Body          string       `json:"body"`
	CorrelationID string       `json:"correlation_id,omitempty"`
}

// Validate checks the intent can be dispatched.
func (i OutboundIntent) Validate() error {
	if i.TargetAddress == "" {
		return ErrEmptyRecipient
	}
	if !IsValidChannelClass(i.Channel) {
		return fmt.Errorf("outbound intent has invalid channel class %q", i.Channel)
	}
	return nil
}

// DeliveryReceipt reports provider-side delivery status for bookkeeping.
// Receipts never gate rate limiting, which counts attempts, not deliveries.
type DeliveryReceipt struct {
	ProviderMessageID string    `json:"provider_message_id"`
	TargetAddress     string    `json:"target_address"`
	Status            string    `json:"status"` // sent, delivered, failed
	Time              time.Time `json:"time"`
}

// IdempotencyRecord marks one admitted inbound event within the TTL window.
type IdempotencyRecord struct {
	Key               string    `json:"key"`
	FirstSeenAt       time.Time `json:"first_seen_at"`
	ResultFingerprint string    `json:"result_fingerprint,omitempty"`
	ExpiresAt         time.Time `json:"expires_at"`
}

// RateLimitCounter is one fixed-window counter: subject, channel class,
// calendar day.
type RateLimitCounter struct {
	SubjectKey      string       `json:"subject_key"`
	Channel         ChannelClass `json:"channel"`
	Day             string       `json:"day"` // UTC calendar day, YYYY-MM-DD
	Count           int          `json:"count"`
	WindowExpiresAt time.Time    `json:"window_expires_at"`
}

// AuditKind enumerates consent and compliance relevant event kinds.
type AuditKind string

const (
	AuditInviteSent  AuditKind = "invite_sent"
	AuditOptedIn     AuditKind = "opted_in"
	AuditOptedOut    AuditKind = "opted_out"
	AuditRateLimited AuditKind = "rate_limited"
)

// AuditEvent is an append-only compliance record. Never updated or deleted.
type AuditEvent struct {
	ID         int64     `json:"id"`
	SubjectKey string    `json:"subject_key"`
	Kind       AuditKind `json:"kind"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ExtractionResult is the AI collaborator's response contract.
type ExtractionResult struct {
	StructuredResult string  `json:"structured_result"`
	Confidence       float64 `json:"confidence"`
}
