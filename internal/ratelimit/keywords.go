package ratelimit

import "strings"

// KeywordDecision classifies a message body for consent handling.
type KeywordDecision int

const (
	// KeywordUnclear means the body is not a recognized consent keyword.
	// Unclear never mutates eligibility.
	KeywordUnclear KeywordDecision = iota
	// KeywordOptOut is the STOP family.
	KeywordOptOut
	// KeywordOptIn is the START family.
	KeywordOptIn
)

var optOutKeywords = map[string]bool{
	"STOP":        true,
	"STOPALL":     true,
	"UNSUBSCRIBE": true,
	"CANCEL":      true,
	"END":         true,
	"QUIT":        true,
}

var optInKeywords = map[string]bool{
	"START":  true,
	"YES":    true,
	"UNSTOP": true,
}

// ClassifyKeyword classifies a message body as an opt-out keyword, an
// opt-in keyword, or unclear. Pure function: no side effects, matching
// is case-insensitive on the trimmed whole body.
func ClassifyKeyword(body string) KeywordDecision {
	normalized := strings.ToUpper(strings.TrimSpace(body))
	switch {
	case optOutKeywords[normalized]:
		return KeywordOptOut
	case optInKeywords[normalized]:
		return KeywordOptIn
	default:
		return KeywordUnclear
	}
}
