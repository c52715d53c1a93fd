// Package saga provides the multi-step workflow orchestrator.
//
// This file implements the call policy wrapping external step
// invocations: bounded exponential-backoff retry plus a simple circuit
// breaker, owned by the orchestrator instead of scattered per call site.
package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrCircuitOpen is returned when the breaker is rejecting calls.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Breaker defaults.
const (
	// DefaultFailureThreshold is how many consecutive failures trip the breaker.
	DefaultFailureThreshold = 5
	// DefaultCooldown is how long the breaker stays open before a probe.
	DefaultCooldown = 30 * time.Second
	// DefaultMaxElapsed bounds the total retry time for one invocation.
	DefaultMaxElapsed = 20 * time.Second
	// DefaultInitialInterval is the first retry delay.
	DefaultInitialInterval = 250 * time.Millisecond
)

// CallPolicy wraps an external invocation with retry and a circuit
// breaker. A zero MaxAttempts means retry until MaxElapsed; MaxAttempts
// of 1 disables retries (used for steps like AI extraction whose
// retries belong to the collaborator).
type CallPolicy struct {
	Name             string
	MaxAttempts      uint64
	InitialInterval  time.Duration
	MaxElapsed       time.Duration
	FailureThreshold int
	Cooldown         time.Duration

	mu          sync.Mutex
	consecutive int
	openedAt    time.Time
	nowFn       func() time.Time
}

// NewCallPolicy returns a policy with the default retry and breaker
// settings.
func NewCallPolicy(name string) *CallPolicy {
	return &CallPolicy{
		Name:             name,
		InitialInterval:  DefaultInitialInterval,
		MaxElapsed:       DefaultMaxElapsed,
		FailureThreshold: DefaultFailureThreshold,
		Cooldown:         DefaultCooldown,
	}
}

// SingleAttempt returns a policy that performs exactly one attempt with
// no breaker, for steps the orchestrator must never retry.
func SingleAttempt(name string) *CallPolicy {
	p := NewCallPolicy(name)
	p.MaxAttempts = 1
	p.FailureThreshold = 0
	return p
}

func (p *CallPolicy) now() time.Time {
	if p.nowFn != nil {
		return p.nowFn()
	}
	return time.Now()
}

// open reports whether the breaker is currently rejecting calls.
func (p *CallPolicy) open() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailureThreshold <= 0 || p.consecutive < p.FailureThreshold {
		return false
	}
	if p.now().Sub(p.openedAt) >= p.Cooldown {
		// Half-open: allow one probe through.
		p.consecutive = p.FailureThreshold - 1
		return false
	}
	return true
}

func (p *CallPolicy) record(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		p.consecutive = 0
		return
	}
	p.consecutive++
	if p.FailureThreshold > 0 && p.consecutive == p.FailureThreshold {
		p.openedAt = p.now()
		slog.Error("CallPolicy: circuit breaker opened", "policy", p.Name, "failures", p.consecutive)
	}
}

// Do invokes fn under the policy. Retries stop on context cancellation,
// on the attempt bound, or on MaxElapsed, whichever comes first.
func (p *CallPolicy) Do(ctx context.Context, fn func() error) error {
	if p.open() {
		slog.Debug("CallPolicy.Do: rejected by open breaker", "policy", p.Name)
		return fmt.Errorf("%s: %w", p.Name, ErrCircuitOpen)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialInterval
	bo.MaxElapsedTime = p.MaxElapsed

	var policy backoff.BackOff = backoff.WithContext(bo, ctx)
	if p.MaxAttempts > 0 {
		policy = backoff.WithMaxRetries(policy, p.MaxAttempts-1)
	}

	err := backoff.Retry(func() error {
		callErr := fn()
		if callErr != nil {
			slog.Debug("CallPolicy.Do: attempt failed", "policy", p.Name, "error", callErr)
		}
		return callErr
	}, policy)

	p.record(err)
	return err
}
