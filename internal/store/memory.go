// Package store provides storage backends for the conversation engine.
//
// This file implements a mutex-guarded in-memory store used by tests and
// as the durable fallback in single-process deployments.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/souschef-sms/souschef/internal/models"
)

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// InMemoryStore is a simple in-memory implementation of Store.
type InMemoryStore struct {
	mu       sync.Mutex
	contexts map[string]*models.ConversationContext
	sagas    map[string]*models.SagaExecution
	dedup    map[string]models.IdempotencyRecord
	counters map[string]*models.RateLimitCounter
	optedOut map[string]bool
	audit    []models.AuditEvent
	auditSeq int64
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		contexts: make(map[string]*models.ConversationContext),
		sagas:    make(map[string]*models.SagaExecution),
		dedup:    make(map[string]models.IdempotencyRecord),
		counters: make(map[string]*models.RateLimitCounter),
		optedOut: make(map[string]bool),
	}
}

func (s *InMemoryStore) GetContext(key models.ConversationKey) (*models.ConversationContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contexts[key.String()]
	if !ok {
		return nil, nil
	}
	return c.Clone(), nil
}

func (s *InMemoryStore) UpsertContext(c *models.ConversationContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := c.Key.String()
	if cur, ok := s.contexts[k]; ok && cur.Version > c.Version {
		// Stale snapshot, keep the newer row.
		return nil
	}
	s.contexts[k] = c.Clone()
	return nil
}

func (s *InMemoryStore) DeleteContext(key models.ConversationKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.contexts, key.String())
	return nil
}

func (s *InMemoryStore) ListExpiredContexts(now time.Time, limit int) ([]*models.ConversationContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.ConversationContext
	for _, c := range s.contexts {
		if !c.ExpiresAt.IsZero() && c.ExpiresAt.Before(now) {
			out = append(out, c.Clone())
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *InMemoryStore) MarkContextDirty(key models.ConversationKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.contexts[key.String()]; ok {
		c.Dirty = true
	}
	return nil
}

func (s *InMemoryStore) ListDirtyContexts() ([]*models.ConversationContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.ConversationContext
	for _, c := range s.contexts {
		if c.Dirty {
			out = append(out, c.Clone())
		}
	}
	return out, nil
}

func cloneSaga(e *models.SagaExecution) *models.SagaExecution {
	cp := *e
	cp.Steps = append([]models.SagaStep(nil), e.Steps...)
	return &cp
}

func (s *InMemoryStore) InsertSaga(e *models.SagaExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sagas[e.ID] = cloneSaga(e)
	return nil
}

func (s *InMemoryStore) UpdateSaga(e *models.SagaExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sagas[e.ID]; !ok {
		return models.ErrSagaNotFound
	}
	s.sagas[e.ID] = cloneSaga(e)
	return nil
}

func (s *InMemoryStore) GetSaga(id string) (*models.SagaExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sagas[id]
	if !ok {
		return nil, models.ErrSagaNotFound
	}
	return cloneSaga(e), nil
}

func (s *InMemoryStore) ListSagasByStatus(status models.SagaStatus) ([]*models.SagaExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.SagaExecution
	for _, e := range s.sagas {
		if e.Status == status {
			out = append(out, cloneSaga(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) ReserveKey(key string, now, expiresAt time.Time) (bool, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.dedup[key]; ok {
		if rec.ExpiresAt.After(now) {
			return false, rec.ResultFingerprint, nil
		}
		// Expired reservation, reclaim the key.
	}
	s.dedup[key] = models.IdempotencyRecord{Key: key, FirstSeenAt: now, ExpiresAt: expiresAt}
	return true, "", nil
}

func (s *InMemoryStore) RecordFingerprint(key, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.dedup[key]; ok {
		rec.ResultFingerprint = fingerprint
		s.dedup[key] = rec
	}
	return nil
}

func (s *InMemoryStore) PurgeExpiredKeys(now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, rec := range s.dedup {
		if !rec.ExpiresAt.After(now) {
			delete(s.dedup, k)
			n++
		}
	}
	return n, nil
}

func rateKey(subject string, channel models.ChannelClass, day string) string {
	return subject + "|" + string(channel) + "|" + day
}

func (s *InMemoryStore) IncrWithCeiling(subject string, channel models.ChannelClass, day string, ceiling int, windowExpiresAt time.Time) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := rateKey(subject, channel, day)
	c, ok := s.counters[k]
	if !ok {
		c = &models.RateLimitCounter{SubjectKey: subject, Channel: channel, Day: day, WindowExpiresAt: windowExpiresAt}
		s.counters[k] = c
	}
	if c.Count+1 > ceiling {
		return c.Count, false, nil
	}
	c.Count++
	return c.Count, true, nil
}

func (s *InMemoryStore) GetRateCount(subject string, channel models.ChannelClass, day string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.counters[rateKey(subject, channel, day)]; ok {
		return c.Count, nil
	}
	return 0, nil
}

func (s *InMemoryStore) SetOptedOut(subject string, optedOut bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.optedOut[subject] = optedOut
	return nil
}

func (s *InMemoryStore) IsOptedOut(subject string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.optedOut[subject], nil
}

func (s *InMemoryStore) AppendAuditEvent(e models.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditSeq++
	e.ID = s.auditSeq
	s.audit = append(s.audit, e)
	return nil
}

func (s *InMemoryStore) ListAuditEvents(subject string, since time.Time) ([]models.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.AuditEvent
	for _, e := range s.audit {
		if e.SubjectKey == subject && !e.CreatedAt.Before(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }
