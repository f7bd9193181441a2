package hipaa

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore keeps audit events in process memory. It backs tests and
// single-process development; events are lost on exit.
type MemoryStore struct {
	mu     sync.RWMutex
	events []*AuditEvent
	byID   map[uuid.UUID]*AuditEvent
	closed bool
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[uuid.UUID]*AuditEvent)}
}

func (s *MemoryStore) Append(ctx context.Context, event *AuditEvent) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := event.Validate(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, errStoreClosed
	}
	if stored, exists := s.byID[event.EventID]; exists {
		event.Sequence = stored.Sequence
		return false, nil
	}
	cp := cloneEvent(event)
	cp.RecordedAt = now()
	event.RecordedAt = cp.RecordedAt
	s.events = append(s.events, cp)
	s.byID[cp.EventID] = cp
	return true, nil
}

func (s *MemoryStore) AppendBatch(ctx context.Context, events []*AuditEvent) error {
	for _, e := range events {
		if _, err := s.Append(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) LastSequence(ctx context.Context, actorID, recordType, recordID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var last int64
	for _, e := range s.events {
		if e.Sequence > last && e.ActorID == actorID && e.RecordType == recordType && e.RecordID == recordID {
			last = e.Sequence
		}
	}
	return last, nil
}

// List returns matching events newest first together with the total match count.
func (s *MemoryStore) List(ctx context.Context, filter AuditFilter) ([]*AuditEvent, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*AuditEvent
	for i := len(s.events) - 1; i >= 0; i-- {
		if filter.matches(s.events[i]) {
			matched = append(matched, s.events[i])
		}
	}
	total := len(matched)
	limit := filter.normalizedLimit()
	if filter.Offset >= total {
		return []*AuditEvent{}, total, nil
	}
	end := filter.Offset + limit
	if end > total {
		end = total
	}
	out := make([]*AuditEvent, 0, end-filter.Offset)
	for _, e := range matched[filter.Offset:end] {
		out = append(out, cloneEvent(e))
	}
	return out, total, nil
}

// Events returns every stored event in persistence order.
func (s *MemoryStore) Events() []*AuditEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*AuditEvent, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, cloneEvent(e))
	}
	return out
}

// Len returns the number of stored events.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func cloneEvent(e *AuditEvent) *AuditEvent {
	cp := *e
	cp.Tiers = append([]Tier(nil), e.Tiers...)
	return &cp
}
