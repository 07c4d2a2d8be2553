package journal

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore keeps the most recent records in a fixed ring.
type InMemoryStore struct {
	mu      sync.RWMutex
	records []Record
	next    int
	filled  bool
}

func NewInMemoryStore(limit int) *InMemoryStore {
	if limit <= 0 {
		limit = 1000
	}
	return &InMemoryStore{records: make([]Record, limit)}
}

func (s *InMemoryStore) Append(_ context.Context, record Record) error {
	fill(&record)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[s.next] = record
	s.next++
	if s.next >= len(s.records) {
		s.next = 0
		s.filled = true
	}
	return nil
}

func (s *InMemoryStore) Recent(_ context.Context, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := s.next
	if s.filled {
		n = len(s.records)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Record, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (s.next - i + len(s.records)) % len(s.records)
		out = append(out, s.records[idx])
	}
	return out, nil
}

func (s *InMemoryStore) Mode() string { return "in-memory" }

func (s *InMemoryStore) Close() error { return nil }

func fill(record *Record) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.StartedAt.IsZero() {
		record.StartedAt = time.Now().UTC()
	}
}
