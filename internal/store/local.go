// internal/store/local.go
package store

import (
	"context"
	"sync"
)

// Local is an in-memory Store bounded to max records.
type Local struct {
	records []Record
	nextID  int64
	max     int
	mu      sync.RWMutex
}

func NewLocal(max int) *Local {
	return &Local{
		records: make([]Record, 0),
		max:     max,
	}
}

func (s *Local) Add(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	rec.ID = s.nextID
	s.records = append(s.records, rec)
	if s.max > 0 && len(s.records) > s.max {
		s.records = append(s.records[:0:0], s.records[len(s.records)-s.max:]...)
	}
	return nil
}

func (s *Local) Recent(_ context.Context, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := 0
	if limit > 0 && len(s.records) > limit {
		start = len(s.records) - limit
	}
	out := make([]Record, len(s.records)-start)
	copy(out, s.records[start:])
	return out, nil
}

func (s *Local) Close() error {
	return nil
}
