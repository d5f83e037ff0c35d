package ack

import (
	"context"
	"sync"
)

// MemorySink stores acknowledgments in memory (development/testing use)
type MemorySink struct {
	mu      sync.Mutex
	records []Record
}

// NewMemorySink creates a new in-memory acknowledgment sink
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Ingest appends the record to the in-memory store
func (s *MemorySink) Ingest(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

// Records returns a copy of all stored records (for testing/inspection)
func (s *MemorySink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// Count returns the number of stored records
func (s *MemorySink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
