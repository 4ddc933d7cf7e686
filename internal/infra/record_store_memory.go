package infra

import (
	"context"
	"sync"

	"github.com/eliteGoblin/focusd/ipguard/internal/domain"
)

// MemoryRecordStore keeps records in process memory. Used by tests and the
// "memory" storage driver.
type MemoryRecordStore struct {
	mu      sync.RWMutex
	records map[string]domain.EnforcementRecord
}

// NewMemoryRecordStore creates an empty in-memory store.
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{
		records: make(map[string]domain.EnforcementRecord),
	}
}

// Get returns a copy of the record for ip, or nil when none exists.
func (s *MemoryRecordStore) Get(ctx context.Context, ip string) (*domain.EnforcementRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[ip]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// Save stores rec under ip.
func (s *MemoryRecordStore) Save(ctx context.Context, ip string, rec domain.EnforcementRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[ip] = rec
	return nil
}

// All returns a copy of every stored record.
func (s *MemoryRecordStore) All(ctx context.Context) (map[string]domain.EnforcementRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]domain.EnforcementRecord, len(s.records))
	for ip, rec := range s.records {
		out[ip] = rec
	}
	return out, nil
}

var (
	_ domain.RuleRecordStore = (*MemoryRecordStore)(nil)
	_ domain.RecordLister    = (*MemoryRecordStore)(nil)
)
