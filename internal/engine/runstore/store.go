// Package runstore keeps the externally visible status of runs with a
// create, update and expire lifecycle.
package runstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/aiflow-go/internal/domain/workflow"
)

var (
	ErrNotFound = errors.New("run not found")
	ErrExists   = errors.New("run already exists")
)

// Store persists run status records. Implementations store copies: callers
// may keep mutating the value they passed in.
type Store interface {
	Create(ctx context.Context, status *workflow.RunStatus) error
	Update(ctx context.Context, status *workflow.RunStatus) error
	Get(ctx context.Context, runID string) (*workflow.RunStatus, error)
	// Expire schedules removal of the record after ttl.
	Expire(ctx context.Context, runID string, ttl time.Duration) error
	Delete(ctx context.Context, runID string) error
	Close() error
}

type memoryEntry struct {
	status    *workflow.RunStatus
	expiresAt time.Time
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]*memoryEntry
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]*memoryEntry), now: time.Now}
}

func (s *MemoryStore) Create(_ context.Context, status *workflow.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()
	if _, exists := s.runs[status.RunID]; exists {
		return ErrExists
	}
	s.runs[status.RunID] = &memoryEntry{status: status.Clone()}
	return nil
}

func (s *MemoryStore) Update(_ context.Context, status *workflow.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.liveLocked(status.RunID)
	if !ok {
		return ErrNotFound
	}
	entry.status = status.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, runID string) (*workflow.RunStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.liveLocked(runID)
	if !ok {
		return nil, ErrNotFound
	}
	return entry.status.Clone(), nil
}

func (s *MemoryStore) Expire(_ context.Context, runID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.liveLocked(runID)
	if !ok {
		return ErrNotFound
	}
	entry.expiresAt = s.now().Add(ttl)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, runID)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) liveLocked(runID string) (*memoryEntry, bool) {
	entry, ok := s.runs[runID]
	if !ok {
		return nil, false
	}
	if !entry.expiresAt.IsZero() && !s.now().Before(entry.expiresAt) {
		return nil, false
	}
	return entry, true
}

func (s *MemoryStore) sweepLocked() {
	now := s.now()
	for id, entry := range s.runs {
		if !entry.expiresAt.IsZero() && !now.Before(entry.expiresAt) {
			delete(s.runs, id)
		}
	}
}
