// Package dedup tracks the document ids already placed into a batch during a run.
package dedup

import (
	"fmt"
	"sync"
)

// Set is a run-scoped set of seen ids. Nothing in it survives the run.
type Set interface {
	// Insert records id and reports whether it was new.
	Insert(id string) (bool, error)

	// Len returns the number of distinct ids recorded.
	Len() int

	// Close releases any resources held by the set.
	Close() error
}

// Config selects a Set implementation.
type Config struct {
	Backend string // "memory" | "badger"
	Dir     string // badger scratch directory; empty keeps it in memory
}

// New creates a Set based on configuration.
func New(cfg Config) (Set, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemorySet(), nil
	case "badger":
		return OpenBadgerSet(cfg.Dir)
	default:
		return nil, fmt.Errorf("unknown dedup backend: %s", cfg.Backend)
	}
}

// MemorySet keeps ids in a map.
type MemorySet struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewMemorySet creates an empty in-memory set.
func NewMemorySet() *MemorySet {
	return &MemorySet{seen: make(map[string]struct{})}
}

func (s *MemorySet) Insert(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[id]; ok {
		return false, nil
	}
	s.seen[id] = struct{}{}
	return true, nil
}

func (s *MemorySet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

func (s *MemorySet) Close() error {
	return nil
}
