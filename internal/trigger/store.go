package trigger

import (
	"sync"
	"time"
)

// State is the per-actor trigger memory. It lives for the process lifetime.
type State struct {
	LastResponseAt time.Time
	LastStage      string
	Seen           bool
}

// StateStore holds trigger state keyed by actor. Engine serializes access
// per actor; implementations only need to be safe across actors.
type StateStore interface {
	Get(actor string) (State, bool)
	Put(actor string, state State)
}

type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]State
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]State)}
}

func (s *MemoryStore) Get(actor string) (State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[actor]
	return st, ok
}

func (s *MemoryStore) Put(actor string, state State) {
	s.mu.Lock()
	s.states[actor] = state
	s.mu.Unlock()
}

// Len returns the number of actors seen.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.states)
}
