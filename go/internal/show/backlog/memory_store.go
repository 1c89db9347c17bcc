package backlog

import (
	"context"
	"sync"
)

// MemoryStore keeps the backlog in process memory. It does not survive a
// restart and is meant for ephemeral agents and tests.
type MemoryStore struct {
	mu      sync.Mutex
	actions []QueuedAction
	saves   int
	err     error
}

func NewMemoryStore(initial ...QueuedAction) *MemoryStore {
	return &MemoryStore{actions: append([]QueuedAction(nil), initial...)}
}

func (s *MemoryStore) Load(_ context.Context) ([]QueuedAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]QueuedAction(nil), s.actions...), nil
}

func (s *MemoryStore) Save(_ context.Context, actions []QueuedAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.actions = append([]QueuedAction(nil), actions...)
	s.saves++
	return nil
}

// FailWith makes subsequent saves return err; nil restores normal behaviour
func (s *MemoryStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Saves returns how many successful saves happened
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}
