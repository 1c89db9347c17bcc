// Package backlog is the durable queue of audience actions that could not be
// delivered yet. Every change is written through to a Store so the queue
// survives restarts.
package backlog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/livecue/go/internal/show/metrics"
)

// DefaultKey is the well-known key the backlog is stored under
const DefaultKey = "livecue:pending_actions"

// QueuedAction is one undelivered submission
type QueuedAction struct {
	ID         uuid.UUID       `json:"id"`
	Kind       string          `json:"kind"`
	CueID      string          `json:"cueId"`
	SessionID  string          `json:"sessionId,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// Store persists the whole backlog as one JSON array
type Store interface {
	Load(ctx context.Context) ([]QueuedAction, error)
	Save(ctx context.Context, actions []QueuedAction) error
}

// Backlog is safe for concurrent use
type Backlog struct {
	mu    sync.Mutex
	store Store
	clk   clockwork.Clock
	items []QueuedAction
}

// Open loads the persisted backlog from store
func Open(ctx context.Context, store Store, clk clockwork.Clock) (*Backlog, error) {
	items, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load backlog: %w", err)
	}
	metrics.SetBacklogDepth(len(items))
	return &Backlog{store: store, clk: clk, items: items}, nil
}

// Enqueue appends an action, or replaces the payload of the queued action for
// the same kind and cue so the backlog never holds two copies of one
// response. The stored action is returned. A persistence failure is returned
// but the action stays queued in memory.
func (b *Backlog) Enqueue(ctx context.Context, a QueuedAction) (QueuedAction, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.items {
		if b.items[i].Kind == a.Kind && b.items[i].CueID == a.CueID {
			b.items[i].Payload = a.Payload
			b.items[i].SessionID = a.SessionID
			return b.items[i], b.persist(ctx)
		}
	}

	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.EnqueuedAt.IsZero() {
		a.EnqueuedAt = b.clk.Now()
	}
	b.items = append(b.items, a)
	return a, b.persist(ctx)
}

// Remove deletes the action with the given id. It reports whether the action
// was present.
func (b *Backlog) Remove(ctx context.Context, id uuid.UUID) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.items {
		if b.items[i].ID == id {
			b.items = append(b.items[:i], b.items[i+1:]...)
			return true, b.persist(ctx)
		}
	}
	return false, nil
}

// RemoveMatching deletes the queued action for kind and cue, if any
func (b *Backlog) RemoveMatching(ctx context.Context, kind, cueID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.items {
		if b.items[i].Kind == kind && b.items[i].CueID == cueID {
			b.items = append(b.items[:i], b.items[i+1:]...)
			return true, b.persist(ctx)
		}
	}
	return false, nil
}

// Pending returns a copy of the queue in enqueue order
func (b *Backlog) Pending() []QueuedAction {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]QueuedAction, len(b.items))
	copy(out, b.items)
	return out
}

// Len returns the queue depth
func (b *Backlog) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Clear drops every queued action
func (b *Backlog) Clear(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items = nil
	return b.persist(ctx)
}

func (b *Backlog) persist(ctx context.Context) error {
	metrics.SetBacklogDepth(len(b.items))
	snapshot := make([]QueuedAction, len(b.items))
	copy(snapshot, b.items)
	if err := b.store.Save(ctx, snapshot); err != nil {
		return fmt.Errorf("persist backlog: %w", err)
	}
	return nil
}

func encode(actions []QueuedAction) ([]byte, error) {
	if actions == nil {
		actions = []QueuedAction{}
	}
	data, err := json.Marshal(actions)
	if err != nil {
		return nil, fmt.Errorf("marshal backlog: %w", err)
	}
	return data, nil
}

func decode(data []byte) ([]QueuedAction, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var actions []QueuedAction
	if err := json.Unmarshal(data, &actions); err != nil {
		return nil, fmt.Errorf("unmarshal backlog: %w", err)
	}
	return actions, nil
}
