package state

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// ErrViewReleased is returned by a View after its grant has been released.
var ErrViewReleased = errors.New("view released")

// View is the only window a runner gets onto shared state. It exposes the
// batches covered by one grant and stops working once released.
type View struct {
	grant Grant
	read  func(BatchID) (Batch, error)

	mu       sync.RWMutex
	released bool
}

func newView(g Grant, read func(BatchID) (Batch, error)) *View {
	return &View{grant: g, read: read}
}

// NewDetachedView builds a view from a materialised snapshot, for workers
// that run outside the process owning the Store. Every batch the grant
// covers must be present in batches.
func NewDetachedView(g Grant, batches []Batch) (*View, error) {
	byID := make(map[BatchID]Batch, len(batches))
	for _, b := range batches {
		if !g.Covers(b.ID) {
			return nil, fmt.Errorf("snapshot batch %d: %w", b.ID, ErrOutOfScope)
		}
		byID[b.ID] = b.Clone()
	}
	for _, id := range g.Batches {
		if _, ok := byID[id]; !ok {
			return nil, fmt.Errorf("snapshot missing batch %d: %w", id, ErrUnknownBatch)
		}
	}
	return newView(g, func(id BatchID) (Batch, error) {
		b, ok := byID[id]
		if !ok {
			return Batch{}, fmt.Errorf("batch %d: %w", id, ErrUnknownBatch)
		}
		return b.Clone(), nil
	}), nil
}

// Grant returns the grant the view is scoped to.
func (v *View) Grant() Grant {
	return v.grant
}

// Batches returns the ids covered by the view, in grant order.
func (v *View) Batches() []BatchID {
	return slices.Clone(v.grant.Batches)
}

// CanWrite reports whether the holder may produce agent-state updates.
func (v *View) CanWrite() bool {
	return v.grant.Mode == ExclusiveWrite
}

// Read returns a deep copy of one covered batch.
func (v *View) Read(id BatchID) (Batch, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.released {
		return Batch{}, ErrViewReleased
	}
	if !v.grant.Covers(id) {
		return Batch{}, fmt.Errorf("read batch %d: %w", id, ErrOutOfScope)
	}
	return v.read(id)
}

// Snapshot returns deep copies of every covered batch in grant order.
func (v *View) Snapshot() ([]Batch, error) {
	out := make([]Batch, 0, len(v.grant.Batches))
	for _, id := range v.grant.Batches {
		b, err := v.Read(id)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// Release invalidates the view. It is safe to call more than once.
func (v *View) Release() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.released = true
}

// Released reports whether Release has been called.
func (v *View) Released() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.released
}
