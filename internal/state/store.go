package state

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"sync"
)

var (
	// ErrUnknownBatch is returned when a batch id is not held by the store.
	ErrUnknownBatch = errors.New("unknown batch")

	// ErrAlreadyLoaded is returned when Load is called on a populated store.
	ErrAlreadyLoaded = errors.New("store already loaded")

	// ErrDuplicateBatch is returned when a batch id appears twice in one fold.
	ErrDuplicateBatch = errors.New("duplicate batch")
)

// Store exclusively owns every batch of one simulation run. It is safe for
// concurrent reads; writes happen only through Load and Apply, which the
// orchestrator calls between phases.
type Store struct {
	mu       sync.RWMutex
	batches  map[BatchID]*Batch
	output   []Record
	verifier *Verifier
}

// NewStore creates an empty store with its own access verifier.
func NewStore() *Store {
	return &Store{
		batches:  make(map[BatchID]*Batch),
		verifier: NewVerifier(),
	}
}

// Verifier returns the access verifier guarding this store.
func (s *Store) Verifier() *Verifier {
	return s.verifier
}

// Load installs the initial population. It fails if the store already holds
// batches or if ids repeat.
func (s *Store) Load(batches []Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.batches) > 0 {
		return ErrAlreadyLoaded
	}

	staged := make(map[BatchID]*Batch, len(batches))
	for _, b := range batches {
		if _, dup := staged[b.ID]; dup {
			return fmt.Errorf("load batch %d: %w", b.ID, ErrDuplicateBatch)
		}
		c := b.Clone()
		staged[b.ID] = &c
	}
	s.batches = staged
	return nil
}

// Len returns the number of batches.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.batches)
}

// BatchIDs returns every batch id in ascending order.
func (s *Store) BatchIDs() []BatchID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]BatchID, 0, len(s.batches))
	for id := range s.batches {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Snapshot returns a deep copy of one batch.
func (s *Store) Snapshot(id BatchID) (Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.batches[id]
	if !ok {
		return Batch{}, fmt.Errorf("batch %d: %w", id, ErrUnknownBatch)
	}
	return b.Clone(), nil
}

// Batches returns deep copies of all batches ordered by id.
func (s *Store) Batches() []Batch {
	ids := s.BatchIDs()

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Batch, 0, len(ids))
	for _, id := range ids {
		if b, ok := s.batches[id]; ok {
			out = append(out, b.Clone())
		}
	}
	return out
}

// Apply folds a set of changes and output records in one atomic step. Every
// change is validated before anything is written, so a failed Apply leaves
// the store untouched.
func (s *Store) Apply(changes []Change, records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[BatchID]struct{}, len(changes))
	for _, c := range changes {
		if _, ok := s.batches[c.Batch]; !ok {
			return fmt.Errorf("apply batch %d: %w", c.Batch, ErrUnknownBatch)
		}
		if _, dup := seen[c.Batch]; dup {
			return fmt.Errorf("apply batch %d: %w", c.Batch, ErrDuplicateBatch)
		}
		seen[c.Batch] = struct{}{}
	}

	for _, c := range changes {
		b := s.batches[c.Batch]
		changed := false
		if c.Agents != nil {
			agents := make([]Agent, len(c.Agents))
			for i, a := range c.Agents {
				agents[i] = a.Clone()
			}
			b.Agents = agents
			changed = true
		}
		if c.Context != nil {
			b.Context = bytes.Clone(c.Context)
			changed = true
		}
		if changed {
			b.Version++
		}
	}

	for _, r := range records {
		s.output = append(s.output, Record{Step: r.Step, Batch: r.Batch, Data: bytes.Clone(r.Data)})
	}
	return nil
}

// Output returns a copy of the output log in append order.
func (s *Store) Output() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, len(s.output))
	for i, r := range s.output {
		out[i] = Record{Step: r.Step, Batch: r.Batch, Data: bytes.Clone(r.Data)}
	}
	return out
}

// View returns a view over the batches covered by g. The view reads through
// to the store until it is released.
func (s *Store) View(g Grant) *View {
	return newView(g, s.Snapshot)
}
