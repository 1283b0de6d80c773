package state

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// Mode is the kind of access a grant gives over its batches.
type Mode uint8

const (
	// ReadOnly lets the holder read its batches; any number of partitions may
	// hold read grants on the same batch at once.
	ReadOnly Mode = iota
	// ExclusiveWrite lets the holder produce new agent state for its batches.
	// No other partition may hold any grant on those batches meanwhile.
	ExclusiveWrite
)

// String returns the mode name used in logs and on the wire.
func (m Mode) String() string {
	switch m {
	case ReadOnly:
		return "read_only"
	case ExclusiveWrite:
		return "exclusive_write"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	switch m {
	case ReadOnly, ExclusiveWrite:
		return []byte(m.String()), nil
	default:
		return nil, fmt.Errorf("unknown access mode %d", uint8(m))
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(b []byte) error {
	switch string(b) {
	case "read_only":
		*m = ReadOnly
	case "exclusive_write":
		*m = ExclusiveWrite
	default:
		return fmt.Errorf("unknown access mode %q", string(b))
	}
	return nil
}

// Grant is a scoped permission over a set of batches, attached to one
// partition and valid only while that partition is in flight.
type Grant struct {
	Partition int       `json:"partition"`
	Batches   []BatchID `json:"batches"`
	Mode      Mode      `json:"mode"`
}

// Covers reports whether id is within the grant's scope.
func (g Grant) Covers(id BatchID) bool {
	return slices.Contains(g.Batches, id)
}

var (
	// ErrAccessConflict signals overlapping grants where at least one side
	// writes. It indicates a scheduling or split configuration bug and is
	// never retried.
	ErrAccessConflict = errors.New("access conflict")

	// ErrOutOfScope is returned when a partition reads or produces a batch
	// its grant does not cover, or writes under a read-only grant.
	ErrOutOfScope = errors.New("batch outside grant scope")
)

// ConflictError describes the first conflicting pair found by the Verifier.
type ConflictError struct {
	Batch         BatchID
	Holder        int
	HolderMode    Mode
	Requester     int
	RequesterMode Mode
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("access conflict on batch %d: partition %d holds %s, partition %d requests %s",
		e.Batch, e.Holder, e.HolderMode, e.Requester, e.RequesterMode)
}

// Unwrap lets errors.Is match ErrAccessConflict.
func (e *ConflictError) Unwrap() error {
	return ErrAccessConflict
}

type holder struct {
	partition int
	mode      Mode
}

// Verifier tracks the grants of in-flight partitions and rejects any set
// that would let two partitions touch the same batch while one of them
// writes. It is a check, not a lock: Acquire never blocks.
type Verifier struct {
	mu       sync.Mutex
	inflight map[int]Grant
	holders  map[BatchID][]holder
}

// NewVerifier creates a verifier with no grants in flight.
func NewVerifier() *Verifier {
	return &Verifier{
		inflight: make(map[int]Grant),
		holders:  make(map[BatchID][]holder),
	}
}

// Check reports whether grants are mutually compatible and compatible with
// every grant already in flight, without registering them.
func (v *Verifier) Check(grants ...Grant) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.check(grants)
}

// Acquire checks grants and, if they are compatible, registers all of them
// as in flight. Either every grant is registered or none is.
func (v *Verifier) Acquire(grants ...Grant) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.check(grants); err != nil {
		return err
	}
	for _, g := range grants {
		v.inflight[g.Partition] = g
		for _, id := range dedupe(g.Batches) {
			v.holders[id] = append(v.holders[id], holder{partition: g.Partition, mode: g.Mode})
		}
	}
	return nil
}

// Release drops the grant held by partition. Releasing an unknown partition
// is a no-op.
func (v *Verifier) Release(partition int) {
	v.mu.Lock()
	defer v.mu.Unlock()

	g, ok := v.inflight[partition]
	if !ok {
		return
	}
	delete(v.inflight, partition)
	for _, id := range dedupe(g.Batches) {
		hs := slices.DeleteFunc(v.holders[id], func(h holder) bool { return h.partition == partition })
		if len(hs) == 0 {
			delete(v.holders, id)
		} else {
			v.holders[id] = hs
		}
	}
}

// InFlight returns the number of grants currently registered.
func (v *Verifier) InFlight() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.inflight)
}

// CheckResult verifies that a partition's result stays within its grant:
// every addressed batch must be covered, and agent-state writes require an
// exclusive-write grant.
func (v *Verifier) CheckResult(g Grant, addressed []BatchID, writes bool) error {
	if writes && g.Mode != ExclusiveWrite {
		return fmt.Errorf("partition %d writes under a %s grant: %w", g.Partition, g.Mode, ErrOutOfScope)
	}
	for _, id := range addressed {
		if !g.Covers(id) {
			return fmt.Errorf("partition %d addresses batch %d: %w", g.Partition, id, ErrOutOfScope)
		}
	}
	return nil
}

func (v *Verifier) check(grants []Grant) error {
	seen := make(map[int]bool, len(grants))
	for _, g := range grants {
		if _, busy := v.inflight[g.Partition]; busy || seen[g.Partition] {
			return fmt.Errorf("partition %d already holds a grant: %w", g.Partition, ErrAccessConflict)
		}
		seen[g.Partition] = true
	}

	pending := make(map[BatchID][]holder)
	for _, g := range grants {
		for _, id := range dedupe(g.Batches) {
			req := holder{partition: g.Partition, mode: g.Mode}
			for _, h := range v.holders[id] {
				if conflicts(h, req) {
					return conflictError(id, h, req)
				}
			}
			for _, h := range pending[id] {
				if conflicts(h, req) {
					return conflictError(id, h, req)
				}
			}
			pending[id] = append(pending[id], req)
		}
	}
	return nil
}

func conflicts(a, b holder) bool {
	if a.partition == b.partition {
		return false
	}
	return a.mode == ExclusiveWrite || b.mode == ExclusiveWrite
}

func conflictError(id BatchID, h, req holder) *ConflictError {
	return &ConflictError{
		Batch:         id,
		Holder:        h.partition,
		HolderMode:    h.mode,
		Requester:     req.partition,
		RequesterMode: req.mode,
	}
}

func dedupe(ids []BatchID) []BatchID {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}
