package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrPoolClosed is returned by a closed pool.
var ErrPoolClosed = errors.New("worker pool closed")

// Factory creates the handle backing one pool slot. generation counts how
// often the slot has been (re)spawned.
type Factory interface {
	Spawn(ctx context.Context, slot, generation int) (Handle, error)
}

// SlotState is the lifecycle state of a pool slot.
type SlotState int

const (
	SlotIdle SlotState = iota
	SlotBusy
	SlotDead
)

func (s SlotState) String() string {
	switch s {
	case SlotIdle:
		return "idle"
	case SlotBusy:
		return "busy"
	case SlotDead:
		return "dead"
	default:
		return fmt.Sprintf("slot_state(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s SlotState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// SlotInfo is a read-only snapshot of one slot.
type SlotInfo struct {
	ID         int       `json:"id"`
	Generation int       `json:"generation"`
	State      SlotState `json:"state"`
	Handle     string    `json:"handle,omitempty"`
}

// Lease is exclusive use of one busy slot. It is tied to the slot's
// generation, so a stale lease cannot release or kill a respawned slot.
type Lease struct {
	Slot       int
	Generation int
	Handle     Handle
}

type slot struct {
	id     int
	gen    int
	state  SlotState
	handle Handle
}

// Pool owns a fixed number of worker slots. Slots are idle, busy (leased) or
// dead; dead slots stay dead until respawned.
type Pool struct {
	factory Factory
	logger  *slog.Logger

	mu      sync.Mutex
	slots   []*slot
	changed chan struct{}
	closed  bool
}

// NewPool spawns size workers. Slots whose spawn fails start dead; the pool
// is still returned as long as size is positive.
func NewPool(ctx context.Context, factory Factory, size int, logger *slog.Logger) (*Pool, error) {
	if size < 1 {
		return nil, fmt.Errorf("pool size must be >= 1, got %d", size)
	}

	p := &Pool{
		factory: factory,
		logger:  logger,
		slots:   make([]*slot, size),
		changed: make(chan struct{}),
	}
	for i := range p.slots {
		s := &slot{id: i, state: SlotDead}
		h, err := p.spawn(ctx, i, 0)
		if err != nil {
			logger.Error("spawn worker failed", "slot", i, "error", err)
		} else {
			s.handle = h
			s.state = SlotIdle
		}
		p.slots[i] = s
	}
	p.updateGauge()
	return p, nil
}

func (p *Pool) spawn(ctx context.Context, id, gen int) (Handle, error) {
	start := time.Now()
	h, err := p.factory.Spawn(ctx, id, gen)
	if err != nil {
		return nil, err
	}
	spawnDuration.Observe(time.Since(start).Seconds())
	return h, nil
}

// Size returns the number of slots, dead or alive.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// Live returns the number of slots that are not dead.
func (p *Pool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.liveLocked()
}

func (p *Pool) liveLocked() int {
	n := 0
	for _, s := range p.slots {
		if s.state != SlotDead {
			n++
		}
	}
	return n
}

// Slots returns a snapshot of every slot.
func (p *Pool) Slots() []SlotInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]SlotInfo, len(p.slots))
	for i, s := range p.slots {
		info := SlotInfo{ID: s.id, Generation: s.gen, State: s.state}
		if s.handle != nil {
			info.Handle = s.handle.ID()
		}
		out[i] = info
	}
	return out
}

// Acquire leases an idle slot, preferring slot prefer when it is idle (pass
// a negative value for no preference). It waits for a slot to free up and
// fails with ErrNoLiveWorkers once every slot is dead.
func (p *Pool) Acquire(ctx context.Context, prefer int) (Lease, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return Lease{}, ErrPoolClosed
		}
		if p.liveLocked() == 0 {
			p.mu.Unlock()
			return Lease{}, ErrNoLiveWorkers
		}

		var pick *slot
		if prefer >= 0 {
			if s := p.slots[prefer%len(p.slots)]; s.state == SlotIdle {
				pick = s
			}
		}
		if pick == nil {
			for _, s := range p.slots {
				if s.state == SlotIdle {
					pick = s
					break
				}
			}
		}
		if pick != nil {
			pick.state = SlotBusy
			l := Lease{Slot: pick.id, Generation: pick.gen, Handle: pick.handle}
			p.mu.Unlock()
			return l, nil
		}

		wait := p.changed
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return Lease{}, ctx.Err()
		case <-wait:
		}
	}
}

// Release returns a leased slot to idle.
func (p *Pool) Release(l Lease) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.slots[l.Slot]
	if s.gen != l.Generation || s.state != SlotBusy {
		return
	}
	s.state = SlotIdle
	p.notifyLocked()
}

// MarkDead retires a leased slot and closes its handle.
func (p *Pool) MarkDead(l Lease, reason error) {
	p.mu.Lock()
	s := p.slots[l.Slot]
	if s.gen != l.Generation || s.state == SlotDead {
		p.mu.Unlock()
		return
	}
	s.state = SlotDead
	h := s.handle
	p.notifyLocked()
	p.updateGaugeLocked()
	p.mu.Unlock()

	p.logger.Warn("worker slot dead", "slot", l.Slot, "generation", l.Generation, "error", reason)
	if h != nil {
		h.Close()
	}
}

// AcquireOrRevive is Acquire, except that when every slot is dead it
// respawns one and returns it leased instead of failing. Callers racing to
// revive wait on the slot the winner reserved. A failed respawn still
// matches ErrNoLiveWorkers.
func (p *Pool) AcquireOrRevive(ctx context.Context, prefer int) (Lease, error) {
	for {
		l, err := p.Acquire(ctx, prefer)
		if !errors.Is(err, ErrNoLiveWorkers) {
			return l, err
		}

		p.mu.Lock()
		var s *slot
		for _, cand := range p.slots {
			if cand.state == SlotDead {
				s = cand
				break
			}
		}
		if s == nil {
			// Revived by someone else between Acquire and here.
			p.mu.Unlock()
			continue
		}
		gen := p.reserveLocked(s)
		p.mu.Unlock()

		l, err = p.finishSpawn(ctx, s, gen)
		if err != nil && !errors.Is(err, ErrPoolClosed) {
			return Lease{}, fmt.Errorf("%w: %w", ErrNoLiveWorkers, err)
		}
		return l, err
	}
}

// Respawn replaces the handle of a dead slot and returns it already leased.
func (p *Pool) Respawn(ctx context.Context, id int) (Lease, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return Lease{}, ErrPoolClosed
	}
	if id < 0 || id >= len(p.slots) {
		p.mu.Unlock()
		return Lease{}, fmt.Errorf("respawn: no slot %d", id)
	}
	s := p.slots[id]
	if s.state != SlotDead {
		p.mu.Unlock()
		return Lease{}, fmt.Errorf("respawn slot %d: slot is %s", id, s.state)
	}
	gen := p.reserveLocked(s)
	p.mu.Unlock()

	return p.finishSpawn(ctx, s, gen)
}

// Recycle retires the handle behind a lease and respawns its slot in one
// step. The slot stays busy throughout, so waiters never see it dead; it
// only turns dead if the respawn fails.
func (p *Pool) Recycle(ctx context.Context, l Lease, reason error) (Lease, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return Lease{}, ErrPoolClosed
	}
	s := p.slots[l.Slot]
	if s.gen != l.Generation || s.state != SlotBusy {
		p.mu.Unlock()
		return Lease{}, fmt.Errorf("recycle slot %d: stale lease (generation %d, slot at %d)", l.Slot, l.Generation, s.gen)
	}
	old := s.handle
	gen := p.reserveLocked(s)
	p.mu.Unlock()

	p.logger.Warn("worker slot recycled", "slot", l.Slot, "generation", l.Generation, "error", reason)
	if old != nil {
		old.Close()
	}
	return p.finishSpawn(ctx, s, gen)
}

// reserveLocked marks s busy under a new generation with no handle, so
// nobody else leases or respawns it while its handle is spawned.
func (p *Pool) reserveLocked(s *slot) int {
	s.state = SlotBusy
	s.gen++
	s.handle = nil
	p.updateGaugeLocked()
	return s.gen
}

// finishSpawn spawns the handle for a reserved slot and returns it leased.
func (p *Pool) finishSpawn(ctx context.Context, s *slot, gen int) (Lease, error) {
	h, err := p.spawn(ctx, s.id, gen)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		s.state = SlotDead
		p.notifyLocked()
		p.updateGaugeLocked()
		return Lease{}, fmt.Errorf("respawn slot %d: %w", s.id, err)
	}
	if p.closed {
		s.state = SlotDead
		h.Close()
		return Lease{}, ErrPoolClosed
	}
	s.handle = h
	respawnsTotal.Inc()
	p.updateGaugeLocked()
	p.logger.Info("worker slot respawned", "slot", s.id, "generation", gen, "handle", h.ID())
	return Lease{Slot: s.id, Generation: gen, Handle: h}, nil
}

// RespawnDead respawns every dead slot and leaves them idle. It returns the
// number of slots brought back.
func (p *Pool) RespawnDead(ctx context.Context) (int, error) {
	var dead []int
	p.mu.Lock()
	for _, s := range p.slots {
		if s.state == SlotDead {
			dead = append(dead, s.id)
		}
	}
	p.mu.Unlock()

	var errs []error
	n := 0
	for _, id := range dead {
		l, err := p.Respawn(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		p.Release(l)
		n++
	}
	return n, errors.Join(errs...)
}

// Close closes every handle. Waiting Acquire calls return ErrPoolClosed.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	var handles []Handle
	for _, s := range p.slots {
		if s.handle != nil {
			handles = append(handles, s.handle)
		}
		s.state = SlotDead
	}
	p.notifyLocked()
	p.updateGaugeLocked()
	p.mu.Unlock()

	var errs []error
	for _, h := range handles {
		if err := h.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// notifyLocked wakes every Acquire waiting for a state change.
func (p *Pool) notifyLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

func (p *Pool) updateGauge() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updateGaugeLocked()
}

func (p *Pool) updateGaugeLocked() {
	liveWorkers.Set(float64(p.liveLocked()))
}
