package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mdlayher/vsock"

	"github.com/seantiz/lockstep/internal/state"
)

// Retry defaults for connection establishment.
const (
	dialMaxRetries  = 5
	dialBaseBackoff = 100 * time.Millisecond
)

// Dialer opens a connection to a remote worker agent.
type Dialer func(ctx context.Context) (net.Conn, error)

// TCPDialer dials a worker agent listening on a TCP address.
func TCPDialer(addr string) Dialer {
	return func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	}
}

// VsockDialer dials a worker agent inside a VM on the given context id and
// port.
func VsockDialer(cid, port uint32) Dialer {
	return func(ctx context.Context) (net.Conn, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return vsock.Dial(cid, port, nil)
	}
}

// Endpoint is a named remote worker address.
type Endpoint struct {
	Addr string
	Dial Dialer
}

// ParseEndpoint parses "tcp://host:port", "vsock://cid:port" or a bare
// host:port.
func ParseEndpoint(addr string) (Endpoint, error) {
	scheme, rest, ok := strings.Cut(addr, "://")
	if !ok {
		scheme, rest = "tcp", addr
	}
	switch scheme {
	case "tcp":
		if _, _, err := net.SplitHostPort(rest); err != nil {
			return Endpoint{}, fmt.Errorf("parse worker address %q: %w", addr, err)
		}
		return Endpoint{Addr: "tcp://" + rest, Dial: TCPDialer(rest)}, nil
	case "vsock":
		cidStr, portStr, ok := strings.Cut(rest, ":")
		if !ok {
			return Endpoint{}, fmt.Errorf("parse worker address %q: want vsock://cid:port", addr)
		}
		cid, err := strconv.ParseUint(cidStr, 10, 32)
		if err != nil {
			return Endpoint{}, fmt.Errorf("parse vsock cid %q: %w", cidStr, err)
		}
		port, err := strconv.ParseUint(portStr, 10, 32)
		if err != nil {
			return Endpoint{}, fmt.Errorf("parse vsock port %q: %w", portStr, err)
		}
		return Endpoint{Addr: addr, Dial: VsockDialer(uint32(cid), uint32(port))}, nil
	default:
		return Endpoint{}, fmt.Errorf("unsupported worker address scheme %q", scheme)
	}
}

// dialWithRetry retries dial with exponential backoff.
func dialWithRetry(ctx context.Context, dial Dialer) (net.Conn, error) {
	var lastErr error
	backoff := dialBaseBackoff

	for attempt := range dialMaxRetries {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial worker: %w", ctx.Err())
		default:
		}

		conn, err := dial(ctx)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if attempt < dialMaxRetries-1 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("dial worker: %w", ctx.Err())
			}
			backoff *= 2
		}
	}

	return nil, fmt.Errorf("dial worker after %d attempts: %w", dialMaxRetries, lastErr)
}

// StreamHandle talks to a remote Agent over one connection using
// length-prefixed JSON frames. Requests are matched to responses by id, so
// the connection can carry a late answer for a request that already timed
// out without confusing the next one. Losing the connection faults every
// pending request.
type StreamHandle struct {
	id     string
	conn   net.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]*Pending
	err     error
}

// NewStreamHandle wraps an established connection and starts its reader.
func NewStreamHandle(id string, conn net.Conn, logger *slog.Logger) *StreamHandle {
	h := &StreamHandle{
		id:      id,
		conn:    conn,
		logger:  logger.With("worker", id),
		pending: make(map[string]*Pending),
	}
	go h.readLoop()
	return h
}

func (h *StreamHandle) ID() string { return h.id }

// Send snapshots the granted batches and writes the request in the
// background.
func (h *StreamHandle) Send(ctx context.Context, d Dispatch) (*Pending, error) {
	var batches []state.Batch
	if d.View != nil {
		snap, err := d.View.Snapshot()
		if err != nil {
			return nil, fmt.Errorf("snapshot partition %d: %w", d.Message.Partition, err)
		}
		batches = snap
	}

	id := uuid.NewString()
	jctx, stop := context.WithCancel(ctx)

	h.mu.Lock()
	if h.err != nil {
		err := h.err
		h.mu.Unlock()
		stop()
		return nil, err
	}
	p := newPending(id, d.Message.Partition, func() {
		stop()
		h.cancel(id)
	})
	h.pending[id] = p
	h.mu.Unlock()

	frame := Frame{
		Type:    FrameRequest,
		ID:      id,
		Request: &Request{Message: d.Message, Grant: d.Grant, Batches: batches},
	}
	go func() {
		if err := h.write(jctx, frame); err != nil {
			h.fail(fmt.Errorf("worker %s: send partition %d: %v: %w", h.id, d.Message.Partition, err, ErrWorkerFault), true)
		}
	}()
	return p, nil
}

func (h *StreamHandle) Await(ctx context.Context, p *Pending, timeout time.Duration) Outcome {
	o := await(ctx, p, timeout)
	requestDuration.WithLabelValues(transportStream).Observe(o.Duration.Seconds())
	return o
}

// Close closes the connection. Pending requests fault.
func (h *StreamHandle) Close() error {
	h.fail(fmt.Errorf("worker %s closed: %w", h.id, ErrWorkerFault), false)
	return nil
}

func (h *StreamHandle) write(ctx context.Context, f Frame) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		if err := h.conn.SetWriteDeadline(deadline); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
		defer h.conn.SetWriteDeadline(time.Time{})
	}
	return WriteMessage(h.conn, &f)
}

// cancel asks the agent to stop a request and forgets it locally. The agent
// runs every request on its own goroutine, so once the cancel frame is
// written the connection is free for the next partition.
func (h *StreamHandle) cancel(id string) {
	h.mu.Lock()
	p, ok := h.pending[id]
	delete(h.pending, id)
	failed := h.err != nil
	h.mu.Unlock()

	if !ok || failed {
		return
	}
	go func() {
		if err := h.write(context.Background(), Frame{Type: FrameCancel, ID: id}); err != nil {
			h.logger.Warn("send cancel failed", "request", id, "error", err)
			return
		}
		p.stop()
	}()
}

func (h *StreamHandle) readLoop() {
	r := bufio.NewReader(h.conn)
	for {
		var f Frame
		if err := ReadMessage(r, &f); err != nil {
			h.fail(fmt.Errorf("worker %s: connection lost: %v: %w", h.id, err, ErrWorkerFault), true)
			return
		}
		if f.Type != FrameResponse || f.Response == nil {
			h.logger.Warn("unexpected frame", "type", f.Type, "request", f.ID)
			continue
		}

		h.mu.Lock()
		p, ok := h.pending[f.ID]
		delete(h.pending, f.ID)
		h.mu.Unlock()

		if !ok {
			h.logger.Debug("late response dropped", "request", f.ID)
			continue
		}
		p.deliver(Outcome{Result: f.Response.Result})
		p.cancel()
		p.stop()
	}
}

// fail marks the handle dead, closes the connection and faults every
// pending request. Only the first error is kept; fault is false for an
// orderly Close.
func (h *StreamHandle) fail(err error, fault bool) {
	h.mu.Lock()
	if h.err != nil {
		h.mu.Unlock()
		return
	}
	h.err = err
	pending := h.pending
	h.pending = make(map[string]*Pending)
	h.mu.Unlock()

	if fault {
		workerFaults.WithLabelValues(transportStream).Inc()
		h.logger.Error("worker fault", "error", err)
	}
	h.conn.Close()
	for _, p := range pending {
		p.deliver(Outcome{Fault: err})
		p.cancel()
		p.stop()
	}
}

// StreamFactory spawns StreamHandles, spreading slots over endpoints
// round-robin.
type StreamFactory struct {
	Endpoints []Endpoint
	Logger    *slog.Logger
}

// Spawn dials the endpoint assigned to slot.
func (f StreamFactory) Spawn(ctx context.Context, slot, generation int) (Handle, error) {
	if len(f.Endpoints) == 0 {
		return nil, errors.New("stream factory has no endpoints")
	}
	ep := f.Endpoints[slot%len(f.Endpoints)]
	conn, err := dialWithRetry(ctx, ep.Dial)
	if err != nil {
		return nil, fmt.Errorf("spawn slot %d on %s: %w", slot, ep.Addr, err)
	}
	id := fmt.Sprintf("%s#%d.%d", ep.Addr, slot, generation)
	return NewStreamHandle(id, conn, f.Logger), nil
}
