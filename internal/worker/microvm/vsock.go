package microvm

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// Retry defaults for the vsock handshake. The agent needs a moment after
// boot before it listens.
const (
	dialMaxRetries  = 8
	dialBaseBackoff = 50 * time.Millisecond
)

// bufferedConn reads through the reader used for the handshake so bytes it
// buffered ahead are not lost.
type bufferedConn struct {
	net.Conn
	r io.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// dialGuest connects to the worker agent through Firecracker's vsock UDS
// bridge, retrying with exponential backoff.
func dialGuest(ctx context.Context, udsPath string, port uint32) (net.Conn, error) {
	var lastErr error
	backoff := dialBaseBackoff

	for attempt := range dialMaxRetries {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial guest: %w", ctx.Err())
		default:
		}

		conn, err := dialVsockUDS(ctx, udsPath, port)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if attempt < dialMaxRetries-1 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("dial guest: %w", ctx.Err())
			}
			backoff *= 2
		}
	}

	return nil, fmt.Errorf("dial guest after %d attempts: %w", dialMaxRetries, lastErr)
}

// dialVsockUDS performs the host side of the bridge handshake: send
// "CONNECT <port>\n", expect "OK <host_port>\n".
func dialVsockUDS(ctx context.Context, udsPath string, port uint32) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", udsPath)
	if err != nil {
		return nil, fmt.Errorf("connect to UDS %s: %w", udsPath, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", port); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send CONNECT: %w", err)
	}

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "OK ") {
		conn.Close()
		return nil, fmt.Errorf("vsock CONNECT failed: %s", line)
	}
	conn.SetDeadline(time.Time{})

	return &bufferedConn{Conn: conn, r: reader}, nil
}
