package microvm

import (
	"bufio"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// fakeBridge listens on a unix socket and answers the CONNECT handshake the
// way Firecracker does. reply is written as-is; payload follows in the same
// write so the client has to keep read-ahead bytes.
func fakeBridge(t *testing.T, reply, payload string) (string, <-chan string) {
	t.Helper()
	// Unix socket paths are length-limited, so stay out of t.TempDir.
	dir, err := os.MkdirTemp("", "vs")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	path := filepath.Join(dir, "v.sock")
	l, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	got := make(chan string, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		line, err := bufio.NewReader(conn).ReadString('\n')
		if err != nil {
			return
		}
		got <- line
		conn.Write([]byte(reply + payload))
		// Hold the connection until the client is done.
		io.Copy(io.Discard, conn)
	}()
	return path, got
}

func TestDialVsockUDSHandshake(t *testing.T) {
	path, got := fakeBridge(t, "OK 52000\n", "frame-bytes")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := dialVsockUDS(ctx, path, 1024)
	if err != nil {
		t.Fatalf("dialVsockUDS: %v", err)
	}
	defer conn.Close()

	if line := <-got; line != "CONNECT 1024\n" {
		t.Errorf("handshake = %q, want CONNECT 1024", line)
	}

	buf := make([]byte, len("frame-bytes"))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read payload: %v", err)
	}
	if string(buf) != "frame-bytes" {
		t.Errorf("payload = %q, want bytes sent with the handshake reply", buf)
	}
}

func TestDialVsockUDSRejected(t *testing.T) {
	path, _ := fakeBridge(t, "FAILURE\n", "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := dialVsockUDS(ctx, path, 1024)
	if err == nil || !strings.Contains(err.Error(), "CONNECT failed") {
		t.Errorf("err = %v, want CONNECT failed", err)
	}
}

func TestDialGuestNoSocket(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := dialGuest(ctx, filepath.Join(t.TempDir(), "absent.sock"), 1024)
	if err == nil {
		t.Fatal("expected error for missing socket")
	}
}
