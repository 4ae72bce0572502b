package proxy

import (
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"go.bug.st/serial"

	"portbridge/util"
)

// ── Event recorder ───────────────────────────────────────────────────

type recorder struct {
	mu          sync.Mutex
	clients     []bool
	backends    []bool
	serialOpens int
	received    int64
	sent        int64
}

func (r *recorder) events() Events {
	return Events{
		OnClientChange: func(c bool) {
			r.mu.Lock()
			r.clients = append(r.clients, c)
			r.mu.Unlock()
		},
		OnBackendOpenChange: func(o bool) {
			r.mu.Lock()
			r.backends = append(r.backends, o)
			r.mu.Unlock()
		},
		OnSerialOpen: func() {
			r.mu.Lock()
			r.serialOpens++
			r.mu.Unlock()
		},
		OnTraffic: func(received, sent int64) {
			r.mu.Lock()
			r.received, r.sent = received, sent
			r.mu.Unlock()
		},
	}
}

func (r *recorder) clientEvents() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.clients...)
}

func (r *recorder) backendEvents() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.backends...)
}

func (r *recorder) traffic() (int64, int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.received, r.sent
}

func (r *recorder) opens() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.serialOpens
}

// ── Helpers ──────────────────────────────────────────────────────────

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func freePort(t *testing.T) int {
	t.Helper()
	port, err := util.FindFreePort()
	if err != nil {
		t.Fatal(err)
	}
	return port
}

// startEcho runs a TCP echo server and returns its address.
func startEcho(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return ln.Addr().String()
}

func dialClient(t *testing.T, p Proxy) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", p.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readN(t *testing.T, conn net.Conn, n int) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	conn.SetReadDeadline(time.Time{})
	return string(buf)
}

// ── Fake serial line ─────────────────────────────────────────────────

type fakeLine struct {
	in chan []byte // bytes the device produces; close for EOF

	mu       sync.Mutex
	mode     *serial.Mode
	modeErr  error
	drainErr error
	stuck    bool // Drain blocks until Close
	written  []byte
	calls    []string

	closeOnce sync.Once
	done      chan struct{}
}

func newFakeLine() *fakeLine {
	return &fakeLine{in: make(chan []byte, 16), done: make(chan struct{})}
}

func (l *fakeLine) SetMode(m *serial.Mode) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.modeErr != nil {
		return l.modeErr
	}
	l.mode = m
	return nil
}

func (l *fakeLine) Read(p []byte) (int, error) {
	select {
	case b, ok := <-l.in:
		if !ok {
			return 0, io.EOF
		}
		return copy(p, b), nil
	case <-l.done:
		return 0, errors.New("port closed")
	}
}

func (l *fakeLine) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.written = append(l.written, p...)
	return len(p), nil
}

func (l *fakeLine) ResetInputBuffer() error {
	l.record("reset")
	return nil
}

func (l *fakeLine) Drain() error {
	l.record("drain")
	l.mu.Lock()
	stuck, err := l.stuck, l.drainErr
	l.mu.Unlock()
	if stuck {
		<-l.done
	}
	return err
}

func (l *fakeLine) Close() error {
	l.record("close")
	l.closeOnce.Do(func() { close(l.done) })
	return nil
}

func (l *fakeLine) record(call string) {
	l.mu.Lock()
	l.calls = append(l.calls, call)
	l.mu.Unlock()
}

func (l *fakeLine) Written() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return string(l.written)
}

func (l *fakeLine) Calls() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *fakeLine) closed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}
