package proxy

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	errs "portbridge/internal/errors"
	"portbridge/internal/metrics"
	"portbridge/util"
)

// shutdownGrace bounds how long Shutdown waits for the accept loop and
// client reader to return.
const shutdownGrace = 2 * time.Second

// acceptBackoff is the pause after a non-fatal Accept error.
const acceptBackoff = 100 * time.Millisecond

// server is the listener half shared by both backends.  It owns the
// bound listener and the single active client connection.
type server struct {
	kind    Kind
	ln      net.Listener
	log     *util.Logger
	metrics *metrics.Collector
	events  Events

	// write is the backend hook, called for every chunk read from the
	// client.  It must not retain the slice.
	write func([]byte)

	received  atomic.Int64
	sent      atomic.Int64
	trafficMu sync.Mutex // orders OnTraffic calls so the last one is current

	mu     sync.Mutex
	client net.Conn

	closed atomic.Bool
	wg     sync.WaitGroup
}

// newServer binds bindAddress:port immediately.  A bind failure is
// returned as a *errors.NetworkError with Op "listen".
func newServer(kind Kind, bindAddress string, port int, opts Options) (*server, error) {
	addr := util.FormatAddr(bindAddress, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errs.Wrap("listen", addr, err)
	}
	s := &server{
		kind:    kind,
		ln:      ln,
		log:     opts.logger(),
		metrics: opts.Metrics,
		events:  opts.Events,
	}
	s.log.Verbose("listening on %s", ln.Addr())
	return s, nil
}

// start installs the backend hook and begins accepting clients.
func (s *server) start(write func([]byte)) {
	s.write = write
	s.wg.Add(1)
	go s.acceptLoop()
}

// ── Accessors ────────────────────────────────────────────────────────

func (s *server) Kind() Kind { return s.kind }

func (s *server) Addr() net.Addr { return s.ln.Addr() }

func (s *server) Stats() Stats {
	return Stats{Received: s.received.Load(), Sent: s.sent.Load()}
}

func (s *server) ClientConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client != nil
}

// ── Client side ──────────────────────────────────────────────────────

func (s *server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return
			}
			s.log.Warn("accept: %v", err)
			s.metrics.RecordError(fmt.Sprintf("accept %s: %v", s.ln.Addr(), err))
			time.Sleep(acceptBackoff)
			continue
		}
		s.attach(conn)
	}
}

// attach makes conn the active client.  A previous client is displaced
// and closed.
func (s *server) attach(conn net.Conn) {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		conn.Close()
		return
	}
	prev := s.client
	s.client = conn
	s.mu.Unlock()

	if prev != nil {
		s.log.Verbose("client %s displaced by %s", prev.RemoteAddr(), conn.RemoteAddr())
		prev.Close()
		s.metrics.ClientDisconnected()
	}

	s.log.Info("client %s connected", conn.RemoteAddr())
	s.metrics.ClientConnected()
	s.emitClient(true)

	s.wg.Add(1)
	go s.readClient(conn)
}

// readClient forwards client bytes to the backend hook in arrival
// order until the client goes away.
func (s *server) readClient(conn net.Conn) {
	defer s.wg.Done()

	bufp := util.TCPBufs.Get()
	defer util.TCPBufs.Put(bufp)
	buf := *bufp

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			s.received.Add(int64(n))
			s.metrics.FromClient(int64(n))
			s.emitTraffic()
			s.write(buf[:n])
		}
		if err != nil {
			if !util.IsHarmless(err) && !s.closed.Load() {
				s.log.Verbose("client read: %v", err)
			}
			break
		}
	}

	s.detach(conn)
}

// detach drops conn if it is still the active client.  Displaced
// clients and shutdown leave no trace here.
func (s *server) detach(conn net.Conn) {
	s.mu.Lock()
	current := s.client == conn
	if current {
		s.client = nil
	}
	s.mu.Unlock()

	conn.Close()
	if !current {
		return
	}

	s.log.Info("client %s disconnected", conn.RemoteAddr())
	s.metrics.ClientDisconnected()
	s.emitClient(false)
}

// toClient writes backend bytes to the active client.  Without a client
// the bytes are dropped.
func (s *server) toClient(p []byte) {
	s.mu.Lock()
	c := s.client
	s.mu.Unlock()

	if c == nil {
		s.log.Debug("no client, dropping %d bytes", len(p))
		return
	}

	n, err := c.Write(p)
	if n > 0 {
		s.sent.Add(int64(n))
		s.metrics.ToClient(int64(n))
		s.emitTraffic()
	}
	if err != nil && !util.IsHarmless(err) {
		s.log.Verbose("client write: %v", err)
	}
}

// ── Events ───────────────────────────────────────────────────────────

func (s *server) emitClient(connected bool) {
	if s.closed.Load() || s.events.OnClientChange == nil {
		return
	}
	s.events.OnClientChange(connected)
}

func (s *server) emitBackend(opened bool) {
	if s.closed.Load() || s.events.OnBackendOpenChange == nil {
		return
	}
	s.events.OnBackendOpenChange(opened)
}

func (s *server) emitSerialOpen() {
	if s.closed.Load() || s.events.OnSerialOpen == nil {
		return
	}
	s.events.OnSerialOpen()
}

func (s *server) emitTraffic() {
	if s.closed.Load() || s.events.OnTraffic == nil {
		return
	}
	s.trafficMu.Lock()
	defer s.trafficMu.Unlock()
	if s.closed.Load() {
		return
	}
	s.events.OnTraffic(s.received.Load(), s.sent.Load())
}

// ── Shutdown ─────────────────────────────────────────────────────────

// markClosed flips the closed flag.  Only the first caller gets true,
// and it returns only after any traffic notification already in
// progress has finished.
func (s *server) markClosed() bool {
	if !s.closed.CompareAndSwap(false, true) {
		return false
	}
	s.trafficMu.Lock()
	s.trafficMu.Unlock() //nolint:staticcheck
	return true
}

// teardown stops accepting, closes the client, then waits briefly for
// the accept loop and client reader.  Callers must have won markClosed.
func (s *server) teardown() {
	s.mu.Lock()
	c := s.client
	s.client = nil
	s.mu.Unlock()

	release(s.log,
		step{"listener", s.ln.Close},
		step{"client", func() error {
			if c == nil {
				return nil
			}
			s.metrics.ClientDisconnected()
			return c.Close()
		}},
	)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		s.log.Warn("timeout waiting for connection handlers")
	}

	s.log.Verbose("shut down")
}
