package proxy

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"portbridge/config"
	errs "portbridge/internal/errors"
	"portbridge/internal/retry"
	"portbridge/internal/transport"
	"portbridge/util"
)

// TCPConfig describes a proxy whose backend is a remote TCP endpoint.
type TCPConfig struct {
	BindAddress string
	Port        int
	Endpoint    string // "host:port"

	Dialer transport.Dialer // default: TCPDialer with config.DefaultDialTimeout
	Retry  *retry.Policy    // default: Fixed(config.DefaultReconnectDelay)
}

// TCPBackend bridges a local listener to a remote TCP endpoint.  The
// backend connection is re-dialled after every failure until Shutdown.
type TCPBackend struct {
	*server

	endpoint config.Endpoint
	dialer   transport.Dialer
	retry    *retry.Policy

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	conn    net.Conn
	timer   *time.Timer
	attempt int
}

// NewTCP validates cfg, binds the listener and starts connecting to the
// endpoint in the background.  An invalid cfg yields a
// *errors.ConfigError and a bind failure a *errors.NetworkError.
func NewTCP(cfg TCPConfig, opts Options) (*TCPBackend, error) {
	if !config.ValidLocalPort(cfg.Port) {
		return nil, &errs.ConfigError{
			Field:   "port",
			Value:   cfg.Port,
			Message: fmt.Sprintf("must be in %d-%d", config.MinLocalPort, config.MaxLocalPort),
		}
	}
	ep, err := config.ParseEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, errs.Invalid("endpoint", cfg.Endpoint, "%v", err)
	}

	srv, err := newServer(KindTCP, cfg.BindAddress, cfg.Port, opts)
	if err != nil {
		return nil, err
	}

	b := &TCPBackend{
		server:   srv,
		endpoint: ep,
		dialer:   cfg.Dialer,
		retry:    cfg.Retry,
	}
	if b.dialer == nil {
		b.dialer = &transport.TCPDialer{Timeout: config.DefaultDialTimeout}
	}
	if b.retry == nil {
		b.retry = retry.Fixed(config.DefaultReconnectDelay)
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())

	srv.start(b.write)
	go b.connect()
	return b, nil
}

// Endpoint returns the remote endpoint.
func (b *TCPBackend) Endpoint() config.Endpoint { return b.endpoint }

// BackendConnected reports whether a backend connection is live.
func (b *TCPBackend) BackendConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil
}

// ── Backend side ─────────────────────────────────────────────────────

// connect makes one attempt to reach the endpoint.  On success it
// forwards backend bytes until the connection ends.  Either way the
// next attempt is scheduled unless the proxy is shut down.
func (b *TCPBackend) connect() {
	if b.ctx.Err() != nil {
		return
	}

	addr := b.endpoint.String()
	b.log.Verbose("connecting to %s", addr)

	conn, err := b.dialer.Dial(b.ctx, "tcp", addr)
	if err != nil {
		if b.ctx.Err() != nil {
			return
		}
		if errs.IsRetryable(err) {
			b.log.Verbose("backend %s: %v", addr, err)
		} else {
			b.log.Warn("backend %s: %v", addr, err)
		}
		b.metrics.RecordError(fmt.Sprintf("dial %s: %v", addr, err))
		b.emitBackend(false)
		b.scheduleReconnect()
		return
	}

	b.mu.Lock()
	if b.closed.Load() {
		b.mu.Unlock()
		conn.Close()
		return
	}
	b.conn = conn
	b.attempt = 0
	b.mu.Unlock()

	b.log.Info("backend %s connected", addr)
	b.metrics.BackendUp()
	b.emitBackend(true)

	b.readBackend(conn)
}

// readBackend forwards backend bytes to the client verbatim.
func (b *TCPBackend) readBackend(conn net.Conn) {
	bufp := util.TCPBufs.Get()
	defer util.TCPBufs.Put(bufp)
	buf := *bufp

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			b.toClient(buf[:n])
		}
		if err != nil {
			if !util.IsHarmless(err) && !b.closed.Load() {
				b.log.Warn("backend read: %v", err)
				b.metrics.RecordError(fmt.Sprintf("read %s: %v", b.endpoint, err))
			}
			break
		}
	}

	b.mu.Lock()
	if b.conn == conn {
		b.conn = nil
	}
	b.mu.Unlock()
	conn.Close()
	b.metrics.BackendDown()

	if b.closed.Load() {
		return
	}
	b.log.Info("backend %s disconnected", b.endpoint)
	b.emitBackend(false)
	b.scheduleReconnect()
}

// scheduleReconnect arms the single reconnect timer.
func (b *TCPBackend) scheduleReconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed.Load() {
		return
	}
	b.attempt++
	d := b.retry.Delay(b.attempt)
	b.log.Verbose("reconnecting to %s in %v (attempt %d)", b.endpoint, d, b.attempt)
	b.timer = time.AfterFunc(d, func() {
		b.metrics.BackendReconnect()
		b.connect()
	})
}

// write is the client-to-backend hook.  Failures are logged and never
// tear the proxy down.
func (b *TCPBackend) write(p []byte) {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()

	if conn == nil {
		b.log.Debug("dropping %d bytes: %v", len(p), errs.ErrNoBackend)
		return
	}
	if _, err := conn.Write(p); err != nil && !util.IsHarmless(err) {
		b.log.Warn("backend write: %v", err)
		b.metrics.RecordError(fmt.Sprintf("write %s: %v", b.endpoint, err))
	}
}

// ── Shutdown ─────────────────────────────────────────────────────────

// Shutdown stops the reconnect timer, cancels an in-flight dial, closes
// the backend connection and then the listener side.
func (b *TCPBackend) Shutdown() {
	if !b.markClosed() {
		return
	}

	b.mu.Lock()
	timer, conn := b.timer, b.conn
	b.timer, b.conn = nil, nil
	b.mu.Unlock()

	release(b.log,
		step{"reconnect timer", func() error {
			if timer != nil {
				timer.Stop()
			}
			return nil
		}},
		step{"dial", func() error {
			b.cancel()
			return nil
		}},
		step{"backend", func() error {
			if conn != nil {
				conn.Close() // errors ignored
			}
			return nil
		}},
	)

	b.teardown()
}
