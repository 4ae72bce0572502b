package proxy

import (
	"fmt"
	"io"
	"sync"

	"portbridge/config"
	errs "portbridge/internal/errors"
	"portbridge/internal/serialline"
	"portbridge/util"
)

// SerialConfig describes a proxy whose backend is a serial line.
type SerialConfig struct {
	BindAddress string
	Port        int
	Device      string
}

// SerialBackend bridges a local listener to a serial line.  The line is
// attached once with [SerialBackend.Open] and never reopened: when its
// read loop ends the caller decides what happens next.
type SerialBackend struct {
	*server

	device string

	mu     sync.Mutex
	line   serialline.Line
	reader io.Reader
	writer io.Writer
	opened bool
}

// NewSerial validates cfg and binds the listener.  The line itself is
// attached later with Open.
func NewSerial(cfg SerialConfig, opts Options) (*SerialBackend, error) {
	if cfg.Device == "" {
		return nil, &errs.ConfigError{
			Field:   "device",
			Message: "serial device name is required",
		}
	}
	if !config.ValidLocalPort(cfg.Port) {
		return nil, &errs.ConfigError{
			Field:   "port",
			Value:   cfg.Port,
			Message: fmt.Sprintf("must be in %d-%d", config.MinLocalPort, config.MaxLocalPort),
		}
	}

	srv, err := newServer(KindSerial, cfg.BindAddress, cfg.Port, opts)
	if err != nil {
		return nil, err
	}

	b := &SerialBackend{server: srv, device: cfg.Device}
	srv.start(b.write)
	return b, nil
}

// Device returns the configured device name.
func (b *SerialBackend) Device() string { return b.device }

// LineOpen reports whether a line is attached and not yet released.
func (b *SerialBackend) LineOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.line != nil
}

// Open configures line as 9600-8-N-2, starts forwarding its bytes to
// the client and fires OnSerialOpen.  The proxy takes ownership of
// line: it is closed on Shutdown, or immediately if the proxy is
// already shut down.
func (b *SerialBackend) Open(line serialline.Line) error {
	b.mu.Lock()
	if b.closed.Load() {
		b.mu.Unlock()
		line.Close()
		return errs.ErrClosed
	}
	if b.opened {
		b.mu.Unlock()
		return errs.ErrAlreadyOpen
	}
	if err := line.SetMode(serialline.LineMode()); err != nil {
		b.mu.Unlock()
		line.Close()
		return fmt.Errorf("configure %s: %w", b.device, err)
	}
	b.opened = true
	b.line = line
	b.reader = line
	b.writer = line
	b.mu.Unlock()

	b.log.Info("serial line %s open", b.device)
	b.metrics.BackendUp()
	go b.readLine(line)
	b.emitSerialOpen()
	return nil
}

// readLine forwards line bytes to the client.  It stops on the first
// error, end of stream, or empty read.
func (b *SerialBackend) readLine(r io.Reader) {
	bufp := util.SerialBufs.Get()
	defer util.SerialBufs.Put(bufp)
	buf := *bufp

	for {
		n, err := r.Read(buf)
		if n > 0 {
			b.toClient(buf[:n])
		}
		if err != nil {
			if !util.IsHarmless(err) && !b.closed.Load() {
				b.log.Warn("serial read %s: %v", b.device, err)
				b.metrics.RecordError(fmt.Sprintf("read %s: %v", b.device, err))
			}
			break
		}
		if n == 0 {
			break
		}
	}

	b.metrics.BackendDown()
	if !b.closed.Load() {
		b.log.Info("serial line %s stopped delivering data", b.device)
	}
}

// write is the client-to-line hook.
func (b *SerialBackend) write(p []byte) {
	b.mu.Lock()
	w := b.writer
	b.mu.Unlock()

	if w == nil {
		b.log.Debug("serial line not open, dropping %d bytes", len(p))
		return
	}
	if _, err := w.Write(p); err != nil {
		b.log.Warn("serial write %s: %v", b.device, err)
		b.metrics.RecordError(fmt.Sprintf("write %s: %v", b.device, err))
	}
}

// Shutdown releases the reader, the writer and the line as independent
// steps, then closes the listener side.
func (b *SerialBackend) Shutdown() {
	if !b.markClosed() {
		return
	}

	b.mu.Lock()
	line, r, w := b.line, b.reader, b.writer
	b.line, b.reader, b.writer = nil, nil, nil
	b.mu.Unlock()

	release(b.log,
		step{"reader", func() error { return serialline.ReleaseReader(r) }},
		step{"writer", func() error { return serialline.ReleaseWriter(w) }},
		step{"line", func() error {
			if line == nil {
				return nil
			}
			return line.Close()
		}},
	)

	b.teardown()
}
