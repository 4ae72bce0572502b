// Package proxy implements the local-listener-to-backend bridges.
//
// Every proxy owns one bound TCP listener and forwards bytes between at
// most one local client and its backend.  Two backends exist: an
// outbound TCP connection that reconnects on a fixed delay
// ([TCPBackend]) and a serial line attached once by the caller
// ([SerialBackend]).
package proxy

import (
	"io"
	"net"

	"portbridge/internal/metrics"
	"portbridge/util"
)

// Kind identifies the backend variant of a proxy.  It never changes
// after construction.
type Kind int

const (
	KindTCP Kind = iota
	KindSerial
)

func (k Kind) String() string {
	switch k {
	case KindTCP:
		return "tcp"
	case KindSerial:
		return "serial"
	default:
		return "unknown"
	}
}

// Proxy is the behaviour shared by both backend variants.
type Proxy interface {
	Kind() Kind
	Addr() net.Addr
	Stats() Stats
	ClientConnected() bool
	// Shutdown releases every resource.  Safe to call repeatedly and
	// concurrently.
	Shutdown()
}

// Stats holds the traffic counters of a proxy.
type Stats struct {
	Received int64 // bytes read from the local client
	Sent     int64 // bytes written to the local client
}

// Events are the outward notifications of a proxy.  Nil fields are
// skipped.  No event fires after Shutdown has begun.
type Events struct {
	OnClientChange      func(connected bool)
	OnBackendOpenChange func(opened bool) // TCP only
	OnSerialOpen        func()            // serial only
	OnTraffic           func(received, sent int64)
}

// Options carries collaborators shared by all proxies.
type Options struct {
	Logger  *util.Logger
	Metrics *metrics.Collector // optional
	Events  Events
}

func (o Options) logger() *util.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	l := util.NewLogger(0)
	l.SetOutput(io.Discard)
	return l
}

var (
	_ Proxy = (*TCPBackend)(nil)
	_ Proxy = (*SerialBackend)(nil)
)
