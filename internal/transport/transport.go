// Package transport provides abstractions for outbound connection
// establishment.  The TCP backend dials its remote endpoint through a
// Dialer so that the reconnect logic does not depend on how the
// connection is made.
package transport

import (
	"context"
	"net"
)

// Dialer opens outbound network connections.
type Dialer interface {
	// Dial establishes a connection to the given network address.
	Dial(ctx context.Context, network, address string) (net.Conn, error)

	// Close releases any long-lived resources held by the dialer.
	// Stateless dialers return nil.
	Close() error
}

// DialerFunc adapts an ordinary function to the Dialer interface.
type DialerFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	return f(ctx, network, address)
}

// Close is a no-op.
func (f DialerFunc) Close() error { return nil }
