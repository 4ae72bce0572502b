package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags, config file parsing, and environment variable
// loading.

const (
	// DefaultProxyIP is the address proxy listeners bind to.
	DefaultProxyIP = "127.0.0.1"

	// MinLocalPort and MaxLocalPort bound proxy listener ports.
	MinLocalPort = 1024
	MaxLocalPort = 65535

	// DefaultReconnectDelay is the fixed pause between TCP backend
	// reconnect attempts.
	DefaultReconnectDelay = 5 * time.Second

	// DefaultReconnectBackoff keeps the reconnect delay fixed.
	DefaultReconnectBackoff = 1.0

	// DefaultDialTimeout bounds a single TCP backend connect attempt.
	DefaultDialTimeout = 10 * time.Second

	// DefaultControlPath is the websocket endpoint of the control server.
	DefaultControlPath = "/control"

	// DefaultNotifyQueue is the undelivered-notification backlog a
	// control session may hold before it is disconnected.
	DefaultNotifyQueue = 256

	// DefaultGracePeriod is how long the control server waits for
	// sessions to finish on shutdown.
	DefaultGracePeriod = 5 * time.Second
)
