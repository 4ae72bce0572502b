// Package metrics provides lightweight, lock-free counters and gauges
// aggregated over every proxy instance in the process.
//
// All methods are safe for concurrent use.  A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Collector tracks process-wide proxy statistics.
// A nil Collector is safe to use — all methods become no-ops.
type Collector struct {
	proxiesActive     atomic.Int64
	proxiesTotal      atomic.Int64
	clientsActive     atomic.Int64
	clientsTotal      atomic.Int64
	backendsOpen      atomic.Int64
	bytesFromClients  atomic.Int64
	bytesToClients    atomic.Int64
	backendReconnects atomic.Int64
	errorsTotal       atomic.Int64

	mu           sync.RWMutex
	startTime    time.Time
	lastError    time.Time
	lastErrorMsg string
}

// New creates a metrics collector with the start time set to now.
func New() *Collector {
	return &Collector{startTime: time.Now()}
}

// ── Proxy lifecycle ──────────────────────────────────────────────────

// ProxyOpened records a newly created proxy instance.
func (c *Collector) ProxyOpened() {
	if c == nil {
		return
	}
	c.proxiesActive.Add(1)
	c.proxiesTotal.Add(1)
}

// ProxyClosed records a proxy instance shutdown.
func (c *Collector) ProxyClosed() {
	if c == nil {
		return
	}
	c.proxiesActive.Add(-1)
}

// ActiveProxies returns the number of live proxy instances.
func (c *Collector) ActiveProxies() int64 {
	if c == nil {
		return 0
	}
	return c.proxiesActive.Load()
}

// ── Client connections ───────────────────────────────────────────────

// ClientConnected increments both the active and total client counters.
func (c *Collector) ClientConnected() {
	if c == nil {
		return
	}
	c.clientsActive.Add(1)
	c.clientsTotal.Add(1)
}

// ClientDisconnected decrements the active client counter.
func (c *Collector) ClientDisconnected() {
	if c == nil {
		return
	}
	c.clientsActive.Add(-1)
}

// ActiveClients returns the number of currently connected clients.
func (c *Collector) ActiveClients() int64 {
	if c == nil {
		return 0
	}
	return c.clientsActive.Load()
}

// TotalClients returns the lifetime client count.
func (c *Collector) TotalClients() int64 {
	if c == nil {
		return 0
	}
	return c.clientsTotal.Load()
}

// ── Backends ─────────────────────────────────────────────────────────

// BackendUp records a backend connection (TCP connect or serial open).
func (c *Collector) BackendUp() {
	if c == nil {
		return
	}
	c.backendsOpen.Add(1)
}

// BackendDown records the loss of a backend connection.
func (c *Collector) BackendDown() {
	if c == nil {
		return
	}
	c.backendsOpen.Add(-1)
}

// OpenBackends returns the number of live backend connections.
func (c *Collector) OpenBackends() int64 {
	if c == nil {
		return 0
	}
	return c.backendsOpen.Load()
}

// BackendReconnect records a scheduled reconnect attempt.
func (c *Collector) BackendReconnect() {
	if c == nil {
		return
	}
	c.backendReconnects.Add(1)
}

// BackendReconnects returns the total reconnect attempt count.
func (c *Collector) BackendReconnects() int64 {
	if c == nil {
		return 0
	}
	return c.backendReconnects.Load()
}

// ── I/O metrics ──────────────────────────────────────────────────────

// FromClient records n bytes read from a local client.
func (c *Collector) FromClient(n int64) {
	if c == nil {
		return
	}
	c.bytesFromClients.Add(n)
}

// ToClient records n bytes written to a local client.
func (c *Collector) ToClient(n int64) {
	if c == nil {
		return
	}
	c.bytesToClients.Add(n)
}

// TotalFromClients returns total bytes received from clients.
func (c *Collector) TotalFromClients() int64 {
	if c == nil {
		return 0
	}
	return c.bytesFromClients.Load()
}

// TotalToClients returns total bytes sent to clients.
func (c *Collector) TotalToClients() int64 {
	if c == nil {
		return 0
	}
	return c.bytesToClients.Load()
}

// ── Error metrics ────────────────────────────────────────────────────

// RecordError increments the error counter and stores the message.
func (c *Collector) RecordError(msg string) {
	if c == nil {
		return
	}
	c.errorsTotal.Add(1)
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// ErrorCount returns the total number of errors recorded.
func (c *Collector) ErrorCount() int64 {
	if c == nil {
		return 0
	}
	return c.errorsTotal.Load()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Uptime            string `json:"uptime"`
	ProxiesActive     int64  `json:"proxies_active"`
	ProxiesTotal      int64  `json:"proxies_total"`
	ClientsActive     int64  `json:"clients_active"`
	ClientsTotal      int64  `json:"clients_total"`
	BackendsOpen      int64  `json:"backends_open"`
	BytesFromClients  int64  `json:"bytes_from_clients"`
	BytesToClients    int64  `json:"bytes_to_clients"`
	BackendReconnects int64  `json:"backend_reconnects"`
	ErrorsTotal       int64  `json:"errors_total"`
	LastError         string `json:"last_error,omitempty"`
	LastErrorMessage  string `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of all current metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:            time.Since(c.startTime).Truncate(time.Second).String(),
		ProxiesActive:     c.proxiesActive.Load(),
		ProxiesTotal:      c.proxiesTotal.Load(),
		ClientsActive:     c.clientsActive.Load(),
		ClientsTotal:      c.clientsTotal.Load(),
		BackendsOpen:      c.backendsOpen.Load(),
		BytesFromClients:  c.bytesFromClients.Load(),
		BytesToClients:    c.bytesToClients.Load(),
		BackendReconnects: c.backendReconnects.Load(),
		ErrorsTotal:       c.errorsTotal.Load(),
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as an indented JSON string.
func (c *Collector) JSON() string {
	s := c.Snapshot()
	data, _ := json.MarshalIndent(s, "", "  ")
	return string(data)
}
