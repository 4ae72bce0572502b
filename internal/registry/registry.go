// Package registry maps caller-assigned ids to live proxies.  It is the
// only place proxies are created or destroyed.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"portbridge/config"
	errs "portbridge/internal/errors"
	"portbridge/internal/metrics"
	"portbridge/internal/proxy"
	"portbridge/internal/retry"
	"portbridge/internal/serialline"
	"portbridge/internal/transport"
	"portbridge/util"
)

// Notifier receives the outward notifications of every proxy, keyed by
// proxy id.  Implementations must not block and must not call back into
// the Registry.
type Notifier interface {
	ClientChanged(id string, connected bool)
	BackendOpened(id string, kind proxy.Kind, opened bool)
	TrafficChanged(id string, received, sent int64)
}

// TCPRequest asks for a proxy to a remote endpoint.
type TCPRequest struct {
	ProxyIP  string
	Port     int
	Endpoint string
}

// SerialRequest asks for a proxy to a serial device.
type SerialRequest struct {
	ProxyIP string
	Port    int
	Device  string
}

// Options configures a Registry.  Every field is optional.
type Options struct {
	Logger         *util.Logger
	Metrics        *metrics.Collector
	Notifier       Notifier
	Opener         serialline.Opener // resolves serial device names
	Dialer         transport.Dialer  // used by TCP backends
	ReconnectDelay time.Duration     // default config.DefaultReconnectDelay
	Retry          *retry.Policy     // overrides ReconnectDelay when set
}

// Registry holds the id → proxy mapping.  All mutation is serialized by
// a single mutex; I/O of the proxies themselves runs independently.
type Registry struct {
	opts Options
	log  *util.Logger

	mu      sync.Mutex
	proxies map[string]proxy.Proxy
	closed  bool

	wg sync.WaitGroup // serial line resolution
}

// New returns an empty Registry.
func New(opts Options) *Registry {
	log := opts.Logger
	if log == nil {
		log = util.NewLogger(1)
	}
	if opts.Notifier == nil {
		opts.Notifier = nopNotifier{}
	}
	return &Registry{
		opts:    opts,
		log:     log,
		proxies: make(map[string]proxy.Proxy),
	}
}

// ── Open ─────────────────────────────────────────────────────────────

// OpenTCP creates a TCP proxy under id, replacing any proxy already
// registered there.  An invalid request creates nothing and returns
// nil; a bind failure creates nothing and returns the error.
func (r *Registry) OpenTCP(id string, req TCPRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errs.ErrClosed
	}
	r.evictLocked(id)

	p, err := proxy.NewTCP(proxy.TCPConfig{
		BindAddress: bindAddress(req.ProxyIP),
		Port:        req.Port,
		Endpoint:    req.Endpoint,
		Dialer:      r.opts.Dialer,
		Retry:       r.retryPolicy(),
	}, r.proxyOptions(proxy.KindTCP, id))
	if err != nil {
		return r.rejected(proxy.KindTCP, id, err)
	}

	r.storeLocked(id, p)
	r.log.Info("tcp %s: %s → %s", id, p.Addr(), p.Endpoint())
	return nil
}

// OpenSerial creates a serial proxy under id, replacing any proxy
// already registered there.  The device is resolved in the background
// once the proxy is stored; a resolution failure is logged and leaves
// the listener running without a line.
func (r *Registry) OpenSerial(id string, req SerialRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errs.ErrClosed
	}
	r.evictLocked(id)

	p, err := proxy.NewSerial(proxy.SerialConfig{
		BindAddress: bindAddress(req.ProxyIP),
		Port:        req.Port,
		Device:      req.Device,
	}, r.proxyOptions(proxy.KindSerial, id))
	if err != nil {
		return r.rejected(proxy.KindSerial, id, err)
	}

	r.storeLocked(id, p)
	r.log.Info("serial %s: %s → %s", id, p.Addr(), req.Device)

	r.wg.Add(1)
	go r.attachLine(id, p, req.Device)
	return nil
}

func (r *Registry) attachLine(id string, p *proxy.SerialBackend, device string) {
	defer r.wg.Done()

	if r.opts.Opener == nil {
		r.log.Warn("serial %s: %v", id, errs.ErrNoOpener)
		return
	}
	line, err := r.opts.Opener(device)
	if err != nil {
		r.log.Error("serial %s: %v", id, err)
		r.opts.Metrics.RecordError(fmt.Sprintf("open %s: %v", device, err))
		return
	}
	if err := p.Open(line); err != nil {
		if errs.Is(err, errs.ErrClosed) {
			r.log.Debug("serial %s: closed before line %s was ready", id, device)
			return
		}
		r.log.Error("serial %s: %v", id, err)
		r.opts.Metrics.RecordError(fmt.Sprintf("open %s: %v", device, err))
	}
}

// rejected turns a factory error into the Open result.  Configuration
// errors are swallowed after logging.
func (r *Registry) rejected(kind proxy.Kind, id string, err error) error {
	if errs.IsConfig(err) {
		r.log.Warn("%s %s rejected: %v", kind, id, err)
		return nil
	}
	r.log.Error("%s %s: %v", kind, id, err)
	r.opts.Metrics.RecordError(fmt.Sprintf("%s %s: %v", kind, id, err))
	return err
}

func (r *Registry) storeLocked(id string, p proxy.Proxy) {
	r.proxies[id] = p
	r.opts.Metrics.ProxyOpened()
}

// evictLocked shuts down and forgets the proxy under id, if any.
func (r *Registry) evictLocked(id string) bool {
	p, ok := r.proxies[id]
	if !ok {
		return false
	}
	delete(r.proxies, id)
	p.Shutdown()
	r.opts.Metrics.ProxyClosed()
	return true
}

// proxyOptions wires the proxy events to the notifier under id.
func (r *Registry) proxyOptions(kind proxy.Kind, id string) proxy.Options {
	n := r.opts.Notifier
	return proxy.Options{
		Logger:  r.log.Named(kind.String() + ":" + id),
		Metrics: r.opts.Metrics,
		Events: proxy.Events{
			OnClientChange:      func(c bool) { n.ClientChanged(id, c) },
			OnBackendOpenChange: func(o bool) { n.BackendOpened(id, kind, o) },
			OnSerialOpen:        func() { n.BackendOpened(id, kind, true) },
			OnTraffic:           func(rx, tx int64) { n.TrafficChanged(id, rx, tx) },
		},
	}
}

func (r *Registry) retryPolicy() *retry.Policy {
	if r.opts.Retry != nil {
		return r.opts.Retry
	}
	d := r.opts.ReconnectDelay
	if d <= 0 {
		d = config.DefaultReconnectDelay
	}
	return retry.Fixed(d)
}

func bindAddress(ip string) string {
	if ip == "" {
		return config.DefaultProxyIP
	}
	return ip
}

// ── Close / lookup ───────────────────────────────────────────────────

// Close shuts down the proxy under id.  An unknown id is a no-op.
func (r *Registry) Close(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.evictLocked(id) {
		r.log.Info("closed %s", id)
	}
}

// Get returns the proxy under id.
func (r *Registry) Get(id string) (proxy.Proxy, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.proxies[id]
	return p, ok
}

// IDs returns the registered ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.proxies))
	for id := range r.proxies {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of live proxies.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.proxies)
}

// Shutdown drains every proxy.  Later Open calls return ErrClosed.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for id := range r.proxies {
		r.evictLocked(id)
	}
	r.mu.Unlock()

	r.wg.Wait()
	r.log.Verbose("registry drained")
}

// ── Notifiers ────────────────────────────────────────────────────────

type nopNotifier struct{}

func (nopNotifier) ClientChanged(string, bool)             {}
func (nopNotifier) BackendOpened(string, proxy.Kind, bool) {}
func (nopNotifier) TrafficChanged(string, int64, int64)    {}
