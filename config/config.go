// Package config defines the runtime configuration for portbridge and
// provides parsers for endpoints and proxy specifications.
package config

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	errs "portbridge/internal/errors"
)

// Config holds every tuneable for a portbridge process.
type Config struct {
	// ── Proxies ──────────────────────────────────────────────────────
	ProxyIP string        // local bind address shared by all proxies
	TCP     []TCPProxy    // --tcp
	Serial  []SerialProxy // --serial

	// ── Backend behaviour ────────────────────────────────────────────
	ReconnectDelay    time.Duration
	ReconnectBackoff  float64       // delay multiplier per failed attempt, 0 or 1 = fixed
	ReconnectMaxDelay time.Duration // caps the grown delay, 0 = no cap
	ReconnectJitter   bool          // ±25% randomisation
	DialTimeout       time.Duration

	// ── Control surface ──────────────────────────────────────────────
	ControlAddr string // empty disables the websocket control server

	// ── Output ───────────────────────────────────────────────────────
	Verbose int
}

// TCPProxy configures one local-listener-to-remote-endpoint bridge.
type TCPProxy struct {
	ID       string `yaml:"id"`
	Port     int    `yaml:"port"`
	Endpoint string `yaml:"endpoint"`
}

// SerialProxy configures one local-listener-to-serial-line bridge.
type SerialProxy struct {
	ID     string `yaml:"id"`
	Port   int    `yaml:"port"`
	Device string `yaml:"device"`
}

// Default returns a Config populated from defaults.go.
func Default() *Config {
	return &Config{
		ProxyIP:          DefaultProxyIP,
		ReconnectDelay:   DefaultReconnectDelay,
		ReconnectBackoff: DefaultReconnectBackoff,
		DialTimeout:      DefaultDialTimeout,
		Verbose:          1,
	}
}

// ── Endpoint parser ──────────────────────────────────────────────────

// Endpoint is a remote (host, port) pair.
type Endpoint struct {
	Host string
	Port int
}

// String returns "host:port".
func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// endpointRe matches host:port with a numeric port of at most 5 digits.
// The host may not contain a colon, so bare IPv6 literals are rejected.
var endpointRe = regexp.MustCompile(`^([^:]+):(\d{1,5})$`)

// ParseEndpoint extracts host and port from a string such as
// "10.0.0.5:502".  The port must lie in 1-65535.
func ParseEndpoint(s string) (Endpoint, error) {
	m := endpointRe.FindStringSubmatch(s)
	if m == nil {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q – expected host:port", s)
	}
	port, err := strconv.Atoi(m[2])
	if err != nil || port < 1 || port > 65535 {
		return Endpoint{}, fmt.Errorf("invalid endpoint port %q", m[2])
	}
	return Endpoint{Host: m[1], Port: port}, nil
}

// ValidLocalPort reports whether p may be used for a proxy listener.
func ValidLocalPort(p int) bool {
	return p >= MinLocalPort && p <= MaxLocalPort
}

// ── Proxy-spec parsers ───────────────────────────────────────────────

// specRe matches [id@]port=target.
var specRe = regexp.MustCompile(`^(?:([^@=]+)@)?(\d+)=(.+)$`)

func parseSpec(spec string) (id string, port int, target string, err error) {
	m := specRe.FindStringSubmatch(strings.TrimSpace(spec))
	if m == nil {
		return "", 0, "", fmt.Errorf("invalid proxy spec %q – expected [id@]port=target", spec)
	}
	port, err = strconv.Atoi(m[2])
	if err != nil {
		return "", 0, "", fmt.Errorf("invalid local port %q", m[2])
	}
	return m[1], port, m[3], nil
}

// ParseTCPSpec accepts "[id@]port=host:port", e.g. "plc@9000=10.0.0.5:502".
func ParseTCPSpec(spec string) (TCPProxy, error) {
	id, port, target, err := parseSpec(spec)
	if err != nil {
		return TCPProxy{}, err
	}
	if _, err := ParseEndpoint(target); err != nil {
		return TCPProxy{}, err
	}
	return TCPProxy{ID: id, Port: port, Endpoint: target}, nil
}

// ParseSerialSpec accepts "[id@]port=device", e.g. "scale@9100=/dev/ttyUSB0".
func ParseSerialSpec(spec string) (SerialProxy, error) {
	id, port, device, err := parseSpec(spec)
	if err != nil {
		return SerialProxy{}, err
	}
	return SerialProxy{ID: id, Port: port, Device: device}, nil
}

// ── IDs ──────────────────────────────────────────────────────────────

// AssignIDs fills every empty proxy id with a value from gen.
func (c *Config) AssignIDs(gen func() string) {
	for i := range c.TCP {
		if c.TCP[i].ID == "" {
			c.TCP[i].ID = gen()
		}
	}
	for i := range c.Serial {
		if c.Serial[i].ID == "" {
			c.Serial[i].ID = gen()
		}
	}
}

// ── Validation ───────────────────────────────────────────────────────

const portHint = "ports below 1024 are reserved; pick one in 1024-65535"

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.ProxyIP == "" {
		return &errs.ConfigError{
			Field:   "proxy-ip",
			Message: "bind address is required",
			Hint:    "use 127.0.0.1 for local-only access or 0.0.0.0 for all interfaces",
		}
	}
	if c.ReconnectDelay < 0 {
		return errs.Invalid("reconnect-delay", c.ReconnectDelay, "must not be negative")
	}
	if c.ReconnectBackoff != 0 && c.ReconnectBackoff < 1 {
		return &errs.ConfigError{
			Field:   "reconnect-backoff",
			Value:   c.ReconnectBackoff,
			Message: "must be at least 1",
			Hint:    "1 keeps the reconnect delay fixed; 2 doubles it after every failed attempt",
		}
	}
	if c.ReconnectMaxDelay < 0 {
		return errs.Invalid("reconnect-max-delay", c.ReconnectMaxDelay, "must not be negative")
	}
	if c.DialTimeout < 0 {
		return errs.Invalid("dial-timeout", c.DialTimeout, "must not be negative")
	}

	ids := map[string]bool{}
	ports := map[int]bool{}
	claim := func(id string, port int) error {
		if id != "" {
			if ids[id] {
				return errs.Invalid("id", id, "used by more than one proxy")
			}
			ids[id] = true
		}
		if ports[port] {
			return errs.Invalid("port", port, "used by more than one proxy")
		}
		ports[port] = true
		return nil
	}

	for _, p := range c.TCP {
		if !ValidLocalPort(p.Port) {
			return &errs.ConfigError{Field: "tcp", Value: p.Port, Message: "local port out of range 1024-65535", Hint: portHint}
		}
		if _, err := ParseEndpoint(p.Endpoint); err != nil {
			return errs.Invalid("tcp", p.Endpoint, "%v", err)
		}
		if err := claim(p.ID, p.Port); err != nil {
			return err
		}
	}

	for _, p := range c.Serial {
		if p.Device == "" {
			return errs.Invalid("serial", nil, "device name is required")
		}
		if !ValidLocalPort(p.Port) {
			return &errs.ConfigError{Field: "serial", Value: p.Port, Message: "local port out of range 1024-65535", Hint: portHint}
		}
		if err := claim(p.ID, p.Port); err != nil {
			return err
		}
	}

	return nil
}
