package config

// loader.go - configuration loading from environment variables.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables  (this file)
//   3. Config file  (file.go)
//   4. Defaults   (defaults.go)

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ── Environment variable mapping ─────────────────────────────────────
//
// Every supported env var uses the PORTBRIDGE_ prefix.  Durations accept
// Go syntax ("5s", "250ms") or a bare number of seconds.  Proxy lists
// are comma-separated specs in the same syntax as the CLI flags.

// LoadFromEnv overlays environment variables onto cfg.  Only non-empty
// env vars override the existing value; proxy lists are appended.
func LoadFromEnv(cfg *Config) error {
	if v := os.Getenv("PORTBRIDGE_PROXY_IP"); v != "" {
		cfg.ProxyIP = v
	}
	if v := os.Getenv("PORTBRIDGE_CONTROL"); v != "" {
		cfg.ControlAddr = v
	}
	if d, ok := envDuration("PORTBRIDGE_RECONNECT_DELAY"); ok {
		cfg.ReconnectDelay = d
	}
	if v := os.Getenv("PORTBRIDGE_RECONNECT_BACKOFF"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.ReconnectBackoff = f
		}
	}
	if d, ok := envDuration("PORTBRIDGE_RECONNECT_MAX_DELAY"); ok {
		cfg.ReconnectMaxDelay = d
	}
	if v := os.Getenv("PORTBRIDGE_RECONNECT_JITTER"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.ReconnectJitter = b
		}
	}
	if d, ok := envDuration("PORTBRIDGE_DIAL_TIMEOUT"); ok {
		cfg.DialTimeout = d
	}
	if v := envInt("PORTBRIDGE_VERBOSE"); v > 0 {
		cfg.Verbose = v
	}

	for _, spec := range envList("PORTBRIDGE_TCP") {
		p, err := ParseTCPSpec(spec)
		if err != nil {
			return fmt.Errorf("PORTBRIDGE_TCP: %w", err)
		}
		cfg.TCP = append(cfg.TCP, p)
	}
	for _, spec := range envList("PORTBRIDGE_SERIAL") {
		p, err := ParseSerialSpec(spec)
		if err != nil {
			return fmt.Errorf("PORTBRIDGE_SERIAL: %w", err)
		}
		cfg.Serial = append(cfg.Serial, p)
	}
	return nil
}

// ── helpers ──────────────────────────────────────────────────────────

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func envDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	return parseDuration(v)
}

func envList(key string) []string {
	var out []string
	for _, s := range strings.Split(os.Getenv(key), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// parseDuration accepts "5s" style durations or whole seconds.
func parseDuration(v string) (time.Duration, bool) {
	if d, err := time.ParseDuration(v); err == nil {
		return d, true
	}
	if n, err := strconv.Atoi(v); err == nil {
		return secondsDuration(n), true
	}
	return 0, false
}

func secondsDuration(sec int) time.Duration {
	return time.Duration(sec) * time.Second
}
