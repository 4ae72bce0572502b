package config

// file.go - YAML configuration file.
//
//	proxy_ip: 0.0.0.0
//	control: 127.0.0.1:8765
//	reconnect_delay: 5s
//	tcp:
//	  - id: plc
//	    port: 9000
//	    endpoint: 10.0.0.5:502
//	serial:
//	  - id: scale
//	    port: 9100
//	    device: /dev/ttyUSB0

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

type fileConfig struct {
	ProxyIP           string        `yaml:"proxy_ip"`
	Control           string        `yaml:"control"`
	ReconnectDelay    string        `yaml:"reconnect_delay"`
	ReconnectBackoff  float64       `yaml:"reconnect_backoff"`
	ReconnectMaxDelay string        `yaml:"reconnect_max_delay"`
	ReconnectJitter   *bool         `yaml:"reconnect_jitter"`
	DialTimeout       string        `yaml:"dial_timeout"`
	Verbose           int           `yaml:"verbose"`
	TCP               []TCPProxy    `yaml:"tcp"`
	Serial            []SerialProxy `yaml:"serial"`
}

// LoadFile overlays the YAML file at path onto cfg.  Unknown keys are
// rejected so that typos do not silently drop a proxy.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := decodeFile(data, cfg); err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}
	return nil
}

func decodeFile(data []byte, cfg *Config) error {
	var fc fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return err
	}

	if fc.ProxyIP != "" {
		cfg.ProxyIP = fc.ProxyIP
	}
	if fc.Control != "" {
		cfg.ControlAddr = fc.Control
	}
	if fc.ReconnectDelay != "" {
		d, ok := parseDuration(fc.ReconnectDelay)
		if !ok {
			return fmt.Errorf("reconnect_delay: invalid duration %q", fc.ReconnectDelay)
		}
		cfg.ReconnectDelay = d
	}
	if fc.ReconnectBackoff != 0 {
		cfg.ReconnectBackoff = fc.ReconnectBackoff
	}
	if fc.ReconnectMaxDelay != "" {
		d, ok := parseDuration(fc.ReconnectMaxDelay)
		if !ok {
			return fmt.Errorf("reconnect_max_delay: invalid duration %q", fc.ReconnectMaxDelay)
		}
		cfg.ReconnectMaxDelay = d
	}
	if fc.ReconnectJitter != nil {
		cfg.ReconnectJitter = *fc.ReconnectJitter
	}
	if fc.DialTimeout != "" {
		d, ok := parseDuration(fc.DialTimeout)
		if !ok {
			return fmt.Errorf("dial_timeout: invalid duration %q", fc.DialTimeout)
		}
		cfg.DialTimeout = d
	}
	if fc.Verbose > 0 {
		cfg.Verbose = fc.Verbose
	}
	cfg.TCP = append(cfg.TCP, fc.TCP...)
	cfg.Serial = append(cfg.Serial, fc.Serial...)
	return nil
}
