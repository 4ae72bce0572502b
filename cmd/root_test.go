package cmd

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"portbridge/config"
	"portbridge/util"
)

// captureStdout redirects non-log output for the duration of a test.
func captureStdout(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := stdout
	stdout = &buf
	t.Cleanup(func() { stdout = prev })
	return &buf
}

// TestExecute_Version verifies --version prints a version string.
func TestExecute_Version(t *testing.T) {
	out := captureStdout(t)
	if err := Execute(context.Background(), []string{"--version"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(out.String(), "portbridge ") {
		t.Errorf("version output = %q", out.String())
	}
}

// TestExecute_Help verifies --help (and no args) returns without error.
func TestExecute_Help(t *testing.T) {
	for _, args := range [][]string{{"--help"}, {}} {
		name := "no-args"
		if len(args) > 0 {
			name = args[0]
		}
		t.Run(name, func(t *testing.T) {
			if err := Execute(context.Background(), args); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

// TestExecute_DryRun verifies --dry-run validates and prints the plan.
func TestExecute_DryRun(t *testing.T) {
	out := captureStdout(t)
	err := Execute(context.Background(), []string{
		"--tcp", "plc@9000=10.0.0.5:502", "--serial", "9100=/dev/ttyUSB0", "--dry-run",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	plan := out.String()
	if !strings.Contains(plan, "plc") || !strings.Contains(plan, "127.0.0.1:9000 -> 10.0.0.5:502") {
		t.Errorf("plan missing tcp proxy: %q", plan)
	}
	if !strings.Contains(plan, "/dev/ttyUSB0") {
		t.Errorf("plan missing serial proxy: %q", plan)
	}
}

// TestExecute_DryRunInvalid verifies --dry-run still catches bad configs.
func TestExecute_DryRunInvalid(t *testing.T) {
	tests := [][]string{
		{"--tcp", "80=10.0.0.5:502", "--dry-run"},
		{"--tcp", "9000=10.0.0.5", "--dry-run"},
		{"--serial", "9100=", "--dry-run"},
		{"--tcp", "a@9000=h:1", "--tcp", "a@9001=h:2", "--dry-run"},
	}
	for _, args := range tests {
		if err := Execute(context.Background(), args); err == nil {
			t.Errorf("%v: expected validation error", args)
		}
	}
}

// TestExecute_InvalidFlags verifies unknown flags produce an error.
func TestExecute_InvalidFlags(t *testing.T) {
	if err := Execute(context.Background(), []string{"--nonexistent-flag"}); err == nil {
		t.Fatal("expected error for unknown flag")
	}
}

func TestExecute_NothingToDo(t *testing.T) {
	err := Execute(context.Background(), []string{"-v"})
	if err == nil || !strings.Contains(err.Error(), "nothing to do") {
		t.Fatalf("expected nothing-to-do error, got %v", err)
	}
}

func TestExecute_PositionalRejected(t *testing.T) {
	if err := Execute(context.Background(), []string{"--tcp", "9000=h:1", "extra"}); err == nil {
		t.Fatal("expected error for positional argument")
	}
}

func TestBuildConfig_Precedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridges.yaml")
	yaml := "proxy_ip: 10.1.1.1\nreconnect_delay: 9s\ncontrol: 127.0.0.1:1\ntcp:\n  - id: file\n    port: 9000\n    endpoint: h:1\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PORTBRIDGE_PROXY_IP", "10.2.2.2")
	t.Setenv("PORTBRIDGE_RECONNECT_DELAY", "7s")

	var f flags
	fs := newFlagSet(&f)
	if err := fs.Parse([]string{"-f", path, "--proxy-ip", "10.3.3.3", "--tcp", "9001=h:2"}); err != nil {
		t.Fatal(err)
	}
	cfg, err := buildConfig(fs, &f)
	if err != nil {
		t.Fatalf("buildConfig: %v", err)
	}

	if cfg.ProxyIP != "10.3.3.3" {
		t.Errorf("ProxyIP = %q, flag should win", cfg.ProxyIP)
	}
	if cfg.ReconnectDelay != 7*time.Second {
		t.Errorf("ReconnectDelay = %v, env should beat file", cfg.ReconnectDelay)
	}
	if cfg.ControlAddr != "127.0.0.1:1" {
		t.Errorf("ControlAddr = %q, file should beat default", cfg.ControlAddr)
	}
	if cfg.DialTimeout != config.DefaultDialTimeout {
		t.Errorf("DialTimeout = %v", cfg.DialTimeout)
	}
	if len(cfg.TCP) != 2 || cfg.TCP[0].ID != "file" {
		t.Fatalf("TCP = %+v", cfg.TCP)
	}
	if cfg.TCP[1].ID == "" {
		t.Error("unnamed proxy did not get an id")
	}
}

func TestBuildConfig_Verbose(t *testing.T) {
	var f flags
	fs := newFlagSet(&f)
	if err := fs.Parse([]string{"-vv", "--tcp", "9000=h:1"}); err != nil {
		t.Fatal(err)
	}
	cfg, err := buildConfig(fs, &f)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Verbose != 3 {
		t.Errorf("Verbose = %d, want 3", cfg.Verbose)
	}
}

// TestRun_ForwardsUntilCancelled starts a real proxy to an echo server
// and stops it through the context.
func TestRun_ForwardsUntilCancelled(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c)
			}()
		}
	}()

	port, err := util.FindFreePort()
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	cfg.TCP = []config.TCPProxy{{ID: "p1", Port: port, Endpoint: ln.Addr().String()}}

	logger := util.NewLogger(0)
	logger.SetOutput(io.Discard)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, logger) }()

	var conn net.Conn
	deadline := time.Now().Add(3 * time.Second)
	for {
		conn, err = net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(port))
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()

	// The backend may still be connecting; retry until the echo arrives.
	got := make([]byte, 4)
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, err := conn.Write([]byte("ping")); err != nil {
			t.Fatal(err)
		}
		conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		if _, err := io.ReadFull(conn, got); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no echo through proxy")
		}
	}
	if string(got) != "ping" {
		t.Errorf("got %q", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}

func TestRun_BindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	cfg := config.Default()
	cfg.TCP = []config.TCPProxy{{ID: "p1", Port: ln.Addr().(*net.TCPAddr).Port, Endpoint: "127.0.0.1:9"}}
	logger := util.NewLogger(0)
	logger.SetOutput(io.Discard)

	if err := run(context.Background(), cfg, logger); err == nil {
		t.Fatal("expected bind error")
	}
}

func TestRetryPolicy(t *testing.T) {
	tests := []struct {
		name    string
		backoff float64
		max     time.Duration
		want    []time.Duration
	}{
		{"fixed by default", 1, 0, []time.Duration{time.Second, time.Second, time.Second}},
		{"zero backoff is fixed", 0, 0, []time.Duration{time.Second, time.Second, time.Second}},
		{"doubling", 2, 0, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}},
		{"doubling capped", 2, 3 * time.Second, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.ReconnectDelay = time.Second
			cfg.ReconnectBackoff = tt.backoff
			cfg.ReconnectMaxDelay = tt.max
			p := retryPolicy(cfg)
			for i, want := range tt.want {
				if got := p.Delay(i + 1); got != want {
					t.Errorf("Delay(%d) = %v, want %v", i+1, got, want)
				}
			}
		})
	}
}

func TestExecute_DryRunBackoff(t *testing.T) {
	out := captureStdout(t)
	err := Execute(context.Background(), []string{
		"--tcp", "9000=10.0.0.5:502", "--reconnect-delay", "1s",
		"--reconnect-backoff", "2", "--reconnect-max-delay", "3s", "--dry-run",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out.String(), "retry   first 1s, then 2s, 3s") {
		t.Errorf("plan missing retry policy: %q", out.String())
	}

	if err := Execute(context.Background(), []string{
		"--tcp", "9000=10.0.0.5:502", "--reconnect-backoff", "0.5", "--dry-run",
	}); err == nil {
		t.Error("expected error for shrinking backoff")
	}
}
