package proxy

import (
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"go.bug.st/serial"

	errs "portbridge/internal/errors"
	"portbridge/internal/metrics"
	"portbridge/internal/serialline"
)

func TestNewSerial_RejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		port   int
		device string
	}{
		{"missing device", 9100, ""},
		{"privileged port", 1023, "/dev/ttyUSB0"},
		{"port above range", 65536, "/dev/ttyUSB0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewSerial(SerialConfig{BindAddress: "127.0.0.1", Port: tt.port, Device: tt.device}, Options{})
			if err == nil {
				p.Shutdown()
				t.Fatal("expected configuration error")
			}
			if !errs.IsConfig(err) {
				t.Errorf("expected ConfigError, got %T: %v", err, err)
			}
		})
	}
}

func newSerial(t *testing.T, rec *recorder) *SerialBackend {
	t.Helper()
	p, err := NewSerial(SerialConfig{BindAddress: "127.0.0.1", Port: freePort(t), Device: "/dev/ttyFAKE0"}, Options{Events: rec.events()})
	if err != nil {
		t.Fatalf("NewSerial: %v", err)
	}
	t.Cleanup(p.Shutdown)
	return p
}

func TestSerial_OpenConfiguresLine(t *testing.T) {
	rec := &recorder{}
	p := newSerial(t, rec)
	line := newFakeLine()

	if p.LineOpen() {
		t.Fatal("line open before Open")
	}
	if err := p.Open(line); err != nil {
		t.Fatalf("Open: %v", err)
	}

	line.mu.Lock()
	mode := line.mode
	line.mu.Unlock()
	if mode == nil {
		t.Fatal("mode not applied")
	}
	if mode.BaudRate != 9600 || mode.DataBits != 8 || mode.Parity != serial.NoParity || mode.StopBits != serial.TwoStopBits {
		t.Errorf("mode = %+v, want 9600-8-N-2", mode)
	}
	if rec.opens() != 1 {
		t.Errorf("serial open events = %d", rec.opens())
	}
	if !p.LineOpen() {
		t.Error("LineOpen false after Open")
	}
	if p.Kind() != KindSerial {
		t.Errorf("Kind = %v", p.Kind())
	}
}

func TestSerial_ForwardsBothDirections(t *testing.T) {
	rec := &recorder{}
	p := newSerial(t, rec)
	line := newFakeLine()
	if err := p.Open(line); err != nil {
		t.Fatalf("Open: %v", err)
	}

	client := dialClient(t, p)
	waitFor(t, "client connected", func() bool { return len(rec.clientEvents()) == 1 })

	if _, err := client.Write([]byte("W1\r\n")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "line write", func() bool { return line.Written() == "W1\r\n" })

	line.in <- []byte("12.5 kg\r\n")
	if got := readN(t, client, 9); got != "12.5 kg\r\n" {
		t.Errorf("client got %q", got)
	}

	waitFor(t, "traffic 4/9", func() bool {
		r, s := rec.traffic()
		return r == 4 && s == 9
	})
}

func TestSerial_OpenTwice(t *testing.T) {
	p := newSerial(t, &recorder{})
	if err := p.Open(newFakeLine()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	second := newFakeLine()
	if err := p.Open(second); !errors.Is(err, errs.ErrAlreadyOpen) {
		t.Fatalf("second Open = %v, want ErrAlreadyOpen", err)
	}
	if second.closed() {
		t.Error("rejected line must stay with the caller")
	}
}

func TestSerial_OpenAfterShutdown(t *testing.T) {
	rec := &recorder{}
	p := newSerial(t, rec)
	p.Shutdown()

	line := newFakeLine()
	if err := p.Open(line); !errors.Is(err, errs.ErrClosed) {
		t.Fatalf("Open = %v, want ErrClosed", err)
	}
	if !line.closed() {
		t.Error("line not closed")
	}
	if rec.opens() != 0 {
		t.Error("serial open event after shutdown")
	}
}

func TestSerial_SetModeFailure(t *testing.T) {
	p := newSerial(t, &recorder{})
	bad := newFakeLine()
	bad.modeErr = errors.New("unsupported")

	if err := p.Open(bad); err == nil {
		t.Fatal("expected error")
	}
	if !bad.closed() {
		t.Error("unconfigurable line not closed")
	}
	if err := p.Open(newFakeLine()); err != nil {
		t.Errorf("Open after failed attempt: %v", err)
	}
}

// scriptedLine replays a fixed sequence of reads, then blocks until
// closed.
type scriptedLine struct {
	*fakeLine
	script []readResult
	reads  atomic.Int32
}

type readResult struct {
	data string
	err  error
}

func (l *scriptedLine) Read(p []byte) (int, error) {
	i := int(l.reads.Add(1)) - 1
	if i < len(l.script) {
		r := l.script[i]
		return copy(p, r.data), r.err
	}
	<-l.done
	return 0, errors.New("port closed")
}

func TestSerial_ReadLoopEnds(t *testing.T) {
	tests := []struct {
		name    string
		script  []readResult
		wantErr int64
	}{
		{"end of stream", []readResult{{"abc", nil}, {"", io.EOF}}, 0},
		{"empty chunk", []readResult{{"abc", nil}, {"", nil}}, 0},
		{"read error", []readResult{{"abc", nil}, {"", errors.New("framing error")}}, 1},
		{"data with error", []readResult{{"abc", errors.New("parity error")}}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			m := metrics.New()
			p, err := NewSerial(SerialConfig{BindAddress: "127.0.0.1", Port: freePort(t), Device: "/dev/ttyFAKE0"},
				Options{Events: rec.events(), Metrics: m})
			if err != nil {
				t.Fatalf("NewSerial: %v", err)
			}
			t.Cleanup(p.Shutdown)

			client := dialClient(t, p)
			waitFor(t, "client connected", func() bool { return len(rec.clientEvents()) == 1 })

			line := &scriptedLine{fakeLine: newFakeLine(), script: tt.script}
			if err := p.Open(line); err != nil {
				t.Fatalf("Open: %v", err)
			}
			if got := readN(t, client, 3); got != "abc" {
				t.Errorf("client got %q", got)
			}

			waitFor(t, "read loop stopped", func() bool { return m.OpenBackends() == 0 })
			time.Sleep(50 * time.Millisecond)
			if got := int(line.reads.Load()); got != len(tt.script) {
				t.Errorf("reads = %d, want %d", got, len(tt.script))
			}
			if got := m.ErrorCount(); got != tt.wantErr {
				t.Errorf("errors = %d, want %d", got, tt.wantErr)
			}

			// The line is not reattached and the listener keeps working.
			if rec.opens() != 1 {
				t.Errorf("serial open events = %d", rec.opens())
			}
			if err := p.Open(newFakeLine()); !errors.Is(err, errs.ErrAlreadyOpen) {
				t.Errorf("second Open = %v, want ErrAlreadyOpen", err)
			}
			if _, err := client.Write([]byte("ping")); err != nil {
				t.Fatal(err)
			}
			waitFor(t, "line write", func() bool { return line.Written() == "ping" })
			if !p.ClientConnected() {
				t.Error("client dropped")
			}
		})
	}
}

func TestSerial_WriteWithoutLineDropped(t *testing.T) {
	rec := &recorder{}
	p := newSerial(t, rec)

	client := dialClient(t, p)
	if _, err := client.Write([]byte("lost")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "received 4", func() bool { r, _ := rec.traffic(); return r == 4 })
	if !p.ClientConnected() {
		t.Error("client dropped")
	}
}

func TestSerial_ShutdownReleasesInOrder(t *testing.T) {
	p := newSerial(t, &recorder{})
	line := newFakeLine()
	line.drainErr = errors.New("drain failed")
	if err := p.Open(line); err != nil {
		t.Fatalf("Open: %v", err)
	}

	p.Shutdown()
	p.Shutdown()

	want := []string{"reset", "drain", "close"}
	got := line.Calls()
	if len(got) != len(want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("calls = %v, want %v", got, want)
		}
	}
	if p.LineOpen() {
		t.Error("line still attached after shutdown")
	}
}

func TestSerial_ShutdownWithStuckDrain(t *testing.T) {
	saved := serialline.DrainTimeout
	serialline.DrainTimeout = 50 * time.Millisecond
	t.Cleanup(func() { serialline.DrainTimeout = saved })

	p := newSerial(t, &recorder{})
	line := newFakeLine()
	line.stuck = true
	if err := p.Open(line); err != nil {
		t.Fatalf("Open: %v", err)
	}

	done := make(chan struct{})
	go func() {
		p.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Shutdown blocked on a stuck drain")
	}
	if !line.closed() {
		t.Error("line not closed after drain timeout")
	}
}

func TestSerial_NoTrafficAfterShutdown(t *testing.T) {
	entered := make(chan struct{})
	unblock := make(chan struct{})
	var calls atomic.Int32
	events := Events{
		OnTraffic: func(int64, int64) {
			if calls.Add(1) == 1 {
				close(entered)
				<-unblock
			}
		},
	}
	p, err := NewSerial(SerialConfig{BindAddress: "127.0.0.1", Port: freePort(t), Device: "/dev/ttyFAKE0"}, Options{Events: events})
	if err != nil {
		t.Fatalf("NewSerial: %v", err)
	}
	t.Cleanup(p.Shutdown)

	line := newFakeLine()
	if err := p.Open(line); err != nil {
		t.Fatalf("Open: %v", err)
	}
	client := dialClient(t, p)
	waitFor(t, "client connected", p.ClientConnected)

	if _, err := client.Write([]byte("a")); err != nil {
		t.Fatal(err)
	}
	<-entered

	// A line chunk arrives while the first notification is still running.
	line.in <- []byte("b")
	readN(t, client, 1)

	done := make(chan struct{})
	go func() {
		p.Shutdown()
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("Shutdown returned while a traffic notification was running")
	default:
	}

	close(unblock)
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Shutdown did not return")
	}
	time.Sleep(20 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Errorf("traffic notifications = %d, want 1", got)
	}
}
