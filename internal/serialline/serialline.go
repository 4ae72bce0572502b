// Package serialline resolves device names into opened serial lines.
//
// Proxies never open devices themselves; they are handed a [Line] that
// an [Opener] produced.  Tests substitute in-memory lines.
package serialline

import (
	"fmt"
	"io"
	"sort"
	"time"

	"go.bug.st/serial"

	errs "portbridge/internal/errors"
)

// Fixed line parameters.  They are not configurable per proxy.
const (
	BaudRate = 9600
	DataBits = 8
)

// Line is the subset of [serial.Port] a serial proxy needs.
type Line interface {
	io.ReadWriteCloser
	SetMode(mode *serial.Mode) error
}

// Opener resolves a device name to an opened line.
type Opener func(device string) (Line, error)

// LineMode returns the 9600-8-N-2 mode applied to every line.
func LineMode() *serial.Mode {
	return &serial.Mode{
		BaudRate: BaudRate,
		DataBits: DataBits,
		Parity:   serial.NoParity,
		StopBits: serial.TwoStopBits,
	}
}

// OpenDevice opens the named device with [LineMode].  It satisfies
// [Opener].
func OpenDevice(device string) (Line, error) {
	if device == "" {
		return nil, fmt.Errorf("open serial: empty device name")
	}
	port, err := serial.Open(device, LineMode())
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", device, err)
	}
	return port, nil
}

// Devices lists the serial devices present on this machine, sorted.
func Devices() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial devices: %w", err)
	}
	sort.Strings(ports)
	return ports, nil
}

// ── Release helpers ──────────────────────────────────────────────────

type inputResetter interface {
	ResetInputBuffer() error
}

type drainer interface {
	Drain() error
}

// ReleaseReader discards input the line has buffered but nobody has
// read yet.  Lines without an input buffer are left alone.
func ReleaseReader(r io.Reader) error {
	if ir, ok := r.(inputResetter); ok {
		return ir.ResetInputBuffer()
	}
	return nil
}

// DrainTimeout bounds how long ReleaseWriter waits for queued output.
var DrainTimeout = 2 * time.Second //nolint:gochecknoglobals

// ErrDrainTimeout is returned when a line does not finish transmitting
// within DrainTimeout.
var ErrDrainTimeout = errs.New("serial drain timed out")

// ReleaseWriter waits until queued output has been transmitted, or
// DrainTimeout passes.  A drain that times out keeps running in the
// background until the line is closed.
func ReleaseWriter(w io.Writer) error {
	d, ok := w.(drainer)
	if !ok {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- d.Drain() }()

	timer := time.NewTimer(DrainTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		return ErrDrainTimeout
	}
}
