package util

import "sync"

const (
	// DefaultBufSize is the read chunk for TCP sockets (32 KiB).
	DefaultBufSize = 32 * 1024

	// SerialBufSize is the read chunk for serial lines.  At 9600 baud a
	// line delivers under 1 KiB per second, so a small buffer suffices.
	SerialBufSize = 1024
)

// BufPool hands out fixed-size byte buffers for read loops, reducing GC
// pressure when many proxies are forwarding at once.
type BufPool struct {
	size int
	pool sync.Pool
}

// NewBufPool returns a pool of buffers of the given size.
func NewBufPool(size int) *BufPool {
	p := &BufPool{size: size}
	p.pool.New = func() interface{} {
		buf := make([]byte, size)
		return &buf
	}
	return p
}

// Size reports the length of buffers returned by [BufPool.Get].
func (p *BufPool) Size() int { return p.size }

// Get retrieves a buffer.  Callers must return it with [BufPool.Put].
func (p *BufPool) Get() *[]byte {
	return p.pool.Get().(*[]byte)
}

// Put returns a buffer for reuse.  Buffers of the wrong size are
// discarded.
func (p *BufPool) Put(buf *[]byte) {
	if buf == nil || len(*buf) != p.size {
		return
	}
	p.pool.Put(buf)
}

// Shared pools for the two backend kinds.
var (
	TCPBufs    = NewBufPool(DefaultBufSize)
	SerialBufs = NewBufPool(SerialBufSize)
)
