// Package ringbuf implements a lock-free single-producer single-consumer byte
// ring whose writable and readable regions are always one contiguous slice.
//
// Storage is allocated at twice the ring size and every committed byte is
// also written to its alias in the other half, so a region that crosses the
// end of the ring can be handed out without copying. The price is that the
// base of the readable region jumps back to the first half when the tail
// wraps: offsets taken from an earlier Readable call must be rebased after
// Release.
//
// Thread assignment:
//   - Writable, Produce, AvailableWrite: producer only
//   - Readable, Release, AvailableRead: consumer only
package ringbuf

import (
	"errors"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

var (
	ErrInvalidCapacity = errors.New("ringbuf: capacity must be positive")
	ErrClosed          = errors.New("ringbuf: ring is closed")
)

// Ring is the raw byte ring. head and tail count bytes ever produced and
// released; their difference is the readable length.
type Ring struct {
	head atomic.Uint64
	_    cpu.CacheLinePad
	tail atomic.Uint64
	_    cpu.CacheLinePad

	buf    []byte
	size   uint64
	mask   uint64
	locked bool
}

// New allocates a ring of at least capacity bytes, rounded up to a power of two.
func New(capacity int) (*Ring, error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	size := nextPowerOf2(uint64(capacity))
	return &Ring{
		buf:  make([]byte, 2*size),
		size: size,
		mask: size - 1,
	}, nil
}

// Size returns the ring capacity in bytes.
func (r *Ring) Size() int {
	return int(r.size)
}

// AvailableRead returns the number of committed, unreleased bytes.
func (r *Ring) AvailableRead() int {
	return int(r.head.Load() - r.tail.Load())
}

// AvailableWrite returns the number of free bytes. All of them are contiguous.
// A closed ring has none.
func (r *Ring) AvailableWrite() int {
	if r.buf == nil {
		return 0
	}
	return int(r.size - (r.head.Load() - r.tail.Load()))
}

// Writable returns the free region starting at the write position. Bytes
// written into it become visible to the consumer only after Produce.
func (r *Ring) Writable() []byte {
	if r.buf == nil {
		return nil
	}
	h := r.head.Load()
	free := r.size - (h - r.tail.Load())
	start := h & r.mask
	return r.buf[start : start+free : start+free]
}

// Produce commits n bytes previously written into the Writable region.
// It panics if n exceeds the free space.
func (r *Ring) Produce(n int) {
	if n <= 0 {
		return
	}
	h := r.head.Load()
	if uint64(n) > r.size-(h-r.tail.Load()) {
		panic("ringbuf: produce beyond free space")
	}
	r.mirror(h&r.mask, uint64(n))
	r.head.Store(h + uint64(n))
}

// mirror copies [start, start+n) of storage onto its alias in the other half.
func (r *Ring) mirror(start, n uint64) {
	end := start + n
	if low := min(end, r.size); low > start {
		copy(r.buf[start+r.size:low+r.size], r.buf[start:low])
	}
	if end > r.size {
		copy(r.buf[0:end-r.size], r.buf[r.size:end])
	}
}

// Readable returns the committed region starting at the tail together with
// the storage offset of its first byte. The offset lies in [0, Size()).
func (r *Ring) Readable() ([]byte, int) {
	if r.buf == nil {
		return nil, 0
	}
	t := r.tail.Load()
	avail := r.head.Load() - t
	start := t & r.mask
	return r.buf[start : start+avail : start+avail], int(start)
}

// Release frees n bytes from the oldest end of the readable region.
// It panics if n exceeds the readable length.
func (r *Ring) Release(n int) {
	if n <= 0 {
		return
	}
	t := r.tail.Load()
	if uint64(n) > r.head.Load()-t {
		panic("ringbuf: release beyond readable data")
	}
	r.tail.Store(t + uint64(n))
}

// Clear releases every readable byte. Consumer only.
func (r *Ring) Clear() {
	r.tail.Store(r.head.Load())
}

// Lock pins the storage in physical memory so the audio thread never takes a
// page fault on it.
func (r *Ring) Lock() error {
	if r.buf == nil {
		return ErrClosed
	}
	if r.locked {
		return nil
	}
	if err := lockMemory(r.buf); err != nil {
		return err
	}
	r.locked = true
	return nil
}

// Close drops the storage. Neither side may use the ring afterwards.
func (r *Ring) Close() error {
	var err error
	if r.locked {
		err = unlockMemory(r.buf)
		r.locked = false
	}
	r.buf = nil
	r.head.Store(0)
	r.tail.Store(0)
	return err
}

func nextPowerOf2(n uint64) uint64 {
	if n == 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}
