// Package cursorbuf is a lock-free, time-addressable ring of timestamped
// multi-channel audio segments for exactly one producer and one consumer.
//
// The producer appends segments as audio arrives. The consumer positions a
// cursor by sample time or walks segments in order, and frees the oldest
// segments with Consume. Consume keeps a cursor that points past the freed
// segment valid even when the underlying ring moves its readable window.
//
// Thread assignment:
//   - Append, AvailableSpace, IsContiguous: producer only
//   - Consume, ConsumeUntil, Clear, Seek, Start, Current, HasCurrent,
//     CanAdvance, Advance, ReadAt: consumer only
//
// None of these lock, block or allocate.
package cursorbuf

import (
	"errors"
	"fmt"

	"audiocursor/internal/ringbuf"
	"audiocursor/internal/segment"
)

// headerMargin over-provisions storage for per-segment framing.
const headerMargin = 1.1

var (
	ErrInvalidFormat     = errors.New("cursorbuf: invalid format")
	ErrInvalidFrames     = errors.New("cursorbuf: frame count must be positive")
	ErrInsufficientSpace = errors.New("cursorbuf: insufficient contiguous space")
	ErrNonMonotonic      = errors.New("cursorbuf: timestamp earlier than previous segment end")
)

// producer state. Only the appending goroutine reads or writes it.
type producer struct {
	head      segment.Header
	hasHead   bool
	monotonic bool
}

// consumer state. Only the reading goroutine reads or writes it.
// cursor is a storage offset into the ring, valid only while it falls inside
// the ring's current readable region.
type consumer struct {
	cursor    int
	hasCursor bool
}

// Buffer is the segment cursor buffer.
type Buffer struct {
	ring   *ringbuf.Ring
	format segment.Format

	prod producer
	cons consumer
}

type options struct {
	monotonic  bool
	lockMemory bool
}

// Option configures a Buffer.
type Option func(*options)

// WithMonotonicTimestamps makes Append reject a segment that starts before
// the end of the previously appended one.
func WithMonotonicTimestamps() Option {
	return func(o *options) { o.monotonic = true }
}

// WithLockedMemory pins ring storage in RAM at construction.
func WithLockedMemory() Option {
	return func(o *options) { o.lockMemory = true }
}

// New creates a buffer holding at least minFrames frames of format.
func New(format segment.Format, minFrames int, opts ...Option) (*Buffer, error) {
	if !format.Valid() {
		return nil, ErrInvalidFormat
	}
	if minFrames <= 0 {
		return nil, ErrInvalidFrames
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	bytes := int(float64(format.BytesPerFrame*format.Channels*minFrames) * headerMargin)
	bytes = max(bytes, segment.Size(minFrames, format.Channels, format.BytesPerFrame))

	ring, err := ringbuf.New(bytes)
	if err != nil {
		return nil, fmt.Errorf("cursorbuf: allocate %d bytes: %w", bytes, err)
	}
	if o.lockMemory {
		if err := ring.Lock(); err != nil {
			ring.Close()
			return nil, fmt.Errorf("cursorbuf: pin storage: %w", err)
		}
	}
	return &Buffer{
		ring:   ring,
		format: format,
		prod:   producer{monotonic: o.monotonic},
	}, nil
}

// Close releases storage and forgets head and cursor. Both sides must have
// stopped using the buffer.
func (b *Buffer) Close() error {
	b.prod.hasHead = false
	b.cons.hasCursor = false
	return b.ring.Close()
}

// Format returns the format the buffer was created with.
func (b *Buffer) Format() segment.Format {
	return b.format
}

// Len returns the number of readable bytes.
func (b *Buffer) Len() int {
	return b.ring.AvailableRead()
}

// --- producer ---

// AvailableSpace returns how many frames a single Append could take now.
func (b *Buffer) AvailableSpace() int {
	return segment.MaxFrames(b.ring.AvailableWrite(), b.format.Channels, b.format.BytesPerFrame)
}

// Append copies frames of buf into the ring as one segment stamped ts.
// It returns ErrInsufficientSpace, leaving the buffer unchanged, when the
// segment does not fit.
func (b *Buffer) Append(buf segment.Buffer, ts segment.Timestamp, frames int) error {
	if frames <= 0 {
		return ErrInvalidFrames
	}
	if len(buf) != b.format.Channels {
		return segment.ErrChannelCount
	}
	if b.prod.monotonic && b.prod.hasHead && ts.SampleTime < b.headEnd() {
		return ErrNonMonotonic
	}

	size := segment.Size(frames, b.format.Channels, b.format.BytesPerFrame)
	dst := b.ring.Writable()
	if len(dst) < size {
		return ErrInsufficientSpace
	}
	n, err := segment.Encode(dst, buf, ts, frames, b.format.BytesPerFrame)
	if err != nil {
		return err
	}
	b.prod.head = segment.View(dst[:n], b.format.BytesPerFrame).Header()
	b.prod.hasHead = true
	b.ring.Produce(n)
	return nil
}

func (b *Buffer) headEnd() float64 {
	return b.prod.head.Timestamp.SampleTime + float64(b.prod.head.FrameCount)
}

// IsContiguous reports whether sampleTime continues the last appended
// segment within tolerance samples. With nothing appended yet it is true.
func (b *Buffer) IsContiguous(sampleTime, tolerance float64) bool {
	if !b.prod.hasHead {
		return true
	}
	expected := b.headEnd()
	return expected-tolerance <= sampleTime && sampleTime <= expected+tolerance
}

// --- consumer ---

// at resolves the cursor against the current readable region.
func (b *Buffer) at() (segment.Segment, bool) {
	if !b.cons.hasCursor {
		return segment.Segment{}, false
	}
	region, base := b.ring.Readable()
	off := b.cons.cursor - base
	if off < 0 || off >= len(region) {
		return segment.Segment{}, false
	}
	return segment.View(region[off:], b.format.BytesPerFrame), true
}

// Consume frees the oldest segment. A cursor on a later segment is rebased
// onto that same segment; a cursor on the freed segment is unset.
func (b *Buffer) Consume() {
	region, base := b.ring.Readable()
	if len(region) == 0 {
		b.cons.hasCursor = false
		return
	}
	total := segment.TotalLength(region)

	if b.cons.hasCursor && b.cons.cursor >= base+total {
		offset := b.cons.cursor - base - total
		b.ring.Release(total)
		region, base = b.ring.Readable()
		if len(region) == 0 || offset >= len(region) {
			b.cons.hasCursor = false
			return
		}
		b.cons.cursor = base + offset
		return
	}

	b.ring.Release(total)
	b.cons.hasCursor = false
}

// ConsumeUntil frees every oldest segment whose last frame lies before
// sampleTime and returns how many were freed.
func (b *Buffer) ConsumeUntil(sampleTime float64) int {
	freed := 0
	for {
		region, _ := b.ring.Readable()
		if len(region) == 0 {
			return freed
		}
		if segment.View(region, b.format.BytesPerFrame).EndSampleTime() > sampleTime {
			return freed
		}
		b.Consume()
		freed++
	}
}

// Clear frees every readable segment and unsets the cursor.
func (b *Buffer) Clear() {
	b.ring.Clear()
	b.cons.hasCursor = false
}

// Seek positions the cursor on the oldest segment containing sampleTime.
// On a miss the cursor is unset and the zero Segment is returned.
func (b *Buffer) Seek(sampleTime float64) (segment.Segment, bool) {
	region, base := b.ring.Readable()
	for off := 0; off < len(region); {
		seg := segment.View(region[off:], b.format.BytesPerFrame)
		if seg.Contains(sampleTime) {
			b.cons.cursor = base + off
			b.cons.hasCursor = true
			return seg, true
		}
		off += seg.Len()
	}
	b.cons.hasCursor = false
	return segment.Segment{}, false
}

// Start positions the cursor on the oldest segment.
func (b *Buffer) Start() (segment.Segment, bool) {
	region, base := b.ring.Readable()
	if len(region) == 0 {
		b.cons.hasCursor = false
		return segment.Segment{}, false
	}
	b.cons.cursor = base
	b.cons.hasCursor = true
	return b.Current()
}

// Current returns the segment at the cursor without moving it.
func (b *Buffer) Current() (segment.Segment, bool) {
	return b.at()
}

// HasCurrent reports whether the cursor is positioned.
func (b *Buffer) HasCurrent() bool {
	return b.cons.hasCursor
}

// CanAdvance reports whether a segment follows the one at the cursor.
func (b *Buffer) CanAdvance() bool {
	seg, ok := b.at()
	if !ok {
		return false
	}
	region, base := b.ring.Readable()
	return b.cons.cursor+seg.Len() < base+len(region)
}

// Advance moves the cursor to the next segment. When there is none the
// cursor stays where it is, so the caller can retry after more appends.
func (b *Buffer) Advance() (segment.Segment, bool) {
	if !b.CanAdvance() {
		return segment.Segment{}, false
	}
	seg, _ := b.at()
	b.cons.cursor += seg.Len()
	return b.Current()
}

// ReadAt copies up to frames contiguous frames starting at sampleTime into
// dst, walking forward across segments. Each channel of dst must hold
// frames*BytesPerFrame bytes. It stops at a gap in sample time or at the
// newest segment, and returns the number of frames copied. The cursor is left
// on the last segment visited, or unset if sampleTime was not found.
func (b *Buffer) ReadAt(dst segment.Buffer, sampleTime float64, frames int) int {
	seg, ok := b.Seek(sampleTime)
	bpf := b.format.BytesPerFrame
	channels := min(len(dst), b.format.Channels)
	copied := 0

	for ok && copied < frames {
		offset := sampleTime - seg.Timestamp().SampleTime
		if offset < 0 || int(offset) >= seg.FrameCount() {
			break
		}
		first := int(offset)
		n := min(seg.FrameCount()-first, frames-copied)
		for ch := 0; ch < channels; ch++ {
			copy(dst[ch][copied*bpf:(copied+n)*bpf], seg.Channel(ch)[first*bpf:(first+n)*bpf])
		}
		copied += n
		sampleTime += float64(n)
		if copied == frames {
			break
		}
		seg, ok = b.Advance()
	}
	return copied
}
