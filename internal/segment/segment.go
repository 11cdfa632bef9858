// Package segment frames one block of non-interleaved multi-channel audio and
// its timestamp into a self-describing record, and reads records back as
// zero-copy views.
//
// Record layout, little endian, every part 8-byte aligned:
//
//	totalLength u32 | channels u32 | sampleTime f64 | hostTime u64
//	byteSize u32 × channels (padded)
//	channel payloads, each padded
package segment

import (
	"encoding/binary"
	"errors"
	"math"
)

const (
	HeaderSize = 24
	alignment  = 8

	offTotalLength = 0
	offChannels    = 4
	offSampleTime  = 8
	offHostTime    = 16
)

var (
	ErrChannelCount = errors.New("segment: channel count does not match format")
	ErrShortChannel = errors.New("segment: channel holds fewer bytes than requested frames")
	ErrShortDest    = errors.New("segment: destination too small for record")
	ErrInvalidFrame = errors.New("segment: frame count must be positive")
)

// Format describes the audio a buffer carries. BytesPerFrame is the size of
// one sample of one channel.
type Format struct {
	Channels      int
	BytesPerFrame int
	SampleRate    float64
}

// Valid reports whether the format can frame records.
func (f Format) Valid() bool {
	return f.Channels > 0 && f.BytesPerFrame > 0
}

// Timestamp locates a record. SampleTime is the position of its first frame.
// HostTime is whatever clock the producer stamps it with, in nanoseconds.
type Timestamp struct {
	SampleTime float64
	HostTime   uint64
}

// Buffer is one byte slice per channel.
type Buffer [][]byte

// Header is the fixed part of a record.
type Header struct {
	TotalLength int
	Timestamp   Timestamp
	FrameCount  int
}

func align(n int) int {
	return (n + alignment - 1) &^ (alignment - 1)
}

func tableSize(channels int) int {
	return align(4 * channels)
}

// Size returns the record length for frames of channels at bytesPerFrame.
func Size(frames, channels, bytesPerFrame int) int {
	return HeaderSize + tableSize(channels) + channels*align(frames*bytesPerFrame)
}

// MaxFrames returns the largest frame count whose record fits in n bytes,
// or 0 if not even an empty record fits.
func MaxFrames(n, channels, bytesPerFrame int) int {
	budget := n - HeaderSize - tableSize(channels)
	if budget <= 0 || channels <= 0 || bytesPerFrame <= 0 {
		return 0
	}
	perChannel := (budget / channels) &^ (alignment - 1)
	return perChannel / bytesPerFrame
}

// Encode writes frames of buf into dst as one record and returns its length.
// dst must hold Size(frames, len(buf), bytesPerFrame) bytes.
func Encode(dst []byte, buf Buffer, ts Timestamp, frames, bytesPerFrame int) (int, error) {
	if frames <= 0 {
		return 0, ErrInvalidFrame
	}
	channels := len(buf)
	byteSize := frames * bytesPerFrame
	for _, ch := range buf {
		if len(ch) < byteSize {
			return 0, ErrShortChannel
		}
	}
	total := Size(frames, channels, bytesPerFrame)
	if len(dst) < total {
		return 0, ErrShortDest
	}

	le := binary.LittleEndian
	le.PutUint32(dst[offTotalLength:], uint32(total))
	le.PutUint32(dst[offChannels:], uint32(channels))
	le.PutUint64(dst[offSampleTime:], math.Float64bits(ts.SampleTime))
	le.PutUint64(dst[offHostTime:], ts.HostTime)

	table := dst[HeaderSize : HeaderSize+tableSize(channels)]
	clear(table)
	for i := 0; i < channels; i++ {
		le.PutUint32(table[4*i:], uint32(byteSize))
	}

	off := HeaderSize + len(table)
	stride := align(byteSize)
	for _, ch := range buf {
		n := copy(dst[off:off+byteSize], ch[:byteSize])
		clear(dst[off+n : off+stride])
		off += stride
	}
	return total, nil
}

// TotalLength reads the length field of the record starting at rec.
func TotalLength(rec []byte) int {
	return int(binary.LittleEndian.Uint32(rec[offTotalLength:]))
}

// Segment is a read-only view of one record. The zero Segment means "none".
type Segment struct {
	rec []byte
	bpf int
}

// View wraps the record at the start of rec. rec may extend past the record.
func View(rec []byte, bytesPerFrame int) Segment {
	return Segment{rec: rec[:TotalLength(rec)], bpf: bytesPerFrame}
}

// IsZero reports whether s is the "none" segment.
func (s Segment) IsZero() bool {
	return s.rec == nil
}

// Len returns the record length including header.
func (s Segment) Len() int {
	return len(s.rec)
}

// Timestamp returns the record's timestamp, or the zero Timestamp for none.
func (s Segment) Timestamp() Timestamp {
	if s.rec == nil {
		return Timestamp{}
	}
	le := binary.LittleEndian
	return Timestamp{
		SampleTime: math.Float64frombits(le.Uint64(s.rec[offSampleTime:])),
		HostTime:   le.Uint64(s.rec[offHostTime:]),
	}
}

// NumChannels returns the channel count stored in the record.
func (s Segment) NumChannels() int {
	if s.rec == nil {
		return 0
	}
	return int(binary.LittleEndian.Uint32(s.rec[offChannels:]))
}

func (s Segment) byteSize(i int) int {
	return int(binary.LittleEndian.Uint32(s.rec[HeaderSize+4*i:]))
}

// FrameCount derives the frame count from the first channel's byte size.
func (s Segment) FrameCount() int {
	if s.NumChannels() == 0 || s.bpf == 0 {
		return 0
	}
	return s.byteSize(0) / s.bpf
}

// Channel returns the samples of channel i, aliasing ring storage.
func (s Segment) Channel(i int) []byte {
	channels := s.NumChannels()
	if i < 0 || i >= channels {
		return nil
	}
	off := HeaderSize + tableSize(channels)
	for j := 0; j < i; j++ {
		off += align(s.byteSize(j))
	}
	n := s.byteSize(i)
	return s.rec[off : off+n : off+n]
}

// Header returns the fixed fields of the record.
func (s Segment) Header() Header {
	return Header{
		TotalLength: s.Len(),
		Timestamp:   s.Timestamp(),
		FrameCount:  s.FrameCount(),
	}
}

// EndSampleTime is the sample time just past the record's last frame.
func (s Segment) EndSampleTime() float64 {
	return s.Timestamp().SampleTime + float64(s.FrameCount())
}

// Contains reports whether sampleTime falls on one of the record's frames.
func (s Segment) Contains(sampleTime float64) bool {
	if s.rec == nil {
		return false
	}
	first := s.Timestamp().SampleTime
	last := first + float64(s.FrameCount()) - 1
	return first <= sampleTime && sampleTime <= last
}
