// Package jitterbuffer keeps one cursor buffer per remote stream, keyed by
// SSRC. The network goroutine writes decoded audio; the audio callback reads
// every stream at its own playhead without taking a lock.
package jitterbuffer

import (
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"audiocursor/internal/cursorbuf"
	"audiocursor/internal/segment"
)

var ErrStreamLimit = errors.New("jitterbuffer: stream limit reached")

type Config struct {
	Format          segment.Format
	CapacityFrames  int
	LatencyFrames   int
	Tolerance       float64
	BacklogSegments int
	MaxStreams      int
	Options         []cursorbuf.Option
}

func DefaultJitterbufferConfig() Config {
	return Config{
		Format:          segment.Format{Channels: 1, BytesPerFrame: 4, SampleRate: 48000},
		CapacityFrames:  48000,
		LatencyFrames:   2880,
		Tolerance:       1,
		BacklogSegments: 8,
		MaxStreams:      5,
	}
}

type snapshot struct {
	streams []*StreamBuffer
	gen     uint64
}

// retiredStream waits until the audio callback has loaded generation gen,
// the first snapshot without it. Only then is its storage released.
type retiredStream struct {
	stream *StreamBuffer
	gen    uint64
}

type JitterBuffer struct {
	streams map[uint32]*StreamBuffer
	retired []retiredStream
	gen     uint64
	mu      sync.Mutex

	// snapshot is what the audio callback iterates. It is replaced, never
	// mutated, whenever the stream set changes.
	snapshot atomic.Pointer[snapshot]
	// seen is the newest generation the audio callback has loaded.
	seen atomic.Uint64

	config Config
	now    func() time.Time
}

func NewJitterBuffer(config Config) *JitterBuffer {
	def := DefaultJitterbufferConfig()
	if !config.Format.Valid() {
		config.Format = def.Format
	}
	if config.CapacityFrames <= 0 {
		config.CapacityFrames = def.CapacityFrames
	}
	if config.MaxStreams <= 0 {
		config.MaxStreams = def.MaxStreams
	}
	if config.BacklogSegments < 0 {
		config.BacklogSegments = 0
	}

	jb := &JitterBuffer{
		streams: make(map[uint32]*StreamBuffer),
		config:  config,
		now:     time.Now,
	}
	jb.publish()
	return jb
}

// Stream returns the buffer for ssrc, creating it on first use. When the
// stream limit is reached the least recently written stream is evicted.
func (jb *JitterBuffer) Stream(ssrc uint32) (*StreamBuffer, error) {
	jb.mu.Lock()
	defer jb.mu.Unlock()

	if stream, ok := jb.streams[ssrc]; ok {
		return stream, nil
	}
	if len(jb.streams) >= jb.config.MaxStreams {
		if !jb.removeInactiveStream() {
			return nil, ErrStreamLimit
		}
	}

	stream, err := newStreamBuffer(ssrc, &jb.config, jb.now)
	if err != nil {
		jb.publish()
		return nil, err
	}
	jb.streams[ssrc] = stream
	jb.publish()
	return stream, nil
}

// Streams returns the current stream set for the audio callback, and marks
// every earlier set as no longer in use. It never blocks. Only the single
// audio callback may call it, and the slice must not be modified.
func (jb *JitterBuffer) Streams() []*StreamBuffer {
	s := jb.snapshot.Load()
	jb.seen.Store(s.gen)
	return s.streams
}

func (jb *JitterBuffer) RemoveStream(ssrc uint32) {
	jb.mu.Lock()
	defer jb.mu.Unlock()

	if stream, ok := jb.streams[ssrc]; ok {
		jb.retire(ssrc, stream)
		jb.publish()
	}
}

func (jb *JitterBuffer) GetActiveStreams() []uint32 {
	jb.mu.Lock()
	defer jb.mu.Unlock()

	streams := make([]uint32, 0, len(jb.streams))
	for ssrc := range jb.streams {
		streams = append(streams, ssrc)
	}
	slices.Sort(streams)
	return streams
}

// Cleanup removes streams that have not been written for timeout and returns
// their SSRCs. Retired streams the audio callback can no longer reach are
// released here.
func (jb *JitterBuffer) Cleanup(timeout time.Duration) []uint32 {
	jb.mu.Lock()
	defer jb.mu.Unlock()

	seen := jb.seen.Load()
	kept := jb.retired[:0]
	for _, r := range jb.retired {
		if r.gen <= seen {
			r.stream.buf.Close()
			continue
		}
		kept = append(kept, r)
	}
	jb.retired = kept

	now := jb.now()
	var removed []uint32
	for ssrc, stream := range jb.streams {
		if now.Sub(stream.LastWrite()) > timeout {
			jb.retire(ssrc, stream)
			removed = append(removed, ssrc)
		}
	}
	if len(removed) > 0 {
		jb.publish()
	}
	return removed
}

// Stats returns a snapshot of every stream's counters.
func (jb *JitterBuffer) Stats() []Stats {
	streams := jb.snapshot.Load().streams
	stats := make([]Stats, 0, len(streams))
	for _, stream := range streams {
		stats = append(stats, stream.Stats())
	}
	return stats
}

// Close releases every stream. The audio callback must have stopped.
func (jb *JitterBuffer) Close() {
	jb.mu.Lock()
	defer jb.mu.Unlock()

	for ssrc, stream := range jb.streams {
		jb.retire(ssrc, stream)
	}
	for _, r := range jb.retired {
		r.stream.buf.Close()
	}
	jb.retired = nil
	jb.publish()
}

func (jb *JitterBuffer) removeInactiveStream() bool {
	var oldestSSRC uint32
	var oldestTime time.Time
	first := true

	for ssrc, stream := range jb.streams {
		lastWrite := stream.LastWrite()
		if first || lastWrite.Before(oldestTime) {
			oldestTime = lastWrite
			oldestSSRC = ssrc
			first = false
		}
	}

	if first {
		return false
	}
	jb.retire(oldestSSRC, jb.streams[oldestSSRC])
	return true
}

// retire removes a stream from the set. The caller publishes afterwards, so
// the stream is absent from generation jb.gen+1 on.
func (jb *JitterBuffer) retire(ssrc uint32, stream *StreamBuffer) {
	delete(jb.streams, ssrc)
	jb.retired = append(jb.retired, retiredStream{stream: stream, gen: jb.gen + 1})
}

func (jb *JitterBuffer) publish() {
	streams := make([]*StreamBuffer, 0, len(jb.streams))
	for _, stream := range jb.streams {
		streams = append(streams, stream)
	}
	slices.SortFunc(streams, func(a, b *StreamBuffer) int {
		switch {
		case a.SSRC < b.SSRC:
			return -1
		case a.SSRC > b.SSRC:
			return 1
		}
		return 0
	})
	jb.gen++
	jb.snapshot.Store(&snapshot{streams: streams, gen: jb.gen})
}
