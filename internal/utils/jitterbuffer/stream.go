package jitterbuffer

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"

	"audiocursor/internal/cursorbuf"
	"audiocursor/internal/segment"
)

// pending is a write that did not fit and waits in the backlog. It owns a
// copy of the audio.
type pending struct {
	buf    segment.Buffer
	ts     segment.Timestamp
	frames int
}

func (p *pending) end() float64 {
	return p.ts.SampleTime + float64(p.frames)
}

// StreamBuffer is one remote stream. Write runs on the network goroutine,
// Read on the audio callback.
type StreamBuffer struct {
	SSRC uint32
	buf  *cursorbuf.Buffer

	latency    int
	tolerance  float64
	maxBacklog int
	now        func() time.Time

	// producer side
	backlog   *queue.Queue
	lastWrite atomic.Int64

	// consumer side
	primed   bool
	playhead float64

	appended        atomic.Uint64
	discontinuities atomic.Uint64
	dropped         atomic.Uint64
	underruns       atomic.Uint64
	resyncs         atomic.Uint64
}

// Stats is a point-in-time copy of a stream's counters.
type Stats struct {
	SSRC            uint32
	Appended        uint64
	Discontinuities uint64
	Dropped         uint64
	Underruns       uint64
	Resyncs         uint64
	BufferedBytes   int
}

func newStreamBuffer(ssrc uint32, config *Config, now func() time.Time) (*StreamBuffer, error) {
	buf, err := cursorbuf.New(config.Format, config.CapacityFrames, config.Options...)
	if err != nil {
		return nil, err
	}
	sb := &StreamBuffer{
		SSRC:       ssrc,
		buf:        buf,
		latency:    config.LatencyFrames,
		tolerance:  config.Tolerance,
		maxBacklog: config.BacklogSegments,
		now:        now,
		backlog:    queue.New(),
	}
	sb.lastWrite.Store(now().UnixNano())
	return sb, nil
}

// Write appends one decoded block. It reports whether ts continued the
// stream; a discontinuity is only counted, the audio is still kept. When the
// ring is full the block is queued, and the oldest queued block is dropped
// once the backlog is at its limit. A block the buffer refuses is dropped and
// its error returned.
func (sb *StreamBuffer) Write(pcm segment.Buffer, ts segment.Timestamp, frames int) (bool, error) {
	sb.lastWrite.Store(sb.now().UnixNano())

	sb.flush()

	var contiguous bool
	if sb.backlog.Length() == 0 {
		contiguous = sb.buf.IsContiguous(ts.SampleTime, sb.tolerance)
	} else {
		last := sb.backlog.Get(-1).(*pending)
		contiguous = abs(ts.SampleTime-last.end()) <= sb.tolerance
	}
	if !contiguous {
		sb.discontinuities.Add(1)
	}

	if sb.backlog.Length() == 0 {
		err := sb.buf.Append(pcm, ts, frames)
		switch {
		case err == nil:
			sb.appended.Add(1)
			return contiguous, nil
		case !errors.Is(err, cursorbuf.ErrInsufficientSpace):
			sb.dropped.Add(1)
			return contiguous, err
		}
	}

	if sb.maxBacklog == 0 {
		sb.dropped.Add(1)
		return contiguous, nil
	}
	if sb.backlog.Length() >= sb.maxBacklog {
		sb.backlog.Remove()
		sb.dropped.Add(1)
	}
	sb.backlog.Add(&pending{buf: clone(pcm, frames, sb.buf.Format().BytesPerFrame), ts: ts, frames: frames})
	return contiguous, nil
}

// flush moves as much of the backlog into the ring as fits, oldest first.
// Queued blocks the buffer refuses are dropped.
func (sb *StreamBuffer) flush() {
	for sb.backlog.Length() > 0 {
		p := sb.backlog.Peek().(*pending)
		err := sb.buf.Append(p.buf, p.ts, p.frames)
		if errors.Is(err, cursorbuf.ErrInsufficientSpace) {
			return
		}
		sb.backlog.Remove()
		if err != nil {
			sb.dropped.Add(1)
			continue
		}
		sb.appended.Add(1)
	}
}

// Read fills dst with frames starting at the stream's playhead and advances
// the playhead by frames. It returns how many leading frames of dst hold
// audio. Nothing plays until LatencyFrames are buffered; after the stream
// runs dry it primes again.
func (sb *StreamBuffer) Read(dst segment.Buffer, frames int) int {
	b := sb.buf
	if !sb.primed {
		first, ok := b.Start()
		if !ok || sb.buffered(first) < float64(sb.latency) {
			return 0
		}
		sb.playhead = first.Timestamp().SampleTime
		sb.primed = true
	}

	n := b.ReadAt(dst, sb.playhead, frames)
	if n == 0 {
		first, ok := b.Start()
		switch {
		case !ok:
			sb.primed = false
			sb.underruns.Add(1)
			return 0
		case first.Timestamp().SampleTime > sb.playhead+float64(sb.latency),
			first.Timestamp().SampleTime+float64(max(sb.latency, frames)) < sb.playhead:
			// The sender jumped ahead, or restarted its timeline behind us.
			sb.playhead = first.Timestamp().SampleTime
			sb.resyncs.Add(1)
			n = b.ReadAt(dst, sb.playhead, frames)
		}
	}
	if n < frames {
		sb.underruns.Add(1)
	}

	sb.playhead += float64(frames)
	b.ConsumeUntil(sb.playhead)
	return n
}

// Playhead returns the sample time the next Read starts at. Consumer only.
func (sb *StreamBuffer) Playhead() (float64, bool) {
	return sb.playhead, sb.primed
}

// buffered walks from first to the newest segment and returns the span of
// sample time they cover.
func (sb *StreamBuffer) buffered(first segment.Segment) float64 {
	last := first
	for {
		seg, ok := sb.buf.Advance()
		if !ok {
			break
		}
		last = seg
	}
	return last.EndSampleTime() - first.Timestamp().SampleTime
}

func (sb *StreamBuffer) LastWrite() time.Time {
	return time.Unix(0, sb.lastWrite.Load())
}

func (sb *StreamBuffer) Stats() Stats {
	return Stats{
		SSRC:            sb.SSRC,
		Appended:        sb.appended.Load(),
		Discontinuities: sb.discontinuities.Load(),
		Dropped:         sb.dropped.Load(),
		Underruns:       sb.underruns.Load(),
		Resyncs:         sb.resyncs.Load(),
		BufferedBytes:   sb.buf.Len(),
	}
}

func clone(pcm segment.Buffer, frames, bytesPerFrame int) segment.Buffer {
	n := frames * bytesPerFrame
	out := make(segment.Buffer, len(pcm))
	for c, ch := range pcm {
		out[c] = make([]byte, n)
		copy(out[c], ch)
	}
	return out
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
