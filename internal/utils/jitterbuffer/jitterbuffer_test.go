package jitterbuffer

import (
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"audiocursor/internal/cursorbuf"
	"audiocursor/internal/segment"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Add(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testConfig() Config {
	return Config{
		Format:          segment.Format{Channels: 1, BytesPerFrame: 4, SampleRate: 48000},
		CapacityFrames:  100,
		LatencyFrames:   0,
		Tolerance:       0.5,
		BacklogSegments: 2,
		MaxStreams:      2,
	}
}

func newTestBuffer(t *testing.T, config Config) (*JitterBuffer, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1000, 0)}
	jb := NewJitterBuffer(config)
	jb.now = clock.Now
	t.Cleanup(jb.Close)
	return jb, clock
}

func mustStream(t *testing.T, jb *JitterBuffer, ssrc uint32) *StreamBuffer {
	t.Helper()
	sb, err := jb.Stream(ssrc)
	if err != nil {
		t.Fatalf("Stream(%d) failed: %v", ssrc, err)
	}
	return sb
}

// block returns frames of mono audio whose samples equal their sample time.
func block(start float64, frames int) (segment.Buffer, segment.Timestamp) {
	samples := make([]float32, frames)
	for i := range samples {
		samples[i] = float32(start) + float32(i)
	}
	return segment.Buffer{segment.Float32Bytes(samples)}, segment.Timestamp{SampleTime: start}
}

func write(t *testing.T, sb *StreamBuffer, start float64, frames int) bool {
	t.Helper()
	pcm, ts := block(start, frames)
	contiguous, err := sb.Write(pcm, ts, frames)
	if err != nil {
		t.Fatalf("Write(%v) failed: %v", start, err)
	}
	return contiguous
}

func newDst(frames int) segment.Buffer {
	return segment.Buffer{segment.Float32Bytes(make([]float32, frames))}
}

func TestStream_EvictsLeastRecentlyWritten(t *testing.T) {
	jb, clock := newTestBuffer(t, testConfig())

	first := mustStream(t, jb, 1)
	clock.Add(time.Second)
	mustStream(t, jb, 2)
	clock.Add(time.Second)
	write(t, first, 0, 10)

	if again := mustStream(t, jb, 1); again != first {
		t.Error("Stream should return the existing buffer for a known SSRC")
	}

	mustStream(t, jb, 3)
	if got := jb.GetActiveStreams(); !slices.Equal(got, []uint32{1, 3}) {
		t.Errorf("expected streams [1 3], got %v", got)
	}

	var snapshot []uint32
	for _, sb := range jb.Streams() {
		snapshot = append(snapshot, sb.SSRC)
	}
	if !slices.Equal(snapshot, []uint32{1, 3}) {
		t.Errorf("expected snapshot [1 3], got %v", snapshot)
	}
}

func TestStreams_SnapshotIsStable(t *testing.T) {
	jb, _ := newTestBuffer(t, testConfig())
	mustStream(t, jb, 1)
	mustStream(t, jb, 2)

	before := jb.Streams()
	jb.RemoveStream(1)

	if len(before) != 2 {
		t.Errorf("an earlier snapshot should not change, got %d streams", len(before))
	}
	if len(jb.Streams()) != 1 {
		t.Errorf("expected 1 stream after removal, got %d", len(jb.Streams()))
	}
}

func TestCleanup(t *testing.T) {
	jb, clock := newTestBuffer(t, testConfig())

	mustStream(t, jb, 1)
	second := mustStream(t, jb, 2)
	clock.Add(8 * time.Second)
	write(t, second, 0, 10)
	clock.Add(3 * time.Second)

	// The audio callback is still iterating this set.
	held := jb.Streams()

	removed := jb.Cleanup(10 * time.Second)
	if !slices.Equal(removed, []uint32{1}) {
		t.Errorf("expected [1] removed, got %v", removed)
	}
	if got := jb.GetActiveStreams(); !slices.Equal(got, []uint32{2}) {
		t.Errorf("expected [2] active, got %v", got)
	}
	if len(jb.retired) != 1 {
		t.Fatalf("expected the removed stream to wait for release, got %d", len(jb.retired))
	}

	jb.Cleanup(10 * time.Second)
	if len(jb.retired) != 1 || held[0].buf.AvailableSpace() == 0 {
		t.Fatal("storage must stay until the callback has moved to a newer set")
	}

	jb.Streams()
	jb.Cleanup(10 * time.Second)
	if len(jb.retired) != 0 {
		t.Errorf("retired streams should be released once unreachable, %d left", len(jb.retired))
	}
	if held[0].buf.AvailableSpace() != 0 {
		t.Error("expected the retired stream's storage to be released")
	}
}

func TestWrite_Contiguity(t *testing.T) {
	jb, _ := newTestBuffer(t, testConfig())
	sb := mustStream(t, jb, 7)

	if !write(t, sb, 0, 10) {
		t.Error("the first write is contiguous")
	}
	if !write(t, sb, 10, 10) {
		t.Error("ts 10 continues [0, 10)")
	}
	if write(t, sb, 25, 10) {
		t.Error("ts 25 after [10, 20) is a discontinuity")
	}

	stats := sb.Stats()
	if stats.Appended != 3 || stats.Discontinuities != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestWrite_Backlog(t *testing.T) {
	jb, _ := newTestBuffer(t, testConfig())
	sb := mustStream(t, jb, 7)

	// 512 bytes of ring hold seven 72-byte segments.
	for i := 0; i < 10; i++ {
		if !write(t, sb, float64(i*10), 10) {
			t.Fatalf("write %d should be contiguous", i)
		}
	}
	stats := sb.Stats()
	if stats.Appended != 7 || stats.Dropped != 1 {
		t.Fatalf("expected 7 appended and 1 dropped, got %+v", stats)
	}
	if sb.backlog.Length() != 2 {
		t.Fatalf("expected 2 queued, got %d", sb.backlog.Length())
	}

	dst := newDst(10)
	if n := sb.Read(dst, 10); n != 10 {
		t.Fatalf("expected 10 frames, got %d", n)
	}

	write(t, sb, 100, 10)
	stats = sb.Stats()
	if stats.Appended != 8 || stats.Dropped != 1 {
		t.Errorf("expected the oldest queued block to flush, got %+v", stats)
	}
	if sb.backlog.Length() != 2 {
		t.Errorf("expected 2 queued, got %d", sb.backlog.Length())
	}
	if seg, ok := sb.buf.Seek(80); !ok || seg.Timestamp().SampleTime != 80 {
		t.Error("block 80 should have moved from the backlog into the ring")
	}
}

func TestWrite_NoBacklogDrops(t *testing.T) {
	config := testConfig()
	config.BacklogSegments = 0
	jb, _ := newTestBuffer(t, config)
	sb := mustStream(t, jb, 7)

	for i := 0; i < 9; i++ {
		write(t, sb, float64(i*10), 10)
	}
	if stats := sb.Stats(); stats.Appended != 7 || stats.Dropped != 2 {
		t.Errorf("expected 7 appended and 2 dropped, got %+v", stats)
	}
}

func TestRead_PrimesAtLatency(t *testing.T) {
	config := testConfig()
	config.LatencyFrames = 30
	jb, _ := newTestBuffer(t, config)
	sb := mustStream(t, jb, 7)
	dst := newDst(10)

	write(t, sb, 0, 10)
	write(t, sb, 10, 10)
	if n := sb.Read(dst, 10); n != 0 {
		t.Fatalf("should not play before 30 frames are buffered, got %d", n)
	}
	if _, primed := sb.Playhead(); primed {
		t.Fatal("should not be primed yet")
	}

	write(t, sb, 20, 10)
	if n := sb.Read(dst, 10); n != 10 {
		t.Fatalf("expected 10 frames once primed, got %d", n)
	}
	for i, v := range segment.Float32s(dst[0]) {
		if v != float32(i) {
			t.Fatalf("frame %d: got %v, want %v", i, v, float32(i))
		}
	}
	if playhead, primed := sb.Playhead(); !primed || playhead != 10 {
		t.Errorf("expected playhead 10, got %v (primed %v)", playhead, primed)
	}
	if _, ok := sb.buf.Seek(5); ok {
		t.Error("the played segment should have been consumed")
	}
}

func TestRead_SpansSegments(t *testing.T) {
	jb, _ := newTestBuffer(t, testConfig())
	sb := mustStream(t, jb, 7)
	dst := newDst(15)

	write(t, sb, 0, 10)
	write(t, sb, 10, 10)
	if n := sb.Read(dst, 15); n != 15 {
		t.Fatalf("expected 15 frames, got %d", n)
	}
	if got := segment.Float32s(dst[0])[14]; got != 14 {
		t.Errorf("frame 14: got %v", got)
	}
	if n := sb.Read(dst, 15); n != 5 {
		t.Errorf("expected the last 5 frames, got %d", n)
	}
	if got := segment.Float32s(dst[0])[0]; got != 15 {
		t.Errorf("expected playback to resume at 15, got %v", got)
	}
}

func TestRead_UnderrunReprimes(t *testing.T) {
	config := testConfig()
	config.LatencyFrames = 10
	jb, _ := newTestBuffer(t, config)
	sb := mustStream(t, jb, 7)
	dst := newDst(10)

	write(t, sb, 0, 10)
	if n := sb.Read(dst, 10); n != 10 {
		t.Fatalf("expected 10 frames, got %d", n)
	}
	if n := sb.Read(dst, 10); n != 0 {
		t.Fatalf("expected underrun, got %d", n)
	}
	if _, primed := sb.Playhead(); primed {
		t.Error("a drained stream should prime again")
	}
	if sb.Stats().Underruns != 1 {
		t.Errorf("expected 1 underrun, got %d", sb.Stats().Underruns)
	}

	write(t, sb, 10, 10)
	if n := sb.Read(dst, 10); n != 10 {
		t.Errorf("expected playback to resume, got %d", n)
	}
}

func TestRead_ResyncAfterJump(t *testing.T) {
	config := testConfig()
	config.LatencyFrames = 10
	jb, _ := newTestBuffer(t, config)
	sb := mustStream(t, jb, 7)
	dst := newDst(10)

	write(t, sb, 0, 10)
	sb.Read(dst, 10)
	write(t, sb, 1000, 10)
	write(t, sb, 1010, 10)

	if n := sb.Read(dst, 10); n != 10 {
		t.Fatalf("expected 10 frames after resync, got %d", n)
	}
	if got := segment.Float32s(dst[0])[0]; got != 1000 {
		t.Errorf("expected playback at 1000, got %v", got)
	}
	if playhead, _ := sb.Playhead(); playhead != 1010 {
		t.Errorf("expected playhead 1010, got %v", playhead)
	}
	if sb.Stats().Resyncs != 1 {
		t.Errorf("expected 1 resync, got %d", sb.Stats().Resyncs)
	}
}

func TestRead_ResyncAfterBackwardJump(t *testing.T) {
	config := testConfig()
	config.CapacityFrames = 1000
	config.LatencyFrames = 10
	jb, _ := newTestBuffer(t, config)
	sb := mustStream(t, jb, 7)
	dst := newDst(10)

	for i := 0; i < 5; i++ {
		write(t, sb, float64(1000+i*10), 10)
	}
	for i := 0; i < 5; i++ {
		if n := sb.Read(dst, 10); n != 10 {
			t.Fatalf("read %d: expected 10 frames, got %d", i, n)
		}
	}

	// The sender's timeline restarts at 0.
	played := 0
	for i := 0; i < 50; i++ {
		write(t, sb, float64(i*10), 10)
		n := sb.Read(dst, 10)
		if n > 0 && segment.Float32s(dst[0])[0] != float32(i*10) {
			t.Fatalf("block %d: played %v", i, segment.Float32s(dst[0])[0])
		}
		played += n
	}
	if played != 500 {
		t.Errorf("expected all 500 frames after the jump to play, got %d", played)
	}
	if sb.Stats().Resyncs != 1 {
		t.Errorf("expected 1 resync, got %d", sb.Stats().Resyncs)
	}
	if playhead, _ := sb.Playhead(); playhead != 500 {
		t.Errorf("expected playhead 500, got %v", playhead)
	}
}

func TestRead_LateBlockIsDiscarded(t *testing.T) {
	config := testConfig()
	config.LatencyFrames = 20
	jb, _ := newTestBuffer(t, config)
	sb := mustStream(t, jb, 7)
	dst := newDst(10)

	write(t, sb, 0, 10)
	write(t, sb, 10, 10)
	sb.Read(dst, 10)
	sb.Read(dst, 10)
	write(t, sb, 15, 10)

	if n := sb.Read(dst, 10); n != 5 {
		t.Fatalf("expected the 5 frames still ahead of the playhead, got %d", n)
	}
	if sb.Stats().Resyncs != 0 {
		t.Error("a slightly late block should not move the playhead back")
	}
}

func TestWrite_RefusedBlocksAreDropped(t *testing.T) {
	config := testConfig()
	config.Options = []cursorbuf.Option{cursorbuf.WithMonotonicTimestamps()}
	jb, _ := newTestBuffer(t, config)
	sb := mustStream(t, jb, 7)

	for i := 0; i < 8; i++ {
		write(t, sb, float64(i*10), 10)
	}
	// Queued behind block 70, then refused by the ring once space frees up.
	pcm, ts := block(5, 10)
	if _, err := sb.Write(pcm, ts, 10); err != nil {
		t.Fatalf("a queued block should not fail yet: %v", err)
	}

	dst := newDst(10)
	sb.Read(dst, 10)
	pcm, ts = block(80, 10)
	if _, err := sb.Write(pcm, ts, 10); err != nil {
		t.Fatalf("a refused queued block should not fail the next write: %v", err)
	}
	stats := sb.Stats()
	if stats.Appended != 8 || stats.Dropped != 1 {
		t.Errorf("expected 8 appended and 1 dropped, got %+v", stats)
	}
	if sb.backlog.Length() != 1 {
		t.Errorf("expected block 80 queued, got %d", sb.backlog.Length())
	}

	direct := mustStream(t, jb, 8)
	write(t, direct, 100, 10)
	pcm, ts = block(50, 10)
	if _, err := direct.Write(pcm, ts, 10); !errors.Is(err, cursorbuf.ErrNonMonotonic) {
		t.Fatalf("expected ErrNonMonotonic, got %v", err)
	}
	if direct.Stats().Dropped != 1 {
		t.Errorf("a refused block should count as dropped, got %+v", direct.Stats())
	}
}

func TestRead_ShortGapPlaysSilence(t *testing.T) {
	config := testConfig()
	config.LatencyFrames = 20
	jb, _ := newTestBuffer(t, config)
	sb := mustStream(t, jb, 7)
	dst := newDst(10)

	write(t, sb, 0, 10)
	write(t, sb, 10, 10)
	sb.Read(dst, 10)
	write(t, sb, 30, 10)

	if n := sb.Read(dst, 10); n != 10 {
		t.Fatalf("expected frames 10..19, got %d", n)
	}
	if n := sb.Read(dst, 10); n != 0 {
		t.Fatalf("expected silence for the missing block, got %d", n)
	}
	if n := sb.Read(dst, 10); n != 10 {
		t.Fatalf("expected frames 30..39, got %d", n)
	}
	if got := segment.Float32s(dst[0])[0]; got != 30 {
		t.Errorf("expected playback at 30, got %v", got)
	}
	if sb.Stats().Resyncs != 0 {
		t.Error("a gap shorter than the latency should not resync")
	}
}

func TestStream_ConcurrentWriteRead(t *testing.T) {
	config := testConfig()
	config.CapacityFrames = 2000
	config.BacklogSegments = 16
	jb := NewJitterBuffer(config)
	defer jb.Close()
	sb, err := jb.Stream(1)
	if err != nil {
		t.Fatal(err)
	}

	const blocks = 5000
	var done sync.WaitGroup
	done.Add(1)
	go func() {
		defer done.Done()
		for i := 0; i < blocks; i++ {
			pcm, ts := block(float64(i*32), 32)
			if _, err := sb.Write(pcm, ts, 32); err != nil {
				t.Errorf("Write failed: %v", err)
				return
			}
		}
	}()

	finished := make(chan struct{})
	go func() {
		done.Wait()
		close(finished)
	}()

	dst := newDst(48)
	for {
		n := sb.Read(dst, 48)
		samples := segment.Float32s(dst[0])
		for i := 1; i < n; i++ {
			if samples[i] != samples[i-1]+1 {
				t.Fatalf("frames out of order at %d: %v then %v", i, samples[i-1], samples[i])
			}
		}
		select {
		case <-finished:
			if sb.buf.Len() == 0 {
				return
			}
		default:
		}
	}
}
