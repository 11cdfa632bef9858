package segment

import (
	"bytes"
	"testing"
)

func TestSize(t *testing.T) {
	tests := []struct {
		frames, channels, bpf int
		want                  int
	}{
		{frames: 100, channels: 2, bpf: 4, want: 24 + 8 + 2*400},
		{frames: 3, channels: 1, bpf: 2, want: 24 + 8 + 8},
		{frames: 1, channels: 3, bpf: 4, want: 24 + 16 + 3*8},
	}
	for _, tc := range tests {
		got := Size(tc.frames, tc.channels, tc.bpf)
		if got != tc.want {
			t.Errorf("Size(%d, %d, %d) = %d, want %d", tc.frames, tc.channels, tc.bpf, got, tc.want)
		}
		if got%8 != 0 {
			t.Errorf("Size(%d, %d, %d) = %d is not 8-byte aligned", tc.frames, tc.channels, tc.bpf, got)
		}
	}
}

func TestMaxFrames(t *testing.T) {
	for n := 0; n < 512; n++ {
		for _, channels := range []int{1, 2, 3} {
			for _, bpf := range []int{2, 4} {
				frames := MaxFrames(n, channels, bpf)
				if frames > 0 && Size(frames, channels, bpf) > n {
					t.Fatalf("MaxFrames(%d, %d, %d) = %d does not fit", n, channels, bpf, frames)
				}
				if Size(frames+1, channels, bpf) <= n {
					t.Fatalf("MaxFrames(%d, %d, %d) = %d is not maximal", n, channels, bpf, frames)
				}
			}
		}
	}
}

func TestEncodeView(t *testing.T) {
	left := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	right := []byte{21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31, 32}
	ts := Timestamp{SampleTime: 480, HostTime: 123456789}

	dst := make([]byte, 256)
	n, err := Encode(dst, Buffer{left, right}, ts, 3, 4)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if n != Size(3, 2, 4) {
		t.Errorf("expected %d bytes, got %d", Size(3, 2, 4), n)
	}
	if TotalLength(dst) != n {
		t.Errorf("length field %d, want %d", TotalLength(dst), n)
	}

	seg := View(dst, 4)
	if seg.Len() != n {
		t.Errorf("view length %d, want %d", seg.Len(), n)
	}
	if seg.Timestamp() != ts {
		t.Errorf("timestamp %+v, want %+v", seg.Timestamp(), ts)
	}
	if seg.NumChannels() != 2 {
		t.Errorf("expected 2 channels, got %d", seg.NumChannels())
	}
	if seg.FrameCount() != 3 {
		t.Errorf("expected 3 frames, got %d", seg.FrameCount())
	}
	if !bytes.Equal(seg.Channel(0), left) {
		t.Errorf("channel 0 = %v", seg.Channel(0))
	}
	if !bytes.Equal(seg.Channel(1), right) {
		t.Errorf("channel 1 = %v", seg.Channel(1))
	}
	if seg.Channel(2) != nil {
		t.Error("expected nil for out-of-range channel")
	}

	h := seg.Header()
	if h.TotalLength != n || h.FrameCount != 3 || h.Timestamp != ts {
		t.Errorf("unexpected header %+v", h)
	}
}

func TestEncode_CopiesOnlyRequestedFrames(t *testing.T) {
	ch := []byte{1, 1, 2, 2, 3, 3, 4, 4}
	dst := make([]byte, 64)
	if _, err := Encode(dst, Buffer{ch}, Timestamp{}, 2, 2); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	seg := View(dst, 2)
	if !bytes.Equal(seg.Channel(0), []byte{1, 1, 2, 2}) {
		t.Errorf("channel 0 = %v", seg.Channel(0))
	}
}

func TestEncode_Errors(t *testing.T) {
	dst := make([]byte, 64)

	if _, err := Encode(dst, Buffer{make([]byte, 8)}, Timestamp{}, 0, 4); err != ErrInvalidFrame {
		t.Errorf("expected ErrInvalidFrame, got %v", err)
	}
	if _, err := Encode(dst, Buffer{make([]byte, 4)}, Timestamp{}, 2, 4); err != ErrShortChannel {
		t.Errorf("expected ErrShortChannel, got %v", err)
	}
	if _, err := Encode(make([]byte, 16), Buffer{make([]byte, 8)}, Timestamp{}, 2, 4); err != ErrShortDest {
		t.Errorf("expected ErrShortDest, got %v", err)
	}
}

func TestContains(t *testing.T) {
	dst := make([]byte, 1024)
	Encode(dst, Buffer{make([]byte, 400)}, Timestamp{SampleTime: 100}, 100, 4)
	seg := View(dst, 4)

	cases := map[float64]bool{
		99:    false,
		100:   true,
		150.5: true,
		199:   true,
		199.5: false,
		200:   false,
	}
	for sampleTime, want := range cases {
		if got := seg.Contains(sampleTime); got != want {
			t.Errorf("Contains(%v) = %v, want %v", sampleTime, got, want)
		}
	}
	if seg.EndSampleTime() != 200 {
		t.Errorf("expected end 200, got %v", seg.EndSampleTime())
	}
}

func TestZeroSegment(t *testing.T) {
	var seg Segment
	if !seg.IsZero() {
		t.Error("zero segment should report IsZero")
	}
	if seg.Timestamp() != (Timestamp{}) {
		t.Error("zero segment should have zero timestamp")
	}
	if seg.FrameCount() != 0 || seg.Channel(0) != nil || seg.Contains(0) {
		t.Error("zero segment should be empty")
	}
}

func TestFloat32Views(t *testing.T) {
	f := []float32{0.5, -0.25, 1}
	b := Float32Bytes(f)
	if len(b) != 12 {
		t.Fatalf("expected 12 bytes, got %d", len(b))
	}
	back := Float32s(b)
	for i := range f {
		if back[i] != f[i] {
			t.Errorf("sample %d: got %v, want %v", i, back[i], f[i])
		}
	}
	back[1] = 0.75
	if f[1] != 0.75 {
		t.Error("views should alias the same memory")
	}
}

func TestInt16Views(t *testing.T) {
	s := []int16{1, -2, 32767}
	back := Int16s(Int16Bytes(s))
	if len(back) != 3 || back[2] != 32767 || back[1] != -2 {
		t.Errorf("unexpected round trip %v", back)
	}
	if Int16s(nil) != nil || Float32s([]byte{1}) != nil {
		t.Error("short input should yield nil")
	}
}
