package mixer

import "audiocursor/internal/segment"

// Mixer sums blocks from several streams into one output block with
// saturation. It owns a scratch block the caller reads each stream into, so
// mixing inside an audio callback does not allocate.
type Mixer struct {
	channels  int
	frameSize int
	scratch   segment.Buffer
	active    int
}

func New(channels, frameSize int) *Mixer {
	scratch := make(segment.Buffer, channels)
	for c := range scratch {
		scratch[c] = segment.Float32Bytes(make([]float32, frameSize))
	}
	return &Mixer{
		channels:  channels,
		frameSize: frameSize,
		scratch:   scratch,
	}
}

// Begin silences out and starts a new mix.
func (m *Mixer) Begin(out [][]float32) {
	for _, ch := range out {
		clear(ch)
	}
	m.active = 0
}

// Scratch is where the next stream block should be read to.
func (m *Mixer) Scratch() segment.Buffer {
	return m.scratch
}

// Accumulate adds the first frames of the scratch block into out.
func (m *Mixer) Accumulate(out [][]float32, frames int) {
	if frames <= 0 {
		return
	}
	channels := min(len(out), m.channels)
	for c := 0; c < channels; c++ {
		in := segment.Float32s(m.scratch[c])
		n := min(frames, len(out[c]), len(in))
		for i := 0; i < n; i++ {
			out[c][i] = clamp(out[c][i] + in[i])
		}
	}
	m.active++
}

// Active returns how many streams contributed since Begin.
func (m *Mixer) Active() int {
	return m.active
}

func clamp(v float32) float32 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}
