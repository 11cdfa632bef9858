// Package pcm converts between the float32 non-interleaved blocks audio
// callbacks use and the int16 interleaved frames opus works on.
package pcm

const scale = 32767.0

// Interleave writes frames of planar into dst as interleaved int16 and
// returns the number of samples written. Samples outside [-1, 1] saturate.
func Interleave(dst []int16, planar [][]float32, frames int) int {
	channels := len(planar)
	n := 0
	for i := 0; i < frames && n+channels <= len(dst); i++ {
		for c := 0; c < channels; c++ {
			dst[n] = toInt16(planar[c][i])
			n++
		}
	}
	return n
}

// Deinterleave splits frames of interleaved int16 into planar float32 and
// returns the number of frames written.
func Deinterleave(planar [][]float32, src []int16, frames int) int {
	channels := len(planar)
	if channels == 0 {
		return 0
	}
	frames = min(frames, len(src)/channels)
	for c := range planar {
		frames = min(frames, len(planar[c]))
	}
	for i := 0; i < frames; i++ {
		for c := 0; c < channels; c++ {
			planar[c][i] = float32(src[i*channels+c]) / scale
		}
	}
	return frames
}

func toInt16(sample float32) int16 {
	switch {
	case sample >= 1.0:
		return 32767
	case sample <= -1.0:
		return -32767
	default:
		return int16(sample * scale)
	}
}
