package receiver

import (
	"fmt"

	"github.com/gordonklaus/portaudio"
)

func (r *Receiver) startPlayback() (*portaudio.Stream, error) {
	stream, err := portaudio.OpenDefaultStream(0, r.Channels, r.SampleRate, r.FrameSize, r.audioCallback)
	if err != nil {
		return nil, fmt.Errorf("stream creation error: %w", err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("stream start error: %w", err)
	}
	return stream, nil
}

// audioCallback runs on the audio thread and must not lock or allocate.
func (r *Receiver) audioCallback(out [][]float32) {
	r.mixer.Begin(out)
	if len(out) == 0 {
		return
	}
	frames := min(len(out[0]), r.FrameSize)

	for _, stream := range r.audioBuffer.Streams() {
		if n := stream.Read(r.mixer.Scratch(), frames); n > 0 {
			r.mixer.Accumulate(out, n)
		}
	}
}
