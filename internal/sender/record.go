package sender

import (
	"context"
	"fmt"
	"time"

	"github.com/gordonklaus/portaudio"

	"audiocursor/internal/pipeline"
	"audiocursor/internal/segment"
)

type recordMicrophoneStage struct {
	sender *Sender
}

func (s *Sender) RecordMicrophoneStage() pipeline.TypedStage[any, *frame] {
	return &recordMicrophoneStage{sender: s}
}

func (r *recordMicrophoneStage) Process(ctx context.Context, in <-chan any) (<-chan *frame, error) {
	return r.sender.recordMicrophone(ctx)
}

func (s *Sender) recordMicrophone(ctx context.Context) (<-chan *frame, error) {
	out := make(chan *frame, 20)
	stream, err := portaudio.OpenDefaultStream(s.Channels, 0, s.SampleRate, s.FrameSize, s.captureCallback)
	if err != nil {
		return nil, fmt.Errorf("stream creation error: %w", err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("stream start error: %w", err)
	}

	ticker := time.NewTicker(s.FrameDuration() / 2)

	go func() {
		defer func() {
			stream.Stop()
			stream.Close()
			ticker.Stop()
			close(out)
			s.log.Info("recording stopped")
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !s.drain(ctx, out) {
					return
				}
			}
		}
	}()
	return out, nil
}

// captureCallback runs on the audio thread. It must not block or allocate.
func (s *Sender) captureCallback(in [][]float32, info portaudio.StreamCallbackTimeInfo, flags portaudio.StreamCallbackFlags) {
	if len(in) == 0 || len(in[0]) == 0 {
		return
	}
	frames := len(in[0])

	// The driver lost at least one block.
	if flags&portaudio.InputOverflow != 0 {
		s.nextSample += float64(s.FrameSize)
	}

	ts := segment.Timestamp{
		SampleTime: s.nextSample,
		HostTime:   uint64(info.InputBufferAdcTime),
	}
	if !s.capture.IsContiguous(ts.SampleTime, s.tolerance) {
		s.discontinuities.Add(1)
	}

	for c := range s.block {
		s.block[c] = segment.Float32Bytes(in[c])
	}
	if err := s.capture.Append(s.block, ts, frames); err != nil {
		s.dropped.Add(1)
	} else {
		s.captured.Add(1)
	}
	s.nextSample += float64(frames)
}

// drain reports false once ctx is done.
func (s *Sender) drain(ctx context.Context, out chan<- *frame) bool {
	seg, ok := s.capture.Current()
	if !ok {
		seg, ok = s.capture.Start()
	}

	for ok {
		f := s.copyFrame(seg)
		_, more := s.capture.Advance()
		s.capture.Consume()

		select {
		case <-ctx.Done():
			return false
		case out <- f:
		}

		if !more {
			return true
		}
		seg, ok = s.capture.Current()
	}
	return true
}

func (s *Sender) copyFrame(seg segment.Segment) *frame {
	f := &frame{
		sampleTime: seg.Timestamp().SampleTime,
		frames:     seg.FrameCount(),
		planar:     make([][]float32, seg.NumChannels()),
	}
	for c := range f.planar {
		f.planar[c] = append([]float32(nil), segment.Float32s(seg.Channel(c))...)
	}
	return f
}
