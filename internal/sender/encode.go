package sender

import (
	"context"
	"fmt"

	"github.com/hraban/opus"

	"audiocursor/internal/pipeline"
)

const maxOpusPacket = 1275

type encodeOpusStage struct {
	sender *Sender
}

func (s *Sender) EncodeOpusStage() pipeline.TypedStage[*frame, *frame] {
	return &encodeOpusStage{sender: s}
}

func (c *encodeOpusStage) Process(ctx context.Context, in <-chan *frame) (<-chan *frame, error) {
	return c.sender.encodeOpus(ctx, in)
}

func (s *Sender) encodeOpus(ctx context.Context, in <-chan *frame) (<-chan *frame, error) {
	out := make(chan *frame, 20)
	encoder, err := opus.NewEncoder(int(s.SampleRate), s.Channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}
	if err := encoder.SetBitrate(s.bitrate); err != nil {
		return nil, fmt.Errorf("failed to set bitrate %d: %w", s.bitrate, err)
	}

	go func() {
		defer close(out)

		encoded := make([]byte, maxOpusPacket)
		for {
			select {
			case <-ctx.Done():
				return
			case f, ok := <-in:
				if !ok {
					return
				}

				n, err := encoder.Encode(f.pcm, encoded)
				if err != nil {
					s.log.Warn("encode failed", "sample_time", f.sampleTime, "error", err)
					continue
				}
				f.payload = append([]byte(nil), encoded[:n]...)

				select {
				case <-ctx.Done():
					return
				case out <- f:
				}
			}
		}
	}()

	return out, nil
}
