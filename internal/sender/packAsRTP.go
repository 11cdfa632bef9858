package sender

import (
	"context"

	"audiocursor/internal/pipeline"
	rtputils "audiocursor/internal/utils/rtp"
)

type packAsRTPStage struct {
	sender *Sender
}

func (s *Sender) PackAsRTPStage() pipeline.TypedStage[*frame, []byte] {
	return &packAsRTPStage{sender: s}
}

func (c *packAsRTPStage) Process(ctx context.Context, in <-chan *frame) (<-chan []byte, error) {
	return c.sender.packAsRTP(ctx, in)
}

func (s *Sender) packAsRTP(ctx context.Context, in <-chan *frame) (<-chan []byte, error) {
	out := make(chan []byte, 20)

	rtpConfig := rtputils.DefaultOpusConfig()
	rtpConfig.ClockRate = uint32(s.SampleRate)
	rtpConfig.Mtu = s.mtu
	p := rtputils.NewOpusPacketizer(rtpConfig)
	s.log.Info("rtp stream", "ssrc", rtpConfig.SSRC, "payload_type", rtpConfig.PayloadType)

	go func() {
		defer close(out)

		for {
			select {
			case <-ctx.Done():
				return
			case f, ok := <-in:
				if !ok {
					return
				}

				packet, err := p.Packetize(f.payload, f.frames, f.sampleTime)
				if err != nil {
					s.log.Warn("packetize failed", "sample_time", f.sampleTime, "error", err)
					continue
				}

				select {
				case <-ctx.Done():
					return
				case out <- packet:
				}
			}
		}
	}()
	return out, nil
}
