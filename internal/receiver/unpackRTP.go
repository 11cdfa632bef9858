package receiver

import (
	"context"

	"audiocursor/internal/pipeline"
	rtputils "audiocursor/internal/utils/rtp"
)

type UnpackRTPStage struct {
	receiver *Receiver
}

func (r *Receiver) UnpackRTPStage() pipeline.TypedStage[[]byte, *rtpPacket] {
	return &UnpackRTPStage{receiver: r}
}

func (c *UnpackRTPStage) Process(ctx context.Context, in <-chan []byte) (<-chan *rtpPacket, error) {
	return c.receiver.unpackRTP(ctx, in)
}

type rtpPacket struct {
	*rtputils.RTPPacket
	lost int
}

func (r *Receiver) unpackRTP(ctx context.Context, in <-chan []byte) (<-chan *rtpPacket, error) {
	out := make(chan *rtpPacket, 20)

	depacketizer := rtputils.NewOpusDepacketizer(rtputils.DefaultOpusConfig().PayloadType)

	go func() {
		defer close(out)

		for {
			select {
			case <-ctx.Done():
				return
			case data, ok := <-in:
				if !ok {
					return
				}

				packet, lost, err := depacketizer.Depacketize(data)
				if err != nil {
					r.log.Debug("depacketize failed", "error", err)
					continue
				}
				if lost > 0 {
					r.log.Debug("packets lost", "ssrc", packet.SSRC, "lost", lost, "sequence", packet.Sequence)
				}

				for _, ssrc := range depacketizer.ForgetIdle(packet.ReceivedAt.Add(-r.streamTimeout)) {
					r.log.Info("stream went quiet", "ssrc", ssrc)
				}

				select {
				case <-ctx.Done():
					return
				case out <- &rtpPacket{RTPPacket: packet, lost: lost}:
				}
			}
		}
	}()
	return out, nil
}
