package receiver

import (
	"context"
	"time"

	"audiocursor/internal/pipeline"
)

type audioProcessorStage struct {
	receiver *Receiver
}

func (r *Receiver) AudioProcessorStage() pipeline.TypedStage[*opusData, struct{}] {
	return &audioProcessorStage{receiver: r}
}

func (r *audioProcessorStage) Process(ctx context.Context, in <-chan *opusData) (<-chan struct{}, error) {
	return r.receiver.audioProcessor(ctx, in)
}

func (r *Receiver) audioProcessor(ctx context.Context, in <-chan *opusData) (<-chan struct{}, error) {
	out := make(chan struct{})

	cleanupTicker := time.NewTicker(r.streamTimeout / 2)
	statsTicker := time.NewTicker(statsInterval)

	go func() {
		defer func() {
			cleanupTicker.Stop()
			statsTicker.Stop()
			close(out)
		}()

		for {
			select {
			case <-ctx.Done():
				return

			case od, ok := <-in:
				if !ok {
					return
				}

				stream, err := r.audioBuffer.Stream(od.SSRC)
				if err != nil {
					r.log.Warn("no buffer for stream", "ssrc", od.SSRC, "error", err)
					continue
				}

				contiguous, err := stream.Write(od.Audio, od.Timestamp, od.Frames)
				if err != nil {
					r.log.Warn("buffer write failed", "ssrc", od.SSRC, "error", err)
					continue
				}
				if !contiguous {
					r.log.Debug("stream discontinuity", "ssrc", od.SSRC, "sample_time", od.Timestamp.SampleTime)
				}

			case <-cleanupTicker.C:
				for _, ssrc := range r.audioBuffer.Cleanup(r.streamTimeout) {
					r.log.Info("stream removed", "ssrc", ssrc)
				}

			case <-statsTicker.C:
				r.logStats()
			}
		}
	}()
	return out, nil
}
