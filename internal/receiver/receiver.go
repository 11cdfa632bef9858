package receiver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	worker "audiocursor/internal"
	"audiocursor/internal/config"
	"audiocursor/internal/mixer"
	"audiocursor/internal/pipeline"
	"audiocursor/internal/utils/jitterbuffer"
)

const statsInterval = 5 * time.Second

type Receiver struct {
	worker.BaseEntity
	worker.AudioEntity
	mtu           uint16
	streamTimeout time.Duration
	log           *slog.Logger

	audioBuffer *jitterbuffer.JitterBuffer
	mixer       *mixer.Mixer
}

func New(cfg *config.Config, log *slog.Logger) *Receiver {
	r := &Receiver{
		BaseEntity:    worker.NewBaseEntity(cfg),
		AudioEntity:   worker.NewAudioEntity(cfg),
		mtu:           cfg.Network.MTU,
		streamTimeout: cfg.StreamTimeout(),
		log:           log.With("worker", "receiver"),
	}

	r.audioBuffer = jitterbuffer.NewJitterBuffer(jitterbuffer.Config{
		Format:          r.Format(),
		CapacityFrames:  cfg.Buffer.Frames,
		LatencyFrames:   cfg.Buffer.LatencyFrames,
		Tolerance:       cfg.Buffer.ContinuityTolerance,
		BacklogSegments: cfg.Buffer.BacklogSegments,
		MaxStreams:      cfg.Buffer.MaxStreams,
		Options:         worker.BufferOptions(cfg.Buffer),
	})
	r.mixer = mixer.New(r.Channels, r.FrameSize)
	return r
}

func (r *Receiver) Start(ctx context.Context, wg *sync.WaitGroup) error {
	defer r.audioBuffer.Close()

	r.log.Info("receiver started",
		"port", r.Port,
		"sample_rate", r.SampleRate,
		"frame_size", r.FrameSize,
		"channels", r.Channels)

	stream, err := r.startPlayback()
	if err != nil {
		return err
	}
	defer func() {
		stream.Stop()
		stream.Close()
	}()

	pipeline.NewPipeline(ctx).
		AddStage(pipeline.Wrap("receive", r.ReceiveUDPStage(), r.log)).
		AddStage(pipeline.Wrap("depacketize", r.UnpackRTPStage(), r.log)).
		AddStage(pipeline.Wrap("decode", r.DecodeOpusStage(), r.log)).
		AddStage(pipeline.Wrap("buffer", r.AudioProcessorStage(), r.log)).
		Wait()

	if ctx.Err() == nil {
		return errors.New("receiver pipeline stopped unexpectedly")
	}
	r.log.Info("receiver stopped")
	return nil
}

func (r *Receiver) logStats() {
	for _, st := range r.audioBuffer.Stats() {
		r.log.Debug("stream stats",
			"ssrc", st.SSRC,
			"appended", st.Appended,
			"discontinuities", st.Discontinuities,
			"dropped", st.Dropped,
			"underruns", st.Underruns,
			"resyncs", st.Resyncs,
			"buffered_bytes", st.BufferedBytes)
	}
}

func listenAddr(port string) string {
	return fmt.Sprintf(":%s", port)
}
