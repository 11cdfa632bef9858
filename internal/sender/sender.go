package sender

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	worker "audiocursor/internal"
	"audiocursor/internal/config"
	"audiocursor/internal/cursorbuf"
	"audiocursor/internal/pipeline"
	"audiocursor/internal/segment"
)

type frame struct {
	sampleTime float64
	frames     int
	planar     [][]float32
	pcm        []int16
	payload    []byte
}

type Sender struct {
	worker.BaseEntity
	worker.AudioEntity
	bitrate   int
	mtu       uint16
	tolerance float64
	log       *slog.Logger

	// capture is written by the input callback and read by the record stage.
	capture *cursorbuf.Buffer

	// Owned by the input callback.
	block      segment.Buffer
	nextSample float64

	captured        atomic.Uint64
	dropped         atomic.Uint64
	discontinuities atomic.Uint64
}

func New(cfg *config.Config, log *slog.Logger) (*Sender, error) {
	s := &Sender{
		BaseEntity:  worker.NewBaseEntity(cfg),
		AudioEntity: worker.NewAudioEntity(cfg),
		bitrate:     cfg.Audio.Bitrate,
		mtu:         cfg.Network.MTU,
		tolerance:   cfg.Buffer.ContinuityTolerance,
		log:         log.With("worker", "sender"),
	}

	capture, err := cursorbuf.New(s.Format(), cfg.Buffer.Frames, worker.BufferOptions(cfg.Buffer)...)
	if err != nil {
		return nil, fmt.Errorf("capture buffer: %w", err)
	}
	s.capture = capture
	s.block = make(segment.Buffer, s.Channels)
	return s, nil
}

func (s *Sender) Start(ctx context.Context, wg *sync.WaitGroup) error {
	defer s.capture.Close()

	s.log.Info("sender started",
		"peers", s.Peers,
		"port", s.Port,
		"sample_rate", s.SampleRate,
		"frame_size", s.FrameSize,
		"channels", s.Channels)

	statsTicker := time.NewTicker(5 * time.Second)
	defer statsTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-statsTicker.C:
				s.log.Debug("capture stats",
					"captured", s.captured.Load(),
					"dropped", s.dropped.Load(),
					"discontinuities", s.discontinuities.Load(),
					"buffered_bytes", s.capture.Len())
			}
		}
	}()

	pipeline.NewPipeline(ctx).
		AddStage(pipeline.Wrap("record", s.RecordMicrophoneStage(), s.log)).
		AddStage(pipeline.Wrap("convert", s.ConvertToPCMStage(), s.log)).
		AddStage(pipeline.Wrap("encode", s.EncodeOpusStage(), s.log)).
		AddStage(pipeline.Wrap("packetize", s.PackAsRTPStage(), s.log)).
		AddStage(pipeline.Wrap("send", s.SendUDPStage(), s.log)).
		Wait()

	if ctx.Err() == nil {
		return errors.New("sender pipeline stopped unexpectedly")
	}
	s.log.Info("sender stopped")
	return nil
}
