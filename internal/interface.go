package worker

import (
	"context"
	"sync"
	"time"

	"audiocursor/internal/config"
	"audiocursor/internal/cursorbuf"
	"audiocursor/internal/segment"
)

// Samples travel between workers and audio callbacks as non-interleaved
// float32.
const bytesPerSample = 4

type BaseEntity struct {
	Peers []string
	Port  string
}

type AudioEntity struct {
	SampleRate float64
	FrameSize  int
	Channels   int
}

func NewBaseEntity(cfg *config.Config) BaseEntity {
	return BaseEntity{
		Peers: cfg.Network.Peers,
		Port:  cfg.Network.Port,
	}
}

func NewAudioEntity(cfg *config.Config) AudioEntity {
	return AudioEntity{
		SampleRate: cfg.Audio.SampleRate,
		FrameSize:  cfg.Audio.FrameSize,
		Channels:   cfg.Audio.Channels,
	}
}

func (a AudioEntity) Format() segment.Format {
	return segment.Format{
		Channels:      a.Channels,
		BytesPerFrame: bytesPerSample,
		SampleRate:    a.SampleRate,
	}
}

func (a AudioEntity) FrameDuration() time.Duration {
	return time.Duration(float64(a.FrameSize) * float64(time.Second) / a.SampleRate)
}

// BufferOptions maps buffer settings onto cursor buffer options.
func BufferOptions(cfg config.BufferConfig) []cursorbuf.Option {
	var opts []cursorbuf.Option
	if cfg.StrictTimestamps {
		opts = append(opts, cursorbuf.WithMonotonicTimestamps())
	}
	if cfg.LockMemory {
		opts = append(opts, cursorbuf.WithLockedMemory())
	}
	return opts
}

type Worker interface {
	Start(ctx context.Context, wg *sync.WaitGroup) error
}
