package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ModeSend    = "send"
	ModeReceive = "receive"
	ModeBoth    = "both"
)

var ErrInvalid = errors.New("invalid config")

type Config struct {
	Mode    string        `yaml:"mode"`
	Network NetworkConfig `yaml:"network"`
	Audio   AudioConfig   `yaml:"audio"`
	Buffer  BufferConfig  `yaml:"buffer"`
	Logging LoggingConfig `yaml:"logging"`
}

type NetworkConfig struct {
	Peers []string `yaml:"peers"`
	Port  string   `yaml:"port"`
	MTU   uint16   `yaml:"mtu"`
}

type AudioConfig struct {
	SampleRate float64 `yaml:"sample_rate"`
	FrameSize  int     `yaml:"frame_size"`
	Channels   int     `yaml:"channels"`
	Bitrate    int     `yaml:"bitrate"`
}

type BufferConfig struct {
	Frames              int     `yaml:"frames"`
	LatencyFrames       int     `yaml:"latency_frames"`
	ContinuityTolerance float64 `yaml:"continuity_tolerance"`
	BacklogSegments     int     `yaml:"backlog_segments"`
	MaxStreams          int     `yaml:"max_streams"`
	StreamTimeoutMs     int     `yaml:"stream_timeout_ms"`
	LockMemory          bool    `yaml:"lock_memory"`
	StrictTimestamps    bool    `yaml:"strict_timestamps"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

func Default() Config {
	return Config{
		Mode: ModeBoth,
		Network: NetworkConfig{
			Peers: []string{"127.0.0.1"},
			Port:  "4899",
			MTU:   1200,
		},
		Audio: AudioConfig{
			SampleRate: 48000,
			FrameSize:  960,
			Channels:   1,
			Bitrate:    32000,
		},
		Buffer: BufferConfig{
			Frames:              48000,
			LatencyFrames:       2880,
			ContinuityTolerance: 1,
			BacklogSegments:     8,
			MaxStreams:          5,
			StreamTimeoutMs:     10000,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Mode {
	case ModeSend, ModeReceive, ModeBoth:
	default:
		return fmt.Errorf("%w: mode %q", ErrInvalid, c.Mode)
	}
	if c.Network.Port == "" {
		return fmt.Errorf("%w: network.port is empty", ErrInvalid)
	}
	if c.Mode != ModeReceive && len(c.Network.Peers) == 0 {
		return fmt.Errorf("%w: sending needs at least one peer", ErrInvalid)
	}
	if c.Audio.SampleRate <= 0 || c.Audio.FrameSize <= 0 || c.Audio.Channels <= 0 {
		return fmt.Errorf("%w: audio sample_rate, frame_size and channels must be positive", ErrInvalid)
	}
	if !opusRate(c.Audio.SampleRate) {
		return fmt.Errorf("%w: opus cannot run at %v Hz", ErrInvalid, c.Audio.SampleRate)
	}
	if !opusFrame(c.Audio.SampleRate, c.Audio.FrameSize) {
		return fmt.Errorf("%w: frame_size %d is not a 2.5, 5, 10, 20, 40 or 60 ms opus frame", ErrInvalid, c.Audio.FrameSize)
	}
	if c.Buffer.Frames < c.Audio.FrameSize {
		return fmt.Errorf("%w: buffer.frames %d smaller than one frame of %d", ErrInvalid, c.Buffer.Frames, c.Audio.FrameSize)
	}
	if c.Buffer.LatencyFrames < 0 || c.Buffer.LatencyFrames >= c.Buffer.Frames {
		return fmt.Errorf("%w: buffer.latency_frames must be in [0, frames)", ErrInvalid)
	}
	if c.Buffer.StreamTimeoutMs <= 0 {
		return fmt.Errorf("%w: buffer.stream_timeout_ms must be positive", ErrInvalid)
	}
	if c.Buffer.ContinuityTolerance < 0 {
		return fmt.Errorf("%w: buffer.continuity_tolerance is negative", ErrInvalid)
	}
	return nil
}

func opusRate(rate float64) bool {
	switch rate {
	case 8000, 12000, 16000, 24000, 48000:
		return true
	}
	return false
}

// opusFrame reports whether frames at rate is a whole number of 2.5 ms units
// opus accepts.
func opusFrame(rate float64, frames int) bool {
	unit := int(rate) / 400
	if frames%unit != 0 {
		return false
	}
	switch frames / unit {
	case 1, 2, 4, 8, 16, 24:
		return true
	}
	return false
}

func (c *Config) StreamTimeout() time.Duration {
	return time.Duration(c.Buffer.StreamTimeoutMs) * time.Millisecond
}

// NewLogger builds the process logger.
func (l LoggingConfig) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: l.level()}
	if l.JSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func (l LoggingConfig) level() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
