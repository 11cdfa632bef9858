package main

/*
#cgo windows LDFLAGS: -lportaudio -lwinmm -lole32 -lsetupapi -luuid -static
#cgo windows CFLAGS: -I/mingw64/include
*/
import "C"

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"audiocursor/cmd/server"
	"audiocursor/internal/config"
)

const (
	configFileName = "config.yaml"
)

func main() {
	path := configFileName
	if len(os.Args) > 1 {
		path = os.Args[1]
	}

	cfg, err := config.Load(path)
	if err != nil {
		slog.Error("error reading configuration", "path", path, "error", err)
		os.Exit(1)
	}

	log := cfg.Logging.NewLogger(os.Stderr)
	slog.SetDefault(log)

	log.Info("configuration loaded",
		"mode", cfg.Mode,
		"peers", cfg.Network.Peers,
		"port", cfg.Network.Port,
		"sample_rate", cfg.Audio.SampleRate,
		"frame_size", cfg.Audio.FrameSize,
		"channels", cfg.Audio.Channels,
		"latency_frames", cfg.Buffer.LatencyFrames)

	srv, err := server.NewServer(cfg, log)
	if err != nil {
		log.Error("failed to create server", "error", err)
		os.Exit(1)
	}
	if err := srv.Start(); err != nil {
		log.Error("failed to start server", "error", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	log.Info("press Ctrl+C to stop")
	sig := <-sigChan
	log.Info("received signal", "signal", sig.String())

	srv.Stop()
}
