package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	worker "audiocursor/internal"
	"audiocursor/internal/config"
	"audiocursor/internal/receiver"
	"audiocursor/internal/sender"
)

const stopTimeout = 5 * time.Second

type Server struct {
	workers []worker.Worker
	log     *slog.Logger
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewServer(cfg *config.Config, log *slog.Logger) (*Server, error) {
	var workers []worker.Worker
	if cfg.Mode == config.ModeReceive || cfg.Mode == config.ModeBoth {
		workers = append(workers, receiver.New(cfg, log))
	}
	if cfg.Mode == config.ModeSend || cfg.Mode == config.ModeBoth {
		s, err := sender.New(cfg, log)
		if err != nil {
			return nil, fmt.Errorf("create sender: %w", err)
		}
		workers = append(workers, s)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		workers: workers,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

func (s *Server) Start() error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("portaudio initialize: %w", err)
	}

	for _, w := range s.workers {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := w.Start(s.ctx, &s.wg); err != nil {
				s.log.Error("worker stopped with error", "error", err)
			}
		}()
	}
	return nil
}

func (s *Server) Stop() {
	s.log.Info("shutting down server")
	defer portaudio.Terminate()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("all workers stopped gracefully")
	case <-time.After(stopTimeout):
		s.log.Warn("some workers didn't stop in time")
	}
}
