package pipeline

import (
	"context"
	"log/slog"
)

const chanBuffer = 20

type TypedStage[T any, U any] interface {
	Process(ctx context.Context, in <-chan T) (<-chan U, error)
}

// StageFunc drops items for which it reports false.
type StageFunc[T any, U any] func(ctx context.Context, item T) (U, bool)

func (f StageFunc[T, U]) Process(ctx context.Context, in <-chan T) (<-chan U, error) {
	out := make(chan U, chanBuffer)
	go func() {
		defer close(out)
		for item := range in {
			result, ok := f(ctx, item)
			if !ok {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case out <- result:
			}
		}
	}()
	return out, nil
}

type GenericWrapper[T any, U any] struct {
	Name  string
	Stage TypedStage[T, U]
	Log   *slog.Logger
}

func Wrap[T any, U any](name string, stage TypedStage[T, U], log *slog.Logger) *GenericWrapper[T, U] {
	if log == nil {
		log = slog.Default()
	}
	return &GenericWrapper[T, U]{Name: name, Stage: stage, Log: log}
}

func (w *GenericWrapper[T, U]) Run(ctx context.Context, in <-chan any) <-chan any {
	out := make(chan any, chanBuffer)
	log := w.Log
	if log == nil {
		log = slog.Default()
	}

	typedIn := make(chan T, chanBuffer)
	go func() {
		defer close(typedIn)
		for item := range in {
			data, ok := item.(T)
			if !ok {
				log.Warn("dropping item of unexpected type", "stage", w.Name)
				continue
			}
			select {
			case <-ctx.Done():
				return
			case typedIn <- data:
			}
		}
	}()

	resultChan, err := w.Stage.Process(ctx, typedIn)
	if err != nil {
		log.Error("stage failed", "stage", w.Name, "error", err)
		close(out)
		return out
	}

	go func() {
		defer close(out)
		for data := range resultChan {
			select {
			case <-ctx.Done():
				return
			case out <- data:
			}
		}
	}()

	return out
}

type Stage interface {
	Run(ctx context.Context, in <-chan any) <-chan any
}

type Pipeline struct {
	ctx    context.Context
	stages []Stage
}

func NewPipeline(ctx context.Context) *Pipeline {
	return &Pipeline{
		ctx:    ctx,
		stages: make([]Stage, 0),
	}
}

func (p *Pipeline) AddStage(stage Stage) *Pipeline {
	p.stages = append(p.stages, stage)
	return p
}

func (p *Pipeline) Run() <-chan any {
	startChan := make(chan any)
	close(startChan)
	if len(p.stages) == 0 {
		return startChan
	}

	var outputChan <-chan any = p.stages[0].Run(p.ctx, startChan)
	for i := 1; i < len(p.stages); i++ {
		outputChan = p.stages[i].Run(p.ctx, outputChan)
	}
	return outputChan
}

func (p *Pipeline) Wait() {
	for range p.Run() {
	}
}
