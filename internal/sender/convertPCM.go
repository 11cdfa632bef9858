package sender

import (
	"context"

	"audiocursor/internal/pipeline"
	"audiocursor/internal/utils/pcm"
)

func (s *Sender) ConvertToPCMStage() pipeline.TypedStage[*frame, *frame] {
	return pipeline.StageFunc[*frame, *frame](s.convertToPCM)
}

func (s *Sender) convertToPCM(_ context.Context, f *frame) (*frame, bool) {
	f.pcm = make([]int16, f.frames*len(f.planar))
	pcm.Interleave(f.pcm, f.planar, f.frames)
	return f, true
}
