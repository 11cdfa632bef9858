package receiver

import (
	"context"
	"fmt"
	"time"

	"github.com/hraban/opus"

	"audiocursor/internal/pipeline"
	"audiocursor/internal/segment"
	"audiocursor/internal/utils/pcm"
)

const maxFrameMs = 120

type decodeOpusStage struct {
	receiver *Receiver
}

func (r *Receiver) DecodeOpusStage() pipeline.TypedStage[*rtpPacket, *opusData] {
	return &decodeOpusStage{receiver: r}
}

func (r *decodeOpusStage) Process(ctx context.Context, in <-chan *rtpPacket) (<-chan *opusData, error) {
	return r.receiver.decodeOpus(ctx, in)
}

type opusData struct {
	SSRC      uint32
	Timestamp segment.Timestamp
	Frames    int
	Audio     segment.Buffer
}

type remoteDecoder struct {
	decoder  *opus.Decoder
	lastSeen time.Time
	// frames of the last decoded packet, used to size concealment
	lastFrames int
}

func (r *Receiver) decodeOpus(ctx context.Context, in <-chan *rtpPacket) (<-chan *opusData, error) {
	out := make(chan *opusData, 20)
	decoders := make(map[uint32]*remoteDecoder)
	pcmBuffer := make([]int16, int(r.SampleRate)*maxFrameMs/1000*r.Channels)

	go func() {
		defer close(out)

		for {
			select {
			case <-ctx.Done():
				return
			case packet, ok := <-in:
				if !ok {
					return
				}

				remote, err := r.decoderFor(decoders, packet)
				if err != nil {
					r.log.Warn("failed to create decoder", "ssrc", packet.SSRC, "error", err)
					continue
				}

				if packet.lost > 0 && remote.lastFrames > 0 {
					if od := r.conceal(remote, packet, pcmBuffer); od != nil {
						if !send(ctx, out, od) {
							return
						}
					}
				}

				samples, err := remote.decoder.Decode(packet.Payload, pcmBuffer)
				if err != nil {
					r.log.Debug("decode failed", "ssrc", packet.SSRC, "error", err)
					continue
				}
				if samples == 0 {
					continue
				}
				remote.lastFrames = samples

				od := r.newOpusData(packet.SSRC, packet.SampleTime, pcmBuffer, samples)
				if !send(ctx, out, od) {
					return
				}
			}
		}
	}()

	return out, nil
}

func (r *Receiver) decoderFor(decoders map[uint32]*remoteDecoder, packet *rtpPacket) (*remoteDecoder, error) {
	for ssrc, remote := range decoders {
		if packet.ReceivedAt.Sub(remote.lastSeen) > r.streamTimeout {
			delete(decoders, ssrc)
		}
	}

	remote, ok := decoders[packet.SSRC]
	if !ok {
		decoder, err := opus.NewDecoder(int(r.SampleRate), r.Channels)
		if err != nil {
			return nil, fmt.Errorf("new decoder: %w", err)
		}
		remote = &remoteDecoder{decoder: decoder}
		decoders[packet.SSRC] = remote
	}
	remote.lastSeen = packet.ReceivedAt
	return remote, nil
}

// conceal synthesizes the block right before packet in place of the lost
// ones. Only the last lost block is filled; earlier gaps stay silent.
func (r *Receiver) conceal(remote *remoteDecoder, packet *rtpPacket, pcmBuffer []int16) *opusData {
	frames := remote.lastFrames
	plc := pcmBuffer[:frames*r.Channels]
	if err := remote.decoder.DecodePLC(plc); err != nil {
		r.log.Debug("concealment failed", "ssrc", packet.SSRC, "error", err)
		return nil
	}
	return r.newOpusData(packet.SSRC, packet.SampleTime-float64(frames), plc, frames)
}

func (r *Receiver) newOpusData(ssrc uint32, sampleTime float64, interleaved []int16, frames int) *opusData {
	planar := make([][]float32, r.Channels)
	audio := make(segment.Buffer, r.Channels)
	for c := range planar {
		planar[c] = make([]float32, frames)
		audio[c] = segment.Float32Bytes(planar[c])
	}
	pcm.Deinterleave(planar, interleaved, frames)

	return &opusData{
		SSRC:      ssrc,
		Timestamp: segment.Timestamp{SampleTime: sampleTime, HostTime: uint64(time.Now().UnixNano())},
		Frames:    frames,
		Audio:     audio,
	}
}

func send(ctx context.Context, out chan<- *opusData, od *opusData) bool {
	select {
	case <-ctx.Done():
		return false
	case out <- od:
		return true
	}
}
