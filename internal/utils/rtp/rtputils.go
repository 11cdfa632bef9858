package rtputils

import (
	"errors"
	"fmt"
	"time"

	"github.com/pion/rtp"
)

const (
	rtpHeaderSize = 12
)

var (
	ErrEmptyPayload  = errors.New("rtputils: empty opus payload")
	ErrFrameTooLarge = errors.New("rtputils: opus frame exceeds MTU")
)

type RTPPacket struct {
	SSRC       uint32
	Sequence   uint16
	Timestamp  uint32
	ReceivedAt time.Time

	// SampleTime is Timestamp unwrapped to a running sample position for
	// the packet's stream, starting at 0 with its first packet.
	SampleTime float64

	Payload []byte

	PayloadType uint8
	Marker      bool
}

// RTPConfig describes an outgoing stream. ClockRate is the audio sample rate,
// so a timestamp step equals one frame.
type RTPConfig struct {
	PayloadType uint8
	SSRC        uint32
	ClockRate   uint32
	Mtu         uint16
}

func DefaultOpusConfig() RTPConfig {
	return RTPConfig{
		PayloadType: 96,
		ClockRate:   48000,
		SSRC:        GenerateSSRC(),
		Mtu:         1200,
	}
}

func GenerateSSRC() uint32 {
	return uint32(time.Now().UnixNano() & 0xFFFFFFFF)
}

// OpusPayloader puts one opus frame in one packet. Opus frames are never
// fragmented across packets.
type OpusPayloader struct{}

func (p *OpusPayloader) Payload(mtu uint16, payload []byte) [][]byte {
	if len(payload) == 0 || len(payload) > int(mtu)-rtpHeaderSize {
		return [][]byte{}
	}
	return [][]byte{payload}
}

type Packetizer struct {
	packetizer    rtp.Packetizer
	mtu           uint16
	timestampBase uint32
}

func NewOpusPacketizer(config RTPConfig) *Packetizer {
	packetizer := rtp.NewPacketizer(
		config.Mtu,
		config.PayloadType,
		config.SSRC,
		&OpusPayloader{},
		rtp.NewRandomSequencer(),
		config.ClockRate,
	)

	return &Packetizer{
		packetizer:    packetizer,
		mtu:           config.Mtu,
		timestampBase: GenerateSSRC(),
	}
}

// Packetize wraps one opus frame covering samples frames that start at
// sampleTime. The RTP timestamp follows sampleTime, so a jump in capture time
// shows up as a jump in timestamps on the wire.
func (p *Packetizer) Packetize(opusData []byte, samples int, sampleTime float64) ([]byte, error) {
	if len(opusData) == 0 {
		return nil, ErrEmptyPayload
	}
	if len(opusData) > int(p.mtu)-rtpHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(opusData))
	}

	packets := p.packetizer.Packetize(opusData, uint32(samples))
	if len(packets) != 1 {
		return nil, fmt.Errorf("expected one RTP packet, got %d", len(packets))
	}

	packet := packets[0]
	packet.Timestamp = p.timestampBase + uint32(int64(sampleTime))

	data, err := packet.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal RTP packet: %w", err)
	}
	return data, nil
}

type Depacketizer struct {
}

func (d Depacketizer) Unmarshal(packet []byte) ([]byte, error) {
	if len(packet) == 0 {
		return nil, ErrEmptyPayload
	}

	toc := packet[0]

	// Frame count code 3 carries a frame count byte after the TOC.
	if toc&0x03 == 3 && len(packet) < 2 {
		return nil, fmt.Errorf("truncated opus packet: code 3 without frame count")
	}

	return packet, nil
}

// These functions only implement the interface and are not used directly
func (d Depacketizer) IsPartitionHead(payload []byte) bool {
	return len(payload) > 0
}

func (d Depacketizer) IsPartitionTail(marker bool, payload []byte) bool {
	return len(payload) > 0
}

type ReceptionStats struct {
	PacketsReceived uint32
	BytesReceived   uint64
	PacketsLost     uint32
	BadPackets      uint32
	FirstReceivedAt time.Time
	LastReceivedAt  time.Time
}

type streamState struct {
	lastSequence uint16
	unwrapper    TimestampUnwrapper
	stats        ReceptionStats
}

// RTPDepacketizer parses packets from any number of senders and tracks loss
// and timestamps per SSRC. It is not safe for concurrent use.
type RTPDepacketizer struct {
	expectedPayloadType uint8
	depacketizer        rtp.Depacketizer
	streams             map[uint32]*streamState
	badPackets          uint32
	now                 func() time.Time
}

func NewOpusDepacketizer(expectedPayloadType uint8) *RTPDepacketizer {
	return &RTPDepacketizer{
		expectedPayloadType: expectedPayloadType,
		depacketizer:        Depacketizer{},
		streams:             make(map[uint32]*streamState),
		now:                 time.Now,
	}
}

// Depacketize parses one datagram. lost is the number of packets missing
// between this one and the previous packet of the same SSRC.
func (d *RTPDepacketizer) Depacketize(rtpData []byte) (result *RTPPacket, lost int, err error) {
	if len(rtpData) < rtpHeaderSize {
		d.badPackets++
		return nil, 0, fmt.Errorf("RTP packet too short: %d bytes", len(rtpData))
	}

	packet := &rtp.Packet{}
	if err := packet.Unmarshal(rtpData); err != nil {
		d.badPackets++
		return nil, 0, fmt.Errorf("failed to unmarshal RTP packet: %w", err)
	}

	if packet.Header.Version != 2 {
		d.badPackets++
		return nil, 0, fmt.Errorf("unsupported RTP version: %d", packet.Header.Version)
	}

	if d.expectedPayloadType != 0 && packet.Header.PayloadType != d.expectedPayloadType {
		d.badPackets++
		return nil, 0, fmt.Errorf("unexpected payload type: got %d, expected %d",
			packet.Header.PayloadType, d.expectedPayloadType)
	}

	payload, err := d.depacketizer.Unmarshal(packet.Payload)
	if err != nil {
		d.badPackets++
		return nil, 0, err
	}

	now := d.now()
	state, ok := d.streams[packet.Header.SSRC]
	if !ok {
		state = &streamState{stats: ReceptionStats{FirstReceivedAt: now}}
		d.streams[packet.Header.SSRC] = state
	}

	if state.stats.PacketsReceived > 0 {
		gap := int16(packet.Header.SequenceNumber - state.lastSequence - 1)
		if gap > 0 {
			lost = int(gap)
			state.stats.PacketsLost += uint32(gap)
		}
	}

	state.stats.PacketsReceived++
	state.stats.BytesReceived += uint64(len(rtpData))
	if state.stats.PacketsReceived == 1 || int16(packet.Header.SequenceNumber-state.lastSequence) > 0 {
		state.lastSequence = packet.Header.SequenceNumber
	}
	state.stats.LastReceivedAt = now

	result = &RTPPacket{
		SSRC:       packet.Header.SSRC,
		Sequence:   packet.Header.SequenceNumber,
		Timestamp:  packet.Header.Timestamp,
		ReceivedAt: now,
		SampleTime: state.unwrapper.Unwrap(packet.Header.Timestamp),

		Payload: payload,

		PayloadType: packet.Header.PayloadType,
		Marker:      packet.Header.Marker,
	}

	return result, lost, nil
}

// GetStats returns the counters of one stream.
func (d *RTPDepacketizer) GetStats(ssrc uint32) (ReceptionStats, bool) {
	state, ok := d.streams[ssrc]
	if !ok {
		return ReceptionStats{}, false
	}
	return state.stats, true
}

// BadPackets counts datagrams that could not be attributed to any stream.
func (d *RTPDepacketizer) BadPackets() uint32 {
	return d.badPackets
}

// Forget drops the state of a stream, so its next packet starts it afresh.
func (d *RTPDepacketizer) Forget(ssrc uint32) {
	delete(d.streams, ssrc)
}

// ForgetIdle drops streams last heard before the given time and returns
// their SSRCs.
func (d *RTPDepacketizer) ForgetIdle(before time.Time) []uint32 {
	var forgotten []uint32
	for ssrc, state := range d.streams {
		if state.stats.LastReceivedAt.Before(before) {
			delete(d.streams, ssrc)
			forgotten = append(forgotten, ssrc)
		}
	}
	return forgotten
}

func (d *RTPDepacketizer) ResetStats() {
	d.streams = make(map[uint32]*streamState)
	d.badPackets = 0
}
