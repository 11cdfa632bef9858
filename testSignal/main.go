package main

import (
	"flag"
	"log/slog"
	"math"
	"net"
	"os"
	"time"

	"github.com/hraban/opus"

	rtputils "audiocursor/internal/utils/rtp"
)

func main() {
	addr := flag.String("addr", "localhost:4899", "receiver address")
	rate := flag.Int("rate", 48000, "sample rate")
	frameSize := flag.Int("frame", 960, "frames per packet")
	freq := flag.Float64("freq", 440, "tone frequency in Hz")
	count := flag.Int("count", 250, "packets to send")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	conn, err := net.Dial("udp", *addr)
	if err != nil {
		log.Error("dial failed", "addr", *addr, "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	encoder, err := opus.NewEncoder(*rate, 1, opus.AppAudio)
	if err != nil {
		log.Error("failed to create encoder", "error", err)
		os.Exit(1)
	}

	rtpConfig := rtputils.DefaultOpusConfig()
	rtpConfig.ClockRate = uint32(*rate)
	packetizer := rtputils.NewOpusPacketizer(rtpConfig)

	pcm := make([]int16, *frameSize)
	encoded := make([]byte, 1275)
	frameDuration := time.Duration(float64(*frameSize) / float64(*rate) * float64(time.Second))
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	tone := *freq
	for i := 0; i < *count; i++ {
		start := i * *frameSize
		for j := range pcm {
			t := float64(start+j) / float64(*rate)
			pcm[j] = int16(math.Sin(2*math.Pi*tone*t) * 32767.0 * 0.5)
		}

		n, err := encoder.Encode(pcm, encoded)
		if err != nil {
			log.Error("encode failed", "error", err)
			continue
		}

		packet, err := packetizer.Packetize(encoded[:n], *frameSize, float64(start))
		if err != nil {
			log.Error("packetize failed", "error", err)
			continue
		}

		if _, err := conn.Write(packet); err != nil {
			log.Warn("send failed", "error", err)
		} else {
			log.Debug("sent packet", "index", i, "bytes", len(packet))
		}

		<-ticker.C
	}
	log.Info("done", "packets", *count, "ssrc", rtpConfig.SSRC)
}
