package receiver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"audiocursor/internal/pipeline"
)

const readTimeout = 100 * time.Millisecond

type receiveUDPStage struct {
	receiver *Receiver
}

func (r *Receiver) ReceiveUDPStage() pipeline.TypedStage[any, []byte] {
	return &receiveUDPStage{receiver: r}
}

func (r *receiveUDPStage) Process(ctx context.Context, in <-chan any) (<-chan []byte, error) {
	return r.receiver.receiveUDP(ctx, in)
}

func (r *Receiver) receiveUDP(ctx context.Context, _ <-chan any) (<-chan []byte, error) {
	out := make(chan []byte, 20)
	lc := net.ListenConfig{}
	addr := strings.TrimPrefix(r.Port, ":")
	pc, err := lc.ListenPacket(ctx, "udp", listenAddr(addr))
	if err != nil {
		return nil, fmt.Errorf("failed to listen packets: %w", err)
	}

	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("invalid connection type %T", pc)
	}

	go func() {
		defer func() {
			conn.Close()
			close(out)
		}()

		buffer := make([]byte, r.mtu)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			conn.SetReadDeadline(time.Now().Add(readTimeout))
			n, _, err := conn.ReadFromUDP(buffer)
			if err != nil {
				var netErr net.Error
				if errors.As(err, &netErr) && netErr.Timeout() {
					continue
				}
				if errors.Is(err, net.ErrClosed) {
					r.log.Info("connection closed")
					return
				}
				r.log.Warn("read failed", "error", err)
				continue
			}

			packet := make([]byte, n)
			copy(packet, buffer[:n])

			select {
			case out <- packet:
			case <-ctx.Done():
				return
			default:
				r.log.Debug("packet dropped, channel full")
			}
		}
	}()
	return out, nil
}
