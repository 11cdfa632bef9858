package sender

import (
	"context"
	"fmt"
	"net"

	"audiocursor/internal/pipeline"
)

type sendUDPStage struct {
	sender *Sender
}

func (s *Sender) SendUDPStage() pipeline.TypedStage[[]byte, any] {
	return &sendUDPStage{sender: s}
}

func (r *sendUDPStage) Process(ctx context.Context, in <-chan []byte) (<-chan any, error) {
	return r.sender.sendUDP(ctx, in)
}

func (s *Sender) sendUDP(ctx context.Context, in <-chan []byte) (<-chan any, error) {
	var conns []net.Conn
	for _, peer := range s.Peers {
		addr := peerAddr(peer, s.Port)
		conn, err := net.Dial("udp", addr)
		if err != nil {
			for _, c := range conns {
				c.Close()
			}
			return nil, fmt.Errorf("UDP dial error to %s: %w", addr, err)
		}
		conns = append(conns, conn)
	}

	out := make(chan any)
	go func() {
		defer func() {
			for _, conn := range conns {
				conn.Close()
			}
			close(out)
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case packet, ok := <-in:
				if !ok {
					return
				}
				for _, conn := range conns {
					if _, err := conn.Write(packet); err != nil {
						s.log.Debug("write packet failed", "peer", conn.RemoteAddr().String(), "error", err)
					}
				}
			}
		}
	}()
	return out, nil
}

func peerAddr(peer, port string) string {
	if _, _, err := net.SplitHostPort(peer); err == nil {
		return peer
	}
	return net.JoinHostPort(peer, port)
}
