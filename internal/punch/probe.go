package punch

import (
	"context"
	"net"
	"time"
)

// ProbeLatency measures one request/ack round trip to addr from an ephemeral
// socket. Used for relay benchmarking, where the NAT mapping of the tunnel
// port must not be disturbed.
func ProbeLatency(ctx context.Context, addr string, timeout time.Duration) (time.Duration, error) {
	peerUDP, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return 0, err
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = conn.Close()
		}()
	}

	nonce, err := randomNonce(8)
	if err != nil {
		return 0, err
	}
	want := ackPrefix + nonce

	start := time.Now()
	if _, err := conn.WriteToUDP([]byte(punchPrefix+nonce), peerUDP); err != nil {
		return 0, err
	}
	if timeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
	}

	buf := make([]byte, 2048)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			return 0, err
		}
		if from.String() != peerUDP.String() {
			continue
		}
		if string(buf[:n]) == want {
			return time.Since(start), nil
		}
	}
}
