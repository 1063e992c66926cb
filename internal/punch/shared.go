package punch

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/pion/stun/v3"
	"github.com/sirupsen/logrus"
)

// Shared multiplexes the tunnel's UDP port for STUN exchanges, hole punch
// trains, and punch responses. Binding everything to the one port keeps the
// NAT mapping the tunnel already holds.
type Shared struct {
	conn *net.UDPConn
	log  *logrus.Entry

	mu         sync.Mutex
	stunWriter io.Writer
	waiters    map[string]chan struct{}
}

// ListenShared binds the shared socket and starts its read loop.
func ListenShared(addr string) (*Shared, error) {
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return nil, err
	}

	s := &Shared{
		conn:    conn,
		log:     logrus.WithField("component", "punch"),
		waiters: make(map[string]chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// LocalAddr returns the bound address of the shared socket.
func (s *Shared) LocalAddr() netip.AddrPort {
	if s == nil || s.conn == nil {
		return netip.AddrPort{}
	}
	return s.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Close shuts the socket; the read loop exits on the next read.
func (s *Shared) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// ExchangeSTUN performs one binding request/response against server using
// the shared socket, returning the server-observed mapped address. It
// prefers XOR-MAPPED-ADDRESS and falls back to MAPPED-ADDRESS.
func (s *Shared) ExchangeSTUN(ctx context.Context, server string, timeout time.Duration) (netip.AddrPort, error) {
	if s == nil || s.conn == nil {
		return netip.AddrPort{}, fmt.Errorf("shared socket not initialized")
	}

	server = strings.TrimPrefix(strings.TrimSpace(server), "stun:")
	if server == "" {
		return netip.AddrPort{}, fmt.Errorf("empty STUN server")
	}
	stunAddr, err := net.ResolveUDPAddr("udp4", server)
	if err != nil {
		return netip.AddrPort{}, err
	}

	// The pion client owns one side of an in-memory pipe; the read loop
	// forwards incoming STUN datagrams into the other side.
	stunL, stunR := net.Pipe()
	client, err := stun.NewClient(stunR, stun.WithNoConnClose())
	if err != nil {
		_ = stunL.Close()
		_ = stunR.Close()
		return netip.AddrPort{}, err
	}
	defer func() {
		_ = client.Close()
		_ = stunL.Close()
		_ = stunR.Close()
	}()

	s.mu.Lock()
	if s.stunWriter != nil {
		s.mu.Unlock()
		return netip.AddrPort{}, fmt.Errorf("stun exchange already in progress")
	}
	s.stunWriter = stunL
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.stunWriter = nil
		s.mu.Unlock()
	}()

	writeErr := make(chan error, 1)
	go func() {
		buf := make([]byte, 1500)
		for {
			n, err := stunL.Read(buf)
			if err != nil {
				writeErr <- err
				return
			}
			if _, err := s.conn.WriteToUDP(buf[:n], stunAddr); err != nil {
				writeErr <- err
				return
			}
		}
	}()

	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	mapped := make(chan netip.AddrPort, 1)
	done := make(chan error, 1)
	go func() {
		done <- client.Do(msg, func(res stun.Event) {
			if res.Error != nil {
				return
			}
			if addr, ok := mappedFrom(res.Message); ok {
				mapped <- addr
			}
		})
	}()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case err := <-done:
		if err != nil {
			return netip.AddrPort{}, err
		}
		select {
		case addr := <-mapped:
			return addr, nil
		default:
			return netip.AddrPort{}, fmt.Errorf("stun response missing mapped address")
		}
	case err := <-writeErr:
		return netip.AddrPort{}, err
	case <-ctx.Done():
		return netip.AddrPort{}, ctx.Err()
	}
}

func mappedFrom(msg *stun.Message) (netip.AddrPort, bool) {
	var xor stun.XORMappedAddress
	if err := xor.GetFrom(msg); err == nil {
		if addr, ok := netip.AddrFromSlice(xor.IP); ok {
			return netip.AddrPortFrom(addr.Unmap(), uint16(xor.Port)), true
		}
	}
	var plain stun.MappedAddress
	if err := plain.GetFrom(msg); err == nil {
		if addr, ok := netip.AddrFromSlice(plain.IP); ok {
			return netip.AddrPortFrom(addr.Unmap(), uint16(plain.Port)), true
		}
	}
	return netip.AddrPort{}, false
}

func (s *Shared) addWaiter(payload string) chan struct{} {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.waiters[payload] = ch
	s.mu.Unlock()
	return ch
}

func (s *Shared) removeWaiter(payload string) {
	s.mu.Lock()
	delete(s.waiters, payload)
	s.mu.Unlock()
}

func (s *Shared) readLoop() {
	buf := make([]byte, 2048)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		pkt := buf[:n]

		if stun.IsMessage(pkt) {
			s.mu.Lock()
			w := s.stunWriter
			s.mu.Unlock()
			if w != nil {
				_, _ = w.Write(pkt)
			}
			continue
		}

		msg := string(pkt)
		switch {
		case strings.HasPrefix(msg, punchPrefix):
			nonce := strings.TrimPrefix(msg, punchPrefix)
			_, _ = s.conn.WriteToUDP([]byte(ackPrefix+nonce), addr)
		case strings.HasPrefix(msg, ackPrefix):
			s.mu.Lock()
			ch := s.waiters[msg]
			s.mu.Unlock()
			if ch != nil {
				select {
				case ch <- struct{}{}:
				default:
				}
			}
		}
	}
}
