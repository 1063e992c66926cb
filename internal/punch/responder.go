package punch

import (
	"net"
	"strings"
)

// Responder answers punch requests on a standalone socket. Relay endpoints
// and tests run one; mesh nodes get the same behavior from Shared's read
// loop on the tunnel port.
type Responder struct {
	conn *net.UDPConn
}

// StartResponder listens on addr (e.g. ":0") and serves until closed.
func StartResponder(addr string) (*Responder, error) {
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return nil, err
	}

	r := &Responder{conn: conn}
	go r.serve()
	return r, nil
}

// LocalAddr returns the responder's bound address.
func (r *Responder) LocalAddr() string {
	if r == nil || r.conn == nil {
		return ""
	}
	return r.conn.LocalAddr().String()
}

// Close stops the responder.
func (r *Responder) Close() error {
	if r == nil || r.conn == nil {
		return nil
	}
	return r.conn.Close()
}

func (r *Responder) serve() {
	buf := make([]byte, 2048)
	for {
		n, addr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		msg := string(buf[:n])
		if strings.HasPrefix(msg, punchPrefix) {
			nonce := strings.TrimPrefix(msg, punchPrefix)
			_, _ = r.conn.WriteToUDP([]byte(ackPrefix+nonce), addr)
		}
	}
}
