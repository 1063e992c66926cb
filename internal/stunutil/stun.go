package stunutil

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/sirupsen/logrus"

	"partymesh/internal/model"
)

// ErrNATDetection means every configured STUN server was unreachable or
// returned a malformed response. Callers fall back to relay-only operation.
var ErrNATDetection = errors.New("nat detection failed")

// DefaultServers are tried in order until one answers.
var DefaultServers = []string{
	"stun.l.google.com:19302",
	"stun1.l.google.com:19302",
	"stun.stunprotocol.org:3478",
	"stun.cloudflare.com:3478",
}

const DefaultTimeout = time.Second

// Exchanger performs one STUN binding round-trip over the tunnel socket, so
// the mapped address reflects the port the tunnel actually uses.
type Exchanger interface {
	ExchangeSTUN(ctx context.Context, server string, timeout time.Duration) (netip.AddrPort, error)
}

// Detection is the outcome of a NAT discovery pass.
type Detection struct {
	MappedAddr netip.AddrPort
	Class      model.NATClass
}

// Client discovers the public mapping for a local socket.
type Client struct {
	Servers []string
	Timeout time.Duration

	log *logrus.Entry
}

func NewClient() *Client {
	return &Client{
		Servers: DefaultServers,
		Timeout: DefaultTimeout,
		log:     logrus.WithField("component", "stun"),
	}
}

// Detect queries the servers in order and stops at the first valid binding
// response. local is the socket's own endpoint (LAN IP + bound port), used
// to classify the NAT from a single mapping.
func (c *Client) Detect(ctx context.Context, ex Exchanger, local netip.AddrPort) (Detection, error) {
	var lastErr error
	for _, server := range c.Servers {
		mapped, err := ex.ExchangeSTUN(ctx, server, c.Timeout)
		if err != nil {
			c.log.WithFields(logrus.Fields{"server": server, "error": err}).Debug("stun server failed")
			lastErr = err
			continue
		}
		det := Detection{MappedAddr: mapped, Class: Classify(local, mapped)}
		c.log.WithFields(logrus.Fields{
			"server": server,
			"mapped": mapped.String(),
			"class":  det.Class,
		}).Info("nat detected")
		return det, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no stun servers configured")
	}
	return Detection{Class: model.NATUnknown}, fmt.Errorf("%w: %v", ErrNATDetection, lastErr)
}

// Classify maps a (local, mapped) endpoint pair to a NAT class.
//
// This is a single-request heuristic: one binding exchange cannot separate
// restricted, port-restricted, and symmetric NATs, so everything that is
// neither open nor port-preserving lands in port_restricted_cone. A doomed
// punch against an undetected symmetric NAT falls through to relay anyway.
func Classify(local, mapped netip.AddrPort) model.NATClass {
	if mapped.Addr() == local.Addr() {
		return model.NATOpen
	}
	if mapped.Port() == local.Port() {
		return model.NATFullCone
	}
	return model.NATPortRestrictedCone
}
