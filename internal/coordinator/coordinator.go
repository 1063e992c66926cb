// Package coordinator decides how to reach a peer: punched direct path when
// the NAT pairing allows it, relay otherwise. Every outcome, including a
// failed punch, is reported to the caller; nothing is retried here.
package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"partymesh/internal/addrutil"
	"partymesh/internal/model"
	"partymesh/internal/relay"
	"partymesh/internal/stunutil"
)

// ErrNoStrategy means no direct path and no resolvable relay endpoint.
// Unreachable while relay discovery honors its always-a-candidate contract;
// kept so the manager surfaces a definite failure instead of guessing.
var ErrNoStrategy = errors.New("no viable connection strategy")

// Puncher runs one hole punch attempt toward a public endpoint.
// *punch.Shared satisfies it.
type Puncher interface {
	Attempt(ctx context.Context, peerAddr string) (time.Duration, bool)
}

// Outcome is the resolved path for one peer.
type Outcome struct {
	Strategy model.Strategy
	Endpoint string
	RTT      time.Duration
}

// Coordinator owns the strategy decision for a session.
type Coordinator struct {
	puncher Puncher
	relays  *relay.Selector
	log     *logrus.Entry

	mu            sync.Mutex
	localEndpoint string
}

func New(puncher Puncher, relays *relay.Selector) *Coordinator {
	return &Coordinator{
		puncher: puncher,
		relays:  relays,
		log:     logrus.WithField("component", "coordinator"),
	}
}

// SetLocalEndpoint records this node's mapped public endpoint from the
// latest detection pass. It enables the same-network shortcut.
func (c *Coordinator) SetLocalEndpoint(endpoint string) {
	c.mu.Lock()
	c.localEndpoint = endpoint
	c.mu.Unlock()
}

// Coordinate resolves a path to the peer. localClass is this node's own NAT
// class from the latest detection.
func (c *Coordinator) Coordinate(ctx context.Context, localClass model.NATClass, peer model.PeerDescriptor) (Outcome, error) {
	log := c.log.WithField("peer", peer.ID)

	// Two peers behind the same public address cannot rely on their NAT
	// hairpinning the punch, but they can usually reach each other on the
	// LAN, so the peer's local endpoint gets first try.
	c.mu.Lock()
	localEndpoint := c.localEndpoint
	c.mu.Unlock()
	if peer.LocalEndpoint != "" && localEndpoint != "" && peer.PublicEndpoint != "" &&
		addrutil.Host(peer.PublicEndpoint) == addrutil.Host(localEndpoint) {
		if rtt, ok := c.puncher.Attempt(ctx, peer.LocalEndpoint); ok {
			log.WithFields(logrus.Fields{"endpoint": peer.LocalEndpoint, "rtt": rtt}).Info("lan path established")
			return Outcome{Strategy: model.StrategyDirect, Endpoint: peer.LocalEndpoint, RTT: rtt}, nil
		}
		log.WithField("endpoint", peer.LocalEndpoint).Debug("lan shortcut failed")
	}

	if peer.PublicEndpoint != "" && stunutil.CanDirectConnect(localClass, peer.NATClass) {
		if rtt, ok := c.puncher.Attempt(ctx, peer.PublicEndpoint); ok {
			log.WithFields(logrus.Fields{"endpoint": peer.PublicEndpoint, "rtt": rtt}).Info("direct path established")
			return Outcome{Strategy: model.StrategyDirect, Endpoint: peer.PublicEndpoint, RTT: rtt}, nil
		}
		log.WithField("endpoint", peer.PublicEndpoint).Info("hole punch failed, falling back to relay")
	} else {
		log.WithFields(logrus.Fields{
			"local_nat": localClass,
			"peer_nat":  peer.NATClass,
		}).Info("nat pairing incompatible, using relay")
	}

	candidates := c.relays.Discover(ctx)
	best := c.relays.SelectBest(ctx, candidates)
	if best.Address == "" {
		return Outcome{}, ErrNoStrategy
	}
	log.WithFields(logrus.Fields{"relay": best.ID, "endpoint": best.Address}).Info("relay path resolved")
	return Outcome{Strategy: model.StrategyRelay, Endpoint: best.Address}, nil
}
