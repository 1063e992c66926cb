// Package manager owns per-peer connection state: it resolves a path
// through the coordinator, configures the external tunnel, and supervises
// every connection with a long-lived monitor that reconnects on failure and
// migrates degraded relay paths.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"partymesh/internal/addrutil"
	"partymesh/internal/config"
	"partymesh/internal/coordinator"
	"partymesh/internal/directory"
	"partymesh/internal/model"
)

// ErrConnection means a peer could not be connected: unknown peer, or
// coordination failed with no viable path.
var ErrConnection = errors.New("connection failed")

// Tunnel is the externally managed encrypted tunnel interface. AddPeer is
// an upsert: calling it again for a known key reconfigures the endpoint.
// MeasureLatency returns ok=false when the peer is unreachable.
type Tunnel interface {
	AddPeer(publicKey, endpoint string, allowedAddrs []string) error
	RemovePeer(publicKey string) error
	MeasureLatency(ctx context.Context, virtualAddr string) (time.Duration, bool)
}

// Coordinator resolves a strategy and endpoint for one peer.
type Coordinator interface {
	Coordinate(ctx context.Context, localClass model.NATClass, peer model.PeerDescriptor) (coordinator.Outcome, error)
}

// relayFinder is the slice of the relay selector the monitor needs for
// migration. *relay.Selector satisfies it.
type relayFinder interface {
	Discover(ctx context.Context) []model.RelayDescriptor
	Probe(ctx context.Context, addr string) (time.Duration, error)
}

// Session identifies this node inside its party. It is passed in explicitly
// by the orchestrating layer; the manager holds no global identity state.
type Session struct {
	PeerID  string
	PartyID string
}

// supervised pairs a connection record with its monitor's lifetime.
type supervised struct {
	rec      model.ConnectionRecord
	desc     model.PeerDescriptor
	failures int
	cancel   context.CancelFunc
}

// Manager supervises all peer connections for one session.
type Manager struct {
	dir     directory.Directory
	coord   Coordinator
	tunnel  Tunnel
	relays  relayFinder
	clk     clock.Clock
	log     *logrus.Entry
	session Session

	interval      time.Duration
	threshold     time.Duration
	failureBudget int

	mu         sync.Mutex
	localClass model.NATClass
	conns      map[string]*supervised
	closed     bool
	wg         sync.WaitGroup
}

func New(dir directory.Directory, coord Coordinator, tunnel Tunnel, relays relayFinder, session Session, cfg config.MonitorConfig, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	return &Manager{
		dir:           dir,
		coord:         coord,
		tunnel:        tunnel,
		relays:        relays,
		clk:           clk,
		log:           logrus.WithField("component", "manager"),
		session:       session,
		interval:      time.Duration(cfg.IntervalSec) * time.Second,
		threshold:     time.Duration(cfg.LatencyThresholdMs) * time.Millisecond,
		failureBudget: cfg.FailureBudget,
		localClass:    model.NATUnknown,
		conns:         make(map[string]*supervised),
	}
}

// SetNATClass records this node's own class from the latest detection pass.
func (m *Manager) SetNATClass(class model.NATClass) {
	m.mu.Lock()
	m.localClass = class
	m.mu.Unlock()
}

// ConnectToPeer resolves the peer through the directory, establishes a path,
// configures the tunnel, and starts the peer's monitor. Connecting to an
// already-supervised peer is a no-op returning the existing record.
func (m *Manager) ConnectToPeer(ctx context.Context, partyID, peerID string) (model.ConnectionRecord, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return model.ConnectionRecord{}, fmt.Errorf("%w: manager closed", ErrConnection)
	}
	if s, ok := m.conns[peerID]; ok {
		rec := s.rec
		m.mu.Unlock()
		return rec, nil
	}
	localClass := m.localClass
	m.mu.Unlock()

	party, err := m.dir.GetParty(ctx, partyID)
	if err != nil {
		return model.ConnectionRecord{}, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	desc, ok := party.Peers[peerID]
	if !ok {
		return model.ConnectionRecord{}, fmt.Errorf("%w: %v", ErrConnection,
			fmt.Errorf("%w: %s in party %s", directory.ErrPeerNotFound, peerID, partyID))
	}

	out, err := m.coord.Coordinate(ctx, localClass, desc)
	if err != nil {
		return model.ConnectionRecord{}, fmt.Errorf("%w: %v", ErrConnection, err)
	}

	vaddr := addrutil.VirtualAddr(peerID).String()
	if err := m.tunnel.AddPeer(desc.PublicKey, out.Endpoint, []string{vaddr + "/32"}); err != nil {
		return model.ConnectionRecord{}, fmt.Errorf("%w: %v", ErrConnection, err)
	}

	rec := model.ConnectionRecord{
		PeerID:        peerID,
		VirtualAddr:   vaddr,
		Endpoint:      out.Endpoint,
		Strategy:      out.Strategy,
		Status:        model.StatusConnecting,
		EstablishedAt: m.clk.Now().UTC(),
	}

	monCtx, cancel := context.WithCancel(context.Background())
	s := &supervised{rec: rec, desc: desc, cancel: cancel}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		_ = m.tunnel.RemovePeer(desc.PublicKey)
		return model.ConnectionRecord{}, fmt.Errorf("%w: manager closed", ErrConnection)
	}
	m.conns[peerID] = s
	m.wg.Add(1)
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		"peer":     peerID,
		"strategy": out.Strategy,
		"endpoint": out.Endpoint,
		"vaddr":    vaddr,
	}).Info("peer connected")

	go m.monitor(monCtx, peerID)
	return rec, nil
}

// DisconnectFromPeer stops the monitor, removes the tunnel peer, and drops
// the connection record.
func (m *Manager) DisconnectFromPeer(peerID string) error {
	m.mu.Lock()
	s, ok := m.conns[peerID]
	if ok {
		delete(m.conns, peerID)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", directory.ErrPeerNotFound, peerID)
	}

	s.cancel()
	err := m.tunnel.RemovePeer(s.desc.PublicKey)
	m.log.WithField("peer", peerID).Info("peer disconnected")
	return err
}

// Connections returns a snapshot of every supervised connection.
func (m *Manager) Connections() []model.ConnectionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.ConnectionRecord, 0, len(m.conns))
	for _, s := range m.conns {
		out = append(out, s.rec)
	}
	return out
}

// Close cancels every monitor, waits for them to unwind, and removes the
// tunnel peers.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	conns := make([]*supervised, 0, len(m.conns))
	for _, s := range m.conns {
		conns = append(conns, s)
	}
	m.conns = make(map[string]*supervised)
	m.mu.Unlock()

	for _, s := range conns {
		s.cancel()
	}
	m.wg.Wait()

	var firstErr error
	for _, s := range conns {
		if err := m.tunnel.RemovePeer(s.desc.PublicKey); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
