package manager

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"partymesh/internal/model"
)

// monitor supervises one connection for its whole lifetime. It never exits
// on an internal error: faults are logged and folded into the status, and
// the loop ends only when the connection is disconnected or the manager
// shuts down.
func (m *Manager) monitor(ctx context.Context, peerID string) {
	defer m.wg.Done()

	ticker := m.clk.Ticker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkOnce(ctx, peerID)
		}
	}
}

// checkOnce runs one supervision cycle: measure, update status, and react.
func (m *Manager) checkOnce(ctx context.Context, peerID string) {
	m.mu.Lock()
	s, ok := m.conns[peerID]
	if !ok {
		m.mu.Unlock()
		return
	}
	vaddr := s.rec.VirtualAddr
	m.mu.Unlock()

	rtt, measurable := m.tunnel.MeasureLatency(ctx, vaddr)

	m.mu.Lock()
	s, ok = m.conns[peerID]
	if !ok {
		m.mu.Unlock()
		return
	}

	if !measurable {
		s.failures++
		failures := s.failures
		m.mu.Unlock()
		m.log.WithFields(logrus.Fields{
			"peer":     peerID,
			"failures": failures,
			"budget":   m.failureBudget,
		}).Warn("latency unmeasurable")
		if failures >= m.failureBudget {
			m.transition(s, model.StatusFailed, "latency unmeasurable")
			m.reconnect(ctx, peerID)
		}
		return
	}

	s.failures = 0
	isRelay := s.rec.Strategy == model.StrategyRelay
	m.mu.Unlock()

	if rtt <= m.threshold {
		m.transition(s, model.StatusConnected, rtt.String())
		return
	}

	m.transition(s, model.StatusDegraded, rtt.String())
	if isRelay {
		m.maybeSwitchRelay(ctx, s, rtt)
	}
}

// transition moves a connection to a new status, logging every change with
// the measurement that triggered it.
func (m *Manager) transition(s *supervised, to model.Status, measurement string) {
	m.mu.Lock()
	from := s.rec.Status
	if from == to {
		m.mu.Unlock()
		return
	}
	s.rec.Status = to
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		"peer":        s.rec.PeerID,
		"from":        from,
		"to":          to,
		"measurement": measurement,
	}).Info("connection status changed")
}

// reconnect tears the tunnel peer down and re-establishes it through a
// fresh coordinator pass. The descriptor is re-read from the directory
// because the peer may have republished new NAT or endpoint information.
func (m *Manager) reconnect(ctx context.Context, peerID string) {
	m.mu.Lock()
	s, ok := m.conns[peerID]
	if !ok {
		m.mu.Unlock()
		return
	}
	localClass := m.localClass
	desc := s.desc
	m.mu.Unlock()

	log := m.log.WithField("peer", peerID)
	log.Info("reconnecting")

	if err := m.tunnel.RemovePeer(desc.PublicKey); err != nil {
		log.WithField("error", err).Warn("remove before reconnect failed")
	}

	if party, err := m.dir.GetParty(ctx, m.session.PartyID); err == nil {
		if fresh, ok := party.Peers[peerID]; ok {
			desc = fresh
		}
	} else {
		log.WithField("error", err).Warn("descriptor refresh failed, using cached")
	}

	out, err := m.coord.Coordinate(ctx, localClass, desc)
	if err != nil {
		log.WithField("error", err).Warn("reconnect coordination failed")
		return
	}
	if err := m.tunnel.AddPeer(desc.PublicKey, out.Endpoint, []string{s.rec.VirtualAddr + "/32"}); err != nil {
		log.WithField("error", err).Warn("reconnect tunnel configuration failed")
		return
	}

	m.mu.Lock()
	s.desc = desc
	s.rec.Endpoint = out.Endpoint
	s.rec.Strategy = out.Strategy
	s.rec.EstablishedAt = m.clk.Now().UTC()
	s.failures = 0
	m.mu.Unlock()
	m.transition(s, model.StatusConnecting, "reconnect")
	log.WithFields(logrus.Fields{"strategy": out.Strategy, "endpoint": out.Endpoint}).Info("reconnected")
}

// maybeSwitchRelay migrates a degraded relay connection to a strictly
// better relay, then verifies the move and reverts if the path got worse.
// This is the only place a connection's endpoint changes while its
// strategy stays relay.
func (m *Manager) maybeSwitchRelay(ctx context.Context, s *supervised, before time.Duration) {
	m.mu.Lock()
	current := s.rec.Endpoint
	key := s.desc.PublicKey
	vaddr := s.rec.VirtualAddr
	m.mu.Unlock()

	log := m.log.WithField("peer", s.rec.PeerID)

	currentRTT, err := m.relays.Probe(ctx, current)
	if err != nil {
		// Unreachable relay is the worst candidate possible.
		currentRTT = 1<<62 - 1
		log.WithField("error", err).Warn("current relay unreachable")
	}

	var best model.RelayDescriptor
	bestRTT := currentRTT
	for _, cand := range m.relays.Discover(ctx) {
		if cand.Address == current {
			continue
		}
		rtt, err := m.relays.Probe(ctx, cand.Address)
		if err != nil {
			continue
		}
		if rtt < bestRTT {
			best = cand
			bestRTT = rtt
		}
	}
	if best.Address == "" {
		log.Debug("no better relay available")
		return
	}

	log.WithFields(logrus.Fields{
		"from":     current,
		"to":       best.Address,
		"from_rtt": currentRTT,
		"to_rtt":   bestRTT,
	}).Info("switching relay")
	if err := m.tunnel.AddPeer(key, best.Address, []string{vaddr + "/32"}); err != nil {
		log.WithField("error", err).Warn("relay switch failed")
		return
	}
	m.mu.Lock()
	s.rec.Endpoint = best.Address
	m.mu.Unlock()

	after, ok := m.tunnel.MeasureLatency(ctx, vaddr)
	if ok && after <= before {
		return
	}

	log.WithFields(logrus.Fields{"before": before, "after": after}).Warn("relay switch made things worse, reverting")
	if err := m.tunnel.AddPeer(key, current, []string{vaddr + "/32"}); err != nil {
		log.WithField("error", err).Warn("relay revert failed")
		return
	}
	m.mu.Lock()
	s.rec.Endpoint = current
	m.mu.Unlock()
}
