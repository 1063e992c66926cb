package directory

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"partymesh/internal/config"
	"partymesh/internal/model"
)

// Local is the in-process, file-backed directory. It also serves as the
// state store for the directory server and as the degraded target of the
// remote mode.
type Local struct {
	clk  clock.Clock
	log  *logrus.Entry
	path string // snapshot path; empty disables persistence

	peerTimeout     time.Duration
	cleanupInterval time.Duration

	mu        sync.Mutex
	parties   map[string]*model.PartyRecord
	relays    []model.RelayDescriptor
	myPeerID  string
	myPartyID string

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewLocal loads any existing snapshot and starts the cleanup loop.
func NewLocal(cfg config.DirectoryConfig, relays []model.RelayDescriptor, clk clock.Clock) (*Local, error) {
	if clk == nil {
		clk = clock.New()
	}
	l := &Local{
		clk:             clk,
		log:             logrus.WithField("component", "directory"),
		peerTimeout:     time.Duration(cfg.PeerTimeoutSec) * time.Second,
		cleanupInterval: time.Duration(cfg.CleanupIntervalSec) * time.Second,
		parties:         make(map[string]*model.PartyRecord),
		relays:          relays,
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
	}
	if cfg.DataDir != "" {
		l.path = filepath.Join(cfg.DataDir, "directory.yaml")
		snap, err := loadSnapshot(l.path)
		if err != nil {
			return nil, fmt.Errorf("load directory snapshot: %w", err)
		}
		if snap.Parties != nil {
			l.parties = snap.Parties
		}
		l.myPeerID = snap.MyPeerID
		l.myPartyID = snap.MyPartyID
	}

	go l.cleanupLoop()
	return l, nil
}

func (l *Local) RegisterParty(_ context.Context, partyID, name string, host model.PeerDescriptor) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.parties[partyID]; exists {
		return fmt.Errorf("%w: %s", ErrPartyExists, partyID)
	}
	now := l.clk.Now().UTC()
	host.LastSeen = now
	l.parties[partyID] = &model.PartyRecord{
		ID:        partyID,
		Name:      name,
		HostID:    host.ID,
		Peers:     map[string]model.PeerDescriptor{host.ID: host},
		CreatedAt: now,
	}
	l.myPeerID = host.ID
	l.myPartyID = partyID
	l.persistLocked()
	l.log.WithFields(logrus.Fields{"party": partyID, "host": host.ID}).Info("party registered")
	return nil
}

func (l *Local) JoinParty(_ context.Context, partyID string, desc model.PeerDescriptor) (*model.PartyRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	party, ok := l.parties[partyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPartyNotFound, partyID)
	}
	desc.LastSeen = l.clk.Now().UTC()
	party.Peers[desc.ID] = desc
	l.myPeerID = desc.ID
	l.myPartyID = partyID
	l.persistLocked()
	l.log.WithFields(logrus.Fields{"party": partyID, "peer": desc.ID}).Info("peer joined party")
	return party.Clone(), nil
}

func (l *Local) LeaveParty(_ context.Context, partyID, peerID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	party, ok := l.parties[partyID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPartyNotFound, partyID)
	}
	delete(party.Peers, peerID)
	if peerID == party.HostID || len(party.Peers) == 0 {
		delete(l.parties, partyID)
		l.log.WithFields(logrus.Fields{"party": partyID, "peer": peerID}).Info("party dissolved")
	} else {
		l.log.WithFields(logrus.Fields{"party": partyID, "peer": peerID}).Info("peer left party")
	}
	if l.myPartyID == partyID && l.myPeerID == peerID {
		l.myPartyID = ""
	}
	l.persistLocked()
	return nil
}

// Heartbeat bumps the peer's last-seen timestamp and touches nothing else.
func (l *Local) Heartbeat(_ context.Context, partyID, peerID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	party, ok := l.parties[partyID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPartyNotFound, partyID)
	}
	desc, ok := party.Peers[peerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, peerID)
	}
	if now := l.clk.Now().UTC(); now.After(desc.LastSeen) {
		desc.LastSeen = now
		party.Peers[peerID] = desc
	}
	l.persistLocked()
	return nil
}

// UpdatePeer replaces the whole descriptor; used when NAT or endpoint info
// changed across a reconnect.
func (l *Local) UpdatePeer(_ context.Context, partyID string, desc model.PeerDescriptor) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	party, ok := l.parties[partyID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPartyNotFound, partyID)
	}
	if _, ok := party.Peers[desc.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, desc.ID)
	}
	desc.LastSeen = l.clk.Now().UTC()
	party.Peers[desc.ID] = desc
	l.persistLocked()
	return nil
}

func (l *Local) GetParty(_ context.Context, partyID string) (*model.PartyRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	party, ok := l.parties[partyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPartyNotFound, partyID)
	}
	return party.Clone(), nil
}

func (l *Local) ListRelays(_ context.Context) ([]model.RelayDescriptor, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]model.RelayDescriptor, len(l.relays))
	copy(out, l.relays)
	return out, nil
}

// importParty overwrites a party with a remote-sourced record so degraded
// operation keeps the last known view.
func (l *Local) importParty(party *model.PartyRecord) {
	if party == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.parties[party.ID] = party.Clone()
	l.persistLocked()
}

// SetRelays replaces the relay registry (used by the serving side).
func (l *Local) SetRelays(relays []model.RelayDescriptor) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.relays = relays
}

// Close stops the cleanup loop and writes a final snapshot.
func (l *Local) Close() error {
	l.stopOnce.Do(func() { close(l.stop) })
	<-l.done

	l.mu.Lock()
	defer l.mu.Unlock()
	l.persistLocked()
	return nil
}

func (l *Local) cleanupLoop() {
	defer close(l.done)
	ticker := l.clk.Ticker(l.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.cleanup()
		}
	}
}

// cleanup removes peers whose last-seen age exceeds the timeout, then
// removes any party left empty, then persists. A peer exactly at the
// boundary is kept; it is collected on the next pass.
func (l *Local) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clk.Now()
	changed := false
	for partyID, party := range l.parties {
		for peerID, desc := range party.Peers {
			if now.Sub(desc.LastSeen) > l.peerTimeout {
				delete(party.Peers, peerID)
				changed = true
				l.log.WithFields(logrus.Fields{
					"party": partyID,
					"peer":  peerID,
					"age":   now.Sub(desc.LastSeen),
				}).Info("expired peer removed")
			}
		}
		if len(party.Peers) == 0 {
			delete(l.parties, partyID)
			changed = true
			l.log.WithField("party", partyID).Info("empty party removed")
		}
	}
	if changed {
		l.persistLocked()
	}
}

// persistLocked writes the snapshot; callers hold l.mu. Persistence faults
// are logged, never surfaced: directory state remains authoritative in
// memory.
func (l *Local) persistLocked() {
	if l.path == "" {
		return
	}
	snap := snapshot{
		Parties:   l.parties,
		MyPeerID:  l.myPeerID,
		MyPartyID: l.myPartyID,
		UpdatedAt: l.clk.Now().UTC(),
	}
	if err := saveSnapshot(l.path, snap); err != nil {
		l.log.WithField("error", err).Warn("snapshot write failed")
	}
}
