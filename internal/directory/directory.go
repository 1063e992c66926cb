// Package directory is the authoritative registry of parties and peer
// descriptors. It runs in one of two modes chosen at construction: a local,
// file-backed store, or a remote mode speaking a websocket protocol to a
// shared directory service and degrading to local-only operation when that
// service stays unreachable.
package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"

	"partymesh/internal/config"
	"partymesh/internal/model"
)

var (
	ErrPartyNotFound = errors.New("party not found")
	ErrPeerNotFound  = errors.New("peer not found")
	ErrPartyExists   = errors.New("party id already registered")

	// ErrTransport marks remote-mode network failures. It is retried with
	// backoff internally and only escapes while a reconnect is in flight.
	ErrTransport = errors.New("directory transport failure")
)

// Directory is the control-plane capability shared by both modes. Mode
// selection happens once, in New; call sites never branch on it.
type Directory interface {
	RegisterParty(ctx context.Context, partyID, name string, host model.PeerDescriptor) error
	JoinParty(ctx context.Context, partyID string, desc model.PeerDescriptor) (*model.PartyRecord, error)
	LeaveParty(ctx context.Context, partyID, peerID string) error
	Heartbeat(ctx context.Context, partyID, peerID string) error
	UpdatePeer(ctx context.Context, partyID string, desc model.PeerDescriptor) error
	GetParty(ctx context.Context, partyID string) (*model.PartyRecord, error)
	ListRelays(ctx context.Context) ([]model.RelayDescriptor, error)
	Close() error
}

// New builds the directory for the configured mode.
func New(cfg config.Config, relays []model.RelayDescriptor, clk clock.Clock) (Directory, error) {
	if clk == nil {
		clk = clock.New()
	}
	switch cfg.Directory.Mode {
	case config.ModeLocal:
		return NewLocal(cfg.Directory, relays, clk)
	case config.ModeRemote:
		local, err := NewLocal(cfg.Directory, relays, clk)
		if err != nil {
			return nil, err
		}
		return NewRemote(cfg.Directory, cfg.Identity.PeerID, local, clk), nil
	default:
		return nil, fmt.Errorf("unknown directory mode %q", cfg.Directory.Mode)
	}
}
