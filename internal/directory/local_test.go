package directory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"partymesh/internal/config"
	"partymesh/internal/model"
)

func testDirConfig(dataDir string) config.DirectoryConfig {
	return config.DirectoryConfig{
		Mode:               config.ModeLocal,
		DataDir:            dataDir,
		CleanupIntervalSec: 60,
		PeerTimeoutSec:     300,
	}
}

func newTestLocal(t *testing.T, clk clock.Clock) *Local {
	t.Helper()
	l, err := NewLocal(testDirConfig(""), nil, clk)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func desc(id string) model.PeerDescriptor {
	return model.PeerDescriptor{
		ID:             id,
		Name:           "peer " + id,
		PublicKey:      "pk-" + id,
		NATClass:       model.NATFullCone,
		PublicEndpoint: "203.0.113.1:51820",
		LocalEndpoint:  "192.168.1.10:51820",
	}
}

func TestRegisterParty_RejectsCollision(t *testing.T) {
	t.Parallel()

	l := newTestLocal(t, clock.NewMock())
	ctx := context.Background()

	require.NoError(t, l.RegisterParty(ctx, "party-1", "game night", desc("host")))
	err := l.RegisterParty(ctx, "party-1", "other", desc("host2"))
	require.ErrorIs(t, err, ErrPartyExists)
}

func TestJoinParty_UnknownPartyLeavesDirectoryUnmodified(t *testing.T) {
	t.Parallel()

	l := newTestLocal(t, clock.NewMock())
	ctx := context.Background()

	_, err := l.JoinParty(ctx, "nope", desc("p1"))
	require.ErrorIs(t, err, ErrPartyNotFound)

	l.mu.Lock()
	defer l.mu.Unlock()
	require.Empty(t, l.parties)
}

func TestJoinParty_ReturnsFullRecord(t *testing.T) {
	t.Parallel()

	l := newTestLocal(t, clock.NewMock())
	ctx := context.Background()

	require.NoError(t, l.RegisterParty(ctx, "p", "party", desc("host")))
	rec, err := l.JoinParty(ctx, "p", desc("guest"))
	require.NoError(t, err)
	require.Len(t, rec.Peers, 2)
	require.Equal(t, "host", rec.HostID)

	// The returned record is a copy; mutating it must not touch the store.
	delete(rec.Peers, "host")
	again, err := l.GetParty(ctx, "p")
	require.NoError(t, err)
	require.Len(t, again.Peers, 2)
}

func TestHeartbeat_BumpsOnlyLastSeen(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	l := newTestLocal(t, clk)
	ctx := context.Background()

	require.NoError(t, l.RegisterParty(ctx, "p", "party", desc("host")))
	before, err := l.GetParty(ctx, "p")
	require.NoError(t, err)

	clk.Add(42 * time.Second)
	require.NoError(t, l.Heartbeat(ctx, "p", "host"))

	after, err := l.GetParty(ctx, "p")
	require.NoError(t, err)
	got := after.Peers["host"]
	want := before.Peers["host"]
	require.True(t, got.LastSeen.After(want.LastSeen))

	got.LastSeen = want.LastSeen
	require.Equal(t, want, got, "heartbeat must not change any other field")

	require.ErrorIs(t, l.Heartbeat(ctx, "p", "ghost"), ErrPeerNotFound)
	require.ErrorIs(t, l.Heartbeat(ctx, "nope", "host"), ErrPartyNotFound)
}

func TestLeaveParty_LastPeerDeletesParty(t *testing.T) {
	t.Parallel()

	l := newTestLocal(t, clock.NewMock())
	ctx := context.Background()

	require.NoError(t, l.RegisterParty(ctx, "p", "party", desc("host")))
	_, err := l.JoinParty(ctx, "p", desc("guest"))
	require.NoError(t, err)

	// Guest leaving keeps the party alive.
	require.NoError(t, l.LeaveParty(ctx, "p", "guest"))
	_, err = l.GetParty(ctx, "p")
	require.NoError(t, err)

	// Host leaving dissolves it.
	require.NoError(t, l.LeaveParty(ctx, "p", "host"))
	_, err = l.GetParty(ctx, "p")
	require.ErrorIs(t, err, ErrPartyNotFound)
}

func TestLeaveParty_HostLeavingDissolvesNonEmptyParty(t *testing.T) {
	t.Parallel()

	l := newTestLocal(t, clock.NewMock())
	ctx := context.Background()

	require.NoError(t, l.RegisterParty(ctx, "p", "party", desc("host")))
	_, err := l.JoinParty(ctx, "p", desc("guest"))
	require.NoError(t, err)

	require.NoError(t, l.LeaveParty(ctx, "p", "host"))
	_, err = l.GetParty(ctx, "p")
	require.ErrorIs(t, err, ErrPartyNotFound)
}

func TestUpdatePeer_ReplacesDescriptor(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	l := newTestLocal(t, clk)
	ctx := context.Background()

	require.NoError(t, l.RegisterParty(ctx, "p", "party", desc("host")))

	updated := desc("host")
	updated.NATClass = model.NATSymmetric
	updated.PublicEndpoint = "198.51.100.7:40000"
	clk.Add(time.Second)
	require.NoError(t, l.UpdatePeer(ctx, "p", updated))

	rec, err := l.GetParty(ctx, "p")
	require.NoError(t, err)
	require.Equal(t, model.NATSymmetric, rec.Peers["host"].NATClass)
	require.Equal(t, "198.51.100.7:40000", rec.Peers["host"].PublicEndpoint)

	require.ErrorIs(t, l.UpdatePeer(ctx, "p", desc("stranger")), ErrPeerNotFound)
}

func TestCleanup_TimeoutBoundary(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	l := newTestLocal(t, clk)
	ctx := context.Background()

	require.NoError(t, l.RegisterParty(ctx, "p", "party", desc("host")))
	_, err := l.JoinParty(ctx, "p", desc("guest"))
	require.NoError(t, err)

	timeout := l.peerTimeout

	// One second inside the window: nobody may be collected.
	clk.Add(timeout - time.Second)
	require.NoError(t, l.Heartbeat(ctx, "p", "host"))
	l.cleanup()
	rec, err := l.GetParty(ctx, "p")
	require.NoError(t, err)
	require.Contains(t, rec.Peers, "guest", "peer inside timeout window must survive")

	// Two more seconds pushes the guest one second past the window.
	clk.Add(2 * time.Second)
	l.cleanup()
	rec, err = l.GetParty(ctx, "p")
	require.NoError(t, err)
	require.NotContains(t, rec.Peers, "guest")
	require.Contains(t, rec.Peers, "host")

	// Expiring the host too leaves the party empty, which removes it.
	clk.Add(timeout + time.Second)
	l.cleanup()
	_, err = l.GetParty(ctx, "p")
	require.ErrorIs(t, err, ErrPartyNotFound)
}

func TestCleanupLoop_RunsOnTicker(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	l := newTestLocal(t, clk)
	ctx := context.Background()

	require.NoError(t, l.RegisterParty(ctx, "p", "party", desc("host")))
	clk.Add(l.peerTimeout + l.cleanupInterval + time.Second)

	require.Eventually(t, func() bool {
		_, err := l.GetParty(ctx, "p")
		return err != nil
	}, time.Second, 5*time.Millisecond, "ticker-driven cleanup must fire")
}

func TestSnapshot_RoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := testDirConfig(dir)

	l, err := NewLocal(cfg, nil, clock.NewMock())
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, l.RegisterParty(ctx, "p", "party", desc("host")))
	_, err = l.JoinParty(ctx, "p", desc("guest"))
	require.NoError(t, err)
	want, err := l.GetParty(ctx, "p")
	require.NoError(t, err)
	require.NoError(t, l.Close())

	require.FileExists(t, filepath.Join(dir, "directory.yaml"))

	reloaded, err := NewLocal(cfg, nil, clock.NewMock())
	require.NoError(t, err)
	defer reloaded.Close()
	got, err := reloaded.GetParty(ctx, "p")
	require.NoError(t, err)
	require.Equal(t, want.ID, got.ID)
	require.Equal(t, want.HostID, got.HostID)
	require.Len(t, got.Peers, len(want.Peers))
	require.Equal(t, want.Peers["guest"].PublicKey, got.Peers["guest"].PublicKey)
	require.True(t, want.Peers["guest"].LastSeen.Equal(got.Peers["guest"].LastSeen))
}
