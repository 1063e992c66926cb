package directory

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"partymesh/internal/config"
	"partymesh/internal/model"
)

func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	store, err := NewLocal(testDirConfig(""), []model.RelayDescriptor{
		{ID: "r1", Address: "203.0.113.50:51820", Region: "eu"},
	}, clock.NewMock())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	srv := NewServer(store)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func newTestRemote(t *testing.T, url, peerID string) *Remote {
	t.Helper()
	local, err := NewLocal(testDirConfig(""), nil, clock.NewMock())
	require.NoError(t, err)

	r := NewRemote(config.DirectoryConfig{
		RemoteURL:      url,
		CallTimeoutSec: 2,
		RetryMax:       2,
	}, peerID, local, clock.New())
	r.retryBase = time.Millisecond
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRemote_RoundTrip(t *testing.T) {
	t.Parallel()

	_, url := startTestServer(t)
	r := newTestRemote(t, url, "host")
	ctx := context.Background()

	require.NoError(t, r.RegisterParty(ctx, "p", "party", desc("host")))

	rec, err := r.JoinParty(ctx, "p", desc("guest"))
	require.NoError(t, err)
	require.Len(t, rec.Peers, 2)

	require.NoError(t, r.Heartbeat(ctx, "p", "guest"))

	upd := desc("guest")
	upd.NATClass = model.NATOpen
	require.NoError(t, r.UpdatePeer(ctx, "p", upd))

	rec, err = r.GetParty(ctx, "p")
	require.NoError(t, err)
	require.Equal(t, model.NATOpen, rec.Peers["guest"].NATClass)

	relays, err := r.ListRelays(ctx)
	require.NoError(t, err)
	require.Len(t, relays, 1)
	require.Equal(t, "r1", relays[0].ID)

	require.NoError(t, r.LeaveParty(ctx, "p", "guest"))
	require.False(t, r.Degraded())
}

func TestRemote_TypedErrorsCrossTheWire(t *testing.T) {
	t.Parallel()

	_, url := startTestServer(t)
	r := newTestRemote(t, url, "p1")
	ctx := context.Background()

	_, err := r.JoinParty(ctx, "missing", desc("p1"))
	require.ErrorIs(t, err, ErrPartyNotFound)

	require.NoError(t, r.RegisterParty(ctx, "p", "party", desc("p1")))
	require.ErrorIs(t, r.RegisterParty(ctx, "p", "again", desc("p1")), ErrPartyExists)
	require.ErrorIs(t, r.Heartbeat(ctx, "p", "ghost"), ErrPeerNotFound)
	require.False(t, r.Degraded(), "protocol errors are not transport failures")
}

func TestRemote_PushKeepsPartyViewFresh(t *testing.T) {
	t.Parallel()

	_, url := startTestServer(t)
	host := newTestRemote(t, url, "host")
	guest := newTestRemote(t, url, "guest")
	ctx := context.Background()

	require.NoError(t, host.RegisterParty(ctx, "p", "party", desc("host")))
	_, err := guest.JoinParty(ctx, "p", desc("guest"))
	require.NoError(t, err)

	// The host receives a peer_joined push that refreshes its local mirror.
	require.Eventually(t, func() bool {
		rec, err := host.local.GetParty(ctx, "p")
		return err == nil && len(rec.Peers) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRemote_DegradesToLocalAfterRetryBudget(t *testing.T) {
	t.Parallel()

	// Nothing listens here; every dial fails until the budget runs out.
	r := newTestRemote(t, "ws://127.0.0.1:1/ws", "host")
	ctx := context.Background()

	err := r.RegisterParty(ctx, "p", "party", desc("host"))
	require.NoError(t, err, "degraded mode serves the operation locally")
	require.True(t, r.Degraded())

	// Subsequent operations stay local and never hit the network.
	rec, err := r.GetParty(ctx, "p")
	require.NoError(t, err)
	require.Equal(t, "host", rec.HostID)
}

func TestRetryPolicy_DoublingScheduleUnderMockClock(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	p := newRetryPolicy(clk, 3, time.Second)
	require.Equal(t, time.Second, p.Delay(0))
	require.Equal(t, 2*time.Second, p.Delay(1))
	require.Equal(t, 4*time.Second, p.Delay(2))

	results := make(chan bool, 4)
	go func() {
		for i := 0; i < 4; i++ {
			results <- p.Next(context.Background())
		}
	}()

	for _, step := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		time.Sleep(10 * time.Millisecond) // let Next arm its timer before advancing
		clk.Add(step)
		require.True(t, <-results)
	}
	require.False(t, <-results, "budget of 3 must be exhausted")
}
