package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"partymesh/internal/model"
)

type fakeRegistry struct {
	relays []model.RelayDescriptor
	err    error
}

func (f *fakeRegistry) ListRelays(context.Context) ([]model.RelayDescriptor, error) {
	return f.relays, f.err
}

func TestDiscover_ThreeTierFallback(t *testing.T) {
	t.Parallel()

	fromDir := []model.RelayDescriptor{{ID: "r1", Address: "10.0.0.1:1"}}

	s := NewSelector(&fakeRegistry{relays: fromDir}, "static.example:51820")
	require.Equal(t, fromDir, s.Discover(context.Background()), "directory wins when populated")

	s = NewSelector(&fakeRegistry{err: errors.New("down")}, "static.example:51820")
	got := s.Discover(context.Background())
	require.Len(t, got, 1)
	require.Equal(t, "static.example:51820", got[0].Address)

	s = NewSelector(&fakeRegistry{err: errors.New("down")}, "")
	got = s.Discover(context.Background())
	require.Len(t, got, 1)
	require.Equal(t, DefaultRelay, got[0], "hard default guarantees a candidate")
}

func TestSelectBest_PicksLowestLatency(t *testing.T) {
	t.Parallel()

	rtts := map[string]time.Duration{
		"a:1": 90 * time.Millisecond,
		"b:1": 30 * time.Millisecond,
		"c:1": 250 * time.Millisecond,
	}
	s := NewSelector(nil, "")
	s.probe = func(_ context.Context, addr string, _ time.Duration) (time.Duration, error) {
		rtt, ok := rtts[addr]
		if !ok {
			return 0, errors.New("unreachable")
		}
		return rtt, nil
	}

	cands := []model.RelayDescriptor{
		{ID: "a", Address: "a:1"},
		{ID: "b", Address: "b:1"},
		{ID: "c", Address: "c:1"},
	}
	require.Equal(t, "b", s.SelectBest(context.Background(), cands).ID)
}

func TestSelectBest_NoCandidatesReturnsDefault(t *testing.T) {
	t.Parallel()

	s := NewSelector(nil, "")
	require.Equal(t, DefaultRelay, s.SelectBest(context.Background(), nil))
}

func TestSelectBest_AllProbesFailReturnsFirst(t *testing.T) {
	t.Parallel()

	s := NewSelector(nil, "")
	s.probe = func(context.Context, string, time.Duration) (time.Duration, error) {
		return 0, errors.New("unreachable")
	}

	cands := []model.RelayDescriptor{
		{ID: "first", Address: "a:1"},
		{ID: "second", Address: "b:1"},
	}
	require.Equal(t, "first", s.SelectBest(context.Background(), cands).ID)
}
