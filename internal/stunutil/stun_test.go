package stunutil

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"partymesh/internal/model"
)

type fakeExchanger struct {
	answers map[string]netip.AddrPort
	calls   []string
}

func (f *fakeExchanger) ExchangeSTUN(_ context.Context, server string, _ time.Duration) (netip.AddrPort, error) {
	f.calls = append(f.calls, server)
	addr, ok := f.answers[server]
	if !ok {
		return netip.AddrPort{}, errors.New("timeout")
	}
	return addr, nil
}

func TestClassify_OpenWhenMappedIPEqualsLocal(t *testing.T) {
	t.Parallel()

	local := netip.MustParseAddrPort("203.0.113.10:51820")
	mapped := netip.MustParseAddrPort("203.0.113.10:40000")
	require.Equal(t, model.NATOpen, Classify(local, mapped))
}

func TestClassify_FullConeWhenPortPreserved(t *testing.T) {
	t.Parallel()

	local := netip.MustParseAddrPort("192.168.1.5:51820")
	mapped := netip.MustParseAddrPort("203.0.113.10:51820")
	require.Equal(t, model.NATFullCone, Classify(local, mapped))
	require.True(t, CanDirectConnect(model.NATFullCone, model.NATFullCone))
}

func TestClassify_PortRestrictedOtherwise(t *testing.T) {
	t.Parallel()

	local := netip.MustParseAddrPort("192.168.1.5:51820")
	mapped := netip.MustParseAddrPort("203.0.113.10:40000")
	require.Equal(t, model.NATPortRestrictedCone, Classify(local, mapped))
}

func TestCanDirectConnect_Symmetric(t *testing.T) {
	t.Parallel()

	classes := []model.NATClass{
		model.NATUnknown, model.NATOpen, model.NATFullCone,
		model.NATRestrictedCone, model.NATPortRestrictedCone, model.NATSymmetric,
	}
	for _, a := range classes {
		for _, b := range classes {
			got := CanDirectConnect(a, b)
			require.Equal(t, got, CanDirectConnect(b, a), "table not symmetric for %s/%s", a, b)
			if a == model.NATSymmetric || b == model.NATSymmetric {
				require.False(t, got, "%s/%s must be incompatible", a, b)
			} else {
				require.True(t, got, "%s/%s must be compatible", a, b)
			}
		}
	}
}

func TestDetect_FirstServerWins(t *testing.T) {
	t.Parallel()

	ex := &fakeExchanger{answers: map[string]netip.AddrPort{
		"b": netip.MustParseAddrPort("203.0.113.10:51820"),
		"c": netip.MustParseAddrPort("203.0.113.99:9"),
	}}
	c := NewClient()
	c.Servers = []string{"a", "b", "c"}

	det, err := c.Detect(context.Background(), ex, netip.MustParseAddrPort("192.168.1.5:51820"))
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, ex.calls, "must stop at first valid response")
	require.Equal(t, model.NATFullCone, det.Class)
	require.Equal(t, "203.0.113.10:51820", det.MappedAddr.String())
}

func TestDetect_AllServersFail(t *testing.T) {
	t.Parallel()

	c := NewClient()
	c.Servers = []string{"a", "b"}

	det, err := c.Detect(context.Background(), &fakeExchanger{}, netip.MustParseAddrPort("192.168.1.5:51820"))
	require.ErrorIs(t, err, ErrNATDetection)
	require.Equal(t, model.NATUnknown, det.Class)
}
