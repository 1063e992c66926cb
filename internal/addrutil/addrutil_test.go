package addrutil

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVirtualAddr_Deterministic(t *testing.T) {
	t.Parallel()

	a := VirtualAddr("peer-1")
	b := VirtualAddr("peer-1")
	require.Equal(t, a, b)
	require.True(t, virtualPrefix.Contains(a))
}

func TestVirtualAddr_NoCollisionsInSample(t *testing.T) {
	t.Parallel()

	seen := map[string]string{}
	for i := 0; i < 500; i++ {
		id := fmt.Sprintf("peer-%d", i)
		addr := VirtualAddr(id).String()
		prev, dup := seen[addr]
		require.False(t, dup, "addr %s assigned to both %s and %s", addr, prev, id)
		seen[addr] = id
	}
}

func TestVirtualAddr_AvoidsReservedSuffixes(t *testing.T) {
	t.Parallel()

	// Exhaustive search is too slow; verify the clamp arithmetic directly on
	// a large sample instead.
	network := virtualPrefix.Addr().String()
	for i := 0; i < 2000; i++ {
		addr := VirtualAddr(fmt.Sprintf("id-%d", i))
		require.NotEqual(t, network, addr.String())
		require.NotEqual(t, "100.127.255.255", addr.String())
	}
}

func TestLocalIPv4_NeverWildcard(t *testing.T) {
	t.Parallel()

	addr, err := LocalIPv4()
	require.NoError(t, err)
	require.True(t, addr.Is4())
	require.False(t, addr.IsUnspecified(), "published endpoints must carry a concrete address")
}

func TestHost(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"1.2.3.4:5000":   "1.2.3.4",
		"1.2.3.4":        "1.2.3.4",
		"[2001:db8::1]:5000": "2001:db8::1",
		"2001:db8::1":    "2001:db8::1",
		" 1.2.3.4:80 ":   "1.2.3.4",
		"":               "",
	}
	for in, want := range cases {
		require.Equal(t, want, Host(in), "input %q", in)
	}
}
