package punch

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAttempt_SucceedsAgainstResponder(t *testing.T) {
	t.Parallel()

	resp, err := StartResponder("127.0.0.1:0")
	require.NoError(t, err)
	defer resp.Close()

	s, err := ListenShared("127.0.0.1:0")
	require.NoError(t, err)
	defer s.Close()

	rtt, ok := s.Attempt(context.Background(), resp.LocalAddr())
	require.True(t, ok, "punch against live responder must succeed")
	require.Greater(t, rtt, time.Duration(0))
}

func TestAttempt_RejectsWildcardTarget(t *testing.T) {
	t.Parallel()

	s, err := ListenShared(":0")
	require.NoError(t, err)
	defer s.Close()

	// A wildcard target routes back to this very socket, whose read loop
	// acks every punch; accepting it would fake a working direct path.
	start := time.Now()
	_, ok := s.Attempt(context.Background(), fmt.Sprintf("0.0.0.0:%d", s.LocalAddr().Port()))
	require.False(t, ok, "wildcard target must never count as a punch")
	require.Less(t, time.Since(start), punchDeadline, "rejection must not wait out the deadline")
}

func TestAttempt_FailsWithNoListener(t *testing.T) {
	t.Parallel()

	s, err := ListenShared("127.0.0.1:0")
	require.NoError(t, err)
	defer s.Close()

	start := time.Now()
	_, ok := s.Attempt(context.Background(), "127.0.0.1:19997")
	require.False(t, ok)
	require.GreaterOrEqual(t, time.Since(start), punchDeadline-50*time.Millisecond)
}

func TestAttempt_TwoSharedSocketsPunchEachOther(t *testing.T) {
	t.Parallel()

	a, err := ListenShared("127.0.0.1:0")
	require.NoError(t, err)
	defer a.Close()
	b, err := ListenShared("127.0.0.1:0")
	require.NoError(t, err)
	defer b.Close()

	results := make(chan bool, 2)
	go func() {
		_, ok := a.Attempt(context.Background(), b.LocalAddr().String())
		results <- ok
	}()
	go func() {
		_, ok := b.Attempt(context.Background(), a.LocalAddr().String())
		results <- ok
	}()

	require.True(t, <-results, "simultaneous punch must succeed")
	require.True(t, <-results, "simultaneous punch must succeed")
}

func TestProbeLatency(t *testing.T) {
	t.Parallel()

	resp, err := StartResponder("127.0.0.1:0")
	require.NoError(t, err)
	defer resp.Close()

	rtt, err := ProbeLatency(context.Background(), resp.LocalAddr(), 2*time.Second)
	require.NoError(t, err)
	require.Greater(t, rtt, time.Duration(0))

	_, err = ProbeLatency(context.Background(), "127.0.0.1:19996", 300*time.Millisecond)
	require.Error(t, err)
}
