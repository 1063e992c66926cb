package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSaveLoad_RoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	in := Config{
		Identity:  IdentityConfig{PeerID: "p1", Name: "alice", PublicKey: "pk1"},
		Directory: DirectoryConfig{Mode: ModeRemote, RemoteURL: "ws://dir:8080/ws"},
	}
	require.NoError(t, Save(path, in))

	out, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "p1", out.Identity.PeerID)
	require.Equal(t, ModeRemote, out.Directory.Mode)
	// Defaults filled on save.
	require.Equal(t, DefaultTunnelPort, out.Tunnel.ListenPort)
	require.Equal(t, DefaultMonitorIntervalSec, out.Monitor.IntervalSec)
	require.Equal(t, DefaultPeerTimeoutSec, out.Directory.PeerTimeoutSec)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cfg := Config{}
	ApplyDefaults(&cfg)
	require.Error(t, Validate(cfg), "missing identity must fail")

	cfg.Identity = IdentityConfig{PeerID: "p1", PublicKey: "pk1"}
	require.NoError(t, Validate(cfg))

	cfg.Directory.Mode = ModeRemote
	cfg.Directory.RemoteURL = ""
	require.Error(t, Validate(cfg), "remote mode requires URL")

	cfg.Directory.Mode = "weird"
	require.Error(t, Validate(cfg))
}
