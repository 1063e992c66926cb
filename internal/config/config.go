package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	DefaultTunnelPort         = 51820
	DefaultSTUNTimeoutSec     = 1
	DefaultCallTimeoutSec     = 5
	DefaultRetryMax           = 3
	DefaultCleanupIntervalSec = 60
	DefaultPeerTimeoutSec     = 300
	DefaultMonitorIntervalSec = 30
	DefaultLatencyThresholdMs = 200
	DefaultFailureBudget      = 3

	ModeLocal  = "local"
	ModeRemote = "remote"
)

// Config holds node identity plus the tunables for every subsystem.
type Config struct {
	Identity  IdentityConfig  `yaml:"identity"`
	STUN      STUNConfig      `yaml:"stun"`
	Directory DirectoryConfig `yaml:"directory"`
	Relay     RelayConfig     `yaml:"relay"`
	Tunnel    TunnelConfig    `yaml:"tunnel"`
	Monitor   MonitorConfig   `yaml:"monitor"`
}

// IdentityConfig names this peer.
type IdentityConfig struct {
	PeerID    string `yaml:"peer_id"`
	Name      string `yaml:"name"`
	PublicKey string `yaml:"public_key"`
}

// STUNConfig controls NAT discovery.
type STUNConfig struct {
	Servers    []string `yaml:"servers,omitempty"`
	TimeoutSec int      `yaml:"timeout_sec"`
}

// DirectoryConfig selects and tunes the control plane.
type DirectoryConfig struct {
	Mode               string `yaml:"mode"` // local|remote
	RemoteURL          string `yaml:"remote_url,omitempty"`
	DataDir            string `yaml:"data_dir"`
	CallTimeoutSec     int    `yaml:"call_timeout_sec"`
	RetryMax           int    `yaml:"retry_max"`
	CleanupIntervalSec int    `yaml:"cleanup_interval_sec"`
	PeerTimeoutSec     int    `yaml:"peer_timeout_sec"`
}

// RelayConfig carries the statically configured fallback relay, if any.
type RelayConfig struct {
	Static string `yaml:"static,omitempty"`
}

// TunnelConfig describes the externally managed tunnel socket.
type TunnelConfig struct {
	ListenPort int `yaml:"listen_port"`
}

// MonitorConfig tunes per-connection supervision.
type MonitorConfig struct {
	IntervalSec        int `yaml:"interval_sec"`
	LatencyThresholdMs int `yaml:"latency_threshold_ms"`
	FailureBudget      int `yaml:"failure_budget"`
}

// Load reads and parses a YAML config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate performs minimal validation for required fields.
func Validate(cfg Config) error {
	if cfg.Identity.PeerID == "" {
		return fmt.Errorf("identity.peer_id is required")
	}
	if cfg.Identity.PublicKey == "" {
		return fmt.Errorf("identity.public_key is required")
	}
	switch cfg.Directory.Mode {
	case ModeLocal:
	case ModeRemote:
		if cfg.Directory.RemoteURL == "" {
			return fmt.Errorf("directory.remote_url is required in remote mode")
		}
	default:
		return fmt.Errorf("directory.mode must be %q or %q", ModeLocal, ModeRemote)
	}
	return nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.STUN.TimeoutSec == 0 {
		cfg.STUN.TimeoutSec = DefaultSTUNTimeoutSec
	}
	if cfg.Directory.Mode == "" {
		cfg.Directory.Mode = ModeLocal
	}
	if cfg.Directory.DataDir == "" {
		cfg.Directory.DataDir = defaultDataDir()
	}
	if cfg.Directory.CallTimeoutSec == 0 {
		cfg.Directory.CallTimeoutSec = DefaultCallTimeoutSec
	}
	if cfg.Directory.RetryMax == 0 {
		cfg.Directory.RetryMax = DefaultRetryMax
	}
	if cfg.Directory.CleanupIntervalSec == 0 {
		cfg.Directory.CleanupIntervalSec = DefaultCleanupIntervalSec
	}
	if cfg.Directory.PeerTimeoutSec == 0 {
		cfg.Directory.PeerTimeoutSec = DefaultPeerTimeoutSec
	}
	if cfg.Tunnel.ListenPort == 0 {
		cfg.Tunnel.ListenPort = DefaultTunnelPort
	}
	if cfg.Monitor.IntervalSec == 0 {
		cfg.Monitor.IntervalSec = DefaultMonitorIntervalSec
	}
	if cfg.Monitor.LatencyThresholdMs == 0 {
		cfg.Monitor.LatencyThresholdMs = DefaultLatencyThresholdMs
	}
	if cfg.Monitor.FailureBudget == 0 {
		cfg.Monitor.FailureBudget = DefaultFailureBudget
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".partymesh"
	}
	return filepath.Join(home, ".partymesh")
}
