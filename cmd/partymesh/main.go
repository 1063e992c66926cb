package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"partymesh/internal/addrutil"
	"partymesh/internal/config"
	"partymesh/internal/coordinator"
	"partymesh/internal/directory"
	"partymesh/internal/manager"
	"partymesh/internal/model"
	"partymesh/internal/punch"
	"partymesh/internal/relay"
	"partymesh/internal/stunutil"
)

const usage = `partymesh - NAT traversal and peer connectivity for mesh parties

Usage:
  partymesh init --config <path> [--name <name>] [--pubkey <key>] [--mode local|remote] [--remote-url <ws-url>]
  partymesh serve --config <path> [--listen :8478] [--relays <addr,addr>]
  partymesh host --config <path> [--party <id>] [--party-name <name>]
  partymesh join --config <path> --party <id>
  partymesh leave --config <path> --party <id>
  partymesh status --config <path> --party <id>
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	switch cmd := os.Args[1]; cmd {
	case "-h", "--help", "help":
		fmt.Print(usage)
	case "init":
		handleInit(os.Args[2:])
	case "serve":
		handleServe(os.Args[2:])
	case "host":
		handleNode(os.Args[2:], true)
	case "join":
		handleNode(os.Args[2:], false)
	case "leave":
		handleLeave(os.Args[2:])
	case "status":
		handleStatus(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func handleInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	name := fs.String("name", "", "peer display name")
	pubKey := fs.String("pubkey", "", "tunnel public key")
	mode := fs.String("mode", config.ModeLocal, "directory mode: local|remote")
	remoteURL := fs.String("remote-url", "", "remote directory websocket URL")
	stunList := fs.String("stun", "", "comma-separated STUN servers")
	_ = fs.Parse(args)

	if *configPath == "" {
		fatal(errors.New("--config is required"))
	}
	if _, err := os.Stat(*configPath); err == nil {
		fatal(fmt.Errorf("config already exists at %s", *configPath))
	}

	cfg := config.Config{}
	cfg.Identity.PeerID = uuid.NewString()
	cfg.Identity.Name = *name
	cfg.Identity.PublicKey = *pubKey
	cfg.Directory.Mode = *mode
	cfg.Directory.RemoteURL = *remoteURL
	if *stunList != "" {
		cfg.STUN.Servers = splitList(*stunList)
	}
	config.ApplyDefaults(&cfg)

	if err := config.Save(*configPath, cfg); err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "wrote %s peer_id=%s\n", *configPath, cfg.Identity.PeerID)
}

func handleServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	listen := fs.String("listen", ":8478", "listen address")
	relayList := fs.String("relays", "", "comma-separated relay addresses to publish")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	config.ApplyDefaults(&cfg)

	store, err := directory.NewLocal(cfg.Directory, staticRelays(cfg), nil)
	if err != nil {
		fatal(err)
	}
	defer store.Close()

	if *relayList != "" {
		relays := make([]model.RelayDescriptor, 0)
		for i, addr := range splitList(*relayList) {
			relays = append(relays, model.RelayDescriptor{
				ID:      fmt.Sprintf("relay-%d", i),
				Address: addr,
			})
		}
		store.SetRelays(relays)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", directory.NewServer(store))
	srv := &http.Server{Addr: *listen, Handler: mux}

	ctx, cancel := signalContext()
	defer cancel()
	go func() {
		<-ctx.Done()
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutCancel()
		_ = srv.Shutdown(shutCtx)
	}()

	logrus.WithField("listen", *listen).Info("directory server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fatal(err)
	}
}

func handleNode(args []string, host bool) {
	name := "join"
	if host {
		name = "host"
	}
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	partyID := fs.String("party", "", "party id")
	partyName := fs.String("party-name", "", "party display name (host only)")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	config.ApplyDefaults(&cfg)
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}
	if !host && *partyID == "" {
		fatal(errors.New("--party is required"))
	}
	if *partyID == "" {
		*partyID = uuid.NewString()
	}

	ctx, cancel := signalContext()
	defer cancel()

	shared, err := punch.ListenShared(fmt.Sprintf(":%d", cfg.Tunnel.ListenPort))
	if err != nil {
		fatal(err)
	}
	defer shared.Close()

	// The socket is bound to the wildcard, so its own address is useless
	// as a published endpoint; pair the real LAN IP with the bound port.
	localAddr := shared.LocalAddr()
	if ip, err := addrutil.LocalIPv4(); err == nil {
		localAddr = netip.AddrPortFrom(ip, localAddr.Port())
	} else {
		fmt.Fprintf(os.Stderr, "local address detection failed: %v\n", err)
	}

	desc := model.PeerDescriptor{
		ID:            cfg.Identity.PeerID,
		Name:          cfg.Identity.Name,
		PublicKey:     cfg.Identity.PublicKey,
		NATClass:      model.NATUnknown,
		LocalEndpoint: localAddr.String(),
	}

	stunClient := stunutil.NewClient()
	if len(cfg.STUN.Servers) > 0 {
		stunClient.Servers = cfg.STUN.Servers
	}
	stunClient.Timeout = time.Duration(cfg.STUN.TimeoutSec) * time.Second

	det, err := stunClient.Detect(ctx, shared, localAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nat detection failed, relay-only: %v\n", err)
	} else {
		desc.NATClass = det.Class
		desc.PublicEndpoint = det.MappedAddr.String()
		fmt.Fprintf(os.Stdout, "nat class=%s mapped=%s\n", det.Class, det.MappedAddr)
	}

	dir, err := directory.New(cfg, staticRelays(cfg), nil)
	if err != nil {
		fatal(err)
	}
	defer dir.Close()

	var party *model.PartyRecord
	if host {
		if err := dir.RegisterParty(ctx, *partyID, *partyName, desc); err != nil {
			fatal(err)
		}
		party, err = dir.GetParty(ctx, *partyID)
		if err != nil {
			fatal(err)
		}
		fmt.Fprintf(os.Stdout, "hosting party=%s\n", *partyID)
	} else {
		party, err = dir.JoinParty(ctx, *partyID, desc)
		if err != nil {
			fatal(err)
		}
		fmt.Fprintf(os.Stdout, "joined party=%s peers=%d\n", *partyID, len(party.Peers))
	}

	selector := relay.NewSelector(dir, cfg.Relay.Static)
	coord := coordinator.New(shared, selector)
	if desc.PublicEndpoint != "" {
		coord.SetLocalEndpoint(desc.PublicEndpoint)
	}
	tunnel := newProbeTunnel()
	session := manager.Session{PeerID: cfg.Identity.PeerID, PartyID: *partyID}

	mgr := manager.New(dir, coord, tunnel, selector, session, cfg.Monitor, nil)
	mgr.SetNATClass(desc.NATClass)
	defer mgr.Close()

	for peerID := range party.Peers {
		if peerID == cfg.Identity.PeerID {
			continue
		}
		rec, err := mgr.ConnectToPeer(ctx, *partyID, peerID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "connect %s: %v\n", peerID, err)
			continue
		}
		fmt.Fprintf(os.Stdout, "peer=%s strategy=%s endpoint=%s vaddr=%s\n",
			rec.PeerID, rec.Strategy, rec.Endpoint, rec.VirtualAddr)
	}

	runNodeLoop(ctx, cfg, dir, mgr, session)
}

// runNodeLoop heartbeats the directory and connects to newly joined peers
// until the context is cancelled.
func runNodeLoop(ctx context.Context, cfg config.Config, dir directory.Directory, mgr *manager.Manager, session manager.Session) {
	heartbeat := time.Duration(cfg.Directory.PeerTimeoutSec) * time.Second / 5
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := dir.Heartbeat(ctx, session.PartyID, session.PeerID); err != nil {
				fmt.Fprintf(os.Stderr, "heartbeat: %v\n", err)
				continue
			}
			party, err := dir.GetParty(ctx, session.PartyID)
			if err != nil {
				continue
			}
			connected := map[string]bool{}
			for _, rec := range mgr.Connections() {
				connected[rec.PeerID] = true
			}
			for peerID := range party.Peers {
				if peerID == session.PeerID || connected[peerID] {
					continue
				}
				if _, err := mgr.ConnectToPeer(ctx, session.PartyID, peerID); err != nil {
					fmt.Fprintf(os.Stderr, "connect %s: %v\n", peerID, err)
				}
			}
		}
	}
}

func handleLeave(args []string) {
	fs := flag.NewFlagSet("leave", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	partyID := fs.String("party", "", "party id")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	config.ApplyDefaults(&cfg)
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}
	if *partyID == "" {
		fatal(errors.New("--party is required"))
	}

	dir, err := directory.New(cfg, staticRelays(cfg), nil)
	if err != nil {
		fatal(err)
	}
	defer dir.Close()

	if err := dir.LeaveParty(context.Background(), *partyID, cfg.Identity.PeerID); err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "left party=%s\n", *partyID)
}

func handleStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	partyID := fs.String("party", "", "party id")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	config.ApplyDefaults(&cfg)
	if *partyID == "" {
		fatal(errors.New("--party is required"))
	}

	dir, err := directory.New(cfg, staticRelays(cfg), nil)
	if err != nil {
		fatal(err)
	}
	defer dir.Close()

	party, err := dir.GetParty(context.Background(), *partyID)
	if err != nil {
		fatal(err)
	}

	fmt.Fprintf(os.Stdout, "party %s (%s) host=%s peers=%d\n", party.ID, party.Name, party.HostID, len(party.Peers))
	fmt.Fprintf(os.Stdout, "%-36s  %-12s  %-22s  %-22s  %-20s  %-20s\n",
		"PEER", "NAT", "PUBLIC", "LOCAL", "LAST_SEEN", "NAME")
	for _, peer := range party.Peers {
		lastSeen := ""
		if !peer.LastSeen.IsZero() {
			lastSeen = peer.LastSeen.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(os.Stdout, "%-36s  %-12s  %-22s  %-22s  %-20s  %-20s\n",
			peer.ID, peer.NATClass, peer.PublicEndpoint, peer.LocalEndpoint, lastSeen, peer.Name)
	}
}

// probeTunnel is the tunnel seam shipped with the binary: it records peer
// endpoints instead of programming a kernel interface, and measures latency
// with a UDP probe to the peer's real endpoint. Real deployments swap in a
// manager.Tunnel backed by the actual tunnel device.
type probeTunnel struct {
	mu      sync.Mutex
	byKey   map[string]string // public key -> endpoint
	byVaddr map[string]string // virtual addr -> public key
	log     *logrus.Entry
}

func newProbeTunnel() *probeTunnel {
	return &probeTunnel{
		byKey:   make(map[string]string),
		byVaddr: make(map[string]string),
		log:     logrus.WithField("component", "tunnel"),
	}
}

func (t *probeTunnel) AddPeer(publicKey, endpoint string, allowedAddrs []string) error {
	t.mu.Lock()
	t.byKey[publicKey] = endpoint
	for _, addr := range allowedAddrs {
		t.byVaddr[strings.TrimSuffix(addr, "/32")] = publicKey
	}
	t.mu.Unlock()
	t.log.WithFields(logrus.Fields{"key": publicKey, "endpoint": endpoint}).Info("tunnel peer configured")
	return nil
}

func (t *probeTunnel) RemovePeer(publicKey string) error {
	t.mu.Lock()
	delete(t.byKey, publicKey)
	for vaddr, key := range t.byVaddr {
		if key == publicKey {
			delete(t.byVaddr, vaddr)
		}
	}
	t.mu.Unlock()
	t.log.WithField("key", publicKey).Info("tunnel peer removed")
	return nil
}

func (t *probeTunnel) MeasureLatency(ctx context.Context, virtualAddr string) (time.Duration, bool) {
	t.mu.Lock()
	key, ok := t.byVaddr[virtualAddr]
	endpoint := t.byKey[key]
	t.mu.Unlock()
	if !ok || endpoint == "" {
		return 0, false
	}
	rtt, err := punch.ProbeLatency(ctx, endpoint, 2*time.Second)
	if err != nil {
		return 0, false
	}
	return rtt, true
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Config{}, errors.New("--config is required")
	}
	return config.Load(path)
}

func staticRelays(cfg config.Config) []model.RelayDescriptor {
	if cfg.Relay.Static == "" {
		return nil
	}
	return []model.RelayDescriptor{{ID: "static", Address: cfg.Relay.Static, Region: "static"}}
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		cancel()
	}()
	return ctx, cancel
}

func fatal(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
