package model

import "time"

// NATClass describes the kind of NAT a peer sits behind, ordered roughly by
// traversal difficulty.
type NATClass string

const (
	NATUnknown            NATClass = "unknown"
	NATOpen               NATClass = "open"
	NATFullCone           NATClass = "full_cone"
	NATRestrictedCone     NATClass = "restricted_cone"
	NATPortRestrictedCone NATClass = "port_restricted_cone"
	NATSymmetric          NATClass = "symmetric"
)

// Strategy is how traffic for a connection is routed.
type Strategy string

const (
	StrategyDirect Strategy = "direct"
	StrategyRelay  Strategy = "relay"
)

// Status is the supervised state of a connection.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusDegraded   Status = "degraded"
	StatusFailed     Status = "failed"
)

// PeerDescriptor is a party member's discovery record.
type PeerDescriptor struct {
	ID             string    `yaml:"id" json:"id"`
	Name           string    `yaml:"name" json:"name"`
	PublicKey      string    `yaml:"public_key" json:"public_key"`
	NATClass       NATClass  `yaml:"nat_class" json:"nat_class"`
	PublicEndpoint string    `yaml:"public_endpoint" json:"public_endpoint"`
	LocalEndpoint  string    `yaml:"local_endpoint" json:"local_endpoint"`
	LastSeen       time.Time `yaml:"last_seen" json:"last_seen"`
}

// PartyRecord groups the peers that should mesh with each other.
type PartyRecord struct {
	ID        string                    `yaml:"id" json:"id"`
	Name      string                    `yaml:"name" json:"name"`
	HostID    string                    `yaml:"host_id" json:"host_id"`
	Peers     map[string]PeerDescriptor `yaml:"peers" json:"peers"`
	CreatedAt time.Time                 `yaml:"created_at" json:"created_at"`
}

// Clone returns a deep copy so callers can enumerate peers without holding
// directory locks.
func (p *PartyRecord) Clone() *PartyRecord {
	if p == nil {
		return nil
	}
	out := *p
	out.Peers = make(map[string]PeerDescriptor, len(p.Peers))
	for id, desc := range p.Peers {
		out.Peers[id] = desc
	}
	return &out
}

// RelayDescriptor is a candidate forwarding endpoint. Fetched on demand,
// never persisted.
type RelayDescriptor struct {
	ID       string `yaml:"id" json:"id"`
	Address  string `yaml:"address" json:"address"`
	Region   string `yaml:"region" json:"region"`
	Capacity int    `yaml:"capacity" json:"capacity"`
}

// ConnectionRecord is the manager's view of one supervised peer connection.
// It is owned exclusively by the connection manager.
type ConnectionRecord struct {
	PeerID        string    `json:"peer_id"`
	VirtualAddr   string    `json:"virtual_addr"`
	Endpoint      string    `json:"endpoint"`
	Strategy      Strategy  `json:"strategy"`
	Status        Status    `json:"status"`
	EstablishedAt time.Time `json:"established_at"`
}
