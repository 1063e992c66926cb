package directory

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"partymesh/internal/model"
)

// snapshot is the persisted local-mode state, written after every mutating
// operation and reloaded at startup.
type snapshot struct {
	Parties   map[string]*model.PartyRecord `yaml:"parties"`
	MyPeerID  string                        `yaml:"my_peer_id"`
	MyPartyID string                        `yaml:"my_party_id"`
	UpdatedAt time.Time                     `yaml:"updated_at"`
}

// loadSnapshot reads the snapshot from disk. A missing file yields an empty
// snapshot.
func loadSnapshot(path string) (snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return snapshot{}, nil
		}
		return snapshot{}, err
	}

	var snap snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return snapshot{}, err
	}
	return snap, nil
}

// saveSnapshot writes the snapshot to disk.
func saveSnapshot(path string, snap snapshot) error {
	data, err := yaml.Marshal(&snap)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
