// Package sizing persists the VICBF capacity snapshot computed at boot —
// n0, m, k, and the soft rebuild threshold THRESH_UP — to a small JSON
// sidecar file next to the database. It exists purely so an operator-side
// tool can report how close to THRESH_UP the server is without re-scanning
// the blob map; the protocol handler never reads it back for correctness.
//
// Grounded on the sidecar-file-with-mutex idiom used for the CSV engine's
// schema and update-override metadata.
package sizing

import (
	"encoding/json"
	"os"
	"sync"
)

// Snapshot is the capacity state recorded at the most recent boot.
type Snapshot struct {
	N0       int    `json:"n0"`
	M        uint32 `json:"m"`
	K        uint8  `json:"k"`
	ThreshUp int    `json:"threshUp"`

	path string
	mu   sync.Mutex
}

// sidecarSuffix is appended to the database path to derive the sidecar's
// own path, mirroring the convention of deriving one file's name from
// another's.
const sidecarSuffix = ".sizing.json"

// Load reads the sidecar next to dbPath, or returns a zero-valued Snapshot
// if none exists yet (first boot).
func Load(dbPath string) (*Snapshot, error) {
	s := &Snapshot{path: dbPath + sidecarSuffix}

	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		return s, nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Save persists the snapshot to its sidecar path.
func (s *Snapshot) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0644)
}

// Update records a fresh capacity snapshot and saves it.
func (s *Snapshot) Update(n0 int, m uint32, k uint8, threshUp int) error {
	s.mu.Lock()
	s.N0 = n0
	s.M = m
	s.K = k
	s.ThreshUp = threshUp
	s.mu.Unlock()
	return s.Save()
}

// NeedsRebuild reports whether the live element count has crossed
// THRESH_UP, the signal an operator-side tool polls for.
func (s *Snapshot) NeedsRebuild(liveCount int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ThreshUp > 0 && liveCount >= s.ThreshUp
}
