package kb

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const manifestFilename = "manifest.json"

// ManifestEntry tracks one indexed document. ChunkIDs are the vector store
// ids holding its chunks; PurgeMark flags it for deletion on the next
// purge unless it is re-added first.
type ManifestEntry struct {
	Checksum  string   `json:"checksum"`
	ChunkIDs  []string `json:"chunk_ids"`
	PurgeMark bool     `json:"purge_mark"`
}

// Manifest is the authority over what a knowledge base contains. The
// vector store only holds chunks; dedup and the reset/purge protocol run
// against this file.
type Manifest struct {
	Entries map[string]*ManifestEntry `json:"entries"`
}

func newManifest() *Manifest {
	return &Manifest{Entries: map[string]*ManifestEntry{}}
}

func loadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestFilename))
	if err != nil {
		if os.IsNotExist(err) {
			return newManifest(), nil
		}
		return nil, fmt.Errorf("failed to read knowledge base manifest: %w", err)
	}

	m := newManifest()
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("failed to parse knowledge base manifest: %w", err)
	}
	if m.Entries == nil {
		m.Entries = map[string]*ManifestEntry{}
	}
	return m, nil
}

func (m *Manifest) save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(dir, manifestFilename+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, manifestFilename))
}

// markAll sets the purge mark on every entry, returning how many were
// marked.
func (m *Manifest) markAll() int {
	for _, entry := range m.Entries {
		entry.PurgeMark = true
	}
	return len(m.Entries)
}

// marked returns the keys flagged for purge.
func (m *Manifest) marked() []string {
	var keys []string
	for key, entry := range m.Entries {
		if entry.PurgeMark {
			keys = append(keys, key)
		}
	}
	return keys
}
