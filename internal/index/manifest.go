package index

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

const manifestFile = "manifest.json"

// ChunkRef locates a chunk inside a generation. Text lives in the metadata store.
type ChunkRef struct {
	ID         string `json:"id"`
	DocID      string `json:"doc_id"`
	Index      int    `json:"index"`
	Hash       string `json:"hash"`
	Section    string `json:"section,omitempty"`
	Subsection string `json:"subsection,omitempty"`
}

// Manifest lists everything a generation contains.
type Manifest struct {
	Version        int                   `json:"version"`
	BuiltAt        time.Time             `json:"built_at"`
	Model          string                `json:"model"`
	Dimensions     int                   `json:"dimensions"`
	LexicalBackend string                `json:"lexical_backend"`
	Docs           map[string][]ChunkRef `json:"docs"`
}

func newManifest(version int, model string, dims int, backend string) *Manifest {
	return &Manifest{
		Version:        version,
		Model:          model,
		Dimensions:     dims,
		LexicalBackend: backend,
		Docs:           make(map[string][]ChunkRef),
	}
}

// DocIDs returns the document ids in the manifest, sorted.
func (m *Manifest) DocIDs() []string {
	ids := make([]string, 0, len(m.Docs))
	for id := range m.Docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ChunkCount returns the number of chunks across all documents.
func (m *Manifest) ChunkCount() int {
	n := 0
	for _, refs := range m.Docs {
		n += len(refs)
	}
	return n
}

func writeManifest(dir string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	path := filepath.Join(dir, manifestFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename manifest: %w", err)
	}
	return nil
}

func readManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if m.Docs == nil {
		m.Docs = make(map[string][]ChunkRef)
	}
	return &m, nil
}
