package store

import (
	"fmt"
	"os"
)

// LexicalBackend names a LexicalIndex implementation.
type LexicalBackend string

const (
	// LexicalBleve uses Bleve v2 (default).
	LexicalBleve LexicalBackend = "bleve"

	// LexicalSQLite uses SQLite FTS5.
	LexicalSQLite LexicalBackend = "sqlite"
)

// NewLexicalIndex opens a LexicalIndex of the given backend.
// basePath has no extension; ".bleve" or ".db" is appended per backend.
// An empty basePath creates an in-memory index.
func NewLexicalIndex(basePath, backend string) (LexicalIndex, error) {
	switch LexicalBackend(backend) {
	case LexicalBleve, "":
		return NewBleveIndex(LexicalIndexPath(basePath, backend))
	case LexicalSQLite:
		return NewSQLiteFTSIndex(LexicalIndexPath(basePath, backend))
	default:
		return nil, fmt.Errorf("unknown lexical backend: %s (valid options: bleve, sqlite)", backend)
	}
}

// LexicalIndexPath returns the on-disk path for a backend, or "" for in-memory.
func LexicalIndexPath(basePath, backend string) string {
	if basePath == "" {
		return ""
	}
	if LexicalBackend(backend) == LexicalSQLite {
		return basePath + ".db"
	}
	return basePath + ".bleve"
}

// DetectLexicalBackend reports which backend an existing index at basePath uses.
// Returns "" when neither exists.
func DetectLexicalBackend(basePath string) LexicalBackend {
	if fileExists(basePath + ".db") {
		return LexicalSQLite
	}
	if dirExists(basePath + ".bleve") {
		return LexicalBleve
	}
	return ""
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
