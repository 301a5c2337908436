package ingest

import (
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
)

// ItemID returns the stable id of an inbox file: a version 5 (SHA-1) UUID of
// its absolute path. The same path always maps to the same task and document.
func ItemID(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("file://"+filepath.ToSlash(abs))).String(), nil
}
