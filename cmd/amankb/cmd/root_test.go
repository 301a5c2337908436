package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kberrors "github.com/Aman-CERP/amankb/internal/errors"
	"github.com/Aman-CERP/amankb/internal/ingest"
	"github.com/Aman-CERP/amankb/pkg/version"
)

// isolate points every config source at temp directories and selects the
// offline embedder.
func isolate(t *testing.T) string {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	dataDir := t.TempDir()
	t.Setenv("AMANKB_DATA_DIR", dataDir)
	t.Setenv("AMANKB_EMBEDDINGS_PROVIDER", "static")
	t.Setenv("AMANKB_EMBEDDINGS_DIMENSIONS", "64")
	t.Chdir(t.TempDir())
	return dataDir
}

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return buf.String(), err
}

func writeNotes(t *testing.T, notes map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, text := range notes {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(text), 0o644))
	}
	return dir
}

func TestVersionCmd(t *testing.T) {
	out, err := runCmd(t, "version", "--short")
	require.NoError(t, err)
	assert.Equal(t, version.Version+"\n", out)

	out, err = runCmd(t, "version", "--json")
	require.NoError(t, err)
	var info map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, version.Version, info["version"])

	out, err = runCmd(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "amankb "))
}

func TestIngestSearchStats(t *testing.T) {
	// Given: two notes and an unsupported file
	isolate(t)
	notes := writeNotes(t, map[string]string{
		"brot.md":  "# Brot\n\nSauerteig braucht einen aktiven Starter.",
		"tax.txt":  "The tax return is due in July.",
		"blob.bin": "binary",
	})

	// When: ingesting the folder
	out, err := runCmd(t, "ingest", notes)

	// Then
	require.NoError(t, err)
	assert.Contains(t, out, "2 succeeded")
	assert.Contains(t, out, "1 dead-lettered")
	assert.Contains(t, out, "index generation 1")

	// When: searching with JSON output
	out, err = runCmd(t, "search", "Sauerteig", "Starter", "--json", "--top-k", "3")

	// Then
	require.NoError(t, err)
	var resp struct {
		Generation int `json:"generation"`
		Results    []struct {
			DocID   string `json:"doc_id"`
			Section string `json:"section"`
			Text    string `json:"text"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, 1, resp.Generation)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, "Brot", resp.Results[0].Section)
	brotID, err := ingest.ItemID(filepath.Join(notes, "brot.md"))
	require.NoError(t, err)
	assert.Equal(t, brotID, resp.Results[0].DocID)

	// When: reading stats
	out, err = runCmd(t, "stats", "--json")

	// Then
	require.NoError(t, err)
	var stats struct {
		Index struct {
			Generation int `json:"generation"`
			DocCount   int `json:"doc_count"`
		} `json:"index"`
		Ingest struct {
			Processed       int `json:"processed"`
			DeadLetterCount int `json:"deadletter_count"`
		} `json:"ingest"`
		Model string `json:"model"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, 1, stats.Index.Generation)
	assert.Equal(t, 2, stats.Index.DocCount)
	assert.Equal(t, 2, stats.Ingest.Processed)
	assert.Equal(t, 1, stats.Ingest.DeadLetterCount)
	assert.Equal(t, "static-64", stats.Model)
}

func TestSearchCmd_PlainOutput(t *testing.T) {
	isolate(t)
	notes := writeNotes(t, map[string]string{"garden.md": "# Garden\n\nTomatoes need sun and water."})
	_, err := runCmd(t, "ingest", notes)
	require.NoError(t, err)

	out, err := runCmd(t, "search", "tomatoes")

	require.NoError(t, err)
	assert.Contains(t, out, "Garden")
	assert.Contains(t, out, "Tomatoes need sun")
	assert.Contains(t, out, "generation 1")
}

func TestSearchCmd_NoGeneration(t *testing.T) {
	isolate(t)

	_, err := runCmd(t, "search", "anything")

	require.Error(t, err)
	assert.Equal(t, kberrors.ErrCodeNotFound, kberrors.GetCode(err))
}

func TestSearchCmd_RequiresQuery(t *testing.T) {
	isolate(t)

	_, err := runCmd(t, "search")

	assert.Error(t, err)
}

func TestDeadLetterCmds(t *testing.T) {
	// Given: two unsupported files in the dead-letter queue
	isolate(t)
	notes := writeNotes(t, map[string]string{"a.bin": "x", "b.bin": "y"})
	_, err := runCmd(t, "ingest", notes)
	require.NoError(t, err)

	// When: listing
	out, err := runCmd(t, "deadletter", "list")

	// Then
	require.NoError(t, err)
	assert.Contains(t, out, "a.bin")
	assert.Contains(t, out, "b.bin")
	assert.Contains(t, out, "unsupported format")

	// When: reprocessing one by id
	id, err := ingest.ItemID(filepath.Join(notes, "a.bin"))
	require.NoError(t, err)
	out, err = runCmd(t, "deadletter", "reprocess", id)

	// Then
	require.NoError(t, err)
	assert.Contains(t, out, "Requeued "+id)

	// When: reprocessing the rest
	out, err = runCmd(t, "dlq", "reprocess", "--all")

	// Then: only the remaining dead letter moves
	require.NoError(t, err)
	assert.Contains(t, out, "Requeued 1 tasks")
}

func TestDeadLetterReprocess_ArgValidation(t *testing.T) {
	isolate(t)

	_, err := runCmd(t, "deadletter", "reprocess")
	assert.Error(t, err)

	_, err = runCmd(t, "deadletter", "reprocess", "id", "--all")
	assert.Error(t, err)

	_, err = runCmd(t, "deadletter", "reprocess", "missing")
	require.Error(t, err)
	assert.Equal(t, kberrors.ErrCodeNotFound, kberrors.GetCode(err))
}

func TestRebuildAndDelete(t *testing.T) {
	// Given
	isolate(t)
	notes := writeNotes(t, map[string]string{"a.md": "alpha note", "b.md": "beta note"})
	_, err := runCmd(t, "ingest", notes)
	require.NoError(t, err)

	// When: a full rebuild
	out, err := runCmd(t, "rebuild", "--full")

	// Then
	require.NoError(t, err)
	assert.Contains(t, out, "Built generation 2 (full): 2 documents")

	// When: deleting one document and an unknown id
	id, err := ingest.ItemID(filepath.Join(notes, "a.md"))
	require.NoError(t, err)
	out, err = runCmd(t, "delete", id, "no-such-doc")

	// Then
	require.NoError(t, err)
	assert.Contains(t, out, "1 of 2 documents were not found")
	assert.Contains(t, out, "Removed 1 documents")

	out, err = runCmd(t, "stats", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"generation": 3`)
	assert.Contains(t, out, `"doc_count": 1`)
}

func TestGCCmd(t *testing.T) {
	isolate(t)

	out, err := runCmd(t, "gc")

	require.NoError(t, err)
	assert.Contains(t, out, "Removed 0 embeddings")
	assert.Contains(t, out, "static-64")
}

func TestConfigCmds(t *testing.T) {
	dataDir := isolate(t)

	out, err := runCmd(t, "config", "show", "--json")
	require.NoError(t, err)
	var cfg map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &cfg))
	assert.Equal(t, dataDir, cfg["data_dir"])

	out, err = runCmd(t, "config", "path")
	require.NoError(t, err)
	path := strings.TrimSpace(out)
	assert.Equal(t, filepath.Join(os.Getenv("XDG_CONFIG_HOME"), "amankb", "config.yaml"), path)

	out, err = runCmd(t, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, "Created user configuration")
	assert.FileExists(t, path)

	out, err = runCmd(t, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, "already exists")
}

func TestConfigFlag(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	p := filepath.Join(dir, "kb.yaml")
	require.NoError(t, os.WriteFile(p, []byte("search:\n  top_k: 4\n"), 0o644))

	out, err := runCmd(t, "--config", p, "config", "show", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"top_k": 4`)

	_, err = runCmd(t, "--config", filepath.Join(dir, "missing.yaml"), "stats")
	require.Error(t, err)
	assert.Equal(t, kberrors.ErrCodeConfigNotFound, kberrors.GetCode(err))
}
