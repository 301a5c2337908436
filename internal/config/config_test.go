package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/amankb/configs"
	kberrors "github.com/Aman-CERP/amankb/internal/errors"
)

func isolateUserConfig(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
}

func TestNewConfig_Defaults(t *testing.T) {
	cfg := NewConfig()

	assert.Equal(t, 500, cfg.Chunking.MaxTokens)
	assert.InDelta(t, 0.15, cfg.Chunking.Overlap, 1e-9)
	assert.Equal(t, 20, cfg.Chunking.MinTokens)
	assert.Equal(t, 60, cfg.Search.RRFConstant)
	assert.Equal(t, 3, cfg.Search.GroupLimit)
	assert.Equal(t, 3, cfg.Ingest.MaxAttempts)
	assert.Equal(t, 2, cfg.Index.Retention)
	assert.Equal(t, "bleve", cfg.Index.BM25Backend)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	isolateUserConfig(t)
	dir := t.TempDir()
	yml := `
data_dir: ` + filepath.Join(dir, "data") + `
chunking:
  max_tokens: 300
embeddings:
  provider: static
  dimensions: 256
  timeout: 5s
search:
  group_limit: 2
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".amankb.yaml"), []byte(yml), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, 300, cfg.Chunking.MaxTokens)
	assert.Equal(t, 20, cfg.Chunking.MinTokens, "absent keys keep defaults")
	assert.Equal(t, "static", cfg.Embeddings.Provider)
	assert.Equal(t, 5*time.Second, cfg.Embeddings.Timeout.D())
	assert.Equal(t, 2, cfg.Search.GroupLimit)
	assert.Equal(t, filepath.Join(dir, "data", "inbox"), cfg.Ingest.Inbox)
	assert.Equal(t, filepath.Join(dir, "data", "kb.db"), cfg.MetadataPath())
}

func TestLoad_TOML(t *testing.T) {
	isolateUserConfig(t)
	dir := t.TempDir()
	tml := `
data_dir = "` + filepath.ToSlash(filepath.Join(dir, "kb")) + `"

[index]
bm25_backend = "sqlite"
retention = 3

[ingest]
initial_backoff = "250ms"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".amankb.toml"), []byte(tml), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Index.BM25Backend)
	assert.Equal(t, 3, cfg.Index.Retention)
	assert.Equal(t, 250*time.Millisecond, cfg.Ingest.InitialBackoff.D())
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	isolateUserConfig(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".amankb.yaml"), []byte("search:\n  rrf_constant: 10\n"), 0o644))
	t.Setenv("AMANKB_DATA_DIR", filepath.Join(dir, "d"))
	t.Setenv("AMANKB_RRF_CONSTANT", "80")
	t.Setenv("AMANKB_MIN_SCORE", "0.01")

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, 80, cfg.Search.RRFConstant)
	assert.InDelta(t, 0.01, cfg.Search.MinScore, 1e-9)
}

func TestLoad_BadEnvIsConfigurationError(t *testing.T) {
	isolateUserConfig(t)
	t.Setenv("AMANKB_WORKERS", "many")

	_, err := Load(t.TempDir())
	require.Error(t, err)
	assert.True(t, kberrors.IsFatal(err))
}

func TestLoad_MalformedFile(t *testing.T) {
	isolateUserConfig(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".amankb.yaml"), []byte("chunking: [oops"), 0o644))

	_, err := Load(dir)
	require.Error(t, err)
	assert.Equal(t, kberrors.ErrCodeConfigInvalid, kberrors.GetCode(err))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero max tokens", func(c *Config) { c.Chunking.MaxTokens = 0 }},
		{"overlap too large", func(c *Config) { c.Chunking.Overlap = 0.6 }},
		{"min above max", func(c *Config) { c.Chunking.MinTokens = 600 }},
		{"unknown provider", func(c *Config) { c.Embeddings.Provider = "openai" }},
		{"zero dimensions", func(c *Config) { c.Embeddings.Dimensions = 0 }},
		{"unknown store", func(c *Config) { c.Embeddings.Store = "redis" }},
		{"unknown bm25 backend", func(c *Config) { c.Index.BM25Backend = "lucene" }},
		{"zero retention", func(c *Config) { c.Index.Retention = 0 }},
		{"unknown driver", func(c *Config) { c.Index.MetadataDriver = "pg" }},
		{"zero rrf", func(c *Config) { c.Search.RRFConstant = 0 }},
		{"zero top k", func(c *Config) { c.Search.TopK = 0 }},
		{"negative min score", func(c *Config) { c.Search.MinScore = -1 }},
		{"zero workers", func(c *Config) { c.Ingest.Workers = 0 }},
		{"bad level", func(c *Config) { c.Logging.Level = "verbose" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, kberrors.IsFatal(err))
		})
	}
}

func TestWriteYAML_RoundTripsDurations(t *testing.T) {
	isolateUserConfig(t)
	dir := t.TempDir()
	cfg := NewConfig()
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.Embeddings.Timeout = Duration(90 * time.Second)
	require.NoError(t, cfg.WriteYAML(filepath.Join(dir, ".amankb.yaml")))

	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, loaded.Embeddings.Timeout.D())
}

func TestLoadPath_File(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "kb.toml")
	require.NoError(t, os.WriteFile(p, []byte("data_dir = \""+filepath.Join(dir, "data")+"\"\n[search]\ntop_k = 7\n"), 0o644))

	cfg, err := LoadPath(p)

	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Search.TopK)
	assert.Equal(t, filepath.Join(dir, "data", "inbox"), cfg.Ingest.Inbox)
}

func TestLoadPath_DirectoryUsesProjectFile(t *testing.T) {
	isolateUserConfig(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".amankb.yaml"), []byte("search:\n  group_limit: 1\n"), 0o644))

	cfg, err := LoadPath(dir)

	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Search.GroupLimit)
}

func TestLoadPath_Missing(t *testing.T) {
	_, err := LoadPath(filepath.Join(t.TempDir(), "nope.yaml"))

	require.Error(t, err)
	assert.Equal(t, kberrors.ErrCodeConfigNotFound, kberrors.GetCode(err))
}

func TestConfigTemplate_MatchesDefaults(t *testing.T) {
	// Given: the embedded template written to disk
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(configs.ConfigTemplate), 0o644))

	// When
	cfg, err := LoadPath(p)

	// Then: every documented value is the built-in default
	require.NoError(t, err)
	want := NewConfig()
	assert.Equal(t, want.DataDir, cfg.DataDir)
	assert.Equal(t, want.Chunking, cfg.Chunking)
	assert.Equal(t, want.Embeddings, cfg.Embeddings)
	assert.Equal(t, want.Index, cfg.Index)
	assert.Equal(t, want.Search, cfg.Search)
	assert.Equal(t, want.Transform, cfg.Transform)
	assert.Equal(t, want.Logging, cfg.Logging)
	want.Ingest.Inbox = cfg.Ingest.Inbox
	assert.Equal(t, want.Ingest, cfg.Ingest)
}
