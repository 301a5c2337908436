package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	kberrors "github.com/Aman-CERP/amankb/internal/errors"
)

// Project config file names, in lookup order.
var projectFiles = []string{".amankb.yaml", ".amankb.yml", ".amankb.toml"}

// Config is the complete amankb configuration.
type Config struct {
	// DataDir holds the metadata database, index generations and logs.
	DataDir    string           `yaml:"data_dir" toml:"data_dir" json:"data_dir"`
	Chunking   ChunkingConfig   `yaml:"chunking" toml:"chunking" json:"chunking"`
	Embeddings EmbeddingsConfig `yaml:"embeddings" toml:"embeddings" json:"embeddings"`
	Index      IndexConfig      `yaml:"index" toml:"index" json:"index"`
	Search     SearchConfig     `yaml:"search" toml:"search" json:"search"`
	Ingest     IngestConfig     `yaml:"ingest" toml:"ingest" json:"ingest"`
	Transform  TransformConfig  `yaml:"transform" toml:"transform" json:"transform"`
	Logging    LoggingConfig    `yaml:"logging" toml:"logging" json:"logging"`
}

// ChunkingConfig configures the hierarchical chunker.
type ChunkingConfig struct {
	MaxTokens int `yaml:"max_tokens" toml:"max_tokens" json:"max_tokens"`
	// Overlap is the fraction of MaxTokens repeated between consecutive chunks (0.10-0.20).
	Overlap   float64 `yaml:"overlap" toml:"overlap" json:"overlap"`
	MinTokens int     `yaml:"min_tokens" toml:"min_tokens" json:"min_tokens"`
}

// EmbeddingsConfig configures the embedding backend and cache.
type EmbeddingsConfig struct {
	// Provider is "ollama" or "static".
	Provider   string `yaml:"provider" toml:"provider" json:"provider"`
	Model      string `yaml:"model" toml:"model" json:"model"`
	Dimensions int    `yaml:"dimensions" toml:"dimensions" json:"dimensions"`
	OllamaHost string `yaml:"ollama_host" toml:"ollama_host" json:"ollama_host"`

	// Timeout bounds a single backend call.
	Timeout   Duration `yaml:"timeout" toml:"timeout" json:"timeout"`
	BatchSize int      `yaml:"batch_size" toml:"batch_size" json:"batch_size"`

	// CacheSize is the number of vectors held in the in-memory LRU.
	CacheSize int `yaml:"cache_size" toml:"cache_size" json:"cache_size"`

	// RequestsPerSecond limits backend calls. Zero disables the limiter.
	RequestsPerSecond float64 `yaml:"requests_per_second" toml:"requests_per_second" json:"requests_per_second"`

	// Store is the persisted vector store: "sqlite" (metadata database) or "bolt".
	Store string `yaml:"store" toml:"store" json:"store"`

	// MaxFailures opens the provider circuit after this many consecutive transient failures.
	MaxFailures int `yaml:"max_failures" toml:"max_failures" json:"max_failures"`
}

// IndexConfig configures the blue-green index store.
type IndexConfig struct {
	// BM25Backend is "bleve" or "sqlite".
	BM25Backend string `yaml:"bm25_backend" toml:"bm25_backend" json:"bm25_backend"`

	// Retention is the number of generations kept on disk, the live one included.
	Retention int `yaml:"retention" toml:"retention" json:"retention"`

	// MetadataDriver selects the database/sql driver: "sqlite" (pure Go) or "sqlite3" (cgo).
	MetadataDriver string `yaml:"metadata_driver" toml:"metadata_driver" json:"metadata_driver"`
}

// SearchConfig configures rank fusion defaults.
type SearchConfig struct {
	RRFConstant int     `yaml:"rrf_constant" toml:"rrf_constant" json:"rrf_constant"`
	TopK        int     `yaml:"top_k" toml:"top_k" json:"top_k"`
	GroupLimit  int     `yaml:"group_limit" toml:"group_limit" json:"group_limit"`
	MinScore    float64 `yaml:"min_score" toml:"min_score" json:"min_score"`
}

// IngestConfig configures the ingestion pipeline.
type IngestConfig struct {
	// Inbox is the directory watched for new items. Defaults to DataDir/inbox.
	Inbox          string   `yaml:"inbox" toml:"inbox" json:"inbox"`
	Workers        int      `yaml:"workers" toml:"workers" json:"workers"`
	MaxAttempts    int      `yaml:"max_attempts" toml:"max_attempts" json:"max_attempts"`
	InitialBackoff Duration `yaml:"initial_backoff" toml:"initial_backoff" json:"initial_backoff"`
	MaxBackoff     Duration `yaml:"max_backoff" toml:"max_backoff" json:"max_backoff"`
	TaskTimeout    Duration `yaml:"task_timeout" toml:"task_timeout" json:"task_timeout"`
	PollInterval   Duration `yaml:"poll_interval" toml:"poll_interval" json:"poll_interval"`
}

// TransformConfig configures the external OCR and speech-to-text services.
// An empty URL disables that transform; items routed to it fail as unsupported.
type TransformConfig struct {
	OCRURL            string   `yaml:"ocr_url" toml:"ocr_url" json:"ocr_url"`
	SpeechURL         string   `yaml:"speech_url" toml:"speech_url" json:"speech_url"`
	Timeout           Duration `yaml:"timeout" toml:"timeout" json:"timeout"`
	RequestsPerSecond float64  `yaml:"requests_per_second" toml:"requests_per_second" json:"requests_per_second"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level     string `yaml:"level" toml:"level" json:"level"`
	File      string `yaml:"file" toml:"file" json:"file"`
	MaxSizeMB int    `yaml:"max_size_mb" toml:"max_size_mb" json:"max_size_mb"`
	MaxFiles  int    `yaml:"max_files" toml:"max_files" json:"max_files"`
	Stderr    bool   `yaml:"stderr" toml:"stderr" json:"stderr"`
}

// NewConfig returns a Config populated with defaults.
func NewConfig() *Config {
	return &Config{
		DataDir: defaultDataDir(),
		Chunking: ChunkingConfig{
			MaxTokens: 500,
			Overlap:   0.15,
			MinTokens: 20,
		},
		Embeddings: EmbeddingsConfig{
			Provider:          "ollama",
			Model:             "nomic-embed-text",
			Dimensions:        768,
			OllamaHost:        "http://localhost:11434",
			Timeout:           Duration(60 * time.Second),
			BatchSize:         32,
			CacheSize:         10000,
			RequestsPerSecond: 0,
			Store:             "sqlite",
			MaxFailures:       5,
		},
		Index: IndexConfig{
			BM25Backend:    "bleve",
			Retention:      2,
			MetadataDriver: "sqlite",
		},
		Search: SearchConfig{
			RRFConstant: 60,
			TopK:        10,
			GroupLimit:  3,
			MinScore:    0,
		},
		Ingest: IngestConfig{
			Workers:        4,
			MaxAttempts:    3,
			InitialBackoff: Duration(2 * time.Second),
			MaxBackoff:     Duration(time.Minute),
			TaskTimeout:    Duration(5 * time.Minute),
			PollInterval:   Duration(time.Second),
		},
		Transform: TransformConfig{
			Timeout:           Duration(2 * time.Minute),
			RequestsPerSecond: 2,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSizeMB: 10,
			MaxFiles:  5,
			Stderr:    true,
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".amankb")
	}
	return filepath.Join(home, ".amankb")
}

// GetUserConfigPath returns the user-level config path, honouring XDG_CONFIG_HOME.
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "amankb", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "amankb", "config.yaml")
}

// Load builds the configuration for dir. Precedence, lowest first:
//  1. Defaults
//  2. User config (~/.config/amankb/config.yaml)
//  3. Project config (.amankb.yaml, .amankb.yml or .amankb.toml in dir)
//  4. Environment variables (AMANKB_*)
func Load(dir string) (*Config, error) {
	cfg := NewConfig()

	if p := GetUserConfigPath(); p != "" && fileExists(p) {
		if err := cfg.LoadFile(p); err != nil {
			return nil, err
		}
	}

	for _, name := range projectFiles {
		p := filepath.Join(dir, name)
		if fileExists(p) {
			if err := cfg.LoadFile(p); err != nil {
				return nil, err
			}
			break
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	cfg.resolvePaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadPath builds the configuration from an explicit location. A directory is
// treated like Load; a file replaces the user and project lookup but still
// takes environment overrides.
func LoadPath(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, kberrors.New(kberrors.ErrCodeConfigNotFound, "config path "+path+" does not exist", err)
	}
	if info.IsDir() {
		return Load(path)
	}

	cfg := NewConfig()
	if err := cfg.LoadFile(path); err != nil {
		return nil, err
	}
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	cfg.resolvePaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile decodes path over the current values. Keys absent from the file keep
// their existing values. The format follows the file extension.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return kberrors.New(kberrors.ErrCodeConfigNotFound, "failed to read config file "+path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, c)
	default:
		err = yaml.Unmarshal(data, c)
	}
	if err != nil {
		return kberrors.Configuration("failed to parse config file "+path, err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v := os.Getenv(key)
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return kberrors.Configuration(fmt.Sprintf("%s must be an integer, got %q", key, v), err)
		}
		*dst = n
		return nil
	}

	str("AMANKB_DATA_DIR", &c.DataDir)
	str("AMANKB_EMBEDDINGS_PROVIDER", &c.Embeddings.Provider)
	str("AMANKB_EMBEDDINGS_MODEL", &c.Embeddings.Model)
	str("AMANKB_OLLAMA_HOST", &c.Embeddings.OllamaHost)
	str("AMANKB_BM25_BACKEND", &c.Index.BM25Backend)
	str("AMANKB_INBOX", &c.Ingest.Inbox)
	str("AMANKB_OCR_URL", &c.Transform.OCRURL)
	str("AMANKB_SPEECH_URL", &c.Transform.SpeechURL)
	str("AMANKB_LOG_LEVEL", &c.Logging.Level)

	for key, dst := range map[string]*int{
		"AMANKB_EMBEDDINGS_DIMENSIONS": &c.Embeddings.Dimensions,
		"AMANKB_RRF_CONSTANT":          &c.Search.RRFConstant,
		"AMANKB_GROUP_LIMIT":           &c.Search.GroupLimit,
		"AMANKB_WORKERS":               &c.Ingest.Workers,
	} {
		if err := num(key, dst); err != nil {
			return err
		}
	}

	if v := os.Getenv("AMANKB_MIN_SCORE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return kberrors.Configuration(fmt.Sprintf("AMANKB_MIN_SCORE must be a number, got %q", v), err)
		}
		c.Search.MinScore = f
	}
	return nil
}

// resolvePaths expands "~" and fills paths derived from DataDir.
func (c *Config) resolvePaths() {
	c.DataDir = expandHome(c.DataDir)
	if c.Ingest.Inbox == "" {
		c.Ingest.Inbox = filepath.Join(c.DataDir, "inbox")
	}
	c.Ingest.Inbox = expandHome(c.Ingest.Inbox)
	if c.Logging.File != "" {
		c.Logging.File = expandHome(c.Logging.File)
	}
}

// Validate checks every section and returns a configuration error for the first violation.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return kberrors.Configuration(fmt.Sprintf(format, args...), nil)
	}

	if c.DataDir == "" {
		return invalid("data_dir must be set")
	}
	if c.Chunking.MaxTokens <= 0 {
		return invalid("chunking.max_tokens must be positive, got %d", c.Chunking.MaxTokens)
	}
	if c.Chunking.Overlap < 0 || c.Chunking.Overlap >= 0.5 {
		return invalid("chunking.overlap must be in [0, 0.5), got %.2f", c.Chunking.Overlap)
	}
	if c.Chunking.MinTokens < 0 || c.Chunking.MinTokens >= c.Chunking.MaxTokens {
		return invalid("chunking.min_tokens must be in [0, max_tokens), got %d", c.Chunking.MinTokens)
	}

	switch strings.ToLower(c.Embeddings.Provider) {
	case "ollama", "static":
	default:
		return invalid("embeddings.provider must be 'ollama' or 'static', got %q", c.Embeddings.Provider)
	}
	if c.Embeddings.Model == "" {
		return invalid("embeddings.model must be set")
	}
	if c.Embeddings.Dimensions <= 0 {
		return invalid("embeddings.dimensions must be positive, got %d", c.Embeddings.Dimensions)
	}
	if c.Embeddings.Timeout <= 0 {
		return invalid("embeddings.timeout must be positive")
	}
	switch c.Embeddings.Store {
	case "sqlite", "bolt":
	default:
		return invalid("embeddings.store must be 'sqlite' or 'bolt', got %q", c.Embeddings.Store)
	}

	switch c.Index.BM25Backend {
	case "bleve", "sqlite":
	default:
		return invalid("index.bm25_backend must be 'bleve' or 'sqlite', got %q", c.Index.BM25Backend)
	}
	if c.Index.Retention < 1 {
		return invalid("index.retention must be at least 1, got %d", c.Index.Retention)
	}
	switch c.Index.MetadataDriver {
	case "sqlite", "sqlite3":
	default:
		return invalid("index.metadata_driver must be 'sqlite' or 'sqlite3', got %q", c.Index.MetadataDriver)
	}

	if c.Search.RRFConstant <= 0 {
		return invalid("search.rrf_constant must be positive, got %d", c.Search.RRFConstant)
	}
	if c.Search.TopK <= 0 {
		return invalid("search.top_k must be positive, got %d", c.Search.TopK)
	}
	if c.Search.GroupLimit < 0 {
		return invalid("search.group_limit must be non-negative, got %d", c.Search.GroupLimit)
	}
	if c.Search.MinScore < 0 {
		return invalid("search.min_score must be non-negative, got %f", c.Search.MinScore)
	}

	if c.Ingest.Workers <= 0 {
		return invalid("ingest.workers must be positive, got %d", c.Ingest.Workers)
	}
	if c.Ingest.MaxAttempts <= 0 {
		return invalid("ingest.max_attempts must be positive, got %d", c.Ingest.MaxAttempts)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return invalid("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	return nil
}

// MetadataPath is the SQLite database holding documents, chunks, embeddings and tasks.
func (c *Config) MetadataPath() string {
	return filepath.Join(c.DataDir, "kb.db")
}

// GenerationsDir is the parent directory of all index generations.
func (c *Config) GenerationsDir() string {
	return filepath.Join(c.DataDir, "generations")
}

// EmbeddingStorePath is the bbolt file used when embeddings.store is "bolt".
func (c *Config) EmbeddingStorePath() string {
	return filepath.Join(c.DataDir, "embeddings.bolt")
}

// LogPath returns the configured log file, defaulting to DataDir/logs/amankb.log.
func (c *Config) LogPath() string {
	if c.Logging.File != "" {
		return c.Logging.File
	}
	return filepath.Join(c.DataDir, "logs", "amankb.log")
}

// WriteYAML writes the configuration to path.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
