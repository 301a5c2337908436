// Package kb wires the knowledge base together. A KB owns the stores, the
// embedding cache, the index manager, the search engine and the ingestion
// pipeline, and is the single value handed to the CLI and the MCP server.
package kb

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/Aman-CERP/amankb/internal/chunk"
	"github.com/Aman-CERP/amankb/internal/config"
	"github.com/Aman-CERP/amankb/internal/embed"
	kberrors "github.com/Aman-CERP/amankb/internal/errors"
	"github.com/Aman-CERP/amankb/internal/index"
	"github.com/Aman-CERP/amankb/internal/ingest"
	"github.com/Aman-CERP/amankb/internal/search"
	"github.com/Aman-CERP/amankb/internal/store"
	"github.com/Aman-CERP/amankb/internal/watcher"
)

// Options overrides parts of the wiring. Zero values use the configuration.
type Options struct {
	Logger *slog.Logger

	// Embedder replaces the configured embedding backend.
	Embedder embed.Embedder

	// Transformer replaces the extension router.
	Transformer ingest.ItemTransformer
}

// KB is the explicit context object for every knowledge base operation.
type KB struct {
	cfg      *config.Config
	logger   *slog.Logger
	meta     *store.SQLiteStore
	vectors  store.EmbeddingStore
	backend  embed.Embedder
	cache    *embed.Cache
	index    *index.Manager
	engine   *search.Engine
	pipeline *ingest.Pipeline
}

// IndexStats is the index summary exposed to callers.
type IndexStats struct {
	Generation     int       `json:"generation"`
	DocCount       int       `json:"doc_count"`
	ChunkCount     int       `json:"chunk_count"`
	BuiltAt        time.Time `json:"built_at,omitzero"`
	Model          string    `json:"model,omitempty"`
	LexicalBackend string    `json:"lexical_backend,omitempty"`
	OnDisk         []int     `json:"on_disk"`
	PendingChanges int       `json:"pending_changes"`
	StoredDocs     int       `json:"stored_docs"`
	StoredChunks   int       `json:"stored_chunks"`
}

// GCResult reports an embedding garbage collection.
type GCResult struct {
	KeptModels []string `json:"kept_models"`
	Removed    int      `json:"removed"`
}

// Open builds a KB from cfg. Close must be called to release it.
func Open(ctx context.Context, cfg *config.Config, opts Options) (*KB, error) {
	if cfg == nil {
		cfg = config.NewConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, kberrors.New(kberrors.ErrCodeStorageFailed, "create data directory", err)
	}

	k := &KB{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			_ = k.Close()
		}
	}()

	meta, err := store.NewSQLiteStore(cfg.MetadataPath(), cfg.Index.MetadataDriver)
	if err != nil {
		return nil, kberrors.New(kberrors.ErrCodeStorageFailed, "open metadata store", err).
			WithDetail("path", cfg.MetadataPath())
	}
	k.meta = meta

	switch cfg.Embeddings.Store {
	case "bolt":
		bolt, err := store.NewBoltEmbeddingStore(cfg.EmbeddingStorePath())
		if err != nil {
			return nil, kberrors.New(kberrors.ErrCodeStorageFailed, "open embedding store", err).
				WithDetail("path", cfg.EmbeddingStorePath())
		}
		k.vectors = bolt
	default:
		k.vectors = meta
	}

	k.backend = opts.Embedder
	if k.backend == nil {
		backend, err := embed.NewEmbedder(cfg.Embeddings)
		if err != nil {
			return nil, err
		}
		k.backend = backend
	}

	k.cache, err = embed.NewCache(k.backend, k.vectors, embed.CacheConfig{
		Size:              cfg.Embeddings.CacheSize,
		Timeout:           cfg.Embeddings.Timeout.D(),
		RequestsPerSecond: cfg.Embeddings.RequestsPerSecond,
		MaxFailures:       cfg.Embeddings.MaxFailures,
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}

	k.index, err = index.NewManager(ctx, index.Config{
		Dir:            cfg.GenerationsDir(),
		Retention:      cfg.Index.Retention,
		LexicalBackend: cfg.Index.BM25Backend,
		Logger:         logger,
	}, meta, k.cache)
	if err != nil {
		return nil, err
	}

	k.engine = search.NewEngine(k.index, k.cache, meta, search.EngineConfig{
		K:          cfg.Search.RRFConstant,
		TopK:       cfg.Search.TopK,
		GroupLimit: cfg.Search.GroupLimit,
		MinScore:   cfg.Search.MinScore,
		Logger:     logger,
	})

	transformer := opts.Transformer
	if transformer == nil {
		transformer = ingest.NewRouter(cfg.Transform, logger)
	}
	chunker := chunk.New(chunk.Options{
		MaxTokens: cfg.Chunking.MaxTokens,
		Overlap:   cfg.Chunking.Overlap,
		MinTokens: cfg.Chunking.MinTokens,
	})
	pcfg := ingest.ConfigFrom(cfg.Ingest)
	pcfg.Logger = logger
	k.pipeline = ingest.New(meta, transformer, ingest.NewStager(chunker, k.cache, meta, "", logger), k.index, pcfg)

	ok = true
	return k, nil
}

// Config returns the configuration the KB was opened with.
func (k *KB) Config() *config.Config { return k.cfg }

// Model returns the embedding model id in use.
func (k *KB) Model() string { return k.cache.Model() }

// Search runs a hybrid query.
func (k *KB) Search(ctx context.Context, req search.Request) (*search.Response, error) {
	return k.engine.Search(ctx, req)
}

// Ingest enqueues paths and processes every due task.
func (k *KB) Ingest(ctx context.Context, paths ...string) (*ingest.RoundResult, error) {
	if _, err := k.pipeline.EnqueuePaths(ctx, paths...); err != nil {
		return nil, err
	}
	return k.pipeline.Drain(ctx)
}

// Watch follows the configured inbox until ctx ends.
func (k *KB) Watch(ctx context.Context, opts watcher.Options) error {
	root := k.cfg.Ingest.Inbox
	if root == "" {
		root = filepath.Join(k.cfg.DataDir, "inbox")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return kberrors.New(kberrors.ErrCodeStorageFailed, "create inbox", err)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = k.cfg.Ingest.PollInterval.D()
	}
	inbox, err := watcher.NewInbox(root, opts, k.logger)
	if err != nil {
		return kberrors.New(kberrors.ErrCodeInvalidInput, "open inbox", err)
	}
	return k.pipeline.Watch(ctx, inbox)
}

// Reprocess moves a dead-lettered task back to pending.
func (k *KB) Reprocess(ctx context.Context, taskID string) error {
	return k.pipeline.Reprocess(ctx, taskID)
}

// ReprocessAll moves every dead-lettered task back to pending.
func (k *KB) ReprocessAll(ctx context.Context) (int, error) {
	return k.pipeline.ReprocessAll(ctx)
}

// DeadLetters lists dead-lettered tasks.
func (k *KB) DeadLetters(ctx context.Context) ([]*store.Task, error) {
	return k.pipeline.DeadLetters(ctx)
}

// IngestStatus returns the ingestion counters.
func (k *KB) IngestStatus(ctx context.Context) (*ingest.Status, error) {
	return k.pipeline.Status(ctx)
}

// Rebuild builds and publishes a new index generation.
func (k *KB) Rebuild(ctx context.Context, full bool) (*index.BuildResult, error) {
	return k.index.Rebuild(ctx, full)
}

// DeleteDocs removes documents from the index and publishes the result.
func (k *KB) DeleteDocs(ctx context.Context, ids []string) (int, error) {
	return k.index.DeleteDocs(ctx, ids)
}

// IndexStats summarizes the live generation and the stored corpus.
func (k *KB) IndexStats(ctx context.Context) (*IndexStats, error) {
	s, err := k.index.Stats(ctx)
	if err != nil {
		return nil, err
	}
	docs, chunks, err := k.meta.Counts(ctx)
	if err != nil {
		return nil, kberrors.New(kberrors.ErrCodeStorageFailed, "count documents", err)
	}
	return &IndexStats{
		Generation:     s.Generation,
		DocCount:       s.DocCount,
		ChunkCount:     s.ChunkCount,
		BuiltAt:        s.BuiltAt,
		Model:          s.Model,
		LexicalBackend: s.LexicalBackend,
		OnDisk:         s.OnDisk,
		PendingChanges: s.PendingChanges,
		StoredDocs:     docs,
		StoredChunks:   chunks,
	}, nil
}

// CacheStats returns the embedding cache counters.
func (k *KB) CacheStats() embed.CacheStats {
	return k.cache.Stats()
}

// GC drops vectors of models no active document references. The current
// model is always kept.
func (k *KB) GC(ctx context.Context) (*GCResult, error) {
	models, err := k.meta.ModelsInUse(ctx)
	if err != nil {
		return nil, kberrors.New(kberrors.ErrCodeStorageFailed, "list models in use", err)
	}
	removed, err := k.cache.GC(ctx, models)
	if err != nil {
		return nil, err
	}
	kept := append([]string{k.cache.Model()}, models...)
	return &GCResult{KeptModels: dedupe(kept), Removed: removed}, nil
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// Close flushes the cache and releases every store.
func (k *KB) Close() error {
	var errs []error
	if k.cache != nil {
		errs = append(errs, k.cache.Close())
	}
	if k.index != nil {
		errs = append(errs, k.index.Close())
	}
	if k.backend != nil {
		errs = append(errs, k.backend.Close())
	}
	if k.vectors != nil && k.vectors != store.EmbeddingStore(k.meta) {
		errs = append(errs, k.vectors.Close())
	}
	if k.meta != nil {
		errs = append(errs, k.meta.Close())
	}
	return errors.Join(errs...)
}
