// Package index maintains the blue-green index generations behind an atomic alias.
//
// Each build writes a complete generation into a fresh gen-NNNNNN directory.
// Only a fully built and persisted generation is published, with a single
// atomic pointer store, so a reader sees either the old generation or the new
// one and never a mix. A failed build leaves the alias untouched.
package index

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Aman-CERP/amankb/internal/embed"
	kberrors "github.com/Aman-CERP/amankb/internal/errors"
	"github.com/Aman-CERP/amankb/internal/store"
)

// State keys in the metadata store.
const (
	StateAlias     = "index.alias"
	StateHighWater = "index.high_water"
)

// DefaultRetention is the number of generations kept on disk.
const DefaultRetention = 2

// Embedder supplies chunk vectors during a build. *embed.Cache implements it.
type Embedder interface {
	Model() string
	Dimensions() int
	GetOrComputeBatch(ctx context.Context, modelID string, items []embed.Item) ([][]float32, error)
}

// Config configures a Manager.
type Config struct {
	// Dir is the parent directory of all generations.
	Dir string

	// Retention is the number of generations kept on disk, the live one included.
	Retention int

	// LexicalBackend is "bleve" or "sqlite".
	LexicalBackend string

	Logger *slog.Logger
}

// BuildResult describes a completed build.
type BuildResult struct {
	Version  int           `json:"version"`
	Full     bool          `json:"full"`
	Docs     int           `json:"docs"`
	Chunks   int           `json:"chunks"`
	Applied  int           `json:"applied_changes"`
	Duration time.Duration `json:"duration"`
}

// Stats describes the live generation.
type Stats struct {
	Generation     int       `json:"generation"`
	DocCount       int       `json:"doc_count"`
	ChunkCount     int       `json:"chunk_count"`
	BuiltAt        time.Time `json:"built_at,omitempty"`
	Model          string    `json:"model,omitempty"`
	LexicalBackend string    `json:"lexical_backend,omitempty"`
	OnDisk         []int     `json:"on_disk"`
	PendingChanges int       `json:"pending_changes"`
}

// Manager owns the generations and the alias.
type Manager struct {
	cfg      Config
	meta     store.MetadataStore
	embedder Embedder
	logger   *slog.Logger

	alias atomic.Pointer[Generation]

	buildMu sync.Mutex
	lock    *BuildLock

	mu       sync.Mutex
	draining map[int]*Generation // previous aliases still open for readers

	closed atomic.Bool
}

// NewManager opens the generation the persisted alias points at, if any.
// An unreadable alias generation is reported and left on disk; the manager
// starts without a live generation until the next successful build.
func NewManager(ctx context.Context, cfg Config, meta store.MetadataStore, embedder Embedder) (*Manager, error) {
	if cfg.Dir == "" {
		return nil, kberrors.Configuration("index directory is required", nil)
	}
	if cfg.Retention < 1 {
		cfg.Retention = DefaultRetention
	}
	if cfg.LexicalBackend == "" {
		cfg.LexicalBackend = string(store.LexicalBleve)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create generations dir: %w", err)
	}

	m := &Manager{
		cfg:      cfg,
		meta:     meta,
		embedder: embedder,
		logger:   cfg.Logger,
		lock:     NewBuildLock(cfg.Dir),
		draining: make(map[int]*Generation),
	}

	raw, err := meta.GetState(ctx, StateAlias)
	if err != nil {
		return nil, fmt.Errorf("failed to read index alias: %w", err)
	}
	if raw == "" {
		return m, nil
	}
	version, err := strconv.Atoi(raw)
	if err != nil {
		m.logger.Error("index_alias_invalid", slog.String("alias", raw))
		return m, nil
	}

	g, err := openGeneration(GenerationDir(cfg.Dir, version), m.logger)
	if err != nil {
		m.logger.Error("index_alias_unreadable",
			slog.Int("version", version),
			kberrors.LogAttr(err))
		return m, nil
	}
	m.alias.Store(g)
	m.logger.Info("index_opened",
		slog.Int("version", version),
		slog.Int("docs", g.DocCount()),
		slog.Int("chunks", g.ChunkCount()))
	return m, nil
}

// Current returns the live generation version, or 0 when none is published.
func (m *Manager) Current() int {
	if g := m.alias.Load(); g != nil {
		return g.Version()
	}
	return 0
}

// Acquire pins the live generation. The returned release func must be called
// exactly once when the reader is done; a pinned generation is never closed.
func (m *Manager) Acquire() (*Generation, func(), error) {
	for {
		if m.closed.Load() {
			return nil, nil, kberrors.New(kberrors.ErrCodeInvalidState, "index manager is closed", nil)
		}
		g := m.alias.Load()
		if g == nil {
			return nil, nil, kberrors.New(kberrors.ErrCodeNotFound, "no index generation has been built", nil).
				WithDetail("resource", "generation").
				WithSuggestion("Run 'amankb rebuild --full'")
		}
		if g.acquire() {
			var once sync.Once
			return g, func() { once.Do(g.release) }, nil
		}
		// A retired generation that is still the alias is only possible after Close.
		if m.alias.Load() == g {
			return nil, nil, kberrors.New(kberrors.ErrCodeInvalidState, "index generation is closed", nil)
		}
	}
}

// Rebuild builds generation N = latest + 1 and publishes it. A full rebuild
// reads every active document; an incremental one starts from the live
// manifest and applies the staged changes. Falls back to full when nothing is live.
func (m *Manager) Rebuild(ctx context.Context, full bool) (*BuildResult, error) {
	if m.closed.Load() {
		return nil, kberrors.New(kberrors.ErrCodeInvalidState, "index manager is closed", nil)
	}

	m.buildMu.Lock()
	defer m.buildMu.Unlock()

	acquired, err := m.lock.TryLock()
	if err != nil {
		return nil, kberrors.IndexBuild("failed to take build lock", err)
	}
	if !acquired {
		return nil, kberrors.New(kberrors.ErrCodeBuildInProgress, "another process is building the index", nil).
			WithDetail("lock", m.lock.Path())
	}
	defer func() {
		if err := m.lock.Unlock(); err != nil {
			m.logger.Warn("build_lock_release_failed", slog.String("error", err.Error()))
		}
	}()

	start := time.Now()
	live := m.alias.Load()
	if !full && live == nil {
		full = true
	}

	changes, err := m.meta.PendingChanges(ctx)
	if err != nil {
		return nil, kberrors.IndexBuild("failed to read pending changes", err)
	}
	var upTo int64
	for _, c := range changes {
		upTo = max(upTo, c.Seq)
	}

	version, err := m.nextVersion(ctx, live)
	if err != nil {
		return nil, kberrors.IndexBuild("failed to allocate generation", err)
	}

	m.logger.Info("index_build_started",
		slog.Int("version", version),
		slog.Bool("full", full),
		slog.Int("pending_changes", len(changes)))

	manifest := newManifest(version, m.embedder.Model(), m.embedder.Dimensions(), m.cfg.LexicalBackend)
	gen, err := createGeneration(m.cfg.Dir, manifest, m.logger)
	if err != nil {
		return nil, kberrors.IndexBuild("failed to create generation", err).
			WithDetail("version", strconv.Itoa(version))
	}

	if full {
		err = m.populateFull(ctx, gen)
	} else {
		err = m.populateIncremental(ctx, gen, live, changes)
	}
	if err == nil {
		gen.manifest.BuiltAt = time.Now().UTC()
		err = gen.seal()
	}
	if err != nil {
		gen.retire(true)
		m.logger.Error("index_build_failed",
			slog.Int("version", version),
			slog.Int("live", m.Current()),
			kberrors.LogAttr(err))
		return nil, kberrors.IndexBuild(fmt.Sprintf("failed to build generation %d", version), err).
			WithDetail("version", strconv.Itoa(version))
	}

	prev := m.alias.Swap(gen)
	if err := m.meta.SetState(ctx, StateAlias, strconv.Itoa(version)); err != nil {
		m.logger.Error("index_alias_persist_failed", slog.Int("version", version), slog.String("error", err.Error()))
	}
	if upTo > 0 {
		if err := m.meta.ClearPendingChanges(ctx, upTo); err != nil {
			m.logger.Warn("pending_changes_clear_failed", slog.String("error", err.Error()))
		}
	}
	if prev != nil {
		m.mu.Lock()
		m.draining[prev.Version()] = prev
		m.mu.Unlock()
		prev.retire(false)
	}
	m.applyRetention()

	result := &BuildResult{
		Version:  version,
		Full:     full,
		Docs:     gen.DocCount(),
		Chunks:   gen.ChunkCount(),
		Applied:  len(changes),
		Duration: time.Since(start),
	}
	m.logger.Info("index_build_completed",
		slog.Int("version", version),
		slog.Int("docs", result.Docs),
		slog.Int("chunks", result.Chunks),
		slog.Duration("duration", result.Duration))
	return result, nil
}

// nextVersion allocates latest + 1 and records it, so a failed build's number is never reused.
func (m *Manager) nextVersion(ctx context.Context, live *Generation) (int, error) {
	latest := 0
	if live != nil {
		latest = live.Version()
	}
	raw, err := m.meta.GetState(ctx, StateHighWater)
	if err != nil {
		return 0, err
	}
	if raw != "" {
		if hw, err := strconv.Atoi(raw); err == nil {
			latest = max(latest, hw)
		}
	}
	onDisk, err := listGenerations(m.cfg.Dir)
	if err != nil {
		return 0, err
	}
	if len(onDisk) > 0 {
		latest = max(latest, onDisk[len(onDisk)-1])
	}

	next := latest + 1
	if err := m.meta.SetState(ctx, StateHighWater, strconv.Itoa(next)); err != nil {
		return 0, err
	}
	return next, nil
}

func (m *Manager) populateFull(ctx context.Context, gen *Generation) error {
	ids, err := m.meta.ActiveDocumentIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := m.addDoc(ctx, gen, id); err != nil {
			return err
		}
	}
	return nil
}

// populateIncremental streams the live manifest's untouched documents, then
// applies the staged changes in staging order.
func (m *Manager) populateIncremental(ctx context.Context, gen *Generation, live *Generation, changes []store.Change) error {
	touched := make(map[string]bool, len(changes))
	for _, c := range changes {
		touched[c.DocID] = true
	}

	for _, id := range live.Manifest().DocIDs() {
		if touched[id] {
			continue
		}
		if err := m.addDoc(ctx, gen, id); err != nil {
			return err
		}
	}

	for _, c := range changes {
		var err error
		switch c.Op {
		case store.ChangeUpsert:
			err = m.addDoc(ctx, gen, c.DocID)
		case store.ChangeDelete:
			err = gen.Delete(ctx, []string{c.DocID})
		default:
			m.logger.Warn("pending_change_unknown_op", slog.String("op", c.Op), slog.Int64("seq", c.Seq))
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// addDoc streams one document's chunks and vectors into gen.
func (m *Manager) addDoc(ctx context.Context, gen *Generation, docID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	doc, err := m.meta.GetDocument(ctx, docID)
	if err != nil {
		return fmt.Errorf("load document %s: %w", docID, err)
	}
	if doc == nil || doc.Removed {
		return nil
	}
	chunks, err := m.meta.GetChunksByDoc(ctx, docID)
	if err != nil {
		return fmt.Errorf("load chunks of %s: %w", docID, err)
	}

	items := make([]embed.Item, len(chunks))
	hashes := make([]string, len(chunks))
	for i, c := range chunks {
		items[i] = embed.Item{Hash: c.Hash, Text: c.Text}
		hashes[i] = c.Hash
	}
	model := m.embedder.Model()
	vectors, err := m.embedder.GetOrComputeBatch(ctx, model, items)
	if err != nil {
		return fmt.Errorf("embed chunks of %s: %w", docID, err)
	}
	if err := gen.Upsert(ctx, doc, chunks, vectors); err != nil {
		return err
	}

	if meta, ok := doc.Embeddings[model]; !ok || !slices.Equal(meta.ChunkHashes, hashes) {
		err := m.meta.SaveEmbeddingMeta(ctx, docID, store.EmbeddingMeta{
			ModelID:     model,
			Dim:         m.embedder.Dimensions(),
			UpdatedAt:   time.Now().UTC(),
			ChunkHashes: hashes,
		})
		if err != nil {
			m.logger.Warn("embedding_meta_save_failed", slog.String("doc_id", docID), slog.String("error", err.Error()))
		}
	}
	return nil
}

// applyRetention removes generations beyond the newest Retention, never the alias.
// A generation still pinned by readers is removed when its last reader releases it.
func (m *Manager) applyRetention() {
	versions, err := listGenerations(m.cfg.Dir)
	if err != nil {
		m.logger.Warn("retention_list_failed", slog.String("error", err.Error()))
		return
	}
	live := m.Current()

	keep := make(map[int]bool, m.cfg.Retention)
	if live > 0 {
		keep[live] = true
	}
	for i := len(versions) - 1; i >= 0 && len(keep) < m.cfg.Retention; i-- {
		keep[versions[i]] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range versions {
		if keep[v] {
			continue
		}
		if g, ok := m.draining[v]; ok && g.Readers() > 0 {
			g.retire(true)
			continue
		}
		if err := os.RemoveAll(GenerationDir(m.cfg.Dir, v)); err != nil {
			m.logger.Warn("generation_remove_failed", slog.Int("version", v), slog.String("error", err.Error()))
			continue
		}
		delete(m.draining, v)
		m.logger.Info("generation_removed", slog.Int("version", v))
	}
	for v, g := range m.draining {
		if g.Readers() == 0 && !keep[v] {
			delete(m.draining, v)
		}
	}
}

// DeleteDocs marks documents removed, stages deletes, and runs an incremental build.
// It returns how many documents were removed.
func (m *Manager) DeleteDocs(ctx context.Context, ids []string) (int, error) {
	n, err := m.meta.MarkRemoved(ctx, ids)
	if err != nil {
		return 0, kberrors.New(kberrors.ErrCodeStorageFailed, "failed to mark documents removed", err)
	}
	if n == 0 {
		return 0, nil
	}
	if _, err := m.Rebuild(ctx, false); err != nil {
		return n, err
	}
	return n, nil
}

// Stats describes the live generation.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	if g := m.alias.Load(); g != nil {
		mf := g.Manifest()
		s.Generation = g.Version()
		s.DocCount = g.DocCount()
		s.ChunkCount = g.ChunkCount()
		s.BuiltAt = mf.BuiltAt
		s.Model = mf.Model
		s.LexicalBackend = mf.LexicalBackend
	}
	onDisk, err := listGenerations(m.cfg.Dir)
	if err != nil {
		return s, err
	}
	s.OnDisk = onDisk
	if s.OnDisk == nil {
		s.OnDisk = []int{}
	}
	changes, err := m.meta.PendingChanges(ctx)
	if err != nil {
		return s, err
	}
	s.PendingChanges = len(changes)
	return s, nil
}

// Close waits for a running build, then closes every open generation once its readers are done.
func (m *Manager) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	m.buildMu.Lock()
	defer m.buildMu.Unlock()

	if g := m.alias.Load(); g != nil {
		g.retire(false)
	}
	m.mu.Lock()
	for _, g := range m.draining {
		g.retire(false)
	}
	m.draining = map[int]*Generation{}
	m.mu.Unlock()
	return nil
}
