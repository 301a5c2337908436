package index

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	kberrors "github.com/Aman-CERP/amankb/internal/errors"
	"github.com/Aman-CERP/amankb/internal/store"
)

const (
	genPrefix   = "gen-"
	lexicalBase = "lexical"
	vectorFile  = "vectors.hnsw"
)

// Backend is the capability set of one index generation.
type Backend interface {
	Upsert(ctx context.Context, doc *store.Document, chunks []*store.Chunk, vectors [][]float32) error
	Delete(ctx context.Context, docIDs []string) error
	LexicalSearch(ctx context.Context, query string, filter store.Filter, limit int) ([]*store.LexicalResult, error)
	VectorSearch(ctx context.Context, query []float32, filter store.Filter, limit int) ([]*store.VectorResult, error)
}

var _ Backend = (*Generation)(nil)

// Generation is one versioned pair of lexical and vector indexes.
// It is writable while being built and immutable once sealed.
type Generation struct {
	dir      string
	manifest *Manifest
	lexical  store.LexicalIndex
	vector   store.VectorStore
	refs     map[string]ChunkRef

	mu     sync.RWMutex
	sealed bool

	readers   atomic.Int64
	retired   atomic.Bool
	closeOnce sync.Once
	closeErr  error
	removeDir bool
	logger    *slog.Logger
}

// GenerationDir returns the directory name of a version.
func GenerationDir(root string, version int) string {
	return filepath.Join(root, fmt.Sprintf("%s%06d", genPrefix, version))
}

// parseGenerationDir returns the version of a gen-NNNNNN name.
func parseGenerationDir(name string) (int, bool) {
	if !strings.HasPrefix(name, genPrefix) {
		return 0, false
	}
	v, err := strconv.Atoi(strings.TrimPrefix(name, genPrefix))
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

// listGenerations returns the versions present under root, ascending.
func listGenerations(root string) ([]int, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read generations dir: %w", err)
	}
	var versions []int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if v, ok := parseGenerationDir(e.Name()); ok {
			versions = append(versions, v)
		}
	}
	slices.Sort(versions)
	return versions, nil
}

// createGeneration allocates an empty, writable generation in a fresh directory.
func createGeneration(root string, m *Manifest, logger *slog.Logger) (*Generation, error) {
	dir := GenerationDir(root, m.Version)
	if _, err := os.Stat(dir); err == nil {
		return nil, fmt.Errorf("generation directory %s already exists", dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create generation dir: %w", err)
	}

	lexical, err := store.NewLexicalIndex(filepath.Join(dir, lexicalBase), m.LexicalBackend)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("create lexical index: %w", err)
	}
	vector, err := store.NewHNSWStore(store.DefaultVectorStoreConfig(m.Dimensions))
	if err != nil {
		_ = lexical.Close()
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("create vector index: %w", err)
	}

	return &Generation{
		dir:      dir,
		manifest: m,
		lexical:  lexical,
		vector:   vector,
		refs:     make(map[string]ChunkRef),
		logger:   logger,
	}, nil
}

// openGeneration loads a sealed generation from disk.
func openGeneration(dir string, logger *slog.Logger) (*Generation, error) {
	m, err := readManifest(dir)
	if err != nil {
		return nil, kberrors.New(kberrors.ErrCodeCorruptIndex, "generation manifest unreadable", err).
			WithDetail("dir", dir)
	}

	lexical, err := store.NewLexicalIndex(filepath.Join(dir, lexicalBase), m.LexicalBackend)
	if err != nil {
		return nil, kberrors.New(kberrors.ErrCodeCorruptIndex, "generation lexical index unreadable", err).
			WithDetail("dir", dir)
	}

	vector, err := store.NewHNSWStore(store.DefaultVectorStoreConfig(m.Dimensions))
	if err != nil {
		_ = lexical.Close()
		return nil, fmt.Errorf("create vector index: %w", err)
	}
	if m.ChunkCount() > 0 {
		if err := vector.Load(filepath.Join(dir, vectorFile)); err != nil {
			_ = lexical.Close()
			_ = vector.Close()
			return nil, kberrors.New(kberrors.ErrCodeCorruptIndex, "generation vector index unreadable", err).
				WithDetail("dir", dir)
		}
	}

	g := &Generation{
		dir:      dir,
		manifest: m,
		lexical:  lexical,
		vector:   vector,
		refs:     make(map[string]ChunkRef, m.ChunkCount()),
		sealed:   true,
		logger:   logger,
	}
	for _, refs := range m.Docs {
		for _, r := range refs {
			g.refs[r.ID] = r
		}
	}
	return g, nil
}

// Version returns the generation number.
func (g *Generation) Version() int {
	return g.manifest.Version
}

// Dir returns the generation directory.
func (g *Generation) Dir() string {
	return g.dir
}

// Manifest returns the generation manifest. Callers must not modify it.
func (g *Generation) Manifest() *Manifest {
	return g.manifest
}

// ChunkRef looks up a chunk by id.
func (g *Generation) ChunkRef(id string) (ChunkRef, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.refs[id]
	return r, ok
}

// DocCount returns the number of documents in the generation.
func (g *Generation) DocCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.manifest.Docs)
}

// ChunkCount returns the number of chunks in the generation.
func (g *Generation) ChunkCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.refs)
}

func facetsOf(doc *store.Document, c *store.Chunk) store.Facets {
	lang := c.Language
	if lang == "" {
		lang = doc.Language
	}
	status := doc.Status
	if status == "" {
		status = store.StatusActive
	}
	return store.Facets{Tags: doc.Tags, Language: lang, Status: status}
}

// Upsert replaces a document's chunks. vectors[i] belongs to chunks[i].
func (g *Generation) Upsert(ctx context.Context, doc *store.Document, chunks []*store.Chunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return kberrors.Internal(fmt.Sprintf("%d chunks but %d vectors for %s", len(chunks), len(vectors), doc.ID), nil)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sealed {
		return kberrors.New(kberrors.ErrCodeInvalidState, "generation is sealed", nil).
			WithDetail("version", strconv.Itoa(g.manifest.Version))
	}

	if err := g.deleteLocked(ctx, []string{doc.ID}); err != nil {
		return err
	}
	if len(chunks) == 0 {
		g.manifest.Docs[doc.ID] = []ChunkRef{}
		return nil
	}

	docs := make([]*store.IndexDoc, len(chunks))
	ids := make([]string, len(chunks))
	facets := make([]store.Facets, len(chunks))
	refs := make([]ChunkRef, len(chunks))
	for i, c := range chunks {
		f := facetsOf(doc, c)
		docs[i] = &store.IndexDoc{ChunkID: c.ID, DocID: doc.ID, Text: c.Text, Facets: f}
		ids[i] = c.ID
		facets[i] = f
		refs[i] = ChunkRef{
			ID:         c.ID,
			DocID:      doc.ID,
			Index:      c.Index,
			Hash:       c.Hash,
			Section:    c.Section,
			Subsection: c.Subsection,
		}
	}

	if err := g.lexical.Index(ctx, docs); err != nil {
		return fmt.Errorf("lexical index %s: %w", doc.ID, err)
	}
	if err := g.vector.Add(ctx, ids, vectors, facets); err != nil {
		return fmt.Errorf("vector index %s: %w", doc.ID, err)
	}

	g.manifest.Docs[doc.ID] = refs
	for _, r := range refs {
		g.refs[r.ID] = r
	}
	return nil
}

// Delete removes documents and their chunks. Unknown ids are ignored.
func (g *Generation) Delete(ctx context.Context, docIDs []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sealed {
		return kberrors.New(kberrors.ErrCodeInvalidState, "generation is sealed", nil).
			WithDetail("version", strconv.Itoa(g.manifest.Version))
	}
	return g.deleteLocked(ctx, docIDs)
}

func (g *Generation) deleteLocked(ctx context.Context, docIDs []string) error {
	var chunkIDs []string
	for _, id := range docIDs {
		for _, r := range g.manifest.Docs[id] {
			chunkIDs = append(chunkIDs, r.ID)
			delete(g.refs, r.ID)
		}
		delete(g.manifest.Docs, id)
	}
	if len(chunkIDs) == 0 {
		return nil
	}
	if err := g.lexical.Delete(ctx, chunkIDs); err != nil {
		return fmt.Errorf("lexical delete: %w", err)
	}
	if err := g.vector.Delete(ctx, chunkIDs); err != nil {
		return fmt.Errorf("vector delete: %w", err)
	}
	return nil
}

// LexicalSearch runs a BM25 query against the generation.
func (g *Generation) LexicalSearch(ctx context.Context, query string, filter store.Filter, limit int) ([]*store.LexicalResult, error) {
	return g.lexical.Search(ctx, query, filter, limit)
}

// VectorSearch runs a nearest-neighbour query against the generation.
func (g *Generation) VectorSearch(ctx context.Context, query []float32, filter store.Filter, limit int) ([]*store.VectorResult, error) {
	if len(query) != g.manifest.Dimensions {
		return nil, kberrors.DimensionMismatch(g.manifest.Model, g.manifest.Dimensions, len(query))
	}
	return g.vector.Search(ctx, query, limit, filter)
}

// seal persists both indexes and the manifest, then makes the generation read-only.
func (g *Generation) seal() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.lexical.Flush(); err != nil {
		return fmt.Errorf("flush lexical index: %w", err)
	}
	if len(g.refs) > 0 {
		if err := g.vector.Save(filepath.Join(g.dir, vectorFile)); err != nil {
			return fmt.Errorf("save vector index: %w", err)
		}
	}
	if err := writeManifest(g.dir, g.manifest); err != nil {
		return err
	}
	g.sealed = true
	return nil
}

// acquire pins the generation for a reader. It fails once the generation is retired.
func (g *Generation) acquire() bool {
	g.readers.Add(1)
	if g.retired.Load() {
		g.release()
		return false
	}
	return true
}

func (g *Generation) release() {
	if g.readers.Add(-1) == 0 && g.retired.Load() {
		g.destroy()
	}
}

// Readers returns the number of readers holding the generation.
func (g *Generation) Readers() int64 {
	return g.readers.Load()
}

// retire marks the generation for removal. It is closed, and its directory
// removed when remove is set, as soon as the last reader releases it.
func (g *Generation) retire(remove bool) {
	g.mu.Lock()
	g.removeDir = remove
	g.mu.Unlock()
	g.retired.Store(true)
	if g.readers.Load() == 0 {
		g.destroy()
	}
}

func (g *Generation) destroy() {
	g.closeOnce.Do(func() {
		g.closeErr = g.close()
		g.mu.RLock()
		remove := g.removeDir
		g.mu.RUnlock()
		if remove {
			if err := os.RemoveAll(g.dir); err != nil {
				g.logger.Warn("generation_remove_failed",
					slog.Int("version", g.manifest.Version),
					slog.String("error", err.Error()))
				return
			}
			g.logger.Info("generation_removed", slog.Int("version", g.manifest.Version))
		}
	})
}

func (g *Generation) close() error {
	var errs []string
	if err := g.lexical.Close(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := g.vector.Close(); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) > 0 {
		return fmt.Errorf("close generation %d: %s", g.manifest.Version, strings.Join(errs, "; "))
	}
	return nil
}
