package index

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/amankb/internal/embed"
	kberrors "github.com/Aman-CERP/amankb/internal/errors"
	"github.com/Aman-CERP/amankb/internal/store"
)

// testEmbedder wraps the static embedder and can be told to fail after n calls.
type testEmbedder struct {
	static    *embed.StaticEmbedder
	calls     atomic.Int32
	failAfter atomic.Int32
}

func newTestEmbedder() *testEmbedder {
	return &testEmbedder{static: embed.NewStaticEmbedder(32)}
}

func (e *testEmbedder) Model() string   { return e.static.ModelName() }
func (e *testEmbedder) Dimensions() int { return e.static.Dimensions() }

func (e *testEmbedder) GetOrComputeBatch(ctx context.Context, _ string, items []embed.Item) ([][]float32, error) {
	n := e.calls.Add(1)
	if limit := e.failAfter.Load(); limit > 0 && n > limit {
		return nil, kberrors.Transient("embedding backend failed", fmt.Errorf("connection refused"))
	}
	texts := make([]string, len(items))
	for i, it := range items {
		texts[i] = it.Text
	}
	return e.static.EmbedBatch(ctx, texts)
}

type testEnv struct {
	dir      string
	meta     *store.SQLiteStore
	embedder *testEmbedder
	mgr      *Manager
}

func newTestEnv(t *testing.T, backend string) *testEnv {
	t.Helper()
	dir := t.TempDir()
	meta, err := store.NewSQLiteStore(filepath.Join(dir, "kb.db"), store.DriverModernc)
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })

	env := &testEnv{dir: filepath.Join(dir, "generations"), meta: meta, embedder: newTestEmbedder()}
	env.mgr = env.open(t, backend)
	return env
}

func (e *testEnv) open(t *testing.T, backend string) *Manager {
	t.Helper()
	m, err := NewManager(context.Background(), Config{Dir: e.dir, Retention: 2, LexicalBackend: backend}, e.meta, e.embedder)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func (e *testEnv) addDoc(t *testing.T, id string, tags []string, texts ...string) {
	t.Helper()
	chunks := make([]*store.Chunk, len(texts))
	for i, text := range texts {
		hash := fmt.Sprintf("%s%02d", id, i)
		chunks[i] = &store.Chunk{
			ID: id + ":" + hash, DocID: id, Hash: hash, Index: i,
			Text: text, TokenCount: 3, Modality: "text", Language: "en",
		}
	}
	doc := &store.Document{ID: id, ContentHash: "c-" + id, Title: id, Language: "en", Tags: tags}
	require.NoError(t, e.meta.UpsertDocument(context.Background(), doc, chunks))
}

func TestManager_FullRebuildPublishesGeneration(t *testing.T) {
	for _, backend := range []string{"bleve", "sqlite"} {
		t.Run(backend, func(t *testing.T) {
			env := newTestEnv(t, backend)
			ctx := context.Background()

			// Given: two documents
			env.addDoc(t, "bread", []string{"recipe"}, "sourdough bread needs a starter", "bake at high heat")
			env.addDoc(t, "taxes", nil, "quarterly tax filing deadline")

			// When
			res, err := env.mgr.Rebuild(ctx, true)

			// Then: generation 1 is live with both documents searchable
			require.NoError(t, err)
			assert.Equal(t, 1, res.Version)
			assert.Equal(t, 1, env.mgr.Current())

			stats, err := env.mgr.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, stats.Generation)
			assert.Equal(t, 2, stats.DocCount)
			assert.Equal(t, 3, stats.ChunkCount)
			assert.Equal(t, 0, stats.PendingChanges)

			g, release, err := env.mgr.Acquire()
			require.NoError(t, err)
			defer release()
			hits, err := g.LexicalSearch(ctx, "sourdough", store.Filter{}, 10)
			require.NoError(t, err)
			require.Len(t, hits, 1)
			assert.Equal(t, "bread:bread00", hits[0].ChunkID)

			tagged, err := g.LexicalSearch(ctx, "deadline", store.Filter{Tags: []string{"recipe"}}, 10)
			require.NoError(t, err)
			assert.Empty(t, tagged)

			ref, ok := g.ChunkRef("bread:bread01")
			require.True(t, ok)
			assert.Equal(t, 1, ref.Index)
			assert.Equal(t, "bread", ref.DocID)
		})
	}
}

func TestManager_IncrementalAppliesChanges(t *testing.T) {
	env := newTestEnv(t, "bleve")
	ctx := context.Background()
	env.addDoc(t, "a", nil, "alpha content")
	env.addDoc(t, "b", nil, "beta content")
	_, err := env.mgr.Rebuild(ctx, true)
	require.NoError(t, err)

	// Given: one new document, one changed, one removed
	env.addDoc(t, "c", nil, "gamma content")
	env.addDoc(t, "a", nil, "alpha rewritten")
	_, err = env.meta.MarkRemoved(ctx, []string{"b"})
	require.NoError(t, err)

	// When
	res, err := env.mgr.Rebuild(ctx, false)

	// Then
	require.NoError(t, err)
	assert.Equal(t, 2, res.Version)
	assert.False(t, res.Full)
	assert.Equal(t, 3, res.Applied)

	g, release, err := env.mgr.Acquire()
	require.NoError(t, err)
	defer release()
	assert.ElementsMatch(t, []string{"a", "c"}, g.Manifest().DocIDs())

	hits, err := g.LexicalSearch(ctx, "rewritten", store.Filter{}, 10)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
	hits, err = g.LexicalSearch(ctx, "beta", store.Filter{}, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)

	pending, err := env.meta.PendingChanges(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestManager_IncrementalWithoutLiveFallsBackToFull(t *testing.T) {
	env := newTestEnv(t, "bleve")
	env.addDoc(t, "a", nil, "alpha")

	res, err := env.mgr.Rebuild(context.Background(), false)

	require.NoError(t, err)
	assert.True(t, res.Full)
	assert.Equal(t, 1, res.Docs)
}

func TestManager_FailedRebuildKeepsAlias(t *testing.T) {
	env := newTestEnv(t, "bleve")
	ctx := context.Background()

	// Given: generation 17 is live
	require.NoError(t, env.meta.SetState(ctx, StateHighWater, "16"))
	for i := range 5 {
		env.addDoc(t, fmt.Sprintf("doc-%d", i), nil, fmt.Sprintf("document number %d", i))
	}
	res, err := env.mgr.Rebuild(ctx, true)
	require.NoError(t, err)
	require.Equal(t, 17, res.Version)

	// When: a full rebuild fails midway through embedding
	env.embedder.calls.Store(0)
	env.embedder.failAfter.Store(2)
	_, err = env.mgr.Rebuild(ctx, true)

	// Then: an index build error, alias still 17, the partial generation is gone
	require.Error(t, err)
	assert.Equal(t, kberrors.ErrCodeIndexBuildFailed, kberrors.GetCode(err))
	assert.Equal(t, 17, env.mgr.Current())

	stats, err := env.mgr.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 17, stats.Generation)
	assert.Equal(t, 5, stats.DocCount)
	assert.Equal(t, []int{17}, stats.OnDisk)
	assert.NoDirExists(t, GenerationDir(env.dir, 18))

	alias, err := env.meta.GetState(ctx, StateAlias)
	require.NoError(t, err)
	assert.Equal(t, "17", alias)

	// And: the live generation still answers queries
	g, release, err := env.mgr.Acquire()
	require.NoError(t, err)
	defer release()
	hits, err := g.LexicalSearch(ctx, "document", store.Filter{}, 10)
	require.NoError(t, err)
	assert.Len(t, hits, 5)
}

func TestManager_ReadersSeeWholeGenerations(t *testing.T) {
	env := newTestEnv(t, "bleve")
	ctx := context.Background()
	env.addDoc(t, "doc-01", nil, "shared marker text 1")
	_, err := env.mgr.Rebuild(ctx, true)
	require.NoError(t, err)

	// Each build adds one document, so generation N holds exactly N documents.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	var violations, reads atomic.Int32
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				g, release, err := env.mgr.Acquire()
				if err != nil {
					violations.Add(1)
					return
				}
				hits, err := g.LexicalSearch(ctx, "marker", store.Filter{}, 100)
				if err != nil || len(hits) != g.Version() || g.DocCount() != g.Version() {
					violations.Add(1)
				}
				reads.Add(1)
				release()
			}
		}()
	}

	for i := 2; i <= 6; i++ {
		env.addDoc(t, fmt.Sprintf("doc-%02d", i), nil, "shared marker text "+strconv.Itoa(i))
		_, err := env.mgr.Rebuild(ctx, false)
		require.NoError(t, err)
	}
	time.Sleep(20 * time.Millisecond)
	close(stop)
	wg.Wait()

	assert.Zero(t, violations.Load())
	assert.Positive(t, reads.Load())
	assert.Equal(t, 6, env.mgr.Current())
}

func TestManager_RetentionKeepsPinnedGeneration(t *testing.T) {
	env := newTestEnv(t, "bleve")
	ctx := context.Background()
	env.addDoc(t, "a", nil, "alpha")
	_, err := env.mgr.Rebuild(ctx, true)
	require.NoError(t, err)

	// Given: a reader pinning generation 1
	g1, release, err := env.mgr.Acquire()
	require.NoError(t, err)

	// When: two more generations are built with retention 2
	for range 2 {
		_, err := env.mgr.Rebuild(ctx, true)
		require.NoError(t, err)
	}

	// Then: generation 1 is still usable while pinned
	hits, err := g1.LexicalSearch(ctx, "alpha", store.Filter{}, 10)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
	assert.DirExists(t, g1.Dir())

	// And: it is removed once released
	release()
	assert.NoDirExists(t, g1.Dir())
	stats, err := env.mgr.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, stats.OnDisk)
}

func TestManager_ReopensPersistedAlias(t *testing.T) {
	env := newTestEnv(t, "sqlite")
	ctx := context.Background()
	env.addDoc(t, "a", []string{"x"}, "alpha persisted")
	_, err := env.mgr.Rebuild(ctx, true)
	require.NoError(t, err)
	require.NoError(t, env.mgr.Close())

	// When
	m := env.open(t, "sqlite")

	// Then
	assert.Equal(t, 1, m.Current())
	g, release, err := m.Acquire()
	require.NoError(t, err)
	defer release()
	hits, err := g.LexicalSearch(ctx, "persisted", store.Filter{Tags: []string{"x"}}, 10)
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	vec, err := env.embedder.static.EmbedBatch(ctx, []string{"alpha persisted"})
	require.NoError(t, err)
	vhits, err := g.VectorSearch(ctx, vec[0], store.Filter{}, 5)
	require.NoError(t, err)
	require.Len(t, vhits, 1)
	assert.Equal(t, "a:a00", vhits[0].ID)
}

func TestManager_CorruptAliasReported(t *testing.T) {
	env := newTestEnv(t, "bleve")
	ctx := context.Background()
	env.addDoc(t, "a", nil, "alpha")
	_, err := env.mgr.Rebuild(ctx, true)
	require.NoError(t, err)
	require.NoError(t, env.mgr.Close())
	require.NoError(t, os.Remove(filepath.Join(GenerationDir(env.dir, 1), manifestFile)))

	// When
	m := env.open(t, "bleve")

	// Then: no live generation, directory left in place
	assert.Equal(t, 0, m.Current())
	_, _, err = m.Acquire()
	assert.Equal(t, kberrors.ErrCodeNotFound, kberrors.GetCode(err))
	assert.DirExists(t, GenerationDir(env.dir, 1))
}

func TestManager_BuildLockHeldElsewhere(t *testing.T) {
	env := newTestEnv(t, "bleve")
	other := NewBuildLock(env.dir)
	ok, err := other.TryLock()
	require.NoError(t, err)
	require.True(t, ok)
	defer func() { _ = other.Unlock() }()

	_, err = env.mgr.Rebuild(context.Background(), true)

	assert.Equal(t, kberrors.ErrCodeBuildInProgress, kberrors.GetCode(err))
}

func TestManager_DeleteDocs(t *testing.T) {
	env := newTestEnv(t, "bleve")
	ctx := context.Background()
	env.addDoc(t, "a", nil, "alpha")
	env.addDoc(t, "b", nil, "beta")
	_, err := env.mgr.Rebuild(ctx, true)
	require.NoError(t, err)

	n, err := env.mgr.DeleteDocs(ctx, []string{"a", "missing"})

	require.NoError(t, err)
	assert.Equal(t, 1, n)
	stats, err := env.mgr.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Generation)
	assert.Equal(t, 1, stats.DocCount)

	doc, err := env.meta.GetDocument(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.True(t, doc.Removed)
}

func TestManager_AcquireAfterCloseFails(t *testing.T) {
	// Given: a published generation and a closed manager
	env := newTestEnv(t, "bleve")
	env.addDoc(t, "bread", nil, "sourdough bread")
	_, err := env.mgr.Rebuild(context.Background(), true)
	require.NoError(t, err)
	require.NoError(t, env.mgr.Close())

	// When
	done := make(chan error, 1)
	go func() {
		_, _, err := env.mgr.Acquire()
		done <- err
	}()

	// Then: the reader is refused instead of waiting forever
	select {
	case err := <-done:
		require.Error(t, err)
		assert.Equal(t, kberrors.ErrCodeInvalidState, kberrors.GetCode(err))
	case <-time.After(2 * time.Second):
		t.Fatal("Acquire did not return after Close")
	}
}

func TestGeneration_SealedIsImmutable(t *testing.T) {
	env := newTestEnv(t, "bleve")
	ctx := context.Background()
	env.addDoc(t, "a", nil, "alpha")
	_, err := env.mgr.Rebuild(ctx, true)
	require.NoError(t, err)

	g, release, err := env.mgr.Acquire()
	require.NoError(t, err)
	defer release()

	err = g.Delete(ctx, []string{"a"})
	assert.Equal(t, kberrors.ErrCodeInvalidState, kberrors.GetCode(err))
	err = g.Upsert(ctx, &store.Document{ID: "z"}, nil, nil)
	assert.Equal(t, kberrors.ErrCodeInvalidState, kberrors.GetCode(err))
}

func TestGeneration_VectorDimensionChecked(t *testing.T) {
	env := newTestEnv(t, "bleve")
	ctx := context.Background()
	env.addDoc(t, "a", nil, "alpha")
	_, err := env.mgr.Rebuild(ctx, true)
	require.NoError(t, err)

	g, release, err := env.mgr.Acquire()
	require.NoError(t, err)
	defer release()

	_, err = g.VectorSearch(ctx, []float32{1, 2, 3}, store.Filter{}, 5)
	assert.Equal(t, kberrors.ErrCodeDimensionMismatch, kberrors.GetCode(err))
}

func TestParseGenerationDir(t *testing.T) {
	v, ok := parseGenerationDir("gen-000017")
	assert.True(t, ok)
	assert.Equal(t, 17, v)

	_, ok = parseGenerationDir("gen-abc")
	assert.False(t, ok)
	_, ok = parseGenerationDir("lexical.bleve")
	assert.False(t, ok)
	assert.Equal(t, "gen-000017", filepath.Base(GenerationDir("/x", 17)))
}
