package embed

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	kberrors "github.com/Aman-CERP/amankb/internal/errors"
	"github.com/Aman-CERP/amankb/internal/store"
)

// Cache configuration constants.
const (
	// DefaultCacheSize is the default number of vectors held in memory.
	// At 768 dimensions * 4 bytes * 10000 entries ≈ 30MB.
	DefaultCacheSize = 10000

	// DefaultResetTimeout is how long the provider circuit stays open.
	DefaultResetTimeout = 30 * time.Second
)

// CacheConfig configures a Cache.
type CacheConfig struct {
	// Size bounds the in-memory LRU front.
	Size int

	// Timeout bounds a single backend call.
	Timeout time.Duration

	// RequestsPerSecond limits backend calls. Zero disables the limiter.
	RequestsPerSecond float64

	// MaxFailures opens the circuit after this many consecutive transient failures.
	MaxFailures int

	ResetTimeout time.Duration
	Logger       *slog.Logger
}

// Item is one (chunk hash, text) pair of a batch request.
type Item struct {
	Hash string
	Text string
}

// CacheStats reports cache accounting since the cache was created.
type CacheStats struct {
	Hits         int64 `json:"hits"`
	Misses       int64 `json:"misses"`
	BackendCalls int64 `json:"backend_calls"`
	Entries      int   `json:"entries"`
}

// Cache is a content-addressed embedding cache. Vectors are keyed by
// (model, chunk hash), so identical text across documents is embedded once.
// A bounded LRU sits in front of the persistent store; concurrent misses for
// the same key collapse into a single backend call.
type Cache struct {
	backend Embedder
	store   store.EmbeddingStore
	lru     *lru.Cache[string, []float32]
	limiter *rate.Limiter
	breaker *kberrors.CircuitBreaker
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time

	hits         atomic.Int64
	misses       atomic.Int64
	backendCalls atomic.Int64

	mu      sync.Mutex
	pending map[string]map[string]int // model -> hash -> unflushed hits

	flightMu sync.Mutex
	flights  map[string]*flight
}

// flight is one in-progress computation of a key. done is closed once vec or
// err is set.
type flight struct {
	done chan struct{}
	vec  []float32
	err  error
}

// NewCache creates a cache over backend and the persistent store st.
func NewCache(backend Embedder, st store.EmbeddingStore, cfg CacheConfig) (*Cache, error) {
	if cfg.Size <= 0 {
		cfg.Size = DefaultCacheSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultResetTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	front, err := lru.New[string, []float32](cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding LRU: %w", err)
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), max(1, int(cfg.RequestsPerSecond)))
	}

	return &Cache{
		backend: backend,
		store:   st,
		lru:     front,
		limiter: limiter,
		breaker: kberrors.NewCircuitBreaker("embedding backend "+backend.ModelName(),
			kberrors.WithMaxFailures(cfg.MaxFailures),
			kberrors.WithResetTimeout(cfg.ResetTimeout)),
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
		now:     time.Now,
		pending: make(map[string]map[string]int),
		flights: make(map[string]*flight),
	}, nil
}

// Model returns the model id vectors are keyed under.
func (c *Cache) Model() string {
	return c.backend.ModelName()
}

// Dimensions returns the declared vector dimension.
func (c *Cache) Dimensions() int {
	return c.backend.Dimensions()
}

func cacheKey(modelID, hash string) string {
	return modelID + "|" + hash
}

func (c *Cache) checkModel(modelID string) error {
	if modelID != c.backend.ModelName() {
		return kberrors.Configuration(
			fmt.Sprintf("embedding model %q requested but backend serves %q", modelID, c.backend.ModelName()), nil)
	}
	return nil
}

// GetOrCompute returns the vector for (hash, modelID), computing it from text on a miss.
func (c *Cache) GetOrCompute(ctx context.Context, hash, modelID, text string) ([]float32, error) {
	if err := c.checkModel(modelID); err != nil {
		return nil, err
	}

	key := cacheKey(modelID, hash)
	if vec, ok := c.lru.Get(key); ok {
		c.recordHit(modelID, hash)
		return vec, nil
	}

	stored, err := c.store.GetEmbeddings(ctx, modelID, []string{hash})
	if err != nil {
		return nil, kberrors.New(kberrors.ErrCodeStorageFailed, "failed to read embedding", err)
	}
	if vec, ok := stored[hash]; ok {
		c.lru.Add(key, vec)
		c.recordHit(modelID, hash)
		return vec, nil
	}

	c.misses.Add(1)
	vecs, err := c.computeShared(ctx, modelID, []string{hash}, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[hash], nil
}

// GetOrComputeBatch returns one vector per item, in item order. Hits are served
// from the LRU or store; distinct missing hashes go to the backend in one call.
func (c *Cache) GetOrComputeBatch(ctx context.Context, modelID string, items []Item) ([][]float32, error) {
	if err := c.checkModel(modelID); err != nil {
		return nil, err
	}
	out := make([][]float32, len(items))
	if len(items) == 0 {
		return out, nil
	}

	found := make(map[string][]float32)
	var lookup []string
	seen := make(map[string]bool)
	for _, it := range items {
		if seen[it.Hash] {
			continue
		}
		seen[it.Hash] = true
		if vec, ok := c.lru.Get(cacheKey(modelID, it.Hash)); ok {
			found[it.Hash] = vec
			continue
		}
		lookup = append(lookup, it.Hash)
	}

	if len(lookup) > 0 {
		stored, err := c.store.GetEmbeddings(ctx, modelID, lookup)
		if err != nil {
			return nil, kberrors.New(kberrors.ErrCodeStorageFailed, "failed to read embeddings", err)
		}
		for h, vec := range stored {
			c.lru.Add(cacheKey(modelID, h), vec)
			found[h] = vec
		}
	}

	var missHashes, missTexts []string
	queued := make(map[string]bool)
	for _, it := range items {
		if _, ok := found[it.Hash]; ok || queued[it.Hash] {
			continue
		}
		queued[it.Hash] = true
		missHashes = append(missHashes, it.Hash)
		missTexts = append(missTexts, it.Text)
	}

	if len(missHashes) > 0 {
		c.misses.Add(int64(len(missHashes)))
		computed, err := c.computeShared(ctx, modelID, missHashes, missTexts)
		if err != nil {
			return nil, err
		}
		for h, vec := range computed {
			found[h] = vec
		}
	}

	// Every occurrence after the first computation of a hash is a hit.
	firstMiss := make(map[string]bool, len(missHashes))
	for _, h := range missHashes {
		firstMiss[h] = true
	}
	for i, it := range items {
		out[i] = found[it.Hash]
		if firstMiss[it.Hash] {
			delete(firstMiss, it.Hash)
			continue
		}
		c.recordHit(modelID, it.Hash)
	}
	return out, nil
}

// computeShared computes the missing hashes with at most one backend call
// per key in flight. Keys nobody is computing are claimed by this call and
// sent to the backend together; keys another caller already claimed are
// awaited instead of embedded again.
func (c *Cache) computeShared(ctx context.Context, modelID string, hashes, texts []string) (map[string][]float32, error) {
	result := make(map[string][]float32, len(hashes))
	var (
		leadHashes, leadTexts []string
		leading               []*flight
		waiting               = make(map[string]*flight)
	)

	c.flightMu.Lock()
	for i, h := range hashes {
		key := cacheKey(modelID, h)
		if f, ok := c.flights[key]; ok {
			waiting[h] = f
			continue
		}
		// A flight that finished since the caller looked has filled the LRU.
		if vec, ok := c.lru.Get(key); ok {
			result[h] = vec
			continue
		}
		f := &flight{done: make(chan struct{})}
		c.flights[key] = f
		leading = append(leading, f)
		leadHashes = append(leadHashes, h)
		leadTexts = append(leadTexts, texts[i])
	}
	c.flightMu.Unlock()

	if len(leading) > 0 {
		batch, err := c.computeLeading(ctx, modelID, leadHashes, leadTexts, leading)
		if err != nil {
			return nil, err
		}
		for h, vec := range batch {
			result[h] = vec
		}
	}

	for h, f := range waiting {
		select {
		case <-f.done:
			if f.err != nil {
				return nil, f.err
			}
			c.logger.Debug("embed_flight_shared", slog.String("hash", h))
			result[h] = f.vec
		case <-ctx.Done():
			return nil, kberrors.Transient("embedding cancelled", ctx.Err())
		}
	}
	return result, nil
}

// computeLeading runs the backend call for the claimed keys and releases
// their flights, waking every waiter, whatever the outcome.
func (c *Cache) computeLeading(ctx context.Context, modelID string, hashes, texts []string, flights []*flight) (
	batch map[string][]float32, err error,
) {
	defer func() {
		if err == nil && batch == nil {
			err = kberrors.Internal("embedding computation aborted", nil)
		}
		c.flightMu.Lock()
		defer c.flightMu.Unlock()
		for i, h := range hashes {
			f := flights[i]
			if err != nil {
				f.err = err
			} else {
				f.vec = batch[h]
			}
			delete(c.flights, cacheKey(modelID, h))
			close(f.done)
		}
	}()
	return c.compute(ctx, modelID, hashes, texts)
}

// compute calls the backend for texts and persists the result. Nothing is
// stored when the call fails or a vector has the wrong dimension.
func (c *Cache) compute(ctx context.Context, modelID string, hashes, texts []string) (map[string][]float32, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, kberrors.Transient("embedding rate limit wait interrupted", err)
		}
	}

	c.backendCalls.Add(1)
	vecs, err := kberrors.CircuitExecute(c.breaker, func() ([][]float32, error) {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		v, err := c.backend.EmbedBatch(callCtx, texts)
		if err != nil {
			if _, ok := kberrors.As(err); ok {
				return nil, err
			}
			return nil, kberrors.Transient("embedding backend failed", err)
		}
		return v, nil
	})
	if err != nil {
		c.logger.Warn("embed_backend_failed",
			slog.String("model", modelID),
			slog.Int("texts", len(texts)),
			kberrors.LogAttr(err))
		return nil, err
	}
	if len(vecs) != len(texts) {
		return nil, kberrors.New(kberrors.ErrCodeEmbeddingFailed,
			fmt.Sprintf("backend returned %d vectors for %d texts", len(vecs), len(texts)), nil)
	}

	want := c.backend.Dimensions()
	result := make(map[string][]float32, len(hashes))
	for i, h := range hashes {
		if len(vecs[i]) != want {
			return nil, kberrors.DimensionMismatch(modelID, want, len(vecs[i]))
		}
		result[h] = vecs[i]
	}

	if err := c.store.PutEmbeddings(ctx, modelID, result); err != nil {
		return nil, kberrors.New(kberrors.ErrCodeStorageFailed, "failed to persist embeddings", err)
	}
	for h, vec := range result {
		c.lru.Add(cacheKey(modelID, h), vec)
	}
	return result, nil
}

func (c *Cache) recordHit(modelID, hash string) {
	c.hits.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.pending[modelID]
	if m == nil {
		m = make(map[string]int)
		c.pending[modelID] = m
	}
	m[hash]++
}

// Flush writes the accumulated hit counts and last-used times to the store.
// Counts that fail to persist are kept for the next flush.
func (c *Cache) Flush(ctx context.Context) error {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]map[string]int)
	c.mu.Unlock()

	at := c.now()
	var firstErr error
	for model, hits := range pending {
		if err := c.store.TouchEmbeddings(ctx, model, hits, at); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to flush hits for %s: %w", model, err)
			}
			c.mu.Lock()
			dst := c.pending[model]
			if dst == nil {
				dst = make(map[string]int)
				c.pending[model] = dst
			}
			for h, n := range hits {
				dst[h] += n
			}
			c.mu.Unlock()
		}
	}
	return firstErr
}

// Stats returns cache accounting.
func (c *Cache) Stats() CacheStats {
	return CacheStats{
		Hits:         c.hits.Load(),
		Misses:       c.misses.Load(),
		BackendCalls: c.backendCalls.Load(),
		Entries:      c.lru.Len(),
	}
}

// GC removes stored vectors of every model not in keepModels and returns how
// many were removed. The model the backend serves is always kept.
func (c *Cache) GC(ctx context.Context, keepModels []string) (int, error) {
	keep := map[string]bool{c.backend.ModelName(): true}
	for _, m := range keepModels {
		keep[m] = true
	}

	models, err := c.store.EmbeddingModels(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list embedding models: %w", err)
	}

	removed := 0
	for _, model := range models {
		if keep[model] {
			continue
		}
		n, err := c.store.DeleteModelEmbeddings(ctx, model)
		if err != nil {
			return removed, fmt.Errorf("failed to delete embeddings of %s: %w", model, err)
		}
		removed += n
		prefix := model + "|"
		for _, key := range c.lru.Keys() {
			if strings.HasPrefix(key, prefix) {
				c.lru.Remove(key)
			}
		}
		c.mu.Lock()
		delete(c.pending, model)
		c.mu.Unlock()
		c.logger.Info("embed_gc_model", slog.String("model", model), slog.Int("removed", n))
	}
	return removed, nil
}

// Close flushes pending hit counts. The backend and store are owned by the caller.
func (c *Cache) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.Flush(ctx)
}
