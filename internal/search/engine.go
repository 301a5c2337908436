package search

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/amankb/internal/chunk"
	kberrors "github.com/Aman-CERP/amankb/internal/errors"
	"github.com/Aman-CERP/amankb/internal/index"
)

// EngineConfig holds per-engine defaults.
type EngineConfig struct {
	K          int
	TopK       int
	GroupLimit int
	MinScore   float64
	Logger     *slog.Logger
}

// Engine is the read path: pin a generation, search both channels in
// parallel, fuse, cap, floor, truncate.
type Engine struct {
	index    IndexSource
	embedder QueryEmbedder
	chunks   ChunkSource
	cfg      EngineConfig
	logger   *slog.Logger
}

// NewEngine creates an engine. embedder and chunks may be nil: without an
// embedder only requests carrying a vector use the vector channel, without a
// chunk source results carry no text.
func NewEngine(idx IndexSource, embedder QueryEmbedder, chunks ChunkSource, cfg EngineConfig) *Engine {
	if cfg.K <= 0 {
		cfg.K = DefaultRRFConstant
	}
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.GroupLimit < 0 {
		cfg.GroupLimit = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		index:    idx,
		embedder: embedder,
		chunks:   chunks,
		cfg:      cfg,
		logger:   cfg.Logger,
	}
}

func (e *Engine) applyDefaults(req Request) Request {
	if req.TopK <= 0 {
		req.TopK = e.cfg.TopK
	}
	req.TopK = min(req.TopK, MaxTopK)
	if req.GroupLimit == 0 {
		req.GroupLimit = e.cfg.GroupLimit
	}
	if req.K <= 0 {
		req.K = e.cfg.K
	}
	if req.MinScore <= 0 {
		req.MinScore = e.cfg.MinScore
	}
	return req
}

// Search runs a hybrid query against the live generation.
func (e *Engine) Search(ctx context.Context, req Request) (*Response, error) {
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return nil, kberrors.New(kberrors.ErrCodeQueryEmpty, "query is empty", nil).
			WithSuggestion("Provide a non-empty query")
	}
	req = e.applyDefaults(req)

	gen, release, err := e.index.Acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	depth := req.TopK * CandidateMultiplier
	lexical, semantic, degraded, err := e.parallelSearch(ctx, gen, req, depth)
	if err != nil {
		return nil, err
	}

	fused := NewRRFFusion(req.K).Fuse(lexical, semantic)
	selected := Select(fused, req.GroupLimit, req.MinScore, req.TopK)

	results := make([]*Result, len(selected))
	for i, f := range selected {
		results[i] = &Result{
			ChunkID:     f.ChunkID,
			DocID:       f.DocID,
			ChunkIndex:  f.ChunkIndex,
			ChunkHash:   f.ChunkHash,
			Score:       f.RRFScore,
			Source:      f.Source(),
			LexicalRank: f.LexicalRank,
			VectorRank:  f.VectorRank,
		}
		if ref, ok := gen.ChunkRef(f.ChunkID); ok {
			results[i].Section = ref.Section
			results[i].Subsection = ref.Subsection
		}
	}
	e.attachText(ctx, results)

	e.logger.Debug("search_completed",
		slog.String("query", req.Query),
		slog.Int("generation", gen.Version()),
		slog.Int("lexical", len(lexical)),
		slog.Int("semantic", len(semantic)),
		slog.Int("results", len(results)),
		slog.Bool("degraded", degraded))

	return &Response{Generation: gen.Version(), Results: results, Degraded: degraded}, nil
}

// parallelSearch runs both channels under one errgroup. A lexical failure
// fails the query. A query that cannot be embedded for a transient reason
// degrades to keyword-only; a fatal embedding error is returned.
func (e *Engine) parallelSearch(ctx context.Context, gen *index.Generation, req Request, depth int) (
	lexical, semantic []Candidate, degraded bool, err error,
) {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hits, err := gen.LexicalSearch(gctx, req.Query, req.Filter, depth)
		if err != nil {
			return searchFailed("lexical search failed", err)
		}
		lexical = toCandidates(gen, len(hits), func(i int) (string, float64) {
			return hits[i].ChunkID, hits[i].Score
		})
		return nil
	})

	if !req.KeywordOnly {
		g.Go(func() error {
			vec := req.Vector
			if vec == nil {
				if e.embedder == nil {
					degraded = true
					return nil
				}
				v, err := e.embedder.GetOrCompute(gctx, chunk.Hash(req.Query), e.embedder.Model(), req.Query)
				if err != nil {
					if kberrors.IsFatal(err) || gctx.Err() != nil {
						return err
					}
					e.logger.Warn("query_embedding_failed", kberrors.LogAttr(err))
					degraded = true
					return nil
				}
				vec = v
			}
			hits, err := gen.VectorSearch(gctx, vec, req.Filter, depth)
			if err != nil {
				return searchFailed("vector search failed", err)
			}
			semantic = toCandidates(gen, len(hits), func(i int) (string, float64) {
				return hits[i].ID, float64(hits[i].Score)
			})
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, nil, false, err
	}
	return lexical, semantic, degraded, nil
}

// searchFailed wraps a channel error, keeping codes a backend already assigned.
func searchFailed(message string, err error) error {
	if _, ok := kberrors.As(err); ok {
		return err
	}
	return kberrors.New(kberrors.ErrCodeSearchFailed, message, err)
}

// toCandidates resolves raw hits against the generation manifest, keeping rank order.
func toCandidates(gen *index.Generation, n int, hit func(int) (string, float64)) []Candidate {
	out := make([]Candidate, 0, n)
	for i := range n {
		id, score := hit(i)
		ref, ok := gen.ChunkRef(id)
		if !ok {
			continue
		}
		out = append(out, Candidate{
			ChunkID:    id,
			DocID:      ref.DocID,
			ChunkIndex: ref.Index,
			ChunkHash:  ref.Hash,
			Score:      score,
		})
	}
	return out
}

// attachText fills result text from the chunk source. A chunk whose document
// was re-chunked after the generation was built keeps an empty text.
func (e *Engine) attachText(ctx context.Context, results []*Result) {
	if e.chunks == nil || len(results) == 0 {
		return
	}
	byDoc := make(map[string]map[string]string)
	for _, r := range results {
		texts, ok := byDoc[r.DocID]
		if !ok {
			chunks, err := e.chunks.GetChunksByDoc(ctx, r.DocID)
			if err != nil {
				e.logger.Warn("chunk_text_lookup_failed", slog.String("doc_id", r.DocID), slog.String("error", err.Error()))
			}
			texts = make(map[string]string, len(chunks))
			for _, c := range chunks {
				texts[c.ID] = c.Text
			}
			byDoc[r.DocID] = texts
		}
		r.Text = texts[r.ChunkID]
	}
}

// String renders a result for logs and plain output.
func (r *Result) String() string {
	return fmt.Sprintf("%s [%s] %.5f", r.ChunkID, r.Source, r.Score)
}
