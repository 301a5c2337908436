package search

import (
	"context"

	"github.com/Aman-CERP/amankb/internal/index"
	"github.com/Aman-CERP/amankb/internal/store"
)

// Source names the channel a result came from.
type Source string

const (
	SourceKeyword  Source = "keyword"
	SourceSemantic Source = "semantic"
	SourceHybrid   Source = "hybrid"
)

// Defaults for a query.
const (
	DefaultTopK       = 10
	DefaultGroupLimit = 3

	// CandidateMultiplier sets each channel's depth to top_k times this.
	CandidateMultiplier = 5

	// MaxTopK bounds a single request.
	MaxTopK = 100
)

// Request is one hybrid query.
type Request struct {
	Query string `json:"query"`

	// Vector is an optional precomputed query embedding. When nil the query
	// text is embedded through the embedding cache.
	Vector []float32 `json:"-"`

	Filter store.Filter `json:"filter"`

	// TopK, GroupLimit and K fall back to the engine defaults when zero.
	TopK       int `json:"top_k,omitempty"`
	GroupLimit int `json:"group_limit,omitempty"`
	K          int `json:"k,omitempty"`

	// MinScore drops results whose fused score is below it. Applied after the
	// per-document cap and before top_k.
	MinScore float64 `json:"min_score,omitempty"`

	// KeywordOnly skips the vector channel.
	KeywordOnly bool `json:"keyword_only,omitempty"`
}

// Result is one fused hit.
type Result struct {
	ChunkID     string  `json:"chunk_id"`
	DocID       string  `json:"doc_id"`
	ChunkIndex  int     `json:"chunk_index"`
	ChunkHash   string  `json:"chunk_hash"`
	Section     string  `json:"section,omitempty"`
	Subsection  string  `json:"subsection,omitempty"`
	Text        string  `json:"text,omitempty"`
	Score       float64 `json:"score"`
	Source      Source  `json:"source"`
	LexicalRank int     `json:"lexical_rank,omitempty"`
	VectorRank  int     `json:"vector_rank,omitempty"`
}

// Response wraps the results with the generation they were read from.
type Response struct {
	Generation int       `json:"generation"`
	Results    []*Result `json:"results"`

	// Degraded is set when the vector channel was skipped because the query
	// could not be embedded.
	Degraded bool `json:"degraded,omitempty"`
}

// IndexSource pins the live generation for the duration of a query.
// *index.Manager implements it.
type IndexSource interface {
	Acquire() (*index.Generation, func(), error)
}

// QueryEmbedder embeds query text. *embed.Cache implements it.
type QueryEmbedder interface {
	Model() string
	GetOrCompute(ctx context.Context, hash, modelID, text string) ([]float32, error)
}

// ChunkSource returns chunk text for result display. store.MetadataStore implements it.
type ChunkSource interface {
	GetChunksByDoc(ctx context.Context, docID string) ([]*store.Chunk, error)
}
