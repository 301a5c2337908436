package embed

import (
	"context"
	"math"
	"time"
)

const (
	// DefaultBatchSize is the number of texts sent per backend request.
	DefaultBatchSize = 32

	// MaxBatchSize caps a single request.
	MaxBatchSize = 256

	// DefaultTimeout bounds one backend call.
	DefaultTimeout = 60 * time.Second

	// DefaultDimensions is the output size of nomic-embed-text.
	DefaultDimensions = 768

	// StaticDimensions is the default output size of the static embedder.
	StaticDimensions = 256
)

// Embedder is an embedding backend serving a single model.
type Embedder interface {
	// EmbedBatch returns one vector per text, in order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the declared output size.
	Dimensions() int

	// ModelName returns the model identifier used as the cache keyspace.
	ModelName() string

	// Available checks if the backend is reachable.
	Available(ctx context.Context) bool

	Close() error
}

// normalizeVector scales v to unit length. A zero vector is returned as is.
func normalizeVector(v []float32) []float32 {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	magnitude := math.Sqrt(sumSquares)
	if magnitude == 0 {
		return v
	}
	out := make([]float32, len(v))
	for i, val := range v {
		out[i] = float32(float64(val) / magnitude)
	}
	return out
}
