package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"
)

// Document status values. Archived documents stay in the metadata store but
// are filtered out of default searches by the caller.
const (
	StatusActive   = "active"
	StatusArchived = "archived"
)

// Document is a knowledge-base document as persisted in the metadata store.
type Document struct {
	ID          string
	ContentHash string // SHA-256 of the normalized text
	Title       string
	SourcePath  string
	Language    string
	Tags        []string
	Status      string
	ChunkIDs    []string                 // Ordered by chunk index
	Embeddings  map[string]EmbeddingMeta // Keyed by model id
	Removed     bool                     // Set by DeleteDocs; removed documents are not indexed
	UpdatedAt   time.Time
}

// EmbeddingMeta records which chunk hashes of a document have vectors for a model.
type EmbeddingMeta struct {
	ModelID     string    `json:"model_id"`
	Dim         int       `json:"dim"`
	UpdatedAt   time.Time `json:"updated_at"`
	ChunkHashes []string  `json:"chunk_hashes"`
}

// Chunk is a persisted chunk row.
type Chunk struct {
	ID         string // doc_id:chunk_hash
	DocID      string
	Hash       string
	Index      int
	Text       string
	TokenCount int
	Section    string
	Subsection string
	Modality   string
	Language   string
}

// Facets are the filterable attributes shared by the lexical and vector indexes.
type Facets struct {
	Tags     []string
	Language string
	Status   string
}

// Filter restricts search results by facet. Zero fields do not constrain.
// Every tag in Tags must be present on the document.
type Filter struct {
	Tags     []string
	Language string
	Status   string
}

// IsZero reports whether the filter constrains nothing.
func (f Filter) IsZero() bool {
	return len(f.Tags) == 0 && f.Language == "" && f.Status == ""
}

// Matches reports whether facets satisfy the filter.
func (f Filter) Matches(fc Facets) bool {
	if f.Language != "" && f.Language != fc.Language {
		return false
	}
	if f.Status != "" && f.Status != fc.Status {
		return false
	}
	for _, t := range f.Tags {
		if !slices.Contains(fc.Tags, t) {
			return false
		}
	}
	return true
}

// IndexDoc is one chunk as handed to the lexical index.
type IndexDoc struct {
	ChunkID string
	DocID   string
	Text    string
	Facets  Facets
}

// LexicalResult is a single lexical hit.
type LexicalResult struct {
	ChunkID string
	Score   float64
}

// LexicalIndex is a BM25 inverted index over chunk text with facet filtering.
type LexicalIndex interface {
	// Index adds or replaces documents.
	Index(ctx context.Context, docs []*IndexDoc) error

	// Search returns up to limit hits ordered by score descending, then chunk id.
	Search(ctx context.Context, query string, filter Filter, limit int) ([]*LexicalResult, error)

	Delete(ctx context.Context, chunkIDs []string) error
	AllIDs() ([]string, error)
	Count() int

	// Flush makes all indexed documents durable.
	Flush() error
	Close() error
}

// VectorResult is a single nearest-neighbor hit.
type VectorResult struct {
	ID       string  // Chunk ID
	Distance float32 // Lower is more similar (0-2 for cosine)
	Score    float32 // Similarity in [0, 1]
}

// VectorStoreConfig configures the vector store.
type VectorStoreConfig struct {
	Dimensions int
	// Metric is "cos" or "l2".
	Metric   string
	M        int
	EfSearch int
}

// DefaultVectorStoreConfig returns defaults for the given dimension.
func DefaultVectorStoreConfig(dimensions int) VectorStoreConfig {
	return VectorStoreConfig{
		Dimensions: dimensions,
		Metric:     "cos",
		M:          16,
		EfSearch:   64,
	}
}

// VectorStore is an approximate nearest-neighbor index with facet filtering.
type VectorStore interface {
	// Add inserts or replaces vectors. facets may be nil.
	Add(ctx context.Context, ids []string, vectors [][]float32, facets []Facets) error

	// Search returns up to k neighbors ordered by distance, then id.
	Search(ctx context.Context, query []float32, k int, filter Filter) ([]*VectorResult, error)

	Delete(ctx context.Context, ids []string) error
	AllIDs() []string
	Contains(id string) bool
	Count() int

	Save(path string) error
	Load(path string) error
	Close() error
}

// ErrDimensionMismatch indicates a vector of the wrong length.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Got)
}

// Change is a staged document change awaiting the next incremental build.
type Change struct {
	Seq      int64
	DocID    string
	Op       string // ChangeUpsert or ChangeDelete
	StagedAt time.Time
}

const (
	ChangeUpsert = "upsert"
	ChangeDelete = "delete"
)

// MetadataStore persists documents, chunks and runtime state.
type MetadataStore interface {
	// UpsertDocument replaces the document and all of its chunks and stages
	// an upsert for the next incremental build.
	UpsertDocument(ctx context.Context, doc *Document, chunks []*Chunk) error
	GetDocument(ctx context.Context, id string) (*Document, error)
	// ActiveDocumentIDs lists documents not removed by DeleteDocs, ordered by id.
	ActiveDocumentIDs(ctx context.Context) ([]string, error)
	GetChunksByDoc(ctx context.Context, docID string) ([]*Chunk, error)
	// MarkRemoved flags documents removed and stages deletes. Unknown ids are ignored.
	MarkRemoved(ctx context.Context, ids []string) (int, error)

	SaveEmbeddingMeta(ctx context.Context, docID string, meta EmbeddingMeta) error
	// ModelsInUse lists model ids referenced by any active document.
	ModelsInUse(ctx context.Context) ([]string, error)

	PendingChanges(ctx context.Context) ([]Change, error)
	// ClearPendingChanges drops staged changes with Seq <= upTo.
	ClearPendingChanges(ctx context.Context, upTo int64) error

	Counts(ctx context.Context) (docs, chunks int, err error)

	GetState(ctx context.Context, key string) (string, error)
	SetState(ctx context.Context, key, value string) error

	Close() error
}

// EmbeddingStore persists vectors keyed by (chunk_hash, model_id).
// Implementations allow concurrent readers and concurrent writers of distinct keys.
type EmbeddingStore interface {
	// GetEmbeddings returns the stored vectors among hashes; absent hashes are omitted.
	GetEmbeddings(ctx context.Context, modelID string, hashes []string) (map[string][]float32, error)
	PutEmbeddings(ctx context.Context, modelID string, vectors map[string][]float32) error
	// TouchEmbeddings adds hits and sets last_used for the given hashes.
	TouchEmbeddings(ctx context.Context, modelID string, hits map[string]int, at time.Time) error
	EmbeddingUsage(ctx context.Context, modelID, hash string) (EmbeddingUsage, error)
	EmbeddingModels(ctx context.Context) ([]string, error)
	// DeleteModelEmbeddings removes every vector of a model and returns how many were removed.
	DeleteModelEmbeddings(ctx context.Context, modelID string) (int, error)
	Close() error
}

// EmbeddingUsage is the cache accounting for one stored vector.
type EmbeddingUsage struct {
	Hits     int
	LastUsed time.Time
}

// TaskStatus is the ingestion task state.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskSucceeded  TaskStatus = "succeeded"
	TaskDeadLetter TaskStatus = "dead_letter"
)

// Task is a persisted ingestion task.
type Task struct {
	ID            string
	Path          string
	Stage         string
	Status        TaskStatus
	RetryCount    int
	LastError     string
	NextAttemptAt time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TaskStore persists ingestion tasks. Status transitions are atomic: a task
// is claimed by exactly one caller.
type TaskStore interface {
	// EnqueueTask inserts a pending task. An existing task is re-queued only
	// when it already succeeded; tasks in flight or dead-lettered are left alone.
	EnqueueTask(ctx context.Context, t *Task) (bool, error)
	// ClaimTask moves one due pending task to processing and returns it, or nil.
	ClaimTask(ctx context.Context, now time.Time) (*Task, error)
	// UpdateTask writes the outcome of an attempt for a task in processing.
	UpdateTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, status TaskStatus) ([]*Task, error)
	// ResetTask moves a dead-lettered task back to pending with zero retries.
	ResetTask(ctx context.Context, id string, now time.Time) error
	// RecoverTasks moves tasks stuck in processing back to pending.
	RecoverTasks(ctx context.Context) (int, error)
	TaskCounts(ctx context.Context) (map[TaskStatus]int, error)
	RetryTotal(ctx context.Context) (int, error)
}

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")
