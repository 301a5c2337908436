package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
	"github.com/blevesearch/bleve/v2/registry"
)

const (
	// TextTokenizerName is the registered name of the note tokenizer.
	TextTokenizerName = "kb_tokenizer"

	// TextAnalyzerName is the analyzer applied to chunk content.
	TextAnalyzerName = "kb_analyzer"
)

// Field names shared by the lexical backends.
const (
	fieldContent  = "content"
	fieldDocID    = "doc_id"
	fieldTags     = "tags"
	fieldLanguage = "language"
	fieldStatus   = "status"
)

// ErrCorruptIndex is returned when an on-disk index cannot be opened.
var ErrCorruptIndex = errors.New("corrupt index")

func init() {
	_ = registry.RegisterTokenizer(TextTokenizerName, textTokenizerConstructor)
}

// BleveIndex is a LexicalIndex backed by Bleve v2.
type BleveIndex struct {
	mu     sync.RWMutex
	index  bleve.Index
	path   string
	closed bool
}

// bleveDocument is the document structure for Bleve indexing.
type bleveDocument struct {
	Content  string   `json:"content"`
	DocID    string   `json:"doc_id"`
	Tags     []string `json:"tags"`
	Language string   `json:"language"`
	Status   string   `json:"status"`
}

// validateIndexIntegrity checks that an existing Bleve directory has a
// readable index_meta.json. A missing directory is valid.
func validateIndexIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	metaPath := filepath.Join(path, "index_meta.json")
	data, err := os.ReadFile(metaPath)
	if err != nil {
		return fmt.Errorf("%w: cannot read index_meta.json: %v", ErrCorruptIndex, err)
	}
	if len(data) == 0 {
		return fmt.Errorf("%w: index_meta.json is empty", ErrCorruptIndex)
	}
	var meta map[string]any
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("%w: index_meta.json: %v", ErrCorruptIndex, err)
	}
	return nil
}

// NewBleveIndex opens or creates a Bleve index at path.
// If path is empty, an in-memory index is created.
// Generations are immutable once published, so a corrupt directory is
// reported rather than silently cleared.
func NewBleveIndex(path string) (*BleveIndex, error) {
	indexMapping, err := createIndexMapping()
	if err != nil {
		return nil, fmt.Errorf("failed to create index mapping: %w", err)
	}

	var idx bleve.Index
	if path == "" {
		idx, err = bleve.NewMemOnly(indexMapping)
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
		}
		if err := validateIndexIntegrity(path); err != nil {
			return nil, err
		}

		idx, err = bleve.Open(path)
		if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
			idx, err = bleve.New(path, indexMapping)
		} else if errors.Is(err, bleve.ErrorIndexMetaCorrupt) {
			return nil, fmt.Errorf("%w: %v", ErrCorruptIndex, err)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create/open index: %w", err)
	}

	return &BleveIndex{index: idx, path: path}, nil
}

func createIndexMapping() (*mapping.IndexMappingImpl, error) {
	indexMapping := bleve.NewIndexMapping()

	err := indexMapping.AddCustomAnalyzer(TextAnalyzerName, map[string]any{
		"type":      custom.Name,
		"tokenizer": TextTokenizerName,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add custom analyzer: %w", err)
	}

	content := bleve.NewTextFieldMapping()
	content.Analyzer = TextAnalyzerName
	content.Store = false

	keyword := bleve.NewKeywordFieldMapping()
	keyword.Store = false
	keyword.IncludeInAll = false

	docMapping := bleve.NewDocumentMapping()
	docMapping.AddFieldMappingsAt(fieldContent, content)
	docMapping.AddFieldMappingsAt(fieldDocID, keyword)
	docMapping.AddFieldMappingsAt(fieldTags, keyword)
	docMapping.AddFieldMappingsAt(fieldLanguage, keyword)
	docMapping.AddFieldMappingsAt(fieldStatus, keyword)

	indexMapping.DefaultMapping = docMapping
	indexMapping.DefaultAnalyzer = TextAnalyzerName
	return indexMapping, nil
}

// Index adds or replaces documents.
func (b *BleveIndex) Index(ctx context.Context, docs []*IndexDoc) error {
	if len(docs) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("index is closed")
	}

	batch := b.index.NewBatch()
	for _, doc := range docs {
		bd := bleveDocument{
			Content:  doc.Text,
			DocID:    doc.DocID,
			Tags:     doc.Facets.Tags,
			Language: doc.Facets.Language,
			Status:   doc.Facets.Status,
		}
		if err := batch.Index(doc.ChunkID, bd); err != nil {
			return fmt.Errorf("failed to index chunk %s: %w", doc.ChunkID, err)
		}
	}

	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("failed to execute batch: %w", err)
	}
	return nil
}

// Search returns chunks matching any query term, scored by BM25.
func (b *BleveIndex) Search(ctx context.Context, queryStr string, filter Filter, limit int) ([]*LexicalResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, fmt.Errorf("index is closed")
	}
	if strings.TrimSpace(queryStr) == "" || limit <= 0 {
		return []*LexicalResult{}, nil
	}

	match := bleve.NewMatchQuery(queryStr)
	match.SetField(fieldContent)

	var q query.Query = match
	if !filter.IsZero() {
		q = bleve.NewConjunctionQuery(append([]query.Query{match}, facetQueries(filter)...)...)
	}

	req := bleve.NewSearchRequest(q)
	req.Size = limit
	req.SortBy([]string{"-_score", "_id"})

	result, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	results := make([]*LexicalResult, 0, len(result.Hits))
	for _, hit := range result.Hits {
		results = append(results, &LexicalResult{ChunkID: hit.ID, Score: hit.Score})
	}
	return results, nil
}

func facetQueries(filter Filter) []query.Query {
	var qs []query.Query
	term := func(field, value string) {
		tq := bleve.NewTermQuery(value)
		tq.SetField(field)
		qs = append(qs, tq)
	}
	for _, t := range filter.Tags {
		term(fieldTags, t)
	}
	if filter.Language != "" {
		term(fieldLanguage, filter.Language)
	}
	if filter.Status != "" {
		term(fieldStatus, filter.Status)
	}
	return qs
}

// Delete removes chunks from the index.
func (b *BleveIndex) Delete(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("index is closed")
	}

	batch := b.index.NewBatch()
	for _, id := range chunkIDs {
		batch.Delete(id)
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	return nil
}

// AllIDs returns every chunk ID in the index.
func (b *BleveIndex) AllIDs() ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, fmt.Errorf("index is closed")
	}

	docCount, err := b.index.DocCount()
	if err != nil {
		return nil, fmt.Errorf("failed to count documents: %w", err)
	}

	req := bleve.NewSearchRequest(bleve.NewMatchAllQuery())
	req.Size = int(docCount)
	req.Fields = []string{}
	req.SortBy([]string{"_id"})

	result, err := b.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("failed to search for all IDs: %w", err)
	}

	ids := make([]string, len(result.Hits))
	for i, hit := range result.Hits {
		ids[i] = hit.ID
	}
	return ids, nil
}

// Count returns the number of indexed chunks.
func (b *BleveIndex) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return 0
	}
	n, _ := b.index.DocCount()
	return int(n)
}

// Flush is a no-op; Bleve persists each batch.
func (b *BleveIndex) Flush() error {
	return nil
}

// Close closes the index.
func (b *BleveIndex) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.index.Close()
}

var _ LexicalIndex = (*BleveIndex)(nil)

func textTokenizerConstructor(config map[string]any, cache *registry.Cache) (analysis.Tokenizer, error) {
	return &bleveTextTokenizer{}, nil
}

// bleveTextTokenizer adapts Tokenize to analysis.Tokenizer.
type bleveTextTokenizer struct{}

func (t *bleveTextTokenizer) Tokenize(input []byte) analysis.TokenStream {
	text := string(input)
	lower := strings.ToLower(text)
	tokens := Tokenize(text)

	result := make(analysis.TokenStream, 0, len(tokens))
	offset := 0
	for i, token := range tokens {
		start := strings.Index(lower[offset:], token)
		if start == -1 {
			start = offset
		} else {
			start += offset
		}
		end := min(start+len(token), len(text))

		result = append(result, &analysis.Token{
			Term:     []byte(token),
			Start:    start,
			End:      end,
			Position: i + 1,
			Type:     analysis.AlphaNumeric,
		})
		// camelCase parts lie inside the preceding word.
		offset = start
	}
	return result
}
