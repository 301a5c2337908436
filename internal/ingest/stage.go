package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/Aman-CERP/amankb/internal/chunk"
	"github.com/Aman-CERP/amankb/internal/embed"
	kberrors "github.com/Aman-CERP/amankb/internal/errors"
	"github.com/Aman-CERP/amankb/internal/index"
	"github.com/Aman-CERP/amankb/internal/store"
)

// Stager chunks an item, warms its embeddings and stages the document for
// the next incremental build.
type Stager struct {
	chunker  *chunk.Chunker
	embedder index.Embedder
	meta     store.MetadataStore
	language string
	logger   *slog.Logger
}

// NewStager creates a stager. language is used for items that carry none.
func NewStager(chunker *chunk.Chunker, embedder index.Embedder, meta store.MetadataStore, language string, logger *slog.Logger) *Stager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stager{chunker: chunker, embedder: embedder, meta: meta, language: language, logger: logger}
}

// Stage stores the document docID built from item. It reports false when the
// stored document already has the same content and nothing was staged.
func (s *Stager) Stage(ctx context.Context, docID string, item *Item) (bool, error) {
	contentHash := chunk.ContentHash(item.Text)
	existing, err := s.meta.GetDocument(ctx, docID)
	if err != nil {
		return false, kberrors.New(kberrors.ErrCodeStorageFailed, "load document", err)
	}
	if existing != nil && !existing.Removed && existing.ContentHash == contentHash {
		s.logger.Debug("ingest_unchanged", slog.String("doc_id", docID), slog.String("path", item.Path))
		return false, nil
	}

	lang := item.Language
	if lang == "" {
		lang = s.language
	}
	chunks, err := s.chunker.Chunk(chunk.Document{ID: docID, Text: item.Text, Language: lang, Modality: item.Modality})
	if err != nil {
		return false, err
	}
	if len(chunks) == 0 {
		return false, kberrors.Permanent("document produced no chunks", nil).WithDetail("path", item.Path)
	}

	items := make([]embed.Item, len(chunks))
	rows := make([]*store.Chunk, len(chunks))
	ids := make([]string, len(chunks))
	hashes := make([]string, len(chunks))
	for i, c := range chunks {
		items[i] = embed.Item{Hash: c.Hash, Text: c.Text}
		ids[i] = c.ID()
		hashes[i] = c.Hash
		rows[i] = &store.Chunk{
			ID: c.ID(), DocID: docID, Hash: c.Hash, Index: c.Index, Text: c.Text,
			TokenCount: c.TokenCount, Section: c.Section, Subsection: c.Subsection,
			Modality: c.Modality, Language: c.Language,
		}
	}

	model := s.embedder.Model()
	if _, err := s.embedder.GetOrComputeBatch(ctx, model, items); err != nil {
		return false, err
	}

	doc := &store.Document{
		ID:          docID,
		ContentHash: contentHash,
		Title:       item.Title,
		SourcePath:  item.Path,
		Language:    lang,
		Tags:        item.Tags,
		Status:      store.StatusActive,
		ChunkIDs:    ids,
	}
	if existing != nil && existing.Status != "" {
		doc.Status = existing.Status
	}
	if err := s.meta.UpsertDocument(ctx, doc, rows); err != nil {
		return false, kberrors.New(kberrors.ErrCodeStorageFailed, "store document", err)
	}
	err = s.meta.SaveEmbeddingMeta(ctx, docID, store.EmbeddingMeta{
		ModelID:     model,
		Dim:         s.embedder.Dimensions(),
		UpdatedAt:   time.Now(),
		ChunkHashes: hashes,
	})
	if err != nil {
		return false, kberrors.New(kberrors.ErrCodeStorageFailed, "store embedding metadata", err)
	}

	s.logger.Info("ingest_staged",
		slog.String("doc_id", docID),
		slog.String("path", item.Path),
		slog.String("source_type", item.SourceType),
		slog.Int("chunks", len(chunks)))
	return true, nil
}
