package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// embeddingBatch bounds the number of bound parameters per query.
const embeddingBatch = 500

// GetEmbeddings returns the stored vectors among hashes for a model.
func (s *SQLiteStore) GetEmbeddings(ctx context.Context, modelID string, hashes []string) (map[string][]float32, error) {
	out := make(map[string][]float32, len(hashes))
	for start := 0; start < len(hashes); start += embeddingBatch {
		batch := hashes[start:min(start+embeddingBatch, len(hashes))]
		args := append([]any{modelID}, stringArgs(batch)...)

		rows, err := s.db.QueryContext(ctx,
			`SELECT chunk_hash, vector FROM embeddings WHERE model_id = ? AND chunk_hash IN `+inClause(len(batch)), args...)
		if err != nil {
			return nil, fmt.Errorf("query embeddings: %w", err)
		}
		for rows.Next() {
			var hash string
			var blob []byte
			if err := rows.Scan(&hash, &blob); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan embedding: %w", err)
			}
			vec, err := DecodeVector(blob)
			if err != nil {
				rows.Close()
				return nil, fmt.Errorf("embedding %s: %w", hash, err)
			}
			out[hash] = vec
		}
		if err := rows.Close(); err != nil {
			return nil, err
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// PutEmbeddings upserts vectors. Hit counts of existing rows are kept.
func (s *SQLiteStore) PutEmbeddings(ctx context.Context, modelID string, vectors map[string][]float32) error {
	if len(vectors) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO embeddings (chunk_hash, model_id, dim, vector, created_at, last_used, hits)
		VALUES (?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(chunk_hash, model_id) DO UPDATE SET
			dim = excluded.dim,
			vector = excluded.vector,
			last_used = excluded.last_used`)
	if err != nil {
		return fmt.Errorf("prepare embedding insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixNano()
	for _, hash := range sortedKeys(vectors) {
		vec := vectors[hash]
		if _, err := stmt.ExecContext(ctx, hash, modelID, len(vec), EncodeVector(vec), now, now); err != nil {
			return fmt.Errorf("insert embedding %s: %w", hash, err)
		}
	}
	return tx.Commit()
}

// TouchEmbeddings adds hit counts and sets last_used. Missing rows are skipped.
func (s *SQLiteStore) TouchEmbeddings(ctx context.Context, modelID string, hits map[string]int, at time.Time) error {
	if len(hits) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`UPDATE embeddings SET hits = hits + ?, last_used = ? WHERE chunk_hash = ? AND model_id = ?`)
	if err != nil {
		return fmt.Errorf("prepare touch: %w", err)
	}
	defer stmt.Close()

	for _, hash := range sortedKeys(hits) {
		if _, err := stmt.ExecContext(ctx, hits[hash], at.UnixNano(), hash, modelID); err != nil {
			return fmt.Errorf("touch embedding %s: %w", hash, err)
		}
	}
	return tx.Commit()
}

// EmbeddingUsage returns the hit count and last use of one vector.
func (s *SQLiteStore) EmbeddingUsage(ctx context.Context, modelID, hash string) (EmbeddingUsage, error) {
	var u EmbeddingUsage
	var last int64
	err := s.db.QueryRowContext(ctx,
		`SELECT hits, last_used FROM embeddings WHERE chunk_hash = ? AND model_id = ?`, hash, modelID).
		Scan(&u.Hits, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return u, ErrNotFound
	}
	if err != nil {
		return u, fmt.Errorf("query embedding usage: %w", err)
	}
	u.LastUsed = fromUnixNano(last)
	return u, nil
}

// EmbeddingModels lists every model with stored vectors.
func (s *SQLiteStore) EmbeddingModels(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT model_id FROM embeddings ORDER BY model_id`)
	if err != nil {
		return nil, fmt.Errorf("query embedding models: %w", err)
	}
	defer rows.Close()

	models := []string{}
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	return models, rows.Err()
}

// DeleteModelEmbeddings removes every vector of a model.
func (s *SQLiteStore) DeleteModelEmbeddings(ctx context.Context, modelID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM embeddings WHERE model_id = ?`, modelID)
	if err != nil {
		return 0, fmt.Errorf("delete embeddings of %s: %w", modelID, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
