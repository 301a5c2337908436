package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

// boltBucketPrefix namespaces one bucket per embedding model.
const boltBucketPrefix = "emb:"

// boltHeader is last_used (unix nanos) followed by the hit count.
const boltHeader = 16

// BoltEmbeddingStore is an EmbeddingStore backed by bbolt, one bucket per model.
// bbolt serializes writers and gives readers consistent snapshots.
type BoltEmbeddingStore struct {
	db *bbolt.DB
}

var _ EmbeddingStore = (*BoltEmbeddingStore)(nil)

// NewBoltEmbeddingStore opens or creates the store at path.
func NewBoltEmbeddingStore(path string) (*BoltEmbeddingStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open embedding store: %w", err)
	}
	return &BoltEmbeddingStore{db: db}, nil
}

func modelBucket(modelID string) []byte {
	return []byte(boltBucketPrefix + modelID)
}

func encodeBoltRecord(vec []float32, lastUsed time.Time, hits uint64) []byte {
	buf := make([]byte, boltHeader, boltHeader+4*len(vec))
	binary.LittleEndian.PutUint64(buf[0:8], uint64(lastUsed.UnixNano()))
	binary.LittleEndian.PutUint64(buf[8:16], hits)
	return append(buf, EncodeVector(vec)...)
}

func decodeBoltHeader(rec []byte) (time.Time, uint64, error) {
	if len(rec) < boltHeader {
		return time.Time{}, 0, fmt.Errorf("short embedding record: %d bytes", len(rec))
	}
	last := int64(binary.LittleEndian.Uint64(rec[0:8]))
	return fromUnixNano(last), binary.LittleEndian.Uint64(rec[8:16]), nil
}

// GetEmbeddings returns the stored vectors among hashes for a model.
func (s *BoltEmbeddingStore) GetEmbeddings(ctx context.Context, modelID string, hashes []string) (map[string][]float32, error) {
	out := make(map[string][]float32, len(hashes))
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(modelBucket(modelID))
		if b == nil {
			return nil
		}
		for _, h := range hashes {
			rec := b.Get([]byte(h))
			if rec == nil {
				continue
			}
			if len(rec) < boltHeader {
				return fmt.Errorf("embedding %s: short record", h)
			}
			// DecodeVector copies, so the slice outlives the transaction.
			vec, err := DecodeVector(rec[boltHeader:])
			if err != nil {
				return fmt.Errorf("embedding %s: %w", h, err)
			}
			out[h] = vec
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PutEmbeddings upserts vectors, keeping the hit count of existing records.
func (s *BoltEmbeddingStore) PutEmbeddings(ctx context.Context, modelID string, vectors map[string][]float32) error {
	if len(vectors) == 0 {
		return nil
	}
	now := time.Now()
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(modelBucket(modelID))
		if err != nil {
			return fmt.Errorf("create bucket: %w", err)
		}
		for _, h := range sortedKeys(vectors) {
			var hits uint64
			if rec := b.Get([]byte(h)); rec != nil {
				if _, n, err := decodeBoltHeader(rec); err == nil {
					hits = n
				}
			}
			if err := b.Put([]byte(h), encodeBoltRecord(vectors[h], now, hits)); err != nil {
				return fmt.Errorf("put embedding %s: %w", h, err)
			}
		}
		return nil
	})
}

// TouchEmbeddings adds hit counts and sets last_used. Missing records are skipped.
func (s *BoltEmbeddingStore) TouchEmbeddings(ctx context.Context, modelID string, hits map[string]int, at time.Time) error {
	if len(hits) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(modelBucket(modelID))
		if b == nil {
			return nil
		}
		for _, h := range sortedKeys(hits) {
			rec := b.Get([]byte(h))
			if rec == nil {
				continue
			}
			_, n, err := decodeBoltHeader(rec)
			if err != nil {
				return fmt.Errorf("embedding %s: %w", h, err)
			}
			updated := make([]byte, len(rec))
			copy(updated, rec)
			binary.LittleEndian.PutUint64(updated[0:8], uint64(at.UnixNano()))
			binary.LittleEndian.PutUint64(updated[8:16], n+uint64(hits[h]))
			if err := b.Put([]byte(h), updated); err != nil {
				return err
			}
		}
		return nil
	})
}

// EmbeddingUsage returns the hit count and last use of one vector.
func (s *BoltEmbeddingStore) EmbeddingUsage(ctx context.Context, modelID, hash string) (EmbeddingUsage, error) {
	var u EmbeddingUsage
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(modelBucket(modelID))
		if b == nil {
			return ErrNotFound
		}
		rec := b.Get([]byte(hash))
		if rec == nil {
			return ErrNotFound
		}
		last, hits, err := decodeBoltHeader(rec)
		if err != nil {
			return err
		}
		u = EmbeddingUsage{Hits: int(hits), LastUsed: last}
		return nil
	})
	return u, err
}

// EmbeddingModels lists every model with a bucket.
func (s *BoltEmbeddingStore) EmbeddingModels(ctx context.Context) ([]string, error) {
	models := []string{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, b *bbolt.Bucket) error {
			if m, ok := strings.CutPrefix(string(name), boltBucketPrefix); ok && b.Stats().KeyN > 0 {
				models = append(models, m)
			}
			return nil
		})
	})
	return models, err
}

// DeleteModelEmbeddings drops a model's bucket.
func (s *BoltEmbeddingStore) DeleteModelEmbeddings(ctx context.Context, modelID string) (int, error) {
	n := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(modelBucket(modelID))
		if b == nil {
			return nil
		}
		n = b.Stats().KeyN
		return tx.DeleteBucket(modelBucket(modelID))
	})
	return n, err
}

// Close closes the database.
func (s *BoltEmbeddingStore) Close() error {
	return s.db.Close()
}
