package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// SQLiteStore is the metadata store: documents, chunks, staged changes,
// embeddings, ingestion tasks and key/value state in one SQLite database.
// Timestamps are stored as unix nanoseconds so both drivers read them alike.
type SQLiteStore struct {
	db     *sql.DB
	driver string
}

var (
	_ MetadataStore  = (*SQLiteStore)(nil)
	_ EmbeddingStore = (*SQLiteStore)(nil)
	_ TaskStore      = (*SQLiteStore)(nil)
)

// NewSQLiteStore opens or creates the metadata database at path using the
// named driver ("sqlite" or "sqlite3"). An empty path is in-memory.
func NewSQLiteStore(path, driver string) (*SQLiteStore, error) {
	db, err := OpenSQLite(driver, path)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db, driver: driver}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS documents (
		doc_id TEXT PRIMARY KEY,
		content_hash TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		source_path TEXT NOT NULL DEFAULT '',
		language TEXT NOT NULL DEFAULT '',
		tags TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL DEFAULT 'active',
		removed INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chunks (
		chunk_id TEXT PRIMARY KEY,
		doc_id TEXT NOT NULL REFERENCES documents(doc_id) ON DELETE CASCADE,
		chunk_hash TEXT NOT NULL,
		chunk_index INTEGER NOT NULL,
		text TEXT NOT NULL,
		token_count INTEGER NOT NULL,
		section TEXT NOT NULL DEFAULT '',
		subsection TEXT NOT NULL DEFAULT '',
		modality TEXT NOT NULL DEFAULT 'text',
		language TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_doc ON chunks(doc_id, chunk_index);
	CREATE INDEX IF NOT EXISTS idx_chunks_hash ON chunks(chunk_hash);

	CREATE TABLE IF NOT EXISTS document_embeddings (
		doc_id TEXT NOT NULL REFERENCES documents(doc_id) ON DELETE CASCADE,
		model_id TEXT NOT NULL,
		meta TEXT NOT NULL,
		PRIMARY KEY (doc_id, model_id)
	);

	CREATE TABLE IF NOT EXISTS pending_changes (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		doc_id TEXT NOT NULL,
		op TEXT NOT NULL,
		staged_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS embeddings (
		chunk_hash TEXT NOT NULL,
		model_id TEXT NOT NULL,
		dim INTEGER NOT NULL,
		vector BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		last_used INTEGER NOT NULL,
		hits INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (chunk_hash, model_id)
	);
	CREATE INDEX IF NOT EXISTS idx_embeddings_model ON embeddings(model_id);

	CREATE TABLE IF NOT EXISTS ingest_tasks (
		task_id TEXT PRIMARY KEY,
		path TEXT NOT NULL,
		stage TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		next_attempt_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_due ON ingest_tasks(status, next_attempt_at);

	CREATE TABLE IF NOT EXISTS state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`
	_, err := s.db.Exec(schema)
	return err
}

// DB exposes the underlying connection.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Driver returns the database/sql driver name in use.
func (s *SQLiteStore) Driver() string {
	return s.driver
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// UpsertDocument replaces a document and its chunks, clears the removed
// flag, and stages an upsert, all in one transaction.
func (s *SQLiteStore) UpsertDocument(ctx context.Context, doc *Document, chunks []*Chunk) error {
	if doc == nil || doc.ID == "" {
		return fmt.Errorf("document id is required")
	}
	tags, err := json.Marshal(nonNilStrings(doc.Tags))
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	status := doc.Status
	if status == "" {
		status = StatusActive
	}
	updated := doc.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (doc_id, content_hash, title, source_path, language, tags, status, removed, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(doc_id) DO UPDATE SET
			content_hash = excluded.content_hash,
			title = excluded.title,
			source_path = excluded.source_path,
			language = excluded.language,
			tags = excluded.tags,
			status = excluded.status,
			removed = 0,
			updated_at = excluded.updated_at`,
		doc.ID, doc.ContentHash, doc.Title, doc.SourcePath, doc.Language, string(tags), status, unixNano(updated))
	if err != nil {
		return fmt.Errorf("upsert document %s: %w", doc.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE doc_id = ?`, doc.ID); err != nil {
		return fmt.Errorf("delete chunks of %s: %w", doc.ID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (chunk_id, doc_id, chunk_hash, chunk_index, text, token_count, section, subsection, modality, language)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		if _, err := stmt.ExecContext(ctx, c.ID, doc.ID, c.Hash, c.Index, c.Text, c.TokenCount,
			c.Section, c.Subsection, c.Modality, c.Language); err != nil {
			return fmt.Errorf("insert chunk %s: %w", c.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO pending_changes (doc_id, op, staged_at) VALUES (?, ?, ?)`,
		doc.ID, ChangeUpsert, time.Now().UnixNano()); err != nil {
		return fmt.Errorf("stage change: %w", err)
	}
	return tx.Commit()
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// GetDocument returns a document with its chunk ids and embedding metadata,
// or nil when it does not exist.
func (s *SQLiteStore) GetDocument(ctx context.Context, id string) (*Document, error) {
	var (
		doc     Document
		tags    string
		removed int
		updated int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT doc_id, content_hash, title, source_path, language, tags, status, removed, updated_at
		FROM documents WHERE doc_id = ?`, id).
		Scan(&doc.ID, &doc.ContentHash, &doc.Title, &doc.SourcePath, &doc.Language, &tags, &doc.Status, &removed, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get document %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(tags), &doc.Tags); err != nil {
		return nil, fmt.Errorf("decode tags of %s: %w", id, err)
	}
	doc.Removed = removed != 0
	doc.UpdatedAt = fromUnixNano(updated)

	chunks, err := s.GetChunksByDoc(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, c := range chunks {
		doc.ChunkIDs = append(doc.ChunkIDs, c.ID)
	}

	doc.Embeddings, err = s.embeddingMeta(ctx, id)
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *SQLiteStore) embeddingMeta(ctx context.Context, docID string) (map[string]EmbeddingMeta, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT model_id, meta FROM document_embeddings WHERE doc_id = ?`, docID)
	if err != nil {
		return nil, fmt.Errorf("query embedding meta: %w", err)
	}
	defer rows.Close()

	out := make(map[string]EmbeddingMeta)
	for rows.Next() {
		var model, raw string
		if err := rows.Scan(&model, &raw); err != nil {
			return nil, fmt.Errorf("scan embedding meta: %w", err)
		}
		var m EmbeddingMeta
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, fmt.Errorf("decode embedding meta: %w", err)
		}
		out[model] = m
	}
	return out, rows.Err()
}

// ActiveDocumentIDs lists documents that are not removed, ordered by id.
func (s *SQLiteStore) ActiveDocumentIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc_id FROM documents WHERE removed = 0 ORDER BY doc_id`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan document id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetChunksByDoc returns a document's chunks in chunk order.
func (s *SQLiteStore) GetChunksByDoc(ctx context.Context, docID string) ([]*Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chunk_id, doc_id, chunk_hash, chunk_index, text, token_count, section, subsection, modality, language
		FROM chunks WHERE doc_id = ? ORDER BY chunk_index`, docID)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	chunks := []*Chunk{}
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ID, &c.DocID, &c.Hash, &c.Index, &c.Text, &c.TokenCount,
			&c.Section, &c.Subsection, &c.Modality, &c.Language); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		chunks = append(chunks, &c)
	}
	return chunks, rows.Err()
}

// MarkRemoved flags documents removed and stages a delete for each one that
// was active. It returns how many documents changed.
func (s *SQLiteStore) MarkRemoved(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixNano()
	n := 0
	for _, id := range ids {
		res, err := tx.ExecContext(ctx, `UPDATE documents SET removed = 1, updated_at = ? WHERE doc_id = ? AND removed = 0`, now, id)
		if err != nil {
			return 0, fmt.Errorf("mark %s removed: %w", id, err)
		}
		affected, _ := res.RowsAffected()
		if affected == 0 {
			continue
		}
		n++
		if _, err := tx.ExecContext(ctx, `INSERT INTO pending_changes (doc_id, op, staged_at) VALUES (?, ?, ?)`,
			id, ChangeDelete, now); err != nil {
			return 0, fmt.Errorf("stage delete: %w", err)
		}
	}
	return n, tx.Commit()
}

// SaveEmbeddingMeta records which chunk hashes of a document have vectors for a model.
func (s *SQLiteStore) SaveEmbeddingMeta(ctx context.Context, docID string, meta EmbeddingMeta) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode embedding meta: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO document_embeddings (doc_id, model_id, meta) VALUES (?, ?, ?)
		ON CONFLICT(doc_id, model_id) DO UPDATE SET meta = excluded.meta`,
		docID, meta.ModelID, string(raw))
	if err != nil {
		return fmt.Errorf("save embedding meta: %w", err)
	}
	return nil
}

// ModelsInUse lists the models referenced by active documents.
func (s *SQLiteStore) ModelsInUse(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT e.model_id FROM document_embeddings e
		JOIN documents d ON d.doc_id = e.doc_id
		WHERE d.removed = 0 ORDER BY e.model_id`)
	if err != nil {
		return nil, fmt.Errorf("query models: %w", err)
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

// PendingChanges returns staged changes in staging order.
func (s *SQLiteStore) PendingChanges(ctx context.Context) ([]Change, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq, doc_id, op, staged_at FROM pending_changes ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("query pending changes: %w", err)
	}
	defer rows.Close()

	changes := []Change{}
	for rows.Next() {
		var c Change
		var staged int64
		if err := rows.Scan(&c.Seq, &c.DocID, &c.Op, &staged); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		c.StagedAt = fromUnixNano(staged)
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

// ClearPendingChanges drops staged changes up to and including upTo.
func (s *SQLiteStore) ClearPendingChanges(ctx context.Context, upTo int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_changes WHERE seq <= ?`, upTo); err != nil {
		return fmt.Errorf("clear pending changes: %w", err)
	}
	return nil
}

// Counts returns the number of active documents and their chunks.
func (s *SQLiteStore) Counts(ctx context.Context) (docs, chunks int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM documents WHERE removed = 0),
			(SELECT COUNT(*) FROM chunks c JOIN documents d ON d.doc_id = c.doc_id WHERE d.removed = 0)`).
		Scan(&docs, &chunks)
	if err != nil {
		return 0, 0, fmt.Errorf("count documents: %w", err)
	}
	return docs, chunks, nil
}

// GetState returns a state value, or "" when unset.
func (s *SQLiteStore) GetState(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get state %s: %w", key, err)
	}
	return value, nil
}

// SetState upserts a state value.
func (s *SQLiteStore) SetState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set state %s: %w", key, err)
	}
	return nil
}

// Close checkpoints the WAL and closes the database.
func (s *SQLiteStore) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

func stringArgs(ss []string) []any {
	args := make([]any, len(ss))
	for i, v := range ss {
		args[i] = v
	}
	return args
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func inClause(n int) string {
	return "(" + placeholders(n) + ")"
}
