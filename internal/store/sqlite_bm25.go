package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"
)

// SQLiteFTSIndex is a LexicalIndex backed by SQLite FTS5.
// Content is pre-tokenized with Tokenize so both lexical backends agree on terms.
type SQLiteFTSIndex struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	closed bool
}

var _ LexicalIndex = (*SQLiteFTSIndex)(nil)

// validateSQLiteIntegrity checks an existing database before it is opened.
func validateSQLiteIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	db, err := sql.Open(DriverModernc, path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("%w: cannot open for validation: %v", ErrCorruptIndex, err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("%w: integrity check failed: %v", ErrCorruptIndex, err)
	}
	if result != "ok" {
		return fmt.Errorf("%w: %s", ErrCorruptIndex, result)
	}

	var count int
	err = db.QueryRow(`SELECT COUNT(*) FROM sqlite_master
                       WHERE type='table' AND name='fts_content'`).Scan(&count)
	if err != nil {
		return fmt.Errorf("%w: cannot query schema: %v", ErrCorruptIndex, err)
	}
	if count == 0 {
		return fmt.Errorf("%w: FTS5 table 'fts_content' missing", ErrCorruptIndex)
	}
	return nil
}

// NewSQLiteFTSIndex opens or creates an FTS5 index at path.
// If path is empty, an in-memory index is created.
func NewSQLiteFTSIndex(path string) (*SQLiteFTSIndex, error) {
	if path != "" {
		if err := validateSQLiteIntegrity(path); err != nil {
			return nil, err
		}
	}

	// FTS5 is compiled into modernc.org/sqlite; go-sqlite3 needs a build tag for it.
	db, err := OpenSQLite(DriverModernc, path)
	if err != nil {
		return nil, err
	}

	idx := &SQLiteFTSIndex{db: db, path: path}
	if err := idx.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return idx, nil
}

func (s *SQLiteFTSIndex) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	-- Facet columns are UNINDEXED: stored and filterable, never matched.
	-- tags holds "|a|b|" so a tag filter is a LIKE on "|tag|".
	CREATE VIRTUAL TABLE IF NOT EXISTS fts_content USING fts5(
		chunk_id UNINDEXED,
		doc_id UNINDEXED,
		tags UNINDEXED,
		language UNINDEXED,
		status UNINDEXED,
		content,
		tokenize='unicode61'
	);

	CREATE TABLE IF NOT EXISTS chunk_ids (
		chunk_id TEXT PRIMARY KEY
	);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`
	_, err := s.db.Exec(schema)
	return err
}

func encodeTags(tags []string) string {
	if len(tags) == 0 {
		return ""
	}
	return "|" + strings.Join(tags, "|") + "|"
}

// Index adds or replaces documents.
func (s *SQLiteFTSIndex) Index(ctx context.Context, docs []*IndexDoc) error {
	if len(docs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("index is closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// FTS5 virtual tables don't support REPLACE, so delete first.
	deleteStmt, err := tx.PrepareContext(ctx, `DELETE FROM fts_content WHERE chunk_id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare delete statement: %w", err)
	}
	defer deleteStmt.Close()

	insertStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO fts_content(chunk_id, doc_id, tags, language, status, content) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare FTS statement: %w", err)
	}
	defer insertStmt.Close()

	idStmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO chunk_ids(chunk_id) VALUES (?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare ID statement: %w", err)
	}
	defer idStmt.Close()

	for _, doc := range docs {
		content := strings.Join(Tokenize(doc.Text), " ")

		if _, err := deleteStmt.ExecContext(ctx, doc.ChunkID); err != nil {
			return fmt.Errorf("failed to delete existing chunk %s: %w", doc.ChunkID, err)
		}
		if _, err := insertStmt.ExecContext(ctx, doc.ChunkID, doc.DocID,
			encodeTags(doc.Facets.Tags), doc.Facets.Language, doc.Facets.Status, content); err != nil {
			return fmt.Errorf("failed to index chunk %s: %w", doc.ChunkID, err)
		}
		if _, err := idStmt.ExecContext(ctx, doc.ChunkID); err != nil {
			return fmt.Errorf("failed to track chunk ID %s: %w", doc.ChunkID, err)
		}
	}

	return tx.Commit()
}

// Search returns chunks matching any query term, scored by BM25.
func (s *SQLiteFTSIndex) Search(ctx context.Context, queryStr string, filter Filter, limit int) ([]*LexicalResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("index is closed")
	}
	if strings.TrimSpace(queryStr) == "" || limit <= 0 {
		return []*LexicalResult{}, nil
	}

	tokens := Tokenize(queryStr)
	if len(tokens) == 0 {
		return []*LexicalResult{}, nil
	}

	// Quote every term so user input can never form FTS5 syntax, and OR them
	// so partial matches rank rather than vanish.
	terms := make([]string, len(tokens))
	for i, t := range tokens {
		terms[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}

	var where strings.Builder
	args := []any{strings.Join(terms, " OR ")}
	where.WriteString("content MATCH ?")
	for _, t := range filter.Tags {
		where.WriteString(" AND tags LIKE ?")
		args = append(args, "%|"+t+"|%")
	}
	if filter.Language != "" {
		where.WriteString(" AND language = ?")
		args = append(args, filter.Language)
	}
	if filter.Status != "" {
		where.WriteString(" AND status = ?")
		args = append(args, filter.Status)
	}
	args = append(args, limit)

	// bm25() is negative; lower means a better match.
	query := `SELECT chunk_id, bm25(fts_content) AS score FROM fts_content
		WHERE ` + where.String() + `
		ORDER BY score, chunk_id
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		if strings.Contains(err.Error(), "fts5:") || strings.Contains(err.Error(), "syntax error") {
			return []*LexicalResult{}, nil
		}
		return nil, fmt.Errorf("search failed: %w", err)
	}
	defer rows.Close()

	results := []*LexicalResult{}
	for rows.Next() {
		var id string
		var score float64
		if err := rows.Scan(&id, &score); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		results = append(results, &LexicalResult{ChunkID: id, Score: -score})
	}
	return results, rows.Err()
}

// Delete removes chunks from the index.
func (s *SQLiteFTSIndex) Delete(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("index is closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	args := make([]any, len(chunkIDs))
	for i, id := range chunkIDs {
		args[i] = id
	}
	in := placeholders(len(chunkIDs))

	if _, err := tx.ExecContext(ctx, "DELETE FROM fts_content WHERE chunk_id IN ("+in+")", args...); err != nil {
		return fmt.Errorf("failed to delete from FTS: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM chunk_ids WHERE chunk_id IN ("+in+")", args...); err != nil {
		return fmt.Errorf("failed to delete from chunk_ids: %w", err)
	}
	return tx.Commit()
}

// AllIDs returns every chunk ID in the index, sorted.
func (s *SQLiteFTSIndex) AllIDs() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("index is closed")
	}

	rows, err := s.db.Query(`SELECT chunk_id FROM chunk_ids ORDER BY chunk_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query IDs: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan ID: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Count returns the number of indexed chunks.
func (s *SQLiteFTSIndex) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0
	}
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM chunk_ids`).Scan(&n); err != nil {
		return 0
	}
	return n
}

// Flush checkpoints the WAL into the main database file.
func (s *SQLiteFTSIndex) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("index is closed")
	}
	_, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

// Close checkpoints and closes the database.
func (s *SQLiteFTSIndex) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}
