package mcp

import (
	"time"

	"github.com/Aman-CERP/amankb/internal/index"
	"github.com/Aman-CERP/amankb/internal/kb"
	"github.com/Aman-CERP/amankb/internal/search"
	"github.com/Aman-CERP/amankb/internal/store"
)

// SearchInput defines the input schema for the search tool.
type SearchInput struct {
	Query      string   `json:"query" jsonschema:"the search query to execute"`
	TopK       int      `json:"top_k,omitempty" jsonschema:"maximum number of results, default 10"`
	GroupLimit int      `json:"group_limit,omitempty" jsonschema:"maximum results per document, default 3"`
	MinScore   float64  `json:"min_score,omitempty" jsonschema:"drop results whose fused score is below this value"`
	Tags       []string `json:"tags,omitempty" jsonschema:"only documents carrying all of these tags"`
	Language   string   `json:"language,omitempty" jsonschema:"only documents in this language, e.g. en"`
	Status     string   `json:"status,omitempty" jsonschema:"only documents with this status"`
}

// SearchOutput defines the output schema for the search tool.
type SearchOutput struct {
	Generation int                  `json:"generation" jsonschema:"index generation the results were read from"`
	Degraded   bool                 `json:"degraded,omitempty" jsonschema:"true when only keyword search could run"`
	Results    []SearchResultOutput `json:"results" jsonschema:"list of search results"`
}

// SearchResultOutput defines a single fused search result.
type SearchResultOutput struct {
	ChunkID     string  `json:"chunk_id" jsonschema:"stable chunk identifier"`
	DocID       string  `json:"doc_id" jsonschema:"document the chunk belongs to"`
	ChunkIndex  int     `json:"chunk_index" jsonschema:"position of the chunk in its document"`
	Section     string  `json:"section,omitempty" jsonschema:"top-level heading of the chunk"`
	Subsection  string  `json:"subsection,omitempty" jsonschema:"second-level heading of the chunk"`
	Text        string  `json:"text" jsonschema:"chunk text"`
	Score       float64 `json:"score" jsonschema:"reciprocal rank fusion score"`
	Source      string  `json:"source" jsonschema:"keyword, semantic or hybrid"`
	MatchReason string  `json:"match_reason,omitempty" jsonschema:"which rankers returned this chunk"`
}

// ReprocessInput defines the input schema for the reprocess tool.
type ReprocessInput struct {
	TaskID string `json:"task_id,omitempty" jsonschema:"dead-letter task to reset"`
	All    bool   `json:"all,omitempty" jsonschema:"reset every dead-letter task"`
}

// ReprocessOutput defines the output schema for the reprocess tool.
type ReprocessOutput struct {
	Requeued int `json:"requeued" jsonschema:"number of tasks moved back to pending"`
}

// IndexStatsInput defines the input schema for the index_stats tool (no parameters).
type IndexStatsInput struct{}

// IndexStatsOutput defines the output schema for the index_stats tool.
type IndexStatsOutput struct {
	Index  IndexInfo  `json:"index"`
	Ingest IngestInfo `json:"ingest"`
	Cache  CacheInfo  `json:"cache"`
}

// IndexInfo summarizes the live generation and the metadata store.
type IndexInfo struct {
	Generation     int    `json:"generation"`
	DocCount       int    `json:"doc_count"`
	ChunkCount     int    `json:"chunk_count"`
	BuiltAt        string `json:"built_at,omitempty"`
	Model          string `json:"model,omitempty"`
	LexicalBackend string `json:"lexical_backend,omitempty"`
	OnDisk         []int  `json:"on_disk"`
	PendingChanges int    `json:"pending_changes"`
	StoredDocs     int    `json:"stored_docs"`
	StoredChunks   int    `json:"stored_chunks"`
}

// IngestInfo summarizes the ingestion queue.
type IngestInfo struct {
	Processed       int `json:"processed"`
	RetryTotal      int `json:"retry_total"`
	DeadLetterCount int `json:"deadletter_count"`
	Pending         int `json:"pending"`
	Processing      int `json:"processing"`
}

// CacheInfo summarizes the embedding cache.
type CacheInfo struct {
	Model        string `json:"model"`
	Hits         int64  `json:"hits"`
	Misses       int64  `json:"misses"`
	BackendCalls int64  `json:"backend_calls"`
	Entries      int    `json:"entries"`
}

// RebuildInput defines the input schema for the rebuild tool.
type RebuildInput struct {
	Full bool `json:"full,omitempty" jsonschema:"rebuild from scratch instead of applying staged changes"`
}

// RebuildOutput defines the output schema for the rebuild tool.
type RebuildOutput struct {
	Generation     int     `json:"generation"`
	Full           bool    `json:"full"`
	Docs           int     `json:"docs"`
	Chunks         int     `json:"chunks"`
	AppliedChanges int     `json:"applied_changes"`
	DurationMS     float64 `json:"duration_ms"`
}

// DeadLettersInput defines the input schema for the dead_letters tool (no parameters).
type DeadLettersInput struct{}

// DeadLettersOutput defines the output schema for the dead_letters tool.
type DeadLettersOutput struct {
	Tasks []DeadLetterOutput `json:"tasks"`
}

// DeadLetterOutput describes one dead-letter task.
type DeadLetterOutput struct {
	TaskID     string `json:"task_id"`
	Path       string `json:"path"`
	Stage      string `json:"stage"`
	RetryCount int    `json:"retry_count"`
	LastError  string `json:"last_error"`
	UpdatedAt  string `json:"updated_at"`
}

// ToSearchOutput converts an engine response to the tool output.
func ToSearchOutput(resp *search.Response) SearchOutput {
	out := SearchOutput{Results: []SearchResultOutput{}}
	if resp == nil {
		return out
	}
	out.Generation = resp.Generation
	out.Degraded = resp.Degraded
	for _, r := range resp.Results {
		if r == nil {
			continue
		}
		out.Results = append(out.Results, SearchResultOutput{
			ChunkID:     r.ChunkID,
			DocID:       r.DocID,
			ChunkIndex:  r.ChunkIndex,
			Section:     r.Section,
			Subsection:  r.Subsection,
			Text:        r.Text,
			Score:       r.Score,
			Source:      string(r.Source),
			MatchReason: matchReason(r),
		})
	}
	return out
}

// ToIndexInfo converts knowledge base stats to the tool output.
func ToIndexInfo(stats *kb.IndexStats) IndexInfo {
	if stats == nil {
		return IndexInfo{}
	}
	info := IndexInfo{
		Generation:     stats.Generation,
		DocCount:       stats.DocCount,
		ChunkCount:     stats.ChunkCount,
		Model:          stats.Model,
		LexicalBackend: stats.LexicalBackend,
		OnDisk:         stats.OnDisk,
		PendingChanges: stats.PendingChanges,
		StoredDocs:     stats.StoredDocs,
		StoredChunks:   stats.StoredChunks,
	}
	if !stats.BuiltAt.IsZero() {
		info.BuiltAt = stats.BuiltAt.UTC().Format(time.RFC3339)
	}
	return info
}

// ToRebuildOutput converts a build result to the tool output.
func ToRebuildOutput(res *index.BuildResult) RebuildOutput {
	if res == nil {
		return RebuildOutput{}
	}
	return RebuildOutput{
		Generation:     res.Version,
		Full:           res.Full,
		Docs:           res.Docs,
		Chunks:         res.Chunks,
		AppliedChanges: res.Applied,
		DurationMS:     float64(res.Duration) / float64(time.Millisecond),
	}
}

// ToDeadLettersOutput converts dead-letter tasks to the tool output.
func ToDeadLettersOutput(tasks []*store.Task) DeadLettersOutput {
	out := DeadLettersOutput{Tasks: make([]DeadLetterOutput, 0, len(tasks))}
	for _, t := range tasks {
		out.Tasks = append(out.Tasks, DeadLetterOutput{
			TaskID:     t.ID,
			Path:       t.Path,
			Stage:      t.Stage,
			RetryCount: t.RetryCount,
			LastError:  t.LastError,
			UpdatedAt:  t.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}
	return out
}
