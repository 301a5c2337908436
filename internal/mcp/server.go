package mcp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Aman-CERP/amankb/internal/embed"
	"github.com/Aman-CERP/amankb/internal/index"
	"github.com/Aman-CERP/amankb/internal/ingest"
	"github.com/Aman-CERP/amankb/internal/kb"
	"github.com/Aman-CERP/amankb/internal/search"
	"github.com/Aman-CERP/amankb/internal/store"
	"github.com/Aman-CERP/amankb/pkg/version"
)

// Backend is the knowledge base surface exposed over MCP. *kb.KB implements it.
type Backend interface {
	Search(ctx context.Context, req search.Request) (*search.Response, error)
	Reprocess(ctx context.Context, taskID string) error
	ReprocessAll(ctx context.Context) (int, error)
	DeadLetters(ctx context.Context) ([]*store.Task, error)
	IndexStats(ctx context.Context) (*kb.IndexStats, error)
	IngestStatus(ctx context.Context) (*ingest.Status, error)
	CacheStats() embed.CacheStats
	Model() string
	Rebuild(ctx context.Context, full bool) (*index.BuildResult, error)
}

var _ Backend = (*kb.KB)(nil)

// Server is the MCP server for amankb.
// It bridges AI clients with the knowledge base.
type Server struct {
	mcp     *mcp.Server
	backend Backend
	logger  *slog.Logger
}

// ToolInfo contains information about a registered tool.
type ToolInfo struct {
	Name        string
	Description string
}

var tools = []ToolInfo{
	{
		Name:        "search",
		Description: "Hybrid keyword and semantic search over the knowledge base. Returns chunks ranked by reciprocal rank fusion with their section headings.",
	},
	{
		Name:        "reprocess",
		Description: "Move a dead-letter ingestion task, or all of them, back to pending so the pipeline retries it.",
	},
	{
		Name:        "index_stats",
		Description: "Report the live index generation, document and chunk counts, the ingestion queue and the embedding cache.",
	},
	{
		Name:        "rebuild",
		Description: "Build a new index generation from staged changes, or from scratch when full is set, and switch readers to it.",
	},
	{
		Name:        "dead_letters",
		Description: "List ingestion tasks that exhausted their retries or failed permanently, with the last error.",
	},
}

// NewServer creates a new MCP server.
func NewServer(backend Backend, logger *slog.Logger) (*Server, error) {
	if backend == nil {
		return nil, errors.New("knowledge base is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		backend: backend,
		logger:  logger,
	}

	s.mcp = mcp.NewServer(
		&mcp.Implementation{
			Name:    version.Name,
			Version: version.Version,
		},
		nil,
	)

	s.registerTools()

	return s, nil
}

// MCPServer returns the underlying MCP server instance.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcp
}

// Info returns the server name and version.
func (s *Server) Info() (name, ver string) {
	return version.Name, version.Version
}

// ListTools returns all registered tools.
func (s *Server) ListTools() []ToolInfo {
	return append([]ToolInfo(nil), tools...)
}

// CallTool invokes a tool by name with loosely typed arguments. The arguments
// are decoded into the tool's input struct the same way the SDK does.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	switch name {
	case "search":
		return callTyped(ctx, args, s.mcpSearchHandler)
	case "reprocess":
		return callTyped(ctx, args, s.mcpReprocessHandler)
	case "index_stats":
		return callTyped(ctx, args, s.mcpIndexStatsHandler)
	case "rebuild":
		return callTyped(ctx, args, s.mcpRebuildHandler)
	case "dead_letters":
		return callTyped(ctx, args, s.mcpDeadLettersHandler)
	default:
		return nil, NewMethodNotFoundError(name)
	}
}

func callTyped[In, Out any](
	ctx context.Context,
	args map[string]any,
	handler func(context.Context, *mcp.CallToolRequest, In) (*mcp.CallToolResult, Out, error),
) (any, error) {
	var in In
	if len(args) > 0 {
		raw, err := json.Marshal(args)
		if err != nil {
			return nil, NewInvalidParamsError(err.Error())
		}
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, NewInvalidParamsError(fmt.Sprintf("invalid arguments: %v", err))
		}
	}
	_, out, err := handler(ctx, nil, in)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Server) registerTools() {
	s.logger.Debug("Registering MCP tools")

	mcp.AddTool(s.mcp, &mcp.Tool{Name: tools[0].Name, Description: tools[0].Description}, s.mcpSearchHandler)
	mcp.AddTool(s.mcp, &mcp.Tool{Name: tools[1].Name, Description: tools[1].Description}, s.mcpReprocessHandler)
	mcp.AddTool(s.mcp, &mcp.Tool{Name: tools[2].Name, Description: tools[2].Description}, s.mcpIndexStatsHandler)
	mcp.AddTool(s.mcp, &mcp.Tool{Name: tools[3].Name, Description: tools[3].Description}, s.mcpRebuildHandler)
	mcp.AddTool(s.mcp, &mcp.Tool{Name: tools[4].Name, Description: tools[4].Description}, s.mcpDeadLettersHandler)

	s.logger.Info("MCP tools registered", slog.Int("count", len(tools)))
}

func (s *Server) mcpSearchHandler(ctx context.Context, _ *mcp.CallToolRequest, input SearchInput) (
	*mcp.CallToolResult,
	SearchOutput,
	error,
) {
	query := strings.TrimSpace(input.Query)
	if query == "" {
		return nil, SearchOutput{}, NewInvalidParamsError("query parameter is required")
	}
	if input.MinScore < 0 {
		return nil, SearchOutput{}, NewInvalidParamsError("min_score must not be negative")
	}

	requestID := generateRequestID()
	req := search.Request{
		Query:      query,
		TopK:       clampLimit(input.TopK, 0, search.MaxTopK),
		GroupLimit: input.GroupLimit,
		MinScore:   input.MinScore,
		Filter: store.Filter{
			Tags:     input.Tags,
			Language: input.Language,
			Status:   input.Status,
		},
	}

	resp, err := s.backend.Search(ctx, req)
	if err != nil {
		s.logger.Warn("search tool failed",
			slog.String("request_id", requestID),
			slog.String("error", err.Error()))
		return nil, SearchOutput{}, MapError(err)
	}

	s.logger.Debug("search tool completed",
		slog.String("request_id", requestID),
		slog.Int("results", len(resp.Results)),
		slog.Bool("degraded", resp.Degraded))

	result := &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: FormatSearchResults(query, resp)}},
	}
	return result, ToSearchOutput(resp), nil
}

func (s *Server) mcpReprocessHandler(ctx context.Context, _ *mcp.CallToolRequest, input ReprocessInput) (
	*mcp.CallToolResult,
	ReprocessOutput,
	error,
) {
	switch {
	case input.All && input.TaskID != "":
		return nil, ReprocessOutput{}, NewInvalidParamsError("task_id and all are mutually exclusive")
	case input.All:
		n, err := s.backend.ReprocessAll(ctx)
		if err != nil {
			return nil, ReprocessOutput{}, MapError(err)
		}
		return nil, ReprocessOutput{Requeued: n}, nil
	case input.TaskID != "":
		if err := s.backend.Reprocess(ctx, input.TaskID); err != nil {
			return nil, ReprocessOutput{}, MapError(err)
		}
		return nil, ReprocessOutput{Requeued: 1}, nil
	default:
		return nil, ReprocessOutput{}, NewInvalidParamsError("task_id or all is required")
	}
}

func (s *Server) mcpIndexStatsHandler(ctx context.Context, _ *mcp.CallToolRequest, _ IndexStatsInput) (
	*mcp.CallToolResult,
	IndexStatsOutput,
	error,
) {
	stats, err := s.backend.IndexStats(ctx)
	if err != nil {
		return nil, IndexStatsOutput{}, MapError(err)
	}
	status, err := s.backend.IngestStatus(ctx)
	if err != nil {
		return nil, IndexStatsOutput{}, MapError(err)
	}
	cache := s.backend.CacheStats()

	return nil, IndexStatsOutput{
		Index: ToIndexInfo(stats),
		Ingest: IngestInfo{
			Processed:       status.Processed,
			RetryTotal:      status.RetryTotal,
			DeadLetterCount: status.DeadLetterCount,
			Pending:         status.Pending,
			Processing:      status.Processing,
		},
		Cache: CacheInfo{
			Model:        s.backend.Model(),
			Hits:         cache.Hits,
			Misses:       cache.Misses,
			BackendCalls: cache.BackendCalls,
			Entries:      cache.Entries,
		},
	}, nil
}

func (s *Server) mcpRebuildHandler(ctx context.Context, _ *mcp.CallToolRequest, input RebuildInput) (
	*mcp.CallToolResult,
	RebuildOutput,
	error,
) {
	res, err := s.backend.Rebuild(ctx, input.Full)
	if err != nil {
		return nil, RebuildOutput{}, MapError(err)
	}
	return nil, ToRebuildOutput(res), nil
}

func (s *Server) mcpDeadLettersHandler(ctx context.Context, _ *mcp.CallToolRequest, _ DeadLettersInput) (
	*mcp.CallToolResult,
	DeadLettersOutput,
	error,
) {
	tasks, err := s.backend.DeadLetters(ctx)
	if err != nil {
		return nil, DeadLettersOutput{}, MapError(err)
	}
	return nil, ToDeadLettersOutput(tasks), nil
}

// Serve starts the server with the specified transport.
func (s *Server) Serve(ctx context.Context, transport string) error {
	s.logger.Info("Starting MCP server", slog.String("transport", transport))

	switch transport {
	case "stdio", "":
		err := s.mcp.Run(ctx, &mcp.StdioTransport{})
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("MCP server stopped with error",
				slog.String("error", err.Error()))
			return err
		}
		s.logger.Info("MCP server stopped gracefully")
		return nil
	default:
		return fmt.Errorf("unknown transport: %s (supported: stdio)", transport)
	}
}

// generateRequestID creates a short unique request ID for log correlation.
func generateRequestID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
