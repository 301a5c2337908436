package cmd

import (
	"context"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/amankb/internal/kb"
	"github.com/Aman-CERP/amankb/internal/search"
	"github.com/Aman-CERP/amankb/internal/store"
	"github.com/Aman-CERP/amankb/internal/ui"
)

// searchOptions holds CLI flags for search.
type searchOptions struct {
	topK        int
	groupLimit  int
	minScore    float64
	tags        []string
	language    string
	status      string
	keywordOnly bool
	jsonOutput  bool
}

func newSearchCmd(g *globalOptions) *cobra.Command {
	var opts searchOptions

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the knowledge base",
		Long: `Search the knowledge base using hybrid search.

Keyword (BM25) and semantic (embedding) rankings are fused with Reciprocal
Rank Fusion. At most --group-limit chunks are returned per document, and
results below --min-score are dropped before the list is cut to --top-k.`,
		Example: `  amankb search "sourdough starter"
  amankb search "tax deadline" --tag finance --top-k 5
  amankb search "meeting notes" --language de --json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			return g.withKB(cmd.Context(), func(k *kb.KB) error {
				return runSearch(cmd.Context(), cmd, k, query, opts)
			})
		},
	}

	cmd.Flags().IntVarP(&opts.topK, "top-k", "n", 0, "Maximum number of results (default: search.top_k)")
	cmd.Flags().IntVar(&opts.groupLimit, "group-limit", 0, "Maximum results per document (default: search.group_limit)")
	cmd.Flags().Float64Var(&opts.minScore, "min-score", 0, "Drop results with a lower fused score")
	cmd.Flags().StringSliceVarP(&opts.tags, "tag", "t", nil, "Only documents carrying this tag (repeatable)")
	cmd.Flags().StringVarP(&opts.language, "language", "l", "", "Only documents in this language")
	cmd.Flags().StringVar(&opts.status, "status", "", "Only documents with this status")
	cmd.Flags().BoolVar(&opts.keywordOnly, "keyword-only", false, "Skip semantic search")
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "Output results as JSON")

	return cmd
}

func runSearch(ctx context.Context, cmd *cobra.Command, k *kb.KB, query string, opts searchOptions) error {
	slog.Info("search_started", slog.String("query", query), slog.Int("top_k", opts.topK))

	req := search.Request{
		Query:       query,
		TopK:        opts.topK,
		GroupLimit:  opts.groupLimit,
		MinScore:    opts.minScore,
		KeywordOnly: opts.keywordOnly,
		Filter: store.Filter{
			Tags:     opts.tags,
			Language: opts.language,
			Status:   opts.status,
		},
	}

	resp, err := k.Search(ctx, req)
	if err != nil {
		return err
	}
	slog.Info("search_complete", slog.Int("results", len(resp.Results)), slog.Bool("degraded", resp.Degraded))

	r := ui.NewRenderer(cmd.OutOrStdout(), !ui.UseColor(cmd.OutOrStdout()))
	if opts.jsonOutput {
		return r.RenderJSON(resp)
	}
	return r.RenderSearch(query, resp)
}
