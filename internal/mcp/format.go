package mcp

import (
	"fmt"
	"strings"

	"github.com/Aman-CERP/amankb/internal/search"
)

// FormatSearchResults formats fused results as markdown, keeping the section
// hierarchy of each chunk.
func FormatSearchResults(query string, resp *search.Response) string {
	if resp == nil || len(resp.Results) == 0 {
		return fmt.Sprintf("No results found for \"%s\"", query)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "## Search Results for \"%s\"\n\n", query)
	fmt.Fprintf(&sb, "Found %d result", len(resp.Results))
	if len(resp.Results) != 1 {
		sb.WriteString("s")
	}
	fmt.Fprintf(&sb, " (generation %d)", resp.Generation)
	sb.WriteString("\n\n")
	if resp.Degraded {
		sb.WriteString("> Semantic search was unavailable; showing keyword matches only.\n\n")
	}

	for i, r := range resp.Results {
		formatResult(&sb, i+1, r)
	}

	return sb.String()
}

func formatResult(sb *strings.Builder, num int, r *search.Result) {
	if r == nil {
		return
	}

	fmt.Fprintf(sb, "### %d. %s#%d (score: %.4f, %s)\n", num, r.DocID, r.ChunkIndex, r.Score, r.Source)

	if heading := sectionPath(r); heading != "" {
		fmt.Fprintf(sb, "**Section:** %s\n", heading)
	}
	sb.WriteString("\n")

	if r.Text != "" {
		sb.WriteString(r.Text)
		sb.WriteString("\n\n")
	}
	sb.WriteString("---\n\n")
}

func sectionPath(r *search.Result) string {
	switch {
	case r.Section != "" && r.Subsection != "":
		return r.Section + " > " + r.Subsection
	case r.Section != "":
		return r.Section
	default:
		return r.Subsection
	}
}

// clampLimit ensures limit is within bounds.
func clampLimit(limit, defaultVal, max int) int {
	if limit <= 0 {
		return defaultVal
	}
	if limit > max {
		return max
	}
	return limit
}

// matchReason explains which channels ranked a result.
func matchReason(r *search.Result) string {
	switch r.Source {
	case search.SourceHybrid:
		return fmt.Sprintf("keyword rank %d; semantic rank %d", r.LexicalRank, r.VectorRank)
	case search.SourceKeyword:
		return fmt.Sprintf("keyword rank %d", r.LexicalRank)
	case search.SourceSemantic:
		return fmt.Sprintf("semantic rank %d", r.VectorRank)
	default:
		return "matched content"
	}
}
