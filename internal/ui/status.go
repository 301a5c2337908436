package ui

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Aman-CERP/amankb/internal/embed"
	"github.com/Aman-CERP/amankb/internal/index"
	"github.com/Aman-CERP/amankb/internal/ingest"
	"github.com/Aman-CERP/amankb/internal/kb"
	"github.com/Aman-CERP/amankb/internal/search"
	"github.com/Aman-CERP/amankb/internal/store"
)

// StatsInfo is everything `amankb stats` reports.
type StatsInfo struct {
	DataDir string           `json:"data_dir"`
	Index   *kb.IndexStats   `json:"index"`
	Ingest  *ingest.Status   `json:"ingest"`
	Cache   embed.CacheStats `json:"cache"`
	Model   string           `json:"model"`
}

// Renderer writes knowledge base summaries.
type Renderer struct {
	out    io.Writer
	styles Styles
	now    func() time.Time
}

// NewRenderer creates a renderer. Color is used only when noColor is false.
func NewRenderer(out io.Writer, noColor bool) *Renderer {
	return &Renderer{
		out:    out,
		styles: GetStyles(noColor),
		now:    time.Now,
	}
}

// RenderJSON writes v as indented JSON.
func (r *Renderer) RenderJSON(v any) error {
	encoder := json.NewEncoder(r.out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// RenderStats writes the index, queue and cache summary.
func (r *Renderer) RenderStats(info StatsInfo) error {
	_, _ = fmt.Fprintf(r.out, "%s\n\n", r.styles.Header.Render("Knowledge Base: "+info.DataDir))

	if s := info.Index; s != nil {
		_, _ = fmt.Fprintln(r.out, "  Index:")
		if s.Generation == 0 {
			_, _ = fmt.Fprintf(r.out, "    Generation: %s\n", r.styles.Warning.Render("none built"))
		} else {
			_, _ = fmt.Fprintf(r.out, "    Generation: %d\n", s.Generation)
			_, _ = fmt.Fprintf(r.out, "    Built:      %s\n", formatTime(s.BuiltAt, r.now()))
		}
		_, _ = fmt.Fprintf(r.out, "    Documents:  %d (stored %d)\n", s.DocCount, s.StoredDocs)
		_, _ = fmt.Fprintf(r.out, "    Chunks:     %d (stored %d)\n", s.ChunkCount, s.StoredChunks)
		if s.LexicalBackend != "" {
			_, _ = fmt.Fprintf(r.out, "    Keyword:    %s\n", s.LexicalBackend)
		}
		if s.PendingChanges > 0 {
			_, _ = fmt.Fprintf(r.out, "    Pending:    %s\n",
				r.styles.Warning.Render(fmt.Sprintf("%d staged changes", s.PendingChanges)))
		}
		if len(s.OnDisk) > 0 {
			_, _ = fmt.Fprintf(r.out, "    On disk:    %s\n", joinInts(s.OnDisk))
		}
		_, _ = fmt.Fprintln(r.out)
	}

	if q := info.Ingest; q != nil {
		_, _ = fmt.Fprintln(r.out, "  Ingestion:")
		_, _ = fmt.Fprintf(r.out, "    Processed:   %d\n", q.Processed)
		_, _ = fmt.Fprintf(r.out, "    Pending:     %d\n", q.Pending)
		_, _ = fmt.Fprintf(r.out, "    Retries:     %d\n", q.RetryTotal)
		dead := fmt.Sprintf("%d", q.DeadLetterCount)
		if q.DeadLetterCount > 0 {
			dead = r.styles.Error.Render(dead)
		}
		_, _ = fmt.Fprintf(r.out, "    Dead letter: %s\n", dead)
		_, _ = fmt.Fprintln(r.out)
	}

	_, _ = fmt.Fprintln(r.out, "  Embeddings:")
	_, _ = fmt.Fprintf(r.out, "    Model:   %s\n", info.Model)
	_, _ = fmt.Fprintf(r.out, "    Cached:  %d\n", info.Cache.Entries)
	_, _ = fmt.Fprintf(r.out, "    Hits:    %d / misses %d\n", info.Cache.Hits, info.Cache.Misses)

	return nil
}

// RenderSearch writes ranked results with their headings.
func (r *Renderer) RenderSearch(query string, resp *search.Response) error {
	if resp == nil || len(resp.Results) == 0 {
		_, _ = fmt.Fprintf(r.out, "No results found for %q\n", query)
		return nil
	}
	if resp.Degraded {
		_, _ = fmt.Fprintln(r.out, r.styles.Warning.Render("semantic search unavailable, keyword results only"))
	}

	for i, res := range resp.Results {
		header := fmt.Sprintf("%d. %s#%d", i+1, res.DocID, res.ChunkIndex)
		_, _ = fmt.Fprintf(r.out, "%s  %s %s\n",
			r.styles.Header.Render(header),
			r.styles.Score.Render(fmt.Sprintf("%.4f", res.Score)),
			r.styles.Label.Render(string(res.Source)))
		if heading := headingPath(res.Section, res.Subsection); heading != "" {
			_, _ = fmt.Fprintf(r.out, "   %s\n", r.styles.Section.Render(heading))
		}
		if res.Text != "" {
			_, _ = fmt.Fprintf(r.out, "%s\n", indent(res.Text, "   "))
		}
		_, _ = fmt.Fprintln(r.out)
	}
	_, _ = fmt.Fprintln(r.out, r.styles.Dim.Render(fmt.Sprintf("generation %d", resp.Generation)))
	return nil
}

// RenderDeadLetters lists dead-letter tasks.
func (r *Renderer) RenderDeadLetters(tasks []*store.Task) error {
	if len(tasks) == 0 {
		_, _ = fmt.Fprintln(r.out, r.styles.Success.Render("No dead-letter tasks"))
		return nil
	}
	for _, t := range tasks {
		_, _ = fmt.Fprintf(r.out, "%s  %s\n", r.styles.Header.Render(t.ID), t.Path)
		_, _ = fmt.Fprintf(r.out, "   stage %s, %d retries, %s\n", t.Stage, t.RetryCount, formatTime(t.UpdatedAt, r.now()))
		_, _ = fmt.Fprintf(r.out, "   %s\n", r.styles.Error.Render(t.LastError))
	}
	return nil
}

// RenderBuild summarizes a finished build.
func (r *Renderer) RenderBuild(res *index.BuildResult) error {
	if res == nil {
		_, _ = fmt.Fprintln(r.out, "No changes to apply")
		return nil
	}
	kind := "incremental"
	if res.Full {
		kind = "full"
	}
	_, _ = fmt.Fprintf(r.out, "%s generation %d (%s): %d documents, %d chunks, %d changes in %s\n",
		r.styles.Success.Render("Built"), res.Version, kind, res.Docs, res.Chunks, res.Applied,
		res.Duration.Round(time.Millisecond))
	return nil
}

func headingPath(section, subsection string) string {
	switch {
	case section != "" && subsection != "":
		return section + " > " + subsection
	case section != "":
		return section
	default:
		return subsection
	}
}

func indent(text, prefix string) string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}

func joinInts(vs []int) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = fmt.Sprintf("%d", v)
	}
	return strings.Join(parts, ", ")
}

// formatTime formats a time relative to now.
func formatTime(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	diff := now.Sub(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		mins := int(diff.Minutes())
		if mins == 1 {
			return "1 minute ago"
		}
		return fmt.Sprintf("%d minutes ago", mins)
	case diff < 24*time.Hour:
		hours := int(diff.Hours())
		if hours == 1 {
			return "1 hour ago"
		}
		return fmt.Sprintf("%d hours ago", hours)
	case diff < 7*24*time.Hour:
		days := int(diff.Hours() / 24)
		if days == 1 {
			return "1 day ago"
		}
		return fmt.Sprintf("%d days ago", days)
	default:
		return t.Format("2006-01-02 15:04")
	}
}
