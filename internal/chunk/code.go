package chunk

import (
	"context"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// CodeWindowLines is the most source lines a code chunk holds.
const CodeWindowLines = 80

// grammar is a tree-sitter language and the node types that start a
// top-level declaration in it.
type grammar struct {
	lang  *sitter.Language
	decls map[string]bool
}

func declTypes(types ...string) map[string]bool {
	m := make(map[string]bool, len(types))
	for _, t := range types {
		m[t] = true
	}
	return m
}

var (
	jsDecls = []string{
		"function_declaration", "generator_function_declaration", "class_declaration",
		"lexical_declaration", "variable_declaration", "export_statement",
	}
	tsDecls = append([]string{
		"interface_declaration", "type_alias_declaration", "enum_declaration", "abstract_class_declaration",
	}, jsDecls...)

	grammars = map[string]grammar{
		"go": {golang.GetLanguage(), declTypes(
			"function_declaration", "method_declaration", "type_declaration", "const_declaration", "var_declaration")},
		"python": {python.GetLanguage(), declTypes(
			"function_definition", "class_definition", "decorated_definition")},
		"javascript": {javascript.GetLanguage(), declTypes(jsDecls...)},
		"typescript": {typescript.GetLanguage(), declTypes(tsDecls...)},
		"tsx":        {tsx.GetLanguage(), declTypes(tsDecls...)},
	}
)

// HasGrammar reports whether code in language is split at declarations
// rather than at fixed line windows.
func HasGrammar(language string) bool {
	_, ok := grammars[language]
	return ok
}

// span is a run of source lines [start, end) introduced by the named declaration.
type span struct {
	start, end int
	name       string
}

// chunkCode packs top-level declarations into pieces of at most
// CodeWindowLines lines. A declaration longer than that is cut into line
// windows; code without a grammar, or that fails to parse, is windowed whole.
func (c *Chunker) chunkCode(doc Document) []piece {
	lines := strings.Split(normalize(doc.Text), "\n")
	spans := declarationSpans(doc.Language, []byte(strings.Join(lines, "\n")), len(lines))
	if spans == nil {
		return lineWindows(lines, span{start: 0, end: len(lines)})
	}

	var (
		pieces []piece
		cur    *span
	)
	flush := func() {
		if cur != nil {
			pieces = append(pieces, lineWindows(lines, *cur)...)
			cur = nil
		}
	}
	for _, s := range spans {
		if cur != nil && s.end-cur.start <= CodeWindowLines {
			cur.end = s.end
			if cur.name == "" {
				cur.name = s.name
			}
			continue
		}
		flush()
		next := s
		cur = &next
	}
	flush()
	return pieces
}

// lineWindows cuts s into CodeWindowLines windows, dropping blank ones.
func lineWindows(lines []string, s span) []piece {
	var out []piece
	for i := s.start; i < s.end; i += CodeWindowLines {
		text := strings.Join(lines[i:min(i+CodeWindowLines, s.end)], "\n")
		text = strings.TrimRight(strings.TrimLeft(text, "\n"), " \t\n")
		if strings.TrimSpace(text) == "" {
			continue
		}
		out = append(out, piece{text: text, section: s.name})
	}
	return out
}

// declarationSpans splits the file at top-level declarations. Leading
// comments and imports belong to the span before the next declaration.
// It returns nil when language has no grammar or the source cannot be parsed.
func declarationSpans(language string, src []byte, lineCount int) []span {
	g, ok := grammars[language]
	if !ok {
		return nil
	}

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(g.lang)
	tree, err := parser.ParseCtx(context.Background(), nil, src)
	if err != nil || tree == nil {
		return nil
	}

	root := tree.RootNode()
	spans := []span{{start: 0}}
	for i := 0; i < int(root.NamedChildCount()); i++ {
		n := root.NamedChild(i)
		if n == nil || !g.decls[n.Type()] {
			continue
		}
		row := int(n.StartPoint().Row)
		last := &spans[len(spans)-1]
		if row <= last.start {
			if last.name == "" {
				last.name = declName(n, src)
			}
			continue
		}
		spans = append(spans, span{start: row, name: declName(n, src)})
	}
	for i := range spans {
		if i+1 < len(spans) {
			spans[i].end = spans[i+1].start
		} else {
			spans[i].end = lineCount
		}
	}
	return spans
}

// declName finds the identifier a declaration introduces, looking through
// wrappers such as decorators, exports and Go type specs.
func declName(n *sitter.Node, src []byte) string {
	if name := n.ChildByFieldName("name"); name != nil {
		return name.Content(src)
	}
	for _, field := range []string{"definition", "declaration"} {
		if inner := n.ChildByFieldName(field); inner != nil {
			return declName(inner, src)
		}
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		if name := n.NamedChild(i).ChildByFieldName("name"); name != nil {
			return name.Content(src)
		}
	}
	return ""
}
