package chunk

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func goFunc(name string, bodyLines int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "func %s() {\n", name)
	for i := range bodyLines {
		fmt.Fprintf(&sb, "\t_ = %d\n", i)
	}
	sb.WriteString("}\n")
	return sb.String()
}

func codeDoc(language, text string) Document {
	return Document{ID: "src", Text: text, Language: language, Modality: ModalityCode}
}

func TestChunkCode_SmallFileIsOneChunk(t *testing.T) {
	c := New(DefaultOptions())
	src := "package fetch\n\nimport \"strings\"\n\n// Trim cleans input.\nfunc Trim(s string) string {\n\treturn strings.TrimSpace(s)\n}\n\nfunc Upper(s string) string {\n\treturn strings.ToUpper(s)\n}\n"

	chunks, err := c.Chunk(codeDoc("go", src))

	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, ModalityCode, chunks[0].Modality)
	assert.Equal(t, "go", chunks[0].Language)
	assert.Equal(t, "Trim", chunks[0].Section)
	assert.Equal(t, strings.TrimSpace(src), chunks[0].Text)
	assert.Equal(t, Hash(chunks[0].Text), chunks[0].Hash)
}

func TestChunkCode_SplitsAtDeclarations(t *testing.T) {
	c := New(DefaultOptions())

	// Given: two functions that do not fit one window together
	src := "package big\n\n" + goFunc("Alpha", 50) + "\n" + goFunc("Beta", 50)

	// When
	chunks, err := c.Chunk(codeDoc("go", src))

	// Then: each function is its own chunk, named after it
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "Alpha", chunks[0].Section)
	assert.True(t, strings.HasPrefix(chunks[0].Text, "package big"))
	assert.Equal(t, "Beta", chunks[1].Section)
	assert.True(t, strings.HasPrefix(chunks[1].Text, "func Beta() {"))
	assert.Equal(t, 0, chunks[0].Index)
	assert.Equal(t, 1, chunks[1].Index)
}

func TestChunkCode_LongDeclarationIsWindowed(t *testing.T) {
	c := New(DefaultOptions())
	src := "package big\n\n" + goFunc("Long", 200)

	chunks, err := c.Chunk(codeDoc("go", src))

	require.NoError(t, err)
	require.Len(t, chunks, 4)
	assert.Equal(t, "package big", chunks[0].Text)
	statements := 0
	for _, ch := range chunks[1:] {
		assert.Equal(t, "Long", ch.Section)
		assert.LessOrEqual(t, strings.Count(ch.Text, "\n")+1, CodeWindowLines)
		statements += strings.Count(ch.Text, "_ =")
	}
	assert.Equal(t, 200, statements)
}

func TestChunkCode_WithoutGrammarUsesLineWindows(t *testing.T) {
	c := New(DefaultOptions())
	lines := make([]string, 170)
	for i := range lines {
		lines[i] = fmt.Sprintf("puts %d", i)
	}

	chunks, err := c.Chunk(codeDoc("ruby", strings.Join(lines, "\n")))

	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, strings.Join(lines[:80], "\n"), chunks[0].Text)
	assert.Equal(t, strings.Join(lines[80:160], "\n"), chunks[1].Text)
	assert.Equal(t, strings.Join(lines[160:], "\n"), chunks[2].Text)
	assert.Empty(t, chunks[0].Section)
	assert.False(t, HasGrammar("ruby"))
}

func TestChunkCode_DecoratedPythonName(t *testing.T) {
	c := New(DefaultOptions())

	chunks, err := c.Chunk(codeDoc("python", "@cache\ndef lookup(key):\n    return key\n"))

	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "lookup", chunks[0].Section)
	assert.True(t, HasGrammar("python"))
}

func TestChunkCode_Deterministic(t *testing.T) {
	c := New(DefaultOptions())
	doc := codeDoc("typescript", "export function a(): number {\n  return 1\n}\n\ninterface Shape {\n  area(): number\n}\n")

	first, err := c.Chunk(doc)
	require.NoError(t, err)
	second, err := c.Chunk(doc)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	require.NotEmpty(t, first)
	assert.Equal(t, "a", first[0].Section)
}
