package chunk

import (
	"regexp"
	"strings"

	kberrors "github.com/Aman-CERP/amankb/internal/errors"
)

var (
	// ATX headings: "# Title" through "###### Title".
	headingPattern = regexp.MustCompile(`^(#{1,6})[ \t]+(\S.*)$`)

	// Blank-line paragraph boundaries.
	paragraphPattern = regexp.MustCompile(`\n[ \t]*\n+`)
)

// Chunker splits documents into hierarchy-aware, content-addressed chunks.
// It holds no state beyond its options and is safe for concurrent use.
type Chunker struct {
	opts Options
}

// New creates a Chunker, filling unset options with defaults.
func New(opts Options) *Chunker {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	if opts.Overlap < 0 {
		opts.Overlap = 0
	}
	if opts.MinTokens < 0 {
		opts.MinTokens = 0
	}
	return &Chunker{opts: opts}
}

// section is one heading and the text up to the next heading.
type section struct {
	heading    string // Heading line as written, empty for the preamble
	raw        string // Heading line plus body
	body       string
	section    string
	subsection string
}

type piece struct {
	text       string
	section    string
	subsection string
}

// unit is an indivisible packing element. sep joins it to the unit before it.
type unit struct {
	text  string
	words int
	sep   string
}

// Chunk splits doc into an ordered chunk sequence.
// The result depends only on doc and the options, so repeated calls are identical.
func (c *Chunker) Chunk(doc Document) ([]Chunk, error) {
	if doc.ID == "" {
		return nil, kberrors.Validation("document id is required", nil)
	}

	text := normalize(doc.Text)
	if strings.TrimSpace(text) == "" {
		return []Chunk{}, nil
	}

	modality := ModalityText
	var pieces []piece
	if doc.Modality == ModalityCode {
		modality = ModalityCode
		pieces = c.chunkCode(doc)
	} else {
		for _, sec := range parseSections(text) {
			pieces = append(pieces, c.splitSection(sec)...)
		}
		pieces = c.mergeSmall(pieces)
	}

	chunks := make([]Chunk, 0, len(pieces))
	for i, p := range pieces {
		chunks = append(chunks, Chunk{
			DocID:      doc.ID,
			Hash:       Hash(p.text),
			Index:      i,
			Text:       p.text,
			TokenCount: CountTokens(p.text),
			Section:    p.section,
			Subsection: p.subsection,
			Modality:   modality,
			Language:   doc.Language,
		})
	}
	return chunks, nil
}

func normalize(text string) string {
	text = strings.ToValidUTF8(text, "�")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\r", "\n")
}

// parseSections splits text at ATX headings outside fenced code blocks.
// Lines that only resemble headings stay in the body, so a document without
// valid headings becomes a single preamble section.
func parseSections(text string) []section {
	var (
		sections []section
		cur      section
		body     strings.Builder
		inFence  bool
		h1, h2   string
		started  bool
	)

	flush := func() {
		cur.body = body.String()
		if cur.heading != "" {
			cur.raw = strings.TrimSpace(cur.heading + "\n" + cur.body)
		} else {
			cur.raw = strings.TrimSpace(cur.body)
		}
		if cur.raw != "" {
			sections = append(sections, cur)
		}
		body.Reset()
	}

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			inFence = !inFence
		}

		if !inFence {
			if m := headingPattern.FindStringSubmatch(line); m != nil {
				if started || body.Len() > 0 {
					flush()
				}
				started = true

				title := strings.TrimSpace(strings.TrimRight(m[2], "# \t"))
				if title == "" {
					title = strings.TrimSpace(m[2])
				}
				switch len(m[1]) {
				case 1:
					h1, h2 = title, ""
				case 2:
					h2 = title
				}
				cur = section{heading: strings.TrimRight(line, " \t"), section: h1, subsection: h2}
				continue
			}
		}

		body.WriteString(line)
		body.WriteByte('\n')
	}
	flush()
	return sections
}

// maxWordsFor is the largest word count whose estimate stays within tokens.
func maxWordsFor(tokens int) int {
	w := int(float64(tokens+1) / 1.3)
	for w > 0 && int(float64(w)*1.3) > tokens {
		w--
	}
	return w
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}

// splitSection returns sec unchanged when it fits, otherwise packs its
// paragraphs (then sentences, then word windows) into pieces that each repeat
// the heading line.
func (c *Chunker) splitSection(sec section) []piece {
	whole := piece{text: sec.raw, section: sec.section, subsection: sec.subsection}
	if CountTokens(sec.raw) <= c.opts.MaxTokens {
		return []piece{whole}
	}

	maxWords := maxWordsFor(c.opts.MaxTokens)
	heading := sec.heading
	headingWords := wordCount(heading)
	if maxWords-headingWords < 1 {
		heading, headingWords = "", 0
	}
	budget := maxWords - headingWords
	units := c.units(sec.body, budget)
	if len(units) == 0 {
		return []piece{whole}
	}

	overlapWords := int(c.opts.Overlap * float64(c.opts.MaxTokens) / 1.3)

	var (
		pieces  []piece
		cur     []unit
		curW    int
		carried int // leading units of cur that repeat the previous piece
	)
	emit := func() {
		var sb strings.Builder
		if heading != "" {
			sb.WriteString(heading)
			sb.WriteString("\n\n")
		}
		for i, u := range cur {
			if i > 0 {
				sb.WriteString(u.sep)
			}
			sb.WriteString(u.text)
		}
		pieces = append(pieces, piece{text: sb.String(), section: sec.section, subsection: sec.subsection})
	}

	for _, u := range units {
		if len(cur) > carried && curW+u.words > budget {
			emit()
			// Carry trailing units within the overlap budget, never the whole piece.
			keep, kw := 0, 0
			for i := len(cur) - 1; i > 0; i-- {
				if kw+cur[i].words > overlapWords {
					break
				}
				kw += cur[i].words
				keep++
			}
			cur = append([]unit(nil), cur[len(cur)-keep:]...)
			curW, carried = kw, keep
			for len(cur) > 0 && curW+u.words > budget {
				curW -= cur[0].words
				cur = cur[1:]
				carried--
			}
		}
		cur = append(cur, u)
		curW += u.words
	}
	if len(cur) > carried {
		emit()
	}
	return pieces
}

// units breaks body into packing units no larger than budget words.
func (c *Chunker) units(body string, budget int) []unit {
	var out []unit
	for _, para := range paragraphs(body) {
		w := wordCount(para)
		if w <= budget {
			out = append(out, unit{text: para, words: w, sep: "\n\n"})
			continue
		}
		sep := "\n\n"
		for _, sent := range splitSentences(para) {
			sw := wordCount(sent)
			if sw <= budget {
				out = append(out, unit{text: sent, words: sw, sep: sep})
				sep = " "
				continue
			}
			for _, win := range windows(strings.Fields(sent), budget) {
				out = append(out, unit{text: win, words: wordCount(win), sep: sep})
				sep = " "
			}
		}
	}
	return out
}

func windows(words []string, size int) []string {
	var out []string
	for i := 0; i < len(words); i += size {
		out = append(out, strings.Join(words[i:min(i+size, len(words))], " "))
	}
	return out
}

// paragraphs splits on blank lines, keeping fenced code blocks whole.
func paragraphs(body string) []string {
	var (
		out     []string
		fence   strings.Builder
		inFence bool
	)
	for _, p := range paragraphPattern.Split(body, -1) {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if inFence {
			fence.WriteString("\n\n")
			fence.WriteString(p)
			if strings.Count(p, "```")%2 == 1 {
				out = append(out, fence.String())
				fence.Reset()
				inFence = false
			}
			continue
		}
		if strings.Count(p, "```")%2 == 1 {
			inFence = true
			fence.WriteString(p)
			continue
		}
		out = append(out, p)
	}
	if inFence {
		out = append(out, fence.String())
	}
	return out
}

// mergeSmall folds pieces below the token floor into the previous piece, or
// into the next one when there is no previous piece. A document whose only
// piece is below the floor keeps it.
func (c *Chunker) mergeSmall(pieces []piece) []piece {
	if c.opts.MinTokens == 0 || len(pieces) < 2 {
		return pieces
	}

	out := make([]piece, 0, len(pieces))
	var pending *piece
	for _, p := range pieces {
		if pending != nil {
			p.text = pending.text + "\n\n" + p.text
			pending = nil
		}
		if CountTokens(p.text) >= c.opts.MinTokens {
			out = append(out, p)
			continue
		}
		if len(out) > 0 {
			out[len(out)-1].text += "\n\n" + p.text
			continue
		}
		held := p
		pending = &held
	}
	if pending != nil {
		out = append(out, *pending)
	}
	return out
}
