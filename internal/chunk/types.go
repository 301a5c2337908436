package chunk

// Defaults for the hierarchical chunker.
const (
	DefaultMaxTokens = 500
	DefaultOverlap   = 0.15
	DefaultMinTokens = 20

	// HashLength is the number of hex digits kept from the content digest.
	HashLength = 12

	ModalityText = "text"
	ModalityCode = "code"
)

// Document is a normalized document handed to the chunker.
type Document struct {
	ID       string // Stable, unique document id
	Text     string // Normalized text (markdown)
	Language string // ISO language code, e.g. "de"; the programming language for code
	Modality string // ModalityText (default) or ModalityCode
}

// Chunk is a retrievable unit of a document.
type Chunk struct {
	DocID      string
	Hash       string // First HashLength hex digits of SHA-256(Text)
	Index      int    // Position within the document
	Text       string
	TokenCount int
	Section    string // Enclosing H1 title, or the first declaration of a code chunk
	Subsection string // Enclosing H2 title
	Modality   string
	Language   string
}

// ID returns the chunk id, doc_id + ":" + chunk_hash.
func (c Chunk) ID() string {
	return ID(c.DocID, c.Hash)
}

// ID joins a document id and a chunk hash.
func ID(docID, hash string) string {
	return docID + ":" + hash
}

// Options configures the chunker.
type Options struct {
	MaxTokens int
	// Overlap is the fraction of MaxTokens repeated at the start of the next piece
	// when a section is split.
	Overlap   float64
	MinTokens int
}

// DefaultOptions returns the default chunking parameters.
func DefaultOptions() Options {
	return Options{
		MaxTokens: DefaultMaxTokens,
		Overlap:   DefaultOverlap,
		MinTokens: DefaultMinTokens,
	}
}
