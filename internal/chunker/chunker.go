// Package chunker splits extracted text into overlapping, bounded-size chunks.
package chunker

import "projectlens/internal/domain"

const (
	DefaultSize    = 1000
	DefaultOverlap = 200
)

// Boundary levels, largest first. A cut is made after the separator.
var boundaries = [][]string{
	{"\n\n"},
	{"\n"},
	{"。", "！", "？", "；", ". ", "! ", "? ", "; "},
	{"，", "、", ", ", " ", "\t"},
}

// Chunker cuts text into windows of at most size runes; consecutive windows
// share exactly overlap runes.
type Chunker struct {
	size    int
	overlap int
}

// Option configures a Chunker.
type Option func(*Chunker)

// WithSize sets the maximum chunk length in runes.
func WithSize(n int) Option {
	return func(c *Chunker) { c.size = n }
}

// WithOverlap sets the number of runes shared by consecutive chunks.
func WithOverlap(n int) Option {
	return func(c *Chunker) { c.overlap = n }
}

// New returns a Chunker. An overlap that does not fit inside size is
// clamped to a quarter of size.
func New(opts ...Option) *Chunker {
	c := &Chunker{size: DefaultSize, overlap: DefaultOverlap}
	for _, opt := range opts {
		opt(c)
	}
	if c.size <= 0 {
		c.size = DefaultSize
	}
	if c.overlap < 0 {
		c.overlap = 0
	}
	if c.overlap >= c.size {
		c.overlap = c.size / 4
	}
	return c
}

// Size returns the configured chunk size.
func (c *Chunker) Size() int { return c.size }

// Overlap returns the configured overlap.
func (c *Chunker) Overlap() int { return c.overlap }

// Split is shorthand for New(WithSize(size), WithOverlap(overlap)).Split(text).
func Split(text string, size, overlap int) []string {
	return New(WithSize(size), WithOverlap(overlap)).Split(text)
}

// Split returns the chunk contents of text in order. Empty text yields no
// chunks; text no longer than size yields itself.
func (c *Chunker) Split(text string) []string {
	runes := []rune(text)
	n := len(runes)
	if n == 0 {
		return nil
	}
	if n <= c.size {
		return []string{text}
	}

	var out []string
	start := 0
	for {
		if n-start <= c.size {
			out = append(out, string(runes[start:]))
			return out
		}
		end := c.cut(runes, start)
		out = append(out, string(runes[start:end]))
		start = end - c.overlap
	}
}

// Chunks splits text and wraps every piece as a domain chunk carrying a copy
// of meta plus its document id and index.
func (c *Chunker) Chunks(documentID, text string, meta domain.Metadata) []domain.Chunk {
	parts := c.Split(text)
	chunks := make([]domain.Chunk, 0, len(parts))
	for i, p := range parts {
		m := meta.Clone()
		m[domain.MetaDocumentID] = documentID
		m[domain.MetaChunkIndex] = float64(i)
		chunks = append(chunks, domain.Chunk{
			ID:         domain.ChunkID(documentID, i),
			DocumentID: documentID,
			Index:      i,
			Content:    p,
			Metadata:   m,
		})
	}
	return chunks
}

// cut picks the end of the window starting at start. The end always lies
// past start+overlap so the next window makes progress.
func (c *Chunker) cut(runes []rune, start int) int {
	limit := start + c.size
	minEnd := start + c.overlap + 1
	preferred := start + c.size/2
	if preferred < minEnd {
		preferred = minEnd
	}

	for _, floor := range []int{preferred, minEnd} {
		for _, level := range boundaries {
			if end := lastBoundary(runes, level, floor, limit); end > 0 {
				return end
			}
		}
	}
	return limit
}

// lastBoundary returns the largest end in [floor, limit] that directly
// follows one of seps, or -1.
func lastBoundary(runes []rune, seps []string, floor, limit int) int {
	best := -1
	for _, sep := range seps {
		sr := []rune(sep)
		for end := limit; end >= floor && end > best; end-- {
			if hasSuffixAt(runes, sr, end) {
				best = end
				break
			}
		}
	}
	return best
}

func hasSuffixAt(runes, sep []rune, end int) bool {
	begin := end - len(sep)
	if begin < 0 {
		return false
	}
	for i, r := range sep {
		if runes[begin+i] != r {
			return false
		}
	}
	return true
}
