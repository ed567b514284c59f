// Package chunker splits extracted pages into overlapping fixed-size
// segments that keep their page and line provenance.
package chunker

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/fyrsmithlabs/lexd/internal/parser"
)

const (
	// DefaultSize is the target chunk length in characters.
	DefaultSize = 1000
	// DefaultOverlap is the number of characters repeated between neighbours.
	DefaultOverlap = 200

	pageSeparator = "\n\n"
)

// ErrInvalidConfig is returned by New for unusable size/overlap values.
var ErrInvalidConfig = errors.New("invalid chunker config")

// ChunkingError reports degenerate input that cannot produce chunks.
type ChunkingError struct {
	Reason string
}

func (e *ChunkingError) Error() string {
	return "chunking failed: " + e.Reason
}

// Chunk is one segment of a document.
type Chunk struct {
	Index   int
	Content string
	// Start and End are rune offsets into the page-joined text.
	Start, End int
	// PageNumber is the page holding Start. LineStart and LineEnd are lines
	// of that page; a chunk running onto later pages ends its line range at
	// the start page's last line and records PageEnd and PageEndLine.
	PageNumber  int
	PageEnd     int
	LineStart   int
	LineEnd     int
	PageEndLine int
}

// Chunker splits text by character count.
type Chunker struct {
	size    int
	overlap int
}

// Option configures a Chunker.
type Option func(*Chunker)

// WithSize sets the target chunk size in characters.
func WithSize(size int) Option {
	return func(c *Chunker) { c.size = size }
}

// WithOverlap sets the overlap between consecutive chunks in characters.
func WithOverlap(overlap int) Option {
	return func(c *Chunker) { c.overlap = overlap }
}

// New creates a Chunker. Overlap must be smaller than size.
func New(opts ...Option) (*Chunker, error) {
	c := &Chunker{size: DefaultSize, overlap: DefaultOverlap}
	for _, opt := range opts {
		opt(c)
	}
	if c.size <= 0 || c.overlap < 0 || c.overlap >= c.size {
		return nil, fmt.Errorf("%w: size=%d overlap=%d", ErrInvalidConfig, c.size, c.overlap)
	}
	return c, nil
}

// Split chunks the pages. Output depends only on the input and the
// configuration.
//
// A chunk ends at the last whitespace inside its window, unless that would
// leave it shorter than half the target size, in which case the word is cut.
// The next chunk starts overlap characters before the previous end, moved
// back to the start of the word it lands in.
//
// Chunk starts only move forward, so (PageNumber, LineStart) never moves
// backwards and LineEnd is never below LineStart.
func (c *Chunker) Split(pages []parser.Page) ([]Chunk, error) {
	if len(pages) == 0 {
		return nil, &ChunkingError{Reason: "no pages"}
	}

	text, pageStarts := join(pages)
	runes := []rune(text)
	n := len(runes)

	var chunks []Chunk
	start := 0
	for {
		for start < n && unicode.IsSpace(runes[start]) {
			start++
		}
		if start >= n {
			break
		}

		end := start + c.size
		if end >= n {
			end = n
		} else if cut := lastSpace(runes, start+c.size/2, end); cut > 0 {
			end = cut
		}

		content := strings.TrimRightFunc(string(runes[start:end]), unicode.IsSpace)
		last := start + len([]rune(content)) - 1
		first := locate(pages, pageStarts, start)
		final := locate(pages, pageStarts, last)
		lineEnd := final.line
		if final.index != first.index {
			lineEnd = max(pages[first.index].LineCount(), first.line)
		}
		chunks = append(chunks, Chunk{
			Index:       len(chunks),
			Content:     content,
			Start:       start,
			End:         start + len([]rune(content)),
			PageNumber:  first.page,
			PageEnd:     final.page,
			LineStart:   first.line,
			LineEnd:     lineEnd,
			PageEndLine: final.line,
		})

		if end >= n {
			break
		}
		next := end - c.overlap
		if ws, ok := wordStart(runes, next, start); ok {
			next = ws
		}
		if next <= start {
			next = end
		}
		start = next
	}

	if len(chunks) == 0 {
		return nil, &ChunkingError{Reason: "text is empty after cleaning"}
	}
	return chunks, nil
}

// join concatenates page texts and records each page's starting rune offset.
func join(pages []parser.Page) (string, []int) {
	var b strings.Builder
	starts := make([]int, len(pages))
	offset := 0
	for i, p := range pages {
		if i > 0 {
			b.WriteString(pageSeparator)
			offset += len(pageSeparator)
		}
		starts[i] = offset
		b.WriteString(p.Text)
		offset += len([]rune(p.Text))
	}
	return b.String(), starts
}

// lastSpace returns the index of the last whitespace rune in (lo, hi], or -1.
func lastSpace(runes []rune, lo, hi int) int {
	for i := hi; i > lo; i-- {
		if unicode.IsSpace(runes[i]) {
			return i
		}
	}
	return -1
}

// wordStart moves i back to the first rune of the word containing it. It
// reports false when no word boundary exists above floor.
func wordStart(runes []rune, i, floor int) (int, bool) {
	for j := i; j > floor; j-- {
		if unicode.IsSpace(runes[j-1]) {
			return j, true
		}
	}
	return i, false
}

type position struct {
	index, page, line int
}

func locate(pages []parser.Page, starts []int, offset int) position {
	i := sort.Search(len(starts), func(i int) bool { return starts[i] > offset }) - 1
	if i < 0 {
		i = 0
	}
	p := pages[i]
	return position{index: i, page: p.Number, line: p.LineAt(offset - starts[i])}
}
