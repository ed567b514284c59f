// Package sources turns raw search results into citable sources: document
// title, download URL, page and line range, a citation string and a short
// preview.
package sources

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/lexd/internal/config"
	"github.com/fyrsmithlabs/lexd/internal/store"
	"github.com/fyrsmithlabs/lexd/internal/textnorm"
	"github.com/fyrsmithlabs/lexd/internal/vectorstore"
)

// PreviewRunes is the maximum preview length.
const PreviewRunes = 200

// Source is an enhanced search result.
type Source struct {
	ChunkID     string  `json:"chunk_id"`
	DocumentID  string  `json:"document_id"`
	Title       string  `json:"title"`
	Institution string  `json:"institution,omitempty"`
	Content     string  `json:"content"`
	Similarity  float32 `json:"similarity"`
	ChunkIndex  int     `json:"chunk_index"`
	URL         string  `json:"url,omitempty"`

	Page           int  `json:"page"`
	PageEstimated  bool `json:"page_estimated"`
	LineStart      int  `json:"line_start"`
	LineEnd        int  `json:"line_end"`
	LinesEstimated bool `json:"lines_estimated"`

	Citation string `json:"citation"`
	Preview  string `json:"preview"`
}

// DocumentLookup loads document records by id.
type DocumentLookup interface {
	Documents(ctx context.Context, ids []string) (map[string]store.Document, error)
}

// URLResolver maps an object key to a URL.
type URLResolver interface {
	URLFor(key string) string
}

// Enhancer enriches search results. Both collaborators are optional.
type Enhancer struct {
	docs          DocumentLookup
	urls          URLResolver
	chunksPerPage int
	linesPerChunk int
	logger        *zap.Logger
}

// New creates an Enhancer. ChunksPerPage and LinesPerChunk of cfg drive
// the page and line estimates for results that carry no provenance.
func New(docs DocumentLookup, urls URLResolver, cfg config.SearchConfig, logger *zap.Logger) *Enhancer {
	if cfg.ChunksPerPage <= 0 {
		cfg.ChunksPerPage = 3
	}
	if cfg.LinesPerChunk <= 0 {
		cfg.LinesPerChunk = 15
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enhancer{
		docs:          docs,
		urls:          urls,
		chunksPerPage: cfg.ChunksPerPage,
		linesPerChunk: cfg.LinesPerChunk,
		logger:        logger,
	}
}

// Enhance returns one Source per result, in the same order. A failed
// document lookup degrades to the titles stored on the chunks.
func (e *Enhancer) Enhance(ctx context.Context, results []vectorstore.SearchResult) []Source {
	docs := e.lookup(ctx, results)
	out := make([]Source, len(results))
	for i, r := range results {
		out[i] = e.enhance(r, docs[r.DocumentID])
	}
	return out
}

func (e *Enhancer) lookup(ctx context.Context, results []vectorstore.SearchResult) map[string]store.Document {
	if e.docs == nil || len(results) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(results))
	ids := make([]string, 0, len(results))
	for _, r := range results {
		if !seen[r.DocumentID] {
			seen[r.DocumentID] = true
			ids = append(ids, r.DocumentID)
		}
	}
	docs, err := e.docs.Documents(ctx, ids)
	if err != nil {
		e.logger.Warn("document lookup failed, using chunk titles", zap.Error(err))
		return nil
	}
	return docs
}

func (e *Enhancer) enhance(r vectorstore.SearchResult, doc store.Document) Source {
	s := Source{
		ChunkID:     r.ChunkID,
		DocumentID:  r.DocumentID,
		Title:       firstNonEmpty(doc.Title, r.Title, r.Metadata["file_name"], r.DocumentID),
		Institution: firstNonEmpty(r.Institution, doc.Institution),
		Content:     r.Content,
		Similarity:  r.Similarity,
		ChunkIndex:  r.ChunkIndex,
	}
	if e.urls != nil && doc.FileRef != "" {
		s.URL = e.urls.URLFor(doc.FileRef)
	}

	switch {
	case r.PageNumber > 0:
		s.Page = r.PageNumber
	case pageInContent(r.Content) > 0:
		s.Page = pageInContent(r.Content)
	default:
		s.Page = r.ChunkIndex/e.chunksPerPage + 1
		s.PageEstimated = true
	}

	if r.LineEnd > 0 {
		s.LineStart, s.LineEnd = max(r.LineStart, 1), r.LineEnd
	} else {
		s.LineStart = r.ChunkIndex*e.linesPerChunk + 1
		s.LineEnd = s.LineStart + e.linesPerChunk - 1
		s.LinesEstimated = true
	}

	s.Citation = citation(s)
	s.Preview = Preview(r.Content, PreviewRunes)
	return s
}

var pagePattern = regexp.MustCompile(`\b(?:sayfa|page|s\.)\s*:?\s*(\d{1,4})\b`)

// pageInContent finds an explicit "sayfa N" or "page N" marker.
func pageInContent(content string) int {
	m := pagePattern.FindStringSubmatch(textnorm.Lower(content))
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}

// citation renders "Title, s. N, satır a-b", marking estimated values with "~".
func citation(s Source) string {
	page := strconv.Itoa(s.Page)
	if s.PageEstimated {
		page = "~" + page
	}
	lines := fmt.Sprintf("%d-%d", s.LineStart, s.LineEnd)
	if s.LineStart == s.LineEnd {
		lines = strconv.Itoa(s.LineStart)
	}
	if s.LinesEstimated {
		lines = "~" + lines
	}
	return fmt.Sprintf("%s, s. %s, satır %s", s.Title, page, lines)
}

// Preview returns at most n runes of text, cut at a word boundary, with an
// ellipsis when shortened.
func Preview(text string, n int) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	cut := n
	for cut > 0 && !unicode.IsSpace(runes[cut]) {
		cut--
	}
	if cut == 0 {
		cut = n
	}
	return strings.TrimRightFunc(string(runes[:cut]), func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	}) + "…"
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
