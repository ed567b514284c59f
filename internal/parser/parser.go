// Package parser extracts per-page text with line provenance from legal
// source documents.
package parser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/fyrsmithlabs/lexd/internal/textnorm"
	"go.uber.org/zap"
)

// ErrUnsupportedFormat is returned for binary files that are neither PDF nor text.
var ErrUnsupportedFormat = errors.New("unsupported document format")

// ExtractionError reports that no page of a document yielded text. It is
// terminal: retrying the same bytes cannot succeed.
type ExtractionError struct {
	FileName string
	Reason   string
	Err      error
}

func (e *ExtractionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extract %s: %s: %v", e.FileName, e.Reason, e.Err)
	}
	return fmt.Sprintf("extract %s: %s", e.FileName, e.Reason)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// Page is the cleaned text of one source page.
type Page struct {
	// Number is the 1-based page number in the source file.
	Number int
	Text   string
	// LineOffsets holds the rune offset in Text where each line starts;
	// line n (1-based) starts at LineOffsets[n-1].
	LineOffsets []int
}

// LineCount returns the number of lines on the page.
func (p Page) LineCount() int { return len(p.LineOffsets) }

// LineAt maps a rune offset within Text to its 1-based line number.
func (p Page) LineAt(offset int) int {
	lo, hi := 0, len(p.LineOffsets)-1
	if hi < 0 {
		return 0
	}
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if p.LineOffsets[mid] <= offset {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo + 1
}

// Parser turns raw document bytes into cleaned pages.
type Parser struct {
	logger *zap.Logger
}

// New creates a Parser. A nil logger disables logging.
func New(logger *zap.Logger) *Parser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Parser{logger: logger}
}

// Parse extracts pages from data. Pages without text after cleaning are
// skipped. An *ExtractionError is returned when nothing remains.
func (p *Parser) Parse(ctx context.Context, fileName string, data []byte) ([]Page, error) {
	var (
		raw []string
		err error
	)
	switch {
	case isPDF(fileName, data):
		raw, err = pdfPages(data)
		if err != nil {
			return nil, &ExtractionError{FileName: fileName, Reason: "pdf decode failed", Err: err}
		}
	case utf8.Valid(data):
		raw = strings.Split(string(data), "\f")
	default:
		return nil, &ExtractionError{FileName: fileName, Reason: "not a pdf or utf-8 text", Err: ErrUnsupportedFormat}
	}

	pages := make([]Page, 0, len(raw))
	for i, text := range raw {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, ok := cleanPage(i+1, text)
		if !ok {
			p.logger.Debug("skipping page without text",
				zap.String("file", fileName), zap.Int("page", i+1))
			continue
		}
		pages = append(pages, page)
	}

	if len(pages) == 0 {
		return nil, &ExtractionError{FileName: fileName, Reason: fmt.Sprintf("no text in any of %d pages", len(raw))}
	}
	return pages, nil
}

// DetectTerms returns the distinct legal domain terms found in the pages.
func DetectTerms(pages []Page) []string {
	var b strings.Builder
	for _, pg := range pages {
		b.WriteString(pg.Text)
		b.WriteByte('\n')
	}
	return textnorm.LegalTermsIn(b.String())
}

func isPDF(fileName string, data []byte) bool {
	return strings.EqualFold(filepath.Ext(fileName), ".pdf") || bytes.HasPrefix(data, []byte("%PDF-"))
}

var (
	spaceRun = regexp.MustCompile(`[ \t]+`)

	// Header and footer lines: a standalone page number ("12", "- 12 -")
	// or a page marker ("Sayfa 3", "page 3 of 10", "3 / 10").
	pageMarkers = []*regexp.Regexp{
		regexp.MustCompile(`^[-–—\s]*\d{1,4}[-–—\s]*$`),
		regexp.MustCompile(`^(sayfa|page|s\.)\s*:?\s*\d{1,4}(\s*(/|of|-)\s*\d{1,4})?$`),
		regexp.MustCompile(`^\d{1,4}\s*/\s*\d{1,4}$`),
	}
)

func isPageMarker(line string) bool {
	folded := textnorm.Lower(line)
	for _, re := range pageMarkers {
		if re.MatchString(folded) {
			return true
		}
	}
	return false
}

// cleanPage normalizes letterforms, drops blank lines and strips a header
// and footer page marker.
func cleanPage(number int, text string) (Page, bool) {
	text = textnorm.Normalize(strings.ReplaceAll(text, "\r\n", "\n"))

	var lines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(spaceRun.ReplaceAllString(line, " "))
		if line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) > 0 && isPageMarker(lines[0]) {
		lines = lines[1:]
	}
	if len(lines) > 0 && isPageMarker(lines[len(lines)-1]) {
		lines = lines[:len(lines)-1]
	}
	if len(lines) == 0 {
		return Page{}, false
	}

	offsets := make([]int, len(lines))
	pos := 0
	for i, line := range lines {
		offsets[i] = pos
		pos += utf8.RuneCountInString(line) + 1
	}
	return Page{Number: number, Text: strings.Join(lines, "\n"), LineOffsets: offsets}, true
}
