package parser

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// pdfPages returns the raw text of every page, one string per page, with
// rows of text separated by newlines. Pages the reader cannot decode come
// back empty and are skipped by the caller.
func pdfPages(data []byte) (pages []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pdf reader panic: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}

	n := r.NumPage()
	pages = make([]string, 0, n)
	for i := 1; i <= n; i++ {
		pages = append(pages, pageText(r.Page(i)))
	}
	return pages, nil
}

func pageText(p pdf.Page) (text string) {
	defer func() {
		if recover() != nil {
			text = ""
		}
	}()
	if p.V.IsNull() {
		return ""
	}

	rows, err := p.GetTextByRow()
	if err != nil {
		return ""
	}

	var b strings.Builder
	for _, row := range rows {
		var prevEnd float64
		for i, t := range row.Content {
			// Glyph runs arrive without spaces; a horizontal gap marks a word break.
			if i > 0 && t.X-prevEnd > t.FontSize*0.15 && !strings.HasPrefix(t.S, " ") {
				b.WriteByte(' ')
			}
			b.WriteString(t.S)
			prevEnd = t.X + t.W
		}
		b.WriteByte('\n')
	}
	return b.String()
}
