package generation

import (
	"strings"
	"unicode/utf8"

	"github.com/fyrsmithlabs/lexd/internal/textnorm"
)

// duplicateJaccard is the token overlap at which two sentences count as
// the same.
const duplicateJaccard = 0.9

// Deduplicate drops sentences that repeat an earlier one, comparing
// normalized token sets. The first occurrence is kept.
func Deduplicate(text string) string {
	var (
		kept []map[string]struct{}
		out  strings.Builder
	)
	for _, sentence := range splitSentences(text) {
		set := tokenSet(sentence)
		if len(set) > 0 {
			dup := false
			for _, prev := range kept {
				if jaccard(set, prev) >= duplicateJaccard {
					dup = true
					break
				}
			}
			if dup {
				continue
			}
			kept = append(kept, set)
		}
		out.WriteString(sentence)
	}
	return strings.TrimSpace(out.String())
}

// splitSentences cuts after a run of . ! or ? followed by whitespace, and
// after every newline. Segments keep their trailing whitespace so joining
// them restores the text.
func splitSentences(text string) []string {
	var (
		parts []string
		start int
	)
	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])
		i += size
		switch {
		case r == '\n':
			parts = append(parts, text[start:i])
			start = i
		case r == '.' || r == '!' || r == '?':
			for i < len(text) && strings.ContainsRune(".!?", rune(text[i])) {
				i++
			}
			if i < len(text) && (text[i] == ' ' || text[i] == '\t') {
				for i < len(text) && (text[i] == ' ' || text[i] == '\t') {
					i++
				}
				parts = append(parts, text[start:i])
				start = i
			}
		}
	}
	if start < len(text) {
		parts = append(parts, text[start:])
	}
	return parts
}

func tokenSet(s string) map[string]struct{} {
	tokens := textnorm.Tokens(s)
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
