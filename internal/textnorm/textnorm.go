// Package textnorm holds Turkish-aware text normalization shared by the
// parser, the intent classifier, cache keys and lexical scoring.
package textnorm

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// letterforms repairs text extracted from PDFs whose Turkish glyphs were
// decoded through Windows-1252 instead of Windows-1254, plus ligatures and
// invisible spacing characters.
var letterforms = strings.NewReplacer(
	"ý", "ı", "Ý", "İ",
	"þ", "ş", "Þ", "Ş",
	"ð", "ğ", "Ð", "Ğ",
	"\ufb01", "fi", "\ufb02", "fl", "\ufb00", "ff",
	"\u00a0", " ", "\u202f", " ", "\u00ad", "", "\u200b", "",
	"\u2019", "'", "\u2018", "'",
)

// Normalize repairs letterforms and applies Unicode NFC composition.
func Normalize(s string) string {
	return norm.NFC.String(letterforms.Replace(s))
}

// Lower lowercases with Turkish rules (I -> ı, İ -> i).
func Lower(s string) string {
	// cases.Caser is stateful; one per call.
	return cases.Lower(language.Turkish).String(s)
}

// Fold normalizes, lowercases and collapses whitespace. Used for cache keys
// and lexicon matching.
func Fold(s string) string {
	return strings.Join(strings.Fields(Lower(Normalize(s))), " ")
}

// Tokens splits s into lowercased word tokens.
func Tokens(s string) []string {
	return strings.FieldsFunc(Lower(Normalize(s)), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// RootTokens splits s into word tokens lowercased with language-neutral
// rules, so English words keep their dotted i ("HI" -> "hi").
func RootTokens(s string) []string {
	return strings.FieldsFunc(strings.ToLower(Normalize(s)), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// ContentTokens returns Tokens without stopwords and single characters.
func ContentTokens(s string) []string {
	toks := Tokens(s)
	out := toks[:0]
	for _, t := range toks {
		if len([]rune(t)) < 2 || stopwords[t] {
			continue
		}
		out = append(out, t)
	}
	return out
}

// LegalTerms is the domain vocabulary used for intent routing and term tagging.
var LegalTerms = []string{
	"anayasa", "kanun", "yasa", "madde", "fıkra", "bent", "yönetmelik", "tebliğ", "genelge",
	"kararname", "mevzuat", "karar", "içtihat", "yargıtay", "danıştay", "mahkeme", "dava",
	"davacı", "davalı", "hüküm", "temyiz", "istinaf", "itiraz", "savcı", "sanık", "ceza",
	"hukuk", "sözleşme", "tazminat", "icra", "iflas", "vergi", "borç", "alacak", "miras",
	"vasiyet", "boşanma", "nafaka", "velayet", "kira", "tapu", "işçi", "işveren", "kıdem",
	"ihbar", "sigorta", "zamanaşımı", "hak", "yükümlülük", "dilekçe", "noter", "avukat",
	"law", "article", "regulation", "court", "statute", "contract", "liability",
}

var englishTerms = map[string]bool{
	"law": true, "article": true, "regulation": true, "court": true, "statute": true,
	"contract": true, "liability": true,
}

// nonLegalWords are everyday words that begin with a lexicon term.
var nonLegalWords = []string{
	"kiraz", "yasak", "cezayir", "courtesy", "courtyard", "courtship",
}

// englishSuffixes are the inflections an English lexicon term may carry.
var englishSuffixes = map[string]bool{"": true, "s": true, "es": true, "ed": true, "ing": true}

var legalSet = func() map[string]bool {
	m := make(map[string]bool, len(LegalTerms))
	for _, t := range LegalTerms {
		m[t] = true
	}
	return m
}()

// MatchLegalTerm returns the lexicon term that token inflects, if any.
// Turkish is agglutinative, so a token matches a term it starts with
// ("kanununda" -> "kanun"); terms shorter than four letters must match
// exactly, English terms take only English suffixes, and words listed in
// nonLegalWords never match.
func MatchLegalTerm(token string) (string, bool) {
	if legalSet[token] {
		return token, true
	}
	for _, w := range nonLegalWords {
		if strings.HasPrefix(token, w) {
			return "", false
		}
	}
	for _, term := range LegalTerms {
		if len([]rune(term)) < 4 || !strings.HasPrefix(token, term) {
			continue
		}
		if englishTerms[term] && !englishSuffixes[token[len(term):]] {
			continue
		}
		return term, true
	}
	return "", false
}


// LegalTermsIn returns the distinct lexicon terms present in s, sorted.
func LegalTermsIn(s string) []string {
	seen := make(map[string]bool)
	for _, tok := range Tokens(s) {
		if term, ok := MatchLegalTerm(tok); ok {
			seen[term] = true
		}
	}
	terms := make([]string, 0, len(seen))
	for t := range seen {
		terms = append(terms, t)
	}
	sort.Strings(terms)
	return terms
}

var stopwords = map[string]bool{
	"ve": true, "veya": true, "ile": true, "bir": true, "bu": true, "şu": true, "da": true,
	"de": true, "mi": true, "mı": true, "mu": true, "mü": true, "için": true, "gibi": true,
	"ne": true, "çok": true, "daha": true, "en": true, "ki": true, "ya": true, "ama": true,
	"fakat": true, "ise": true, "olan": true, "olarak": true, "her": true, "hangi": true,
	"nasıl": true, "neden": true, "kim": true, "göre": true, "kadar": true, "sonra": true,
	"önce": true, "ancak": true, "dair": true, "ilgili": true, "tarafından": true,
	"the": true, "an": true, "of": true, "to": true, "in": true, "and": true, "or": true,
	"is": true, "are": true, "what": true, "how": true, "for": true, "on": true,
}

// IsStopword reports whether the lowercased token is a stopword.
func IsStopword(token string) bool {
	return stopwords[token]
}
