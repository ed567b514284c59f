// Package intent classifies user queries so that greetings and fragments
// are answered without retrieval.
package intent

import (
	"strings"

	"github.com/fyrsmithlabs/lexd/internal/textnorm"
)

// Intent is the class of a query.
type Intent string

const (
	Conversational Intent = "conversational"
	LegalQuestion  Intent = "legal_question"
	Ambiguous      Intent = "ambiguous"
)

// Valid reports whether i is a known intent.
func (i Intent) Valid() bool {
	switch i {
	case Conversational, LegalQuestion, Ambiguous:
		return true
	}
	return false
}

// greetings are matched as whole token sequences.
var greetings = [][]string{
	{"merhaba"}, {"merhabalar"}, {"selam"}, {"selamlar"}, {"selamünaleyküm"},
	{"günaydın"}, {"iyi", "günler"}, {"iyi", "akşamlar"}, {"iyi", "geceler"}, {"kolay", "gelsin"},
	{"nasılsın"}, {"nasılsınız"}, {"teşekkürler"}, {"teşekkür", "ederim"}, {"teşekkür", "ederiz"},
	{"sağ", "ol"}, {"sağ", "olun"}, {"sağol"}, {"eyvallah"}, {"hoşça", "kal"}, {"görüşürüz"},
	{"hello"}, {"hi"}, {"hey"}, {"thanks"}, {"thank", "you"}, {"good", "morning"}, {"bye"},
}

var thanks = map[string]bool{
	"teşekkürler": true, "teşekkür": true, "sağ": true, "sağol": true, "eyvallah": true,
	"thanks": true, "thank": true,
}

var questionWords = map[string]bool{
	"ne": true, "neler": true, "nedir": true, "nasıl": true, "hangi": true, "hangisi": true,
	"neden": true, "niçin": true, "niye": true, "kim": true, "kime": true, "kimin": true,
	"nerede": true, "kaç": true,
	"what": true, "how": true, "which": true, "why": true, "who": true, "when": true,
}

// Interrogative particle mI with its common personal and copula endings.
var particles = map[string]bool{
	"mı": true, "mi": true, "mu": true, "mü": true,
	"mıdır": true, "midir": true, "mudur": true, "müdür": true,
	"mısın": true, "misin": true, "musun": true, "müsün": true,
	"mısınız": true, "misiniz": true, "musunuz": true, "müsünüz": true,
	"mıyım": true, "miyim": true, "muyum": true, "müyüm": true,
	"mıyız": true, "miyiz": true, "muyuz": true, "müyüz": true,
}

var yesNo = map[string]bool{
	"evet": true, "hayır": true, "tamam": true, "olur": true, "peki": true,
	"yes": true, "no": true, "ok": true, "okay": true,
}

// Classify returns the intent of query.
//
// Greetings win unless the query also carries a legal term and is longer
// than five words. A legal term plus a question signal, or plus length,
// makes a legal question. Short fragments, trailing ellipses and bare
// yes/no answers are ambiguous. Everything else is treated as a legal
// question.
//
// Lexicons are matched against both Turkish-lowercased tokens and
// language-neutral ones, so "HI" matches "hi" rather than only "hı".
func Classify(query string) Intent {
	tokens, root := textnorm.Tokens(query), textnorm.RootTokens(query)
	words := len(strings.Fields(query))
	legal := hasLegalTerm(tokens) || hasLegalTerm(root)

	if (isGreeting(tokens) || isGreeting(root)) && !(legal && words > 5) {
		return Conversational
	}
	if legal && (isQuestion(query, tokens) || isQuestion(query, root) || words > 5) {
		return LegalQuestion
	}
	if len(tokens) == 0 || words <= 3 || hasEllipsis(query) || onlyYesNo(tokens) || onlyYesNo(root) {
		return Ambiguous
	}
	return LegalQuestion
}

// IsThanks reports whether a conversational query is a thank-you.
func IsThanks(query string) bool {
	for _, t := range append(textnorm.Tokens(query), textnorm.RootTokens(query)...) {
		if thanks[t] {
			return true
		}
	}
	return false
}

func hasLegalTerm(tokens []string) bool {
	for _, t := range tokens {
		if _, ok := textnorm.MatchLegalTerm(t); ok {
			return true
		}
	}
	return false
}

func isGreeting(tokens []string) bool {
	for _, g := range greetings {
		if containsSeq(tokens, g) {
			return true
		}
	}
	return false
}

func containsSeq(tokens, seq []string) bool {
	for i := 0; i+len(seq) <= len(tokens); i++ {
		match := true
		for j, s := range seq {
			if tokens[i+j] != s {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func isQuestion(query string, tokens []string) bool {
	if strings.ContainsRune(query, '?') {
		return true
	}
	for _, t := range tokens {
		if particles[t] || questionWords[t] {
			return true
		}
	}
	return false
}

func hasEllipsis(query string) bool {
	q := strings.TrimSpace(query)
	return strings.HasSuffix(q, "...") || strings.HasSuffix(q, "…")
}

func onlyYesNo(tokens []string) bool {
	for _, t := range tokens {
		if !yesNo[t] {
			return false
		}
	}
	return len(tokens) > 0
}
