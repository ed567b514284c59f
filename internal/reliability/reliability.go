// Package reliability estimates how far an answer can be trusted from the
// retrieval that grounded it and the shape of the answer itself.
package reliability

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/lexd/internal/sources"
	"github.com/fyrsmithlabs/lexd/internal/textnorm"
)

// Component weights. They sum to 1.
const (
	WeightSimilarity = 0.35
	WeightDiversity  = 0.15
	WeightLength     = 0.15
	WeightOverlap    = 0.25
	WeightCitation   = 0.10

	// MaxHedgePenalty caps the hedging deduction.
	MaxHedgePenalty = 0.3
	hedgeStep       = 0.1

	// diversityTarget is the number of distinct documents that earns the
	// full diversity component.
	diversityTarget = 3
)

// Input is what the scorer looks at.
type Input struct {
	Query   string
	Answer  string
	Sources []sources.Source
}

// Component is one weighted factor of the score.
type Component struct {
	Name         string  `json:"name"`
	Value        float64 `json:"value"`
	Weight       float64 `json:"weight"`
	Contribution float64 `json:"contribution"`
}

// Breakdown explains a score: Score equals Sum clamped to [0,1], and Sum
// is the contributions minus the penalty.
type Breakdown struct {
	Components   []Component `json:"components"`
	HedgePenalty float64     `json:"hedge_penalty"`
	Hedges       []string    `json:"hedges,omitempty"`
	Sum          float64     `json:"sum"`
	Clamped      bool        `json:"clamped"`
}

// Assessment is a confidence score with its justification.
type Assessment struct {
	Score     float64   `json:"score"`
	Breakdown Breakdown `json:"breakdown"`
	// Fallback is set when the single-factor estimator produced the score.
	Fallback bool `json:"fallback,omitempty"`
}

// Score computes the full assessment.
func Score(in Input) Assessment {
	components := []Component{
		component("similarity", meanSimilarity(in.Sources), WeightSimilarity),
		component("source_diversity", diversity(in.Sources), WeightDiversity),
		component("answer_length", lengthScore(utf8.RuneCountInString(strings.TrimSpace(in.Answer))), WeightLength),
		component("context_overlap", overlap(in.Answer, in.Sources), WeightOverlap),
		component("citations", citationScore(in.Answer, len(in.Sources)), WeightCitation),
	}
	hedges := hedgesIn(in.Answer)
	penalty := math.Min(MaxHedgePenalty, hedgeStep*float64(len(hedges)))

	sum := -penalty
	for _, c := range components {
		sum += c.Contribution
	}
	score := clamp(sum)
	return Assessment{
		Score: score,
		Breakdown: Breakdown{
			Components:   components,
			HedgePenalty: penalty,
			Hedges:       hedges,
			Sum:          sum,
			Clamped:      score != sum,
		},
	}
}

// Fallback is the single-factor estimate: mean similarity, clamped.
func Fallback(in Input) Assessment {
	m := meanSimilarity(in.Sources)
	c := component("similarity", m, 1)
	return Assessment{
		Score:     clamp(m),
		Breakdown: Breakdown{Components: []Component{c}, Sum: m, Clamped: clamp(m) != m},
		Fallback:  true,
	}
}

// Scorer runs Score and falls back to the single-factor estimate if the
// full scorer panics.
type Scorer struct {
	logger  *zap.Logger
	scoreFn func(Input) Assessment
}

// NewScorer creates a Scorer.
func NewScorer(logger *zap.Logger) *Scorer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scorer{logger: logger, scoreFn: Score}
}

// Assess never panics and always returns a score in [0,1].
func (s *Scorer) Assess(in Input) (out Assessment) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("reliability scorer failed, using similarity estimate",
				zap.String("panic", fmt.Sprint(r)))
			out = Fallback(in)
		}
	}()
	return s.scoreFn(in)
}

func component(name string, value, weight float64) Component {
	value = clamp(value)
	return Component{Name: name, Value: value, Weight: weight, Contribution: value * weight}
}

func meanSimilarity(srcs []sources.Source) float64 {
	if len(srcs) == 0 {
		return 0
	}
	var total float64
	for _, s := range srcs {
		total += float64(s.Similarity)
	}
	return total / float64(len(srcs))
}

func diversity(srcs []sources.Source) float64 {
	docs := make(map[string]struct{}, len(srcs))
	for _, s := range srcs {
		docs[s.DocumentID] = struct{}{}
	}
	return math.Min(1, float64(len(docs))/diversityTarget)
}

// lengthScore rises to 1 between 40 and 80 runes, stays there up to 1500
// and decays slowly beyond, never below 0.5.
func lengthScore(n int) float64 {
	switch {
	case n <= 0:
		return 0
	case n < 40:
		return 0.3 * float64(n) / 40
	case n < 80:
		return 0.3 + 0.7*float64(n-40)/40
	case n <= 1500:
		return 1
	default:
		return math.Max(0.5, 1-float64(n-1500)/3000)
	}
}

// overlap is the share of the answer's content tokens that occur in the
// retrieved context.
func overlap(answer string, srcs []sources.Source) float64 {
	tokens := textnorm.ContentTokens(answer)
	if len(tokens) == 0 || len(srcs) == 0 {
		return 0
	}
	context := make(map[string]struct{})
	for _, s := range srcs {
		for _, t := range textnorm.ContentTokens(s.Content) {
			context[t] = struct{}{}
		}
	}
	found := 0
	for _, t := range tokens {
		if _, ok := context[t]; ok {
			found++
		}
	}
	return float64(found) / float64(len(tokens))
}

var citationPattern = regexp.MustCompile(`\[(\d{1,3})\]`)

// citationScore is 1 when the answer cites a source that exists, 0.5 when
// it only cites numbers out of range, 0 without citations.
func citationScore(answer string, sourceCount int) float64 {
	matches := citationPattern.FindAllStringSubmatch(answer, -1)
	if len(matches) == 0 {
		return 0
	}
	for _, m := range matches {
		n, err := strconv.Atoi(m[1])
		if err == nil && n >= 1 && n <= sourceCount {
			return 1
		}
	}
	return 0.5
}

var hedgePhrases = []string{
	"bilmiyorum",
	"emin değilim",
	"kesin değil",
	"olabilir",
	"muhtemelen",
	"sanırım",
	"tahminen",
	"bilgi bulunamadı",
	"i don't know",
	"i am not sure",
	"i'm not sure",
	"probably",
	"might be",
}

// hedgesIn returns the distinct hedging phrases in answer.
func hedgesIn(answer string) []string {
	folded := textnorm.Fold(answer)
	// Turkish casing maps I to ı, which English phrases need undone.
	plain := strings.Join(strings.Fields(strings.ToLower(answer)), " ")
	var found []string
	for _, h := range hedgePhrases {
		if strings.Contains(folded, h) || strings.Contains(plain, h) {
			found = append(found, h)
		}
	}
	return found
}

func clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
