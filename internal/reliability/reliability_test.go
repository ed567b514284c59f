package reliability

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fyrsmithlabs/lexd/internal/sources"
)

var grounded = []sources.Source{
	{DocumentID: "is-kanunu", Similarity: 0.86, Content: "Kıdem tazminatı işçinin son brüt ücreti üzerinden hesaplanır."},
	{DocumentID: "yargitay-9hd", Similarity: 0.78, Content: "Kıdem tazminatı hesabında giydirilmiş brüt ücret esas alınır."},
	{DocumentID: "danistay", Similarity: 0.70, Content: "Tavan tutarı kamu görevlileri için uygulanır."},
}

func sumOf(b Breakdown) float64 {
	total := -b.HedgePenalty
	for _, c := range b.Components {
		total += c.Contribution
	}
	return total
}

func TestScore_Grounded(t *testing.T) {
	a := Score(Input{
		Query:   "Kıdem tazminatı nasıl hesaplanır?",
		Answer:  "Kıdem tazminatı işçinin son brüt ücreti üzerinden hesaplanır [1]. Yargıtay giydirilmiş brüt ücreti esas alır [2].",
		Sources: grounded,
	})
	assert.Greater(t, a.Score, 0.7)
	assert.LessOrEqual(t, a.Score, 1.0)
	assert.False(t, a.Fallback)
	assert.Zero(t, a.Breakdown.HedgePenalty)
	require.Len(t, a.Breakdown.Components, 5)
	assert.InDelta(t, sumOf(a.Breakdown), a.Breakdown.Sum, 1e-9)
	assert.InDelta(t, a.Breakdown.Sum, a.Score, 1e-9)

	var weights float64
	for _, c := range a.Breakdown.Components {
		weights += c.Weight
	}
	assert.InDelta(t, 1.0, weights, 1e-9)
}

func TestScore_NoSources(t *testing.T) {
	a := Score(Input{Query: "x", Answer: "Sağlanan kaynaklarda bu soruya yanıt verecek bilgi bulunamadı."})
	assert.Less(t, a.Score, 0.2)
	assert.Contains(t, a.Breakdown.Hedges, "bilgi bulunamadı")
}

func TestScore_HedgingPenalty(t *testing.T) {
	base := Input{Answer: "Kıdem tazminatı son brüt ücret üzerinden hesaplanır [1].", Sources: grounded}
	hedged := base
	hedged.Answer = "Emin değilim, muhtemelen kıdem tazminatı son brüt ücret üzerinden hesaplanır olabilir, bilmiyorum [1]."

	clean, unsure := Score(base), Score(hedged)
	assert.Less(t, unsure.Score, clean.Score)
	assert.Equal(t, MaxHedgePenalty, unsure.Breakdown.HedgePenalty, "penalty is capped")
	assert.Len(t, unsure.Breakdown.Hedges, 4)

	english := Score(Input{Answer: "I don't know.", Sources: grounded})
	assert.Contains(t, english.Breakdown.Hedges, "i don't know")
}

func TestScore_BoundedAndConsistent(t *testing.T) {
	inputs := []Input{
		{},
		{Answer: "olabilir muhtemelen bilmiyorum sanırım"},
		{Answer: strings.Repeat("kıdem ", 2000), Sources: []sources.Source{{Similarity: 1.4, Content: "kıdem"}}},
		{Answer: "[9] [10]", Sources: []sources.Source{{Similarity: -0.2}}},
		{Answer: "Kısa.", Sources: grounded},
	}
	for _, in := range inputs {
		a := Score(in)
		assert.GreaterOrEqual(t, a.Score, 0.0)
		assert.LessOrEqual(t, a.Score, 1.0)
		assert.InDelta(t, sumOf(a.Breakdown), a.Breakdown.Sum, 1e-9)
		assert.Equal(t, math.Max(0, math.Min(1, a.Breakdown.Sum)), a.Score)
		assert.Equal(t, a.Score != a.Breakdown.Sum, a.Breakdown.Clamped)
	}
}

func TestLengthScore(t *testing.T) {
	assert.Zero(t, lengthScore(0))
	assert.InDelta(t, 0.15, lengthScore(20), 1e-9)
	assert.InDelta(t, 0.65, lengthScore(60), 1e-9)
	assert.Equal(t, 1.0, lengthScore(80))
	assert.Equal(t, 1.0, lengthScore(1500))
	assert.InDelta(t, 0.9, lengthScore(1800), 1e-9)
	assert.Equal(t, 0.5, lengthScore(100000))
}

func TestCitationScore(t *testing.T) {
	assert.Zero(t, citationScore("Kaynak yok.", 3))
	assert.Equal(t, 1.0, citationScore("Bkz. [2].", 3))
	assert.Equal(t, 0.5, citationScore("Bkz. [7].", 3))
}

func TestScorer_RecoversWithFallback(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	s := NewScorer(zap.New(core))
	s.scoreFn = func(Input) Assessment { panic("index out of range") }

	a := s.Assess(Input{Sources: []sources.Source{{Similarity: 0.6}, {Similarity: 0.8}}})
	assert.True(t, a.Fallback)
	assert.InDelta(t, 0.7, a.Score, 1e-6)
	assert.Equal(t, 1, logs.FilterMessage("reliability scorer failed, using similarity estimate").Len())

	normal := NewScorer(nil).Assess(Input{Answer: "x", Sources: grounded})
	assert.False(t, normal.Fallback)
}
