package intent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  Intent
	}{
		{"greeting", "merhaba", Conversational},
		{"greeting with punctuation", "Merhaba!!", Conversational},
		{"two word greeting", "İyi günler", Conversational},
		{"thanks", "teşekkürler", Conversational},
		{"english greeting", "hello there", Conversational},
		{"short greeting with legal term", "merhaba kıdem tazminatı", Conversational},
		{"long greeting with legal question", "Merhaba, iş sözleşmesi feshinde kıdem tazminatı nasıl hesaplanır?", LegalQuestion},
		{"legal with question mark", "Kira sözleşmesi nasıl feshedilir?", LegalQuestion},
		{"legal with particle", "boşanma davası açılır mı", LegalQuestion},
		{"legal with inflected particle", "nafaka artırımı mümkün müdür", LegalQuestion},
		{"long legal statement", "işveren fazla mesai ücretini üç aydır ödemiyor", LegalQuestion},
		{"short non question", "bugün hava güzel", Ambiguous},
		{"short legal fragment", "kıdem tazminatı hesaplama", Ambiguous},
		{"yes", "evet", Ambiguous},
		{"only yes no tokens", "tamam tamam peki evet", Ambiguous},
		{"trailing ellipsis", "peki ya sonra ne olacak...", Ambiguous},
		{"unicode ellipsis", "bir de şu konu vardı…", Ambiguous},
		{"empty", "   ", Ambiguous},
		{"default", "komşumun ağacı bahçeme taşıyor ne yapabilirim", LegalQuestion},
		{"greeting word inside another word", "hiçbir şey anlamadım bu işten", LegalQuestion},
		{"upper case english greeting", "HI", Conversational},
		{"upper case english thanks", "THANK YOU", Conversational},
		{"upper case good morning", "GOOD MORNING", Conversational},
		{"fruit sharing a legal prefix", "kiraz fiyatları nasıl?", Ambiguous},
		{"english word sharing a legal prefix", "courtesy call please?", Ambiguous},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.query))
		})
	}
}

func TestTemplated(t *testing.T) {
	assert.NotEmpty(t, Templated(Conversational))
	assert.NotEmpty(t, Templated(Ambiguous))
	assert.Empty(t, Templated(LegalQuestion))

	assert.Contains(t, TemplatedFor(Conversational, "çok teşekkür ederim"), "Rica ederim")
	assert.Equal(t, Templated(Conversational), TemplatedFor(Conversational, "selam"))
	assert.Contains(t, TemplatedFor(Conversational, "THANKS"), "Rica ederim")
}

func TestIntentValid(t *testing.T) {
	assert.True(t, LegalQuestion.Valid())
	assert.False(t, Intent("smalltalk").Valid())
}
