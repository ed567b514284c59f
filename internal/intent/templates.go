package intent

const greetingAnswer = "Merhaba! Ben mevzuat ve içtihat kaynaklarına dayanarak hukuki sorularınızı yanıtlayan bir asistanım. " +
	"Sorunuzu olabildiğince ayrıntılı yazarsanız ilgili kaynakları bulup size yardımcı olabilirim."

const thanksAnswer = "Rica ederim! Başka bir hukuki sorunuz olursa yardımcı olmaktan memnuniyet duyarım."

const ambiguousAnswer = "Sorunuzu tam olarak anlayamadım. Lütfen hangi hukuki konuyu sorduğunuzu biraz daha açık yazar mısınız? " +
	"Örneğin: \"İş Kanunu'na göre kıdem tazminatı nasıl hesaplanır?\""

// Templated returns the fixed answer for intents that skip retrieval. It
// returns "" for LegalQuestion.
func Templated(i Intent) string {
	switch i {
	case Conversational:
		return greetingAnswer
	case Ambiguous:
		return ambiguousAnswer
	}
	return ""
}

// TemplatedFor is Templated with the query at hand, answering thanks with
// a thank-you instead of the greeting.
func TemplatedFor(i Intent, query string) string {
	if i == Conversational && IsThanks(query) {
		return thanksAnswer
	}
	return Templated(i)
}
