package generation

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/lexd/internal/sources"
)

// Style selects the tone and depth of answers.
type Style string

const (
	StyleConcise        Style = "concise"
	StyleDetailed       Style = "detailed"
	StyleAnalytical     Style = "analytical"
	StyleConversational Style = "conversational"
)

// ParseStyle returns the style named s, or StyleDetailed with false when
// s is unknown.
func ParseStyle(s string) (Style, bool) {
	switch st := Style(strings.ToLower(strings.TrimSpace(s))); st {
	case StyleConcise, StyleDetailed, StyleAnalytical, StyleConversational:
		return st, true
	}
	return StyleDetailed, false
}

const noSourceAnswer = "Sağlanan kaynaklarda bu soruya yanıt verecek bilgi bulunamadı."

const systemPrompt = `Sen Türk hukuku alanında uzman bir hukuk asistanısın.
Yalnızca sana verilen kaynaklara dayanarak yanıt ver.
Her bilginin ardından dayandığı kaynağı [n] biçiminde belirt.
Kaynaklarda yanıt yoksa bunu açıkça söyle ve tahmin yürütme.
Yanıtı Türkçe yaz.`

var styleDirectives = map[Style]string{
	StyleConcise:        "Kısa ve öz yanıt ver; en fazla birkaç cümle kullan.",
	StyleDetailed:       "Ayrıntılı yanıt ver; ilgili hükümleri ve koşulları açıkla.",
	StyleAnalytical:     "Analitik yanıt ver; farklı yorumları, istisnaları ve içtihat eğilimlerini tartış.",
	StyleConversational: "Sade ve anlaşılır bir dille, hukukçu olmayan birine anlatır gibi yanıt ver.",
}

// BuildPrompt renders the system and user prompts for a question over
// numbered sources.
func BuildPrompt(query string, srcs []sources.Source, style Style) (system, user string) {
	directive, ok := styleDirectives[style]
	if !ok {
		directive = styleDirectives[StyleDetailed]
	}
	system = systemPrompt + "\n" + directive

	var sb strings.Builder
	sb.WriteString("Kaynaklar:\n")
	if len(srcs) == 0 {
		sb.WriteString("(kaynak yok)\n")
	}
	for i, s := range srcs {
		fmt.Fprintf(&sb, "\n[%d] %s\n%s\n", i+1, s.Citation, strings.Join(strings.Fields(s.Content), " "))
	}
	fmt.Fprintf(&sb, "\nSoru: %s\n", strings.TrimSpace(query))
	return system, sb.String()
}
