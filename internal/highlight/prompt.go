package highlight

import (
	"fmt"

	"github.com/insurancelens/policylens/internal/llm"
	"github.com/insurancelens/policylens/internal/norms"
)

// contradictionPrompt asks whether the clause contradicts the matched norm.
// The model only ever sees the two texts; it is never asked to speculate
// beyond them.
func contradictionPrompt(clauseText string, norm norms.Norm) []llm.Message {
	system := "Du bist ein Prüfsystem für deutsche Krankenversicherungsbedingungen. " +
		"Vergleiche eine Vertragsklausel mit einer marktüblichen Norm. " +
		"Beurteile ausschließlich anhand der beiden Texte, ob die Klausel der Norm inhaltlich widerspricht " +
		"(z.B. längere Wartezeiten, höhere Selbstbeteiligung, engere Leistungsgrenzen). " +
		"Eine Klausel, die die Norm wörtlich oder sinngemäß wiedergibt, widerspricht ihr nicht."

	user := fmt.Sprintf("Norm (%s):\n%s\n\nVertragsklausel:\n%s", norm.Source, norm.Text, clauseText)

	return []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	}
}

func contradictionSchema() *llm.Schema {
	return &llm.Schema{
		Type: "object",
		Properties: map[string]llm.SchemaProperty{
			"contradicts": {Type: "boolean", Description: "True when the clause conflicts with the norm"},
			"severity":    {Type: "number", Description: "How strongly the clause deviates, 0.0 to 1.0"},
			"summary":     {Type: "string", Description: "One sentence naming the conflicting detail"},
		},
		Required: []string{"contradicts", "severity", "summary"},
	}
}

// explanationPrompt produces the user-facing highlight fields. The model is
// constrained to the clause text and the matched norm; it must not invent
// sources beyond the norm's source reference.
func explanationPrompt(clauseText, kind string, norm norms.Norm) []llm.Message {
	system := "Du erklärst Auffälligkeiten in deutschen Krankenversicherungspolicen. " +
		"Dir liegen eine Vertragsklausel und die am besten passende Norm vor. " +
		"Stütze dich ausschließlich auf diese beiden Texte. " +
		"Als Quelle darfst du nur die angegebene Normquelle nennen, niemals andere Quellen erfinden. " +
		"Antworte auf Deutsch."

	var framing string
	switch kind {
	case kindAbsent:
		framing = "Die Klausel hat keine inhaltliche Entsprechung im Normkatalog. " +
			"Erkläre, was die Klausel regelt und dass marktübliche Bedingungen hierzu keine Aussage treffen."
	default:
		framing = "Die Klausel weicht inhaltlich von der Norm ab. " +
			"Erkläre, worin die Abweichung besteht und was die Norm stattdessen vorsieht."
	}

	user := fmt.Sprintf("%s\n\nNorm (Quelle: %s, Kategorie: %s):\n%s\n\nVertragsklausel:\n%s",
		framing, norm.Source, norm.Category, norm.Text, clauseText)

	return []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	}
}

func explanationSchema() *llm.Schema {
	return &llm.Schema{
		Type: "object",
		Properties: map[string]llm.SchemaProperty{
			"title":           {Type: "string", Description: "Short German title for the clause topic"},
			"reason":          {Type: "string", Description: "Why this clause is unusual, one or two sentences"},
			"norm_comparison": {Type: "string", Description: "How typical conditions handle this, citing the norm source"},
			"category":        {Type: "string", Description: "Clause category, e.g. waiting_period, deductible, exclusion"},
		},
		Required: []string{"title", "reason", "norm_comparison", "category"},
	}
}
