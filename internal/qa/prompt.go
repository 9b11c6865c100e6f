package qa

import (
	"fmt"
	"strings"

	"github.com/insurancelens/policylens/internal/llm"
	"github.com/insurancelens/policylens/internal/retrieval"
	"github.com/insurancelens/policylens/internal/websearch"
)

func classifyPrompt(question string, samples []string) []llm.Message {
	system := "Du ordnest Fragen zu Krankenversicherungen einer von zwei Kategorien zu. " +
		"\"policy_specific\": die Frage betrifft die konkreten Bedingungen der hochgeladenen Police. " +
		"\"general_insurance\": die Frage betrifft allgemeines Versicherungswissen, unabhängig vom Vertragstext."

	var b strings.Builder
	if len(samples) > 0 {
		b.WriteString("Auszüge aus der Police:\n")
		for _, s := range samples {
			fmt.Fprintf(&b, "- %s\n", s)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Frage: %s", question)

	return []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: b.String()},
	}
}

func classifySchema() *llm.Schema {
	return &llm.Schema{
		Type: "object",
		Properties: map[string]llm.SchemaProperty{
			"question_type": {Type: "string", Description: "Either policy_specific or general_insurance"},
		},
		Required: []string{"question_type"},
	}
}

// policyPrompt grounds the answer in the retrieved clauses. The refusal
// instruction is what keeps the composer honest: a clause set that does not
// contain the answer must produce a refusal, not a guess.
func policyPrompt(question string, chunks []retrieval.ScoredRecord) []llm.Message {
	system := "Du beantwortest Fragen zu einer Krankenversicherungspolice. " +
		"Dir liegen nummerierte Auszüge aus dem Vertragstext vor. " +
		"Beantworte die Frage ausschließlich anhand dieser Auszüge und verweise auf sie als [1], [2] usw. " +
		"Wenn die Auszüge die Frage nicht beantworten, sage das klar und erfinde nichts. " +
		"Antworte auf Deutsch."

	var b strings.Builder
	b.WriteString("Vertragsauszüge:\n")
	for i, c := range chunks {
		fmt.Fprintf(&b, "[%d] (Seite %d) %s\n\n", i+1, c.Page, c.Text)
	}
	fmt.Fprintf(&b, "Frage: %s", question)

	return []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: b.String()},
	}
}

func generalPrompt(question string, sources []websearch.Result) []llm.Message {
	system := "Du beantwortest allgemeine Fragen zur deutschen Krankenversicherung. " +
		"Nutze die beigefügten Suchergebnisse als Grundlage, soweit vorhanden. " +
		"Wenn weder die Ergebnisse noch gesichertes Grundwissen die Frage beantworten, sage das klar. " +
		"Antworte auf Deutsch."

	var b strings.Builder
	if len(sources) > 0 {
		b.WriteString("Suchergebnisse:\n")
		for i, s := range sources {
			fmt.Fprintf(&b, "[%d] %s — %s\n%s\n\n", i+1, s.Title, s.URL, s.Snippet)
		}
	}
	fmt.Fprintf(&b, "Frage: %s", question)

	return []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: b.String()},
	}
}
