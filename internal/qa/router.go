// Package qa routes incoming questions and composes grounded answers.
// Policy-specific questions are answered from the document's own clauses
// with citations; general questions are answered from web search context.
package qa

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/insurancelens/policylens/internal/llm"
	"github.com/insurancelens/policylens/internal/retrieval"
)

// Question types recorded with every answer.
const (
	TypePolicySpecific   = "policy_specific"
	TypeGeneralInsurance = "general_insurance"
)

// Number of chunk snippets shown to the classifier as topic context.
const classifySamples = 3

// routeState drives the router's state machine. Classification decides
// between the two answer paths; the policy path may still hand over to the
// general path when retrieval comes up empty.
type routeState int

const (
	stateClassify routeState = iota
	statePolicy
	stateGeneral
)

// Router decides which answer path a question takes.
type Router struct {
	store  retrieval.VectorStore
	client llm.Client
	logger *slog.Logger
}

// NewRouter creates a Router over the vector store and model client.
func NewRouter(store retrieval.VectorStore, client llm.Client, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{store: store, client: client, logger: logger}
}

type classifyResult struct {
	QuestionType string `json:"question_type"`
}

// Route classifies the question. Without a document there is nothing to
// ground a policy answer in, so the question is general by construction.
// When classification itself fails but a document is present, the policy
// path is the safer default: its relevance floor hands unanswerable
// questions over to the general path anyway.
func (r *Router) Route(ctx context.Context, question, documentID string) string {
	if documentID == "" {
		return TypeGeneralInsurance
	}

	samples, err := r.store.SampleTexts(retrieval.CollectionChunks, documentID, classifySamples)
	if err != nil {
		r.logger.Warn("sampling chunks for classification failed", "document_id", documentID, "error", err)
	}

	raw, err := r.client.Complete(ctx, classifyPrompt(question, samples), classifySchema())
	if err != nil {
		r.logger.Warn("question classification failed, defaulting to policy path",
			"document_id", documentID, "error", err)
		return TypePolicySpecific
	}

	var res classifyResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil || (res.QuestionType != TypePolicySpecific && res.QuestionType != TypeGeneralInsurance) {
		r.logger.Warn("unusable classification result, defaulting to policy path",
			"document_id", documentID, "result", raw)
		return TypePolicySpecific
	}
	return res.QuestionType
}
