package llm

import (
	"context"
	"errors"
)

// ErrCompletionFailed wraps completion errors that survived the retry budget.
var ErrCompletionFailed = errors.New("completion failed")

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Schema describes the expected JSON output structure for structured
// completion responses.
type Schema struct {
	Type       string                    `json:"type"`
	Properties map[string]SchemaProperty `json:"properties"`
	Required   []string                  `json:"required,omitempty"`
}

// SchemaProperty describes a single field within a Schema.
type SchemaProperty struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// Client abstracts the language-model and embedding collaborators. The
// highlighter, router, and answer composer depend on this interface instead
// of a concrete API client.
type Client interface {
	// Complete sends messages to the completion model and returns the
	// assistant's response. When jsonSchema is non-nil, structured JSON
	// output is requested.
	Complete(ctx context.Context, messages []Message, jsonSchema *Schema) (string, error)

	// EmbedBatch returns one fixed-dimension vector per input text, in the
	// same order as the inputs.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}
