package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"
)

const (
	defaultTimeout = 60 * time.Second
	maxRetries     = 3
	initialBackoff = 500 * time.Millisecond
)

// Compile-time check that OpenAIClient implements Client.
var _ Client = (*OpenAIClient)(nil)

// OpenAIClient talks to an OpenAI-compatible API for chat completions and
// embeddings. Requests are retried with exponential backoff on throttling
// and transient server errors, bounded by maxRetries.
type OpenAIClient struct {
	apiKey          string
	baseURL         string
	completionModel string
	embedModel      string
	httpClient      *http.Client
}

// NewOpenAIClient creates a client for the given API key and models.
func NewOpenAIClient(apiKey, completionModel, embedModel string) *OpenAIClient {
	return &OpenAIClient{
		apiKey:          apiKey,
		baseURL:         "https://api.openai.com/v1",
		completionModel: completionModel,
		embedModel:      embedModel,
		httpClient:      &http.Client{Timeout: defaultTimeout},
	}
}

// NewOpenAIClientWithBaseURL creates a client pointing at a custom base URL
// (self-hosted gateways, tests).
func NewOpenAIClientWithBaseURL(apiKey, completionModel, embedModel, baseURL string) *OpenAIClient {
	c := NewOpenAIClient(apiKey, completionModel, embedModel)
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

type chatRequest struct {
	Model          string    `json:"model"`
	Messages       []Message `json:"messages"`
	ResponseFormat any       `json:"response_format,omitempty"`
}

type jsonSchemaFormat struct {
	Type       string         `json:"type"`
	JSONSchema jsonSchemaSpec `json:"json_schema"`
}

type jsonSchemaSpec struct {
	Name   string  `json:"name"`
	Schema *Schema `json:"schema"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

// Complete sends a chat completion request and returns the assistant content.
func (c *OpenAIClient) Complete(ctx context.Context, messages []Message, jsonSchema *Schema) (string, error) {
	cr := chatRequest{
		Model:    c.completionModel,
		Messages: messages,
	}
	if jsonSchema != nil {
		cr.ResponseFormat = jsonSchemaFormat{
			Type:       "json_schema",
			JSONSchema: jsonSchemaSpec{Name: "response", Schema: jsonSchema},
		}
	}

	body, err := json.Marshal(cr)
	if err != nil {
		return "", fmt.Errorf("marshaling chat request: %w", err)
	}

	respBody, err := c.postWithRetry(ctx, "/chat/completions", body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCompletionFailed, err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("%w: decoding response: %v", ErrCompletionFailed, err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("%w: response contains no choices", ErrCompletionFailed)
	}
	return parsed.Choices[0].Message.Content, nil
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// EmbedBatch embeds texts in a single request. The API reports an index per
// vector; results are reordered by it so the output is always aligned with
// the input slice. Returns nil (not error) for empty input.
func (c *OpenAIClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(embedRequest{Model: c.embedModel, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshaling embed request: %w", err)
	}

	respBody, err := c.postWithRetry(ctx, "/embeddings", body)
	if err != nil {
		return nil, fmt.Errorf("embedding batch of %d: %w", len(texts), err)
	}

	var parsed embedResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("decoding embed response: %w", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("embed response has %d vectors for %d inputs", len(parsed.Data), len(texts))
	}

	sort.Slice(parsed.Data, func(i, j int) bool {
		return parsed.Data[i].Index < parsed.Data[j].Index
	})

	vectors := make([][]float32, len(texts))
	for i, d := range parsed.Data {
		vectors[i] = d.Embedding
	}
	return vectors, nil
}

// postWithRetry posts JSON to the given path, retrying on 429/5xx and
// transport errors with exponential backoff.
func (c *OpenAIClient) postWithRetry(ctx context.Context, path string, body []byte) ([]byte, error) {
	var lastErr error
	for attempt := range maxRetries {
		respBody, retryable, err := c.post(ctx, path, body)
		if err == nil {
			return respBody, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err

		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return nil, fmt.Errorf("exhausted %d attempts: %w", maxRetries, lastErr)
}

func (c *OpenAIClient) post(ctx context.Context, path string, body []byte) (respBody []byte, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, true, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("reading response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return data, false, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(data), 200))
	default:
		return nil, false, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(data), 200))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
