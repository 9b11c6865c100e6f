// Package websearch provides the web retrieval used by general insurance
// questions. Results ground the answer the same way document chunks ground
// policy-specific ones.
package websearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/net/html"
)

const (
	defaultTimeout = 30 * time.Second
	maxRetries     = 3
	initialBackoff = 500 * time.Millisecond

	maxSnippetLen = 600
)

// ErrSearchFailed wraps search errors that survived the retry budget.
var ErrSearchFailed = errors.New("web search failed")

// Result is one web source backing an answer.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Searcher retrieves web context for a question.
type Searcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]Result, error)
}

// Compile-time check that TavilyClient implements Searcher.
var _ Searcher = (*TavilyClient)(nil)

// TavilyClient queries the Tavily search API. Requests are retried with
// exponential backoff on throttling and transient server errors.
type TavilyClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewTavilyClient creates a client for the given API key.
func NewTavilyClient(apiKey string) *TavilyClient {
	return &TavilyClient{
		apiKey:     apiKey,
		baseURL:    "https://api.tavily.com",
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
}

// NewTavilyClientWithBaseURL creates a client pointing at a custom base URL
// (tests).
func NewTavilyClientWithBaseURL(apiKey, baseURL string) *TavilyClient {
	c := NewTavilyClient(apiKey)
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

type searchRequest struct {
	APIKey     string `json:"api_key"`
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

type searchResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

// Search runs the query and returns cleaned results. Result content is
// stripped of any HTML markup and truncated to snippet length. An empty
// result list is a valid outcome, not an error.
func (c *TavilyClient) Search(ctx context.Context, query string, maxResults int) ([]Result, error) {
	if maxResults <= 0 {
		maxResults = 5
	}

	body, err := json.Marshal(searchRequest{APIKey: c.apiKey, Query: query, MaxResults: maxResults})
	if err != nil {
		return nil, fmt.Errorf("marshaling search request: %w", err)
	}

	respBody, err := c.postWithRetry(ctx, "/search", body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSearchFailed, err)
	}

	var parsed searchResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrSearchFailed, err)
	}

	results := make([]Result, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		snippet := truncateSnippet(StripHTML(r.Content))
		if snippet == "" {
			continue
		}
		results = append(results, Result{
			Title:   StripHTML(r.Title),
			URL:     r.URL,
			Snippet: snippet,
		})
	}
	return results, nil
}

func (c *TavilyClient) postWithRetry(ctx context.Context, path string, body []byte) ([]byte, error) {
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

func (c *TavilyClient) post(ctx context.Context, path string, body []byte) (respBody []byte, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

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

// StripHTML reduces markup to its text content. Search engines occasionally
// return snippets with leftover tags; plain text passes through unchanged.
func StripHTML(s string) string {
	if !strings.ContainsRune(s, '<') {
		return strings.TrimSpace(s)
	}

	var b strings.Builder
	tok := html.NewTokenizer(strings.NewReader(s))
	for {
		switch tok.Next() {
		case html.ErrorToken:
			return strings.Join(strings.Fields(b.String()), " ")
		case html.TextToken:
			b.Write(tok.Text())
			b.WriteByte(' ')
		}
	}
}

func truncateSnippet(s string) string {
	if len(s) <= maxSnippetLen {
		return s
	}
	cut := s[:runeBoundary(s, maxSnippetLen)]
	if i := strings.LastIndexByte(cut, ' '); i > 0 {
		cut = cut[:i]
	}
	return cut + "..."
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:runeBoundary(s, n)] + "..."
}

// runeBoundary backs n off to the nearest rune start so a byte-offset cut
// never splits a multi-byte character.
func runeBoundary(s string, n int) int {
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return n
}
