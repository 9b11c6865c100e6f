package websearch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"unicode/utf8"
)

func TestSearch(t *testing.T) {
	var gotReq searchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" {
			t.Errorf("path = %q, want /search", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"results":[
			{"title":"GKV Wartezeiten","url":"https://example.org/a","content":"Wartezeiten betragen in der Regel drei Monate."},
			{"title":"<b>Zusatzversicherung</b>","url":"https://example.org/b","content":"<p>Zahnersatz wird <em>anteilig</em> erstattet.</p>"},
			{"title":"Leer","url":"https://example.org/c","content":"  "}
		]}`))
	}))
	defer srv.Close()

	c := NewTavilyClientWithBaseURL("key-123", srv.URL)
	results, err := c.Search(context.Background(), "Wartezeit Krankenversicherung", 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}

	if gotReq.APIKey != "key-123" || gotReq.Query != "Wartezeit Krankenversicherung" || gotReq.MaxResults != 3 {
		t.Errorf("request = %+v", gotReq)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2 (empty content dropped)", len(results))
	}
	if results[0].URL != "https://example.org/a" {
		t.Errorf("first URL = %q", results[0].URL)
	}
	if results[1].Title != "Zusatzversicherung" {
		t.Errorf("title not stripped of markup: %q", results[1].Title)
	}
	if results[1].Snippet != "Zahnersatz wird anteilig erstattet." {
		t.Errorf("snippet not stripped of markup: %q", results[1].Snippet)
	}
}

func TestSearch_RetriesOnServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"results":[{"title":"T","url":"https://example.org","content":"Inhalt."}]}`))
	}))
	defer srv.Close()

	c := NewTavilyClientWithBaseURL("key", srv.URL)
	results, err := c.Search(context.Background(), "q", 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestSearch_NonRetryableClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewTavilyClientWithBaseURL("bad-key", srv.URL)
	if _, err := c.Search(context.Background(), "q", 1); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (no retry on 401)", calls.Load())
	}
}

func TestStripHTML(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"plain text", "plain text"},
		{"  padded  ", "padded"},
		{"<p>Hello <b>world</b></p>", "Hello world"},
		{"<div><span>a</span><span>b</span></div>", "a b"},
	}
	for _, c := range cases {
		if got := StripHTML(c.in); got != c.want {
			t.Errorf("StripHTML(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestTruncateSnippet(t *testing.T) {
	long := strings.Repeat("wort ", 200)
	got := truncateSnippet(long)
	if len(got) > maxSnippetLen+3 {
		t.Errorf("snippet length %d exceeds limit", len(got))
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("truncated snippet missing ellipsis: %q", got[len(got)-10:])
	}
}

func TestTruncateSnippet_KeepsValidUTF8(t *testing.T) {
	// No spaces, and the byte limit lands mid-rune: the cut must back off to
	// a rune boundary instead of emitting a torn umlaut.
	long := "x" + strings.Repeat("ä", maxSnippetLen)
	got := truncateSnippet(long)
	if !utf8.ValidString(got) {
		t.Fatalf("truncated snippet is not valid UTF-8: %q", got[len(got)-10:])
	}
	if len(got) > maxSnippetLen+3 {
		t.Errorf("snippet length %d exceeds limit", len(got))
	}
}
