package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

func stubAPIClient(t *testing.T, ts *testServer) {
	t.Helper()
	old := newAPIClient
	t.Cleanup(func() { newAPIClient = old })
	newAPIClient = func() (*apiClient, error) {
		return ts.client(), nil
	}
}

var ctx = context.Background()

func TestAskCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /questions/ask": `{"question_id":"q-1","answer":"Drei Monate.","question_type":"policy_specific","confidence":0.9,"citations":[{"chunk_id":"c1","page":2,"snippet":"Wartezeit...","relevance_score":0.9}]}`,
	})
	stubAPIClient(t, ts)

	defer rootCmd.SetArgs(nil)
	rootCmd.SetArgs([]string{"ask", "Wie", "lang", "ist", "die", "Wartezeit?", "--policy", "pol-1"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Method != "POST" || r.Path != "/questions/ask" {
		t.Errorf("request = %s %s", r.Method, r.Path)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q", r.Auth)
	}

	var body map[string]string
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatal(err)
	}
	if body["question"] != "Wie lang ist die Wartezeit?" {
		t.Errorf("question = %q", body["question"])
	}
	if body["policy_id"] != "pol-1" {
		t.Errorf("policy_id = %q", body["policy_id"])
	}
}

func TestAskCommand_MissingQuestion(t *testing.T) {
	defer rootCmd.SetArgs(nil)
	rootCmd.SetArgs([]string{"ask"})
	if err := rootCmd.Execute(); err == nil {
		t.Fatal("expected error for missing question")
	}
}

func TestPoliciesCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /policies": `[{"policy_id":"p-1","filename":"a.pdf","status":"indexed","page_count":3,"chunk_count":12,"upload_date":"2026-08-01T10:00:00Z"}]`,
	})
	stubAPIClient(t, ts)

	defer rootCmd.SetArgs(nil)
	rootCmd.SetArgs([]string{"policies"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(ts.requests) != 1 || ts.requests[0].Path != "/policies" {
		t.Errorf("requests = %+v", ts.requests)
	}
}

func TestPoliciesDeleteCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"DELETE /policies/p-1": `{"status":"deleted"}`,
	})
	stubAPIClient(t, ts)

	defer rootCmd.SetArgs(nil)
	rootCmd.SetArgs([]string{"policies", "delete", "p-1"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(ts.requests) != 1 || ts.requests[0].Method != "DELETE" {
		t.Errorf("requests = %+v", ts.requests)
	}
}

func TestUploadCommand_MissingFile(t *testing.T) {
	ts := newTestServer(t, nil)
	stubAPIClient(t, ts)

	defer rootCmd.SetArgs(nil)
	rootCmd.SetArgs([]string{"upload", "/nonexistent/policy.pdf"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !strings.Contains(err.Error(), "reading file") {
		t.Errorf("error = %q", err.Error())
	}
	if len(ts.requests) != 0 {
		t.Errorf("no request should have been sent, got %d", len(ts.requests))
	}
}

func TestDecodeJSON_ErrorEnvelope(t *testing.T) {
	ts := newTestServer(t, nil)
	client := ts.client()

	resp, err := client.get(ctx, "/unknown")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var v map[string]any
	err = decodeJSON(resp, &v)
	if err == nil {
		t.Fatal("expected error for 404 response")
	}
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestColorize(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	if got := colorize(colorGreen, "ok"); got != "ok" {
		t.Errorf("colorize with noColor=true = %q", got)
	}

	noColor = false
	if got := colorize(colorGreen, "ok"); !strings.Contains(got, "\033[32m") {
		t.Errorf("colorize with noColor=false = %q", got)
	}
}
