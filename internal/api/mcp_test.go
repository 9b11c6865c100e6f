package api

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/insurancelens/policylens/internal/norms"
	"github.com/insurancelens/policylens/internal/qa"
	"github.com/insurancelens/policylens/internal/storage"
)

func newMCPDeps(t *testing.T) (MCPDeps, *testAPI) {
	t.Helper()
	a := newTestAPI(t, "")
	catalog, err := norms.Load()
	if err != nil {
		t.Fatalf("norms.Load: %v", err)
	}
	return MCPDeps{Store: a.store, Composer: a.composer, Catalog: catalog}, a
}

func callTool(args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func toolText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) != 1 {
		t.Fatalf("content = %+v", res.Content)
	}
	text, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("content type = %T", res.Content[0])
	}
	return text.Text
}

func TestMCPAskQuestion(t *testing.T) {
	deps, a := newMCPDeps(t)
	a.composer.answer = qa.Answer{Answer: "Antwort.", QuestionType: qa.TypeGeneralInsurance, Confidence: 0.5}

	handler := mcpAskQuestion(deps)
	res, err := handler(context.Background(), callTool(map[string]any{"question": "Was ist eine Wartezeit?"}))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if res.IsError {
		t.Fatalf("tool error: %s", toolText(t, res))
	}

	var ans qa.Answer
	if err := json.Unmarshal([]byte(toolText(t, res)), &ans); err != nil {
		t.Fatal(err)
	}
	if ans.Answer != "Antwort." || ans.QuestionType != qa.TypeGeneralInsurance {
		t.Errorf("answer = %+v", ans)
	}

	// The question is logged like HTTP asks.
	recs, err := a.store.ListQuestions("", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Errorf("history entries = %d, want 1", len(recs))
	}
}

func TestMCPAskQuestion_PolicyNotReady(t *testing.T) {
	deps, a := newMCPDeps(t)
	if err := a.store.SaveDocument(storage.Document{
		ID: "doc-1", Filename: "p.pdf", FilePath: "/tmp/p.pdf", Status: storage.StatusPending,
	}); err != nil {
		t.Fatal(err)
	}

	handler := mcpAskQuestion(deps)
	res, err := handler(context.Background(), callTool(map[string]any{
		"question":  "Q?",
		"policy_id": "doc-1",
	}))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected tool error for pending policy")
	}
	if a.composer.calls != 0 {
		t.Error("composer called for pending policy")
	}
}

func TestMCPListPolicies(t *testing.T) {
	deps, a := newMCPDeps(t)
	a.seedIndexedDocument(t)

	handler := mcpListPolicies(deps)
	res, err := handler(context.Background(), callTool(map[string]any{}))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	var summaries []PolicySummary
	if err := json.Unmarshal([]byte(toolText(t, res)), &summaries); err != nil {
		t.Fatal(err)
	}
	if len(summaries) != 1 || summaries[0].Status != storage.StatusIndexed {
		t.Errorf("summaries = %+v", summaries)
	}
}

func TestMCPPolicyOverview(t *testing.T) {
	deps, a := newMCPDeps(t)
	docID := a.seedIndexedDocument(t)

	handler := mcpPolicyOverview(deps)
	res, err := handler(context.Background(), callTool(map[string]any{"policy_id": docID}))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	var overview OverviewResponse
	if err := json.Unmarshal([]byte(toolText(t, res)), &overview); err != nil {
		t.Fatal(err)
	}
	if overview.PolicyID != docID {
		t.Errorf("overview = %+v", overview)
	}

	res, err = handler(context.Background(), callTool(map[string]any{"policy_id": "unknown"}))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if !res.IsError {
		t.Error("expected tool error for unknown policy")
	}
}

func TestMCPNormCatalogResource(t *testing.T) {
	deps, _ := newMCPDeps(t)

	handler := mcpResourceNorms(deps)
	req := mcp.ReadResourceRequest{}
	req.Params.URI = "norms://catalog"
	contents, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("contents = %+v", contents)
	}
	text, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("contents type = %T", contents[0])
	}

	var payload struct {
		Version string       `json:"version"`
		Norms   []norms.Norm `json:"norms"`
	}
	if err := json.Unmarshal([]byte(text.Text), &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Version != "norms_health_de_v1" || len(payload.Norms) == 0 {
		t.Errorf("catalog payload = version %q, %d norms", payload.Version, len(payload.Norms))
	}
}
