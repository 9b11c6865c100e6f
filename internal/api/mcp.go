package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/insurancelens/policylens/internal/norms"
	"github.com/insurancelens/policylens/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store    *storage.Store
	Composer Answerer
	Catalog  *norms.Catalog
}

// NewMCPServer creates an MCP server exposing the policy pipeline to agent
// clients: the same question path as the HTTP API, read access to policy
// overviews, and the norm catalog as a resource.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"policylens",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("policylens — analyzes German health-insurance policies and answers questions about them with citations."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ask_question",
			mcp.WithDescription("Ask a question about an uploaded policy or about health insurance in general."),
			mcp.WithString("question", mcp.Description("The question to answer"), mcp.Required()),
			mcp.WithString("policy_id", mcp.Description("Optional policy id to ground the answer in")),
		),
		mcpAskQuestion(deps),
	)

	s.AddTool(
		mcp.NewTool("policy_overview",
			mcp.WithDescription("Return a policy's status and its highlighted clauses."),
			mcp.WithString("policy_id", mcp.Description("The policy id"), mcp.Required()),
		),
		mcpPolicyOverview(deps),
	)

	s.AddTool(
		mcp.NewTool("list_policies",
			mcp.WithDescription("List uploaded policies with their processing status."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of policies (default 20)")),
		),
		mcpListPolicies(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"norms://catalog",
			"Norm Catalog",
			mcp.WithResourceDescription("The reference set of market-standard health-insurance clauses"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceNorms(deps),
	)

	return s
}

func mcpAskQuestion(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}
		policyID := req.GetString("policy_id", "")

		if policyID != "" {
			doc, err := deps.Store.GetDocument(policyID)
			if errors.Is(err, storage.ErrNotFound) {
				return mcpError("policy not found"), nil
			}
			if err != nil {
				return mcpError(fmt.Sprintf("failed to load policy: %v", err)), nil
			}
			if doc.Status != storage.StatusIndexed {
				return mcpError(fmt.Sprintf("policy is not ready for questions (status: %s)", doc.Status)), nil
			}
		}

		answer, err := deps.Composer.Answer(ctx, question, policyID)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to answer: %v", err)), nil
		}

		record := storage.QuestionRecord{
			ID:           uuid.New().String(),
			DocumentID:   policyID,
			Question:     question,
			Answer:       answer.Answer,
			QuestionType: answer.QuestionType,
			Confidence:   answer.Confidence,
			CreatedAt:    time.Now().UTC(),
		}
		if err := deps.Store.SaveQuestion(record); err != nil {
			return mcpError(fmt.Sprintf("answered but failed to record question: %v", err)), nil
		}

		b, err := json.Marshal(answer)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal answer: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpPolicyOverview(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		policyID, err := req.RequireString("policy_id")
		if err != nil {
			return mcpError("policy_id is required"), nil
		}

		doc, err := deps.Store.GetDocument(policyID)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError("policy not found"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load policy: %v", err)), nil
		}

		highlights, err := deps.Store.ListHighlights(policyID)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load highlights: %v", err)), nil
		}

		views := make([]HighlightView, len(highlights))
		for i, h := range highlights {
			views[i] = HighlightView{
				ID:             h.ID,
				Title:          h.Title,
				ClauseText:     h.ClauseText,
				Reason:         h.Reason,
				NormComparison: h.NormComparison,
				MatchedNormID:  h.MatchedNormID,
				Category:       h.Category,
				Kind:           h.Kind,
				DeviationScore: h.DeviationScore,
				Page:           h.Page,
			}
		}

		b, err := json.Marshal(OverviewResponse{
			PolicySummary: summarize(doc),
			Highlights:    views,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal overview: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListPolicies(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 100 {
			limit = 100
		}

		docs, err := deps.Store.ListDocuments(limit, 0)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list policies: %v", err)), nil
		}

		summaries := make([]PolicySummary, len(docs))
		for i, d := range docs {
			summaries[i] = summarize(d)
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal policies: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceNorms(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		payload := map[string]any{
			"version": deps.Catalog.Version(),
			"norms":   deps.Catalog.All(),
		}
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal norm catalog: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
