package main

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/insurancelens/policylens/internal/config"
	"github.com/insurancelens/policylens/internal/llm"
	"github.com/insurancelens/policylens/internal/norms"
	"github.com/insurancelens/policylens/internal/retrieval"
	"github.com/insurancelens/policylens/internal/storage"
)

// --- upload ---

var uploadCmd = &cobra.Command{
	Use:   "upload <file.pdf>",
	Short: "Upload a policy PDF for analysis",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading file: %w", err)
		}

		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		fw, err := mw.CreateFormFile("file", filepath.Base(path))
		if err != nil {
			return err
		}
		if _, err := fw.Write(data); err != nil {
			return err
		}
		mw.Close()

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.do(cmd.Context(), "POST", "/policies/upload", mw.FormDataContentType(), &buf)
		if err != nil {
			return err
		}

		var result struct {
			PolicyID string `json:"policy_id"`
			Status   string `json:"status"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Uploaded %s", filepath.Base(path))
		printStatus("Policy ID", "%s", result.PolicyID)
		printStatus("Status", "%s", result.Status)
		printStep("Run `policylens policies overview %s` to see the analysis once indexed.", result.PolicyID)
		return nil
	},
}

// --- policies ---

var policiesCmd = &cobra.Command{
	Use:   "policies",
	Short: "List and inspect uploaded policies",
	RunE: func(cmd *cobra.Command, args []string) error {
		return listPolicies(cmd.Context())
	},
}

var policiesOverviewCmd = &cobra.Command{
	Use:   "overview <policy-id>",
	Short: "Show a policy's status and highlighted clauses",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/policies/"+args[0]+"/overview")
		if err != nil {
			return err
		}

		var overview struct {
			Filename   string `json:"filename"`
			Status     string `json:"status"`
			PageCount  int    `json:"page_count"`
			ChunkCount int    `json:"chunk_count"`
			Error      string `json:"error"`
			Highlights []struct {
				Title          string  `json:"title"`
				Reason         string  `json:"reason"`
				NormComparison string  `json:"norm_comparison"`
				Kind           string  `json:"kind"`
				DeviationScore float64 `json:"deviation_score"`
				Page           int     `json:"page"`
			} `json:"highlights"`
		}
		if err := decodeJSON(resp, &overview); err != nil {
			return err
		}

		printStatus("File", "%s", overview.Filename)
		printStatus("Status", "%s", overview.Status)
		if overview.Error != "" {
			printError("%s", overview.Error)
		}
		printStatus("Pages", "%d", overview.PageCount)
		printStatus("Chunks", "%d", overview.ChunkCount)

		if len(overview.Highlights) == 0 {
			fmt.Println("\nNo unusual clauses found.")
			return nil
		}
		fmt.Printf("\n%s\n", colorize(colorBold, "Unusual clauses:"))
		for i, h := range overview.Highlights {
			fmt.Printf("\n%d. %s (%s, page %d, deviation %.2f)\n",
				i+1, colorize(colorBold, h.Title), h.Kind, h.Page, h.DeviationScore)
			fmt.Printf("   %s\n", h.Reason)
			if h.NormComparison != "" {
				fmt.Printf("   %s\n", h.NormComparison)
			}
		}
		return nil
	},
}

var policiesDeleteCmd = &cobra.Command{
	Use:   "delete <policy-id>",
	Short: "Delete a policy and everything derived from it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/policies/"+args[0])
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Deleted policy %s", args[0])
		return nil
	},
}

var policiesHistoryCmd = &cobra.Command{
	Use:   "history <policy-id>",
	Short: "Show the question log for a policy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/questions/history/"+args[0])
		if err != nil {
			return err
		}

		var entries []struct {
			Question   string  `json:"question"`
			Answer     string  `json:"answer"`
			Confidence float64 `json:"confidence"`
			CreatedAt  string  `json:"created_at"`
		}
		if err := decodeJSON(resp, &entries); err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No questions asked yet.")
			return nil
		}
		for _, e := range entries {
			fmt.Printf("%s %s\n", colorize(colorBold, "Q:"), e.Question)
			fmt.Printf("%s %s (confidence %.2f, %s)\n\n", colorize(colorBold, "A:"), e.Answer, e.Confidence, e.CreatedAt)
		}
		return nil
	},
}

func listPolicies(ctx context.Context) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}

	resp, err := client.get(ctx, "/policies")
	if err != nil {
		return err
	}

	var policies []struct {
		PolicyID   string `json:"policy_id"`
		Filename   string `json:"filename"`
		Status     string `json:"status"`
		UploadDate string `json:"upload_date"`
	}
	if err := decodeJSON(resp, &policies); err != nil {
		return err
	}

	if len(policies) == 0 {
		fmt.Println("No policies uploaded. Use `policylens upload <file.pdf>` to add one.")
		return nil
	}
	for _, p := range policies {
		fmt.Printf("%s  %-10s %s  (%s)\n", p.PolicyID, p.Status, p.Filename, p.UploadDate)
	}
	return nil
}

func init() {
	policiesCmd.AddCommand(policiesOverviewCmd)
	policiesCmd.AddCommand(policiesDeleteCmd)
	policiesCmd.AddCommand(policiesHistoryCmd)
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question about a policy or about health insurance in general",
	Long: `Ask a question about a policy or about health insurance in general.

Examples:
  policylens ask "Wie lang ist die Wartezeit?" --policy 4f2c...
  policylens ask "Was ist eine Selbstbeteiligung?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		question := strings.Join(args, " ")
		policyID, _ := cmd.Flags().GetString("policy")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]string{"question": question}
		if policyID != "" {
			req["policy_id"] = policyID
		}
		resp, err := client.postJSON(cmd.Context(), "/questions/ask", req)
		if err != nil {
			return err
		}

		var answer struct {
			Answer       string  `json:"answer"`
			QuestionType string  `json:"question_type"`
			Confidence   float64 `json:"confidence"`
			Citations    []struct {
				Page    int    `json:"page"`
				Snippet string `json:"snippet"`
			} `json:"citations"`
			WebSources []string `json:"web_sources"`
		}
		if err := decodeJSON(resp, &answer); err != nil {
			return err
		}

		fmt.Println(answer.Answer)
		fmt.Printf("\n(%s, confidence %.2f)\n", answer.QuestionType, answer.Confidence)
		for i, c := range answer.Citations {
			fmt.Printf("[%d] Seite %d: %s\n", i+1, c.Page, c.Snippet)
		}
		for _, u := range answer.WebSources {
			fmt.Printf("  - %s\n", u)
		}
		return nil
	},
}

func init() {
	askCmd.Flags().String("policy", "", "policy id to ground the answer in")
}

// --- norms ---

var normsCmd = &cobra.Command{
	Use:   "norms",
	Short: "Show or rebuild the norm catalog index",
	RunE: func(cmd *cobra.Command, args []string) error {
		reindex, _ := cmd.Flags().GetBool("reindex")

		catalog, err := norms.Load()
		if err != nil {
			return err
		}
		printStatus("Catalog", "%s (%d norms)", catalog.Version(), catalog.Len())

		if !reindex {
			return nil
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}

		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		client := llm.NewOpenAIClientWithBaseURL(
			cfg.OpenAI.APIKey,
			cfg.OpenAI.CompletionModel,
			cfg.OpenAI.EmbedModel,
			cfg.OpenAI.BaseURL,
		)
		embedder := retrieval.NewEmbedder(client)
		vectorStore := retrieval.NewSQLiteStore(store.DB())

		printStep("Re-embedding %d norms...", catalog.Len())
		if err := catalog.EnsureIndexed(cmd.Context(), embedder, vectorStore, true); err != nil {
			return err
		}
		printSuccess("Norm index rebuilt")
		return nil
	},
}

func init() {
	normsCmd.Flags().Bool("reindex", false, "drop and rebuild the norm embeddings")
}
