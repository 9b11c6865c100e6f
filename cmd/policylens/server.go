package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/insurancelens/policylens/internal/api"
	"github.com/insurancelens/policylens/internal/chunker"
	"github.com/insurancelens/policylens/internal/config"
	"github.com/insurancelens/policylens/internal/highlight"
	"github.com/insurancelens/policylens/internal/ingest"
	"github.com/insurancelens/policylens/internal/llm"
	"github.com/insurancelens/policylens/internal/norms"
	"github.com/insurancelens/policylens/internal/qa"
	"github.com/insurancelens/policylens/internal/retrieval"
	"github.com/insurancelens/policylens/internal/storage"
	"github.com/insurancelens/policylens/internal/websearch"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the policylens server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running policylens server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show policylens system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "policylens.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "policylens version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Refuse to start twice. The health endpoint is the source of truth; the
	// PID file only improves the message.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("policylens is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("policylens is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	client := llm.NewOpenAIClientWithBaseURL(
		cfg.OpenAI.APIKey,
		cfg.OpenAI.CompletionModel,
		cfg.OpenAI.EmbedModel,
		cfg.OpenAI.BaseURL,
	)
	embedder := retrieval.NewEmbedder(client)
	vectorStore := retrieval.NewSQLiteStore(store.DB())

	catalog, err := norms.Load()
	if err != nil {
		return fmt.Errorf("loading norm catalog: %w", err)
	}
	printStep("Checking norm index (%s)...", catalog.Version())
	if err := catalog.EnsureIndexed(ctx, embedder, vectorStore, false); err != nil {
		return fmt.Errorf("indexing norms: %w", err)
	}

	comparator := highlight.NewComparator(vectorStore, client, catalog, highlight.Config{
		MaxHighlights:          cfg.Highlight.MaxHighlights,
		AbsentThreshold:        float32(cfg.Highlight.AbsentThreshold),
		ContradictionThreshold: float32(cfg.Highlight.ContradictionThreshold),
		MinDeviation:           float32(cfg.Highlight.MinDeviation),
		DedupeThreshold:        float32(cfg.Highlight.DedupeThreshold),
	}, slog.Default())

	var searcher websearch.Searcher
	if cfg.Tavily.APIKey != "" {
		searcher = websearch.NewTavilyClientWithBaseURL(cfg.Tavily.APIKey, cfg.Tavily.BaseURL)
	} else {
		slog.Warn("no Tavily API key configured, general answers run without web sources")
	}

	router := qa.NewRouter(vectorStore, client, slog.Default())
	composer := qa.NewComposer(router, embedder, vectorStore, client, searcher, qa.Config{
		TopK:         cfg.Retrieval.TopK,
		MinRelevance: float32(cfg.Retrieval.MinRelevance),
	}, slog.Default())

	// Background ingest worker.
	worker := ingest.NewWorker(
		store, embedder, vectorStore, comparator,
		chunker.New(cfg.Chunking.MaxTokens, cfg.Chunking.OverlapTokens),
		500*time.Millisecond,
	)
	go worker.Run(ctx)

	handler := api.NewHandler(api.Deps{
		Store:         store,
		Vectors:       vectorStore,
		Composer:      composer,
		DataDir:       cfg.Storage.DataDir,
		Token:         cfg.Server.APIToken,
		MaxUploadSize: int64(cfg.Chunking.MaxUploadSize),
	})

	// MCP server over stdio, alongside HTTP.
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:    store,
		Composer: composer,
		Catalog:  catalog,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "policylens listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("policylens is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop policylens (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to policylens (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	running := false
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Completion model", "%s", cfg.OpenAI.CompletionModel)
	printStatus("Embed model", "%s", cfg.OpenAI.EmbedModel)
	if cfg.Tavily.APIKey != "" {
		printStatus("Web search", "enabled")
	} else {
		printStatus("Web search", "disabled (no Tavily key)")
	}

	if running {
		if c, err := newAPIClient(); err == nil {
			if listResp, err := c.get(context.Background(), "/policies?limit=100"); err == nil {
				var policies []struct {
					Status string `json:"status"`
				}
				if decodeJSON(listResp, &policies) == nil {
					indexed := 0
					for _, p := range policies {
						if p.Status == "indexed" {
							indexed++
						}
					}
					printStatus("Policies", "%d (%d indexed)", len(policies), indexed)
				}
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
