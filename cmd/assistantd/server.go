package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/lromeo-lab/assistant-toolkit-api/internal/access"
	"github.com/lromeo-lab/assistant-toolkit-api/internal/api"
	"github.com/lromeo-lab/assistant-toolkit-api/internal/chat"
	"github.com/lromeo-lab/assistant-toolkit-api/internal/config"
	"github.com/lromeo-lab/assistant-toolkit-api/internal/engine"
	"github.com/lromeo-lab/assistant-toolkit-api/internal/index"
	"github.com/lromeo-lab/assistant-toolkit-api/internal/ingest"
	"github.com/lromeo-lab/assistant-toolkit-api/internal/reranking"
	"github.com/lromeo-lab/assistant-toolkit-api/internal/retrieval"
	"github.com/lromeo-lab/assistant-toolkit-api/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the assistant API server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

// runServer is the dependency injection root: every component is built
// once here and passed by reference. No package-level singletons.
func runServer() error {
	fmt.Fprintf(os.Stderr, "assistantd version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Check inference engine readiness, pulling missing models.
	eng := engine.NewClient(cfg.Engine.BaseURL, cfg.Engine.Timeout)
	if err := engine.EnsureReady(ctx, eng, cfg.Engine.ChatModel, cfg.Engine.EmbedModel, os.Stderr); err != nil {
		return err
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// The chunk index shares the directory store's database file.
	idx := index.NewSQLiteIndex(store.DB())
	if err := idx.EnsureIndexes(ctx); err != nil {
		return fmt.Errorf("preparing chunk index: %w", err)
	}

	embedder := retrieval.NewEmbedder(eng, cfg.Engine.EmbedModel)
	filesSearcher := retrieval.NewSearcher(embedder, idx, index.CorpusFiles,
		cfg.Retrieval.FileTopK, cfg.Retrieval.OverfetchFactor, cfg.Retrieval.QueryTimeout)
	historySearcher := retrieval.NewSearcher(embedder, idx, index.CorpusChat,
		cfg.Retrieval.ChatTopK, cfg.Retrieval.OverfetchFactor, cfg.Retrieval.QueryTimeout)
	router := retrieval.NewRouter(eng, cfg.Engine.ChatModel)
	reranker := reranking.NewReranker(eng, cfg.Engine.ChatModel,
		cfg.Retrieval.RerankingEnabled, cfg.Retrieval.RerankingTimeout, cfg.Retrieval.RerankerTopN)

	pipe := ingest.NewPipeline(embedder, idx,
		cfg.Ingestion.ChunkSize, cfg.Ingestion.ChunkOverlap, cfg.Ingestion.BatchSize)
	guard := access.NewGuard(store, idx)

	coordinator := chat.NewCoordinator(store, eng, cfg.Engine.ChatModel,
		filesSearcher, historySearcher, router, reranker, pipe, chat.Settings{
			FileSearchType: cfg.Retrieval.FileSearchType,
			ChatSearchType: cfg.Retrieval.ChatSearchType,
			TokenLimit:     cfg.Memory.TokenLimit,
			IngestTimeout:  cfg.Engine.Timeout,
		})

	handler := api.NewHandler(api.Deps{
		Store:       store,
		Guard:       guard,
		Index:       idx,
		Pipeline:    pipe,
		Coordinator: coordinator,
		Token:       cfg.Server.APIToken,
	})

	// MCP server on stdio, sharing the HTTP surface's guard and searchers.
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Guard:          guard,
		Files:          filesSearcher,
		History:        historySearcher,
		FileSearchType: cfg.Retrieval.FileSearchType,
		ChatSearchType: cfg.Retrieval.ChatSearchType,
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
		fmt.Fprintf(os.Stderr, "assistantd listening on %s\n", addr)
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
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// Let in-flight background turn ingestions land before the store closes.
	coordinator.Wait()
	return nil
}
