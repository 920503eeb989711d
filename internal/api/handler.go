// Package api exposes the HTTP surface: agents, threads, files, chat,
// the internal worker endpoint, and an MCP server over the same
// access-checked retrieval.
package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/lromeo-lab/assistant-toolkit-api/internal/access"
	"github.com/lromeo-lab/assistant-toolkit-api/internal/chat"
	"github.com/lromeo-lab/assistant-toolkit-api/internal/index"
	"github.com/lromeo-lab/assistant-toolkit-api/internal/ingest"
	"github.com/lromeo-lab/assistant-toolkit-api/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB
const maxUploadSize = 50 << 20     // 50MB across all files of one upload

// Deps holds everything the handlers close over.
type Deps struct {
	Store       *storage.Store
	Guard       *access.Guard
	Index       index.Adapter
	Pipeline    *ingest.Pipeline
	Coordinator *chat.Coordinator
	Token       string
}

// NewHandler returns the HTTP API router.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(BearerAuth(deps.Token))

	r.Get("/health", handleHealth)

	r.Post("/agents", handleCreateAgent(deps))
	r.Get("/agents", handleListAgents(deps))
	r.Get("/agents/{id}", handleGetAgent(deps))
	r.Delete("/agents/{id}", handleDeleteAgent(deps))

	r.Post("/threads", handleCreateThread(deps))
	r.Get("/threads", handleListThreads(deps))
	r.Get("/threads/{id}", handleGetThread(deps))
	r.Delete("/threads/{id}", handleDeleteThread(deps))

	r.Post("/files", handleUploadFiles(deps))
	r.Get("/files", handleListFiles(deps))
	r.Delete("/files/{id}", handleDeleteFile(deps))

	r.Post("/chat", handleChat(deps))
	r.Delete("/chats/{thread_id}", handleDeleteChat(deps))

	r.Post("/worker/ingest-turn", handleIngestTurn(deps))

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// callerID reads the acting user from the user_id query parameter.
// Returns false after writing a 400 when it is missing.
func callerID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.URL.Query().Get("user_id")
	if id == "" {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "user_id is required")
		return "", false
	}
	return id, true
}

// parseUserIDs splits a comma-separated id list, dropping blanks.
func parseUserIDs(s string) []string {
	if s == "" {
		return nil
	}
	var ids []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			ids = append(ids, part)
		}
	}
	return ids
}

// boolParam parses a query flag, returning def when absent or malformed.
func boolParam(r *http.Request, key string, def bool) bool {
	switch strings.ToLower(r.URL.Query().Get(key)) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	}
	return def
}
