package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lromeo-lab/assistant-toolkit-api/internal/index"
)

type chatRequest struct {
	UserID   string `json:"user_id"`
	AgentID  string `json:"agent_id"`
	ThreadID string `json:"thread_id"`
	Query    string `json:"query"`
}

func handleChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.UserID == "" || req.AgentID == "" || req.ThreadID == "" || req.Query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user_id, agent_id, thread_id and query are required")
			return
		}

		agent, err := deps.Guard.AgentMember(req.AgentID, req.UserID)
		if err != nil {
			writeError(w, err)
			return
		}
		thread, err := deps.Guard.ThreadOwner(req.ThreadID, req.UserID)
		if err != nil {
			writeError(w, err)
			return
		}
		if thread.AgentID != agent.ID {
			httpError(w, http.StatusBadRequest, "invalid_request_error",
				"thread %s does not belong to agent %s", thread.ID, agent.ID)
			return
		}

		answer, err := deps.Coordinator.Turn(r.Context(), agent, thread, req.UserID, req.Query)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"response": answer})
	}
}

// handleDeleteChat clears a thread's conversation memory, long-term
// chunks and the short-term log, leaving the thread record itself intact.
func handleDeleteChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := callerID(w, r)
		if !ok {
			return
		}

		threadID := chi.URLParam(r, "thread_id")
		if _, err := deps.Guard.ThreadOwner(threadID, userID); err != nil {
			writeError(w, err)
			return
		}

		if _, err := deps.Index.DeleteByFilter(r.Context(), index.CorpusChat, index.Filter{ThreadID: threadID}); err != nil {
			writeError(w, err)
			return
		}
		if err := deps.Store.DeleteMessages(threadID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

type ingestTurnRequest struct {
	ThreadID     string `json:"thread_id"`
	TurnID       int    `json:"turn_id"`
	UserMessage  string `json:"user_message"`
	AgentMessage string `json:"agent_message"`
}

// handleIngestTurn is the internal worker endpoint writing one finished
// chat turn into long-term memory. The coordinator calls it (or the
// pipeline directly) fire-and-forget; external schedulers may retry it,
// which at worst duplicates one turn's chunks.
func handleIngestTurn(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req ingestTurnRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.ThreadID == "" || req.UserMessage == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "thread_id and user_message are required")
			return
		}

		thread, err := deps.Guard.Thread(req.ThreadID)
		if err != nil {
			writeError(w, err)
			return
		}

		if err := deps.Pipeline.IngestTurn(r.Context(), thread.ID, thread.OwnerUserID,
			req.TurnID, req.UserMessage, req.AgentMessage); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	}
}
