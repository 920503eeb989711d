package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lromeo-lab/assistant-toolkit-api/internal/index"
	"github.com/lromeo-lab/assistant-toolkit-api/internal/storage"
)

type createThreadRequest struct {
	UserID  string `json:"user_id"`
	Name    string `json:"name"`
	AgentID string `json:"agent_id"`
}

type threadResponse struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	OwnerUserID string    `json:"owner_user_id"`
	AgentID     string    `json:"agent_id"`
	CreatedAt   time.Time `json:"created_at"`
}

func toThreadResponse(t storage.Thread) threadResponse {
	return threadResponse{
		ID:          t.ID,
		Name:        t.Name,
		OwnerUserID: t.OwnerUserID,
		AgentID:     t.AgentID,
		CreatedAt:   t.CreatedAt,
	}
}

func handleCreateThread(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req createThreadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.UserID == "" || req.Name == "" || req.AgentID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user_id, name and agent_id are required")
			return
		}

		// The parent agent must exist and the caller must have access to it.
		if _, err := deps.Guard.AgentMember(req.AgentID, req.UserID); err != nil {
			writeError(w, err)
			return
		}

		t := storage.Thread{
			ID:          storage.NewID("thd"),
			Name:        req.Name,
			OwnerUserID: req.UserID,
			AgentID:     req.AgentID,
			CreatedAt:   time.Now().UTC(),
		}
		if err := deps.Store.InsertThread(t); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toThreadResponse(t))
	}
}

func handleListThreads(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := callerID(w, r)
		if !ok {
			return
		}

		threads, err := deps.Store.ListThreadsForOwner(userID)
		if err != nil {
			writeError(w, err)
			return
		}
		resp := make([]threadResponse, len(threads))
		for i, t := range threads {
			resp[i] = toThreadResponse(t)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleGetThread(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := callerID(w, r)
		if !ok {
			return
		}

		t, err := deps.Guard.ThreadOwner(chi.URLParam(r, "id"), userID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toThreadResponse(t))
	}
}

func handleDeleteThread(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := callerID(w, r)
		if !ok {
			return
		}

		id := chi.URLParam(r, "id")
		if _, err := deps.Guard.ThreadOwner(id, userID); err != nil {
			writeError(w, err)
			return
		}

		if err := deleteThreadData(r, deps, id); err != nil {
			writeError(w, err)
			return
		}
		if err := deps.Store.DeleteThread(id); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

// deleteThreadData removes everything a thread owns except the thread
// record itself: file chunks uploaded to the thread, long-term chat
// chunks, and the short-term message log. Each step is idempotent.
func deleteThreadData(r *http.Request, deps Deps, threadID string) error {
	ctx := r.Context()
	if _, err := deps.Index.DeleteByFilter(ctx, index.CorpusFiles, index.Filter{ThreadID: threadID}); err != nil {
		return err
	}
	if _, err := deps.Index.DeleteByFilter(ctx, index.CorpusChat, index.Filter{ThreadID: threadID}); err != nil {
		return err
	}
	return deps.Store.DeleteMessages(threadID)
}
