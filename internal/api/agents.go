package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lromeo-lab/assistant-toolkit-api/internal/index"
	"github.com/lromeo-lab/assistant-toolkit-api/internal/storage"
)

type createAgentRequest struct {
	UserID  string          `json:"user_id"`
	Name    string          `json:"name"`
	Config  json.RawMessage `json:"config"`
	UserIDs []string        `json:"user_ids"`
}

type agentResponse struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	OwnerUserID string          `json:"owner_user_id"`
	Config      json.RawMessage `json:"config,omitempty"`
	UserIDs     []string        `json:"user_ids"`
	CreatedAt   time.Time       `json:"created_at"`
}

func toAgentResponse(a storage.Agent) agentResponse {
	resp := agentResponse{
		ID:          a.ID,
		Name:        a.Name,
		OwnerUserID: a.OwnerUserID,
		UserIDs:     a.UserIDs,
		CreatedAt:   a.CreatedAt,
	}
	if resp.UserIDs == nil {
		resp.UserIDs = []string{}
	}
	if a.Config != "" {
		resp.Config = json.RawMessage(a.Config)
	}
	return resp
}

func handleCreateAgent(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req createAgentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.UserID == "" || req.Name == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user_id and name are required")
			return
		}

		// A restricted agent always includes its owner; an empty list stays
		// empty, keeping the agent public.
		userIDs := req.UserIDs
		if len(userIDs) > 0 && !contains(userIDs, req.UserID) {
			userIDs = append(userIDs, req.UserID)
		}

		a := storage.Agent{
			ID:          storage.NewID("agt"),
			Name:        req.Name,
			OwnerUserID: req.UserID,
			Config:      string(req.Config),
			UserIDs:     userIDs,
			CreatedAt:   time.Now().UTC(),
		}
		if err := deps.Store.InsertAgent(a); err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, toAgentResponse(a))
	}
}

func handleListAgents(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := callerID(w, r)
		if !ok {
			return
		}

		var (
			agents []storage.Agent
			err    error
		)
		if boolParam(r, "by_owner", true) {
			agents, err = deps.Store.ListAgentsForOwner(userID)
		} else {
			agents, err = deps.Store.ListAgentsForMember(userID)
		}
		if err != nil {
			writeError(w, err)
			return
		}

		resp := make([]agentResponse, len(agents))
		for i, a := range agents {
			resp[i] = toAgentResponse(a)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleGetAgent(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := callerID(w, r)
		if !ok {
			return
		}

		a, err := deps.Guard.AgentMember(chi.URLParam(r, "id"), userID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAgentResponse(a))
	}
}

// handleDeleteAgent removes an agent and everything under it: file chunks
// scoped to the agent, then each thread's data, then the threads, then
// the agent record. Every step deletes by filter and treats zero rows as
// success, so a retry after partial failure converges.
func handleDeleteAgent(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := callerID(w, r)
		if !ok {
			return
		}

		id := chi.URLParam(r, "id")
		if _, err := deps.Guard.AgentOwner(id, userID); err != nil {
			writeError(w, err)
			return
		}

		ctx := r.Context()
		if _, err := deps.Index.DeleteByFilter(ctx, index.CorpusFiles, index.Filter{AgentID: id}); err != nil {
			writeError(w, err)
			return
		}

		threads, err := deps.Store.ListThreadsForAgent(id)
		if err != nil {
			writeError(w, err)
			return
		}
		for _, t := range threads {
			if err := deleteThreadData(r, deps, t.ID); err != nil {
				writeError(w, err)
				return
			}
		}
		if _, err := deps.Store.DeleteThreadsForAgent(id); err != nil {
			writeError(w, err)
			return
		}

		if err := deps.Store.DeleteAgent(id); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
