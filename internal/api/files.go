package api

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lromeo-lab/assistant-toolkit-api/internal/access"
	"github.com/lromeo-lab/assistant-toolkit-api/internal/index"
	"github.com/lromeo-lab/assistant-toolkit-api/internal/ingest"
)

type fileResponse struct {
	FileID         string   `json:"file_id"`
	FileName       string   `json:"file_name"`
	OwnerUserID    string   `json:"owner_user_id"`
	AppliedUserIDs []string `json:"applied_user_ids"`
}

// handleUploadFiles ingests a multipart upload into exactly one agent or
// thread scope. Form fields: user_id, agent_id or thread_id, optional
// comma-separated user_ids, and one or more "files" parts. Responds 202
// with the ingestion report; partial failures are inside the report, not
// the status code.
func handleUploadFiles(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(maxUploadSize); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid multipart form: %v", err)
			return
		}

		userID := r.FormValue("user_id")
		if userID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user_id is required")
			return
		}
		agentID := r.FormValue("agent_id")
		threadID := r.FormValue("thread_id")
		if err := access.ValidateScope(agentID, threadID); err != nil {
			writeError(w, err)
			return
		}
		requested := parseUserIDs(r.FormValue("user_ids"))

		scope := ingest.Scope{AgentID: agentID, ThreadID: threadID}
		if agentID != "" {
			a, err := deps.Guard.AgentMember(agentID, userID)
			if err != nil {
				writeError(w, err)
				return
			}
			scope.AgentUserIDs = a.UserIDs
		} else {
			if _, err := deps.Guard.ThreadOwner(threadID, userID); err != nil {
				writeError(w, err)
				return
			}
		}

		headers := r.MultipartForm.File["files"]
		if len(headers) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "at least one file is required")
			return
		}

		files := make([]ingest.File, 0, len(headers))
		for _, hdr := range headers {
			f, err := hdr.Open()
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "opening %s: %v", hdr.Filename, err)
				return
			}
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "reading %s: %v", hdr.Filename, err)
				return
			}
			files = append(files, ingest.File{Path: hdr.Filename, Data: data})
		}

		report, err := deps.Pipeline.IngestFiles(r.Context(), files, userID, scope, requested)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, report)
	}
}

// handleListFiles lists logical files in one of three modes: scoped to an
// agent (membership required), scoped to a thread (owner only), or across
// all scopes for the caller (by_owner picks owned vs. accessible).
func handleListFiles(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := callerID(w, r)
		if !ok {
			return
		}

		agentID := r.URL.Query().Get("agent_id")
		threadID := r.URL.Query().Get("thread_id")
		if agentID != "" && threadID != "" {
			writeError(w, access.ErrInvalidScope)
			return
		}

		var filter index.Filter
		switch {
		case agentID != "":
			if _, err := deps.Guard.AgentMember(agentID, userID); err != nil {
				writeError(w, err)
				return
			}
			filter = index.Filter{AgentID: agentID, AccessibleBy: userID}
		case threadID != "":
			if _, err := deps.Guard.ThreadOwner(threadID, userID); err != nil {
				writeError(w, err)
				return
			}
			filter = index.Filter{ThreadID: threadID}
		case boolParam(r, "by_owner", true):
			filter = index.Filter{OwnerUserID: userID}
		default:
			filter = index.Filter{AccessibleBy: userID}
		}

		infos, err := deps.Index.ListFiles(r.Context(), index.CorpusFiles, filter)
		if err != nil {
			writeError(w, err)
			return
		}

		resp := make([]fileResponse, len(infos))
		for i, fi := range infos {
			applied := fi.AppliedUserIDs
			if applied == nil {
				applied = []string{}
			}
			resp[i] = fileResponse{
				FileID:         fi.FileID,
				FileName:       fi.FileName,
				OwnerUserID:    fi.OwnerUserID,
				AppliedUserIDs: applied,
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleDeleteFile(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := callerID(w, r)
		if !ok {
			return
		}

		fileID := chi.URLParam(r, "id")
		if err := deps.Guard.FileOwner(r.Context(), fileID, userID); err != nil {
			writeError(w, err)
			return
		}

		count, err := deps.Index.DeleteByFilter(r.Context(), index.CorpusFiles, index.Filter{FileID: fileID})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "deleted_chunks": count})
	}
}
