package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/lromeo-lab/assistant-toolkit-api/internal/access"
	"github.com/lromeo-lab/assistant-toolkit-api/internal/index"
)

// MCPSearcher runs one corpus's access-filtered retrieval.
type MCPSearcher interface {
	Search(ctx context.Context, searchType, query string, filter index.Filter) ([]index.ScoredChunk, error)
}

// MCPDeps holds dependencies for the MCP server. The tools go through
// the same guard and access filters as the HTTP surface.
type MCPDeps struct {
	Guard          *access.Guard
	Files          MCPSearcher
	History        MCPSearcher
	FileSearchType string
	ChatSearchType string
}

// NewMCPServer creates an MCP server exposing the retrieval tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"assistant-toolkit",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("Access-scoped retrieval over assistant documents and chat history."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_documents",
			mcp.WithDescription("Search the files uploaded to an agent. Results are filtered to what the given user may read."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithString("user_id", mcp.Description("Acting user id"), mcp.Required()),
			mcp.WithString("agent_id", mcp.Description("Agent whose files to search"), mcp.Required()),
		),
		mcpSearchDocuments(deps),
	)

	s.AddTool(
		mcp.NewTool("search_chat_history",
			mcp.WithDescription("Search a thread's long-term chat history. Only the thread owner gets results."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithString("user_id", mcp.Description("Acting user id"), mcp.Required()),
			mcp.WithString("thread_id", mcp.Description("Thread whose history to search"), mcp.Required()),
		),
		mcpSearchChatHistory(deps),
	)

	return s
}

func mcpSearchDocuments(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return mcpError("agent_id is required"), nil
		}

		if _, err := deps.Guard.AgentMember(agentID, userID); err != nil {
			return mcpError(fmt.Sprintf("access check failed: %v", err)), nil
		}

		chunks, err := deps.Files.Search(ctx, deps.FileSearchType, query, index.Filter{
			AgentID:      agentID,
			AccessibleBy: userID,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		type docResult struct {
			ID       string  `json:"id"`
			FileID   string  `json:"file_id"`
			FileName string  `json:"file_name"`
			Text     string  `json:"text"`
			Score    float32 `json:"score"`
		}
		results := make([]docResult, len(chunks))
		for i, c := range chunks {
			results[i] = docResult{
				ID:       c.ID,
				FileID:   c.FileID,
				FileName: c.FileName,
				Text:     c.Text,
				Score:    c.Score,
			}
		}
		return mcpJSON(results)
	}
}

func mcpSearchChatHistory(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}
		threadID, err := req.RequireString("thread_id")
		if err != nil {
			return mcpError("thread_id is required"), nil
		}

		if _, err := deps.Guard.ThreadOwner(threadID, userID); err != nil {
			return mcpError(fmt.Sprintf("access check failed: %v", err)), nil
		}

		chunks, err := deps.History.Search(ctx, deps.ChatSearchType, query, index.Filter{
			ThreadID:     threadID,
			AccessibleBy: userID,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		type turnResult struct {
			ID     string  `json:"id"`
			TurnID int     `json:"turn_id"`
			Text   string  `json:"text"`
			Score  float32 `json:"score"`
		}
		results := make([]turnResult, len(chunks))
		for i, c := range chunks {
			results[i] = turnResult{ID: c.ID, TurnID: c.TurnID, Text: c.Text, Score: c.Score}
		}
		return mcpJSON(results)
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
	}
	return mcpText(string(b)), nil
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
