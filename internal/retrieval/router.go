package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lromeo-lab/assistant-toolkit-api/internal/engine"
	"github.com/lromeo-lab/assistant-toolkit-api/internal/index"
)

// Tool couples a retriever invocation with the description the routing
// model selects on.
type Tool struct {
	Name        string
	Description string
	Retrieve    func(ctx context.Context, query string) ([]index.ScoredChunk, error)
}

// Router asks the chat model which retriever tools apply to a query, runs
// the selected ones, and concatenates their results in tool order.
//
// Selection is advisory: when the model call fails, returns nothing
// parseable, or names no known tool, every tool runs. A retriever that
// fails is logged and skipped so the remaining tools still contribute.
type Router struct {
	engine engine.Engine
	model  string
}

// NewRouter creates a Router using the given engine and chat model.
func NewRouter(e engine.Engine, model string) *Router {
	return &Router{engine: e, model: model}
}

// Route retrieves chunks for the query via the selected subset of tools.
func (r *Router) Route(ctx context.Context, query string, tools []Tool) ([]index.ScoredChunk, error) {
	if len(tools) == 0 {
		return nil, nil
	}

	selected := tools
	if len(tools) > 1 {
		if picked := r.selectTools(ctx, query, tools); len(picked) > 0 {
			selected = picked
		}
	}

	var results []index.ScoredChunk
	for _, t := range selected {
		chunks, err := t.Retrieve(ctx, query)
		if err != nil {
			slog.Warn("router: retriever failed", "tool", t.Name, "error", err)
			continue
		}
		results = append(results, chunks...)
	}
	return results, nil
}

// selectionResponse is the structured output requested from the model.
type selectionResponse struct {
	Tools []string `json:"tools"`
}

func (r *Router) selectTools(ctx context.Context, query string, tools []Tool) []Tool {
	var b strings.Builder
	b.WriteString("Select which of the following data sources are relevant to answering the query. " +
		"Pick every source that could contain useful information.\n\nSources:\n")
	for _, t := range tools {
		fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
	}
	fmt.Fprintf(&b, "\nQuery: %s\n", query)
	b.WriteString(`Respond with only a JSON object: {"tools": ["<name>", ...]}`)

	schema := &engine.Schema{
		Type: "object",
		Properties: map[string]engine.SchemaProperty{
			"tools": {Type: "array", Description: "Names of the relevant sources"},
		},
		Required: []string{"tools"},
	}

	resp, err := r.engine.Chat(ctx, r.model, []engine.Message{
		{Role: "user", Content: b.String()},
	}, schema)
	if err != nil {
		slog.Debug("router: selection call failed, using all tools", "error", err)
		return nil
	}

	var sel selectionResponse
	if err := json.Unmarshal([]byte(strings.TrimSpace(resp)), &sel); err != nil {
		slog.Debug("router: unparseable selection, using all tools", "resp", resp, "error", err)
		return nil
	}

	byName := make(map[string]Tool, len(tools))
	for _, t := range tools {
		byName[t.Name] = t
	}
	var picked []Tool
	for _, name := range sel.Tools {
		if t, ok := byName[name]; ok {
			picked = append(picked, t)
			delete(byName, name)
		}
	}
	return picked
}
