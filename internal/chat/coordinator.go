// Package chat implements the per-turn conversation flow: short-term
// memory, question condensing, routed retrieval, reranking, response
// generation, and fire-and-forget long-term ingestion of the finished turn.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lromeo-lab/assistant-toolkit-api/internal/engine"
	"github.com/lromeo-lab/assistant-toolkit-api/internal/index"
	"github.com/lromeo-lab/assistant-toolkit-api/internal/reranking"
	"github.com/lromeo-lab/assistant-toolkit-api/internal/retrieval"
	"github.com/lromeo-lab/assistant-toolkit-api/internal/storage"
)

// ShortTermStore is the per-thread message log the coordinator reads and
// appends. Reads are token-bounded, oldest turns evicted first.
type ShortTermStore interface {
	RecentMessages(threadID string, tokenLimit int) ([]storage.ChatMessage, error)
	AppendMessage(m storage.ChatMessage) error
	CountMessages(threadID string) (int, error)
}

// TurnIngestor writes a finished turn into the long-term chat corpus.
type TurnIngestor interface {
	IngestTurn(ctx context.Context, threadID, ownerUserID string, turnID int, userMessage, agentMessage string) error
}

// Searcher runs one corpus's access-filtered retrieval.
type Searcher interface {
	Search(ctx context.Context, searchType, query string, filter index.Filter) ([]index.ScoredChunk, error)
}

// Router selects and runs retriever tools for a query.
type Router interface {
	Route(ctx context.Context, query string, tools []retrieval.Tool) ([]index.ScoredChunk, error)
}

// Settings tunes the coordinator. Zero values fall back to defaults.
type Settings struct {
	FileSearchType string
	ChatSearchType string
	TokenLimit     int           // short-term read budget
	IngestTimeout  time.Duration // bound for the background turn ingestion
}

// Coordinator runs one chat turn end to end. Retrieval and reranking
// failures degrade the answer, they never fail the turn; only short-term
// store and generation failures surface to the caller.
type Coordinator struct {
	store     ShortTermStore
	engine    engine.Engine
	chatModel string
	files     Searcher
	history   Searcher
	router    Router
	reranker  reranking.Reranker
	ingestor  TurnIngestor
	settings  Settings

	wg sync.WaitGroup
}

// NewCoordinator wires the coordinator's collaborators.
func NewCoordinator(store ShortTermStore, eng engine.Engine, chatModel string,
	files, history Searcher, router Router, reranker reranking.Reranker,
	ingestor TurnIngestor, settings Settings) *Coordinator {

	if settings.FileSearchType == "" {
		settings.FileSearchType = retrieval.SearchHybrid
	}
	if settings.ChatSearchType == "" {
		settings.ChatSearchType = retrieval.SearchKeyword
	}
	if settings.TokenLimit <= 0 {
		settings.TokenLimit = 1500
	}
	if settings.IngestTimeout <= 0 {
		settings.IngestTimeout = 30 * time.Second
	}
	return &Coordinator{
		store:     store,
		engine:    eng,
		chatModel: chatModel,
		files:     files,
		history:   history,
		router:    router,
		reranker:  reranker,
		ingestor:  ingestor,
		settings:  settings,
	}
}

// Turn answers one user query in the given thread. The caller has already
// authorized userID against both the agent and the thread.
func (c *Coordinator) Turn(ctx context.Context, agent storage.Agent, thread storage.Thread, userID, query string) (string, error) {
	recent, err := c.store.RecentMessages(thread.ID, c.settings.TokenLimit)
	if err != nil {
		return "", fmt.Errorf("reading short-term memory: %w", err)
	}

	condensed := c.condense(ctx, recent, query)
	chunks := c.retrieve(ctx, agent, thread, userID, condensed)

	answer, err := c.generate(ctx, agent, recent, chunks, query)
	if err != nil {
		return "", fmt.Errorf("generating response: %w", err)
	}

	// Turn counter derives from the buffer length before this turn lands.
	count, err := c.store.CountMessages(thread.ID)
	if err != nil {
		return "", fmt.Errorf("counting messages: %w", err)
	}
	turnID := count/2 + 1

	now := time.Now().UTC()
	if err := c.store.AppendMessage(storage.ChatMessage{ThreadID: thread.ID, Role: "user", Content: query, CreatedAt: now}); err != nil {
		return "", fmt.Errorf("appending user message: %w", err)
	}
	if err := c.store.AppendMessage(storage.ChatMessage{ThreadID: thread.ID, Role: "assistant", Content: answer, CreatedAt: now}); err != nil {
		return "", fmt.Errorf("appending assistant message: %w", err)
	}

	c.scheduleTurnIngestion(thread, turnID, query, answer)

	return answer, nil
}

// Wait blocks until all in-flight background turn ingestions finish. Used
// during graceful shutdown.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// condense rewrites a follow-up question into a standalone one using the
// conversation history. On any failure the original query is used, a
// worse retrieval query being preferable to a failed turn.
func (c *Coordinator) condense(ctx context.Context, recent []storage.ChatMessage, query string) string {
	if len(recent) == 0 {
		return query
	}

	var b strings.Builder
	b.WriteString("Given the conversation below, rewrite the final question as a single standalone question that needs no conversation context. Respond with only the rewritten question.\n\nConversation:\n")
	for _, m := range recent {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	fmt.Fprintf(&b, "\nQuestion: %s\n", query)

	resp, err := c.engine.Chat(ctx, c.chatModel, []engine.Message{
		{Role: "user", Content: b.String()},
	}, nil)
	if err != nil {
		slog.Debug("condense failed, using raw query", "error", err)
		return query
	}
	resp = strings.TrimSpace(resp)
	if resp == "" {
		return query
	}
	return resp
}

// retrieve routes the condensed query over the agent's files and the
// thread's chat history, then reranks. Failures degrade to fewer or zero
// context chunks.
func (c *Coordinator) retrieve(ctx context.Context, agent storage.Agent, thread storage.Thread, userID, query string) []index.ScoredChunk {
	tools := []retrieval.Tool{
		{
			Name:        "documents",
			Description: fmt.Sprintf("Files uploaded to the %q assistant: reference documents, manuals, and knowledge base material.", agent.Name),
			Retrieve: func(ctx context.Context, q string) ([]index.ScoredChunk, error) {
				return c.files.Search(ctx, c.settings.FileSearchType, q, index.Filter{
					AgentID:      agent.ID,
					AccessibleBy: userID,
				})
			},
		},
		{
			Name:        "chat_history",
			Description: "Earlier turns of this conversation beyond the recent messages: useful for questions about something discussed before.",
			Retrieve: func(ctx context.Context, q string) ([]index.ScoredChunk, error) {
				return c.history.Search(ctx, c.settings.ChatSearchType, q, index.Filter{
					ThreadID:     thread.ID,
					AccessibleBy: userID,
				})
			},
		},
	}

	chunks, err := c.router.Route(ctx, query, tools)
	if err != nil {
		slog.Warn("retrieval failed, answering without context", "thread_id", thread.ID, "error", err)
		return nil
	}

	reranked, err := c.reranker.Rerank(ctx, query, chunks)
	if err != nil {
		slog.Warn("reranking failed, using retrieval order", "thread_id", thread.ID, "error", err)
		return chunks
	}
	return reranked
}

// agentConfig is the subset of the agent's config blob the coordinator
// understands. Unknown keys are ignored.
type agentConfig struct {
	SystemPrompt string `json:"system_prompt"`
}

func (c *Coordinator) generate(ctx context.Context, agent storage.Agent, recent []storage.ChatMessage, chunks []index.ScoredChunk, query string) (string, error) {
	persona := "You are a helpful assistant."
	if agent.Config != "" {
		var cfg agentConfig
		if err := json.Unmarshal([]byte(agent.Config), &cfg); err == nil && cfg.SystemPrompt != "" {
			persona = cfg.SystemPrompt
		}
	}

	var b strings.Builder
	b.WriteString(persona)
	if len(chunks) > 0 {
		b.WriteString("\n\nUse the following context to answer. If the context does not contain the answer, say so.\n\nContext:\n")
		for _, ch := range chunks {
			b.WriteString(ch.Text)
			b.WriteString("\n---\n")
		}
	}

	messages := make([]engine.Message, 0, len(recent)+2)
	messages = append(messages, engine.Message{Role: "system", Content: b.String()})
	for _, m := range recent {
		messages = append(messages, engine.Message{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, engine.Message{Role: "user", Content: query})

	return c.engine.Chat(ctx, c.chatModel, messages, nil)
}

// scheduleTurnIngestion writes the turn to long-term memory on a
// background goroutine. Delivery is at-least-attempted: a failure is
// logged and the turn dropped, never surfaced to the chat caller.
func (c *Coordinator) scheduleTurnIngestion(thread storage.Thread, turnID int, query, answer string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.settings.IngestTimeout)
		defer cancel()

		if err := c.ingestor.IngestTurn(ctx, thread.ID, thread.OwnerUserID, turnID, query, answer); err != nil {
			slog.Warn("turn ingestion dropped", "thread_id", thread.ID, "turn_id", turnID, "error", err)
		}
	}()
}
