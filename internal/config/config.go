package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime settings, composed of per-concern sections.
type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Engine    EngineConfig
	Retrieval RetrievalConfig
	Ingestion IngestionConfig
	Memory    MemoryConfig
}

type ServerConfig struct {
	Port     int
	APIToken string // optional; when set, mutating routes require bearer auth
	LogLevel string
}

type StorageConfig struct {
	DataDir string
}

type EngineConfig struct {
	BaseURL    string
	ChatModel  string
	EmbedModel string
	// Timeout bounds every chat/embedding call.
	Timeout time.Duration
}

// RetrievalConfig tunes the hybrid retriever and reranker.
type RetrievalConfig struct {
	// FileSearchType and ChatSearchType select Vector, Keyword, or Hybrid
	// per corpus.
	FileSearchType string
	ChatSearchType string
	FileTopK       int
	ChatTopK       int
	// OverfetchFactor widens the vector scan: the index examines
	// OverfetchFactor*topK candidates before returning topK.
	OverfetchFactor  int
	QueryTimeout     time.Duration
	RerankingEnabled bool
	RerankerTopN     int
	RerankingTimeout time.Duration
}

type IngestionConfig struct {
	ChunkSize    int
	ChunkOverlap int
	BatchSize    int
}

type MemoryConfig struct {
	// TokenLimit bounds the short-term buffer read per chat turn.
	TokenLimit int
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:     8000,
			LogLevel: "info",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Engine: EngineConfig{
			BaseURL:    "http://localhost:11434",
			ChatModel:  "mistral-nemo",
			EmbedModel: "nomic-embed-text",
			Timeout:    30 * time.Second,
		},
		Retrieval: RetrievalConfig{
			FileSearchType:   "Hybrid",
			ChatSearchType:   "Keyword",
			FileTopK:         10,
			ChatTopK:         5,
			OverfetchFactor:  15,
			QueryTimeout:     10 * time.Second,
			RerankingEnabled: true,
			RerankerTopN:     5,
			RerankingTimeout: 5 * time.Second,
		},
		Ingestion: IngestionConfig{
			ChunkSize:    512,
			ChunkOverlap: 64,
			BatchSize:    64,
		},
		Memory: MemoryConfig{
			TokenLimit: 1500,
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".assistant"
	}
	return home + "/.assistant"
}

// Load reads configuration from an optional .env file and ASSISTANT_*
// environment variables layered over built-in defaults. Environment
// variables always win over .env values.
func Load() (Config, error) {
	// Missing .env is fine; real deployments use environment variables.
	_ = godotenv.Load()
	return loadWith(os.LookupEnv)
}

func loadWith(lookup func(string) (string, bool)) (Config, error) {
	cfg := defaults()

	env := func(key string) string {
		v, _ := lookup(key)
		return v
	}

	setStr(&cfg.Server.APIToken, env("ASSISTANT_API_TOKEN"))
	setStr(&cfg.Server.LogLevel, env("ASSISTANT_LOG_LEVEL"))
	setStr(&cfg.Storage.DataDir, env("ASSISTANT_DATA_DIR"))
	setStr(&cfg.Engine.BaseURL, env("ASSISTANT_ENGINE_URL"))
	setStr(&cfg.Engine.ChatModel, env("ASSISTANT_CHAT_MODEL"))
	setStr(&cfg.Engine.EmbedModel, env("ASSISTANT_EMBED_MODEL"))
	setStr(&cfg.Retrieval.FileSearchType, env("ASSISTANT_FILE_SEARCH_TYPE"))
	setStr(&cfg.Retrieval.ChatSearchType, env("ASSISTANT_CHAT_SEARCH_TYPE"))

	if err := setInt(&cfg.Server.Port, env("ASSISTANT_PORT")); err != nil {
		return Config{}, fmt.Errorf("ASSISTANT_PORT: %w", err)
	}
	if err := setInt(&cfg.Retrieval.FileTopK, env("ASSISTANT_FILE_TOP_K")); err != nil {
		return Config{}, fmt.Errorf("ASSISTANT_FILE_TOP_K: %w", err)
	}
	if err := setInt(&cfg.Retrieval.ChatTopK, env("ASSISTANT_CHAT_TOP_K")); err != nil {
		return Config{}, fmt.Errorf("ASSISTANT_CHAT_TOP_K: %w", err)
	}
	if err := setInt(&cfg.Retrieval.RerankerTopN, env("ASSISTANT_RERANKER_TOP_N")); err != nil {
		return Config{}, fmt.Errorf("ASSISTANT_RERANKER_TOP_N: %w", err)
	}
	if err := setInt(&cfg.Ingestion.ChunkSize, env("ASSISTANT_CHUNK_SIZE")); err != nil {
		return Config{}, fmt.Errorf("ASSISTANT_CHUNK_SIZE: %w", err)
	}
	if err := setInt(&cfg.Ingestion.ChunkOverlap, env("ASSISTANT_CHUNK_OVERLAP")); err != nil {
		return Config{}, fmt.Errorf("ASSISTANT_CHUNK_OVERLAP: %w", err)
	}
	if err := setInt(&cfg.Ingestion.BatchSize, env("ASSISTANT_INGESTION_BATCH_SIZE")); err != nil {
		return Config{}, fmt.Errorf("ASSISTANT_INGESTION_BATCH_SIZE: %w", err)
	}
	if err := setInt(&cfg.Memory.TokenLimit, env("ASSISTANT_MEMORY_TOKEN_LIMIT")); err != nil {
		return Config{}, fmt.Errorf("ASSISTANT_MEMORY_TOKEN_LIMIT: %w", err)
	}
	if err := setBool(&cfg.Retrieval.RerankingEnabled, env("ASSISTANT_RERANKING_ENABLED")); err != nil {
		return Config{}, fmt.Errorf("ASSISTANT_RERANKING_ENABLED: %w", err)
	}

	if err := validateSearchType(cfg.Retrieval.FileSearchType); err != nil {
		return Config{}, fmt.Errorf("ASSISTANT_FILE_SEARCH_TYPE: %w", err)
	}
	if err := validateSearchType(cfg.Retrieval.ChatSearchType); err != nil {
		return Config{}, fmt.Errorf("ASSISTANT_CHAT_SEARCH_TYPE: %w", err)
	}
	if cfg.Ingestion.ChunkOverlap >= cfg.Ingestion.ChunkSize {
		return Config{}, fmt.Errorf("chunk overlap %d must be smaller than chunk size %d",
			cfg.Ingestion.ChunkOverlap, cfg.Ingestion.ChunkSize)
	}

	return cfg, nil
}

func validateSearchType(v string) error {
	switch v {
	case "Vector", "Keyword", "Hybrid":
		return nil
	}
	return fmt.Errorf("unknown search type %q (expected Vector, Keyword, or Hybrid)", v)
}

func setStr(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v string) error {
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func setBool(dst *bool, v string) error {
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return err
	}
	*dst = b
	return nil
}
