package config

import (
	"testing"
	"time"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := loadWith(lookupFrom(nil))
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}

	if cfg.Server.Port != 8000 {
		t.Errorf("Port = %d", cfg.Server.Port)
	}
	if cfg.Retrieval.FileSearchType != "Hybrid" || cfg.Retrieval.ChatSearchType != "Keyword" {
		t.Errorf("search types = %s, %s", cfg.Retrieval.FileSearchType, cfg.Retrieval.ChatSearchType)
	}
	if cfg.Ingestion.ChunkSize != 512 || cfg.Ingestion.ChunkOverlap != 64 {
		t.Errorf("chunking = %d/%d", cfg.Ingestion.ChunkSize, cfg.Ingestion.ChunkOverlap)
	}
	if cfg.Engine.Timeout != 30*time.Second {
		t.Errorf("engine timeout = %v", cfg.Engine.Timeout)
	}
	if !cfg.Retrieval.RerankingEnabled {
		t.Error("reranking should default on")
	}
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := loadWith(lookupFrom(map[string]string{
		"ASSISTANT_PORT":              "9100",
		"ASSISTANT_FILE_SEARCH_TYPE":  "Vector",
		"ASSISTANT_CHUNK_SIZE":        "256",
		"ASSISTANT_CHUNK_OVERLAP":     "32",
		"ASSISTANT_RERANKING_ENABLED": "false",
		"ASSISTANT_API_TOKEN":         "secret",
	}))
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}

	if cfg.Server.Port != 9100 {
		t.Errorf("Port = %d", cfg.Server.Port)
	}
	if cfg.Retrieval.FileSearchType != "Vector" {
		t.Errorf("FileSearchType = %s", cfg.Retrieval.FileSearchType)
	}
	if cfg.Ingestion.ChunkSize != 256 || cfg.Ingestion.ChunkOverlap != 32 {
		t.Errorf("chunking = %d/%d", cfg.Ingestion.ChunkSize, cfg.Ingestion.ChunkOverlap)
	}
	if cfg.Retrieval.RerankingEnabled {
		t.Error("reranking should be off")
	}
	if cfg.Server.APIToken != "secret" {
		t.Errorf("APIToken = %q", cfg.Server.APIToken)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad port", map[string]string{"ASSISTANT_PORT": "not-a-number"}},
		{"bad search type", map[string]string{"ASSISTANT_FILE_SEARCH_TYPE": "Semantic"}},
		{"bad bool", map[string]string{"ASSISTANT_RERANKING_ENABLED": "sometimes"}},
		{"overlap >= chunk size", map[string]string{"ASSISTANT_CHUNK_SIZE": "64", "ASSISTANT_CHUNK_OVERLAP": "64"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := loadWith(lookupFrom(tt.env)); err == nil {
				t.Error("want error")
			}
		})
	}
}
