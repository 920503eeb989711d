package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/lromeo-lab/assistant-toolkit-api/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show assistant system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client := &http.Client{Timeout: 2 * time.Second}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	engResp, err := client.Get(cfg.Engine.BaseURL + "/api/version")
	if err != nil {
		printStatus("Engine", "not running")
	} else {
		engResp.Body.Close()
		printStatus("Engine", "running at %s", cfg.Engine.BaseURL)
	}

	printStatus("Chat model", "%s", cfg.Engine.ChatModel)
	printStatus("Embed model", "%s", cfg.Engine.EmbedModel)
	printStatus("File search", "%s (top_k %d)", cfg.Retrieval.FileSearchType, cfg.Retrieval.FileTopK)
	printStatus("Chat search", "%s (top_k %d)", cfg.Retrieval.ChatSearchType, cfg.Retrieval.ChatTopK)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
