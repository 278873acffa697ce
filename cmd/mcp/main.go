// healthscore-mcp serves the health score API to LLM agents as MCP tools
// over stdio. Stdout carries the protocol, so logs go to stderr.
package main

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/healthscore/internal/logging"
	"github.com/mbd888/healthscore/internal/mcpserver"
)

func main() {
	_ = godotenv.Load()

	logger := logging.NewWithWriter(os.Stderr, os.Getenv("LOG_LEVEL"), "json").With("component", "mcp")

	timeout, err := time.ParseDuration(getenv("HEALTHSCORE_API_TIMEOUT", "30s"))
	if err != nil {
		logger.Error("invalid HEALTHSCORE_API_TIMEOUT", "error", err)
		os.Exit(1)
	}

	cfg := mcpserver.Config{
		APIURL:  getenv("HEALTHSCORE_API_URL", "http://localhost:8080"),
		APIKey:  os.Getenv("HEALTHSCORE_API_KEY"),
		Timeout: timeout,
	}
	logger.Info("serving MCP over stdio", "api_url", cfg.APIURL)

	if err := server.ServeStdio(mcpserver.NewMCPServer(cfg)); err != nil {
		logger.Error("mcp server stopped", "error", err)
		os.Exit(1)
	}
}

func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
