// Kotae answers Matrix direct messages and small group chats with replies
// from a locally hosted chat model.
//
// Settings live in config.yaml (see `kotae config init`). A .env file in the
// working directory is loaded first when present. Environment variables
// override the file:
//
//	KOTAE_CONFIG             - path to config.yaml (default: ./config.yaml)
//	KOTAE_BOT_TOKEN          - Matrix access token
//	KOTAE_USER_ID            - bot's Matrix ID (e.g. "@kotae:example.org")
//	KOTAE_API_URL            - chat endpoint (default: http://localhost:11434/api/chat)
//	KOTAE_SELECTED_CHANNELS  - comma-separated room IDs to answer in
//	KOTAE_COOLDOWN_SECONDS   - global reply cooldown
//	LOG_LEVEL                - "debug", "info", "warn", "error" (default: "info")
//	LOG_FORMAT               - "text" or "json" (default: "text")
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/bdobrica/Kotae/internal/kotae/cli"
)

func main() {
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env file", "err", err)
	}

	if err := cli.NewRootCmd().ExecuteContext(context.Background()); err != nil {
		slog.Error("kotae failed", "err", err)
		os.Exit(1)
	}
}
