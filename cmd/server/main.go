// Command server runs the tokenized bond market API.
package main

import (
	"context"
	"os"

	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/config"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/logging"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger = logging.New(cfg.LogLevel, cfg.LogFormat)

	logger.Info("starting bond market",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Env,
		"chain_id", cfg.ChainID,
		"real_chain", cfg.UsesRealChain(),
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
