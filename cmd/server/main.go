// luxescrow - multi-chain escrow for luxury goods
package main

import (
	"context"
	"os"

	"github.com/mbd888/luxescrow/internal/config"
	"github.com/mbd888/luxescrow/internal/logging"
	"github.com/mbd888/luxescrow/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Bootstrap logger until the configured level is known
	logger := logging.New("info", "text")

	logger.Info("starting luxescrow",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	chainsFile := cfg.ChainsFile
	if chainsFile == "" {
		chainsFile = "(embedded)"
	}
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"chains_file", chainsFile,
		"platform_wallets", len(cfg.PlatformWallets),
		"evm_rpc", cfg.EVMRPCURL != "",
		"ledger_rpc", cfg.LedgerRPCURL != "",
		"tie_break", cfg.TieBreakPolicy,
		"persistent", cfg.DatabaseURL != "",
	)

	// Create and run server
	srv, err := server.New(cfg, server.WithLogger(logger), server.WithVersion(Version))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
