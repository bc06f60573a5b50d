// Copytrader - copy-trade execution engine for prediction markets
//
// Mirrors trades made by configured target wallets at a reduced size with
// risk controls:
// 1. Watch target wallets through the on-chain activity stream
// 2. Gate each detected trade on size, value and balance
// 3. Drive a three-phase order protocol (primary/secondary/final) with
//    per-phase timeouts, fill-ward price increments and size reductions
// 4. Ledger every transition for recovery and leaderboard stats
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mirrorhq/copytrader/agent"
	"github.com/mirrorhq/copytrader/bot"
	"github.com/mirrorhq/copytrader/core"
	"github.com/mirrorhq/copytrader/execution"
	"github.com/mirrorhq/copytrader/feeds"
	"github.com/mirrorhq/copytrader/gateway"
	"github.com/mirrorhq/copytrader/internal/config"
	"github.com/mirrorhq/copytrader/ledger"
	"github.com/mirrorhq/copytrader/risk"
)

const version = "1.0.0"

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("No .env file found, using environment")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Config load failed")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().Str("version", version).Bool("dry_run", cfg.DryRun).Msg("🤖 Copytrader starting")

	// Ledger
	store, err := ledger.New(cfg.LedgerDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("Ledger open failed")
	}
	defer store.Close()
	writer := ledger.NewRetryWriter(store)

	// Order gateway
	gw, err := gateway.NewClient(gateway.ClientConfig{
		BaseURL:       cfg.GatewayURL,
		APIKey:        cfg.GatewayAPIKey,
		APISecret:     cfg.GatewaySecret,
		Passphrase:    cfg.GatewayPass,
		PrivateKeyHex: cfg.WalletPrivateKey,
		DryRun:        cfg.DryRun,
		StatusRPS:     cfg.StatusRPS,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Gateway init failed")
	}

	// Agents
	agents, err := agent.NewStore(cfg.AgentsPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Agent store load failed")
	}
	agents.StartRefresh(cfg.AgentRefreshInterval)
	defer agents.Stop()

	// Pipeline
	feed := feeds.NewActivityFeed(cfg.ActivityWSURL, agents.Wallets())
	monitor := feeds.NewMonitor(agents)
	gate := risk.NewGate(gw, cfg.ValueThreshold)
	pool := execution.NewPool(256)

	schedCfg := execution.DefaultConfig()
	schedCfg.SizeReductionFactor = cfg.SizeReductionFactor
	schedCfg.PollInterval = cfg.PollInterval
	schedCfg.CancelGrace = cfg.CancelGrace

	engine := core.NewEngine(agents, feed, monitor, gate, pool, gw, writer, store, schedCfg, cfg.AgentRefreshInterval)

	// Optional Telegram notifications
	if cfg.TelegramToken != "" && cfg.TelegramChatID != 0 {
		tg, err := bot.NewTelegramBot(cfg.TelegramToken, cfg.TelegramChatID, store, agentIDs{agents})
		if err != nil {
			log.Warn().Err(err).Msg("⚠️ Telegram disabled")
		} else {
			tg.Start()
			defer tg.Stop()
			engine.SetNotifier(tg)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := engine.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Engine start failed")
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	log.Info().Str("signal", sig.String()).Msg("Shutting down...")
	engine.Stop()
}

// agentIDs adapts the agent store to the bot's lister interface
type agentIDs struct {
	store *agent.Store
}

func (a agentIDs) AgentIDs() []string {
	all := a.store.All()
	ids := make([]string, 0, len(all))
	for _, cfg := range all {
		ids = append(ids, cfg.ID)
	}
	return ids
}
