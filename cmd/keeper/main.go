// Polymarket Keeper — an automated market-making keeper for a single
// Polymarket binary-outcome CLOB market.
//
// Architecture:
//
//	main.go                 — entry point: loads config, starts the keeper, waits for SIGINT/SIGTERM
//	keeper/keeper.go        — orchestrator: wires feed → strategy → exchange for one market
//	keeper/sync.go          — per-tick synchronization with the cancel/settle/place interlock
//	strategy/bands.go       — price bands: margins around a target price, per-band amount limits
//	market/shadowbook.go    — local top-of-book replica fed by WebSocket snapshots + deltas
//	market/listener.go      — market WebSocket with debounce, desync recovery, auto-reconnect
//	orderbook/manager.go    — async place/cancel over a worker pool + anti-entropy reconcile
//	exchange/client.go      — REST client for the Polymarket CLOB API
//	exchange/auth.go        — L1 (EIP-712), L2 (HMAC), and CTF order signing
//	sim/exchange.go         — in-memory exchange for paper trading
//
// How it quotes:
//
//	The keeper mirrors the market's top of book, derives a target price
//	(the mid), and keeps resting orders inside configured price bands on
//	both outcome tokens. When the price moves, orders that left their
//	band are cancelled first; once the cancels settle, the freed balance
//	is re-quoted at the new band prices.
package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"gopkg.in/natefinch/lumberjack.v2"

	"polymarket-keeper/internal/config"
	"polymarket-keeper/internal/keeper"
	"polymarket-keeper/internal/metrics"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("POLY_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)

	var recorder metrics.Recorder = metrics.Nop{}
	if cfg.Metrics.Enabled {
		recorder = metrics.NewProm(nil)
		metrics.Serve(cfg.Metrics.Port, logger)
		logger.Info("metrics endpoint started", "port", cfg.Metrics.Port)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	k, err := keeper.New(ctx, *cfg, recorder, logger)
	if err != nil {
		logger.Error("failed to build keeper", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}
	if cfg.Simulate {
		logger.Warn("SIMULATE MODE — trading against the in-memory exchange")
	}

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := k.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("keeper stopped", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	cancel()
	<-runDone
	k.Stop()

	logger.Info("shutdown complete")
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var out io.Writer = os.Stdout
	if cfg.File != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		})
	}

	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
