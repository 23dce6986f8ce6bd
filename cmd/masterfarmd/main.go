// Copyright 2026 The Masterfarm Authors
// SPDX-License-Identifier: Apache-2.0

// masterfarmd keeps Steam accounts logged in and farming. Owners drive
// it through a Telegram bot; operators through the control socket.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/masterfarm/masterfarm/lib/accountstore"
	"github.com/masterfarm/masterfarm/lib/challenge"
	"github.com/masterfarm/masterfarm/lib/clock"
	"github.com/masterfarm/masterfarm/lib/config"
	"github.com/masterfarm/masterfarm/lib/control"
	"github.com/masterfarm/masterfarm/lib/process"
	"github.com/masterfarm/masterfarm/lib/secret"
	"github.com/masterfarm/masterfarm/lib/session"
	"github.com/masterfarm/masterfarm/lib/steam"
	"github.com/masterfarm/masterfarm/lib/steam/steamsim"
	"github.com/masterfarm/masterfarm/lib/telegram"
	"github.com/masterfarm/masterfarm/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var configPath string
	var showVersion bool
	flag.StringVar(&configPath, "config", "", "path to the config file (overrides MASTERFARM_CONFIG)")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		version.Print("masterfarmd")
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	logger := newLogger(cfg.Logging)
	clk := clock.Real()

	// The bot token never touches regular heap memory.
	token, err := loadToken(cfg.Telegram)
	if err != nil {
		return err
	}
	defer token.Close()

	store, err := accountstore.Open(accountstore.Config{
		Path:     cfg.Database.Path,
		PoolSize: cfg.Database.PoolSize,
		Clock:    clk,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	client, err := telegram.NewClient(telegram.ClientConfig{
		APIBase:  cfg.Telegram.APIBase,
		Token:    token.String(),
		SendRate: cfg.Telegram.SendRate,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	sink := telegram.NewSink(client)

	broker, err := challenge.New(challenge.Config{
		Sink:    sink,
		Clock:   clk,
		Timeout: cfg.ChallengeTimeout(),
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	connector, err := newConnector(ctx, cfg, clk, store, logger)
	if err != nil {
		return err
	}

	registry, err := session.NewRegistry(ctx, session.Config{
		Store:       store,
		Broker:      broker,
		Sink:        sink,
		Connector:   connector,
		Clock:       clk,
		MachineName: cfg.Steam.MachineName,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer registry.Close()

	bot, err := telegram.NewBot(telegram.BotConfig{
		API:         client,
		Store:       store,
		Registry:    registry,
		Broker:      broker,
		Clock:       clk,
		PollTimeout: cfg.PollTimeout(),
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	controlServer := control.NewServer(cfg.Control.SocketPath, store, registry, logger)
	controlDone := make(chan error, 1)
	go func() {
		controlDone <- controlServer.Serve(ctx)
	}()

	botDone := make(chan error, 1)
	go func() {
		botDone <- bot.Run(ctx)
	}()

	// Bring every stored account back online.
	registry.StartAll(ctx)

	logger.Info("masterfarmd running",
		"version", version.Version,
		"database", cfg.Database.Path,
		"control_socket", cfg.Control.SocketPath,
		"simulator", cfg.Steam.Simulator,
	)

	<-ctx.Done()
	logger.Info("shutting down")

	if err := <-controlDone; err != nil {
		logger.Error("control server error", "error", err)
	}
	if err := <-botDone; err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("bot error", "error", err)
	}

	return nil
}

// loadToken reads the bot token into a protected buffer, preferring
// the file over the environment variable.
func loadToken(cfg config.TelegramConfig) (*secret.Buffer, error) {
	if cfg.TokenFile != "" {
		return secret.ReadFile(cfg.TokenFile)
	}
	return secret.FromEnv(cfg.TokenEnv)
}

// newConnector picks the session transport. Only the simulator is
// available in this build; it is seeded with the stored accounts so
// existing password logons succeed out of the box.
func newConnector(ctx context.Context, cfg *config.Config, clk clock.Clock, store *accountstore.Store, logger *slog.Logger) (steam.Connector, error) {
	if !cfg.Steam.Simulator {
		return nil, fmt.Errorf("masterfarmd: no production connector in this build; set steam.simulator: true")
	}

	sim := steamsim.New(clk, steamsim.DefaultTokenTTL)
	accounts, err := store.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("masterfarmd: seeding simulator: %w", err)
	}
	for _, acct := range accounts {
		simAccount := steamsim.Account{
			Login:        acct.Login,
			Password:     acct.Password,
			SharedSecret: acct.SharedSecret,
		}
		if acct.SharedSecret != "" {
			simAccount.Guard = steamsim.GuardDevice
		}
		sim.AddAccount(simAccount)
	}
	logger.Warn("running against the in-process simulator", "seeded_accounts", len(accounts))
	return sim, nil
}

// newLogger builds the process logger from the logging section.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	options := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, options)
	} else {
		handler = slog.NewTextHandler(os.Stderr, options)
	}
	return slog.New(handler)
}
