package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/beeweed/vibecoder/internal/agent"
	"github.com/beeweed/vibecoder/internal/api"
	"github.com/beeweed/vibecoder/internal/chat"
	"github.com/beeweed/vibecoder/internal/config"
	"github.com/beeweed/vibecoder/internal/provider"
	"github.com/beeweed/vibecoder/internal/session"
	"github.com/beeweed/vibecoder/internal/storage"
	"github.com/beeweed/vibecoder/internal/store"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "start":
		if err := runStart(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "chat":
		if err := runChat(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "version":
		fmt.Printf("vibecoder %s\n", version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: vibecoder <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  start     Start the vibecoder service")
	fmt.Fprintln(os.Stderr, "  chat      Send a message to a session and watch the response in a TUI")
	fmt.Fprintln(os.Stderr, "  version   Print version")
}

func runStart(args []string) error {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	// Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Setup logger
	logLevel := slog.LevelInfo
	switch cfg.Service.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	logger.Info("starting vibecoder", "version", version, "config", *configPath)

	// Open SQLite
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	// Create stores
	runStore := store.NewRunStore(db)
	stepStore := store.NewStepStore(db)

	// Providers: eino chat models for the agent loop, raw streaming for chat.
	streamer := provider.NewStreamer(logger)
	factory := provider.NewFactory(cfg)

	chatService := chat.NewService(factory, streamer, cfg.Chat, runStore, logger)
	runner := agent.NewRunner(factory, cfg.Agent, runStore, stepStore, logger)

	// Recover interrupted runs
	if err := runner.RecoverRuns(ctx); err != nil {
		logger.Error("run recovery failed", "error", err)
	}

	srv := api.New(api.Config{
		Listen:                  cfg.API.Listen,
		Token:                   cfg.API.Token,
		StreamHeartbeatInterval: cfg.API.StreamHeartbeatInterval,
		SessionLockTimeout:      cfg.API.SessionLockTimeout,
	}, api.Deps{
		Sessions:  session.NewRegistry(logger),
		Chat:      chatService,
		Agent:     runner,
		Runs:      runStore,
		Steps:     stepStore,
		Providers: api.CatalogFromConfig(cfg),
	}, logger)

	// Signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
		if err := <-errCh; err != nil && err != context.Canceled {
			return err
		}
		return nil
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			return err
		}
		return nil
	}
}
