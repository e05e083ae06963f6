package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ChatSync/internal/config"
	"ChatSync/internal/devserver"
	"ChatSync/internal/telemetry"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the development chat backend",
		Long: `Run a local backend speaking the chat REST and WebSocket protocol.

Sessions and messages are kept in SQLite. Replies come from the echo responder
or from a local Ollama model.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.ValidateServer(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "Address to listen on")
	flags.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database file")
	flags.StringVar(&cfg.Responder, "responder", cfg.Responder, "Reply source (echo|ollama)")
	flags.StringVar(&cfg.OllamaURL, "ollama-url", cfg.OllamaURL, "Ollama base URL")
	flags.StringVar(&cfg.OllamaModel, "ollama-model", cfg.OllamaModel, "Ollama model")
	flags.DurationVar(&cfg.ReplyTimeout, "reply-timeout", cfg.ReplyTimeout, "Upper bound for producing one reply")
	return cmd
}

func newResponder(cfg *config.Config) devserver.Responder {
	if cfg.Responder == config.ResponderOllama {
		return devserver.NewOllamaResponder(cfg.OllamaURL, cfg.OllamaModel)
	}
	return devserver.EchoResponder{Delay: 50 * time.Millisecond}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger, logFile, err := telemetry.InitLogger(telemetryOptions(cfg, "chatsync-server"))
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logFile.Close()

	_, _, cleanup, err := telemetry.InitTelemetry(ctx, telemetryOptions(cfg, "chatsync-server"))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer cleanup()

	store, err := devserver.OpenStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	srv, err := devserver.New(devserver.Options{
		Store:        store,
		Responder:    newResponder(cfg),
		Logger:       logger.With("component", "devserver"),
		ReplyTimeout: cfg.ReplyTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	fmt.Printf("chatsync dev backend on %s (responder: %s, db: %s)\n", cfg.ListenAddr, cfg.Responder, cfg.DBPath)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Listen(cfg.ListenAddr)
	})
	g.Go(func() error {
		<-ctx.Done()
		return shutdown(srv, logger)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func shutdown(srv *devserver.Server, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	logger.Info("shutting down dev backend")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return nil
}
