package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"ChatSync/internal/backend"
	"ChatSync/internal/chat"
	"ChatSync/internal/config"
	"ChatSync/internal/connection"
	"ChatSync/internal/session"
	"ChatSync/internal/telemetry"
	"ChatSync/internal/transport"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

func newChatCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the backend in the terminal",
		Long: `Open a session and chat with the backend. Replies stream in as they arrive.

Commands inside the chat:
  /new         start a new session
  /open <id>   switch to an existing session
  /status      show connection and session state
  /quit        exit`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.ValidateClient(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runChat(ctx, cfg, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "Backend base URL (http or https)")
	flags.StringVar(&cfg.SessionID, "session", cfg.SessionID, `Session to open; "new" starts an empty one`)
	flags.DurationVar(&cfg.HeartbeatInterval, "heartbeat", cfg.HeartbeatInterval, "Ping interval while connected")
	flags.DurationVar(&cfg.PongTimeout, "pong-timeout", cfg.PongTimeout, "Reconnect when a ping gets no pong within this long (0 disables)")
	flags.DurationVar(&cfg.TypingDelay, "typing-delay", cfg.TypingDelay, "Delay before the local typing indicator")
	flags.DurationVar(&cfg.HTTPTimeout, "http-timeout", cfg.HTTPTimeout, "Timeout of session REST calls")
	flags.DurationVar(&cfg.ReconnectBase, "reconnect-base", cfg.ReconnectBase, "First reconnect delay")
	flags.Float64Var(&cfg.ReconnectFactor, "reconnect-factor", cfg.ReconnectFactor, "Growth factor between reconnect delays")
	flags.DurationVar(&cfg.ReconnectMax, "reconnect-max", cfg.ReconnectMax, "Upper bound of the reconnect delay")
	return cmd
}

// chatApp wires the connection manager, HTTP backend and chat client together
type chatApp struct {
	logger *slog.Logger
	mgr    *connection.Manager
	client *chat.Client
	out    *renderer
}

func newChatApp(cfg *config.Config, logger *slog.Logger, tracer trace.Tracer, meter metric.Meter, out io.Writer) (*chatApp, error) {
	clientID := transport.NewClientInstanceID()
	endpoint, err := transport.Endpoint(cfg.ServerURL, clientID)
	if err != nil {
		return nil, err
	}

	mgr, err := connection.NewManager(
		transport.NewWebSocketDialer(cfg.HTTPTimeout, logger),
		endpoint,
		connection.WithLogger(logger.With("component", "connection")),
		connection.WithBackoff(connection.Backoff{
			Base:   cfg.ReconnectBase,
			Factor: cfg.ReconnectFactor,
			Max:    cfg.ReconnectMax,
		}),
		connection.WithHeartbeatInterval(cfg.HeartbeatInterval),
		connection.WithPongTimeout(cfg.PongTimeout),
		connection.WithTracer(tracer),
		connection.WithMeter(meter),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}

	api, err := backend.NewHTTPClient(cfg.ServerURL, cfg.HTTPTimeout, logger.With("component", "backend"))
	if err != nil {
		return nil, err
	}

	r := newRenderer(out)
	client, err := chat.NewClient(mgr, api,
		chat.WithLogger(logger.With("component", "chat")),
		chat.WithTypingDelay(cfg.TypingDelay),
		chat.WithObserver(r.Observe),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat client: %w", err)
	}

	logger.Info("chat client configured", "client_id", clientID, "endpoint", endpoint)
	return &chatApp{logger: logger, mgr: mgr, client: client, out: r}, nil
}

func runChat(ctx context.Context, cfg *config.Config, in io.Reader, out io.Writer) error {
	logger, logFile, err := telemetry.InitLogger(telemetryOptions(cfg, "chatsync"))
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logFile.Close()

	tracer, meter, cleanup, err := telemetry.InitTelemetry(ctx, telemetryOptions(cfg, "chatsync"))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer cleanup()

	app, err := newChatApp(cfg, logger, tracer, meter, out)
	if err != nil {
		return err
	}
	defer app.mgr.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.client.Run(ctx)
	})
	g.Go(func() error {
		defer cancel()
		return app.repl(ctx, cfg.SessionID, in)
	})

	if err := app.mgr.Connect(ctx); err != nil {
		cancel()
		_ = g.Wait()
		return fmt.Errorf("failed to connect: %w", err)
	}

	err = g.Wait()
	app.out.Goodbye()
	return err
}

// repl reads user input until EOF, /quit or ctx ends
func (a *chatApp) repl(ctx context.Context, sessionID string, in io.Reader) error {
	a.out.Banner(a.mgr.Endpoint())
	if err := a.client.Open(ctx, sessionID); err != nil {
		return err
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := a.handleLine(ctx, strings.TrimSpace(line))
			if err != nil {
				a.out.Notice(err.Error())
				a.logger.Warn("input rejected", "error", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func (a *chatApp) handleLine(ctx context.Context, line string) (bool, error) {
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		return false, a.client.Submit(ctx, line)
	}

	parts := strings.Fields(line)
	switch parts[0] {
	case "/quit", "/exit":
		return true, nil
	case "/new":
		return false, a.client.Open(ctx, session.UnsetID)
	case "/open":
		if len(parts) != 2 {
			return false, fmt.Errorf("usage: /open <session-id>")
		}
		return false, a.client.Open(ctx, parts[1])
	case "/status":
		a.out.Status(a.mgr.State().String(), a.mgr.Attempts(), a.client.SessionID(), a.client.IsLoading())
		return false, nil
	default:
		return false, fmt.Errorf("unknown command %s", parts[0])
	}
}
