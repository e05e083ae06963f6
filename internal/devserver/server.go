package devserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"ChatSync/internal/session"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Options configures a Server
type Options struct {
	Store        *Store
	Responder    Responder
	Logger       *slog.Logger
	ReplyTimeout time.Duration
}

// Server is a chat backend speaking the same REST and WebSocket protocol as the
// production one, for local development and end-to-end tests
type Server struct {
	app          *fiber.App
	store        *Store
	responder    Responder
	logger       *slog.Logger
	tracer       trace.Tracer
	replyTimeout time.Duration
}

// New creates a server with its routes registered
func New(opts Options) (*Server, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if opts.Responder == nil {
		return nil, fmt.Errorf("responder cannot be nil")
	}
	if opts.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = 2 * time.Minute
	}

	s := &Server{
		store:        opts.Store,
		responder:    opts.Responder,
		logger:       opts.Logger,
		tracer:       otel.Tracer("chatsync/devserver"),
		replyTimeout: opts.ReplyTimeout,
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "chatsync-devserver",
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})
	s.app.Use(s.logRequests)
	s.registerRoutes()
	return s, nil
}

// App exposes the fiber application, mainly for app.Test
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) registerRoutes() {
	s.app.Get("/health", s.health)

	chat := s.app.Group("/api/v1/chat")
	chat.Post("/", s.createChat)
	chat.Get("/:id", s.getChat)

	s.app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	s.app.Get("/ws/:clientId", websocket.New(s.serveWS))
}

// Listen serves on addr until Shutdown
func (s *Server) Listen(addr string) error {
	s.logger.Info("dev backend listening", "addr", addr)
	return s.app.Listen(addr)
}

// Serve serves on an existing listener until Shutdown
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("dev backend listening", "addr", ln.Addr().String())
	return s.app.Listener(ln)
}

// Shutdown stops the server, waiting for open requests until ctx ends
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) logRequests(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	s.logger.Debug("request",
		"method", c.Method(),
		"path", c.Path(),
		"status", c.Response().StatusCode(),
		"duration_ms", time.Since(start).Milliseconds())
	return err
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	msg := "internal server error"

	var ferr *fiber.Error
	switch {
	case errors.As(err, &ferr):
		code = ferr.Code
		msg = ferr.Message
	case errors.Is(err, ErrChatNotFound):
		code = fiber.StatusNotFound
		msg = ErrChatNotFound.Error()
	default:
		s.logger.Error("request failed", "path", c.Path(), "error", err)
	}
	return c.Status(code).JSON(fiber.Map{"error": msg})
}

func (s *Server) health(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unhealthy", "error": err.Error()})
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *Server) createChat(c *fiber.Ctx) error {
	var req struct {
		Title string `json:"title"`
	}
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = "New Chat"
	}

	ctx, span := s.tracer.Start(context.Background(), "create_chat")
	defer span.End()

	chat, err := s.store.CreateChat(ctx, title)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.Int64("chat.id", chat.ID))
	s.logger.Info("created chat", "chat_id", chat.ID, "title", chat.Title)

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"id":        chat.ID,
		"title":     chat.Title,
		"createdAt": chat.CreatedAt,
	})
}

func (s *Server) getChat(c *fiber.Ctx) error {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || id <= 0 {
		return fiber.NewError(fiber.StatusBadRequest, "invalid chat id")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	chat, err := s.store.GetChat(ctx, id)
	if err != nil {
		return err
	}
	if chat.Messages == nil {
		chat.Messages = []session.Message{}
	}

	return c.JSON(fiber.Map{
		"id":        chat.ID,
		"title":     chat.Title,
		"createdAt": chat.CreatedAt,
		"messages":  chat.Messages,
	})
}

func (s *Server) serveWS(c *websocket.Conn) {
	clientID := c.Params("clientId")
	conv := &conversation{
		clientID:  clientID,
		out:       c,
		store:     s.store,
		responder: s.responder,
		logger:    s.logger,
		timeout:   s.replyTimeout,
	}
	s.logger.Info("websocket client connected", "client_id", clientID)

	for {
		messageType, data, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("websocket read failed", "client_id", clientID, "error", err)
			}
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if err := conv.handle(context.Background(), data); err != nil {
			s.logger.Warn("websocket write failed", "client_id", clientID, "error", err)
			break
		}
	}
	s.logger.Info("websocket client disconnected", "client_id", clientID)
}
