package devserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"ChatSync/internal/protocol"
	"ChatSync/internal/session"

	"github.com/gofiber/websocket/v2"
)

// fallbackReply is streamed when the responder fails before producing anything
const fallbackReply = "Sorry, I could not generate a reply."

// frameWriter is the write side of a WebSocket connection
type frameWriter interface {
	WriteMessage(messageType int, data []byte) error
}

// conversation serves the frames of one WebSocket client
type conversation struct {
	clientID  string
	out       frameWriter
	store     *Store
	responder Responder
	logger    *slog.Logger
	timeout   time.Duration

	mu sync.Mutex
}

func (c *conversation) write(frame protocol.Frame) error {
	data, err := protocol.Encode(frame)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.out.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", frame.Type, err)
	}
	return nil
}

// handle processes one inbound frame. Only write failures are returned; bad input is
// logged and skipped.
func (c *conversation) handle(ctx context.Context, data []byte) error {
	frameType, chat, err := protocol.DecodeClientChat(data)
	if err != nil {
		c.logger.Warn("skipping malformed frame", "client_id", c.clientID, "error", err)
		return nil
	}

	switch frameType {
	case protocol.TypePing:
		return c.write(protocol.NewPong())
	case protocol.TypeChatMessage:
		return c.reply(ctx, chat)
	default:
		c.logger.Debug("ignoring frame", "client_id", c.clientID, "type", frameType)
		return nil
	}
}

func (c *conversation) reply(ctx context.Context, chat *protocol.ChatContent) error {
	chatID, err := strconv.ParseInt(strings.TrimSpace(chat.ChatID), 10, 64)
	if err != nil {
		c.logger.Warn("skipping chat message with invalid chat id", "client_id", c.clientID, "chat_id", chat.ChatID)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ts := chat.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	userMsg := session.Message{Role: session.RoleUser, Content: chat.Content, Timestamp: ts}
	if err := c.store.AddMessage(ctx, chatID, userMsg); err != nil {
		if errors.Is(err, ErrChatNotFound) {
			c.logger.Warn("skipping chat message for unknown chat", "client_id", c.clientID, "chat_id", chatID)
			return nil
		}
		c.logger.Error("failed to persist user message", "chat_id", chatID, "error", err)
	}

	history, err := c.store.Messages(ctx, chatID)
	if err != nil {
		c.logger.Error("failed to load history, replying to the last message only", "chat_id", chatID, "error", err)
		history = []session.Message{userMsg}
	}

	start := time.Now()
	if err := c.write(protocol.NewTyping()); err != nil {
		return err
	}

	var reply strings.Builder
	var writeErr error
	emit := func(chunk string) error {
		frame, err := protocol.NewChunk(chunk, time.Now())
		if err != nil {
			return err
		}
		if err := c.write(frame); err != nil {
			writeErr = err
			return err
		}
		reply.WriteString(chunk)
		return nil
	}

	if err := c.responder.Reply(ctx, history, emit); err != nil {
		if writeErr != nil {
			return writeErr
		}
		c.logger.Error("responder failed", "chat_id", chatID, "error", err)
		if reply.Len() == 0 {
			if err := emit(fallbackReply); err != nil {
				return err
			}
		}
	}

	elapsed := time.Since(start)
	if err := c.write(protocol.NewComplete(elapsed)); err != nil {
		return err
	}
	c.logger.Info("reply streamed", "chat_id", chatID, "chars", reply.Len(), "processing_time_ms", elapsed.Milliseconds())

	assistantMsg := session.Message{Role: session.RoleAssistant, Content: reply.String(), Timestamp: time.Now()}
	if err := c.store.AddMessage(context.Background(), chatID, assistantMsg); err != nil {
		c.logger.Error("failed to persist assistant message", "chat_id", chatID, "error", err)
	}
	return nil
}
