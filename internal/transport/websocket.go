package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Conn is one live transport handle. *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens transport handles
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

// WebSocketDialer dials gorilla WebSocket connections
type WebSocketDialer struct {
	dialer *websocket.Dialer
	header http.Header
	logger *slog.Logger
}

// NewWebSocketDialer creates a dialer with the given handshake timeout
func NewWebSocketDialer(handshakeTimeout time.Duration, logger *slog.Logger) *WebSocketDialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketDialer{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
		header: http.Header{},
		logger: logger,
	}
}

// Dial connects to a WebSocket endpoint
func (d *WebSocketDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, endpoint, d.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to WebSocket (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect to WebSocket: %w", err)
	}

	d.logger.Debug("websocket handshake complete", "endpoint", endpoint)
	return conn, nil
}

// Endpoint derives the WebSocket address <ws|wss>://<host>/ws/<clientID> from the
// backend base URL
func Endpoint(baseURL, clientID string) (string, error) {
	if clientID == "" {
		return "", fmt.Errorf("client id cannot be empty")
	}

	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse server URL: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("server URL %q has no host", baseURL)
	}

	switch strings.ToLower(u.Scheme) {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws", "":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported server URL scheme %q", u.Scheme)
	}

	u.Path = "/ws/" + url.PathEscape(clientID)
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// NewClientInstanceID returns a time-ordered id for this process. It is not a
// stable user identity.
func NewClientInstanceID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Sprintf("user-%d", time.Now().UnixMilli())
	}
	return "user-" + id.String()
}
