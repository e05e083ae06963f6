package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ChatSync/internal/session"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrSessionCreationFailed = errors.New("session creation failed")
	ErrHistoryLoadFailed     = errors.New("history load failed")
)

// CreateRequest is the body of POST /api/v1/chat
type CreateRequest struct {
	Title string `json:"title"`
}

// CreateResponse is the reply to POST /api/v1/chat. ID may be a JSON number or string.
type CreateResponse struct {
	ID json.RawMessage `json:"id"`
}

// HistoryResponse is the reply to GET /api/v1/chat/{id}
type HistoryResponse struct {
	Messages []session.Message `json:"messages"`
}

// HTTPClient talks to the REST side of the chat backend
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	tracer     trace.Tracer
	latency    metric.Float64Histogram
}

// NewHTTPClient creates a client for the backend at baseURL
func NewHTTPClient(baseURL string, timeout time.Duration, logger *slog.Logger) (*HTTPClient, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse server URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server URL must be http or https, got %q", baseURL)
	}

	latency, err := otel.Meter("chatsync/backend").Float64Histogram(
		"http.client.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
	)
	if err != nil {
		logger.Warn("failed to create histogram", "error", err)
	}

	client := &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
		tracer:     otel.Tracer("chatsync/backend"),
		latency:    latency,
	}

	logger.Info("created backend HTTP client", "url", client.baseURL)
	return client, nil
}

// CreateSession creates a chat session titled title and returns its id
func (c *HTTPClient) CreateSession(ctx context.Context, title string) (string, error) {
	ctx, span := c.tracer.Start(ctx, "create_session")
	defer span.End()

	var resp CreateResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/chat", CreateRequest{Title: title}, &resp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("%w: %w", ErrSessionCreationFailed, err)
	}

	id := normalizeID(resp.ID)
	if id == "" {
		err := fmt.Errorf("%w: response has no id", ErrSessionCreationFailed)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	span.SetAttributes(attribute.String("session.id", id))
	return id, nil
}

// History returns the messages of session id. A missing messages field is an
// empty history.
func (c *HTTPClient) History(ctx context.Context, id string) ([]session.Message, error) {
	ctx, span := c.tracer.Start(ctx, "load_history", trace.WithAttributes(attribute.String("session.id", id)))
	defer span.End()

	var resp HistoryResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/chat/"+url.PathEscape(id), nil, &resp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: %w", ErrHistoryLoadFailed, err)
	}

	if resp.Messages == nil {
		return []session.Message{}, nil
	}
	return resp.Messages, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, result interface{}) error {
	start := time.Now()
	defer func() {
		if c.latency != nil {
			c.latency.Record(ctx, float64(time.Since(start).Milliseconds()),
				metric.WithAttributes(attribute.String("http.method", method)))
		}
	}()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("backend request failed", "method", method, "path", path, "status", resp.StatusCode)
		return fmt.Errorf("HTTP error %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if err := json.Unmarshal(data, result); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

// normalizeID accepts 7, "7" and " 7 " alike
func normalizeID(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return ""
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return strings.TrimSpace(str)
	}
	var num json.Number
	if err := json.Unmarshal(raw, &num); err == nil {
		return num.String()
	}
	return ""
}
