package devserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ChatSync/internal/session"
)

// Responder produces an assistant reply for a conversation, handing each fragment
// to emit as soon as it is available
type Responder interface {
	Reply(ctx context.Context, history []session.Message, emit func(chunk string) error) error
}

// EchoResponder streams the last user message back word by word
type EchoResponder struct {
	Delay time.Duration
}

// Reply implements Responder
func (r EchoResponder) Reply(ctx context.Context, history []session.Message, emit func(string) error) error {
	var last string
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == session.RoleUser {
			last = history[i].Content
			break
		}
	}

	words := strings.Fields(last)
	for i, word := range words {
		if i > 0 {
			word = " " + word
		}
		if r.Delay > 0 {
			select {
			case <-time.After(r.Delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := emit(word); err != nil {
			return err
		}
	}
	return nil
}

// OllamaRequest represents the request body for Ollama API
type OllamaRequest struct {
	Model    string              `json:"model"`
	Messages []map[string]string `json:"messages"`
	Stream   bool                `json:"stream"`
}

// OllamaResponse is one line of the Ollama /api/chat stream
type OllamaResponse struct {
	Model     string `json:"model"`
	CreatedAt string `json:"created_at"`
	Message   struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error,omitempty"`
}

// OllamaResponder streams replies from a local Ollama server
type OllamaResponder struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOllamaResponder creates a responder for model at baseURL
func NewOllamaResponder(baseURL, model string) *OllamaResponder {
	return &OllamaResponder{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: 0}, // streams can run long; ctx bounds them
	}
}

// Reply implements Responder
func (r *OllamaResponder) Reply(ctx context.Context, history []session.Message, emit func(string) error) error {
	reqMessages := make([]map[string]string, 0, len(history))
	for _, msg := range history {
		if msg.Role == session.RoleSystem {
			continue
		}
		reqMessages = append(reqMessages, map[string]string{
			"role":    string(msg.Role),
			"content": msg.Content,
		})
	}

	jsonData, err := json.Marshal(OllamaRequest{
		Model:    r.model,
		Messages: reqMessages,
		Stream:   true,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("content-type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error: %s - %s", resp.Status, strings.TrimSpace(string(body)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk OllamaResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return fmt.Errorf("failed to unmarshal stream line: %w", err)
		}
		if chunk.Error != "" {
			return fmt.Errorf("ollama error: %s", chunk.Error)
		}
		if chunk.Message.Content != "" {
			if err := emit(chunk.Message.Content); err != nil {
				return err
			}
		}
		if chunk.Done {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read stream: %w", err)
	}
	return nil
}
