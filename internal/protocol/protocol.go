package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Frame types of the chat WebSocket protocol

// FrameType discriminates transport frames
type FrameType string

const (
	TypeChatMessage FrameType = "chat_message"
	TypeTyping      FrameType = "typing"
	TypePing        FrameType = "ping"
	TypePong        FrameType = "pong"
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownFrame   = errors.New("unknown frame type")
)

// Frame is the envelope of every message on the wire
type Frame struct {
	Type     FrameType       `json:"type"`
	Content  json.RawMessage `json:"content,omitempty"`
	Metadata *Metadata       `json:"metadata,omitempty"`
}

// Metadata accompanies the completion frame of a reply
type Metadata struct {
	Complete       bool    `json:"complete"`
	ProcessingTime float64 `json:"processingTime,omitempty"` // milliseconds
}

// ChunkContent is the content of an inbound chat_message chunk
type ChunkContent struct {
	Content   string `json:"content"`
	Timestamp string `json:"timestamp,omitempty"`
}

// ChatContent is the content of an outbound chat_message
type ChatContent struct {
	ChatID    string    `json:"chatId"`
	Content   string    `json:"content"`
	Role      string    `json:"role"`
	Timestamp time.Time `json:"timestamp"`
}

// Event is a decoded inbound frame. The concrete types are ChatChunk,
// ChatComplete, TypingStarted and Heartbeat.
type Event interface {
	event()
}

// ChatChunk is an incremental fragment of an assistant reply
type ChatChunk struct {
	Content   string
	Timestamp time.Time
}

// ChatComplete marks the end of an assistant reply
type ChatComplete struct {
	ProcessingTime time.Duration
}

// TypingStarted announces that a reply is about to stream
type TypingStarted struct{}

// Heartbeat is the pong answering a ping
type Heartbeat struct{}

func (ChatChunk) event()     {}
func (ChatComplete) event()  {}
func (TypingStarted) event() {}
func (Heartbeat) event()     {}

// Decode parses a transport frame into an Event
func Decode(data []byte) (Event, error) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch frame.Type {
	case TypeChatMessage:
		return decodeChatMessage(frame)
	case TypeTyping:
		return TypingStarted{}, nil
	case TypePong:
		return Heartbeat{}, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, frame.Type)
	}
}

func decodeChatMessage(frame Frame) (Event, error) {
	if hasContent(frame.Content) {
		var chunk ChunkContent
		if err := json.Unmarshal(frame.Content, &chunk); err != nil {
			return nil, fmt.Errorf("%w: chat content: %v", ErrMalformedFrame, err)
		}
		return ChatChunk{
			Content:   chunk.Content,
			Timestamp: parseTimestamp(chunk.Timestamp),
		}, nil
	}

	if frame.Metadata != nil && frame.Metadata.Complete {
		return ChatComplete{
			ProcessingTime: time.Duration(frame.Metadata.ProcessingTime * float64(time.Millisecond)),
		}, nil
	}

	return nil, fmt.Errorf("%w: chat_message without content or completion", ErrMalformedFrame)
}

func hasContent(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return trimmed != "" && trimmed != "null"
}

// parseTimestamp returns the zero time for missing or unparsable values
func parseTimestamp(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return ts
}

// NewPing builds the heartbeat frame
func NewPing() Frame {
	return Frame{Type: TypePing}
}

// NewChatMessage builds an outbound user message frame
func NewChatMessage(chatID, content string, timestamp time.Time) (Frame, error) {
	body, err := json.Marshal(ChatContent{
		ChatID:    chatID,
		Content:   content,
		Role:      "user",
		Timestamp: timestamp,
	})
	if err != nil {
		return Frame{}, fmt.Errorf("failed to marshal chat content: %w", err)
	}
	return Frame{Type: TypeChatMessage, Content: body}, nil
}

// Encode serializes a frame for the wire
func Encode(frame Frame) ([]byte, error) {
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal frame: %w", err)
	}
	return data, nil
}

// Server side frames, used by the development backend

// NewPong answers a ping
func NewPong() Frame {
	return Frame{Type: TypePong}
}

// NewTyping announces a reply
func NewTyping() Frame {
	return Frame{Type: TypeTyping}
}

// NewChunk builds a reply fragment frame
func NewChunk(content string, timestamp time.Time) (Frame, error) {
	body, err := json.Marshal(ChunkContent{
		Content:   content,
		Timestamp: timestamp.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return Frame{}, fmt.Errorf("failed to marshal chunk content: %w", err)
	}
	return Frame{Type: TypeChatMessage, Content: body}, nil
}

// NewComplete builds the frame closing a reply
func NewComplete(processing time.Duration) Frame {
	return Frame{
		Type:     TypeChatMessage,
		Metadata: &Metadata{Complete: true, ProcessingTime: float64(processing.Milliseconds())},
	}
}

// DecodeClientChat parses an outbound chat_message as the backend receives it
func DecodeClientChat(data []byte) (FrameType, *ChatContent, error) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if frame.Type != TypeChatMessage {
		return frame.Type, nil, nil
	}
	if !hasContent(frame.Content) {
		return frame.Type, nil, fmt.Errorf("%w: chat_message without content", ErrMalformedFrame)
	}
	var chat ChatContent
	if err := json.Unmarshal(frame.Content, &chat); err != nil {
		return frame.Type, nil, fmt.Errorf("%w: chat content: %v", ErrMalformedFrame, err)
	}
	return frame.Type, &chat, nil
}
