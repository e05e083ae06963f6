package session

import (
	"errors"
	"sync"
	"time"
)

// Role identifies who authored a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// UnsetID marks a session that has not been created on the backend yet
const UnsetID = "new"

var (
	ErrIDAssigned = errors.New("session id already assigned")
	ErrEmptyID    = errors.New("session id is empty")
)

// Message represents a single chat message
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session represents a chat session
type Session struct {
	ID       string    `json:"id"`
	Messages []Message `json:"messages"`
}

// Store owns the message sequence and identifier of the active session.
//
// Writes are expected from a single goroutine (the chat event loop). The lock only
// makes snapshots safe for readers on other goroutines.
type Store struct {
	mu         sync.RWMutex
	id         string
	messages   []Message
	inProgress bool
}

// NewStore creates a store holding an empty, not yet created session
func NewStore() *Store {
	return &Store{id: UnsetID}
}

// Reset starts a new session lifetime with the given id and history
func (s *Store) Reset(id string, messages []Message) {
	if id == "" {
		id = UnsetID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = id
	s.messages = append([]Message(nil), messages...)
	s.inProgress = false
}

// Prepend puts history in front of the messages added since the last Reset.
// A message still in progress stays in progress.
func (s *Store) Prepend(history []Message) {
	if len(history) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	merged := make([]Message, 0, len(history)+len(s.messages))
	merged = append(merged, history...)
	s.messages = append(merged, s.messages...)
}

// ID returns the session id, or UnsetID
func (s *Store) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

// HasID reports whether the backend session exists
func (s *Store) HasID() bool {
	return s.ID() != UnsetID
}

// AssignID replaces the sentinel with a backend id. It succeeds once per lifetime.
func (s *Store) AssignID(id string) error {
	if id == "" || id == UnsetID {
		return ErrEmptyID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.id != UnsetID {
		return ErrIDAssigned
	}
	s.id = id
	return nil
}

// Append adds a complete message and returns it
func (s *Store) Append(role Role, content string, ts time.Time) Message {
	msg := Message{Role: role, Content: content, Timestamp: ts}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inProgress = false
	s.messages = append(s.messages, msg)
	return msg
}

// BeginAssistant appends an assistant message that keeps receiving content until Freeze
func (s *Store) BeginAssistant(content string, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, Message{Role: RoleAssistant, Content: content, Timestamp: ts})
	s.inProgress = true
}

// ExtendInProgress appends content to the in-progress assistant message.
// It returns false when no message is in progress.
func (s *Store) ExtendInProgress(content string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.inProgress || len(s.messages) == 0 {
		return false
	}
	last := &s.messages[len(s.messages)-1]
	if last.Role != RoleAssistant {
		return false
	}
	last.Content += content
	return true
}

// Freeze ends the in-progress assistant message, if any
func (s *Store) Freeze() {
	s.mu.Lock()
	s.inProgress = false
	s.mu.Unlock()
}

// InProgress reports whether the last message is still streaming
func (s *Store) InProgress() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inProgress
}

// Messages returns a copy of the message sequence
func (s *Store) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Len returns the number of messages
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Snapshot returns a copy of the whole session
func (s *Store) Snapshot() Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := make([]Message, len(s.messages))
	copy(msgs, s.messages)
	return Session{ID: s.id, Messages: msgs}
}
