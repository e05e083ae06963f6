package devserver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ChatSync/internal/session"

	_ "github.com/mattn/go-sqlite3"
)

// ErrChatNotFound is returned for unknown chat ids
var ErrChatNotFound = errors.New("chat not found")

// Chat is a stored conversation
type Chat struct {
	ID        int64             `json:"id"`
	Title     string            `json:"title"`
	CreatedAt time.Time         `json:"createdAt"`
	Messages  []session.Message `json:"messages,omitempty"`
}

// Store persists chats and their messages in SQLite
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the database at path. ":memory:" keeps everything in
// one private in-memory database.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite serializes writers anyway; one connection also keeps :memory: shared
	db.SetMaxOpenConns(1)

	createChatsTable := `
	CREATE TABLE IF NOT EXISTS chats (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);`

	createMessagesTable := `
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		chat_id INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		FOREIGN KEY(chat_id) REFERENCES chats(id)
	);`

	if _, err := db.Exec(createChatsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create chats table: %w", err)
	}
	if _, err := db.Exec(createMessagesTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create messages table: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateChat inserts a chat titled title
func (s *Store) CreateChat(ctx context.Context, title string) (Chat, error) {
	chat := Chat{Title: title, CreatedAt: time.Now().UTC()}
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO chats (title, created_at) VALUES (?, ?)",
		chat.Title, chat.CreatedAt,
	)
	if err != nil {
		return Chat{}, fmt.Errorf("failed to create chat: %w", err)
	}
	chat.ID, err = res.LastInsertId()
	if err != nil {
		return Chat{}, fmt.Errorf("failed to read chat id: %w", err)
	}
	return chat, nil
}

// GetChat loads a chat with all its messages in order
func (s *Store) GetChat(ctx context.Context, id int64) (Chat, error) {
	chat := Chat{ID: id}
	err := s.db.QueryRowContext(ctx, "SELECT title, created_at FROM chats WHERE id = ?", id).
		Scan(&chat.Title, &chat.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Chat{}, ErrChatNotFound
	}
	if err != nil {
		return Chat{}, fmt.Errorf("failed to load chat: %w", err)
	}

	msgs, err := s.Messages(ctx, id)
	if err != nil {
		return Chat{}, err
	}
	chat.Messages = msgs
	return chat, nil
}

// Messages returns the messages of chat id ordered by insertion
func (s *Store) Messages(ctx context.Context, chatID int64) ([]session.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT role, content, timestamp FROM messages WHERE chat_id = ? ORDER BY id",
		chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	messages := []session.Message{}
	for rows.Next() {
		var msg session.Message
		if err := rows.Scan(&msg.Role, &msg.Content, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return messages, nil
}

// AddMessage appends msg to chat chatID
func (s *Store) AddMessage(ctx context.Context, chatID int64, msg session.Message) error {
	var exists int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM chats WHERE id = ?", chatID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrChatNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to look up chat: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO messages (chat_id, role, content, timestamp) VALUES (?, ?, ?, ?)",
		chatID, msg.Role, msg.Content, msg.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}
