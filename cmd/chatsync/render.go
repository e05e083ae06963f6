package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"ChatSync/internal/chat"
	"ChatSync/internal/session"

	"github.com/charmbracelet/lipgloss"
)

var (
	bannerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62"))

	userStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39"))

	assistantStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("42"))

	systemStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243")).
			Italic(true)
)

// renderer prints chat updates to a terminal as an append-only transcript.
// A streaming assistant reply is printed piece by piece as it grows.
type renderer struct {
	mu        sync.Mutex
	out       io.Writer
	sessionID string
	printed   int  // messages fully written
	written   int  // content bytes written of the message at index printed
	open      bool // a reply line is still being written
	typing    bool
	loadError string
	history   chat.HistoryState
}

func newRenderer(out io.Writer) *renderer {
	return &renderer{out: out}
}

func (r *renderer) Banner(endpoint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.out, bannerStyle.Render("chatsync")+" "+dimStyle.Render(endpoint))
	fmt.Fprintln(r.out, dimStyle.Render("type a message, /new, /open <id>, /status or /quit"))
}

func (r *renderer) Notice(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakLine()
	fmt.Fprintln(r.out, systemStyle.Render(text))
}

func (r *renderer) Status(connState string, attempts int, sessionID string, loading bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakLine()
	line := fmt.Sprintf("connection: %s (attempts %d)  session: %s  sending: %t", connState, attempts, sessionID, loading)
	fmt.Fprintln(r.out, dimStyle.Render(line))
}

func (r *renderer) Goodbye() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakLine()
	fmt.Fprintln(r.out, dimStyle.Render("bye"))
}

// Observe is registered as the chat client observer
func (r *renderer) Observe(u chat.Update) {
	r.mu.Lock()
	defer r.mu.Unlock()

	msgs := u.Session.Messages
	if len(msgs) < r.printed || (len(msgs) == 0 && r.written > 0) {
		r.breakLine()
		r.printed, r.written = 0, 0
	}

	if u.Session.ID != r.sessionID {
		r.breakLine()
		switch {
		case u.Session.ID == session.UnsetID:
			fmt.Fprintln(r.out, bannerStyle.Render("new session"))
		case r.sessionID == session.UnsetID && len(msgs) > 0:
			fmt.Fprintln(r.out, dimStyle.Render("session "+u.Session.ID+" created"))
		default:
			fmt.Fprintln(r.out, bannerStyle.Render("session "+u.Session.ID))
		}
		r.sessionID = u.Session.ID
	}

	if u.LoadError != "" && u.LoadError != r.loadError {
		r.breakLine()
		fmt.Fprintln(r.out, systemStyle.Render(u.LoadError))
	}
	r.loadError = u.LoadError

	if u.History == chat.HistoryLoaded && r.history == chat.HistoryLoading && (r.printed > 0 || r.open) {
		// history lands in front of what was typed while it loaded
		r.breakLine()
		fmt.Fprintln(r.out, dimStyle.Render("history loaded"))
		r.printed, r.written = 0, 0
	}
	r.history = u.History

	if u.History == chat.HistoryLoading && len(msgs) == 0 && u.Kind == chat.UpdateHistory {
		fmt.Fprintln(r.out, dimStyle.Render("loading history..."))
	}

	for i := r.printed; i < len(msgs); i++ {
		m := msgs[i]
		if !r.open {
			fmt.Fprint(r.out, label(m.Role)+" ")
			r.open = true
		}
		if r.written < len(m.Content) {
			fmt.Fprint(r.out, m.Content[r.written:])
			r.written = len(m.Content)
		}
		if i == len(msgs)-1 && u.Streaming {
			break
		}
		fmt.Fprintln(r.out)
		r.printed++
		r.written = 0
		r.open = false
	}

	typing := u.Typing && !u.Streaming
	if typing && !r.typing {
		fmt.Fprintln(r.out, dimStyle.Render("(typing...)"))
	}
	r.typing = typing
}

// breakLine ends a half-written reply line. The rest of the reply continues
// on a new labelled line.
func (r *renderer) breakLine() {
	if r.open {
		fmt.Fprintln(r.out)
		r.open = false
	}
}

func label(role session.Role) string {
	switch role {
	case session.RoleUser:
		return userStyle.Render("you:")
	case session.RoleAssistant:
		return assistantStyle.Render("assistant:")
	default:
		return systemStyle.Render(strings.ToLower(string(role)) + ":")
	}
}
