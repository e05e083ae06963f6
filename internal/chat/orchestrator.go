package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"ChatSync/internal/protocol"
	"ChatSync/internal/session"
)

// SendState tracks the message currently being sent
type SendState int

const (
	SendIdle SendState = iota
	// SendResolving means the backend session is being created
	SendResolving
	// SendAwaitingReply means the message was dispatched and the reply has not completed
	SendAwaitingReply
)

func (s SendState) String() string {
	switch s {
	case SendIdle:
		return "idle"
	case SendResolving:
		return "resolving"
	case SendAwaitingReply:
		return "awaiting_reply"
	default:
		return fmt.Sprintf("send_state(%d)", int(s))
	}
}

var (
	ErrEmptyMessage = errors.New("message is empty")
	ErrSendInFlight = errors.New("a message is already being sent")
)

const (
	// SendFailedMessage is shown as a system message when a send fails
	SendFailedMessage = "Failed to send message. Please try again."
	// DefaultTypingDelay is how long after a successful send the local typing signal starts
	DefaultTypingDelay = 300 * time.Millisecond

	titleLength = 30
)

// SessionCreator creates a backend session and returns its id
type SessionCreator interface {
	CreateSession(ctx context.Context, title string) (string, error)
}

// Sender writes outbound frames. *connection.Manager satisfies it.
type Sender interface {
	Send(ctx context.Context, frame protocol.Frame) error
}

// DeriveTitle returns the first 30 characters of text, with "..." appended when it
// was truncated
func DeriveTitle(text string) string {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) <= titleLength {
		return text
	}
	runes := []rune(text)
	return string(runes[:titleLength]) + "..."
}

// sessionResolved carries the outcome of a session creation back to the loop
type sessionResolved struct {
	seq  uint64
	id   string
	err  error
	text string
	ts   time.Time
}

// typingElapsed fires TypingDelay after a successful send
type typingElapsed struct {
	seq uint64
}

func (sessionResolved) loopEvent() {}
func (typingElapsed) loopEvent()   {}

// Orchestrator runs the create-session-then-send flow. Like the Assembler it is
// owned by the client loop; background work reports back through post.
type Orchestrator struct {
	store       *session.Store
	assembler   *Assembler
	creator     SessionCreator
	sender      Sender
	logger      *slog.Logger
	typingDelay time.Duration
	post        func(loopEvent)
	notify      func(UpdateKind)
	now         func() time.Time

	state SendState
	seq   uint64
}

func newOrchestrator(store *session.Store, assembler *Assembler, creator SessionCreator, sender Sender,
	logger *slog.Logger, typingDelay time.Duration, post func(loopEvent), notify func(UpdateKind)) *Orchestrator {
	if typingDelay < 0 {
		typingDelay = 0
	}
	return &Orchestrator{
		store:       store,
		assembler:   assembler,
		creator:     creator,
		sender:      sender,
		logger:      logger,
		typingDelay: typingDelay,
		post:        post,
		notify:      notify,
		now:         time.Now,
	}
}

// State returns the send state
func (o *Orchestrator) State() SendState {
	return o.state
}

// IsLoading reports whether a send is in flight
func (o *Orchestrator) IsLoading() bool {
	return o.state != SendIdle
}

// Submit validates text, echoes it into the session and starts sending it.
// Background work is bound to ctx.
func (o *Orchestrator) Submit(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	if o.state != SendIdle {
		return ErrSendInFlight
	}

	ts := o.now()
	o.store.Append(session.RoleUser, text, ts)
	o.notify(UpdateMessages)
	o.seq++

	if o.store.HasID() {
		o.dispatch(ctx, o.store.ID(), text, ts)
		return nil
	}

	o.state = SendResolving
	seq := o.seq
	title := DeriveTitle(text)
	o.logger.Info("creating session", "title", title)
	go func() {
		id, err := o.creator.CreateSession(ctx, title)
		o.post(sessionResolved{seq: seq, id: id, err: err, text: text, ts: ts})
	}()
	return nil
}

func (o *Orchestrator) handleResolved(ctx context.Context, ev sessionResolved) {
	if ev.seq != o.seq {
		o.logger.Debug("ignoring stale session creation result", "seq", ev.seq)
		return
	}
	if ev.err != nil {
		o.fail(fmt.Errorf("failed to create session: %w", ev.err))
		return
	}
	if err := o.store.AssignID(ev.id); err != nil {
		o.fail(fmt.Errorf("failed to assign session id %q: %w", ev.id, err))
		return
	}
	o.logger.Info("session created", "session_id", ev.id)
	o.notify(UpdateSession)
	o.dispatch(ctx, ev.id, ev.text, ev.ts)
}

func (o *Orchestrator) dispatch(ctx context.Context, chatID, text string, ts time.Time) {
	o.state = SendAwaitingReply

	frame, err := protocol.NewChatMessage(chatID, text, ts)
	if err != nil {
		o.fail(err)
		return
	}
	if err := o.sender.Send(ctx, frame); err != nil {
		o.fail(fmt.Errorf("failed to send message: %w", err))
		return
	}
	o.logger.Debug("message sent", "session_id", chatID)

	seq := o.seq
	time.AfterFunc(o.typingDelay, func() {
		o.post(typingElapsed{seq: seq})
	})
}

func (o *Orchestrator) handleTypingElapsed(ev typingElapsed) {
	if ev.seq != o.seq || o.state != SendAwaitingReply {
		return
	}
	o.assembler.ExpectReply()
}

// ReplyFinished ends the in-flight send once it was dispatched. A completion seen
// while the session is still being created leaves that send pending.
func (o *Orchestrator) ReplyFinished() {
	if o.state == SendResolving {
		o.logger.Debug("ignoring reply completion while the session is being created")
		return
	}
	o.state = SendIdle
	o.notify(UpdateIdle)
}

// Reset abandons any in-flight send. Results still arriving are ignored.
func (o *Orchestrator) Reset() {
	o.seq++
	o.state = SendIdle
}

func (o *Orchestrator) fail(err error) {
	o.logger.Error("send failed", "error", err)
	o.store.Append(session.RoleSystem, SendFailedMessage, o.now())
	o.state = SendIdle
	o.notify(UpdateMessages)
	o.notify(UpdateIdle)
}
