package chat

import (
	"fmt"
	"log/slog"
	"time"

	"ChatSync/internal/protocol"
	"ChatSync/internal/session"
)

// Phase is the progress of the assistant reply being received
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAwaitingFirstChunk
	PhaseStreaming
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAwaitingFirstChunk:
		return "awaiting_first_chunk"
	case PhaseStreaming:
		return "streaming"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// AssemblerHooks receive the side effects of applied events. Nil hooks are skipped.
type AssemblerHooks struct {
	Typing   func()
	Messages func()
	Complete func(protocol.ChatComplete)
}

// Assembler turns inbound protocol events into assistant messages in the store.
// It is not safe for concurrent use; the client loop owns it.
type Assembler struct {
	store  *session.Store
	logger *slog.Logger
	hooks  AssemblerHooks
	now    func() time.Time
	phase  Phase
}

// NewAssembler creates an idle assembler writing into store
func NewAssembler(store *session.Store, logger *slog.Logger, hooks AssemblerHooks) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{
		store:  store,
		logger: logger,
		hooks:  hooks,
		now:    time.Now,
		phase:  PhaseIdle,
	}
}

// Phase returns the current reply phase
func (a *Assembler) Phase() Phase {
	return a.phase
}

// Typing reports whether a reply was announced but has produced no content yet
func (a *Assembler) Typing() bool {
	return a.phase == PhaseAwaitingFirstChunk
}

// Apply folds one inbound event into the session
func (a *Assembler) Apply(ev protocol.Event) {
	switch e := ev.(type) {
	case protocol.TypingStarted:
		a.awaitReply()
	case protocol.ChatChunk:
		a.applyChunk(e)
	case protocol.ChatComplete:
		a.store.Freeze()
		a.phase = PhaseIdle
		a.logger.Debug("assistant reply complete", "processing_time_ms", e.ProcessingTime.Milliseconds())
		if a.hooks.Complete != nil {
			a.hooks.Complete(e)
		}
	case protocol.Heartbeat:
	default:
		a.logger.Debug("ignoring unsupported event", "event", fmt.Sprintf("%T", ev))
	}
}

// ExpectReply moves an idle assembler to awaiting the first chunk. It never
// interrupts a reply that is already streaming.
func (a *Assembler) ExpectReply() bool {
	if a.phase != PhaseIdle {
		return false
	}
	a.awaitReply()
	return true
}

// Reset returns to idle without touching the store
func (a *Assembler) Reset() {
	a.phase = PhaseIdle
}

func (a *Assembler) awaitReply() {
	if a.phase == PhaseStreaming {
		// a new reply starts; the previous one gets no more content
		a.store.Freeze()
	}
	a.phase = PhaseAwaitingFirstChunk
	if a.hooks.Typing != nil {
		a.hooks.Typing()
	}
}

func (a *Assembler) applyChunk(chunk protocol.ChatChunk) {
	if a.phase == PhaseAwaitingFirstChunk {
		ts := chunk.Timestamp
		if ts.IsZero() {
			ts = a.now()
		}
		a.store.BeginAssistant(chunk.Content, ts)
		a.phase = PhaseStreaming
		a.changed()
		return
	}

	if chunk.Content == "" {
		return
	}
	if !a.store.ExtendInProgress(chunk.Content) {
		a.logger.Debug("dropping chunk without an assistant message in progress", "phase", a.phase.String())
		return
	}
	a.changed()
}

func (a *Assembler) changed() {
	if a.hooks.Messages != nil {
		a.hooks.Messages()
	}
}
