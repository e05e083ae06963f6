package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"ChatSync/internal/connection"
	"ChatSync/internal/protocol"
	"ChatSync/internal/session"
)

// LoadErrorMessage is reported when the history of a session cannot be fetched
const LoadErrorMessage = "Failed to load chat history. Please try again."

// ErrNotRunning is returned when the client loop has stopped
var ErrNotRunning = errors.New("chat client is not running")

// HistoryState is the loading state of the open session's history
type HistoryState int

const (
	HistoryIdle HistoryState = iota
	HistoryLoading
	HistoryLoaded
	HistoryFailed
)

func (h HistoryState) String() string {
	switch h {
	case HistoryIdle:
		return "idle"
	case HistoryLoading:
		return "loading"
	case HistoryLoaded:
		return "loaded"
	case HistoryFailed:
		return "failed"
	default:
		return fmt.Sprintf("history(%d)", int(h))
	}
}

// UpdateKind names what changed
type UpdateKind int

const (
	UpdateMessages UpdateKind = iota
	UpdateTyping
	UpdateIdle
	UpdateHistory
	UpdateSession
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateMessages:
		return "messages"
	case UpdateTyping:
		return "typing"
	case UpdateIdle:
		return "idle"
	case UpdateHistory:
		return "history"
	case UpdateSession:
		return "session"
	default:
		return fmt.Sprintf("update(%d)", int(k))
	}
}

// Update is a change notification with the state right after the change
type Update struct {
	Kind      UpdateKind
	Session   session.Session
	Loading   bool
	Typing    bool
	Streaming bool // the last message is an assistant reply still receiving content
	History   HistoryState
	LoadError string
}

// Connection is the transport the client sends through and listens on.
// *connection.Manager satisfies it.
type Connection interface {
	Sender
	OnEvent(listener connection.Listener)
}

// HistoryLoader fetches the messages of an existing session
type HistoryLoader interface {
	History(ctx context.Context, id string) ([]session.Message, error)
}

// Backend is the HTTP side of the chat backend
type Backend interface {
	SessionCreator
	HistoryLoader
}

type loopEvent interface {
	loopEvent()
}

type inbound struct {
	ev protocol.Event
}

type submitRequest struct {
	text  string
	reply chan error
}

type openRequest struct {
	id    string
	reply chan error
}

type historyLoaded struct {
	gen      uint64
	id       string
	messages []session.Message
	err      error
}

func (inbound) loopEvent()       {}
func (submitRequest) loopEvent() {}
func (openRequest) loopEvent()   {}
func (historyLoaded) loopEvent() {}

// Option configures a Client
type Option func(*Client)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTypingDelay sets the delay between a successful send and the local typing signal
func WithTypingDelay(d time.Duration) Option {
	return func(c *Client) {
		c.typingDelay = d
	}
}

// WithObserver registers a change listener. Observers run on the client loop and
// must not block.
func WithObserver(fn func(Update)) Option {
	return func(c *Client) {
		if fn != nil {
			c.observers = append(c.observers, fn)
		}
	}
}

// WithQueueSize sets the capacity of the loop event queue
func WithQueueSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

type view struct {
	loading   bool
	typing    bool
	history   HistoryState
	loadError string
}

// Client serializes every chat state change on the goroutine running Run
type Client struct {
	conn        Connection
	backend     Backend
	logger      *slog.Logger
	typingDelay time.Duration
	observers   []func(Update)
	queueSize   int

	store     *session.Store
	assembler *Assembler
	orch      *Orchestrator

	events  chan loopEvent
	done    chan struct{}
	started sync.Once
	running atomic.Bool

	// loop-owned
	history    HistoryState
	loadError  string
	historyGen uint64

	viewMu sync.RWMutex
	view   view
}

// NewClient creates a client for a new, not yet created session
func NewClient(conn Connection, backend Backend, opts ...Option) (*Client, error) {
	if conn == nil {
		return nil, fmt.Errorf("connection cannot be nil")
	}
	if backend == nil {
		return nil, fmt.Errorf("backend cannot be nil")
	}

	c := &Client{
		conn:        conn,
		backend:     backend,
		logger:      slog.Default(),
		typingDelay: DefaultTypingDelay,
		queueSize:   256,
		store:       session.NewStore(),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.events = make(chan loopEvent, c.queueSize)

	c.assembler = NewAssembler(c.store, c.logger, AssemblerHooks{
		Typing:   func() { c.notify(UpdateTyping) },
		Messages: func() { c.notify(UpdateMessages) },
		Complete: func(protocol.ChatComplete) { c.orch.ReplyFinished() },
	})
	c.orch = newOrchestrator(c.store, c.assembler, backend, conn, c.logger, c.typingDelay, c.post, c.notify)

	conn.OnEvent(c.receive)
	return c, nil
}

// Run processes loop events until ctx ends. It may be called once, and should be
// started before the connection is opened.
func (c *Client) Run(ctx context.Context) error {
	ran := false
	c.started.Do(func() { ran = true })
	if !ran {
		return fmt.Errorf("chat client already running")
	}
	c.running.Store(true)
	defer close(c.done)

	c.logger.Info("chat client started", "session_id", c.store.ID())
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("chat client stopped")
			return nil
		case ev := <-c.events:
			c.handle(ctx, ev)
			c.publish()
		}
	}
}

// Submit sends text as a user message and returns once it was accepted or rejected.
// Acceptance means the message was echoed into the session. Delivery failures show
// up later as a system message.
func (c *Client) Submit(ctx context.Context, text string) error {
	req := submitRequest{text: text, reply: make(chan error, 1)}
	return c.request(ctx, req, req.reply)
}

// Open switches to session id. session.UnsetID opens an empty session without any
// network call; other ids load their history in the background.
func (c *Client) Open(ctx context.Context, id string) error {
	req := openRequest{id: id, reply: make(chan error, 1)}
	return c.request(ctx, req, req.reply)
}

func (c *Client) request(ctx context.Context, ev loopEvent, reply <-chan error) error {
	select {
	case c.events <- ev:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrNotRunning
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrNotRunning
	}
}

// Messages returns a copy of the session messages
func (c *Client) Messages() []session.Message {
	return c.store.Messages()
}

// SessionID returns the open session id, or session.UnsetID
func (c *Client) SessionID() string {
	return c.store.ID()
}

// IsLoading reports whether a send is in flight
func (c *Client) IsLoading() bool {
	c.viewMu.RLock()
	defer c.viewMu.RUnlock()
	return c.view.loading
}

// IsTyping reports whether a reply is expected and has not produced content yet
func (c *Client) IsTyping() bool {
	c.viewMu.RLock()
	defer c.viewMu.RUnlock()
	return c.view.typing
}

// History returns the history loading state
func (c *Client) History() HistoryState {
	c.viewMu.RLock()
	defer c.viewMu.RUnlock()
	return c.view.history
}

// LoadError returns the user-facing history error, empty unless History is HistoryFailed
func (c *Client) LoadError() string {
	c.viewMu.RLock()
	defer c.viewMu.RUnlock()
	return c.view.loadError
}

// receive queues an inbound event. Until Run starts it never blocks the
// connection: events that do not fit the queue are dropped.
func (c *Client) receive(ev protocol.Event) {
	if c.running.Load() {
		c.post(inbound{ev: ev})
		return
	}
	select {
	case c.events <- inbound{ev: ev}:
	default:
		c.logger.Warn("dropping inbound event, client loop not running", "event", fmt.Sprintf("%T", ev))
	}
}

func (c *Client) post(ev loopEvent) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Client) handle(ctx context.Context, ev loopEvent) {
	switch e := ev.(type) {
	case inbound:
		c.assembler.Apply(e.ev)
	case submitRequest:
		err := c.orch.Submit(ctx, e.text)
		c.publish()
		e.reply <- err
	case sessionResolved:
		c.orch.handleResolved(ctx, e)
	case typingElapsed:
		c.orch.handleTypingElapsed(e)
	case openRequest:
		err := c.open(ctx, e.id)
		c.publish()
		e.reply <- err
	case historyLoaded:
		c.applyHistory(e)
	default:
		c.logger.Warn("unknown loop event", "event", fmt.Sprintf("%T", ev))
	}
}

func (c *Client) open(ctx context.Context, id string) error {
	c.orch.Reset()
	c.assembler.Reset()
	c.historyGen++
	c.loadError = ""

	if id == "" || id == session.UnsetID {
		c.store.Reset(session.UnsetID, nil)
		c.history = HistoryIdle
		c.notify(UpdateSession)
		c.notify(UpdateHistory)
		return nil
	}

	c.store.Reset(id, nil)
	c.history = HistoryLoading
	c.notify(UpdateSession)
	c.notify(UpdateHistory)

	gen := c.historyGen
	go func() {
		msgs, err := c.backend.History(ctx, id)
		c.post(historyLoaded{gen: gen, id: id, messages: msgs, err: err})
	}()
	return nil
}

func (c *Client) applyHistory(ev historyLoaded) {
	if ev.gen != c.historyGen {
		c.logger.Debug("ignoring stale history", "session_id", ev.id)
		return
	}
	if ev.err != nil {
		c.logger.Error("failed to load chat history", "session_id", ev.id, "error", ev.err)
		c.history = HistoryFailed
		c.loadError = LoadErrorMessage
		c.notify(UpdateHistory)
		return
	}

	// messages sent while loading stay after the history
	c.store.Prepend(ev.messages)
	c.history = HistoryLoaded
	c.logger.Info("loaded chat history", "session_id", ev.id, "message_count", len(ev.messages))
	c.notify(UpdateMessages)
	c.notify(UpdateHistory)
}

func (c *Client) publish() {
	c.viewMu.Lock()
	c.view = view{
		loading:   c.orch.IsLoading(),
		typing:    c.assembler.Typing(),
		history:   c.history,
		loadError: c.loadError,
	}
	c.viewMu.Unlock()
}

func (c *Client) notify(kind UpdateKind) {
	if len(c.observers) == 0 {
		return
	}
	u := Update{
		Kind:      kind,
		Session:   c.store.Snapshot(),
		Loading:   c.orch.IsLoading(),
		Typing:    c.assembler.Typing(),
		Streaming: c.assembler.Phase() == PhaseStreaming && c.store.InProgress(),
		History:   c.history,
		LoadError: c.loadError,
	}
	for _, fn := range c.observers {
		fn(u)
	}
}
