package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ChatSync/internal/protocol"
	"ChatSync/internal/transport"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

// State is the lifecycle state of the transport connection
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Closing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrNotConnected is returned by Send outside the Connected state. Callers may retry.
	ErrNotConnected = errors.New("websocket not connected")
	// ErrTransportClosed wraps the cause of a dropped connection
	ErrTransportClosed = errors.New("transport closed")
	// ErrClosed is returned by Connect after Close
	ErrClosed = errors.New("connection manager closed")
)

// DefaultHeartbeatInterval is the ping period while connected
const DefaultHeartbeatInterval = 30 * time.Second

// Listener consumes decoded inbound events
type Listener func(protocol.Event)

// Option configures a Manager
type Option func(*Manager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithBackoff sets the reconnection delay policy
func WithBackoff(b Backoff) Option {
	return func(m *Manager) {
		m.backoff = b
	}
}

// WithHeartbeatInterval sets the ping period
func WithHeartbeatInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.heartbeatInterval = d
		}
	}
}

// WithPongTimeout forces a reconnect when a ping gets no pong within d. Zero disables it.
func WithPongTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.pongTimeout = d
	}
}

// WithTracer sets the tracer used for dial spans
func WithTracer(tracer trace.Tracer) Option {
	return func(m *Manager) {
		if tracer != nil {
			m.tracer = tracer
		}
	}
}

// WithMeter sets the meter used for connection counters
func WithMeter(meter metric.Meter) Option {
	return func(m *Manager) {
		if meter != nil {
			m.meter = meter
		}
	}
}

type instruments struct {
	dials      metric.Int64Counter
	reconnects metric.Int64Counter
	pings      metric.Int64Counter
	frames     metric.Int64Counter
	dropped    metric.Int64Counter
}

// Manager keeps one logical connection to the backend alive, reconnecting with
// capped exponential backoff for as long as it is not closed.
type Manager struct {
	dialer            transport.Dialer
	endpoint          string
	logger            *slog.Logger
	backoff           Backoff
	heartbeatInterval time.Duration
	pongTimeout       time.Duration
	tracer            trace.Tracer
	meter             metric.Meter
	counters          instruments

	mu        sync.Mutex
	state     State
	attempts  int
	gen       uint64
	conn      transport.Conn
	ctx       context.Context
	reconnect *time.Timer
	stopBeat  chan struct{}
	lastPong  time.Time
	closed    bool
	listeners []Listener

	// gorilla connections allow one concurrent writer
	writeMu sync.Mutex
}

// NewManager creates a disconnected manager for the given endpoint
func NewManager(dialer transport.Dialer, endpoint string, opts ...Option) (*Manager, error) {
	if dialer == nil {
		return nil, fmt.Errorf("dialer cannot be nil")
	}
	if endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	m := &Manager{
		dialer:            dialer,
		endpoint:          endpoint,
		logger:            slog.Default(),
		backoff:           DefaultBackoff,
		heartbeatInterval: DefaultHeartbeatInterval,
		tracer:            otel.Tracer("chatsync/connection"),
		meter:             otel.Meter("chatsync/connection"),
		state:             Disconnected,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.counters = newInstruments(m.meter, m.logger)
	return m, nil
}

func newInstruments(meter metric.Meter, logger *slog.Logger) instruments {
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Warn("failed to create counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}
	return instruments{
		dials:      counter("chatsync.ws.dials", "WebSocket dial attempts"),
		reconnects: counter("chatsync.ws.reconnects", "Reconnections scheduled after a drop"),
		pings:      counter("chatsync.ws.pings", "Heartbeat pings sent"),
		frames:     counter("chatsync.ws.frames", "Inbound frames received"),
		dropped:    counter("chatsync.ws.frames_dropped", "Inbound frames dropped as malformed"),
	}
}

// Endpoint returns the WebSocket address
func (m *Manager) Endpoint() string {
	return m.endpoint
}

// State returns the current connection state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the number of reconnections since the last successful open
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// OnEvent registers a consumer of inbound events. Events reach every listener in
// arrival order.
func (m *Manager) OnEvent(listener Listener) {
	if listener == nil {
		return
	}
	m.mu.Lock()
	m.listeners = append(m.listeners, listener)
	m.mu.Unlock()
}

// Connect opens the transport unless it is already open or opening. The context
// bounds the dial and every later reconnection.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	switch m.state {
	case Connecting, Connected:
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.ctx = ctx
	m.state = Connecting
	m.gen++
	go m.open(ctx, m.gen)
	return nil
}

func (m *Manager) open(ctx context.Context, gen uint64) {
	ctx, span := m.tracer.Start(ctx, "websocket_connect",
		trace.WithAttributes(attribute.String("endpoint", m.endpoint)))
	m.counters.dials.Add(ctx, 1)

	conn, err := m.dialer.Dial(ctx, m.endpoint)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		m.logger.Warn("websocket dial failed", "endpoint", m.endpoint, "error", err)
		m.handleClose(gen, err)
		return
	}
	span.End()

	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		_ = conn.Close()
		return
	}
	m.conn = conn
	m.state = Connected
	m.attempts = 0
	m.lastPong = time.Now()
	stop := make(chan struct{})
	m.stopBeat = stop
	m.mu.Unlock()

	m.logger.Info("websocket connected", "endpoint", m.endpoint)

	go m.heartbeat(ctx, conn, stop)
	m.readLoop(ctx, conn, gen)
}

func (m *Manager) readLoop(ctx context.Context, conn transport.Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleClose(gen, err)
			return
		}
		m.counters.frames.Add(ctx, 1)

		ev, err := protocol.Decode(data)
		if err != nil {
			m.counters.dropped.Add(ctx, 1)
			m.logger.Debug("dropping inbound frame", "error", err)
			continue
		}
		if _, ok := ev.(protocol.Heartbeat); ok {
			m.mu.Lock()
			m.lastPong = time.Now()
			m.mu.Unlock()
		}
		m.dispatch(ev)
	}
}

func (m *Manager) dispatch(ev protocol.Event) {
	m.mu.Lock()
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	for _, l := range listeners {
		l(ev)
	}
}

// handleClose tears down the handle of generation gen and schedules the next attempt
func (m *Manager) handleClose(gen uint64, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen {
		return
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	if m.stopBeat != nil {
		close(m.stopBeat)
		m.stopBeat = nil
	}
	m.state = Disconnected

	if m.closed {
		m.logger.Info("websocket closed", "endpoint", m.endpoint)
		return
	}
	ctx := m.ctx
	if ctx == nil || ctx.Err() != nil {
		m.logger.Info("websocket closed, context done", "endpoint", m.endpoint)
		return
	}

	delay := m.backoff.Delay(m.attempts)
	m.attempts++
	m.counters.reconnects.Add(ctx, 1)
	m.logger.Info("websocket closed, reconnecting",
		"error", fmt.Errorf("%w: %v", ErrTransportClosed, cause),
		"delay_ms", delay.Milliseconds(),
		"attempt", m.attempts)

	m.reconnect = time.AfterFunc(delay, func() {
		if err := m.Connect(ctx); err != nil && !errors.Is(err, ErrClosed) {
			m.logger.Debug("reconnect skipped", "error", err)
		}
	})
}

func (m *Manager) heartbeat(ctx context.Context, conn transport.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()

	// deadline is armed by the oldest ping still waiting for a pong
	var (
		deadline *time.Timer
		expired  <-chan time.Time
		pingedAt time.Time
	)
	defer func() {
		if deadline != nil {
			deadline.Stop()
		}
	}()

	for {
		select {
		case <-stop:
			return
		case <-expired:
			expired = nil
			if !m.pongSince(pingedAt) {
				m.logger.Warn("no pong within timeout, forcing reconnect", "timeout", m.pongTimeout)
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			sentAt := time.Now()
			if err := m.Send(ctx, protocol.NewPing()); err != nil {
				m.logger.Debug("failed to send ping", "error", err)
				continue
			}
			m.counters.pings.Add(ctx, 1)
			if m.pongTimeout > 0 && expired == nil {
				pingedAt = sentAt
				if deadline != nil {
					deadline.Stop()
				}
				deadline = time.NewTimer(m.pongTimeout)
				expired = deadline.C
			}
		}
	}
}

// pongSince reports whether a pong arrived at or after t
func (m *Manager) pongSince(t time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.lastPong.Before(t)
}

// Send writes a frame. It fails with ErrNotConnected unless the state is Connected.
// Frames are never queued.
func (m *Manager) Send(ctx context.Context, frame protocol.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	conn := m.conn
	connected := m.state == Connected && conn != nil
	m.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	data, err := protocol.Encode(frame)
	if err != nil {
		return err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", frame.Type, err)
	}
	return nil
}

// Close shuts the connection down for good
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
	conn := m.conn
	if conn != nil {
		m.state = Closing
	} else {
		m.state = Disconnected
	}
	m.mu.Unlock()

	if conn == nil {
		return nil
	}

	m.writeMu.Lock()
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	m.writeMu.Unlock()

	if err := conn.Close(); err != nil {
		return fmt.Errorf("failed to close websocket: %w", err)
	}
	return nil
}
