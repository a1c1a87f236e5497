// Package channel manages role-scoped push connections and fans their frames out
// to registered listeners.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/ordersync/internal/domain/errs"
	"github.com/coachpo/ordersync/internal/infra/observability"
	"github.com/coachpo/ordersync/internal/infra/telemetry"
)

const (
	component = "channel"

	defaultReconnectDelay       = 3 * time.Second
	defaultMaxReconnectAttempts = 5
	defaultPingTimeout          = 5 * time.Second
)

// State is the lifecycle state of one role's connection.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateClosing      State = "closing"
	StateError        State = "error"
)

// EventName selects which lifecycle notifications a listener receives.
type EventName string

const (
	OnOpen    EventName = "open"
	OnMessage EventName = "message"
	OnClose   EventName = "close"
	OnError   EventName = "error"
)

// Event is delivered to listeners. Data is shared between listeners and must not be modified.
type Event struct {
	Name EventName
	Role string
	Data []byte
	Err  error
}

// Handler receives channel events.
type Handler func(Event)

// ListenerID identifies a registered handler.
type ListenerID string

// Status is a point-in-time view of one role's connection.
type Status struct {
	Role              string `json:"role"`
	State             State  `json:"state"`
	ReconnectAttempts int    `json:"reconnect_attempts"`
	Exhausted         bool   `json:"exhausted"`
	Leases            int    `json:"leases"`
	LastError         string `json:"last_error,omitempty"`
}

// Options tunes reconnect and keepalive behaviour.
type Options struct {
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	// PingInterval enables keepalive pings when positive.
	PingInterval time.Duration
	PingTimeout  time.Duration
	// Roles restricts the roles that may connect. Empty allows any role.
	Roles []string
}

func (o Options) normalize() Options {
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = defaultReconnectDelay
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = defaultPingTimeout
	}
	return o
}

type listener struct {
	id      ListenerID
	handler Handler
}

type handle struct {
	role      string
	state     State
	attempts  int
	exhausted bool
	leases    int
	lastErr   error

	// gen invalidates callbacks from superseded sessions and timers.
	gen    uint64
	conn   Conn
	cancel context.CancelFunc
	timer  *time.Timer
}

// Manager owns one connection handle per role. It knows nothing about the
// frames it moves.
type Manager struct {
	dialer  Dialer
	opts    Options
	delay   backoff.BackOff
	allowed map[string]struct{}
	metrics *channelMetrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	mu        sync.Mutex
	closed    bool
	handles   map[string]*handle
	listeners map[EventName][]listener
}

// NewManager constructs a manager dialing through dialer.
func NewManager(dialer Dialer, opts Options) *Manager {
	opts = opts.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		dialer:    dialer,
		opts:      opts,
		delay:     backoff.NewConstantBackOff(opts.ReconnectDelay),
		metrics:   newChannelMetrics(),
		ctx:       ctx,
		cancel:    cancel,
		handles:   make(map[string]*handle),
		listeners: make(map[EventName][]listener),
	}
	if len(opts.Roles) > 0 {
		m.allowed = make(map[string]struct{}, len(opts.Roles))
		for _, role := range opts.Roles {
			m.allowed[normalizeRole(role)] = struct{}{}
		}
	}
	return m
}

func normalizeRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}

func (m *Manager) validRole(role string) (string, error) {
	role = normalizeRole(role)
	if role == "" {
		return "", errs.New(component, errs.CodeInvalid, errs.WithMessage("role required"))
	}
	if m.allowed != nil {
		if _, ok := m.allowed[role]; !ok {
			return "", errs.New(component, errs.CodeInvalid, errs.WithMessage("role not configured"), errs.WithField("role", role))
		}
	}
	return role, nil
}

func (m *Manager) handleLocked(role string) *handle {
	h, ok := m.handles[role]
	if !ok {
		h = &handle{role: role, state: StateDisconnected}
		m.handles[role] = h
	}
	return h
}

// Connect opens the role's connection unless it is already open or connecting,
// and waits for the dial outcome. A failed dial is returned and also schedules
// a reconnect.
func (m *Manager) Connect(ctx context.Context, role string) error {
	role, err := m.validRole(role)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errs.New(component, errs.CodeUnavailable, errs.WithMessage("manager closed"))
	}
	h := m.handleLocked(role)
	if h.state == StateOpen || h.state == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	result := m.startLocked(h)
	m.mu.Unlock()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return fmt.Errorf("connect %s: %w", role, ctx.Err())
	}
}

func (m *Manager) startLocked(h *handle) <-chan error {
	h.gen++
	gen := h.gen
	ctx, cancel := context.WithCancel(m.ctx)
	h.cancel = cancel
	h.state = StateConnecting
	result := make(chan error, 1)
	m.wg.Go(func() {
		m.runSession(ctx, h, gen, result)
	})
	return result
}

func (m *Manager) runSession(ctx context.Context, h *handle, gen uint64, result chan<- error) {
	conn, err := m.dialer.Dial(ctx, h.role)

	m.mu.Lock()
	if h.gen != gen {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		result <- errs.New(component, errs.CodeUnavailable,
			errs.WithMessage("connection attempt superseded"), errs.WithField("role", h.role))
		return
	}
	if err != nil {
		h.state = StateError
		h.lastErr = err
		m.mu.Unlock()
		m.metrics.recordConnect(h.role, telemetry.ResultError)
		observability.Log().Error("channel dial failed",
			observability.Field{Key: "role", Value: h.role},
			observability.Field{Key: "error", Value: err})
		result <- err
		m.emit(Event{Name: OnError, Role: h.role, Err: err})
		m.finishSession(h, gen)
		return
	}
	h.state = StateOpen
	h.attempts = 0
	h.exhausted = false
	h.lastErr = nil
	h.conn = conn
	m.mu.Unlock()

	m.metrics.recordConnect(h.role, telemetry.ResultSuccess)
	m.metrics.adjustOpen(h.role, 1)
	observability.Log().Info("channel open", observability.Field{Key: "role", Value: h.role})
	result <- nil
	m.emit(Event{Name: OnOpen, Role: h.role})

	readErr := m.serve(ctx, h.role, conn)

	m.mu.Lock()
	if h.gen != gen {
		m.mu.Unlock()
		return
	}
	h.conn = nil
	if readErr != nil {
		h.state = StateError
		h.lastErr = readErr
	} else {
		h.state = StateClosing
	}
	m.mu.Unlock()

	_ = conn.Close()
	m.metrics.adjustOpen(h.role, -1)
	if readErr != nil {
		observability.Log().Error("channel connection lost",
			observability.Field{Key: "role", Value: h.role},
			observability.Field{Key: "error", Value: readErr})
		m.emit(Event{Name: OnError, Role: h.role, Err: readErr})
	}
	m.finishSession(h, gen)
}

// serve delivers frames until the connection ends. A normal closure returns nil.
func (m *Manager) serve(ctx context.Context, role string, conn Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	pingErr := make(chan error, 1)
	if m.opts.PingInterval > 0 {
		var pingWG sync.WaitGroup
		pingWG.Add(1)
		go func() {
			defer pingWG.Done()
			if err := m.pingLoop(connCtx, role, conn); err != nil {
				pingErr <- err
				cancel()
			}
		}()
		defer pingWG.Wait()
	}

	for {
		data, err := conn.Read(connCtx)
		if err != nil {
			select {
			case perr := <-pingErr:
				return perr
			default:
			}
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		m.metrics.recordMessage(role, len(data))
		m.emit(Event{Name: OnMessage, Role: role, Data: data})
	}
}

func (m *Manager) pingLoop(ctx context.Context, role string, conn Conn) error {
	ticker := time.NewTicker(m.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, m.opts.PingTimeout)
			start := time.Now()
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				m.metrics.recordPing(role, time.Since(start), telemetry.ResultError)
				return fmt.Errorf("ping: %w", err)
			}
			m.metrics.recordPing(role, time.Since(start), telemetry.ResultSuccess)
		}
	}
}

func (m *Manager) finishSession(h *handle, gen uint64) {
	m.mu.Lock()
	if h.gen != gen {
		m.mu.Unlock()
		return
	}
	h.state = StateDisconnected
	h.cancel = nil
	m.scheduleReconnectLocked(h, gen)
	m.mu.Unlock()
	m.emit(Event{Name: OnClose, Role: h.role})
}

func (m *Manager) scheduleReconnectLocked(h *handle, gen uint64) {
	if m.closed {
		return
	}
	if h.attempts >= m.opts.MaxReconnectAttempts {
		h.exhausted = true
		m.metrics.recordReconnect(h.role, telemetry.ResultExhausted)
		observability.Log().Error("channel reconnect attempts exhausted",
			observability.Field{Key: "role", Value: h.role},
			observability.Field{Key: "attempts", Value: h.attempts})
		return
	}
	delay := m.delay.NextBackOff()
	if delay == backoff.Stop {
		delay = m.opts.ReconnectDelay
	}
	m.metrics.recordReconnect(h.role, telemetry.ResultSuccess)
	h.timer = time.AfterFunc(delay, func() {
		m.reconnect(h, gen)
	})
}

func (m *Manager) reconnect(h *handle, gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || h.gen != gen || h.state != StateDisconnected {
		return
	}
	h.timer = nil
	h.attempts++
	observability.Log().Info("channel reconnecting",
		observability.Field{Key: "role", Value: h.role},
		observability.Field{Key: "attempt", Value: h.attempts})
	m.startLocked(h)
}

// Disconnect closes the role's connection and cancels any pending reconnect.
// Registered listeners are kept.
func (m *Manager) Disconnect(role string) {
	role = normalizeRole(role)
	m.mu.Lock()
	h, ok := m.handles[role]
	if !ok {
		m.mu.Unlock()
		return
	}
	active := h.state != StateDisconnected
	h.gen++
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	cancel := h.cancel
	h.cancel = nil
	conn := h.conn
	h.conn = nil
	if active {
		h.state = StateClosing
	}
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
		m.metrics.adjustOpen(role, -1)
	}
	if cancel != nil {
		cancel()
	}

	m.mu.Lock()
	if h.state == StateClosing {
		h.state = StateDisconnected
	}
	m.mu.Unlock()
	if active {
		observability.Log().Info("channel closed", observability.Field{Key: "role", Value: role})
		m.emit(Event{Name: OnClose, Role: role})
	}
}

// DisconnectAll disconnects every role.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	roles := make([]string, 0, len(m.handles))
	for role := range m.handles {
		roles = append(roles, role)
	}
	m.mu.Unlock()
	for _, role := range roles {
		m.Disconnect(role)
	}
}

// IsConnected reports whether the role's connection is open.
func (m *Manager) IsConnected(role string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[normalizeRole(role)]
	return ok && h.state == StateOpen
}

// Status returns the role's connection status.
func (m *Manager) Status(role string) Status {
	role = normalizeRole(role)
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[role]
	if !ok {
		return Status{Role: role, State: StateDisconnected}
	}
	return h.status()
}

// Statuses returns the status of every known role ordered by role.
func (m *Manager) Statuses() []Status {
	m.mu.Lock()
	out := make([]Status, 0, len(m.handles))
	for _, h := range m.handles {
		out = append(out, h.status())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Role < out[j].Role })
	return out
}

func (h *handle) status() Status {
	st := Status{
		Role:              h.role,
		State:             h.state,
		ReconnectAttempts: h.attempts,
		Exhausted:         h.exhausted,
		Leases:            h.leases,
	}
	if h.lastErr != nil {
		st.LastError = h.lastErr.Error()
	}
	return st
}

// On registers handler for name. Handlers run in registration order.
func (m *Manager) On(name EventName, handler Handler) ListenerID {
	if handler == nil {
		return ""
	}
	id := ListenerID(uuid.NewString())
	m.mu.Lock()
	m.listeners[name] = append(m.listeners[name], listener{id: id, handler: handler})
	m.mu.Unlock()
	return id
}

// Off removes a handler registered with On.
func (m *Manager) Off(name EventName, id ListenerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current := m.listeners[name]
	for i, l := range current {
		if l.id == id {
			next := make([]listener, 0, len(current)-1)
			next = append(next, current[:i]...)
			next = append(next, current[i+1:]...)
			m.listeners[name] = next
			return
		}
	}
}

func (m *Manager) emit(evt Event) {
	m.mu.Lock()
	targets := m.listeners[evt.Name]
	m.mu.Unlock()
	for _, l := range targets {
		m.invoke(l, evt)
	}
}

func (m *Manager) invoke(l listener, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			observability.Log().Error("channel listener panicked",
				observability.Field{Key: "role", Value: evt.Role},
				observability.Field{Key: "event", Value: string(evt.Name)},
				observability.Field{Key: "panic", Value: r})
		}
	}()
	l.handler(evt)
}

// Close disconnects every role and waits for connection goroutines to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()
	m.DisconnectAll()
	m.cancel()
	m.wg.Wait()
}
