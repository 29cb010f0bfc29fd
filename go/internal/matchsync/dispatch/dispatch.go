package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/matchsync/go/internal/matchsync/events"
	"github.com/mcdev12/matchsync/go/internal/matchsync/socket"
)

// Socket is the named-event connection the manager attaches its master handlers to
type Socket interface {
	On(name events.Name, h socket.Handler) func()
	Emit(ctx context.Context, name events.Name, data json.RawMessage) error
	OnStatusChange(cb func(socket.Status)) func()
}

// ReceiveGate decides whether an inbound event may reach subscribers
type ReceiveGate interface {
	CanReceiveEvent(name events.Name) bool
}

// Callback receives the narrowed payload of one inbound event
type Callback func(events.Payload)

// DeliveryError reports a fault while delivering a single inbound event
type DeliveryError struct {
	Event events.Name
	Err   error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver %s: %v", e.Event, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// DefaultCriticalEvents are queued while disconnected and replayed on reconnect
var DefaultCriticalEvents = []events.Name{
	events.JoinTournament,
	events.JoinFieldRoom,
	events.JoinCollaborativeSession,
}

// Option configures a Manager
type Option func(*Manager)

// WithLogger sets the manager's logger
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) { m.log = logger }
}

// WithReceiveGate filters inbound events before fan-out
func WithReceiveGate(gate ReceiveGate) Option {
	return func(m *Manager) { m.gate = gate }
}

// WithCriticalEvents replaces the critical allow-list
func WithCriticalEvents(names ...events.Name) Option {
	return func(m *Manager) {
		m.critical = make(map[events.Name]bool, len(names))
		for _, n := range names {
			m.critical[n] = true
		}
	}
}

type subscription struct {
	id        uint64
	callback  Callback
	context   events.Routing
	predicate func(events.Payload) bool
}

// SubscribeOption scopes a subscription
type SubscribeOption func(*subscription)

// WithContext delivers only events whose routing matches every field declared in r
func WithContext(r events.Routing) SubscribeOption {
	return func(s *subscription) { s.context = r }
}

// WithPredicate delivers only events for which fn returns true
func WithPredicate(fn func(events.Payload) bool) SubscribeOption {
	return func(s *subscription) { s.predicate = fn }
}

// EmitOption tunes a single emission
type EmitOption func(*emitOptions)

type emitOptions struct {
	critical bool
}

// Critical queues the emission for replay if the socket is down, whether or not its name
// is on the critical allow-list
func Critical() EmitOption {
	return func(o *emitOptions) { o.critical = true }
}

type queuedEmit struct {
	name events.Name
	data json.RawMessage
}

// Stats is a point-in-time view of the manager
type Stats struct {
	MasterHandlers int                 `json:"masterHandlers"`
	Subscribers    map[events.Name]int `json:"subscribers"`
	QueuedCritical int                 `json:"queuedCritical"`
	Duplicates     uint64              `json:"duplicates"`
	Faults         uint64              `json:"faults"`
}

// Manager is the only component that listens on the socket. It keeps one master handler
// per event name, drops consecutive duplicate payloads, filters and fans out to local
// subscribers, and queues critical emissions while disconnected.
type Manager struct {
	sock     Socket
	gate     ReceiveGate
	log      zerolog.Logger
	critical map[events.Name]bool

	mu           sync.Mutex
	subs         map[events.Name][]*subscription
	interceptors map[events.Name][]*subscription
	masters      map[events.Name]func()
	last         map[events.Name]any
	queue        []queuedEmit
	errorSubs    map[uint64]func(error)
	nextID       uint64
	duplicates   uint64
	faults       uint64
	connected    bool

	stopStatus func()
}

// New creates a manager on top of sock
func New(sock Socket, opts ...Option) *Manager {
	m := &Manager{
		sock:         sock,
		log:          log.Logger,
		subs:         make(map[events.Name][]*subscription),
		interceptors: make(map[events.Name][]*subscription),
		masters:      make(map[events.Name]func()),
		last:         make(map[events.Name]any),
		errorSubs:    make(map[uint64]func(error)),
	}
	WithCriticalEvents(DefaultCriticalEvents...)(m)
	for _, opt := range opts {
		opt(m)
	}
	m.stopStatus = sock.OnStatusChange(m.onStatus)
	return m
}

// Close detaches every master handler and stops watching connection status
func (m *Manager) Close() {
	if m.stopStatus != nil {
		m.stopStatus()
	}
	m.mu.Lock()
	masters := m.masters
	m.masters = make(map[events.Name]func())
	m.subs = make(map[events.Name][]*subscription)
	m.interceptors = make(map[events.Name][]*subscription)
	m.last = make(map[events.Name]any)
	m.mu.Unlock()

	for _, detach := range masters {
		detach()
	}
}

// On subscribes cb to name and returns an idempotent unsubscribe function
func (m *Manager) On(name events.Name, cb Callback, opts ...SubscribeOption) func() {
	sub := &subscription{callback: cb}
	for _, opt := range opts {
		opt(sub)
	}
	return m.add(m.subs, name, sub)
}

// Intercept registers fn to observe every delivered name event before subscribers do
func (m *Manager) Intercept(name events.Name, fn Callback) func() {
	return m.add(m.interceptors, name, &subscription{callback: fn})
}

func (m *Manager) add(table map[events.Name][]*subscription, name events.Name, sub *subscription) func() {
	m.mu.Lock()
	m.nextID++
	sub.id = m.nextID
	table[name] = append(table[name], sub)
	m.ensureMasterLocked(name)
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			table[name] = removeSub(table[name], sub.id)
			if len(table[name]) == 0 {
				delete(table, name)
			}
			detach := m.releaseMasterLocked(name)
			m.mu.Unlock()
			if detach != nil {
				detach()
			}
		})
	}
}

// Off removes every subscriber for name
func (m *Manager) Off(name events.Name) {
	m.mu.Lock()
	delete(m.subs, name)
	detach := m.releaseMasterLocked(name)
	m.mu.Unlock()
	if detach != nil {
		detach()
	}
}

func (m *Manager) ensureMasterLocked(name events.Name) {
	if _, ok := m.masters[name]; ok {
		return
	}
	m.masters[name] = m.sock.On(name, func(data json.RawMessage) {
		m.Deliver(name, data)
	})
	m.log.Debug().Str("event", string(name)).Msg("Master handler installed")
}

// releaseMasterLocked returns the detach function when name has no listeners left
func (m *Manager) releaseMasterLocked(name events.Name) func() {
	if len(m.subs[name]) > 0 || len(m.interceptors[name]) > 0 {
		return nil
	}
	detach, ok := m.masters[name]
	if !ok {
		return nil
	}
	delete(m.masters, name)
	delete(m.last, name)
	m.log.Debug().Str("event", string(name)).Msg("Master handler removed")
	return detach
}

func removeSub(subs []*subscription, id uint64) []*subscription {
	out := subs[:0:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

// Deliver runs one inbound event through the gate, dedup, interceptors and subscribers
func (m *Manager) Deliver(name events.Name, raw json.RawMessage) {
	if m.gate != nil && !m.gate.CanReceiveEvent(name) {
		m.log.Warn().Str("event", string(name)).Msg("Inbound event not permitted for role")
		return
	}

	var shape any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &shape); err != nil {
			m.fault(name, fmt.Errorf("undecodable payload: %w", err))
			return
		}
	}

	m.mu.Lock()
	if prev, ok := m.last[name]; ok && cmp.Equal(prev, shape) {
		m.duplicates++
		m.mu.Unlock()
		return
	}
	m.last[name] = shape
	interceptors := append([]*subscription(nil), m.interceptors[name]...)
	subs := append([]*subscription(nil), m.subs[name]...)
	m.mu.Unlock()

	payload, err := events.Decode(name, raw)
	if err != nil {
		m.fault(name, err)
		return
	}

	for _, ic := range interceptors {
		m.invoke(name, ic.callback, payload)
	}
	for _, sub := range subs {
		if !sub.matches(payload) {
			continue
		}
		m.invoke(name, sub.callback, payload)
	}
}

func (s *subscription) matches(p events.Payload) bool {
	if !matchesContext(s.context, p.Route()) {
		return false
	}
	if s.predicate != nil && !s.predicate(p) {
		return false
	}
	return true
}

// matchesContext checks only the fields the filter declares
func matchesContext(filter, route events.Routing) bool {
	if filter.TournamentID != "" && filter.TournamentID != route.TournamentID {
		return false
	}
	if filter.FieldID != "" && filter.FieldID != route.FieldID {
		return false
	}
	if filter.MatchID != "" && filter.MatchID != route.MatchID {
		return false
	}
	return true
}

func (m *Manager) invoke(name events.Name, cb Callback, p events.Payload) {
	defer func() {
		if r := recover(); r != nil {
			m.fault(name, fmt.Errorf("subscriber panic: %v", r))
		}
	}()
	cb(p)
}

func (m *Manager) fault(name events.Name, err error) {
	derr := &DeliveryError{Event: name, Err: err}

	m.mu.Lock()
	m.faults++
	cbs := make([]func(error), 0, len(m.errorSubs))
	for _, cb := range m.errorSubs {
		cbs = append(cbs, cb)
	}
	m.mu.Unlock()

	m.log.Error().Err(err).Str("event", string(name)).Msg("Event delivery fault")
	for _, cb := range cbs {
		cb(derr)
	}
}

// OnError registers cb for delivery faults
func (m *Manager) OnError(cb func(error)) func() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.errorSubs[id] = cb
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.errorSubs, id)
		m.mu.Unlock()
	}
}

// Emit encodes p and sends it. While disconnected, critical events are queued for replay
// and nil is returned; other events fail with socket.ErrNotConnected.
func (m *Manager) Emit(ctx context.Context, p events.Payload, opts ...EmitOption) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", p.EventName(), err)
	}
	return m.EmitRaw(ctx, p.EventName(), data, opts...)
}

// EmitRaw sends pre-encoded data under name
func (m *Manager) EmitRaw(ctx context.Context, name events.Name, data json.RawMessage, opts ...EmitOption) error {
	var o emitOptions
	for _, opt := range opts {
		opt(&o)
	}

	err := m.sock.Emit(ctx, name, data)
	if err == nil {
		return nil
	}
	if errors.Is(err, socket.ErrNotConnected) && (o.critical || m.critical[name]) {
		m.enqueue(name, data)
		return nil
	}
	return err
}

func (m *Manager) enqueue(name events.Name, data json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, q := range m.queue {
		if q.name == name && string(q.data) == string(data) {
			return
		}
	}
	m.queue = append(m.queue, queuedEmit{name: name, data: data})
	m.log.Info().Str("event", string(name)).Int("queued", len(m.queue)).Msg("Queued critical event until reconnect")
}

func (m *Manager) onStatus(st socket.Status) {
	m.mu.Lock()
	wasConnected := m.connected
	connected := st.State == socket.StateConnected
	m.connected = connected
	m.mu.Unlock()

	if connected && !wasConnected {
		m.flush()
	}
}

// flush replays queued critical events in FIFO order
func (m *Manager) flush() {
	m.mu.Lock()
	queue := m.queue
	m.queue = nil
	m.mu.Unlock()

	for i, q := range queue {
		if err := m.sock.Emit(context.Background(), q.name, q.data); err != nil {
			m.log.Warn().Err(err).Str("event", string(q.name)).Msg("Critical event replay failed")
			m.mu.Lock()
			m.queue = append(append([]queuedEmit(nil), queue[i:]...), m.queue...)
			m.mu.Unlock()
			return
		}
		m.log.Info().Str("event", string(q.name)).Msg("Replayed critical event")
	}
}

// Stats reports master handlers, subscriber counts and queued critical events
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	subs := make(map[events.Name]int, len(m.subs))
	for name, s := range m.subs {
		subs[name] = len(s)
	}
	return Stats{
		MasterHandlers: len(m.masters),
		Subscribers:    subs,
		QueuedCritical: len(m.queue),
		Duplicates:     m.duplicates,
		Faults:         m.faults,
	}
}
