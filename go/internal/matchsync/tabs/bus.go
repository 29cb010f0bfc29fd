package tabs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/mcdev12/matchsync/go/internal/matchsync/events"
	"github.com/mcdev12/matchsync/go/internal/matchsync/socket"
	"github.com/mcdev12/matchsync/go/internal/matchsync/statesync"
)

// MessageType discriminates tab-to-tab messages
type MessageType string

const (
	// MsgHello announces a newly opened tab
	MsgHello MessageType = "hello"
	// MsgAnnounce answers a hello with the sender's ownership
	MsgAnnounce MessageType = "announce"
	// MsgClaim takes ownership of the connection
	MsgClaim MessageType = "claim"
	// MsgResign is sent by a closing owner with its last known states
	MsgResign MessageType = "resign"
	// MsgLeave is sent by a closing sibling
	MsgLeave MessageType = "leave"
	// MsgRelay carries an inbound event from the owner to siblings
	MsgRelay MessageType = "relay"
	// MsgEmit carries an outbound event from a sibling to the owner
	MsgEmit MessageType = "emit"
	// MsgState carries state deltas
	MsgState MessageType = "state"
	// MsgStatus carries the owner's real connection status
	MsgStatus MessageType = "status"
)

// Message is one tab-to-tab message
type Message struct {
	Type    MessageType            `json:"type"`
	From    string                 `json:"from"`
	IsOwner bool                   `json:"isOwner,omitempty"`
	Event   events.Name            `json:"event,omitempty"`
	Data    json.RawMessage        `json:"data,omitempty"`
	States  []statesync.MatchState `json:"states,omitempty"`
	Status  *socket.Status         `json:"status,omitempty"`
}

// Bus carries messages between the tabs of one client process. Delivery is ordered per
// subscriber and asynchronous.
type Bus interface {
	Publish(ctx context.Context, msg Message) error
	Subscribe(fn func(Message)) (func(), error)
	Close() error
}

// MemoryHub connects in-process tabs. Each tab gets its own endpoint from Join; a message
// published on one endpoint reaches every other endpoint.
type MemoryHub struct {
	mu        sync.Mutex
	endpoints map[*MemoryBus]struct{}
}

// NewMemoryHub creates an empty hub
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{endpoints: make(map[*MemoryBus]struct{})}
}

// Join creates a new endpoint on the hub
func (h *MemoryHub) Join() *MemoryBus {
	b := &MemoryBus{hub: h, subs: make(map[uint64]*memorySub)}
	h.mu.Lock()
	h.endpoints[b] = struct{}{}
	h.mu.Unlock()
	return b
}

func (h *MemoryHub) others(from *MemoryBus) []*MemoryBus {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*MemoryBus, 0, len(h.endpoints))
	for b := range h.endpoints {
		if b != from {
			out = append(out, b)
		}
	}
	return out
}

// memorySub queues messages for one subscriber without bounding the backlog, so a publish
// never waits on a slow subscriber
type memorySub struct {
	mu      sync.Mutex
	pending []Message
	wake    chan struct{}
	done    chan struct{}
}

func (s *memorySub) push(msg Message) {
	s.mu.Lock()
	s.pending = append(s.pending, msg)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *memorySub) take() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := s.pending
	s.pending = nil
	return batch
}

// MemoryBus is one tab's endpoint on a MemoryHub
type MemoryBus struct {
	hub *MemoryHub

	mu     sync.Mutex
	subs   map[uint64]*memorySub
	nextID uint64
	closed bool
}

// Publish delivers msg to every other endpoint
func (b *MemoryBus) Publish(ctx context.Context, msg Message) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return fmt.Errorf("publish %s: bus closed", msg.Type)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Type, err)
	}

	for _, other := range b.hub.others(b) {
		other.deliver(msg)
	}
	return nil
}

func (b *MemoryBus) deliver(msg Message) {
	b.mu.Lock()
	subs := make([]*memorySub, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.push(msg)
	}
}

// Subscribe starts delivering messages from other endpoints to fn
func (b *MemoryBus) Subscribe(fn func(Message)) (func(), error) {
	s := &memorySub{wake: make(chan struct{}, 1), done: make(chan struct{})}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("subscribe: bus closed")
	}
	b.nextID++
	id := b.nextID
	b.subs[id] = s
	b.mu.Unlock()

	go func() {
		for {
			select {
			case <-s.wake:
				for _, msg := range s.take() {
					select {
					case <-s.done:
						return
					default:
					}
					fn(msg)
				}
			case <-s.done:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.done)
		})
	}, nil
}

// Close detaches the endpoint from the hub and stops its subscribers
func (b *MemoryBus) Close() error {
	b.hub.mu.Lock()
	delete(b.hub.endpoints, b)
	b.hub.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, s := range b.subs {
		close(s.done)
		delete(b.subs, id)
	}
	return nil
}

// NATSBus carries tab messages over a core NATS subject, for tabs living in separate
// processes on one host
type NATSBus struct {
	nc      *nats.Conn
	subject string
	owned   bool
	log     zerolog.Logger
}

// NewNATSBus wraps an existing connection; the subject is <prefix>.tabs
func NewNATSBus(nc *nats.Conn, prefix string, logger zerolog.Logger) *NATSBus {
	return &NATSBus{nc: nc, subject: prefix + ".tabs", log: logger}
}

// DialNATSBus connects to url and returns a bus that closes the connection on Close
func DialNATSBus(url, prefix string, logger zerolog.Logger) (*NATSBus, error) {
	nc, err := nats.Connect(url,
		nats.Name("matchsync-tabs"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("Tab bus disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("Tab bus reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect tab bus: %w", err)
	}
	b := NewNATSBus(nc, prefix, logger)
	b.owned = true
	return b, nil
}

// Publish sends msg on the tab subject
func (b *NATSBus) Publish(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", msg.Type, err)
	}
	if err := b.nc.Publish(b.subject, data); err != nil {
		return fmt.Errorf("publish %s message: %w", msg.Type, err)
	}
	return nil
}

// Subscribe delivers every message on the tab subject to fn, in order
func (b *NATSBus) Subscribe(fn func(Message)) (func(), error) {
	sub, err := b.nc.Subscribe(b.subject, func(m *nats.Msg) {
		var msg Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			b.log.Warn().Err(err).Msg("Dropping malformed tab message")
			return
		}
		fn(msg)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", b.subject, err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

// Close drains the connection when the bus dialed it
func (b *NATSBus) Close() error {
	if !b.owned {
		return nil
	}
	if err := b.nc.Drain(); err != nil {
		return fmt.Errorf("drain tab bus: %w", err)
	}
	return nil
}
