package tabs

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mcdev12/matchsync/go/internal/matchsync/events"
	"github.com/mcdev12/matchsync/go/internal/matchsync/socket"
)

// EmitFunc sends one pre-encoded event
type EmitFunc func(ctx context.Context, name events.Name, data json.RawMessage) error

// Socket is the named-event socket seen by every tab. On the owner it is backed by the real
// connection, relays each inbound event to the siblings and publishes its connection status
// to them; on a sibling, inbound events come from those relays, the status is the owner's,
// and emissions are forwarded to the owner.
type Socket struct {
	coord *Coordinator
	real  *socket.Socket
	log   zerolog.Logger

	mu          sync.Mutex
	handlers    map[events.Name]map[uint64]socket.Handler
	statusSubs  map[uint64]func(socket.Status)
	nextID      uint64
	realStatus  socket.Status
	ownerStatus socket.Status
	statusFrom  string
	forward     EmitFunc
	stops       []func()
}

// NewSocket wires a tab-aware socket over the real one
func NewSocket(coord *Coordinator, real *socket.Socket, logger zerolog.Logger) *Socket {
	s := &Socket{
		coord:      coord,
		real:       real,
		log:        logger,
		handlers:   make(map[events.Name]map[uint64]socket.Handler),
		statusSubs: make(map[uint64]func(socket.Status)),
		realStatus: socket.Status{State: socket.StateDisconnected},
	}
	s.forward = real.Emit

	s.stops = append(s.stops,
		real.OnAny(s.onRealEvent),
		coord.OnMessage(s.onTabMessage),
		real.OnStatusChange(s.onRealStatus),
		coord.OnOwnerChange(s.onOwnerChange),
	)
	return s
}

// ForwardEmits routes emissions received from siblings through fn on the owner, so they
// get the same queueing as local ones. The default writes straight to the real socket.
func (s *Socket) ForwardEmits(fn EmitFunc) {
	s.mu.Lock()
	s.forward = fn
	s.mu.Unlock()
}

// Close detaches from the real socket and the coordinator
func (s *Socket) Close() {
	s.mu.Lock()
	stops := s.stops
	s.stops = nil
	s.mu.Unlock()
	for _, stop := range stops {
		stop()
	}
}

func (s *Socket) onRealEvent(name events.Name, data json.RawMessage) {
	if !s.coord.IsOwner() {
		return
	}
	s.deliver(name, data)
	if err := s.coord.Broadcast(context.Background(), Message{Type: MsgRelay, Event: name, Data: data}); err != nil {
		s.log.Warn().Err(err).Str("event", string(name)).Msg("Failed to relay event to tabs")
	}
}

func (s *Socket) onTabMessage(msg Message) {
	switch msg.Type {
	case MsgRelay:
		if !s.coord.IsOwner() {
			s.deliver(msg.Event, msg.Data)
		}
	case MsgEmit:
		if !s.coord.IsOwner() {
			return
		}
		s.mu.Lock()
		forward := s.forward
		s.mu.Unlock()
		if err := forward(context.Background(), msg.Event, msg.Data); err != nil {
			s.log.Warn().Err(err).Str("event", string(msg.Event)).Str("from", msg.From).Msg("Failed to forward tab emission")
		}
	case MsgHello:
		if s.coord.IsOwner() {
			s.shareStatus()
		}
	case MsgStatus:
		if msg.Status == nil || s.coord.IsOwner() {
			return
		}
		s.mu.Lock()
		s.ownerStatus = *msg.Status
		s.statusFrom = msg.From
		s.mu.Unlock()
		if msg.From == s.coord.Owner() {
			s.publishStatus()
		}
	}
}

func (s *Socket) onRealStatus(st socket.Status) {
	s.mu.Lock()
	s.realStatus = st
	s.mu.Unlock()
	if s.coord.IsOwner() {
		s.shareStatus()
		s.publishStatus()
	}
}

func (s *Socket) onOwnerChange(owner string) {
	if owner == s.coord.ID() {
		s.shareStatus()
	}
	s.publishStatus()
}

// shareStatus sends the owner's real status to the siblings
func (s *Socket) shareStatus() {
	s.mu.Lock()
	st := s.realStatus
	s.mu.Unlock()
	if err := s.coord.Broadcast(context.Background(), Message{Type: MsgStatus, Status: &st}); err != nil {
		s.log.Warn().Err(err).Str("state", string(st.State)).Msg("Failed to share connection status with tabs")
	}
}

// Status is the real status on the owner and the owner's last shared status on a sibling.
// A sibling that knows an owner but has not heard its status yet reports CONNECTING.
func (s *Socket) Status() socket.Status {
	if s.coord.IsOwner() {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.realStatus
	}
	owner := s.coord.Owner()
	if owner == "" {
		return socket.Status{State: socket.StateDisconnected}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statusFrom != owner {
		return socket.Status{State: socket.StateConnecting}
	}
	return s.ownerStatus
}

func (s *Socket) publishStatus() {
	st := s.Status()
	s.mu.Lock()
	ids := make([]uint64, 0, len(s.statusSubs))
	for id := range s.statusSubs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	cbs := make([]func(socket.Status), 0, len(ids))
	for _, id := range ids {
		cbs = append(cbs, s.statusSubs[id])
	}
	s.mu.Unlock()
	for _, cb := range cbs {
		cb(st)
	}
}

// OnStatusChange registers cb and replays the current status
func (s *Socket) OnStatusChange(cb func(socket.Status)) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.statusSubs[id] = cb
	s.mu.Unlock()

	cb(s.Status())
	return func() {
		s.mu.Lock()
		delete(s.statusSubs, id)
		s.mu.Unlock()
	}
}

// On attaches a listener for name
func (s *Socket) On(name events.Name, h socket.Handler) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	if s.handlers[name] == nil {
		s.handlers[name] = make(map[uint64]socket.Handler)
	}
	s.handlers[name][id] = h
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if hs, ok := s.handlers[name]; ok {
			delete(hs, id)
			if len(hs) == 0 {
				delete(s.handlers, name)
			}
		}
	}
}

// Emit sends through the real socket on the owner, or through the owner from a sibling.
// A sibling fails with socket.ErrNotConnected while the owner's connection is down.
func (s *Socket) Emit(ctx context.Context, name events.Name, data json.RawMessage) error {
	if s.coord.IsOwner() {
		return s.real.Emit(ctx, name, data)
	}
	if !s.Status().Connected {
		return socket.ErrNotConnected
	}
	return s.coord.Broadcast(ctx, Message{Type: MsgEmit, Event: name, Data: data})
}

func (s *Socket) deliver(name events.Name, data json.RawMessage) {
	s.mu.Lock()
	hs := make([]socket.Handler, 0, len(s.handlers[name]))
	for _, h := range s.handlers[name] {
		hs = append(hs, h)
	}
	s.mu.Unlock()

	for _, h := range hs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error().Interface("panic", r).Str("event", string(name)).Msg("Tab listener panicked")
				}
			}()
			h(data)
		}()
	}
}
