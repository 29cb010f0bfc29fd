package socket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mcdev12/matchsync/go/internal/matchsync/events"
)

// Handler receives the raw data of one inbound event
type Handler func(data json.RawMessage)

// AnyHandler receives every inbound event regardless of name
type AnyHandler func(name events.Name, data json.RawMessage)

// Socket is the named-event view of the managed connection. Listeners survive reconnects.
type Socket struct {
	writer *Manager
	log    zerolog.Logger

	mu       sync.RWMutex
	handlers map[events.Name]map[uint64]Handler
	taps     map[uint64]AnyHandler
	nextID   uint64
}

func newSocket(writer *Manager, logger zerolog.Logger) *Socket {
	return &Socket{
		writer:   writer,
		log:      logger,
		handlers: make(map[events.Name]map[uint64]Handler),
		taps:     make(map[uint64]AnyHandler),
	}
}

// On attaches a listener for name and returns its detach function
func (s *Socket) On(name events.Name, h Handler) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	if s.handlers[name] == nil {
		s.handlers[name] = make(map[uint64]Handler)
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

// Off detaches every listener for name
func (s *Socket) Off(name events.Name) {
	s.mu.Lock()
	delete(s.handlers, name)
	s.mu.Unlock()
}

// OnAny attaches a catch-all tap
func (s *Socket) OnAny(h AnyHandler) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.taps[id] = h
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.taps, id)
		s.mu.Unlock()
	}
}

// HandlerCount returns the number of listeners attached for name
func (s *Socket) HandlerCount(name events.Name) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handlers[name])
}

// Emit writes one named event. It returns ErrNotConnected while no connection is open.
func (s *Socket) Emit(ctx context.Context, name events.Name, data json.RawMessage) error {
	frame, err := json.Marshal(events.Frame{Event: name, Data: data})
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", name, err)
	}
	return s.writer.write(ctx, frame)
}

// OnStatusChange forwards to the owning manager
func (s *Socket) OnStatusChange(cb func(Status)) func() {
	return s.writer.OnStatusChange(cb)
}

func (s *Socket) deliver(frame events.Frame) {
	s.mu.RLock()
	hs := make([]Handler, 0, len(s.handlers[frame.Event]))
	for _, h := range s.handlers[frame.Event] {
		hs = append(hs, h)
	}
	taps := make([]AnyHandler, 0, len(s.taps))
	for _, t := range s.taps {
		taps = append(taps, t)
	}
	s.mu.RUnlock()

	for _, h := range hs {
		s.safeCall(frame.Event, func() { h(frame.Data) })
	}
	for _, t := range taps {
		s.safeCall(frame.Event, func() { t(frame.Event, frame.Data) })
	}
}

// Inject delivers a frame as if it had arrived on the connection
func (s *Socket) Inject(name events.Name, data json.RawMessage) {
	s.deliver(events.Frame{Event: name, Data: data})
}

func (s *Socket) safeCall(name events.Name, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Str("event", string(name)).Msg("Socket listener panicked")
		}
	}()
	fn()
}
