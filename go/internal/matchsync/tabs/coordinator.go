package tabs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/matchsync/go/internal/matchsync/statesync"
)

// ErrNotOwner is returned for owner-only operations on a sibling tab
var ErrNotOwner = errors.New("tab does not own the connection")

// Config holds configuration for the coordinator
type Config struct {
	// TabID identifies this tab; generated when empty
	TabID string
	// ElectionDelay is how long a new tab listens for an existing owner before electing
	ElectionDelay time.Duration
}

// DefaultConfig returns default coordinator configuration
func DefaultConfig() Config {
	return Config{ElectionDelay: 250 * time.Millisecond}
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithClock sets the clock driving the election timer
func WithClock(clock clockwork.Clock) Option {
	return func(c *Coordinator) { c.clock = clock }
}

// WithLogger sets the coordinator's logger
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Coordinator) { c.log = logger }
}

// WithPromote sets the function that opens the real connection when this tab becomes owner
func WithPromote(fn func(ctx context.Context) error) Option {
	return func(c *Coordinator) { c.promote = fn }
}

// WithDemote sets the function that releases the real connection when ownership is lost
func WithDemote(fn func()) Option {
	return func(c *Coordinator) { c.demote = fn }
}

// WithStateProvider supplies the states an owner hands over when it leaves
func WithStateProvider(fn func() []statesync.MatchState) Option {
	return func(c *Coordinator) { c.states = fn }
}

// WithStateHandler receives states handed over by other tabs
func WithStateHandler(fn func([]statesync.MatchState)) Option {
	return func(c *Coordinator) { c.onStates = fn }
}

// Coordinator elects one owner tab to hold the real connection. The owner is the lowest tab
// id among known live tabs at election time; it keeps ownership until it leaves.
type Coordinator struct {
	id     string
	bus    Bus
	config Config
	clock  clockwork.Clock
	log    zerolog.Logger

	promote  func(ctx context.Context) error
	demote   func()
	states   func() []statesync.MatchState
	onStates func([]statesync.MatchState)

	mu          sync.Mutex
	members     map[string]bool
	owner       string
	joined      bool
	unsubscribe func()
	election    clockwork.Timer
	msgSubs     map[uint64]func(Message)
	ownerSubs   map[uint64]func(owner string)
	nextID      uint64
}

// NewCoordinator creates a coordinator on bus
func NewCoordinator(bus Bus, config Config, opts ...Option) *Coordinator {
	if config.TabID == "" {
		config.TabID = uuid.NewString()
	}
	c := &Coordinator{
		id:        config.TabID,
		bus:       bus,
		config:    config,
		clock:     clockwork.NewRealClock(),
		log:       log.Logger,
		members:   map[string]bool{config.TabID: true},
		msgSubs:   make(map[uint64]func(Message)),
		ownerSubs: make(map[uint64]func(string)),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With().Str("tab_id", c.id).Logger()
	return c
}

// ID returns this tab's id
func (c *Coordinator) ID() string { return c.id }

// Owner returns the id of the current owner, or "" while none is known
func (c *Coordinator) Owner() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owner
}

// IsOwner reports whether this tab holds the real connection
func (c *Coordinator) IsOwner() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owner == c.id
}

// Members lists the known live tabs, this one included
func (c *Coordinator) Members() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.membersLocked()
}

func (c *Coordinator) membersLocked() []string {
	ids := make([]string, 0, len(c.members))
	for id := range c.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Join subscribes to the bus, greets the other tabs and arms the election timer
func (c *Coordinator) Join(ctx context.Context) error {
	c.mu.Lock()
	if c.joined {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	unsubscribe, err := c.bus.Subscribe(c.handle)
	if err != nil {
		return fmt.Errorf("join tab room: %w", err)
	}

	c.mu.Lock()
	c.joined = true
	c.unsubscribe = unsubscribe
	c.election = c.clock.AfterFunc(c.config.ElectionDelay, c.elect)
	c.mu.Unlock()

	if err := c.bus.Publish(ctx, Message{Type: MsgHello, From: c.id}); err != nil {
		return fmt.Errorf("greet tabs: %w", err)
	}
	c.log.Debug().Msg("Joined tab room")
	return nil
}

// Leave hands ownership over (with the last known states) or announces departure
func (c *Coordinator) Leave(ctx context.Context) error {
	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return nil
	}
	c.joined = false
	wasOwner := c.owner == c.id
	if c.election != nil {
		c.election.Stop()
		c.election = nil
	}
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.owner = ""
	c.members = map[string]bool{c.id: true}
	c.mu.Unlock()

	msg := Message{Type: MsgLeave, From: c.id}
	if wasOwner {
		msg.Type = MsgResign
		if c.states != nil {
			msg.States = c.states()
		}
	}
	err := c.bus.Publish(ctx, msg)

	if unsubscribe != nil {
		unsubscribe()
	}
	if wasOwner && c.demote != nil {
		c.demote()
	}
	c.log.Debug().Bool("was_owner", wasOwner).Msg("Left tab room")
	if err != nil {
		return fmt.Errorf("announce departure: %w", err)
	}
	return nil
}

// Broadcast sends msg to every other tab
func (c *Coordinator) Broadcast(ctx context.Context, msg Message) error {
	msg.From = c.id
	return c.bus.Publish(ctx, msg)
}

// OnMessage registers cb for hello, relay, emit, state and status messages from other tabs
func (c *Coordinator) OnMessage(cb func(Message)) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.msgSubs[id] = cb
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.msgSubs, id)
		c.mu.Unlock()
	}
}

// OnOwnerChange registers cb for every change of the known owner
func (c *Coordinator) OnOwnerChange(cb func(owner string)) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.ownerSubs[id] = cb
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.ownerSubs, id)
		c.mu.Unlock()
	}
}

func (c *Coordinator) handle(msg Message) {
	if msg.From == c.id {
		return
	}

	switch msg.Type {
	case MsgHello:
		c.mu.Lock()
		c.members[msg.From] = true
		isOwner := c.owner == c.id
		c.mu.Unlock()
		if err := c.bus.Publish(context.Background(), Message{Type: MsgAnnounce, From: c.id, IsOwner: isOwner}); err != nil {
			c.log.Warn().Err(err).Msg("Failed to answer hello")
		}
		c.dispatch(msg)

	case MsgAnnounce:
		c.mu.Lock()
		c.members[msg.From] = true
		changed := false
		if msg.IsOwner && c.owner != msg.From {
			c.owner = msg.From
			changed = true
		}
		c.mu.Unlock()
		if changed {
			c.ownerChanged(msg.From)
		}

	case MsgClaim:
		c.handleClaim(msg.From)

	case MsgResign, MsgLeave:
		c.handleDeparture(msg)

	case MsgRelay, MsgEmit, MsgState, MsgStatus:
		if msg.Type == MsgState && c.onStates != nil && len(msg.States) > 0 {
			c.onStates(msg.States)
		}
		c.dispatch(msg)

	default:
		c.log.Warn().Str("type", string(msg.Type)).Msg("Unknown tab message")
	}
}

func (c *Coordinator) dispatch(msg Message) {
	c.mu.Lock()
	ids := make([]uint64, 0, len(c.msgSubs))
	for id := range c.msgSubs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	cbs := make([]func(Message), 0, len(ids))
	for _, id := range ids {
		cbs = append(cbs, c.msgSubs[id])
	}
	c.mu.Unlock()
	for _, cb := range cbs {
		cb(msg)
	}
}

func (c *Coordinator) handleClaim(from string) {
	c.mu.Lock()
	c.members[from] = true
	if c.owner == c.id {
		// two owners: the lower id keeps the connection
		if c.id < from {
			c.mu.Unlock()
			c.log.Warn().Str("rival", from).Msg("Rejecting ownership claim from higher tab id")
			_ = c.bus.Publish(context.Background(), Message{Type: MsgClaim, From: c.id})
			return
		}
		c.owner = from
		c.mu.Unlock()
		c.log.Warn().Str("owner", from).Msg("Yielding ownership")
		if c.demote != nil {
			c.demote()
		}
		c.ownerChanged(from)
		return
	}
	changed := c.owner != from
	c.owner = from
	c.mu.Unlock()
	if changed {
		c.ownerChanged(from)
	}
}

func (c *Coordinator) handleDeparture(msg Message) {
	if msg.Type == MsgResign && c.onStates != nil && len(msg.States) > 0 {
		c.onStates(msg.States)
	}

	c.mu.Lock()
	delete(c.members, msg.From)
	if c.owner != msg.From {
		c.mu.Unlock()
		return
	}
	c.owner = ""
	c.mu.Unlock()

	c.log.Info().Str("previous_owner", msg.From).Msg("Owner tab left")
	c.ownerChanged("")
	c.elect()
}

// elect claims ownership when no owner is known and this tab has the lowest id
func (c *Coordinator) elect() {
	c.mu.Lock()
	c.election = nil
	if !c.joined || c.owner != "" {
		c.mu.Unlock()
		return
	}
	if c.membersLocked()[0] != c.id {
		c.mu.Unlock()
		return
	}
	c.owner = c.id
	c.mu.Unlock()

	c.log.Info().Msg("Claiming connection ownership")
	if err := c.bus.Publish(context.Background(), Message{Type: MsgClaim, From: c.id}); err != nil {
		c.log.Warn().Err(err).Msg("Failed to announce claim")
	}
	c.ownerChanged(c.id)

	if c.promote != nil {
		if err := c.promote(context.Background()); err != nil {
			c.log.Error().Err(err).Msg("Owner failed to open connection")
		}
	}
}

func (c *Coordinator) ownerChanged(owner string) {
	c.mu.Lock()
	cbs := make([]func(string), 0, len(c.ownerSubs))
	for _, cb := range c.ownerSubs {
		cbs = append(cbs, cb)
	}
	c.mu.Unlock()
	for _, cb := range cbs {
		cb(owner)
	}
}
