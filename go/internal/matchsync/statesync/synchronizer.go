package statesync

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/matchsync/go/internal/matchsync/access"
	"github.com/mcdev12/matchsync/go/internal/matchsync/events"
)

var (
	// ErrUnknownMatch is returned for operations on a match with no state
	ErrUnknownMatch = errors.New("unknown match")
	// ErrNoSnapshot is returned by RecoverState when no snapshot has been taken
	ErrNoSnapshot = errors.New("no snapshot available")
)

// RecoveryUser is recorded as the author of recovered states
const RecoveryUser = "system:recovery"

// Config holds configuration for the synchronizer
type Config struct {
	Strategy         Strategy
	ConflictWindow   time.Duration
	SnapshotInterval time.Duration
	MaxSnapshots     int
	HistoryLimit     int
}

// DefaultConfig returns default synchronizer configuration
func DefaultConfig() Config {
	return Config{
		Strategy:         StrategyTimestamp,
		ConflictWindow:   time.Second,
		SnapshotInterval: 30 * time.Second,
		MaxSnapshots:     10,
		HistoryLimit:     100,
	}
}

// Option configures a Synchronizer
type Option func(*Synchronizer)

// WithClock sets the clock used for timestamps and the snapshot ticker
func WithClock(clock clockwork.Clock) Option {
	return func(s *Synchronizer) { s.clock = clock }
}

// WithLogger sets the synchronizer's logger
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Synchronizer) { s.log = logger }
}

// UpdateFunc observes every state transition with the update that caused it
type UpdateFunc func(state MatchState, update StateUpdate)

type matchEntry struct {
	state     MatchState
	history   []HistoryEntry
	snapshots []Snapshot
	stop      chan struct{}
}

// Synchronizer owns the versioned state of every match in the session. All mutation goes
// through SyncState; readers get copies.
type Synchronizer struct {
	config Config
	clock  clockwork.Clock
	log    zerolog.Logger

	mu      sync.Mutex
	matches map[string]*matchEntry
	subs    map[uint64]UpdateFunc
	nextID  uint64
}

// New creates a synchronizer
func New(config Config, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		config:  config,
		clock:   clockwork.NewRealClock(),
		log:     log.Logger,
		matches: make(map[string]*matchEntry),
		subs:    make(map[uint64]UpdateFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InitializeMatchState creates the state for matchID from initial, or returns the
// existing state unchanged.
func (s *Synchronizer) InitializeMatchState(matchID string, initial events.StateChanges) MatchState {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.matches[matchID]; ok {
		return e.state.Clone()
	}
	state := MatchState{
		MatchID:     matchID,
		Version:     1,
		ActiveUsers: make(UserSet),
		LastUpdated: s.clock.Now(),
	}
	applyChanges(&state, initial)
	s.addLocked(matchID, state)
	s.log.Debug().Str("match_id", matchID).Msg("Initialized match state")
	return state.Clone()
}

func (s *Synchronizer) addLocked(matchID string, state MatchState) *matchEntry {
	e := &matchEntry{state: state, stop: make(chan struct{})}
	s.matches[matchID] = e
	if s.config.SnapshotInterval > 0 {
		go s.snapshotLoop(matchID, e.stop)
	}
	return e
}

// SyncState applies u to its match, arbitrating conflicts with the configured strategy.
// The first update for an unknown match seeds its state.
func (s *Synchronizer) SyncState(u StateUpdate) (MatchState, error) {
	if u.MatchID == "" {
		return MatchState{}, ErrUnknownMatch
	}
	if u.Timestamp.IsZero() {
		u.Timestamp = s.clock.Now()
	}
	if u.ChangeType == "" {
		u.ChangeType = ChangeFull
	}

	s.mu.Lock()
	e, ok := s.matches[u.MatchID]
	if !ok {
		state := MatchState{
			MatchID:         u.MatchID,
			Version:         max(1, u.Version),
			ActiveUsers:     make(UserSet),
			LastUpdated:     u.Timestamp,
			LastUpdatedBy:   u.UserID,
			LastUpdatedRole: u.UserRole,
		}
		applyChanges(&state, u.Changes)
		e = s.addLocked(u.MatchID, state)
		s.recordLocked(e, HistoryEntry{
			Timestamp:  u.Timestamp,
			UserID:     u.UserID,
			UserRole:   u.UserRole,
			NewState:   state.Clone(),
			Changes:    u.Changes,
			ChangeType: u.ChangeType,
		})
		out := state.Clone()
		s.mu.Unlock()
		s.notify(out, u)
		return out, nil
	}

	cur := e.state
	var (
		next     MatchState
		conflict *ConflictDetails
	)
	if conflicts(cur, u, s.config.ConflictWindow) {
		var side Side
		next, side = resolve(cur, u, s.config.Strategy)
		conflict = &ConflictDetails{
			Strategy:          s.config.Strategy,
			Winner:            side,
			CurrentVersion:    cur.Version,
			IncomingVersion:   u.Version,
			CurrentTimestamp:  cur.LastUpdated,
			IncomingTimestamp: u.Timestamp,
			CurrentUser:       cur.LastUpdatedBy,
			IncomingUser:      u.UserID,
		}
	} else {
		next = takeIncoming(cur.Clone(), u)
	}
	next.Version = cur.Version + 1
	next.LastUpdated = maxTime(cur.LastUpdated, u.Timestamp)
	e.state = next

	s.recordLocked(e, HistoryEntry{
		Timestamp:        u.Timestamp,
		UserID:           u.UserID,
		UserRole:         u.UserRole,
		PreviousState:    cur.Clone(),
		NewState:         next.Clone(),
		Changes:          u.Changes,
		ChangeType:       u.ChangeType,
		ConflictResolved: conflict != nil,
		Conflict:         conflict,
	})
	out := next.Clone()
	s.mu.Unlock()

	if conflict != nil {
		s.log.Info().
			Str("match_id", u.MatchID).
			Str("strategy", conflict.Strategy.String()).
			Str("winner", string(conflict.Winner)).
			Int("version", out.Version).
			Msg("Resolved state conflict")
	}
	s.notify(out, u)
	return out, nil
}

// Reconcile applies the authoritative state held by the server-side room. There is no conflict
// arbitration; the version moves to the room's version when that is ahead of the next local one.
func (s *Synchronizer) Reconcile(u StateUpdate) (MatchState, error) {
	if u.MatchID == "" {
		return MatchState{}, ErrUnknownMatch
	}
	if u.Timestamp.IsZero() {
		u.Timestamp = s.clock.Now()
	}
	u.ChangeType = ChangeFull

	s.mu.Lock()
	e, ok := s.matches[u.MatchID]
	if !ok {
		s.mu.Unlock()
		return s.SyncState(u)
	}

	cur := e.state
	next := takeIncoming(cur.Clone(), u)
	next.Version = max(cur.Version+1, u.Version)
	next.LastUpdated = maxTime(cur.LastUpdated, u.Timestamp)
	e.state = next

	s.recordLocked(e, HistoryEntry{
		Timestamp:     u.Timestamp,
		UserID:        u.UserID,
		UserRole:      u.UserRole,
		PreviousState: cur.Clone(),
		NewState:      next.Clone(),
		Changes:       u.Changes,
		ChangeType:    u.ChangeType,
	})
	out := next.Clone()
	s.mu.Unlock()

	s.log.Debug().Str("match_id", u.MatchID).Int("version", out.Version).Msg("Reconciled with room state")
	s.notify(out, u)
	return out, nil
}

func (s *Synchronizer) recordLocked(e *matchEntry, h HistoryEntry) {
	e.history = append(e.history, h)
	if limit := s.config.HistoryLimit; limit > 0 && len(e.history) > limit {
		e.history = append([]HistoryEntry(nil), e.history[len(e.history)-limit:]...)
	}
}

// State returns a copy of the match state
func (s *Synchronizer) State(matchID string) (MatchState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.matches[matchID]
	if !ok {
		return MatchState{}, false
	}
	return e.state.Clone(), true
}

// History returns the retained history for a match, oldest first
func (s *Synchronizer) History(matchID string) []HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.matches[matchID]
	if !ok {
		return nil
	}
	return append([]HistoryEntry(nil), e.history...)
}

// Matches lists the ids of every live match
func (s *Synchronizer) Matches() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.matches))
	for id := range s.matches {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CreateSnapshot captures the live state of a match
func (s *Synchronizer) CreateSnapshot(matchID string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.matches[matchID]
	if !ok {
		return Snapshot{}, ErrUnknownMatch
	}
	snap := Snapshot{TakenAt: s.clock.Now(), State: e.state.Clone()}
	e.snapshots = append(e.snapshots, snap)
	if limit := s.config.MaxSnapshots; limit > 0 && len(e.snapshots) > limit {
		e.snapshots = append([]Snapshot(nil), e.snapshots[len(e.snapshots)-limit:]...)
	}
	return snap, nil
}

// Snapshots returns the retained snapshots of a match, oldest first
func (s *Synchronizer) Snapshots(matchID string) []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.matches[matchID]
	if !ok {
		return nil
	}
	return append([]Snapshot(nil), e.snapshots...)
}

func (s *Synchronizer) snapshotLoop(matchID string, stop <-chan struct{}) {
	ticker := s.clock.NewTicker(s.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			if _, err := s.CreateSnapshot(matchID); err != nil {
				return
			}
		}
	}
}

// RecoverState restores the most recent snapshot under a version past the current one.
// Active users are kept as they are now.
func (s *Synchronizer) RecoverState(matchID string) (MatchState, error) {
	s.mu.Lock()
	e, ok := s.matches[matchID]
	if !ok {
		s.mu.Unlock()
		return MatchState{}, ErrUnknownMatch
	}
	if len(e.snapshots) == 0 {
		s.mu.Unlock()
		return MatchState{}, ErrNoSnapshot
	}

	cur := e.state
	snap := e.snapshots[len(e.snapshots)-1]
	now := s.clock.Now()

	next := snap.State.Clone()
	next.ActiveUsers = cur.Clone().ActiveUsers
	next.Version = cur.Version + 1
	next.LastUpdated = now
	next.LastUpdatedBy = RecoveryUser
	next.LastUpdatedRole = access.RoleUnknown
	e.state = next

	u := StateUpdate{
		MatchID:    matchID,
		UserID:     RecoveryUser,
		Timestamp:  now,
		Version:    next.Version,
		Changes:    next.Changes(),
		ChangeType: ChangeFull,
	}
	s.recordLocked(e, HistoryEntry{
		Timestamp:     now,
		UserID:        RecoveryUser,
		PreviousState: cur.Clone(),
		NewState:      next.Clone(),
		Changes:       u.Changes,
		ChangeType:    ChangeFull,
		Recovered:     true,
	})
	out := next.Clone()
	s.mu.Unlock()

	s.log.Warn().
		Str("match_id", matchID).
		Time("snapshot_at", snap.TakenAt).
		Int("version", out.Version).
		Msg("Recovered match state from snapshot")
	s.notify(out, u)
	return out, nil
}

// Restore seeds state handed over from elsewhere (another tab). It is ignored when the
// local state is already at or past its version. Local active users are kept.
func (s *Synchronizer) Restore(state MatchState) bool {
	s.mu.Lock()
	state = state.Clone()
	e, ok := s.matches[state.MatchID]
	if ok && e.state.Version >= state.Version {
		s.mu.Unlock()
		return false
	}

	h := HistoryEntry{
		Timestamp:  s.clock.Now(),
		UserID:     state.LastUpdatedBy,
		UserRole:   state.LastUpdatedRole,
		Changes:    state.Changes(),
		ChangeType: ChangeFull,
	}
	if ok {
		h.PreviousState = e.state.Clone()
		state.ActiveUsers = e.state.Clone().ActiveUsers
		e.state = state
	} else {
		if state.ActiveUsers == nil {
			state.ActiveUsers = make(UserSet)
		}
		e = s.addLocked(state.MatchID, state)
	}
	h.NewState = state.Clone()
	s.recordLocked(e, h)
	out := state.Clone()
	s.mu.Unlock()

	s.notify(out, StateUpdate{
		MatchID:    out.MatchID,
		UserID:     h.UserID,
		UserRole:   h.UserRole,
		Timestamp:  h.Timestamp,
		Version:    out.Version,
		Changes:    h.Changes,
		ChangeType: ChangeFull,
	})
	return true
}

// AddActiveUser marks userID present in a match
func (s *Synchronizer) AddActiveUser(matchID, userID string) error {
	return s.editUsers(matchID, func(u UserSet) { u[userID] = struct{}{} })
}

// RemoveActiveUser marks userID gone from a match
func (s *Synchronizer) RemoveActiveUser(matchID, userID string) error {
	return s.editUsers(matchID, func(u UserSet) { delete(u, userID) })
}

func (s *Synchronizer) editUsers(matchID string, edit func(UserSet)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.matches[matchID]
	if !ok {
		return ErrUnknownMatch
	}
	if e.state.ActiveUsers == nil {
		e.state.ActiveUsers = make(UserSet)
	}
	edit(e.state.ActiveUsers)
	return nil
}

// CleanupMatch stops a match's snapshot timer and releases its state, history and snapshots
func (s *Synchronizer) CleanupMatch(matchID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.matches[matchID]; ok {
		close(e.stop)
		delete(s.matches, matchID)
		s.log.Debug().Str("match_id", matchID).Msg("Cleaned up match state")
	}
}

// Close releases every match
func (s *Synchronizer) Close() {
	for _, id := range s.Matches() {
		s.CleanupMatch(id)
	}
}

// OnStateUpdate registers cb for every state transition
func (s *Synchronizer) OnStateUpdate(cb UpdateFunc) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.subs[id] = cb
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Synchronizer) notify(state MatchState, u StateUpdate) {
	s.mu.Lock()
	ids := make([]uint64, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	cbs := make([]UpdateFunc, 0, len(ids))
	for _, id := range ids {
		cbs = append(cbs, s.subs[id])
	}
	s.mu.Unlock()

	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error().Interface("panic", r).Str("match_id", state.MatchID).Msg("State update callback panicked")
				}
			}()
			cb(state.Clone(), u)
		}()
	}
}
