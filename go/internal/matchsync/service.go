package matchsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/matchsync/go/internal/matchsync/access"
	"github.com/mcdev12/matchsync/go/internal/matchsync/dispatch"
	"github.com/mcdev12/matchsync/go/internal/matchsync/events"
	"github.com/mcdev12/matchsync/go/internal/matchsync/socket"
	"github.com/mcdev12/matchsync/go/internal/matchsync/statesync"
	"github.com/mcdev12/matchsync/go/internal/matchsync/tabs"
	"github.com/mcdev12/matchsync/go/internal/matchsync/throttle"
)

// Option configures a Service
type Option func(*Service)

// WithClock sets the clock shared by every component
func WithClock(clock clockwork.Clock) Option {
	return func(s *Service) { s.clock = clock }
}

// WithLogger sets the logger shared by every component
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) { s.log = logger }
}

// WithDialer sets the transport used for the real connection
func WithDialer(dialer socket.Dialer) Option {
	return func(s *Service) { s.dialer = dialer }
}

// WithTabBus enables cross-tab coordination over bus; only the elected owner opens the
// real connection.
func WithTabBus(bus tabs.Bus) Option {
	return func(s *Service) { s.bus = bus }
}

// serverUser attributes state sync responses
const serverUser = "system:server"

type session struct {
	stop chan struct{}
}

// Service wires the connection manager, dispatcher, rate limiter, access gate, state
// synchronizer and (optionally) the cross-tab coordinator into one client runtime.
type Service struct {
	config Config
	clock  clockwork.Clock
	log    zerolog.Logger
	dialer socket.Dialer
	bus    tabs.Bus

	conn       *socket.Manager
	coord      *tabs.Coordinator
	tabSock    *tabs.Socket
	sock       dispatch.Socket
	gate       *access.Gate
	limiter    *throttle.Limiter
	dispatcher *dispatch.Manager
	syncer     *statesync.Synchronizer

	mu       sync.Mutex
	started  bool
	sessions map[string]*session
	stops    []func()
}

// New builds a service. Nothing connects until Start.
func New(config Config, opts ...Option) *Service {
	if config.URL == "" {
		config.URL = DefaultURL
	}
	s := &Service{
		config:   config,
		clock:    clockwork.NewRealClock(),
		log:      log.Logger,
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(s)
	}

	socketOpts := []socket.Option{socket.WithClock(s.clock), socket.WithLogger(s.log.With().Str("component", "socket").Logger())}
	if s.dialer != nil {
		socketOpts = append(socketOpts, socket.WithDialer(s.dialer))
	}
	s.conn = socket.NewManager(config.Socket, socketOpts...)
	s.sock = s.conn.Socket()

	if s.bus != nil {
		s.coord = tabs.NewCoordinator(s.bus, config.Tabs,
			tabs.WithClock(s.clock),
			tabs.WithLogger(s.log.With().Str("component", "tabs").Logger()),
			tabs.WithPromote(func(ctx context.Context) error { return s.conn.Connect(ctx, s.config.URL) }),
			tabs.WithDemote(s.conn.Disconnect),
			tabs.WithStateProvider(s.liveStates),
			tabs.WithStateHandler(s.adoptStates),
		)
		s.tabSock = tabs.NewSocket(s.coord, s.conn.Socket(), s.log)
		s.sock = s.tabSock
	}

	s.gate = access.NewGate(config.Role, s.log.With().Str("component", "access").Logger())
	s.limiter = throttle.New(
		throttle.WithClock(s.clock),
		throttle.WithLogger(s.log.With().Str("component", "throttle").Logger()),
		throttle.WithOverrides(config.Debounce),
	)
	s.dispatcher = dispatch.New(s.sock,
		dispatch.WithLogger(s.log.With().Str("component", "dispatch").Logger()),
		dispatch.WithReceiveGate(s.gate),
	)
	if s.tabSock != nil {
		// sibling emissions share the owner's critical queue
		s.tabSock.ForwardEmits(func(ctx context.Context, name events.Name, data json.RawMessage) error {
			return s.dispatcher.EmitRaw(ctx, name, data)
		})
	}
	s.syncer = statesync.New(config.Sync,
		statesync.WithClock(s.clock),
		statesync.WithLogger(s.log.With().Str("component", "statesync").Logger()),
	)

	s.stops = append(s.stops,
		s.dispatcher.Intercept(events.CollaborativeStateUpdate, s.onRemoteUpdate),
		s.dispatcher.Intercept(events.StateSyncResponse, s.onSyncResponse),
		s.dispatcher.Intercept(events.UserJoinedSession, s.onPresence),
		s.dispatcher.Intercept(events.UserLeftSession, s.onPresence),
		s.dispatcher.Intercept(events.UserDisconnected, s.onPresence),
		s.dispatcher.Intercept(events.ScoreUpdate, s.onBroadcast),
		s.dispatcher.Intercept(events.TimerUpdate, s.onBroadcast),
		s.dispatcher.Intercept(events.TimerStart, s.onBroadcast),
		s.dispatcher.Intercept(events.TimerPause, s.onBroadcast),
		s.dispatcher.Intercept(events.TimerReset, s.onBroadcast),
		s.dispatcher.Intercept(events.MatchUpdate, s.onBroadcast),
		s.dispatcher.Intercept(events.MatchStateChange, s.onBroadcast),
		s.sock.OnStatusChange(s.onStatus),
	)
	if s.coord != nil {
		s.stops = append(s.stops, s.coord.OnMessage(s.onTabMessage))
	}
	return s
}

// Start opens the connection, or joins the tab room when cross-tab coordination is enabled.
// A failed first dial is returned but keeps retrying in the background.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	if s.coord != nil {
		if err := s.coord.Join(ctx); err != nil {
			return fmt.Errorf("start tab coordination: %w", err)
		}
		s.log.Info().Str("tab_id", s.coord.ID()).Msg("Match sync started in tab mode")
		return nil
	}
	if err := s.conn.Connect(ctx, s.config.URL); err != nil {
		return fmt.Errorf("connect %s: %w", s.config.URL, err)
	}
	s.log.Info().Str("url", s.config.URL).Msg("Match sync started")
	return nil
}

// Stop leaves every session, hands tab ownership over and closes the connection
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	matchIDs := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		matchIDs = append(matchIDs, id)
	}
	s.mu.Unlock()

	var errs []error
	for _, id := range matchIDs {
		if err := s.LeaveSession(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	s.limiter.CancelAll()

	if s.coord != nil {
		if err := s.coord.Leave(ctx); err != nil {
			errs = append(errs, err)
		}
		s.tabSock.Close()
	}
	for _, stop := range s.stops {
		stop()
	}
	s.stops = nil
	s.dispatcher.Close()
	s.syncer.Close()
	s.conn.Close()

	s.log.Info().Msg("Match sync stopped")
	return errors.Join(errs...)
}

// On subscribes cb to inbound events named name
func (s *Service) On(name events.Name, cb dispatch.Callback, opts ...dispatch.SubscribeOption) func() {
	return s.dispatcher.On(name, cb, opts...)
}

// OnError registers cb for subscriber faults and undecodable payloads
func (s *Service) OnError(cb func(error)) func() {
	return s.dispatcher.OnError(cb)
}

// Emit sends p after the access check. Room and session control events go out immediately;
// everything else is debounced per event and routing context. A denied emission is logged
// and dropped.
func (s *Service) Emit(ctx context.Context, p events.Payload) error {
	name := p.EventName()
	if !s.gate.CanEmitEvent(name) {
		s.log.Warn().Str("event", string(name)).Str("role", s.gate.Role().String()).Msg("Emission denied for role")
		return nil
	}
	if !debounced(name) {
		return s.dispatcher.Emit(ctx, p)
	}
	s.debounce(throttle.Key(name, p.Route()), p, s.limiter.ConfigForEvent(name))
	return nil
}

func (s *Service) debounce(key string, p events.Payload, cfg throttle.Config) {
	s.limiter.Debounce(key, func(p events.Payload) {
		if err := s.dispatcher.Emit(context.Background(), p); err != nil {
			s.log.Warn().Err(err).Str("event", string(p.EventName())).Msg("Debounced emission failed")
		}
	}, p, cfg)
}

// debounced reports whether name is rate limited; room and session control is not
func debounced(name events.Name) bool {
	switch name {
	case events.JoinTournament, events.LeaveTournament, events.JoinFieldRoom, events.LeaveFieldRoom,
		events.JoinCollaborativeSession, events.LeaveCollaborativeSession,
		events.RequestStateSync, events.SessionHeartbeat:
		return false
	}
	return true
}

func (s *Service) room(routing events.Routing) events.RoomFields {
	return events.RoomFields{Routing: routing, UserID: s.config.UserID}
}

func (s *Service) sessionFields(matchID string) events.SessionFields {
	return events.SessionFields{
		Routing:  events.Routing{MatchID: matchID},
		UserID:   s.config.UserID,
		UserRole: s.gate.Role().String(),
	}
}

// JoinTournament joins the tournament room
func (s *Service) JoinTournament(ctx context.Context, tournamentID string) error {
	return s.Emit(ctx, events.JoinTournamentPayload{RoomFields: s.room(events.Routing{TournamentID: tournamentID})})
}

// LeaveTournament leaves the tournament room
func (s *Service) LeaveTournament(ctx context.Context, tournamentID string) error {
	return s.Emit(ctx, events.LeaveTournamentPayload{RoomFields: s.room(events.Routing{TournamentID: tournamentID})})
}

// JoinFieldRoom joins the room of one field within a tournament
func (s *Service) JoinFieldRoom(ctx context.Context, tournamentID, fieldID string) error {
	return s.Emit(ctx, events.JoinFieldRoomPayload{RoomFields: s.room(events.Routing{TournamentID: tournamentID, FieldID: fieldID})})
}

// LeaveFieldRoom leaves a field room
func (s *Service) LeaveFieldRoom(ctx context.Context, tournamentID, fieldID string) error {
	return s.Emit(ctx, events.LeaveFieldRoomPayload{RoomFields: s.room(events.Routing{TournamentID: tournamentID, FieldID: fieldID})})
}

// JoinSession starts collaborating on matchID: it initializes the local state, joins the
// session room, starts the heartbeat and asks the room for its current state.
func (s *Service) JoinSession(ctx context.Context, matchID string) (statesync.MatchState, error) {
	if matchID == "" {
		return statesync.MatchState{}, statesync.ErrUnknownMatch
	}
	state := s.syncer.InitializeMatchState(matchID, events.StateChanges{})
	if s.config.UserID != "" {
		_ = s.syncer.AddActiveUser(matchID, s.config.UserID)
	}

	s.mu.Lock()
	_, joined := s.sessions[matchID]
	if !joined {
		sess := &session{stop: make(chan struct{})}
		s.sessions[matchID] = sess
		if s.config.HeartbeatInterval > 0 {
			go s.heartbeat(matchID, sess.stop)
		}
	}
	s.mu.Unlock()
	if joined {
		return state, nil
	}

	if err := s.Emit(ctx, events.JoinSessionPayload{SessionFields: s.sessionFields(matchID)}); err != nil {
		return state, fmt.Errorf("join session %s: %w", matchID, err)
	}
	if err := s.RequestStateSync(ctx, matchID); err != nil && !errors.Is(err, socket.ErrNotConnected) {
		return state, err
	}
	s.log.Info().Str("match_id", matchID).Msg("Joined collaborative session")
	state, _ = s.syncer.State(matchID)
	return state, nil
}

// LeaveSession stops the heartbeat, leaves the session room and releases the match state
func (s *Service) LeaveSession(ctx context.Context, matchID string) error {
	s.mu.Lock()
	sess, ok := s.sessions[matchID]
	delete(s.sessions, matchID)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	close(sess.stop)
	if n := s.limiter.CancelPrefix(proposalKey(matchID, "")); n > 0 {
		s.log.Debug().Str("match_id", matchID).Int("dropped", n).Msg("Dropped pending proposals")
	}

	err := s.Emit(ctx, events.LeaveSessionPayload{SessionFields: s.sessionFields(matchID)})
	s.syncer.CleanupMatch(matchID)
	s.log.Info().Str("match_id", matchID).Msg("Left collaborative session")
	if err != nil && !errors.Is(err, socket.ErrNotConnected) {
		return fmt.Errorf("leave session %s: %w", matchID, err)
	}
	return nil
}

func (s *Service) heartbeat(matchID string, stop <-chan struct{}) {
	ticker := s.clock.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			p := events.SessionHeartbeatPayload{SessionFields: s.sessionFields(matchID)}
			if err := s.Emit(context.Background(), p); err != nil {
				s.log.Debug().Err(err).Str("match_id", matchID).Msg("Heartbeat not sent")
			}
		case <-stop:
			return
		}
	}
}

// RequestStateSync asks the session room for its authoritative state
func (s *Service) RequestStateSync(ctx context.Context, matchID string) error {
	return s.Emit(ctx, events.RequestStateSyncPayload{SessionFields: s.sessionFields(matchID)})
}

// ProposeUpdate applies a local change through the synchronizer and emits it, debounced,
// to the session. Missing user, role, timestamp and base version are filled in.
func (s *Service) ProposeUpdate(ctx context.Context, u statesync.StateUpdate) (statesync.MatchState, error) {
	if u.ChangeType == "" {
		u.ChangeType = statesync.ChangeFull
	}
	cur, ok := s.syncer.State(u.MatchID)
	if !ok {
		return statesync.MatchState{}, fmt.Errorf("propose update for %q: %w", u.MatchID, statesync.ErrUnknownMatch)
	}
	if perm := proposePermission(u.ChangeType); !s.gate.CanAccess(perm) {
		s.log.Warn().Str("match_id", u.MatchID).Str("change_type", string(u.ChangeType)).
			Str("role", s.gate.Role().String()).Msg("State change denied for role")
		return cur, nil
	}
	if u.UserID == "" {
		u.UserID = s.config.UserID
	}
	u.UserRole = s.gate.Role()
	if u.Timestamp.IsZero() {
		u.Timestamp = s.clock.Now()
	}
	if u.Version == 0 {
		u.Version = cur.Version
	}

	state, err := s.syncer.SyncState(u)
	if err != nil {
		return statesync.MatchState{}, fmt.Errorf("propose update for %q: %w", u.MatchID, err)
	}

	p := events.CollaborativeStateUpdatePayload{
		Routing:    events.Routing{MatchID: u.MatchID},
		UserID:     u.UserID,
		UserRole:   u.UserRole.String(),
		Timestamp:  u.Timestamp,
		Version:    u.Version,
		ChangeType: string(u.ChangeType),
		Changes:    outboundChanges(state, u.ChangeType),
	}
	s.debounce(proposalKey(u.MatchID, u.ChangeType), p, s.limiter.ConfigForEvent(events.CollaborativeStateUpdate))

	if s.coord != nil {
		if err := s.coord.Broadcast(ctx, tabs.Message{Type: tabs.MsgState, States: []statesync.MatchState{state}}); err != nil {
			s.log.Warn().Err(err).Str("match_id", u.MatchID).Msg("Failed to share state with tabs")
		}
	}
	return state, nil
}

// proposalKey debounces proposals per match and change type; an empty change type yields
// the prefix shared by every proposal key of the match
func proposalKey(matchID string, ct statesync.ChangeType) string {
	return throttle.Key(events.CollaborativeStateUpdate, events.Routing{MatchID: matchID}) + ":" + string(ct)
}

// proposePermission is the permission a local change of type ct requires
func proposePermission(ct statesync.ChangeType) access.Permission {
	switch ct {
	case statesync.ChangeTimer:
		return access.TimerControl
	case statesync.ChangeScore:
		return access.ScoreUpdate
	default:
		return access.MatchControl
	}
}

// outboundChanges carries the whole section touched by ct, so coalesced emissions never
// drop an earlier partial edit
func outboundChanges(state statesync.MatchState, ct statesync.ChangeType) events.StateChanges {
	full := state.Changes()
	switch ct {
	case statesync.ChangeTimer:
		return events.StateChanges{Timer: full.Timer}
	case statesync.ChangeScore:
		return events.StateChanges{Scores: full.Scores}
	case statesync.ChangeMatch:
		full.Timer = nil
		full.Scores = nil
		return full
	default:
		return full
	}
}

func (s *Service) onRemoteUpdate(p events.Payload) {
	upd, ok := p.(events.CollaborativeStateUpdatePayload)
	if !ok || upd.MatchID == "" {
		return
	}
	if upd.UserID != "" && upd.UserID == s.config.UserID {
		return
	}
	role, err := access.ParseRole(upd.UserRole)
	if err != nil {
		role = access.RoleUnknown
	}
	ct, err := statesync.ParseChangeType(upd.ChangeType)
	if err != nil {
		s.log.Warn().Err(err).Str("match_id", upd.MatchID).Msg("Dropping state update")
		return
	}
	if _, err := s.syncer.SyncState(statesync.StateUpdate{
		MatchID:    upd.MatchID,
		UserID:     upd.UserID,
		UserRole:   role,
		Timestamp:  upd.Timestamp,
		Version:    upd.Version,
		Changes:    upd.Changes,
		ChangeType: ct,
	}); err != nil {
		s.log.Warn().Err(err).Str("match_id", upd.MatchID).Msg("Failed to apply remote state update")
	}
}

func (s *Service) onSyncResponse(p events.Payload) {
	resp, ok := p.(events.StateSyncResponsePayload)
	if !ok || resp.MatchID == "" {
		return
	}
	if _, err := s.syncer.Reconcile(statesync.StateUpdate{
		MatchID:   resp.MatchID,
		UserID:    serverUser,
		UserRole:  access.RoleAdmin,
		Timestamp: resp.LastUpdated,
		Version:   resp.Version,
		Changes:   resp.State,
	}); err != nil {
		s.log.Warn().Err(err).Str("match_id", resp.MatchID).Msg("Failed to apply state sync response")
		return
	}
	for _, id := range resp.ActiveUsers {
		_ = s.syncer.AddActiveUser(resp.MatchID, id)
	}
}

// onBroadcast folds room broadcasts of score, timer and match fields into the state of a
// joined match
func (s *Service) onBroadcast(p events.Payload) {
	matchID := p.Route().MatchID
	if matchID == "" {
		return
	}
	if _, ok := s.syncer.State(matchID); !ok {
		return
	}
	changes, ct, ok := broadcastChanges(p)
	if !ok {
		return
	}
	if _, err := s.syncer.SyncState(statesync.StateUpdate{
		MatchID:    matchID,
		UserID:     serverUser,
		UserRole:   access.RoleAdmin,
		Timestamp:  s.clock.Now(),
		Changes:    changes,
		ChangeType: ct,
	}); err != nil {
		s.log.Warn().Err(err).Str("match_id", matchID).Str("event", string(p.EventName())).Msg("Failed to apply broadcast")
	}
}

func broadcastChanges(p events.Payload) (events.StateChanges, statesync.ChangeType, bool) {
	switch ev := p.(type) {
	case events.ScoreUpdatePayload:
		return events.StateChanges{Scores: &events.ScoreChanges{
			RedAuto:     &ev.RedAuto,
			RedDrive:    &ev.RedDrive,
			RedTotal:    &ev.RedTotal,
			RedPenalty:  &ev.RedPenalty,
			BlueAuto:    &ev.BlueAuto,
			BlueDrive:   &ev.BlueDrive,
			BlueTotal:   &ev.BlueTotal,
			BluePenalty: &ev.BluePenalty,
		}}, statesync.ChangeScore, true
	case events.TimerUpdatePayload:
		return timerChanges(ev.TimerFields), statesync.ChangeTimer, true
	case events.TimerStartPayload:
		return timerChanges(ev.TimerFields), statesync.ChangeTimer, true
	case events.TimerPausePayload:
		return timerChanges(ev.TimerFields), statesync.ChangeTimer, true
	case events.TimerResetPayload:
		return timerChanges(ev.TimerFields), statesync.ChangeTimer, true
	case events.MatchUpdatePayload:
		var c events.StateChanges
		if ev.Status != "" {
			c.Status = &ev.Status
		}
		if ev.CurrentPeriod != "" {
			c.CurrentPeriod = &ev.CurrentPeriod
		}
		c.RedTeams = ev.RedTeams
		c.BlueTeams = ev.BlueTeams
		return c, statesync.ChangeMatch, true
	case events.MatchStateChangePayload:
		if ev.State == "" {
			return events.StateChanges{}, "", false
		}
		return events.StateChanges{Status: &ev.State}, statesync.ChangeMatch, true
	default:
		return events.StateChanges{}, "", false
	}
}

func timerChanges(t events.TimerFields) events.StateChanges {
	return events.StateChanges{Timer: &events.TimerChanges{
		Duration:  &t.Duration,
		Remaining: &t.Remaining,
		IsRunning: &t.IsRunning,
	}}
}

func (s *Service) onPresence(p events.Payload) {
	var (
		fields events.SessionFields
		joined bool
	)
	switch ev := p.(type) {
	case events.UserJoinedSessionPayload:
		fields, joined = ev.SessionFields, true
	case events.UserLeftSessionPayload:
		fields = ev.SessionFields
	case events.UserDisconnectedPayload:
		fields = ev.SessionFields
	default:
		return
	}
	if fields.MatchID == "" || fields.UserID == "" {
		return
	}

	var err error
	if joined {
		err = s.syncer.AddActiveUser(fields.MatchID, fields.UserID)
	} else {
		err = s.syncer.RemoveActiveUser(fields.MatchID, fields.UserID)
	}
	if err != nil {
		s.log.Debug().Err(err).Str("match_id", fields.MatchID).Str("user_id", fields.UserID).Msg("Presence for unknown match")
	}
}

// onStatus re-requests the state of every joined session after each reconnect
func (s *Service) onStatus(st socket.Status) {
	if st.State != socket.StateConnected {
		return
	}
	s.mu.Lock()
	matchIDs := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		matchIDs = append(matchIDs, id)
	}
	s.mu.Unlock()

	for _, id := range matchIDs {
		if err := s.RequestStateSync(context.Background(), id); err != nil {
			s.log.Warn().Err(err).Str("match_id", id).Msg("Failed to request state after reconnect")
		}
	}
}

func (s *Service) onTabMessage(msg tabs.Message) {
	if msg.Type == tabs.MsgState {
		s.adoptStates(msg.States)
	}
}

func (s *Service) liveStates() []statesync.MatchState {
	ids := s.syncer.Matches()
	out := make([]statesync.MatchState, 0, len(ids))
	for _, id := range ids {
		if st, ok := s.syncer.State(id); ok {
			out = append(out, st)
		}
	}
	return out
}

func (s *Service) adoptStates(states []statesync.MatchState) {
	for _, st := range states {
		if s.syncer.Restore(st) {
			s.log.Debug().Str("match_id", st.MatchID).Int("version", st.Version).Msg("Adopted state from tab")
		}
	}
}

// SetRole changes the access role; escalation from a non-admin role is refused
func (s *Service) SetRole(role access.Role) error {
	return s.gate.SetRole(role)
}

// Role returns the current access role
func (s *Service) Role() access.Role {
	return s.gate.Role()
}

// Status returns the connection status seen by this tab
func (s *Service) Status() socket.Status {
	if s.tabSock != nil {
		return s.tabSock.Status()
	}
	return s.conn.Status()
}

// OnStatusChange registers cb for connection status changes and replays the current one
func (s *Service) OnStatusChange(cb func(socket.Status)) func() {
	return s.sock.OnStatusChange(cb)
}

// ForceReconnect redials immediately with a fresh attempt budget
func (s *Service) ForceReconnect(ctx context.Context) error {
	if s.coord != nil && !s.coord.IsOwner() {
		return tabs.ErrNotOwner
	}
	return s.conn.ForceReconnect(ctx)
}

// State returns a copy of the current state of matchID
func (s *Service) State(matchID string) (statesync.MatchState, bool) {
	return s.syncer.State(matchID)
}

// History returns the bounded transition history of matchID
func (s *Service) History(matchID string) []statesync.HistoryEntry {
	return s.syncer.History(matchID)
}

// RecoverState restores the latest snapshot of matchID. Operator action only.
func (s *Service) RecoverState(matchID string) (statesync.MatchState, error) {
	return s.syncer.RecoverState(matchID)
}

// OnStateUpdate registers cb for every state transition
func (s *Service) OnStateUpdate(cb statesync.UpdateFunc) func() {
	return s.syncer.OnStateUpdate(cb)
}

// Stats reports dispatcher bookkeeping
func (s *Service) Stats() dispatch.Stats {
	return s.dispatcher.Stats()
}
