package access

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mcdev12/matchsync/go/internal/matchsync/events"
)

// ErrRoleEscalation is returned when a role change would raise privileges
var ErrRoleEscalation = errors.New("role change would escalate privileges")

// Role is a user role, ordered from least to most privileged
type Role int

const (
	RoleUnknown Role = iota
	RoleSpectator
	RoleTeamMember
	RoleTeamLeader
	RoleAllianceReferee
	RoleHeadReferee
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RoleSpectator:
		return "COMMON"
	case RoleTeamMember:
		return "TEAM_MEMBER"
	case RoleTeamLeader:
		return "TEAM_LEADER"
	case RoleAllianceReferee:
		return "ALLIANCE_REFEREE"
	case RoleHeadReferee:
		return "HEAD_REFEREE"
	case RoleAdmin:
		return "ADMIN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText encodes the wire name
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText decodes a wire name
func (r *Role) UnmarshalText(text []byte) error {
	role, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = role
	return nil
}

// Rank orders roles for conflict arbitration; higher wins
func (r Role) Rank() int {
	return int(r)
}

// ParseRole accepts the wire names plus a few common spellings
func ParseRole(s string) (Role, error) {
	switch strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_")) {
	case "ADMIN":
		return RoleAdmin, nil
	case "HEAD_REFEREE":
		return RoleHeadReferee, nil
	case "ALLIANCE_REFEREE", "SCORING_ONLY":
		return RoleAllianceReferee, nil
	case "TEAM_LEADER":
		return RoleTeamLeader, nil
	case "TEAM_MEMBER":
		return RoleTeamMember, nil
	case "COMMON", "SPECTATOR":
		return RoleSpectator, nil
	case "", "UNKNOWN":
		return RoleUnknown, nil
	default:
		return RoleUnknown, fmt.Errorf("unknown role %q", s)
	}
}

// Permission is a feature permission
type Permission string

const (
	TimerControl         Permission = "timer_control"
	MatchControl         Permission = "match_control"
	ScoreUpdate          Permission = "score_update"
	DisplayControl       Permission = "display_control"
	TournamentManagement Permission = "tournament_management"
	UserManagement       Permission = "user_management"
	FieldManagement      Permission = "field_management"
	MatchSelection       Permission = "match_selection"
)

// AllPermissions lists every permission
var AllPermissions = []Permission{
	TimerControl, MatchControl, ScoreUpdate, DisplayControl,
	TournamentManagement, UserManagement, FieldManagement, MatchSelection,
}

// PermissionsFor returns the static permission set of r
func PermissionsFor(r Role) []Permission {
	switch r {
	case RoleAdmin:
		return append([]Permission(nil), AllPermissions...)
	case RoleHeadReferee:
		return []Permission{TimerControl, MatchControl, ScoreUpdate, DisplayControl, FieldManagement, MatchSelection}
	case RoleAllianceReferee:
		return []Permission{ScoreUpdate, MatchSelection}
	case RoleTeamLeader, RoleTeamMember, RoleSpectator, RoleUnknown:
		return nil
	default:
		return nil
	}
}

// emitPermission maps outbound control events to the permission they require
func emitPermission(name events.Name) (Permission, bool) {
	switch name {
	case events.TimerUpdate, events.TimerStart, events.TimerPause, events.TimerReset:
		return TimerControl, true
	case events.ScoreUpdate:
		return ScoreUpdate, true
	case events.MatchUpdate, events.MatchStateChange:
		return MatchControl, true
	case events.DisplayModeChange, events.Announcement:
		return DisplayControl, true
	default:
		return "", false
	}
}

// receivePermission maps control-only inbound events to the permission they require.
// Informational broadcasts are always receivable.
func receivePermission(name events.Name) (Permission, bool) {
	switch name {
	case events.StateSyncResponse, events.CollaborativeStateUpdate,
		events.ScoreUpdate, events.TimerUpdate, events.MatchUpdate, events.MatchStateChange,
		events.DisplayModeChange, events.Announcement,
		events.UserJoinedSession, events.UserLeftSession, events.UserDisconnected:
		return "", false
	case events.TimerStart, events.TimerPause, events.TimerReset:
		return TimerControl, true
	default:
		return "", false
	}
}

// Gate maps the current role to its permissions and gates emission and delivery
type Gate struct {
	log zerolog.Logger

	mu      sync.RWMutex
	role    Role
	granted map[Permission]bool
	subs    map[uint64]func(Role)
	nextID  uint64
}

// NewGate creates a gate holding role
func NewGate(role Role, logger zerolog.Logger) *Gate {
	g := &Gate{log: logger, subs: make(map[uint64]func(Role))}
	g.apply(role)
	return g
}

func (g *Gate) apply(role Role) {
	g.role = role
	g.granted = make(map[Permission]bool)
	for _, p := range PermissionsFor(role) {
		g.granted[p] = true
	}
}

// SetRole changes the role. Only an unknown or admin role may move up; everyone else may
// only keep or lower their privileges.
func (g *Gate) SetRole(role Role) error {
	g.mu.Lock()
	current := g.role
	if current != RoleUnknown && current != RoleAdmin && role.Rank() > current.Rank() {
		g.mu.Unlock()
		g.log.Warn().Str("current", current.String()).Str("requested", role.String()).Msg("Rejected role escalation")
		return fmt.Errorf("%w: %s -> %s", ErrRoleEscalation, current, role)
	}
	if current == role {
		g.mu.Unlock()
		return nil
	}
	g.apply(role)
	ids := make([]uint64, 0, len(g.subs))
	for id := range g.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	cbs := make([]func(Role), 0, len(ids))
	for _, id := range ids {
		cbs = append(cbs, g.subs[id])
	}
	g.mu.Unlock()

	g.log.Info().Str("from", current.String()).Str("to", role.String()).Msg("Role changed")
	for _, cb := range cbs {
		cb(role)
	}
	return nil
}

// Role returns the current role
func (g *Gate) Role() Role {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.role
}

// CanAccess reports whether the current role holds p
func (g *Gate) CanAccess(p Permission) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.granted[p]
}

// CanEmitEvent reports whether the current role may emit name
func (g *Gate) CanEmitEvent(name events.Name) bool {
	p, ok := emitPermission(name)
	if !ok {
		return true
	}
	return g.CanAccess(p)
}

// CanReceiveEvent reports whether name may be delivered to subscribers
func (g *Gate) CanReceiveEvent(name events.Name) bool {
	p, ok := receivePermission(name)
	if !ok {
		return true
	}
	return g.CanAccess(p)
}

// OnRoleChange registers cb for accepted role changes
func (g *Gate) OnRoleChange(cb func(Role)) func() {
	g.mu.Lock()
	g.nextID++
	id := g.nextID
	g.subs[id] = cb
	g.mu.Unlock()

	return func() {
		g.mu.Lock()
		delete(g.subs, id)
		g.mu.Unlock()
	}
}
