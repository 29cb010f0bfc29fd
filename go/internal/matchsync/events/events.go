package events

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Name identifies a named event carried over the socket
type Name string

// Outbound vocabulary
const (
	JoinTournament            Name = "join_tournament"
	LeaveTournament           Name = "leave_tournament"
	JoinFieldRoom             Name = "joinFieldRoom"
	LeaveFieldRoom            Name = "leaveFieldRoom"
	TimerUpdate               Name = "timer_update"
	TimerStart                Name = "timer_start"
	TimerPause                Name = "timer_pause"
	TimerReset                Name = "timer_reset"
	ScoreUpdate               Name = "score_update"
	MatchUpdate               Name = "match_update"
	MatchStateChange          Name = "match_state_change"
	DisplayModeChange         Name = "display_mode_change"
	Announcement              Name = "announcement"
	JoinCollaborativeSession  Name = "join_collaborative_session"
	LeaveCollaborativeSession Name = "leave_collaborative_session"
	RequestStateSync          Name = "request_state_sync"
	SessionHeartbeat          Name = "session_heartbeat"
)

// Inbound-only vocabulary
const (
	StateSyncResponse        Name = "state_sync_response"
	UserJoinedSession        Name = "user_joined_session"
	UserLeftSession          Name = "user_left_session"
	UserDisconnected         Name = "user_disconnected"
	CollaborativeStateUpdate Name = "collaborative_state_update"
)

// ErrEmptyFrame is returned when a frame carries no event name
var ErrEmptyFrame = errors.New("frame has no event name")

// Routing is the routing context every payload may carry
type Routing struct {
	TournamentID string `json:"tournamentId,omitempty"`
	FieldID      string `json:"fieldId,omitempty"`
	MatchID      string `json:"matchId,omitempty"`
}

// Route returns the routing context; promoted into every payload that embeds Routing.
func (r Routing) Route() Routing { return r }

// IsZero reports whether no routing context is declared
func (r Routing) IsZero() bool {
	return r.TournamentID == "" && r.FieldID == "" && r.MatchID == ""
}

// Payload is the closed union of event payloads. Each event name decodes to exactly one
// concrete type; handlers type-switch on it to get the narrowed shape.
type Payload interface {
	EventName() Name
	Route() Routing
	isPayload()
}

// Frame is the wire envelope for a single named event
type Frame struct {
	Event Name            `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode builds a wire frame for a payload
func Encode(p Payload) (Frame, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal %s payload: %w", p.EventName(), err)
	}
	return Frame{Event: p.EventName(), Data: data}, nil
}

// ParseFrame decodes the envelope of a raw text frame without touching the payload
func ParseFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("unmarshal frame: %w", err)
	}
	if f.Event == "" {
		return Frame{}, ErrEmptyFrame
	}
	return f, nil
}

// RoutingOf extracts the routing fields from a raw payload without decoding the variant
func RoutingOf(raw json.RawMessage) Routing {
	var r Routing
	if len(raw) == 0 {
		return r
	}
	_ = json.Unmarshal(raw, &r)
	return r
}
