package events

import (
	"encoding/json"
	"time"
)

// RoomFields is shared by the room join/leave payloads
type RoomFields struct {
	Routing
	UserID string `json:"userId,omitempty"`
}

// TimerFields carries the match timer. Remaining and IsRunning are enough to rebuild the clock.
type TimerFields struct {
	Routing
	Duration  int  `json:"duration"`
	Remaining int  `json:"remaining"`
	IsRunning bool `json:"isRunning"`
}

type JoinTournamentPayload struct{ RoomFields }
type LeaveTournamentPayload struct{ RoomFields }
type JoinFieldRoomPayload struct{ RoomFields }
type LeaveFieldRoomPayload struct{ RoomFields }

type TimerUpdatePayload struct{ TimerFields }
type TimerStartPayload struct{ TimerFields }
type TimerPausePayload struct{ TimerFields }
type TimerResetPayload struct{ TimerFields }

// ScoreUpdatePayload carries per-alliance score components
type ScoreUpdatePayload struct {
	Routing
	RedAuto     int `json:"redAuto"`
	RedDrive    int `json:"redDrive"`
	RedTotal    int `json:"redTotal"`
	RedPenalty  int `json:"redPenalty"`
	BlueAuto    int `json:"blueAuto"`
	BlueDrive   int `json:"blueDrive"`
	BlueTotal   int `json:"blueTotal"`
	BluePenalty int `json:"bluePenalty"`
}

type MatchUpdatePayload struct {
	Routing
	Status        string   `json:"status,omitempty"`
	CurrentPeriod string   `json:"currentPeriod,omitempty"`
	RedTeams      []string `json:"redTeams,omitempty"`
	BlueTeams     []string `json:"blueTeams,omitempty"`
}

type MatchStateChangePayload struct {
	Routing
	State string `json:"state"`
}

type DisplayModeChangePayload struct {
	Routing
	DisplayMode string `json:"displayMode"`
}

type AnnouncementPayload struct {
	Routing
	Message  string `json:"message"`
	Duration int    `json:"duration,omitempty"`
}

// SessionFields is shared by the collaborative-session payloads
type SessionFields struct {
	Routing
	UserID   string `json:"userId,omitempty"`
	UserRole string `json:"userRole,omitempty"`
}

type JoinSessionPayload struct{ SessionFields }
type LeaveSessionPayload struct{ SessionFields }
type RequestStateSyncPayload struct{ SessionFields }
type SessionHeartbeatPayload struct{ SessionFields }
type UserJoinedSessionPayload struct{ SessionFields }
type UserLeftSessionPayload struct{ SessionFields }
type UserDisconnectedPayload struct{ SessionFields }

// TimerChanges is a partial timer; nil fields are untouched
type TimerChanges struct {
	Duration  *int  `json:"duration,omitempty"`
	Remaining *int  `json:"remaining,omitempty"`
	IsRunning *bool `json:"isRunning,omitempty"`
}

// ScoreChanges is a partial score sheet; nil fields are untouched
type ScoreChanges struct {
	RedAuto     *int `json:"redAuto,omitempty"`
	RedDrive    *int `json:"redDrive,omitempty"`
	RedTotal    *int `json:"redTotal,omitempty"`
	RedPenalty  *int `json:"redPenalty,omitempty"`
	BlueAuto    *int `json:"blueAuto,omitempty"`
	BlueDrive   *int `json:"blueDrive,omitempty"`
	BlueTotal   *int `json:"blueTotal,omitempty"`
	BluePenalty *int `json:"bluePenalty,omitempty"`
}

// StateChanges is a partial match state. A full state is a StateChanges with every field set.
type StateChanges struct {
	Status        *string       `json:"status,omitempty"`
	CurrentPeriod *string       `json:"currentPeriod,omitempty"`
	RedTeams      []string      `json:"redTeams,omitempty"`
	BlueTeams     []string      `json:"blueTeams,omitempty"`
	Timer         *TimerChanges `json:"timer,omitempty"`
	Scores        *ScoreChanges `json:"scores,omitempty"`
}

// CollaborativeStateUpdatePayload carries one proposed state change
type CollaborativeStateUpdatePayload struct {
	Routing
	UserID     string       `json:"userId"`
	UserRole   string       `json:"userRole"`
	Timestamp  time.Time    `json:"timestamp"`
	Version    int          `json:"version,omitempty"`
	ChangeType string       `json:"changeType"`
	Changes    StateChanges `json:"changes"`
}

// StateSyncResponsePayload carries the authoritative state held by the server-side room
type StateSyncResponsePayload struct {
	Routing
	Version     int          `json:"version"`
	LastUpdated time.Time    `json:"lastUpdated"`
	State       StateChanges `json:"state"`
	ActiveUsers []string     `json:"activeUsers,omitempty"`
}

// RawPayload holds events outside the known vocabulary
type RawPayload struct {
	Routing
	Name Name            `json:"-"`
	Data json.RawMessage `json:"-"`
}

// MarshalJSON emits the original bytes
func (p RawPayload) MarshalJSON() ([]byte, error) {
	if len(p.Data) == 0 {
		return []byte("null"), nil
	}
	return p.Data, nil
}

func (JoinTournamentPayload) EventName() Name           { return JoinTournament }
func (LeaveTournamentPayload) EventName() Name          { return LeaveTournament }
func (JoinFieldRoomPayload) EventName() Name            { return JoinFieldRoom }
func (LeaveFieldRoomPayload) EventName() Name           { return LeaveFieldRoom }
func (TimerUpdatePayload) EventName() Name              { return TimerUpdate }
func (TimerStartPayload) EventName() Name               { return TimerStart }
func (TimerPausePayload) EventName() Name               { return TimerPause }
func (TimerResetPayload) EventName() Name               { return TimerReset }
func (ScoreUpdatePayload) EventName() Name              { return ScoreUpdate }
func (MatchUpdatePayload) EventName() Name              { return MatchUpdate }
func (MatchStateChangePayload) EventName() Name         { return MatchStateChange }
func (DisplayModeChangePayload) EventName() Name        { return DisplayModeChange }
func (AnnouncementPayload) EventName() Name             { return Announcement }
func (JoinSessionPayload) EventName() Name              { return JoinCollaborativeSession }
func (LeaveSessionPayload) EventName() Name             { return LeaveCollaborativeSession }
func (RequestStateSyncPayload) EventName() Name         { return RequestStateSync }
func (SessionHeartbeatPayload) EventName() Name         { return SessionHeartbeat }
func (StateSyncResponsePayload) EventName() Name        { return StateSyncResponse }
func (UserJoinedSessionPayload) EventName() Name        { return UserJoinedSession }
func (UserLeftSessionPayload) EventName() Name          { return UserLeftSession }
func (UserDisconnectedPayload) EventName() Name         { return UserDisconnected }
func (CollaborativeStateUpdatePayload) EventName() Name { return CollaborativeStateUpdate }
func (p RawPayload) EventName() Name                    { return p.Name }

func (JoinTournamentPayload) isPayload()           {}
func (LeaveTournamentPayload) isPayload()          {}
func (JoinFieldRoomPayload) isPayload()            {}
func (LeaveFieldRoomPayload) isPayload()           {}
func (TimerUpdatePayload) isPayload()              {}
func (TimerStartPayload) isPayload()               {}
func (TimerPausePayload) isPayload()               {}
func (TimerResetPayload) isPayload()               {}
func (ScoreUpdatePayload) isPayload()              {}
func (MatchUpdatePayload) isPayload()              {}
func (MatchStateChangePayload) isPayload()         {}
func (DisplayModeChangePayload) isPayload()        {}
func (AnnouncementPayload) isPayload()             {}
func (JoinSessionPayload) isPayload()              {}
func (LeaveSessionPayload) isPayload()             {}
func (RequestStateSyncPayload) isPayload()         {}
func (SessionHeartbeatPayload) isPayload()         {}
func (StateSyncResponsePayload) isPayload()        {}
func (UserJoinedSessionPayload) isPayload()        {}
func (UserLeftSessionPayload) isPayload()          {}
func (UserDisconnectedPayload) isPayload()         {}
func (CollaborativeStateUpdatePayload) isPayload() {}
func (RawPayload) isPayload()                      {}
