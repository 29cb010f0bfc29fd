package events

import (
	"encoding/json"
	"fmt"
)

// Decode parses raw event data into the payload variant registered for name.
// Names outside the vocabulary decode to RawPayload.
func Decode(name Name, raw json.RawMessage) (Payload, error) {
	switch name {
	case JoinTournament:
		return decodeInto[JoinTournamentPayload](name, raw)
	case LeaveTournament:
		return decodeInto[LeaveTournamentPayload](name, raw)
	case JoinFieldRoom:
		return decodeInto[JoinFieldRoomPayload](name, raw)
	case LeaveFieldRoom:
		return decodeInto[LeaveFieldRoomPayload](name, raw)
	case TimerUpdate:
		return decodeInto[TimerUpdatePayload](name, raw)
	case TimerStart:
		return decodeInto[TimerStartPayload](name, raw)
	case TimerPause:
		return decodeInto[TimerPausePayload](name, raw)
	case TimerReset:
		return decodeInto[TimerResetPayload](name, raw)
	case ScoreUpdate:
		return decodeInto[ScoreUpdatePayload](name, raw)
	case MatchUpdate:
		return decodeInto[MatchUpdatePayload](name, raw)
	case MatchStateChange:
		return decodeInto[MatchStateChangePayload](name, raw)
	case DisplayModeChange:
		return decodeInto[DisplayModeChangePayload](name, raw)
	case Announcement:
		return decodeInto[AnnouncementPayload](name, raw)
	case JoinCollaborativeSession:
		return decodeInto[JoinSessionPayload](name, raw)
	case LeaveCollaborativeSession:
		return decodeInto[LeaveSessionPayload](name, raw)
	case RequestStateSync:
		return decodeInto[RequestStateSyncPayload](name, raw)
	case SessionHeartbeat:
		return decodeInto[SessionHeartbeatPayload](name, raw)
	case StateSyncResponse:
		return decodeInto[StateSyncResponsePayload](name, raw)
	case UserJoinedSession:
		return decodeInto[UserJoinedSessionPayload](name, raw)
	case UserLeftSession:
		return decodeInto[UserLeftSessionPayload](name, raw)
	case UserDisconnected:
		return decodeInto[UserDisconnectedPayload](name, raw)
	case CollaborativeStateUpdate:
		return decodeInto[CollaborativeStateUpdatePayload](name, raw)
	default:
		if len(raw) > 0 && !json.Valid(raw) {
			return nil, fmt.Errorf("decode %s: invalid json", name)
		}
		return RawPayload{Routing: RoutingOf(raw), Name: name, Data: raw}, nil
	}
}

func decodeInto[T Payload](name Name, raw json.RawMessage) (Payload, error) {
	var payload T
	if len(raw) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return payload, nil
}

// Known reports whether name belongs to the fixed vocabulary
func Known(name Name) bool {
	switch name {
	case JoinTournament, LeaveTournament, JoinFieldRoom, LeaveFieldRoom,
		TimerUpdate, TimerStart, TimerPause, TimerReset,
		ScoreUpdate, MatchUpdate, MatchStateChange, DisplayModeChange, Announcement,
		JoinCollaborativeSession, LeaveCollaborativeSession, RequestStateSync, SessionHeartbeat,
		StateSyncResponse, UserJoinedSession, UserLeftSession, UserDisconnected, CollaborativeStateUpdate:
		return true
	}
	return false
}
