package statesync

import "time"

// conflicts reports whether u collides with the current state. An update conflicts when it
// is based on an older version, or when it lands within window of the last write and either
// declares a different version or comes from a different writer.
func conflicts(cur MatchState, u StateUpdate, window time.Duration) bool {
	if u.Version > 0 && u.Version < cur.Version {
		return true
	}
	if absDuration(cur.LastUpdated.Sub(u.Timestamp)) >= window {
		return false
	}
	if u.Version > 0 && u.Version != cur.Version {
		return true
	}
	return cur.LastUpdatedBy != "" && u.UserID != cur.LastUpdatedBy
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// resolve arbitrates a conflict and returns the resulting state (version and timestamps
// not yet advanced) and the side that was kept.
func resolve(cur MatchState, u StateUpdate, strategy Strategy) (MatchState, Side) {
	next := cur.Clone()

	switch strategy {
	case StrategyRolePriority:
		switch {
		case u.UserRole.Rank() > cur.LastUpdatedRole.Rank():
			return takeIncoming(next, u), SideIncoming
		case u.UserRole.Rank() < cur.LastUpdatedRole.Rank():
			return next, SideCurrent
		}
		return resolveByTimestamp(next, u)

	case StrategyMerge:
		applyMatchFields(&next, u.Changes)
		if newer(u, cur) {
			applyTimer(&next, u.Changes.Timer)
			applyScores(&next, u.Changes.Scores)
		}
		next.LastUpdatedBy = u.UserID
		next.LastUpdatedRole = u.UserRole
		return next, SideMerged

	case StrategyTimestamp:
		return resolveByTimestamp(next, u)

	default:
		return resolveByTimestamp(next, u)
	}
}

func resolveByTimestamp(next MatchState, u StateUpdate) (MatchState, Side) {
	if newer(u, next) {
		return takeIncoming(next, u), SideIncoming
	}
	return next, SideCurrent
}

// newer reports whether u is at least as recent as the current state
func newer(u StateUpdate, cur MatchState) bool {
	return !u.Timestamp.Before(cur.LastUpdated)
}

func takeIncoming(next MatchState, u StateUpdate) MatchState {
	applyChanges(&next, u.Changes)
	next.LastUpdatedBy = u.UserID
	next.LastUpdatedRole = u.UserRole
	return next
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
