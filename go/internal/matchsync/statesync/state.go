package statesync

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mcdev12/matchsync/go/internal/matchsync/access"
	"github.com/mcdev12/matchsync/go/internal/matchsync/events"
)

// ChangeType classifies a state update
type ChangeType string

const (
	ChangeTimer ChangeType = "timer"
	ChangeScore ChangeType = "score"
	ChangeMatch ChangeType = "match"
	ChangeFull  ChangeType = "full"
)

// ParseChangeType validates a wire change type; empty means full
func ParseChangeType(s string) (ChangeType, error) {
	switch ChangeType(s) {
	case ChangeTimer, ChangeScore, ChangeMatch, ChangeFull:
		return ChangeType(s), nil
	case "":
		return ChangeFull, nil
	default:
		return "", fmt.Errorf("unknown change type %q", s)
	}
}

// Strategy selects how conflicting updates are arbitrated
type Strategy int

const (
	StrategyTimestamp Strategy = iota
	StrategyRolePriority
	StrategyMerge
)

func (s Strategy) String() string {
	switch s {
	case StrategyTimestamp:
		return "timestamp"
	case StrategyRolePriority:
		return "role-priority"
	case StrategyMerge:
		return "merge"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ParseStrategy parses a strategy name
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "timestamp":
		return StrategyTimestamp, nil
	case "role-priority", "role_priority", "rolepriority":
		return StrategyRolePriority, nil
	case "merge":
		return StrategyMerge, nil
	default:
		return StrategyTimestamp, fmt.Errorf("unknown conflict strategy %q", s)
	}
}

// Timer is the match clock
type Timer struct {
	Duration  int  `json:"duration"`
	Remaining int  `json:"remaining"`
	IsRunning bool `json:"isRunning"`
}

// Scores is the per-alliance score sheet
type Scores struct {
	RedAuto     int `json:"redAuto"`
	RedDrive    int `json:"redDrive"`
	RedTotal    int `json:"redTotal"`
	RedPenalty  int `json:"redPenalty"`
	BlueAuto    int `json:"blueAuto"`
	BlueDrive   int `json:"blueDrive"`
	BlueTotal   int `json:"blueTotal"`
	BluePenalty int `json:"bluePenalty"`
}

// UserSet is a set of user ids; it marshals as a sorted list
type UserSet map[string]struct{}

func (u UserSet) Has(id string) bool {
	_, ok := u[id]
	return ok
}

func (u UserSet) List() []string {
	out := make([]string, 0, len(u))
	for id := range u {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (u UserSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.List())
}

func (u *UserSet) UnmarshalJSON(data []byte) error {
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return err
	}
	*u = make(UserSet, len(ids))
	for _, id := range ids {
		(*u)[id] = struct{}{}
	}
	return nil
}

// MatchState is the synchronized state of one match
type MatchState struct {
	MatchID         string      `json:"matchId"`
	Version         int         `json:"version"`
	Status          string      `json:"status"`
	CurrentPeriod   string      `json:"currentPeriod"`
	RedTeams        []string    `json:"redTeams"`
	BlueTeams       []string    `json:"blueTeams"`
	Timer           Timer       `json:"timer"`
	Scores          Scores      `json:"scores"`
	ActiveUsers     UserSet     `json:"activeUsers"`
	LastUpdated     time.Time   `json:"lastUpdated"`
	LastUpdatedBy   string      `json:"lastUpdatedBy,omitempty"`
	LastUpdatedRole access.Role `json:"lastUpdatedRole,omitempty"`
}

// Clone returns a deep copy
func (s MatchState) Clone() MatchState {
	out := s
	out.RedTeams = append([]string(nil), s.RedTeams...)
	out.BlueTeams = append([]string(nil), s.BlueTeams...)
	out.ActiveUsers = make(UserSet, len(s.ActiveUsers))
	for id := range s.ActiveUsers {
		out.ActiveUsers[id] = struct{}{}
	}
	return out
}

// Changes renders the full state as a StateChanges, the shape used on the wire
func (s MatchState) Changes() events.StateChanges {
	status, period := s.Status, s.CurrentPeriod
	t := s.Timer
	sc := s.Scores
	return events.StateChanges{
		Status:        &status,
		CurrentPeriod: &period,
		RedTeams:      append([]string(nil), s.RedTeams...),
		BlueTeams:     append([]string(nil), s.BlueTeams...),
		Timer: &events.TimerChanges{
			Duration:  &t.Duration,
			Remaining: &t.Remaining,
			IsRunning: &t.IsRunning,
		},
		Scores: &events.ScoreChanges{
			RedAuto: &sc.RedAuto, RedDrive: &sc.RedDrive, RedTotal: &sc.RedTotal, RedPenalty: &sc.RedPenalty,
			BlueAuto: &sc.BlueAuto, BlueDrive: &sc.BlueDrive, BlueTotal: &sc.BlueTotal, BluePenalty: &sc.BluePenalty,
		},
	}
}

// StateUpdate is one proposed change to a match. Version 0 means undeclared.
type StateUpdate struct {
	MatchID    string              `json:"matchId"`
	UserID     string              `json:"userId"`
	UserRole   access.Role         `json:"userRole"`
	Timestamp  time.Time           `json:"timestamp"`
	Version    int                 `json:"version,omitempty"`
	Changes    events.StateChanges `json:"changes"`
	ChangeType ChangeType          `json:"changeType"`
}

// ConflictDetails records how a conflict was arbitrated
type ConflictDetails struct {
	Strategy          Strategy  `json:"strategy"`
	Winner            Side      `json:"winner"`
	CurrentVersion    int       `json:"currentVersion"`
	IncomingVersion   int       `json:"incomingVersion"`
	CurrentTimestamp  time.Time `json:"currentTimestamp"`
	IncomingTimestamp time.Time `json:"incomingTimestamp"`
	CurrentUser       string    `json:"currentUser,omitempty"`
	IncomingUser      string    `json:"incomingUser,omitempty"`
}

// Side names which side of a conflict was kept
type Side string

const (
	SideCurrent  Side = "current"
	SideIncoming Side = "incoming"
	SideMerged   Side = "merged"
)

// HistoryEntry is one audited state transition
type HistoryEntry struct {
	Timestamp        time.Time           `json:"timestamp"`
	UserID           string              `json:"userId"`
	UserRole         access.Role         `json:"userRole"`
	PreviousState    MatchState          `json:"previousState"`
	NewState         MatchState          `json:"newState"`
	Changes          events.StateChanges `json:"changes"`
	ChangeType       ChangeType          `json:"changeType"`
	ConflictResolved bool                `json:"conflictResolved"`
	Conflict         *ConflictDetails    `json:"conflictDetails,omitempty"`
	Recovered        bool                `json:"recovered,omitempty"`
}

// Snapshot is a point-in-time copy of a match state
type Snapshot struct {
	TakenAt time.Time  `json:"takenAt"`
	State   MatchState `json:"state"`
}

// applyChanges writes every field set in c onto s
func applyChanges(s *MatchState, c events.StateChanges) {
	applyMatchFields(s, c)
	applyTimer(s, c.Timer)
	applyScores(s, c.Scores)
}

func applyMatchFields(s *MatchState, c events.StateChanges) {
	if c.Status != nil {
		s.Status = *c.Status
	}
	if c.CurrentPeriod != nil {
		s.CurrentPeriod = *c.CurrentPeriod
	}
	if c.RedTeams != nil {
		s.RedTeams = append([]string(nil), c.RedTeams...)
	}
	if c.BlueTeams != nil {
		s.BlueTeams = append([]string(nil), c.BlueTeams...)
	}
}

func applyTimer(s *MatchState, t *events.TimerChanges) {
	if t == nil {
		return
	}
	if t.Duration != nil {
		s.Timer.Duration = *t.Duration
	}
	if t.Remaining != nil {
		s.Timer.Remaining = *t.Remaining
	}
	if t.IsRunning != nil {
		s.Timer.IsRunning = *t.IsRunning
	}
}

func applyScores(s *MatchState, c *events.ScoreChanges) {
	if c == nil {
		return
	}
	set := func(dst *int, v *int) {
		if v != nil {
			*dst = *v
		}
	}
	set(&s.Scores.RedAuto, c.RedAuto)
	set(&s.Scores.RedDrive, c.RedDrive)
	set(&s.Scores.RedTotal, c.RedTotal)
	set(&s.Scores.RedPenalty, c.RedPenalty)
	set(&s.Scores.BlueAuto, c.BlueAuto)
	set(&s.Scores.BlueDrive, c.BlueDrive)
	set(&s.Scores.BlueTotal, c.BlueTotal)
	set(&s.Scores.BluePenalty, c.BluePenalty)
}
