package access

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/matchsync/go/internal/matchsync/events"
)

func TestGate_ScoringOnlyRole(t *testing.T) {
	g := NewGate(RoleAllianceReferee, zerolog.Nop())

	assert.True(t, g.CanEmitEvent(events.ScoreUpdate))
	assert.True(t, g.CanAccess(MatchSelection))
	assert.False(t, g.CanEmitEvent(events.TimerStart))
	assert.False(t, g.CanEmitEvent(events.MatchStateChange))
	assert.False(t, g.CanEmitEvent(events.Announcement))
	assert.True(t, g.CanEmitEvent(events.JoinFieldRoom), "unmapped events are always allowed")
	assert.True(t, g.CanEmitEvent(events.CollaborativeStateUpdate))
}

func TestGate_NoRoleWithoutScorePermissionCanEmitScores(t *testing.T) {
	for r := RoleUnknown; r <= RoleAdmin; r++ {
		g := NewGate(r, zerolog.Nop())
		hasScore := false
		for _, p := range PermissionsFor(r) {
			if p == ScoreUpdate {
				hasScore = true
			}
		}
		assert.Equal(t, hasScore, g.CanEmitEvent(events.ScoreUpdate), r.String())
	}
}

func TestGate_AdminHoldsEveryPermission(t *testing.T) {
	g := NewGate(RoleAdmin, zerolog.Nop())
	for _, p := range AllPermissions {
		assert.True(t, g.CanAccess(p), p)
	}
	assert.False(t, NewGate(RoleSpectator, zerolog.Nop()).CanAccess(ScoreUpdate))
}

func TestPermissionsFor_ReturnsCopy(t *testing.T) {
	perms := PermissionsFor(RoleAdmin)
	require.NotEmpty(t, perms)
	perms[0] = "hijacked"

	assert.Equal(t, TimerControl, AllPermissions[0])
	assert.True(t, NewGate(RoleAdmin, zerolog.Nop()).CanAccess(TimerControl))
	assert.NotContains(t, PermissionsFor(RoleAdmin), Permission("hijacked"))
}

func TestGate_ReceiveRules(t *testing.T) {
	g := NewGate(RoleSpectator, zerolog.Nop())

	assert.True(t, g.CanReceiveEvent(events.ScoreUpdate))
	assert.True(t, g.CanReceiveEvent(events.TimerUpdate))
	assert.True(t, g.CanReceiveEvent(events.StateSyncResponse))
	assert.True(t, g.CanReceiveEvent("bracket_refresh"))
	assert.False(t, g.CanReceiveEvent(events.TimerStart))

	head := NewGate(RoleHeadReferee, zerolog.Nop())
	assert.True(t, head.CanReceiveEvent(events.TimerStart))
}

func TestGate_RoleTransitions(t *testing.T) {
	g := NewGate(RoleUnknown, zerolog.Nop())

	var changes []Role
	unsubscribe := g.OnRoleChange(func(r Role) { changes = append(changes, r) })

	require.NoError(t, g.SetRole(RoleHeadReferee))
	require.NoError(t, g.SetRole(RoleAllianceReferee))

	err := g.SetRole(RoleHeadReferee)
	assert.ErrorIs(t, err, ErrRoleEscalation)
	assert.Equal(t, RoleAllianceReferee, g.Role())

	unsubscribe()
	require.NoError(t, g.SetRole(RoleSpectator))
	assert.Equal(t, []Role{RoleHeadReferee, RoleAllianceReferee}, changes)
}

func TestGate_AdminMayMoveAnywhere(t *testing.T) {
	g := NewGate(RoleAdmin, zerolog.Nop())
	require.NoError(t, g.SetRole(RoleSpectator))
	assert.ErrorIs(t, g.SetRole(RoleAdmin), ErrRoleEscalation)
}

func TestParseRole(t *testing.T) {
	cases := map[string]Role{
		"ADMIN":            RoleAdmin,
		"head-referee":     RoleHeadReferee,
		"ALLIANCE_REFEREE": RoleAllianceReferee,
		"scoring-only":     RoleAllianceReferee,
		"COMMON":           RoleSpectator,
		"":                 RoleUnknown,
	}
	for in, want := range cases {
		got, err := ParseRole(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseRole("overlord")
	assert.Error(t, err)
	assert.Equal(t, "HEAD_REFEREE", RoleHeadReferee.String())
}
