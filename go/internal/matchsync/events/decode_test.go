package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_NarrowsScoreUpdate(t *testing.T) {
	raw := json.RawMessage(`{"matchId":"m1","fieldId":"f2","redTotal":20,"bluePenalty":5}`)

	p, err := Decode(ScoreUpdate, raw)
	require.NoError(t, err)

	score, ok := p.(ScoreUpdatePayload)
	require.True(t, ok, "expected ScoreUpdatePayload, got %T", p)
	assert.Equal(t, 20, score.RedTotal)
	assert.Equal(t, 5, score.BluePenalty)
	assert.Equal(t, Routing{FieldID: "f2", MatchID: "m1"}, p.Route())
}

func TestDecode_SharedShapesKeepTheirEventName(t *testing.T) {
	raw := json.RawMessage(`{"matchId":"m1","remaining":90,"isRunning":true}`)

	p, err := Decode(TimerPause, raw)
	require.NoError(t, err)
	assert.Equal(t, TimerPause, p.EventName())

	pause := p.(TimerPausePayload)
	assert.Equal(t, 90, pause.Remaining)
	assert.True(t, pause.IsRunning)
}

func TestDecode_UnknownEventIsRaw(t *testing.T) {
	raw := json.RawMessage(`{"tournamentId":"t9","anything":[1,2]}`)

	p, err := Decode("bracket_refresh", raw)
	require.NoError(t, err)

	rp, ok := p.(RawPayload)
	require.True(t, ok)
	assert.Equal(t, Name("bracket_refresh"), rp.EventName())
	assert.Equal(t, "t9", rp.Route().TournamentID)

	out, err := json.Marshal(rp)
	require.NoError(t, err)
	assert.JSONEq(t, string(raw), string(out))
}

func TestDecode_MalformedPayloadFails(t *testing.T) {
	_, err := Decode(ScoreUpdate, json.RawMessage(`{"redTotal":"twenty"}`))
	assert.Error(t, err)

	_, err = Decode("custom", json.RawMessage(`{not json`))
	assert.Error(t, err)
}

func TestEncode_FrameCarriesEventName(t *testing.T) {
	f, err := Encode(JoinFieldRoomPayload{RoomFields{Routing: Routing{TournamentID: "t1", FieldID: "f1"}}})
	require.NoError(t, err)
	assert.Equal(t, JoinFieldRoom, f.Event)
	assert.JSONEq(t, `{"tournamentId":"t1","fieldId":"f1"}`, string(f.Data))

	wire, err := json.Marshal(f)
	require.NoError(t, err)
	parsed, err := ParseFrame(wire)
	require.NoError(t, err)
	assert.Equal(t, JoinFieldRoom, parsed.Event)
}

func TestParseFrame_RejectsMissingName(t *testing.T) {
	_, err := ParseFrame([]byte(`{"data":{}}`))
	assert.ErrorIs(t, err, ErrEmptyFrame)
}
