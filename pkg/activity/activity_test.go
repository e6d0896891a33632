package activity

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nicktill/telemetryd/pkg/codec"
	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	for in, want := range map[string]Kind{
		"CMD":     KindCommand,
		"command": KindCommand,
		"Script":  KindScript,
		"EXPIRE":  KindExpire,
	} {
		got, err := ParseKind(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
	_, err := ParseKind("RELOAD")
	require.ErrorIs(t, err, ErrInvalidKind)
}

func TestActivityEncodings(t *testing.T) {
	a := Activity{
		Timeline: "ops",
		Start:    100,
		Stop:     160,
		Kind:     KindScript,
		Data:     map[string]string{DataScript: "collect.rb"},
		Events:   []Event{newEvent(time.Unix(90, 0), StatusCreated, false, "")},
	}

	raw, err := json.Marshal(a)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"kind":"SCRIPT"`)
	var fromJSON Activity
	require.NoError(t, json.Unmarshal(raw, &fromJSON))
	require.Equal(t, a, fromJSON)

	bin, err := codec.Marshal(a)
	require.NoError(t, err)
	var fromCBOR Activity
	require.NoError(t, codec.Unmarshal(bin, &fromCBOR))
	require.Equal(t, a, fromCBOR)

	_, err = json.Marshal(Activity{})
	require.Error(t, err)
}

func TestCloneIsDeep(t *testing.T) {
	a := Activity{Data: map[string]string{"k": "v"}, Events: []Event{{Event: StatusCreated}}}
	b := a.Clone()
	b.Data["k"] = "changed"
	b.Events[0].Event = StatusFailed
	require.Equal(t, "v", a.Data["k"])
	require.Equal(t, StatusCreated, a.Events[0].Event)
}

func TestValidate(t *testing.T) {
	now := time.Unix(1000, 0)
	valid := Activity{
		Timeline: "ops",
		Start:    1100,
		Stop:     1200,
		Kind:     KindCommand,
		Data:     map[string]string{DataCommand: "INST ABORT"},
	}
	require.NoError(t, Validate(valid, now))

	tests := []struct {
		name   string
		mutate func(a *Activity)
		want   error
	}{
		{"empty timeline", func(a *Activity) { a.Timeline = "" }, ErrInvalidName},
		{"nul in timeline", func(a *Activity) { a.Timeline = "o\x00ps" }, ErrInvalidName},
		{"unknown kind", func(a *Activity) { a.Kind = KindUnknown }, ErrInvalidKind},
		{"inside lead time", func(a *Activity) { a.Start, a.Stop = 1010, 1020 }, ErrInvalidTime},
		{"zero duration", func(a *Activity) { a.Stop = a.Start }, ErrInvalidTime},
		{"too long", func(a *Activity) { a.Stop = a.Start + MaxDuration + 1 }, ErrDurationTooLong},
		{"nil data", func(a *Activity) { a.Data = nil }, ErrMissingData},
		{"script without name", func(a *Activity) { a.Kind = KindScript }, ErrMissingData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := valid.Clone()
			tt.mutate(&a)
			require.ErrorIs(t, Validate(a, now), tt.want)
		})
	}

	// exactly a day is allowed
	day := valid.Clone()
	day.Stop = day.Start + MaxDuration
	require.NoError(t, Validate(day, now))
}

func TestCheckOverlapIgnoresOwnScore(t *testing.T) {
	neighbors := []Activity{{Start: 100, Stop: 200}}
	cand := Activity{Start: 150, Stop: 180}
	require.ErrorIs(t, checkOverlap(neighbors, cand, 0, false), ErrOverlap)
	require.NoError(t, checkOverlap(neighbors, cand, 100, true))
}
