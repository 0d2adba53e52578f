package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseAction(t *testing.T) {
	tests := []struct {
		token string
		want  Action
	}{
		{"reset", ActionReset},
		{"RESET", ActionReset},
		{"eager", ActionEager},
		{"Lazy", ActionLazy},
		{"lazy_close", ActionLazyClose},
		{"LAZY-CLOSE", ActionLazyClose},
		{" direct ", ActionDirect},
		{"bogus", ActionUnrecognized},
		{"", ActionUnrecognized},
		{"lazyy", ActionUnrecognized},
	}

	for _, tt := range tests {
		t.Run(tt.token, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseAction(tt.token))
		})
	}
}

func TestAction_Mode(t *testing.T) {
	mode, ok := ActionLazyClose.Mode()
	assert.True(t, ok)
	assert.Equal(t, ModeLazyClose, mode)

	_, ok = ActionReset.Mode()
	assert.False(t, ok, "reset is not a connection mode")

	_, ok = ActionUnrecognized.Mode()
	assert.False(t, ok)
}

func TestParseConnectionMode_NeverDefaults(t *testing.T) {
	_, ok := ParseConnectionMode("bogus")
	assert.False(t, ok)

	_, ok = ParseConnectionMode("reset")
	assert.False(t, ok)

	mode, ok := ParseConnectionMode("EAGER")
	assert.True(t, ok)
	assert.Equal(t, ModeEager, mode)
}

func TestConnectionMode_String(t *testing.T) {
	assert.Equal(t, "DIRECT", ModeDirect.String())
	assert.Equal(t, "EAGER", ModeEager.String())
	assert.Equal(t, "LAZY", ModeLazy.String())
	assert.Equal(t, "LAZY_CLOSE", ModeLazyClose.String())
	assert.True(t, ModeLazyClose.IsLazy())
	assert.False(t, ModeEager.IsLazy())
}

func TestParseStreamType(t *testing.T) {
	typ, ok := ParseStreamType("Webcam")
	assert.True(t, ok)
	assert.Equal(t, StreamTypeWebcam, typ)

	_, ok = ParseStreamType("camera")
	assert.False(t, ok)
	_, ok = ParseStreamType("")
	assert.False(t, ok)
}

func TestFilter_Matches(t *testing.T) {
	tests := []struct {
		name   string
		filter Filter
		team   string
		typ    StreamType
		want   bool
	}{
		{"wildcards", Filter{}, "123", StreamTypeAudio, true},
		{"team match", Filter{TeamID: "123"}, "123", StreamTypeWebcam, true},
		{"team mismatch", Filter{TeamID: "123"}, "456", StreamTypeWebcam, false},
		{"type match", Filter{Type: StreamTypeDesktop}, "9", StreamTypeDesktop, true},
		{"type mismatch", Filter{Type: StreamTypeDesktop}, "9", StreamTypeAudio, false},
		{"both match", Filter{TeamID: "123", Type: StreamTypeWebcam}, "123", StreamTypeWebcam, true},
		{"type fails AND", Filter{TeamID: "123", Type: StreamTypeWebcam}, "123", StreamTypeDesktop, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(tt.team, tt.typ))
		})
	}
}
