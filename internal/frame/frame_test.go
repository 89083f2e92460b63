// ABOUTME: Tests for the relay wire envelope codec
// ABOUTME: Covers round trips, delimiter handling in payloads, and malformed input

package frame

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_SplitsThreeSegments(t *testing.T) {
	f, err := Decode("event::tab::restofstuffevencontaining next :: characters")
	require.NoError(t, err)

	assert.Equal(t, "event", f.Event)
	assert.Equal(t, "tab", f.Filter)
	assert.Equal(t, "restofstuffevencontaining next :: characters", string(f.Payload))
}

func TestDecode_AllowsEmptyFilter(t *testing.T) {
	f, err := Decode(`event::::{"a":"b::c"}`)
	require.NoError(t, err)

	assert.Equal(t, "event", f.Event)
	assert.Equal(t, "", f.Filter)
	assert.JSONEq(t, `{"a":"b::c"}`, string(f.Payload))
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name string
		wire string
	}{
		{"empty string", ""},
		{"no delimiter", "justastringwithnodelimiter"},
		{"single delimiter", "event::payload"},
		{"empty event", "::tab::{}"},
		{"only delimiters", "::::"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.wire)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedFrame), "expected ErrMalformedFrame, got %v", err)
		})
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		event   string
		filter  string
		payload any
	}{
		{"no filter", "ping", "", map[string]any{}},
		{"include filter", "mediaPlay", "abc_tab:1,abc_tab:2", map[string]any{"action": "pressed"}},
		{"exclude filter", "other_tabs:hello", "!abc_tab:1", []any{"x", 1.0}},
		{"payload with delimiter", "note", "t1", map[string]any{"text": "a::b::c"}},
		{"null payload", "wokeup_v2", "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wire, err := Encode(tt.event, tt.filter, tt.payload)
			require.NoError(t, err)

			f, err := Decode(wire)
			require.NoError(t, err)
			assert.Equal(t, tt.event, f.Event)
			assert.Equal(t, tt.filter, f.Filter)

			want, err := json.Marshal(tt.payload)
			require.NoError(t, err)
			assert.JSONEq(t, string(want), string(f.Payload))
			assert.Equal(t, wire, f.String())
		})
	}
}

func TestEncode_RejectsFramesThatCannotRoundTrip(t *testing.T) {
	_, err := Encode("", "", nil)
	assert.ErrorIs(t, err, ErrMalformedFrame)

	_, err = Encode("bad::event", "", nil)
	assert.ErrorIs(t, err, ErrMalformedFrame)

	_, err = Encode("event", "bad::filter", nil)
	assert.ErrorIs(t, err, ErrMalformedFrame)

	_, err = Encode("event", "", make(chan int))
	assert.Error(t, err)
}

func TestFrameUnmarshal(t *testing.T) {
	t.Run("decodes object payload", func(t *testing.T) {
		f, err := Decode(`allTabs::::{"tabs":["a","b"]}`)
		require.NoError(t, err)

		var got struct {
			Tabs []string `json:"tabs"`
		}
		require.NoError(t, f.Unmarshal(&got))
		assert.Equal(t, []string{"a", "b"}, got.Tabs)
	})

	t.Run("empty payload is null", func(t *testing.T) {
		f, err := Decode("wokeup_v2::::")
		require.NoError(t, err)

		var got map[string]any
		require.NoError(t, f.Unmarshal(&got))
		assert.Nil(t, got)
	})

	t.Run("invalid json is a payload decode error", func(t *testing.T) {
		f, err := Decode("allTabs::::{not json")
		require.NoError(t, err)

		var got map[string]any
		err = f.Unmarshal(&got)
		assert.ErrorIs(t, err, ErrPayloadDecode)
		assert.NotErrorIs(t, err, ErrMalformedFrame)
	})
}
