package storage

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState_WireValues(t *testing.T) {
	assert.Equal(t, 0, int(StateCompleted))
	assert.Equal(t, 1, int(StateDownloading))
	assert.Equal(t, 3, int(StatePaused))
	assert.False(t, State(2).Valid())
}

func TestParseState(t *testing.T) {
	for _, s := range []State{StateCompleted, StateDownloading, StatePaused} {
		got, err := ParseState(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}

	_, err := ParseState("queued")
	require.Error(t, err)
}

func TestState_JSON(t *testing.T) {
	b, err := json.Marshal(FileState{URL: "u", State: StatePaused})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"state":"paused"`)

	var fs FileState
	require.NoError(t, json.Unmarshal(b, &fs))
	assert.Equal(t, StatePaused, fs.State)

	_, err = json.Marshal(State(7))
	require.Error(t, err)
}

func TestSegmentRecord(t *testing.T) {
	seg := SegmentRecord{StartPos: 100, EndPos: 199, CompleteSize: 99}
	assert.Equal(t, int64(100), seg.Length())
	assert.False(t, seg.Done())

	seg.CompleteSize = 100
	assert.True(t, seg.Done())
}
