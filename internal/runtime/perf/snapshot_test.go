package perf

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/relaybench/internal/runtime/jsoncodec"
)

func TestStateText(t *testing.T) {
	for _, s := range []State{Idle, Running, Completed} {
		text, err := s.MarshalText()
		require.NoError(t, err)

		var back State
		require.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, s, back)
	}
	var s State
	assert.Error(t, s.UnmarshalText([]byte("paused")))
	assert.Equal(t, "state(9)", State(9).String())
}

func TestSnapshotJSON(t *testing.T) {
	a := New(Options{TestRunID: "run-json", Expected: 2})
	sendN(t, a, 2, 0)
	a.RecordReceive(corrID(0), 0, 12)

	data, err := jsoncodec.Marshal(a.Finalize())
	require.NoError(t, err)
	out := string(data)
	assert.Contains(t, out, `"testRunId":"run-json"`)
	assert.Contains(t, out, `"state":"running"`)
	assert.Contains(t, out, `"lost":1`)
	assert.Contains(t, out, `"p50Ms":12`)
	assert.Contains(t, out, `"orphaned":1`)
}

func TestWriteText(t *testing.T) {
	a := New(Options{TestRunID: "run-text", Expected: 2})
	sendN(t, a, 2, 0)
	a.RecordReceive(corrID(0), 0, 5)
	a.RecordReceive(corrID(0), 0, 6)

	var buf bytes.Buffer
	require.NoError(t, a.Finalize().WriteText(&buf))
	out := buf.String()
	assert.Contains(t, out, "run run-text")
	assert.Contains(t, out, "Messages lost:       1 (50.00%)")
	assert.Contains(t, out, "duplicates=1")
}

func TestWriteTextWithoutReceives(t *testing.T) {
	a := New(Options{TestRunID: "run-none", Expected: 1})
	var buf bytes.Buffer
	require.NoError(t, a.Finalize().WriteText(&buf))
	assert.Contains(t, buf.String(), "No messages received")
}
