package ipcprotocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerialize_OneLinePerMessage(t *testing.T) {
	req := NewPermissionRequest("w1", ToolConfirmation{
		ToolName: "write_file",
		Input:    json.RawMessage(`{"path":"a.go"}`),
	})

	data, err := Serialize(req)
	require.NoError(t, err)
	assert.True(t, bytes.HasSuffix(data, []byte("\n")), "not newline terminated: %q", data)
	assert.Equal(t, 1, bytes.Count(data, []byte("\n")), "spans multiple lines: %q", data)

	var flat map[string]any
	require.NoError(t, json.Unmarshal(data, &flat))
	for _, key := range []string{"type", "id", "timestamp", "worker_id", "confirmation"} {
		assert.Contains(t, flat, key)
	}
}

func TestDeserialize_RoundTripKeepsVariant(t *testing.T) {
	msgs := []Message{
		NewHandshake("w1", 42, "feat/x", "/tmp/wt"),
		NewHandshakeAck("w1", &TaskAssignment{Task: "fix it", MaxIterations: 5}),
		NewPermissionRequest("w1", ToolConfirmation{ToolName: "run_command"}),
		NewPermissionResponse("req-1", ConfirmationResult{Decision: DecisionApproveAlways}),
		NewStatusUpdate("w1", StatusThinking),
		NewLog("w1", LogText, "hello"),
		NewTaskComplete("w1", TaskResult{Response: "done", Commits: 2}),
		NewTaskError("w1", ReasonTimeout, "too slow"),
		NewCancel("w1", "user"),
		NewPing(),
		NewPong("p1"),
	}

	for _, want := range msgs {
		t.Run(string(want.MessageType()), func(t *testing.T) {
			data, err := Serialize(want)
			require.NoError(t, err)
			got, err := Deserialize(data)
			require.NoError(t, err)
			assert.Equal(t, want.MessageType(), got.MessageType())
			assert.Equal(t, want.MessageID(), got.MessageID())
		})
	}
}

func TestDeserialize_PayloadFields(t *testing.T) {
	data, err := Serialize(NewHandshakeAck("w1", &TaskAssignment{
		Task:        "refactor",
		AutoApprove: []string{"read_file"},
		TimeoutMs:   1500,
	}))
	require.NoError(t, err)
	msg, err := Deserialize(data)
	require.NoError(t, err)

	ack, ok := msg.(*HandshakeAck)
	require.True(t, ok, "got %T, want *HandshakeAck", msg)
	assert.True(t, ack.Accepted)
	require.NotNil(t, ack.Assignment)
	assert.Equal(t, "refactor", ack.Assignment.Task)
	assert.Equal(t, int64(1500), ack.Assignment.TimeoutMs)
	assert.Equal(t, []string{"read_file"}, ack.Assignment.AutoApprove)
}

func TestDeserialize_Errors(t *testing.T) {
	tests := []struct {
		name   string
		line   string
		reason string
	}{
		{"not json", `{nope`, "invalid json"},
		{"missing type", `{"id":"1","timestamp":1}`, "missing type"},
		{"unknown type", `{"type":"reboot","id":"1"}`, "unknown type"},
		{"missing id", `{"type":"ping","timestamp":1}`, "missing id"},
		{"bad payload", `{"type":"status_update","id":"1","progress":"lots"}`, "invalid status_update payload"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Deserialize([]byte(tt.line))
			assert.Nil(t, msg)
			var de *DecodeError
			require.ErrorAs(t, err, &de)
			assert.Contains(t, de.Reason, tt.reason)
		})
	}
}

func TestSerialize_RejectsUnknownType(t *testing.T) {
	_, err := Serialize(&Ping{Envelope: Envelope{Type: "bogus", ID: "1"}})
	assert.Error(t, err)
	_, err = Serialize(nil)
	assert.Error(t, err)
}

func TestReader_SkipsBadLinesAndKeepsGoing(t *testing.T) {
	var buf bytes.Buffer
	first, _ := Serialize(NewPing())
	second, _ := Serialize(NewLog("w1", LogInfo, "after garbage"))
	buf.Write(first)
	buf.WriteString("\n")
	buf.WriteString("garbage\n")
	buf.Write(second)

	r := NewReader(&buf)

	msg, err := r.Next()
	require.NoError(t, err)
	assert.True(t, IsPing(msg))

	_, err = r.Next()
	assert.True(t, IsDecodeError(err), "want decode error, got %v", err)

	msg, err = r.Next()
	require.NoError(t, err)
	assert.True(t, IsLog(msg))

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReader_DropsOversizedFrame(t *testing.T) {
	huge, err := Serialize(NewLog("w1", LogText, strings.Repeat("x", MaxMessageSize)))
	require.NoError(t, err)
	after, err := Serialize(NewTaskComplete("w1", TaskResult{Response: "done"}))
	require.NoError(t, err)

	r := NewReader(io.MultiReader(bytes.NewReader(huge), bytes.NewReader(after)))

	_, err = r.Next()
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	msg, err := r.Next()
	require.NoError(t, err, "the line after an oversized frame must still be readable")
	assert.True(t, IsTaskComplete(msg))

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReader_FrameAtLimit(t *testing.T) {
	line := []byte(`{"type":"ping","id":"1"}` + "\n")
	size := len(line) - 1

	msg, err := newReaderSize(bytes.NewReader(line), size).Next()
	require.NoError(t, err)
	assert.True(t, IsPing(msg))

	_, err = newReaderSize(bytes.NewReader(line), size-1).Next()
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReader_UnterminatedLastLine(t *testing.T) {
	data, _ := Serialize(NewPong("p1"))
	r := NewReader(bytes.NewReader(bytes.TrimSuffix(data, []byte("\n"))))

	msg, err := r.Next()
	require.NoError(t, err)
	assert.True(t, IsPong(msg))
	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReader_PassesThroughReadErrors(t *testing.T) {
	boom := errors.New("boom")
	r := NewReader(io.MultiReader(strings.NewReader(`{"type":`), &failingReader{err: boom}))
	_, err := r.Next()
	assert.ErrorIs(t, err, boom)
}

type failingReader struct{ err error }

func (f *failingReader) Read([]byte) (int, error) { return 0, f.err }

func TestExcerpt_KeepsRunesWhole(t *testing.T) {
	line := []byte(strings.Repeat("a", 119) + "äöü")
	got := excerpt(line)
	assert.True(t, utf8.ValidString(got), "excerpt split a rune: %q", got)
	assert.True(t, strings.HasSuffix(got, "..."))
}

func TestGenerateMessageID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := GenerateMessageID()
		require.False(t, seen[id], "duplicate id %q", id)
		seen[id] = true
	}
}

func TestPredicates(t *testing.T) {
	var m Message = NewTaskError("w1", ReasonTaskFailed, "x")
	assert.True(t, IsTaskError(m))
	assert.True(t, IsTerminal(m))
	assert.False(t, IsTaskComplete(m))
	assert.False(t, IsHandshake(m))
	assert.False(t, IsPing(nil))
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to WorkerStatus
		want     bool
	}{
		{StatusStarting, StatusIdle, true},
		{StatusStarting, StatusFailed, true},
		{StatusIdle, StatusThinking, true},
		{StatusToolCall, StatusWaitingPermission, true},
		{StatusWaitingPermission, StatusThinking, true},
		{StatusThinking, StatusThinking, true},
		{StatusThinking, StatusStarting, false},
		{StatusComplete, StatusIdle, false},
		{StatusCancelled, StatusFailed, false},
		{StatusIdle, "sleeping", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "CanTransition(%s, %s)", tt.from, tt.to)
	}
}

func TestDenyNoResponse(t *testing.T) {
	r := DenyNoResponse()
	assert.False(t, r.Approved())
	assert.True(t, r.TimedOut)
	assert.Equal(t, NoResponseReason, r.Reason)
	assert.True(t, ConfirmationResult{Decision: DecisionApproveAlways}.Approved())
}
