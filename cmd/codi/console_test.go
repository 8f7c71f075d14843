package main

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/codi/internal/ipcprotocol"
	"github.com/hochfrequenz/codi/internal/orchestrator"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func init() {
	color.NoColor = true
}

func testPrompt() orchestrator.PermissionPrompt {
	return orchestrator.PermissionPrompt{
		WorkerID:  "w1",
		Branch:    "feat/a",
		RequestID: "r1",
		Confirmation: ipcprotocol.ToolConfirmation{
			ToolName:     "run_command",
			Input:        []byte(`{"command": "rm -rf build"}`),
			Description:  "Run a shell command",
			IsDangerous:  true,
			DangerReason: "deletes files",
		},
	}
}

func TestParseAnswer(t *testing.T) {
	tests := []struct {
		in   string
		want ipcprotocol.Decision
		ok   bool
	}{
		{"y", ipcprotocol.DecisionApprove, true},
		{" YES ", ipcprotocol.DecisionApprove, true},
		{"n", ipcprotocol.DecisionDeny, true},
		{"no", ipcprotocol.DecisionDeny, true},
		{"a", ipcprotocol.DecisionApproveAlways, true},
		{"always", ipcprotocol.DecisionApproveAlways, true},
		{"", "", false},
		{"maybe", "", false},
	}
	for _, tt := range tests {
		got, ok := parseAnswer(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestConsolePromptAnswered(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	out := &syncBuffer{}
	con := newConsole(pr, out)

	type answer struct {
		res ipcprotocol.ConfirmationResult
		err error
	}
	done := make(chan answer, 1)
	go func() {
		res, err := con.Prompt(context.Background(), testPrompt())
		done <- answer{res, err}
	}()

	require.Eventually(t, func() bool { return strings.Contains(out.String(), "allow?") }, 2*time.Second, 10*time.Millisecond)
	_, err := io.WriteString(pw, "what\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return strings.Contains(out.String(), "please answer") }, 2*time.Second, 10*time.Millisecond)
	_, err = io.WriteString(pw, "a\n")
	require.NoError(t, err)

	got := <-done
	require.NoError(t, got.err)
	assert.Equal(t, ipcprotocol.DecisionApproveAlways, got.res.Decision)

	text := out.String()
	assert.Contains(t, text, "w1 (feat/a) wants to run run_command")
	assert.Contains(t, text, "dangerous: deletes files")
	assert.Contains(t, text, `{"command": "rm -rf build"}`)
}

func TestConsolePromptTimesOut(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	out := &syncBuffer{}
	con := newConsole(pr, out)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := con.Prompt(ctx, testPrompt())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, out.String(), "no answer in time, denied")
}

func TestConsolePromptWithoutInputDenies(t *testing.T) {
	out := &syncBuffer{}
	con := newConsole(strings.NewReader(""), out)

	res, err := con.Prompt(context.Background(), testPrompt())
	require.NoError(t, err)
	assert.Equal(t, ipcprotocol.DecisionDeny, res.Decision)
	assert.Equal(t, "no terminal input", res.Reason)
}

func TestPreviewTruncates(t *testing.T) {
	assert.Equal(t, "a b", preview("a\n   b"))
	long := strings.Repeat("x", maxInputPreview+10)
	assert.Equal(t, strings.Repeat("x", maxInputPreview)+"...", preview(long))

	umlauts := strings.Repeat("x", maxInputPreview-1) + "äöü"
	got := preview(umlauts)
	assert.True(t, utf8.ValidString(got), "preview split a rune: %q", got)
	assert.Equal(t, strings.Repeat("x", maxInputPreview-1)+"...", got)
}
