package childagent

import (
	"context"
	"errors"

	"github.com/hochfrequenz/codi/internal/ipcprotocol"
)

// ErrMaxIterations is returned by a TaskRunner that stopped because it hit
// the iteration limit.
var ErrMaxIterations = errors.New("max iterations reached")

// ConfirmFunc is the tool-confirmation hook a TaskRunner calls before running
// a tool that needs approval.
type ConfirmFunc func(ctx context.Context, conf ipcprotocol.ToolConfirmation) ipcprotocol.ConfirmationResult

// EventKind classifies runner progress events.
type EventKind string

const (
	EventIteration  EventKind = "iteration"
	EventText       EventKind = "text"
	EventToolCall   EventKind = "tool_call"
	EventToolResult EventKind = "tool_result"
	EventUsage      EventKind = "usage"
)

// Event is a progress report from a TaskRunner.
type Event struct {
	Kind      EventKind
	Iteration int
	Text      string
	Tool      string
	// Tokens is the cumulative token count for EventUsage.
	Tokens int64
}

// TaskRequest is one task for a TaskRunner.
type TaskRequest struct {
	Task          string
	Model         string
	Provider      string
	SystemPrompt  string
	WorkDir       string
	MaxIterations int
	Confirm       ConfirmFunc
	OnEvent       func(Event)
}

// TaskOutcome is what a TaskRunner produced.
type TaskOutcome struct {
	Response      string
	ToolCallCount int
	TokensUsed    int64
	Iterations    int
	PRURL         string
}

// TaskRunner runs one agent task to its natural end.
type TaskRunner interface {
	Run(ctx context.Context, req TaskRequest) (*TaskOutcome, error)
}

// Channel is the commander connection as seen by the agent.
// *ipcclient.Client implements it.
type Channel interface {
	RequestPermission(ctx context.Context, conf ipcprotocol.ToolConfirmation) ipcprotocol.ConfirmationResult
	SendStatus(update *ipcprotocol.StatusUpdate)
	SendLog(level, content string)
	SendTaskComplete(result ipcprotocol.TaskResult) error
	SendTaskError(reason ipcprotocol.ErrorReason, message string) error
	Cancelled() <-chan struct{}
	CancelReason() string
	Dead() <-chan struct{}
}
