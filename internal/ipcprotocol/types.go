package ipcprotocol

import "encoding/json"

// MessageType is the wire discriminant of a message.
type MessageType string

// Message type constants
const (
	TypeHandshake          MessageType = "handshake"
	TypeHandshakeAck       MessageType = "handshake_ack"
	TypePermissionRequest  MessageType = "permission_request"
	TypePermissionResponse MessageType = "permission_response"
	TypeStatusUpdate       MessageType = "status_update"
	TypeLog                MessageType = "log"
	TypeTaskComplete       MessageType = "task_complete"
	TypeTaskError          MessageType = "task_error"
	TypeCancel             MessageType = "cancel"
	TypePing               MessageType = "ping"
	TypePong               MessageType = "pong"
)

// WorkerStatus is the state vocabulary shared by commander and worker.
type WorkerStatus string

const (
	StatusStarting          WorkerStatus = "starting"
	StatusIdle              WorkerStatus = "idle"
	StatusThinking          WorkerStatus = "thinking"
	StatusToolCall          WorkerStatus = "tool_call"
	StatusWaitingPermission WorkerStatus = "waiting_permission"
	StatusComplete          WorkerStatus = "complete"
	StatusFailed            WorkerStatus = "failed"
	StatusCancelled         WorkerStatus = "cancelled"
)

// Valid reports whether s is a known status.
func (s WorkerStatus) Valid() bool {
	switch s {
	case StatusStarting, StatusIdle, StatusThinking, StatusToolCall,
		StatusWaitingPermission, StatusComplete, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions are possible from s.
func (s WorkerStatus) IsTerminal() bool {
	return s == StatusComplete || s == StatusFailed || s == StatusCancelled
}

func (s WorkerStatus) isWorking() bool {
	switch s {
	case StatusIdle, StatusThinking, StatusToolCall, StatusWaitingPermission:
		return true
	}
	return false
}

// CanTransition reports whether a worker may move from one status to another.
// starting is only ever left, terminal states are never left, and the working
// states may cycle freely.
func CanTransition(from, to WorkerStatus) bool {
	if !from.Valid() || !to.Valid() || from.IsTerminal() {
		return false
	}
	if to == StatusStarting {
		return false
	}
	return to.isWorking() || to.IsTerminal()
}

// Decision is the answer to a tool confirmation.
type Decision string

const (
	DecisionApprove       Decision = "approve"
	DecisionDeny          Decision = "deny"
	DecisionApproveAlways Decision = "approve_always"
)

// ToolConfirmation describes a tool call that needs a user decision.
type ToolConfirmation struct {
	ToolName     string          `json:"tool_name"`
	Input        json.RawMessage `json:"input,omitempty"`
	Description  string          `json:"description,omitempty"`
	IsDangerous  bool            `json:"is_dangerous,omitempty"`
	DangerReason string          `json:"danger_reason,omitempty"`
}

// ConfirmationResult is the resolved decision for a ToolConfirmation.
type ConfirmationResult struct {
	Decision Decision `json:"decision"`
	Reason   string   `json:"reason,omitempty"`
	// TimedOut is set when nobody answered and the request fell back to deny.
	TimedOut bool `json:"timed_out,omitempty"`
}

// Approved reports whether the tool call may proceed.
func (r ConfirmationResult) Approved() bool {
	return r.Decision == DecisionApprove || r.Decision == DecisionApproveAlways
}

// NoResponseReason is the denial reason used when a permission request times out.
const NoResponseReason = "no response"

// DenyNoResponse is the fallback result for an unanswered permission request.
func DenyNoResponse() ConfirmationResult {
	return ConfirmationResult{Decision: DecisionDeny, Reason: NoResponseReason, TimedOut: true}
}

// ErrorReason classifies a task_error.
type ErrorReason string

const (
	ReasonTaskFailed      ErrorReason = "task_failed"
	ReasonMaxIterations   ErrorReason = "max_iterations"
	ReasonTimeout         ErrorReason = "timeout"
	ReasonCancelled       ErrorReason = "cancelled"
	ReasonConnectionLost  ErrorReason = "connection_lost"
	ReasonHandshakeFailed ErrorReason = "handshake_failed"

	// ReasonProcessCrash is recorded by the commander when a worker process
	// exits without a terminal message. Workers never send it.
	ReasonProcessCrash ErrorReason = "process_crash"
)

// TaskAssignment is the work handed to a worker in its handshake_ack.
type TaskAssignment struct {
	Task          string   `json:"task"`
	Model         string   `json:"model,omitempty"`
	Provider      string   `json:"provider,omitempty"`
	Role          string   `json:"role,omitempty"`
	BaseBranch    string   `json:"base_branch,omitempty"`
	AutoApprove   []string `json:"auto_approve,omitempty"`
	MaxIterations int      `json:"max_iterations,omitempty"`
	TimeoutMs     int64    `json:"timeout_ms,omitempty"`
}

// TaskResult is the payload of task_complete.
type TaskResult struct {
	Response      string   `json:"response"`
	ToolCallCount int      `json:"tool_call_count"`
	TokensUsed    int64    `json:"tokens_used"`
	DurationMs    int64    `json:"duration_ms"`
	PRURL         string   `json:"pr_url,omitempty"`
	Commits       int      `json:"commits"`
	FilesChanged  []string `json:"files_changed,omitempty"`
}
