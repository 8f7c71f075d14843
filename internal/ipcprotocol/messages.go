// Package ipcprotocol defines the newline-delimited JSON protocol spoken between
// the commander and its worker processes over a local socket.
package ipcprotocol

import "time"

// Envelope carries the fields common to every message. It is embedded in each
// message struct so the record stays flat on the wire.
type Envelope struct {
	Type      MessageType `json:"type"`
	ID        string      `json:"id"`
	Timestamp int64       `json:"timestamp"` // epoch millis
}

// MessageType returns the discriminant.
func (e Envelope) MessageType() MessageType { return e.Type }

// MessageID returns the message id.
func (e Envelope) MessageID() string { return e.ID }

// Time returns the timestamp as a time.Time.
func (e Envelope) Time() time.Time { return time.UnixMilli(e.Timestamp) }

// Message is the closed set of protocol messages. Only pointers to the structs
// in this package implement it.
type Message interface {
	MessageType() MessageType
	MessageID() string
	isMessage()
}

func newEnvelope(t MessageType) Envelope {
	return Envelope{Type: t, ID: GenerateMessageID(), Timestamp: time.Now().UnixMilli()}
}

// Worker -> Commander messages

// Handshake is the first message on every connection.
type Handshake struct {
	Envelope
	WorkerID     string `json:"worker_id"`
	PID          int    `json:"pid"`
	Branch       string `json:"branch,omitempty"`
	WorktreePath string `json:"worktree_path,omitempty"`
}

// PermissionRequest asks the commander to confirm a tool call. Its ID is the
// correlation id echoed by the matching PermissionResponse.
type PermissionRequest struct {
	Envelope
	WorkerID     string           `json:"worker_id"`
	Confirmation ToolConfirmation `json:"confirmation"`
}

// StatusUpdate reports a status transition or progress.
type StatusUpdate struct {
	Envelope
	WorkerID    string       `json:"worker_id"`
	Status      WorkerStatus `json:"status"`
	CurrentTool string       `json:"current_tool,omitempty"`
	Progress    int          `json:"progress"`
	TokensUsed  int64        `json:"tokens_used"`
	Message     string       `json:"message,omitempty"`
}

// Log levels
const (
	LogInfo      = "info"
	LogWarn      = "warn"
	LogError     = "error"
	LogText      = "text"
	LogToolOut   = "tool_output"
	LogToolInput = "tool_input"
)

// Log streams assistant text or tool output.
type Log struct {
	Envelope
	WorkerID string `json:"worker_id"`
	Level    string `json:"level"`
	Content  string `json:"content"`
}

// TaskComplete is sent once when the task ends naturally.
type TaskComplete struct {
	Envelope
	WorkerID string     `json:"worker_id"`
	Result   TaskResult `json:"result"`
}

// TaskError is sent once when the task ends unrecoverably.
type TaskError struct {
	Envelope
	WorkerID string      `json:"worker_id"`
	Reason   ErrorReason `json:"reason"`
	Message  string      `json:"message"`
}

// Commander -> Worker messages

// HandshakeAck accepts or refuses a Handshake.
type HandshakeAck struct {
	Envelope
	WorkerID   string          `json:"worker_id"`
	Accepted   bool            `json:"accepted"`
	Error      string          `json:"error,omitempty"`
	Assignment *TaskAssignment `json:"assignment,omitempty"`
}

// PermissionResponse answers a PermissionRequest.
type PermissionResponse struct {
	Envelope
	RequestID string             `json:"request_id"`
	Result    ConfirmationResult `json:"result"`
}

// Cancel asks the worker to stop its task.
type Cancel struct {
	Envelope
	WorkerID string `json:"worker_id"`
	Reason   string `json:"reason,omitempty"`
}

// Either direction

// Ping is a liveness probe.
type Ping struct {
	Envelope
}

// Pong answers a Ping.
type Pong struct {
	Envelope
	PingID string `json:"ping_id,omitempty"`
}

func (*Handshake) isMessage()          {}
func (*HandshakeAck) isMessage()       {}
func (*PermissionRequest) isMessage()  {}
func (*PermissionResponse) isMessage() {}
func (*StatusUpdate) isMessage()       {}
func (*Log) isMessage()                {}
func (*TaskComplete) isMessage()       {}
func (*TaskError) isMessage()          {}
func (*Cancel) isMessage()             {}
func (*Ping) isMessage()               {}
func (*Pong) isMessage()               {}

// NewHandshake builds a handshake for the given worker.
func NewHandshake(workerID string, pid int, branch, worktreePath string) *Handshake {
	return &Handshake{Envelope: newEnvelope(TypeHandshake), WorkerID: workerID, PID: pid, Branch: branch, WorktreePath: worktreePath}
}

// NewHandshakeAck accepts a worker and hands it its assignment.
func NewHandshakeAck(workerID string, assignment *TaskAssignment) *HandshakeAck {
	return &HandshakeAck{Envelope: newEnvelope(TypeHandshakeAck), WorkerID: workerID, Accepted: true, Assignment: assignment}
}

// NewHandshakeReject refuses a worker.
func NewHandshakeReject(workerID, reason string) *HandshakeAck {
	return &HandshakeAck{Envelope: newEnvelope(TypeHandshakeAck), WorkerID: workerID, Error: reason}
}

// NewPermissionRequest builds a permission request with a fresh correlation id.
func NewPermissionRequest(workerID string, conf ToolConfirmation) *PermissionRequest {
	return &PermissionRequest{Envelope: newEnvelope(TypePermissionRequest), WorkerID: workerID, Confirmation: conf}
}

// NewPermissionResponse answers the request with id requestID.
func NewPermissionResponse(requestID string, result ConfirmationResult) *PermissionResponse {
	return &PermissionResponse{Envelope: newEnvelope(TypePermissionResponse), RequestID: requestID, Result: result}
}

// NewStatusUpdate builds a status update.
func NewStatusUpdate(workerID string, status WorkerStatus) *StatusUpdate {
	return &StatusUpdate{Envelope: newEnvelope(TypeStatusUpdate), WorkerID: workerID, Status: status}
}

// NewLog builds a log line.
func NewLog(workerID, level, content string) *Log {
	return &Log{Envelope: newEnvelope(TypeLog), WorkerID: workerID, Level: level, Content: content}
}

// NewTaskComplete builds the terminal success message.
func NewTaskComplete(workerID string, result TaskResult) *TaskComplete {
	return &TaskComplete{Envelope: newEnvelope(TypeTaskComplete), WorkerID: workerID, Result: result}
}

// NewTaskError builds the terminal failure message.
func NewTaskError(workerID string, reason ErrorReason, message string) *TaskError {
	return &TaskError{Envelope: newEnvelope(TypeTaskError), WorkerID: workerID, Reason: reason, Message: message}
}

// NewCancel builds a cancel request.
func NewCancel(workerID, reason string) *Cancel {
	return &Cancel{Envelope: newEnvelope(TypeCancel), WorkerID: workerID, Reason: reason}
}

// NewPing builds a ping.
func NewPing() *Ping {
	return &Ping{Envelope: newEnvelope(TypePing)}
}

// NewPong answers the ping with id pingID.
func NewPong(pingID string) *Pong {
	return &Pong{Envelope: newEnvelope(TypePong), PingID: pingID}
}
