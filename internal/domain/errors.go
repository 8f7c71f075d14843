package domain

import (
	"fmt"
	"time"

	"github.com/hochfrequenz/codi/internal/ipcprotocol"
)

// IPCDecodeError is a malformed frame. Frames that fail to decode are dropped
// and the connection stays open.
type IPCDecodeError = ipcprotocol.DecodeError

// HandshakeTimeoutError means a worker never completed its handshake in time.
type HandshakeTimeoutError struct {
	WorkerID string
	Timeout  time.Duration
}

func (e *HandshakeTimeoutError) Error() string {
	return fmt.Sprintf("worker %s: no handshake within %s", e.WorkerID, e.Timeout)
}

// WorktreeCreationError covers branch collisions, path collisions and git failures.
type WorktreeCreationError struct {
	Branch  string
	Path    string
	Message string
	Cause   error
}

func (e *WorktreeCreationError) Error() string {
	msg := fmt.Sprintf("create worktree for branch %s: %s", e.Branch, e.Message)
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *WorktreeCreationError) Unwrap() error { return e.Cause }

// ProcessSpawnError is an OS-level failure to start a worker process.
type ProcessSpawnError struct {
	WorkerID string
	Cause    error
}

func (e *ProcessSpawnError) Error() string {
	return fmt.Sprintf("spawn worker %s: %v", e.WorkerID, e.Cause)
}

func (e *ProcessSpawnError) Unwrap() error { return e.Cause }

// PermissionTimeoutError records a permission request that was denied because
// nobody answered. It is logged, never returned to the agent loop.
type PermissionTimeoutError struct {
	WorkerID  string
	RequestID string
	ToolName  string
	Timeout   time.Duration
}

func (e *PermissionTimeoutError) Error() string {
	return fmt.Sprintf("worker %s: permission request %s for %s timed out after %s, denied",
		e.WorkerID, e.RequestID, e.ToolName, e.Timeout)
}

// MaxWorkersExceededError is returned when a spawn is rejected at capacity.
type MaxWorkersExceededError struct {
	Limit  int
	Active int
}

func (e *MaxWorkersExceededError) Error() string {
	return fmt.Sprintf("max workers exceeded: %d active, limit %d", e.Active, e.Limit)
}

// ProcessCrashError is an unexpected worker exit without a terminal message.
type ProcessCrashError struct {
	WorkerID string
	Restarts int
	Cause    error
}

func (e *ProcessCrashError) Error() string {
	msg := fmt.Sprintf("worker %s crashed", e.WorkerID)
	if e.Restarts > 0 {
		msg = fmt.Sprintf("%s after %d restarts", msg, e.Restarts)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *ProcessCrashError) Unwrap() error { return e.Cause }

// ConnectionLostError means the IPC connection closed before a terminal message.
type ConnectionLostError struct {
	WorkerID string
	Cause    error
}

func (e *ConnectionLostError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("worker %s: connection lost: %v", e.WorkerID, e.Cause)
	}
	return fmt.Sprintf("worker %s: connection lost", e.WorkerID)
}

func (e *ConnectionLostError) Unwrap() error { return e.Cause }
