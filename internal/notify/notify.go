// Package notify tells the user about finished workers.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hochfrequenz/codi/internal/domain"
	"github.com/hochfrequenz/codi/internal/ipcprotocol"
)

// NotificationType represents the type of notification
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

// Notification represents a notification to be sent
type Notification struct {
	Title    string
	Message  string
	Type     NotificationType
	WorkerID string // Optional worker reference
	Branch   string
	PRURL    string // Optional PR URL
	// Details are short labelled facts; chat notifiers show them as fields.
	Details []Detail
}

// Detail is one labelled value of a Notification.
type Detail struct {
	Label string
	Value string
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// MultiNotifier sends to multiple notifiers
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send sends the notification to all notifiers and joins their errors.
func (m *MultiNotifier) Send(ctx context.Context, n Notification) error {
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NoopNotifier does nothing (for testing or disabled notifications)
type NoopNotifier struct{}

func (NoopNotifier) Send(context.Context, Notification) error { return nil }

// ResultNotifier turns terminal worker results into notifications. It
// implements orchestrator.ResultSink.
type ResultNotifier struct {
	Notifier Notifier
	// OnlyFailures skips successful results.
	OnlyFailures bool
}

// Record sends the notification for r.
func (rn ResultNotifier) Record(ctx context.Context, r domain.WorkerResult) error {
	if rn.OnlyFailures && r.Success {
		return nil
	}
	return rn.Notifier.Send(ctx, ForResult(r))
}

// ForResult builds the notification for a finished worker.
func ForResult(r domain.WorkerResult) Notification {
	n := Notification{
		WorkerID: r.WorkerID,
		Branch:   r.Branch,
		PRURL:    r.PRURL,
		Details:  resultDetails(r),
	}
	switch {
	case r.Success:
		n.Type = NotifySuccess
		n.Title = fmt.Sprintf("Worker %s complete", r.WorkerID)
		n.Message = fmt.Sprintf("%s: %d commit(s), %d file(s) changed in %s",
			r.Branch, r.Commits, len(r.FilesChanged), r.Duration.Round(time.Second))
		if r.PRURL != "" {
			n.Message += "\n" + r.PRURL
		}
	case r.Status == ipcprotocol.StatusCancelled:
		n.Type = NotifyWarning
		n.Title = fmt.Sprintf("Worker %s cancelled", r.WorkerID)
		n.Message = r.Error
	default:
		n.Type = NotifyError
		n.Title = fmt.Sprintf("Worker %s failed", r.WorkerID)
		n.Message = r.Error
		if r.Reason != "" {
			n.Message = fmt.Sprintf("[%s] %s", r.Reason, r.Error)
		}
	}
	return n
}

func resultDetails(r domain.WorkerResult) []Detail {
	details := []Detail{
		{"Status", string(r.Status)},
		{"Duration", r.Duration.Round(time.Second).String()},
	}
	if r.Success {
		details = append(details,
			Detail{"Commits", fmt.Sprint(r.Commits)},
			Detail{"Files", fmt.Sprint(len(r.FilesChanged))},
		)
	}
	if r.TokensUsed > 0 {
		details = append(details, Detail{"Tokens", fmt.Sprint(r.TokensUsed)})
	}
	if r.RestartCount > 0 {
		details = append(details, Detail{"Restarts", fmt.Sprint(r.RestartCount)})
	}
	return details
}
