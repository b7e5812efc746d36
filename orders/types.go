// Package orders executes drink orders one at a time on the shared arm.
package orders

import (
	"errors"
	"fmt"
	"time"

	"github.com/tdtai09423/TheCoffeeHandSystem/protocol"
)

type Status string

const (
	StatusRunning         Status = "running"
	StatusCompleted       Status = "completed"
	StatusPartiallyFailed Status = "partially_failed"
	StatusFailed          Status = "failed"
	StatusCancelled       Status = "cancelled"
)

// ErrCommandFailed matches every *CommandFailedError.
var ErrCommandFailed = errors.New("machine command failed")

// CommandFailedError reports a command that kept failing after its retries.
type CommandFailedError struct {
	Command  protocol.Command
	Status   string
	Attempts int
}

func (e *CommandFailedError) Error() string {
	return fmt.Sprintf("%s %q (sequence %d) answered %q after %d attempts",
		e.Command.Machine, e.Command.Mode, e.Command.Sequence, e.Status, e.Attempts)
}

func (e *CommandFailedError) Is(target error) bool { return target == ErrCommandFailed }

// Result is the terminal outcome of one order.
type Result struct {
	ActivityID   string
	Status       Status
	ActionsDone  int
	ActionsTotal int
	// FailedAction is the action that halted the order, nil when the order
	// completed or was rejected before any action ran.
	FailedAction *protocol.Action
	// Rejected is set when the machine catalog refused the order before
	// the arm moved.
	Rejected   bool
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

func (r *Result) Duration() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }

// MessageType is the order-status notification type for r.
func (r *Result) MessageType() string {
	switch r.Status {
	case StatusCompleted:
		return protocol.TypeOrderCompleted
	case StatusPartiallyFailed:
		return protocol.TypeOrderPartiallyFailed
	case StatusCancelled:
		return protocol.TypeOrderCancelled
	default:
		return protocol.TypeOrderFailed
	}
}

// OrderStatus builds the notification payload for r.
func (r *Result) OrderStatus() *protocol.OrderStatus {
	st := &protocol.OrderStatus{
		ActivityID:   r.ActivityID,
		Status:       string(r.Status),
		ActionsDone:  r.ActionsDone,
		ActionsTotal: r.ActionsTotal,
	}
	if r.Err != nil {
		st.Detail = r.Err.Error()
	}
	if r.FailedAction != nil {
		seq := r.FailedAction.Sequence
		st.FailedSequence = &seq
		st.FailedMachine = string(r.FailedAction.Machine)
	}
	return st
}
