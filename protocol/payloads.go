package protocol

import "strings"

// --- Coordinator -> machines (command-broadcast) ---

// Command instructs one machine to run a mode. Every controller receives
// every command and ignores those addressed to other machines.
type Command struct {
	ActivityID string         `json:"activity_id"`
	Machine    Machine        `json:"machine"`
	Mode       string         `json:"mode"`
	Parameters map[string]any `json:"parameters"`
	Sequence   int            `json:"sequence"`
}

// NewCommand builds the command for action a of the order activityID.
func NewCommand(activityID string, a Action) Command {
	return Command{
		ActivityID: activityID,
		Machine:    a.Machine,
		Mode:       a.Mode,
		Parameters: a.Parameters,
		Sequence:   a.Sequence,
	}
}

// --- Machines -> coordinator (command-response) ---

type CommandResponse struct {
	ActivityID string `json:"activity_id"`
	Status     string `json:"status"`
	Sequence   int    `json:"sequence"`
}

// Answers reports whether r correlates with the pending command c.
func (r *CommandResponse) Answers(c Command) bool {
	return r.ActivityID == c.ActivityID && r.Sequence == c.Sequence
}

// Done reports a successful execution. Any status other than "done" counts
// as a failure.
func (r *CommandResponse) Done() bool {
	return strings.EqualFold(r.Status, StatusDone)
}

// --- Arm -> coordinator (arm-status) ---

type ArmStatus struct {
	Machine string `json:"machine"`
	Status  string `json:"status"`
}

// Confirms reports whether s is the arrival confirmation for target t.
func (s *ArmStatus) Confirms(t ArmTarget) bool {
	return t.Matches(s.Machine) && strings.EqualFold(s.Status, StatusDone)
}

// --- Coordinator -> observers (order-status) ---

// OrderStatus is the payload of every order.* notification.
type OrderStatus struct {
	ActivityID     string `json:"activity_id"`
	Status         string `json:"status"`
	Detail         string `json:"detail,omitempty"`
	ActionsDone    int    `json:"actions_done"`
	ActionsTotal   int    `json:"actions_total"`
	FailedSequence *int   `json:"failed_sequence,omitempty"`
	FailedMachine  string `json:"failed_machine,omitempty"`
}
