package engine

import "time"

const (
	EventOrderStarted EventType = iota + 1
	EventOrderRejected
	EventOrderFinished
	EventArmMoving
	EventArmMoved
	EventCommandSent
	EventCommandResult
	EventMachineUpdated
	EventMessagingConnected
	EventMessagingDisconnected
)

var eventNames = map[EventType]string{
	EventOrderStarted:          "order-started",
	EventOrderRejected:         "order-rejected",
	EventOrderFinished:         "order-finished",
	EventArmMoving:             "arm-moving",
	EventArmMoved:              "arm-moved",
	EventCommandSent:           "command-sent",
	EventCommandResult:         "command-result",
	EventMachineUpdated:        "machine-updated",
	EventMessagingConnected:    "messaging-connected",
	EventMessagingDisconnected: "messaging-disconnected",
}

// String is the SSE event name.
func (t EventType) String() string {
	if n, ok := eventNames[t]; ok {
		return n
	}
	return "unknown"
}

// --- Event payloads ---

type OrderStartedEvent struct {
	ActivityID string `json:"activity_id"`
	Name       string `json:"name,omitempty"`
	Actions    int    `json:"actions"`
}

type OrderRejectedEvent struct {
	ActivityID string `json:"activity_id,omitempty"`
	Reason     string `json:"reason"`
}

type OrderFinishedEvent struct {
	ActivityID     string        `json:"activity_id"`
	Status         string        `json:"status"`
	MessageType    string        `json:"type"`
	ActionsDone    int           `json:"actions_done"`
	ActionsTotal   int           `json:"actions_total"`
	FailedMachine  string        `json:"failed_machine,omitempty"`
	FailedSequence *int          `json:"failed_sequence,omitempty"`
	Rejected       bool          `json:"rejected,omitempty"`
	Detail         string        `json:"detail,omitempty"`
	Duration       time.Duration `json:"duration_ns"`
}

type ArmMovingEvent struct {
	ActivityID string `json:"activity_id"`
	Target     string `json:"target"`
}

type ArmMovedEvent struct {
	ActivityID string        `json:"activity_id"`
	Target     string        `json:"target"`
	Elapsed    time.Duration `json:"elapsed_ns"`
	Error      string        `json:"error,omitempty"`
}

type CommandSentEvent struct {
	ActivityID string `json:"activity_id"`
	Machine    string `json:"machine"`
	Mode       string `json:"mode"`
	Sequence   int    `json:"sequence"`
	Attempt    int    `json:"attempt"`
}

// CommandResultEvent.Result is "done", "fail" or "timeout" ("error" for
// transport failures).
type CommandResultEvent struct {
	ActivityID string        `json:"activity_id"`
	Machine    string        `json:"machine"`
	Sequence   int           `json:"sequence"`
	Attempt    int           `json:"attempt"`
	Result     string        `json:"result"`
	Elapsed    time.Duration `json:"elapsed_ns"`
	Error      string        `json:"error,omitempty"`
}

type MachineUpdatedEvent struct {
	Name   string `json:"name"`
	Action string `json:"action"` // "enable", "disable", "modes"
	Actor  string `json:"actor"`
}

type ConnectionEvent struct {
	Detail string `json:"detail"`
}
