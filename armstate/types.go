package armstate

import "time"

// Arm movement states.
const (
	ArmMoving  = "moving"
	ArmArrived = "arrived"
	ArmLost    = "unconfirmed"
)

// ArmState is the last known position of the arm.
type ArmState struct {
	Target     string    `json:"target"`
	Status     string    `json:"status"`
	ActivityID string    `json:"activity_id,omitempty"`
	Error      string    `json:"error,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ActiveOrder is the progress of the order currently holding the arm.
type ActiveOrder struct {
	ActivityID   string    `json:"activity_id"`
	Name         string    `json:"name,omitempty"`
	ActionsTotal int       `json:"actions_total"`
	ActionsDone  int       `json:"actions_done"`
	Machine      string    `json:"machine,omitempty"`
	Sequence     int       `json:"sequence"`
	Attempt      int       `json:"attempt"`
	StartedAt    time.Time `json:"started_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// OrderSummary is the outcome of the most recent order.
type OrderSummary struct {
	ActivityID   string    `json:"activity_id"`
	Status       string    `json:"status"`
	ActionsDone  int       `json:"actions_done"`
	ActionsTotal int       `json:"actions_total"`
	Detail       string    `json:"detail,omitempty"`
	FinishedAt   time.Time `json:"finished_at"`
}

// Snapshot is everything the status API shows about the station.
type Snapshot struct {
	Arm    *ArmState     `json:"arm"`
	Active *ActiveOrder  `json:"active_order"`
	Last   *OrderSummary `json:"last_order"`
	Source string        `json:"source"`
}
