package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// ErrMalformed marks an order submission that can never be executed.
var ErrMalformed = errors.New("malformed order")

// Order is a drink request: an ordered list of machine actions sharing one
// activity id.
type Order struct {
	ActivityID  string   `json:"activity_id"`
	Name        string   `json:"name,omitempty"`
	Description string   `json:"description,omitempty"`
	Actions     []Action `json:"actions"`
}

// Action is one machine step of an order.
type Action struct {
	ActionID   string         `json:"action_id,omitempty"`
	Machine    Machine        `json:"machine"`
	Mode       string         `json:"mode"`
	Parameters map[string]any `json:"parameters"`
	Sequence   int            `json:"sequence"`
}

type rawOrder struct {
	ActivityID  string      `json:"activity_id"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Actions     []rawAction `json:"actions"`
}

type rawAction struct {
	ActionID   string          `json:"action_id"`
	Machine    string          `json:"machine"`
	Mode       string          `json:"mode"`
	Parameters map[string]any  `json:"parameters"`
	Sequence   json.RawMessage `json:"sequence"`
}

// DecodeOrder parses and validates an order submission. The returned
// order's actions are sorted by ascending sequence. Every validation
// failure wraps ErrMalformed.
func DecodeOrder(data []byte) (*Order, error) {
	var raw rawOrder
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	o := &Order{
		ActivityID:  strings.TrimSpace(raw.ActivityID),
		Name:        raw.Name,
		Description: raw.Description,
		Actions:     make([]Action, 0, len(raw.Actions)),
	}
	for i, ra := range raw.Actions {
		seq, err := parseSequence(ra.Sequence)
		if err != nil {
			return nil, fmt.Errorf("%w: action %d: %v", ErrMalformed, i, err)
		}
		m, err := ParseMachine(ra.Machine)
		if err != nil {
			return nil, fmt.Errorf("%w: action %d: %v", ErrMalformed, i, err)
		}
		params := ra.Parameters
		if params == nil {
			params = map[string]any{}
		}
		o.Actions = append(o.Actions, Action{
			ActionID:   ra.ActionID,
			Machine:    m,
			Mode:       ra.Mode,
			Parameters: params,
			Sequence:   seq,
		})
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	o.Actions = SortedActions(o.Actions)
	return o, nil
}

// NewActivityID builds an activity id of the form MK_<drink>_<uuid>.
// Underscores in the drink name are replaced so the uuid stays the last
// field.
func NewActivityID(drink string) string {
	drink = strings.TrimSpace(drink)
	if drink == "" {
		drink = "drink"
	}
	drink = strings.NewReplacer("_", "-", " ", "-").Replace(strings.ToLower(drink))
	return "MK_" + drink + "_" + uuid.NewString()
}

// DecodeSubmission is DecodeOrder for operator submissions: an order
// without an activity id gets one from NewActivityID.
func DecodeSubmission(data []byte) (*Order, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var head struct {
		ActivityID string `json:"activity_id"`
		Name       string `json:"name"`
	}
	json.Unmarshal(data, &head)
	if strings.TrimSpace(head.ActivityID) != "" {
		return DecodeOrder(data)
	}
	id, err := json.Marshal(NewActivityID(head.Name))
	if err != nil {
		return nil, err
	}
	fields["activity_id"] = id
	if data, err = json.Marshal(fields); err != nil {
		return nil, err
	}
	return DecodeOrder(data)
}

// Validate checks the structural invariants of an order.
func (o *Order) Validate() error {
	if o.ActivityID == "" {
		return fmt.Errorf("%w: missing activity_id", ErrMalformed)
	}
	if len(o.Actions) == 0 {
		return fmt.Errorf("%w: no actions", ErrMalformed)
	}
	seen := make(map[int]struct{}, len(o.Actions))
	for _, a := range o.Actions {
		if !a.Machine.Valid() {
			return fmt.Errorf("%w: unknown machine %q", ErrMalformed, a.Machine)
		}
		if _, dup := seen[a.Sequence]; dup {
			return fmt.Errorf("%w: duplicate sequence %d", ErrMalformed, a.Sequence)
		}
		seen[a.Sequence] = struct{}{}
	}
	return nil
}

// Encode marshals the order to its wire form.
func (o *Order) Encode() ([]byte, error) {
	return json.Marshal(o)
}

// SortedActions returns a copy of actions ordered by ascending sequence.
func SortedActions(actions []Action) []Action {
	out := make([]Action, len(actions))
	copy(out, actions)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

// parseSequence accepts a JSON integer or a string holding one.
func parseSequence(raw json.RawMessage) (int, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, errors.New("missing sequence")
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("non-numeric sequence %s", raw)
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("non-numeric sequence %q", s)
	}
	return n, nil
}
