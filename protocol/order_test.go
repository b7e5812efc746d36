package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestDecodeOrderSortsBySequence(t *testing.T) {
	data := []byte(`{
		"activity_id": "MK_latte_42",
		"name": "Latte",
		"actions": [
			{"machine": "Milk Machine", "mode": "steam", "parameters": {"ml": 120}, "sequence": 2},
			{"machine": "coffee machine", "mode": "espresso", "parameters": {"shots": 2}, "sequence": 1},
			{"machine": "sugar machine", "mode": "dose", "sequence": "3"}
		]
	}`)

	o, err := DecodeOrder(data)
	if err != nil {
		t.Fatalf("DecodeOrder: %v", err)
	}
	if o.ActivityID != "MK_latte_42" {
		t.Errorf("ActivityID = %q, want %q", o.ActivityID, "MK_latte_42")
	}
	want := []Machine{CoffeeMachine, MilkMachine, SugarMachine}
	if len(o.Actions) != len(want) {
		t.Fatalf("len(actions) = %d, want %d", len(o.Actions), len(want))
	}
	for i, m := range want {
		if o.Actions[i].Machine != m {
			t.Errorf("actions[%d].Machine = %q, want %q", i, o.Actions[i].Machine, m)
		}
		if o.Actions[i].Sequence != i+1 {
			t.Errorf("actions[%d].Sequence = %d, want %d", i, o.Actions[i].Sequence, i+1)
		}
	}
	if o.Actions[2].Parameters == nil {
		t.Error("missing parameters should decode as an empty map")
	}
}

func TestDecodeOrderMalformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"invalid json", `{"activity_id": "a", "actions": [`},
		{"missing activity_id", `{"actions": [{"machine": "coffee machine", "mode": "m", "sequence": 1}]}`},
		{"blank activity_id", `{"activity_id": "  ", "actions": [{"machine": "coffee machine", "mode": "m", "sequence": 1}]}`},
		{"non-numeric sequence", `{"activity_id": "a", "actions": [{"machine": "coffee machine", "mode": "m", "sequence": "first"}]}`},
		{"missing sequence", `{"activity_id": "a", "actions": [{"machine": "coffee machine", "mode": "m"}]}`},
		{"duplicate sequence", `{"activity_id": "a", "actions": [{"machine": "coffee machine", "mode": "m", "sequence": 1}, {"machine": "milk machine", "mode": "m", "sequence": 1}]}`},
		{"unknown machine", `{"activity_id": "a", "actions": [{"machine": "toaster", "mode": "m", "sequence": 1}]}`},
		{"no actions", `{"activity_id": "a", "actions": []}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeOrder([]byte(tt.data))
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("err = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestDecodeSubmissionAssignsActivityID(t *testing.T) {
	o, err := DecodeSubmission([]byte(`{"name":"flat_white","actions":[
		{"machine":"coffee machine","mode":"espresso","sequence":1}]}`))
	if err != nil {
		t.Fatalf("DecodeSubmission: %v", err)
	}
	if !strings.HasPrefix(o.ActivityID, "MK_flat-white_") {
		t.Errorf("activity_id = %q, want MK_flat-white_<uuid>", o.ActivityID)
	}
	if parts := strings.Split(o.ActivityID, "_"); len(parts) != 3 || len(parts[2]) != 36 {
		t.Errorf("activity_id = %q, want three fields ending in a uuid", o.ActivityID)
	}

	o, err = DecodeSubmission([]byte(`{"activity_id":"MK_tea_1","actions":[
		{"machine":"water machine","mode":"hot","sequence":1}]}`))
	if err != nil {
		t.Fatalf("DecodeSubmission: %v", err)
	}
	if o.ActivityID != "MK_tea_1" {
		t.Errorf("activity_id = %q, want the given one kept", o.ActivityID)
	}

	if _, err := DecodeSubmission([]byte(`{"actions":[]}`)); !errors.Is(err, ErrMalformed) {
		t.Errorf("err = %v, want ErrMalformed for an empty order", err)
	}
}

func TestParseMachine(t *testing.T) {
	m, err := ParseMachine("  Ice Making Machine ")
	if err != nil {
		t.Fatalf("ParseMachine: %v", err)
	}
	if m != IceMakingMachine {
		t.Errorf("machine = %q, want %q", m, IceMakingMachine)
	}
	if m.ArmTarget() != ArmTarget("ice making machine") {
		t.Errorf("arm target = %q", m.ArmTarget())
	}
	if _, err := ParseMachine("done"); err == nil {
		t.Error("arm sentinel should not parse as a machine")
	}
	if got := len(Machines()); got != 6 {
		t.Errorf("len(Machines()) = %d, want 6", got)
	}
}

func TestArmStatusConfirms(t *testing.T) {
	tests := []struct {
		status ArmStatus
		target ArmTarget
		want   bool
	}{
		{ArmStatus{Machine: "coffee machine", Status: "done"}, ArmTarget(CoffeeMachine), true},
		{ArmStatus{Machine: "Coffee Machine", Status: "DONE"}, ArmTarget(CoffeeMachine), true},
		{ArmStatus{Machine: "milk machine", Status: "done"}, ArmTarget(CoffeeMachine), false},
		{ArmStatus{Machine: "coffee machine", Status: "moving"}, ArmTarget(CoffeeMachine), false},
		{ArmStatus{Machine: "done", Status: "done"}, ArmDone, true},
	}
	for _, tt := range tests {
		if got := tt.status.Confirms(tt.target); got != tt.want {
			t.Errorf("%+v.Confirms(%q) = %v, want %v", tt.status, tt.target, got, tt.want)
		}
	}
}

func TestCommandResponseCorrelation(t *testing.T) {
	cmd := NewCommand("act-1", Action{Machine: MilkMachine, Mode: "steam", Sequence: 2})

	if r := (&CommandResponse{ActivityID: "act-1", Status: "done", Sequence: 2}); !r.Answers(cmd) || !r.Done() {
		t.Error("matching done response should answer and be done")
	}
	if r := (&CommandResponse{ActivityID: "act-2", Status: "done", Sequence: 2}); r.Answers(cmd) {
		t.Error("other activity should not answer")
	}
	if r := (&CommandResponse{ActivityID: "act-1", Status: "done", Sequence: 1}); r.Answers(cmd) {
		t.Error("other sequence should not answer")
	}
	if r := (&CommandResponse{ActivityID: "act-1", Status: "jammed", Sequence: 2}); r.Done() {
		t.Error("unknown status should count as failure")
	}
}

func TestCommandWireShape(t *testing.T) {
	cmd := NewCommand("act-1", Action{Machine: CoffeeMachine, Mode: "espresso", Parameters: map[string]any{"shots": 2}, Sequence: 1})
	data, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, k := range []string{"activity_id", "machine", "mode", "parameters", "sequence"} {
		if _, ok := m[k]; !ok {
			t.Errorf("expected key %q", k)
		}
	}
	if m["machine"] != "coffee machine" {
		t.Errorf("machine = %v, want %q", m["machine"], "coffee machine")
	}
}
