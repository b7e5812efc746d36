package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Machine is one of the station's actuators reachable by the arm.
type Machine string

const (
	CoffeeMachine     Machine = "coffee machine"
	MilkMachine       Machine = "milk machine"
	SugarMachine      Machine = "sugar machine"
	WaterMachine      Machine = "water machine"
	IceMakingMachine  Machine = "ice making machine"
	EggWhiskerMachine Machine = "egg whisker machine"
)

// ArmTarget is a position the arm can be asked to move to: a machine name
// or one of the rest sentinels.
type ArmTarget string

const (
	ArmReady ArmTarget = "ready"
	ArmDone  ArmTarget = "done"
)

// MachineSpec is the static description of a machine.
type MachineSpec struct {
	Name       Machine   `json:"name"`
	Ingredient string    `json:"ingredient"`
	ArmTarget  ArmTarget `json:"arm_target"`
}

// catalog order is the display order used by Machines.
var catalog = []MachineSpec{
	{Name: CoffeeMachine, Ingredient: "Coffee Beans", ArmTarget: ArmTarget(CoffeeMachine)},
	{Name: MilkMachine, Ingredient: "Milk", ArmTarget: ArmTarget(MilkMachine)},
	{Name: SugarMachine, Ingredient: "Sugar", ArmTarget: ArmTarget(SugarMachine)},
	{Name: WaterMachine, Ingredient: "Water", ArmTarget: ArmTarget(WaterMachine)},
	{Name: IceMakingMachine, Ingredient: "Ice", ArmTarget: ArmTarget(IceMakingMachine)},
	{Name: EggWhiskerMachine, Ingredient: "Egg", ArmTarget: ArmTarget(EggWhiskerMachine)},
}

var machineIndex = func() map[Machine]MachineSpec {
	m := make(map[Machine]MachineSpec, len(catalog))
	for _, s := range catalog {
		m[s.Name] = s
	}
	return m
}()

// Machines returns the full machine catalog.
func Machines() []MachineSpec {
	out := make([]MachineSpec, len(catalog))
	copy(out, catalog)
	return out
}

// ParseMachine resolves a machine name case-insensitively.
func ParseMachine(name string) (Machine, error) {
	m := Machine(strings.ToLower(strings.TrimSpace(name)))
	if _, ok := machineIndex[m]; !ok {
		return "", fmt.Errorf("unknown machine %q", name)
	}
	return m, nil
}

func (m Machine) Valid() bool {
	_, ok := machineIndex[m]
	return ok
}

func (m Machine) Spec() MachineSpec { return machineIndex[m] }

// ArmTarget returns where the arm must stand to operate m.
func (m Machine) ArmTarget() ArmTarget {
	if s, ok := machineIndex[m]; ok {
		return s.ArmTarget
	}
	return ArmTarget(m)
}

func (m Machine) String() string { return string(m) }

func (m *Machine) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("machine: %w", err)
	}
	parsed, err := ParseMachine(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Matches reports whether an arm status naming machine refers to t.
func (t ArmTarget) Matches(machine string) bool {
	return strings.EqualFold(strings.TrimSpace(machine), string(t))
}

func (t ArmTarget) String() string { return string(t) }
