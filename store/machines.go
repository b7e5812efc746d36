package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/tdtai09423/TheCoffeeHandSystem/protocol"
)

var (
	ErrMachineNotFound = errors.New("machine not found")
	ErrMachineDisabled = errors.New("machine disabled")
	ErrModeNotAllowed  = errors.New("mode not allowed")
)

// Machine is the catalog entry for one station actuator. An empty Modes
// list accepts any mode.
type Machine struct {
	Name       string    `json:"name"`
	Ingredient string    `json:"ingredient"`
	ArmTarget  string    `json:"arm_target"`
	Modes      []string  `json:"modes"`
	Enabled    bool      `json:"enabled"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Accepts reports whether an action running mode may be sent to m.
func (m *Machine) Accepts(mode string) error {
	if !m.Enabled {
		return fmt.Errorf("%w: %s", ErrMachineDisabled, m.Name)
	}
	if len(m.Modes) == 0 {
		return nil
	}
	if slices.ContainsFunc(m.Modes, func(s string) bool { return strings.EqualFold(s, mode) }) {
		return nil
	}
	return fmt.Errorf("%w: %s does not support %q", ErrModeNotAllowed, m.Name, mode)
}

const machineSelectCols = `name, ingredient, arm_target, modes, enabled, created_at, updated_at`

func scanMachine(row interface{ Scan(...any) error }) (*Machine, error) {
	var m Machine
	var modes string
	var enabled, createdAt, updatedAt any
	if err := row.Scan(&m.Name, &m.Ingredient, &m.ArmTarget, &modes, &enabled, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(modes), &m.Modes); err != nil {
		return nil, fmt.Errorf("machine %s modes: %w", m.Name, err)
	}
	if m.Modes == nil {
		m.Modes = []string{}
	}
	m.Enabled = parseBool(enabled)
	m.CreatedAt = parseTime(createdAt)
	m.UpdatedAt = parseTime(updatedAt)
	return &m, nil
}

// SeedMachines inserts the built-in machines that are not in the catalog
// yet. Existing rows keep their modes and enabled flag.
func (db *DB) SeedMachines(specs []protocol.MachineSpec) error {
	for _, s := range specs {
		_, err := db.Exec(db.Q(`INSERT INTO machines (name, ingredient, arm_target) VALUES (?, ?, ?) ON CONFLICT (name) DO NOTHING`),
			string(s.Name), s.Ingredient, string(s.ArmTarget))
		if err != nil {
			return fmt.Errorf("seed machine %s: %w", s.Name, err)
		}
	}
	return nil
}

func (db *DB) ListMachines() ([]*Machine, error) {
	rows, err := db.Query(`SELECT ` + machineSelectCols + ` FROM machines ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var machines []*Machine
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, err
		}
		machines = append(machines, m)
	}
	return machines, rows.Err()
}

func (db *DB) GetMachine(name string) (*Machine, error) {
	row := db.QueryRow(db.Q(`SELECT `+machineSelectCols+` FROM machines WHERE name=?`), name)
	m, err := scanMachine(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrMachineNotFound, name)
	}
	return m, err
}

// CheckAction verifies that the catalog allows mode on machine.
func (db *DB) CheckAction(machine, mode string) error {
	m, err := db.GetMachine(machine)
	if err != nil {
		return err
	}
	return m.Accepts(mode)
}

// SetMachineEnabled toggles a machine and records the change.
func (db *DB) SetMachineEnabled(name string, enabled bool, actor string) error {
	m, err := db.GetMachine(name)
	if err != nil {
		return err
	}
	if m.Enabled == enabled {
		return nil
	}
	if _, err := db.Exec(db.Q(`UPDATE machines SET enabled=?, updated_at=datetime('now','localtime') WHERE name=?`), enabled, name); err != nil {
		return fmt.Errorf("update machine: %w", err)
	}
	action := "disable"
	if enabled {
		action = "enable"
	}
	return db.AppendAudit("machine", name, action, strconv.FormatBool(m.Enabled), strconv.FormatBool(enabled), actor)
}

// SetMachineModes replaces the list of modes a machine accepts.
func (db *DB) SetMachineModes(name string, modes []string, actor string) error {
	m, err := db.GetMachine(name)
	if err != nil {
		return err
	}
	if modes == nil {
		modes = []string{}
	}
	oldJSON, _ := json.Marshal(m.Modes)
	newJSON, err := json.Marshal(modes)
	if err != nil {
		return err
	}
	if _, err := db.Exec(db.Q(`UPDATE machines SET modes=?, updated_at=datetime('now','localtime') WHERE name=?`), string(newJSON), name); err != nil {
		return fmt.Errorf("update machine modes: %w", err)
	}
	return db.AppendAudit("machine", name, "modes", string(oldJSON), string(newJSON), actor)
}
