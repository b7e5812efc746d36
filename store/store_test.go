package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tdtai09423/TheCoffeeHandSystem/config"
	"github.com/tdtai09423/TheCoffeeHandSystem/protocol"
)

// testDB creates a temporary SQLite database for testing.
func testDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	db, err := Open(&config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: dbPath},
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
		os.Remove(dbPath)
	})
	return db
}

func seededDB(t *testing.T) *DB {
	t.Helper()
	db := testDB(t)
	if err := db.SeedMachines(protocol.Machines()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return db
}

func TestOpenUnsupportedDriver(t *testing.T) {
	_, err := Open(&config.DatabaseConfig{Driver: "oracle"})
	if err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

// --- Machine catalog tests ---

func TestSeedMachines(t *testing.T) {
	db := seededDB(t)

	machines, err := db.ListMachines()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(machines) != len(protocol.Machines()) {
		t.Fatalf("machines = %d, want %d", len(machines), len(protocol.Machines()))
	}
	for _, m := range machines {
		if !m.Enabled {
			t.Errorf("%s should be enabled after seeding", m.Name)
		}
		if len(m.Modes) != 0 {
			t.Errorf("%s modes = %v, want empty", m.Name, m.Modes)
		}
	}

	got, err := db.GetMachine("coffee machine")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Ingredient != "Coffee Beans" {
		t.Errorf("Ingredient = %q, want %q", got.Ingredient, "Coffee Beans")
	}
	if got.ArmTarget != "coffee machine" {
		t.Errorf("ArmTarget = %q, want %q", got.ArmTarget, "coffee machine")
	}
}

func TestSeedMachinesKeepsExisting(t *testing.T) {
	db := seededDB(t)

	if err := db.SetMachineEnabled("milk machine", false, "test"); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if err := db.SeedMachines(protocol.Machines()); err != nil {
		t.Fatalf("reseed: %v", err)
	}
	got, _ := db.GetMachine("milk machine")
	if got.Enabled {
		t.Error("reseeding should not re-enable a disabled machine")
	}
}

func TestGetMachineNotFound(t *testing.T) {
	db := seededDB(t)
	_, err := db.GetMachine("toaster")
	if !errors.Is(err, ErrMachineNotFound) {
		t.Errorf("err = %v, want ErrMachineNotFound", err)
	}
}

func TestCheckAction(t *testing.T) {
	db := seededDB(t)
	if err := db.SetMachineModes("coffee machine", []string{"espresso", "americano"}, "test"); err != nil {
		t.Fatalf("set modes: %v", err)
	}
	if err := db.SetMachineEnabled("sugar machine", false, "test"); err != nil {
		t.Fatalf("disable: %v", err)
	}

	tests := []struct {
		machine, mode string
		want          error
	}{
		{"coffee machine", "espresso", nil},
		{"coffee machine", "Americano", nil},
		{"coffee machine", "latte", ErrModeNotAllowed},
		{"milk machine", "anything", nil},
		{"sugar machine", "two spoons", ErrMachineDisabled},
		{"toaster", "x", ErrMachineNotFound},
	}
	for _, tc := range tests {
		err := db.CheckAction(tc.machine, tc.mode)
		if tc.want == nil {
			if err != nil {
				t.Errorf("CheckAction(%q, %q) = %v, want nil", tc.machine, tc.mode, err)
			}
			continue
		}
		if !errors.Is(err, tc.want) {
			t.Errorf("CheckAction(%q, %q) = %v, want %v", tc.machine, tc.mode, err, tc.want)
		}
	}
}

func TestSetMachineEnabledAudit(t *testing.T) {
	db := seededDB(t)

	if err := db.SetMachineEnabled("water machine", false, "alice"); err != nil {
		t.Fatalf("disable: %v", err)
	}
	// no-op toggle does not write an audit row
	if err := db.SetMachineEnabled("water machine", false, "alice"); err != nil {
		t.Fatalf("disable again: %v", err)
	}
	if err := db.SetMachineEnabled("water machine", true, "bob"); err != nil {
		t.Fatalf("enable: %v", err)
	}

	entries, err := db.ListEntityAudit("machine", "water machine")
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("audit entries = %d, want 2", len(entries))
	}
	if entries[0].Action != "enable" || entries[0].Actor != "bob" {
		t.Errorf("latest entry = %s by %s, want enable by bob", entries[0].Action, entries[0].Actor)
	}
	if entries[1].OldValue != "true" || entries[1].NewValue != "false" {
		t.Errorf("first entry = %s -> %s, want true -> false", entries[1].OldValue, entries[1].NewValue)
	}
}

func TestSetMachineModes(t *testing.T) {
	db := seededDB(t)

	if err := db.SetMachineModes("ice making machine", []string{"crushed", "cubes"}, "test"); err != nil {
		t.Fatalf("set modes: %v", err)
	}
	got, _ := db.GetMachine("ice making machine")
	if len(got.Modes) != 2 || got.Modes[0] != "crushed" {
		t.Errorf("Modes = %v, want [crushed cubes]", got.Modes)
	}

	if err := db.SetMachineModes("ice making machine", nil, "test"); err != nil {
		t.Fatalf("clear modes: %v", err)
	}
	got, _ = db.GetMachine("ice making machine")
	if len(got.Modes) != 0 {
		t.Errorf("Modes after clear = %v, want empty", got.Modes)
	}

	log, err := db.ListAuditLog(10)
	if err != nil {
		t.Fatalf("audit log: %v", err)
	}
	if len(log) != 2 {
		t.Errorf("audit log = %d entries, want 2", len(log))
	}
}

// --- Outbox tests ---

func TestOutbox(t *testing.T) {
	db := testDB(t)

	for _, typ := range []string{protocol.TypeOrderAccepted, protocol.TypeOrderCompleted} {
		if err := db.EnqueueOutbox("order_status", []byte(`{"type":"`+typ+`"}`), typ, "bar-1"); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	msgs, err := db.ListPendingOutbox(10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("pending = %d, want 2", len(msgs))
	}
	if msgs[0].MsgType != protocol.TypeOrderAccepted {
		t.Errorf("first MsgType = %q, want %q", msgs[0].MsgType, protocol.TypeOrderAccepted)
	}
	if msgs[0].StationID != "bar-1" {
		t.Errorf("StationID = %q, want %q", msgs[0].StationID, "bar-1")
	}
	if msgs[0].CreatedAt.IsZero() {
		t.Error("CreatedAt should be set")
	}

	if err := db.IncrementOutboxRetries(msgs[1].ID); err != nil {
		t.Fatalf("retries: %v", err)
	}
	if err := db.AckOutbox(msgs[0].ID); err != nil {
		t.Fatalf("ack: %v", err)
	}

	msgs, _ = db.ListPendingOutbox(10)
	if len(msgs) != 1 {
		t.Fatalf("pending after ack = %d, want 1", len(msgs))
	}
	if msgs[0].Retries != 1 {
		t.Errorf("Retries = %d, want 1", msgs[0].Retries)
	}
	n, _ := db.CountPendingOutbox()
	if n != 1 {
		t.Errorf("CountPendingOutbox = %d, want 1", n)
	}
}

func TestPurgeSentOutbox(t *testing.T) {
	db := testDB(t)

	db.EnqueueOutbox("order_status", []byte("a"), protocol.TypeOrderCompleted, "")
	db.EnqueueOutbox("order_status", []byte("b"), protocol.TypeOrderFailed, "")
	msgs, _ := db.ListPendingOutbox(10)
	db.AckOutbox(msgs[0].ID)

	// recently sent rows are retained
	n, err := db.PurgeSentOutbox(time.Hour)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 0 {
		t.Errorf("purged = %d, want 0", n)
	}

	db.Exec(`UPDATE outbox SET sent_at=datetime('now','localtime','-2 hours') WHERE id=?`, msgs[0].ID)
	n, err = db.PurgeSentOutbox(time.Hour)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Errorf("purged = %d, want 1", n)
	}
	if pending, _ := db.CountPendingOutbox(); pending != 1 {
		t.Errorf("pending = %d, want 1", pending)
	}
}
