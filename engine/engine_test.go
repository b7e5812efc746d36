package engine

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/tdtai09423/TheCoffeeHandSystem/config"
	"github.com/tdtai09423/TheCoffeeHandSystem/messaging"
	"github.com/tdtai09423/TheCoffeeHandSystem/protocol"
	"github.com/tdtai09423/TheCoffeeHandSystem/simulate"
	"github.com/tdtai09423/TheCoffeeHandSystem/store"
)

type testStation struct {
	engine   *Engine
	bus      *messaging.MemoryBus
	db       *store.DB
	machines *simulate.Machines
}

func newTestStation(t *testing.T) *testStation {
	t.Helper()
	cfg := config.Defaults()
	cfg.Messaging.Backend = config.BackendMemory
	cfg.Orchestrator.ArmPollInterval = 2 * time.Millisecond
	cfg.Orchestrator.ArmMaxPollInterval = 10 * time.Millisecond
	cfg.Orchestrator.ArmTimeout = time.Second
	cfg.Orchestrator.ResponseTimeout = time.Second
	cfg.Orchestrator.ParkTimeout = time.Second

	db, err := store.Open(&config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "engine.db")},
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.SeedMachines(protocol.Machines()); err != nil {
		t.Fatalf("seed: %v", err)
	}

	bus := messaging.NewMemoryBus()
	client := messaging.NewClientWithBus(&cfg.Messaging, bus, nil)

	ctx, cancel := context.WithCancel(context.Background())
	topics := cfg.Messaging.Topics
	arm := simulate.NewArm(bus, topics, time.Millisecond, nil)
	machines := simulate.NewMachines(bus, topics, time.Millisecond, nil)
	go arm.Run(ctx)
	if err := machines.Start(ctx); err != nil {
		t.Fatalf("start machines: %v", err)
	}

	eng := New(Config{AppConfig: cfg, DB: db, MsgClient: client})
	eng.Start()
	t.Cleanup(func() {
		eng.Stop()
		cancel()
		bus.Close()
		db.Close()
	})
	return &testStation{engine: eng, bus: bus, db: db, machines: machines}
}

// notifications waits until a notification of type last is in the outbox
// and returns every queued envelope in order.
func (s *testStation) notifications(t *testing.T, last string) []*protocol.Envelope {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		msgs, err := s.db.ListPendingOutbox(50)
		if err != nil {
			t.Fatalf("list outbox: %v", err)
		}
		var envs []*protocol.Envelope
		found := false
		for _, m := range msgs {
			var env protocol.Envelope
			if err := json.Unmarshal(m.Payload, &env); err != nil {
				t.Fatalf("decode outbox payload: %v", err)
			}
			envs = append(envs, &env)
			if env.Type == last {
				found = true
			}
		}
		if found {
			return envs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no %s notification within deadline", last)
	return nil
}

func TestEngineCompletesSubmittedOrder(t *testing.T) {
	s := newTestStation(t)
	order := &protocol.Order{
		ActivityID: "MK_latte_1",
		Name:       "latte",
		Actions: []protocol.Action{
			{Machine: protocol.MilkMachine, Mode: "steam", Parameters: map[string]any{}, Sequence: 2},
			{Machine: protocol.CoffeeMachine, Mode: "espresso", Parameters: map[string]any{}, Sequence: 1},
		},
	}
	if err := s.engine.SubmitOrder(context.Background(), order); err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}

	envs := s.notifications(t, protocol.TypeOrderCompleted)
	if len(envs) != 2 {
		t.Fatalf("notifications = %d, want accepted and completed", len(envs))
	}
	if envs[0].Type != protocol.TypeOrderAccepted {
		t.Errorf("first notification = %s, want %s", envs[0].Type, protocol.TypeOrderAccepted)
	}
	var st protocol.OrderStatus
	if err := envs[1].DecodePayload(&st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if envs[1].CorID != "MK_latte_1" || st.ActionsDone != 2 || st.ActionsTotal != 2 {
		t.Errorf("completed = cor %q done %d/%d", envs[1].CorID, st.ActionsDone, st.ActionsTotal)
	}

	snap := s.engine.ArmState().Snapshot(context.Background())
	if snap.Last == nil || snap.Last.Status != "completed" {
		t.Errorf("last order = %+v, want completed", snap.Last)
	}
	if snap.Active != nil {
		t.Errorf("active order = %+v, want none", snap.Active)
	}
	if snap.Arm == nil || snap.Arm.Target != string(protocol.ArmDone) {
		t.Errorf("arm = %+v, want at rest", snap.Arm)
	}
}

func TestEngineRejectsDisabledMachine(t *testing.T) {
	s := newTestStation(t)
	if err := s.engine.SetMachineEnabled(string(protocol.SugarMachine), false, "test"); err != nil {
		t.Fatalf("disable: %v", err)
	}
	order := &protocol.Order{
		ActivityID: "MK_tea_1",
		Actions: []protocol.Action{
			{Machine: protocol.SugarMachine, Mode: "one", Parameters: map[string]any{}, Sequence: 1},
		},
	}
	if err := s.engine.SubmitOrder(context.Background(), order); err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}

	envs := s.notifications(t, protocol.TypeOrderFailed)
	if len(envs) != 1 {
		t.Fatalf("notifications = %d, want only failed", len(envs))
	}
	if got := len(s.machines.Commands()); got != 0 {
		t.Errorf("commands sent = %d, want 0", got)
	}
}

func TestEngineMalformedSubmissionNotifies(t *testing.T) {
	s := newTestStation(t)
	queue := s.engine.AppConfig().Messaging.Topics.OrderSubmission
	if err := s.bus.Send(context.Background(), queue, []byte(`{"activity_id":"BAD1","actions":[]}`)); err != nil {
		t.Fatalf("send: %v", err)
	}

	envs := s.notifications(t, protocol.TypeOrderFailed)
	if envs[0].CorID != "BAD1" {
		t.Errorf("cor = %q, want BAD1", envs[0].CorID)
	}
}

func TestEngineMachineUpdatedEvent(t *testing.T) {
	s := newTestStation(t)
	var got []MachineUpdatedEvent
	s.engine.Events.SubscribeTypes(func(e Event) {
		got = append(got, e.Payload.(MachineUpdatedEvent))
	}, EventMachineUpdated)

	if err := s.engine.SetMachineModes(string(protocol.WaterMachine), []string{"hot"}, "ops"); err != nil {
		t.Fatalf("SetMachineModes: %v", err)
	}
	if err := s.engine.SetMachineEnabled("no such machine", false, "ops"); err == nil {
		t.Error("unknown machine should fail")
	}
	if len(got) != 1 || got[0].Action != "modes" || got[0].Actor != "ops" {
		t.Errorf("events = %+v, want one modes update by ops", got)
	}
}

func TestEngineSubmitValidates(t *testing.T) {
	s := newTestStation(t)
	err := s.engine.SubmitOrder(context.Background(), &protocol.Order{ActivityID: "X"})
	if err == nil {
		t.Fatal("order without actions should be refused")
	}
}
