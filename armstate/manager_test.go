package armstate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestManagerLocalOnly(t *testing.T) {
	m := NewManager(nil, nil)

	m.OrderStarted("MK_latte_1", "Latte", 2)
	m.ArmMoving("MK_latte_1", "coffee machine")
	m.ArmMoved("MK_latte_1", "coffee machine", nil)
	m.ActionProgress("MK_latte_1", "coffee machine", 1, 1)
	m.ActionDone("MK_latte_1")

	s := m.Snapshot(context.Background())
	if s.Source != "local" {
		t.Errorf("Source = %q, want local", s.Source)
	}
	if s.Arm == nil || s.Arm.Target != "coffee machine" || s.Arm.Status != ArmArrived {
		t.Errorf("Arm = %+v, want arrived at coffee machine", s.Arm)
	}
	if s.Active == nil {
		t.Fatal("Active should be set")
	}
	if s.Active.ActionsDone != 1 || s.Active.Machine != "coffee machine" || s.Active.Attempt != 1 {
		t.Errorf("Active = %+v", s.Active)
	}
	if s.Last != nil {
		t.Errorf("Last = %+v, want nil", s.Last)
	}
}

func TestManagerIgnoresOtherOrders(t *testing.T) {
	m := NewManager(nil, nil)
	m.OrderStarted("A", "", 1)
	m.ActionDone("B")
	if s := m.Snapshot(context.Background()); s.Active.ActionsDone != 0 {
		t.Errorf("ActionsDone = %d, want 0", s.Active.ActionsDone)
	}
}

func TestManagerOrderFinished(t *testing.T) {
	m := NewManager(nil, nil)
	m.OrderStarted("A", "", 1)
	m.OrderFinished(&OrderSummary{ActivityID: "A", Status: "completed", ActionsDone: 1, ActionsTotal: 1, FinishedAt: time.Now()})

	s := m.Snapshot(context.Background())
	if s.Active != nil {
		t.Errorf("Active = %+v, want nil", s.Active)
	}
	if s.Last == nil || s.Last.Status != "completed" {
		t.Errorf("Last = %+v, want completed", s.Last)
	}
}

func TestManagerArmLost(t *testing.T) {
	m := NewManager(nil, nil)
	m.ArmMoved("A", "milk machine", errors.New("timed out"))
	s := m.Snapshot(context.Background())
	if s.Arm.Status != ArmLost || s.Arm.Error != "timed out" {
		t.Errorf("Arm = %+v, want unconfirmed with error", s.Arm)
	}
}

func TestManagerReset(t *testing.T) {
	m := NewManager(nil, nil)
	m.OrderStarted("A", "", 1)
	m.Reset()
	if s := m.Snapshot(context.Background()); s.Active != nil {
		t.Errorf("Active = %+v, want nil after reset", s.Active)
	}
}

func TestManagerFallsBackWhenRedisDown(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()
	m := NewManager(NewRedisStore(client, "test"), nil)

	m.ArmMoving("A", "sugar machine")
	s := m.Snapshot(context.Background())
	if s.Source != "local" {
		t.Errorf("Source = %q, want local", s.Source)
	}
	if s.Arm == nil || s.Arm.Status != ArmMoving {
		t.Errorf("Arm = %+v, want moving", s.Arm)
	}
}
