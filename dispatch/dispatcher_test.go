package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tdtai09423/TheCoffeeHandSystem/config"
	"github.com/tdtai09423/TheCoffeeHandSystem/messaging"
	"github.com/tdtai09423/TheCoffeeHandSystem/protocol"
)

type testRig struct {
	d      *Dispatcher
	bus    *messaging.MemoryBus
	topics config.TopicsConfig

	mu   sync.Mutex
	sent [][]byte
}

func newRig(t *testing.T, timeout time.Duration) *testRig {
	t.Helper()
	cfg := config.Defaults()
	cfg.Orchestrator.ResponseTimeout = timeout
	bus := messaging.NewMemoryBus()
	t.Cleanup(func() { bus.Close() })
	return &testRig{
		d:      NewDispatcher(bus, cfg.Messaging.Topics, cfg.Orchestrator, nil),
		bus:    bus,
		topics: cfg.Messaging.Topics,
	}
}

// reply subscribes a controller that answers every command with status.
func (r *testRig) reply(t *testing.T, status string) {
	t.Helper()
	err := r.bus.SubscribeBroadcast(context.Background(), r.topics.CommandBroadcast, func(_ string, payload []byte) {
		r.mu.Lock()
		r.sent = append(r.sent, payload)
		r.mu.Unlock()
		if status == "" {
			return
		}
		var cmd protocol.Command
		json.Unmarshal(payload, &cmd)
		resp, _ := json.Marshal(protocol.CommandResponse{ActivityID: cmd.ActivityID, Status: status, Sequence: cmd.Sequence})
		r.bus.Send(context.Background(), r.topics.CommandResponse, resp)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
}

func testCommand() protocol.Command {
	return protocol.Command{
		ActivityID: "MK_latte_1",
		Machine:    protocol.MilkMachine,
		Mode:       "steam",
		Parameters: map[string]any{"temperature": 65.0},
		Sequence:   2,
	}
}

func TestDispatchDone(t *testing.T) {
	r := newRig(t, time.Second)
	r.reply(t, protocol.StatusDone)

	resp, err := r.d.Dispatch(context.Background(), testCommand())
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !resp.Done() {
		t.Errorf("Status = %q, want done", resp.Status)
	}
	if resp.Sequence != 2 {
		t.Errorf("Sequence = %d, want 2", resp.Sequence)
	}
}

func TestDispatchFailIsReturned(t *testing.T) {
	r := newRig(t, time.Second)
	r.reply(t, protocol.StatusFail)

	resp, err := r.d.Dispatch(context.Background(), testCommand())
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if resp.Done() {
		t.Error("fail response reported as done")
	}
}

func TestDispatchDiscardsUnrelatedResponses(t *testing.T) {
	r := newRig(t, time.Second)
	ctx := context.Background()

	// stale traffic queued before the command goes out
	r.bus.Send(ctx, r.topics.CommandResponse, []byte(`{"activity_id":"MK_other_9","status":"done","sequence":2}`))
	r.bus.Send(ctx, r.topics.CommandResponse, []byte(`{"activity_id":"MK_latte_1","status":"done","sequence":1}`))
	r.bus.Send(ctx, r.topics.CommandResponse, []byte(`garbage`))
	r.reply(t, protocol.StatusFail)

	resp, err := r.d.Dispatch(ctx, testCommand())
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if resp.Status != protocol.StatusFail {
		t.Errorf("Status = %q, want the correlated fail, not a stale done", resp.Status)
	}
	if n := r.bus.Pending(r.topics.CommandResponse); n != 0 {
		t.Errorf("pending responses = %d, want 0 (unrelated ones are consumed)", n)
	}
	if n := r.bus.Unacked(r.topics.CommandResponse); n != 0 {
		t.Errorf("unacked responses = %d, want 0", n)
	}
}

func TestDispatchTimeout(t *testing.T) {
	r := newRig(t, 50*time.Millisecond)
	r.reply(t, "")

	start := time.Now()
	_, err := r.d.Dispatch(context.Background(), testCommand())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Dispatch took %s, want about 50ms", elapsed)
	}
	var te *TimeoutError
	if errors.As(err, &te) && te.Machine != protocol.MilkMachine {
		t.Errorf("Machine = %q, want %q", te.Machine, protocol.MilkMachine)
	}
}

func TestDispatchUnrelatedTrafficDoesNotExtendWait(t *testing.T) {
	r := newRig(t, 80*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		tick := time.NewTicker(10 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				r.bus.Send(ctx, r.topics.CommandResponse, []byte(`{"activity_id":"noise","status":"done","sequence":1}`))
			}
		}
	}()

	start := time.Now()
	_, err := r.d.Dispatch(context.Background(), testCommand())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Dispatch took %s with background noise", elapsed)
	}
}

func TestDispatchCancelled(t *testing.T) {
	r := newRig(t, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := r.d.Dispatch(ctx, testCommand())
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestDispatchWireFormat(t *testing.T) {
	r := newRig(t, time.Second)
	r.reply(t, protocol.StatusDone)

	if _, err := r.d.Dispatch(context.Background(), testCommand()); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sent) != 1 {
		t.Fatalf("broadcasts = %d, want 1", len(r.sent))
	}
	var wire map[string]any
	if err := json.Unmarshal(r.sent[0], &wire); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, key := range []string{"activity_id", "machine", "mode", "parameters", "sequence"} {
		if _, ok := wire[key]; !ok {
			t.Errorf("command missing %q", key)
		}
	}
	if wire["machine"] != "milk machine" {
		t.Errorf("machine = %v, want %q", wire["machine"], "milk machine")
	}
}
