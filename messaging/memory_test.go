package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMemoryBroadcastFanOut(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()
	ctx := context.Background()

	var mu sync.Mutex
	got := map[string][]string{}
	var wg sync.WaitGroup
	wg.Add(4)
	for _, name := range []string{"milk", "sugar"} {
		name := name
		bus.SubscribeBroadcast(ctx, "cmd", func(topic string, payload []byte) {
			mu.Lock()
			got[name] = append(got[name], string(payload))
			mu.Unlock()
			wg.Done()
		})
	}

	bus.Broadcast(ctx, "cmd", []byte("one"))
	bus.Broadcast(ctx, "cmd", []byte("two"))
	bus.Broadcast(ctx, "other", []byte("ignored"))

	waitGroup(t, &wg)
	mu.Lock()
	defer mu.Unlock()
	for name, msgs := range got {
		if len(msgs) != 2 || msgs[0] != "one" || msgs[1] != "two" {
			t.Errorf("%s got %v, want [one two]", name, msgs)
		}
	}
}

func TestMemoryQueueAckAndRedeliver(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	bus.Send(ctx, "q", []byte("a"))
	bus.Send(ctx, "q", []byte("b"))
	if n := bus.Pending("q"); n != 2 {
		t.Fatalf("Pending = %d, want 2", n)
	}

	d1, err := bus.Receive(ctx, "q", 0)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	d2, _ := bus.Receive(ctx, "q", 0)
	if string(d1.Payload) != "a" || string(d2.Payload) != "b" {
		t.Fatalf("payloads = %q, %q, want a, b", d1.Payload, d2.Payload)
	}
	if n := bus.Unacked("q"); n != 2 {
		t.Errorf("Unacked = %d, want 2", n)
	}

	d1.Ack(ctx)
	if n := bus.Redeliver("q"); n != 1 {
		t.Fatalf("Redeliver = %d, want 1", n)
	}
	again, err := bus.Receive(ctx, "q", 0)
	if err != nil {
		t.Fatalf("receive after redeliver: %v", err)
	}
	if again.ID != d2.ID {
		t.Errorf("redelivered ID = %s, want %s", again.ID, d2.ID)
	}
}

func TestMemoryReceiveEmpty(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	if _, err := bus.Receive(ctx, "q", 0); !errors.Is(err, ErrNoMessage) {
		t.Errorf("poll err = %v, want ErrNoMessage", err)
	}
	start := time.Now()
	if _, err := bus.Receive(ctx, "q", 30*time.Millisecond); !errors.Is(err, ErrNoMessage) {
		t.Errorf("wait err = %v, want ErrNoMessage", err)
	}
	if time.Since(start) < 25*time.Millisecond {
		t.Error("Receive returned before the wait elapsed")
	}
}

func TestMemoryReceiveWakesOnSend(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	go func() {
		time.Sleep(20 * time.Millisecond)
		bus.Send(ctx, "q", []byte("late"))
	}()
	d, err := bus.Receive(ctx, "q", time.Second)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if string(d.Payload) != "late" {
		t.Errorf("payload = %q, want late", d.Payload)
	}
}

func TestMemoryReceiveCancelled(t *testing.T) {
	bus := NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := bus.Receive(ctx, "q", time.Second); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestMemoryClosed(t *testing.T) {
	bus := NewMemoryBus()
	bus.Close()
	ctx := context.Background()
	if bus.IsConnected() {
		t.Error("closed bus reports connected")
	}
	if err := bus.Send(ctx, "q", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send err = %v, want ErrNotConnected", err)
	}
	if err := bus.Broadcast(ctx, "t", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Broadcast err = %v, want ErrNotConnected", err)
	}
}

func waitGroup(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for deliveries")
	}
}
