package messaging

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/tdtai09423/TheCoffeeHandSystem/config"
)

// flakyBus fails the first failures Send calls.
type flakyBus struct {
	*MemoryBus
	failures int
	calls    int
}

func (b *flakyBus) Send(ctx context.Context, queue string, payload []byte) error {
	b.calls++
	if b.calls <= b.failures {
		return errors.New("connection reset")
	}
	return b.MemoryBus.Send(ctx, queue, payload)
}

func testMessagingConfig(maxTries uint) *config.MessagingConfig {
	cfg := config.Defaults().Messaging
	cfg.Backend = config.BackendMemory
	cfg.Retry = config.RetryConfig{
		MaxTries:        maxTries,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
	}
	return &cfg
}

func TestClientRetriesTransientErrors(t *testing.T) {
	bus := &flakyBus{MemoryBus: NewMemoryBus(), failures: 2}
	c := NewClientWithBus(testMessagingConfig(5), bus, nil)

	if err := c.Send(context.Background(), "q", []byte("x")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if bus.calls != 3 {
		t.Errorf("calls = %d, want 3", bus.calls)
	}
	if n := bus.Pending("q"); n != 1 {
		t.Errorf("Pending = %d, want 1", n)
	}
}

func TestClientGivesUpAfterMaxTries(t *testing.T) {
	bus := &flakyBus{MemoryBus: NewMemoryBus(), failures: 10}
	c := NewClientWithBus(testMessagingConfig(3), bus, nil)

	if err := c.Send(context.Background(), "q", []byte("x")); err == nil {
		t.Fatal("expected error after retries exhausted")
	}
	if bus.calls != 3 {
		t.Errorf("calls = %d, want 3", bus.calls)
	}
}

func TestClientDoesNotRetryNoMessage(t *testing.T) {
	c := NewClientWithBus(testMessagingConfig(5), NewMemoryBus(), nil)
	start := time.Now()
	_, err := c.Receive(context.Background(), "q", 0)
	if !errors.Is(err, ErrNoMessage) {
		t.Fatalf("err = %v, want ErrNoMessage", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("ErrNoMessage should not be retried")
	}
}

func TestClientNotConnected(t *testing.T) {
	c := NewClient(testMessagingConfig(1), nil)
	if c.IsConnected() {
		t.Error("unconnected client reports connected")
	}
	if err := c.Broadcast(context.Background(), "t", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}

func TestClientConnectMemoryBackend(t *testing.T) {
	c := NewClient(testMessagingConfig(1), nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()
	if !c.IsConnected() {
		t.Error("client should be connected")
	}
}

func TestClientUnknownBackend(t *testing.T) {
	cfg := testMessagingConfig(1)
	cfg.Backend = "carrier-pigeon"
	if err := NewClient(cfg, nil).Connect(context.Background()); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestClientReconfigureRestoresEveryHandler(t *testing.T) {
	cfg := testMessagingConfig(1)
	c := NewClient(cfg, nil)
	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	var mu sync.Mutex
	var got []string
	var wg sync.WaitGroup
	for _, name := range []string{"coffee", "milk", "sugar"} {
		name := name
		if err := c.SubscribeBroadcast(ctx, "cmds", func(_ string, p []byte) {
			mu.Lock()
			got = append(got, name+":"+string(p))
			mu.Unlock()
			wg.Done()
		}); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}

	if err := c.Reconfigure(ctx, cfg); err != nil {
		t.Fatalf("reconfigure: %v", err)
	}
	wg.Add(3)
	if err := c.Broadcast(ctx, "cmds", []byte("go")); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	waitGroup(t, &wg)

	mu.Lock()
	defer mu.Unlock()
	sort.Strings(got)
	if len(got) != 3 || got[0] != "coffee:go" || got[1] != "milk:go" || got[2] != "sugar:go" {
		t.Errorf("delivered = %v, want all three handlers", got)
	}
}

func TestClientKeepsItsOwnConfig(t *testing.T) {
	cfg := testMessagingConfig(1)
	c := NewClient(cfg, nil)
	cfg.Backend = "carrier-pigeon"
	cfg.Retry.MaxTries = 99
	if got := c.settings(); got.Backend != config.BackendMemory || got.Retry.MaxTries != 1 {
		t.Errorf("settings = %s/%d, want the values given to NewClient", got.Backend, got.Retry.MaxTries)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Errorf("connect: %v", err)
	}
	c.Close()
}
