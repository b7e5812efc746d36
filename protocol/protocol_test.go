package protocol

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	src := Address{Role: RoleCoordinator, Station: "bar-1"}
	dst := Address{Role: RoleProducer}

	env, err := NewEnvelope(TypeOrderCompleted, src, dst, &OrderStatus{
		ActivityID:   "MK_latte_1",
		Status:       "completed",
		ActionsDone:  3,
		ActionsTotal: 3,
	})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}

	if env.Version != Version {
		t.Errorf("version = %d, want %d", env.Version, Version)
	}
	if env.Type != TypeOrderCompleted {
		t.Errorf("type = %q, want %q", env.Type, TypeOrderCompleted)
	}
	if env.Src != src {
		t.Errorf("src = %+v, want %+v", env.Src, src)
	}
	if env.ID == "" {
		t.Error("ID should not be empty")
	}

	data, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var decoded Envelope
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.ID != env.ID {
		t.Errorf("decoded id = %q, want %q", decoded.ID, env.ID)
	}

	var st OrderStatus
	if err := decoded.DecodePayload(&st); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if st.ActivityID != "MK_latte_1" {
		t.Errorf("activity_id = %q, want %q", st.ActivityID, "MK_latte_1")
	}
	if st.ActionsDone != 3 {
		t.Errorf("actions_done = %d, want 3", st.ActionsDone)
	}
}

func TestNewOrderStatusCorrelation(t *testing.T) {
	env, err := NewOrderStatus(TypeOrderFailed, Address{Role: RoleCoordinator}, &OrderStatus{ActivityID: "act-9", Status: "failed"})
	if err != nil {
		t.Fatalf("NewOrderStatus: %v", err)
	}
	if env.CorID != "act-9" {
		t.Errorf("cor = %q, want %q", env.CorID, "act-9")
	}
	if env.Dst.Role != RoleProducer {
		t.Errorf("dst role = %q, want %q", env.Dst.Role, RoleProducer)
	}
}

func TestExpiry(t *testing.T) {
	env := &Envelope{ExpiresAt: time.Now().UTC().Add(-1 * time.Minute)}
	if !IsExpired(env) {
		t.Error("expected expired envelope to be detected")
	}

	env.ExpiresAt = time.Now().UTC().Add(10 * time.Minute)
	if IsExpired(env) {
		t.Error("expected future-expiry envelope to not be expired")
	}

	env.ExpiresAt = time.Time{}
	if IsExpired(env) {
		t.Error("expected zero-expiry envelope to not be expired")
	}
}

func TestDefaultTTLFor(t *testing.T) {
	if ttl := DefaultTTLFor(TypeOrderAccepted); ttl != 5*time.Minute {
		t.Errorf("accepted TTL = %v, want 5m", ttl)
	}
	if ttl := DefaultTTLFor(TypeOrderCompleted); ttl != 30*time.Minute {
		t.Errorf("completed TTL = %v, want 30m", ttl)
	}
	if ttl := DefaultTTLFor("unknown.type"); ttl != FallbackTTL {
		t.Errorf("unknown TTL = %v, want %v", ttl, FallbackTTL)
	}
}

func TestIngestorDispatch(t *testing.T) {
	handler := &testHandler{}
	ingestor := NewIngestor(handler, nil, nil)

	env, _ := NewOrderStatus(TypeOrderPartiallyFailed, Address{Role: RoleCoordinator}, &OrderStatus{
		ActivityID: "act-1", Status: "partially_failed", ActionsDone: 1, ActionsTotal: 2,
	})
	data, _ := env.Encode()

	ingestor.HandleRaw(data)

	if handler.partialCalls != 1 {
		t.Fatalf("partial calls = %d, want 1", handler.partialCalls)
	}
	if handler.last.ActivityID != "act-1" {
		t.Errorf("activity_id = %q, want %q", handler.last.ActivityID, "act-1")
	}
	if handler.completedCalls != 0 {
		t.Errorf("completed calls = %d, want 0", handler.completedCalls)
	}
}

func TestIngestorFilter(t *testing.T) {
	handler := &testHandler{}
	ingestor := NewIngestor(handler, func(hdr *RawHeader) bool { return hdr.CorID == "wanted" }, nil)

	other, _ := NewOrderStatus(TypeOrderCompleted, Address{Role: RoleCoordinator}, &OrderStatus{ActivityID: "other"})
	data, _ := other.Encode()
	ingestor.HandleRaw(data)
	if handler.completedCalls != 0 {
		t.Error("expected handler to NOT be called when filter rejects")
	}

	wanted, _ := NewOrderStatus(TypeOrderCompleted, Address{Role: RoleCoordinator}, &OrderStatus{ActivityID: "wanted"})
	data, _ = wanted.Encode()
	ingestor.HandleRaw(data)
	if handler.completedCalls != 1 {
		t.Errorf("completed calls = %d, want 1", handler.completedCalls)
	}
}

func TestIngestorDropsExpired(t *testing.T) {
	handler := &testHandler{}
	ingestor := NewIngestor(handler, nil, nil)

	env, _ := NewOrderStatus(TypeOrderCompleted, Address{Role: RoleCoordinator}, &OrderStatus{ActivityID: "a"})
	env.ExpiresAt = time.Now().UTC().Add(-1 * time.Minute)
	data, _ := env.Encode()

	ingestor.HandleRaw(data)

	if handler.completedCalls != 0 {
		t.Error("expected handler to NOT be called for expired message")
	}
}

func TestWireFormatKeys(t *testing.T) {
	env, _ := NewEnvelope(TypeOrderAccepted,
		Address{Role: RoleCoordinator, Station: "bar-1"},
		Address{Role: RoleProducer},
		&OrderStatus{ActivityID: "a"},
	)
	data, _ := env.Encode()

	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	for _, k := range []string{"v", "type", "id", "src", "dst", "ts", "exp", "p"} {
		if _, ok := m[k]; !ok {
			t.Errorf("expected key %q in wire format", k)
		}
	}
	for _, k := range []string{"version", "payload", "timestamp", "expires_at"} {
		if _, ok := m[k]; ok {
			t.Errorf("unexpected long key %q in wire format", k)
		}
	}
}

type testHandler struct {
	NoOpHandler
	completedCalls int
	partialCalls   int
	last           OrderStatus
}

func (h *testHandler) HandleOrderCompleted(env *Envelope, p *OrderStatus) {
	h.completedCalls++
	h.last = *p
}

func (h *testHandler) HandleOrderPartiallyFailed(env *Envelope, p *OrderStatus) {
	h.partialCalls++
	h.last = *p
}
