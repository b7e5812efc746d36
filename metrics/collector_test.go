package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorOrders(t *testing.T) {
	c := NewCollector()

	c.OrderStarted()
	if got := testutil.ToFloat64(c.activeOrders); got != 1 {
		t.Errorf("active = %v, want 1", got)
	}
	c.OrderFinished("completed", 40*time.Second, true)
	c.OrderFinished("failed", 0, false)
	c.OrderRejected()

	if got := testutil.ToFloat64(c.activeOrders); got != 0 {
		t.Errorf("active = %v, want 0", got)
	}
	if got := testutil.ToFloat64(c.ordersFinished.WithLabelValues("completed")); got != 1 {
		t.Errorf("completed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.ordersRejected); got != 1 {
		t.Errorf("rejected = %v, want 1", got)
	}
}

func TestCollectorCommands(t *testing.T) {
	c := NewCollector()

	c.CommandSent("milk machine", 1)
	c.CommandResult("milk machine", "fail", time.Second)
	c.CommandSent("milk machine", 2)
	c.CommandResult("milk machine", "done", time.Second)

	if got := testutil.ToFloat64(c.commandsSent.WithLabelValues("milk machine")); got != 2 {
		t.Errorf("sent = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.commandsRetried.WithLabelValues("milk machine")); got != 1 {
		t.Errorf("retried = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.commandResults.WithLabelValues("milk machine", "fail")); got != 1 {
		t.Errorf("fail results = %v, want 1", got)
	}
}

func TestCollectorHandler(t *testing.T) {
	c := NewCollector()
	c.ArmMoved("done", "confirmed", time.Second)
	c.SetBusConnected(true)
	c.SetOutboxPending(3)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`coffeehand_arm_moves_total{result="confirmed",target="done"} 1`,
		"coffeehand_bus_connected 1",
		"coffeehand_outbox_pending 3",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestCollectorsAreIndependent(t *testing.T) {
	// two collectors in one process must not collide on registration
	a, b := NewCollector(), NewCollector()
	a.OrderRejected()
	if got := testutil.ToFloat64(b.ordersRejected); got != 0 {
		t.Errorf("b rejected = %v, want 0", got)
	}
}
