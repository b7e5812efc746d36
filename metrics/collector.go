// Package metrics exposes coordinator counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the coordinator metrics on its own registry.
type Collector struct {
	registry *prometheus.Registry

	ordersStarted    prometheus.Counter
	ordersFinished   *prometheus.CounterVec
	ordersRejected   prometheus.Counter
	orderDuration    *prometheus.HistogramVec
	commandsSent     *prometheus.CounterVec
	commandsRetried  *prometheus.CounterVec
	commandResults   *prometheus.CounterVec
	commandLatency   *prometheus.HistogramVec
	armMoves         *prometheus.CounterVec
	armMoveDuration  prometheus.Histogram
	activeOrders     prometheus.Gauge
	outboxPending    prometheus.Gauge
	busConnected     prometheus.Gauge
}

// NewCollector creates a collector with the Go runtime and process
// collectors registered alongside.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		ordersStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "coffeehand_orders_started_total",
			Help: "Total number of orders that began executing",
		}),
		ordersFinished: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coffeehand_orders_finished_total",
				Help: "Total number of orders by terminal status",
			},
			[]string{"status"},
		),
		ordersRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "coffeehand_orders_rejected_total",
			Help: "Total number of submissions dropped as malformed or refused by the machine catalog",
		}),
		orderDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coffeehand_order_duration_seconds",
				Help:    "Order execution duration in seconds",
				Buckets: []float64{5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"status"},
		),
		commandsSent: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coffeehand_commands_sent_total",
				Help: "Total number of machine commands broadcast",
			},
			[]string{"machine"},
		),
		commandsRetried: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coffeehand_commands_retried_total",
				Help: "Total number of command retries after a fail response",
			},
			[]string{"machine"},
		),
		commandResults: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coffeehand_command_results_total",
				Help: "Command outcomes by machine and result (done, fail, timeout, error)",
			},
			[]string{"machine", "result"},
		),
		commandLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coffeehand_command_latency_seconds",
				Help:    "Time from command broadcast to correlated response",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"machine"},
		),
		armMoves: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coffeehand_arm_moves_total",
				Help: "Arm move requests by target and result (confirmed, timeout, error)",
			},
			[]string{"target", "result"},
		),
		armMoveDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "coffeehand_arm_move_duration_seconds",
			Help:    "Time from arm move request to confirmation",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		activeOrders: f.NewGauge(prometheus.GaugeOpts{
			Name: "coffeehand_active_orders",
			Help: "Orders currently holding the arm (0 or 1)",
		}),
		outboxPending: f.NewGauge(prometheus.GaugeOpts{
			Name: "coffeehand_outbox_pending",
			Help: "Order status notifications waiting to be broadcast",
		}),
		busConnected: f.NewGauge(prometheus.GaugeOpts{
			Name: "coffeehand_bus_connected",
			Help: "1 when the message bus is reachable",
		}),
	}
}

// Handler serves the collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) OrderStarted() {
	c.ordersStarted.Inc()
	c.activeOrders.Inc()
}

// OrderFinished records a terminal order. started reports whether the
// order had begun executing, so rejected orders do not skew the gauge.
func (c *Collector) OrderFinished(status string, d time.Duration, started bool) {
	c.ordersFinished.WithLabelValues(status).Inc()
	c.orderDuration.WithLabelValues(status).Observe(d.Seconds())
	if started {
		c.activeOrders.Dec()
	}
}

func (c *Collector) OrderRejected() {
	c.ordersRejected.Inc()
}

func (c *Collector) CommandSent(machine string, attempt int) {
	c.commandsSent.WithLabelValues(machine).Inc()
	if attempt > 1 {
		c.commandsRetried.WithLabelValues(machine).Inc()
	}
}

func (c *Collector) CommandResult(machine, result string, d time.Duration) {
	c.commandResults.WithLabelValues(machine, result).Inc()
	if result == "done" || result == "fail" {
		c.commandLatency.WithLabelValues(machine).Observe(d.Seconds())
	}
}

func (c *Collector) ArmMoved(target, result string, d time.Duration) {
	c.armMoves.WithLabelValues(target, result).Inc()
	if result == "confirmed" {
		c.armMoveDuration.Observe(d.Seconds())
	}
}

func (c *Collector) SetOutboxPending(n int) {
	c.outboxPending.Set(float64(n))
}

func (c *Collector) SetBusConnected(ok bool) {
	if ok {
		c.busConnected.Set(1)
		return
	}
	c.busConnected.Set(0)
}
