package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tdtai09423/TheCoffeeHandSystem/arm"
	"github.com/tdtai09423/TheCoffeeHandSystem/armstate"
	"github.com/tdtai09423/TheCoffeeHandSystem/config"
	"github.com/tdtai09423/TheCoffeeHandSystem/dispatch"
	"github.com/tdtai09423/TheCoffeeHandSystem/messaging"
	"github.com/tdtai09423/TheCoffeeHandSystem/metrics"
	"github.com/tdtai09423/TheCoffeeHandSystem/orders"
	"github.com/tdtai09423/TheCoffeeHandSystem/protocol"
	"github.com/tdtai09423/TheCoffeeHandSystem/store"
)

const healthCheckInterval = 30 * time.Second

type Config struct {
	AppConfig  *config.Config
	ConfigPath string
	DB         *store.DB
	MsgClient  *messaging.Client
	ArmState   *armstate.Manager
	Metrics    *metrics.Collector
	Logger     *zap.Logger
}

type Engine struct {
	cfg        *config.Config
	configPath string
	db         *store.DB
	msgClient  *messaging.Client
	armState   *armstate.Manager
	metrics    *metrics.Collector
	logger     *zap.Logger

	positioner *arm.Positioner
	dispatcher *dispatch.Dispatcher
	manager    *orders.Manager
	intake     *orders.Intake
	Events     *EventBus

	stopChan     chan struct{}
	stopOnce     sync.Once
	cancel       context.CancelFunc
	intakeDone   chan struct{}
	connMu       sync.Mutex
	msgConnected bool
}

func New(c Config) *Engine {
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	armState := c.ArmState
	if armState == nil {
		armState = armstate.NewManager(nil, logger.Named("armstate"))
	}
	m := c.Metrics
	if m == nil {
		m = metrics.NewCollector()
	}
	return &Engine{
		cfg:        c.AppConfig,
		configPath: c.ConfigPath,
		db:         c.DB,
		msgClient:  c.MsgClient,
		armState:   armState,
		metrics:    m,
		logger:     logger,
		Events:     NewEventBus(logger.Named("events")),
		stopChan:   make(chan struct{}),
	}
}

// Start builds the order pipeline and begins consuming the order
// submission queue.
func (e *Engine) Start() {
	oe := &ordersEmitter{bus: e.Events}
	msg := e.MessagingConfig()
	topics := msg.Topics
	orch := e.cfg.Orchestrator

	e.positioner = arm.NewPositioner(e.msgClient, topics, orch, e.logger.Named("arm"))
	e.dispatcher = dispatch.NewDispatcher(e.msgClient, topics, orch, e.logger.Named("dispatch"))
	e.manager = orders.NewManager(e.positioner, e.dispatcher, e.db, oe, orch, e.logger.Named("orders"))
	e.intake = orders.NewIntake(e.msgClient, topics.OrderSubmission, e.manager, oe, e.logger.Named("intake"))

	e.wireEventHandlers()

	// nothing holds the arm before intake runs
	e.armState.Reset()

	e.checkConnectionStatus()
	go e.connectionHealthLoop()

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.intakeDone = make(chan struct{})
	go func() {
		defer close(e.intakeDone)
		if err := e.intake.Run(ctx); err != nil {
			e.logger.Error("order intake stopped", zap.Error(err))
		}
	}()

	e.logger.Info("engine started", zap.String("station", msg.StationID))
}

// Stop ends intake and waits for it to return. An order in flight is
// cancelled and its submission stays unacknowledged for redelivery.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopChan) })
	if e.cancel != nil {
		e.cancel()
		<-e.intakeDone
	}
	e.logger.Info("engine stopped")
}

// Accessors
func (e *Engine) DB() *store.DB { return e.db }
func (e *Engine) AppConfig() *config.Config { return e.cfg }
func (e *Engine) ConfigPath() string { return e.configPath }
func (e *Engine) Orders() *orders.Manager { return e.manager }
func (e *Engine) ArmState() *armstate.Manager { return e.armState }
func (e *Engine) Metrics() *metrics.Collector { return e.metrics }
func (e *Engine) MsgClient() *messaging.Client { return e.msgClient }
func (e *Engine) Logger() *zap.Logger { return e.logger }

// MessagingConnected reports the last observed bus state.
func (e *Engine) MessagingConnected() bool {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	return e.msgConnected
}

// SubmitOrder validates order and queues it for execution like any other
// producer would.
func (e *Engine) SubmitOrder(ctx context.Context, order *protocol.Order) error {
	if err := order.Validate(); err != nil {
		return err
	}
	data, err := order.Encode()
	if err != nil {
		return fmt.Errorf("encode order: %w", err)
	}
	if err := e.msgClient.Send(ctx, e.MessagingConfig().Topics.OrderSubmission, data); err != nil {
		return fmt.Errorf("submit order %s: %w", order.ActivityID, err)
	}
	e.logger.Info("order submitted", zap.String("activity_id", order.ActivityID), zap.Int("actions", len(order.Actions)))
	return nil
}

// MaxDrinkQuantity caps how many units one drink request may queue.
const MaxDrinkQuantity = 20

// SubmitDrink expands the stored recipe for drink into quantity orders and
// submits each one. Every unit gets its own activity id. On failure the ids
// of the units already queued are returned with the error.
func (e *Engine) SubmitDrink(ctx context.Context, drink string, quantity int) ([]string, error) {
	if quantity < 1 || quantity > MaxDrinkQuantity {
		return nil, fmt.Errorf("%w: quantity %d outside 1..%d", protocol.ErrMalformed, quantity, MaxDrinkQuantity)
	}
	recipe, err := e.db.GetRecipe(drink)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, quantity)
	for i := 0; i < quantity; i++ {
		order, err := recipe.Order(protocol.NewActivityID(recipe.Name))
		if err != nil {
			return ids, err
		}
		if err := e.SubmitOrder(ctx, order); err != nil {
			return ids, err
		}
		ids = append(ids, order.ActivityID)
	}
	e.logger.Info("drink submitted", zap.String("drink", recipe.Drink), zap.Int("quantity", quantity))
	return ids, nil
}

// SetMachineEnabled takes a machine in or out of service.
func (e *Engine) SetMachineEnabled(name string, enabled bool, actor string) error {
	if err := e.db.SetMachineEnabled(name, enabled, actor); err != nil {
		return err
	}
	action := "disable"
	if enabled {
		action = "enable"
	}
	e.Events.Emit(Event{Type: EventMachineUpdated, Payload: MachineUpdatedEvent{Name: name, Action: action, Actor: actor}})
	return nil
}

// SetMachineModes restricts the modes a machine accepts. An empty list
// accepts any mode.
func (e *Engine) SetMachineModes(name string, modes []string, actor string) error {
	if err := e.db.SetMachineModes(name, modes, actor); err != nil {
		return err
	}
	e.Events.Emit(Event{Type: EventMachineUpdated, Payload: MachineUpdatedEvent{Name: name, Action: "modes", Actor: actor}})
	return nil
}

func (e *Engine) checkConnectionStatus() {
	connected := e.msgClient.IsConnected()
	e.metrics.SetBusConnected(connected)
	if n, err := e.db.CountPendingOutbox(); err == nil {
		e.metrics.SetOutboxPending(n)
	}

	e.connMu.Lock()
	changed := connected != e.msgConnected
	e.msgConnected = connected
	e.connMu.Unlock()
	if !changed {
		return
	}
	backend := e.MessagingConfig().Backend
	if connected {
		e.Events.Emit(Event{Type: EventMessagingConnected, Payload: ConnectionEvent{Detail: backend + " connected"}})
	} else {
		e.Events.Emit(Event{Type: EventMessagingDisconnected, Payload: ConnectionEvent{Detail: backend + " disconnected"}})
	}
}

func (e *Engine) connectionHealthLoop() {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			e.checkConnectionStatus()
		}
	}
}

// MessagingConfig returns a copy of the messaging section taken under the
// config lock.
func (e *Engine) MessagingConfig() config.MessagingConfig {
	e.cfg.Lock()
	defer e.cfg.Unlock()
	return e.cfg.Messaging
}

// ReconfigureMessaging reconnects messaging with current config.
func (e *Engine) ReconfigureMessaging(ctx context.Context) {
	m := e.MessagingConfig()
	if err := e.msgClient.Reconfigure(ctx, &m); err != nil {
		e.logger.Error("messaging reconfigure", zap.Error(err))
	} else {
		e.logger.Info("messaging reconfigured", zap.String("backend", m.Backend))
	}
	e.checkConnectionStatus()
}
