package orders

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tdtai09423/TheCoffeeHandSystem/config"
	"github.com/tdtai09423/TheCoffeeHandSystem/protocol"
)

// Positioner moves the arm and waits for its confirmation.
type Positioner interface {
	MoveTo(ctx context.Context, target protocol.ArmTarget) error
}

// Dispatcher sends one command and returns its correlated response.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd protocol.Command) (*protocol.CommandResponse, error)
}

// Catalog decides whether a machine currently accepts a mode.
type Catalog interface {
	CheckAction(machine, mode string) error
}

// Manager is the action sequencer. It runs the actions of one order in
// ascending sequence, each as arm move then command, and owns the arm for
// the whole order.
type Manager struct {
	arm         Positioner
	dispatcher  Dispatcher
	catalog     Catalog
	emitter     Emitter
	retries     int
	parkTimeout time.Duration
	logger      *zap.Logger

	// armMu is held for the whole order: the arm is shared by every order.
	armMu sync.Mutex
}

// NewManager builds a sequencer. catalog and emitter may be nil.
func NewManager(arm Positioner, dispatcher Dispatcher, catalog Catalog, emitter Emitter, cfg config.OrchestratorConfig, logger *zap.Logger) *Manager {
	if emitter == nil {
		emitter = NoOpEmitter{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		arm:         arm,
		dispatcher:  dispatcher,
		catalog:     catalog,
		emitter:     emitter,
		retries:     cfg.CommandRetries,
		parkTimeout: cfg.ParkTimeout,
		logger:      logger,
	}
}

// Execute runs order to a terminal state. It blocks while another order
// holds the arm.
func (m *Manager) Execute(ctx context.Context, order *protocol.Order) *Result {
	m.armMu.Lock()
	defer m.armMu.Unlock()

	actions := protocol.SortedActions(order.Actions)
	res := &Result{
		ActivityID:   order.ActivityID,
		Status:       StatusRunning,
		ActionsTotal: len(actions),
		StartedAt:    time.Now(),
	}
	log := m.logger.With(zap.String("activity_id", order.ActivityID))

	if err := m.checkCatalog(actions); err != nil {
		log.Warn("order rejected by machine catalog", zap.Error(err))
		res.Rejected = true
		return m.finish(log, res, StatusFailed, err)
	}

	log.Info("order started", zap.String("name", order.Name), zap.Int("actions", len(actions)))
	m.emitter.EmitOrderStarted(order)

	for i := range actions {
		a := actions[i]
		if err := m.runAction(ctx, log, order.ActivityID, a); err != nil {
			res.FailedAction = &a
			return m.halt(ctx, log, res, err)
		}
		res.ActionsDone++
	}

	if err := m.move(ctx, order.ActivityID, protocol.ArmDone); err != nil {
		return m.halt(ctx, log, res, fmt.Errorf("return arm to rest: %w", err))
	}
	return m.finish(log, res, StatusCompleted, nil)
}

func (m *Manager) checkCatalog(actions []protocol.Action) error {
	if m.catalog == nil {
		return nil
	}
	for _, a := range actions {
		if err := m.catalog.CheckAction(string(a.Machine), a.Mode); err != nil {
			return fmt.Errorf("sequence %d: %w", a.Sequence, err)
		}
	}
	return nil
}

// runAction positions the arm at the action's machine and runs its
// command, retrying a failed command up to the configured count. A timeout
// is never retried.
func (m *Manager) runAction(ctx context.Context, log *zap.Logger, activityID string, a protocol.Action) error {
	log = log.With(zap.String("machine", string(a.Machine)), zap.Int("sequence", a.Sequence))
	if err := m.move(ctx, activityID, a.Machine.ArmTarget()); err != nil {
		return fmt.Errorf("position arm at %s: %w", a.Machine, err)
	}

	cmd := protocol.NewCommand(activityID, a)
	for attempt := 1; ; attempt++ {
		m.emitter.EmitCommandSent(cmd, attempt)
		start := time.Now()
		resp, err := m.dispatcher.Dispatch(ctx, cmd)
		m.emitter.EmitCommandResult(cmd, attempt, resp, time.Since(start), err)
		if err != nil {
			return fmt.Errorf("dispatch to %s: %w", a.Machine, err)
		}
		if resp.Done() {
			log.Info("action done", zap.Int("attempt", attempt))
			return nil
		}
		if attempt > m.retries {
			return &CommandFailedError{Command: cmd, Status: resp.Status, Attempts: attempt}
		}
		log.Warn("command failed, retrying", zap.String("status", resp.Status), zap.Int("attempt", attempt))
	}
}

func (m *Manager) move(ctx context.Context, activityID string, target protocol.ArmTarget) error {
	m.emitter.EmitArmMoving(activityID, target)
	start := time.Now()
	err := m.arm.MoveTo(ctx, target)
	m.emitter.EmitArmMoved(activityID, target, time.Since(start), err)
	return err
}

// halt ends an order that could not finish. Unless the order was
// cancelled, the arm is sent back to rest on a best-effort basis.
func (m *Manager) halt(ctx context.Context, log *zap.Logger, res *Result, err error) *Result {
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return m.finish(log, res, StatusCancelled, err)
	}

	if res.FailedAction != nil {
		parkCtx, cancel := context.WithTimeout(ctx, m.parkTimeout)
		if perr := m.move(parkCtx, res.ActivityID, protocol.ArmDone); perr != nil {
			log.Warn("could not park arm after failure", zap.Error(perr))
		}
		cancel()
	}

	status := StatusFailed
	if res.ActionsDone > 0 {
		status = StatusPartiallyFailed
	}
	return m.finish(log, res, status, err)
}

func (m *Manager) finish(log *zap.Logger, res *Result, status Status, err error) *Result {
	res.Status = status
	res.Err = err
	res.FinishedAt = time.Now()

	fields := []zap.Field{
		zap.String("status", string(status)),
		zap.Int("actions_done", res.ActionsDone),
		zap.Int("actions_total", res.ActionsTotal),
		zap.Duration("duration", res.Duration()),
	}
	switch status {
	case StatusCompleted:
		log.Info("order completed", fields...)
	case StatusCancelled:
		log.Info("order cancelled", append(fields, zap.Error(err))...)
	default:
		log.Error("order halted", append(fields, zap.Error(err))...)
	}
	m.emitter.EmitOrderFinished(res)
	return res
}
