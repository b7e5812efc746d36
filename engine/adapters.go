package engine

import (
	"errors"
	"time"

	"github.com/tdtai09423/TheCoffeeHandSystem/dispatch"
	"github.com/tdtai09423/TheCoffeeHandSystem/orders"
	"github.com/tdtai09423/TheCoffeeHandSystem/protocol"
)

// ordersEmitter bridges the orders package's emitter interface to the EventBus.
type ordersEmitter struct {
	bus *EventBus
}

var _ orders.Emitter = (*ordersEmitter)(nil)

func (e *ordersEmitter) EmitOrderStarted(o *protocol.Order) {
	e.bus.Emit(Event{Type: EventOrderStarted, Payload: OrderStartedEvent{
		ActivityID: o.ActivityID,
		Name:       o.Name,
		Actions:    len(o.Actions),
	}})
}

func (e *ordersEmitter) EmitOrderRejected(activityID, reason string) {
	e.bus.Emit(Event{Type: EventOrderRejected, Payload: OrderRejectedEvent{
		ActivityID: activityID,
		Reason:     reason,
	}})
}

func (e *ordersEmitter) EmitArmMoving(activityID string, target protocol.ArmTarget) {
	e.bus.Emit(Event{Type: EventArmMoving, Payload: ArmMovingEvent{
		ActivityID: activityID,
		Target:     target.String(),
	}})
}

func (e *ordersEmitter) EmitArmMoved(activityID string, target protocol.ArmTarget, elapsed time.Duration, err error) {
	ev := ArmMovedEvent{ActivityID: activityID, Target: target.String(), Elapsed: elapsed}
	if err != nil {
		ev.Error = err.Error()
	}
	e.bus.Emit(Event{Type: EventArmMoved, Payload: ev})
}

func (e *ordersEmitter) EmitCommandSent(cmd protocol.Command, attempt int) {
	e.bus.Emit(Event{Type: EventCommandSent, Payload: CommandSentEvent{
		ActivityID: cmd.ActivityID,
		Machine:    cmd.Machine.String(),
		Mode:       cmd.Mode,
		Sequence:   cmd.Sequence,
		Attempt:    attempt,
	}})
}

func (e *ordersEmitter) EmitCommandResult(cmd protocol.Command, attempt int, resp *protocol.CommandResponse, elapsed time.Duration, err error) {
	ev := CommandResultEvent{
		ActivityID: cmd.ActivityID,
		Machine:    cmd.Machine.String(),
		Sequence:   cmd.Sequence,
		Attempt:    attempt,
		Elapsed:    elapsed,
	}
	switch {
	case errors.Is(err, dispatch.ErrTimeout):
		ev.Result = "timeout"
		ev.Error = err.Error()
	case err != nil:
		ev.Result = "error"
		ev.Error = err.Error()
	case resp.Done():
		ev.Result = protocol.StatusDone
	default:
		ev.Result = protocol.StatusFail
	}
	e.bus.Emit(Event{Type: EventCommandResult, Payload: ev})
}

func (e *ordersEmitter) EmitOrderFinished(r *orders.Result) {
	st := r.OrderStatus()
	e.bus.Emit(Event{Type: EventOrderFinished, Payload: OrderFinishedEvent{
		ActivityID:     r.ActivityID,
		Status:         string(r.Status),
		MessageType:    r.MessageType(),
		ActionsDone:    r.ActionsDone,
		ActionsTotal:   r.ActionsTotal,
		FailedMachine:  st.FailedMachine,
		FailedSequence: st.FailedSequence,
		Rejected:       r.Rejected,
		Detail:         st.Detail,
		Duration:       r.Duration(),
	}})
}
