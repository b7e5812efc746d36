package engine

import (
	"errors"

	"go.uber.org/zap"

	"github.com/tdtai09423/TheCoffeeHandSystem/armstate"
	"github.com/tdtai09423/TheCoffeeHandSystem/protocol"
)

func (e *Engine) wireEventHandlers() {
	// Order accepted: track it and tell the producer
	e.Events.SubscribeTypes(func(evt Event) {
		ev := evt.Payload.(OrderStartedEvent)
		e.armState.OrderStarted(ev.ActivityID, ev.Name, ev.Actions)
		e.metrics.OrderStarted()
		e.notify(protocol.TypeOrderAccepted, &protocol.OrderStatus{
			ActivityID:   ev.ActivityID,
			Status:       "accepted",
			ActionsTotal: ev.Actions,
		})
	}, EventOrderStarted)

	// Malformed submission: the producer only hears about it when the
	// activity id could be recovered
	e.Events.SubscribeTypes(func(evt Event) {
		ev := evt.Payload.(OrderRejectedEvent)
		e.metrics.OrderRejected()
		if ev.ActivityID == "" {
			return
		}
		e.notify(protocol.TypeOrderFailed, &protocol.OrderStatus{
			ActivityID: ev.ActivityID,
			Status:     "failed",
			Detail:     ev.Reason,
		})
	}, EventOrderRejected)

	e.Events.SubscribeTypes(func(evt Event) {
		ev := evt.Payload.(ArmMovingEvent)
		e.armState.ArmMoving(ev.ActivityID, ev.Target)
	}, EventArmMoving)

	e.Events.SubscribeTypes(func(evt Event) {
		ev := evt.Payload.(ArmMovedEvent)
		result := "arrived"
		var err error
		if ev.Error != "" {
			result = "failed"
			err = errors.New(ev.Error)
		}
		e.armState.ArmMoved(ev.ActivityID, ev.Target, err)
		e.metrics.ArmMoved(ev.Target, result, ev.Elapsed)
	}, EventArmMoved)

	e.Events.SubscribeTypes(func(evt Event) {
		ev := evt.Payload.(CommandSentEvent)
		e.armState.ActionProgress(ev.ActivityID, ev.Machine, ev.Sequence, ev.Attempt)
		e.metrics.CommandSent(ev.Machine, ev.Attempt)
	}, EventCommandSent)

	e.Events.SubscribeTypes(func(evt Event) {
		ev := evt.Payload.(CommandResultEvent)
		e.metrics.CommandResult(ev.Machine, ev.Result, ev.Elapsed)
		if ev.Result == protocol.StatusDone {
			e.armState.ActionDone(ev.ActivityID)
		}
	}, EventCommandResult)

	// Terminal state: record it and publish the outcome
	e.Events.SubscribeTypes(func(evt Event) {
		ev := evt.Payload.(OrderFinishedEvent)
		e.armState.OrderFinished(&armstate.OrderSummary{
			ActivityID:   ev.ActivityID,
			Status:       ev.Status,
			ActionsDone:  ev.ActionsDone,
			ActionsTotal: ev.ActionsTotal,
			Detail:       ev.Detail,
			FinishedAt:   evt.Timestamp,
		})
		e.metrics.OrderFinished(ev.Status, ev.Duration, !ev.Rejected)
		if ev.Rejected {
			e.metrics.OrderRejected()
		}
		e.notify(ev.MessageType, &protocol.OrderStatus{
			ActivityID:     ev.ActivityID,
			Status:         ev.Status,
			Detail:         ev.Detail,
			ActionsDone:    ev.ActionsDone,
			ActionsTotal:   ev.ActionsTotal,
			FailedSequence: ev.FailedSequence,
			FailedMachine:  ev.FailedMachine,
		})
	}, EventOrderFinished)

	e.Events.SubscribeTypes(func(evt Event) {
		ev := evt.Payload.(ConnectionEvent)
		if evt.Type == EventMessagingConnected {
			e.logger.Info("messaging connected", zap.String("detail", ev.Detail))
		} else {
			e.logger.Warn("messaging disconnected", zap.String("detail", ev.Detail))
		}
	}, EventMessagingConnected, EventMessagingDisconnected)
}

// notify queues an order-status notification in the outbox. The drainer
// publishes it, so a bus outage delays notifications without losing them.
func (e *Engine) notify(msgType string, st *protocol.OrderStatus) {
	m := e.MessagingConfig()
	src := protocol.Address{Role: protocol.RoleCoordinator, Station: m.StationID}
	env, err := protocol.NewOrderStatus(msgType, src, st)
	if err != nil {
		e.logger.Error("build order status", zap.String("activity_id", st.ActivityID), zap.Error(err))
		return
	}
	data, err := env.Encode()
	if err != nil {
		e.logger.Error("encode order status", zap.String("activity_id", st.ActivityID), zap.Error(err))
		return
	}
	if err := e.db.EnqueueOutbox(m.Topics.OrderStatus, data, msgType, m.StationID); err != nil {
		e.logger.Error("enqueue order status", zap.String("activity_id", st.ActivityID), zap.String("type", msgType), zap.Error(err))
	}
}
