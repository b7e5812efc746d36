package orders

import (
	"time"

	"github.com/tdtai09423/TheCoffeeHandSystem/protocol"
)

// Emitter is the interface adapters must satisfy to bridge order events to the engine.
type Emitter interface {
	EmitOrderStarted(order *protocol.Order)
	EmitOrderRejected(activityID, reason string)
	EmitArmMoving(activityID string, target protocol.ArmTarget)
	EmitArmMoved(activityID string, target protocol.ArmTarget, elapsed time.Duration, err error)
	EmitCommandSent(cmd protocol.Command, attempt int)
	EmitCommandResult(cmd protocol.Command, attempt int, resp *protocol.CommandResponse, elapsed time.Duration, err error)
	EmitOrderFinished(result *Result)
}

// NoOpEmitter ignores every event. Embed it to implement only some methods.
type NoOpEmitter struct{}

func (NoOpEmitter) EmitOrderStarted(*protocol.Order) {}
func (NoOpEmitter) EmitOrderRejected(string, string) {}
func (NoOpEmitter) EmitArmMoving(string, protocol.ArmTarget) {}
func (NoOpEmitter) EmitArmMoved(string, protocol.ArmTarget, time.Duration, error) {}
func (NoOpEmitter) EmitCommandSent(protocol.Command, int) {}
func (NoOpEmitter) EmitCommandResult(protocol.Command, int, *protocol.CommandResponse, time.Duration, error) {
}
func (NoOpEmitter) EmitOrderFinished(*Result) {}
