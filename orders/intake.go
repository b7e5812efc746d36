package orders

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tdtai09423/TheCoffeeHandSystem/messaging"
	"github.com/tdtai09423/TheCoffeeHandSystem/protocol"
)

// receiveWait is how long one Receive blocks before the loop rechecks ctx.
const receiveWait = time.Second

// Executor runs one order to completion.
type Executor interface {
	Execute(ctx context.Context, order *protocol.Order) *Result
}

// Intake reads order submissions one at a time and hands each to the
// executor synchronously. A submission is acknowledged only once its order
// reached a terminal state; a cancelled order stays unacknowledged so the
// broker redelivers it.
type Intake struct {
	bus      messaging.Bus
	queue    string
	executor Executor
	emitter  Emitter
	logger   *zap.Logger
}

func NewIntake(bus messaging.Bus, queue string, executor Executor, emitter Emitter, logger *zap.Logger) *Intake {
	if emitter == nil {
		emitter = NoOpEmitter{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Intake{bus: bus, queue: queue, executor: executor, emitter: emitter, logger: logger}
}

// Run consumes the submission queue until ctx is cancelled.
func (in *Intake) Run(ctx context.Context) error {
	in.logger.Info("order intake started", zap.String("queue", in.queue))
	for {
		d, err := in.bus.Receive(ctx, in.queue, receiveWait)
		if ctx.Err() != nil {
			in.logger.Info("order intake stopped")
			return nil
		}
		if errors.Is(err, messaging.ErrNoMessage) {
			continue
		}
		if err != nil {
			in.logger.Error("receive order", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(receiveWait):
			}
			continue
		}
		in.Handle(ctx, d)
	}
}

// Handle processes one submission. It returns nil for a malformed one.
func (in *Intake) Handle(ctx context.Context, d *messaging.Delivery) *Result {
	order, err := protocol.DecodeOrder(d.Payload)
	if err != nil {
		in.logger.Warn("dropping malformed order", zap.String("id", d.ID), zap.ByteString("payload", d.Payload), zap.Error(err))
		in.emitter.EmitOrderRejected(peekActivityID(d.Payload), err.Error())
		in.ack(ctx, d)
		return nil
	}

	res := in.executor.Execute(ctx, order)
	if res.Status == StatusCancelled {
		in.logger.Info("order interrupted, left for redelivery", zap.String("activity_id", order.ActivityID), zap.String("id", d.ID))
		return res
	}
	in.ack(ctx, d)
	return res
}

func (in *Intake) ack(ctx context.Context, d *messaging.Delivery) {
	if err := d.Ack(ctx); err != nil {
		in.logger.Warn("ack order", zap.String("id", d.ID), zap.Error(err))
	}
}

// peekActivityID recovers the activity id of a submission that failed to
// decode, so the rejection can still be correlated. It returns "" when
// there is none.
func peekActivityID(payload []byte) string {
	var v struct {
		ActivityID string `json:"activity_id"`
	}
	json.Unmarshal(payload, &v)
	return strings.TrimSpace(v.ActivityID)
}
