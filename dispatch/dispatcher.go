// Package dispatch broadcasts machine commands and correlates their
// responses.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tdtai09423/TheCoffeeHandSystem/config"
	"github.com/tdtai09423/TheCoffeeHandSystem/messaging"
	"github.com/tdtai09423/TheCoffeeHandSystem/protocol"
)

// ErrTimeout matches every *TimeoutError.
var ErrTimeout = errors.New("command response timed out")

// TimeoutError reports that no correlated response arrived in time.
type TimeoutError struct {
	ActivityID string
	Machine    protocol.Machine
	Sequence   int
	Waited     time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("no response from %s for %s/%d within %s", e.Machine, e.ActivityID, e.Sequence, e.Waited)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

type Dispatcher struct {
	bus           messaging.Bus
	commandTopic  string
	responseQueue string
	timeout       time.Duration
	logger        *zap.Logger
}

func NewDispatcher(bus messaging.Bus, topics config.TopicsConfig, cfg config.OrchestratorConfig, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		bus:           bus,
		commandTopic:  topics.CommandBroadcast,
		responseQueue: topics.CommandResponse,
		timeout:       cfg.ResponseTimeout,
		logger:        logger,
	}
}

// Dispatch broadcasts cmd to every machine controller and waits for the
// response carrying the same activity id and sequence. Responses for any
// other command are acknowledged and dropped. The wait is bounded by the
// response timeout as a whole; unrelated traffic does not extend it.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd protocol.Command) (*protocol.CommandResponse, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}
	if err := d.bus.Broadcast(ctx, d.commandTopic, data); err != nil {
		return nil, fmt.Errorf("broadcast command: %w", err)
	}
	log := d.logger.With(zap.String("activity_id", cmd.ActivityID), zap.String("machine", string(cmd.Machine)), zap.Int("sequence", cmd.Sequence))
	log.Debug("command sent", zap.String("mode", cmd.Mode))

	deadline := time.Now().Add(d.timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			log.Warn("command response timed out", zap.Duration("waited", d.timeout))
			return nil, &TimeoutError{ActivityID: cmd.ActivityID, Machine: cmd.Machine, Sequence: cmd.Sequence, Waited: d.timeout}
		}
		del, err := d.bus.Receive(ctx, d.responseQueue, remaining)
		if errors.Is(err, messaging.ErrNoMessage) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("receive response: %w", err)
		}

		resp, ok := d.match(del, cmd, log)
		if err := del.Ack(ctx); err != nil {
			log.Warn("ack response", zap.String("id", del.ID), zap.Error(err))
		}
		if ok {
			log.Debug("command response", zap.String("status", resp.Status))
			return resp, nil
		}
	}
}

func (d *Dispatcher) match(del *messaging.Delivery, cmd protocol.Command, log *zap.Logger) (*protocol.CommandResponse, bool) {
	var resp protocol.CommandResponse
	if err := json.Unmarshal(del.Payload, &resp); err != nil {
		log.Warn("discarding malformed response", zap.ByteString("payload", del.Payload), zap.Error(err))
		return nil, false
	}
	if !resp.Answers(cmd) {
		log.Info("discarding unrelated response",
			zap.String("response_activity_id", resp.ActivityID), zap.Int("response_sequence", resp.Sequence))
		return nil, false
	}
	return &resp, true
}
