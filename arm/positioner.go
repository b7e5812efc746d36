// Package arm moves the shared robot arm between machines.
package arm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/tdtai09423/TheCoffeeHandSystem/config"
	"github.com/tdtai09423/TheCoffeeHandSystem/messaging"
	"github.com/tdtai09423/TheCoffeeHandSystem/protocol"
)

// ErrTimeout matches every *TimeoutError.
var ErrTimeout = errors.New("arm positioning timed out")

// TimeoutError reports that the arm never confirmed a target.
type TimeoutError struct {
	Target protocol.ArmTarget
	Waited time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("arm did not confirm %q within %s", e.Target, e.Waited)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// Positioner sends move requests to the arm controller and waits for the
// matching arrival confirmation on the status queue.
type Positioner struct {
	bus             messaging.Bus
	moveQueue       string
	statusQueue     string
	pollInterval    time.Duration
	maxPollInterval time.Duration
	timeout         time.Duration
	logger          *zap.Logger
}

func NewPositioner(bus messaging.Bus, topics config.TopicsConfig, cfg config.OrchestratorConfig, logger *zap.Logger) *Positioner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Positioner{
		bus:             bus,
		moveQueue:       topics.ArmMove,
		statusQueue:     topics.ArmStatus,
		pollInterval:    cfg.ArmPollInterval,
		maxPollInterval: cfg.ArmMaxPollInterval,
		timeout:         cfg.ArmTimeout,
		logger:          logger,
	}
}

// MoveTo asks the arm to go to target and blocks until it confirms, the
// arm timeout elapses, or ctx ends. Status events queued before the request
// answer an earlier move and are discarded first.
func (p *Positioner) MoveTo(ctx context.Context, target protocol.ArmTarget) error {
	if n, err := p.discardStale(ctx); err != nil {
		return err
	} else if n > 0 {
		p.logger.Info("discarded stale arm status", zap.Int("count", n), zap.String("target", string(target)))
	}
	if err := p.bus.Send(ctx, p.moveQueue, []byte(target)); err != nil {
		return fmt.Errorf("send arm move %q: %w", target, err)
	}
	p.logger.Debug("arm move requested", zap.String("target", string(target)))

	deadline := time.NewTimer(p.timeout)
	defer deadline.Stop()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.pollInterval
	b.MaxInterval = p.maxPollInterval
	b.Reset()

	for {
		matched, seen, err := p.drain(ctx, target)
		if err != nil {
			return err
		}
		if matched {
			p.logger.Debug("arm confirmed", zap.String("target", string(target)))
			return nil
		}
		if seen > 0 {
			// the controller is talking; poll fast again
			b.Reset()
		}

		sleep := time.NewTimer(b.NextBackOff())
		select {
		case <-ctx.Done():
			sleep.Stop()
			return ctx.Err()
		case <-deadline.C:
			sleep.Stop()
			p.logger.Warn("arm confirmation timed out", zap.String("target", string(target)), zap.Duration("waited", p.timeout))
			return &TimeoutError{Target: target, Waited: p.timeout}
		case <-sleep.C:
		}
	}
}

// discardStale acks every status event already queued.
func (p *Positioner) discardStale(ctx context.Context) (int, error) {
	n := 0
	for {
		d, err := p.bus.Receive(ctx, p.statusQueue, 0)
		if errors.Is(err, messaging.ErrNoMessage) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("poll arm status: %w", err)
		}
		n++
		if err := d.Ack(ctx); err != nil {
			p.logger.Warn("ack arm status", zap.String("id", d.ID), zap.Error(err))
		}
	}
}

// drain consumes every status event currently queued. It reports whether
// one of them confirmed target and how many were consumed.
func (p *Positioner) drain(ctx context.Context, target protocol.ArmTarget) (matched bool, seen int, err error) {
	for {
		d, err := p.bus.Receive(ctx, p.statusQueue, 0)
		if errors.Is(err, messaging.ErrNoMessage) {
			return matched, seen, nil
		}
		if err != nil {
			return false, seen, fmt.Errorf("poll arm status: %w", err)
		}
		seen++

		var st protocol.ArmStatus
		if err := json.Unmarshal(d.Payload, &st); err != nil {
			p.logger.Warn("discarding malformed arm status", zap.ByteString("payload", d.Payload), zap.Error(err))
		} else if st.Confirms(target) {
			matched = true
		} else {
			p.logger.Debug("discarding arm status", zap.String("machine", st.Machine), zap.String("status", st.Status), zap.String("target", string(target)))
		}
		if err := d.Ack(ctx); err != nil {
			p.logger.Warn("ack arm status", zap.String("id", d.ID), zap.Error(err))
		}
	}
}
