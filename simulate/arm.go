// Package simulate provides stand-in arm and machine controllers that speak
// the bus protocol, for tests and bench runs without hardware.
package simulate

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tdtai09423/TheCoffeeHandSystem/config"
	"github.com/tdtai09423/TheCoffeeHandSystem/messaging"
	"github.com/tdtai09423/TheCoffeeHandSystem/protocol"
)

// Arm consumes move requests and confirms each after Delay.
type Arm struct {
	bus         messaging.Bus
	moveQueue   string
	statusQueue string
	delay       time.Duration
	logger      *zap.Logger

	mu       sync.Mutex
	moves    []protocol.ArmTarget
	silent   map[protocol.ArmTarget]bool
	position protocol.ArmTarget
}

func NewArm(bus messaging.Bus, topics config.TopicsConfig, delay time.Duration, logger *zap.Logger) *Arm {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Arm{
		bus:         bus,
		moveQueue:   topics.ArmMove,
		statusQueue: topics.ArmStatus,
		delay:       delay,
		logger:      logger,
		silent:      make(map[protocol.ArmTarget]bool),
		position:    protocol.ArmReady,
	}
}

// Silence makes the arm move to target without ever confirming it.
func (a *Arm) Silence(target protocol.ArmTarget) {
	a.mu.Lock()
	a.silent[protocol.ArmTarget(strings.ToLower(string(target)))] = true
	a.mu.Unlock()
}

// Moves returns every target requested so far, in order.
func (a *Arm) Moves() []protocol.ArmTarget {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]protocol.ArmTarget(nil), a.moves...)
}

func (a *Arm) Position() protocol.ArmTarget {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.position
}

// Run serves move requests until ctx is cancelled.
func (a *Arm) Run(ctx context.Context) error {
	for {
		d, err := a.bus.Receive(ctx, a.moveQueue, 100*time.Millisecond)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, messaging.ErrNoMessage) {
			continue
		}
		if err != nil {
			return err
		}
		d.Ack(ctx)
		a.move(ctx, protocol.ArmTarget(strings.TrimSpace(string(d.Payload))))
	}
}

func (a *Arm) move(ctx context.Context, target protocol.ArmTarget) {
	a.mu.Lock()
	a.moves = append(a.moves, target)
	silent := a.silent[protocol.ArmTarget(strings.ToLower(string(target)))]
	a.mu.Unlock()

	select {
	case <-ctx.Done():
		return
	case <-time.After(a.delay):
	}

	a.mu.Lock()
	a.position = target
	a.mu.Unlock()
	if silent {
		a.logger.Info("arm arrived, not confirming", zap.String("target", string(target)))
		return
	}

	data, _ := json.Marshal(protocol.ArmStatus{Machine: string(target), Status: protocol.StatusDone})
	if err := a.bus.Send(ctx, a.statusQueue, data); err != nil {
		a.logger.Warn("send arm status", zap.Error(err))
		return
	}
	a.logger.Debug("arm arrived", zap.String("target", string(target)))
}
