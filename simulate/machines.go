package simulate

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tdtai09423/TheCoffeeHandSystem/config"
	"github.com/tdtai09423/TheCoffeeHandSystem/messaging"
	"github.com/tdtai09423/TheCoffeeHandSystem/protocol"
)

// Machines runs one controller per catalog machine. Each controller sees
// every broadcast command and answers only those addressed to it.
type Machines struct {
	bus           messaging.Bus
	commandTopic  string
	responseQueue string
	delay         time.Duration
	logger        *zap.Logger

	mu       sync.Mutex
	failures map[protocol.Machine]int
	silent   map[protocol.Machine]bool
	commands []protocol.Command
}

func NewMachines(bus messaging.Bus, topics config.TopicsConfig, delay time.Duration, logger *zap.Logger) *Machines {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machines{
		bus:           bus,
		commandTopic:  topics.CommandBroadcast,
		responseQueue: topics.CommandResponse,
		delay:         delay,
		logger:        logger,
		failures:      make(map[protocol.Machine]int),
		silent:        make(map[protocol.Machine]bool),
	}
}

// FailNext makes machine answer "fail" to its next n commands.
func (m *Machines) FailNext(machine protocol.Machine, n int) {
	m.mu.Lock()
	m.failures[machine] += n
	m.mu.Unlock()
}

// Silence makes machine swallow commands without answering.
func (m *Machines) Silence(machine protocol.Machine) {
	m.mu.Lock()
	m.silent[machine] = true
	m.mu.Unlock()
}

// Commands returns every command executed by any machine, in order.
func (m *Machines) Commands() []protocol.Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]protocol.Command(nil), m.commands...)
}

// Start subscribes one controller per machine to the command broadcast.
func (m *Machines) Start(ctx context.Context) error {
	for _, spec := range protocol.Machines() {
		machine := spec.Name
		err := m.bus.SubscribeBroadcast(ctx, m.commandTopic, func(_ string, payload []byte) {
			m.handle(ctx, machine, payload)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (m *Machines) handle(ctx context.Context, machine protocol.Machine, payload []byte) {
	var cmd protocol.Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return
	}
	if cmd.Machine != machine {
		return
	}

	m.mu.Lock()
	m.commands = append(m.commands, cmd)
	status := protocol.StatusDone
	if m.failures[machine] > 0 {
		m.failures[machine]--
		status = protocol.StatusFail
	}
	silent := m.silent[machine]
	m.mu.Unlock()

	log := m.logger.With(zap.String("machine", string(machine)), zap.Int("sequence", cmd.Sequence))
	if silent {
		log.Info("swallowing command")
		return
	}
	select {
	case <-ctx.Done():
		return
	case <-time.After(m.delay):
	}

	data, _ := json.Marshal(protocol.CommandResponse{ActivityID: cmd.ActivityID, Status: status, Sequence: cmd.Sequence})
	if err := m.bus.Send(ctx, m.responseQueue, data); err != nil {
		log.Warn("send response", zap.Error(err))
		return
	}
	log.Debug("command answered", zap.String("mode", cmd.Mode), zap.String("status", status))
}
