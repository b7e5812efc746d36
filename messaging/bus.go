package messaging

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoMessage is returned by Receive when nothing arrived within the wait.
	ErrNoMessage = errors.New("messaging: no message available")
	// ErrNotConnected is returned when an operation runs before Connect.
	ErrNotConnected = errors.New("messaging: not connected")
)

// Handler receives broadcast messages.
type Handler func(topic string, payload []byte)

// Bus is the transport shared by the coordinator and the controllers.
//
// Broadcast topics fan out: every live subscriber sees every message.
// Queues are durable and point-to-point: each message goes to one consumer
// of the group and stays pending until acknowledged.
type Bus interface {
	Broadcast(ctx context.Context, topic string, payload []byte) error
	SubscribeBroadcast(ctx context.Context, topic string, handler Handler) error

	Send(ctx context.Context, queue string, payload []byte) error
	// Receive waits up to wait for the next message on queue. A zero wait
	// only returns what is already available.
	Receive(ctx context.Context, queue string, wait time.Duration) (*Delivery, error)

	IsConnected() bool
	Close() error
}

// Delivery is one message taken from a queue.
type Delivery struct {
	ID      string
	Queue   string
	Payload []byte

	ack func(ctx context.Context) error
}

// NewDelivery builds a delivery whose Ack runs ack. ack may be nil.
func NewDelivery(id, queue string, payload []byte, ack func(ctx context.Context) error) *Delivery {
	return &Delivery{ID: id, Queue: queue, Payload: payload, ack: ack}
}

// Ack confirms the message was handled so the broker will not redeliver it.
func (d *Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}
