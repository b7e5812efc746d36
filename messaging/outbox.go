package messaging

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tdtai09423/TheCoffeeHandSystem/store"
)

// sentRetention is how long delivered notifications stay in the outbox
// before they are purged.
const sentRetention = time.Hour

// OutboxDrainer periodically broadcasts pending outbox messages.
type OutboxDrainer struct {
	db       *store.DB
	client   *Client
	interval time.Duration
	logger   *zap.Logger
	stopChan chan struct{}
	done     chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	started   bool
}

func NewOutboxDrainer(db *store.DB, client *Client, interval time.Duration, logger *zap.Logger) *OutboxDrainer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OutboxDrainer{
		db:       db,
		client:   client,
		interval: interval,
		logger:   logger,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (d *OutboxDrainer) Start() {
	d.startOnce.Do(func() {
		d.started = true
		go d.run()
	})
}

// Stop ends the drain loop, aborting a drain in progress, and waits for it
// to exit.
func (d *OutboxDrainer) Stop() {
	d.stopOnce.Do(func() { close(d.stopChan) })
	d.startOnce.Do(func() {})
	if d.started {
		<-d.done
	}
}

func (d *OutboxDrainer) run() {
	defer close(d.done)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-d.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopChan:
			return
		case <-ticker.C:
			d.Drain(ctx)
		}
	}
}

// Drain sends one batch of pending messages and purges old sent ones.
// It returns the number of messages sent.
func (d *OutboxDrainer) Drain(ctx context.Context) int {
	msgs, err := d.db.ListPendingOutbox(50)
	if err != nil {
		d.logger.Error("list pending", zap.Error(err))
		return 0
	}
	sent := 0
	for _, msg := range msgs {
		if err := d.client.Broadcast(ctx, msg.Topic, msg.Payload); err != nil {
			d.logger.Warn("publish failed", zap.String("topic", msg.Topic), zap.Int64("id", msg.ID), zap.Error(err))
			d.db.IncrementOutboxRetries(msg.ID)
			continue
		}
		d.db.AckOutbox(msg.ID)
		sent++
	}
	if n, err := d.db.PurgeSentOutbox(sentRetention); err != nil {
		d.logger.Warn("purge sent", zap.Error(err))
	} else if n > 0 {
		d.logger.Debug("purged sent messages", zap.Int64("count", n))
	}
	return sent
}
