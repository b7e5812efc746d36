package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tdtai09423/TheCoffeeHandSystem/config"
)

// RedisBus carries broadcasts over Redis Pub/Sub and queues over Redis
// Streams consumer groups. Entries are acknowledged with XACK and then
// removed, so streams hold only undelivered or in-flight work.
type RedisBus struct {
	cfg    config.RedisBusConfig
	logger *zap.Logger

	mu        sync.Mutex
	client    *redis.Client
	groups    map[string]bool
	recovered map[string]bool
	pubsubs   []*redis.PubSub
}

func NewRedisBus(cfg config.RedisBusConfig, logger *zap.Logger) *RedisBus {
	return &RedisBus{
		cfg:       cfg,
		logger:    logger,
		groups:    make(map[string]bool),
		recovered: make(map[string]bool),
	}
}

func (b *RedisBus) Connect(ctx context.Context) error {
	client := redis.NewClient(&redis.Options{
		Addr:     b.cfg.Address,
		Password: b.cfg.Password,
		DB:       b.cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("redis connect %s: %w", b.cfg.Address, err)
	}
	b.mu.Lock()
	b.client = client
	b.mu.Unlock()
	b.logger.Info("redis bus connected", zap.String("addr", b.cfg.Address))
	return nil
}

func (b *RedisBus) conn() (*redis.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return nil, ErrNotConnected
	}
	return b.client, nil
}

func (b *RedisBus) Broadcast(ctx context.Context, topic string, payload []byte) error {
	client, err := b.conn()
	if err != nil {
		return err
	}
	return client.Publish(ctx, topic, payload).Err()
}

func (b *RedisBus) SubscribeBroadcast(ctx context.Context, topic string, handler Handler) error {
	client, err := b.conn()
	if err != nil {
		return err
	}
	ps := client.Subscribe(ctx, topic)
	// wait for the subscription to be confirmed so no broadcast is missed
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	b.mu.Lock()
	b.pubsubs = append(b.pubsubs, ps)
	b.mu.Unlock()

	go func() {
		for msg := range ps.Channel() {
			handler(msg.Channel, []byte(msg.Payload))
		}
	}()
	b.logger.Info("subscribed to broadcast", zap.String("topic", topic))
	return nil
}

func (b *RedisBus) Send(ctx context.Context, queue string, payload []byte) error {
	client, err := b.conn()
	if err != nil {
		return err
	}
	return client.XAdd(ctx, &redis.XAddArgs{
		Stream: queue,
		Values: map[string]interface{}{"data": string(payload)},
	}).Err()
}

func (b *RedisBus) ensureGroup(ctx context.Context, client *redis.Client, queue string) error {
	b.mu.Lock()
	done := b.groups[queue]
	b.mu.Unlock()
	if done {
		return nil
	}
	err := client.XGroupCreateMkStream(ctx, queue, b.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group on %s: %w", queue, err)
	}
	b.mu.Lock()
	b.groups[queue] = true
	b.mu.Unlock()
	return nil
}

// Receive first re-reads this consumer's own pending entries (messages taken
// before a restart but never acknowledged), then reads new ones.
func (b *RedisBus) Receive(ctx context.Context, queue string, wait time.Duration) (*Delivery, error) {
	client, err := b.conn()
	if err != nil {
		return nil, err
	}
	if err := b.ensureGroup(ctx, client, queue); err != nil {
		return nil, err
	}

	b.mu.Lock()
	recovered := b.recovered[queue]
	b.mu.Unlock()
	if !recovered {
		d, err := b.read(ctx, client, queue, "0", -1)
		if err == nil {
			b.logger.Info("redelivering pending entry", zap.String("queue", queue), zap.String("id", d.ID))
			return d, nil
		}
		if !errors.Is(err, ErrNoMessage) {
			return nil, err
		}
		b.mu.Lock()
		b.recovered[queue] = true
		b.mu.Unlock()
	}

	block := time.Duration(-1)
	if wait > 0 {
		block = wait
		if block < time.Millisecond {
			block = time.Millisecond
		}
	}
	return b.read(ctx, client, queue, ">", block)
}

func (b *RedisBus) read(ctx context.Context, client *redis.Client, queue, id string, block time.Duration) (*Delivery, error) {
	streams, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.cfg.Group,
		Consumer: b.cfg.Consumer,
		Streams:  []string{queue, id},
		Count:    1,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoMessage
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup %s: %w", queue, err)
	}
	for _, s := range streams {
		for _, msg := range s.Messages {
			payload, _ := msg.Values["data"].(string)
			msgID := msg.ID
			return NewDelivery(msgID, queue, []byte(payload), func(ctx context.Context) error {
				pipe := client.Pipeline()
				pipe.XAck(ctx, queue, b.cfg.Group, msgID)
				pipe.XDel(ctx, queue, msgID)
				_, err := pipe.Exec(ctx)
				return err
			}), nil
		}
	}
	return nil, ErrNoMessage
}

func (b *RedisBus) IsConnected() bool {
	client, err := b.conn()
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return client.Ping(ctx).Err() == nil
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ps := range b.pubsubs {
		ps.Close()
	}
	b.pubsubs = nil
	b.groups = make(map[string]bool)
	b.recovered = make(map[string]bool)
	if b.client == nil {
		return nil
	}
	err := b.client.Close()
	b.client = nil
	return err
}
