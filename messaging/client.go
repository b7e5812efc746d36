package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/tdtai09423/TheCoffeeHandSystem/config"
)

// backend is a Bus that needs an explicit connect step.
type backend interface {
	Bus
	Connect(ctx context.Context) error
}

// Client is the Bus handed to the rest of the system. It selects the
// configured backend and retries failed transport operations with bounded
// exponential backoff.
type Client struct {
	mu       sync.RWMutex
	cfg      config.MessagingConfig
	logger   *zap.Logger
	backend  backend
	handlers map[string][]Handler
}

var _ Bus = (*Client)(nil)

// NewClient builds a client from a copy of cfg. Later changes to cfg take
// effect only through Reconfigure.
func NewClient(cfg *config.MessagingConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:      cloneMessagingConfig(cfg),
		logger:   logger,
		handlers: make(map[string][]Handler),
	}
}

func cloneMessagingConfig(cfg *config.MessagingConfig) config.MessagingConfig {
	c := *cfg
	c.Kafka.Brokers = append([]string(nil), cfg.Kafka.Brokers...)
	return c
}

func (c *Client) settings() config.MessagingConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// NewClientWithBus wraps an already constructed bus, typically a MemoryBus.
func NewClientWithBus(cfg *config.MessagingConfig, bus Bus, logger *zap.Logger) *Client {
	c := NewClient(cfg, logger)
	if b, ok := bus.(backend); ok {
		c.backend = b
	} else {
		c.backend = connected{bus}
	}
	return c
}

// connected adapts a Bus that needs no connect step.
type connected struct{ Bus }

func (connected) Connect(context.Context) error { return nil }

// newBackend builds the configured backend. The caller holds c.mu.
func (c *Client) newBackend() (backend, error) {
	t := c.cfg.Topics
	switch c.cfg.Backend {
	case config.BackendRedis:
		return NewRedisBus(c.cfg.Redis, c.logger.Named("redis")), nil
	case config.BackendKafka:
		topics := []string{t.OrderSubmission, t.CommandBroadcast, t.ArmMove, t.ArmStatus, t.CommandResponse, t.OrderStatus}
		return NewKafkaBus(c.cfg.Kafka, topics, c.logger.Named("kafka")), nil
	case config.BackendMQTT:
		return NewMQTTBus(c.cfg.MQTT, c.logger.Named("mqtt")), nil
	case config.BackendMemory:
		return NewMemoryBus(), nil
	default:
		return nil, fmt.Errorf("unknown messaging backend: %s", c.cfg.Backend)
	}
}

// Connect builds the backend if needed and connects it, retrying with
// backoff.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.backend == nil {
		b, err := c.newBackend()
		if err != nil {
			c.mu.Unlock()
			return err
		}
		c.backend = b
	}
	b := c.backend
	c.mu.Unlock()

	return c.retry(ctx, "connect", func() error { return b.Connect(ctx) })
}

func (c *Client) bus() (Bus, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.backend == nil {
		return nil, ErrNotConnected
	}
	return c.backend, nil
}

func newBackOff(retry config.RetryConfig) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if retry.InitialInterval > 0 {
		b.InitialInterval = retry.InitialInterval
	}
	if retry.MaxInterval > 0 {
		b.MaxInterval = retry.MaxInterval
	}
	return b
}

// retry runs op until it succeeds, fails permanently, or the configured
// number of tries is used up.
func (c *Client) retry(ctx context.Context, op string, fn func() error) error {
	retry := c.settings().Retry
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := fn()
		if err != nil && !transient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(newBackOff(retry)),
		backoff.WithMaxTries(retry.MaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Warn("bus operation failed, retrying",
				zap.String("op", op), zap.Duration("next", next), zap.Error(err))
		}),
	)
	return err
}

// transient reports whether err is worth retrying.
func transient(err error) bool {
	switch {
	case errors.Is(err, ErrNoMessage),
		errors.Is(err, ErrNotConnected),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

func (c *Client) Broadcast(ctx context.Context, topic string, payload []byte) error {
	b, err := c.bus()
	if err != nil {
		return err
	}
	return c.retry(ctx, "broadcast "+topic, func() error { return b.Broadcast(ctx, topic, payload) })
}

func (c *Client) SubscribeBroadcast(ctx context.Context, topic string, handler Handler) error {
	b, err := c.bus()
	if err != nil {
		return err
	}
	if err := c.retry(ctx, "subscribe "+topic, func() error { return b.SubscribeBroadcast(ctx, topic, handler) }); err != nil {
		return err
	}
	c.mu.Lock()
	c.handlers[topic] = append(c.handlers[topic], handler)
	c.mu.Unlock()
	return nil
}

func (c *Client) Send(ctx context.Context, queue string, payload []byte) error {
	b, err := c.bus()
	if err != nil {
		return err
	}
	return c.retry(ctx, "send "+queue, func() error { return b.Send(ctx, queue, payload) })
}

func (c *Client) Receive(ctx context.Context, queue string, wait time.Duration) (*Delivery, error) {
	b, err := c.bus()
	if err != nil {
		return nil, err
	}
	var d *Delivery
	err = c.retry(ctx, "receive "+queue, func() error {
		var rerr error
		d, rerr = b.Receive(ctx, queue, wait)
		return rerr
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (c *Client) IsConnected() bool {
	b, err := c.bus()
	if err != nil {
		return false
	}
	return b.IsConnected()
}

// Reconfigure closes the existing connection and reconnects with a copy of
// cfg. Every broadcast subscription is restored.
func (c *Client) Reconfigure(ctx context.Context, cfg *config.MessagingConfig) error {
	c.Close()
	c.mu.Lock()
	c.cfg = cloneMessagingConfig(cfg)
	c.backend = nil
	handlers := c.handlers
	c.handlers = make(map[string][]Handler, len(handlers))
	c.mu.Unlock()

	if err := c.Connect(ctx); err != nil {
		// keep the subscriptions for the next attempt
		c.mu.Lock()
		for topic, hs := range handlers {
			c.handlers[topic] = append(hs, c.handlers[topic]...)
		}
		c.mu.Unlock()
		return err
	}
	for topic, hs := range handlers {
		for _, h := range hs {
			if err := c.SubscribeBroadcast(ctx, topic, h); err != nil {
				c.logger.Warn("re-subscribe after reconfigure", zap.String("topic", topic), zap.Error(err))
			}
		}
	}
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.backend == nil {
		return nil
	}
	return c.backend.Close()
}
