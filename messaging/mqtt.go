package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/tdtai09423/TheCoffeeHandSystem/config"
)

// MQTTBus uses plain QoS 1 subscriptions for broadcasts and shared
// subscriptions ($share/<group>/<queue>) on a persistent session for queues.
// Automatic acking is disabled so a queue message is only acknowledged to
// the broker once the consumer calls Delivery.Ack.
type MQTTBus struct {
	cfg    config.MQTTConfig
	logger *zap.Logger

	mu     sync.Mutex
	conn   mqtt.Client
	queues map[string]chan mqtt.Message
	// paho keeps one callback per topic filter, so every local handler of a
	// topic hangs off a single subscription.
	bcast map[string][]Handler
}

func NewMQTTBus(cfg config.MQTTConfig, logger *zap.Logger) *MQTTBus {
	return &MQTTBus{
		cfg:    cfg,
		logger: logger,
		queues: make(map[string]chan mqtt.Message),
		bcast:  make(map[string][]Handler),
	}
}

func (b *MQTTBus) Connect(ctx context.Context) error {
	broker := fmt.Sprintf("tcp://%s:%d", b.cfg.Broker, b.cfg.Port)
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(b.cfg.ClientID).
		SetUsername(b.cfg.Username).
		SetPassword(b.cfg.Password).
		SetCleanSession(false).
		SetAutoAckDisabled(true).
		SetAutoReconnect(true).
		SetConnectTimeout(5 * time.Second).
		SetOnConnectHandler(b.resubscribe).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			b.logger.Warn("mqtt connection lost", zap.Error(err))
		})

	client := mqtt.NewClient(opts)
	if err := awaitToken(ctx, client.Connect()); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	b.mu.Lock()
	b.conn = client
	b.mu.Unlock()
	b.logger.Info("mqtt connected", zap.String("broker", broker))
	return nil
}

// awaitToken blocks until the token completes or ctx ends.
func awaitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MQTTBus) client() (mqtt.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil, ErrNotConnected
	}
	return b.conn, nil
}

// resubscribe restores subscriptions after an automatic reconnect.
func (b *MQTTBus) resubscribe(c mqtt.Client) {
	b.mu.Lock()
	queues := make(map[string]chan mqtt.Message, len(b.queues))
	for q, ch := range b.queues {
		queues[q] = ch
	}
	topics := make([]string, 0, len(b.bcast))
	for t := range b.bcast {
		topics = append(topics, t)
	}
	b.mu.Unlock()

	for q, ch := range queues {
		c.Subscribe(b.sharedTopic(q), 1, queueHandler(ch))
	}
	for _, t := range topics {
		c.Subscribe(t, 1, b.broadcastHandler(t))
	}
	if len(queues)+len(topics) > 0 {
		b.logger.Info("mqtt subscriptions restored", zap.Int("queues", len(queues)), zap.Int("topics", len(topics)))
	}
}

func (b *MQTTBus) sharedTopic(queue string) string {
	return "$share/" + b.cfg.Group + "/" + queue
}

func queueHandler(ch chan mqtt.Message) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		ch <- msg
	}
}

// broadcastHandler fans a message on topic out to every handler added for it.
func (b *MQTTBus) broadcastHandler(topic string) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		b.mu.Lock()
		handlers := append([]Handler(nil), b.bcast[topic]...)
		b.mu.Unlock()
		for _, h := range handlers {
			h(msg.Topic(), msg.Payload())
		}
		msg.Ack()
	}
}

// addBroadcast records handler for topic and reports whether it is the
// first one, which needs a broker subscription.
func (b *MQTTBus) addBroadcast(topic string, handler Handler) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bcast[topic] = append(b.bcast[topic], handler)
	return len(b.bcast[topic]) == 1
}

// removeLastBroadcast undoes a failed first subscription.
func (b *MQTTBus) removeLastBroadcast(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	hs := b.bcast[topic]
	if len(hs) <= 1 {
		delete(b.bcast, topic)
		return
	}
	b.bcast[topic] = hs[:len(hs)-1]
}

func (b *MQTTBus) publish(ctx context.Context, topic string, payload []byte) error {
	c, err := b.client()
	if err != nil {
		return err
	}
	return awaitToken(ctx, c.Publish(topic, 1, false, payload))
}

func (b *MQTTBus) Broadcast(ctx context.Context, topic string, payload []byte) error {
	return b.publish(ctx, topic, payload)
}

func (b *MQTTBus) Send(ctx context.Context, queue string, payload []byte) error {
	return b.publish(ctx, queue, payload)
}

func (b *MQTTBus) SubscribeBroadcast(ctx context.Context, topic string, handler Handler) error {
	c, err := b.client()
	if err != nil {
		return err
	}
	if !b.addBroadcast(topic, handler) {
		return nil
	}
	if err := awaitToken(ctx, c.Subscribe(topic, 1, b.broadcastHandler(topic))); err != nil {
		b.removeLastBroadcast(topic)
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

func (b *MQTTBus) queue(ctx context.Context, queue string) (chan mqtt.Message, error) {
	c, err := b.client()
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	ch, ok := b.queues[queue]
	b.mu.Unlock()
	if ok {
		return ch, nil
	}
	ch = make(chan mqtt.Message, 256)
	if err := awaitToken(ctx, c.Subscribe(b.sharedTopic(queue), 1, queueHandler(ch))); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", queue, err)
	}
	b.mu.Lock()
	b.queues[queue] = ch
	b.mu.Unlock()
	return ch, nil
}

func (b *MQTTBus) Receive(ctx context.Context, queue string, timeout time.Duration) (*Delivery, error) {
	ch, err := b.queue(ctx, queue)
	if err != nil {
		return nil, err
	}
	deliver := func(msg mqtt.Message) *Delivery {
		return NewDelivery(fmt.Sprintf("%d", msg.MessageID()), queue, msg.Payload(), func(context.Context) error {
			msg.Ack()
			return nil
		})
	}
	if timeout <= 0 {
		select {
		case msg := <-ch:
			return deliver(msg), nil
		default:
			return nil, ErrNoMessage
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-ch:
		return deliver(msg), nil
	case <-timer.C:
		return nil, ErrNoMessage
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *MQTTBus) IsConnected() bool {
	c, err := b.client()
	if err != nil {
		return false
	}
	return c.IsConnected()
}

func (b *MQTTBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		b.conn.Disconnect(250)
		b.conn = nil
	}
	b.queues = make(map[string]chan mqtt.Message)
	b.bcast = make(map[string][]Handler)
	return nil
}
