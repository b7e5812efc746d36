package messaging

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/tdtai09423/TheCoffeeHandSystem/config"
)

// kafkaMinWait bounds a non-blocking Receive, since FetchMessage has no
// poll-only mode.
const kafkaMinWait = 20 * time.Millisecond

// KafkaBus maps queues onto topics read by one shared consumer group, and
// broadcasts onto topics read by a private group per subscriber.
type KafkaBus struct {
	cfg    config.KafkaConfig
	topics []string
	logger *zap.Logger

	mu      sync.Mutex
	writer  *kafka.Writer
	readers map[string]*kafka.Reader
	subs    []*kafka.Reader
}

// NewKafkaBus creates a bus that makes sure topics exist on connect.
func NewKafkaBus(cfg config.KafkaConfig, topics []string, logger *zap.Logger) *KafkaBus {
	return &KafkaBus{
		cfg:     cfg,
		topics:  topics,
		logger:  logger,
		readers: make(map[string]*kafka.Reader),
	}
}

func (b *KafkaBus) Connect(ctx context.Context) error {
	if len(b.cfg.Brokers) == 0 {
		return fmt.Errorf("no kafka brokers configured")
	}

	var conn *kafka.Conn
	var connErr error
	for _, broker := range b.cfg.Brokers {
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		conn, connErr = kafka.DialContext(dialCtx, "tcp", broker)
		cancel()
		if connErr == nil {
			b.logger.Info("kafka connected", zap.String("broker", broker))
			break
		}
	}
	if connErr != nil {
		return fmt.Errorf("kafka connect: %w", connErr)
	}
	b.ensureTopics(conn, b.topics...)
	conn.Close()

	b.mu.Lock()
	b.writer = &kafka.Writer{
		Addr:         kafka.TCP(b.cfg.Brokers...),
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
	}
	b.mu.Unlock()
	return nil
}

// ensureTopics creates topics that don't exist yet. Failures are logged only,
// since the broker may auto-create topics anyway.
func (b *KafkaBus) ensureTopics(conn *kafka.Conn, topics ...string) {
	if len(topics) == 0 {
		return
	}
	controller, err := conn.Controller()
	if err != nil {
		b.logger.Warn("cannot find controller for topic creation", zap.Error(err))
		return
	}
	controllerConn, err := kafka.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		b.logger.Warn("cannot connect to controller", zap.Error(err))
		return
	}
	defer controllerConn.Close()

	configs := make([]kafka.TopicConfig, len(topics))
	for i, t := range topics {
		configs[i] = kafka.TopicConfig{Topic: t, NumPartitions: 1, ReplicationFactor: 1}
	}
	if err := controllerConn.CreateTopics(configs...); err != nil {
		b.logger.Warn("topic auto-create", zap.Error(err))
		return
	}
	b.logger.Info("ensured topics exist", zap.Strings("topics", topics))
}

func (b *KafkaBus) write(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	w := b.writer
	b.mu.Unlock()
	if w == nil {
		return ErrNotConnected
	}
	return w.WriteMessages(ctx, kafka.Message{Topic: topic, Value: payload})
}

func (b *KafkaBus) Broadcast(ctx context.Context, topic string, payload []byte) error {
	return b.write(ctx, topic, payload)
}

func (b *KafkaBus) Send(ctx context.Context, queue string, payload []byte) error {
	return b.write(ctx, queue, payload)
}

func (b *KafkaBus) SubscribeBroadcast(_ context.Context, topic string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.writer == nil {
		return ErrNotConnected
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     b.cfg.Brokers,
		Topic:       topic,
		GroupID:     b.cfg.GroupID + "-bcast-" + uuid.NewString(),
		StartOffset: kafka.LastOffset,
	})
	b.subs = append(b.subs, reader)
	go func() {
		for {
			msg, err := reader.ReadMessage(context.Background())
			if err != nil {
				return
			}
			handler(msg.Topic, msg.Value)
		}
	}()
	return nil
}

func (b *KafkaBus) reader(queue string) (*kafka.Reader, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.writer == nil {
		return nil, ErrNotConnected
	}
	r, ok := b.readers[queue]
	if !ok {
		r = kafka.NewReader(kafka.ReaderConfig{
			Brokers:     b.cfg.Brokers,
			Topic:       queue,
			GroupID:     b.cfg.GroupID,
			StartOffset: kafka.FirstOffset,
		})
		b.readers[queue] = r
	}
	return r, nil
}

// Receive fetches without committing; Ack commits the offset. Uncommitted
// messages are redelivered to the group after a restart.
func (b *KafkaBus) Receive(ctx context.Context, queue string, wait time.Duration) (*Delivery, error) {
	r, err := b.reader(queue)
	if err != nil {
		return nil, err
	}
	if wait < kafkaMinWait {
		wait = kafkaMinWait
	}
	fetchCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	msg, err := r.FetchMessage(fetchCtx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrNoMessage
		}
		return nil, fmt.Errorf("kafka fetch %s: %w", queue, err)
	}
	id := fmt.Sprintf("%d:%d", msg.Partition, msg.Offset)
	return NewDelivery(id, queue, msg.Value, func(ctx context.Context) error {
		return r.CommitMessages(ctx, msg)
	}), nil
}

func (b *KafkaBus) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writer != nil
}

func (b *KafkaBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range b.readers {
		r.Close()
	}
	for _, r := range b.subs {
		r.Close()
	}
	b.readers = make(map[string]*kafka.Reader)
	b.subs = nil
	if b.writer != nil {
		err := b.writer.Close()
		b.writer = nil
		return err
	}
	return nil
}
