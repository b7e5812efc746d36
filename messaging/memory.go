package messaging

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

// MemoryBus is an in-process Bus. It backs tests and single-process
// simulation runs.
type MemoryBus struct {
	mu     sync.Mutex
	subs   map[string][]*memSubscriber
	queues map[string]*memQueue
	nextID uint64
	closed bool
}

type memSubscriber struct {
	ch   chan []byte
	done chan struct{}
}

type memQueue struct {
	pending  []*Delivery
	inflight map[string]*Delivery
	// notify is closed and replaced whenever a message is added.
	notify chan struct{}
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs:   make(map[string][]*memSubscriber),
		queues: make(map[string]*memQueue),
	}
}

func (b *MemoryBus) Connect(context.Context) error { return nil }

func (b *MemoryBus) queue(name string) *memQueue {
	q, ok := b.queues[name]
	if !ok {
		q = &memQueue{inflight: make(map[string]*Delivery), notify: make(chan struct{})}
		b.queues[name] = q
	}
	return q
}

func (b *MemoryBus) Broadcast(_ context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrNotConnected
	}
	subs := make([]*memSubscriber, len(b.subs[topic]))
	copy(subs, b.subs[topic])
	b.mu.Unlock()

	data := append([]byte(nil), payload...)
	for _, s := range subs {
		select {
		case s.ch <- data:
		case <-s.done:
		}
	}
	return nil
}

// SubscribeBroadcast delivers each message to handler on a dedicated
// goroutine, in publish order, until the bus is closed.
func (b *MemoryBus) SubscribeBroadcast(_ context.Context, topic string, handler Handler) error {
	s := &memSubscriber{ch: make(chan []byte, 256), done: make(chan struct{})}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrNotConnected
	}
	b.subs[topic] = append(b.subs[topic], s)
	b.mu.Unlock()

	go func() {
		for {
			select {
			case <-s.done:
				return
			case data := <-s.ch:
				handler(topic, data)
			}
		}
	}()
	return nil
}

func (b *MemoryBus) Send(_ context.Context, queue string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrNotConnected
	}
	b.nextID++
	id := strconv.FormatUint(b.nextID, 10)
	q := b.queue(queue)
	d := &Delivery{ID: id, Queue: queue, Payload: append([]byte(nil), payload...)}
	d.ack = func(context.Context) error {
		b.mu.Lock()
		delete(q.inflight, id)
		b.mu.Unlock()
		return nil
	}
	q.pending = append(q.pending, d)
	close(q.notify)
	q.notify = make(chan struct{})
	return nil
}

func (b *MemoryBus) Receive(ctx context.Context, queue string, wait time.Duration) (*Delivery, error) {
	var timer <-chan time.Time
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		timer = t.C
	}
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrNotConnected
		}
		q := b.queue(queue)
		if len(q.pending) > 0 {
			d := q.pending[0]
			q.pending = q.pending[1:]
			q.inflight[d.ID] = d
			b.mu.Unlock()
			return d, nil
		}
		notify := q.notify
		b.mu.Unlock()

		if timer == nil {
			return nil, ErrNoMessage
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer:
			return nil, ErrNoMessage
		case <-notify:
		}
	}
}

// Pending returns the number of messages waiting on queue.
func (b *MemoryBus) Pending(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue(queue).pending)
}

// Unacked returns the number of received but unacknowledged messages.
func (b *MemoryBus) Unacked(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue(queue).inflight)
}

// Redeliver puts every unacknowledged message on queue back in front of the
// pending ones, as a broker does when a consumer restarts.
func (b *MemoryBus) Redeliver(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue(queue)
	if len(q.inflight) == 0 {
		return 0
	}
	back := make([]*Delivery, 0, len(q.inflight))
	for _, d := range q.inflight {
		back = append(back, d)
	}
	sort.Slice(back, func(i, j int) bool { return deliverySeq(back[i]) < deliverySeq(back[j]) })
	q.pending = append(back, q.pending...)
	q.inflight = make(map[string]*Delivery)
	close(q.notify)
	q.notify = make(chan struct{})
	return len(back)
}

func deliverySeq(d *Delivery) uint64 {
	n, _ := strconv.ParseUint(d.ID, 10, 64)
	return n
}

func (b *MemoryBus) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, s := range subs {
			close(s.done)
		}
	}
	b.subs = make(map[string][]*memSubscriber)
	return nil
}
