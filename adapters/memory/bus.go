package memory

import (
	"context"
	"sync"
	"time"

	"github.com/coregx/flowrelay"
)

// redeliveryDelay spaces out redeliveries of a step id whose handler failed.
const redeliveryDelay = 50 * time.Millisecond

// Bus implements flowrelay.Bus in process.
//
// A queue is one mailbox shared by its competing workers. A topic keeps one mailbox per durable
// consumer; a consumer's mailbox exists from its first subscription on and keeps collecting step
// ids while the subscription is stopped. Delivery is at-least-once: a step id whose handler
// returns an error goes back to the head of its mailbox.
type Bus struct {
	mu     sync.Mutex
	queues map[string]*mailbox
	topics map[string]map[string]*mailbox
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		queues: make(map[string]*mailbox),
		topics: make(map[string]map[string]*mailbox),
	}
}

// Send appends a step id to a queue.
func (b *Bus) Send(_ context.Context, queue string, stepID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return flowrelay.NewError(flowrelay.ErrCodeTransport, "bus is closed")
	}
	b.queueLocked(queue).push(stepID)
	return nil
}

// Broadcast appends a step id to every durable consumer of a topic.
func (b *Bus) Broadcast(_ context.Context, topic string, stepID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return flowrelay.NewError(flowrelay.ErrCodeTransport, "bus is closed")
	}
	for _, mb := range b.topics[topic] {
		mb.push(stepID)
	}
	return nil
}

// ConsumeQueue starts competing workers on a queue.
func (b *Bus) ConsumeQueue(ctx context.Context, queue string, concurrency int, h flowrelay.Handler) (flowrelay.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, flowrelay.NewError(flowrelay.ErrCodeTransport, "bus is closed")
	}
	return consume(ctx, b.queueLocked(queue), concurrency, h), nil
}

// SubscribeTopic starts a durable subscription.
func (b *Bus) SubscribeTopic(ctx context.Context, topic, consumer string, concurrency int, h flowrelay.Handler) (flowrelay.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, flowrelay.NewError(flowrelay.ErrCodeTransport, "bus is closed")
	}
	consumers, ok := b.topics[topic]
	if !ok {
		consumers = make(map[string]*mailbox)
		b.topics[topic] = consumers
	}
	mb, ok := consumers[consumer]
	if !ok {
		mb = newMailbox()
		consumers[consumer] = mb
	}
	return consume(ctx, mb, concurrency, h), nil
}

// Pending returns the number of undelivered step ids on a queue.
func (b *Bus) Pending(queue string) int {
	b.mu.Lock()
	mb, ok := b.queues[queue]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	return mb.len()
}

// Close refuses further sends. Running subscriptions stop with their context or Stop.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *Bus) queueLocked(name string) *mailbox {
	mb, ok := b.queues[name]
	if !ok {
		mb = newMailbox()
		b.queues[name] = mb
	}
	return mb
}

type mailbox struct {
	mu     sync.Mutex
	items  []int64
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

func (m *mailbox) push(id int64) {
	m.mu.Lock()
	m.items = append(m.items, id)
	m.mu.Unlock()
	m.signal()
}

func (m *mailbox) pushFront(id int64) {
	m.mu.Lock()
	m.items = append([]int64{id}, m.items...)
	m.mu.Unlock()
	m.signal()
}

func (m *mailbox) pop() (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.items) == 0 {
		return 0, false
	}
	id := m.items[0]
	m.items = m.items[1:]
	if len(m.items) > 0 {
		m.signal()
	}
	return id, true
}

func (m *mailbox) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func (m *mailbox) signal() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

type subscription struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func consume(ctx context.Context, mb *mailbox, concurrency int, h flowrelay.Handler) *subscription {
	if concurrency <= 0 {
		concurrency = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	sub := &subscription{cancel: cancel}
	for i := 0; i < concurrency; i++ {
		sub.wg.Add(1)
		go func() {
			defer sub.wg.Done()
			for {
				id, ok := mb.pop()
				if !ok {
					select {
					case <-ctx.Done():
						return
					case <-mb.notify:
						continue
					}
				}
				if err := h(ctx, id); err != nil {
					mb.pushFront(id)
					select {
					case <-ctx.Done():
						return
					case <-time.After(redeliveryDelay):
					}
				}
			}
		}()
	}
	return sub
}

// Stop cancels the workers and waits for in-flight handlers.
func (s *subscription) Stop() error {
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
	})
	return nil
}
