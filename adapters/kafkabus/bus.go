// Package kafkabus implements flowrelay.Bus on Kafka with segmentio/kafka-go.
//
// Every destination is a Kafka topic. A queue is read by one consumer group shared by all of its
// workers, so each step id reaches one worker. A topic subscription is a consumer group named
// after the consuming component, so each component sees every step id and resumes from its
// committed offset after a stop.
package kafkabus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"github.com/coregx/flowrelay"
)

// Defaults.
const (
	DefaultGroupPrefix     = "flowrelay"
	DefaultRedeliveryDelay = 500 * time.Millisecond
)

// Bus implements flowrelay.Bus.
type Bus struct {
	brokers         []string
	writer          *kafka.Writer
	groupPrefix     string
	redeliveryDelay time.Duration
	logger          flowrelay.Logger
}

// Option configures a Bus.
type Option func(*Bus) error

// WithGroupPrefix sets the prefix of consumer group ids. Default: flowrelay.
func WithGroupPrefix(prefix string) Option {
	return func(b *Bus) error {
		if prefix == "" {
			return fmt.Errorf("group prefix cannot be empty")
		}
		b.groupPrefix = prefix
		return nil
	}
}

// WithRedeliveryDelay sets the pause before a failed step id is handed to its handler again.
func WithRedeliveryDelay(d time.Duration) Option {
	return func(b *Bus) error {
		if d <= 0 {
			return fmt.Errorf("redelivery delay must be > 0, got %v", d)
		}
		b.redeliveryDelay = d
		return nil
	}
}

// WithLogger sets the logger. Default: flowrelay.NoopLogger.
func WithLogger(logger flowrelay.Logger) Option {
	return func(b *Bus) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		b.logger = logger
		return nil
	}
}

// New creates a Bus for the given brokers.
func New(brokers []string, opts ...Option) (*Bus, error) {
	if len(brokers) == 0 {
		return nil, flowrelay.NewError(flowrelay.ErrCodeConfiguration, "at least one Kafka broker is required")
	}
	b := &Bus{
		brokers:         brokers,
		groupPrefix:     DefaultGroupPrefix,
		redeliveryDelay: DefaultRedeliveryDelay,
		logger:          &flowrelay.NoopLogger{},
	}
	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, flowrelay.NewErrorWithCause(flowrelay.ErrCodeConfiguration, "failed to apply bus option", err)
		}
	}
	b.writer = &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
	}
	return b, nil
}

// Send publishes a step id to a queue.
func (b *Bus) Send(ctx context.Context, queue string, stepID int64) error {
	return b.publish(ctx, queue, stepID)
}

// Broadcast publishes a step id to a topic.
func (b *Bus) Broadcast(ctx context.Context, topic string, stepID int64) error {
	return b.publish(ctx, topic, stepID)
}

func (b *Bus) publish(ctx context.Context, topic string, stepID int64) error {
	payload := flowrelay.EncodeStepID(stepID)
	err := b.writer.WriteMessages(ctx, kafka.Message{Topic: topic, Key: payload, Value: payload})
	if err != nil {
		return flowrelay.NewErrorWithCause(flowrelay.ErrCodeTransport, "failed to publish to "+topic, err)
	}
	return nil
}

// groupID maps a name onto a consumer group id.
func (b *Bus) groupID(kind, name string) string {
	return strings.Join([]string{b.groupPrefix, kind, name}, ".")
}

// ConsumeQueue starts competing readers in the queue's shared consumer group.
func (b *Bus) ConsumeQueue(ctx context.Context, queue string, concurrency int, h flowrelay.Handler) (flowrelay.Subscription, error) {
	return b.consume(ctx, queue, b.groupID("queue", queue), concurrency, h)
}

// SubscribeTopic starts readers in the consumer group of one consuming component.
func (b *Bus) SubscribeTopic(ctx context.Context, topic, consumer string, concurrency int, h flowrelay.Handler) (flowrelay.Subscription, error) {
	return b.consume(ctx, topic, b.groupID("topic", consumer), concurrency, h)
}

func (b *Bus) consume(ctx context.Context, topic, group string, concurrency int, h flowrelay.Handler) (flowrelay.Subscription, error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	subCtx, cancel := context.WithCancel(ctx)
	s := &subscription{cancel: cancel}

	// one reader per worker: partitions are spread over the group members, offsets stay in order
	for i := 0; i < concurrency; i++ {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:        b.brokers,
			Topic:          topic,
			GroupID:        group,
			MinBytes:       1,
			MaxBytes:       1 << 20,
			MaxWait:        250 * time.Millisecond,
			CommitInterval: 0,
			StartOffset:    kafka.FirstOffset,
		})
		s.readers = append(s.readers, reader)
		s.wg.Add(1)
		go b.run(subCtx, s, reader, group, h)
	}
	b.logger.Debugf("Consumer group %s started on %s with %d readers", group, topic, concurrency)
	return s, nil
}

func (b *Bus) run(ctx context.Context, s *subscription, reader *kafka.Reader, group string, h flowrelay.Handler) {
	defer s.wg.Done()
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			b.logger.Errorf("Consumer group %s: fetch failed: %v", group, err)
			if !sleep(ctx, b.redeliveryDelay) {
				return
			}
			continue
		}

		stepID, err := flowrelay.DecodeStepID(msg.Value)
		if err != nil {
			b.logger.Errorf("Consumer group %s dropped malformed payload %q: %v", group, msg.Value, err)
		} else if !b.handle(ctx, h, group, stepID) {
			return
		}

		if err := reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			b.logger.Warnf("Consumer group %s: commit failed at offset %d: %v", group, msg.Offset, err)
		}
	}
}

// handle runs h until it succeeds. It returns false when ctx ends first; the offset is then left
// uncommitted and the step id is delivered again after a restart.
func (b *Bus) handle(ctx context.Context, h flowrelay.Handler, group string, stepID int64) bool {
	for {
		err := h(ctx, stepID)
		if err == nil {
			return true
		}
		b.logger.Warnf("Consumer group %s: step %d will be redelivered: %v", group, stepID, err)
		if !sleep(ctx, b.redeliveryDelay) {
			return false
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// Close flushes and closes the writer.
func (b *Bus) Close() error {
	return b.writer.Close()
}

type subscription struct {
	cancel  context.CancelFunc
	readers []*kafka.Reader
	wg      sync.WaitGroup
	once    sync.Once
	err     error
}

// Stop stops the readers and leaves the consumer group offsets where they are.
func (s *subscription) Stop() error {
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
		var errs []error
		for _, r := range s.readers {
			if err := r.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		s.err = errors.Join(errs...)
	})
	return s.err
}
