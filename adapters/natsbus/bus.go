// Package natsbus implements flowrelay.Bus on NATS JetStream.
//
// Every destination maps to a subject of one stream. A queue is consumed through a single shared
// durable consumer, so its workers compete for step ids. A topic gets one durable consumer per
// consuming component, so every subscriber sees every step id and keeps its position while it is
// stopped.
package natsbus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/coregx/flowrelay"
)

// Defaults.
const (
	DefaultStream        = "FLOWRELAY"
	DefaultSubjectPrefix = "flowrelay"
	DefaultAckWait       = 30 * time.Second
	DefaultMaxAge        = 7 * 24 * time.Hour
	DefaultNakDelay      = 500 * time.Millisecond
)

// Bus implements flowrelay.Bus.
type Bus struct {
	nc       *nats.Conn
	js       jetstream.JetStream
	stream   string
	prefix   string
	ackWait  time.Duration
	maxAge   time.Duration
	nakDelay time.Duration
	ownsConn bool
	logger   flowrelay.Logger
}

// Option configures a Bus.
type Option func(*Bus) error

// WithStream sets the stream name. Default: FLOWRELAY.
func WithStream(name string) Option {
	return func(b *Bus) error {
		if name == "" {
			return fmt.Errorf("stream name cannot be empty")
		}
		b.stream = name
		return nil
	}
}

// WithSubjectPrefix sets the subject prefix of every destination. Default: flowrelay.
func WithSubjectPrefix(prefix string) Option {
	return func(b *Bus) error {
		if prefix == "" {
			return fmt.Errorf("subject prefix cannot be empty")
		}
		b.prefix = prefix
		return nil
	}
}

// WithAckWait sets how long a delivered step id may stay unacknowledged before redelivery.
func WithAckWait(d time.Duration) Option {
	return func(b *Bus) error {
		if d <= 0 {
			return fmt.Errorf("ack wait must be > 0, got %v", d)
		}
		b.ackWait = d
		return nil
	}
}

// WithMaxAge sets how long step ids are retained in the stream.
func WithMaxAge(d time.Duration) Option {
	return func(b *Bus) error {
		if d <= 0 {
			return fmt.Errorf("max age must be > 0, got %v", d)
		}
		b.maxAge = d
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

// Connect dials url and creates a Bus that closes the connection on Close.
func Connect(ctx context.Context, url string, opts ...Option) (*Bus, error) {
	nc, err := nats.Connect(url, nats.Name("flowrelay"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, flowrelay.NewErrorWithCause(flowrelay.ErrCodeTransport, "failed to connect to NATS", err)
	}
	b, err := New(ctx, nc, opts...)
	if err != nil {
		nc.Close()
		return nil, err
	}
	b.ownsConn = true
	return b, nil
}

// New creates a Bus over an existing connection and makes sure its stream exists.
func New(ctx context.Context, nc *nats.Conn, opts ...Option) (*Bus, error) {
	if nc == nil {
		return nil, flowrelay.NewError(flowrelay.ErrCodeConfiguration, "NATS connection is required")
	}
	b := &Bus{
		nc:       nc,
		stream:   DefaultStream,
		prefix:   DefaultSubjectPrefix,
		ackWait:  DefaultAckWait,
		maxAge:   DefaultMaxAge,
		nakDelay: DefaultNakDelay,
		logger:   &flowrelay.NoopLogger{},
	}
	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, flowrelay.NewErrorWithCause(flowrelay.ErrCodeConfiguration, "failed to apply bus option", err)
		}
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, flowrelay.NewErrorWithCause(flowrelay.ErrCodeTransport, "failed to create JetStream context", err)
	}
	b.js = js

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      b.stream,
		Subjects:  []string{b.prefix + ".>"},
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
		MaxAge:    b.maxAge,
	})
	if err != nil {
		return nil, flowrelay.NewErrorWithCause(flowrelay.ErrCodeTransport, "failed to create stream "+b.stream, err)
	}
	return b, nil
}

func (b *Bus) queueSubject(queue string) string {
	return b.prefix + ".queue." + queue
}

func (b *Bus) topicSubject(topic string) string {
	return b.prefix + ".topic." + topic
}

// consumerName turns a destination or component path into a valid durable name.
func consumerName(kind, name string) string {
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_", "/", "_", "\\", "_")
	return kind + "_" + r.Replace(name)
}

// Send publishes a step id to a queue.
func (b *Bus) Send(ctx context.Context, queue string, stepID int64) error {
	return b.publish(ctx, b.queueSubject(queue), stepID)
}

// Broadcast publishes a step id to a topic.
func (b *Bus) Broadcast(ctx context.Context, topic string, stepID int64) error {
	return b.publish(ctx, b.topicSubject(topic), stepID)
}

func (b *Bus) publish(ctx context.Context, subject string, stepID int64) error {
	if _, err := b.js.Publish(ctx, subject, flowrelay.EncodeStepID(stepID)); err != nil {
		return flowrelay.NewErrorWithCause(flowrelay.ErrCodeTransport, "failed to publish to "+subject, err)
	}
	return nil
}

// ConsumeQueue starts competing workers on the shared durable consumer of a queue.
func (b *Bus) ConsumeQueue(ctx context.Context, queue string, concurrency int, h flowrelay.Handler) (flowrelay.Subscription, error) {
	return b.consume(ctx, consumerName("q", queue), b.queueSubject(queue), concurrency, h)
}

// SubscribeTopic starts workers on the durable consumer a component holds on a topic.
func (b *Bus) SubscribeTopic(ctx context.Context, topic, consumer string, concurrency int, h flowrelay.Handler) (flowrelay.Subscription, error) {
	return b.consume(ctx, consumerName("t", consumer), b.topicSubject(topic), concurrency, h)
}

func (b *Bus) consume(ctx context.Context, durable, subject string, concurrency int, h flowrelay.Handler) (flowrelay.Subscription, error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	consumer, err := b.js.CreateOrUpdateConsumer(ctx, b.stream, jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       b.ackWait,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		MaxAckPending: concurrency * 4,
	})
	if err != nil {
		return nil, flowrelay.NewErrorWithCause(flowrelay.ErrCodeTransport, "failed to create consumer "+durable, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	s := &subscription{
		cancel: cancel,
		work:   make(chan jetstream.Msg, concurrency),
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		select {
		case s.work <- msg:
		case <-subCtx.Done():
			_ = msg.Nak()
		}
	}, jetstream.PullMaxMessages(concurrency*2))
	if err != nil {
		cancel()
		return nil, flowrelay.NewErrorWithCause(flowrelay.ErrCodeTransport, "failed to consume "+durable, err)
	}
	s.cc = cc

	for i := 0; i < concurrency; i++ {
		s.wg.Add(1)
		go b.worker(subCtx, s, durable, h)
	}
	b.logger.Debugf("Consumer %s started on %s with %d workers", durable, subject, concurrency)
	return s, nil
}

func (b *Bus) worker(ctx context.Context, s *subscription, durable string, h flowrelay.Handler) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.work:
			stepID, err := flowrelay.DecodeStepID(msg.Data())
			if err != nil {
				b.logger.Errorf("Consumer %s dropped malformed payload %q: %v", durable, msg.Data(), err)
				_ = msg.Term()
				continue
			}
			if err := h(ctx, stepID); err != nil {
				b.logger.Warnf("Consumer %s: step %d will be redelivered: %v", durable, stepID, err)
				_ = msg.NakWithDelay(b.nakDelay)
				continue
			}
			if err := msg.Ack(); err != nil {
				b.logger.Warnf("Consumer %s: failed to ack step %d: %v", durable, stepID, err)
			}
		}
	}
}

// Close closes the connection when the bus opened it.
func (b *Bus) Close() error {
	if b.ownsConn {
		if err := b.nc.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			return err
		}
	}
	return nil
}

type subscription struct {
	cc     jetstream.ConsumeContext
	cancel context.CancelFunc
	work   chan jetstream.Msg
	wg     sync.WaitGroup
	once   sync.Once
}

// Stop stops pulling, waits for in-flight handlers and leaves unacknowledged step ids to be redelivered.
func (s *subscription) Stop() error {
	s.once.Do(func() {
		s.cc.Stop()
		s.cancel()
		s.wg.Wait()
	})
	return nil
}
