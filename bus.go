package flowrelay

import (
	"context"
	"strconv"
	"strings"
)

// Destination name prefixes.
const (
	InboundQueuePrefix   = "inboundProcessingComplete-"
	ReadyQueuePrefix     = "readyForSending-"
	BroadcastTopicPrefix = "VirtualTopic."
)

// InboundQueueName is the point-to-point queue feeding a component's outbound processor.
func InboundQueueName(componentPath string) string {
	return InboundQueuePrefix + componentPath
}

// ReadyQueueName is the point-to-point queue feeding an outbound communication point's sender.
func ReadyQueueName(componentPath string) string {
	return ReadyQueuePrefix + componentPath
}

// TopicName is the broadcast topic a producer publishes to. Consumers hold one durable
// subscription each, keyed by their own component path.
func TopicName(name string) string {
	return BroadcastTopicPrefix + name
}

// Handler processes one step id received from the bus. Returning nil acknowledges the
// message; returning an error asks the bus to redeliver it.
type Handler func(ctx context.Context, stepID int64) error

// Subscription is a running consumer that can be stopped.
type Subscription interface {
	Stop() error
}

// Bus is the message transport between stages. The payload of every message is a
// flow step id.
type Bus interface {
	// Send delivers a step id to exactly one consumer of a queue.
	Send(ctx context.Context, queue string, stepID int64) error

	// Broadcast delivers a step id to every durable subscription of a topic.
	Broadcast(ctx context.Context, topic string, stepID int64) error

	// ConsumeQueue starts concurrency competing workers on a queue.
	ConsumeQueue(ctx context.Context, queue string, concurrency int, h Handler) (Subscription, error)

	// SubscribeTopic starts a durable subscription named consumer on a topic. Messages
	// broadcast while the subscription is stopped are delivered when it restarts.
	SubscribeTopic(ctx context.Context, topic, consumer string, concurrency int, h Handler) (Subscription, error)

	// Close releases transport resources.
	Close() error
}

// Destination is where a relay publishes the step ids of an event type.
type Destination struct {
	Name      string
	Broadcast bool
}

// Queue returns a point-to-point destination.
func Queue(name string) Destination {
	return Destination{Name: name}
}

// Topic returns a broadcast destination.
func Topic(name string) Destination {
	return Destination{Name: name, Broadcast: true}
}

// String implements fmt.Stringer.
func (d Destination) String() string {
	if d.Broadcast {
		return "topic:" + d.Name
	}
	return "queue:" + d.Name
}

// Publish sends a step id to d on the bus.
func (d Destination) Publish(ctx context.Context, bus Bus, stepID int64) error {
	if d.Broadcast {
		return bus.Broadcast(ctx, d.Name, stepID)
	}
	return bus.Send(ctx, d.Name, stepID)
}

// EncodeStepID renders the wire payload for a step id.
func EncodeStepID(stepID int64) []byte {
	return []byte(strconv.FormatInt(stepID, 10))
}

// DecodeStepID parses a wire payload into a step id.
func DecodeStepID(data []byte) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, NewErrorWithCause(ErrCodeValidation, "invalid step id payload", err)
	}
	if id <= 0 {
		return 0, NewError(ErrCodeValidation, "step id must be positive")
	}
	return id, nil
}
