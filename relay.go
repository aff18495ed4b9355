package flowrelay

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/coregx/flowrelay/model"
)

// Relay defaults.
const (
	DefaultRelayBatchSize    = 20
	DefaultRelayPollInterval = 100 * time.Millisecond
)

// RelayBinding tells the engine to drain one event type of one component into a destination.
type RelayBinding struct {
	Identifier  model.ComponentIdentifier
	EventType   model.EventType
	Destination Destination
}

// Name identifies the binding's polling task.
func (b RelayBinding) Name() string {
	return "relay-" + string(b.EventType) + "-" + b.Identifier.Path()
}

// LockKey is the cluster lock serializing this binding across nodes.
func (b RelayBinding) LockKey() string {
	return RelayLockKey(b.EventType, b.Identifier.Path())
}

// RelayEngine drains outbox events and publishes their step ids to the bus.
//
// One periodic task runs per binding. Each cycle holds the binding's cluster lock, fetches up to
// the batch size of pending events in creation order and, per event, deletes the event and
// publishes the step id in one transaction. A publish failure rolls the delete back and ends the
// cycle; the event is picked up again by the next one. A commit failure after a successful publish
// can only cause a duplicate delivery, never a loss.
//
// Thread safety: Safe for concurrent use. Cycles of different bindings run in parallel.
type RelayEngine struct {
	flows         *MessageFlowService
	bus           Bus
	locker        Locker
	logger        Logger
	metrics       *Metrics
	tracer        trace.Tracer
	batchSize     int
	pollInterval  time.Duration
	ready         func() bool
	mu            sync.Mutex
	bindings      map[string]RelayBinding
	group         *errgroup.Group
	groupCtx      context.Context
	runningByName map[string]bool
}

// NewRelayEngine creates a new relay engine with the provided options.
//
// Required options:
//   - WithRelayFlows: the message flow service
//   - WithRelayBus: the bus to publish to
//   - WithRelayLocker: the cluster lock
//   - WithRelayLogger: logger instance
//
// Optional options:
//   - WithRelayBatchSize: events per cycle (default: 20)
//   - WithPollInterval: time between cycles (default: 100ms)
//   - WithReadiness: cycles are skipped while it returns false
//   - WithRelayMetrics, WithTracer
//
// Example:
//
//	engine, err := flowrelay.NewRelayEngine(
//	    flowrelay.WithRelayFlows(flows),
//	    flowrelay.WithRelayBus(bus),
//	    flowrelay.WithRelayLocker(locker),
//	    flowrelay.WithRelayLogger(logger),
//	)
func NewRelayEngine(opts ...RelayOption) (*RelayEngine, error) {
	w := &RelayEngine{
		batchSize:     DefaultRelayBatchSize,
		pollInterval:  DefaultRelayPollInterval,
		tracer:        otel.Tracer("github.com/coregx/flowrelay"),
		bindings:      make(map[string]RelayBinding),
		runningByName: make(map[string]bool),
	}

	for _, opt := range opts {
		if err := opt(w); err != nil {
			return nil, NewErrorWithCause(ErrCodeConfiguration, "failed to apply option", err)
		}
	}

	if w.flows == nil {
		return nil, NewError(ErrCodeConfiguration, "MessageFlowService is required (use WithRelayFlows)")
	}
	if w.bus == nil {
		return nil, NewError(ErrCodeConfiguration, "Bus is required (use WithRelayBus)")
	}
	if w.locker == nil {
		return nil, NewError(ErrCodeConfiguration, "Locker is required (use WithRelayLocker)")
	}
	if w.logger == nil {
		return nil, NewError(ErrCodeConfiguration, "Logger is required (use WithRelayLogger)")
	}

	return w, nil
}

// Register adds a binding. If the engine is running, its polling task starts immediately.
func (w *RelayEngine) Register(b RelayBinding) error {
	if !b.EventType.Valid() {
		return NewError(ErrCodeValidation, "invalid event type "+string(b.EventType))
	}
	if b.Identifier.ComponentRouteID <= 0 {
		return NewError(ErrCodeValidation, "relay binding needs a resolved component identifier")
	}
	if b.Destination.Name == "" {
		return NewError(ErrCodeValidation, "relay binding needs a destination")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.bindings[b.Name()] = b
	if w.group != nil && !w.runningByName[b.Name()] {
		w.startLocked(b)
	}
	return nil
}

// Bindings returns the registered bindings.
func (w *RelayEngine) Bindings() []RelayBinding {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]RelayBinding, 0, len(w.bindings))
	for _, b := range w.bindings {
		out = append(out, b)
	}
	return out
}

// Run starts one polling task per binding and blocks until ctx is canceled.
//
// Example:
//
//	go engine.Run(ctx)
func (w *RelayEngine) Run(ctx context.Context) error {
	w.mu.Lock()
	g, gctx := errgroup.WithContext(ctx)
	w.group = g
	w.groupCtx = gctx
	// keeps the group alive while no binding is registered
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	for _, b := range w.bindings {
		w.startLocked(b)
	}
	w.mu.Unlock()

	w.logger.Info("Relay engine started")
	err := g.Wait()

	w.mu.Lock()
	w.group = nil
	w.groupCtx = nil
	w.runningByName = make(map[string]bool)
	w.mu.Unlock()

	w.logger.Info("Relay engine stopped")
	return err
}

func (w *RelayEngine) startLocked(b RelayBinding) {
	w.runningByName[b.Name()] = true
	ctx := w.groupCtx
	w.group.Go(func() error {
		return w.poll(ctx, b)
	})
}

func (w *RelayEngine) poll(ctx context.Context, b RelayBinding) error {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.logger.Debugf("Relay %s polling every %v into %s", b.Name(), w.pollInterval, b.Destination)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := w.Drain(ctx, b); err != nil && ctx.Err() == nil {
				w.logger.Errorf("Relay %s cycle failed: %v", b.Name(), err)
			}
		}
	}
}

// Drain runs one relay cycle for a binding and returns the number of events published.
// It is a no-op while the engine is not ready.
func (w *RelayEngine) Drain(ctx context.Context, b RelayBinding) (int, error) {
	if w.ready != nil && !w.ready() {
		return 0, nil
	}
	component, eventType := b.Identifier.Path(), string(b.EventType)

	waitStart := time.Now()
	lock, err := w.locker.Acquire(ctx, b.LockKey())
	if err != nil {
		w.metrics.relayError(component, eventType)
		return 0, NewErrorWithCause(ErrCodeLock, "failed to acquire relay lock "+b.LockKey(), err)
	}
	w.metrics.lockWait(component, eventType, time.Since(waitStart))

	cycleStart := time.Now()
	defer func() {
		if releaseErr := lock.Release(context.WithoutCancel(ctx)); releaseErr != nil {
			w.logger.Warnf("Failed to release relay lock %s: %v", b.LockKey(), releaseErr)
		}
		w.metrics.cycle(component, eventType, time.Since(cycleStart))
	}()

	events, err := w.flows.GetPendingEvents(ctx, b.Identifier.ComponentRouteID, b.EventType, w.batchSize)
	if err != nil {
		w.metrics.relayError(component, eventType)
		return 0, err
	}

	relayed := 0
	for i := range events {
		if ctx.Err() != nil {
			break
		}
		published, err := w.relayEvent(ctx, b, events[i])
		if err != nil {
			w.metrics.relayError(component, eventType)
			w.metrics.relayed(component, eventType, relayed)
			return relayed, err
		}
		if published {
			relayed++
		}
	}

	w.metrics.relayed(component, eventType, relayed)
	if relayed > 0 {
		w.logger.Debugf("Relay %s published %d events", b.Name(), relayed)
	}
	return relayed, nil
}

// relayEvent deletes one event and publishes its step id in the same transaction.
// It returns false when the event was already drained.
func (w *RelayEngine) relayEvent(ctx context.Context, b RelayBinding, event model.MessageFlowEvent) (bool, error) {
	ctx, span := w.tracer.Start(ctx, "RelayEvent", trace.WithAttributes(
		attribute.Int64("flowrelay.event_id", event.ID),
		attribute.Int64("flowrelay.step_id", event.StepID),
		attribute.String("flowrelay.event_type", string(event.Type)),
		attribute.String("flowrelay.component", b.Identifier.Path()),
		attribute.String("flowrelay.destination", b.Destination.String()),
	))
	defer span.End()

	published := false
	err := w.flows.InTx(ctx, func(ctx context.Context, r *FlowRecorder) error {
		deleted, err := r.DeleteEvent(ctx, event.ID)
		if err != nil {
			return err
		}
		if !deleted {
			return nil
		}
		if err := b.Destination.Publish(ctx, w.bus, event.StepID); err != nil {
			return NewErrorWithCause(ErrCodeTransport, "failed to publish step to "+b.Destination.String(), err)
		}
		published = true
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}
	span.SetAttributes(attribute.Bool("flowrelay.published", published))
	return published, nil
}
