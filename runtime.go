package flowrelay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/coregx/flowrelay/model"
	"github.com/coregx/flowrelay/retry"
)

// DefaultStageConcurrency is the number of workers per bus-fed stage.
const DefaultStageConcurrency = 5

// Runtime hosts the components of one node. It configures them, runs their stages on the bus,
// registers their relays with a RelayEngine and exposes start/stop control per component side.
//
// Key operations:
//   - Register: Add a component before Start
//   - Start: Configure every component, start the stages whose side is running, start relaying
//   - StopInbound/StartInbound, StopOutbound/StartOutbound, StopComponent/StartComponent
//   - Ingest: Record an ingress for an inbound communication point
//   - Requeue: Replay a quarantined hop
//
// Thread safety: Safe for concurrent use.
type Runtime struct {
	flows         *MessageFlowService
	bus           Bus
	locker        Locker
	config        ConfigurationStore
	quarantine    QuarantineRepository
	policies      *PolicyRegistry
	processors    *ProcessorRegistry
	strategy      retry.Strategy
	logger        Logger
	metrics       *Metrics
	notifications NotificationService
	concurrency   int
	relayOptions  []RelayOption

	engine *RelayEngine

	mu         sync.Mutex
	components map[string]*Component
	order      []string
	running    map[string]stopper

	ready     atomic.Bool
	runCtx    context.Context
	cancel    context.CancelFunc
	engineErr chan error
}

// stopper is a running stage: a bus subscription or an inbound adapter.
type stopper interface {
	Stop() error
}

// RuntimeOption is a function that configures a Runtime.
type RuntimeOption func(*Runtime) error

// NewRuntime creates a new Runtime with the provided options.
//
// Required options:
//   - WithRuntimeFlows: the message flow service
//   - WithRuntimeBus: the bus stages consume from and relays publish to
//   - WithRuntimeLocker: the cluster lock for relays
//   - WithConfigurationStore: route and component definitions
//   - WithQuarantine: where failed hops go
//   - WithRuntimeLogger: logger instance
//
// Optional options:
//   - WithPolicyRegistry, WithProcessorRegistry (defaults: built-ins)
//   - WithStageRetryStrategy (default: retry.DefaultStrategy)
//   - WithStageConcurrency (default: 5)
//   - WithRuntimeMetrics, WithRuntimeNotifications
//   - WithRelayOptions: extra options for the relay engine
//
// Example:
//
//	rt, err := flowrelay.NewRuntime(
//	    flowrelay.WithRuntimeFlows(flows),
//	    flowrelay.WithRuntimeBus(bus),
//	    flowrelay.WithRuntimeLocker(locker),
//	    flowrelay.WithConfigurationStore(configStore),
//	    flowrelay.WithQuarantine(quarantineRepo),
//	    flowrelay.WithRuntimeLogger(logger),
//	)
func NewRuntime(opts ...RuntimeOption) (*Runtime, error) {
	rt := &Runtime{
		policies:      NewPolicyRegistry(),
		processors:    NewProcessorRegistry(),
		strategy:      retry.DefaultStrategy(),
		notifications: &NoOpNotificationService{},
		concurrency:   DefaultStageConcurrency,
		components:    make(map[string]*Component),
		running:       make(map[string]stopper),
	}

	for _, opt := range opts {
		if err := opt(rt); err != nil {
			return nil, NewErrorWithCause(ErrCodeConfiguration, "failed to apply runtime option", err)
		}
	}

	if rt.flows == nil {
		return nil, NewError(ErrCodeConfiguration, "MessageFlowService is required (use WithRuntimeFlows)")
	}
	if rt.bus == nil {
		return nil, NewError(ErrCodeConfiguration, "Bus is required (use WithRuntimeBus)")
	}
	if rt.locker == nil {
		return nil, NewError(ErrCodeConfiguration, "Locker is required (use WithRuntimeLocker)")
	}
	if rt.config == nil {
		return nil, NewError(ErrCodeConfiguration, "ConfigurationStore is required (use WithConfigurationStore)")
	}
	if rt.quarantine == nil {
		return nil, NewError(ErrCodeConfiguration, "QuarantineRepository is required (use WithQuarantine)")
	}
	if rt.logger == nil {
		return nil, NewError(ErrCodeConfiguration, "Logger is required (use WithRuntimeLogger)")
	}

	engineOpts := append([]RelayOption{
		WithRelayFlows(rt.flows),
		WithRelayBus(rt.bus),
		WithRelayLocker(rt.locker),
		WithRelayLogger(rt.logger),
		WithRelayMetrics(rt.metrics),
		WithReadiness(rt.Ready),
	}, rt.relayOptions...)
	engine, err := NewRelayEngine(engineOpts...)
	if err != nil {
		return nil, err
	}
	rt.engine = engine

	return rt, nil
}

// WithRuntimeFlows sets the message flow service.
//
// This is a required option for NewRuntime.
func WithRuntimeFlows(flows *MessageFlowService) RuntimeOption {
	return func(rt *Runtime) error {
		if flows == nil {
			return fmt.Errorf("flows cannot be nil")
		}
		rt.flows = flows
		return nil
	}
}

// WithRuntimeBus sets the bus.
//
// This is a required option for NewRuntime.
func WithRuntimeBus(bus Bus) RuntimeOption {
	return func(rt *Runtime) error {
		if bus == nil {
			return fmt.Errorf("bus cannot be nil")
		}
		rt.bus = bus
		return nil
	}
}

// WithRuntimeLocker sets the cluster lock used by the relays.
//
// This is a required option for NewRuntime.
func WithRuntimeLocker(locker Locker) RuntimeOption {
	return func(rt *Runtime) error {
		if locker == nil {
			return fmt.Errorf("locker cannot be nil")
		}
		rt.locker = locker
		return nil
	}
}

// WithConfigurationStore sets the source of route and component definitions.
//
// This is a required option for NewRuntime.
func WithConfigurationStore(store ConfigurationStore) RuntimeOption {
	return func(rt *Runtime) error {
		if store == nil {
			return fmt.Errorf("configuration store cannot be nil")
		}
		rt.config = store
		return nil
	}
}

// WithQuarantine sets the repository failed hops are written to.
//
// This is a required option for NewRuntime.
func WithQuarantine(repo QuarantineRepository) RuntimeOption {
	return func(rt *Runtime) error {
		if repo == nil {
			return fmt.Errorf("quarantine repository cannot be nil")
		}
		rt.quarantine = repo
		return nil
	}
}

// WithRuntimeLogger sets the logger instance.
//
// This is a required option for NewRuntime.
func WithRuntimeLogger(logger Logger) RuntimeOption {
	return func(rt *Runtime) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		rt.logger = logger
		return nil
	}
}

// WithPolicyRegistry sets the registry policy names are resolved against.
func WithPolicyRegistry(registry *PolicyRegistry) RuntimeOption {
	return func(rt *Runtime) error {
		if registry == nil {
			return fmt.Errorf("policy registry cannot be nil")
		}
		rt.policies = registry
		return nil
	}
}

// WithProcessorRegistry sets the registry processor names are resolved against.
func WithProcessorRegistry(registry *ProcessorRegistry) RuntimeOption {
	return func(rt *Runtime) error {
		if registry == nil {
			return fmt.Errorf("processor registry cannot be nil")
		}
		rt.processors = registry
		return nil
	}
}

// WithStageRetryStrategy sets how often a failing stage retries a hop before quarantining it.
// This is an optional configuration - default is retry.DefaultStrategy().
func WithStageRetryStrategy(strategy retry.Strategy) RuntimeOption {
	return func(rt *Runtime) error {
		if strategy.MaxAttempts < 0 {
			return fmt.Errorf("max attempts cannot be negative, got %d", strategy.MaxAttempts)
		}
		rt.strategy = strategy
		return nil
	}
}

// WithStageConcurrency sets the number of workers per bus-fed stage.
// This is an optional configuration - default is 5.
func WithStageConcurrency(n int) RuntimeOption {
	return func(rt *Runtime) error {
		if n <= 0 {
			return fmt.Errorf("stage concurrency must be > 0, got %d", n)
		}
		rt.concurrency = n
		return nil
	}
}

// WithRuntimeMetrics sets the Prometheus collectors shared by stages and relays.
func WithRuntimeMetrics(metrics *Metrics) RuntimeOption {
	return func(rt *Runtime) error {
		rt.metrics = metrics
		return nil
	}
}

// WithRuntimeNotifications sets the notification service.
// This is an optional configuration - default is NoOpNotificationService.
func WithRuntimeNotifications(notifications NotificationService) RuntimeOption {
	return func(rt *Runtime) error {
		if notifications == nil {
			return fmt.Errorf("notification service cannot be nil")
		}
		rt.notifications = notifications
		return nil
	}
}

// WithRelayOptions passes extra options (batch size, poll interval, tracer) to the relay engine.
func WithRelayOptions(opts ...RelayOption) RuntimeOption {
	return func(rt *Runtime) error {
		rt.relayOptions = append(rt.relayOptions, opts...)
		return nil
	}
}

// Flows returns the message flow service.
func (rt *Runtime) Flows() *MessageFlowService {
	return rt.flows
}

// Engine returns the relay engine.
func (rt *Runtime) Engine() *RelayEngine {
	return rt.engine
}

// Ready reports whether Start has completed. Relays stay idle until then.
func (rt *Runtime) Ready() bool {
	return rt.ready.Load()
}

// Register adds a component. Components must be registered before Start.
func (rt *Runtime) Register(c *Component) error {
	if c == nil {
		return NewError(ErrCodeValidation, "component cannot be nil")
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.runCtx != nil {
		return NewError(ErrCodeValidation, "components must be registered before Start")
	}
	if _, exists := rt.components[c.Path()]; exists {
		return NewError(ErrCodeValidation, fmt.Sprintf("component %s is already registered", c.Path()))
	}
	rt.components[c.Path()] = c
	rt.order = append(rt.order, c.Path())
	return nil
}

// Component returns a registered component by path.
func (rt *Runtime) Component(path string) (*Component, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	c, ok := rt.components[path]
	return c, ok
}

// Components returns the paths of the registered components in registration order.
func (rt *Runtime) Components() []string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return append([]string(nil), rt.order...)
}

// RunningStages returns the names of the stages currently running, sorted.
func (rt *Runtime) RunningStages() []string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	names := make([]string, 0, len(rt.running))
	for name := range rt.running {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start configures every registered component, starts the sides the configuration store marks
// as running, registers the relays and starts relaying. A component that fails to configure is
// logged, left stopped, and reported in the returned error; the others still start.
func (rt *Runtime) Start(ctx context.Context) error {
	rt.mu.Lock()
	if rt.runCtx != nil {
		rt.mu.Unlock()
		return NewError(ErrCodeValidation, "runtime already started")
	}
	rt.runCtx, rt.cancel = context.WithCancel(ctx)
	runCtx := rt.runCtx
	order := append([]string(nil), rt.order...)
	rt.mu.Unlock()

	var errs []error
	for _, path := range order {
		c, _ := rt.Component(path)
		if err := rt.startComponent(runCtx, c); err != nil {
			rt.logger.Errorf("Component %s failed to start: %v", path, err)
			errs = append(errs, err)
		}
	}

	engineErr := make(chan error, 1)
	rt.mu.Lock()
	rt.engineErr = engineErr
	rt.mu.Unlock()
	go func() {
		engineErr <- rt.engine.Run(runCtx)
	}()

	rt.ready.Store(true)
	rt.logger.Infof("Runtime started: components=%d, stages=%d", len(order), len(rt.RunningStages()))
	return errors.Join(errs...)
}

func (rt *Runtime) startComponent(ctx context.Context, c *Component) error {
	if err := c.Configure(ctx, rt.config, rt.policies, rt.processors); err != nil {
		return err
	}
	for _, b := range c.Relays() {
		if err := rt.engine.Register(b); err != nil {
			return err
		}
	}

	crID := c.identifier.ComponentRouteID
	outbound, err := rt.config.IsOutboundRunning(ctx, crID)
	if err != nil {
		return wrapStoreError("failed to read outbound state of "+c.Path(), err)
	}
	inbound, err := rt.config.IsInboundRunning(ctx, crID)
	if err != nil {
		return wrapStoreError("failed to read inbound state of "+c.Path(), err)
	}

	// outbound first so nothing accepted inbound waits on a stopped processor
	if outbound {
		if err := rt.startSide(ctx, c, model.DirectionOutbound); err != nil {
			return err
		}
	}
	if inbound {
		if err := rt.startSide(ctx, c, model.DirectionInbound); err != nil {
			return err
		}
	}
	return nil
}

// startSide starts the stages of one side of a configured component. Running stages are left alone.
func (rt *Runtime) startSide(ctx context.Context, c *Component, direction model.Direction) error {
	for _, stage := range c.Stages() {
		if stage.Direction != direction {
			continue
		}
		rt.mu.Lock()
		_, running := rt.running[stage.Name]
		rt.mu.Unlock()
		if running {
			continue
		}

		s, err := rt.startStage(ctx, c, stage)
		if err != nil {
			return NewErrorWithCause(ErrCodeTransport, "failed to start stage "+stage.Name, err)
		}
		rt.mu.Lock()
		rt.running[stage.Name] = s
		rt.mu.Unlock()
		rt.logger.Debugf("Stage %s started", stage.Name)
	}
	return nil
}

func (rt *Runtime) startStage(ctx context.Context, c *Component, stage StageDescriptor) (stopper, error) {
	if stage.Kind == StageIngress {
		path := c.Path()
		ingest := func(ctx context.Context, msg IngressMessage) error {
			_, _, err := rt.Ingest(ctx, path, msg)
			return err
		}
		if err := c.spec.Inbound.Start(ctx, ingest); err != nil {
			return nil, err
		}
		return c.spec.Inbound, nil
	}

	h, err := rt.handlerFor(c, stage, false)
	if err != nil {
		return nil, err
	}
	h = rt.guard(c, stage, h)
	if stage.Source.Broadcast {
		return rt.bus.SubscribeTopic(ctx, stage.Source.Name, stage.Consumer, rt.concurrency, h)
	}
	return rt.bus.ConsumeQueue(ctx, stage.Source.Name, rt.concurrency, h)
}

// stopSide stops the running stages of one side of a component.
func (rt *Runtime) stopSide(c *Component, direction model.Direction) error {
	var errs []error
	for _, stage := range c.Stages() {
		if stage.Direction != direction {
			continue
		}
		rt.mu.Lock()
		s, running := rt.running[stage.Name]
		delete(rt.running, stage.Name)
		rt.mu.Unlock()
		if !running {
			continue
		}
		if err := s.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", stage.Name, err))
			continue
		}
		rt.logger.Debugf("Stage %s stopped", stage.Name)
	}
	return errors.Join(errs...)
}

func (rt *Runtime) controllable(path string) (*Component, context.Context, error) {
	rt.mu.Lock()
	c, ok := rt.components[path]
	ctx := rt.runCtx
	rt.mu.Unlock()
	if !ok {
		return nil, nil, NotFoundError("component", path)
	}
	if ctx == nil || !c.IsConfigured() {
		return nil, nil, NewError(ErrCodeValidation, fmt.Sprintf("component %s is not started", path))
	}
	return c, ctx, nil
}

func (rt *Runtime) setSide(ctx context.Context, path string, direction model.Direction, run bool) error {
	c, runCtx, err := rt.controllable(path)
	if err != nil {
		return err
	}
	if run {
		err = rt.startSide(runCtx, c, direction)
	} else {
		err = rt.stopSide(c, direction)
	}
	if err != nil {
		return err
	}
	if w, ok := rt.config.(RunningStateWriter); ok {
		crID := c.identifier.ComponentRouteID
		if direction == model.DirectionInbound {
			err = w.SetInboundRunning(ctx, crID, run)
		} else {
			err = w.SetOutboundRunning(ctx, crID, run)
		}
		if err != nil {
			rt.logger.Warnf("Failed to persist %s state of %s: %v", direction, path, err)
		}
	}

	state := "stopped"
	if run {
		state = "started"
	}
	rt.logger.Infof("Component %s %s side %s", path, direction, state)
	if notifyErr := rt.notifications.NotifyStateChanged(ctx, path, direction, run); notifyErr != nil {
		rt.logger.Warnf("Failed to send state change notification: %v", notifyErr)
	}
	return nil
}

// StopInbound stops the receiving stages of a component. Step ids published to it while
// stopped wait on the bus.
func (rt *Runtime) StopInbound(ctx context.Context, path string) error {
	return rt.setSide(ctx, path, model.DirectionInbound, false)
}

// StartInbound starts the receiving stages of a component.
func (rt *Runtime) StartInbound(ctx context.Context, path string) error {
	return rt.setSide(ctx, path, model.DirectionInbound, true)
}

// StopOutbound stops the processing and sending stages of a component.
func (rt *Runtime) StopOutbound(ctx context.Context, path string) error {
	return rt.setSide(ctx, path, model.DirectionOutbound, false)
}

// StartOutbound starts the processing and sending stages of a component.
func (rt *Runtime) StartOutbound(ctx context.Context, path string) error {
	return rt.setSide(ctx, path, model.DirectionOutbound, true)
}

// StopComponent stops both sides of a component.
func (rt *Runtime) StopComponent(ctx context.Context, path string) error {
	if err := rt.StopInbound(ctx, path); err != nil {
		return err
	}
	return rt.StopOutbound(ctx, path)
}

// StartComponent starts both sides of a component.
func (rt *Runtime) StartComponent(ctx context.Context, path string) error {
	if err := rt.StartOutbound(ctx, path); err != nil {
		return err
	}
	return rt.StartInbound(ctx, path)
}

// Ingest records an ingress for an inbound communication point: a new lineage whose first step
// carries the content and an inbound-complete event, committed together. It returns false when
// msg.Key was already ingested by the component, in which case nothing is recorded.
func (rt *Runtime) Ingest(ctx context.Context, path string, msg IngressMessage) (model.MessageFlowStep, bool, error) {
	c, ok := rt.Component(path)
	if !ok {
		return model.MessageFlowStep{}, false, NotFoundError("component", path)
	}
	if c.Archetype() != InboundCommunicationPoint {
		return model.MessageFlowStep{}, false, NewError(ErrCodeValidation,
			fmt.Sprintf("component %s is a %s, not an inbound communication point", path, c.Archetype()))
	}
	if !c.IsConfigured() {
		return model.MessageFlowStep{}, false, NewError(ErrCodeValidation, fmt.Sprintf("component %s is not started", path))
	}

	crID := c.identifier.ComponentRouteID
	var step model.MessageFlowStep
	recorded := false
	err := rt.flows.InTx(ctx, func(ctx context.Context, r *FlowRecorder) error {
		claimed, err := r.ClaimKey(ctx, crID, msg.Key)
		if err != nil || !claimed {
			return err
		}
		step, err = r.RecordFlowStep(ctx, StepRequest{
			ComponentRouteID: crID,
			Content:          msg.Content,
			Headers:          msg.Headers,
			ContentType:      c.spec.ContentType,
			Direction:        model.DirectionInbound,
		})
		if err != nil {
			return err
		}
		if _, err := r.RecordEvent(ctx, step.ID, model.EventInboundProcessingComplete); err != nil {
			return err
		}
		recorded = true
		return nil
	})
	if err != nil {
		return model.MessageFlowStep{}, false, err
	}
	if !recorded {
		rt.logger.Debugf("Ingress %q of %s was already recorded", msg.Key, path)
	}
	return step, recorded, nil
}

// Requeue replays a quarantined hop through the stage that gave up on it and resolves the entry
// when the replay succeeds. The replay runs once, without retries. A successful replay also lifts
// the error flag the quarantine put on the step.
func (rt *Runtime) Requeue(ctx context.Context, quarantineID int64, resolvedBy string) error {
	entry, err := rt.quarantine.Load(ctx, quarantineID)
	if err != nil {
		if IsNotFound(err) {
			return NotFoundError("quarantine entry", quarantineID)
		}
		return wrapStoreError("failed to load quarantine entry", err)
	}
	if entry.IsResolved {
		return nil
	}

	c, stage, err := rt.findStage(entry.ComponentRouteID, entry.Stage)
	if err != nil {
		return err
	}
	h, err := rt.handlerFor(c, stage, true)
	if err != nil {
		return err
	}
	if err := h(ctx, entry.StepID); err != nil {
		return err
	}

	entry.Resolve(resolvedBy, "requeued to "+stage.Name)
	if _, err := rt.quarantine.Save(ctx, entry); err != nil {
		return wrapStoreError("failed to resolve quarantine entry", err)
	}
	rt.logger.Infof("Quarantine entry %d requeued: step_id=%d, stage=%s", entry.ID, entry.StepID, stage.Name)
	return nil
}

func (rt *Runtime) findStage(componentRouteID int64, name string) (*Component, StageDescriptor, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for _, c := range rt.components {
		if !c.IsConfigured() || c.identifier.ComponentRouteID != componentRouteID {
			continue
		}
		for _, stage := range c.stages {
			if stage.Name == name {
				return c, stage, nil
			}
		}
	}
	return nil, StageDescriptor{}, NotFoundError("stage", name)
}

// Close stops every stage and the relay engine.
func (rt *Runtime) Close() error {
	rt.ready.Store(false)

	rt.mu.Lock()
	cancel := rt.cancel
	engineErr := rt.engineErr
	running := rt.running
	rt.running = make(map[string]stopper)
	rt.engineErr = nil
	rt.mu.Unlock()

	var errs []error
	for name, s := range running {
		if err := s.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", name, err))
		}
	}
	if cancel != nil {
		cancel()
		if engineErr != nil {
			if err := <-engineErr; err != nil && !errors.Is(err, context.Canceled) {
				errs = append(errs, err)
			}
		}
	}
	rt.logger.Info("Runtime stopped")
	return errors.Join(errs...)
}
