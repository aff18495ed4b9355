package flowrelay_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coregx/flowrelay"
	"github.com/coregx/flowrelay/adapters/memory"
	"github.com/coregx/flowrelay/model"
)

func testBinding(crID int64) flowrelay.RelayBinding {
	id := model.NewComponentIdentifier("fromFolder", "orders", 10, 20, crID)
	return flowrelay.RelayBinding{
		Identifier:  id,
		EventType:   model.EventInboundProcessingComplete,
		Destination: flowrelay.Queue(flowrelay.InboundQueueName(id.Path())),
	}
}

func newEngine(t *testing.T, flows *flowrelay.MessageFlowService, bus flowrelay.Bus, opts ...flowrelay.RelayOption) *flowrelay.RelayEngine {
	t.Helper()
	engine, err := flowrelay.NewRelayEngine(append([]flowrelay.RelayOption{
		flowrelay.WithRelayFlows(flows),
		flowrelay.WithRelayBus(bus),
		flowrelay.WithRelayLocker(memory.NewLocker()),
		flowrelay.WithRelayLogger(&flowrelay.NoopLogger{}),
	}, opts...)...)
	require.NoError(t, err)
	return engine
}

func TestNewRelayEngine_RequiredOptions(t *testing.T) {
	flows, _ := newFlows(t)
	bus := &recordingBus{}

	tests := []struct {
		name string
		opts []flowrelay.RelayOption
	}{
		{name: "no flows", opts: []flowrelay.RelayOption{
			flowrelay.WithRelayBus(bus), flowrelay.WithRelayLocker(memory.NewLocker()), flowrelay.WithRelayLogger(&flowrelay.NoopLogger{}),
		}},
		{name: "no bus", opts: []flowrelay.RelayOption{
			flowrelay.WithRelayFlows(flows), flowrelay.WithRelayLocker(memory.NewLocker()), flowrelay.WithRelayLogger(&flowrelay.NoopLogger{}),
		}},
		{name: "no locker", opts: []flowrelay.RelayOption{
			flowrelay.WithRelayFlows(flows), flowrelay.WithRelayBus(bus), flowrelay.WithRelayLogger(&flowrelay.NoopLogger{}),
		}},
		{name: "no logger", opts: []flowrelay.RelayOption{
			flowrelay.WithRelayFlows(flows), flowrelay.WithRelayBus(bus), flowrelay.WithRelayLocker(memory.NewLocker()),
		}},
		{name: "bad batch size", opts: []flowrelay.RelayOption{flowrelay.WithRelayBatchSize(0)}},
		{name: "bad poll interval", opts: []flowrelay.RelayOption{flowrelay.WithPollInterval(-time.Second)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := flowrelay.NewRelayEngine(tt.opts...)
			require.Error(t, err)
			assert.True(t, flowrelay.IsConfiguration(err))
		})
	}
}

func TestRelayEngine_Register_Validation(t *testing.T) {
	flows, _ := newFlows(t)
	engine := newEngine(t, flows, &recordingBus{})

	valid := testBinding(1)
	require.NoError(t, engine.Register(valid))
	assert.Len(t, engine.Bindings(), 1)

	unresolved := valid
	unresolved.Identifier = model.ComponentIdentifier{ComponentName: "x", RouteName: "y"}
	assert.Error(t, engine.Register(unresolved))

	noDestination := valid
	noDestination.Destination = flowrelay.Destination{}
	assert.Error(t, engine.Register(noDestination))

	badType := valid
	badType.EventType = "NOPE"
	assert.Error(t, engine.Register(badType))
}

func TestRelayEngine_Drain_PublishesInOrderAndDeletes(t *testing.T) {
	ctx := context.Background()
	flows, _ := newFlows(t)
	bus := &recordingBus{}
	engine := newEngine(t, flows, bus)
	b := testBinding(1)

	var steps []int64
	for _, c := range []string{"one", "two", "three"} {
		steps = append(steps, ingress(t, flows, 1, c, model.EventInboundProcessingComplete).ID)
	}
	// another component's events stay put
	ingress(t, flows, 2, "other", model.EventInboundProcessingComplete)

	n, err := engine.Drain(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	got := bus.published()
	require.Len(t, got, 3)
	for i, p := range got {
		assert.Equal(t, "inboundProcessingComplete-orders-fromFolder", p.Destination)
		assert.Equal(t, steps[i], p.StepID)
	}

	pending, err := flows.GetPendingEvents(ctx, 1, model.EventInboundProcessingComplete, 20)
	require.NoError(t, err)
	assert.Empty(t, pending)
	pending, err = flows.GetPendingEvents(ctx, 2, model.EventInboundProcessingComplete, 20)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestRelayEngine_Drain_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	flows, _ := newFlows(t)
	bus := &recordingBus{}
	engine := newEngine(t, flows, bus)
	b := testBinding(1)

	ingress(t, flows, 1, "HELLO", model.EventInboundProcessingComplete)

	n, err := engine.Drain(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = engine.Drain(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Len(t, bus.published(), 1)
}

func TestRelayEngine_Drain_BatchSize(t *testing.T) {
	ctx := context.Background()
	flows, _ := newFlows(t)
	bus := &recordingBus{}
	engine := newEngine(t, flows, bus, flowrelay.WithRelayBatchSize(2))
	b := testBinding(1)

	for i := 0; i < 5; i++ {
		ingress(t, flows, 1, "x", model.EventInboundProcessingComplete)
	}

	for _, expected := range []int{2, 2, 1, 0} {
		n, err := engine.Drain(ctx, b)
		require.NoError(t, err)
		assert.Equal(t, expected, n)
	}
}

func TestRelayEngine_Drain_PublishFailureKeepsEvent(t *testing.T) {
	ctx := context.Background()
	flows, _ := newFlows(t)

	first := ingress(t, flows, 1, "first", model.EventInboundProcessingComplete)
	second := ingress(t, flows, 1, "second", model.EventInboundProcessingComplete)
	third := ingress(t, flows, 1, "third", model.EventInboundProcessingComplete)

	broken := true
	bus := &recordingBus{fail: func(_ string, stepID int64) bool {
		return broken && stepID == second.ID
	}}
	engine := newEngine(t, flows, bus)
	b := testBinding(1)

	n, err := engine.Drain(ctx, b)
	require.Error(t, err)
	assert.Equal(t, flowrelay.ErrCodeTransport, flowrelay.Code(err))
	assert.Equal(t, 1, n)

	// the failed event and everything after it wait for the next cycle
	pending, err := flows.GetPendingEvents(ctx, 1, model.EventInboundProcessingComplete, 20)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, second.ID, pending[0].StepID)
	assert.Equal(t, third.ID, pending[1].StepID)

	bus.mu.Lock()
	broken = false
	bus.mu.Unlock()

	n, err = engine.Drain(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var order []int64
	for _, p := range bus.published() {
		order = append(order, p.StepID)
	}
	assert.Equal(t, []int64{first.ID, second.ID, third.ID}, order)
}

func TestRelayEngine_Drain_SkipsUntilReady(t *testing.T) {
	ctx := context.Background()
	flows, _ := newFlows(t)
	bus := &recordingBus{}

	ready := false
	engine := newEngine(t, flows, bus, flowrelay.WithReadiness(func() bool { return ready }))
	b := testBinding(1)
	ingress(t, flows, 1, "x", model.EventInboundProcessingComplete)

	n, err := engine.Drain(ctx, b)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, bus.published())

	ready = true
	n, err = engine.Drain(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRelayEngine_ConcurrentPollersPublishEachEventOnce(t *testing.T) {
	ctx := context.Background()
	flows, _ := newFlows(t)
	bus := &recordingBus{}
	locker := memory.NewLocker()

	const events = 200
	for i := 0; i < events; i++ {
		ingress(t, flows, 1, "x", model.EventInboundProcessingComplete)
	}

	// several engines share the locker, like nodes sharing a cluster lock
	var engines []*flowrelay.RelayEngine
	for i := 0; i < 4; i++ {
		engine, err := flowrelay.NewRelayEngine(
			flowrelay.WithRelayFlows(flows),
			flowrelay.WithRelayBus(bus),
			flowrelay.WithRelayLocker(locker),
			flowrelay.WithRelayLogger(&flowrelay.NoopLogger{}),
			flowrelay.WithRelayBatchSize(7),
		)
		require.NoError(t, err)
		engines = append(engines, engine)
	}

	b := testBinding(1)
	var wg sync.WaitGroup
	for _, engine := range engines {
		for p := 0; p < 3; p++ {
			wg.Add(1)
			go func(engine *flowrelay.RelayEngine) {
				defer wg.Done()
				for {
					n, err := engine.Drain(ctx, b)
					if !assert.NoError(t, err) || n == 0 {
						return
					}
				}
			}(engine)
		}
	}
	wg.Wait()

	got := bus.published()
	require.Len(t, got, events)
	seen := make(map[int64]bool, events)
	last := int64(0)
	for _, p := range got {
		assert.False(t, seen[p.StepID], "step %d published twice", p.StepID)
		seen[p.StepID] = true
		assert.Greater(t, p.StepID, last, "published out of order")
		last = p.StepID
	}
}

func TestRelayEngine_Run(t *testing.T) {
	flows, _ := newFlows(t)
	bus := &recordingBus{}
	engine := newEngine(t, flows, bus, flowrelay.WithPollInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx) }()

	// bindings registered while running start immediately
	require.NoError(t, engine.Register(testBinding(1)))
	ingress(t, flows, 1, "HELLO", model.EventInboundProcessingComplete)

	require.Eventually(t, func() bool { return len(bus.published()) == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop")
	}
}

func TestRelayEngine_Metrics(t *testing.T) {
	ctx := context.Background()
	flows, _ := newFlows(t)
	reg := prometheus.NewRegistry()
	metrics, err := flowrelay.NewMetrics(reg)
	require.NoError(t, err)

	bus := &recordingBus{}
	engine := newEngine(t, flows, bus, flowrelay.WithRelayMetrics(metrics))
	b := testBinding(1)
	for i := 0; i < 3; i++ {
		ingress(t, flows, 1, "x", model.EventInboundProcessingComplete)
	}

	_, err = engine.Drain(ctx, b)
	require.NoError(t, err)

	labels := []string{"orders-fromFolder", string(model.EventInboundProcessingComplete)}
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.EventsRelayed.WithLabelValues(labels...)))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.RelayErrors.WithLabelValues(labels...)))

	_, err = flowrelay.NewMetrics(reg)
	assert.Error(t, err, "registering twice must fail")
}
