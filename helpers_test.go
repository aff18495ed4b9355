package flowrelay_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coregx/flowrelay"
	"github.com/coregx/flowrelay/adapters/memory"
	"github.com/coregx/flowrelay/model"
)

func newFlows(t *testing.T) (*flowrelay.MessageFlowService, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	flows, err := flowrelay.NewMessageFlowService(
		flowrelay.WithFlowStore(store),
		flowrelay.WithFlowLogger(&flowrelay.NoopLogger{}),
	)
	require.NoError(t, err)
	return flows, store
}

// ingress records a root step with an event, the way an inbound communication point does.
func ingress(t *testing.T, flows *flowrelay.MessageFlowService, crID int64, content string, eventType model.EventType) model.MessageFlowStep {
	t.Helper()
	var step model.MessageFlowStep
	err := flows.InTx(context.Background(), func(ctx context.Context, r *flowrelay.FlowRecorder) error {
		var err error
		step, err = r.RecordFlowStep(ctx, flowrelay.StepRequest{
			ComponentRouteID: crID,
			Content:          content,
			Direction:        model.DirectionInbound,
		})
		if err != nil {
			return err
		}
		_, err = r.RecordEvent(ctx, step.ID, eventType)
		return err
	})
	require.NoError(t, err)
	return step
}

type published struct {
	Destination string
	StepID      int64
}

// recordingBus records publishes and can be told to fail them.
type recordingBus struct {
	mu   sync.Mutex
	sent []published
	fail func(destination string, stepID int64) bool
}

func (b *recordingBus) record(destination string, stepID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail != nil && b.fail(destination, stepID) {
		return errors.New("broker unavailable")
	}
	b.sent = append(b.sent, published{Destination: destination, StepID: stepID})
	return nil
}

func (b *recordingBus) Send(_ context.Context, queue string, stepID int64) error {
	return b.record(queue, stepID)
}

func (b *recordingBus) Broadcast(_ context.Context, topic string, stepID int64) error {
	return b.record(topic, stepID)
}

func (b *recordingBus) ConsumeQueue(context.Context, string, int, flowrelay.Handler) (flowrelay.Subscription, error) {
	return nil, errors.New("not supported")
}

func (b *recordingBus) SubscribeTopic(context.Context, string, string, int, flowrelay.Handler) (flowrelay.Subscription, error) {
	return nil, errors.New("not supported")
}

func (b *recordingBus) Close() error { return nil }

func (b *recordingBus) published() []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]published(nil), b.sent...)
}

// captureAdapter is an outbound adapter that keeps what it was sent.
type captureAdapter struct {
	mu   sync.Mutex
	msgs []flowrelay.OutboundMessage
	fail error
}

func (a *captureAdapter) Send(_ context.Context, msg flowrelay.OutboundMessage) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail != nil {
		return a.fail
	}
	a.msgs = append(a.msgs, msg)
	return nil
}

func (a *captureAdapter) setFail(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fail = err
}

func (a *captureAdapter) contents() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.msgs))
	for _, m := range a.msgs {
		out = append(out, m.Content)
	}
	return out
}

// manualInbound is an inbound adapter driven by the test through Runtime.Ingest.
type manualInbound struct {
	mu      sync.Mutex
	started int
	stopped int
}

func (a *manualInbound) Start(context.Context, flowrelay.IngestFunc) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.started++
	return nil
}

func (a *manualInbound) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped++
	return nil
}
