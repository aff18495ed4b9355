package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTime = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

type collector struct {
	mu  sync.Mutex
	ids []int64
}

func (c *collector) handle(_ context.Context, id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, id)
	return nil
}

func (c *collector) got() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int64(nil), c.ids...)
}

func TestBus_QueueDeliversEachStepOnce(t *testing.T) {
	ctx := context.Background()
	b := NewBus()

	var c collector
	sub, err := b.ConsumeQueue(ctx, "inboundProcessingComplete-r-c", 4, c.handle)
	require.NoError(t, err)
	defer sub.Stop()

	for i := int64(1); i <= 50; i++ {
		require.NoError(t, b.Send(ctx, "inboundProcessingComplete-r-c", i))
	}

	require.Eventually(t, func() bool { return len(c.got()) == 50 }, 2*time.Second, 10*time.Millisecond)
	seen := make(map[int64]bool)
	for _, id := range c.got() {
		assert.False(t, seen[id], "step %d delivered twice", id)
		seen[id] = true
	}
}

func TestBus_QueueKeepsStepsUntilConsumed(t *testing.T) {
	ctx := context.Background()
	b := NewBus()

	require.NoError(t, b.Send(ctx, "readyForSending-r-out", 1))
	require.NoError(t, b.Send(ctx, "readyForSending-r-out", 2))
	assert.Equal(t, 2, b.Pending("readyForSending-r-out"))

	var c collector
	sub, err := b.ConsumeQueue(ctx, "readyForSending-r-out", 1, c.handle)
	require.NoError(t, err)
	defer sub.Stop()

	require.Eventually(t, func() bool { return len(c.got()) == 2 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []int64{1, 2}, c.got())
}

func TestBus_TopicDurableSubscriptions(t *testing.T) {
	ctx := context.Background()
	b := NewBus()

	var first, second collector
	subA, err := b.SubscribeTopic(ctx, "VirtualTopic.r-in", "r-a", 1, first.handle)
	require.NoError(t, err)
	subB, err := b.SubscribeTopic(ctx, "VirtualTopic.r-in", "r-b", 1, second.handle)
	require.NoError(t, err)

	require.NoError(t, b.Broadcast(ctx, "VirtualTopic.r-in", 1))
	require.Eventually(t, func() bool { return len(first.got()) == 1 && len(second.got()) == 1 }, time.Second, 10*time.Millisecond)

	// a stopped durable subscription keeps collecting
	require.NoError(t, subB.Stop())
	require.NoError(t, b.Broadcast(ctx, "VirtualTopic.r-in", 2))
	require.Eventually(t, func() bool { return len(first.got()) == 2 }, time.Second, 10*time.Millisecond)
	assert.Len(t, second.got(), 1)

	subB, err = b.SubscribeTopic(ctx, "VirtualTopic.r-in", "r-b", 1, second.handle)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(second.got()) == 2 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []int64{1, 2}, second.got())

	require.NoError(t, subA.Stop())
	require.NoError(t, subB.Stop())
}

func TestBus_RedeliversOnHandlerError(t *testing.T) {
	ctx := context.Background()
	b := NewBus()

	var calls atomic.Int32
	done := make(chan struct{})
	sub, err := b.ConsumeQueue(ctx, "q", 1, func(_ context.Context, id int64) error {
		if calls.Add(1) < 3 {
			return errors.New("not yet")
		}
		close(done)
		return nil
	})
	require.NoError(t, err)
	defer sub.Stop()

	require.NoError(t, b.Send(ctx, "q", 9))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("step was not redelivered")
	}
	assert.Equal(t, int32(3), calls.Load())
}

func TestBus_Closed(t *testing.T) {
	b := NewBus()
	require.NoError(t, b.Close())
	assert.Error(t, b.Send(context.Background(), "q", 1))
	assert.Error(t, b.Broadcast(context.Background(), "t", 1))
}

func TestLocker_MutualExclusion(t *testing.T) {
	ctx := context.Background()
	l := NewLocker()

	var holders, maxHolders atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				lock, err := l.Acquire(ctx, "COMPONENT_INBOUND_PROCESSING_COMPLETE-r-c")
				if !assert.NoError(t, err) {
					return
				}
				n := holders.Add(1)
				for {
					m := maxHolders.Load()
					if n <= m || maxHolders.CompareAndSwap(m, n) {
						break
					}
				}
				holders.Add(-1)
				assert.NoError(t, lock.Release(ctx))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxHolders.Load())
}

func TestLocker_AcquireHonoursContext(t *testing.T) {
	l := NewLocker()
	held, err := l.Acquire(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, held.Release(context.Background()))
	require.NoError(t, held.Release(context.Background()))
	again, err := l.Acquire(context.Background(), "k")
	require.NoError(t, err)
	require.NoError(t, again.Release(context.Background()))
}

func TestConfigStore(t *testing.T) {
	ctx := context.Background()
	s := NewConfigStore()
	binding := s.Define("orders", "fromFolder", map[string]string{"SOURCE_FOLDER": "/in"})

	route, err := s.GetRouteByName(ctx, "orders")
	require.NoError(t, err)
	comp, err := s.GetComponentByName(ctx, "fromFolder")
	require.NoError(t, err)
	assert.Equal(t, "/in", comp.Properties["SOURCE_FOLDER"])

	got, err := s.GetComponentRoute(ctx, comp.ID, route.ID)
	require.NoError(t, err)
	assert.Equal(t, binding.ID, got.ID)

	running, err := s.IsInboundRunning(ctx, binding.ID)
	require.NoError(t, err)
	assert.True(t, running)

	require.NoError(t, s.SetInboundRunning(ctx, binding.ID, false))
	running, err = s.IsInboundRunning(ctx, binding.ID)
	require.NoError(t, err)
	assert.False(t, running)

	_, err = s.GetRouteByName(ctx, "missing")
	assert.Error(t, err)
	_, err = s.IsOutboundRunning(ctx, 999)
	assert.Error(t, err)
}
