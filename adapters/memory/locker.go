package memory

import (
	"context"
	"sync"

	"github.com/coregx/flowrelay"
)

// Locker implements flowrelay.Locker for a single process.
type Locker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewLocker creates a locker.
func NewLocker() *Locker {
	return &Locker{slots: make(map[string]chan struct{})}
}

// Acquire blocks until key is free or ctx is done.
func (l *Locker) Acquire(ctx context.Context, key string) (flowrelay.Lock, error) {
	l.mu.Lock()
	slot, ok := l.slots[key]
	if !ok {
		slot = make(chan struct{}, 1)
		l.slots[key] = slot
	}
	l.mu.Unlock()

	select {
	case slot <- struct{}{}:
		return &lock{slot: slot}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type lock struct {
	slot chan struct{}
	once sync.Once
}

func (l *lock) Release(_ context.Context) error {
	l.once.Do(func() { <-l.slot })
	return nil
}
