package flowrelay

import (
	"context"

	"github.com/coregx/flowrelay/model"
)

// Locker grants cluster-wide mutual exclusion by key.
type Locker interface {
	// Acquire blocks until the lock for key is held or ctx is done.
	Acquire(ctx context.Context, key string) (Lock, error)
}

// Lock is a held cluster lock.
type Lock interface {
	// Release gives the lock up. Releasing a lock that expired is not an error.
	Release(ctx context.Context) error
}

// RelayLockKey returns the lock key serializing relays of one event type for one component.
func RelayLockKey(eventType model.EventType, componentPath string) string {
	return string(eventType) + "-" + componentPath
}
