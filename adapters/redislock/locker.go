// Package redislock implements flowrelay.Locker on Redis.
//
// A lock is a key set with SET NX PX holding a random owner token. Release deletes the key only
// while it still holds that token, so an expired lock taken over by another node is not released
// by its former holder.
package redislock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/coregx/flowrelay"
)

// Defaults.
const (
	DefaultPrefix    = "flowrelay:lock:"
	DefaultTTL       = 30 * time.Second
	DefaultRetryWait = 50 * time.Millisecond
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker implements flowrelay.Locker.
type Locker struct {
	client    redis.UniversalClient
	prefix    string
	ttl       time.Duration
	retryWait time.Duration
}

// Option configures a Locker.
type Option func(*Locker) error

// WithPrefix sets the key prefix. Default: flowrelay:lock:.
func WithPrefix(prefix string) Option {
	return func(l *Locker) error {
		l.prefix = prefix
		return nil
	}
}

// WithTTL sets the lease of a lock. Default: 30s.
func WithTTL(ttl time.Duration) Option {
	return func(l *Locker) error {
		if ttl <= 0 {
			return fmt.Errorf("ttl must be > 0, got %v", ttl)
		}
		l.ttl = ttl
		return nil
	}
}

// WithRetryWait sets the pause between attempts on a held lock. Default: 50ms.
func WithRetryWait(d time.Duration) Option {
	return func(l *Locker) error {
		if d <= 0 {
			return fmt.Errorf("retry wait must be > 0, got %v", d)
		}
		l.retryWait = d
		return nil
	}
}

// New creates a Locker over a Redis client.
func New(client redis.UniversalClient, opts ...Option) (*Locker, error) {
	if client == nil {
		return nil, flowrelay.NewError(flowrelay.ErrCodeConfiguration, "redis client is required")
	}
	l := &Locker{client: client, prefix: DefaultPrefix, ttl: DefaultTTL, retryWait: DefaultRetryWait}
	for _, opt := range opts {
		if err := opt(l); err != nil {
			return nil, flowrelay.NewErrorWithCause(flowrelay.ErrCodeConfiguration, "failed to apply locker option", err)
		}
	}
	return l, nil
}

// Acquire blocks until the key is set by this caller or ctx is done.
func (l *Locker) Acquire(ctx context.Context, key string) (flowrelay.Lock, error) {
	name := l.prefix + key
	token := uuid.NewString()
	for {
		ok, err := l.client.SetNX(ctx, name, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, flowrelay.NewErrorWithCause(flowrelay.ErrCodeLock, "failed to acquire lock "+key, err)
		}
		if ok {
			return &lock{client: l.client, key: name, token: token}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retryWait):
		}
	}
}

type lock struct {
	client redis.UniversalClient
	key    string
	token  string
}

func (l *lock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil && err != redis.Nil {
		return flowrelay.NewErrorWithCause(flowrelay.ErrCodeLock, "failed to release lock "+l.key, err)
	}
	return nil
}
