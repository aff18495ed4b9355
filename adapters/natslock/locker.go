// Package natslock implements flowrelay.Locker over a NATS JetStream key-value bucket.
//
// Acquiring a lock creates its key; the create fails while another holder owns it. Releasing
// deletes the key only at the revision the holder created, so a lock that expired and was taken by
// someone else is left alone. The bucket TTL bounds how long a crashed holder blocks the key.
package natslock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/coregx/flowrelay"
)

// Defaults.
const (
	DefaultBucket    = "flowrelay_locks"
	DefaultTTL       = 30 * time.Second
	DefaultRetryWait = 50 * time.Millisecond
)

// Locker implements flowrelay.Locker.
type Locker struct {
	kv        jetstream.KeyValue
	retryWait time.Duration
}

// Option configures a Locker.
type Option func(*config) error

type config struct {
	bucket    string
	ttl       time.Duration
	retryWait time.Duration
}

// WithBucket sets the bucket name. Default: flowrelay_locks.
func WithBucket(name string) Option {
	return func(c *config) error {
		if name == "" {
			return fmt.Errorf("bucket cannot be empty")
		}
		c.bucket = name
		return nil
	}
}

// WithTTL sets the lease of a lock. Default: 30s.
func WithTTL(ttl time.Duration) Option {
	return func(c *config) error {
		if ttl <= 0 {
			return fmt.Errorf("ttl must be > 0, got %v", ttl)
		}
		c.ttl = ttl
		return nil
	}
}

// WithRetryWait sets the pause between attempts on a held lock. Default: 50ms.
func WithRetryWait(d time.Duration) Option {
	return func(c *config) error {
		if d <= 0 {
			return fmt.Errorf("retry wait must be > 0, got %v", d)
		}
		c.retryWait = d
		return nil
	}
}

// New opens the lock bucket, creating it if needed.
func New(ctx context.Context, js jetstream.JetStream, opts ...Option) (*Locker, error) {
	cfg := config{bucket: DefaultBucket, ttl: DefaultTTL, retryWait: DefaultRetryWait}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, flowrelay.NewErrorWithCause(flowrelay.ErrCodeConfiguration, "failed to apply locker option", err)
		}
	}

	kv, err := js.KeyValue(ctx, cfg.bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:  cfg.bucket,
			TTL:     cfg.ttl,
			History: 1,
			Storage: jetstream.FileStorage,
		})
		if errors.Is(err, jetstream.ErrBucketExists) {
			kv, err = js.KeyValue(ctx, cfg.bucket)
		}
	}
	if err != nil {
		return nil, flowrelay.NewErrorWithCause(flowrelay.ErrCodeLock, "failed to open lock bucket "+cfg.bucket, err)
	}
	return &Locker{kv: kv, retryWait: cfg.retryWait}, nil
}

// keyName maps a lock key onto the characters a KV key accepts.
func keyName(key string) string {
	return strings.NewReplacer(" ", "_", "*", "_", ">", "_", ":", "_").Replace(key)
}

// Acquire blocks until the key is created by this caller or ctx is done.
func (l *Locker) Acquire(ctx context.Context, key string) (flowrelay.Lock, error) {
	name := keyName(key)
	owner := []byte(uuid.NewString())
	for {
		rev, err := l.kv.Create(ctx, name, owner)
		if err == nil {
			return &lock{kv: l.kv, key: name, revision: rev}, nil
		}
		if !errors.Is(err, jetstream.ErrKeyExists) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, flowrelay.NewErrorWithCause(flowrelay.ErrCodeLock, "failed to acquire lock "+key, err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retryWait):
		}
	}
}

type lock struct {
	kv       jetstream.KeyValue
	key      string
	revision uint64
}

func (l *lock) Release(ctx context.Context) error {
	err := l.kv.Delete(ctx, l.key, jetstream.LastRevision(l.revision))
	if err == nil || errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence {
		// expired and taken over
		return nil
	}
	return flowrelay.NewErrorWithCause(flowrelay.ErrCodeLock, "failed to release lock "+l.key, err)
}
