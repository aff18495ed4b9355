package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewDelivery(t *testing.T) {
	before := time.Now()
	d := NewDelivery(42, "outboundProcessor-hl7-splitter")

	assert.Equal(t, int64(42), d.StepID)
	assert.Equal(t, DeliveryStatusPending, d.Status)
	assert.Equal(t, 0, d.AttemptCount)
	assert.False(t, d.LastAttemptAt.Valid)
	assert.True(t, d.NextAttemptAt.Valid)
	assert.WithinDuration(t, before, d.FirstAttemptAt, time.Second)
}

func TestDelivery_MarkFailed(t *testing.T) {
	tests := []struct {
		name             string
		initialAttempts  int
		err              error
		retryAfter       time.Duration
		expectedAttempts int
		expectError      bool
	}{
		{
			name:             "first failure with error",
			initialAttempts:  0,
			err:              errors.New("database is locked"),
			retryAfter:       time.Second,
			expectedAttempts: 1,
			expectError:      true,
		},
		{
			name:             "later failure without error",
			initialAttempts:  4,
			err:              nil,
			retryAfter:       time.Second,
			expectedAttempts: 5,
			expectError:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDelivery(1, "stage")
			d.AttemptCount = tt.initialAttempts

			before := time.Now()
			d.MarkFailed(tt.err, tt.retryAfter)

			assert.Equal(t, DeliveryStatusFailed, d.Status)
			assert.Equal(t, tt.expectedAttempts, d.AttemptCount)
			assert.True(t, d.LastAttemptAt.Valid)
			assert.WithinDuration(t, before.Add(tt.retryAfter), d.NextAttemptAt.Time, time.Second)
			assert.Equal(t, tt.expectError, d.LastError.Valid)
		})
	}
}

func TestDelivery_CanAttempt(t *testing.T) {
	tests := []struct {
		name        string
		setup       func(*Delivery)
		maxAttempts int
		expected    error
	}{
		{name: "pending", setup: func(*Delivery) {}, maxAttempts: 3, expected: nil},
		{name: "done", setup: func(d *Delivery) { d.MarkDone() }, maxAttempts: 3, expected: ErrDeliveryAlreadyDone},
		{name: "exhausted", setup: func(d *Delivery) { d.AttemptCount = 3 }, maxAttempts: 3, expected: ErrMaxAttemptsExceeded},
		{name: "unlimited", setup: func(d *Delivery) { d.AttemptCount = 1000 }, maxAttempts: 0, expected: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDelivery(1, "stage")
			tt.setup(&d)

			assert.Equal(t, tt.expected, d.CanAttempt(tt.maxAttempts))
		})
	}
}

func TestDelivery_ShouldQuarantine(t *testing.T) {
	d := NewDelivery(1, "stage")
	for i := 0; i < 2; i++ {
		d.MarkFailed(errors.New("x"), 0)
	}

	assert.False(t, d.ShouldQuarantine(3))
	d.MarkFailed(errors.New("x"), 0)
	assert.True(t, d.ShouldQuarantine(3))
	assert.False(t, d.ShouldQuarantine(0))
}

func TestDelivery_GetTimeUntilRetry(t *testing.T) {
	d := NewDelivery(1, "stage")
	d.MarkFailed(errors.New("x"), time.Hour)

	wait, err := d.GetTimeUntilRetry()
	assert.NoError(t, err)
	assert.InDelta(t, float64(time.Hour), float64(wait), float64(time.Second))

	d.MarkDone()
	_, err = d.GetTimeUntilRetry()
	assert.Equal(t, ErrNoRetryScheduled, err)
}

func TestDomainError(t *testing.T) {
	assert.Equal(t, "Maximum delivery attempts exceeded", ErrMaxAttemptsExceeded.Error())
	assert.Equal(t, "MAX_ATTEMPTS", ErrMaxAttemptsExceeded.Code)
}
