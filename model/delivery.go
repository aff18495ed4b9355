package model

import (
	"database/sql"
	"time"
)

// DeliveryStatus is the state of a step id being handled by a stage.
type DeliveryStatus string

const (
	// DeliveryStatusPending indicates the hop has not been attempted yet.
	DeliveryStatusPending DeliveryStatus = "pending"

	// DeliveryStatusDone indicates the stage handled the hop.
	DeliveryStatusDone DeliveryStatus = "done"

	// DeliveryStatusFailed indicates the last attempt failed and another may follow.
	DeliveryStatusFailed DeliveryStatus = "failed"
)

// Delivery tracks the attempts a stage makes on one received step id.
//
// Lifecycle:
//  1. Created pending when the bus hands the step id to a stage
//  2. Each attempt ends in MarkDone or MarkFailed
//  3. Failed deliveries are retried after a delay
//  4. Once the quarantine threshold is reached the hop is quarantined and acknowledged
type Delivery struct {
	StepID         int64
	Stage          string
	Status         DeliveryStatus
	AttemptCount   int
	FirstAttemptAt time.Time
	LastAttemptAt  sql.NullTime
	NextAttemptAt  sql.NullTime
	LastError      sql.NullString
}

// NewDelivery creates a pending delivery for a received step id.
func NewDelivery(stepID int64, stage string) Delivery {
	now := time.Now()
	return Delivery{
		StepID:         stepID,
		Stage:          stage,
		Status:         DeliveryStatusPending,
		FirstAttemptAt: now,
		NextAttemptAt:  sql.NullTime{Time: now, Valid: true},
	}
}

// MarkFailed records a failed attempt and schedules the next one.
func (d *Delivery) MarkFailed(err error, retryAfter time.Duration) {
	now := time.Now()
	d.Status = DeliveryStatusFailed
	d.AttemptCount++
	d.LastAttemptAt = sql.NullTime{Time: now, Valid: true}
	d.NextAttemptAt = sql.NullTime{Time: now.Add(retryAfter), Valid: true}
	if err != nil {
		d.LastError = sql.NullString{String: err.Error(), Valid: true}
	}
}

// MarkDone records a successful attempt.
func (d *Delivery) MarkDone() {
	now := time.Now()
	d.Status = DeliveryStatusDone
	d.AttemptCount++
	d.LastAttemptAt = sql.NullTime{Time: now, Valid: true}
	d.NextAttemptAt = sql.NullTime{}
}

// CanAttempt validates whether another attempt is allowed. maxAttempts of 0 means unlimited.
func (d *Delivery) CanAttempt(maxAttempts int) error {
	if d.Status == DeliveryStatusDone {
		return ErrDeliveryAlreadyDone
	}
	if maxAttempts > 0 && d.AttemptCount >= maxAttempts {
		return ErrMaxAttemptsExceeded
	}
	return nil
}

// ShouldQuarantine reports whether the failed delivery reached the quarantine threshold.
// A threshold of 0 disables quarantine.
func (d *Delivery) ShouldQuarantine(threshold int) bool {
	return threshold > 0 && d.AttemptCount >= threshold && d.Status == DeliveryStatusFailed
}

// GetTimeUntilRetry returns the time left before the next attempt, or 0 when it is due.
func (d *Delivery) GetTimeUntilRetry() (time.Duration, error) {
	if !d.NextAttemptAt.Valid {
		return 0, ErrNoRetryScheduled
	}
	wait := time.Until(d.NextAttemptAt.Time)
	if wait < 0 {
		return 0, nil
	}
	return wait, nil
}

// Domain errors returned by Delivery business logic methods.
var (
	// ErrDeliveryAlreadyDone indicates the stage already handled the hop.
	ErrDeliveryAlreadyDone = DomainError{Code: "ALREADY_DONE", Message: "Delivery already done"}

	// ErrMaxAttemptsExceeded indicates the delivery reached the maximum attempts.
	ErrMaxAttemptsExceeded = DomainError{Code: "MAX_ATTEMPTS", Message: "Maximum delivery attempts exceeded"}

	// ErrNoRetryScheduled indicates no retry time has been set.
	ErrNoRetryScheduled = DomainError{Code: "NO_RETRY", Message: "No retry scheduled"}
)

// DomainError represents a domain-level business rule violation.
type DomainError struct {
	Code    string
	Message string
}

func (e DomainError) Error() string {
	return e.Message
}
