package model

import (
	"time"
)

// QuarantinedMessage is a hop that failed after exhausting its retry attempts.
// The bus message was acknowledged; the entry keeps everything needed to replay it.
//
// Business logic methods:
//   - Resolve: Mark the entry as handled by an operator
//   - GetAge: Time spent in quarantine
//   - IsOld: Check if the entry needs attention
type QuarantinedMessage struct {
	ID               int64 `json:"id" db:"id"`
	ComponentRouteID int64 `json:"componentRouteId" db:"component_route_id"`
	StepID           int64 `json:"stepId" db:"message_flow_step_id"`

	// Where the step id was consumed from, so it can be replayed there.
	Stage       string `json:"stage" db:"stage"`
	Destination string `json:"destination" db:"destination"`
	Broadcast   bool   `json:"broadcast" db:"broadcast"`

	// Failure information
	AttemptCount  int    `json:"attemptCount" db:"attempt_count"`
	LastError     string `json:"lastError" db:"last_error"`
	ErrorCode     string `json:"errorCode" db:"error_code"`
	FailureReason string `json:"failureReason" db:"failure_reason"`

	FirstAttemptAt time.Time `json:"firstAttemptAt" db:"first_attempt_at"`
	LastAttemptAt  time.Time `json:"lastAttemptAt" db:"last_attempt_at"`
	QuarantinedAt  time.Time `json:"quarantinedAt" db:"quarantined_at"`

	// Lifecycle
	IsResolved     bool       `json:"isResolved" db:"is_resolved"`
	ResolvedAt     *time.Time `json:"resolvedAt" db:"resolved_at"`
	ResolvedBy     string     `json:"resolvedBy" db:"resolved_by"`
	ResolutionNote string     `json:"resolutionNote" db:"resolution_note"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// TableName returns the database table name for QuarantinedMessage.
func (q QuarantinedMessage) TableName() string {
	return tablePrefix + "quarantine"
}

// QuarantineSource describes the destination a failed step id was consumed from.
type QuarantineSource struct {
	Stage       string
	Destination string
	Broadcast   bool
}

// NewQuarantinedMessage creates a quarantine entry for a hop that ran out of attempts.
func NewQuarantinedMessage(
	componentRouteID, stepID int64,
	source QuarantineSource,
	attemptCount int,
	lastError, errorCode, failureReason string,
	firstAttemptAt, lastAttemptAt time.Time,
) QuarantinedMessage {
	now := time.Now()
	return QuarantinedMessage{
		ComponentRouteID: componentRouteID,
		StepID:           stepID,
		Stage:            source.Stage,
		Destination:      source.Destination,
		Broadcast:        source.Broadcast,
		AttemptCount:     attemptCount,
		LastError:        lastError,
		ErrorCode:        errorCode,
		FailureReason:    failureReason,
		FirstAttemptAt:   firstAttemptAt,
		LastAttemptAt:    lastAttemptAt,
		QuarantinedAt:    now,
		CreatedAt:        now,
	}
}

// Resolve marks the entry as handled, typically after a replay.
func (q *QuarantinedMessage) Resolve(resolvedBy, note string) {
	now := time.Now()
	q.IsResolved = true
	q.ResolvedAt = &now
	q.ResolvedBy = resolvedBy
	q.ResolutionNote = note
}

// GetAge returns how long the entry has been quarantined.
func (q *QuarantinedMessage) GetAge() time.Duration {
	return time.Since(q.QuarantinedAt)
}

// IsOld checks if the entry has been quarantined longer than threshold.
func (q *QuarantinedMessage) IsOld(threshold time.Duration) bool {
	return q.GetAge() > threshold
}

// QuarantineStats aggregates quarantine entries for monitoring.
type QuarantineStats struct {
	TotalItems      int       `json:"totalItems"`
	UnresolvedItems int       `json:"unresolvedItems"`
	ResolvedItems   int       `json:"resolvedItems"`
	LastUpdated     time.Time `json:"lastUpdated"`
}
