package model

import (
	"database/sql"
	"time"
)

// Direction tells whether a flow step was recorded on the inbound or outbound side of a component.
type Direction string

const (
	// DirectionInbound marks a step recorded when a component accepted a message.
	DirectionInbound Direction = "INBOUND"

	// DirectionOutbound marks a step recorded when a component produced a message.
	DirectionOutbound Direction = "OUTBOUND"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == DirectionInbound || d == DirectionOutbound
}

// MessageFlowGroup correlates every step derived from one original ingress.
type MessageFlowGroup struct {
	ID        int64     `json:"id" db:"id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// TableName returns the database table name for MessageFlowGroup.
func (g MessageFlowGroup) TableName() string {
	return tablePrefix + "message_flow_group"
}

// NewMessageFlowGroup creates a new lineage group.
func NewMessageFlowGroup() MessageFlowGroup {
	return MessageFlowGroup{CreatedAt: time.Now()}
}

// MessageFlowStep is one hop of a message through a component.
//
// Steps form a tree through FromStepID. A step whose Filtered or Error flag is set
// terminates its branch: no further events are created for it.
type MessageFlowStep struct {
	ID               int64         `json:"id" db:"id"`
	ComponentRouteID int64         `json:"componentRouteId" db:"component_route_id"`
	MessageID        int64         `json:"messageId" db:"message_id"`
	FlowGroupID      int64         `json:"flowGroupId" db:"message_flow_group_id"`
	FromStepID       sql.NullInt64 `json:"fromStepId" db:"from_message_flow_step_id"`
	Direction        Direction     `json:"direction" db:"direction"`
	Filtered         bool          `json:"filtered" db:"filtered"`
	FilterReason     string        `json:"filterReason" db:"filter_reason"`
	FilterName       string        `json:"filterName" db:"filter_name"`
	Error            bool          `json:"error" db:"error"`
	ErrorReason      string        `json:"errorReason" db:"error_reason"`
	CreatedAt        time.Time     `json:"createdAt" db:"created_at"`
}

// TableName returns the database table name for MessageFlowStep.
func (s MessageFlowStep) TableName() string {
	return tablePrefix + "message_flow_step"
}

// NewMessageFlowStep creates an unsaved step. fromStepID of 0 means the step starts a new lineage.
func NewMessageFlowStep(componentRouteID, messageID, flowGroupID, fromStepID int64, direction Direction) MessageFlowStep {
	return MessageFlowStep{
		ComponentRouteID: componentRouteID,
		MessageID:        messageID,
		FlowGroupID:      flowGroupID,
		FromStepID:       sql.NullInt64{Int64: fromStepID, Valid: fromStepID > 0},
		Direction:        direction,
		CreatedAt:        time.Now(),
	}
}

// HasParent reports whether the step was derived from another step.
func (s *MessageFlowStep) HasParent() bool {
	return s.FromStepID.Valid
}

// ParentID returns the parent step id, or 0 for a root step.
func (s *MessageFlowStep) ParentID() int64 {
	if !s.FromStepID.Valid {
		return 0
	}
	return s.FromStepID.Int64
}

// IsTerminated reports whether the branch ends at this step.
func (s *MessageFlowStep) IsTerminated() bool {
	return s.Filtered || s.Error
}

// MarkFiltered records a filter rejection. It returns false if the step was already filtered.
func (s *MessageFlowStep) MarkFiltered(reason, filterName string) bool {
	if s.Filtered {
		return false
	}
	s.Filtered = true
	s.FilterReason = reason
	s.FilterName = filterName
	return true
}

// MarkError records a processing failure. It returns false if the step was already in error.
func (s *MessageFlowStep) MarkError(reason string) bool {
	if s.Error {
		return false
	}
	s.Error = true
	s.ErrorReason = reason
	return true
}

// ClearError lifts the error flag once a replay of the step succeeded. ErrorReason keeps the
// last failure. It returns false if the step was not in error.
func (s *MessageFlowStep) ClearError() bool {
	if !s.Error {
		return false
	}
	s.Error = false
	return true
}

// EventType is the kind of outbox event attached to a flow step.
type EventType string

const (
	// EventInboundProcessingComplete is recorded when a component has accepted a message.
	EventInboundProcessingComplete EventType = "COMPONENT_INBOUND_PROCESSING_COMPLETE"

	// EventOutboundProcessingComplete is recorded when a component has produced a message for its consumers.
	EventOutboundProcessingComplete EventType = "COMPONENT_OUTBOUND_PROCESSING_COMPLETE"

	// EventReadyForSending is recorded when an outbound communication point has a message for its adapter.
	EventReadyForSending EventType = "MESSAGE_READY_FOR_SENDING"

	// EventRouteConnectorComplete is recorded when an outbound route connector hands a message to another route.
	EventRouteConnectorComplete EventType = "ROUTE_OUTBOUND_CONNECTOR_COMPLETE"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventInboundProcessingComplete, EventOutboundProcessingComplete,
		EventReadyForSending, EventRouteConnectorComplete:
		return true
	}
	return false
}

// MessageFlowEvent is an outbox row: the intent to publish a step id to the next stage.
// It is created in the same transaction as its step and deleted in the same transaction as its publish.
type MessageFlowEvent struct {
	ID               int64     `json:"id" db:"id"`
	StepID           int64     `json:"stepId" db:"message_flow_step_id"`
	ComponentRouteID int64     `json:"componentRouteId" db:"component_route_id"`
	Type             EventType `json:"type" db:"event_type"`
	CreatedAt        time.Time `json:"createdAt" db:"created_at"`
}

// TableName returns the database table name for MessageFlowEvent.
func (e MessageFlowEvent) TableName() string {
	return tablePrefix + "message_flow_event"
}

// NewMessageFlowEvent creates an unsaved event for a step.
func NewMessageFlowEvent(step MessageFlowStep, eventType EventType) MessageFlowEvent {
	return MessageFlowEvent{
		StepID:           step.ID,
		ComponentRouteID: step.ComponentRouteID,
		Type:             eventType,
		CreatedAt:        time.Now(),
	}
}

// ProcessedKey records that an ingress with the given identity was already recorded for a component.
type ProcessedKey struct {
	ID               int64     `json:"id" db:"id"`
	ComponentRouteID int64     `json:"componentRouteId" db:"component_route_id"`
	Key              string    `json:"key" db:"processed_key"`
	CreatedAt        time.Time `json:"createdAt" db:"created_at"`
}

// NewProcessedKey creates an unsaved processed key.
func NewProcessedKey(componentRouteID int64, key string) ProcessedKey {
	return ProcessedKey{ComponentRouteID: componentRouteID, Key: key, CreatedAt: time.Now()}
}

// TableName returns the database table name for ProcessedKey.
func (k ProcessedKey) TableName() string {
	return tablePrefix + "processed_key"
}
