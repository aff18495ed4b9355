package flowrelay

import (
	"context"
	"fmt"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/coregx/flowrelay/model"
)

// MessageFlowService records the lineage of messages through components and the outbox
// events that move them between stages.
//
// Writes that belong to one hop must share a transaction: use InTx and the FlowRecorder
// it provides. The convenience methods on the service each run in their own transaction.
type MessageFlowService struct {
	store  FlowStore
	logger Logger
}

// FlowServiceOption configures a MessageFlowService.
type FlowServiceOption func(*MessageFlowService) error

// NewMessageFlowService creates a new MessageFlowService with the provided options.
//
// Required options:
//   - WithFlowStore: the durable store
//   - WithFlowLogger: logger instance
//
// Example:
//
//	flows, err := flowrelay.NewMessageFlowService(
//	    flowrelay.WithFlowStore(store),
//	    flowrelay.WithFlowLogger(logger),
//	)
func NewMessageFlowService(opts ...FlowServiceOption) (*MessageFlowService, error) {
	s := &MessageFlowService{}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, NewErrorWithCause(ErrCodeConfiguration, "failed to apply flow service option", err)
		}
	}

	if s.store == nil {
		return nil, NewError(ErrCodeConfiguration, "FlowStore is required (use WithFlowStore)")
	}
	if s.logger == nil {
		return nil, NewError(ErrCodeConfiguration, "Logger is required (use WithFlowLogger)")
	}

	return s, nil
}

// WithFlowStore sets the durable store.
func WithFlowStore(store FlowStore) FlowServiceOption {
	return func(s *MessageFlowService) error {
		if store == nil {
			return fmt.Errorf("store cannot be nil")
		}
		s.store = store
		return nil
	}
}

// WithFlowLogger sets the logger instance.
func WithFlowLogger(logger Logger) FlowServiceOption {
	return func(s *MessageFlowService) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		s.logger = logger
		return nil
	}
}

// Store returns the underlying store.
func (s *MessageFlowService) Store() FlowStore {
	return s.store
}

// InTx runs fn in one local transaction. Everything fn records commits or rolls back together.
func (s *MessageFlowService) InTx(ctx context.Context, fn func(ctx context.Context, r *FlowRecorder) error) error {
	return s.store.WithinTx(ctx, func(ctx context.Context, tx FlowTx) error {
		return fn(ctx, &FlowRecorder{tx: tx})
	})
}

// StepRequest describes a flow step to record.
type StepRequest struct {
	ComponentRouteID int64
	Content          string
	Headers          map[string]string
	FromStepID       int64 // 0 starts a new lineage group
	ContentType      string
	Direction        model.Direction
}

// Validate checks the request before anything is written.
func (r StepRequest) Validate() error {
	err := validation.ValidateStruct(&r,
		validation.Field(&r.ComponentRouteID, validation.Required, validation.Min(int64(1))),
		validation.Field(&r.Direction, validation.Required, validation.In(model.DirectionInbound, model.DirectionOutbound)),
		validation.Field(&r.FromStepID, validation.Min(int64(0))),
	)
	if err != nil {
		return NewErrorWithCause(ErrCodeValidation, "invalid step request", err)
	}
	return nil
}

// AckContentType is the content type of acknowledgement steps.
const AckContentType = "ACK"

// FlowRecorder performs message flow operations inside one transaction.
type FlowRecorder struct {
	tx FlowTx
}

// RecordFlowStep records one hop.
//
// With a parent, the parent must exist (NOT_FOUND otherwise); the parent's headers are merged
// over the given ones, the lineage group is inherited and the parent's Message is reused when the
// content is unchanged. Without a parent a new lineage group is created.
func (r *FlowRecorder) RecordFlowStep(ctx context.Context, req StepRequest) (model.MessageFlowStep, error) {
	if err := req.Validate(); err != nil {
		return model.MessageFlowStep{}, err
	}

	headers := req.Headers
	contentType := req.ContentType
	var groupID, messageID int64

	if req.FromStepID > 0 {
		parent, err := r.GetStep(ctx, req.FromStepID)
		if err != nil {
			return model.MessageFlowStep{}, err
		}
		parentMessage, err := r.GetMessage(ctx, parent.MessageID)
		if err != nil {
			return model.MessageFlowStep{}, err
		}
		parentHeaders, err := parentMessage.HeaderMap()
		if err != nil {
			return model.MessageFlowStep{}, NewErrorWithCause(ErrCodeValidation, "failed to decode parent headers", err)
		}

		headers = model.MergeHeaders(req.Headers, parentHeaders)
		groupID = parent.FlowGroupID
		if contentType == "" {
			contentType = parentMessage.ContentType
		}
		if parentMessage.SameContent(req.Content) {
			messageID = parentMessage.ID
		}
	} else {
		group := model.NewMessageFlowGroup()
		if err := r.tx.InsertGroup(ctx, &group); err != nil {
			return model.MessageFlowStep{}, wrapStoreError("failed to insert flow group", err)
		}
		groupID = group.ID
	}

	if messageID == 0 {
		message, err := model.NewMessage(req.Content, contentType, headers)
		if err != nil {
			return model.MessageFlowStep{}, NewErrorWithCause(ErrCodeValidation, "failed to encode headers", err)
		}
		if err := r.tx.InsertMessage(ctx, &message); err != nil {
			return model.MessageFlowStep{}, wrapStoreError("failed to insert message", err)
		}
		messageID = message.ID
	}

	step := model.NewMessageFlowStep(req.ComponentRouteID, messageID, groupID, req.FromStepID, req.Direction)
	if err := r.tx.InsertStep(ctx, &step); err != nil {
		return model.MessageFlowStep{}, wrapStoreError("failed to insert flow step", err)
	}
	return step, nil
}

// RecordEvent records an outbox event for a step. Events are refused for filtered or failed steps.
func (r *FlowRecorder) RecordEvent(ctx context.Context, stepID int64, eventType model.EventType) (model.MessageFlowEvent, error) {
	if !eventType.Valid() {
		return model.MessageFlowEvent{}, NewError(ErrCodeValidation, fmt.Sprintf("invalid event type %q", eventType))
	}
	step, err := r.GetStep(ctx, stepID)
	if err != nil {
		return model.MessageFlowEvent{}, err
	}
	if step.IsTerminated() {
		return model.MessageFlowEvent{}, NewError(ErrCodeStepTerminated,
			fmt.Sprintf("message flow step %d is filtered or in error", stepID))
	}

	event := model.NewMessageFlowEvent(step, eventType)
	if err := r.tx.InsertEvent(ctx, &event); err != nil {
		return model.MessageFlowEvent{}, wrapStoreError("failed to insert flow event", err)
	}
	return event, nil
}

// DeleteEvent removes an event. It returns false when another relay already deleted it.
func (r *FlowRecorder) DeleteEvent(ctx context.Context, eventID int64) (bool, error) {
	deleted, err := r.tx.DeleteEvent(ctx, eventID)
	if err != nil {
		return false, wrapStoreError("failed to delete flow event", err)
	}
	return deleted, nil
}

// MarkFiltered sets the filtered flag on a step. Calling it again is a no-op.
func (r *FlowRecorder) MarkFiltered(ctx context.Context, stepID int64, reason, filterName string) error {
	step, err := r.GetStep(ctx, stepID)
	if err != nil {
		return err
	}
	if !step.MarkFiltered(reason, filterName) {
		return nil
	}
	if err := r.tx.UpdateStepOutcome(ctx, step); err != nil {
		return wrapStoreError("failed to mark step filtered", err)
	}
	return nil
}

// MarkError sets the error flag on a step. Calling it again is a no-op.
func (r *FlowRecorder) MarkError(ctx context.Context, stepID int64, reason string) error {
	step, err := r.GetStep(ctx, stepID)
	if err != nil {
		return err
	}
	if !step.MarkError(reason) {
		return nil
	}
	if err := r.tx.UpdateStepOutcome(ctx, step); err != nil {
		return wrapStoreError("failed to mark step in error", err)
	}
	return nil
}

// ClearError lifts the error flag of a step whose failed hop was replayed successfully.
// Calling it on a step that is not in error is a no-op.
func (r *FlowRecorder) ClearError(ctx context.Context, stepID int64) error {
	step, err := r.GetStep(ctx, stepID)
	if err != nil {
		return err
	}
	if !step.ClearError() {
		return nil
	}
	if err := r.tx.UpdateStepOutcome(ctx, step); err != nil {
		return wrapStoreError("failed to clear step error", err)
	}
	return nil
}

// GetStep loads a step, returning a NOT_FOUND error naming it when it does not exist.
func (r *FlowRecorder) GetStep(ctx context.Context, stepID int64) (model.MessageFlowStep, error) {
	step, err := r.tx.LoadStep(ctx, stepID)
	if err != nil {
		if IsNotFound(err) {
			return step, NotFoundError("message flow step", stepID)
		}
		return step, wrapStoreError("failed to load flow step", err)
	}
	return step, nil
}

// GetMessage loads a message.
func (r *FlowRecorder) GetMessage(ctx context.Context, messageID int64) (model.Message, error) {
	message, err := r.tx.LoadMessage(ctx, messageID)
	if err != nil {
		if IsNotFound(err) {
			return message, NotFoundError("message", messageID)
		}
		return message, wrapStoreError("failed to load message", err)
	}
	return message, nil
}

// GetStepContent loads a step together with its message.
func (r *FlowRecorder) GetStepContent(ctx context.Context, stepID int64) (model.MessageFlowStep, model.Message, error) {
	step, err := r.GetStep(ctx, stepID)
	if err != nil {
		return step, model.Message{}, err
	}
	message, err := r.GetMessage(ctx, step.MessageID)
	return step, message, err
}

// RecordAck records an acknowledgement produced by a component for an inbound step.
func (r *FlowRecorder) RecordAck(ctx context.Context, componentRouteID, fromStepID int64, content string) (model.MessageFlowStep, error) {
	if fromStepID <= 0 {
		return model.MessageFlowStep{}, NewError(ErrCodeValidation, "an acknowledgement needs the step it acknowledges")
	}
	return r.RecordFlowStep(ctx, StepRequest{
		ComponentRouteID: componentRouteID,
		Content:          content,
		FromStepID:       fromStepID,
		ContentType:      AckContentType,
		Direction:        model.DirectionOutbound,
	})
}

// ClaimKey records an ingress identity. It returns false when the identity was seen before.
func (r *FlowRecorder) ClaimKey(ctx context.Context, componentRouteID int64, key string) (bool, error) {
	if strings.TrimSpace(key) == "" {
		return true, nil
	}
	k := model.NewProcessedKey(componentRouteID, key)
	claimed, err := r.tx.ClaimKey(ctx, &k)
	if err != nil {
		return false, wrapStoreError("failed to claim processed key", err)
	}
	return claimed, nil
}

// RecordFlowStep records a step in its own transaction.
func (s *MessageFlowService) RecordFlowStep(ctx context.Context, req StepRequest) (model.MessageFlowStep, error) {
	var step model.MessageFlowStep
	err := s.InTx(ctx, func(ctx context.Context, r *FlowRecorder) error {
		var err error
		step, err = r.RecordFlowStep(ctx, req)
		return err
	})
	return step, err
}

// RecordEvent records an event in its own transaction.
func (s *MessageFlowService) RecordEvent(ctx context.Context, stepID int64, eventType model.EventType) (model.MessageFlowEvent, error) {
	var event model.MessageFlowEvent
	err := s.InTx(ctx, func(ctx context.Context, r *FlowRecorder) error {
		var err error
		event, err = r.RecordEvent(ctx, stepID, eventType)
		return err
	})
	return event, err
}

// DeleteEvent deletes an event in its own transaction.
func (s *MessageFlowService) DeleteEvent(ctx context.Context, eventID int64) (bool, error) {
	var deleted bool
	err := s.InTx(ctx, func(ctx context.Context, r *FlowRecorder) error {
		var err error
		deleted, err = r.DeleteEvent(ctx, eventID)
		return err
	})
	return deleted, err
}

// MarkFiltered marks a step filtered in its own transaction.
func (s *MessageFlowService) MarkFiltered(ctx context.Context, stepID int64, reason, filterName string) error {
	return s.InTx(ctx, func(ctx context.Context, r *FlowRecorder) error {
		return r.MarkFiltered(ctx, stepID, reason, filterName)
	})
}

// MarkError marks a step in error in its own transaction.
func (s *MessageFlowService) MarkError(ctx context.Context, stepID int64, reason string) error {
	return s.InTx(ctx, func(ctx context.Context, r *FlowRecorder) error {
		return r.MarkError(ctx, stepID, reason)
	})
}

// RecordAck records an acknowledgement step in its own transaction.
func (s *MessageFlowService) RecordAck(ctx context.Context, componentRouteID, fromStepID int64, content string) (model.MessageFlowStep, error) {
	var step model.MessageFlowStep
	err := s.InTx(ctx, func(ctx context.Context, r *FlowRecorder) error {
		var err error
		step, err = r.RecordAck(ctx, componentRouteID, fromStepID, content)
		return err
	})
	return step, err
}

// GetStep loads a step.
func (s *MessageFlowService) GetStep(ctx context.Context, stepID int64) (model.MessageFlowStep, error) {
	step, err := s.store.LoadStep(ctx, stepID)
	if err != nil {
		if IsNotFound(err) {
			return step, NotFoundError("message flow step", stepID)
		}
		return step, wrapStoreError("failed to load flow step", err)
	}
	return step, nil
}

// GetStepContent loads a step and its message.
func (s *MessageFlowService) GetStepContent(ctx context.Context, stepID int64) (model.MessageFlowStep, model.Message, error) {
	step, err := s.GetStep(ctx, stepID)
	if err != nil {
		return step, model.Message{}, err
	}
	message, err := s.store.LoadMessage(ctx, step.MessageID)
	if err != nil {
		if IsNotFound(err) {
			return step, message, NotFoundError("message", step.MessageID)
		}
		return step, message, wrapStoreError("failed to load message", err)
	}
	return step, message, nil
}

// GetPendingEvents returns up to limit events of a type for a component route in creation order.
func (s *MessageFlowService) GetPendingEvents(ctx context.Context, componentRouteID int64, eventType model.EventType, limit int) ([]model.MessageFlowEvent, error) {
	if limit <= 0 {
		return nil, NewError(ErrCodeValidation, "limit must be > 0")
	}
	events, err := s.store.FindPendingEvents(ctx, componentRouteID, eventType, limit)
	if err != nil {
		return nil, wrapStoreError("failed to find pending events", err)
	}
	return events, nil
}

// GetLineage returns every step of a lineage group ordered by id.
//
// A step whose hop was quarantined carries the error flag until a requeue replays that hop
// successfully; the replay lifts the flag in the same transaction and leaves ErrorReason in
// place. A step with children and a non-empty ErrorReason was therefore requeued.
func (s *MessageFlowService) GetLineage(ctx context.Context, groupID int64) ([]model.MessageFlowStep, error) {
	steps, err := s.store.FindStepsByGroup(ctx, groupID)
	if err != nil {
		return nil, wrapStoreError("failed to load lineage", err)
	}
	return steps, nil
}

// wrapStoreError keeps flowrelay errors as they are and wraps anything else as DATABASE_ERROR.
func wrapStoreError(message string, err error) error {
	if Code(err) != "" {
		return err
	}
	return NewErrorWithCause(ErrCodeDatabase, message, err)
}
