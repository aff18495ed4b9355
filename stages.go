package flowrelay

import (
	"context"
	"fmt"

	"github.com/coregx/flowrelay/model"
	"github.com/coregx/flowrelay/retry"
)

// StageKind is what a stage does with the step ids it receives.
type StageKind string

// Stage kinds.
const (
	// StageIngress reads an inbound adapter and starts new lineages.
	StageIngress StageKind = "ingress"

	// StageReceiver takes an upstream step, records the inbound hop and applies acceptance.
	StageReceiver StageKind = "messageReceiver"

	// StageOutboundProcessor runs the processor and records the outbound hops.
	StageOutboundProcessor StageKind = "outboundProcessor"

	// StageSender writes a ready step to the outbound adapter.
	StageSender StageKind = "messageSender"
)

// StageDescriptor is one consumer of a component's pipeline, described as data.
// The runtime starts and stops stages by Direction.
type StageDescriptor struct {
	Name      string
	Kind      StageKind
	Direction model.Direction

	// Source is where step ids come from. Empty for ingress stages.
	Source Destination

	// Consumer names the durable subscription on a topic source.
	Consumer string

	// OwnsStep is true when the received step was recorded by this component, so a final failure
	// is written onto that step.
	OwnsStep bool
}

// buildPipeline derives the stages and relay bindings of a configured component from its archetype.
func buildPipeline(c *Component) ([]StageDescriptor, []RelayBinding) {
	path := c.Path()
	id := c.identifier
	inboundQueue := Queue(InboundQueueName(path))

	var stages []StageDescriptor
	relays := []RelayBinding{{Identifier: id, EventType: model.EventInboundProcessingComplete, Destination: inboundQueue}}

	switch c.spec.Archetype {
	case InboundCommunicationPoint:
		stages = append(stages, StageDescriptor{
			Name:      fmt.Sprintf("%s-%s-adapter", StageReceiver, path),
			Kind:      StageIngress,
			Direction: model.DirectionInbound,
		})
	case InboundRouteConnector:
		stages = append(stages, receiverStage(path, TopicName(c.spec.ConnectorName)))
	default:
		for _, source := range c.spec.Sources {
			stages = append(stages, receiverStage(path, TopicName(source)))
		}
	}

	stages = append(stages, StageDescriptor{
		Name:      fmt.Sprintf("%s-%s", StageOutboundProcessor, path),
		Kind:      StageOutboundProcessor,
		Direction: model.DirectionOutbound,
		Source:    inboundQueue,
		OwnsStep:  true,
	})

	switch c.spec.Archetype {
	case OutboundCommunicationPoint:
		ready := Queue(ReadyQueueName(path))
		stages = append(stages, StageDescriptor{
			Name:      fmt.Sprintf("%s-%s", StageSender, path),
			Kind:      StageSender,
			Direction: model.DirectionOutbound,
			Source:    ready,
			OwnsStep:  true,
		})
		relays = append(relays, RelayBinding{Identifier: id, EventType: model.EventReadyForSending, Destination: ready})
	case OutboundRouteConnector:
		relays = append(relays, RelayBinding{
			Identifier:  id,
			EventType:   model.EventRouteConnectorComplete,
			Destination: Topic(TopicName(c.spec.ConnectorName)),
		})
	default:
		relays = append(relays, RelayBinding{
			Identifier:  id,
			EventType:   model.EventOutboundProcessingComplete,
			Destination: Topic(TopicName(path)),
		})
	}

	return stages, relays
}

func receiverStage(path, topic string) StageDescriptor {
	return StageDescriptor{
		Name:      fmt.Sprintf("%s-%s-%s", StageReceiver, path, topic),
		Kind:      StageReceiver,
		Direction: model.DirectionInbound,
		Source:    Topic(topic),
		Consumer:  path,
	}
}

// stageKey is the processed key that makes a stage idempotent against bus redelivery.
func stageKey(stage StageDescriptor, stepID int64) string {
	return fmt.Sprintf("%s:%d", stage.Name, stepID)
}

// handlerFor returns the bare handler of a bus-fed stage. A replay handler also takes steps
// that an earlier failure of the same stage marked as errored.
func (rt *Runtime) handlerFor(c *Component, stage StageDescriptor, replay bool) (Handler, error) {
	switch stage.Kind {
	case StageReceiver:
		return rt.receive(c, stage), nil
	case StageOutboundProcessor:
		return rt.process(c, stage, replay), nil
	case StageSender:
		return rt.send(c, stage, replay), nil
	default:
		return nil, NewError(ErrCodeValidation, fmt.Sprintf("stage %s has no bus handler", stage.Name))
	}
}

// receive records the inbound hop for an upstream step and applies the acceptance policy.
// A rejected hop is marked filtered and gets no event, which ends that branch.
func (rt *Runtime) receive(c *Component, stage StageDescriptor) Handler {
	crID := c.identifier.ComponentRouteID
	return func(ctx context.Context, stepID int64) error {
		var rejected *PolicyResult
		err := rt.flows.InTx(ctx, func(ctx context.Context, r *FlowRecorder) error {
			claimed, err := r.ClaimKey(ctx, crID, stageKey(stage, stepID))
			if err != nil || !claimed {
				return err
			}
			_, parent, err := r.GetStepContent(ctx, stepID)
			if err != nil {
				return err
			}
			step, err := r.RecordFlowStep(ctx, StepRequest{
				ComponentRouteID: crID,
				Content:          parent.Content,
				FromStepID:       stepID,
				ContentType:      c.spec.ContentType,
				Direction:        model.DirectionInbound,
			})
			if err != nil {
				return err
			}

			if c.accepts() {
				result, err := ApplyPolicy(ctx, c.acceptance, parent.Content)
				if err != nil {
					return err
				}
				if !result.Accepted {
					rejected = &result
					return r.MarkFiltered(ctx, step.ID, result.Reason, result.PolicyName)
				}
			}

			_, err = r.RecordEvent(ctx, step.ID, model.EventInboundProcessingComplete)
			return err
		})
		if err == nil && rejected != nil {
			rt.metrics.filtered(c.Path(), rejected.PolicyName)
		}
		return err
	}
}

// process runs the processor over an inbound step of the component and records one outbound
// hop per output. Forwarding is evaluated for every output on its own.
func (rt *Runtime) process(c *Component, stage StageDescriptor, replay bool) Handler {
	crID := c.identifier.ComponentRouteID
	return func(ctx context.Context, stepID int64) error {
		var filteredBy []string
		err := rt.flows.InTx(ctx, func(ctx context.Context, r *FlowRecorder) error {
			claimed, err := r.ClaimKey(ctx, crID, stageKey(stage, stepID))
			if err != nil || !claimed {
				return err
			}
			step, message, err := r.GetStepContent(ctx, stepID)
			if err != nil {
				return err
			}
			if skipStep(step, replay) {
				rt.logger.Debugf("Step %d of %s is terminated, nothing to process", stepID, c.Path())
				return nil
			}

			outputs, err := runProcessor(ctx, c.processor, message.Content)
			if err != nil {
				return err
			}
			for _, content := range outputs {
				child, err := r.RecordFlowStep(ctx, StepRequest{
					ComponentRouteID: crID,
					Content:          content,
					FromStepID:       stepID,
					ContentType:      c.spec.ContentType,
					Direction:        model.DirectionOutbound,
				})
				if err != nil {
					return err
				}

				if c.forwards() {
					result, err := ApplyPolicy(ctx, c.forwarding, content)
					if err != nil {
						return err
					}
					if !result.Accepted {
						if err := r.MarkFiltered(ctx, child.ID, result.Reason, result.PolicyName); err != nil {
							return err
						}
						filteredBy = append(filteredBy, result.PolicyName)
						continue
					}
				}

				if _, err := r.RecordEvent(ctx, child.ID, c.outboundEvent()); err != nil {
					return err
				}
			}
			if replay && step.Error {
				return r.ClearError(ctx, stepID)
			}
			return nil
		})
		if err != nil {
			return err
		}
		// Only committed hops are counted.
		for _, name := range filteredBy {
			rt.metrics.filtered(c.Path(), name)
		}
		return nil
	}
}

// send writes a ready step to the outbound adapter. The claim commits only when the write
// succeeded, so a failed or interrupted write is attempted again.
func (rt *Runtime) send(c *Component, stage StageDescriptor, replay bool) Handler {
	crID := c.identifier.ComponentRouteID
	return func(ctx context.Context, stepID int64) error {
		return rt.flows.InTx(ctx, func(ctx context.Context, r *FlowRecorder) error {
			claimed, err := r.ClaimKey(ctx, crID, stageKey(stage, stepID))
			if err != nil || !claimed {
				return err
			}
			step, message, err := r.GetStepContent(ctx, stepID)
			if err != nil {
				return err
			}
			if skipStep(step, replay) {
				return nil
			}
			headers, err := message.HeaderMap()
			if err != nil {
				return NewErrorWithCause(ErrCodeValidation, fmt.Sprintf("message %d has invalid headers", message.ID), err)
			}
			err = c.spec.Outbound.Send(ctx, OutboundMessage{
				StepID:      stepID,
				Content:     message.Content,
				ContentType: message.ContentType,
				Headers:     headers,
			})
			if err != nil {
				return NewErrorWithCause(ErrCodeTransport, fmt.Sprintf("%s failed to write step %d", c.Path(), stepID), err)
			}
			if replay && step.Error {
				return r.ClearError(ctx, stepID)
			}
			return nil
		})
	}
}

func skipStep(step model.MessageFlowStep, replay bool) bool {
	if replay {
		return step.Filtered
	}
	return step.IsTerminated()
}

// guard runs a stage handler under the retry strategy. A hop that still fails is quarantined
// and acknowledged. The error reaches the bus only when the runtime is shutting down or the
// quarantine itself failed, so that the step id is delivered again.
func (rt *Runtime) guard(c *Component, stage StageDescriptor, h Handler) Handler {
	return func(ctx context.Context, stepID int64) error {
		delivery := model.NewDelivery(stepID, stage.Name)
		permanent := false

		_, err := retry.Do(ctx, rt.strategy, func(attempt int) error {
			err := h(ctx, stepID)
			if err == nil {
				delivery.MarkDone()
				return nil
			}
			delivery.MarkFailed(err, rt.strategy.CalculateRetryDelay(attempt))
			rt.metrics.stageFailure(c.Path(), stage.Name)
			if notifyErr := rt.notifications.NotifyStageFailure(ctx, delivery, err); notifyErr != nil {
				rt.logger.Warnf("Failed to send stage failure notification: %v", notifyErr)
			}
			if !IsRetryable(err) {
				permanent = true
				return retry.Permanent(err)
			}
			return err
		})
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		if !permanent && !rt.strategy.ShouldQuarantine(delivery.AttemptCount) {
			rt.logger.Warnf("Stage %s gave up on step %d after %d attempts, leaving it to the bus: %v",
				stage.Name, stepID, delivery.AttemptCount, err)
			return err
		}
		if qErr := rt.quarantineHop(ctx, c, stage, delivery, err); qErr != nil {
			rt.logger.Errorf("Failed to quarantine step %d of stage %s: %v", stepID, stage.Name, qErr)
			return err
		}
		return nil
	}
}

func (rt *Runtime) quarantineHop(ctx context.Context, c *Component, stage StageDescriptor, delivery model.Delivery, cause error) error {
	code := Code(cause)
	if code == "" {
		code = ErrCodeProcessing
	}
	reason := fmt.Sprintf("%s failed after %d attempts: %v", stage.Name, delivery.AttemptCount, cause)

	if stage.OwnsStep {
		if err := rt.flows.MarkError(ctx, delivery.StepID, reason); err != nil && !IsNotFound(err) {
			return err
		}
	}

	last := delivery.FirstAttemptAt
	if delivery.LastAttemptAt.Valid {
		last = delivery.LastAttemptAt.Time
	}
	entry := model.NewQuarantinedMessage(
		c.identifier.ComponentRouteID, delivery.StepID,
		model.QuarantineSource{Stage: stage.Name, Destination: stage.Source.Name, Broadcast: stage.Source.Broadcast},
		delivery.AttemptCount, cause.Error(), code, reason,
		delivery.FirstAttemptAt, last,
	)
	saved, err := rt.quarantine.Save(ctx, entry)
	if err != nil {
		return wrapStoreError("failed to save quarantine entry", err)
	}

	rt.metrics.quarantined(c.Path(), stage.Name)
	if err := rt.notifications.NotifyQuarantined(ctx, saved); err != nil {
		rt.logger.Warnf("Failed to send quarantine notification: %v", err)
	}
	return nil
}
