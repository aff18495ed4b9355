package flowrelay

import (
	"context"

	"github.com/coregx/flowrelay/model"
)

// NotificationService defines an optional interface for sending notifications
// about relay events (stage failures, quarantined hops, runtime state changes).
//
// Implementations might send emails, Slack messages, SMS, or log to monitoring systems.
type NotificationService interface {
	// NotifyQuarantined is called when a hop is quarantined after exhausting its attempts.
	NotifyQuarantined(ctx context.Context, entry model.QuarantinedMessage) error

	// NotifyStageFailure is called on every failed stage attempt.
	NotifyStageFailure(ctx context.Context, delivery model.Delivery, err error) error

	// NotifyStateChanged is called when a component's inbound or outbound side starts or stops.
	NotifyStateChanged(ctx context.Context, componentPath string, direction model.Direction, running bool) error
}

// NoOpNotificationService is a no-op implementation of NotificationService.
// Use this when notifications are not needed.
type NoOpNotificationService struct{}

// NotifyQuarantined does nothing.
func (n *NoOpNotificationService) NotifyQuarantined(_ context.Context, _ model.QuarantinedMessage) error {
	return nil
}

// NotifyStageFailure does nothing.
func (n *NoOpNotificationService) NotifyStageFailure(_ context.Context, _ model.Delivery, _ error) error {
	return nil
}

// NotifyStateChanged does nothing.
func (n *NoOpNotificationService) NotifyStateChanged(_ context.Context, _ string, _ model.Direction, _ bool) error {
	return nil
}

// LoggingNotificationService is a simple implementation that logs notifications.
type LoggingNotificationService struct {
	logger Logger
}

// NewLoggingNotificationService creates a new LoggingNotificationService.
func NewLoggingNotificationService(logger Logger) *LoggingNotificationService {
	return &LoggingNotificationService{logger: logger}
}

// NotifyQuarantined logs a quarantined hop.
func (n *LoggingNotificationService) NotifyQuarantined(_ context.Context, entry model.QuarantinedMessage) error {
	n.logger.Warnf("Hop quarantined: step_id=%d, component_route_id=%d, stage=%s, attempts=%d, reason=%s",
		entry.StepID, entry.ComponentRouteID, entry.Stage, entry.AttemptCount, entry.FailureReason)
	return nil
}

// NotifyStageFailure logs a failed attempt.
func (n *LoggingNotificationService) NotifyStageFailure(_ context.Context, delivery model.Delivery, err error) error {
	n.logger.Warnf("Stage attempt failed: step_id=%d, stage=%s, attempt=%d, error=%v",
		delivery.StepID, delivery.Stage, delivery.AttemptCount, err)
	return nil
}

// NotifyStateChanged logs a runtime state change.
func (n *LoggingNotificationService) NotifyStateChanged(_ context.Context, componentPath string, direction model.Direction, running bool) error {
	state := "stopped"
	if running {
		state = "started"
	}
	n.logger.Infof("Component %s %s side %s", componentPath, direction, state)
	return nil
}
