package flowrelay

import (
	"context"

	"github.com/coregx/flowrelay/model"
)

// FlowStore is the durable store behind the message flow service.
//
// All writes happen inside WithinTx so that a step, its message, its group and its event
// commit or roll back together. Implementations must be safe for concurrent use.
type FlowStore interface {
	// WithinTx runs fn inside one local transaction. The transaction commits when fn
	// returns nil and rolls back otherwise.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx FlowTx) error) error

	// LoadStep retrieves a step by ID.
	// Returns ErrNotFound if not found.
	LoadStep(ctx context.Context, id int64) (model.MessageFlowStep, error)

	// LoadMessage retrieves a message by ID.
	// Returns ErrNotFound if not found.
	LoadMessage(ctx context.Context, id int64) (model.Message, error)

	// FindPendingEvents returns up to limit events of a type for a component route,
	// ordered by creation (ascending id). Returns an empty slice when there are none.
	FindPendingEvents(ctx context.Context, componentRouteID int64, eventType model.EventType, limit int) ([]model.MessageFlowEvent, error)

	// FindStepsByGroup returns every step of a lineage group ordered by id.
	FindStepsByGroup(ctx context.Context, groupID int64) ([]model.MessageFlowStep, error)
}

// FlowTx is the transactional view of a FlowStore.
type FlowTx interface {
	// LoadStep retrieves a step by ID. Returns ErrNotFound if not found.
	LoadStep(ctx context.Context, id int64) (model.MessageFlowStep, error)

	// LoadMessage retrieves a message by ID. Returns ErrNotFound if not found.
	LoadMessage(ctx context.Context, id int64) (model.Message, error)

	// InsertMessage stores a new message and populates its ID.
	InsertMessage(ctx context.Context, m *model.Message) error

	// InsertGroup stores a new flow group and populates its ID.
	InsertGroup(ctx context.Context, g *model.MessageFlowGroup) error

	// InsertStep stores a new step and populates its ID.
	InsertStep(ctx context.Context, s *model.MessageFlowStep) error

	// UpdateStepOutcome persists the filtered and error fields of a step.
	UpdateStepOutcome(ctx context.Context, s model.MessageFlowStep) error

	// InsertEvent stores a new event and populates its ID.
	InsertEvent(ctx context.Context, e *model.MessageFlowEvent) error

	// DeleteEvent deletes an event. It returns false when the event no longer exists.
	DeleteEvent(ctx context.Context, id int64) (bool, error)

	// ClaimKey records an ingress identity for a component route. It returns false when
	// the key was already claimed.
	ClaimKey(ctx context.Context, k *model.ProcessedKey) (bool, error)
}

// QuarantineRepository stores hops that ran out of retry attempts.
type QuarantineRepository interface {
	// Load retrieves a quarantine entry by ID.
	// Returns ErrNotFound if not found.
	Load(ctx context.Context, id int64) (model.QuarantinedMessage, error)

	// Save creates a new entry (if ID=0) or updates an existing one.
	Save(ctx context.Context, m model.QuarantinedMessage) (model.QuarantinedMessage, error)

	// FindUnresolved retrieves unresolved entries, oldest first.
	FindUnresolved(ctx context.Context, limit int) ([]model.QuarantinedMessage, error)

	// CountUnresolved returns the number of unresolved entries.
	CountUnresolved(ctx context.Context) (int, error)

	// GetStats retrieves aggregate statistics.
	GetStats(ctx context.Context) (model.QuarantineStats, error)
}

// ConfigurationStore is the external source of route and component definitions
// and of the persisted runtime state flags.
type ConfigurationStore interface {
	// GetRouteByName returns ErrNotFound when the route is unknown.
	GetRouteByName(ctx context.Context, name string) (model.Route, error)

	// GetComponentByName returns ErrNotFound when the component is unknown.
	GetComponentByName(ctx context.Context, name string) (model.ComponentConfig, error)

	// GetComponentRoute returns ErrNotFound when the component is not bound to the route.
	GetComponentRoute(ctx context.Context, componentID, routeID int64) (model.ComponentRoute, error)

	// IsInboundRunning reports whether inbound stages should start for a component route.
	IsInboundRunning(ctx context.Context, componentRouteID int64) (bool, error)

	// IsOutboundRunning reports whether outbound stages should start for a component route.
	IsOutboundRunning(ctx context.Context, componentRouteID int64) (bool, error)
}

// RunningStateWriter is implemented by configuration stores that persist runtime control.
// When the store implements it, starting or stopping a component side is written back, so the
// side comes up in the same state after a restart.
type RunningStateWriter interface {
	SetInboundRunning(ctx context.Context, componentRouteID int64, running bool) error
	SetOutboundRunning(ctx context.Context, componentRouteID int64, running bool) error
}
