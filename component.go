package flowrelay

import (
	"context"
	"fmt"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/coregx/flowrelay/model"
)

// Archetype is the role a component plays in a route.
type Archetype int

// Component archetypes.
const (
	InboundCommunicationPoint Archetype = iota + 1
	OutboundCommunicationPoint
	ProcessingStep
	InboundRouteConnector
	OutboundRouteConnector
)

var archetypeNames = map[Archetype]string{
	InboundCommunicationPoint:  "inbound-communication-point",
	OutboundCommunicationPoint: "outbound-communication-point",
	ProcessingStep:             "processing-step",
	InboundRouteConnector:      "inbound-route-connector",
	OutboundRouteConnector:     "outbound-route-connector",
}

// String implements fmt.Stringer.
func (a Archetype) String() string {
	if name, ok := archetypeNames[a]; ok {
		return name
	}
	return fmt.Sprintf("archetype(%d)", int(a))
}

// ParseArchetype parses the names produced by String.
func ParseArchetype(s string) (Archetype, error) {
	for a, name := range archetypeNames {
		if strings.EqualFold(s, name) {
			return a, nil
		}
	}
	return 0, ConfigurationError("unknown archetype %q", s)
}

// IsSource reports whether other components can subscribe to this component's output by path.
func (a Archetype) IsSource() bool {
	return a == InboundCommunicationPoint || a == ProcessingStep || a == InboundRouteConnector
}

// IsDestination reports whether the component subscribes to upstream components by path.
func (a Archetype) IsDestination() bool {
	return a == OutboundCommunicationPoint || a == ProcessingStep || a == OutboundRouteConnector
}

// IsConnector reports whether the component bridges two routes.
func (a Archetype) IsConnector() bool {
	return a == InboundRouteConnector || a == OutboundRouteConnector
}

// ComponentSpec describes a component. It is plain data; NewComponent validates it and
// Configure turns it into a runnable pipeline.
type ComponentSpec struct {
	Name        string
	Route       string
	Archetype   Archetype
	ContentType string

	// Policies by registry name. Acceptance and Forwarding, when set, take precedence.
	AcceptancePolicy string
	ForwardingPolicy string
	Acceptance       Policy
	Forwarding       Policy

	// Processor by registry name, used by processing steps. Processor, when set, takes precedence.
	ProcessorName string
	Processor     Processor

	// Sources are the paths ("{route}-{component}") of the upstream components.
	Sources []string

	// ConnectorName is the shared name linking an outbound route connector to inbound route connectors.
	ConnectorName string

	Inbound  InboundAdapter
	Outbound OutboundAdapter
}

// Validate checks the spec against its archetype.
func (s ComponentSpec) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Name, validation.Required, validation.Length(1, 255)),
		validation.Field(&s.Route, validation.Required, validation.Length(1, 255)),
		validation.Field(&s.Archetype, validation.Required, validation.In(
			InboundCommunicationPoint, OutboundCommunicationPoint, ProcessingStep,
			InboundRouteConnector, OutboundRouteConnector)),
		validation.Field(&s.Sources, validation.When(s.Archetype.IsDestination(), validation.Required)),
		validation.Field(&s.ConnectorName, validation.When(s.Archetype.IsConnector(), validation.Required)),
		validation.Field(&s.Inbound, validation.When(s.Archetype == InboundCommunicationPoint, validation.NotNil)),
		validation.Field(&s.Outbound, validation.When(s.Archetype == OutboundCommunicationPoint, validation.NotNil)),
	)
}

// Component is a configured node of a route. Every archetype uses this one type; the
// archetype decides which stages and relays Configure builds.
type Component struct {
	spec       ComponentSpec
	identifier model.ComponentIdentifier
	config     model.ComponentConfig
	acceptance Policy
	forwarding Policy
	processor  Processor
	stages     []StageDescriptor
	relays     []RelayBinding
	configured bool
}

// NewComponent validates spec and creates an unconfigured component.
func NewComponent(spec ComponentSpec) (*Component, error) {
	if err := spec.Validate(); err != nil {
		return nil, NewErrorWithCause(ErrCodeValidation, fmt.Sprintf("invalid component %s-%s", spec.Route, spec.Name), err)
	}
	return &Component{spec: spec}, nil
}

// Path returns "{route}-{component}".
func (c *Component) Path() string {
	return c.spec.Route + "-" + c.spec.Name
}

// Archetype returns the component's role.
func (c *Component) Archetype() Archetype {
	return c.spec.Archetype
}

// Identifier returns the resolved identifier. It is zero-valued until Configure succeeds.
func (c *Component) Identifier() model.ComponentIdentifier {
	return c.identifier
}

// Properties returns the component properties from the configuration store.
func (c *Component) Properties() map[string]string {
	return c.config.Properties
}

// Stages returns the stage pipeline built by Configure.
func (c *Component) Stages() []StageDescriptor {
	return c.stages
}

// Relays returns the relay bindings built by Configure.
func (c *Component) Relays() []RelayBinding {
	return c.relays
}

// IsConfigured reports whether Configure succeeded.
func (c *Component) IsConfigured() bool {
	return c.configured
}

// Configure resolves the component's runtime state: route, component and binding ids from the
// configuration store, named policies and processors, and adapter properties. It fails with a
// CONFIGURATION_ERROR when anything is missing, which keeps the component from starting.
func (c *Component) Configure(ctx context.Context, store ConfigurationStore, policies *PolicyRegistry, processors *ProcessorRegistry) error {
	route, err := store.GetRouteByName(ctx, c.spec.Route)
	if err != nil {
		return configurationCause(fmt.Sprintf("route %q could not be resolved", c.spec.Route), err)
	}
	config, err := store.GetComponentByName(ctx, c.spec.Name)
	if err != nil {
		return configurationCause(fmt.Sprintf("component %q could not be resolved", c.spec.Name), err)
	}
	binding, err := store.GetComponentRoute(ctx, config.ID, route.ID)
	if err != nil {
		return configurationCause(fmt.Sprintf("component %q is not bound to route %q", c.spec.Name, c.spec.Route), err)
	}

	c.identifier = model.NewComponentIdentifier(config.Name, route.Name, config.ID, route.ID, binding.ID)
	c.config = config

	c.acceptance = c.spec.Acceptance
	if c.acceptance == nil {
		if c.acceptance, err = policies.Resolve(c.spec.AcceptancePolicy, PolicyAcceptAll); err != nil {
			return err
		}
	}
	c.forwarding = c.spec.Forwarding
	if c.forwarding == nil {
		if c.forwarding, err = policies.Resolve(c.spec.ForwardingPolicy, PolicyForwardAll); err != nil {
			return err
		}
	}

	c.processor = c.spec.Processor
	if c.processor == nil {
		name := ""
		if c.spec.Archetype == ProcessingStep {
			name = c.spec.ProcessorName
		}
		if c.processor, err = processors.Build(name, config.Properties); err != nil {
			return err
		}
	}

	for _, adapter := range []interface{}{c.spec.Inbound, c.spec.Outbound} {
		if pc, ok := adapter.(PropertyConfigurable); ok {
			if err := pc.ConfigureProperties(config.Properties); err != nil {
				return configurationCause(fmt.Sprintf("adapter of %s rejected its properties", c.Path()), err)
			}
		}
	}

	c.stages, c.relays = buildPipeline(c)
	c.configured = true
	return nil
}

func configurationCause(message string, err error) error {
	if IsConfiguration(err) {
		return err
	}
	return NewErrorWithCause(ErrCodeConfiguration, message, err)
}

// outboundEvent is the event type the outbound processor records for each produced step.
func (c *Component) outboundEvent() model.EventType {
	switch c.spec.Archetype {
	case OutboundCommunicationPoint:
		return model.EventReadyForSending
	case OutboundRouteConnector:
		return model.EventRouteConnectorComplete
	default:
		return model.EventOutboundProcessingComplete
	}
}

// forwards reports whether the forwarding policy applies to produced steps.
func (c *Component) forwards() bool {
	return c.spec.Archetype != OutboundCommunicationPoint
}

// accepts reports whether the acceptance policy applies to received steps.
// Inbound route connectors take everything their connector topic carries.
func (c *Component) accepts() bool {
	return c.spec.Archetype != InboundRouteConnector
}
