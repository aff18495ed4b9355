// Package yamlconfig loads a route topology from a YAML file.
//
// The file declares routes, their components, component properties, initial running flags,
// policies, processors, sources and terminal adapters:
//
//	routes:
//	  - name: orders
//	    components:
//	      - name: fromFolder
//	        archetype: inbound-communication-point
//	        contentType: text/plain
//	        adapter: directory
//	        properties:
//	          SOURCE_FOLDER: /data/in
//	      - name: toFolder
//	        archetype: outbound-communication-point
//	        adapter: directory
//	        sources: [orders-fromFolder]
//	        acceptancePolicy: acceptAll
//	        properties:
//	          TARGET_FOLDER: /data/out
//
// Apply loads the definitions into a memory.ConfigStore; Specs builds the component specs,
// creating terminal adapters through an AdapterRegistry.
package yamlconfig

import (
	"fmt"
	"os"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"

	"github.com/coregx/flowrelay"
	"github.com/coregx/flowrelay/adapters/memory"
)

// Topology is the parsed topology file.
type Topology struct {
	Routes []Route `yaml:"routes"`
}

// Route is a named route and its components.
type Route struct {
	Name       string      `yaml:"name"`
	Components []Component `yaml:"components"`
}

// Component is one component bound to a route.
type Component struct {
	Name             string            `yaml:"name"`
	Archetype        string            `yaml:"archetype"`
	ContentType      string            `yaml:"contentType"`
	Adapter          string            `yaml:"adapter"`
	Properties       map[string]string `yaml:"properties"`
	Sources          []string          `yaml:"sources"`
	Connector        string            `yaml:"connector"`
	AcceptancePolicy string            `yaml:"acceptancePolicy"`
	ForwardingPolicy string            `yaml:"forwardingPolicy"`
	Processor        string            `yaml:"processor"`
	InboundRunning   *bool             `yaml:"inboundRunning"`
	OutboundRunning  *bool             `yaml:"outboundRunning"`
}

// Path returns "{route}-{component}".
func (c Component) Path(route string) string {
	return route + "-" + c.Name
}

func running(flag *bool) bool {
	return flag == nil || *flag
}

// Load reads and parses a topology file.
func Load(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, flowrelay.NewErrorWithCause(flowrelay.ErrCodeConfiguration, "failed to read topology "+path, err)
	}
	return Parse(data)
}

// Parse parses and validates a topology document.
func Parse(data []byte) (*Topology, error) {
	var t Topology
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, flowrelay.NewErrorWithCause(flowrelay.ErrCodeConfiguration, "invalid topology YAML", err)
	}
	if err := t.Validate(); err != nil {
		return nil, flowrelay.NewErrorWithCause(flowrelay.ErrCodeConfiguration, "invalid topology", err)
	}
	return &t, nil
}

// Validate checks names, archetypes and uniqueness of component paths.
func (t Topology) Validate() error {
	if err := validation.ValidateStruct(&t,
		validation.Field(&t.Routes, validation.Required),
	); err != nil {
		return err
	}

	seen := make(map[string]bool)
	for _, r := range t.Routes {
		if err := validation.ValidateStruct(&r,
			validation.Field(&r.Name, validation.Required, validation.Length(1, 255)),
			validation.Field(&r.Components, validation.Required),
		); err != nil {
			return fmt.Errorf("route %q: %w", r.Name, err)
		}
		for _, c := range r.Components {
			if err := c.validate(); err != nil {
				return fmt.Errorf("component %q of route %q: %w", c.Name, r.Name, err)
			}
			path := c.Path(r.Name)
			if seen[path] {
				return fmt.Errorf("component %s is declared twice", path)
			}
			seen[path] = true
		}
	}
	return nil
}

func (c Component) validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Name, validation.Required, validation.Length(1, 255)),
		validation.Field(&c.Archetype, validation.Required, validation.By(func(value interface{}) error {
			_, err := flowrelay.ParseArchetype(value.(string))
			return err
		})),
	)
}

// Apply registers every route, component and binding in store. Existing entries keep their ids;
// their properties are merged and their running flags reset to the file's values.
func (t *Topology) Apply(store *memory.ConfigStore) {
	for _, r := range t.Routes {
		route := store.AddRoute(r.Name)
		for _, c := range r.Components {
			comp := store.AddComponent(c.Name, c.Properties)
			store.Bind(comp.ID, route.ID, running(c.InboundRunning), running(c.OutboundRunning))
		}
	}
}

// Specs builds a component spec for every declared component, in file order.
func (t *Topology) Specs(adapters *AdapterRegistry) ([]flowrelay.ComponentSpec, error) {
	var specs []flowrelay.ComponentSpec
	for _, r := range t.Routes {
		for _, c := range r.Components {
			spec, err := c.spec(r.Name, adapters)
			if err != nil {
				return nil, err
			}
			specs = append(specs, spec)
		}
	}
	return specs, nil
}

func (c Component) spec(route string, adapters *AdapterRegistry) (flowrelay.ComponentSpec, error) {
	archetype, err := flowrelay.ParseArchetype(c.Archetype)
	if err != nil {
		return flowrelay.ComponentSpec{}, err
	}
	spec := flowrelay.ComponentSpec{
		Name:             c.Name,
		Route:            route,
		Archetype:        archetype,
		ContentType:      c.ContentType,
		AcceptancePolicy: c.AcceptancePolicy,
		ForwardingPolicy: c.ForwardingPolicy,
		ProcessorName:    c.Processor,
		Sources:          c.Sources,
		ConnectorName:    c.Connector,
	}

	switch archetype {
	case flowrelay.InboundCommunicationPoint:
		spec.Inbound, err = adapters.inbound(c.Adapter)
	case flowrelay.OutboundCommunicationPoint:
		spec.Outbound, err = adapters.outbound(c.Adapter)
	}
	if err != nil {
		return spec, flowrelay.ConfigurationError("component %s: %v", c.Path(route), err)
	}
	return spec, nil
}
