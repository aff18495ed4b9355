package memory

import (
	"context"
	"sync"

	"github.com/coregx/flowrelay"
	"github.com/coregx/flowrelay/model"
)

// ConfigStore implements flowrelay.ConfigurationStore and flowrelay.RunningStateWriter.
type ConfigStore struct {
	mu         sync.RWMutex
	seq        int64
	routes     map[string]model.Route
	components map[string]model.ComponentConfig
	bindings   map[[2]int64]model.ComponentRoute
}

// NewConfigStore creates an empty configuration store.
func NewConfigStore() *ConfigStore {
	return &ConfigStore{
		routes:     make(map[string]model.Route),
		components: make(map[string]model.ComponentConfig),
		bindings:   make(map[[2]int64]model.ComponentRoute),
	}
}

// AddRoute creates a route, or returns the existing one with that name.
func (s *ConfigStore) AddRoute(name string) model.Route {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.routes[name]; ok {
		return r
	}
	s.seq++
	r := model.Route{ID: s.seq, Name: name}
	s.routes[name] = r
	return r
}

// AddComponent creates a component, or merges properties into the existing one with that name.
func (s *ConfigStore) AddComponent(name string, properties map[string]string) model.ComponentConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.components[name]
	if !ok {
		s.seq++
		c = model.ComponentConfig{ID: s.seq, Name: name, Properties: make(map[string]string)}
	}
	for k, v := range properties {
		c.Properties[k] = v
	}
	s.components[name] = c
	return c
}

// Bind attaches a component to a route with its initial running flags.
func (s *ConfigStore) Bind(componentID, routeID int64, inboundRunning, outboundRunning bool) model.ComponentRoute {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := [2]int64{componentID, routeID}
	b, ok := s.bindings[key]
	if !ok {
		s.seq++
		b = model.ComponentRoute{ID: s.seq, ComponentID: componentID, RouteID: routeID}
	}
	b.InboundRunning, b.OutboundRunning = inboundRunning, outboundRunning
	s.bindings[key] = b
	return b
}

// Define registers route, component and binding in one call, with both sides running.
func (s *ConfigStore) Define(route, component string, properties map[string]string) model.ComponentRoute {
	r := s.AddRoute(route)
	c := s.AddComponent(component, properties)
	return s.Bind(c.ID, r.ID, true, true)
}

// GetRouteByName implements flowrelay.ConfigurationStore.
func (s *ConfigStore) GetRouteByName(_ context.Context, name string) (model.Route, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.routes[name]
	if !ok {
		return r, flowrelay.NotFoundError("route", name)
	}
	return r, nil
}

// GetComponentByName implements flowrelay.ConfigurationStore.
func (s *ConfigStore) GetComponentByName(_ context.Context, name string) (model.ComponentConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.components[name]
	if !ok {
		return c, flowrelay.NotFoundError("component", name)
	}
	props := make(map[string]string, len(c.Properties))
	for k, v := range c.Properties {
		props[k] = v
	}
	c.Properties = props
	return c, nil
}

// GetComponentRoute implements flowrelay.ConfigurationStore.
func (s *ConfigStore) GetComponentRoute(_ context.Context, componentID, routeID int64) (model.ComponentRoute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bindings[[2]int64{componentID, routeID}]
	if !ok {
		return b, flowrelay.NotFoundError("component route", [2]int64{componentID, routeID})
	}
	return b, nil
}

// IsInboundRunning implements flowrelay.ConfigurationStore.
func (s *ConfigStore) IsInboundRunning(_ context.Context, componentRouteID int64) (bool, error) {
	b, err := s.binding(componentRouteID)
	return b.InboundRunning, err
}

// IsOutboundRunning implements flowrelay.ConfigurationStore.
func (s *ConfigStore) IsOutboundRunning(_ context.Context, componentRouteID int64) (bool, error) {
	b, err := s.binding(componentRouteID)
	return b.OutboundRunning, err
}

// SetInboundRunning implements flowrelay.RunningStateWriter.
func (s *ConfigStore) SetInboundRunning(_ context.Context, componentRouteID int64, running bool) error {
	return s.update(componentRouteID, func(b *model.ComponentRoute) { b.InboundRunning = running })
}

// SetOutboundRunning implements flowrelay.RunningStateWriter.
func (s *ConfigStore) SetOutboundRunning(_ context.Context, componentRouteID int64, running bool) error {
	return s.update(componentRouteID, func(b *model.ComponentRoute) { b.OutboundRunning = running })
}

func (s *ConfigStore) binding(componentRouteID int64) (model.ComponentRoute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.bindings {
		if b.ID == componentRouteID {
			return b, nil
		}
	}
	return model.ComponentRoute{}, flowrelay.NotFoundError("component route", componentRouteID)
}

func (s *ConfigStore) update(componentRouteID int64, fn func(b *model.ComponentRoute)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, b := range s.bindings {
		if b.ID == componentRouteID {
			fn(&b)
			s.bindings[key] = b
			return nil
		}
	}
	return flowrelay.NotFoundError("component route", componentRouteID)
}
