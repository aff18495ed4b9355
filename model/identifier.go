// Package model contains the domain models of the message flow relay:
// component identity, messages, flow lineage, outbox events and quarantine entries.
package model

import (
	"fmt"
	"strings"
)

// tablePrefix is the default prefix of every flowrelay table.
const tablePrefix = "flowrelay_"

// ComponentIdentifier identifies a component inside a route.
// It is resolved once at startup from the configuration store and never changes afterwards.
type ComponentIdentifier struct {
	ComponentName    string `json:"componentName" yaml:"componentName"`
	RouteName        string `json:"routeName" yaml:"routeName"`
	ComponentID      int64  `json:"componentId" yaml:"componentId"`
	RouteID          int64  `json:"routeId" yaml:"routeId"`
	ComponentRouteID int64  `json:"componentRouteId" yaml:"componentRouteId"`
}

// NewComponentIdentifier creates an identifier for a component bound to a route.
func NewComponentIdentifier(componentName, routeName string, componentID, routeID, componentRouteID int64) ComponentIdentifier {
	return ComponentIdentifier{
		ComponentName:    componentName,
		RouteName:        routeName,
		ComponentID:      componentID,
		RouteID:          routeID,
		ComponentRouteID: componentRouteID,
	}
}

// Path returns the component path used in lock keys and destination names: "{route}-{component}".
func (c ComponentIdentifier) Path() string {
	return c.RouteName + "-" + c.ComponentName
}

// IsResolved reports whether the runtime ids have been filled in.
func (c ComponentIdentifier) IsResolved() bool {
	return c.ComponentID > 0 && c.RouteID > 0 && c.ComponentRouteID > 0
}

// String implements fmt.Stringer.
func (c ComponentIdentifier) String() string {
	return fmt.Sprintf("%s (componentRouteId=%d)", c.Path(), c.ComponentRouteID)
}

// Route is a named route from the configuration store.
type Route struct {
	ID   int64  `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}

// ComponentConfig is a component definition from the configuration store.
type ComponentConfig struct {
	ID         int64             `json:"id" yaml:"id"`
	Name       string            `json:"name" yaml:"name"`
	Properties map[string]string `json:"properties" yaml:"properties"`
}

// Property returns a component property, or the default when it is unset.
func (c ComponentConfig) Property(key, defaultValue string) string {
	if v, ok := c.Properties[key]; ok && strings.TrimSpace(v) != "" {
		return v
	}
	return defaultValue
}

// ComponentRoute binds a component to a route and carries its runtime state flags.
type ComponentRoute struct {
	ID              int64 `json:"id" yaml:"id"`
	ComponentID     int64 `json:"componentId" yaml:"componentId"`
	RouteID         int64 `json:"routeId" yaml:"routeId"`
	InboundRunning  bool  `json:"inboundRunning" yaml:"inboundRunning"`
	OutboundRunning bool  `json:"outboundRunning" yaml:"outboundRunning"`
}
