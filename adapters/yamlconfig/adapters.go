package yamlconfig

import (
	"fmt"
	"sync"

	"github.com/coregx/flowrelay"
	"github.com/coregx/flowrelay/adapters/directory"
)

// AdapterRegistry maps adapter kinds named in the topology file to constructors.
// Adapters read their settings from component properties when the component is configured.
type AdapterRegistry struct {
	mu            sync.RWMutex
	inboundKinds  map[string]func() (flowrelay.InboundAdapter, error)
	outboundKinds map[string]func() (flowrelay.OutboundAdapter, error)
}

// NewAdapterRegistry creates a registry holding the directory adapters under "directory".
func NewAdapterRegistry() *AdapterRegistry {
	r := &AdapterRegistry{
		inboundKinds:  make(map[string]func() (flowrelay.InboundAdapter, error)),
		outboundKinds: make(map[string]func() (flowrelay.OutboundAdapter, error)),
	}
	r.RegisterInbound("directory", func() (flowrelay.InboundAdapter, error) { return directory.NewPoller() })
	r.RegisterOutbound("directory", func() (flowrelay.OutboundAdapter, error) { return directory.NewWriter() })
	return r
}

// RegisterInbound adds or replaces an inbound adapter kind.
func (r *AdapterRegistry) RegisterInbound(kind string, factory func() (flowrelay.InboundAdapter, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inboundKinds[kind] = factory
}

// RegisterOutbound adds or replaces an outbound adapter kind.
func (r *AdapterRegistry) RegisterOutbound(kind string, factory func() (flowrelay.OutboundAdapter, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outboundKinds[kind] = factory
}

func (r *AdapterRegistry) inbound(kind string) (flowrelay.InboundAdapter, error) {
	r.mu.RLock()
	factory, ok := r.inboundKinds[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown inbound adapter %q", kind)
	}
	return factory()
}

func (r *AdapterRegistry) outbound(kind string) (flowrelay.OutboundAdapter, error) {
	r.mu.RLock()
	factory, ok := r.outboundKinds[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown outbound adapter %q", kind)
	}
	return factory()
}
