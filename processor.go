package flowrelay

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Processor turns the content a component accepted into the contents it emits.
// A transformer returns one content, a splitter any number, a filter the input unchanged.
type Processor interface {
	Process(ctx context.Context, content string) ([]string, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, content string) ([]string, error)

// Process implements Processor.
func (f ProcessorFunc) Process(ctx context.Context, content string) ([]string, error) {
	return f(ctx, content)
}

// PassThrough emits the input unchanged.
func PassThrough() Processor {
	return ProcessorFunc(func(_ context.Context, content string) ([]string, error) {
		return []string{content}, nil
	})
}

// TransformFunc builds a one-to-one processor.
func TransformFunc(fn func(ctx context.Context, content string) (string, error)) Processor {
	return ProcessorFunc(func(ctx context.Context, content string) ([]string, error) {
		out, err := fn(ctx, content)
		if err != nil {
			return nil, err
		}
		return []string{out}, nil
	})
}

// SplitFunc builds a one-to-many processor.
func SplitFunc(fn func(ctx context.Context, content string) ([]string, error)) Processor {
	return ProcessorFunc(fn)
}

// SplitOn splits the content on sep. Empty parts are dropped.
func SplitOn(sep string) Processor {
	return SplitFunc(func(_ context.Context, content string) ([]string, error) {
		if sep == "" {
			return nil, fmt.Errorf("split separator is empty")
		}
		parts := strings.Split(content, sep)
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p != "" {
				out = append(out, p)
			}
		}
		return out, nil
	})
}

// runProcessor calls p and turns failures and panics into PROCESSING_ERROR.
func runProcessor(ctx context.Context, p Processor, content string) (out []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewErrorWithCause(ErrCodeProcessing, "processor panicked", fmt.Errorf("%v", r))
		}
	}()
	out, err = p.Process(ctx, content)
	if err != nil {
		return nil, NewErrorWithCause(ErrCodeProcessing, "processor failed", err)
	}
	return out, nil
}

// ProcessorFactory builds a processor from component properties.
type ProcessorFactory func(properties map[string]string) (Processor, error)

// Processor names registered by default.
const (
	ProcessorPassThrough = "passThrough"
	ProcessorSplit       = "split"
	ProcessorUppercase   = "uppercase"
)

// SplitDelimiterProperty configures the split processor. It defaults to ",".
const SplitDelimiterProperty = "SPLIT_DELIMITER"

// ProcessorRegistry maps configuration names to processor factories.
type ProcessorRegistry struct {
	mu        sync.RWMutex
	factories map[string]ProcessorFactory
}

// NewProcessorRegistry creates a registry holding the built-in processors.
func NewProcessorRegistry() *ProcessorRegistry {
	r := &ProcessorRegistry{factories: make(map[string]ProcessorFactory)}
	r.factories[ProcessorPassThrough] = func(map[string]string) (Processor, error) {
		return PassThrough(), nil
	}
	r.factories[ProcessorSplit] = func(props map[string]string) (Processor, error) {
		sep := props[SplitDelimiterProperty]
		if sep == "" {
			sep = ","
		}
		return SplitOn(sep), nil
	}
	r.factories[ProcessorUppercase] = func(map[string]string) (Processor, error) {
		return TransformFunc(func(_ context.Context, content string) (string, error) {
			return strings.ToUpper(content), nil
		}), nil
	}
	return r
}

// Register adds or replaces a named factory.
func (r *ProcessorRegistry) Register(name string, f ProcessorFactory) error {
	if name == "" || f == nil {
		return NewError(ErrCodeValidation, "processor name and factory are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
	return nil
}

// Build creates the named processor. An empty name builds PassThrough.
func (r *ProcessorRegistry) Build(name string, properties map[string]string) (Processor, error) {
	if name == "" {
		name = ProcessorPassThrough
	}
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, ConfigurationError("unknown processor %q", name)
	}
	p, err := f(properties)
	if err != nil {
		return nil, NewErrorWithCause(ErrCodeConfiguration, fmt.Sprintf("failed to build processor %q", name), err)
	}
	return p, nil
}

// Names lists the registered processor names.
func (r *ProcessorRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
