package flowrelay

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Policy decides whether a message may continue. Acceptance policies run when a component
// receives a message; forwarding policies run before a component publishes one.
type Policy interface {
	// Evaluate returns true to let the message through. An error means the policy could not
	// decide and is treated as a processing failure, never as a rejection.
	Evaluate(ctx context.Context, content string) (bool, error)

	// Reason explains a rejection. It is stored on the filtered step.
	Reason() string

	// Name identifies the policy. It is stored on the filtered step.
	Name() string
}

// PolicyResult is the outcome of applying a policy. It is not persisted on its own;
// a rejection is reflected into the filtered fields of the step.
type PolicyResult struct {
	Accepted   bool
	Reason     string
	PolicyName string
}

// ApplyPolicy evaluates p against content. Evaluation errors and panics become POLICY_ERROR.
func ApplyPolicy(ctx context.Context, p Policy, content string) (result PolicyResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = PolicyError(p.Name(), fmt.Errorf("panic: %v", r))
		}
	}()

	accepted, evalErr := p.Evaluate(ctx, content)
	if evalErr != nil {
		return PolicyResult{}, PolicyError(p.Name(), evalErr)
	}
	if accepted {
		return PolicyResult{Accepted: true, PolicyName: p.Name()}, nil
	}
	return PolicyResult{Accepted: false, Reason: p.Reason(), PolicyName: p.Name()}, nil
}

type funcPolicy struct {
	name   string
	reason string
	fn     func(ctx context.Context, content string) (bool, error)
}

func (p *funcPolicy) Evaluate(ctx context.Context, content string) (bool, error) {
	return p.fn(ctx, content)
}

func (p *funcPolicy) Reason() string { return p.reason }

func (p *funcPolicy) Name() string { return p.name }

// NewPolicy builds a policy from a predicate.
func NewPolicy(name, reason string, fn func(ctx context.Context, content string) (bool, error)) Policy {
	return &funcPolicy{name: name, reason: reason, fn: fn}
}

// AcceptAll accepts every message.
func AcceptAll() Policy {
	return NewPolicy("Accept All Messages", "", func(context.Context, string) (bool, error) {
		return true, nil
	})
}

// ForwardAll forwards every message.
func ForwardAll() Policy {
	return NewPolicy("Forward All Messages", "", func(context.Context, string) (bool, error) {
		return true, nil
	})
}

// RejectAll filters every message.
func RejectAll() Policy {
	return NewPolicy("Filter All Messages Filter", "All messages are filtered by filter",
		func(context.Context, string) (bool, error) {
			return false, nil
		})
}

// Names under which the built-in policies are registered.
const (
	PolicyAcceptAll  = "acceptAllMessages"
	PolicyForwardAll = "forwardAllMessages"
	PolicyRejectAll  = "rejectAllMessages"
)

// PolicyRegistry maps configuration names to policies. Names are resolved once, when a
// component is configured.
type PolicyRegistry struct {
	mu       sync.RWMutex
	policies map[string]Policy
}

// NewPolicyRegistry creates a registry holding the built-in policies.
func NewPolicyRegistry() *PolicyRegistry {
	r := &PolicyRegistry{policies: make(map[string]Policy)}
	r.policies[PolicyAcceptAll] = AcceptAll()
	r.policies[PolicyForwardAll] = ForwardAll()
	r.policies[PolicyRejectAll] = RejectAll()
	return r
}

// Register adds or replaces a named policy.
func (r *PolicyRegistry) Register(name string, p Policy) error {
	if name == "" {
		return NewError(ErrCodeValidation, "policy name is required")
	}
	if p == nil {
		return NewError(ErrCodeValidation, "policy cannot be nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[name] = p
	return nil
}

// Resolve returns the named policy, or a CONFIGURATION_ERROR when it is unknown.
// An empty name resolves to fallback.
func (r *PolicyRegistry) Resolve(name, fallback string) (Policy, error) {
	if name == "" {
		name = fallback
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.policies[name]
	if !ok {
		return nil, ConfigurationError("unknown policy %q", name)
	}
	return p, nil
}

// Names lists the registered policy names.
func (r *PolicyRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.policies))
	for name := range r.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
