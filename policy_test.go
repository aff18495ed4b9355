package flowrelay_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coregx/flowrelay"
)

func TestApplyPolicy(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name         string
		policy       flowrelay.Policy
		wantAccepted bool
		wantReason   string
		wantErr      bool
	}{
		{name: "accept all", policy: flowrelay.AcceptAll(), wantAccepted: true},
		{name: "forward all", policy: flowrelay.ForwardAll(), wantAccepted: true},
		{name: "reject all", policy: flowrelay.RejectAll(), wantReason: "All messages are filtered by filter"},
		{
			name: "predicate",
			policy: flowrelay.NewPolicy("hl7Only", "not an HL7 message", func(_ context.Context, content string) (bool, error) {
				return len(content) >= 3 && content[:3] == "MSH", nil
			}),
			wantReason: "not an HL7 message",
		},
		{
			name: "evaluation error",
			policy: flowrelay.NewPolicy("broken", "", func(context.Context, string) (bool, error) {
				return false, errors.New("lookup table missing")
			}),
			wantErr: true,
		},
		{
			name: "panic",
			policy: flowrelay.NewPolicy("panicky", "", func(context.Context, string) (bool, error) {
				panic("nil map")
			}),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := flowrelay.ApplyPolicy(ctx, tt.policy, "HELLO")
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, flowrelay.IsPolicy(err))
				// a policy that cannot decide is a failure, not a rejection
				assert.False(t, result.Accepted)
				assert.Empty(t, result.Reason)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantAccepted, result.Accepted)
			assert.Equal(t, tt.wantReason, result.Reason)
			assert.Equal(t, tt.policy.Name(), result.PolicyName)
		})
	}
}

func TestPolicyRegistry(t *testing.T) {
	r := flowrelay.NewPolicyRegistry()
	assert.Equal(t, []string{
		flowrelay.PolicyAcceptAll, flowrelay.PolicyForwardAll, flowrelay.PolicyRejectAll,
	}, r.Names())

	p, err := r.Resolve("", flowrelay.PolicyAcceptAll)
	require.NoError(t, err)
	assert.Equal(t, "Accept All Messages", p.Name())

	p, err = r.Resolve(flowrelay.PolicyRejectAll, flowrelay.PolicyAcceptAll)
	require.NoError(t, err)
	assert.Equal(t, "Filter All Messages Filter", p.Name())

	_, err = r.Resolve("nope", flowrelay.PolicyAcceptAll)
	assert.True(t, flowrelay.IsConfiguration(err))

	assert.Error(t, r.Register("", flowrelay.AcceptAll()))
	assert.Error(t, r.Register("x", nil))

	require.NoError(t, r.Register("onlyOrders", flowrelay.NewPolicy("Only Orders", "not an order",
		func(_ context.Context, content string) (bool, error) { return content == "order", nil })))
	p, err = r.Resolve("onlyOrders", "")
	require.NoError(t, err)
	assert.Equal(t, "Only Orders", p.Name())
}
