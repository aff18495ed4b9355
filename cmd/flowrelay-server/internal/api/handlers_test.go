package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coregx/flowrelay"
	"github.com/coregx/flowrelay/adapters/memory"
	"github.com/coregx/flowrelay/model"
	"github.com/coregx/flowrelay/retry"
)

type idleInbound struct{}

func (idleInbound) Start(context.Context, flowrelay.IngestFunc) error { return nil }
func (idleInbound) Stop() error { return nil }

type sink struct {
	mu   sync.Mutex
	fail bool
	sent []string
}

func (s *sink) Send(_ context.Context, msg flowrelay.OutboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return flowrelay.NewError(flowrelay.ErrCodeTransport, "sink offline")
	}
	s.sent = append(s.sent, msg.Content)
	return nil
}

func (s *sink) setFail(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fail
}

func (s *sink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type fixture struct {
	mux        *http.ServeMux
	rt         *flowrelay.Runtime
	quarantine *memory.Quarantine
	out        *sink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	flows, err := flowrelay.NewMessageFlowService(
		flowrelay.WithFlowStore(memory.NewStore()),
		flowrelay.WithFlowLogger(&flowrelay.NoopLogger{}),
	)
	require.NoError(t, err)

	f := &fixture{quarantine: memory.NewQuarantine(), out: &sink{}}
	config := memory.NewConfigStore()
	bus := memory.NewBus()
	f.rt, err = flowrelay.NewRuntime(
		flowrelay.WithRuntimeFlows(flows),
		flowrelay.WithRuntimeBus(bus),
		flowrelay.WithRuntimeLocker(memory.NewLocker()),
		flowrelay.WithConfigurationStore(config),
		flowrelay.WithQuarantine(f.quarantine),
		flowrelay.WithRuntimeLogger(&flowrelay.NoopLogger{}),
		flowrelay.WithStageRetryStrategy(retry.Fixed(1, time.Millisecond)),
		flowrelay.WithRelayOptions(flowrelay.WithPollInterval(10*time.Millisecond)),
	)
	require.NoError(t, err)

	specs := []flowrelay.ComponentSpec{
		{Name: "fromApi", Route: "orders", Archetype: flowrelay.InboundCommunicationPoint, Inbound: idleInbound{}},
		{Name: "toSink", Route: "orders", Archetype: flowrelay.OutboundCommunicationPoint, Sources: []string{"orders-fromApi"}, Outbound: f.out},
	}
	for _, spec := range specs {
		config.Define(spec.Route, spec.Name, nil)
		c, err := flowrelay.NewComponent(spec)
		require.NoError(t, err)
		require.NoError(t, f.rt.Register(c))
	}
	require.NoError(t, f.rt.Start(context.Background()))
	t.Cleanup(func() {
		_ = f.rt.Close()
		_ = bus.Close()
	})

	f.mux = http.NewServeMux()
	NewHandler(f.rt, f.quarantine, &flowrelay.NoopLogger{}).Routes(f.mux)
	return f
}

func (f *fixture) do(t *testing.T, method, target, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, req)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return w, resp
}

func TestHandleHealth(t *testing.T) {
	f := newFixture(t)
	w, resp := f.do(t, http.MethodGet, "/api/v1/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	data := resp["data"].(map[string]interface{})
	assert.Equal(t, "healthy", data["status"])
}

func TestHandleListComponents(t *testing.T) {
	f := newFixture(t)
	w, resp := f.do(t, http.MethodGet, "/api/v1/components", "")
	require.Equal(t, http.StatusOK, w.Code)

	list := resp["data"].([]interface{})
	require.Len(t, list, 2)
	first := list[0].(map[string]interface{})
	assert.Equal(t, "orders-fromApi", first["path"])
	assert.Equal(t, "inbound-communication-point", first["archetype"])
	assert.Equal(t, true, first["configured"])
}

func TestHandleIngestAndLineage(t *testing.T) {
	f := newFixture(t)

	w, resp := f.do(t, http.MethodPost, "/api/v1/components/orders-fromApi/ingest", `{"content":"hello","key":"k1"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	step := resp["data"].(map[string]interface{})
	require.Eventually(t, func() bool { return f.out.count() == 1 }, 3*time.Second, 10*time.Millisecond)

	w, resp = f.do(t, http.MethodPost, "/api/v1/components/orders-fromApi/ingest", `{"content":"hello","key":"k1"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Already recorded", resp["message"])

	stepID := int64(step["id"].(float64))
	groupID := int64(step["flowGroupId"].(float64))

	w, resp = f.do(t, http.MethodGet, "/api/v1/steps/"+itoa(stepID), "")
	require.Equal(t, http.StatusOK, w.Code)
	msg := resp["data"].(map[string]interface{})["message"].(map[string]interface{})
	assert.Equal(t, "hello", msg["content"])

	w, resp = f.do(t, http.MethodGet, "/api/v1/lineage/"+itoa(groupID), "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.GreaterOrEqual(t, len(resp["data"].([]interface{})), 2)
}

func TestHandleIngest_Errors(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		target string
		body   string
		status int
	}{
		{name: "invalid json", target: "/api/v1/components/orders-fromApi/ingest", body: "{", status: http.StatusBadRequest},
		{name: "unknown component", target: "/api/v1/components/orders-nope/ingest", body: `{"content":"x"}`, status: http.StatusNotFound},
		{name: "not an inbound point", target: "/api/v1/components/orders-toSink/ingest", body: `{"content":"x"}`, status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _ := f.do(t, http.MethodPost, tt.target, tt.body)
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestHandleControl(t *testing.T) {
	f := newFixture(t)

	w, _ := f.do(t, http.MethodPost, "/api/v1/components/orders-toSink/stop-outbound", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, f.rt.RunningStages(), "messageSender-orders-toSink")

	w, _ = f.do(t, http.MethodPost, "/api/v1/components/orders-toSink/start-outbound", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, f.rt.RunningStages(), "messageSender-orders-toSink")

	w, _ = f.do(t, http.MethodPost, "/api/v1/components/orders-toSink/restart", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = f.do(t, http.MethodPost, "/api/v1/components/orders-nope/stop", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleQuarantineAndRequeue(t *testing.T) {
	f := newFixture(t)
	f.out.setFail(true)

	w, _ := f.do(t, http.MethodPost, "/api/v1/components/orders-fromApi/ingest", `{"content":"late","key":"k2"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	var entries []model.QuarantinedMessage
	require.Eventually(t, func() bool {
		entries, _ = f.quarantine.FindUnresolved(context.Background(), 0)
		return len(entries) == 1
	}, 3*time.Second, 10*time.Millisecond)

	w, resp := f.do(t, http.MethodGet, "/api/v1/quarantine", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, resp["data"].([]interface{}), 1)

	w, resp = f.do(t, http.MethodGet, "/api/v1/quarantine/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, resp["data"].(map[string]interface{})["unresolvedItems"])

	f.out.setFail(false)
	w, _ = f.do(t, http.MethodPost, "/api/v1/quarantine/"+itoa(entries[0].ID)+"/requeue", `{"resolvedBy":"ops"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 1, f.out.count())

	entry, err := f.quarantine.Load(context.Background(), entries[0].ID)
	require.NoError(t, err)
	assert.True(t, entry.IsResolved)

	w, _ = f.do(t, http.MethodPost, "/api/v1/quarantine/999/requeue", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = f.do(t, http.MethodPost, "/api/v1/quarantine/abc/requeue", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func itoa(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
